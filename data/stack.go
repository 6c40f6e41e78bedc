// Package data loads particle stacks and prepares normalised real-space and
// Hartley-space copies for training.
package data

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/b0tShaman/cryovae/hartley"
	"github.com/b0tShaman/cryovae/logging"
	"github.com/b0tShaman/cryovae/mrc"
)

// Stack is N images of Ny x Nx pixels, row-major and contiguous.
type Stack struct {
	N, Ny, Nx int
	Images    []float64
	Apix      float64
}

func NewStack(n, ny, nx int) *Stack {
	return &Stack{N: n, Ny: ny, Nx: nx, Images: make([]float64, n*ny*nx)}
}

func (s *Stack) Pixels() int { return s.Ny * s.Nx }

// Image returns image i without copying.
func (s *Stack) Image(i int) []float64 {
	p := s.Pixels()
	return s.Images[i*p : (i+1)*p]
}

// Load reads an MRC stack; each section is one particle.
func Load(path string) (*Stack, error) {
	m, err := mrc.Read(path)
	if err != nil {
		return nil, fmt.Errorf("loading particles: %w", err)
	}
	h := m.Header
	return &Stack{
		N: int(h.Nz), Ny: int(h.Ny), Nx: int(h.Nx),
		Images: m.Data,
		Apix:   h.Apix(),
	}, nil
}

// Norm maps x to (x - Offset) / Scale.
type Norm struct {
	Offset float64
	Scale  float64
}

func (n Norm) Apply(x []float64) {
	floats.AddConst(-n.Offset, x)
	floats.Scale(1/n.Scale, x)
}

// Invert maps a normalised value back.
func (n Norm) Invert(v float64) float64 {
	return v*n.Scale + n.Offset
}

// Dataset holds one view ready for training.
type Dataset struct {
	Real        *Stack
	Fourier     *Stack
	RealNorm    Norm
	FourierNorm Norm
}

// Prepare transforms and normalises a stack with statistics computed from it.
func Prepare(raw *Stack, log *logging.Logger) (*Dataset, error) {
	if raw.N == 0 {
		return nil, fmt.Errorf("particle stack is empty")
	}
	ft := transform(raw)

	mean, std := popMeanStd(ft.Images)
	log.Printf("Fourier stack mean, std: %.6g +/- %.6g", mean, std)
	ftNorm := Norm{Offset: 0, Scale: std}
	log.Printf("Normalizing FT by %.6g +/- %.6g", ftNorm.Offset, ftNorm.Scale)

	mean, std = popMeanStd(raw.Images)
	log.Printf("Particle stack mean, std: %.6g +/- %.6g", mean, std)
	realNorm := Norm{Offset: 0, Scale: medianOfMaxima(raw)}
	log.Printf("Normalizing particles by %.6g +/- %.6g", realNorm.Offset, realNorm.Scale)

	if !(ftNorm.Scale > 0) || !(realNorm.Scale > 0) {
		return nil, fmt.Errorf("degenerate particle stack: normalization scales %v, %v", realNorm.Scale, ftNorm.Scale)
	}
	return finish(raw, ft, realNorm, ftNorm), nil
}

// PrepareTilt prepares a tilt pair. The tilted stack must match the untilted
// one in shape and is normalised with the untilted statistics.
func PrepareTilt(untilted, tilted *Stack, log *logging.Logger) (*Dataset, *Dataset, error) {
	if err := PairStacks(untilted, tilted); err != nil {
		return nil, nil, err
	}
	u, err := Prepare(untilted, log)
	if err != nil {
		return nil, nil, err
	}
	return u, finish(tilted, transform(tilted), u.RealNorm, u.FourierNorm), nil
}

// PairStacks checks that two stacks can be used as tilt pairs.
func PairStacks(a, b *Stack) error {
	if a.N != b.N || a.Ny != b.Ny || a.Nx != b.Nx {
		return fmt.Errorf("tilt pair shape mismatch: %dx%dx%d vs %dx%dx%d",
			a.N, a.Ny, a.Nx, b.N, b.Ny, b.Nx)
	}
	return nil
}

func transform(raw *Stack) *Stack {
	plan := hartley.NewPlan(raw.Ny, raw.Nx)
	ft := NewStack(raw.N, raw.Ny, raw.Nx)
	ft.Apix = raw.Apix
	for i := 0; i < raw.N; i++ {
		copy(ft.Image(i), plan.Forward(raw.Image(i)))
	}
	return ft
}

func finish(raw, ft *Stack, realNorm, ftNorm Norm) *Dataset {
	re := NewStack(raw.N, raw.Ny, raw.Nx)
	re.Apix = raw.Apix
	copy(re.Images, raw.Images)
	realNorm.Apply(re.Images)
	ftNorm.Apply(ft.Images)
	return &Dataset{Real: re, Fourier: ft, RealNorm: realNorm, FourierNorm: ftNorm}
}

func popMeanStd(x []float64) (float64, float64) {
	mean, variance := stat.PopMeanVariance(x, nil)
	return mean, math.Sqrt(variance)
}

// medianOfMaxima is the median over images of each image's brightest pixel.
func medianOfMaxima(s *Stack) float64 {
	maxima := make([]float64, s.N)
	for i := range maxima {
		maxima[i] = floats.Max(s.Image(i))
	}
	return median(maxima)
}

// median averages the two middle values for even lengths.
func median(x []float64) float64 {
	sorted := append([]float64(nil), x...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
