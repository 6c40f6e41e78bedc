// Package hartley implements centered discrete Hartley transforms.
//
// The Hartley transform of x is Re(DFT(x)) - Im(DFT(x)). It is real for real
// input and is its own inverse up to a factor of 1/N. "Centered" means the
// zero frequency sits at index n/2 on every axis, as with numpy's fftshift.
package hartley

import (
	"fmt"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Plan holds FFT plans and scratch space for one array shape. A Plan is not
// safe for concurrent use.
type Plan struct {
	dims []int
	size int
	ffts []*fourier.CmplxFFT
	buf  []complex128
	line []complex128
}

func NewPlan(dims ...int) *Plan {
	if len(dims) == 0 {
		panic("hartley: no dimensions")
	}
	p := &Plan{dims: append([]int(nil), dims...), size: 1}
	longest := 0
	for _, n := range dims {
		if n < 1 {
			panic(fmt.Sprintf("hartley: invalid dimension %d", n))
		}
		p.size *= n
		p.ffts = append(p.ffts, fourier.NewCmplxFFT(n))
		longest = max(longest, n)
	}
	p.buf = make([]complex128, p.size)
	p.line = make([]complex128, longest)
	return p
}

// Forward returns the centered Hartley transform of x.
func (p *Plan) Forward(x []float64) []float64 {
	return p.centered(x, 1)
}

// Inverse undoes Forward.
func (p *Plan) Inverse(x []float64) []float64 {
	return p.centered(x, 1/float64(p.size))
}

func (p *Plan) centered(x []float64, scale float64) []float64 {
	if len(x) != p.size {
		panic(fmt.Sprintf("hartley: input length %d does not match shape %v", len(x), p.dims))
	}
	shifted := roll(x, p.dims, func(n int) int { return n - n/2 }) // ifftshift
	for i, v := range shifted {
		p.buf[i] = complex(v, 0)
	}
	for axis := range p.dims {
		p.dftAxis(axis)
	}
	for i, c := range p.buf {
		shifted[i] = (real(c) - imag(c)) * scale
	}
	return roll(shifted, p.dims, func(n int) int { return n / 2 }) // fftshift
}

// dftAxis runs a 1D DFT over every line of p.buf along axis.
func (p *Plan) dftAxis(axis int) {
	n := p.dims[axis]
	stride := 1
	for _, d := range p.dims[axis+1:] {
		stride *= d
	}
	line := p.line[:n]
	fft := p.ffts[axis]

	for base := 0; base < p.size; base += n * stride {
		for s := 0; s < stride; s++ {
			for k := 0; k < n; k++ {
				line[k] = p.buf[base+s+k*stride]
			}
			fft.Coefficients(line, line)
			for k := 0; k < n; k++ {
				p.buf[base+s+k*stride] = line[k]
			}
		}
	}
}

// roll cyclically moves element i of every axis of length n to (i+shift(n)) mod n.
func roll(x []float64, dims []int, shift func(n int) int) []float64 {
	out := make([]float64, len(x))
	idx := make([]int, len(dims))
	shifts := make([]int, len(dims))
	for a, n := range dims {
		shifts[a] = shift(n)
	}

	for src := range x {
		dst := 0
		for a, n := range dims {
			dst = dst*n + (idx[a]+shifts[a])%n
		}
		out[dst] = x[src]

		for a := len(dims) - 1; a >= 0; a-- {
			idx[a]++
			if idx[a] < dims[a] {
				break
			}
			idx[a] = 0
		}
	}
	return out
}

// HT2Center is the centered 2D Hartley transform of a row-major ny x nx image.
func HT2Center(img []float64, ny, nx int) []float64 {
	return NewPlan(ny, nx).Forward(img)
}

// IHT2Center is the inverse of HT2Center.
func IHT2Center(f []float64, ny, nx int) []float64 {
	return NewPlan(ny, nx).Inverse(f)
}

// IHTNCenter is the centered inverse Hartley transform of a row-major array
// of the given shape, e.g. a (nz, ny, nx) Fourier volume.
func IHTNCenter(vol []float64, dims ...int) []float64 {
	return NewPlan(dims...).Inverse(vol)
}
