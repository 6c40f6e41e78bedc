package so3

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/golang/geo/r3"
)

func assertRotation(t *testing.T, r Mat3) {
	t.Helper()
	if d := r.Mul(r.T()).Sub(Identity()).FrobeniusSq(); d > 1e-20 {
		t.Fatalf("R·Rᵀ != I (off by %g)", d)
	}
	det := r[0][0]*(r[1][1]*r[2][2]-r[1][2]*r[2][1]) -
		r[0][1]*(r[1][0]*r[2][2]-r[1][2]*r[2][0]) +
		r[0][2]*(r[1][0]*r[2][1]-r[1][1]*r[2][0])
	if math.Abs(det-1) > 1e-10 {
		t.Fatalf("det = %v", det)
	}
}

func TestS2S2IsRotation(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	for i := 0; i < 20; i++ {
		v := make([]float64, 6)
		for j := range v {
			v[j] = rng.NormFloat64()
		}
		assertRotation(t, S2S2(v))
	}
	if got := S2S2([]float64{2, 0, 0, 0, 3, 0}); got.Sub(Identity()).FrobeniusSq() > 1e-24 {
		t.Fatalf("S2S2 of axis vectors = %v", got)
	}
}

func TestExpmapAndTilt(t *testing.T) {
	r := Expmap(r3.Vector{X: 0.3, Y: -1.1, Z: 0.4})
	assertRotation(t, r)

	tilt := TiltX(-45)
	assertRotation(t, tilt)
	h := math.Sqrt(0.5)
	want := Mat3{{1, 0, 0}, {0, h, h}, {0, -h, h}}
	if d := want.Sub(tilt).FrobeniusSq(); d > 1e-24 {
		t.Fatalf("TiltX(-45) = %v, want %v", tilt, want)
	}

	// row-vector convention: e_y·T has its z component equal to T[1][2]
	got := tilt.RotateRow(r3.Vector{Y: 1})
	if math.Abs(got.Z-tilt[1][2]) > 1e-15 {
		t.Fatalf("RotateRow = %v", got)
	}
}

func TestSeriesAndDualAgree(t *testing.T) {
	for _, sigma := range []float64{0.6, 0.9, 1.2} {
		for _, omega := range []float64{1e-7, 0.05, 0.5, 1.5, 3.0} {
			series := math.Log(seriesDensity(omega, sigma))
			dual := dualLogDensity(omega, sigma)
			if math.Abs(series-dual) > 1e-8 {
				t.Errorf("σ=%v ω=%v: series %v, dual %v", sigma, omega, series, dual)
			}
		}
	}
}

func TestAngleCDFNormalises(t *testing.T) {
	for _, sigma := range []float64{0.01, 0.2, 0.8, 1.5, 5} {
		if got := AngleCDF(math.Pi, sigma); math.Abs(got-1) > 1e-8 {
			t.Errorf("σ=%v: CDF(π) = %v", sigma, got)
		}
	}
}

func TestSampleAngleInvertsCDF(t *testing.T) {
	for _, sigma := range []float64{0.05, 0.7, 2} {
		for _, u := range []float64{0.01, 0.3, 0.5, 0.9, 0.999} {
			theta := SampleAngle(u, sigma)
			if got := AngleCDF(theta, sigma); math.Abs(got-u) > 1e-9 {
				t.Errorf("σ=%v u=%v: CDF(%v) = %v", sigma, u, theta, got)
			}
		}
	}
}

func TestLargeDispersionApproachesUniform(t *testing.T) {
	rng := rand.New(rand.NewPCG(2, 2))
	for i := 0; i < 10; i++ {
		h := Entropy(Noise(rng), 50)
		if math.Abs(h-UniformEntropy) > 1e-9 {
			t.Fatalf("entropy %v, want %v", h, UniformEntropy)
		}
	}

	inf := math.Inf(1)
	if got := LogDensity(1.2, inf); got != 0 {
		t.Errorf("log density at σ=+Inf: %v", got)
	}
	if h := Entropy(r3.Vector{X: 0.3, Y: -0.7, Z: 0.2}, inf); h != UniformEntropy {
		t.Errorf("entropy at σ=+Inf: %v, want %v", h, UniformEntropy)
	}
}

func TestEntropyDecreasesWithDispersion(t *testing.T) {
	eps := r3.Vector{X: 0.4, Y: -0.9, Z: 1.2}
	prev := math.Inf(1)
	for _, sigma := range []float64{2, 0.5, 0.3, 0.1, 0.01, 0.001} {
		h := Entropy(eps, sigma)
		if !(h < prev) {
			t.Fatalf("σ=%v: entropy %v did not drop below %v", sigma, h, prev)
		}
		prev = h
	}
	if prev > -10 {
		t.Fatalf("entropy at σ=1e-3 is %v, expected strongly negative", prev)
	}
}

func TestInvalidDispersionIsNaN(t *testing.T) {
	eps := r3.Vector{X: 1}
	for _, sigma := range []float64{0, -1, math.NaN()} {
		if h := Entropy(eps, sigma); !math.IsNaN(h) {
			t.Errorf("σ=%v: entropy %v, want NaN", sigma, h)
		}
	}
}

func TestReparameterizeIsDeterministic(t *testing.T) {
	mean := Expmap(r3.Vector{X: 0.2, Y: 0.1, Z: -0.5})
	eps := r3.Vector{X: 0.3, Y: 0.4, Z: -1}

	a := Reparameterize(mean, 0.4, eps)
	b := Reparameterize(mean, 0.4, eps)
	if a.Rotation != b.Rotation {
		t.Fatal("same noise gave different rotations")
	}
	assertRotation(t, a.Rotation)

	// the relative rotation meanᵀ·R turns by the sampled angle
	rel := mean.T().Mul(a.Rotation)
	trace := rel[0][0] + rel[1][1] + rel[2][2]
	if got := math.Acos((trace - 1) / 2); math.Abs(got-a.Angle) > 1e-8 {
		t.Fatalf("relative angle %v, sampled %v", got, a.Angle)
	}
}

func TestSmallDispersionMatchesGaussianAngle(t *testing.T) {
	// for small σ the angle is close to σ·|ε|
	eps := r3.Vector{X: 0.5, Y: 1, Z: -0.7}
	sigma := 1e-3
	if got, want := AngleFor(eps, sigma), sigma*eps.Norm(); math.Abs(got-want) > 1e-3*want {
		t.Fatalf("angle %v, want about %v", got, want)
	}
}

var resultAngle float64

func BenchmarkSampleAngle(b *testing.B) {
	for n := 0; n < b.N; n++ {
		resultAngle = SampleAngle(0.6, 0.3)
	}
}
