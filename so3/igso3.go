package so3

import (
	"math"
	"math/rand/v2"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/integrate/quad"
	"gonum.org/v1/gonum/stat/distuv"
)

// UniformEntropy is the entropy in nats of the uniform distribution on SO(3)
// with the Haar measure of total volume 8π².
var UniformEntropy = math.Log(8 * math.Pi * math.Pi)

const (
	// Below this dispersion the Poisson-dual form of the density is used.
	dualCutoff = 1.0
	// Series terms are dropped once their weight falls under this.
	seriesTol = 1e-17
	// Angles past tailSigmas·σ carry no probability mass in float64.
	tailSigmas  = 14
	quadPoints  = 8
	newtonTol   = 1e-14
	newtonIters = 60
)

var chi3 = distuv.ChiSquared{K: 3}

// LogDensity is log f(ω; σ), where f is the isotropic Gaussian on SO(3) with
// dispersion σ, taken with respect to the normalised Haar measure and
// evaluated at rotation angle ω in [0, π]. It is NaN for σ <= 0 and 0 (the
// uniform density) for σ = +Inf.
func LogDensity(omega, sigma float64) float64 {
	if !(sigma > 0) || math.IsNaN(omega) {
		return math.NaN()
	}
	if math.IsInf(sigma, 1) {
		return 0
	}
	omega = math.Abs(omega)
	if sigma >= dualCutoff {
		return math.Log(seriesDensity(omega, sigma))
	}
	return dualLogDensity(omega, sigma)
}

// seriesDensity sums Σ (2l+1) exp(-l(l+1)σ²/2) χ_l(ω) over characters χ_l.
func seriesDensity(omega, sigma float64) float64 {
	half := math.Sin(omega / 2)
	var f float64
	for l := 0; ; l++ {
		fl := float64(l)
		w := (2*fl + 1) * math.Exp(-fl*(fl+1)*sigma*sigma/2)
		if l > 0 && w < seriesTol {
			break
		}
		chi := 2*fl + 1
		if half > 1e-8 {
			chi = math.Sin((fl+0.5)*omega) / half
		}
		f += w * chi
	}
	return f
}

// dualLogDensity is the Poisson-resummed form of seriesDensity, accurate
// where the character series converges slowly.
func dualLogDensity(omega, sigma float64) float64 {
	eps := sigma * sigma / 2
	logPrefactor := eps/4 + 0.5*math.Log(math.Pi) - math.Ln2 - 1.5*math.Log(eps)

	if omega < 1e-6 {
		var s float64
		for k := -4; k <= 4; k++ {
			a := 2 * math.Pi * float64(k)
			s += sign(k) * (1 - a*a/(2*eps)) * math.Exp(-a*a/(4*eps))
		}
		return logPrefactor + math.Log(2*s)
	}

	a0 := -omega * omega / (4 * eps)
	var s float64
	for k := -4; k <= 4; k++ {
		d := omega - 2*math.Pi*float64(k)
		s += sign(k) * d * math.Exp(-d*d/(4*eps)-a0)
	}
	return logPrefactor + a0 + math.Log(s) - math.Log(math.Sin(omega/2))
}

func sign(k int) float64 {
	if k%2 == 0 {
		return 1
	}
	return -1
}

// AnglePDF is the density of the rotation angle: f(ω)(1 - cos ω)/π.
func AnglePDF(omega, sigma float64) float64 {
	s := math.Sin(omega / 2)
	return math.Exp(LogDensity(omega, sigma)) * 2 * s * s / math.Pi
}

func maxAngle(sigma float64) float64 {
	return math.Min(math.Pi, tailSigmas*sigma)
}

func panelWidth(sigma float64) float64 {
	return math.Min(sigma/2, math.Pi/16)
}

// integrate sums AnglePDF over [a, b] with Gauss-Legendre panels.
func integrate(a, b, sigma float64) float64 {
	if b < a {
		return -integrate(b, a, sigma)
	}
	pdf := func(w float64) float64 { return AnglePDF(w, sigma) }
	width := panelWidth(sigma)

	var total float64
	for lo := a; lo < b; lo += width {
		hi := math.Min(lo+width, b)
		total += quad.Fixed(pdf, lo, hi, quadPoints, quad.Legendre{}, 0)
	}
	return total
}

// AngleCDF is P(angle <= theta) for dispersion sigma.
func AngleCDF(theta, sigma float64) float64 {
	if !(sigma > 0) || math.IsNaN(theta) {
		return math.NaN()
	}
	return integrate(0, math.Min(math.Max(theta, 0), maxAngle(sigma)), sigma)
}

// SampleAngle inverts AngleCDF at u in [0, 1].
func SampleAngle(u, sigma float64) float64 {
	if !(sigma > 0) || math.IsNaN(u) {
		return math.NaN()
	}
	lo, hi := 0.0, maxAngle(sigma)
	if u <= 0 {
		return 0
	}
	fHi := integrate(lo, hi, sigma)
	if u >= fHi {
		return hi
	}

	// Start from the small-σ limit, where the angle is σ·|N(0, I₃)|.
	theta := math.Min(sigma*math.Sqrt(chi3.Quantile(u)), math.Pi/2)
	theta = math.Min(theta, hi)
	f := integrate(0, theta, sigma)

	for i := 0; i < newtonIters; i++ {
		if f < u {
			lo = theta
		} else {
			hi = theta
		}

		next := theta - (f-u)/AnglePDF(theta, sigma)
		if !(next > lo && next < hi) {
			next = (lo + hi) / 2
		}
		if math.Abs(next-theta) < newtonTol {
			return next
		}
		f += integrate(theta, next, sigma)
		theta = next
	}
	return theta
}

// Noise draws the standard normal vector consumed by Reparameterize.
func Noise(rng *rand.Rand) r3.Vector {
	return r3.Vector{X: rng.NormFloat64(), Y: rng.NormFloat64(), Z: rng.NormFloat64()}
}

// Sample is one reparameterised draw from the pose posterior.
type Sample struct {
	Rotation Mat3
	Noise    r3.Vector
	Sigma    float64
	Axis     r3.Vector
	Angle    float64
}

// splitNoise maps ε ~ N(0, I₃) to an axis and an independent uniform level.
func splitNoise(eps r3.Vector) (axis r3.Vector, u float64) {
	n2 := eps.Norm2()
	axis = r3.Vector{X: 1}
	if n2 > 1e-24 {
		axis = eps.Mul(1 / math.Sqrt(n2))
	}
	return axis, chi3.CDF(n2)
}

// AngleFor is the rotation angle Reparameterize produces for eps and sigma.
func AngleFor(eps r3.Vector, sigma float64) float64 {
	_, u := splitNoise(eps)
	return SampleAngle(u, sigma)
}

// Reparameterize draws mean·exp(angle·axis^×) deterministically from the
// noise eps. The axis is eps/|eps| and the angle has the IGSO(3) marginal.
func Reparameterize(mean Mat3, sigma float64, eps r3.Vector) Sample {
	axis, u := splitNoise(eps)
	angle := SampleAngle(u, sigma)
	return Sample{
		Rotation: mean.Mul(AxisAngle(axis, angle)),
		Noise:    eps,
		Sigma:    sigma,
		Axis:     axis,
		Angle:    angle,
	}
}

// Entropy is the single-sample entropy estimate log(8π²) - log f(angle; σ)
// in nats. It tends to UniformEntropy as σ grows and to -∞ as σ shrinks.
func Entropy(eps r3.Vector, sigma float64) float64 {
	return UniformEntropy - LogDensity(AngleFor(eps, sigma), sigma)
}
