package vae

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"

	"github.com/b0tShaman/cryovae/ml"
	"github.com/b0tShaman/cryovae/so3"
)

// Pose is the posterior draw for one image.
type Pose struct {
	Raw    [PoseDim]float64
	Mean   so3.Mat3
	Sigma  float64
	Sample so3.Sample
	// Kld is log f(angle; σ), this image's share of log(8π²) - entropy.
	Kld float64
}

func newPose(raw []float64, eps r3.Vector) Pose {
	var p Pose
	copy(p.Raw[:], raw)
	p.Mean = so3.S2S2(raw[:6])
	p.Sigma = ml.Softplus(raw[6])
	p.Sample = so3.Reparameterize(p.Mean, p.Sigma, eps)
	p.Kld = so3.LogDensity(p.Sample.Angle, p.Sigma)
	return p
}

func inner(a, b so3.Mat3) float64 {
	var s float64
	for i := range a {
		for j := range a[i] {
			s += a[i][j] * b[i][j]
		}
	}
	return s
}

// meanGrad chains dLoss/dMean through S2S2 into the six raw outputs.
func meanGrad(raw []float64, dMean so3.Mat3, grad []float64) {
	jac := mat.NewDense(9, 6, nil)
	fd.Jacobian(jac, func(y, x []float64) {
		flat := so3.S2S2(x).Flat()
		copy(y, flat[:])
	}, raw[:6], &fd.JacobianSettings{Formula: fd.Central})

	flat := dMean.Flat()
	for j := 0; j < 6; j++ {
		var s float64
		for i := 0; i < 9; i++ {
			s += flat[i] * jac.At(i, j)
		}
		grad[j] = s
	}
}

// sigmaJacobian is d/dσ of (angle(σ), log f(angle(σ); σ)) at fixed noise.
func sigmaJacobian(eps r3.Vector, sigma float64) (dAngle, dLogF float64) {
	jac := mat.NewDense(2, 1, nil)
	fd.Jacobian(jac, func(y, x []float64) {
		angle := so3.AngleFor(eps, x[0])
		y[0] = angle
		y[1] = so3.LogDensity(angle, x[0])
	}, []float64{sigma}, &fd.JacobianSettings{Formula: fd.Central, Step: 1e-4 * sigma})
	return jac.At(0, 0), jac.At(1, 0)
}

// backward writes dLoss/dRaw given the gradients of the sampled rotation,
// of the mean rotation (used directly by the equivariance term) and of Kld.
func (p *Pose) backward(dR, dMean so3.Mat3, dKld float64, grad []float64) {
	s := p.Sample
	spin := so3.AxisAngle(s.Axis, s.Angle)

	// R = M·exp(θK), so dR/dM· = ·exp(θK)ᵀ and dR/dθ = M·K·exp(θK)
	dM := dR.Mul(spin.T()).Add(dMean)
	dTheta := inner(dR, p.Mean.Mul(so3.Hat(s.Axis)).Mul(spin))

	dAngle, dLogF := sigmaJacobian(s.Noise, p.Sigma)
	dSigma := dTheta*dAngle + dKld*dLogF

	meanGrad(p.Raw[:], dM, grad)
	grad[6] = dSigma * ml.Sigmoid(p.Raw[6])
}
