package vae

import (
	"github.com/b0tShaman/cryovae/so3"
)

// EquivarianceStartIt is where the equivariance weight starts ramping up.
const EquivarianceStartIt = 10000

// Regularizer ties the pose means of the two views of a tilt pair.
type Regularizer interface {
	Enabled() bool
	// Penalty returns the current weight, the penalty and its gradients with
	// respect to the untilted and tilted mean rotations.
	Penalty(it int, untilted, tilted []so3.Mat3) (lambda, eq float64, dU, dT []so3.Mat3)
}

// NoEquivariance is the single-view and unregularised case.
type NoEquivariance struct{}

func (NoEquivariance) Enabled() bool { return false }

func (NoEquivariance) Penalty(int, []so3.Mat3, []so3.Mat3) (float64, float64, []so3.Mat3, []so3.Mat3) {
	return 0, 0, nil, nil
}

// TiltEquivariance penalises R_t != T·R_u with a linearly ramped weight.
type TiltEquivariance struct {
	Tilt   so3.Mat3
	Weight Schedule
}

func NewTiltEquivariance(tilt so3.Mat3, weight float64, endIt int) *TiltEquivariance {
	return &TiltEquivariance{
		Tilt:   tilt,
		Weight: LinearSchedule{StartY: 0, EndY: weight, StartX: EquivarianceStartIt, EndX: float64(endIt)},
	}
}

func (*TiltEquivariance) Enabled() bool { return true }

func (e *TiltEquivariance) Penalty(it int, untilted, tilted []so3.Mat3) (float64, float64, []so3.Mat3, []so3.Mat3) {
	eq, dU, dT := EquivarianceLoss(e.Tilt, untilted, tilted)
	return e.Weight.At(it), eq, dU, dT
}

// EquivarianceLoss is mean_b ‖R_t - T·R_u‖²_F with its gradients.
func EquivarianceLoss(tilt so3.Mat3, untilted, tilted []so3.Mat3) (eq float64, dU, dT []so3.Mat3) {
	n := float64(len(untilted))
	dU = make([]so3.Mat3, len(untilted))
	dT = make([]so3.Mat3, len(tilted))
	tiltT := tilt.T()

	for b := range untilted {
		diff := tilted[b].Sub(tilt.Mul(untilted[b]))
		eq += diff.FrobeniusSq()
		dT[b] = diff.Scale(2 / n)
		dU[b] = tiltT.Mul(diff).Scale(-2 / n)
	}
	return eq / n, dU, dT
}
