package vae

import (
	"fmt"

	"github.com/golang/geo/r3"
)

// Terms are the scalar pieces of one iteration's loss.
type Terms struct {
	Gen    float64 // reconstruction MSE, view-weighted
	Kld    float64 // batch mean of log(8π²) - entropy
	Beta   float64
	Eq     float64 // equivariance penalty, 0 when disabled
	Lambda float64 // equivariance weight
}

// Objective combines Terms into the training loss. pixels is nx·ny.
// dKld is ∂loss/∂Kld; ∂loss/∂Gen is 1 and ∂loss/∂Eq is Lambda.
type Objective interface {
	Compose(t Terms, pixels int) (loss, dKld float64)
	Name() string
}

// FixedWeight uses beta as the KL weight.
type FixedWeight struct{}

func (FixedWeight) Name() string { return "fixed-weight" }

func (FixedWeight) Compose(t Terms, pixels int) (float64, float64) {
	n := float64(pixels)
	return t.Gen + t.Beta*t.Kld/n + t.Lambda*t.Eq, t.Beta / n
}

// Control treats beta as a KL target and pulls the KL toward it with
// strength Gamma.
type Control struct {
	Gamma float64
}

func (c Control) Name() string { return fmt.Sprintf("control(γ=%g)", c.Gamma) }

func (c Control) Compose(t Terms, pixels int) (float64, float64) {
	n := float64(pixels)
	gap := t.Beta - t.Kld
	return t.Gen + c.Gamma*gap*gap/n + t.Lambda*t.Eq, -2 * c.Gamma * gap / n
}

// ResolveObjective picks the objective and beta schedule for a run. A
// control weight of 0 selects FixedWeight, which only accepts constant beta.
func ResolveObjective(beta string, control float64) (Objective, Schedule, error) {
	sched, constant, err := ParseBeta(beta)
	if err != nil {
		return nil, nil, err
	}
	if control < 0 {
		return nil, nil, fmt.Errorf("beta control weight must not be negative, got %v", control)
	}
	if control == 0 {
		if !constant {
			return nil, nil, fmt.Errorf("beta schedule %q needs a beta control weight", beta)
		}
		return FixedWeight{}, sched, nil
	}
	return Control{Gamma: control}, sched, nil
}

// DivergenceError reports a NaN KL term. Training cannot recover from it.
type DivergenceError struct {
	Iteration int
	Noise     r3.Vector
	Sigma     float64
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("KLD is NaN at iteration %d (first image noise %v, sigma %v)", e.Iteration, e.Noise, e.Sigma)
}
