package ml

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

const (
	OptSGD      OptimizerType = "sgd"
	OptMomentum OptimizerType = "momentum"
	OptAdam     OptimizerType = "adam"
)

// Default settings generally recommended for Adam
var DefaultAdamConfig = AdamConfig{
	Beta1:        0.9,
	Beta2:        0.999,
	Epsilon:      1e-8,
	LearningRate: 0.001,
}

type OptimizerType string

type AdamConfig struct {
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	LearningRate float64
	WeightDecay  float64 // L2 penalty folded into the gradient
}

// OptimizerConfig selects and parameterises an optimizer.
// Zero hyperparameters fall back to the usual defaults.
type OptimizerConfig struct {
	Optimizer    OptimizerType
	LearningRate float64
	WeightDecay  float64

	MomentumMu float64 // For Momentum (usually 0.9)
	AdamBeta1  float64 // For Adam (usually 0.9)
	AdamBeta2  float64 // For Adam (usually 0.999)
	AdamEps    float64 // For Adam (usually 1e-8)
}

// MomentState is the exported per-layer optimizer memory.
type MomentState struct {
	MW, VW *Matrix
	MB, VB *Matrix
}

// OptimizerState is what a checkpoint needs to resume an optimizer.
type OptimizerState struct {
	Type     OptimizerType
	TimeStep int
	Moments  []MomentState
}

type AdamOptimizer struct {
	cfg         AdamConfig
	layerStates []LayerState
	timeStep    int // 't' in the Adam paper, tracks number of updates
}

type SGDOptimizer struct {
	LearningRate float64
	WeightDecay  float64
}

type MomentumOptimizer struct {
	LearningRate float64
	Mu           float64 // Momentum Factor (usually 0.9)
	WeightDecay  float64

	layerStates []LayerState
}

type Optimizer interface {
	Update(nw *NeuralNetwork, grads []GradientSet)
	State() OptimizerState
	LoadState(state OptimizerState) error
}

func NewOptimizer(nw *NeuralNetwork, cfg OptimizerConfig) (Optimizer, error) {
	switch cfg.Optimizer {
	case OptAdam, "":
		adamCfg := DefaultAdamConfig
		adamCfg.LearningRate = cfg.LearningRate
		adamCfg.WeightDecay = cfg.WeightDecay
		if cfg.AdamBeta1 != 0 {
			adamCfg.Beta1 = cfg.AdamBeta1
		}
		if cfg.AdamBeta2 != 0 {
			adamCfg.Beta2 = cfg.AdamBeta2
		}
		if cfg.AdamEps != 0 {
			adamCfg.Epsilon = cfg.AdamEps
		}
		return NewAdamOptimizer(nw, adamCfg), nil

	case OptMomentum:
		opt := NewMomentumOptimizer(nw, cfg.LearningRate, cfg.MomentumMu)
		opt.WeightDecay = cfg.WeightDecay
		return opt, nil

	case OptSGD:
		return &SGDOptimizer{LearningRate: cfg.LearningRate, WeightDecay: cfg.WeightDecay}, nil

	default:
		return nil, fmt.Errorf("unknown optimizer %q", cfg.Optimizer)
	}
}

func newLayerStates(nw *NeuralNetwork, withSecondMoment bool) []LayerState {
	states := make([]LayerState, len(nw.Layers))
	for i, layer := range nw.Layers {
		states[i].mW = NewMatrix(layer.Weights.rows, layer.Weights.cols)
		states[i].mB = NewMatrix(layer.Biases.rows, layer.Biases.cols)
		if withSecondMoment {
			states[i].vW = NewMatrix(layer.Weights.rows, layer.Weights.cols)
			states[i].vB = NewMatrix(layer.Biases.rows, layer.Biases.cols)
		}
	}
	return states
}

func NewAdamOptimizer(nw *NeuralNetwork, cfg AdamConfig) *AdamOptimizer {
	return &AdamOptimizer{
		cfg:         cfg,
		layerStates: newLayerStates(nw, true),
	}
}

func NewMomentumOptimizer(nw *NeuralNetwork, lr, mu float64) *MomentumOptimizer {
	if mu == 0 {
		mu = 0.9
	} // Default

	return &MomentumOptimizer{
		LearningRate: lr,
		Mu:           mu,
		layerStates:  newLayerStates(nw, false),
	}
}

// decayed returns g + wd*p, growing *buf when needed. With wd == 0 it is g.
func decayed(buf *[]float64, g, p []float64, wd float64) []float64 {
	if wd == 0 {
		return g
	}
	if cap(*buf) < len(g) {
		*buf = make([]float64, len(g))
	}
	out := (*buf)[:len(g)]
	copy(out, g)
	floats.AddScaled(out, wd, p)
	return out
}

// ------ ADAM OPTIMIZER METHODS ------ //
// Update applies the Adam update rule to the network's weights and biases
func (opt *AdamOptimizer) Update(nw *NeuralNetwork, grads []GradientSet) {
	opt.timeStep++
	t := float64(opt.timeStep)

	// correction = 1 - beta^t
	correction1 := 1.0 - math.Pow(opt.cfg.Beta1, t)
	correction2 := 1.0 - math.Pow(opt.cfg.Beta2, t)

	beta1 := opt.cfg.Beta1
	beta2 := opt.cfg.Beta2
	eps := opt.cfg.Epsilon
	lr := opt.cfg.LearningRate

	var scratch []float64
	apply := func(params, grads, m, v []float64) {
		g := decayed(&scratch, grads, params, opt.cfg.WeightDecay)

		for i := range params {
			m[i] = beta1*m[i] + (1.0-beta1)*g[i]
			v[i] = beta2*v[i] + (1.0-beta2)*(g[i]*g[i])

			mHat := m[i] / correction1
			vHat := v[i] / correction2

			params[i] -= lr * mHat / (math.Sqrt(vHat) + eps)
		}
	}

	for i, layer := range nw.Layers {
		state := &opt.layerStates[i]
		apply(layer.Weights.data, grads[i].dW.data, state.mW.data, state.vW.data)
		apply(layer.Biases.data, grads[i].db.data, state.mB.data, state.vB.data)
	}
}

func (opt *AdamOptimizer) State() OptimizerState {
	return exportState(OptAdam, opt.timeStep, opt.layerStates)
}

func (opt *AdamOptimizer) LoadState(state OptimizerState) error {
	ts, err := importState(OptAdam, state, opt.layerStates)
	if err != nil {
		return err
	}
	opt.timeStep = ts
	return nil
}

// ------ MOMENTUM OPTIMIZER METHODS ------ //
func (opt *MomentumOptimizer) Update(nw *NeuralNetwork, grads []GradientSet) {
	var scratch []float64

	// v = mu * v - lr * grad
	// w = w + v
	applyMomentum := func(params, grads, velocity []float64) {
		g := decayed(&scratch, grads, params, opt.WeightDecay)
		for i := range params {
			velocity[i] = (opt.Mu * velocity[i]) - (opt.LearningRate * g[i])
			params[i] += velocity[i]
		}
	}

	for i, layer := range nw.Layers {
		state := &opt.layerStates[i]
		applyMomentum(layer.Weights.data, grads[i].dW.data, state.mW.data)
		applyMomentum(layer.Biases.data, grads[i].db.data, state.mB.data)
	}
}

func (opt *MomentumOptimizer) State() OptimizerState {
	return exportState(OptMomentum, 0, opt.layerStates)
}

func (opt *MomentumOptimizer) LoadState(state OptimizerState) error {
	_, err := importState(OptMomentum, state, opt.layerStates)
	return err
}

// ------ SGD OPTIMIZER METHODS ------ //
func (opt *SGDOptimizer) Update(nw *NeuralNetwork, grads []GradientSet) {
	for i, layer := range nw.Layers {
		// W = W - lr * (gradient + wd * W)
		if opt.WeightDecay != 0 {
			floats.Scale(1-opt.LearningRate*opt.WeightDecay, layer.Weights.data)
			floats.Scale(1-opt.LearningRate*opt.WeightDecay, layer.Biases.data)
		}
		floats.AddScaled(layer.Weights.data, -opt.LearningRate, grads[i].dW.data)
		floats.AddScaled(layer.Biases.data, -opt.LearningRate, grads[i].db.data)
	}
}

func (opt *SGDOptimizer) State() OptimizerState { return OptimizerState{Type: OptSGD} }

func (opt *SGDOptimizer) LoadState(state OptimizerState) error {
	if state.Type != OptSGD {
		return fmt.Errorf("optimizer mismatch: expected %s, got %s", OptSGD, state.Type)
	}
	return nil
}

// ------ STATE HELPERS ------
func exportState(kind OptimizerType, timeStep int, layers []LayerState) OptimizerState {
	s := OptimizerState{Type: kind, TimeStep: timeStep, Moments: make([]MomentState, len(layers))}
	for i, ls := range layers {
		s.Moments[i] = MomentState{
			MW: cloneMatrix(ls.mW), VW: cloneMatrix(ls.vW),
			MB: cloneMatrix(ls.mB), VB: cloneMatrix(ls.vB),
		}
	}
	return s
}

func importState(kind OptimizerType, state OptimizerState, layers []LayerState) (int, error) {
	if state.Type != kind {
		return 0, fmt.Errorf("optimizer mismatch: expected %s, got %s", kind, state.Type)
	}
	if len(state.Moments) != len(layers) {
		return 0, fmt.Errorf("optimizer state has %d layers, network has %d", len(state.Moments), len(layers))
	}
	for i, ls := range layers {
		mo := state.Moments[i]
		for _, pair := range []struct {
			name          string
			current, load *Matrix
		}{
			{"mW", ls.mW, mo.MW}, {"vW", ls.vW, mo.VW},
			{"mB", ls.mB, mo.MB}, {"vB", ls.vB, mo.VB},
		} {
			if err := checkDims(pair.name, i, pair.current, pair.load); err != nil {
				return 0, err
			}
		}
	}
	for i, ls := range layers {
		mo := state.Moments[i]
		copy(ls.mW.data, mo.MW.data)
		copy(ls.mB.data, mo.MB.data)
		if ls.vW != nil {
			copy(ls.vW.data, mo.VW.data)
			copy(ls.vB.data, mo.VB.data)
		}
	}
	return state.TimeStep, nil
}
