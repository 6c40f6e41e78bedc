package ml

import (
	"math"
)

const (
	ActLinear ActivationType = iota
	ActRelu
	ActSigmoid
	ActTanh
)

const (
	KindDense LayerKind = iota
	KindConv
)

var activationMap = map[string]ActivationType{
	"linear":  ActLinear,
	"sigmoid": ActSigmoid,
	"relu":    ActRelu,
	"tanh":    ActTanh,
}

// -------- TYPE DEFINITIONS -------- //
type ActivationType int
type LayerKind int
type LayerOption func(*LayerConfig)

// LayerConfig holds the blueprint for a layer
type LayerConfig struct {
	Neurons    int
	IsInput    bool
	Kind       LayerKind
	Activation ActivationType
	// Residual adds the layer input to its activation. Requires equal widths.
	Residual bool
	// Conv fields
	Shape ConvShape
}

// ConvShape describes a square-kernel convolution over an HWC image.
type ConvShape struct {
	Height, Width int
	InChannels    int
	OutChannels   int
	Kernel        int
	Stride        int
	Padding       int
}

func (s ConvShape) OutHeight() int { return (s.Height+2*s.Padding-s.Kernel)/s.Stride + 1 }
func (s ConvShape) OutWidth() int  { return (s.Width+2*s.Padding-s.Kernel)/s.Stride + 1 }

// OutputSize is the flattened HWC length of one output sample.
func (s ConvShape) OutputSize() int { return s.OutHeight() * s.OutWidth() * s.OutChannels }

// PatchSize is the number of inputs feeding one output position.
func (s ConvShape) PatchSize() int { return s.Kernel * s.Kernel * s.InChannels }

type LayerState struct {
	mW, vW *Matrix
	mB, vB *Matrix
}

type Layer struct {
	Kind     LayerKind
	Weights  *Matrix
	Biases   *Matrix
	ActType  ActivationType
	Residual bool
	Shape    ConvShape

	// Forward State
	Z *Matrix
	A *Matrix

	// Backward State
	dA *Matrix
	dZ *Matrix

	// Conv workspaces, one sample at a time
	patches  *Matrix
	zSample  *Matrix
	dPatches *Matrix
}

// GradientSet holds the calculated gradients for one layer
type GradientSet struct {
	dW *Matrix
	db *Matrix
}

// ------- LAYER CONFIG HELPERS ------- //
// Input defines the entry point dimensions
func Input(size int) LayerConfig {
	return LayerConfig{
		Neurons:    size,
		IsInput:    true,
		Activation: ActLinear,
	}
}

// Dense defines a fully connected layer.
func Dense(size int, opts ...LayerOption) LayerConfig {
	d := LayerConfig{
		Neurons:    size,
		IsInput:    false,
		Kind:       KindDense,
		Activation: ActRelu, // Default for hidden layers
	}

	for _, opt := range opts {
		opt(&d)
	}
	return d
}

// Conv defines a convolution over an HWC image flattened into one row.
func Conv(shape ConvShape, opts ...LayerOption) LayerConfig {
	if shape.Stride == 0 {
		shape.Stride = 1
	}
	c := LayerConfig{
		Neurons:    shape.OutputSize(),
		Kind:       KindConv,
		Activation: ActRelu,
		Shape:      shape,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

func Activation(activation string) LayerOption {
	return func(lc *LayerConfig) {
		act, exists := activationMap[activation]
		if !exists {
			panic("Unknown activation: " + activation)
		}
		lc.Activation = act
	}
}

// Residual marks a dense layer as y = act(xW + b) + x.
func Residual() LayerOption {
	return func(lc *LayerConfig) {
		lc.Residual = true
	}
}

func Sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

// Softplus is log(1 + e^x), evaluated without overflow.
func Softplus(x float64) float64 {
	if x > 30 {
		return x
	}
	return math.Log1p(math.Exp(x))
}

// activate writes act(Z) into A.
func (l *Layer) activate() {
	copy(l.A.data, l.Z.data)
	switch l.ActType {
	case ActRelu:
		l.A.ApplyRelu()
	case ActSigmoid:
		l.A.ApplyFunc(Sigmoid)
	case ActTanh:
		l.A.ApplyFunc(math.Tanh)
	case ActLinear:
	default:
		panic("Unknown activation type")
	}
}

// activationGrad writes dZ = dA * act'(Z). For residual layers dA carries the
// full output gradient; the skip path is handled by the caller.
func (l *Layer) activationGrad() {
	zData := l.Z.data
	dA, dZ := l.dA.data, l.dZ.data
	switch l.ActType {
	case ActRelu:
		for k := range dZ {
			if zData[k] > 0 {
				dZ[k] = dA[k]
			} else {
				dZ[k] = 0
			}
		}
	case ActSigmoid:
		for k := range dZ {
			s := Sigmoid(zData[k])
			dZ[k] = dA[k] * s * (1 - s)
		}
	case ActTanh:
		for k := range dZ {
			t := math.Tanh(zData[k])
			dZ[k] = dA[k] * (1 - t*t)
		}
	case ActLinear:
		copy(dZ, dA)
	default:
		panic("Unknown activation type")
	}
}
