package ml

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
)

type NeuralNetwork struct {
	Layers   []*Layer
	InputDim int

	// InputGrad holds dLoss/dInput after Backward.
	InputGrad *Matrix

	batchSize int
}

// Neural Network Builder
func NewNetwork(rng *rand.Rand, configs ...LayerConfig) *NeuralNetwork {
	if len(configs) < 2 {
		panic("Network must have at least Input and one Output layer")
	}
	if !configs[0].IsInput {
		panic("First layer must be Input()")
	}

	nn := &NeuralNetwork{InputDim: configs[0].Neurons}
	prevOutputSize := configs[0].Neurons

	for i := 1; i < len(configs); i++ {
		cfg := configs[i]

		var weightsRows, weightsCols, biasCols int

		switch cfg.Kind {
		case KindConv:
			s := cfg.Shape
			if s.Height*s.Width*s.InChannels != prevOutputSize {
				panic(fmt.Sprintf("Layer %d conv input %dx%dx%d does not match previous output %d",
					i, s.Height, s.Width, s.InChannels, prevOutputSize))
			}
			if cfg.Residual {
				panic(fmt.Sprintf("Layer %d: residual conv layers are not supported", i))
			}
			weightsRows = s.PatchSize()
			weightsCols = s.OutChannels
			biasCols = s.OutChannels

		default:
			if cfg.Residual && prevOutputSize != cfg.Neurons {
				panic(fmt.Sprintf("Layer %d residual width mismatch: %d -> %d", i, prevOutputSize, cfg.Neurons))
			}
			weightsRows = prevOutputSize
			weightsCols = cfg.Neurons
			biasCols = cfg.Neurons
		}

		layer := &Layer{
			Kind:     cfg.Kind,
			Weights:  NewMatrix(weightsRows, weightsCols),
			Biases:   NewMatrix(1, biasCols),
			ActType:  cfg.Activation,
			Residual: cfg.Residual,
			Shape:    cfg.Shape,
		}
		// He for ReLU, Xavier for the saturating and linear layers
		if cfg.Activation == ActRelu {
			layer.Weights.Randomize(rng)
		} else {
			layer.Weights.RandomizeXavier(rng)
		}

		nn.Layers = append(nn.Layers, layer)
		prevOutputSize = cfg.Neurons
	}

	return nn
}

// OutputDim is the width of the last layer's activation.
func (nw *NeuralNetwork) OutputDim() int {
	return nw.Layers[len(nw.Layers)-1].outputDim()
}

func (l *Layer) outputDim() int {
	if l.Kind == KindConv {
		return l.Shape.OutputSize()
	}
	return l.Weights.cols
}

// NumParams counts trainable scalars.
func (nw *NeuralNetwork) NumParams() int {
	n := 0
	for _, l := range nw.Layers {
		n += len(l.Weights.data) + len(l.Biases.data)
	}
	return n
}

// -------- NEURAL NETWORK METHODS -------- //
// InitializeBuffers sizes the forward/backward buffers for batchSize rows,
// reusing earlier allocations when they are large enough.
func (nw *NeuralNetwork) InitializeBuffers(batchSize int) {
	if nw.batchSize == batchSize && nw.InputGrad != nil {
		return
	}
	nw.batchSize = batchSize

	alloc := func(m *Matrix, cols int) *Matrix {
		if m == nil {
			return NewMatrix(batchSize, cols)
		}
		return m.resize(batchSize)
	}

	nw.InputGrad = alloc(nw.InputGrad, nw.InputDim)
	for _, layer := range nw.Layers {
		outputDim := layer.outputDim()

		layer.Z = alloc(layer.Z, outputDim)
		layer.A = alloc(layer.A, outputDim)
		layer.dA = alloc(layer.dA, outputDim)
		layer.dZ = alloc(layer.dZ, outputDim)

		if layer.Kind == KindConv && layer.patches == nil {
			s := layer.Shape
			positions := s.OutHeight() * s.OutWidth()
			layer.patches = NewMatrix(positions, s.PatchSize())
			layer.dPatches = NewMatrix(positions, s.PatchSize())
			layer.zSample = NewMatrix(positions, s.OutChannels)
		}
	}
}

// CloneStructure returns a network sharing the weights of nw with its own
// forward/backward buffers.
func (nw *NeuralNetwork) CloneStructure() *NeuralNetwork {
	newNN := &NeuralNetwork{
		InputDim: nw.InputDim,
		Layers:   make([]*Layer, len(nw.Layers)),
	}
	for i, l := range nw.Layers {
		newNN.Layers[i] = &Layer{
			Kind:     l.Kind,
			Weights:  l.Weights,
			Biases:   l.Biases,
			ActType:  l.ActType,
			Residual: l.Residual,
			Shape:    l.Shape,
		}
	}
	return newNN
}

// Forward runs the batch through every layer and returns the last activation.
// The returned matrix is owned by the network and overwritten by the next call.
func (nw *NeuralNetwork) Forward(input *Matrix) *Matrix {
	if input.cols != nw.InputDim {
		panic(fmt.Sprintf("Input size mismatch. Expected %d, got %d", nw.InputDim, input.cols))
	}
	nw.InitializeBuffers(input.rows)

	activation := input
	for _, layer := range nw.Layers {
		switch layer.Kind {
		case KindConv:
			layer.convForward(activation)
		default:
			MatMul(activation.dense, layer.Weights.dense, layer.Z)
			layer.Z.AddVector(layer.Biases)
		}
		layer.activate()
		if layer.Residual {
			floats.Add(layer.A.data, activation.data)
		}
		activation = layer.A
	}
	return activation
}

// Backward propagates dOut (dLoss/dOutput of the last Forward) back through
// the network. Gradients are summed over the batch into grads and the input
// gradient is left in nw.InputGrad. Forward must have been called with input.
func (nw *NeuralNetwork) Backward(input, dOut *Matrix, grads []GradientSet) {
	lastLayer := nw.Layers[len(nw.Layers)-1]
	if dOut.rows != lastLayer.dA.rows || dOut.cols != lastLayer.dA.cols {
		panic(fmt.Sprintf("Output gradient shape [%d, %d], want [%d, %d]",
			dOut.rows, dOut.cols, lastLayer.dA.rows, lastLayer.dA.cols))
	}
	copy(lastLayer.dA.data, dOut.data)

	for i := len(nw.Layers) - 1; i >= 0; i-- {
		layer := nw.Layers[i]

		prevA, dPrev := input, nw.InputGrad
		if i > 0 {
			prevA = nw.Layers[i-1].A
			dPrev = nw.Layers[i-1].dA
		}

		layer.activationGrad()

		switch layer.Kind {
		case KindConv:
			layer.convBackward(prevA, dPrev, grads[i])
		default:
			MatMul(prevA.dense.T(), layer.dZ.dense, grads[i].dW)

			grads[i].db.Reset()
			dbData := grads[i].db.data
			for r := 0; r < layer.dZ.rows; r++ {
				floats.Add(dbData, layer.dZ.Row(r))
			}

			MatMul(layer.dZ.dense, layer.Weights.dense.T(), dPrev)
		}

		if layer.Residual {
			floats.Add(dPrev.data, layer.dA.data)
		}
	}
}

// ------ GRADIENT BUFFERS ------
// NewGradients allocates one zeroed GradientSet per layer.
func NewGradients(nw *NeuralNetwork) []GradientSet {
	grads := make([]GradientSet, len(nw.Layers))
	for l, layer := range nw.Layers {
		grads[l].dW = NewMatrix(layer.Weights.rows, layer.Weights.cols)
		grads[l].db = NewMatrix(layer.Biases.rows, layer.Biases.cols)
	}
	return grads
}

func ResetGradients(grads []GradientSet) {
	for l := range grads {
		grads[l].dW.Reset()
		grads[l].db.Reset()
	}
}

// AccumulateGradients adds src into dst layer by layer.
func AccumulateGradients(dst, src []GradientSet) {
	for l := range dst {
		floats.Add(dst[l].dW.data, src[l].dW.data)
		floats.Add(dst[l].db.data, src[l].db.data)
	}
}

func (g GradientSet) DW() *Matrix { return g.dW }
func (g GradientSet) DB() *Matrix { return g.db }
