package ml

import (
	"fmt"
)

// LayerData is the serialisable part of a layer.
type LayerData struct {
	Kind     LayerKind
	Weights  *Matrix
	Biases   *Matrix
	ActType  ActivationType
	Residual bool
	Shape    ConvShape
}

// NetworkState is a gob-friendly snapshot of a network's parameters.
type NetworkState struct {
	InputDim   int
	LayerDatas []LayerData
}

func cloneMatrix(m *Matrix) *Matrix {
	if m == nil {
		return nil
	}
	c := NewMatrix(m.rows, m.cols)
	copy(c.data, m.data)
	return c
}

// State deep-copies the parameters so later updates don't leak into it.
func (nw *NeuralNetwork) State() NetworkState {
	ld := make([]LayerData, len(nw.Layers))
	for i, l := range nw.Layers {
		ld[i] = LayerData{
			Kind:     l.Kind,
			Weights:  cloneMatrix(l.Weights),
			Biases:   cloneMatrix(l.Biases),
			ActType:  l.ActType,
			Residual: l.Residual,
			Shape:    l.Shape,
		}
	}
	return NetworkState{InputDim: nw.InputDim, LayerDatas: ld}
}

// checkDims reports a shape mismatch between a live and a loaded matrix.
func checkDims(name string, layerIdx int, current, loaded *Matrix) error {
	if current == nil && loaded == nil {
		return nil
	}
	if current == nil || loaded == nil {
		return fmt.Errorf("layer %d %s mismatch: one is nil", layerIdx, name)
	}
	if current.rows != loaded.rows || current.cols != loaded.cols {
		return fmt.Errorf("layer %d %s shape mismatch: expected [%d, %d], got [%d, %d]",
			layerIdx, name,
			current.rows, current.cols,
			loaded.rows, loaded.cols,
		)
	}
	return nil
}

// LoadState copies a snapshot into nw. Nothing is written unless the whole
// architecture matches.
func (nw *NeuralNetwork) LoadState(state NetworkState) error {
	if nw.InputDim != state.InputDim {
		return fmt.Errorf("architecture mismatch: input width %d, snapshot has %d", nw.InputDim, state.InputDim)
	}
	if len(nw.Layers) != len(state.LayerDatas) {
		return fmt.Errorf("architecture mismatch: current network has %d layers, snapshot has %d",
			len(nw.Layers), len(state.LayerDatas))
	}

	for i, currLayer := range nw.Layers {
		loadedLayer := state.LayerDatas[i]

		if currLayer.Kind != loadedLayer.Kind || currLayer.Residual != loadedLayer.Residual {
			return fmt.Errorf("layer %d mismatch: layer kind or residual flag differs", i)
		}
		if currLayer.ActType != loadedLayer.ActType {
			return fmt.Errorf("layer %d mismatch: expected activation %v, got %v",
				i, currLayer.ActType, loadedLayer.ActType)
		}
		if currLayer.Shape != loadedLayer.Shape {
			return fmt.Errorf("layer %d conv shape mismatch: expected %+v, got %+v", i, currLayer.Shape, loadedLayer.Shape)
		}
		if err := checkDims("Weights", i, currLayer.Weights, loadedLayer.Weights); err != nil {
			return err
		}
		if err := checkDims("Biases", i, currLayer.Biases, loadedLayer.Biases); err != nil {
			return err
		}
	}

	for i, currentLayer := range nw.Layers {
		copy(currentLayer.Weights.data, state.LayerDatas[i].Weights.data)
		copy(currentLayer.Biases.data, state.LayerDatas[i].Biases.data)
	}
	return nil
}
