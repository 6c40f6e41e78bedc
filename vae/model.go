// Package vae trains a variational autoencoder whose latent is a rotation:
// the encoder infers a pose distribution on SO(3) for each particle image and
// a coordinate decoder renders Hartley-space slices of the volume.
package vae

import (
	"fmt"
	"math/rand/v2"

	"github.com/b0tShaman/cryovae/ml"
)

// Encoder architectures
const (
	EncodeConv  = "conv"
	EncodeResid = "resid"
	EncodeMLP   = "mlp"
)

// PoseDim is the encoder output width: six S2S2 inputs and one raw dispersion.
const PoseDim = 7

func ValidEncodeMode(mode string) bool {
	switch mode {
	case EncodeConv, EncodeResid, EncodeMLP:
		return true
	}
	return false
}

type ModelConfig struct {
	Ny, Nx     int
	QLayers    int
	QDim       int
	EncodeMode string
	PLayers    int
	PDim       int
}

// Model is the encoder/decoder pair.
type Model struct {
	Encoder *ml.NeuralNetwork
	Decoder *ml.NeuralNetwork
	Config  ModelConfig

	mode Mode
}

func NewModel(rng *rand.Rand, cfg ModelConfig) (*Model, error) {
	if cfg.Ny < 1 || cfg.Nx < 1 {
		return nil, fmt.Errorf("invalid image size %dx%d", cfg.Ny, cfg.Nx)
	}
	if cfg.QLayers < 1 || cfg.QDim < 1 || cfg.PLayers < 1 || cfg.PDim < 1 {
		return nil, fmt.Errorf("layer counts and widths must be positive")
	}

	var enc []ml.LayerConfig
	switch cfg.EncodeMode {
	case EncodeMLP:
		enc = append(enc, ml.Input(cfg.Ny*cfg.Nx))
		for i := 0; i < cfg.QLayers; i++ {
			enc = append(enc, ml.Dense(cfg.QDim))
		}
	case EncodeResid:
		enc = residualStack(cfg.Ny*cfg.Nx, cfg.QLayers, cfg.QDim)
	case EncodeConv:
		enc = convStack(cfg.Ny, cfg.Nx, cfg.QLayers, cfg.QDim)
	default:
		return nil, fmt.Errorf("unknown encoder mode %q", cfg.EncodeMode)
	}
	enc = append(enc, ml.Dense(PoseDim, ml.Activation("linear")))

	dec := append(residualStack(3, cfg.PLayers, cfg.PDim), ml.Dense(1, ml.Activation("linear")))

	return &Model{
		Encoder: ml.NewNetwork(rng, enc...),
		Decoder: ml.NewNetwork(rng, dec...),
		Config:  cfg,
		mode:    Training,
	}, nil
}

// residualStack is Input(in) -> Dense(dim) -> (layers-1) residual Dense(dim).
func residualStack(in, layers, dim int) []ml.LayerConfig {
	cfgs := []ml.LayerConfig{ml.Input(in), ml.Dense(dim)}
	for i := 1; i < layers; i++ {
		cfgs = append(cfgs, ml.Dense(dim, ml.Residual()))
	}
	return cfgs
}

// convStack downsamples twice with strided 3x3 convolutions before the
// residual dense layers.
func convStack(ny, nx, layers, dim int) []ml.LayerConfig {
	first := ml.ConvShape{Height: ny, Width: nx, InChannels: 1, OutChannels: 8, Kernel: 3, Stride: 2, Padding: 1}
	second := ml.ConvShape{
		Height: first.OutHeight(), Width: first.OutWidth(),
		InChannels: 8, OutChannels: 16, Kernel: 3, Stride: 2, Padding: 1,
	}
	cfgs := []ml.LayerConfig{
		ml.Input(ny * nx),
		ml.Conv(first),
		ml.Conv(second),
		ml.Dense(dim),
	}
	for i := 1; i < layers; i++ {
		cfgs = append(cfgs, ml.Dense(dim, ml.Residual()))
	}
	return cfgs
}

func (m *Model) Mode() Mode { return m.mode }

// SetMode switches the model and returns the previous mode.
func (m *Model) SetMode(mode Mode) Mode {
	prev := m.mode
	m.mode = mode
	return prev
}

// Decode evaluates the decoder on rows of (x, y, z) coordinates. The result
// is owned by the decoder and overwritten by the next call.
func (m *Model) Decode(coords *ml.Matrix) (*ml.Matrix, error) {
	if coords.Cols() != 3 {
		return nil, fmt.Errorf("decoder takes 3D coordinates, got %d columns", coords.Cols())
	}
	return m.Decoder.Forward(coords), nil
}
