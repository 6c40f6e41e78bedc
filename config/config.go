// Package config loads run settings from YAML and validates them.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/b0tShaman/cryovae/ml"
	"github.com/b0tShaman/cryovae/vae"
)

// Config represents one training run
type Config struct {
	// Inputs and outputs
	Particles     string `yaml:"particles"`
	TiltParticles string `yaml:"tiltParticles"`
	OutDir        string `yaml:"outdir"`
	// Load resumes from a checkpoint bundle
	Load        string `yaml:"load"`
	Checkpoint  int    `yaml:"checkpoint"`  // epochs between checkpoints, 0 for final only
	LogInterval int    `yaml:"logInterval"` // images between progress lines
	Verbose     bool   `yaml:"verbose"`
	Seed        uint64 `yaml:"seed"`

	// Training
	NumEpochs   int              `yaml:"numEpochs"`
	BatchSize   int              `yaml:"batchSize"`
	WeightDecay float64          `yaml:"wd"`
	LR          float64          `yaml:"lr"`
	Optimizer   ml.OptimizerType `yaml:"optimizer"`
	Beta        string           `yaml:"beta"`
	// BetaControl switches to the control objective when > 0
	BetaControl float64 `yaml:"betaControl"`

	// Architecture
	QLayers    int    `yaml:"qlayers"`
	QDim       int    `yaml:"qdim"`
	EncodeMode string `yaml:"encodeMode"`
	PLayers    int    `yaml:"players"`
	PDim       int    `yaml:"pdim"`

	// Tilt pairs
	Tilt              float64 `yaml:"tilt"` // degrees
	Equivariance      float64 `yaml:"equivariance"`
	EquivarianceEndIt int     `yaml:"equivarianceEndIt"`

	// Extra outputs
	Preview bool `yaml:"preview"`
	Movie   bool `yaml:"movie"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		OutDir:            ".",
		Checkpoint:        5,
		LogInterval:       1000,
		Seed:              1,
		NumEpochs:         10,
		BatchSize:         100,
		LR:                1e-3,
		Optimizer:         ml.OptAdam,
		Beta:              "1.0",
		QLayers:           10,
		QDim:              128,
		EncodeMode:        vae.EncodeResid,
		PLayers:           10,
		PDim:              128,
		Tilt:              -45,
		EquivarianceEndIt: 100000,
	}
}

// LoadConfig overlays a YAML file on the defaults. An empty path yields the
// defaults.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()
	if configPath == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes the configuration next to the run outputs.
func SaveConfig(cfg *Config, configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	return nil
}

// Validate reports every problem that would otherwise surface mid-run.
// tilt selects the tilt-pair checks.
func (c *Config) Validate(tilt bool) error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if c.Particles == "" {
		add("particles: a particle stack is required")
	}
	if tilt && c.TiltParticles == "" {
		add("tiltParticles: a tilt stack is required for tilt-pair training")
	}
	if c.NumEpochs < 1 {
		add("numEpochs must be positive, got %d", c.NumEpochs)
	}
	if c.BatchSize < 1 {
		add("batchSize must be positive, got %d", c.BatchSize)
	}
	if c.Checkpoint < 0 {
		add("checkpoint must not be negative, got %d", c.Checkpoint)
	}
	if c.LogInterval < 1 {
		add("logInterval must be positive, got %d", c.LogInterval)
	}
	if !(c.LR > 0) {
		add("lr must be positive, got %v", c.LR)
	}
	if c.WeightDecay < 0 {
		add("wd must not be negative, got %v", c.WeightDecay)
	}
	switch c.Optimizer {
	case ml.OptAdam, ml.OptMomentum, ml.OptSGD:
	default:
		add("optimizer must be one of adam, momentum, sgd; got %q", c.Optimizer)
	}
	if c.QLayers < 1 || c.QDim < 1 || c.PLayers < 1 || c.PDim < 1 {
		add("layer counts and widths must be positive")
	}
	if !vae.ValidEncodeMode(c.EncodeMode) {
		add("encodeMode must be one of conv, resid, mlp; got %q", c.EncodeMode)
	}
	if _, _, err := vae.ResolveObjective(c.Beta, c.BetaControl); err != nil {
		errs = append(errs, err)
	}
	if tilt {
		if c.Equivariance < 0 {
			add("equivariance must not be negative, got %v", c.Equivariance)
		}
		if c.Equivariance > 0 && c.EquivarianceEndIt <= vae.EquivarianceStartIt {
			add("equivarianceEndIt must exceed %d, got %d", vae.EquivarianceStartIt, c.EquivarianceEndIt)
		}
	}
	return errors.Join(errs...)
}
