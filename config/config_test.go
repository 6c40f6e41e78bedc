package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/b0tShaman/cryovae/ml"
)

func TestLoadConfigOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	yaml := "particles: p.mrc\nbatchSize: 8\nbeta: b\nbetaControl: 2\nencodeMode: conv\n"
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Particles != "p.mrc" || cfg.BatchSize != 8 || cfg.Beta != "b" || cfg.EncodeMode != "conv" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.NumEpochs != 10 || cfg.LR != 1e-3 || cfg.Optimizer != ml.OptAdam {
		t.Errorf("defaults lost: %+v", cfg)
	}
	if err := cfg.Validate(false); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestFlagsOverrideOnlyWhenSet(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 8
	cfg.Particles = "file.mrc"

	fs := flag.NewFlagSet("train", flag.ContinueOnError)
	DefaultConfig().BindFlags(fs)
	if err := fs.Parse([]string{"-lr", "0.01", "-optimizer", "sgd", "-preview", "-seed", "7"}); err != nil {
		t.Fatal(err)
	}
	if err := cfg.Overlay(fs); err != nil {
		t.Fatal(err)
	}

	if cfg.LR != 0.01 || cfg.Optimizer != ml.OptSGD || !cfg.Preview || cfg.Seed != 7 {
		t.Errorf("flags not applied: %+v", cfg)
	}
	if cfg.BatchSize != 8 || cfg.Particles != "file.mrc" {
		t.Errorf("unset flags clobbered file values: %+v", cfg)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 0
	cfg.Optimizer = "rmsprop"
	cfg.Beta = "a" // schedule without a control weight
	cfg.Equivariance = 1
	cfg.EquivarianceEndIt = 5000

	err := cfg.Validate(true)
	if err == nil {
		t.Fatal("invalid config accepted")
	}
	for _, want := range []string{"particles", "tiltParticles", "batchSize", "optimizer", "beta control", "equivarianceEndIt"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("missing %q in %v", want, err)
		}
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "config.yaml")
	cfg := DefaultConfig()
	cfg.Particles = "x.mrc"
	cfg.Tilt = 30
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatal(err)
	}
	back, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if *back != *cfg {
		t.Errorf("round trip: %+v != %+v", back, cfg)
	}
}

func TestCheckpointIntervalZeroMeansFinalOnly(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Particles = "p.mrc"
	cfg.Checkpoint = 0
	if err := cfg.Validate(false); err != nil {
		t.Fatalf("checkpoint 0 rejected: %v", err)
	}
	cfg.Checkpoint = -1
	if err := cfg.Validate(false); err == nil || !strings.Contains(err.Error(), "checkpoint") {
		t.Fatalf("negative checkpoint accepted: %v", err)
	}
}
