package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/b0tShaman/cryovae/config"
	"github.com/b0tShaman/cryovae/data"
	"github.com/b0tShaman/cryovae/logging"
	"github.com/b0tShaman/cryovae/ml"
	"github.com/b0tShaman/cryovae/mrc"
	"github.com/b0tShaman/cryovae/so3"
	"github.com/b0tShaman/cryovae/vae"
)

const usage = `usage: cryovae <command> [flags]

commands:
  train       train on a single particle stack
  train-tilt  train on an untilted/tilted stack pair
  add-psize   set the pixel size in an MRC header
`

// -------- MAIN -------- //
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		stop()
		var div *vae.DivergenceError
		if errors.As(err, &div) {
			fmt.Fprintln(os.Stderr, "training diverged:", err)
		} else {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return errors.New(usage)
	}
	switch args[0] {
	case "train":
		return train(ctx, args[0], args[1:], false, stdout)
	case "train-tilt":
		return train(ctx, args[0], args[1:], true, stdout)
	case "add-psize":
		return addPsize(args[1:], stdout)
	default:
		return fmt.Errorf("unknown command %q\n%s", args[0], usage)
	}
}

// loadRunConfig parses flags, then overlays the explicitly set ones on the
// YAML file (or the defaults).
func loadRunConfig(name string, args []string, stdout io.Writer) (*config.Config, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stdout)
	configPath := fs.String("config", "", "YAML config file; explicitly set flags take precedence")
	config.DefaultConfig().BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments %v", fs.Args())
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Overlay(fs); err != nil {
		return nil, err
	}
	return cfg, nil
}

func train(ctx context.Context, name string, args []string, tilt bool, stdout io.Writer) error {
	cfg, err := loadRunConfig(name, args, stdout)
	if err != nil {
		return err
	}
	if err := cfg.Validate(tilt); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}

	log := logging.New(stdout, cfg.Verbose)
	if err := os.MkdirAll(cfg.OutDir, 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	if err := config.SaveConfig(cfg, filepath.Join(cfg.OutDir, "config.yaml")); err != nil {
		return err
	}
	log.Printf("%s %+v", name, *cfg)
	log.Printf("Running on %d cores", runtime.GOMAXPROCS(0))

	// 1. Load Data
	raw, err := data.Load(cfg.Particles)
	if err != nil {
		return err
	}
	log.Printf("Loaded %d %dx%d images", raw.N, raw.Ny, raw.Nx)

	var views []vae.View
	var norm data.Norm
	if tilt {
		rawTilt, err := data.Load(cfg.TiltParticles)
		if err != nil {
			return err
		}
		untilted, tilted, err := data.PrepareTilt(raw, rawTilt, log)
		if err != nil {
			return err
		}
		views = vae.TiltPair(untilted, tilted, so3.TiltX(cfg.Tilt))
		norm = untilted.FourierNorm
	} else {
		ds, err := data.Prepare(raw, log)
		if err != nil {
			return err
		}
		views = vae.SingleView(ds)
		norm = ds.FourierNorm
	}

	// 2. Initialize Model
	model, err := vae.NewModel(rand.New(rand.NewPCG(cfg.Seed, cfg.Seed)), vae.ModelConfig{
		Ny: raw.Ny, Nx: raw.Nx,
		QLayers: cfg.QLayers, QDim: cfg.QDim, EncodeMode: cfg.EncodeMode,
		PLayers: cfg.PLayers, PDim: cfg.PDim,
	})
	if err != nil {
		return err
	}
	log.Printf("Encoder: %d parameters, decoder: %d parameters", model.Encoder.NumParams(), model.Decoder.NumParams())

	// 3. Configure & Train
	sink := newOutputSink(cfg, raw.Apix, log)
	trainer, err := vae.NewTrainer(model, views, vae.Options{
		Epochs:            cfg.NumEpochs,
		BatchSize:         cfg.BatchSize,
		Checkpoint:        cfg.Checkpoint,
		LogInterval:       cfg.LogInterval,
		Seed:              cfg.Seed,
		Beta:              cfg.Beta,
		BetaControl:       cfg.BetaControl,
		Equivariance:      cfg.Equivariance,
		EquivarianceEndIt: cfg.EquivarianceEndIt,
		Optimizer: ml.OptimizerConfig{
			Optimizer:    cfg.Optimizer,
			LearningRate: cfg.LR,
			WeightDecay:  cfg.WeightDecay,
		},
		FourierNorm: norm,
	}, sink, log)
	if err != nil {
		return err
	}

	if cfg.Load != "" {
		ckpt, err := vae.LoadCheckpoint(cfg.Load)
		if err != nil {
			return err
		}
		if err := trainer.Resume(ckpt); err != nil {
			return fmt.Errorf("resuming from %s: %w", cfg.Load, err)
		}
		log.Printf("Loaded %s, resuming after epoch %d", cfg.Load, ckpt.Epoch+1)
	}

	return trainer.Run(ctx)
}

func addPsize(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("add-psize", flag.ContinueOnError)
	fs.SetOutput(stdout)
	apix := fs.Float64("apix", 1, "pixel size in Å")
	out := fs.String("o", "", "output .mrc")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("add-psize takes exactly one input .mrc path")
	}
	in := fs.Arg(0)
	if *out == "" {
		return errors.New("add-psize needs an output path (-o)")
	}
	for _, p := range []string{in, *out} {
		if filepath.Ext(p) != ".mrc" {
			return fmt.Errorf("%s: expected a .mrc path", p)
		}
	}
	if !(*apix > 0) {
		return fmt.Errorf("pixel size must be positive, got %v", *apix)
	}
	return mrc.SetApix(in, *out, *apix)
}
