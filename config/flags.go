package config

import (
	"flag"
	"fmt"

	"github.com/b0tShaman/cryovae/ml"
)

type optimizerValue struct{ p *ml.OptimizerType }

func (v optimizerValue) String() string {
	if v.p == nil {
		return ""
	}
	return string(*v.p)
}

func (v optimizerValue) Set(s string) error {
	*v.p = ml.OptimizerType(s)
	return nil
}

// BindFlags registers one flag per field, writing into c.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Particles, "particles", c.Particles, "particle stack (.mrc)")
	fs.StringVar(&c.TiltParticles, "tilt-particles", c.TiltParticles, "tilted particle stack (.mrc), train-tilt only")
	fs.StringVar(&c.OutDir, "outdir", c.OutDir, "output directory")
	fs.StringVar(&c.Load, "load", c.Load, "resume from this weights file")
	fs.IntVar(&c.Checkpoint, "checkpoint", c.Checkpoint, "epochs between checkpoints, 0 writes only the final outputs")
	fs.IntVar(&c.LogInterval, "log-interval", c.LogInterval, "images between progress lines")
	fs.BoolVar(&c.Verbose, "verbose", c.Verbose, "debug logging")
	fs.Uint64Var(&c.Seed, "seed", c.Seed, "random seed")

	fs.IntVar(&c.NumEpochs, "num-epochs", c.NumEpochs, "training epochs")
	fs.IntVar(&c.BatchSize, "batch-size", c.BatchSize, "minibatch size")
	fs.Float64Var(&c.WeightDecay, "wd", c.WeightDecay, "weight decay")
	fs.Float64Var(&c.LR, "lr", c.LR, "learning rate")
	fs.Var(optimizerValue{&c.Optimizer}, "optimizer", "adam, momentum or sgd")
	fs.StringVar(&c.Beta, "beta", c.Beta, "KL weight: a number or schedule a, b, c, d")
	fs.Float64Var(&c.BetaControl, "beta-control", c.BetaControl, "KL control strength, 0 for a fixed KL weight")

	fs.IntVar(&c.QLayers, "qlayers", c.QLayers, "encoder hidden layers")
	fs.IntVar(&c.QDim, "qdim", c.QDim, "encoder hidden width")
	fs.StringVar(&c.EncodeMode, "encode-mode", c.EncodeMode, "encoder: conv, resid or mlp")
	fs.IntVar(&c.PLayers, "players", c.PLayers, "decoder hidden layers")
	fs.IntVar(&c.PDim, "pdim", c.PDim, "decoder hidden width")

	fs.Float64Var(&c.Tilt, "tilt", c.Tilt, "tilt angle in degrees about x")
	fs.Float64Var(&c.Equivariance, "equivariance", c.Equivariance, "tilt equivariance weight, 0 disables")
	fs.IntVar(&c.EquivarianceEndIt, "equivariance-end-it", c.EquivarianceEndIt, "iteration where the equivariance weight reaches its maximum")

	fs.BoolVar(&c.Preview, "preview", c.Preview, "write central-slice PNGs with each volume")
	fs.BoolVar(&c.Movie, "movie", c.Movie, "write a z-slice movie of the final volume")
}

// Overlay copies the flags explicitly set on fs into c, leaving everything
// else as loaded.
func (c *Config) Overlay(fs *flag.FlagSet) error {
	bound := flag.NewFlagSet("overlay", flag.ContinueOnError)
	c.BindFlags(bound)

	var err error
	fs.Visit(func(f *flag.Flag) {
		if err != nil || bound.Lookup(f.Name) == nil {
			return
		}
		if e := bound.Set(f.Name, f.Value.String()); e != nil {
			err = fmt.Errorf("flag -%s: %w", f.Name, e)
		}
	})
	return err
}
