package main

import (
	"fmt"
	"path/filepath"

	"github.com/b0tShaman/cryovae/config"
	"github.com/b0tShaman/cryovae/logging"
	"github.com/b0tShaman/cryovae/mrc"
	"github.com/b0tShaman/cryovae/vae"
	"github.com/b0tShaman/cryovae/viz"
)

const (
	previewSize = 128
	movieFPS    = 10
)

// outputSink writes reconstruct[.e].mrc and weights[.e].gob, plus the
// optional preview, movie and loss chart.
type outputSink struct {
	dir     string
	apix    float64
	preview bool
	movie   bool
	log     *logging.Logger

	gen, kld, eq, total []float64
}

func newOutputSink(cfg *config.Config, apix float64, log *logging.Logger) *outputSink {
	if !(apix > 0) {
		apix = 1
	}
	return &outputSink{dir: cfg.OutDir, apix: apix, preview: cfg.Preview, movie: cfg.Movie, log: log}
}

func (o *outputSink) EpochDone(s vae.EpochStats) {
	o.gen = append(o.gen, s.Gen)
	o.kld = append(o.kld, s.Kld)
	o.eq = append(o.eq, s.Eq)
	o.total = append(o.total, s.Loss)

	curves := []viz.Curve{{Name: "gen", Values: o.gen}, {Name: "kld", Values: o.kld}, {Name: "total", Values: o.total}}
	if s.Eq != 0 {
		curves = append(curves, viz.Curve{Name: "equivariance", Values: o.eq})
	}
	if err := viz.WriteLossChart(filepath.Join(o.dir, "loss.png"), curves...); err != nil {
		o.log.Printf("Could not draw loss chart: %v", err)
	}
}

func (o *outputSink) Save(s vae.Snapshot) error {
	suffix := fmt.Sprintf(".%d", s.Epoch)
	if s.Final {
		suffix = ""
	}
	volPath := filepath.Join(o.dir, "reconstruct"+suffix+".mrc")
	weightsPath := filepath.Join(o.dir, "weights"+suffix+".gob")

	if err := mrc.Write(volPath, s.Density, s.Nz, s.Ny, s.Nx, o.apix); err != nil {
		return fmt.Errorf("writing %s: %w", volPath, err)
	}
	if err := vae.SaveCheckpoint(weightsPath, s.Checkpoint); err != nil {
		return fmt.Errorf("writing %s: %w", weightsPath, err)
	}
	o.log.Printf("Saved %s and %s", volPath, weightsPath)

	if o.preview {
		if err := viz.WritePreview(filepath.Join(o.dir, "reconstruct"+suffix+".png"), s.Density, s.Nz, s.Ny, s.Nx, previewSize); err != nil {
			return err
		}
	}
	if o.movie && s.Final {
		if err := viz.WriteSliceMovie(filepath.Join(o.dir, "reconstruct.avi"), s.Density, s.Nz, s.Ny, s.Nx, previewSize, movieFPS); err != nil {
			return err
		}
	}
	return nil
}
