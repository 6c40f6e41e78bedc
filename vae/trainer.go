package vae

import (
	"context"
	"fmt"
	"math/rand/v2"
	"runtime"
	"time"

	"github.com/b0tShaman/cryovae/data"
	"github.com/b0tShaman/cryovae/logging"
	"github.com/b0tShaman/cryovae/ml"
	"github.com/b0tShaman/cryovae/so3"
)

// View is one image stream the decoder is fit to. The decoder sees the
// lattice pre-rotated by Tilt.
type View struct {
	Name    string
	Real    *data.Stack // normalised real-space images, the encoder input
	Fourier *data.Stack // normalised Hartley targets
	Tilt    so3.Mat3
	Weight  float64
}

// SingleView is the untilted setup.
func SingleView(ds *data.Dataset) []View {
	return []View{{Name: "untilted", Real: ds.Real, Fourier: ds.Fourier, Tilt: so3.Identity(), Weight: 1}}
}

// TiltPair weights both views equally. The tilted view is rendered with
// lattice·tilt·R.
func TiltPair(untilted, tilted *data.Dataset, tilt so3.Mat3) []View {
	return []View{
		{Name: "untilted", Real: untilted.Real, Fourier: untilted.Fourier, Tilt: so3.Identity(), Weight: 0.5},
		{Name: "tilted", Real: tilted.Real, Fourier: tilted.Fourier, Tilt: tilt, Weight: 0.5},
	}
}

type Options struct {
	Epochs      int
	BatchSize   int
	Checkpoint  int // epochs between snapshots, 0 for the final one only
	LogInterval int // images between progress lines
	Seed        uint64
	Workers     int // decoder workers, 0 means one per CPU

	Beta        string
	BetaControl float64

	// Equivariance > 0 enables the tilt-pair penalty.
	Equivariance      float64
	EquivarianceEndIt int

	Optimizer   ml.OptimizerConfig
	FourierNorm data.Norm
}

// StepStats are the loss terms of one iteration.
type StepStats struct {
	Terms
	Loss float64
}

// EpochStats are image-weighted averages over one epoch.
type EpochStats struct {
	Epoch  int
	Images int
	Gen    float64
	Kld    float64
	Eq     float64
	Loss   float64
}

// Snapshot is handed to the Sink at checkpoint epochs and at the end.
type Snapshot struct {
	Epoch      int
	Final      bool
	Nz, Ny, Nx int
	Density    []float64
	Fourier    []float64
	Checkpoint *Checkpoint
}

// Sink persists snapshots and observes progress.
type Sink interface {
	EpochDone(EpochStats)
	Save(Snapshot) error
}

type Trainer struct {
	model   *Model
	views   []View
	opts    Options
	sink    Sink
	log     *logging.Logger
	rng     *rand.Rand
	lattice *Lattice

	objective Objective
	beta      Schedule
	equiv     Regularizer

	encOpt ml.Optimizer
	decOpt ml.Optimizer

	encGrads     []ml.GradientSet
	tiltEncoder  *ml.NeuralNetwork
	tiltEncGrads []ml.GradientSet
	workers      []*decodeWorker
	decGrads     []ml.GradientSet

	startEpoch int
}

func NewTrainer(model *Model, views []View, opts Options, sink Sink, log *logging.Logger) (*Trainer, error) {
	if len(views) == 0 || len(views) > 2 {
		return nil, fmt.Errorf("expected one or two views, got %d", len(views))
	}
	n, ny, nx := views[0].Real.N, views[0].Real.Ny, views[0].Real.Nx
	if ny != model.Config.Ny || nx != model.Config.Nx {
		return nil, fmt.Errorf("model expects %dx%d images, stack has %dx%d", model.Config.Ny, model.Config.Nx, ny, nx)
	}
	for _, v := range views {
		for _, s := range []*data.Stack{v.Real, v.Fourier} {
			if err := data.PairStacks(views[0].Real, s); err != nil {
				return nil, fmt.Errorf("view %s: %w", v.Name, err)
			}
		}
	}
	if n == 0 {
		return nil, fmt.Errorf("no particles")
	}
	if opts.Epochs < 1 || opts.BatchSize < 1 || opts.LogInterval < 1 {
		return nil, fmt.Errorf("epochs, batch size and log interval must be positive")
	}
	if opts.Checkpoint < 0 {
		return nil, fmt.Errorf("checkpoint interval must not be negative, got %d", opts.Checkpoint)
	}

	objective, beta, err := ResolveObjective(opts.Beta, opts.BetaControl)
	if err != nil {
		return nil, err
	}

	var equiv Regularizer = NoEquivariance{}
	switch {
	case opts.Equivariance < 0:
		return nil, fmt.Errorf("equivariance weight must not be negative, got %v", opts.Equivariance)
	case opts.Equivariance > 0 && len(views) != 2:
		return nil, fmt.Errorf("equivariance needs a tilt pair")
	case opts.Equivariance > 0:
		if opts.EquivarianceEndIt <= EquivarianceStartIt {
			return nil, fmt.Errorf("equivariance end iteration must exceed %d, got %d", EquivarianceStartIt, opts.EquivarianceEndIt)
		}
		equiv = NewTiltEquivariance(views[1].Tilt, opts.Equivariance, opts.EquivarianceEndIt)
	}

	encOpt, err := ml.NewOptimizer(model.Encoder, opts.Optimizer)
	if err != nil {
		return nil, err
	}
	decOpt, err := ml.NewOptimizer(model.Decoder, opts.Optimizer)
	if err != nil {
		return nil, err
	}

	if log == nil {
		log = logging.Discard()
	}
	t := &Trainer{
		model:     model,
		views:     views,
		opts:      opts,
		sink:      sink,
		log:       log,
		rng:       rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
		lattice:   NewLattice(ny, nx),
		objective: objective,
		beta:      beta,
		equiv:     equiv,
		encOpt:    encOpt,
		decOpt:    decOpt,
		encGrads:  ml.NewGradients(model.Encoder),
		decGrads:  ml.NewGradients(model.Decoder),
	}
	if equiv.Enabled() {
		t.tiltEncoder = model.Encoder.CloneStructure()
		t.tiltEncGrads = ml.NewGradients(model.Encoder)
	}

	numWorkers := opts.Workers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	numWorkers = min(numWorkers, opts.BatchSize)
	t.workers = make([]*decodeWorker, numWorkers)
	for i := range t.workers {
		t.workers[i] = newDecodeWorker(model.Decoder, t.lattice)
	}

	log.Printf("Objective %s, %d view(s), %d decoder workers", objective.Name(), len(views), numWorkers)
	return t, nil
}

// Resume loads a checkpoint; training restarts at the following epoch.
func (t *Trainer) Resume(c *Checkpoint) error {
	if err := t.model.Encoder.LoadState(c.Encoder); err != nil {
		return fmt.Errorf("encoder: %w", err)
	}
	if err := t.model.Decoder.LoadState(c.Decoder); err != nil {
		return fmt.Errorf("decoder: %w", err)
	}
	if err := t.encOpt.LoadState(c.EncoderOptimizer); err != nil {
		return fmt.Errorf("encoder optimizer: %w", err)
	}
	if err := t.decOpt.LoadState(c.DecoderOptimizer); err != nil {
		return fmt.Errorf("decoder optimizer: %w", err)
	}
	t.startEpoch = c.Epoch + 1
	t.model.SetMode(Training)
	return nil
}

// Checkpoint snapshots the model and optimizers.
func (t *Trainer) Checkpoint(epoch int) *Checkpoint {
	return &Checkpoint{
		Epoch:            epoch,
		Encoder:          t.model.Encoder.State(),
		Decoder:          t.model.Decoder.State(),
		EncoderOptimizer: t.encOpt.State(),
		DecoderOptimizer: t.decOpt.State(),
	}
}

// Run trains until the configured epoch count or until ctx is cancelled,
// in which case it stops after the current iteration. Final outputs are
// written in both cases.
func (t *Trainer) Run(ctx context.Context) error {
	start := time.Now()
	n := t.views[0].Real.N
	indices := ml.NewIndexList(n)
	lastEpoch := t.startEpoch - 1

	t.log.Printf("Starting training at epoch %d of %d", t.startEpoch+1, t.opts.Epochs)

	for epoch := t.startEpoch; epoch < t.opts.Epochs; epoch++ {
		ml.ShuffleIndices(t.rng, indices)
		stats := EpochStats{Epoch: epoch}
		interrupted := false

		for _, batch := range ml.SplitBatches(indices, t.opts.BatchSize) {
			if ctx.Err() != nil {
				interrupted = true
				break
			}
			before := stats.Images
			stats.Images += len(batch)
			it := n*epoch + stats.Images

			step, err := t.Step(batch, it)
			if err != nil {
				return err
			}

			w := float64(len(batch))
			stats.Gen += step.Gen * w
			stats.Kld += step.Kld * w
			stats.Eq += step.Eq * w
			stats.Loss += step.Loss * w

			if before/t.opts.LogInterval != stats.Images/t.opts.LogInterval {
				eqLog := ""
				if t.equiv.Enabled() {
					eqLog = fmt.Sprintf("equivariance=%.4f, lambda=%.4f, ", step.Eq, step.Lambda)
				}
				t.log.Printf("# [Train Epoch: %d/%d] [%d/%d images] gen loss=%.4f, kld=%.4f, beta=%.4f, %sloss=%.4f",
					epoch+1, t.opts.Epochs, stats.Images, n, step.Gen, step.Kld, step.Beta, eqLog, step.Loss)
			}
		}

		if interrupted {
			t.log.Printf("Interrupted during epoch %d after %d images", epoch+1, stats.Images)
			break
		}

		scale := 1 / float64(stats.Images)
		stats.Gen *= scale
		stats.Kld *= scale
		stats.Eq *= scale
		stats.Loss *= scale
		eqLog := ""
		if t.equiv.Enabled() {
			eqLog = fmt.Sprintf("equivariance = %.4f, ", stats.Eq)
		}
		t.log.Printf("# =====> Epoch: %d Average gen loss = %.4g, KLD = %.4f, %stotal loss = %.4f",
			epoch+1, stats.Gen, stats.Kld, eqLog, stats.Loss)
		if t.sink != nil {
			t.sink.EpochDone(stats)
		}
		lastEpoch = epoch

		if t.opts.Checkpoint > 0 && epoch%t.opts.Checkpoint == 0 {
			if err := t.save(epoch, false); err != nil {
				return err
			}
		}
	}

	if err := t.save(lastEpoch, true); err != nil {
		return err
	}

	elapsed := time.Since(start)
	trained := max(lastEpoch-t.startEpoch+1, 1)
	t.log.Printf("Finished in %v (%v per epoch)", elapsed, elapsed/time.Duration(trained))
	return nil
}

func (t *Trainer) save(epoch int, final bool) error {
	nz := max(t.lattice.Ny, t.lattice.Nx)
	density, fourier, err := EvalVolume(t.model, t.lattice, nz, t.opts.FourierNorm)
	if err != nil {
		return fmt.Errorf("evaluating volume: %w", err)
	}
	if t.sink == nil {
		return nil
	}
	return t.sink.Save(Snapshot{
		Epoch:      epoch,
		Final:      final,
		Nz:         nz,
		Ny:         t.lattice.Ny,
		Nx:         t.lattice.Nx,
		Density:    density,
		Fourier:    fourier,
		Checkpoint: t.Checkpoint(epoch),
	})
}
