package vae

import (
	"bytes"
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"testing"

	"github.com/b0tShaman/cryovae/data"
	"github.com/b0tShaman/cryovae/logging"
	"github.com/b0tShaman/cryovae/ml"
	"github.com/b0tShaman/cryovae/so3"
)

type recordingSink struct {
	epochs []EpochStats
	saves  []Snapshot
}

func (r *recordingSink) EpochDone(s EpochStats) { r.epochs = append(r.epochs, s) }

func (r *recordingSink) Save(s Snapshot) error {
	r.saves = append(r.saves, s)
	return nil
}

func syntheticDataset(t *testing.T, seed uint64, n int) *data.Dataset {
	t.Helper()
	rng := rand.New(rand.NewPCG(seed, 7))
	raw := data.NewStack(n, 4, 4)
	for i := range raw.Images {
		raw.Images[i] = rng.NormFloat64() + 1
	}
	ds, err := data.Prepare(raw, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	return ds
}

func smallModel(t *testing.T, seed uint64) *Model {
	t.Helper()
	m, err := NewModel(rand.New(rand.NewPCG(seed, seed)), ModelConfig{
		Ny: 4, Nx: 4, QLayers: 2, QDim: 8, EncodeMode: EncodeResid, PLayers: 2, PDim: 8,
	})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func smallOptions(ds *data.Dataset) Options {
	return Options{
		Epochs: 2, BatchSize: 3, Checkpoint: 1, LogInterval: 3, Seed: 1, Workers: 2,
		Beta:        "1.0",
		Optimizer:   ml.OptimizerConfig{Optimizer: ml.OptAdam, LearningRate: 1e-3},
		FourierNorm: ds.FourierNorm,
	}
}

func snapshotWeights(nw *ml.NeuralNetwork) [][]float64 {
	var out [][]float64
	for _, l := range nw.Layers {
		out = append(out, append([]float64(nil), l.Weights.Data()...), append([]float64(nil), l.Biases.Data()...))
	}
	return out
}

func sameWeights(a, b [][]float64) bool {
	for i := range a {
		for j := range a[i] {
			x, y := a[i][j], b[i][j]
			if x != y && !(math.IsNaN(x) && math.IsNaN(y)) {
				return false
			}
		}
	}
	return true
}

func TestRunSavesCheckpointsAndFinal(t *testing.T) {
	ds := syntheticDataset(t, 1, 7)
	model := smallModel(t, 1)
	sink := &recordingSink{}
	tr, err := NewTrainer(model, SingleView(ds), smallOptions(ds), sink, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	before := snapshotWeights(model.Decoder)

	if err := tr.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(sink.epochs) != 2 {
		t.Fatalf("expected 2 epochs, got %d", len(sink.epochs))
	}
	for _, e := range sink.epochs {
		if e.Images != 7 || math.IsNaN(e.Loss) || e.Gen <= 0 {
			t.Errorf("epoch stats %+v", e)
		}
	}
	if len(sink.saves) != 3 {
		t.Fatalf("expected 2 checkpoints and a final save, got %d", len(sink.saves))
	}
	final := sink.saves[2]
	if !final.Final || final.Epoch != 1 || final.Checkpoint.Epoch != 1 {
		t.Errorf("final snapshot epoch %d final %v", final.Epoch, final.Final)
	}
	if final.Nz != 4 || len(final.Density) != 4*4*4 || len(final.Fourier) != 4*4*4 {
		t.Errorf("volume %d slices, %d voxels", final.Nz, len(final.Density))
	}
	if sameWeights(before, snapshotWeights(model.Decoder)) {
		t.Error("decoder weights did not change")
	}
	if model.Mode() != Training {
		t.Errorf("model left in %s mode", model.Mode())
	}
}

func TestRunStopsWhenCancelled(t *testing.T) {
	ds := syntheticDataset(t, 2, 6)
	sink := &recordingSink{}
	tr, err := NewTrainer(smallModel(t, 2), SingleView(ds), smallOptions(ds), sink, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := tr.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if len(sink.epochs) != 0 {
		t.Errorf("trained %d epochs after cancel", len(sink.epochs))
	}
	if len(sink.saves) != 1 || !sink.saves[0].Final {
		t.Fatalf("expected only the final save, got %d", len(sink.saves))
	}
}

func TestDivergenceStopsBeforeUpdate(t *testing.T) {
	ds := syntheticDataset(t, 3, 6)
	model := smallModel(t, 3)
	tr, err := NewTrainer(model, SingleView(ds), smallOptions(ds), nil, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	last := model.Encoder.Layers[len(model.Encoder.Layers)-1]
	last.Biases.Data()[6] = math.NaN()

	enc, dec := snapshotWeights(model.Encoder), snapshotWeights(model.Decoder)
	_, err = tr.Step([]int{0, 1, 2}, 3)

	var div *DivergenceError
	if !errors.As(err, &div) {
		t.Fatalf("expected DivergenceError, got %v", err)
	}
	if div.Iteration != 3 {
		t.Errorf("iteration %d", div.Iteration)
	}
	if !sameWeights(enc, snapshotWeights(model.Encoder)) || !sameWeights(dec, snapshotWeights(model.Decoder)) {
		t.Error("parameters changed after divergence")
	}
	if st := tr.encOpt.State(); st.TimeStep != 0 {
		t.Errorf("optimizer stepped %d times", st.TimeStep)
	}
}

func TestStepRequiresTrainingMode(t *testing.T) {
	ds := syntheticDataset(t, 4, 3)
	model := smallModel(t, 4)
	tr, err := NewTrainer(model, SingleView(ds), smallOptions(ds), nil, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	model.SetMode(Evaluating)
	if _, err := tr.Step([]int{0}, 1); err == nil {
		t.Fatal("step ran in evaluating mode")
	}
}

func TestCheckpointResume(t *testing.T) {
	ds := syntheticDataset(t, 5, 6)
	opts := smallOptions(ds)
	opts.Epochs = 1
	sink := &recordingSink{}
	tr, err := NewTrainer(smallModel(t, 5), SingleView(ds), opts, sink, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "weights.gob")
	if err := SaveCheckpoint(path, sink.saves[len(sink.saves)-1].Checkpoint); err != nil {
		t.Fatal(err)
	}
	ckpt, err := LoadCheckpoint(path)
	if err != nil {
		t.Fatal(err)
	}
	if ckpt.Epoch != 0 || ckpt.EncoderOptimizer.TimeStep != 2 {
		t.Fatalf("checkpoint epoch %d, adam step %d", ckpt.Epoch, ckpt.EncoderOptimizer.TimeStep)
	}

	opts.Epochs = 2
	resumedModel := smallModel(t, 99)
	resumedSink := &recordingSink{}
	resumed, err := NewTrainer(resumedModel, SingleView(ds), opts, resumedSink, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	if err := resumed.Resume(ckpt); err != nil {
		t.Fatal(err)
	}
	got := resumedModel.Decoder.Layers[0].Weights.Data()
	want := ckpt.Decoder.LayerDatas[0].Weights.Data()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("decoder weight %d not restored", i)
		}
	}

	if err := resumed.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(resumedSink.epochs) != 1 || resumedSink.epochs[0].Epoch != 1 {
		t.Fatalf("resumed epochs %+v", resumedSink.epochs)
	}

	// a checkpoint from a different architecture is rejected
	other, err := NewModel(rand.New(rand.NewPCG(1, 1)), ModelConfig{
		Ny: 4, Nx: 4, QLayers: 2, QDim: 8, EncodeMode: EncodeResid, PLayers: 3, PDim: 8,
	})
	if err != nil {
		t.Fatal(err)
	}
	mismatched, err := NewTrainer(other, SingleView(ds), opts, nil, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	if err := mismatched.Resume(ckpt); err == nil {
		t.Fatal("mismatched checkpoint accepted")
	}
}

func TestTiltPairStep(t *testing.T) {
	untilted := syntheticDataset(t, 6, 4)
	tilted := syntheticDataset(t, 7, 4)
	opts := smallOptions(untilted)

	if _, err := NewTrainer(smallModel(t, 6), SingleView(untilted), Options{
		Epochs: 1, BatchSize: 2, Checkpoint: 1, LogInterval: 1, Beta: "1.0", Equivariance: 1, EquivarianceEndIt: 20000,
	}, nil, nil); err == nil {
		t.Fatal("equivariance accepted without a tilt pair")
	}

	opts.Equivariance = 1
	opts.EquivarianceEndIt = 20000
	tr, err := NewTrainer(smallModel(t, 6), TiltPair(untilted, tilted, so3.TiltX(-45)), opts, nil, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}

	stats, err := tr.Step([]int{0, 1, 2}, 15000)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(stats.Lambda-0.5) > 1e-12 {
		t.Errorf("lambda %v", stats.Lambda)
	}
	if !(stats.Eq > 0) || math.IsNaN(stats.Loss) {
		t.Errorf("step stats %+v", stats)
	}
	loss, _ := FixedWeight{}.Compose(stats.Terms, 16)
	if math.Abs(loss-stats.Loss) > 1e-12 {
		t.Errorf("loss %v, recomposed %v", stats.Loss, loss)
	}
}

func TestVerboseStepLogsPoseSpread(t *testing.T) {
	ds := syntheticDataset(t, 8, 4)
	var quiet, verbose bytes.Buffer
	for _, tc := range []struct {
		buf *bytes.Buffer
		on  bool
	}{{&quiet, false}, {&verbose, true}} {
		tr, err := NewTrainer(smallModel(t, 8), SingleView(ds), smallOptions(ds), nil, logging.New(tc.buf, tc.on))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := tr.Step([]int{0, 1}, 2); err != nil {
			t.Fatal(err)
		}
	}
	if strings.Contains(quiet.String(), "mean sigma") {
		t.Error("debug line printed without verbose")
	}
	if !strings.Contains(verbose.String(), "it 2: batch 2, mean sigma") {
		t.Errorf("verbose step did not log:\n%s", verbose.String())
	}
}

func TestZeroCheckpointIntervalSavesOnlyFinal(t *testing.T) {
	ds := syntheticDataset(t, 9, 4)
	opts := smallOptions(ds)
	opts.Checkpoint = 0
	sink := &recordingSink{}
	tr, err := NewTrainer(smallModel(t, 9), SingleView(ds), opts, sink, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(sink.epochs) != 2 {
		t.Fatalf("trained %d epochs", len(sink.epochs))
	}
	if len(sink.saves) != 1 || !sink.saves[0].Final || sink.saves[0].Epoch != 1 {
		t.Fatalf("saves %+v", sink.saves)
	}

	opts.Checkpoint = -1
	if _, err := NewTrainer(smallModel(t, 9), SingleView(ds), opts, nil, nil); err == nil {
		t.Fatal("negative checkpoint interval accepted")
	}
}
