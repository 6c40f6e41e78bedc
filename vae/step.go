package vae

import (
	"fmt"
	"math"
	"sync"

	"github.com/golang/geo/r3"

	"github.com/b0tShaman/cryovae/ml"
	"github.com/b0tShaman/cryovae/so3"
)

// decodeWorker renders and back-propagates whole images on its own clone of
// the decoder. Gradients accumulate in acc across the images it is given.
type decodeWorker struct {
	net     *ml.NeuralNetwork
	lattice *Lattice
	grads   []ml.GradientSet
	acc     []ml.GradientSet
	coords  *ml.Matrix
	dOut    *ml.Matrix
	sqErr   float64
}

func newDecodeWorker(decoder *ml.NeuralNetwork, lat *Lattice) *decodeWorker {
	return &decodeWorker{
		net:     decoder.CloneStructure(),
		lattice: lat,
		grads:   ml.NewGradients(decoder),
		acc:     ml.NewGradients(decoder),
		coords:  ml.NewMatrix(lat.Len(), 3),
		dOut:    ml.NewMatrix(lat.Len(), 1),
	}
}

// render decodes one view of one image posed by rot and returns the squared
// error against target and dLoss/drot. scale is ∂loss/∂(squared error).
func (w *decodeWorker) render(rot, tilt so3.Mat3, target []float64, scale float64) (float64, so3.Mat3) {
	w.lattice.Transform(tilt.Mul(rot), r3.Vector{}, w.coords)
	pred := w.net.Forward(w.coords).Data()

	var sq float64
	d := w.dOut.Data()
	for p, y := range target {
		diff := pred[p] - y
		sq += diff * diff
		d[p] = 2 * scale * diff
	}

	w.net.Backward(w.coords, w.dOut, w.grads)
	ml.AccumulateGradients(w.acc, w.grads)

	// coords = l·(T·R), so dR = Tᵀ·dQ
	return sq, tilt.T().Mul(w.lattice.GradQ(w.net.InputGrad))
}

// Step runs one optimisation step on the images in batch at global
// iteration it. A NaN KL term aborts with *DivergenceError before any
// parameter changes.
func (t *Trainer) Step(batch []int, it int) (StepStats, error) {
	if t.model.Mode() != Training {
		return StepStats{}, fmt.Errorf("step called in %s mode", t.model.Mode())
	}
	bs := len(batch)
	npix := t.lattice.Len()
	terms := Terms{Beta: t.beta.At(it)}

	// --- Encode ---
	x := ml.NewMatrix(bs, npix)
	ml.Gather(batch, t.views[0].Real.Images, npix, x)
	raw := t.model.Encoder.Forward(x)

	poses := make([]Pose, bs)
	for b := range poses {
		poses[b] = newPose(raw.Row(b), so3.Noise(t.rng))
		terms.Kld += poses[b].Kld
	}
	terms.Kld /= float64(bs)

	var xTilt *ml.Matrix
	var tiltRaw [][]float64
	var dU, dT []so3.Mat3
	if t.equiv.Enabled() {
		xTilt = ml.NewMatrix(bs, npix)
		ml.Gather(batch, t.views[1].Real.Images, npix, xTilt)
		out := t.tiltEncoder.Forward(xTilt)

		means := make([]so3.Mat3, bs)
		tilted := make([]so3.Mat3, bs)
		tiltRaw = make([][]float64, bs)
		for b := range poses {
			means[b] = poses[b].Mean
			tiltRaw[b] = append([]float64(nil), out.Row(b)...)
			tilted[b] = so3.S2S2(tiltRaw[b][:6])
		}
		terms.Lambda, terms.Eq, dU, dT = t.equiv.Penalty(it, means, tilted)
	}

	// --- Decode: images are split across workers ---
	dR := make([]so3.Mat3, bs)
	numWorkers := min(len(t.workers), bs)
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for id := 0; id < numWorkers; id++ {
		go func(id int) {
			defer wg.Done()
			w := t.workers[id]
			ml.ResetGradients(w.acc)
			w.sqErr = 0
			for b := id; b < bs; b += numWorkers {
				for _, v := range t.views {
					scale := v.Weight / float64(bs*npix)
					sq, g := w.render(poses[b].Sample.Rotation, v.Tilt, v.Fourier.Image(batch[b]), scale)
					w.sqErr += scale * sq
					dR[b] = dR[b].Add(g)
				}
			}
		}(id)
	}
	wg.Wait()

	for _, w := range t.workers[:numWorkers] {
		terms.Gen += w.sqErr
	}

	loss, dKld := t.objective.Compose(terms, npix)
	if math.IsNaN(terms.Kld) {
		t.log.Printf("KLD is NaN: noise %v, sigma %v", poses[0].Sample.Noise, poses[0].Sigma)
		return StepStats{}, &DivergenceError{Iteration: it, Noise: poses[0].Sample.Noise, Sigma: poses[0].Sigma}
	}

	if t.log.Verbose() {
		var sigma float64
		for _, p := range poses {
			sigma += p.Sigma
		}
		t.log.Debugf("it %d: batch %d, mean sigma %.4g, gen %.6g, kld %.4f", it, bs, sigma/float64(bs), terms.Gen, terms.Kld)
	}

	// --- Encoder backward ---
	dRaw := ml.NewMatrix(bs, PoseDim)
	for b := range poses {
		var dMean so3.Mat3
		if dU != nil {
			dMean = dU[b].Scale(terms.Lambda)
		}
		poses[b].backward(dR[b], dMean, dKld/float64(bs), dRaw.Row(b))
	}
	t.model.Encoder.Backward(x, dRaw, t.encGrads)

	if t.equiv.Enabled() {
		dTilt := ml.NewMatrix(bs, PoseDim)
		for b := range tiltRaw {
			meanGrad(tiltRaw[b], dT[b].Scale(terms.Lambda), dTilt.Row(b))
		}
		t.tiltEncoder.Backward(xTilt, dTilt, t.tiltEncGrads)
		ml.AccumulateGradients(t.encGrads, t.tiltEncGrads)
	}

	// --- Aggregate and update ---
	ml.ResetGradients(t.decGrads)
	for _, w := range t.workers[:numWorkers] {
		ml.AccumulateGradients(t.decGrads, w.acc)
	}
	t.encOpt.Update(t.model.Encoder, t.encGrads)
	t.decOpt.Update(t.model.Decoder, t.decGrads)

	return StepStats{Terms: terms, Loss: loss}, nil
}
