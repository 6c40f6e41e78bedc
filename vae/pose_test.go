package vae

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"

	"github.com/b0tShaman/cryovae/ml"
	"github.com/b0tShaman/cryovae/so3"
)

func r3vec(x, y, z float64) r3.Vector { return r3.Vector{X: x, Y: y, Z: z} }

func TestPoseBackwardMatchesFiniteDifferences(t *testing.T) {
	eps := r3vec(0.3, -0.5, 0.8)
	// raw[6] gives σ = 0.5
	raw := []float64{1, 0.2, -0.1, 0.3, 1, 0.2, math.Log(math.Expm1(0.5))}
	gRot := so3.Mat3{{0.5, -1, 0.2}, {0.1, 0.3, -0.7}, {1, 0.4, 0.6}}
	gMean := so3.Mat3{{-0.2, 0, 0.9}, {0.4, -0.3, 0.1}, {0, 0.8, -0.5}}
	const cKld = 0.7

	objective := func(r []float64) float64 {
		p := newPose(r, eps)
		return inner(gRot, p.Sample.Rotation) + inner(gMean, p.Mean) + cKld*p.Kld
	}

	p := newPose(raw, eps)
	grad := make([]float64, PoseDim)
	p.backward(gRot, gMean, cKld, grad)

	const h = 1e-5
	for k := range raw {
		orig := raw[k]
		raw[k] = orig + h
		up := objective(raw)
		raw[k] = orig - h
		down := objective(raw)
		raw[k] = orig

		num := (up - down) / (2 * h)
		if math.Abs(num-grad[k]) > 1e-4*math.Max(1, math.Abs(num)) {
			t.Errorf("raw[%d]: analytic %.8g, numeric %.8g", k, grad[k], num)
		}
	}
}

func TestLatticeGradQ(t *testing.T) {
	lat := NewLattice(3, 4)
	coords := ml.NewMatrix(lat.Len(), 3)
	w := ml.NewMatrix(lat.Len(), 3)
	for i := range w.Data() {
		w.Data()[i] = math.Sin(float64(i))
	}
	// loss(q) = Σ (l·q) ⊙ w, so dcoords = w
	loss := func(q so3.Mat3) float64 {
		lat.Transform(q, r3.Vector{}, coords)
		var s float64
		for i, v := range coords.Data() {
			s += v * w.Data()[i]
		}
		return s
	}

	q := so3.Expmap(r3vec(0.2, 0.4, -0.1))
	g := lat.GradQ(w)
	const h = 1e-6
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			up, down := q, q
			up[i][j] += h
			down[i][j] -= h
			if num := (loss(up) - loss(down)) / (2 * h); math.Abs(num-g[i][j]) > 1e-7 {
				t.Errorf("dq[%d][%d]: analytic %v, numeric %v", i, j, g[i][j], num)
			}
		}
	}
}
