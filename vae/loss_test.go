package vae

import (
	"math"
	"testing"

	"github.com/b0tShaman/cryovae/so3"
)

func TestObjectives(t *testing.T) {
	loss, dKld := FixedWeight{}.Compose(Terms{Gen: 2, Kld: 1, Beta: 0.5}, 10*10)
	if math.Abs(loss-2.005) > 1e-12 || math.Abs(dKld-0.005) > 1e-15 {
		t.Errorf("fixed weight: loss %v, dKld %v", loss, dKld)
	}

	loss, dKld = Control{Gamma: 4}.Compose(Terms{Gen: 2, Kld: 1, Beta: 0.8}, 10*10)
	if math.Abs(loss-2.0016) > 1e-12 || math.Abs(dKld-0.016) > 1e-15 {
		t.Errorf("control: loss %v, dKld %v", loss, dKld)
	}

	withEq := Terms{Gen: 2, Kld: 1, Beta: 0.5, Eq: 3, Lambda: 0.5}
	if loss, _ := (FixedWeight{}).Compose(withEq, 100); math.Abs(loss-3.505) > 1e-12 {
		t.Errorf("with equivariance: loss %v", loss)
	}
}

func TestResolveObjective(t *testing.T) {
	tests := []struct {
		beta    string
		control float64
		want    string
		wantErr bool
	}{
		{"1.0", 0, "fixed-weight", false},
		{"0.5", 2, "control(γ=2)", false},
		{"b", 1, "control(γ=1)", false},
		{"b", 0, "", true},
		{"z", 1, "", true},
		{"1.0", -1, "", true},
	}
	for _, tt := range tests {
		obj, sched, err := ResolveObjective(tt.beta, tt.control)
		if tt.wantErr {
			if err == nil {
				t.Errorf("%q/%v: expected error", tt.beta, tt.control)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q/%v: %v", tt.beta, tt.control, err)
			continue
		}
		if obj.Name() != tt.want || sched == nil {
			t.Errorf("%q/%v: got %s", tt.beta, tt.control, obj.Name())
		}
	}
}

func TestBetaSchedules(t *testing.T) {
	c, constant, err := ParseBeta("2.5")
	if err != nil || !constant {
		t.Fatalf("constant: %v %v", constant, err)
	}
	for _, it := range []int{0, 1, 1e6, 1e9} {
		if c.At(it) != 2.5 {
			t.Fatalf("constant schedule moved at %d: %v", it, c.At(it))
		}
	}

	b, constant, err := ParseBeta("b")
	if err != nil || constant {
		t.Fatalf("named: %v %v", constant, err)
	}
	if got := b.At(0); got != 5 {
		t.Errorf("before ramp: %v", got)
	}
	if got := b.At(8e5); math.Abs(got-15) > 1e-9 {
		t.Errorf("end of ramp: %v", got)
	}
	if got := b.At(1e8); got != 15 {
		t.Errorf("after ramp: %v", got)
	}
	prev := b.At(0)
	for it := 0; it <= 1e6; it += 12345 {
		v := b.At(it)
		if v < prev {
			t.Fatalf("ramp decreased at %d: %v < %v", it, v, prev)
		}
		prev = v
	}

	if _, _, err := ParseBeta("e"); err == nil {
		t.Error("unknown schedule accepted")
	}
}

func TestEquivarianceLoss(t *testing.T) {
	tilt := so3.TiltX(-45)
	untilted := []so3.Mat3{
		so3.S2S2([]float64{1, 0.2, -0.3, 0.1, 1, 0.4}),
		so3.Expmap(r3vec(0.3, -1.2, 0.7)),
	}
	aligned := []so3.Mat3{tilt.Mul(untilted[0]), tilt.Mul(untilted[1])}

	eq, dU, dT := EquivarianceLoss(tilt, untilted, aligned)
	if eq > 1e-24 {
		t.Errorf("aligned pair penalised: %v", eq)
	}
	for b := range dU {
		if dU[b].FrobeniusSq() > 1e-24 || dT[b].FrobeniusSq() > 1e-24 {
			t.Errorf("nonzero gradient for aligned pair %d", b)
		}
	}

	// gradient check against central differences
	tilted := []so3.Mat3{so3.Identity(), so3.TiltX(30)}
	_, dU, dT = EquivarianceLoss(tilt, untilted, tilted)
	const h = 1e-6
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			orig := untilted[1][i][j]
			untilted[1][i][j] = orig + h
			up, _, _ := EquivarianceLoss(tilt, untilted, tilted)
			untilted[1][i][j] = orig - h
			down, _, _ := EquivarianceLoss(tilt, untilted, tilted)
			untilted[1][i][j] = orig
			if num := (up - down) / (2 * h); math.Abs(num-dU[1][i][j]) > 1e-6 {
				t.Errorf("dU[%d][%d]: analytic %v, numeric %v", i, j, dU[1][i][j], num)
			}

			orig = tilted[0][i][j]
			tilted[0][i][j] = orig + h
			up, _, _ = EquivarianceLoss(tilt, untilted, tilted)
			tilted[0][i][j] = orig - h
			down, _, _ = EquivarianceLoss(tilt, untilted, tilted)
			tilted[0][i][j] = orig
			if num := (up - down) / (2 * h); math.Abs(num-dT[0][i][j]) > 1e-6 {
				t.Errorf("dT[%d][%d]: analytic %v, numeric %v", i, j, dT[0][i][j], num)
			}
		}
	}
}

func TestEquivarianceRamp(t *testing.T) {
	e := NewTiltEquivariance(so3.TiltX(-45), 2, 20000)
	for _, tt := range []struct {
		it   int
		want float64
	}{{0, 0}, {10000, 0}, {15000, 1}, {20000, 2}, {50000, 2}} {
		if got := e.Weight.At(tt.it); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("lambda at %d: got %v, want %v", tt.it, got, tt.want)
		}
	}
}
