package vae

import (
	"fmt"
	"math"
	"strconv"
)

// Schedule maps the global iteration (images seen) to beta.
type Schedule interface {
	At(it int) float64
}

type ConstantSchedule float64

func (c ConstantSchedule) At(int) float64 { return float64(c) }

// LinearSchedule ramps from StartY at StartX to EndY at EndX and is clipped
// to the range of its endpoints outside that window.
type LinearSchedule struct {
	StartY, EndY float64
	StartX, EndX float64
}

func (l LinearSchedule) At(it int) float64 {
	coef := (l.EndY - l.StartY) / (l.EndX - l.StartX)
	y := (float64(it)-l.StartX)*coef + l.StartY
	return math.Min(math.Max(y, math.Min(l.StartY, l.EndY)), math.Max(l.StartY, l.EndY))
}

// NamedSchedules are the predefined annealing curves.
var NamedSchedules = map[string]LinearSchedule{
	"a": {StartY: 0.001, EndY: 15, StartX: 0, EndX: 1e6},
	"b": {StartY: 5, EndY: 15, StartX: 2e5, EndX: 8e5},
	"c": {StartY: 5, EndY: 18, StartX: 2e5, EndX: 8e5},
	"d": {StartY: 5, EndY: 18, StartX: 1e6, EndX: 5e6},
}

// ParseBeta resolves a float literal to a constant schedule and a curve name
// to its LinearSchedule. constant reports which one it was.
func ParseBeta(s string) (sched Schedule, constant bool, err error) {
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return ConstantSchedule(v), true, nil
	}
	if l, ok := NamedSchedules[s]; ok {
		return l, false, nil
	}
	return nil, false, fmt.Errorf("beta %q is neither a number nor a known schedule (a, b, c, d)", s)
}
