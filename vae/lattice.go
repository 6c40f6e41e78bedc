package vae

import (
	"github.com/golang/geo/r3"

	"github.com/b0tShaman/cryovae/ml"
	"github.com/b0tShaman/cryovae/so3"
)

// Lattice is the fixed (x, y, 0) grid the decoder is queried on. x and y are
// evenly spaced in [-1, 1) and x varies fastest.
type Lattice struct {
	Ny, Nx int
	points []r3.Vector
}

func NewLattice(ny, nx int) *Lattice {
	l := &Lattice{Ny: ny, Nx: nx, points: make([]r3.Vector, 0, ny*nx)}
	for i := 0; i < ny; i++ {
		y := -1 + 2*float64(i)/float64(ny)
		for j := 0; j < nx; j++ {
			x := -1 + 2*float64(j)/float64(nx)
			l.points = append(l.points, r3.Vector{X: x, Y: y})
		}
	}
	return l
}

func (l *Lattice) Len() int { return len(l.points) }

func (l *Lattice) Point(p int) r3.Vector { return l.points[p] }

// Transform writes (point + offset)·q for every point into the rows of dst.
func (l *Lattice) Transform(q so3.Mat3, offset r3.Vector, dst *ml.Matrix) {
	for p, pt := range l.points {
		c := q.RotateRow(pt.Add(offset))
		row := dst.Row(p)
		row[0], row[1], row[2] = c.X, c.Y, c.Z
	}
}

// GradQ maps dLoss/dcoords of an untranslated Transform back to dLoss/dq.
func (l *Lattice) GradQ(dCoords *ml.Matrix) so3.Mat3 {
	var g so3.Mat3
	for p, pt := range l.points {
		d := dCoords.Row(p)
		in := [3]float64{pt.X, pt.Y, pt.Z}
		for i := 0; i < 3; i++ {
			if in[i] == 0 {
				continue
			}
			for j := 0; j < 3; j++ {
				g[i][j] += in[i] * d[j]
			}
		}
	}
	return g
}
