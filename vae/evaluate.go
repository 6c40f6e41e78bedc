package vae

import (
	"github.com/golang/geo/r3"

	"github.com/b0tShaman/cryovae/data"
	"github.com/b0tShaman/cryovae/hartley"
	"github.com/b0tShaman/cryovae/ml"
	"github.com/b0tShaman/cryovae/so3"
)

// Renderer is the decoder side of a model.
type Renderer interface {
	SetMode(Mode) Mode
	Decode(coords *ml.Matrix) (*ml.Matrix, error)
}

// EvalVolume renders nz slices of the Fourier volume, one ny·nx decoder pass
// each at z evenly spaced in [-1, 1), denormalises them and inverts the
// Hartley transform. The renderer is in Evaluating mode for the duration and
// gets its previous mode back on return.
func EvalVolume(r Renderer, lat *Lattice, nz int, norm data.Norm) (density, fourier []float64, err error) {
	prev := r.SetMode(Evaluating)
	defer r.SetMode(prev)

	slice := lat.Len()
	fourier = make([]float64, nz*slice)
	coords := ml.NewMatrix(slice, 3)

	for i := 0; i < nz; i++ {
		z := -1 + 2*float64(i)/float64(nz)
		lat.Transform(so3.Identity(), r3.Vector{Z: z}, coords)

		out, err := r.Decode(coords)
		if err != nil {
			return nil, nil, err
		}
		dst := fourier[i*slice : (i+1)*slice]
		for p, v := range out.Data() {
			dst[p] = norm.Invert(v)
		}
	}
	return hartley.IHTNCenter(fourier, nz, lat.Ny, lat.Nx), fourier, nil
}
