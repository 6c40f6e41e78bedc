package ml

import (
	"gonum.org/v1/gonum/floats"
)

// Convolutions run sample by sample through im2col workspaces, keeping the
// matrix products on gonum. Activations are HWC-flattened rows.

// im2col fills l.patches from one input row.
func (l *Layer) im2col(x []float64) {
	s := l.Shape
	outW := s.OutWidth()
	pData := l.patches.data
	patch := s.PatchSize()

	for oh := 0; oh < s.OutHeight(); oh++ {
		for ow := 0; ow < outW; ow++ {
			row := pData[(oh*outW+ow)*patch : (oh*outW+ow+1)*patch]
			k := 0
			for kh := 0; kh < s.Kernel; kh++ {
				ih := oh*s.Stride + kh - s.Padding
				for kw := 0; kw < s.Kernel; kw++ {
					iw := ow*s.Stride + kw - s.Padding
					inside := ih >= 0 && ih < s.Height && iw >= 0 && iw < s.Width
					for c := 0; c < s.InChannels; c++ {
						if inside {
							row[k] = x[(ih*s.Width+iw)*s.InChannels+c]
						} else {
							row[k] = 0
						}
						k++
					}
				}
			}
		}
	}
}

// col2im accumulates l.dPatches into one input-gradient row.
func (l *Layer) col2im(dx []float64) {
	s := l.Shape
	outW := s.OutWidth()
	dData := l.dPatches.data
	patch := s.PatchSize()

	for oh := 0; oh < s.OutHeight(); oh++ {
		for ow := 0; ow < outW; ow++ {
			row := dData[(oh*outW+ow)*patch : (oh*outW+ow+1)*patch]
			k := 0
			for kh := 0; kh < s.Kernel; kh++ {
				ih := oh*s.Stride + kh - s.Padding
				for kw := 0; kw < s.Kernel; kw++ {
					iw := ow*s.Stride + kw - s.Padding
					inside := ih >= 0 && ih < s.Height && iw >= 0 && iw < s.Width
					for c := 0; c < s.InChannels; c++ {
						if inside {
							dx[(ih*s.Width+iw)*s.InChannels+c] += row[k]
						}
						k++
					}
				}
			}
		}
	}
}

func (l *Layer) convForward(input *Matrix) {
	for b := 0; b < input.rows; b++ {
		l.im2col(input.Row(b))
		MatMul(l.patches.dense, l.Weights.dense, l.zSample)
		l.zSample.AddVector(l.Biases)
		copy(l.Z.Row(b), l.zSample.data)
	}
}

func (l *Layer) convBackward(input, dInput *Matrix, grads GradientSet) {
	grads.dW.Reset()
	grads.db.Reset()
	dInput.Reset()

	// dW is accumulated per sample through a scratch product
	scratch := NewMatrix(grads.dW.rows, grads.dW.cols)
	outC := l.Shape.OutChannels

	for b := 0; b < input.rows; b++ {
		l.im2col(input.Row(b))
		copy(l.zSample.data, l.dZ.Row(b))

		MatMul(l.patches.dense.T(), l.zSample.dense, scratch)
		floats.Add(grads.dW.data, scratch.data)

		for p := 0; p < l.zSample.rows; p++ {
			floats.Add(grads.db.data, l.zSample.data[p*outC:(p+1)*outC])
		}

		MatMul(l.zSample.dense, l.Weights.dense.T(), l.dPatches)
		l.col2im(dInput.Row(b))
	}
}
