// Package viz renders training outputs as images: central slices of a
// volume, a z-stack movie and a loss chart.
package viz

import (
	"bufio"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"gonum.org/v1/gonum/floats"
)

// Grayscale maps a ny x nx row-major slice onto 0..255, black at the
// minimum. A flat slice renders mid-grey.
func Grayscale(img []float64, ny, nx int) *image.Gray {
	g := image.NewGray(image.Rect(0, 0, nx, ny))
	lo, hi := floats.Min(img), floats.Max(img)
	for y := 0; y < ny; y++ {
		for x := 0; x < nx; x++ {
			v := uint8(128)
			if hi > lo {
				v = uint8(255 * (img[y*nx+x] - lo) / (hi - lo))
			}
			g.SetGray(x, y, color.Gray{Y: v})
		}
	}
	return g
}

// Upscale resizes src to w x h with Catmull-Rom interpolation.
func Upscale(src image.Image, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Rect, src, src.Bounds(), draw.Over, nil)
	return dst
}

// CentralSlices returns the z, y and x central planes of a nz x ny x nx
// volume, each row-major, with their dimensions.
func CentralSlices(vol []float64, nz, ny, nx int) (planes [3][]float64, dims [3][2]int) {
	zc, yc, xc := nz/2, ny/2, nx/2

	planes[0] = append([]float64(nil), vol[zc*ny*nx:(zc+1)*ny*nx]...)
	dims[0] = [2]int{ny, nx}

	planes[1] = make([]float64, 0, nz*nx)
	for z := 0; z < nz; z++ {
		planes[1] = append(planes[1], vol[(z*ny+yc)*nx:(z*ny+yc+1)*nx]...)
	}
	dims[1] = [2]int{nz, nx}

	planes[2] = make([]float64, 0, nz*ny)
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			planes[2] = append(planes[2], vol[(z*ny+y)*nx+xc])
		}
	}
	dims[2] = [2]int{nz, ny}
	return planes, dims
}

// PreviewImage tiles the three central slices side by side, each scaled to
// size x size and labelled.
func PreviewImage(vol []float64, nz, ny, nx, size int) *image.RGBA {
	planes, dims := CentralSlices(vol, nz, ny, nx)
	out := image.NewRGBA(image.Rect(0, 0, 3*size, size))
	labels := [3]string{"z", "y", "x"}

	for i := range planes {
		tile := Upscale(Grayscale(planes[i], dims[i][0], dims[i][1]), size, size)
		r := image.Rect(i*size, 0, (i+1)*size, size)
		draw.Draw(out, r, tile, image.Point{}, draw.Src)
		label(out, i*size+4, 14, labels[i])
	}
	return out
}

func label(dst *image.RGBA, x, y int, s string) {
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(color.RGBA{R: 255, G: 200, A: 255}),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

// WritePreview saves PreviewImage as a PNG.
func WritePreview(path string, vol []float64, nz, ny, nx, size int) error {
	return writePNG(path, PreviewImage(vol, nz, ny, nx, size))
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := png.Encode(w, img); err != nil {
		f.Close()
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
