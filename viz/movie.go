package viz

import (
	"bytes"
	"fmt"
	"image/jpeg"

	"github.com/icza/mjpeg"
)

// WriteSliceMovie writes the z sections of a volume as an MJPEG AVI, one
// frame per section, scaled to size x size.
func WriteSliceMovie(path string, vol []float64, nz, ny, nx, size, fps int) (err error) {
	if len(vol) != nz*ny*nx {
		return fmt.Errorf("volume has %d voxels, want %d", len(vol), nz*ny*nx)
	}
	w, err := mjpeg.New(path, int32(size), int32(size), int32(fps))
	if err != nil {
		return fmt.Errorf("creating movie: %w", err)
	}
	defer func() {
		if cerr := w.Close(); err == nil {
			err = cerr
		}
	}()

	var buf bytes.Buffer
	opts := &jpeg.Options{Quality: 90}
	for z := 0; z < nz; z++ {
		frame := Upscale(Grayscale(vol[z*ny*nx:(z+1)*ny*nx], ny, nx), size, size)
		buf.Reset()
		if err := jpeg.Encode(&buf, frame, opts); err != nil {
			return err
		}
		if err := w.AddFrame(buf.Bytes()); err != nil {
			return err
		}
	}
	return nil
}
