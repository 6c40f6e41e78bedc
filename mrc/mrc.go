// Package mrc reads and writes MRC2014 density maps and image stacks.
package mrc

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const headerSize = 1024

// Data modes
const (
	ModeInt8    int32 = 0
	ModeInt16   int32 = 1
	ModeFloat32 int32 = 2
	ModeUint16  int32 = 6
)

// Header is the fixed 1024-byte MRC2014 header.
type Header struct {
	Nx, Ny, Nz                int32
	Mode                      int32
	NxStart, NyStart, NzStart int32
	Mx, My, Mz                int32
	CellA                     [3]float32 // cell size in Å
	CellB                     [3]float32 // cell angles
	MapC, MapR, MapS          int32
	DMin, DMax, DMean         float32
	ISpg                      int32
	NSymBt                    int32 // extended header length
	Extra                     [100]byte
	Origin                    [3]float32
	Map                       [4]byte
	MachSt                    [4]byte
	RMS                       float32
	NLabl                     int32
	Labels                    [10][80]byte
}

// Map is a decoded file: Nz sections of Ny rows of Nx values, x fastest.
type Map struct {
	Header Header
	Data   []float64
}

func (h *Header) byteOrder() binary.ByteOrder {
	if h.MachSt[0] == 0x11 {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// Apix is the pixel size in Å, 0 when the header has no cell.
func (h *Header) Apix() float64 {
	if h.Mx == 0 {
		return 0
	}
	return float64(h.CellA[0]) / float64(h.Mx)
}

// SetApix rescales the cell so the pixel size becomes apix.
func (h *Header) SetApix(apix float64) {
	h.CellA = [3]float32{
		float32(apix * float64(h.Mx)),
		float32(apix * float64(h.My)),
		float32(apix * float64(h.Mz)),
	}
}

// NewHeader builds a float32 header for an nz x ny x nx map.
func NewHeader(nz, ny, nx int, apix float64) Header {
	h := Header{
		Nx: int32(nx), Ny: int32(ny), Nz: int32(nz),
		Mode: ModeFloat32,
		Mx:   int32(nx), My: int32(ny), Mz: int32(nz),
		CellB: [3]float32{90, 90, 90},
		MapC:  1, MapR: 2, MapS: 3,
		Map:    [4]byte{'M', 'A', 'P', ' '},
		MachSt: [4]byte{0x44, 0x44, 0, 0},
	}
	h.SetApix(apix)
	return h
}

func readHeader(r io.Reader) (Header, error) {
	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return Header{}, fmt.Errorf("reading header: %w", err)
	}
	var h Header
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &h); err != nil {
		return Header{}, err
	}
	if h.byteOrder() == binary.BigEndian {
		if err := binary.Read(bytes.NewReader(raw), binary.BigEndian, &h); err != nil {
			return Header{}, err
		}
	}
	if h.Nx <= 0 || h.Ny <= 0 || h.Nz <= 0 {
		return Header{}, fmt.Errorf("invalid dimensions %dx%dx%d", h.Nx, h.Ny, h.Nz)
	}
	if h.NSymBt < 0 {
		return Header{}, fmt.Errorf("invalid extended header length %d", h.NSymBt)
	}
	return h, nil
}

// bytesPerSample is the on-disk width of one value, 0 for unknown modes.
func bytesPerSample(mode int32) int64 {
	switch mode {
	case ModeInt8:
		return 1
	case ModeInt16, ModeUint16:
		return 2
	case ModeFloat32:
		return 4
	}
	return 0
}

// dataSize is the file length the header implies.
func dataSize(h Header) (int64, error) {
	width := bytesPerSample(h.Mode)
	if width == 0 {
		return 0, fmt.Errorf("unsupported data mode %d", h.Mode)
	}
	n := int64(h.Nx) * int64(h.Ny)
	if n > math.MaxInt64/int64(h.Nz) {
		return 0, fmt.Errorf("dimensions %dx%dx%d overflow", h.Nx, h.Ny, h.Nz)
	}
	n *= int64(h.Nz)
	if n > (math.MaxInt64-headerSize-int64(h.NSymBt))/width {
		return 0, fmt.Errorf("dimensions %dx%dx%d overflow", h.Nx, h.Ny, h.Nz)
	}
	return headerSize + int64(h.NSymBt) + n*width, nil
}

// Read loads a whole map or stack into memory.
func Read(path string) (*Map, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	r := bufio.NewReader(f)

	h, err := readHeader(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	want, err := dataSize(h)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if want > st.Size() {
		return nil, fmt.Errorf("%s: header needs %d bytes, file has %d", path, want, st.Size())
	}
	if _, err := io.CopyN(io.Discard, r, int64(h.NSymBt)); err != nil {
		return nil, fmt.Errorf("%s: skipping extended header: %w", path, err)
	}

	n := int(h.Nx) * int(h.Ny) * int(h.Nz)
	data := make([]float64, n)
	order := h.byteOrder()

	switch h.Mode {
	case ModeInt8:
		buf := make([]int8, n)
		err = binary.Read(r, order, buf)
		for i, v := range buf {
			data[i] = float64(v)
		}
	case ModeInt16:
		buf := make([]int16, n)
		err = binary.Read(r, order, buf)
		for i, v := range buf {
			data[i] = float64(v)
		}
	case ModeFloat32:
		buf := make([]float32, n)
		err = binary.Read(r, order, buf)
		for i, v := range buf {
			data[i] = float64(v)
		}
	case ModeUint16:
		buf := make([]uint16, n)
		err = binary.Read(r, order, buf)
		for i, v := range buf {
			data[i] = float64(v)
		}
	default:
		return nil, fmt.Errorf("%s: unsupported data mode %d", path, h.Mode)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: reading data: %w", path, err)
	}
	return &Map{Header: h, Data: data}, nil
}

// Write stores data as a float32 map. The file appears atomically.
func Write(path string, data []float64, nz, ny, nx int, apix float64) error {
	if len(data) != nz*ny*nx {
		return fmt.Errorf("data length %d does not match %dx%dx%d", len(data), nz, ny, nx)
	}
	h := NewHeader(nz, ny, nx, apix)
	mean, variance := stat.PopMeanVariance(data, nil)
	h.DMin = float32(floats.Min(data))
	h.DMax = float32(floats.Max(data))
	h.DMean = float32(mean)
	h.RMS = float32(math.Sqrt(variance))

	buf := make([]float32, len(data))
	for i, v := range data {
		buf[i] = float32(v)
	}
	return writeAtomic(path, func(w io.Writer) error {
		if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
			return err
		}
		return binary.Write(w, binary.LittleEndian, buf)
	})
}

// SetApix copies in to out with the pixel size set to apix, keeping the
// data and extended header. in is left untouched unless out is the same path.
func SetApix(in, out string, apix float64) error {
	src, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	h, err := readHeader(bytes.NewReader(src))
	if err != nil {
		return fmt.Errorf("%s: %w", in, err)
	}
	h.SetApix(apix)

	return writeAtomic(out, func(w io.Writer) error {
		if err := binary.Write(w, h.byteOrder(), &h); err != nil {
			return err
		}
		_, err := w.Write(src[headerSize:])
		return err
	})
}

// writeAtomic writes through a temp file in the target directory and
// renames it into place.
func writeAtomic(path string, fill func(io.Writer) error) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	w := bufio.NewWriter(tmp)
	if err = fill(w); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err = w.Flush(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
