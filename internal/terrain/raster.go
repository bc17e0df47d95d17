package terrain

import (
	"fmt"
	"math"
)

// Raster is a single band elevation source.
type Raster interface {
	Size() (w, h int)
	Transform() GeoTransform
	ReadRow(y, x0 int, dst []float32) error
}

// Grid is an in-memory raster.
type Grid struct {
	w, h int
	gt   GeoTransform
	data []float32
}

// NewGrid wraps row-major data of w*h cells.
func NewGrid(w, h int, gt GeoTransform, data []float32) (*Grid, error) {
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("terrain: grid size %dx%d", w, h)
	}
	if len(data) != w*h {
		return nil, fmt.Errorf("terrain: grid %dx%d needs %d cells, got %d", w, h, w*h, len(data))
	}
	if gt.PixelLon == 0 || gt.PixelLat == 0 {
		return nil, fmt.Errorf("terrain: zero pixel size")
	}
	return &Grid{w: w, h: h, gt: gt, data: data}, nil
}

// NewFlat returns a grid at constant elevation.
func NewFlat(w, h int, gt GeoTransform, elev float32) (*Grid, error) {
	data := make([]float32, w*h)
	for i := range data {
		data[i] = elev
	}
	return NewGrid(w, h, gt, data)
}

func (g *Grid) Size() (int, int)        { return g.w, g.h }
func (g *Grid) Transform() GeoTransform { return g.gt }

func (g *Grid) ReadRow(y, x0 int, dst []float32) error {
	if y < 0 || y >= g.h || x0 < 0 || x0+len(dst) > g.w {
		return fmt.Errorf("%w: row %d [%d,%d)", ErrOutOfBounds, y, x0, x0+len(dst))
	}
	copy(dst, g.data[y*g.w+x0:])
	return nil
}

// NewHills returns a deterministic rolling terrain: base plus relief scaled
// sums of sines with wavelengths of a few hundred cells.
func NewHills(w, h int, gt GeoTransform, base, relief float32) (*Grid, error) {
	if w <= 0 || h <= 0 {
		return NewGrid(w, h, gt, nil)
	}
	data := make([]float32, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			fx, fy := float64(x), float64(y)
			v := 0.5*math.Sin(fx/97)*math.Cos(fy/131) +
				0.3*math.Sin((fx+fy)/211) +
				0.2*math.Cos(fx/53-fy/71)
			data[y*w+x] = base + relief*float32(v)
		}
	}
	return NewGrid(w, h, gt, data)
}
