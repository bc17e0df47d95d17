// Package terrain crops elevation rasters to the area a route can use and
// exposes the crop in window-local meters and as a device image.
package terrain

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"podroutes/internal/curve"
	"podroutes/internal/device"
)

var (
	ErrOutOfBounds = errors.New("terrain: outside the raster")
	ErrNoData      = errors.New("terrain: no elevation data")
)

// Window is a crop of a raster. Coordinates are meters from the crop's top
// left corner, x growing east and y growing with raster rows. A Window is
// immutable apart from its cached device image.
type Window struct {
	gt         GeoTransform // of the crop, origin at its top left cell
	w, h       int
	mx, my     float64
	data       []float32
	minZ, maxZ float64

	mu    sync.Mutex
	dev   device.Device
	image device.Image
}

// NewWindow crops r to the bounding box of start and dest grown by
// paddingDeg on every side and clamped to the raster.
func NewWindow(r Raster, start, dest LonLat, paddingDeg float64) (*Window, error) {
	rw, rh := r.Size()
	gt := r.Transform()
	for _, p := range []LonLat{start, dest} {
		px, py := gt.Pixel(p)
		if px < 0 || py < 0 || px >= float64(rw) || py >= float64(rh) {
			return nil, fmt.Errorf("%w: %s", ErrOutOfBounds, p)
		}
	}
	ax, ay := gt.Pixel(LonLat{math.Min(start.Lon, dest.Lon) - paddingDeg, math.Max(start.Lat, dest.Lat) + paddingDeg})
	bx, by := gt.Pixel(LonLat{math.Max(start.Lon, dest.Lon) + paddingDeg, math.Min(start.Lat, dest.Lat) - paddingDeg})
	x0 := clamp(int(math.Floor(math.Min(ax, bx))), 0, rw)
	x1 := clamp(int(math.Ceil(math.Max(ax, bx))), 0, rw)
	y0 := clamp(int(math.Floor(math.Min(ay, by))), 0, rh)
	y1 := clamp(int(math.Ceil(math.Max(ay, by))), 0, rh)
	w, h := x1-x0, y1-y0
	if w < 1 || h < 1 {
		return nil, fmt.Errorf("%w: empty crop", ErrOutOfBounds)
	}
	data := make([]float32, w*h)
	for y := 0; y < h; y++ {
		if err := r.ReadRow(y0+y, x0, data[y*w:(y+1)*w]); err != nil {
			return nil, fmt.Errorf("terrain: read row %d: %w", y0+y, err)
		}
	}
	origin := gt.LonLat(float64(x0), float64(y0))
	return newWindow(GeoTransform{OriginLon: origin.Lon, OriginLat: origin.Lat, PixelLon: gt.PixelLon, PixelLat: gt.PixelLat}, w, h, data)
}

// FlatWindow builds a window of constant elevation directly in meters, with
// its origin at 0,0 degrees.
func FlatWindow(widthM, heightM, cellM float64, elev float32) (*Window, error) {
	if widthM <= 0 || heightM <= 0 || cellM <= 0 {
		return nil, fmt.Errorf("terrain: flat window %gx%g cell %g", widthM, heightM, cellM)
	}
	deg := cellM / (EarthRadius * math.Pi / 180)
	w, h := int(math.Ceil(widthM/cellM))+1, int(math.Ceil(heightM/cellM))+1
	data := make([]float32, w*h)
	for i := range data {
		data[i] = elev
	}
	return newWindow(GeoTransform{PixelLon: deg, PixelLat: -deg}, w, h, data)
}

func newWindow(gt GeoTransform, w, h int, data []float32) (*Window, error) {
	win := &Window{gt: gt, w: w, h: h, data: data, minZ: math.Inf(1), maxZ: math.Inf(-1)}
	win.mx, win.my = gt.MetersPerPixel()
	for _, v := range data {
		z := float64(v)
		if math.Abs(z) >= NoData || math.IsNaN(z) {
			continue
		}
		win.minZ = math.Min(win.minZ, z)
		win.maxZ = math.Max(win.maxZ, z)
	}
	if math.IsInf(win.minZ, 1) {
		return nil, ErrNoData
	}
	return win, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (w *Window) Width() int              { return w.w }
func (w *Window) Height() int             { return w.h }
func (w *Window) WidthMeters() float64    { return float64(w.w) * w.mx }
func (w *Window) HeightMeters() float64   { return float64(w.h) * w.my }
func (w *Window) MinElevation() float64   { return w.minZ }
func (w *Window) MaxElevation() float64   { return w.maxZ }
func (w *Window) Transform() GeoTransform { return w.gt }

// CellSize returns meters per cell along x and y.
func (w *Window) CellSize() (float64, float64) { return w.mx, w.my }

// Elevations returns the crop, row-major. The slice must not be modified.
func (w *Window) Elevations() []float32 { return w.data }

// ElevationAt samples the ground bilinearly at window meters, clamped to the
// window edges.
func (w *Window) ElevationAt(x, y float64) float64 {
	t := device.Texture{W: w.w, H: w.h, Data: w.data}
	return t.Bilinear(x/w.mx, y/w.my)
}

// LonLatToMeters converts a coordinate to window meters.
func (w *Window) LonLatToMeters(p LonLat) (float64, float64) {
	px, py := w.gt.Pixel(p)
	return px * w.mx, py * w.my
}

// MetersToLonLat converts window meters to a coordinate.
func (w *Window) MetersToLonLat(x, y float64) LonLat {
	return w.gt.LonLat(x/w.mx, y/w.my)
}

// Contains reports whether window meters x, y lie inside the crop.
func (w *Window) Contains(x, y float64) bool {
	return x >= 0 && y >= 0 && x <= w.WidthMeters() && y <= w.HeightMeters()
}

// Locate returns p in window meters with the ground elevation as Z.
func (w *Window) Locate(p LonLat) (curve.Point, error) {
	x, y := w.LonLatToMeters(p)
	if !w.Contains(x, y) {
		return curve.Point{}, fmt.Errorf("%w: %s", ErrOutOfBounds, p)
	}
	z := w.ElevationAt(x, y)
	if math.Abs(z) >= NoData || math.IsNaN(z) {
		return curve.Point{}, fmt.Errorf("%w: at %s", ErrNoData, p)
	}
	return curve.Point{X: x, Y: y, Z: z}, nil
}

// Image uploads the crop to dev on first use and returns the cached image
// afterwards.
func (w *Window) Image(ctx context.Context, dev device.Device) (device.Image, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.image != nil && w.dev == dev {
		return w.image, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, err := dev.NewImage(w.w, w.h, w.data)
	if err != nil {
		return nil, fmt.Errorf("terrain: upload: %w", err)
	}
	if w.image != nil {
		w.dev.Release(w.image)
	}
	w.dev, w.image = dev, img
	return img, nil
}

// ReleaseImage frees the cached device image, if any.
func (w *Window) ReleaseImage() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.image != nil {
		w.dev.Release(w.image)
		w.dev, w.image = nil, nil
	}
}
