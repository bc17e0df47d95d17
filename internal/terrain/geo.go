package terrain

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	// EarthRadius is the equatorial radius used for degree to meter conversion.
	EarthRadius = 6378137.0
	// RoutePadding is the default margin in degrees around the endpoints.
	RoutePadding = 0.1
	// NoData marks elevations that cannot be real terrain.
	NoData = 1e6
)

// LonLat is a geographic coordinate in degrees.
type LonLat struct {
	Lon float64 `json:"lon"`
	Lat float64 `json:"lat"`
}

func (p LonLat) String() string {
	return strconv.FormatFloat(p.Lon, 'f', -1, 64) + "," + strconv.FormatFloat(p.Lat, 'f', -1, 64)
}

// Valid reports whether p lies on the globe.
func (p LonLat) Valid() bool {
	return p.Lon >= -180 && p.Lon <= 180 && p.Lat >= -90 && p.Lat <= 90 &&
		!math.IsNaN(p.Lon) && !math.IsNaN(p.Lat)
}

// ParseLonLat parses "lon,lat".
func ParseLonLat(s string) (LonLat, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 2 {
		return LonLat{}, fmt.Errorf("terrain: %q is not lon,lat", s)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return LonLat{}, fmt.Errorf("terrain: bad longitude %q", parts[0])
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return LonLat{}, fmt.Errorf("terrain: bad latitude %q", parts[1])
	}
	p := LonLat{Lon: lon, Lat: lat}
	if !p.Valid() {
		return LonLat{}, fmt.Errorf("terrain: %s is off the globe", p)
	}
	return p, nil
}

// GreatCircle returns the haversine distance between a and b in meters.
func GreatCircle(a, b LonLat) float64 {
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * EarthRadius * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// GeoTransform maps raster cells to degrees. PixelLat is negative for
// north-up rasters.
type GeoTransform struct {
	OriginLon float64
	OriginLat float64
	PixelLon  float64
	PixelLat  float64
}

// MetersPerPixel returns the x and y cell size in meters.
func (g GeoTransform) MetersPerPixel() (float64, float64) {
	k := EarthRadius * math.Pi / 180
	return k * math.Abs(g.PixelLon), k * math.Abs(g.PixelLat)
}

// Pixel returns the (fractional) cell containing p.
func (g GeoTransform) Pixel(p LonLat) (float64, float64) {
	return (p.Lon - g.OriginLon) / g.PixelLon, (p.Lat - g.OriginLat) / g.PixelLat
}

// LonLat returns the coordinate of cell (x, y).
func (g GeoTransform) LonLat(x, y float64) LonLat {
	return LonLat{Lon: g.OriginLon + x*g.PixelLon, Lat: g.OriginLat + y*g.PixelLat}
}
