// Package curve maps control points to sampled Bezier paths.
package curve

import (
	"math"
	"sync"
)

// Point is a position in window-local meters. Z is the track elevation.
type Point struct {
	X, Y, Z float64
}

func (p Point) Sub(q Point) Point     { return Point{p.X - q.X, p.Y - q.Y, p.Z - q.Z} }
func (p Point) Add(q Point) Point     { return Point{p.X + q.X, p.Y + q.Y, p.Z + q.Z} }
func (p Point) Scale(s float64) Point { return Point{p.X * s, p.Y * s, p.Z * s} }
func (p Point) Norm() float64         { return math.Sqrt(p.X*p.X + p.Y*p.Y + p.Z*p.Z) }

// Dist returns the euclidean distance between p and q.
func Dist(p, q Point) float64 { return p.Sub(q).Norm() }

var (
	binomMu sync.Mutex
	binoms  = map[int][]float64{}
)

// Binomials returns the binomial coefficients C(degree, i) for i in [0, degree].
// Results are cached per degree and must not be modified by callers.
func Binomials(degree int) []float64 {
	if degree < 0 {
		return nil
	}
	binomMu.Lock()
	defer binomMu.Unlock()
	if b, ok := binoms[degree]; ok {
		return b
	}
	// Pascal's triangle keeps large degrees exact enough where factorials overflow.
	row := []float64{1}
	for n := 1; n <= degree; n++ {
		next := make([]float64, n+1)
		next[0], next[n] = 1, 1
		for i := 1; i < n; i++ {
			next[i] = row[i-1] + row[i]
		}
		row = next
	}
	binoms[degree] = row
	return row
}

// Evaluate returns the point at parameter s in [0,1] on the curve defined by ctrl.
func Evaluate(ctrl []Point, s float64) Point {
	if len(ctrl) == 0 {
		return Point{}
	}
	return evaluate(ctrl, s, Binomials(len(ctrl)-1))
}

// EvaluateWith is Evaluate with a caller-supplied binomial table.
func EvaluateWith(ctrl []Point, s float64, binom []float64) Point {
	return evaluate(ctrl, s, binom)
}

func evaluate(ctrl []Point, s float64, binom []float64) Point {
	degree := len(ctrl) - 1
	oneMinus := 1 - s
	var out Point
	for i, c := range ctrl {
		w := math.Pow(oneMinus, float64(degree-i)) * math.Pow(s, float64(i)) * binom[i]
		out.X += c.X * w
		out.Y += c.Y * w
		out.Z += c.Z * w
	}
	return out
}

// Sample evaluates n evenly spaced parameters, including both endpoints.
func Sample(ctrl []Point, n int) []Point {
	if len(ctrl) == 0 || n <= 0 {
		return nil
	}
	binom := Binomials(len(ctrl) - 1)
	out := make([]Point, n)
	if n == 1 {
		out[0] = ctrl[0]
		return out
	}
	for i := range out {
		out[i] = evaluate(ctrl, float64(i)/float64(n-1), binom)
	}
	return out
}

// Length is the polyline length through points.
func Length(points []Point) float64 {
	total := 0.0
	for i := 1; i < len(points); i++ {
		total += Dist(points[i-1], points[i])
	}
	return total
}

// LengthMap returns the cumulative arc length at every point; out[0] is 0.
func LengthMap(points []Point) []float64 {
	out := make([]float64, len(points))
	for i := 1; i < len(points); i++ {
		out[i] = out[i-1] + Dist(points[i-1], points[i])
	}
	return out
}

// RadiusOfCurvature returns the circumradius through three points, +Inf when
// they are collinear or coincident.
func RadiusOfCurvature(p0, p1, p2 Point) float64 {
	a := Dist(p0, p1)
	b := Dist(p1, p2)
	c := Dist(p0, p2)
	u := p1.Sub(p0)
	v := p2.Sub(p0)
	cross := Point{u.Y*v.Z - u.Z*v.Y, u.Z*v.X - u.X*v.Z, u.X*v.Y - u.Y*v.X}
	area2 := cross.Norm()
	if area2 < 1e-12 {
		return math.Inf(1)
	}
	return a * b * c / (2 * area2)
}
