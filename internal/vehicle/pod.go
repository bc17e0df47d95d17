// Package vehicle models the pod that travels a route: its speed limits and
// the travel time and penalties they imply for a sampled path.
package vehicle

import (
	"math"

	"podroutes/internal/curve"
)

// G is standard gravity in m/s^2.
const G = 9.81

// Pod holds the physical limits of the vehicle.
type Pod struct {
	MaxSpeed        float64 // m/s
	Accel           float64 // launch acceleration, m/s^2
	Decel           float64 // braking deceleration, m/s^2
	LateralAccel    float64 // max centripetal acceleration in curves, m/s^2
	MaxGrade        float64 // rise over run
	ExcavationDepth float64 // meters the track may sit above or below ground for free
}

// Default returns the reference pod.
func Default() Pod {
	return Pod{
		MaxSpeed:        339.75,
		Accel:           G,
		Decel:           G,
		LateralAccel:    G,
		MaxGrade:        0.06,
		ExcavationDepth: 10,
	}
}

// MinCurveRadius is the smallest radius that can be taken at full speed.
func (p Pod) MinCurveRadius() float64 {
	return p.MaxSpeed * p.MaxSpeed / p.LateralAccel
}

// Velocities returns the speed at every point, starting and ending at rest and
// never exceeding the max speed, the curvature limit or the accel/decel limits.
func (p Pod) Velocities(points []curve.Point) []float64 {
	n := len(points)
	v := make([]float64, n)
	if n < 2 {
		return v
	}
	limit := make([]float64, n)
	for i := 1; i < n-1; i++ {
		limit[i] = p.MaxSpeed
		r := curve.RadiusOfCurvature(points[i-1], points[i], points[i+1])
		if c := math.Sqrt(p.LateralAccel * r); c < limit[i] {
			limit[i] = c
		}
	}
	// forward: accelerate from rest
	for i := 1; i < n; i++ {
		ds := curve.Dist(points[i-1], points[i])
		v[i] = math.Min(limit[i], math.Sqrt(v[i-1]*v[i-1]+2*p.Accel*ds))
	}
	// backward: brake to rest
	for i := n - 2; i >= 0; i-- {
		ds := curve.Dist(points[i], points[i+1])
		v[i] = math.Min(v[i], math.Sqrt(v[i+1]*v[i+1]+2*p.Decel*ds))
	}
	return v
}

// TravelTime integrates the velocity profile over the path, assuming constant
// acceleration between neighbouring points.
func (p Pod) TravelTime(points []curve.Point) float64 {
	return TimeFor(points, p.Velocities(points))
}

// TimeFor integrates a precomputed velocity profile over the path.
func TimeFor(points []curve.Point, v []float64) float64 {
	t := 0.0
	for i := 1; i < len(points); i++ {
		ds := curve.Dist(points[i-1], points[i])
		if avg := v[i-1] + v[i]; avg > 0 {
			t += 2 * ds / avg
		}
	}
	return t
}

// GradePenalty is the mean excess grade above MaxGrade, relative to MaxGrade.
func (p Pod) GradePenalty(points []curve.Point) float64 {
	if len(points) < 2 || p.MaxGrade <= 0 {
		return 0
	}
	total := 0.0
	for i := 1; i < len(points); i++ {
		d := points[i].Sub(points[i-1])
		h := math.Hypot(d.X, d.Y)
		if h <= 0 {
			continue
		}
		if g := math.Abs(d.Z) / h; g > p.MaxGrade {
			total += (g - p.MaxGrade) / p.MaxGrade
		}
	}
	return total / float64(len(points)-1)
}

// CurvePenalty is the mean amount by which MinCurveRadius exceeds the local
// radius of curvature, relative to the local radius.
func (p Pod) CurvePenalty(points []curve.Point) float64 {
	if len(points) < 3 {
		return 0
	}
	minR := p.MinCurveRadius()
	total := 0.0
	for i := 1; i < len(points)-1; i++ {
		r := curve.RadiusOfCurvature(points[i-1], points[i], points[i+1])
		if ratio := minR / r; ratio > 1 {
			total += ratio - 1
		}
	}
	return total / float64(len(points)-2)
}
