package vehicle

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"podroutes/internal/curve"
)

func straight(length float64, n int) []curve.Point {
	pts := make([]curve.Point, n)
	for i := range pts {
		pts[i] = curve.Point{X: length * float64(i) / float64(n-1)}
	}
	return pts
}

func TestTravelTimeStraight(t *testing.T) {
	p := Default()
	p.MaxSpeed = 100
	pts := straight(10000, 1001)

	v := p.Velocities(pts)
	require.Len(t, v, len(pts))
	assert.Equal(t, 0.0, v[0])
	assert.Equal(t, 0.0, v[len(v)-1])
	assert.InDelta(t, 100, v[500], 1e-9)
	for _, s := range v {
		assert.LessOrEqual(t, s, p.MaxSpeed)
	}

	// trapezoidal profile: cruise time plus half the ramp time at each end
	want := 10000/p.MaxSpeed + p.MaxSpeed/(2*p.Accel) + p.MaxSpeed/(2*p.Decel)
	assert.InDelta(t, want, p.TravelTime(pts), 0.05)
}

func TestTravelTimeShortRouteNeverCruises(t *testing.T) {
	p := Default()
	pts := straight(1000, 201)
	v := p.Velocities(pts)
	peak := 0.0
	for _, s := range v {
		peak = math.Max(peak, s)
	}
	assert.Less(t, peak, p.MaxSpeed)
	// symmetric accel/decel: triangle profile
	want := 2 * math.Sqrt(1000/p.Accel)
	assert.InDelta(t, want, p.TravelTime(pts), 0.05)
}

func TestPenalties(t *testing.T) {
	p := Default()
	flat := straight(5000, 51)
	assert.Equal(t, 0.0, p.GradePenalty(flat))
	assert.Equal(t, 0.0, p.CurvePenalty(flat))

	steep := []curve.Point{{X: 0}, {X: 100, Z: 12}}
	assert.InDelta(t, 1.0, p.GradePenalty(steep), 1e-9)

	// tight circle, radius far below the full-speed minimum
	var circle []curve.Point
	for i := 0; i <= 20; i++ {
		a := float64(i) * 0.05
		circle = append(circle, curve.Point{X: 500 * math.Cos(a), Y: 500 * math.Sin(a)})
	}
	assert.InDelta(t, p.MinCurveRadius()/500-1, p.CurvePenalty(circle), 1e-6)

	v := p.Velocities(circle)
	for _, s := range v {
		assert.LessOrEqual(t, s, math.Sqrt(p.LateralAccel*500)+1e-6)
	}
}
