package curve

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBinomials(t *testing.T) {
	assert.Equal(t, []float64{1, 4, 6, 4, 1}, Binomials(4))
	assert.Equal(t, []float64{1}, Binomials(0))

	b := Binomials(60)
	require.Len(t, b, 61)
	assert.InEpsilon(t, 1.1826458156486142e17, b[30], 1e-12)
	for i := range b {
		assert.Equal(t, b[i], b[60-i])
	}
	// cached slice is reused
	assert.Same(t, &Binomials(60)[0], &b[0])
}

func TestEvaluateEndpoints(t *testing.T) {
	ctrl := []Point{{0, 0, 0}, {100, 400, 5}, {300, -50, 0}, {1000, 0, 10}}
	assert.Equal(t, ctrl[0], Evaluate(ctrl, 0))
	end := Evaluate(ctrl, 1)
	assert.InDelta(t, 1000, end.X, 1e-9)
	assert.InDelta(t, 10, end.Z, 1e-9)
}

func TestSampleStraightLine(t *testing.T) {
	ctrl := []Point{{0, 0, 0}, {250, 0, 0}, {500, 0, 0}, {750, 0, 0}, {1000, 0, 0}}
	pts := Sample(ctrl, 101)
	require.Len(t, pts, 101)
	assert.InDelta(t, 1000, Length(pts), 1e-6)

	lm := LengthMap(pts)
	assert.Equal(t, 0.0, lm[0])
	assert.InDelta(t, 1000, lm[100], 1e-6)
	for i := 1; i < len(lm); i++ {
		assert.GreaterOrEqual(t, lm[i], lm[i-1])
	}
}

func TestRadiusOfCurvature(t *testing.T) {
	r := 250.0
	p0 := Point{r, 0, 0}
	p1 := Point{r * math.Cos(0.3), r * math.Sin(0.3), 0}
	p2 := Point{r * math.Cos(0.6), r * math.Sin(0.6), 0}
	assert.InDelta(t, r, RadiusOfCurvature(p0, p1, p2), 1e-6)

	assert.True(t, math.IsInf(RadiusOfCurvature(Point{}, Point{1, 1, 1}, Point{2, 2, 2}), 1))
}
