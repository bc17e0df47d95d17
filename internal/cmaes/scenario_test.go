package cmaes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"podroutes/internal/curve"
	"podroutes/internal/device"
	"podroutes/internal/fitness"
	"podroutes/internal/terrain"
	"podroutes/internal/vehicle"
)

// Four free 2-D control points across a flat 10 km square at 100 m/s.
func TestFlatTenKilometers(t *testing.T) {
	host, err := device.NewHost(device.Options{Workers: 4}, nil)
	require.NoError(t, err)
	defer host.Close()
	win, err := terrain.FlatWindow(10000, 10000, 50, 0)
	require.NoError(t, err)
	pod := vehicle.Default()
	pod.MaxSpeed = 100

	start, dest := curve.Point{X: 0, Y: 5000}, curve.Point{X: 10000, Y: 5000}
	ev, err := fitness.NewEvaluator(device.NewArena(host), "flat", win, pod, fitness.Config{
		Weights:       fitness.Weights{Track: 1, Curve: 1, Grade: 1, Length: 1},
		GenomePoints:  4,
		Dims:          2,
		MinEvalPoints: 50,
		MaxEvalPoints: 400,
	}, start, dest)
	require.NoError(t, err)
	require.NoError(t, ev.Prepare(context.Background()))
	defer ev.Release()

	mean := make([]float64, 0, 8)
	for i := 1; i <= 4; i++ {
		mean = append(mean, 2000*float64(i)+200, 5000-300)
	}
	p := newPop(t, Options{Mean: mean, Sigma: 300, Lambda: 20, Mu: 10, SampleThreads: 2, Seed: 2024})
	require.Equal(t, 8, ev.GenomeSize())

	for i := 0; i < 50; i++ {
		_, err := p.EvaluateAndEvolve(context.Background(), ev)
		require.NoError(t, err)
	}
	hist := p.History()
	for i := 1; i < len(hist); i++ {
		assert.LessOrEqual(t, hist[i].BestSoFar, hist[i-1].BestSoFar)
	}

	pts, _ := ev.Trace(p.Solution())
	d := curve.Dist(start, dest)
	assert.InEpsilon(t, d, curve.Length(pts), 0.01)

	tt := pod.TravelTime(pts)
	assert.GreaterOrEqual(t, tt, d/pod.MaxSpeed)
	assert.LessOrEqual(t, tt, d/pod.MaxSpeed+pod.MaxSpeed/pod.Accel+1)
}
