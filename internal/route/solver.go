package route

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"podroutes/internal/cmaes"
	"podroutes/internal/config"
	"podroutes/internal/curve"
	"podroutes/internal/device"
	"podroutes/internal/fitness"
	"podroutes/internal/terrain"
	"podroutes/internal/vehicle"
)

// lengthToGenome maps sqrt(route meters) to free control points.
const (
	lengthToGenome = 0.04
	minGenome      = 2
	maxGenome      = 30
	// maxPathSamples bounds the per-generation paths kept in a result.
	maxPathSamples = 64
)

// Runner computes one route. onGeneration is called from the solving
// goroutine after every generation.
type Runner interface {
	Solve(ctx context.Context, id string, req Request, onGeneration func(Update)) (*Result, error)
}

// Solver runs jobs against one raster and one shared device.
type Solver struct {
	cfg    config.Config
	raster terrain.Raster
	arena  *device.Arena
	logger *zap.Logger
}

func NewSolver(cfg config.Config, arena *device.Arena, raster terrain.Raster, logger *zap.Logger) *Solver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Solver{cfg: cfg, raster: raster, arena: arena, logger: logger}
}

// GenomePoints returns the free control points for a route of d meters.
func (s *Solver) GenomePoints(d float64) int {
	if k := s.cfg.Population.GenomePoints; k > 0 {
		return k
	}
	k := int(math.Round(math.Sqrt(d) * lengthToGenome))
	if k < minGenome {
		k = minGenome
	}
	if k > maxGenome {
		k = maxGenome
	}
	return k
}

// Solve crops the terrain, searches until a stopping rule fires and builds the
// result from the best genome. Device buffers and sample generators are
// released before it returns, whatever the outcome.
func (s *Solver) Solve(ctx context.Context, id string, req Request, onGeneration func(Update)) (*Result, error) {
	begin := time.Now()
	log := s.logger.With(zap.String("job", id))
	if err := req.Validate(); err != nil {
		return nil, err
	}
	pc := s.cfg.Population
	win, err := terrain.NewWindow(s.raster, req.Start, req.Dest, s.cfg.Terrain.Padding)
	if err != nil {
		return nil, err
	}
	start, err := win.Locate(req.Start)
	if err != nil {
		return nil, err
	}
	dest, err := win.Locate(req.Dest)
	if err != nil {
		return nil, err
	}

	k := s.GenomePoints(curve.Dist(start, dest))
	pod := s.cfg.Pod()
	ev, err := fitness.NewEvaluator(s.arena, id, win, pod, fitness.Config{
		Weights:       s.cfg.Weights(),
		GenomePoints:  k,
		Dims:          pc.Dims,
		MinEvalPoints: pc.MinEvalPoints,
		MaxEvalPoints: pc.MaxEvalPoints,
	}, start, dest)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	defer ev.Release()
	if err := ev.Prepare(ctx); err != nil {
		return nil, err
	}

	lambda := req.PopulationSize
	if lambda == 0 {
		lambda = s.cfg.Routes.PopulationSize
	}
	budget := req.Generations
	if budget == 0 {
		budget = s.cfg.Routes.NumGenerations
	}
	mean, scales := s.initial(start, dest, k, win)
	pop, err := cmaes.New(cmaes.Options{
		Mean:          mean,
		Sigma:         pc.InitialSigmaXY,
		Scales:        scales,
		Lambda:        lambda,
		Mu:            s.cfg.Parents(lambda),
		StepDampening: pc.StepDampening,
		Alpha:         pc.Alpha,
		SampleThreads: pc.NumSampleThreads,
		Seed:          req.Seed,
		Logger:        log,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	defer pop.Close()

	log.Info("route search started",
		zap.Int("genome_points", k), zap.Int("eval_points", ev.EvalPoints()),
		zap.Int("lambda", lambda), zap.Int("generations", budget),
		zap.Float64("straight_m", ev.StraightDistance()))

	searchStart := time.Now()
	res := &Result{Start: req.Start, Dest: req.Dest, StraightDistance: ev.StraightDistance()}
	stall := 0
	for gen := 0; gen < budget; gen++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCancelled, err)
		}
		prog, err := pop.EvaluateAndEvolve(ctx, ev)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %w", ErrCancelled, err)
			}
			return nil, err
		}
		s.record(res, pop, ev, win)
		if onGeneration != nil {
			imp := prog.Improvement
			if math.IsInf(imp, 0) {
				imp = 0
			}
			onGeneration(Update{Generation: prog.Generation, Best: prog.Best.Costs, Sigma: prog.Sigma, Improvement: imp})
		}

		if prog.Improvement > pc.ImproveTol {
			stall = 0
		} else {
			stall++
		}
		switch {
		case prog.Sigma < pc.SigmaTol:
			res.StopReason = "sigma"
		case pc.StallGenerations > 0 && stall >= pc.StallGenerations:
			res.StopReason = "stalled"
		}
		if res.StopReason != "" {
			break
		}
	}
	if res.StopReason == "" {
		res.StopReason = "generations"
	}

	best, ok := pop.Best()
	if !ok {
		return nil, fmt.Errorf("%w: no generation completed", ErrInvalidRequest)
	}
	s.summarize(res, ev, win, pod, best)
	search := time.Since(searchStart)
	res.Timing = Timing{
		SetupSeconds:  searchStart.Sub(begin).Seconds(),
		SearchSeconds: search.Seconds(),
		TotalSeconds:  time.Since(begin).Seconds(),
		Generations:   pop.Generation(),
	}
	if g := pop.Generation(); g > 0 {
		res.Timing.SecondsPerGeneration = search.Seconds() / float64(g)
	}
	log.Info("route search finished",
		zap.String("stop", res.StopReason), zap.Int("generations", pop.Generation()),
		zap.Float64("total_cost", best.Costs.Total), zap.Float64("time_s", res.Time),
		zap.Duration("elapsed", time.Since(begin)))
	return res, nil
}

// initial spaces the control points evenly on the straight line and spreads
// them by initial-sigma-xy horizontally and by the elevation range over
// initial-sigma-divisor vertically.
func (s *Solver) initial(start, dest curve.Point, k int, win *terrain.Window) ([]float64, []float64) {
	pc := s.cfg.Population
	zScale := (win.MaxElevation() - win.MinElevation()) / pc.InitialSigmaDivisor
	if zScale < 1 {
		zScale = 1
	}
	dir := dest.Sub(start)
	mean := make([]float64, 0, k*pc.Dims)
	scales := make([]float64, 0, k*pc.Dims)
	for i := 1; i <= k; i++ {
		p := start.Add(dir.Scale(float64(i) / float64(k+1)))
		mean = append(mean, p.X, p.Y)
		scales = append(scales, pc.InitialSigmaXY, pc.InitialSigmaXY)
		if pc.Dims == 3 {
			mean = append(mean, p.Z)
			scales = append(scales, zScale)
		}
	}
	return mean, scales
}

// record appends the generation's statistics and its best path.
func (s *Solver) record(res *Result, pop *cmaes.Population, ev *fitness.Evaluator, win *terrain.Window) {
	hist := pop.History()
	if len(hist) == 0 {
		return
	}
	st := hist[len(hist)-1]
	res.Fitness = append(res.Fitness, FitnessPoint{
		Generation: st.Generation,
		Best:       st.Best.Total,
		Mean:       st.Mean.Total,
		Track:      st.Best.Track,
		Curve:      st.Best.Curve,
		Grade:      st.Best.Grade,
		Length:     st.Best.Length,
		Sigma:      st.Sigma,
	})
	ind, ok := pop.Individual(0)
	if !ok {
		return
	}
	pts, _ := ev.Trace(ind.Genome)
	gp := GenerationPath{Generation: st.Generation}
	for _, c := range ev.Decode(ind.Genome) {
		gp.Controls = append(gp.Controls, win.MetersToLonLat(c.X, c.Y))
	}
	step := (len(pts) + maxPathSamples - 1) / maxPathSamples
	if step < 1 {
		step = 1
	}
	for i := 0; i < len(pts); i += step {
		gp.Path = append(gp.Path, win.MetersToLonLat(pts[i].X, pts[i].Y))
	}
	if last := pts[len(pts)-1]; (len(pts)-1)%step != 0 {
		gp.Path = append(gp.Path, win.MetersToLonLat(last.X, last.Y))
	}
	res.Generations = append(res.Generations, gp)
}

// summarize fills the path and profiles of the best individual.
func (s *Solver) summarize(res *Result, ev *fitness.Evaluator, win *terrain.Window, pod vehicle.Pod, best cmaes.Individual) {
	pts, ground := ev.Trace(best.Genome)
	speeds := pod.Velocities(pts)
	dist := curve.LengthMap(pts)

	res.Costs = best.Costs
	res.Distance = dist[len(dist)-1]
	res.Time = pod.TravelTime(pts)
	for _, c := range ev.Decode(best.Genome) {
		ll := win.MetersToLonLat(c.X, c.Y)
		res.Controls = append(res.Controls, PathPoint{Lon: ll.Lon, Lat: ll.Lat, Elevation: c.Z})
	}
	res.Path = make([]PathPoint, len(pts))
	res.Elevations = make([]XY, len(pts))
	res.GroundElevations = make([]XY, len(pts))
	res.Speeds = make([]XY, len(pts))
	for i, p := range pts {
		ll := win.MetersToLonLat(p.X, p.Y)
		res.Path[i] = PathPoint{Lon: ll.Lon, Lat: ll.Lat, Elevation: p.Z}
		res.Elevations[i] = XY{X: dist[i], Y: p.Z}
		res.GroundElevations[i] = XY{X: dist[i], Y: ground[i]}
		res.Speeds[i] = XY{X: dist[i], Y: speeds[i]}
	}
}
