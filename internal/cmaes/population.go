// Package cmaes is a covariance matrix adaptation evolution strategy over
// route genomes. A Population is driven by exactly one goroutine through
// EvaluateAndEvolve; its accessors return copies and may be called from any
// goroutine.
package cmaes

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"podroutes/internal/fitness"
	"podroutes/internal/metrics"
	"podroutes/internal/normal"
)

// ErrNumericalInstability is returned when the mean, step size or covariance
// stops being finite.
var ErrNumericalInstability = errors.New("cmaes: numerical instability")

// eigenFloor is the smallest eigenvalue kept, relative to the largest.
const eigenFloor = 1e-12

// Evaluator scores a batch of genomes. Costs are returned in genome order.
type Evaluator interface {
	Evaluate(ctx context.Context, genomes [][]float64) ([]fitness.Costs, error)
}

// Options configures a population.
type Options struct {
	Mean          []float64 // initial mean; its length is the genome size
	Sigma         float64   // initial step size
	Scales        []float64 // optional per-coordinate initial spread, same length as Mean
	Lambda        int       // population size
	Mu            int       // parents, 0 = Lambda/2
	StepDampening float64   // multiplies the step-size damping, 0 = 1
	Alpha         float64   // h_sigma threshold base, 0 = 1.4
	SampleThreads int       // sample generators, 0 = 1
	QueueSize     int       // draws buffered per generator, 0 = Lambda/SampleThreads+1
	Seed          int64     // 0 = time-derived
	Logger        *zap.Logger
}

// Individual is one evaluated genome.
type Individual struct {
	Genome []float64
	Costs  fitness.Costs
}

func (ind Individual) clone() Individual {
	ind.Genome = append([]float64(nil), ind.Genome...)
	return ind
}

// Stats summarizes one generation.
type Stats struct {
	Generation int
	Best       fitness.Costs // best of the generation
	Mean       fitness.Costs // mean over the generation
	BestSoFar  float64       // best total seen up to this generation
	Sigma      float64
}

// Progress is returned after every generation.
type Progress struct {
	Generation  int
	Best        Individual // best so far
	Sigma       float64
	Improvement float64 // decrease of the best total in this generation
}

// Population is the search state.
type Population struct {
	strategy
	logger *zap.Logger
	pool   *normal.Pool

	// owned by the driving goroutine
	xmean     []float64
	sigma     float64
	c         *mat.SymDense
	b         *mat.Dense
	d         []float64
	invSqrtC  *mat.Dense
	ps, pc    []float64
	lastEigen int

	mu          sync.RWMutex // guards the fields below for readers
	generation  int
	individuals []Individual
	best        Individual
	haveBest    bool
	improvement float64
	history     []Stats
	snapMean    []float64
	snapSigma   float64
	snapC       *mat.SymDense
	closeOnce   sync.Once
}

// New initializes a population around opts.Mean and starts its sample
// generators. Close must be called to stop them.
func New(opts Options) (*Population, error) {
	n := len(opts.Mean)
	if n == 0 {
		return nil, errors.New("cmaes: empty genome")
	}
	if opts.Lambda < 1 {
		return nil, fmt.Errorf("cmaes: population size %d", opts.Lambda)
	}
	mu := opts.Mu
	if mu == 0 {
		mu = opts.Lambda / 2
		if mu < 1 {
			mu = 1
		}
	}
	if mu < 1 || mu > opts.Lambda {
		return nil, fmt.Errorf("cmaes: need 1 <= mu <= lambda, got mu=%d lambda=%d", mu, opts.Lambda)
	}
	if !(opts.Sigma > 0) || math.IsInf(opts.Sigma, 0) {
		return nil, fmt.Errorf("cmaes: initial sigma %v", opts.Sigma)
	}
	if opts.Scales != nil && len(opts.Scales) != n {
		return nil, fmt.Errorf("cmaes: %d scales for a genome of %d", len(opts.Scales), n)
	}
	threads := opts.SampleThreads
	if threads < 1 {
		threads = 1
	}
	if threads > opts.Lambda {
		threads = opts.Lambda
	}
	queue := opts.QueueSize
	if queue < 1 {
		queue = opts.Lambda/threads + 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Population{
		strategy:    newStrategy(n, opts.Lambda, mu, opts.StepDampening, opts.Alpha),
		logger:      logger,
		xmean:       append([]float64(nil), opts.Mean...),
		sigma:       opts.Sigma,
		c:           mat.NewSymDense(n, nil),
		b:           mat.NewDense(n, n, nil),
		d:           make([]float64, n),
		invSqrtC:    mat.NewDense(n, n, nil),
		ps:          make([]float64, n),
		pc:          make([]float64, n),
		improvement: math.Inf(1),
	}
	for i := 0; i < n; i++ {
		di := 1.0
		if opts.Scales != nil {
			di = opts.Scales[i] / opts.Sigma
			if !(di > 0) || math.IsInf(di, 0) {
				return nil, fmt.Errorf("cmaes: scale %d is %v", i, opts.Scales[i])
			}
		}
		p.d[i] = di
		p.c.SetSym(i, i, di*di)
		p.b.Set(i, i, 1)
		p.invSqrtC.Set(i, i, 1/di)
	}
	p.publish()
	p.pool = normal.NewPool(threads, n, queue, opts.Seed)
	p.pool.Start()
	p.logger.Debug("population initialized",
		zap.Int("genome", n), zap.Int("lambda", opts.Lambda), zap.Int("mu", mu),
		zap.Float64("mueff", p.mueff), zap.Int("eigen_every", p.eigenEvery))
	return p, nil
}

// Close stops the sample generators. It is idempotent.
func (p *Population) Close() {
	p.closeOnce.Do(p.pool.Stop)
}

// Lambda returns the population size.
func (p *Population) Lambda() int { return p.lambda }

// Parents returns μ.
func (p *Population) Parents() int { return p.parents }

// Weights returns the recombination weights.
func (p *Population) Weights() []float64 { return append([]float64(nil), p.weights...) }

// sampler returns the current search distribution N(m, σ²·C) as m + σ·B·D·z.
func (p *Population) sampler() (*normal.MultiNormal, error) {
	n := p.n
	a := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			a.Set(i, j, p.sigma*p.b.At(i, j)*p.d[j])
		}
	}
	return normal.NewFromFactor(p.xmean, a)
}

// rank orders indices by total cost, lowest first; non-finite totals sort
// last and ties keep genome order.
func rank(costs []fitness.Costs) []int {
	idx := make([]int, len(costs))
	for i := range idx {
		idx[i] = i
	}
	key := func(i int) float64 { return costKey(costs[idx[i]].Total) }
	sort.SliceStable(idx, func(i, j int) bool { return key(i) < key(j) })
	return idx
}

// costKey orders a NaN total after every other cost.
func costKey(t float64) float64 {
	if math.IsNaN(t) {
		return math.Inf(1)
	}
	return t
}

// EvaluateAndEvolve runs one generation: sample λ genomes, evaluate them in
// one batch, select μ parents and update the mean, step size, evolution paths
// and covariance. Evaluation errors are returned unchanged.
func (p *Population) EvaluateAndEvolve(ctx context.Context, ev Evaluator) (Progress, error) {
	start := time.Now()
	dist, err := p.sampler()
	if err != nil {
		return Progress{}, fmt.Errorf("%w: %v", ErrNumericalInstability, err)
	}
	genomes := make([][]float64, p.lambda)
	if err := dist.GenerateRandomSamples(ctx, genomes, p.pool.Sources()...); err != nil {
		return Progress{}, err
	}
	costs, err := ev.Evaluate(ctx, genomes)
	if err != nil {
		return Progress{}, err
	}
	if len(costs) != len(genomes) {
		return Progress{}, fmt.Errorf("%w: %d costs for %d genomes", fitness.ErrEvaluationFailed, len(costs), len(genomes))
	}

	order := rank(costs)
	sorted := make([]Individual, p.lambda)
	for i, k := range order {
		sorted[i] = Individual{Genome: genomes[k], Costs: costs[k]}
	}
	if err := p.update(sorted); err != nil {
		return Progress{}, err
	}

	gen := p.generation + 1
	stats := Stats{Generation: gen, Best: sorted[0].Costs, Sigma: p.sigma}
	for _, ind := range sorted {
		stats.Mean.Total += ind.Costs.Total / float64(p.lambda)
		stats.Mean.Track += ind.Costs.Track / float64(p.lambda)
		stats.Mean.Curve += ind.Costs.Curve / float64(p.lambda)
		stats.Mean.Grade += ind.Costs.Grade / float64(p.lambda)
		stats.Mean.Length += ind.Costs.Length / float64(p.lambda)
	}

	p.mu.Lock()
	p.generation = gen
	p.individuals = sorted
	if !p.haveBest || costKey(sorted[0].Costs.Total) < costKey(p.best.Costs.Total) {
		if p.haveBest {
			// +Inf when the previous best was NaN
			p.improvement = costKey(p.best.Costs.Total) - sorted[0].Costs.Total
		}
		p.best = sorted[0].clone()
		p.haveBest = true
	} else {
		p.improvement = 0
	}
	stats.BestSoFar = p.best.Costs.Total
	p.history = append(p.history, stats)
	p.publishLocked()
	prog := Progress{Generation: gen, Best: p.best.clone(), Sigma: p.sigma, Improvement: p.improvement}
	p.mu.Unlock()

	metrics.GenerationDuration.Observe(time.Since(start).Seconds())
	return prog, nil
}

// update moves the distribution toward the μ best of sorted.
func (p *Population) update(sorted []Individual) error {
	n := p.n
	old := p.xmean
	mean := make([]float64, n)
	for i := 0; i < p.parents; i++ {
		w := p.weights[i]
		for j, v := range sorted[i].Genome {
			mean[j] += w * v
		}
	}
	y := make([]float64, n)
	for j := range y {
		y[j] = (mean[j] - old[j]) / p.sigma
	}

	// step-size path uses C^-1/2 · y
	var z mat.VecDense
	z.MulVec(p.invSqrtC, mat.NewVecDense(n, y))
	csn := math.Sqrt(p.cs * (2 - p.cs) * p.mueff)
	psNorm := 0.0
	for j := range p.ps {
		p.ps[j] = (1-p.cs)*p.ps[j] + csn*z.AtVec(j)
		psNorm += p.ps[j] * p.ps[j]
	}
	psNorm = math.Sqrt(psNorm)
	gen := float64(p.generation + 1)
	hsig := 0.0
	if psNorm/math.Sqrt(1-math.Pow(1-p.cs, 2*gen)) < p.hsigFactor*p.chiN {
		hsig = 1
	}
	ccn := math.Sqrt(p.cc * (2 - p.cc) * p.mueff)
	for j := range p.pc {
		p.pc[j] = (1-p.cc)*p.pc[j] + hsig*ccn*y[j]
	}

	// rank-one plus rank-μ update
	next := mat.NewSymDense(n, nil)
	keep := 1 - p.c1 - p.cmu + (1-hsig)*p.c1*p.cc*(2-p.cc)
	next.ScaleSym(keep, p.c)
	next.SymRankOne(next, p.c1, mat.NewVecDense(n, p.pc))
	art := make([]float64, n)
	for i := 0; i < p.parents; i++ {
		for j, v := range sorted[i].Genome {
			art[j] = (v - old[j]) / p.sigma
		}
		next.SymRankOne(next, p.cmu*p.weights[i], mat.NewVecDense(n, art))
	}

	sigma := p.sigma * math.Exp((p.cs/p.ds)*(psNorm/p.chiN-1))
	if !finite(mean...) || !finite(sigma) || !finite(p.ps...) || !finite(p.pc...) || !finiteSym(next) {
		return fmt.Errorf("%w: generation %d", ErrNumericalInstability, p.generation+1)
	}
	if sigma <= 0 {
		return fmt.Errorf("%w: step size collapsed at generation %d", ErrNumericalInstability, p.generation+1)
	}
	p.xmean, p.sigma, p.c = mean, sigma, next

	var ch mat.Cholesky
	due := p.generation+1-p.lastEigen >= p.eigenEvery
	if due || !ch.Factorize(p.c) {
		if err := p.refreshEigen(); err != nil {
			return err
		}
		p.lastEigen = p.generation + 1
	}
	return nil
}

// refreshEigen decomposes C into B·D²·Bᵀ, clamping eigenvalues that drifted
// below eigenFloor·max and rebuilding C from the clamped spectrum.
func (p *Population) refreshEigen() error {
	n := p.n
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, 0.5*(p.c.At(i, j)+p.c.At(j, i)))
		}
	}
	var es mat.EigenSym
	if !es.Factorize(sym, true) {
		return fmt.Errorf("%w: eigen decomposition failed", ErrNumericalInstability)
	}
	vals := es.Values(nil)
	maxV := 0.0
	for _, v := range vals {
		maxV = math.Max(maxV, v)
	}
	if !(maxV > 0) || math.IsInf(maxV, 0) {
		return fmt.Errorf("%w: covariance spectrum max %v", ErrNumericalInstability, maxV)
	}
	repaired := false
	for i, v := range vals {
		if v < eigenFloor*maxV {
			vals[i] = eigenFloor * maxV
			repaired = true
		}
	}
	var b mat.Dense
	es.VectorsTo(&b)
	p.b = &b
	for i, v := range vals {
		p.d[i] = math.Sqrt(v)
	}
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			c, inv := 0.0, 0.0
			for k := 0; k < n; k++ {
				bik, bjk := b.At(i, k), b.At(j, k)
				c += bik * vals[k] * bjk
				inv += bik * bjk / p.d[k]
			}
			sym.SetSym(i, j, c)
			p.invSqrtC.Set(i, j, inv)
			p.invSqrtC.Set(j, i, inv)
		}
	}
	if repaired {
		p.logger.Debug("covariance repaired", zap.Int("generation", p.generation+1))
	}
	p.c = sym
	return nil
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func finiteSym(s *mat.SymDense) bool {
	n := s.SymmetricDim()
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			if !finite(s.At(i, j)) {
				return false
			}
		}
	}
	return true
}

func (p *Population) publish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.publishLocked()
}

// publishLocked copies the distribution for readers. Callers hold p.mu.
func (p *Population) publishLocked() {
	p.snapMean = append([]float64(nil), p.xmean...)
	p.snapSigma = p.sigma
	p.snapC = mat.NewSymDense(p.n, nil)
	p.snapC.CopySym(p.c)
}

// Solution returns the best genome found so far, nil before the first
// generation.
func (p *Population) Solution() []float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.haveBest {
		return nil
	}
	return append([]float64(nil), p.best.Genome...)
}

// Best returns the best individual found so far.
func (p *Population) Best() (Individual, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.best.clone(), p.haveBest
}

// Individual returns the i-th best of the last generation.
func (p *Population) Individual(i int) (Individual, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if i < 0 || i >= len(p.individuals) {
		return Individual{}, false
	}
	return p.individuals[i].clone(), true
}

// Mean returns the distribution mean.
func (p *Population) Mean() []float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]float64(nil), p.snapMean...)
}

func (p *Population) Sigma() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapSigma
}

func (p *Population) Generation() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.generation
}

// Improvement is how much the best total dropped in the last generation,
// +Inf until two generations have run.
func (p *Population) Improvement() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.improvement
}

// History returns the per-generation statistics.
func (p *Population) History() []Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Stats(nil), p.history...)
}

// Covariance returns a copy of C.
func (p *Population) Covariance() *mat.SymDense {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c := mat.NewSymDense(p.n, nil)
	c.CopySym(p.snapC)
	return c
}
