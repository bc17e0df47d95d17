// Package fitness scores batches of route genomes on a compute device.
package fitness

import (
	"context"
	"errors"
	"fmt"
	"math"

	"podroutes/internal/curve"
	"podroutes/internal/device"
	"podroutes/internal/terrain"
	"podroutes/internal/vehicle"
)

// ErrEvaluationFailed wraps any failure to upload, dispatch or read back a
// batch.
var ErrEvaluationFailed = errors.New("fitness: evaluation failed")

const (
	// MetersPerPoint is the track length represented by one evaluated point.
	MetersPerPoint = 30.1867567568
	// MaxEvalPoints bounds the evaluated points per individual.
	MaxEvalPoints = 1000
)

// Weights combine the cost components into the total.
type Weights struct {
	Track  float64 `json:"track" yaml:"track"`
	Curve  float64 `json:"curve" yaml:"curve"`
	Grade  float64 `json:"grade" yaml:"grade"`
	Length float64 `json:"length" yaml:"length"`
}

// Costs of one individual. Lower is better.
type Costs struct {
	Total  float64 `json:"total"`
	Track  float64 `json:"track"`
	Curve  float64 `json:"curve"`
	Grade  float64 `json:"grade"`
	Length float64 `json:"length"`
}

// Config shapes the genome and the evaluation.
type Config struct {
	Weights       Weights
	GenomePoints  int // free control points between start and dest
	Dims          int // 2: x,y with the track on the ground; 3: x,y,z
	MinEvalPoints int
	MaxEvalPoints int
}

// NumEvalPoints picks one evaluated point per MetersPerPoint along the
// longer side of the window, clamped to [lo, hi].
func NumEvalPoints(win *terrain.Window, lo, hi int) int {
	if hi <= 0 || hi > MaxEvalPoints {
		hi = MaxEvalPoints
	}
	if lo < 3 {
		lo = 3
	}
	n := int(math.Ceil(math.Max(win.WidthMeters(), win.HeightMeters()) / MetersPerPoint))
	if n < lo {
		n = lo
	}
	if n > hi {
		n = hi
	}
	return n
}

// Evaluator scores genomes of one job. Its device buffers live in the
// arena under the job id.
type Evaluator struct {
	arena *device.Arena
	job   string
	win   *terrain.Window
	pod   vehicle.Pod
	cfg   Config

	start, dest  curve.Point
	evalPoints   int
	straightTime float64
	binom        []float64

	prog *device.Compiled
}

// NewEvaluator binds an evaluator to a job. start and dest are window meters.
func NewEvaluator(arena *device.Arena, job string, win *terrain.Window, pod vehicle.Pod, cfg Config, start, dest curve.Point) (*Evaluator, error) {
	if cfg.Dims != 2 && cfg.Dims != 3 {
		return nil, fmt.Errorf("fitness: dims must be 2 or 3, got %d", cfg.Dims)
	}
	if cfg.GenomePoints < 1 {
		return nil, fmt.Errorf("fitness: need at least one genome point")
	}
	if pod.MaxSpeed <= 0 || pod.Accel <= 0 || pod.Decel <= 0 || pod.LateralAccel <= 0 {
		return nil, fmt.Errorf("fitness: vehicle limits must be positive")
	}
	d := curve.Dist(start, dest)
	if d <= 0 {
		return nil, fmt.Errorf("fitness: start and destination coincide")
	}
	return &Evaluator{
		arena:        arena,
		job:          job,
		win:          win,
		pod:          pod,
		cfg:          cfg,
		start:        start,
		dest:         dest,
		evalPoints:   NumEvalPoints(win, cfg.MinEvalPoints, cfg.MaxEvalPoints),
		straightTime: d / pod.MaxSpeed,
		binom:        curve.Binomials(cfg.GenomePoints + 1),
	}, nil
}

// GenomeSize returns the genome length.
func (e *Evaluator) GenomeSize() int { return e.cfg.GenomePoints * e.cfg.Dims }

// EvalPoints returns the number of evaluated points per individual.
func (e *Evaluator) EvalPoints() int { return e.evalPoints }

// StraightDistance is the distance between the endpoints in meters.
func (e *Evaluator) StraightDistance() float64 { return e.straightTime * e.pod.MaxSpeed }

func (e *Evaluator) params() []float32 {
	mx, my := e.win.CellSize()
	p := make([]float32, paramCount)
	p[pCellX] = float32(mx)
	p[pCellY] = float32(my)
	p[pExcavation] = float32(e.pod.ExcavationDepth)
	p[pElevRange] = float32(e.win.MaxElevation() - e.win.MinElevation())
	p[pMaxSpeed] = float32(e.pod.MaxSpeed)
	p[pAccel] = float32(e.pod.Accel)
	p[pDecel] = float32(e.pod.Decel)
	p[pLateral] = float32(e.pod.LateralAccel)
	p[pMaxGrade] = float32(e.pod.MaxGrade)
	p[pStraightTime] = float32(e.straightTime)
	p[pWeightTrack] = float32(e.cfg.Weights.Track)
	p[pWeightCurve] = float32(e.cfg.Weights.Curve)
	p[pWeightGrade] = float32(e.cfg.Weights.Grade)
	p[pWeightLength] = float32(e.cfg.Weights.Length)
	return p
}

// Prepare compiles the program and uploads the buffers that live for the
// whole job: terrain image, binomial table and parameters. Compile failures
// are returned as is.
func (e *Evaluator) Prepare(ctx context.Context) error {
	dev := e.arena.Device()
	prog, err := dev.CompileProgram(Program())
	if err != nil {
		return err
	}
	e.prog = prog
	if _, err := e.arena.GetOrCreate(e.job, "terrain", func(d device.Device) (device.Handle, error) {
		return e.win.Image(ctx, d)
	}); err != nil {
		return fmt.Errorf("%w: %w", ErrEvaluationFailed, err)
	}
	b32 := make([]float32, len(e.binom))
	for i, v := range e.binom {
		b32[i] = float32(v)
	}
	if _, err := e.arena.GetOrCreate(e.job, "binomials", func(d device.Device) (device.Handle, error) {
		return d.NewBuffer("binomials", b32)
	}); err != nil {
		return fmt.Errorf("%w: %w", ErrEvaluationFailed, err)
	}
	if _, err := e.arena.GetOrCreate(e.job, "params", func(d device.Device) (device.Handle, error) {
		return d.NewBuffer("params", e.params())
	}); err != nil {
		return fmt.Errorf("%w: %w", ErrEvaluationFailed, err)
	}
	return nil
}

// Decode returns the control polygon of genome: start, genome points, dest.
// Two dimensional genomes take their heights from the ground.
func (e *Evaluator) Decode(genome []float64) []curve.Point {
	k, dims := e.cfg.GenomePoints, e.cfg.Dims
	ctrl := make([]curve.Point, 0, k+2)
	ctrl = append(ctrl, e.start)
	for i := 0; i < k; i++ {
		p := curve.Point{X: genome[i*dims], Y: genome[i*dims+1]}
		if dims == 3 {
			p.Z = genome[i*dims+2]
		} else {
			p.Z = e.win.ElevationAt(p.X, p.Y)
		}
		ctrl = append(ctrl, p)
	}
	return append(ctrl, e.dest)
}

// Trace evaluates genome on the host and returns the track points with the
// ground elevation under each.
func (e *Evaluator) Trace(genome []float64) ([]curve.Point, []float64) {
	mx, my := e.win.CellSize()
	tr := tracer{
		binom:        e.binom,
		tex:          device.Texture{W: e.win.Width(), H: e.win.Height(), Data: e.win.Elevations()},
		cellX:        mx,
		cellY:        my,
		evalPoints:   e.evalPoints,
		followGround: e.cfg.Dims == 2,
	}
	return tr.trace(e.Decode(genome))
}

func (e *Evaluator) buffer(role string, data []float32) (device.Buffer, error) {
	h, err := e.arena.GetOrCreate(e.job, role, func(d device.Device) (device.Handle, error) {
		return d.NewBuffer(role, data)
	})
	if err != nil {
		return nil, err
	}
	buf, ok := h.(device.Buffer)
	if !ok {
		return nil, fmt.Errorf("arena role %q holds %T", role, h)
	}
	if err := e.arena.Device().Write(buf, data); err != nil {
		return nil, err
	}
	return buf, nil
}

func (e *Evaluator) handle(role string) (device.Handle, error) {
	h, ok := e.arena.Get(e.job, role)
	if !ok {
		return nil, fmt.Errorf("%s not uploaded, call Prepare first", role)
	}
	return h, nil
}

// Evaluate scores every genome with one dispatch.
func (e *Evaluator) Evaluate(ctx context.Context, genomes [][]float64) ([]Costs, error) {
	if !e.prog.Valid() {
		return nil, fmt.Errorf("%w: program not prepared", ErrEvaluationFailed)
	}
	lambda, points := len(genomes), e.cfg.GenomePoints+2
	if lambda == 0 {
		return nil, nil
	}
	ind := make([]float32, lambda*points*4)
	for i, g := range genomes {
		if len(g) != e.GenomeSize() {
			return nil, fmt.Errorf("%w: genome %d has %d values, want %d", ErrEvaluationFailed, i, len(g), e.GenomeSize())
		}
		for j, p := range e.Decode(g) {
			base := (i*points + j) * 4
			ind[base], ind[base+1], ind[base+2], ind[base+3] = float32(p.X), float32(p.Y), float32(p.Z), 1
		}
	}

	fail := func(err error) ([]Costs, error) { return nil, fmt.Errorf("%w: %w", ErrEvaluationFailed, err) }
	genBuf, err := e.buffer("genomes", ind)
	if err != nil {
		return fail(err)
	}
	outBuf, err := e.buffer("fitness", make([]float32, lambda*outStride))
	if err != nil {
		return fail(err)
	}
	var args [3]device.Handle
	for i, role := range []string{"binomials", "terrain", "params"} {
		if args[i], err = e.handle(role); err != nil {
			return fail(err)
		}
	}
	follow := 0
	if e.cfg.Dims == 2 {
		follow = 1
	}
	if err := e.arena.Device().Dispatch(ctx, e.prog, programName, lambda,
		genBuf, args[0], args[1], args[2], outBuf, points, e.evalPoints, follow); err != nil {
		return fail(err)
	}
	raw := make([]float32, lambda*outStride)
	if err := e.arena.Device().Read(outBuf, raw); err != nil {
		return fail(err)
	}
	out := make([]Costs, lambda)
	for i := range out {
		o := raw[i*outStride:]
		out[i] = Costs{
			Total:  float64(o[outTotal]),
			Track:  float64(o[outTrack]),
			Curve:  float64(o[outCurve]),
			Grade:  float64(o[outGrade]),
			Length: float64(o[outLength]),
		}
	}
	return out, nil
}

// Release frees every device buffer of the job.
func (e *Evaluator) Release() {
	e.arena.ReleaseJob(e.job)
	e.win.ReleaseImage()
}
