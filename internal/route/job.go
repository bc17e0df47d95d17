// Package route runs route optimization jobs. A Queue admits requests and
// hands them to a fixed set of workers; each worker drives one job's
// population to completion with a Runner.
package route

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"podroutes/internal/cmaes"
	"podroutes/internal/device"
	"podroutes/internal/fitness"
	"podroutes/internal/normal"
	"podroutes/internal/terrain"
)

var (
	ErrNotFound       = errors.New("route: job not found")
	ErrCancelled      = errors.New("route: job cancelled")
	ErrQueueFull      = errors.New("route: queue full")
	ErrInvalidRequest = errors.New("route: invalid request")
)

// State of a job. Completed and Failed are terminal.
type State string

const (
	Queued    State = "queued"
	Running   State = "running"
	Completed State = "completed"
	Failed    State = "failed"
)

func (s State) Terminal() bool { return s == Completed || s == Failed }

// FailureKind classifies why a job failed.
type FailureKind string

const (
	KindCancelled  FailureKind = "cancelled"
	KindDevice     FailureKind = "device-acquisition"
	KindCompile    FailureKind = "program-compile"
	KindEvaluation FailureKind = "evaluation-failed"
	KindNumerical  FailureKind = "numerical-instability"
	KindExhausted  FailureKind = "sample-generator-exhausted"
	KindInvalid    FailureKind = "invalid-request"
	KindTimeout    FailureKind = "timeout"
	KindInternal   FailureKind = "internal"
)

// KindOf maps err to a failure kind. Cancellation wins over whatever error
// the cancelled step reported.
func KindOf(err error) FailureKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, device.ErrNoDevice):
		return KindDevice
	case errors.Is(err, device.ErrCompile):
		return KindCompile
	case errors.Is(err, cmaes.ErrNumericalInstability):
		return KindNumerical
	case errors.Is(err, normal.ErrExhausted):
		return KindExhausted
	case errors.Is(err, fitness.ErrEvaluationFailed):
		return KindEvaluation
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, terrain.ErrOutOfBounds), errors.Is(err, terrain.ErrNoData):
		return KindInvalid
	default:
		return KindInternal
	}
}

// Request is one route to compute. Zero Generations, PopulationSize and Seed
// take the configured defaults.
type Request struct {
	Start          terrain.LonLat `json:"start"`
	Dest           terrain.LonLat `json:"dest"`
	Generations    int            `json:"generations,omitempty"`
	PopulationSize int            `json:"populationSize,omitempty"`
	Seed           int64          `json:"seed,omitempty"`
	CallbackURL    string         `json:"callbackUrl,omitempty"`
}

const maxBudget = 100000

func (r Request) Validate() error {
	if !r.Start.Valid() || !r.Dest.Valid() {
		return fmt.Errorf("%w: coordinates out of range", ErrInvalidRequest)
	}
	if r.Start == r.Dest {
		return fmt.Errorf("%w: start and destination are the same", ErrInvalidRequest)
	}
	if r.Generations < 0 || r.Generations > maxBudget {
		return fmt.Errorf("%w: generations %d", ErrInvalidRequest, r.Generations)
	}
	if r.PopulationSize < 0 || r.PopulationSize > maxBudget {
		return fmt.Errorf("%w: population size %d", ErrInvalidRequest, r.PopulationSize)
	}
	if r.CallbackURL != "" {
		u, err := url.Parse(r.CallbackURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: callback url %q", ErrInvalidRequest, r.CallbackURL)
		}
	}
	return nil
}

// Status is a snapshot of a job.
type Status struct {
	ID          string      `json:"id"`
	State       State       `json:"state"`
	Kind        FailureKind `json:"kind,omitempty"`
	Error       string      `json:"error,omitempty"`
	Generation  int         `json:"generation"`
	SubmittedAt time.Time   `json:"submittedAt"`
	StartedAt   *time.Time  `json:"startedAt,omitempty"`
	FinishedAt  *time.Time  `json:"finishedAt,omitempty"`
	Result      *Result     `json:"result,omitempty"`
}

// Job is the lifecycle of one request. Only the worker that runs it moves it
// out of Running.
type Job struct {
	id  string
	req Request

	mu         sync.Mutex
	state      State
	kind       FailureKind
	err        string
	generation int
	submitted  time.Time
	started    time.Time
	finished   time.Time
	result     *Result
	cancel     context.CancelFunc
	cancelled  bool
	done       chan struct{}
}

func newJob(id string, req Request) *Job {
	return &Job{id: id, req: req, state: Queued, submitted: time.Now().UTC(), done: make(chan struct{})}
}

func (j *Job) ID() string { return j.id }

// Done is closed when the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} { return j.done }

func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	st := Status{
		ID:          j.id,
		State:       j.state,
		Kind:        j.kind,
		Error:       j.err,
		Generation:  j.generation,
		SubmittedAt: j.submitted,
	}
	if !j.started.IsZero() {
		t := j.started
		st.StartedAt = &t
	}
	if !j.finished.IsZero() {
		t := j.finished
		st.FinishedAt = &t
	}
	if j.state == Completed {
		st.Result = j.result
	}
	return st
}

// begin moves a queued job to running. It reports false when the job was
// cancelled while waiting.
func (j *Job) begin(cancel context.CancelFunc) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != Queued {
		return false
	}
	j.state = Running
	j.started = time.Now().UTC()
	j.cancel = cancel
	return true
}

func (j *Job) progress(gen int) {
	j.mu.Lock()
	j.generation = gen
	j.mu.Unlock()
}

// finishLocked records the outcome and closes done. Callers hold j.mu.
func (j *Job) finishLocked(res *Result, err error) {
	if j.state.Terminal() {
		return
	}
	j.finished = time.Now().UTC()
	j.cancel = nil
	switch {
	case err != nil || j.cancelled:
		if err == nil {
			err = ErrCancelled
		}
		j.state = Failed
		j.kind = KindOf(err)
		if j.cancelled {
			j.kind = KindCancelled
		}
		j.err = err.Error()
	default:
		j.state = Completed
		j.result = res
	}
	close(j.done)
}

func (j *Job) finish(res *Result, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.finishLocked(res, err)
}
