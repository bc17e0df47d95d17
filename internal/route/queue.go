package route

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"podroutes/internal/events"
	"podroutes/internal/metrics"
	"podroutes/internal/store"
	"podroutes/internal/terrain"
)

// Notifier delivers completion callbacks.
type Notifier interface {
	Notify(url, eventType string, data any) (string, error)
}

type QueueOptions struct {
	Workers          int
	Capacity         int           // queued jobs admitted before Submit fails
	Retention        time.Duration // terminal jobs older than this are evicted, 0 keeps them
	JanitorInterval  time.Duration
	RemoveOnRetrieve bool // evict a completed job after its first poll

	Broker   events.Broker
	Archive  store.Archive
	Notifier Notifier
	Logger   *zap.Logger
}

// Queue is the registry of jobs and the pool of workers that run them.
type Queue struct {
	runner Runner
	opts   QueueOptions
	logger *zap.Logger

	mu      sync.Mutex
	jobs    map[string]*Job
	pending chan *Job

	base      context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

func NewQueue(runner Runner, opts QueueOptions) *Queue {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Capacity < 1 {
		opts.Capacity = 64
	}
	if opts.JanitorInterval <= 0 {
		opts.JanitorInterval = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Queue{
		runner:  runner,
		opts:    opts,
		logger:  opts.Logger,
		jobs:    map[string]*Job{},
		pending: make(chan *Job, opts.Capacity),
	}
}

// Submit admits req and returns its job id.
func (q *Queue) Submit(req Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	j := newJob(uuid.NewString(), req)
	q.mu.Lock()
	select {
	case q.pending <- j:
		q.jobs[j.id] = j
	default:
		q.mu.Unlock()
		return "", ErrQueueFull
	}
	q.mu.Unlock()
	metrics.JobsSubmitted.Inc()
	q.publish(j, events.JobQueued, map[string]any{"start": req.Start, "dest": req.Dest})
	q.logger.Info("job queued", zap.String("job", j.id), zap.Stringer("start", req.Start), zap.Stringer("dest", req.Dest))
	return j.id, nil
}

func (q *Queue) job(id string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j, nil
}

// Poll returns the job's status; the result is set only once completed.
// Poll never evicts the job.
func (q *Queue) Poll(id string) (Status, error) {
	j, err := q.job(id)
	if err != nil {
		return Status{}, err
	}
	return j.Status(), nil
}

// Retrieve is Poll for the client fetching the result. With
// RemoveOnRetrieve a completed job is evicted once it has been retrieved.
func (q *Queue) Retrieve(id string) (Status, error) {
	j, err := q.job(id)
	if err != nil {
		return Status{}, err
	}
	st := j.Status()
	if q.opts.RemoveOnRetrieve && st.State == Completed {
		q.mu.Lock()
		if q.jobs[id] == j {
			delete(q.jobs, id)
		}
		q.mu.Unlock()
	}
	return st, nil
}

// Done returns a channel closed once the job is terminal.
func (q *Queue) Done(id string) (<-chan struct{}, error) {
	j, err := q.job(id)
	if err != nil {
		return nil, err
	}
	return j.Done(), nil
}

// Wait blocks until the job is terminal or ctx ends.
func (q *Queue) Wait(ctx context.Context, id string) (Status, error) {
	j, err := q.job(id)
	if err != nil {
		return Status{}, err
	}
	select {
	case <-j.Done():
		return j.Status(), nil
	case <-ctx.Done():
		return j.Status(), ctx.Err()
	}
}

// Cancel fails a queued job immediately. A running job is signalled and
// Cancel returns once its worker has released the job's generators and
// device buffers. Terminal jobs are left as they are.
func (q *Queue) Cancel(ctx context.Context, id string) (Status, error) {
	j, err := q.job(id)
	if err != nil {
		return Status{}, err
	}
	j.mu.Lock()
	switch j.state {
	case Queued:
		j.cancelled = true
		j.finishLocked(nil, ErrCancelled)
		j.mu.Unlock()
		q.finished(j)
		return j.Status(), nil
	case Running:
		j.cancelled = true
		cancel := j.cancel
		j.mu.Unlock()
		cancel()
		select {
		case <-j.Done():
			return j.Status(), nil
		case <-ctx.Done():
			return j.Status(), ctx.Err()
		}
	default:
		j.mu.Unlock()
		return j.Status(), nil
	}
}

// Len returns the number of jobs in the registry.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Start launches the workers and the janitor. Cancelling ctx stops them.
func (q *Queue) Start(ctx context.Context) {
	q.startOnce.Do(func() {
		q.base, q.cancelAll = context.WithCancel(ctx)
		for i := 0; i < q.opts.Workers; i++ {
			q.wg.Add(1)
			go q.worker()
		}
		q.wg.Add(1)
		go q.janitor()
	})
}

// Stop cancels running jobs, waits for the workers and fails jobs still
// waiting in the queue.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		q.startOnce.Do(func() {})
		if q.cancelAll != nil {
			q.cancelAll()
		}
		q.wg.Wait()
		for {
			select {
			case j := <-q.pending:
				j.mu.Lock()
				j.cancelled = true
				j.finishLocked(nil, ErrCancelled)
				j.mu.Unlock()
				q.finished(j)
			default:
				return
			}
		}
	})
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.base.Done():
			return
		case j := <-q.pending:
			q.run(j)
		}
	}
}

func (q *Queue) run(j *Job) {
	ctx, cancel := context.WithCancel(q.base)
	defer cancel()
	if !j.begin(cancel) {
		return
	}
	log := q.logger.With(zap.String("job", j.id))
	metrics.JobsRunning.Inc()
	defer metrics.JobsRunning.Dec()
	q.publish(j, events.JobRunning, nil)
	log.Info("job running")

	res, err := q.runner.Solve(ctx, j.id, j.req, func(u Update) {
		j.progress(u.Generation)
		q.publish(j, events.JobGeneration, map[string]any{
			"generation":  u.Generation,
			"best":        u.Best,
			"sigma":       u.Sigma,
			"improvement": u.Improvement,
		})
	})
	if err == nil && res == nil {
		err = errors.New("route: runner returned no result")
	}
	if err == nil && q.opts.Archive != nil && ctx.Err() == nil {
		if id, aerr := q.opts.Archive.SaveRoute(ctx, recordOf(j.id, res)); aerr != nil {
			log.Warn("archive route failed", zap.Error(aerr))
		} else {
			res.ArchiveID = id
		}
	}
	j.finish(res, err)
	q.finished(j)
}

// finished announces a terminal job.
func (q *Queue) finished(j *Job) {
	st := j.Status()
	metrics.JobsFinished.WithLabelValues(string(st.State), string(st.Kind)).Inc()
	log := q.logger.With(zap.String("job", j.id))
	data := map[string]any{}
	typ := events.JobCompleted
	if st.State == Failed {
		typ = events.JobFailed
		data["kind"] = st.Kind
		data["error"] = st.Error
		log.Warn("job failed", zap.String("kind", string(st.Kind)), zap.String("error", st.Error))
	} else {
		data["distance"] = st.Result.Distance
		data["time"] = st.Result.Time
		log.Info("job completed", zap.Float64("distance_m", st.Result.Distance), zap.Float64("time_s", st.Result.Time))
	}
	q.publish(j, typ, data)
	if url := j.req.CallbackURL; url != "" && q.opts.Notifier != nil {
		body := map[string]any{"jobId": j.id, "state": st.State}
		for k, v := range data {
			body[k] = v
		}
		if _, err := q.opts.Notifier.Notify(url, typ, body); err != nil {
			log.Warn("callback not queued", zap.Error(err))
		}
	}
}

func (q *Queue) publish(j *Job, typ string, data map[string]any) {
	if q.opts.Broker == nil {
		return
	}
	q.opts.Broker.Publish(j.id, events.Event{Type: typ, JobID: j.id, Time: time.Now().UTC(), Data: data})
}

func (q *Queue) janitor() {
	defer q.wg.Done()
	t := time.NewTicker(q.opts.JanitorInterval)
	defer t.Stop()
	for {
		select {
		case <-q.base.Done():
			return
		case now := <-t.C:
			if n := q.sweep(now); n > 0 {
				q.logger.Debug("evicted jobs", zap.Int("count", n))
			}
		}
	}
}

// sweep evicts terminal jobs finished more than Retention before now.
func (q *Queue) sweep(now time.Time) int {
	if q.opts.Retention <= 0 {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for id, j := range q.jobs {
		st := j.Status()
		if st.State.Terminal() && st.FinishedAt != nil && now.Sub(*st.FinishedAt) > q.opts.Retention {
			delete(q.jobs, id)
			n++
		}
	}
	return n
}

func lonLat(p terrain.LonLat) store.LonLat { return store.LonLat{p.Lon, p.Lat} }

func recordOf(jobID string, res *Result) store.Record {
	rec := store.Record{
		JobID:    jobID,
		Start:    lonLat(res.Start),
		Dest:     lonLat(res.Dest),
		Distance: res.Distance,
		Time:     res.Time,
	}
	for i, g := range res.Generations {
		sg := store.Generation{Number: g.Generation}
		for _, c := range g.Controls {
			sg.Controls = append(sg.Controls, lonLat(c))
		}
		for _, p := range g.Path {
			sg.Evaluated = append(sg.Evaluated, lonLat(p))
		}
		if i < len(res.Fitness) {
			f := res.Fitness[i]
			sg.Fitness = store.Fitness{Total: f.Best, Track: f.Track, Curve: f.Curve, Grade: f.Grade, Length: f.Length}
		}
		rec.Generations = append(rec.Generations, sg)
	}
	return rec
}

// IsClientError reports whether err was caused by the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) || errors.Is(err, ErrQueueFull)
}
