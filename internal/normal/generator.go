// Package normal draws standard-normal vectors on background producers and
// transforms them into samples of a multivariate Gaussian.
package normal

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"
)

// ErrExhausted is returned by Sample once the generator is stopped and its
// queue is drained.
var ErrExhausted = errors.New("normal: sample generator exhausted")

// Source yields standard-normal vectors.
type Source interface {
	Sample(ctx context.Context) ([]float64, error)
}

// Generator keeps a bounded queue of standard-normal vectors filled by a
// single producer goroutine.
type Generator struct {
	length int
	seed   int64
	queue  chan []float64

	mu      sync.Mutex
	started bool
	stopped bool
	stop    chan struct{}
	done    chan struct{}
}

// NewGenerator creates a stopped generator of length-element vectors holding
// up to capacity draws. A zero seed is replaced by a time-derived one.
func NewGenerator(length, capacity int, seed int64) *Generator {
	if capacity < 1 {
		capacity = 1
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Generator{
		length: length,
		seed:   seed,
		queue:  make(chan []float64, capacity),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Len returns the vector length.
func (g *Generator) Len() int { return g.length }

// Seed returns the seed the producer draws from.
func (g *Generator) Seed() int64 { return g.seed }

// Start launches the producer. Calling it again, or after Stop, does nothing.
func (g *Generator) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started || g.stopped {
		return
	}
	g.started = true
	go g.produce(rand.New(rand.NewSource(g.seed)))
}

func (g *Generator) produce(rng *rand.Rand) {
	defer close(g.done)
	defer close(g.queue)
	for {
		v := make([]float64, g.length)
		for i := range v {
			v[i] = rng.NormFloat64()
		}
		select {
		case <-g.stop:
			return
		default:
		}
		select {
		case g.queue <- v:
		case <-g.stop:
			return
		}
	}
}

// Stop signals the producer and waits for it to exit. Draws already queued
// stay available to Sample. Stop is idempotent.
func (g *Generator) Stop() {
	g.mu.Lock()
	if !g.stopped {
		g.stopped = true
		close(g.stop)
		if !g.started {
			close(g.queue)
			close(g.done)
		}
	}
	g.mu.Unlock()
	<-g.done
}

// Sample pops one draw, blocking while the queue is empty.
func (g *Generator) Sample(ctx context.Context) ([]float64, error) {
	select {
	case v, ok := <-g.queue:
		if !ok {
			return nil, ErrExhausted
		}
		return v, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pool is a set of generators seeded seed, seed+1, ...
type Pool struct {
	gens []*Generator
}

// NewPool creates n generators. A zero seed picks one time-derived base seed.
func NewPool(n, length, capacity int, seed int64) *Pool {
	if n < 1 {
		n = 1
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	p := &Pool{gens: make([]*Generator, n)}
	for i := range p.gens {
		p.gens[i] = NewGenerator(length, capacity, seed+int64(i))
	}
	return p
}

func (p *Pool) Start() {
	for _, g := range p.gens {
		g.Start()
	}
}

func (p *Pool) Stop() {
	for _, g := range p.gens {
		g.Stop()
	}
}

// Sources returns the generators as sources, in seed order.
func (p *Pool) Sources() []Source {
	out := make([]Source, len(p.gens))
	for i, g := range p.gens {
		out[i] = g
	}
	return out
}

// Len returns the number of generators.
func (p *Pool) Len() int { return len(p.gens) }
