package device

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"podroutes/internal/metrics"
)

// HostKernel executes one work item of a kernel.
type HostKernel func(item int, args Args) error

// Host is a device backed by goroutines on the local CPU. Work items of one
// dispatch run in parallel; dispatches are serialized like an in-order queue.
type Host struct {
	workers  int
	programs *programCache
	logger   *zap.Logger

	queue  sync.Mutex // one dispatch at a time
	nextID atomic.Uint64
	live   atomic.Int64
	closed atomic.Bool
}

// NewHost creates a host device.
func NewHost(opts Options, logger *zap.Logger) (*Host, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	pc, err := newProgramCache(opts.ProgramCache)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoDevice, err)
	}
	h := &Host{workers: workers, programs: pc, logger: logger.Named("device")}
	h.logger.Info("compute device ready", zap.String("device", h.Name()), zap.Int("workers", workers))
	return h, nil
}

func (h *Host) Name() string { return "host" }

// Live returns the number of buffers and images not yet released.
func (h *Host) Live() int { return int(h.live.Load()) }

// CompileProgram compiles p or returns the cached compilation of the same source.
func (h *Host) CompileProgram(p Program) (*Compiled, error) {
	if h.closed.Load() {
		return nil, fmt.Errorf("%w: device closed", ErrNoDevice)
	}
	c, err := h.programs.getOrBuild(p, compileHost)
	if err != nil {
		h.logger.Warn("program compile failed", zap.String("program", p.Name), zap.Error(err))
		return nil, err
	}
	return c, nil
}

type hostBuffer struct {
	id       uint64
	role     string
	mu       sync.RWMutex
	data     []float32
	released bool
}

func (b *hostBuffer) ID() uint64   { return b.id }
func (b *hostBuffer) Role() string { return b.role }
func (b *hostBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.data)
}

type hostImage struct {
	hostBuffer
	width, height int
}

func (im *hostImage) Width() int  { return im.width }
func (im *hostImage) Height() int { return im.height }

// NewBuffer allocates a buffer initialized with a copy of data.
func (h *Host) NewBuffer(role string, data []float32) (Buffer, error) {
	if h.closed.Load() {
		return nil, fmt.Errorf("%w: device closed", ErrNoDevice)
	}
	b := &hostBuffer{id: h.nextID.Add(1), role: role, data: append([]float32(nil), data...)}
	h.live.Add(1)
	return b, nil
}

// NewImage allocates a read-only image of width*height texels.
func (h *Host) NewImage(width, height int, data []float32) (Image, error) {
	if h.closed.Load() {
		return nil, fmt.Errorf("%w: device closed", ErrNoDevice)
	}
	if width <= 0 || height <= 0 || len(data) != width*height {
		return nil, fmt.Errorf("device: image %dx%d needs %d texels, got %d", width, height, width*height, len(data))
	}
	im := &hostImage{width: width, height: height}
	im.id = h.nextID.Add(1)
	im.role = "image"
	im.data = append([]float32(nil), data...)
	h.live.Add(1)
	return im, nil
}

func asHost(buf Handle) (*hostBuffer, error) {
	switch b := buf.(type) {
	case *hostBuffer:
		return b, nil
	case *hostImage:
		return &b.hostBuffer, nil
	default:
		return nil, fmt.Errorf("device: foreign handle %T", buf)
	}
}

// Write replaces the contents of buf, resizing it if needed.
func (h *Host) Write(buf Buffer, data []float32) error {
	b, err := asHost(buf)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return ErrReleased
	}
	if cap(b.data) >= len(data) {
		b.data = b.data[:len(data)]
	} else {
		b.data = make([]float32, len(data))
	}
	copy(b.data, data)
	return nil
}

// Read copies buf into dst; dst must be exactly as long as buf.
func (h *Host) Read(buf Buffer, dst []float32) error {
	b, err := asHost(buf)
	if err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.released {
		return ErrReleased
	}
	if len(dst) != len(b.data) {
		return fmt.Errorf("device: read %d floats from buffer of %d", len(dst), len(b.data))
	}
	copy(dst, b.data)
	return nil
}

// Release frees handles. Releasing twice is a no-op.
func (h *Host) Release(handles ...Handle) {
	for _, hd := range handles {
		if hd == nil {
			continue
		}
		b, err := asHost(hd)
		if err != nil {
			continue
		}
		b.mu.Lock()
		if !b.released {
			b.released = true
			b.data = nil
			h.live.Add(-1)
		}
		b.mu.Unlock()
	}
}

// Dispatch runs global work items of kernel and waits for all of them.
func (h *Host) Dispatch(ctx context.Context, prog *Compiled, kernel string, global int, args ...any) error {
	if h.closed.Load() {
		return fmt.Errorf("%w: device closed", ErrDispatch)
	}
	if !prog.Valid() {
		return fmt.Errorf("%w: program is not compiled or was invalidated", ErrDispatch)
	}
	k, ok := prog.kernels[kernel]
	if !ok {
		return fmt.Errorf("%w: no kernel %q in %s", ErrDispatch, kernel, prog.Name)
	}
	a, err := h.bindArgs(args)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrDispatch, kernel, err)
	}
	defer a.unbind()

	h.queue.Lock()
	defer h.queue.Unlock()
	start := time.Now()
	defer func() {
		metrics.DispatchDuration.WithLabelValues(h.Name(), kernel).Observe(time.Since(start).Seconds())
	}()

	workers := h.workers
	if workers > global {
		workers = global
	}
	if workers < 1 {
		return nil
	}
	chunk := int(math.Ceil(float64(global) / float64(workers)))
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		lo, hi := w*chunk, (w+1)*chunk
		if hi > global {
			hi = global
		}
		if lo >= hi {
			break
		}
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("kernel panic: %v", r)
				}
			}()
			for item := lo; item < hi; item++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := k(item, a.Args); err != nil {
					return fmt.Errorf("work item %d: %w", item, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrDispatch, kernel, err)
	}
	return nil
}

// Close invalidates the device. Outstanding handles become unusable.
func (h *Host) Close() {
	if h.closed.Swap(true) {
		return
	}
	h.programs.mu.Lock()
	h.programs.cache.Purge()
	h.programs.mu.Unlock()
	h.logger.Info("compute device closed", zap.Int("leaked_handles", h.Live()))
}
