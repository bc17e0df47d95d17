// Package device abstracts the parallel compute device that evaluates route
// fitness in batches: program compilation and caching, device-resident
// buffers and images, and kernel dispatch.
package device

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

var (
	ErrNoDevice = errors.New("device: no compute device available")
	ErrCompile  = errors.New("device: program compile failed")
	ErrDispatch = errors.New("device: dispatch failed")
	ErrReleased = errors.New("device: handle released")
)

// Handle is anything allocated on a device.
type Handle interface {
	ID() uint64
}

// Buffer is a device-resident float32 array.
type Buffer interface {
	Handle
	Role() string
	Len() int
}

// Image is a device-resident single channel 2-D float32 image.
type Image interface {
	Handle
	Width() int
	Height() int
}

// Device owns a context, a command queue and the programs compiled on it.
// Implementations must be safe for concurrent use; dispatches are serialized
// at the queue and releasing a handle twice is a no-op.
type Device interface {
	Name() string
	CompileProgram(p Program) (*Compiled, error)
	NewBuffer(role string, data []float32) (Buffer, error)
	NewImage(width, height int, data []float32) (Image, error)
	Write(buf Buffer, data []float32) error
	Read(buf Buffer, dst []float32) error
	Dispatch(ctx context.Context, prog *Compiled, kernel string, global int, args ...any) error
	Release(handles ...Handle)
	Close()
}

// Options configures device acquisition.
type Options struct {
	Name         string // "host" is the only built-in backend
	Workers      int    // parallel work-item executors, 0 = GOMAXPROCS
	ProgramCache int    // compiled programs kept, 0 = 16
}

// Open acquires the named device.
func Open(opts Options, logger *zap.Logger) (Device, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Name)) {
	case "", "host", "cpu":
		return NewHost(opts, logger)
	default:
		return nil, fmt.Errorf("%w: unknown device %q", ErrNoDevice, opts.Name)
	}
}
