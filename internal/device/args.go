package device

import (
	"fmt"
	"math"
)

// Args are the bound arguments of a dispatch as seen by a host kernel.
// Buffers appear as []float32, images as Texture, scalars as themselves.
type Args []any

// Floats returns buffer argument i. Work items may write disjoint elements.
func (a Args) Floats(i int) []float32 {
	return a[i].([]float32)
}

// Texture returns image argument i.
func (a Args) Texture(i int) Texture {
	return a[i].(Texture)
}

// Int returns integer argument i.
func (a Args) Int(i int) int {
	switch v := a[i].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint32:
		return int(v)
	default:
		panic(fmt.Sprintf("device: argument %d is %T, not an integer", i, a[i]))
	}
}

// Float returns floating point argument i.
func (a Args) Float(i int) float64 {
	switch v := a[i].(type) {
	case float32:
		return float64(v)
	case float64:
		return v
	default:
		panic(fmt.Sprintf("device: argument %d is %T, not a float", i, a[i]))
	}
}

// Texture is a read-only view of an image, row-major, with clamp-to-edge
// addressing.
type Texture struct {
	W, H int
	Data []float32
}

// At returns the texel at column x, row y, clamped to the edge.
func (t Texture) At(x, y int) float64 {
	if x < 0 {
		x = 0
	} else if x >= t.W {
		x = t.W - 1
	}
	if y < 0 {
		y = 0
	} else if y >= t.H {
		y = t.H - 1
	}
	return float64(t.Data[y*t.W+x])
}

// Bilinear samples at fractional texel coordinates.
func (t Texture) Bilinear(x, y float64) float64 {
	x0, y0 := math.Floor(x), math.Floor(y)
	fx, fy := x-x0, y-y0
	ix, iy := int(x0), int(y0)
	top := t.At(ix, iy)*(1-fx) + t.At(ix+1, iy)*fx
	bot := t.At(ix, iy+1)*(1-fx) + t.At(ix+1, iy+1)*fx
	return top*(1-fy) + bot*fy
}

type boundArgs struct {
	Args
	locked []*hostBuffer
}

func (b *boundArgs) unbind() {
	for _, hb := range b.locked {
		hb.mu.RUnlock()
	}
}

// bindArgs resolves handles to host memory and pins them for the dispatch.
func (h *Host) bindArgs(args []any) (*boundArgs, error) {
	out := &boundArgs{Args: make(Args, len(args))}
	seen := map[*hostBuffer]bool{}
	pin := func(hb *hostBuffer) error {
		if seen[hb] {
			return nil
		}
		hb.mu.RLock()
		if hb.released {
			hb.mu.RUnlock()
			return ErrReleased
		}
		seen[hb] = true
		out.locked = append(out.locked, hb)
		return nil
	}
	for i, arg := range args {
		switch v := arg.(type) {
		case *hostImage:
			if err := pin(&v.hostBuffer); err != nil {
				out.unbind()
				return nil, fmt.Errorf("argument %d: %w", i, err)
			}
			out.Args[i] = Texture{W: v.width, H: v.height, Data: v.data}
		case *hostBuffer:
			if err := pin(v); err != nil {
				out.unbind()
				return nil, fmt.Errorf("argument %d: %w", i, err)
			}
			out.Args[i] = v.data
		case int, int32, int64, uint32, float32, float64:
			out.Args[i] = v
		case Handle:
			out.unbind()
			return nil, fmt.Errorf("argument %d: foreign handle %T", i, v)
		default:
			out.unbind()
			return nil, fmt.Errorf("argument %d: unsupported type %T", i, v)
		}
	}
	return out, nil
}
