package device

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Program is kernel source plus the host implementations of the kernels it
// declares. The source text is the program's identity: editing it forces a
// recompile and invalidates the previous compilation.
type Program struct {
	Name    string
	Source  string
	Kernels map[string]HostKernel
}

// Compiled is a program built for one device.
type Compiled struct {
	Name    string
	Hash    string
	kernels map[string]HostKernel
	valid   atomic.Bool
}

// Valid reports whether the compilation is still current.
func (c *Compiled) Valid() bool { return c != nil && c.valid.Load() }

// KernelNames lists the kernels in the program.
func (c *Compiled) KernelNames() []string {
	out := make([]string, 0, len(c.kernels))
	for k := range c.kernels {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

var kernelDecl = regexp.MustCompile(`(?m)^\s*(?:__)?kernel\s+void\s+([A-Za-z_]\w*)\s*\(`)

// DeclaredKernels returns the kernel names declared in source, in order.
func DeclaredKernels(source string) []string {
	var out []string
	for _, m := range kernelDecl.FindAllStringSubmatch(source, -1) {
		out = append(out, m[1])
	}
	return out
}

func hashSource(src string) string {
	sum := sha256.Sum256([]byte(src))
	return hex.EncodeToString(sum[:8])
}

// programCache keeps the most recent compilation per program name.
type programCache struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *Compiled]
}

func newProgramCache(size int) (*programCache, error) {
	if size <= 0 {
		size = 16
	}
	c, err := lru.NewWithEvict[string, *Compiled](size, func(_ string, v *Compiled) { v.valid.Store(false) })
	if err != nil {
		return nil, err
	}
	return &programCache{cache: c}, nil
}

// getOrBuild returns the cached compilation for p when the source is
// unchanged, otherwise invalidates it and builds a new one.
func (pc *programCache) getOrBuild(p Program, build func(Program) (*Compiled, error)) (*Compiled, error) {
	hash := hashSource(p.Source)
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if old, ok := pc.cache.Get(p.Name); ok {
		if old.Hash == hash && old.Valid() {
			return old, nil
		}
		old.valid.Store(false)
		pc.cache.Remove(p.Name)
	}
	c, err := build(p)
	if err != nil {
		return nil, err
	}
	c.Hash = hash
	c.valid.Store(true)
	pc.cache.Add(p.Name, c)
	return c, nil
}

func compileHost(p Program) (*Compiled, error) {
	if p.Name == "" {
		return nil, fmt.Errorf("%w: program has no name", ErrCompile)
	}
	decl := DeclaredKernels(p.Source)
	if len(decl) == 0 {
		return nil, fmt.Errorf("%w: %s declares no kernels", ErrCompile, p.Name)
	}
	kernels := make(map[string]HostKernel, len(decl))
	for _, name := range decl {
		k, ok := p.Kernels[name]
		if !ok || k == nil {
			return nil, fmt.Errorf("%w: %s: kernel %q has no host implementation", ErrCompile, p.Name, name)
		}
		kernels[name] = k
	}
	return &Compiled{Name: p.Name, kernels: kernels}, nil
}
