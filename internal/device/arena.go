package device

import "sync"

type arenaKey struct {
	job  string
	role string
}

// Arena tracks the device handles owned by each job so they can be
// released together when the job ends.
type Arena struct {
	dev Device
	mu  sync.Mutex
	m   map[arenaKey]Handle
}

// NewArena creates an arena over dev.
func NewArena(dev Device) *Arena {
	return &Arena{dev: dev, m: make(map[arenaKey]Handle)}
}

// Device returns the device the arena allocates on.
func (a *Arena) Device() Device { return a.dev }

// Get returns the handle stored for (job, role).
func (a *Arena) Get(job, role string) (Handle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.m[arenaKey{job, role}]
	return h, ok
}

// Put stores h for (job, role), releasing any handle it replaces.
func (a *Arena) Put(job, role string, h Handle) {
	a.mu.Lock()
	old, ok := a.m[arenaKey{job, role}]
	a.m[arenaKey{job, role}] = h
	a.mu.Unlock()
	if ok && old != h {
		a.dev.Release(old)
	}
}

// GetOrCreate returns the handle for (job, role), allocating it with create
// on first use.
func (a *Arena) GetOrCreate(job, role string, create func(Device) (Handle, error)) (Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if h, ok := a.m[arenaKey{job, role}]; ok {
		return h, nil
	}
	h, err := create(a.dev)
	if err != nil {
		return nil, err
	}
	a.m[arenaKey{job, role}] = h
	return h, nil
}

// ReleaseJob releases every handle owned by job and returns how many.
func (a *Arena) ReleaseJob(job string) int {
	a.mu.Lock()
	var hs []Handle
	for k, h := range a.m {
		if k.job == job {
			hs = append(hs, h)
			delete(a.m, k)
		}
	}
	a.mu.Unlock()
	a.dev.Release(hs...)
	return len(hs)
}

// Len returns the number of tracked handles.
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.m)
}
