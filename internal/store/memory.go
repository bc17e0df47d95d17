package store

import (
    "context"
    "sync"
    "time"

    "github.com/google/uuid"
)

// Memory is a simple in-memory archive used when no DATABASE_URL is set.
type Memory struct {
    mu     sync.Mutex
    routes map[string]Record // id -> record
    order  []string          // ids, oldest first
}

func NewMemory() *Memory {
    return &Memory{routes: map[string]Record{}}
}

func (m *Memory) SaveRoute(ctx context.Context, rec Record) (string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    rec.ID = uuid.NewString()
    if rec.CreatedAt.IsZero() { rec.CreatedAt = time.Now().UTC() }
    rec.Generations = append([]Generation(nil), rec.Generations...)
    m.routes[rec.ID] = rec
    m.order = append(m.order, rec.ID)
    return rec.ID, nil
}

func (m *Memory) GetRoute(ctx context.Context, id string) (Record, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    r, ok := m.routes[id]
    if !ok { return Record{}, ErrNotFound }
    return r, nil
}

// ListRoutes returns the newest routes first.
func (m *Memory) ListRoutes(ctx context.Context, limit int) ([]Summary, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    limit = clampLimit(limit)
    out := make([]Summary, 0, limit)
    for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
        out = append(out, summarize(m.routes[m.order[i]]))
    }
    return out, nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }
func (m *Memory) Close() error                   { return nil }
