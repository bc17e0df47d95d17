// Package events fans job progress out to subscribers, in process or
// across processes through Redis.
package events

import (
    "sync"
    "time"
)

// Event types published over a job's life.
const (
    JobQueued     = "job.queued"
    JobRunning    = "job.running"
    JobGeneration = "job.generation"
    JobCompleted  = "job.completed"
    JobFailed     = "job.failed"
)

type Event struct {
    Type  string         `json:"type"`
    JobID string         `json:"jobId"`
    Time  time.Time      `json:"time"`
    Data  map[string]any `json:"data,omitempty"`
}

// Terminal reports whether no further events follow e for its job.
func (e Event) Terminal() bool { return e.Type == JobCompleted || e.Type == JobFailed }

type Broker interface {
    Subscribe(jobID string) chan Event
    Unsubscribe(jobID string, ch chan Event)
    Publish(jobID string, evt Event)
}

// Memory is an in-process broker. Slow subscribers miss progress events
// rather than block publishers, but never the terminal one.
type Memory struct {
    mu   sync.Mutex
    subs map[string]map[chan Event]struct{} // jobId -> set of channels
}

func NewMemory() *Memory {
    return &Memory{subs: map[string]map[chan Event]struct{}{}}
}

func (b *Memory) Subscribe(jobID string) chan Event {
    ch := make(chan Event, 16)
    b.mu.Lock()
    if b.subs[jobID] == nil { b.subs[jobID] = map[chan Event]struct{}{} }
    b.subs[jobID][ch] = struct{}{}
    b.mu.Unlock()
    return ch
}

func (b *Memory) Unsubscribe(jobID string, ch chan Event) {
    b.mu.Lock()
    defer b.mu.Unlock()
    m := b.subs[jobID]
    if _, ok := m[ch]; !ok { return }
    delete(m, ch)
    if len(m) == 0 { delete(b.subs, jobID) }
    close(ch)
}

func (b *Memory) Publish(jobID string, evt Event) {
    if evt.JobID == "" { evt.JobID = jobID }
    if evt.Time.IsZero() { evt.Time = time.Now().UTC() }
    b.mu.Lock()
    for ch := range b.subs[jobID] { deliver(ch, evt) }
    b.mu.Unlock()
}

// deliver sends evt without blocking. A full channel drops non-terminal
// events; a terminal event evicts the oldest buffered one instead, so a
// subscriber always learns that the job ended. The caller must be ch's only
// sender.
func deliver(ch chan Event, evt Event) {
    select {
    case ch <- evt:
        return
    default:
    }
    if !evt.Terminal() { return }
    select {
    case <-ch:
    default:
    }
    select { case ch <- evt: default: }
}

// Subscribers returns the number of open subscriptions for jobID.
func (b *Memory) Subscribers(jobID string) int {
    b.mu.Lock()
    defer b.mu.Unlock()
    return len(b.subs[jobID])
}
