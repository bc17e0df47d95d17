package events

import (
    "os"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

func TestMemoryPublishSubscribe(t *testing.T) {
    b := NewMemory()
    ch := b.Subscribe("j1")
    other := b.Subscribe("j2")
    assert.Equal(t, 1, b.Subscribers("j1"))

    b.Publish("j1", Event{Type: JobGeneration, Data: map[string]any{"generation": 1}})
    select {
    case got := <-ch:
        assert.Equal(t, JobGeneration, got.Type)
        assert.Equal(t, "j1", got.JobID)
        assert.False(t, got.Time.IsZero())
        assert.Equal(t, 1, got.Data["generation"])
    case <-time.After(200 * time.Millisecond):
        t.Fatal("timeout waiting for event")
    }
    select {
    case <-other:
        t.Fatal("event leaked to another job")
    default:
    }

    b.Unsubscribe("j1", ch)
    b.Unsubscribe("j1", ch)
    _, ok := <-ch
    assert.False(t, ok, "channel should be closed after unsubscribe")
    assert.Equal(t, 0, b.Subscribers("j1"))
    b.Publish("j1", Event{Type: JobCompleted})
}

func TestMemoryDropsForSlowSubscribers(t *testing.T) {
    b := NewMemory()
    ch := b.Subscribe("j")
    for i := 0; i < 100; i++ {
        b.Publish("j", Event{Type: JobGeneration})
    }
    assert.Len(t, ch, cap(ch))
}

func TestMemoryKeepsTerminalForSlowSubscribers(t *testing.T) {
    b := NewMemory()
    ch := b.Subscribe("j")
    for i := 0; i < 40; i++ {
        b.Publish("j", Event{Type: JobGeneration, Data: map[string]any{"generation": i}})
    }
    b.Publish("j", Event{Type: JobCompleted})
    require.Len(t, ch, cap(ch))

    var last Event
    for len(ch) > 0 { last = <-ch }
    assert.Equal(t, JobCompleted, last.Type)
    assert.True(t, last.Terminal())
}

func TestDeliverDropsOnlyProgress(t *testing.T) {
    ch := make(chan Event, 2)
    deliver(ch, Event{Type: JobQueued})
    deliver(ch, Event{Type: JobRunning})
    deliver(ch, Event{Type: JobGeneration})
    deliver(ch, Event{Type: JobFailed})
    assert.Equal(t, JobRunning, (<-ch).Type)
    assert.Equal(t, JobFailed, (<-ch).Type)
}

func TestTerminal(t *testing.T) {
    assert.True(t, Event{Type: JobCompleted}.Terminal())
    assert.True(t, Event{Type: JobFailed}.Terminal())
    assert.False(t, Event{Type: JobRunning}.Terminal())
}

func TestRedisRoundTrip(t *testing.T) {
    url := os.Getenv("REDIS_URL")
    if url == "" { t.Skip("REDIS_URL not set") }
    b, err := NewRedis(url, nil)
    require.NoError(t, err)
    defer b.Close()

    ch := b.Subscribe("rt")
    b.Publish("rt", Event{Type: JobRunning})
    select {
    case got := <-ch:
        assert.Equal(t, JobRunning, got.Type)
        assert.Equal(t, "rt", got.JobID)
    case <-time.After(2 * time.Second):
        t.Fatal("timeout waiting for redis event")
    }
    b.Unsubscribe("rt", ch)
}
