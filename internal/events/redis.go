package events

import (
    "context"
    "encoding/json"
    "sync"
    "time"

    redis "github.com/redis/go-redis/v9"
    "go.uber.org/zap"
)

// Redis implements Broker over Redis Pub/Sub so any API replica can stream
// a job computed by another.
type Redis struct {
    rdb    *redis.Client
    logger *zap.Logger

    mu  sync.Mutex
    sub map[chan Event]*redis.PubSub
}

func NewRedis(url string, logger *zap.Logger) (*Redis, error) {
    opt, err := redis.ParseURL(url)
    if err != nil { return nil, err }
    if logger == nil { logger = zap.NewNop() }
    return &Redis{rdb: redis.NewClient(opt), logger: logger, sub: map[chan Event]*redis.PubSub{}}, nil
}

// Ping checks the connection.
func (b *Redis) Ping(ctx context.Context) error { return b.rdb.Ping(ctx).Err() }

func (b *Redis) Subscribe(jobID string) chan Event {
    ch := make(chan Event, 16)
    ctx := context.Background()
    ps := b.rdb.Subscribe(ctx, b.chanName(jobID))
    // wait for the subscription confirmation so nothing published after
    // Subscribe returns is lost
    if _, err := ps.Receive(ctx); err != nil {
        b.logger.Warn("redis subscribe failed", zap.String("job", jobID), zap.Error(err))
    }
    b.mu.Lock()
    b.sub[ch] = ps
    b.mu.Unlock()
    go func() {
        defer close(ch)
        for msg := range ps.Channel() {
            var evt Event
            if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil { continue }
            deliver(ch, evt)
        }
    }()
    return ch
}

// Unsubscribe closes the subscription; ch is closed once its reader
// goroutine exits.
func (b *Redis) Unsubscribe(jobID string, ch chan Event) {
    b.mu.Lock()
    ps, ok := b.sub[ch]
    delete(b.sub, ch)
    b.mu.Unlock()
    if ok { _ = ps.Close() }
}

func (b *Redis) Publish(jobID string, evt Event) {
    if evt.JobID == "" { evt.JobID = jobID }
    if evt.Time.IsZero() { evt.Time = time.Now().UTC() }
    ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
    defer cancel()
    data, err := json.Marshal(evt)
    if err != nil { return }
    if err := b.rdb.Publish(ctx, b.chanName(jobID), data).Err(); err != nil {
        b.logger.Warn("redis publish failed", zap.String("job", jobID), zap.String("type", evt.Type), zap.Error(err))
    }
}

func (b *Redis) Close() error {
    b.mu.Lock()
    for ch, ps := range b.sub {
        _ = ps.Close()
        delete(b.sub, ch)
    }
    b.mu.Unlock()
    return b.rdb.Close()
}

func (b *Redis) chanName(jobID string) string { return "job:" + jobID }
