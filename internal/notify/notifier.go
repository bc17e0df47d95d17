package notify

import (
    "bytes"
    "context"
    "encoding/json"
    "net/http"
    "sync"
    "time"

    "github.com/google/uuid"
    "go.uber.org/zap"

    "podroutes/internal/metrics"
)

// Delivery is one pending completion callback.
type Delivery struct {
    ID        string
    URL       string
    EventType string
    Payload   []byte
    Attempts  int
    NextAt    time.Time
}

// Notifier posts job completion callbacks, retrying failures with exponential backoff.
type Notifier struct {
    HTTP        *http.Client
    Secret      string
    MaxAttempts int
    Interval    time.Duration

    logger  *zap.Logger
    mu      sync.Mutex
    pending []*Delivery
    stop    chan struct{}
    done    chan struct{}
    start   sync.Once
    once    sync.Once
}

func New(secret string, maxAttempts int, logger *zap.Logger) *Notifier {
    if maxAttempts <= 0 { maxAttempts = 10 }
    if logger == nil { logger = zap.NewNop() }
    return &Notifier{
        HTTP: &http.Client{Timeout: 5 * time.Second}, Secret: secret, MaxAttempts: maxAttempts, Interval: time.Second,
        logger: logger, stop: make(chan struct{}), done: make(chan struct{}),
    }
}

// Notify queues a callback; the first attempt happens on the next tick.
func (n *Notifier) Notify(url, eventType string, data any) (string, error) {
    body, err := json.Marshal(map[string]any{
        "id":   "evt_" + uuid.NewString(),
        "type": eventType,
        "ts":   time.Now().UTC().Format(time.RFC3339),
        "data": data,
    })
    if err != nil { return "", err }
    d := &Delivery{ID: uuid.NewString(), URL: url, EventType: eventType, Payload: body, NextAt: time.Now()}
    n.mu.Lock()
    n.pending = append(n.pending, d)
    n.mu.Unlock()
    return d.ID, nil
}

// Pending returns the number of deliveries not yet delivered or abandoned.
func (n *Notifier) Pending() int {
    n.mu.Lock(); defer n.mu.Unlock()
    return len(n.pending)
}

func (n *Notifier) Start() {
    n.start.Do(func(){
        go func() {
            defer close(n.done)
            ticker := time.NewTicker(n.Interval)
            defer ticker.Stop()
            for {
                select {
                case <-n.stop:
                    return
                case <-ticker.C:
                    n.processOnce(time.Now())
                }
            }
        }()
    })
}

// Stop ends the loop. Pending deliveries are dropped.
func (n *Notifier) Stop() {
    n.once.Do(func(){
        close(n.stop)
        started := true
        n.start.Do(func(){ started = false })
        if started { <-n.done }
    })
}

func (n *Notifier) processOnce(now time.Time) {
    n.mu.Lock()
    var due, later []*Delivery
    for _, d := range n.pending {
        if !d.NextAt.After(now) { due = append(due, d) } else { later = append(later, d) }
    }
    n.pending = later
    n.mu.Unlock()
    if len(due) == 0 { return }

    ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
    defer cancel()
    var retry []*Delivery
    for _, d := range due {
        code, err := n.send(ctx, d)
        d.Attempts++
        if err == nil && code >= 200 && code < 300 {
            metrics.CallbackDeliveries.WithLabelValues("delivered").Inc()
            continue
        }
        if d.Attempts >= n.MaxAttempts {
            metrics.CallbackDeliveries.WithLabelValues("failed").Inc()
            n.logger.Warn("callback abandoned", zap.String("url", d.URL), zap.Int("attempts", d.Attempts), zap.Int("code", code), zap.Error(err))
            continue
        }
        metrics.CallbackDeliveries.WithLabelValues("retry").Inc()
        d.NextAt = now.Add(nextBackoff(d.Attempts - 1))
        retry = append(retry, d)
    }
    if len(retry) > 0 {
        n.mu.Lock()
        n.pending = append(n.pending, retry...)
        n.mu.Unlock()
    }
}

func (n *Notifier) send(ctx context.Context, d *Delivery) (int, error) {
    req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(d.Payload))
    if err != nil { return 0, err }
    req.Header.Set("Content-Type", "application/json")
    req.Header.Set("X-Event-Type", d.EventType)
    if n.Secret != "" {
        req.Header.Set("X-Signature", SignHMAC(n.Secret, d.Payload))
    }
    resp, err := n.HTTP.Do(req)
    if err != nil { return 0, err }
    if resp.Body != nil { _ = resp.Body.Close() }
    return resp.StatusCode, nil
}

func nextBackoff(attempts int) time.Duration {
    if attempts < 0 { attempts = 0 }
    if attempts > 10 { attempts = 10 }
    base := time.Second * time.Duration(1<<attempts)
    if base > time.Hour { base = time.Hour }
    return base
}
