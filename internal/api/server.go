package api

import (
    "bufio"
    "context"
    "errors"
    "net"
    "net/http"
    "strconv"
    "time"

    "github.com/prometheus/client_golang/prometheus/promhttp"
    "go.uber.org/zap"
    "golang.org/x/time/rate"

    "podroutes/internal/events"
    "podroutes/internal/metrics"
    "podroutes/internal/route"
    "podroutes/internal/store"
)

type Server struct {
    Queue   *route.Queue
    Broker  events.Broker
    Archive store.Archive // nil disables /v1/archive
    Limiter *rate.Limiter // compute admission, nil = unlimited
    Logger  *zap.Logger
    Info    map[string]any // extra fields for /debug/info
}

// NewServer wires the handlers to a running queue.
func NewServer(q *route.Queue, broker events.Broker, archive store.Archive, limiter *rate.Limiter, logger *zap.Logger) *Server {
    if logger == nil { logger = zap.NewNop() }
    return &Server{Queue: q, Broker: broker, Archive: archive, Limiter: limiter, Logger: logger}
}

// Routes returns the HTTP handler for every endpoint.
func (s *Server) Routes() http.Handler {
    mux := http.NewServeMux()

    // Jobs
    mux.HandleFunc("/v1/compute", s.ComputeHandler)
    mux.HandleFunc("GET /v1/retrieve", s.RetrieveHandler)
    mux.HandleFunc("GET /v1/jobs/{id}", s.JobHandler)
    mux.HandleFunc("POST /v1/jobs/{id}/cancel", s.CancelHandler)
    mux.HandleFunc("GET /v1/jobs/{id}/events", s.EventsHandler)
    mux.HandleFunc("GET /v1/jobs/ws", s.WSHandler)

    // Archive
    mux.HandleFunc("GET /v1/archive", s.ArchiveHandler)
    mux.HandleFunc("GET /v1/archive/{id}", s.ArchiveRouteHandler)

    // Health and ops
    mux.HandleFunc("GET /healthz", s.HealthHandler)
    mux.HandleFunc("GET /readyz", s.ReadyHandler)
    mux.HandleFunc("GET /version", s.VersionHandler)
    mux.HandleFunc("GET /debug/info", s.DebugJSON)
    mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

    return s.observe(mux)
}

// statusRecorder keeps Flush and Hijack working for SSE and websockets.
type statusRecorder struct {
    http.ResponseWriter
    status int
}

func (r *statusRecorder) WriteHeader(code int) {
    if r.status == 0 { r.status = code }
    r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
    if r.status == 0 { r.status = http.StatusOK }
    return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
    if f, ok := r.ResponseWriter.(http.Flusher); ok { f.Flush() }
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
    h, ok := r.ResponseWriter.(http.Hijacker)
    if !ok { return nil, nil, errors.New("api: response writer cannot hijack") }
    // hijacked connections report 101
    r.status = http.StatusSwitchingProtocols
    return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// observe records request metrics and logs every request.
func (s *Server) observe(next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        start := time.Now()
        rec := &statusRecorder{ResponseWriter: w}
        next.ServeHTTP(rec, r)
        if rec.status == 0 { rec.status = http.StatusOK }
        dur := time.Since(start)
        path := r.Pattern
        if path == "" { path = "unmatched" }
        code := strconv.Itoa(rec.status)
        metrics.HTTPRequests.WithLabelValues(r.Method, path, code).Inc()
        metrics.HTTPDuration.WithLabelValues(r.Method, path, code).Observe(dur.Seconds())
        s.Logger.Debug("http request",
            zap.String("remote", r.RemoteAddr), zap.String("method", r.Method),
            zap.String("path", r.URL.Path), zap.Int("status", rec.status), zap.Duration("duration", dur))
    })
}

type pinger interface{ Ping(ctx context.Context) error }
