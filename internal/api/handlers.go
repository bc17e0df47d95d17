package api

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "net/http"
    "strconv"
    "time"

    "go.uber.org/zap"

    "podroutes/internal/buildinfo"
    "podroutes/internal/events"
    "podroutes/internal/route"
    "podroutes/internal/store"
)

const heartbeatInterval = 15 * time.Second

// ComputeHandler admits a route request given as start/dest query
// parameters (GET or POST) or as a JSON body (POST).
func (s *Server) ComputeHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet && r.Method != http.MethodPost {
        w.Header().Set("Allow", "GET, POST")
        writeProblem(w, http.StatusMethodNotAllowed, "Method Not Allowed", "", r.URL.Path)
        return
    }
    if s.Limiter != nil && !s.Limiter.Allow() {
        w.Header().Set("Retry-After", "1")
        writeProblem(w, http.StatusTooManyRequests, "Too Many Requests", "compute rate exceeded", r.URL.Path)
        return
    }
    var req route.Request
    var err error
    if r.Method == http.MethodPost && r.URL.Query().Get("start") == "" {
        if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
            return
        }
        err = req.Validate()
    } else {
        req, err = requestFromQuery(r.URL.Query())
    }
    if err != nil {
        writeKindProblem(w, http.StatusBadRequest, "Invalid Request", err.Error(), r.URL.Path, string(route.KindInvalid))
        return
    }
    id, err := s.Queue.Submit(req)
    switch {
    case errors.Is(err, route.ErrQueueFull):
        w.Header().Set("Retry-After", "5")
        writeProblem(w, http.StatusServiceUnavailable, "Queue Full", err.Error(), r.URL.Path)
        return
    case err != nil:
        writeKindProblem(w, http.StatusBadRequest, "Invalid Request", err.Error(), r.URL.Path, string(route.KindOf(err)))
        return
    }
    s.Logger.Info("route submitted", zap.String("job", id), zap.Stringer("start", req.Start), zap.Stringer("dest", req.Dest))
    w.Header().Set("Location", "/v1/jobs/"+id)
    writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

// RetrieveHandler answers false until the job is terminal, then the result
// or the failure.
func (s *Server) RetrieveHandler(w http.ResponseWriter, r *http.Request) {
    id := r.URL.Query().Get("id")
    if id == "" { writeProblem(w, http.StatusBadRequest, "Missing id", "", r.URL.Path); return }
    st, err := s.Queue.Retrieve(id)
    if err != nil { s.jobError(w, r, err); return }
    switch st.State {
    case route.Completed:
        writeJSON(w, http.StatusOK, st.Result)
    case route.Failed:
        writeKindProblem(w, http.StatusUnprocessableEntity, "Route Failed", st.Error, r.URL.Path, string(st.Kind))
    default:
        writeJSON(w, http.StatusOK, false)
    }
}

func (s *Server) JobHandler(w http.ResponseWriter, r *http.Request) {
    st, err := s.Queue.Poll(r.PathValue("id"))
    if err != nil { s.jobError(w, r, err); return }
    writeJSON(w, http.StatusOK, st)
}

func (s *Server) CancelHandler(w http.ResponseWriter, r *http.Request) {
    ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
    defer cancel()
    st, err := s.Queue.Cancel(ctx, r.PathValue("id"))
    if err != nil && !errors.Is(err, context.DeadlineExceeded) { s.jobError(w, r, err); return }
    if err != nil {
        // cancellation is requested but the worker is still unwinding
        writeJSON(w, http.StatusAccepted, st)
        return
    }
    writeJSON(w, http.StatusOK, st)
}

func (s *Server) jobError(w http.ResponseWriter, r *http.Request, err error) {
    if errors.Is(err, route.ErrNotFound) {
        writeProblem(w, http.StatusNotFound, "Not Found", "unknown job id", r.URL.Path)
        return
    }
    s.Logger.Error("job lookup failed", zap.String("path", r.URL.Path), zap.Error(err))
    writeProblem(w, http.StatusInternalServerError, "Internal Error", err.Error(), r.URL.Path)
}

// EventsHandler streams a job's events as server-sent events until the job
// finishes or the client goes away.
func (s *Server) EventsHandler(w http.ResponseWriter, r *http.Request) {
    id := r.PathValue("id")
    flusher, ok := w.(http.Flusher)
    if !ok { writeProblem(w, http.StatusInternalServerError, "Streaming unsupported", "", r.URL.Path); return }
    if s.Broker == nil { writeProblem(w, http.StatusServiceUnavailable, "No event broker", "", r.URL.Path); return }
    // subscribe before the snapshot so nothing falls between the two
    ch := s.Broker.Subscribe(id)
    defer s.Broker.Unsubscribe(id, ch)
    done, err := s.Queue.Done(id)
    if err != nil { s.jobError(w, r, err); return }
    st, err := s.Queue.Poll(id)
    if err != nil { s.jobError(w, r, err); return }

    w.Header().Set("Content-Type", "text/event-stream")
    w.Header().Set("Cache-Control", "no-cache")
    w.Header().Set("Connection", "keep-alive")
    writeSSE(w, "status", st)
    flusher.Flush()
    if st.State.Terminal() { return }

    heartbeat := time.NewTicker(heartbeatInterval)
    defer heartbeat.Stop()
    for {
        select {
        case <-r.Context().Done():
            return
        case evt, ok := <-ch:
            if !ok { return }
            writeSSE(w, evt.Type, evt)
            flusher.Flush()
            if evt.Terminal() { return }
        case <-done:
            // the job ended; flush what is buffered and close with its outcome
        drain:
            for {
                select {
                case evt, ok := <-ch:
                    if !ok { return }
                    writeSSE(w, evt.Type, evt)
                    if evt.Terminal() { flusher.Flush(); return }
                default:
                    break drain
                }
            }
            if st, err := s.Queue.Poll(id); err == nil {
                evt := terminalEvent(st)
                writeSSE(w, evt.Type, evt)
            }
            flusher.Flush()
            return
        case <-heartbeat.C:
            fmt.Fprintf(w, "event: heartbeat\n")
            fmt.Fprintf(w, "data: {\"jobId\":\"%s\",\"ts\":\"%s\"}\n\n", id, time.Now().UTC().Format(time.RFC3339))
            flusher.Flush()
        }
    }
}

// terminalEvent rebuilds the terminal event of a finished job from its status.
func terminalEvent(st route.Status) events.Event {
    evt := events.Event{Type: events.JobCompleted, JobID: st.ID, Time: time.Now().UTC(), Data: map[string]any{}}
    if st.FinishedAt != nil { evt.Time = *st.FinishedAt }
    if st.State == route.Failed {
        evt.Type = events.JobFailed
        evt.Data["kind"] = st.Kind
        evt.Data["error"] = st.Error
        return evt
    }
    if st.Result != nil {
        evt.Data["distance"] = st.Result.Distance
        evt.Data["time"] = st.Result.Time
    }
    return evt
}

func writeSSE(w http.ResponseWriter, event string, v any) {
    b, _ := json.Marshal(v)
    fmt.Fprintf(w, "event: %s\n", event)
    fmt.Fprintf(w, "data: %s\n\n", b)
}

// ArchiveHandler lists archived routes, newest first.
func (s *Server) ArchiveHandler(w http.ResponseWriter, r *http.Request) {
    if s.Archive == nil { writeProblem(w, http.StatusNotFound, "Archive disabled", "", r.URL.Path); return }
    limit := 0
    if v := r.URL.Query().Get("limit"); v != "" {
        n, err := strconv.Atoi(v)
        if err != nil { writeProblem(w, http.StatusBadRequest, "Invalid limit", err.Error(), r.URL.Path); return }
        limit = n
    }
    items, err := s.Archive.ListRoutes(r.Context(), limit)
    if err != nil { writeProblem(w, http.StatusInternalServerError, "List routes failed", err.Error(), r.URL.Path); return }
    writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) ArchiveRouteHandler(w http.ResponseWriter, r *http.Request) {
    if s.Archive == nil { writeProblem(w, http.StatusNotFound, "Archive disabled", "", r.URL.Path); return }
    rec, err := s.Archive.GetRoute(r.Context(), r.PathValue("id"))
    if errors.Is(err, store.ErrNotFound) { writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path); return }
    if err != nil { writeProblem(w, http.StatusInternalServerError, "Get route failed", err.Error(), r.URL.Path); return }
    writeJSON(w, http.StatusOK, rec)
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
    writeJSON(w, 200, map[string]string{"status": "ok"})
}

// ReadyHandler pings the archive and the broker when they support it.
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
    ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
    defer cancel()
    for name, dep := range map[string]any{"archive": s.Archive, "broker": s.Broker} {
        p, ok := dep.(pinger)
        if !ok { continue }
        if err := p.Ping(ctx); err != nil { writeProblem(w, 503, "Not Ready", name+": "+err.Error(), r.URL.Path); return }
    }
    writeJSON(w, 200, map[string]string{"status": "ready"})
}

func (s *Server) VersionHandler(w http.ResponseWriter, r *http.Request) {
    writeJSON(w, 200, buildinfo.Info())
}
