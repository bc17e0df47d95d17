package api

import (
    "bufio"
    "bytes"
    "context"
    "encoding/json"
    "io"
    "net/http"
    "net/http/httptest"
    "strings"
    "testing"
    "time"

    "github.com/gorilla/websocket"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
    "go.uber.org/zap/zaptest"
    "golang.org/x/time/rate"

    "podroutes/internal/events"
    "podroutes/internal/metrics"
    "podroutes/internal/route"
    "podroutes/internal/store"
)

const computeQuery = "/v1/compute?start=-120,40&dest=-119.9,40.05"

// gatedRunner finishes a job once release is closed and honors cancellation.
type gatedRunner struct {
    started     chan string
    release     chan struct{}
    generations int // reported after release; set before closing release
}

func newGatedRunner(open bool) *gatedRunner {
    g := &gatedRunner{started: make(chan string, 16), release: make(chan struct{}), generations: 1}
    if open { close(g.release) }
    return g
}

func (g *gatedRunner) Solve(ctx context.Context, id string, req route.Request, onGeneration func(route.Update)) (*route.Result, error) {
    select { case g.started <- id: default: }
    select {
    case <-g.release:
    case <-ctx.Done():
        return nil, ctx.Err()
    }
    for gen := 1; onGeneration != nil && gen <= g.generations; gen++ {
        onGeneration(route.Update{Generation: gen, Sigma: 0.5})
    }
    return &route.Result{Start: req.Start, Dest: req.Dest, Distance: 1500, Time: 30, StopReason: "generations"}, nil
}

type testEnv struct {
    srv     *Server
    handler http.Handler
    runner  *gatedRunner
    archive *store.Memory
}

func newTestEnv(t *testing.T, open bool, opts route.QueueOptions) *testEnv {
    t.Helper()
    metrics.RegisterDefault()
    runner := newGatedRunner(open)
    if opts.Broker == nil { opts.Broker = events.NewMemory() }
    broker := opts.Broker
    archive := store.NewMemory()
    opts.Archive = archive
    opts.Logger = zaptest.NewLogger(t)
    if opts.Workers == 0 { opts.Workers = 2 }
    q := route.NewQueue(runner, opts)
    q.Start(context.Background())
    t.Cleanup(func() {
        select { case <-runner.release: default: close(runner.release) }
        q.Stop()
    })
    srv := NewServer(q, broker, archive, nil, zaptest.NewLogger(t))
    return &testEnv{srv: srv, handler: srv.Routes(), runner: runner, archive: archive}
}

func (e *testEnv) do(t *testing.T, method, target string, body io.Reader) *httptest.ResponseRecorder {
    t.Helper()
    rr := httptest.NewRecorder()
    e.handler.ServeHTTP(rr, httptest.NewRequest(method, target, body))
    return rr
}

func (e *testEnv) submit(t *testing.T) string {
    t.Helper()
    rr := e.do(t, http.MethodGet, computeQuery, nil)
    require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
    var out map[string]string
    require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
    require.NotEmpty(t, out["id"])
    return out["id"]
}

func (e *testEnv) wait(t *testing.T, id string) route.Status {
    t.Helper()
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    st, err := e.srv.Queue.Wait(ctx, id)
    require.NoError(t, err)
    return st
}

// slowRecorder stalls every write like a client on a congested link.
type slowRecorder struct {
    *httptest.ResponseRecorder
    delay time.Duration
}

func (r *slowRecorder) Write(b []byte) (int, error) {
    time.Sleep(r.delay)
    return r.ResponseRecorder.Write(b)
}

// lossyBroker loses every terminal event.
type lossyBroker struct{ *events.Memory }

func (b lossyBroker) Publish(jobID string, evt events.Event) {
    if evt.Terminal() { return }
    b.Memory.Publish(jobID, evt)
}

// serveEvents streams a job's events into rr until the handler returns or
// the deadline passes.
func (e *testEnv) serveEvents(t *testing.T, rr http.ResponseWriter, id string, subscribers func() int) {
    t.Helper()
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    req := httptest.NewRequest(http.MethodGet, "/v1/jobs/"+id+"/events", nil).WithContext(ctx)
    returned := make(chan struct{})
    go func() {
        defer close(returned)
        e.handler.ServeHTTP(rr, req)
    }()
    require.Eventually(t, func() bool { return subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)
    close(e.runner.release)
    select {
    case <-returned:
        require.NoError(t, ctx.Err(), "stream ended on the deadline, not on the job")
    case <-time.After(10 * time.Second):
        t.Fatal("events handler did not return")
    }
}

func decodeProblem(t *testing.T, rr *httptest.ResponseRecorder) Problem {
    t.Helper()
    var p Problem
    require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &p))
    return p
}

func TestHealthReadyVersion(t *testing.T) {
    e := newTestEnv(t, true, route.QueueOptions{})
    rr := e.do(t, http.MethodGet, "/healthz", nil)
    assert.Equal(t, 200, rr.Code)
    assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
    rr = e.do(t, http.MethodGet, "/readyz", nil)
    assert.Equal(t, 200, rr.Code)
    rr = e.do(t, http.MethodGet, "/version", nil)
    assert.Equal(t, 200, rr.Code)
    assert.Contains(t, rr.Body.String(), `"version"`)
    rr = e.do(t, http.MethodGet, "/debug/info", nil)
    assert.Equal(t, 200, rr.Code)
    assert.Contains(t, rr.Body.String(), `"queue"`)
}

func TestComputeRejectsBadInput(t *testing.T) {
    e := newTestEnv(t, true, route.QueueOptions{})
    for _, target := range []string{
        "/v1/compute",
        "/v1/compute?start=-120,40",
        "/v1/compute?start=abc&dest=-119.9,40.05",
        "/v1/compute?start=-120,40&dest=-120,40",
        "/v1/compute?start=-120,40&dest=-119.9,40.05&generations=x",
        "/v1/compute?start=-120,40&dest=-119.9,40.05&callback=ftp://host/x",
    } {
        rr := e.do(t, http.MethodGet, target, nil)
        assert.Equal(t, http.StatusBadRequest, rr.Code, target)
        assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"), target)
    }
    rr := e.do(t, http.MethodPost, "/v1/compute", strings.NewReader("{"))
    assert.Equal(t, http.StatusBadRequest, rr.Code)
    rr = e.do(t, http.MethodDelete, computeQuery, nil)
    assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestComputeAndRetrieve(t *testing.T) {
    e := newTestEnv(t, false, route.QueueOptions{})
    id := e.submit(t)

    // pending jobs answer false
    rr := e.do(t, http.MethodGet, "/v1/retrieve?id="+id, nil)
    require.Equal(t, 200, rr.Code)
    assert.Equal(t, "false", strings.TrimSpace(rr.Body.String()))

    close(e.runner.release)
    assert.Equal(t, route.Completed, e.wait(t, id).State)

    rr = e.do(t, http.MethodGet, "/v1/retrieve?id="+id, nil)
    require.Equal(t, 200, rr.Code)
    var res route.Result
    require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
    assert.Equal(t, 1500.0, res.Distance)
    assert.NotEmpty(t, res.ArchiveID)

    rr = e.do(t, http.MethodGet, "/v1/jobs/"+id, nil)
    require.Equal(t, 200, rr.Code)
    var st route.Status
    require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
    assert.Equal(t, route.Completed, st.State)
    assert.Equal(t, 1, st.Generation)
}

func TestComputeJSONBody(t *testing.T) {
    e := newTestEnv(t, true, route.QueueOptions{})
    body, _ := json.Marshal(map[string]any{
        "start":       map[string]float64{"lon": -120, "lat": 40},
        "dest":        map[string]float64{"lon": -119.9, "lat": 40.05},
        "generations": 10,
    })
    rr := e.do(t, http.MethodPost, "/v1/compute", bytes.NewReader(body))
    require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
    assert.True(t, strings.HasPrefix(rr.Header().Get("Location"), "/v1/jobs/"))
}

func TestUnknownJob(t *testing.T) {
    e := newTestEnv(t, true, route.QueueOptions{})
    assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/v1/retrieve?id=nope", nil).Code)
    assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/v1/retrieve", nil).Code)
    assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/v1/jobs/nope", nil).Code)
    assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodPost, "/v1/jobs/nope/cancel", nil).Code)
    assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/v1/jobs/nope/events", nil).Code)
}

func TestCancelRunningJob(t *testing.T) {
    e := newTestEnv(t, false, route.QueueOptions{})
    id := e.submit(t)
    select {
    case <-e.runner.started:
    case <-time.After(5 * time.Second):
        t.Fatal("job never started")
    }
    rr := e.do(t, http.MethodPost, "/v1/jobs/"+id+"/cancel", nil)
    require.Equal(t, 200, rr.Code, rr.Body.String())
    var st route.Status
    require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
    assert.Equal(t, route.Failed, st.State)
    assert.Equal(t, route.KindCancelled, st.Kind)

    rr = e.do(t, http.MethodGet, "/v1/retrieve?id="+id, nil)
    require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
    assert.Equal(t, string(route.KindCancelled), decodeProblem(t, rr).Kind)
}

func TestQueueFull(t *testing.T) {
    e := newTestEnv(t, false, route.QueueOptions{Workers: 1, Capacity: 1})
    e.submit(t)
    <-e.runner.started
    e.submit(t)
    rr := e.do(t, http.MethodGet, computeQuery, nil)
    assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
    assert.NotEmpty(t, rr.Header().Get("Retry-After"))
}

func TestComputeRateLimited(t *testing.T) {
    e := newTestEnv(t, true, route.QueueOptions{})
    e.srv.Limiter = rate.NewLimiter(rate.Every(time.Hour), 1)
    e.submit(t)
    rr := e.do(t, http.MethodGet, computeQuery, nil)
    assert.Equal(t, http.StatusTooManyRequests, rr.Code)
}

func TestArchiveEndpoints(t *testing.T) {
    e := newTestEnv(t, true, route.QueueOptions{})
    id := e.submit(t)
    st := e.wait(t, id)
    require.Equal(t, route.Completed, st.State)

    rr := e.do(t, http.MethodGet, "/v1/archive?limit=5", nil)
    require.Equal(t, 200, rr.Code)
    var list struct{ Items []store.Summary `json:"items"` }
    require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
    require.Len(t, list.Items, 1)
    assert.Equal(t, id, list.Items[0].JobID)

    rr = e.do(t, http.MethodGet, "/v1/archive/"+st.Result.ArchiveID, nil)
    require.Equal(t, 200, rr.Code)
    assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/v1/archive/missing", nil).Code)
    assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/v1/archive?limit=x", nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
    e := newTestEnv(t, true, route.QueueOptions{})
    e.submit(t)
    rr := e.do(t, http.MethodGet, "/metrics", nil)
    require.Equal(t, 200, rr.Code)
    body := rr.Body.String()
    assert.Contains(t, body, "route_jobs_submitted_total")
    assert.Contains(t, body, `path="/v1/compute"`)
}

func TestEventsCompletedJob(t *testing.T) {
    e := newTestEnv(t, true, route.QueueOptions{})
    id := e.submit(t)
    e.wait(t, id)
    rr := e.do(t, http.MethodGet, "/v1/jobs/"+id+"/events", nil)
    require.Equal(t, 200, rr.Code)
    assert.Equal(t, "text/event-stream", rr.Header().Get("Content-Type"))
    assert.Contains(t, rr.Body.String(), "event: status\n")
    assert.Contains(t, rr.Body.String(), `"state":"completed"`)
}

func TestEventsStream(t *testing.T) {
    e := newTestEnv(t, false, route.QueueOptions{})
    ts := httptest.NewServer(e.handler)
    defer ts.Close()
    id := e.submit(t)

    resp, err := http.Get(ts.URL + "/v1/jobs/" + id + "/events")
    require.NoError(t, err)
    defer resp.Body.Close()
    sc := bufio.NewScanner(resp.Body)
    var seen []string
    for sc.Scan() {
        line := sc.Text()
        if !strings.HasPrefix(line, "event: ") { continue }
        typ := strings.TrimPrefix(line, "event: ")
        seen = append(seen, typ)
        if typ == "status" { close(e.runner.release) }
    }
    require.NotEmpty(t, seen)
    assert.Equal(t, "status", seen[0])
    assert.Contains(t, seen, events.JobGeneration)
    assert.Equal(t, events.JobCompleted, seen[len(seen)-1])
}

func TestEventsSlowClientSeesCompletion(t *testing.T) {
    e := newTestEnv(t, false, route.QueueOptions{})
    e.runner.generations = 200
    id := e.submit(t)
    mem := e.srv.Broker.(*events.Memory)

    rr := &slowRecorder{ResponseRecorder: httptest.NewRecorder(), delay: 2 * time.Millisecond}
    e.serveEvents(t, rr, id, func() int { return mem.Subscribers(id) })
    body := rr.Body.String()
    assert.Contains(t, body, "event: job.generation\n")
    last := body[strings.LastIndex(body, "event: "):]
    assert.True(t, strings.HasPrefix(last, "event: job.completed\n"), last)
}

func TestEventsEndWhenTerminalEventIsLost(t *testing.T) {
    broker := lossyBroker{events.NewMemory()}
    e := newTestEnv(t, false, route.QueueOptions{Broker: broker})
    id := e.submit(t)

    rr := httptest.NewRecorder()
    e.serveEvents(t, rr, id, func() int { return broker.Subscribers(id) })
    body := rr.Body.String()
    last := body[strings.LastIndex(body, "event: "):]
    assert.True(t, strings.HasPrefix(last, "event: job.completed\n"), body)
    assert.Contains(t, last, `"distance":1500`)
}

func TestEventsDoNotEvictOnRetrieve(t *testing.T) {
    e := newTestEnv(t, true, route.QueueOptions{RemoveOnRetrieve: true})
    id := e.submit(t)
    e.wait(t, id)

    for i := 0; i < 2; i++ {
        rr := e.do(t, http.MethodGet, "/v1/jobs/"+id, nil)
        require.Equal(t, http.StatusOK, rr.Code)
        rr = e.do(t, http.MethodGet, "/v1/jobs/"+id+"/events", nil)
        require.Equal(t, http.StatusOK, rr.Code)
        assert.Contains(t, rr.Body.String(), `"state":"completed"`)
    }

    rr := e.do(t, http.MethodGet, "/v1/retrieve?id="+id, nil)
    require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
    var res route.Result
    require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
    assert.Equal(t, 1500.0, res.Distance)

    rr = e.do(t, http.MethodGet, "/v1/retrieve?id="+id, nil)
    assert.Equal(t, http.StatusNotFound, rr.Code)
    rr = e.do(t, http.MethodGet, "/v1/jobs/"+id, nil)
    assert.Equal(t, http.StatusNotFound, rr.Code)
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
    t.Helper()
    conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/jobs/ws", nil)
    require.NoError(t, err)
    t.Cleanup(func() { _ = conn.Close() })
    _ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
    return conn
}

func TestWebSocketRejectsSecondInit(t *testing.T) {
    e := newTestEnv(t, true, route.QueueOptions{})
    ts := httptest.NewServer(e.handler)
    defer ts.Close()
    conn := dialWS(t, ts)

    require.NoError(t, conn.WriteJSON(wsMessage{Type: "connection_init"}))
    var msg wsMessage
    require.NoError(t, conn.ReadJSON(&msg))
    assert.Equal(t, "connection_ack", msg.Type)

    require.NoError(t, conn.WriteJSON(wsMessage{Type: "connection_init"}))
    err := conn.ReadJSON(&msg)
    require.Error(t, err)
    assert.True(t, websocket.IsCloseError(err, closeTooManyInits), "got %v", err)
}

func TestWebSocketCompletesWhenTerminalEventIsLost(t *testing.T) {
    broker := lossyBroker{events.NewMemory()}
    e := newTestEnv(t, false, route.QueueOptions{Broker: broker})
    ts := httptest.NewServer(e.handler)
    defer ts.Close()
    id := e.submit(t)
    conn := dialWS(t, ts)

    require.NoError(t, conn.WriteJSON(wsMessage{Type: "connection_init"}))
    var msg wsMessage
    require.NoError(t, conn.ReadJSON(&msg))
    require.NoError(t, conn.WriteJSON(wsMessage{Type: "subscribe", ID: "1", Payload: json.RawMessage(`{"jobId":"` + id + `"}`)}))
    require.NoError(t, conn.ReadJSON(&msg))
    require.Equal(t, "next", msg.Type)
    close(e.runner.release)

    var last wsMessage
    for {
        require.NoError(t, conn.ReadJSON(&msg))
        if msg.Type == "complete" { break }
        last = msg
    }
    assert.Equal(t, "next", last.Type)
    assert.Contains(t, string(last.Payload), events.JobCompleted)
}

func TestWebSocketStream(t *testing.T) {
    e := newTestEnv(t, false, route.QueueOptions{})
    ts := httptest.NewServer(e.handler)
    defer ts.Close()
    id := e.submit(t)

    conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/jobs/ws", nil)
    require.NoError(t, err)
    defer conn.Close()
    _ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

    require.NoError(t, conn.WriteJSON(wsMessage{Type: "connection_init"}))
    var msg wsMessage
    require.NoError(t, conn.ReadJSON(&msg))
    assert.Equal(t, "connection_ack", msg.Type)

    require.NoError(t, conn.WriteJSON(wsMessage{Type: "subscribe", ID: "1", Payload: json.RawMessage(`{"jobId":"` + id + `"}`)}))
    require.NoError(t, conn.ReadJSON(&msg))
    require.Equal(t, "next", msg.Type)
    assert.Contains(t, string(msg.Payload), `"status"`)
    close(e.runner.release)

    var completed bool
    for {
        require.NoError(t, conn.ReadJSON(&msg))
        if msg.Type == "complete" { break }
        require.Equal(t, "next", msg.Type)
        if strings.Contains(string(msg.Payload), events.JobCompleted) { completed = true }
    }
    assert.True(t, completed)
    assert.Equal(t, "1", msg.ID)

    require.NoError(t, conn.WriteJSON(wsMessage{Type: "subscribe", ID: "2", Payload: json.RawMessage(`{"jobId":"missing"}`)}))
    require.NoError(t, conn.ReadJSON(&msg))
    assert.Equal(t, "error", msg.Type)
    require.NoError(t, conn.ReadJSON(&msg))
    assert.Equal(t, "complete", msg.Type)
}
