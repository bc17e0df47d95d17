package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"podroutes/internal/events"
	"podroutes/internal/route"
)

// Job events over WebSocket, framed like graphql-transport-ws: connection_init,
// subscribe with {"jobId": ...}, then next messages until complete.

// closeTooManyInits is the graphql-transport-ws close code for a repeated
// connection_init.
const closeTooManyInits = 4429

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type subscribePayload struct {
	JobID string `json:"jobId"`
}

// WSHandler handles /v1/jobs/ws
func (s *Server) WSHandler(w http.ResponseWriter, r *http.Request) {
	if s.Broker == nil {
		writeProblem(w, http.StatusServiceUnavailable, "No event broker", "", r.URL.Path)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	type sub struct {
		jobID string
		ch    chan events.Event
	}
	var (
		mu   sync.Mutex // guards subs and serializes writes
		subs = map[string]sub{}
		done = make(chan struct{})
	)
	defer close(done)

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error { _ = conn.SetReadDeadline(time.Now().Add(60 * time.Second)); return nil })

	write := func(v any) error {
		mu.Lock()
		defer mu.Unlock()
		return conn.WriteJSON(v)
	}
	fail := func(id, message string) {
		b, _ := json.Marshal(map[string]string{"message": message})
		_ = write(wsMessage{Type: "error", ID: id, Payload: b})
		_ = write(wsMessage{Type: "complete", ID: id})
	}
	drop := func(id string) {
		mu.Lock()
		s0, ok := subs[id]
		delete(subs, id)
		mu.Unlock()
		if ok {
			s.Broker.Unsubscribe(s0.jobID, s0.ch)
		}
	}
	next := func(id string, v any) error {
		payload, _ := json.Marshal(map[string]any{"data": v})
		return write(wsMessage{Type: "next", ID: id, Payload: payload})
	}

	initialized := false
read:
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		switch msg.Type {
		case "connection_init":
			if initialized {
				closeMsg := websocket.FormatCloseMessage(closeTooManyInits, "Too many initialisation requests")
				_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
				break read
			}
			initialized = true
			_ = write(wsMessage{Type: "connection_ack"})
			go func() {
				ticker := time.NewTicker(20 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-done:
						return
					case <-ticker.C:
						if err := write(wsMessage{Type: "ping"}); err != nil {
							return
						}
					}
				}
			}()
		case "ping":
			_ = write(wsMessage{Type: "pong"})
		case "subscribe":
			var pl subscribePayload
			_ = json.Unmarshal(msg.Payload, &pl)
			if pl.JobID == "" {
				fail(msg.ID, "jobId required")
				continue
			}
			mu.Lock()
			_, dup := subs[msg.ID]
			mu.Unlock()
			if dup {
				fail(msg.ID, "subscription id already in use")
				continue
			}
			ch := s.Broker.Subscribe(pl.JobID)
			jobDone, err := s.Queue.Done(pl.JobID)
			var st route.Status
			if err == nil {
				st, err = s.Queue.Poll(pl.JobID)
			}
			if err != nil {
				s.Broker.Unsubscribe(pl.JobID, ch)
				fail(msg.ID, "unknown job")
				continue
			}
			_ = next(msg.ID, map[string]any{"status": st})
			if st.State.Terminal() {
				s.Broker.Unsubscribe(pl.JobID, ch)
				_ = write(wsMessage{Type: "complete", ID: msg.ID})
				continue
			}
			mu.Lock()
			subs[msg.ID] = sub{jobID: pl.JobID, ch: ch}
			mu.Unlock()
			go func(id, jobID string, c chan events.Event, jobDone <-chan struct{}) {
				defer func() {
					drop(id)
					_ = write(wsMessage{Type: "complete", ID: id})
				}()
				// forward reports whether the subscription should end
				forward := func(evt events.Event) bool {
					if err := next(id, map[string]any{"jobEvents": evt}); err != nil {
						s.Logger.Debug("ws write failed", zap.String("sub", id), zap.Error(err))
						return true
					}
					return evt.Terminal()
				}
				for {
					select {
					case <-done:
						return
					case evt, ok := <-c:
						if !ok || forward(evt) {
							return
						}
					case <-jobDone:
						for {
							select {
							case evt, ok := <-c:
								if !ok || forward(evt) {
									return
								}
							default:
								if st, err := s.Queue.Poll(jobID); err == nil {
									forward(terminalEvent(st))
								}
								return
							}
						}
					}
				}
			}(msg.ID, pl.JobID, ch, jobDone)
		case "complete":
			drop(msg.ID)
		default:
			// ignore
		}
	}

	mu.Lock()
	ids := make([]string, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	mu.Unlock()
	for _, id := range ids {
		drop(id)
	}
}
