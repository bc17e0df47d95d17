// Package main submits a demo route and follows its progress over WebSocket.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	start := flag.String("start", "-119.9,39.9", "start lon,lat")
	dest := flag.String("dest", "-119.5,39.6", "destination lon,lat")
	gens := flag.Int("generations", 50, "generation budget")
	timeout := flag.Duration("timeout", 2*time.Minute, "give up after this long")
	flag.Parse()
	base := fmt.Sprintf("http://localhost:%s", port)

	q := url.Values{"start": {*start}, "dest": {*dest}, "generations": {fmt.Sprint(*gens)}}
	resp, err := http.Post(base+"/v1/compute?"+q.Encode(), "application/json", nil)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusAccepted {
		log.Fatalf("compute: %s", resp.Status)
	}
	var job struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		log.Fatal(err)
	}
	log.Printf("Job ID: %s", job.ID)

	// Connect WS
	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/jobs/ws"}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	if err := c.WriteJSON(wsMessage{Type: "connection_init"}); err != nil {
		log.Fatal(err)
	}
	pl, _ := json.Marshal(map[string]string{"jobId": job.ID})
	if err := c.WriteJSON(wsMessage{Type: "subscribe", ID: "1", Payload: pl}); err != nil {
		log.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m wsMessage
			if err := c.ReadJSON(&m); err != nil {
				log.Printf("read: %v", err)
				return
			}
			switch m.Type {
			case "ping":
				_ = c.WriteJSON(wsMessage{Type: "pong"})
			case "complete":
				log.Printf("WS <- complete")
				return
			default:
				log.Printf("WS <- %s: %s", m.Type, string(m.Payload))
			}
		}
	}()

	select {
	case <-time.After(*timeout):
		log.Printf("timed out")
		return
	case <-done:
	}

	res, err := http.Get(base + "/v1/retrieve?id=" + url.QueryEscape(job.ID))
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = res.Body.Close() }()
	var out struct {
		Distance   float64 `json:"distance"`
		Time       float64 `json:"time"`
		StopReason string  `json:"stopReason"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		log.Fatalf("retrieve: %s: %v", res.Status, err)
	}
	log.Printf("route: %.0f m in %.1f s (%s)", out.Distance, out.Time, out.StopReason)
}
