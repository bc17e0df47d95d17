package notify

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestProcessOnceSuccessAndSignature(t *testing.T) {
	var mu sync.Mutex
	var gotSig, gotType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotSig = r.Header.Get("X-Signature")
		gotType = r.Header.Get("X-Event-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New("secret", 3, zaptest.NewLogger(t))
	n.HTTP = srv.Client()
	_, err := n.Notify(srv.URL, "job.completed", map[string]any{"jobId": "j1"})
	require.NoError(t, err)
	require.Equal(t, 1, n.Pending())

	n.processOnce(time.Now())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "job.completed", gotType)
	assert.True(t, VerifyHMAC("secret", gotBody, gotSig))
	assert.Equal(t, 0, n.Pending())
}

func TestProcessOnceRetriesThenAbandons(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := New("", 2, zaptest.NewLogger(t))
	n.HTTP = srv.Client()
	_, err := n.Notify(srv.URL, "job.failed", nil)
	require.NoError(t, err)

	now := time.Now().Add(time.Millisecond)
	n.processOnce(now)
	require.Equal(t, 1, n.Pending())

	// backoff has not elapsed
	n.processOnce(now)
	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()

	n.processOnce(now.Add(2 * time.Second))
	assert.Equal(t, 0, n.Pending())
	mu.Lock()
	assert.Equal(t, 2, calls)
	mu.Unlock()
}

func TestNextBackoff(t *testing.T) {
	assert.Equal(t, time.Second, nextBackoff(-1))
	assert.Equal(t, 8*time.Second, nextBackoff(3))
	assert.Equal(t, 1024*time.Second, nextBackoff(50))
}

func TestVerifyHMACRejectsGarbage(t *testing.T) {
	assert.False(t, VerifyHMAC("k", []byte("x"), "zz"))
	assert.False(t, VerifyHMAC("k", []byte("x"), SignHMAC("other", []byte("x"))))
	assert.True(t, VerifyHMAC("k", []byte("x"), SignHMAC("k", []byte("x"))))
}

func TestStartStopIdempotent(t *testing.T) {
	n := New("", 1, nil)
	n.Interval = time.Millisecond
	n.Start()
	n.Stop()
	n.Stop()

	// never started
	New("", 1, nil).Stop()
}
