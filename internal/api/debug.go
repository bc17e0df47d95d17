package api

import (
    "encoding/json"
    "net/http"
    "os"
    "runtime"
    "time"

    "podroutes/internal/buildinfo"
)

func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
    info := map[string]any{
        "build": buildinfo.Info(),
        "time":  time.Now().UTC().Format(time.RFC3339),
        "runtime": map[string]any{
            "goroutines": runtime.NumGoroutine(),
            "gomaxprocs": runtime.GOMAXPROCS(0),
        },
        "queue": map[string]any{
            "jobs": s.Queue.Len(),
        },
        "config": map[string]any{
            "PORT":                os.Getenv("PORT"),
            "ROUTES_CONFIG":       os.Getenv("ROUTES_CONFIG"),
            "ROUTES_WORKERS":      os.Getenv("ROUTES_WORKERS"),
            "HAS_DATABASE_URL":    os.Getenv("DATABASE_URL") != "",
            "HAS_REDIS_URL":       os.Getenv("REDIS_URL") != "",
            "HAS_CALLBACK_SECRET": os.Getenv("CALLBACK_SECRET") != "",
        },
    }
    for k, v := range s.Info { info[k] = v }
    w.Header().Set("Content-Type", "application/json")
    _ = json.NewEncoder(w).Encode(info)
}
