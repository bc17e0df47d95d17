package store

import (
    "context"
    "errors"
    "time"
)

// ErrNotFound is returned when an archived route does not exist.
var ErrNotFound = errors.New("store: not found")

// LonLat is a [lon, lat] pair.
type LonLat [2]float64

// Fitness is the best cost breakdown of one generation.
type Fitness struct {
    Total  float64 `json:"total"`
    Track  float64 `json:"track"`
    Curve  float64 `json:"curve"`
    Grade  float64 `json:"grade"`
    Length float64 `json:"length"`
}

// Generation is the best route of one generation.
type Generation struct {
    Number    int      `json:"number"`
    Controls  []LonLat `json:"controls"`
    Evaluated []LonLat `json:"evaluated"`
    Fitness   Fitness  `json:"fitness"`
}

// Record is a finished route with its search trajectory.
type Record struct {
    ID          string       `json:"id"`
    JobID       string       `json:"jobId"`
    Start       LonLat       `json:"start"`
    Dest        LonLat       `json:"dest"`
    Distance    float64      `json:"distance"`
    Time        float64      `json:"time"`
    CreatedAt   time.Time    `json:"createdAt"`
    Generations []Generation `json:"generations,omitempty"`
}

// Summary is a Record without its generations.
type Summary struct {
    ID          string    `json:"id"`
    JobID       string    `json:"jobId"`
    Start       LonLat    `json:"start"`
    Dest        LonLat    `json:"dest"`
    Distance    float64   `json:"distance"`
    Time        float64   `json:"time"`
    Generations int       `json:"generations"`
    CreatedAt   time.Time `json:"createdAt"`
}

// Archive keeps finished routes. Job state itself is never stored.
type Archive interface {
    SaveRoute(ctx context.Context, rec Record) (string, error)
    GetRoute(ctx context.Context, id string) (Record, error)
    ListRoutes(ctx context.Context, limit int) ([]Summary, error)
    Ping(ctx context.Context) error
    Close() error
}

func summarize(r Record) Summary {
    return Summary{ID: r.ID, JobID: r.JobID, Start: r.Start, Dest: r.Dest, Distance: r.Distance, Time: r.Time, Generations: len(r.Generations), CreatedAt: r.CreatedAt}
}

func clampLimit(limit int) int {
    if limit <= 0 || limit > 200 { return 50 }
    return limit
}
