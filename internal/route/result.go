package route

import (
	"podroutes/internal/fitness"
	"podroutes/internal/terrain"
)

// XY is one sample of a profile along the route, X being the distance
// travelled in meters.
type XY struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// PathPoint is a track point with its height above sea level.
type PathPoint struct {
	Lon       float64 `json:"lon"`
	Lat       float64 `json:"lat"`
	Elevation float64 `json:"elevation"`
}

// FitnessPoint is the best cost breakdown of one generation.
type FitnessPoint struct {
	Generation int     `json:"generation"`
	Best       float64 `json:"best"`
	Mean       float64 `json:"mean"`
	Track      float64 `json:"track"`
	Curve      float64 `json:"curve"`
	Grade      float64 `json:"grade"`
	Length     float64 `json:"length"`
	Sigma      float64 `json:"sigma"`
}

// GenerationPath is the best route of one generation.
type GenerationPath struct {
	Generation int              `json:"generation"`
	Controls   []terrain.LonLat `json:"controls"`
	Path       []terrain.LonLat `json:"path"`
}

type Timing struct {
	SetupSeconds         float64 `json:"setupSeconds"`
	SearchSeconds        float64 `json:"searchSeconds"`
	TotalSeconds         float64 `json:"totalSeconds"`
	Generations          int     `json:"generations"`
	SecondsPerGeneration float64 `json:"secondsPerGeneration"`
}

// Result is the payload of a completed job.
type Result struct {
	Start            terrain.LonLat   `json:"start"`
	Dest             terrain.LonLat   `json:"dest"`
	Path             []PathPoint      `json:"path"`
	Controls         []PathPoint      `json:"controls"`
	Distance         float64          `json:"distance"`
	StraightDistance float64          `json:"straightDistance"`
	Time             float64          `json:"time"`
	Costs            fitness.Costs    `json:"costs"`
	Elevations       []XY             `json:"elevations"`
	GroundElevations []XY             `json:"groundElevations"`
	Speeds           []XY             `json:"speeds"`
	Fitness          []FitnessPoint   `json:"fitness"`
	Generations      []GenerationPath `json:"generations"`
	Timing           Timing           `json:"timing"`
	StopReason       string           `json:"stopReason"`
	ArchiveID        string           `json:"archiveId,omitempty"`
}

// Update is reported after every generation.
type Update struct {
	Generation  int           `json:"generation"`
	Best        fitness.Costs `json:"best"`
	Sigma       float64       `json:"sigma"`
	Improvement float64       `json:"improvement"`
}
