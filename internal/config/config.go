// Package config loads the service configuration from YAML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"podroutes/internal/device"
	"podroutes/internal/fitness"
	"podroutes/internal/terrain"
	"podroutes/internal/vehicle"
)

type Config struct {
	Routes     Routes     `yaml:"routes"`
	Population Population `yaml:"population"`
	Cost       Cost       `yaml:"cost"`
	Vehicle    Vehicle    `yaml:"vehicle"`
	Terrain    Terrain    `yaml:"terrain"`
	Queue      Queue      `yaml:"queue"`
	Device     Device     `yaml:"device"`
	Server     Server     `yaml:"server"`
	Store      Store      `yaml:"store"`
	Events     Events     `yaml:"events"`
	Notify     Notify     `yaml:"notify"`
	Log        Log        `yaml:"log"`
}

type Routes struct {
	PopulationSize int  `yaml:"population-size"`
	NumGenerations int  `yaml:"num-generations"`
	UseDB          bool `yaml:"use-db"`
}

type Population struct {
	InitialSigmaDivisor float64 `yaml:"initial-sigma-divisor"`
	InitialSigmaXY      float64 `yaml:"initial-sigma-xy"`
	StepDampening       float64 `yaml:"step-dampening"`
	Alpha               float64 `yaml:"alpha"`
	ParentFraction      float64 `yaml:"parent-fraction"`
	NumSampleThreads    int     `yaml:"num-sample-threads"`
	NumRouteWorkers     int     `yaml:"num-route-workers"`
	GenomePoints        int     `yaml:"genome-points"` // 0 derives it from the route length
	Dims                int     `yaml:"dims"`
	MinEvalPoints       int     `yaml:"min-eval-points"`
	MaxEvalPoints       int     `yaml:"max-eval-points"`
	SigmaTol            float64 `yaml:"sigma-tol"`
	ImproveTol          float64 `yaml:"improve-tol"`
	StallGenerations    int     `yaml:"stall-generations"`
}

type Cost struct {
	TrackWeight  float64 `yaml:"track-weight"`
	CurveWeight  float64 `yaml:"curve-weight"`
	GradeWeight  float64 `yaml:"grade-weight"`
	LengthWeight float64 `yaml:"length-weight"`
}

type Vehicle struct {
	MaxSpeed        float64 `yaml:"max-speed"`
	Accel           float64 `yaml:"accel"`
	Decel           float64 `yaml:"decel"`
	LateralAccel    float64 `yaml:"lateral-accel"`
	MaxGrade        float64 `yaml:"max-grade"`
	ExcavationDepth float64 `yaml:"excavation-depth"`
}

// Terrain describes the synthetic elevation raster served to jobs.
type Terrain struct {
	OriginLon float64 `yaml:"origin-lon"`
	OriginLat float64 `yaml:"origin-lat"`
	Width     int     `yaml:"width"`
	Height    int     `yaml:"height"`
	CellDeg   float64 `yaml:"cell-deg"`
	Base      float64 `yaml:"base"`
	Relief    float64 `yaml:"relief"`
	Padding   float64 `yaml:"padding"`
}

type Queue struct {
	Capacity         int           `yaml:"capacity"`
	Retention        time.Duration `yaml:"retention"`
	JanitorInterval  time.Duration `yaml:"janitor-interval"`
	RemoveOnRetrieve bool          `yaml:"remove-on-retrieve"`
}

type Device struct {
	Name         string `yaml:"name"`
	Workers      int    `yaml:"workers"`
	ProgramCache int    `yaml:"program-cache"`
}

type Server struct {
	Port      int     `yaml:"port"`
	RateLimit float64 `yaml:"rate-limit"` // compute requests per second
	RateBurst int     `yaml:"rate-burst"`
}

type Store struct {
	DatabaseURL string `yaml:"database-url"`
	Migrate     bool   `yaml:"migrate"`
}

type Events struct {
	RedisURL string `yaml:"redis-url"`
}

type Notify struct {
	Secret      string `yaml:"secret"`
	MaxAttempts int    `yaml:"max-attempts"`
}

type Log struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns a complete configuration.
func Default() Config {
	pod := vehicle.Default()
	return Config{
		Routes: Routes{PopulationSize: 100, NumGenerations: 300},
		Population: Population{
			InitialSigmaDivisor: 4,
			InitialSigmaXY:      1000,
			StepDampening:       1,
			Alpha:               1.4,
			ParentFraction:      0.15,
			NumSampleThreads:    4,
			NumRouteWorkers:     2,
			Dims:                3,
			MinEvalPoints:       100,
			MaxEvalPoints:       fitness.MaxEvalPoints,
			SigmaTol:            1e-3,
			ImproveTol:          1e-6,
			StallGenerations:    60,
		},
		Cost: Cost{TrackWeight: 1, CurveWeight: 1, GradeWeight: 1, LengthWeight: 1},
		Vehicle: Vehicle{
			MaxSpeed:        pod.MaxSpeed,
			Accel:           pod.Accel,
			Decel:           pod.Decel,
			LateralAccel:    pod.LateralAccel,
			MaxGrade:        pod.MaxGrade,
			ExcavationDepth: pod.ExcavationDepth,
		},
		Terrain: Terrain{OriginLon: -120, OriginLat: 40, Width: 2048, Height: 2048, CellDeg: 1.0 / 1024, Base: 500, Relief: 150, Padding: 0.1},
		Queue:   Queue{Capacity: 64, Retention: time.Hour, JanitorInterval: time.Minute},
		Device:  Device{Name: "host", ProgramCache: 8},
		Server:  Server{Port: 8080, RateLimit: 5, RateBurst: 10},
		Store:   Store{Migrate: true},
		Log:     Log{Level: "info"},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// FromEnv loads ROUTES_CONFIG (if set) and applies the environment overrides.
func FromEnv() (Config, error) {
	cfg, err := Load(os.Getenv("ROUTES_CONFIG"))
	if err != nil {
		return cfg, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overlays PORT, DATABASE_URL, REDIS_URL, ROUTES_WORKERS and
// CALLBACK_SECRET.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: PORT: %w", err)
		}
		c.Server.Port = n
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Store.DatabaseURL = v
		c.Routes.UseDB = true
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Events.RedisURL = v
	}
	if v := os.Getenv("ROUTES_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("config: ROUTES_WORKERS must be a positive integer, got %q", v)
		}
		c.Population.NumRouteWorkers = n
	}
	if v := os.Getenv("CALLBACK_SECRET"); v != "" {
		c.Notify.Secret = v
	}
	return nil
}

// Parents is μ for a population of lambda.
func (c Config) Parents(lambda int) int {
	mu := int(float64(lambda) * c.Population.ParentFraction)
	if mu < 1 {
		mu = 1
	}
	if mu > lambda {
		mu = lambda
	}
	return mu
}

func (c Config) Validate() error {
	var errs []error
	p := c.Population
	if c.Routes.PopulationSize < 1 {
		errs = append(errs, errors.New("routes.population-size must be at least 1"))
	}
	if c.Routes.NumGenerations < 1 {
		errs = append(errs, errors.New("routes.num-generations must be at least 1"))
	}
	if p.ParentFraction <= 0 || p.ParentFraction > 1 {
		errs = append(errs, errors.New("population.parent-fraction must be in (0, 1]"))
	}
	if p.InitialSigmaXY <= 0 || p.InitialSigmaDivisor <= 0 {
		errs = append(errs, errors.New("population initial sigma values must be positive"))
	}
	if p.Dims != 2 && p.Dims != 3 {
		errs = append(errs, fmt.Errorf("population.dims must be 2 or 3, got %d", p.Dims))
	}
	if p.GenomePoints < 0 {
		errs = append(errs, errors.New("population.genome-points must not be negative"))
	}
	if p.NumSampleThreads < 1 || p.NumRouteWorkers < 1 {
		errs = append(errs, errors.New("population thread counts must be at least 1"))
	}
	v := c.Vehicle
	if v.MaxSpeed <= 0 || v.Accel <= 0 || v.Decel <= 0 || v.LateralAccel <= 0 || v.MaxGrade <= 0 {
		errs = append(errs, errors.New("vehicle limits must be positive"))
	}
	if c.Terrain.Width < 2 || c.Terrain.Height < 2 || c.Terrain.CellDeg <= 0 {
		errs = append(errs, errors.New("terrain raster must be at least 2x2 with a positive cell size"))
	}
	if c.Queue.Capacity < 1 {
		errs = append(errs, errors.New("queue.capacity must be at least 1"))
	}
	if c.Routes.UseDB && c.Store.DatabaseURL == "" {
		errs = append(errs, errors.New("routes.use-db requires store.database-url"))
	}
	return errors.Join(errs...)
}

// Pod converts the vehicle section.
func (c Config) Pod() vehicle.Pod {
	v := c.Vehicle
	return vehicle.Pod{
		MaxSpeed:        v.MaxSpeed,
		Accel:           v.Accel,
		Decel:           v.Decel,
		LateralAccel:    v.LateralAccel,
		MaxGrade:        v.MaxGrade,
		ExcavationDepth: v.ExcavationDepth,
	}
}

// Weights converts the cost section.
func (c Config) Weights() fitness.Weights {
	return fitness.Weights{
		Track:  c.Cost.TrackWeight,
		Curve:  c.Cost.CurveWeight,
		Grade:  c.Cost.GradeWeight,
		Length: c.Cost.LengthWeight,
	}
}

// Raster builds the synthetic terrain described by the terrain section. The
// origin is the north-west corner.
func (c Config) Raster() (*terrain.Grid, error) {
	t := c.Terrain
	gt := terrain.GeoTransform{OriginLon: t.OriginLon, OriginLat: t.OriginLat, PixelLon: t.CellDeg, PixelLat: -t.CellDeg}
	return terrain.NewHills(t.Width, t.Height, gt, float32(t.Base), float32(t.Relief))
}

func (c Config) DeviceOptions() device.Options {
	return device.Options{Name: c.Device.Name, Workers: c.Device.Workers, ProgramCache: c.Device.ProgramCache}
}
