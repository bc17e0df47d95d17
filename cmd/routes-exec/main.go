// Command routes-exec computes one route in process and prints the result
// as JSON.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"podroutes/internal/config"
	"podroutes/internal/device"
	"podroutes/internal/route"
	"podroutes/internal/terrain"
)

type execFlags struct {
	start, dest string
	configPath  string
	generations int
	population  int
	seed        int64
	verbose     bool
	compact     bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var f execFlags
	cmd := &cobra.Command{
		Use:   "routes-exec --start lon,lat --dest lon,lat",
		Short: "Optimize a single pod route and print it as JSON",
		Long: `routes-exec runs the route optimizer once, without the HTTP service,
and writes the result to stdout. Progress is logged to stderr with --verbose.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return execRoute(cmd.Context(), f, stdout, stderr)
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	fl := cmd.Flags()
	fl.StringVar(&f.start, "start", "", "start coordinate as lon,lat")
	fl.StringVar(&f.dest, "dest", "", "destination coordinate as lon,lat")
	fl.StringVar(&f.configPath, "config", os.Getenv("ROUTES_CONFIG"), "YAML configuration file")
	fl.IntVar(&f.generations, "generations", 0, "generation budget (0 uses the configured value)")
	fl.IntVar(&f.population, "population", 0, "population size (0 uses the configured value)")
	fl.Int64Var(&f.seed, "seed", 0, "sampling seed (0 picks one)")
	fl.BoolVarP(&f.verbose, "verbose", "v", false, "log every generation")
	fl.BoolVar(&f.compact, "compact", false, "print the result on one line")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("dest")
	return cmd
}

func execRoute(ctx context.Context, f execFlags, stdout, stderr io.Writer) error {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	req := route.Request{Generations: f.generations, PopulationSize: f.population, Seed: f.seed}
	if req.Start, err = terrain.ParseLonLat(f.start); err != nil {
		return err
	}
	if req.Dest, err = terrain.ParseLonLat(f.dest); err != nil {
		return err
	}

	logger := zap.NewNop()
	if f.verbose {
		zc := zap.NewDevelopmentConfig()
		zc.OutputPaths = []string{"stderr"}
		if logger, err = zc.Build(); err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()
	}

	dev, err := device.Open(cfg.DeviceOptions(), logger)
	if err != nil {
		return err
	}
	defer dev.Close()
	raster, err := cfg.Raster()
	if err != nil {
		return err
	}
	solver := route.NewSolver(cfg, device.NewArena(dev), raster, logger)
	res, err := solver.Solve(ctx, "exec", req, func(u route.Update) {
		logger.Debug("generation", zap.Int("generation", u.Generation), zap.Float64("best", u.Best.Total), zap.Float64("sigma", u.Sigma))
	})
	if err != nil {
		fmt.Fprintf(stderr, "route failed (%s): %v\n", route.KindOf(err), err)
		return err
	}
	enc := json.NewEncoder(stdout)
	if !f.compact {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(res)
}
