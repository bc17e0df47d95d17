package main

import (
    "context"
    "errors"
    "fmt"
    "net/http"
    "os"
    "os/signal"
    "syscall"
    "time"

    "go.uber.org/zap"
    "go.uber.org/zap/zapcore"
    "golang.org/x/time/rate"

    "podroutes/internal/api"
    "podroutes/internal/buildinfo"
    "podroutes/internal/config"
    "podroutes/internal/device"
    "podroutes/internal/events"
    "podroutes/internal/metrics"
    "podroutes/internal/notify"
    "podroutes/internal/route"
    "podroutes/internal/store"
)

func main() {
    cfg, err := config.FromEnv()
    if err != nil {
        fmt.Fprintf(os.Stderr, "config: %v\n", err)
        os.Exit(2)
    }
    logger, err := newLogger(cfg.Log)
    if err != nil {
        fmt.Fprintf(os.Stderr, "logger: %v\n", err)
        os.Exit(2)
    }
    defer func() { _ = logger.Sync() }()
    if err := run(cfg, logger); err != nil {
        logger.Fatal("api exited", zap.Error(err))
    }
}

func newLogger(c config.Log) (*zap.Logger, error) {
    zc := zap.NewProductionConfig()
    if c.Development { zc = zap.NewDevelopmentConfig() }
    if c.Level != "" {
        lvl, err := zapcore.ParseLevel(c.Level)
        if err != nil { return nil, err }
        zc.Level = zap.NewAtomicLevelAt(lvl)
    }
    return zc.Build()
}

func run(cfg config.Config, logger *zap.Logger) error {
    metrics.RegisterDefault()
    ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
    defer stop()

    dev, err := device.Open(cfg.DeviceOptions(), logger)
    if err != nil { return err }
    defer dev.Close()
    raster, err := cfg.Raster()
    if err != nil { return err }
    solver := route.NewSolver(cfg, device.NewArena(dev), raster, logger)

    var broker events.Broker = events.NewMemory()
    if cfg.Events.RedisURL != "" {
        rb, err := events.NewRedis(cfg.Events.RedisURL, logger)
        if err != nil { return fmt.Errorf("redis: %w", err) }
        defer func() { _ = rb.Close() }()
        broker = rb
        logger.Info("using redis event broker")
    }

    var archive store.Archive = store.NewMemory()
    if cfg.Routes.UseDB {
        pg, err := store.NewPostgres(cfg.Store.DatabaseURL)
        if err != nil { return fmt.Errorf("postgres: %w", err) }
        if cfg.Store.Migrate {
            if err := pg.Migrate(ctx); err != nil { return fmt.Errorf("migrate: %w", err) }
        }
        archive = pg
        logger.Info("archiving routes to postgres")
    }
    defer func() { _ = archive.Close() }()

    notifier := notify.New(cfg.Notify.Secret, cfg.Notify.MaxAttempts, logger)
    notifier.Start()
    defer notifier.Stop()

    q := route.NewQueue(solver, route.QueueOptions{
        Workers:          cfg.Population.NumRouteWorkers,
        Capacity:         cfg.Queue.Capacity,
        Retention:        cfg.Queue.Retention,
        JanitorInterval:  cfg.Queue.JanitorInterval,
        RemoveOnRetrieve: cfg.Queue.RemoveOnRetrieve,
        Broker:           broker,
        Archive:          archive,
        Notifier:         notifier,
        Logger:           logger,
    })
    q.Start(context.Background())
    defer q.Stop()

    var limiter *rate.Limiter
    if cfg.Server.RateLimit > 0 { limiter = rate.NewLimiter(rate.Limit(cfg.Server.RateLimit), cfg.Server.RateBurst) }
    srvDeps := api.NewServer(q, broker, archive, limiter, logger)
    srvDeps.Info = map[string]any{"device": dev.Name(), "workers": cfg.Population.NumRouteWorkers}

    addr := fmt.Sprintf(":%d", cfg.Server.Port)
    srv := &http.Server{
        Addr:              addr,
        Handler:           srvDeps.Routes(),
        ReadHeaderTimeout: 5 * time.Second,
    }

    errc := make(chan error, 1)
    go func() {
        logger.Info("api listening", zap.String("addr", addr), zap.String("version", buildinfo.Version), zap.String("device", dev.Name()))
        errc <- srv.ListenAndServe()
    }()
    select {
    case err := <-errc:
        if !errors.Is(err, http.ErrServerClosed) { return err }
        return nil
    case <-ctx.Done():
    }
    logger.Info("shutting down")
    shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
    defer cancel()
    return srv.Shutdown(shutdownCtx)
}
