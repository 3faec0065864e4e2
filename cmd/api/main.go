package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"catenary/internal/api"
	"catenary/internal/config"
	"catenary/internal/events"
	"catenary/internal/jobs"
	"catenary/internal/logging"
	"catenary/internal/metrics"
	"catenary/internal/observability"
	"catenary/internal/store"
	"catenary/internal/webhooks"
)

func main() {
	cfgPath := flag.String("config", "", "Path to a YAML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logging.NewFromEnv().Error(context.Background(), "failed to load config", logging.Err(err))
		os.Exit(1)
	}
	log := logging.New(cfg.Log)
	ctx := context.Background()
	metrics.RegisterDefault()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, log)
	if err != nil {
		log.Error(ctx, "failed to init tracing", logging.Err(err))
		os.Exit(1)
	}
	defer observability.ShutdownWithTimeout(ctx, shutdownTracing, log)

	st, closeStore, err := openStore(cfg.Store, log)
	if err != nil {
		log.Error(ctx, "failed to open store", logging.Err(err))
		os.Exit(1)
	}
	defer closeStore()

	var broker events.Broker = events.NewMemory()
	if cfg.Broker.RedisURL != "" {
		rb, err := events.NewRedis(cfg.Broker.RedisURL, log)
		if err != nil {
			log.Warn(ctx, "redis broker unavailable; using in-process broker", logging.Err(err))
		} else {
			defer rb.Close()
			broker = rb
		}
	}

	pub := webhooks.NewPublisher(st)
	runner := jobs.New(st, broker, pub, jobs.Options{
		Workers:   cfg.Jobs.Workers,
		QueueSize: cfg.Jobs.QueueSize,
		Log:       log,
	})
	runner.Start()

	worker := webhooks.NewWorker(st, cfg.Webhooks.MaxAttempts, cfg.Webhooks.PollInterval, log)
	worker.Start()

	srvDeps := api.NewServer(cfg, st, broker, runner, log)
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srvDeps.Routes(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}
	go func() {
		log.Info(ctx, "API listening", logging.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(ctx, "server error", logging.Err(err))
			os.Exit(1)
		}
	}()

	stopCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-stopCtx.Done()

	log.Info(ctx, "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn(ctx, "http shutdown", logging.Err(err))
	}
	if err := runner.Stop(shutdownCtx); err != nil {
		log.Warn(ctx, "runner shutdown", logging.Err(err))
	}
	worker.Close()
}

// openStore picks Postgres when a database URL is configured and the
// in-memory store otherwise.
func openStore(cfg config.Store, log logging.Logger) (store.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		log.Info(context.Background(), "using in-memory store")
		return store.NewMemory(), func() {}, nil
	}
	pg, err := store.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Migrate {
		if err := pg.MigrateDir(cfg.MigrationsDir); err != nil {
			_ = pg.Close()
			return nil, nil, err
		}
	}
	return pg, func() { _ = pg.Close() }, nil
}
