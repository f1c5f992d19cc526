package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nadmax/genwatch/internal/api"
	"github.com/nadmax/genwatch/internal/config"
	"github.com/nadmax/genwatch/internal/logging"
	"github.com/nadmax/genwatch/internal/queue"
	"github.com/nadmax/genwatch/internal/repository"
	"github.com/nadmax/genwatch/internal/worker"
	"github.com/nadmax/genwatch/internal/worker/handlers"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 10 * time.Second
	generationSteps = 4
	generationDelay = 500 * time.Millisecond
)

type storage interface {
	repository.MessageRepository
	repository.JobRepository
}

func main() {
	configFile := flag.String("config", "", "Path to a config file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.Log.Level, cfg.Log.Format, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Fatal("Server stopped")
	}
}

func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	q, err := queue.NewQueue(cfg.Server.RedisAddr)
	if err != nil {
		return err
	}
	defer func() {
		if err := q.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close queue")
		}
	}()

	store, closeStore, err := openStorage(ctx, cfg.Server.PostgresDSN, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	apiHandler := api.NewAPI(q, store, store, api.EchoResponder{StepDelay: 200 * time.Millisecond}, logger)

	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Mount("/", apiHandler)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.WithFields(logrus.Fields{"port": cfg.Server.Port, "redis": cfg.Server.RedisAddr}).Info("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	generator := handlers.NewGenerator(generationDelay, generationSteps)
	for i := range cfg.Server.Workers {
		w := worker.NewWorker(fmt.Sprintf("worker-%d", i+1), q, store, logger)
		generator.Register(w)
		g.Go(func() error { return w.Start(gctx) })
	}

	g.Go(func() error { return runMetricsCollector(gctx, q, logging.Component(logger, "metrics")) })

	return g.Wait()
}

// openStorage connects to Postgres and applies migrations when dsn is set,
// otherwise messages and job history live in memory.
func openStorage(ctx context.Context, dsn string, logger logrus.FieldLogger) (storage, func(), error) {
	if dsn == "" {
		logger.Warn("No Postgres DSN configured, keeping messages in memory")
		return repository.NewMemoryRepository(), func() {}, nil
	}

	repo, err := repository.NewPostgresRepository(dsn, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := repo.Migrate(ctx); err != nil {
		_ = repo.Close()
		return nil, nil, err
	}

	return repo, func() {
		if err := repo.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close Postgres repository")
		}
	}, nil
}
