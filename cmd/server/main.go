package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ayush6447/Embyro/internal/analysis"
	"github.com/ayush6447/Embyro/internal/config"
	"github.com/ayush6447/Embyro/internal/handlers"
	"github.com/ayush6447/Embyro/internal/logging"
	"github.com/ayush6447/Embyro/internal/model"
	"github.com/ayush6447/Embyro/internal/store"
)

const (
	shutdownTimeout = 5 * time.Second
	requestTimeout  = 300 * time.Second
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("EMBRYO_CONFIG"))
	if err != nil {
		return err
	}
	logger := logging.SetDefault(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sink := openSink(ctx, cfg.Store.DSN, logger)
	analyzer := analysis.New(cfg.Model.LoadModel, analysis.Options{
		TargetHead: cfg.Analysis.TargetHead,
		Seed:       cfg.Analysis.Seed,
		Sink:       sink,
		Logger:     logger,
	})
	defer func() {
		if err := analyzer.Close(); err != nil {
			logger.Debug("error closing analyzer", "error", err)
		}
		if cfg.Model.ONNXPath != "" {
			model.ShutdownRuntime()
		}
	}()

	mux := http.NewServeMux()
	handlers.NewHandler(analyzer, int64(cfg.Server.MaxUploadMegabytes)<<20, logger).Routes(mux)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handlers.CORS(mux),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       requestTimeout,
		WriteTimeout:      requestTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", "address", srv.Addr, "onnx", cfg.Model.ONNXPath != "", "checkpoint", cfg.Model.CheckpointPath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

// openSink falls back to a no-op sink when persistence is unset or
// unreachable.
func openSink(ctx context.Context, dsn string, logger *slog.Logger) store.Sink {
	if dsn == "" {
		return store.Nop{}
	}
	s, err := store.Open(ctx, dsn)
	if err != nil {
		logger.Warn("persistence disabled", "error", err)
		return store.Nop{}
	}
	logger.Info("persisting analyses", "driver", s.Driver())
	return s
}
