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

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Brownie44l1/cane-disease-api/internal/config"
	"github.com/Brownie44l1/cane-disease-api/internal/handlers"
	"github.com/Brownie44l1/cane-disease-api/internal/logger"
	"github.com/Brownie44l1/cane-disease-api/internal/metrics"
	"github.com/Brownie44l1/cane-disease-api/internal/model"
	"github.com/Brownie44l1/cane-disease-api/internal/predictor"
	"github.com/Brownie44l1/cane-disease-api/internal/router"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	lg, err := logger.Init(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	gin.SetMode(cfg.GinMode)

	rec, err := metrics.New(cfg.StatsdAddr, lg)
	if err != nil {
		lg.Warn().Err(err).Str("addr", cfg.StatsdAddr).Msg("statsd unavailable, metrics disabled")
		rec = metrics.Noop()
	}
	defer func() {
		if err := rec.Close(); err != nil {
			lg.Warn().Err(err).Msg("failed to close statsd client")
		}
	}()

	lg.Info().Str("path", cfg.ModelPath).Msg("loading model")
	classifier, err := model.NewONNXClassifier(model.ONNXConfig{
		ModelPath:   cfg.ModelPath,
		LibraryPath: cfg.ONNXRuntimeLib,
		InputName:   cfg.ModelInputName,
		OutputName:  cfg.ModelOutputName,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize classifier: %w", err)
	}
	defer classifier.Close()

	svc := predictor.NewService(classifier,
		predictor.WithMaxBytes(cfg.MaxUploadBytes),
		predictor.WithMaxPixels(cfg.MaxImagePixels),
		predictor.WithMetrics(rec),
		predictor.WithLogger(lg),
	)
	engine := router.NewRouter(handlers.NewHandler(svc, lg), lg)
	engine.MaxMultipartMemory = cfg.MaxUploadBytes

	srv := &http.Server{
		Addr:    cfg.Addr(),
		Handler: engine,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lg.Info().
		Str("addr", srv.Addr).
		Strs("classes", model.Classes).
		Msg("server starting: GET /health, POST /predict")
	return serve(ctx, srv, cfg.ShutdownTimeout, lg)
}

// serve runs srv until ctx is done or the listener fails. A listener
// failure is returned so the process exits non-zero.
func serve(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration, lg zerolog.Logger) error {
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	lg.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}
