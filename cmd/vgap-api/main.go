// vgap-api — HTTP control plane: runs, прогресс, provenance и отчёты.
//
// Сам stages не выполняет: start/cancel публикуются командами в RabbitMQ
// (если настроен), vgap-orchestrator подхватывает runs из хранилища.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/shaiso/vgap/internal/api"
	"github.com/shaiso/vgap/internal/config"
	"github.com/shaiso/vgap/internal/mq"
	"github.com/shaiso/vgap/internal/orchestrator"
	"github.com/shaiso/vgap/internal/preflight"
	"github.com/shaiso/vgap/internal/progress"
	"github.com/shaiso/vgap/internal/provenance"
	"github.com/shaiso/vgap/internal/report"
	"github.com/shaiso/vgap/internal/repo"
	"github.com/shaiso/vgap/internal/telemetry"
)

var startTime = time.Now()

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// Инициализируем structured logging
	logger := telemetry.SetupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting vgap-api", "env", cfg.Env, "store", cfg.Store, "artifacts", cfg.Artifacts.Backend)

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	def, err := cfg.LoadPipeline()
	if err != nil {
		logger.Error("failed to load pipeline", "error", err)
		os.Exit(1)
	}

	store, pool, err := repo.Open(ctx, cfg.StoreConfig())
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	if pool != nil {
		defer pool.Close()
		logger.Info("database connected")
	}

	artifacts, err := report.OpenArtifacts(ctx, cfg.Artifacts.Backend, cfg.MinIOConfig())
	if err != nil {
		logger.Error("failed to open artifact store", "error", err)
		os.Exit(1)
	}

	// RabbitMQ опционален: без него orchestrator находит runs опросом.
	var publisher orchestrator.CommandPublisher
	if cfg.RabbitURL != "" {
		conn, err := mq.NewConnection(mq.ConnectionConfig{URL: cfg.RabbitURL, Logger: logger})
		if err != nil {
			logger.Warn("RabbitMQ not available, commands disabled", "error", err)
		} else {
			defer conn.Close()
			if err := mq.SetupTopology(ctx, conn); err != nil {
				logger.Warn("failed to setup topology", "error", err)
			}
			publisher = mq.NewPublisher(conn, logger)
			logger.Info("RabbitMQ connected")
		}
	}

	runs := orchestrator.NewService(orchestrator.ServiceConfig{
		Store:     store,
		Pipeline:  def,
		Registry:  cfg.Registry(def),
		Validator: preflight.New(cfg.PreflightConfig()),
		Publisher: publisher,
		Logger:    logger,
	})

	handler := api.NewHandler(api.Config{
		Runs:       runs,
		Progress:   progress.NewReporter(store, def),
		Provenance: provenance.NewRecorder(store, cfg.Orchestrator.WorkRoot, logger),
		Reports: report.NewService(report.Config{
			Store:     store,
			Artifacts: artifacts,
			Logger:    logger,
		}),
		Logger: logger,
	})

	mux := http.NewServeMux()

	// Health и metrics
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok %s", time.Since(startTime).Round(time.Second))
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	// Регистрируем API маршруты
	handler.RegisterRoutes(mux)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		// Graceful shutdown с таймаутом 10 секунд
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("vgap-api stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("stopped")
}
