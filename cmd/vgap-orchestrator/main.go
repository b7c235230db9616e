// vgap-orchestrator — ведёт runs от queued до терминального статуса.
//
// Orchestrator:
//   - Получает команды run.queued и run.cancel из RabbitMQ (если настроен)
//   - Подхватывает runs без действующей аренды опросом хранилища
//   - Отправляет stages в Dispatcher с ограниченным пулом
//   - Публикует события и генерирует отчёт по завершённому run
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

	"github.com/shaiso/vgap/internal/config"
	"github.com/shaiso/vgap/internal/dispatcher"
	"github.com/shaiso/vgap/internal/mq"
	"github.com/shaiso/vgap/internal/orchestrator"
	"github.com/shaiso/vgap/internal/report"
	"github.com/shaiso/vgap/internal/repo"
	"github.com/shaiso/vgap/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// Инициализируем structured logging
	logger := telemetry.SetupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting vgap-orchestrator",
		"capacity", cfg.Orchestrator.Capacity,
		"executor", cfg.Orchestrator.Executor,
	)
	if cfg.Store == repo.BackendMemory {
		logger.Warn("memory store is process-local: runs created by vgap-api are not visible")
	}

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

	// RabbitMQ
	var conn *mq.Connection
	var events orchestrator.EventPublisher
	if cfg.RabbitURL != "" {
		conn, err = mq.NewConnection(mq.ConnectionConfig{URL: cfg.RabbitURL, Logger: logger})
		if err != nil {
			logger.Warn("RabbitMQ not available, running in polling-only mode", "error", err)
			conn = nil
		} else {
			defer conn.Close()
			logger.Info("RabbitMQ connected")

			// Создаём топологию
			if err := mq.SetupTopology(ctx, conn); err != nil {
				logger.Warn("failed to setup topology", "error", err)
			}
			events = mq.NewPublisher(conn, logger)
		}
	}

	disp := dispatcher.New(dispatcher.Config{
		Store:          store,
		Registry:       cfg.Registry(def),
		Capacity:       cfg.Orchestrator.Capacity,
		DefaultTimeout: cfg.Orchestrator.StageTimeout,
		Logger:         logger,
	})

	orch := orchestrator.New(orchestrator.Config{
		Store:        store,
		Dispatcher:   disp,
		Pipeline:     def,
		Reports:      report.NewService(report.Config{Store: store, Artifacts: artifacts, Logger: logger}),
		Events:       events,
		Conn:         conn,
		OwnerID:      cfg.Orchestrator.OwnerID,
		LeaseTTL:     cfg.Orchestrator.LeaseTTL,
		PollInterval: cfg.Orchestrator.PollInterval,
		WorkRoot:     cfg.Orchestrator.WorkRoot,
		Logger:       logger,
	})

	if err := disp.Start(ctx); err != nil {
		logger.Error("failed to start dispatcher", "error", err)
		os.Exit(1)
	}
	if err := orch.Start(ctx); err != nil {
		logger.Error("failed to start orchestrator", "error", err)
		disp.Stop()
		os.Exit(1)
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", cfg.MetricsAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	waitErr := g.Wait()

	// Сначала Orchestrator, затем Dispatcher.
	orch.Stop()
	disp.Stop()

	if waitErr != nil {
		logger.Error("vgap-orchestrator stopped with error", "error", waitErr)
		os.Exit(1)
	}
	logger.Info("vgap-orchestrator stopped")
}
