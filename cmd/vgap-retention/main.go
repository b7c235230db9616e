// vgap-retention — удаляет терминальные runs старше срока хранения вместе
// с их отчётами в хранилище артефактов.
//
// При нескольких экземплярах sweep выполняет только лидер: лидерство
// определяется advisory lock в PostgreSQL.
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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/shaiso/vgap/internal/config"
	"github.com/shaiso/vgap/internal/report"
	"github.com/shaiso/vgap/internal/repo"
	"github.com/shaiso/vgap/internal/retention"
	"github.com/shaiso/vgap/internal/telemetry"
)

const (
	retentionLockKey int64 = 424242
	lockRetryEvery         = 15 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := telemetry.SetupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting vgap-retention",
		"cron", cfg.Retention.Cron,
		"max_age", cfg.RetentionMaxAge(),
	)

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

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

	sweeper, err := retention.New(retention.Config{
		Store:     store,
		Artifacts: artifacts,
		Schedule:  cfg.Retention.Cron,
		MaxAge:    cfg.RetentionMaxAge(),
		BatchSize: cfg.Retention.BatchSize,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("invalid retention config", "error", err)
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
	g.Go(func() error {
		if pool != nil {
			release, err := acquireLeadership(gctx, pool, logger)
			if err != nil {
				return err
			}
			if release == nil {
				return nil
			}
			defer release()
		}

		sweeper.Start(gctx)
		<-gctx.Done()
		sweeper.Stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("vgap-retention stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("vgap-retention stopped")
}

// acquireLeadership ждёт advisory lock на выделенном соединении.
// Session-level lock живёт, пока соединение не возвращено в пул.
// Возвращает release=nil, если ctx отменён до захвата.
func acquireLeadership(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) (func(), error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, fmt.Errorf("acquire connection: %w", err)
	}

	tk := time.NewTicker(lockRetryEvery)
	defer tk.Stop()

	for {
		// пытаемся стать лидером
		var ok bool
		if err := conn.QueryRow(ctx, "select pg_try_advisory_lock($1)", retentionLockKey).Scan(&ok); err != nil {
			if ctx.Err() != nil {
				conn.Release()
				return nil, nil
			}
			logger.Warn("leader lock error", "error", err)
		}
		if ok {
			logger.Info("acquired retention leadership")
			return func() {
				_, _ = conn.Exec(context.Background(), "select pg_advisory_unlock($1)", retentionLockKey)
				conn.Release()
			}, nil
		}

		// не лидер — ждём следующей попытки
		select {
		case <-tk.C:
		case <-ctx.Done():
			conn.Release()
			return nil, nil
		}
	}
}
