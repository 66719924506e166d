// The server binary is the operational entrypoint of the auth subsystem. It
// wires the full dependency graph (configuration, database pools, status
// directory, token codec, hasher, session orchestrator, auth service, audit
// pipeline) so a misconfigured deployment fails at boot, runs the audit
// retention sweep, and serves the probe and metrics endpoints. Auth
// operations themselves are consumed in-process by the API tier; no auth
// routes are exposed here.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Zhenzhong-Zhou/widenaturals-erp-sub004/internal/audit"
	"github.com/Zhenzhong-Zhou/widenaturals-erp-sub004/internal/auth"
	"github.com/Zhenzhong-Zhou/widenaturals-erp-sub004/internal/config"
	"github.com/Zhenzhong-Zhou/widenaturals-erp-sub004/internal/db"
	"github.com/Zhenzhong-Zhou/widenaturals-erp-sub004/internal/health"
	"github.com/Zhenzhong-Zhou/widenaturals-erp-sub004/internal/logger"
	"github.com/Zhenzhong-Zhou/widenaturals-erp-sub004/internal/metrics"
	"github.com/Zhenzhong-Zhou/widenaturals-erp-sub004/internal/repository"
	"github.com/Zhenzhong-Zhou/widenaturals-erp-sub004/internal/security"
	"github.com/Zhenzhong-Zhou/widenaturals-erp-sub004/internal/session"
	"github.com/Zhenzhong-Zhou/widenaturals-erp-sub004/internal/status"
)

// version is stamped by the build (-ldflags "-X main.version=...").
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: cfg.LogOutput,
	})
	slog.SetDefault(log)

	log.Info("starting auth server",
		slog.String("version", version),
		slog.String("env", cfg.Env),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pool, err := db.Connect(ctx, cfg.DSN())
	cancel()
	if err != nil {
		log.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	auditDB, err := db.OpenSQL(ctx, cfg.URL())
	cancel()
	if err != nil {
		log.Error("audit store connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer auditDB.Close()

	// The status directory is immutable after load; a database without the
	// seeded statuses cannot run the auth flows.
	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	statuses, err := status.Load(ctx, pool)
	cancel()
	if err != nil {
		log.Error("status directory load failed", slog.Any("error", err))
		os.Exit(1)
	}

	codec, err := security.NewTokenCodec(security.TokenCodecConfig{
		AccessSecret:  cfg.AccessTokenSecret,
		RefreshSecret: cfg.RefreshTokenSecret,
		AccessTTL:     cfg.AccessTokenTTL(),
		RefreshTTL:    cfg.RefreshTokenTTL(),
		Issuer:        cfg.JWTIssuer,
	})
	if err != nil {
		log.Error("token codec initialization failed", slog.Any("error", err))
		os.Exit(1)
	}

	hasher, err := security.NewArgon2Hasher(security.DefaultHasherParams())
	if err != nil {
		log.Error("password hasher initialization failed", slog.Any("error", err))
		os.Exit(1)
	}

	audits := repository.NewAuditRepository(auditDB)
	dispatcher := audit.NewDispatcher(audit.NewPostgresSink(audits, log), cfg.AuditBufferSize, log)

	// Constructing the auth service validates the whole dependency graph at
	// boot. The API tier consumes it in-process; nothing is routed here.
	if _, err := auth.NewAuthService(auth.AuthServiceDeps{
		Begin:    db.NewBeginner(pool),
		AuthRepo: repository.NewAuthRepository(),
		Sessions: session.NewOrchestrator(
			repository.NewSessionRepository(),
			repository.NewTokenRepository(),
			codec,
			nil,
		),
		Hasher:   hasher,
		Strength: auth.MinLength(cfg.MinPasswordLength),
		Statuses: statuses,
		Recorder: dispatcher,
		Logger:   log,
	}); err != nil {
		log.Error("auth service initialization failed", slog.Any("error", err))
		os.Exit(1)
	}

	healthHandler := health.NewHandler(health.Config{
		DBPool:  pool,
		AuditDB: auditDB.DB,
		Version: version,
	})

	collector := metrics.NewDBStatsCollector(pool, auditDB.DB)
	collector.Start(15 * time.Second)
	defer collector.Stop()

	// Daily deletion of audit rows past the retention window. A failed sweep
	// is retried on the next tick.
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()

		sweepAuditRows(sweepCtx, audits, cfg.AuditRetention(), log)
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				sweepAuditRows(sweepCtx, audits, cfg.AuditRetention(), log)
			}
		}
	}()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/healthz", healthHandler.Liveness)
	r.Get("/readyz", healthHandler.Readiness)
	r.Get("/health", healthHandler.Health)
	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("http server listening", slog.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	healthHandler.SetReady(false)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown failed", slog.Any("error", err))
	}

	stopSweep()

	// Drain outstanding audit events before the database handles close.
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelDrain()
	if err := dispatcher.Close(drainCtx); err != nil {
		log.Error("audit dispatcher drain failed",
			slog.Any("error", err),
			slog.Uint64("dropped", dispatcher.Dropped()),
		)
	}

	log.Info("server exited")
}

// sweepAuditRows deletes login history and token activity rows older than the
// retention window.
func sweepAuditRows(ctx context.Context, audits *repository.AuditRepository, retention time.Duration, log *slog.Logger) {
	cutoff := time.Now().UTC().Add(-retention)

	logins, err := audits.DeleteLoginEventsBefore(ctx, cutoff)
	if err != nil {
		log.Error("audit retention sweep failed",
			slog.String("table", "login_history"),
			slog.Any("error", err),
		)
		return
	}
	tokens, err := audits.DeleteTokenEventsBefore(ctx, cutoff)
	if err != nil {
		log.Error("audit retention sweep failed",
			slog.String("table", "token_activity"),
			slog.Any("error", err),
		)
		return
	}

	if logins > 0 || tokens > 0 {
		log.Info("audit retention sweep",
			slog.Int64("login_rows", logins),
			slog.Int64("token_rows", tokens),
			slog.Time("cutoff", cutoff),
		)
	}
}
