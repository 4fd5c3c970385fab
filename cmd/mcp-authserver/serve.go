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

	"github.com/spf13/cobra"

	oauth "github.com/giantswarm/mcp-authserver"
	"github.com/giantswarm/mcp-authserver/instrumentation"
	"github.com/giantswarm/mcp-authserver/internal/config"
	"github.com/giantswarm/mcp-authserver/security"
	"github.com/giantswarm/mcp-authserver/server"
)

const (
	healthPath  = "/healthz"
	metricsPath = "/metrics"
	whoamiPath  = "/whoami"

	healthCheckTimeout = 2 * time.Second
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the authorization server",
		Long: `Serves discovery, JWKS, authorization and token endpoints, plus
/healthz, /whoami (bearer protected) and /metrics when the Prometheus
exporter is enabled. Expired codes and metadata are purged on
maintenance.interval.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, logger)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	inst, err := instrumentation.New(cfg.InstrumentationConfig(version))
	if err != nil {
		return fmt.Errorf("failed to initialize instrumentation: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := inst.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Instrumentation shutdown failed", "error", err)
		}
	}()

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.close()

	srv, err := newServer(cfg, b, logger, inst)
	if err != nil {
		return err
	}
	defer srv.Stop()

	// generate or load the signing key before accepting traffic
	kid, err := srv.Keys.KeyID(ctx)
	if err != nil {
		return fmt.Errorf("failed to load signing key: %w", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           newMux(srv, b, inst, logger),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if cfg.Maintenance.Interval > 0 {
		go runMaintenanceLoop(ctx, srv, cfg.Maintenance.Interval, logger)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting authorization server",
			"addr", cfg.Server.Addr,
			"issuer", srv.Config.Issuer,
			"storage", cfg.Storage.Driver,
			"kid", kid,
			"encryption", srv.Encryptor.IsEnabled(),
			"instrumentation", cfg.Observability.Enabled)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down authorization server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

// newMux mounts the OAuth endpoints and the operational endpoints
func newMux(srv *server.Server, b *backend, inst *instrumentation.Instrumentation, logger *slog.Logger) http.Handler {
	handler := oauth.NewHandler(srv, logger)

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.HandleFunc(healthPath, healthHandler(b))
	mux.Handle(whoamiPath, handler.ValidateToken(http.HandlerFunc(whoamiHandler)))
	if inst != nil {
		if h := inst.MetricsHandler(); h != nil {
			mux.Handle(metricsPath, h)
		}
	}
	return security.RequestIDMiddleware(mux)
}

func healthHandler(b *backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		if err := b.ping(ctx); err != nil {
			http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	}
}

// whoamiHandler echoes the validated token claims
func whoamiHandler(w http.ResponseWriter, r *http.Request) {
	claims, ok := oauth.ClaimsFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = writeJSON(w, map[string]any{
		"sub":   claims.Subject,
		"aud":   claims.Audience,
		"iss":   claims.Issuer,
		"scope": claims.Scope,
		"exp":   claims.ExpiresAt.Unix(),
	})
}

func runMaintenanceLoop(ctx context.Context, srv *server.Server, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := srv.RunMaintenance(ctx); err != nil && ctx.Err() == nil {
				logger.Error("Maintenance pass failed", "error", err)
			}
		}
	}
}
