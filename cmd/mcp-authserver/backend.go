package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/giantswarm/mcp-authserver/instrumentation"
	"github.com/giantswarm/mcp-authserver/internal/config"
	"github.com/giantswarm/mcp-authserver/security"
	"github.com/giantswarm/mcp-authserver/server"
	"github.com/giantswarm/mcp-authserver/storage"
	"github.com/giantswarm/mcp-authserver/storage/memory"
	"github.com/giantswarm/mcp-authserver/storage/postgres"
	"github.com/giantswarm/mcp-authserver/storage/valkey"
)

// backend is an opened storage driver
type backend struct {
	store storage.Store
	ping  func(context.Context) error
	close func()
	// memory is set for the in-process driver, which exports size gauges
	memory *memory.Store
}

func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backend, error) {
	switch cfg.Storage.Driver {
	case config.StorageValkey:
		store, err := valkey.New(cfg.ValkeyConfig(logger))
		if err != nil {
			return nil, err
		}
		return &backend{store: store, ping: store.Ping, close: store.Close}, nil

	case config.StoragePostgres:
		store, err := postgres.New(ctx, cfg.PostgresConfig(logger))
		if err != nil {
			return nil, err
		}
		if cfg.Storage.Postgres.Migrate {
			if err := store.Migrate(ctx); err != nil {
				store.Close()
				return nil, err
			}
		}
		return &backend{store: store, ping: store.Ping, close: store.Close}, nil

	case config.StorageMemory:
		store := memory.New()
		store.SetLogger(logger)
		return &backend{
			store:  store,
			ping:   func(context.Context) error { return nil },
			close:  store.Stop,
			memory: store,
		}, nil

	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

// newServer builds the authorization server with the security stack from cfg.
// inst may be nil.
func newServer(cfg *config.Config, b *backend, logger *slog.Logger, inst *instrumentation.Instrumentation) (*server.Server, error) {
	srv, err := server.New(b.store, cfg.ServerConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	if cfg.Security.EncryptionKey != "" {
		key, err := security.KeyFromBase64(cfg.Security.EncryptionKey)
		if err != nil {
			srv.Stop()
			return nil, fmt.Errorf("invalid encryption key: %w", err)
		}
		enc, err := security.NewEncryptor(key)
		if err != nil {
			srv.Stop()
			return nil, fmt.Errorf("failed to create encryptor: %w", err)
		}
		srv.SetEncryptor(enc)
	}

	auditor := security.NewAuditor(logger, cfg.Security.Audit)
	if inst != nil {
		auditor.SetInstrumentation(inst)
		srv.SetInstrumentation(inst)
		if b.memory != nil {
			b.memory.SetInstrumentation(inst)
		}
	}
	srv.SetAuditor(auditor)

	if cfg.Security.RequestsPerMinute > 0 {
		srv.SetRateLimiter(security.NewPerMinuteRateLimiter(cfg.Security.RequestsPerMinute, logger))
	}

	return srv, nil
}

// openServer opens the configured backend and builds a server over it without
// instrumentation. The returned cleanup stops both.
func openServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*server.Server, func(), error) {
	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	srv, err := newServer(cfg, b, logger, nil)
	if err != nil {
		b.close()
		return nil, nil, err
	}
	return srv, func() {
		srv.Stop()
		b.close()
	}, nil
}
