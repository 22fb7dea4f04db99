package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/triage-ai/palisade/services/trifecta_gate/internal/session"
	"go.uber.org/zap"
)

type storeConfig struct {
	Backend       string // memory, postgres, sqlite or redis
	Strict        bool   // fatal instead of falling back to memory
	SQLitePath    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	SessionTTL    time.Duration
}

var errUnknownBackend = errors.New("unknown store backend")

// openStore returns the configured session store. A durable backend that
// cannot be reached degrades to memory with an ERROR log unless Strict.
// An unrecognised backend name is always an error.
func openStore(cfg storeConfig, db *sql.DB, logger *zap.Logger) (session.Store, error) {
	switch cfg.Backend {
	case "memory":
		logger.Info("session store selected", zap.String("store", "memory"))
		return session.NewMemoryStore(), nil
	case "postgres", "sqlite", "redis":
	default:
		return nil, fmt.Errorf("%w %q (want memory, postgres, sqlite or redis)", errUnknownBackend, cfg.Backend)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := openDurableStore(ctx, cfg, db, logger)
	if err != nil {
		if cfg.Strict {
			return nil, fmt.Errorf("%s session store: %w", cfg.Backend, err)
		}
		logger.Error("session store unavailable, falling back to in-memory sessions (single instance, not durable)",
			zap.String("store", cfg.Backend),
			zap.Error(err),
		)
		return session.NewMemoryStore(), nil
	}

	logger.Info("session store selected", zap.String("store", store.Name()))
	return store, nil
}

func openDurableStore(ctx context.Context, cfg storeConfig, db *sql.DB, logger *zap.Logger) (session.Store, error) {
	switch cfg.Backend {
	case "postgres":
		if db == nil {
			return nil, errors.New("POSTGRES_DSN is not set")
		}
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		store := session.NewSQLStore(session.SQLStoreConfig{DB: db, Dialect: session.Postgres, Logger: logger})
		if err := store.Migrate(ctx); err != nil {
			return nil, err
		}
		// The pool is owned by main.
		return nopCloseStore{store}, nil

	case "sqlite":
		sqlDB, err := session.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		store := session.NewSQLStore(session.SQLStoreConfig{DB: sqlDB, Dialect: session.SQLite, Logger: logger})
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
		return store, nil

	case "redis":
		if cfg.RedisAddr == "" {
			return nil, errors.New("REDIS_ADDR is not set")
		}
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		return session.NewRedisStore(session.RedisStoreConfig{
			Client: client,
			TTL:    cfg.SessionTTL,
			Logger: logger,
		}), nil

	default:
		return nil, fmt.Errorf("%w %q", errUnknownBackend, cfg.Backend)
	}
}

// nopCloseStore leaves a shared pool open when the store is closed.
type nopCloseStore struct {
	*session.SQLStore
}

func (nopCloseStore) Close() error { return nil }
