package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as database/sql driver
	"github.com/triage-ai/palisade/services/trifecta_gate/internal/api"
	"github.com/triage-ai/palisade/services/trifecta_gate/internal/audit"
	"github.com/triage-ai/palisade/services/trifecta_gate/internal/auditread"
	"github.com/triage-ai/palisade/services/trifecta_gate/internal/catalog"
	"github.com/triage-ai/palisade/services/trifecta_gate/internal/policy"
	"github.com/triage-ai/palisade/services/trifecta_gate/internal/session"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const version = "1.0.0"

func main() {
	// Logger
	logger := mustBuildLogger(envOrDefault("TRIFECTA_LOG_LEVEL", "info"))
	defer logger.Sync() //nolint:errcheck // best-effort flush

	// Config from env
	httpPort := envOrDefault("TRIFECTA_HTTP_PORT", "8080")
	catalogPath := envOrDefault("TRIFECTA_CATALOG_PATH", "tools.yaml")
	catalogSource := envOrDefault("TRIFECTA_CATALOG_SOURCE", "file")
	storeTimeoutMs := envOrDefaultInt("TRIFECTA_STORE_TIMEOUT_MS", 2000)
	clickhouseDSN := os.Getenv("CLICKHOUSE_DSN")
	postgresDSN := os.Getenv("POSTGRES_DSN")
	apiKeyHash := os.Getenv("TRIFECTA_API_KEY_HASH")
	cacheTTL := envOrDefaultInt("TRIFECTA_AUTH_CACHE_TTL_S", 30)

	storeCfg := storeConfig{
		Backend:       envOrDefault("TRIFECTA_STORE", "memory"),
		Strict:        envOrDefaultBool("TRIFECTA_STORE_STRICT", false),
		SQLitePath:    envOrDefault("TRIFECTA_SQLITE_PATH", "trifecta.db"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envOrDefaultInt("REDIS_DB", 0),
		SessionTTL:    time.Duration(envOrDefaultInt("TRIFECTA_SESSION_TTL_S", 0)) * time.Second,
	}

	logger.Info("starting trifecta gate",
		zap.String("version", version),
		zap.String("http_port", httpPort),
		zap.String("catalog_source", catalogSource),
		zap.String("store", storeCfg.Backend),
		zap.Int("store_timeout_ms", storeTimeoutMs),
		zap.Bool("auth_enabled", apiKeyHash != ""),
	)

	// Postgres pool, shared by the catalog source and the session store
	var db *sql.DB
	if postgresDSN != "" {
		var err error
		db, err = sql.Open("pgx", postgresDSN)
		if err != nil {
			logger.Fatal("failed to open postgres", zap.Error(err))
		}
		defer func() { _ = db.Close() }()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	// Catalog: immutable for the life of the process
	var cat *catalog.Catalog
	var err error
	switch catalogSource {
	case "postgres":
		if db == nil {
			logger.Fatal("TRIFECTA_CATALOG_SOURCE=postgres requires POSTGRES_DSN")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		cat, err = catalog.LoadPostgres(ctx, db)
		cancel()
	case "file":
		cat, err = catalog.LoadFile(catalogPath)
	default:
		logger.Fatal("unknown TRIFECTA_CATALOG_SOURCE", zap.String("source", catalogSource))
	}
	if err != nil {
		logger.Fatal("failed to load tool catalog", zap.String("source", catalogSource), zap.Error(err))
	}
	logger.Info("tool catalog loaded", zap.Int("tools", cat.Len()))

	// Session store: durable backend or logged memory fallback
	store, err := openStore(storeCfg, db, logger)
	if err != nil {
		logger.Fatal("failed to open session store", zap.Error(err))
	}
	defer func() { _ = store.Close() }()

	tracker := session.NewTracker(session.TrackerConfig{
		Store:   store,
		Timeout: time.Duration(storeTimeoutMs) * time.Millisecond,
		Logger:  logger,
	})
	evaluator := policy.NewEvaluator(cat, tracker, logger)

	// Audit: ClickHouse or LogWriter fallback
	var writer audit.EventWriter
	if clickhouseDSN != "" {
		chWriter, err := audit.NewClickHouseWriter(clickhouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer",
				zap.Error(err),
			)
			writer = audit.NewLogWriter(logger)
		} else {
			writer = chWriter
			logger.Info("clickhouse writer connected")
		}
	} else {
		writer = audit.NewLogWriter(logger)
		logger.Info("no CLICKHOUSE_DSN set, using log writer")
	}
	defer writer.Close()

	// ClickHouse reader (for the audit HTTP endpoint)
	deps := &api.Dependencies{
		Evaluator:  evaluator,
		Tracker:    tracker,
		Catalog:    cat,
		Writer:     writer,
		Logger:     logger,
		Version:    version,
		APIKeyHash: apiKeyHash,
		CacheTTL:   time.Duration(cacheTTL) * time.Second,
	}
	if clickhouseDSN != "" {
		chReader, err := auditread.NewReader(clickhouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse reader connection failed", zap.Error(err))
		} else {
			defer func() { _ = chReader.Close() }()
			deps.Reader = chReader
			logger.Info("clickhouse reader connected")
		}
	}

	httpServer := &http.Server{
		Addr:         ":" + httpPort,
		Handler:      api.NewRouter(deps),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	// Block until shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}

	logger.Info("trifecta gate stopped")
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envOrDefaultBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}
