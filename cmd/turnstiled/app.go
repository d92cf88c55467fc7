package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aadithya-v/turnstile"
	"github.com/aadithya-v/turnstile/store"
)

// newLogger creates a JSON structured logger on stderr with an explicit log
// level, leaving stdout to command output.
func newLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo

	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}

	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(log)
	return log
}

// openStore builds the session store selected by cfg.StoreBackend.
func openStore(ctx context.Context, cfg *Config) (store.Store, error) {
	var (
		s   store.Store
		err error
	)
	switch cfg.StoreBackend {
	case "memory":
		s = store.NewMemorySessionStore()
	case "mysql":
		s, err = asStore(store.NewMySQLFromDSN(cfg.MySQLDSN))
	case "postgres":
		s, err = asStore(store.NewPostgresFromURL(ctx, cfg.DatabaseURL))
	case "redis":
		s, err = asStore(store.NewRedisFromConfig(store.RedisConfig{
			Addr:           cfg.RedisAddr,
			Password:       cfg.RedisPassword,
			DB:             cfg.RedisDB,
			KeyPrefix:      cfg.RedisKeyPrefix,
			RetainTerminal: duration(cfg.RedisRetainTerminal),
		}))
	default:
		s, err = asStore(store.NewSQLite(cfg.SQLitePath))
	}
	return s, err
}

// asStore keeps a failed constructor's nil pointer from becoming a non-nil
// interface.
func asStore[S store.Store](s S, err error) (store.Store, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}

// newTurnstile opens the store and builds the Turnstile. background controls
// whether the sweeper runs.
func newTurnstile(ctx context.Context, cfg *Config, log *slog.Logger, reg prometheus.Registerer, background bool) (*turnstile.Turnstile, error) {
	sessions, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.StoreBackend, err)
	}

	sweep := duration(cfg.SweepInterval)
	if !background || sweep <= 0 {
		sweep = -1
	}

	t, err := turnstile.New(turnstile.Config{
		MaxDevices:             cfg.MaxDevices,
		LivenessWindow:         duration(cfg.LivenessWindow),
		SweepInterval:          sweep,
		GeoIPDatabasePath:      cfg.GeoIPDatabasePath,
		NewLocationThresholdKM: cfg.NewLocationThresholdKM,
		TrustProxyHeaders:      cfg.TrustProxyHeaders,
		SessionStore:           sessions,
		Logger:                 log,
		Registerer:             reg,
	})
	if err != nil {
		sessions.Close()
		return nil, err
	}
	return t, nil
}
