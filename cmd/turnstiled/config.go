package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds daemon configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the API listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"TURNSTILE_HTTP_ADDR"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"TURNSTILE_LOG_LEVEL"`

	// StoreBackend selects the session store: sqlite, mysql, postgres, redis, memory.
	StoreBackend string `mapstructure:"TURNSTILE_STORE"`
	// SQLitePath is the database file for the sqlite backend.
	SQLitePath string `mapstructure:"TURNSTILE_SQLITE_PATH"`
	// MySQLDSN is the go-sql-driver DSN for the mysql backend.
	MySQLDSN string `mapstructure:"TURNSTILE_MYSQL_DSN"`
	// DatabaseURL is the Postgres URL for the postgres backend.
	DatabaseURL string `mapstructure:"TURNSTILE_DATABASE_URL"`
	// RedisAddr, RedisPassword, RedisDB and RedisKeyPrefix configure the redis backend.
	RedisAddr      string `mapstructure:"TURNSTILE_REDIS_ADDR"`
	RedisPassword  string `mapstructure:"TURNSTILE_REDIS_PASSWORD"`
	RedisDB        int    `mapstructure:"TURNSTILE_REDIS_DB"`
	RedisKeyPrefix string `mapstructure:"TURNSTILE_REDIS_KEY_PREFIX"`
	// RedisRetainTerminal is how long ended sessions are kept in Redis (e.g. "168h"); empty keeps them.
	RedisRetainTerminal string `mapstructure:"TURNSTILE_REDIS_RETAIN_TERMINAL"`

	// MaxDevices is the per-identity session limit.
	MaxDevices int `mapstructure:"TURNSTILE_MAX_DEVICES"`
	// LivenessWindow is how long a session survives without heartbeat (e.g. "30m").
	LivenessWindow string `mapstructure:"TURNSTILE_LIVENESS_WINDOW"`
	// SweepInterval is how often lapsed sessions are expired (e.g. "1m"); "0" or negative disables.
	SweepInterval string `mapstructure:"TURNSTILE_SWEEP_INTERVAL"`
	// GeoIPDatabasePath is an optional GeoLite2-City.mmdb path.
	GeoIPDatabasePath string `mapstructure:"TURNSTILE_GEOIP_DB"`
	// NewLocationThresholdKM is the distance that flags a new-location login.
	NewLocationThresholdKM float64 `mapstructure:"TURNSTILE_NEW_LOCATION_KM"`
	// TrustProxyHeaders takes the client IP from X-Forwarded-For and friends.
	TrustProxyHeaders bool `mapstructure:"TURNSTILE_TRUST_PROXY_HEADERS"`

	// JWTSecret is the HS256 secret shared with the identity provider.
	JWTSecret string `mapstructure:"TURNSTILE_JWT_SECRET"`
	// JWTIssuer and JWTAudience are checked when set.
	JWTIssuer   string `mapstructure:"TURNSTILE_JWT_ISSUER"`
	JWTAudience string `mapstructure:"TURNSTILE_JWT_AUDIENCE"`

	// ReadTimeout, WriteTimeout and ShutdownTimeout bound the HTTP server (e.g. "15s").
	ReadTimeout     string `mapstructure:"TURNSTILE_READ_TIMEOUT"`
	WriteTimeout    string `mapstructure:"TURNSTILE_WRITE_TIMEOUT"`
	ShutdownTimeout string `mapstructure:"TURNSTILE_SHUTDOWN_TIMEOUT"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored. Env vars override .env.
func Load(envFile string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(envFile)
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("TURNSTILE_HTTP_ADDR", ":8080")
	v.SetDefault("TURNSTILE_LOG_LEVEL", "info")
	v.SetDefault("TURNSTILE_STORE", "sqlite")
	v.SetDefault("TURNSTILE_SQLITE_PATH", "turnstile.db")
	v.SetDefault("TURNSTILE_MYSQL_DSN", "")
	v.SetDefault("TURNSTILE_DATABASE_URL", "")
	v.SetDefault("TURNSTILE_REDIS_ADDR", "localhost:6379")
	v.SetDefault("TURNSTILE_REDIS_PASSWORD", "")
	v.SetDefault("TURNSTILE_REDIS_DB", 0)
	v.SetDefault("TURNSTILE_REDIS_KEY_PREFIX", "turnstile:")
	v.SetDefault("TURNSTILE_REDIS_RETAIN_TERMINAL", "")
	v.SetDefault("TURNSTILE_MAX_DEVICES", 3)
	v.SetDefault("TURNSTILE_LIVENESS_WINDOW", "30m")
	v.SetDefault("TURNSTILE_SWEEP_INTERVAL", "1m")
	v.SetDefault("TURNSTILE_GEOIP_DB", "")
	v.SetDefault("TURNSTILE_NEW_LOCATION_KM", 100)
	v.SetDefault("TURNSTILE_TRUST_PROXY_HEADERS", false)
	v.SetDefault("TURNSTILE_JWT_SECRET", "")
	v.SetDefault("TURNSTILE_JWT_ISSUER", "")
	v.SetDefault("TURNSTILE_JWT_AUDIENCE", "")
	v.SetDefault("TURNSTILE_READ_TIMEOUT", "15s")
	v.SetDefault("TURNSTILE_WRITE_TIMEOUT", "15s")
	v.SetDefault("TURNSTILE_SHUTDOWN_TIMEOUT", "20s")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))

	if cfg.MaxDevices < 1 {
		return nil, errors.New("config: TURNSTILE_MAX_DEVICES must be at least 1")
	}
	for name, value := range map[string]string{
		"TURNSTILE_LIVENESS_WINDOW":  cfg.LivenessWindow,
		"TURNSTILE_SWEEP_INTERVAL":   cfg.SweepInterval,
		"TURNSTILE_READ_TIMEOUT":     cfg.ReadTimeout,
		"TURNSTILE_WRITE_TIMEOUT":    cfg.WriteTimeout,
		"TURNSTILE_SHUTDOWN_TIMEOUT": cfg.ShutdownTimeout,
	} {
		if _, err := time.ParseDuration(value); err != nil {
			return nil, fmt.Errorf("config: %s: %w", name, err)
		}
	}
	if cfg.RedisRetainTerminal != "" {
		if _, err := time.ParseDuration(cfg.RedisRetainTerminal); err != nil {
			return nil, fmt.Errorf("config: TURNSTILE_REDIS_RETAIN_TERMINAL: %w", err)
		}
	}

	switch cfg.StoreBackend {
	case "sqlite", "memory", "redis":
	case "mysql":
		if cfg.MySQLDSN == "" {
			return nil, errors.New("config: TURNSTILE_MYSQL_DSN must be set for the mysql store")
		}
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, errors.New("config: TURNSTILE_DATABASE_URL must be set for the postgres store")
		}
	default:
		return nil, fmt.Errorf("config: unknown TURNSTILE_STORE %q", cfg.StoreBackend)
	}

	return &cfg, nil
}

// RequireJWT checks the settings the API server cannot run without.
func (c *Config) RequireJWT() error {
	if len(c.JWTSecret) < 32 {
		return errors.New("config: TURNSTILE_JWT_SECRET must be at least 32 bytes")
	}
	return nil
}

// duration parses a value Load already validated.
func duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}
