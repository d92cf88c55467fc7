package turnstile

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aadithya-v/turnstile/store"
)

// Config contains configuration options for a Turnstile.
type Config struct {
	// MaxDevices is the number of sessions one identity may hold at once
	// when the caller does not pass its own limit.
	// Default: 3.
	MaxDevices int

	// LivenessWindow is how long a session stays active without a heartbeat.
	// A session whose last activity is older than this is expired the next
	// time anything looks at it.
	// Default: 30 minutes.
	LivenessWindow time.Duration

	// SweepInterval is how often the background sweeper expires lapsed
	// sessions. A negative value disables the sweeper; lapsed sessions are
	// then only expired lazily.
	// Default: 1 minute.
	SweepInterval time.Duration

	// GeoIPDatabasePath is the path to MaxMind GeoLite2-City.mmdb file.
	// Optional. Location is descriptive only and never affects admission.
	// Download from: https://dev.maxmind.com/geoip/geolite2-free-geolocation-data
	GeoIPDatabasePath string

	// NewLocationThresholdKM is the distance threshold in kilometers
	// for flagging a login from a new location.
	// Default: 100 km.
	NewLocationThresholdKM float64

	// TrustProxyHeaders makes ExtractRequestInfo take the client IP from
	// X-Forwarded-For, X-Real-IP and CF-Connecting-IP. Enable it only
	// behind a proxy that overwrites those headers.
	TrustProxyHeaders bool

	// SessionStore is the storage backend for sessions.
	// Default: SQLite store (creates turnstile.db in current directory).
	SessionStore store.Store

	// DatabasePath is the path for the default SQLite database.
	// Only used if SessionStore is nil.
	// Default: "turnstile.db".
	DatabasePath string

	// Logger receives structured events.
	// Default: slog.Default().
	Logger *slog.Logger

	// Registerer is where the Prometheus collectors are registered.
	// Default: nil, the collectors are kept but not registered.
	Registerer prometheus.Registerer

	// Now is the clock. Default: time.Now.
	Now func() time.Time
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxDevices:             3,
		LivenessWindow:         30 * time.Minute,
		SweepInterval:          time.Minute,
		NewLocationThresholdKM: 100,
		DatabasePath:           "turnstile.db",
	}
}

// applyDefaults fills in default values for zero-value fields.
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()

	if c.MaxDevices <= 0 {
		c.MaxDevices = defaults.MaxDevices
	}
	if c.LivenessWindow <= 0 {
		c.LivenessWindow = defaults.LivenessWindow
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = defaults.SweepInterval
	}
	if c.NewLocationThresholdKM <= 0 {
		c.NewLocationThresholdKM = defaults.NewLocationThresholdKM
	}
	if c.DatabasePath == "" {
		c.DatabasePath = defaults.DatabasePath
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}
