// Package turnstile enforces a per-identity limit on concurrently active
// sessions. A login that would exceed the limit is refused with the list of
// active sessions, so the user can pick one to evict. Evicted devices learn
// about it by polling IsValid.
package turnstile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aadithya-v/turnstile/store"
)

const tracerName = "github.com/aadithya-v/turnstile"

// Turnstile is the main entry point for session admission.
type Turnstile struct {
	config   Config
	sessions store.Store
	geoip    *GeoIPReader
	log      *slog.Logger
	metrics  *metrics
	tracer   trace.Tracer

	stopSweep chan struct{}
	sweepDone chan struct{}
	closeOnce sync.Once
}

// New creates a new Turnstile with the given configuration.
// If SessionStore is not provided, a SQLite store at DatabasePath is used.
// Unless SweepInterval is negative, a background sweeper is started; Close
// stops it.
func New(cfg Config) (*Turnstile, error) {
	cfg.applyDefaults()

	t := &Turnstile{
		config:  cfg,
		log:     cfg.Logger,
		metrics: newMetrics(cfg.Registerer),
		tracer:  otel.Tracer(tracerName),
	}

	// Initialize session store (default: SQLite)
	if cfg.SessionStore != nil {
		t.sessions = cfg.SessionStore
	} else {
		sqliteStore, err := store.NewSQLite(cfg.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("turnstile: failed to initialize SQLite store: %w", err)
		}
		t.sessions = sqliteStore
	}

	// Initialize GeoIP reader if path is provided
	if cfg.GeoIPDatabasePath != "" {
		geoip, err := NewGeoIPReader(cfg.GeoIPDatabasePath)
		if err != nil {
			if cfg.SessionStore == nil {
				t.sessions.Close()
			}
			return nil, fmt.Errorf("turnstile: failed to initialize GeoIP: %w", err)
		}
		t.geoip = geoip
	}

	if cfg.SweepInterval > 0 {
		t.stopSweep = make(chan struct{})
		t.sweepDone = make(chan struct{})
		go t.sweepLoop(cfg.SweepInterval)
	}

	return t, nil
}

// Close stops the sweeper and releases all resources held by the Turnstile,
// including the session store.
func (t *Turnstile) Close() error {
	var errs []error

	t.closeOnce.Do(func() {
		if t.stopSweep != nil {
			close(t.stopSweep)
			<-t.sweepDone
		}

		if t.sessions != nil {
			if err := t.sessions.Close(); err != nil {
				errs = append(errs, err)
			}
		}

		if t.geoip != nil {
			if err := t.geoip.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})

	if len(errs) > 0 {
		return fmt.Errorf("turnstile: errors during close: %w", errors.Join(errs...))
	}
	return nil
}

// Config returns the effective configuration, defaults applied.
func (t *Turnstile) Config() Config {
	return t.config
}

// ExtractRequestInfo describes the device and location behind an HTTP request.
// If GeoIP is not configured or the lookup fails, the location carries only
// the IP address.
func (t *Turnstile) ExtractRequestInfo(r *http.Request) SessionAttrs {
	device := ExtractDeviceInfo(r, t.config.TrustProxyHeaders)
	attrs := SessionAttrs{
		Device:   device,
		Location: LocationInfo{IP: device.IP},
	}

	if t.geoip != nil {
		loc, err := t.geoip.Lookup(device.IP)
		if err != nil {
			t.log.Debug("turnstile.geoip.lookup.fail", "ip", device.IP, "err", err)
			return attrs
		}
		attrs.Location = loc
	}
	return attrs
}

// ListSessions returns the identity's active sessions, newest first. The
// session with ID currentSessionID, if any, is marked IsCurrent. Sessions
// whose liveness window has lapsed are left out.
func (t *Turnstile) ListSessions(ctx context.Context, identityID, currentSessionID string) ([]*Session, error) {
	if identityID == "" {
		return nil, ErrInvalidIdentity
	}

	now := t.now()
	records, err := t.sessions.GetActive(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("turnstile: failed to list sessions: %w", err)
	}

	sessions := make([]*Session, 0, len(records))
	for _, r := range records {
		if r.Lapsed(now, t.config.LivenessWindow) {
			continue
		}
		s := storeToSession(r)
		s.IsCurrent = currentSessionID != "" && s.SessionID == currentSessionID
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// Ping checks that the session store is reachable.
func (t *Turnstile) Ping(ctx context.Context) error {
	if err := t.sessions.Ping(ctx); err != nil {
		return fmt.Errorf("turnstile: store unavailable: %w", err)
	}
	return nil
}

// maxUpdateAttempts bounds how often update re-runs a unit of work whose
// expiries were overtaken by heartbeats.
const maxUpdateAttempts = 3

// update runs fn under the identity's exclusivity with now read before the
// store takes its snapshot. A heartbeat accepted after the snapshot then
// keeps LastActivityAt >= now - LivenessWindow, so no session it refreshed
// is lapsed at now.
func (t *Turnstile) update(ctx context.Context, identityID string, fn func(tx store.Tx, now time.Time) error) error {
	var err error
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		now := t.now()
		err = t.sessions.Update(ctx, identityID, func(tx store.Tx) error {
			return fn(tx, now)
		})
		if !errors.Is(err, store.ErrActivityAdvanced) {
			return err
		}
	}
	return err
}

// now returns the current time in UTC, truncated to the millisecond
// resolution every store keeps.
func (t *Turnstile) now() time.Time {
	return t.config.Now().UTC().Truncate(time.Millisecond)
}

func (t *Turnstile) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// expireLapsed stages the expiry of every lapsed session in tx and returns
// the sessions that remain active, newest first.
func (t *Turnstile) expireLapsed(tx store.Tx, now time.Time) ([]*store.Session, int, error) {
	var (
		live    []*store.Session
		expired int
	)
	for _, s := range tx.Active() {
		if !s.Lapsed(now, t.config.LivenessWindow) {
			live = append(live, s)
			continue
		}
		if err := tx.Expire(s.SessionID, now, now.Add(-t.config.LivenessWindow)); err != nil {
			return nil, 0, err
		}
		expired++
	}
	return live, expired, nil
}

// noteLocation flags result when the new session is far from the identity's
// newest remaining session.
func (t *Turnstile) noteLocation(result *AdmitResult, previous []*store.Session, curr LocationInfo) {
	if len(previous) == 0 {
		return
	}
	prev := locationOf(previous[0])
	if isNewLocation(prev, curr, t.config.NewLocationThresholdKM) {
		result.IsNewLocation = true
		result.PreviousLocation = &prev
	}
}

func (t *Turnstile) recordExpired(ctx context.Context, identityID string, n int) {
	if n == 0 {
		return
	}
	t.metrics.expirations.Add(float64(n))
	t.log.InfoContext(ctx, "turnstile.expire", "identity_id", identityID, "count", n)
}
