package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/aadithya-v/turnstile"
)

// Checker is what a Poller polls. Both *Client and *turnstile.Turnstile
// implement it.
type Checker interface {
	IsValid(ctx context.Context, sessionID string) (turnstile.Validity, error)
	Heartbeat(ctx context.Context, sessionID string) error
}

// PollerConfig configures a Poller.
type PollerConfig struct {
	// ValidityInterval is how often the session's validity is checked. It
	// bounds how long an evicted device keeps working.
	// Default: 30 seconds.
	ValidityInterval time.Duration

	// HeartbeatInterval is how often activity is reported. Must be well
	// below the server's liveness window.
	// Default: 5 minutes.
	HeartbeatInterval time.Duration

	// RequestTimeout bounds each call to the Checker.
	// Default: 10 seconds.
	RequestTimeout time.Duration

	// OnInvalid is called once, with the server's answer, when the session
	// is found to be invalid. The device must discard its credentials and
	// send the user back to sign-in.
	OnInvalid func(turnstile.Validity)

	// Logger receives transport failures. Default: slog.Default().
	Logger *slog.Logger
}

// Poller runs the heartbeat and validity timers of one session.
type Poller struct {
	checker   Checker
	sessionID string
	cfg       PollerConfig
	once      sync.Once
}

// NewPoller returns a poller for sessionID.
func NewPoller(checker Checker, sessionID string, cfg PollerConfig) *Poller {
	if cfg.ValidityInterval <= 0 {
		cfg.ValidityInterval = 30 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Minute
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Poller{checker: checker, sessionID: sessionID, cfg: cfg}
}

// Run polls until the session is found invalid or ctx is done. On the first
// invalid answer both timers stop, OnInvalid runs, and Run returns that
// answer. Failed requests are logged and retried on the next tick.
func (p *Poller) Run(ctx context.Context) (turnstile.Validity, error) {
	validity := time.NewTicker(p.cfg.ValidityInterval)
	defer validity.Stop()

	heartbeat := time.NewTicker(p.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	heartbeats := heartbeat.C

	for {
		select {
		case <-ctx.Done():
			return turnstile.Validity{}, ctx.Err()

		case <-validity.C:
			if v, ok := p.check(ctx); ok {
				return v, nil
			}

		case <-heartbeats:
			if !p.beat(ctx) {
				continue
			}
			// The server no longer accepts heartbeats; stop sending them and
			// find out why right away.
			heartbeat.Stop()
			heartbeats = nil
			if v, ok := p.check(ctx); ok {
				return v, nil
			}
		}
	}
}

// check returns the answer and true when the session is invalid.
func (p *Poller) check(ctx context.Context) (turnstile.Validity, bool) {
	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	v, err := p.checker.IsValid(reqCtx, p.sessionID)
	if err != nil {
		p.cfg.Logger.Warn("turnstile.poller.validate.fail", "session_id", p.sessionID, "err", err)
		return turnstile.Validity{}, false
	}
	if v.Valid {
		return v, false
	}

	p.once.Do(func() {
		if p.cfg.OnInvalid != nil {
			p.cfg.OnInvalid(v)
		}
	})
	return v, true
}

// beat sends one heartbeat and reports whether the session is gone.
func (p *Poller) beat(ctx context.Context) bool {
	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	err := p.checker.Heartbeat(reqCtx, p.sessionID)
	switch {
	case err == nil:
		return false
	case errors.Is(err, turnstile.ErrNotActive), errors.Is(err, turnstile.ErrSessionNotFound):
		return true
	default:
		p.cfg.Logger.Warn("turnstile.poller.heartbeat.fail", "session_id", p.sessionID, "err", err)
		return false
	}
}
