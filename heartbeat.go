package turnstile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/aadithya-v/turnstile/store"
)

// Heartbeat records activity on a session, keeping it inside its liveness
// window. It never revives a session: an evicted or expired session yields
// ErrNotActive, and a session whose window already lapsed is expired on the
// spot and also yields ErrNotActive. Unknown sessions yield
// ErrSessionNotFound.
func (t *Turnstile) Heartbeat(ctx context.Context, sessionID string) error {
	now := t.now()
	err := t.sessions.Touch(ctx, sessionID, now, now.Add(-t.config.LivenessWindow))

	switch {
	case err == nil:
		t.metrics.heartbeats.WithLabelValues("ok").Inc()
		return nil

	case errors.Is(err, store.ErrNotFound):
		t.metrics.heartbeats.WithLabelValues("not_found").Inc()
		return ErrSessionNotFound

	case errors.Is(err, store.ErrAlreadyTerminal):
		t.metrics.heartbeats.WithLabelValues("not_active").Inc()
		return ErrNotActive

	case errors.Is(err, store.ErrLapsed):
		t.metrics.heartbeats.WithLabelValues("not_active").Inc()
		t.expireSession(ctx, sessionID)
		return ErrNotActive
	}

	t.metrics.heartbeats.WithLabelValues("error").Inc()
	return fmt.Errorf("turnstile: failed to record heartbeat: %w", err)
}

// expireSession expires the lapsed sessions of sessionID's identity. Failure
// is only logged: a lapsed session stays lapsed, so the next sweep or lazy
// check repeats the same decision.
func (t *Turnstile) expireSession(ctx context.Context, sessionID string) {
	record, err := t.sessions.Get(ctx, sessionID)
	if err != nil {
		t.log.WarnContext(ctx, "turnstile.expire.lookup.fail", "session_id", sessionID, "err", err)
		return
	}
	if _, err := t.expireIdentity(ctx, record.IdentityID); err != nil {
		t.log.WarnContext(ctx, "turnstile.expire.fail", "identity_id", record.IdentityID, "err", err)
	}
}

// expireIdentity expires every lapsed session of one identity under that
// identity's exclusivity and returns how many it expired.
func (t *Turnstile) expireIdentity(ctx context.Context, identityID string) (int, error) {
	var expired int
	err := t.update(ctx, identityID, func(tx store.Tx, now time.Time) error {
		_, n, err := t.expireLapsed(tx, now)
		expired = n
		return err
	})
	if err != nil {
		return 0, err
	}
	t.recordExpired(ctx, identityID, expired)
	return expired, nil
}

// SweepExpired expires every active session whose liveness window has
// lapsed, identity by identity, and returns how many it expired. It keeps
// going when one identity fails and reports all failures together.
func (t *Turnstile) SweepExpired(ctx context.Context) (int, error) {
	ctx, span := t.startSpan(ctx, "turnstile.SweepExpired")

	identities, err := t.sessions.StaleIdentities(ctx, t.now().Add(-t.config.LivenessWindow))
	if err != nil {
		err = fmt.Errorf("turnstile: failed to find stale sessions: %w", err)
		endSpan(span, err)
		return 0, err
	}

	var (
		total int
		errs  []error
	)
	for _, identityID := range identities {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		n, err := t.expireIdentity(ctx, identityID)
		if err != nil {
			errs = append(errs, fmt.Errorf("identity %s: %w", identityID, err))
			continue
		}
		total += n
	}

	span.SetAttributes(
		attribute.Int("turnstile.identities", len(identities)),
		attribute.Int("turnstile.expired", total),
	)

	if len(errs) > 0 {
		err := fmt.Errorf("turnstile: sweep failed: %w", errors.Join(errs...))
		endSpan(span, err)
		return total, err
	}
	endSpan(span, nil)
	return total, nil
}

// sweepLoop periodically expires lapsed sessions until Close.
func (t *Turnstile) sweepLoop(interval time.Duration) {
	defer close(t.sweepDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			n, err := t.SweepExpired(ctx)
			cancel()
			if err != nil {
				t.log.Error("turnstile.sweep.fail", "expired", n, "err", err)
			} else if n > 0 {
				t.log.Debug("turnstile.sweep", "expired", n)
			}
		case <-t.stopSweep:
			return
		}
	}
}
