package turnstile

import (
	"context"
	"errors"
	"fmt"

	"github.com/aadithya-v/turnstile/store"
)

// Messages shown to a device whose session is no longer valid.
const (
	MessageEvicted  = "Session terminated by another device"
	MessageExpired  = "Session expired due to inactivity"
	MessageNotFound = "Session not found"
)

// IsValid reports whether sessionID is still active. Clients poll it and
// must re-authenticate on the first invalid answer. A session whose
// liveness window lapsed is expired here and reported as expired.
func (t *Turnstile) IsValid(ctx context.Context, sessionID string) (Validity, error) {
	if sessionID == "" {
		return t.invalid(ReasonNotFound), nil
	}

	// Read the clock before the record, as update does.
	now := t.now()
	record, err := t.sessions.Get(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return t.invalid(ReasonNotFound), nil
	}
	if err != nil {
		t.metrics.validityChecks.WithLabelValues("error").Inc()
		return Validity{}, fmt.Errorf("turnstile: failed to check session: %w", err)
	}

	switch record.Status {
	case store.StatusActive:
		if !record.Lapsed(now, t.config.LivenessWindow) {
			t.metrics.validityChecks.WithLabelValues("valid").Inc()
			return Validity{Valid: true}, nil
		}
		if _, err := t.expireIdentity(ctx, record.IdentityID); err != nil {
			t.log.WarnContext(ctx, "turnstile.expire.fail", "identity_id", record.IdentityID, "err", err)
		}
		return t.invalid(ReasonExpired), nil
	case store.StatusEvicted:
		return t.invalid(ReasonEvicted), nil
	default:
		return t.invalid(ReasonExpired), nil
	}
}

func (t *Turnstile) invalid(reason InvalidReason) Validity {
	t.metrics.validityChecks.WithLabelValues(string(reason)).Inc()

	v := Validity{Reason: reason}
	switch reason {
	case ReasonEvicted:
		v.Message = MessageEvicted
	case ReasonExpired:
		v.Message = MessageExpired
	default:
		v.Message = MessageNotFound
	}
	return v
}
