package turnstile

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/aadithya-v/turnstile/store"
)

// Admit tries to create a new session for identityID.
//
// maxDevices <= 0 uses Config.MaxDevices. Lapsed sessions are expired first.
// If fewer than maxDevices sessions remain active, a session is created and
// the result is Admitted. Otherwise nothing is written and the result is
// LimitExceeded, carrying exactly the active sessions the decision was made
// on. The count and the insert happen in one store transaction, so
// concurrent logins of one identity can never overshoot the limit.
func (t *Turnstile) Admit(ctx context.Context, identityID string, maxDevices int, attrs SessionAttrs) (*AdmitResult, error) {
	if identityID == "" {
		return nil, ErrInvalidIdentity
	}
	if maxDevices <= 0 {
		maxDevices = t.config.MaxDevices
	}

	ctx, span := t.startSpan(ctx, "turnstile.Admit",
		attribute.String("turnstile.identity_id", identityID),
		attribute.Int("turnstile.max_devices", maxDevices),
	)

	var (
		result  *AdmitResult
		expired int
	)
	err := t.update(ctx, identityID, func(tx store.Tx, now time.Time) error {
		live, n, err := t.expireLapsed(tx, now)
		if err != nil {
			return err
		}
		expired = n

		result = &AdmitResult{MaxDevices: maxDevices}
		if len(live) >= maxDevices {
			result.Status = LimitExceeded
			result.ActiveSessions = storeToSessions(live)
			return nil
		}

		record := newRecord(uuid.NewString(), identityID, attrs, now)
		if err := tx.Create(record); err != nil {
			return err
		}

		result.Status = Admitted
		result.Session = storeToSession(record)
		result.ActiveSessions = append([]*Session{result.Session}, storeToSessions(live)...)
		t.noteLocation(result, live, attrs.Location)
		return nil
	})
	if err != nil {
		err = fmt.Errorf("turnstile: failed to admit session: %w", err)
		t.metrics.admissions.WithLabelValues("error").Inc()
		t.log.ErrorContext(ctx, "turnstile.admit.fail", "identity_id", identityID, "err", err)
		endSpan(span, err)
		return nil, err
	}

	t.recordExpired(ctx, identityID, expired)
	span.SetAttributes(attribute.String("turnstile.result", string(result.Status)))
	endSpan(span, nil)

	switch result.Status {
	case Admitted:
		t.metrics.admissions.WithLabelValues("admitted").Inc()
		t.log.InfoContext(ctx, "turnstile.admit",
			"identity_id", identityID,
			"session_id", result.Session.SessionID,
			"active", len(result.ActiveSessions),
			"max_devices", maxDevices,
		)
		if result.IsNewLocation {
			t.log.InfoContext(ctx, "turnstile.admit.new_location",
				"identity_id", identityID,
				"session_id", result.Session.SessionID,
				"city", attrs.Location.City,
				"country", attrs.Location.Country,
			)
		}
	case LimitExceeded:
		t.metrics.admissions.WithLabelValues("limit_exceeded").Inc()
		t.log.InfoContext(ctx, "turnstile.admit.limit_exceeded",
			"identity_id", identityID,
			"active", len(result.ActiveSessions),
			"max_devices", maxDevices,
		)
	}
	return result, nil
}
