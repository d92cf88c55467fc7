package turnstile

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/aadithya-v/turnstile/store"
)

// Replace evicts victimID and admits a new session for identityID in one
// store transaction. No observer ever sees both sessions active, or neither.
//
// The victim must be an active, unlapsed session of identityID; otherwise
// Replace creates nothing and returns ErrVictimNotActive, and the caller
// should start over with Admit.
func (t *Turnstile) Replace(ctx context.Context, identityID, victimID string, attrs SessionAttrs) (*AdmitResult, error) {
	if identityID == "" {
		return nil, ErrInvalidIdentity
	}

	ctx, span := t.startSpan(ctx, "turnstile.Replace",
		attribute.String("turnstile.identity_id", identityID),
		attribute.String("turnstile.victim_id", victimID),
	)

	var (
		result  *AdmitResult
		expired int
	)
	err := t.update(ctx, identityID, func(tx store.Tx, now time.Time) error {
		result = nil
		live, n, err := t.expireLapsed(tx, now)
		if err != nil {
			return err
		}
		expired = n

		var remaining []*store.Session
		found := false
		for _, s := range live {
			if s.SessionID == victimID {
				found = true
				continue
			}
			remaining = append(remaining, s)
		}
		if !found {
			// Commit any expiries; the victim check fails after the transaction.
			return nil
		}

		if err := tx.SetStatus(victimID, store.StatusEvicted, now); err != nil {
			return err
		}
		record := newRecord(uuid.NewString(), identityID, attrs, now)
		if err := tx.Create(record); err != nil {
			return err
		}

		result = &AdmitResult{
			Status:     Admitted,
			Session:    storeToSession(record),
			MaxDevices: t.config.MaxDevices,
		}
		result.ActiveSessions = append([]*Session{result.Session}, storeToSessions(remaining)...)
		t.noteLocation(result, live, attrs.Location)
		return nil
	})
	if err != nil {
		err = fmt.Errorf("turnstile: failed to replace session: %w", err)
		t.metrics.replacements.WithLabelValues("error").Inc()
		t.log.ErrorContext(ctx, "turnstile.replace.fail", "identity_id", identityID, "victim_id", victimID, "err", err)
		endSpan(span, err)
		return nil, err
	}

	t.recordExpired(ctx, identityID, expired)

	if result == nil {
		t.metrics.replacements.WithLabelValues("victim_not_active").Inc()
		t.log.InfoContext(ctx, "turnstile.replace.victim_not_active", "identity_id", identityID, "victim_id", victimID)
		endSpan(span, ErrVictimNotActive)
		return nil, ErrVictimNotActive
	}

	t.metrics.replacements.WithLabelValues("replaced").Inc()
	t.log.InfoContext(ctx, "turnstile.replace",
		"identity_id", identityID,
		"victim_id", victimID,
		"session_id", result.Session.SessionID,
	)
	endSpan(span, nil)
	return result, nil
}

// Terminate evicts one session of identityID, for example from a "sign out
// that device" action. The evicted device finds out on its next validity
// check. Unknown sessions, sessions of other identities and sessions that
// already ended yield ErrSessionNotFound.
func (t *Turnstile) Terminate(ctx context.Context, identityID, sessionID string) error {
	if identityID == "" {
		return ErrInvalidIdentity
	}

	ctx, span := t.startSpan(ctx, "turnstile.Terminate",
		attribute.String("turnstile.identity_id", identityID),
		attribute.String("turnstile.session_id", sessionID),
	)

	var (
		found   bool
		expired int
	)
	err := t.update(ctx, identityID, func(tx store.Tx, now time.Time) error {
		found = false
		live, n, err := t.expireLapsed(tx, now)
		if err != nil {
			return err
		}
		expired = n

		for _, s := range live {
			if s.SessionID == sessionID {
				found = true
				return tx.SetStatus(sessionID, store.StatusEvicted, now)
			}
		}
		return nil
	})
	if err != nil {
		err = fmt.Errorf("turnstile: failed to terminate session: %w", err)
		t.metrics.terminations.WithLabelValues("error").Inc()
		t.log.ErrorContext(ctx, "turnstile.terminate.fail", "identity_id", identityID, "session_id", sessionID, "err", err)
		endSpan(span, err)
		return err
	}

	t.recordExpired(ctx, identityID, expired)

	if !found {
		t.metrics.terminations.WithLabelValues("not_found").Inc()
		endSpan(span, ErrSessionNotFound)
		return ErrSessionNotFound
	}

	t.metrics.terminations.WithLabelValues("evicted").Inc()
	t.log.InfoContext(ctx, "turnstile.terminate", "identity_id", identityID, "session_id", sessionID)
	endSpan(span, nil)
	return nil
}
