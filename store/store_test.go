package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// base is millisecond aligned so every backend round-trips it exactly.
var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

func testSession(identityID string, created time.Time) *Session {
	return &Session{
		SessionID:      newID("sess"),
		IdentityID:     identityID,
		DeviceType:     "desktop",
		Browser:        "Firefox 128.0",
		OS:             "Linux",
		UserAgent:      "Mozilla/5.0 (X11; Linux x86_64; rv:128.0) Gecko/20100101 Firefox/128.0",
		IP:             "203.0.113.7",
		LocCity:        "Berlin",
		LocCountry:     "Germany",
		LocLat:         52.52,
		LocLng:         13.405,
		Status:         StatusActive,
		CreatedAt:      created,
		LastActivityAt: created,
	}
}

func create(t *testing.T, s Store, sessions ...*Session) {
	t.Helper()
	err := s.Update(context.Background(), sessions[0].IdentityID, func(tx Tx) error {
		for _, session := range sessions {
			if err := tx.Create(session); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to create sessions: %v", err)
	}
}

// runStoreTests exercises the Store contract against one backend.
func runStoreTests(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("unknown identity has no active sessions", func(t *testing.T) {
		s := newStore(t)
		active, err := s.GetActive(ctx, newID("nobody"))
		if err != nil {
			t.Fatalf("GetActive failed: %v", err)
		}
		if len(active) != 0 {
			t.Errorf("Expected no sessions, got %d", len(active))
		}
	})

	t.Run("unknown session is not found", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.Get(ctx, newID("missing")); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})

	t.Run("create round-trips every field", func(t *testing.T) {
		s := newStore(t)
		want := testSession(newID("user"), base)
		create(t, s, want)

		got, err := s.Get(ctx, want.SessionID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.IdentityID != want.IdentityID || got.Browser != want.Browser ||
			got.OS != want.OS || got.DeviceType != want.DeviceType ||
			got.UserAgent != want.UserAgent || got.IP != want.IP ||
			got.LocCity != want.LocCity || got.LocCountry != want.LocCountry ||
			got.LocLat != want.LocLat || got.LocLng != want.LocLng {
			t.Errorf("Session fields differ:\n got  %+v\n want %+v", got, want)
		}
		if got.Status != StatusActive {
			t.Errorf("Expected status active, got %s", got.Status)
		}
		if !got.CreatedAt.Equal(base) || !got.LastActivityAt.Equal(base) {
			t.Errorf("Timestamps differ: created %v, last activity %v, want %v", got.CreatedAt, got.LastActivityAt, base)
		}
		if got.EndedAt != nil {
			t.Errorf("Active session should have no end time, got %v", got.EndedAt)
		}
	})

	t.Run("active sessions are newest first", func(t *testing.T) {
		s := newStore(t)
		identity := newID("user")
		oldest := testSession(identity, base)
		middle := testSession(identity, base.Add(time.Minute))
		newest := testSession(identity, base.Add(2*time.Minute))
		create(t, s, middle, oldest, newest)

		active, err := s.GetActive(ctx, identity)
		if err != nil {
			t.Fatalf("GetActive failed: %v", err)
		}
		if len(active) != 3 {
			t.Fatalf("Expected 3 sessions, got %d", len(active))
		}
		for i, want := range []string{newest.SessionID, middle.SessionID, oldest.SessionID} {
			if active[i].SessionID != want {
				t.Errorf("Position %d: expected %s, got %s", i, want, active[i].SessionID)
			}
		}
	})

	t.Run("failed update commits nothing", func(t *testing.T) {
		s := newStore(t)
		identity := newID("user")
		victim := testSession(identity, base)
		create(t, s, victim)

		boom := errors.New("boom")
		err := s.Update(ctx, identity, func(tx Tx) error {
			if err := tx.SetStatus(victim.SessionID, StatusEvicted, base.Add(time.Minute)); err != nil {
				return err
			}
			if err := tx.Create(testSession(identity, base.Add(time.Minute))); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("Expected the callback error, got %v", err)
		}

		active, err := s.GetActive(ctx, identity)
		if err != nil {
			t.Fatalf("GetActive failed: %v", err)
		}
		if len(active) != 1 || active[0].SessionID != victim.SessionID {
			t.Errorf("Expected only the original session to be active, got %d sessions", len(active))
		}
	})

	t.Run("evict and create commit together", func(t *testing.T) {
		s := newStore(t)
		identity := newID("user")
		victim := testSession(identity, base)
		create(t, s, victim)

		replacement := testSession(identity, base.Add(time.Minute))
		ended := base.Add(time.Minute)
		err := s.Update(ctx, identity, func(tx Tx) error {
			if len(tx.Active()) != 1 {
				t.Errorf("Expected 1 active session in transaction, got %d", len(tx.Active()))
			}
			if err := tx.SetStatus(victim.SessionID, StatusEvicted, ended); err != nil {
				return err
			}
			return tx.Create(replacement)
		})
		if err != nil {
			t.Fatalf("Update failed: %v", err)
		}

		active, err := s.GetActive(ctx, identity)
		if err != nil {
			t.Fatalf("GetActive failed: %v", err)
		}
		if len(active) != 1 || active[0].SessionID != replacement.SessionID {
			t.Fatalf("Expected only the replacement to be active, got %+v", active)
		}

		got, err := s.Get(ctx, victim.SessionID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Status != StatusEvicted {
			t.Errorf("Expected victim to be evicted, got %s", got.Status)
		}
		if got.EndedAt == nil || !got.EndedAt.Equal(ended) {
			t.Errorf("Expected end time %v, got %v", ended, got.EndedAt)
		}
	})

	t.Run("set status rejects foreign, unknown and terminal sessions", func(t *testing.T) {
		s := newStore(t)
		identity := newID("user")
		other := testSession(newID("other"), base)
		mine := testSession(identity, base)
		create(t, s, other)
		create(t, s, mine)

		err := s.Update(ctx, identity, func(tx Tx) error {
			return tx.SetStatus(mine.SessionID, StatusExpired, base.Add(time.Hour))
		})
		if err != nil {
			t.Fatalf("Update failed: %v", err)
		}

		tests := []struct {
			name      string
			sessionID string
			want      error
		}{
			{"unknown", newID("missing"), ErrNotFound},
			{"other identity", other.SessionID, ErrNotFound},
			{"already expired", mine.SessionID, ErrAlreadyTerminal},
		}
		for _, tt := range tests {
			err := s.Update(ctx, identity, func(tx Tx) error {
				return tx.SetStatus(tt.sessionID, StatusEvicted, base.Add(2*time.Hour))
			})
			if !errors.Is(err, tt.want) {
				t.Errorf("%s: expected %v, got %v", tt.name, tt.want, err)
			}
		}

		got, err := s.Get(ctx, mine.SessionID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Status != StatusExpired {
			t.Errorf("Terminal status changed to %s", got.Status)
		}
	})

	t.Run("duplicate session id is rejected", func(t *testing.T) {
		s := newStore(t)
		identity := newID("user")
		first := testSession(identity, base)
		create(t, s, first)

		dup := testSession(identity, base.Add(time.Minute))
		dup.SessionID = first.SessionID
		err := s.Update(ctx, identity, func(tx Tx) error { return tx.Create(dup) })
		if !errors.Is(err, ErrDuplicateSession) {
			t.Errorf("Expected ErrDuplicateSession, got %v", err)
		}
	})

	t.Run("touch", func(t *testing.T) {
		s := newStore(t)
		identity := newID("user")
		session := testSession(identity, base)
		create(t, s, session)

		window := 30 * time.Minute
		touch := func(at time.Time) error {
			return s.Touch(ctx, session.SessionID, at, at.Add(-window))
		}
		lastActivity := func() time.Time {
			got, err := s.Get(ctx, session.SessionID)
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			return got.LastActivityAt
		}

		if err := touch(base.Add(10 * time.Minute)); err != nil {
			t.Fatalf("Touch failed: %v", err)
		}
		if got := lastActivity(); !got.Equal(base.Add(10 * time.Minute)) {
			t.Errorf("Expected last activity to advance, got %v", got)
		}

		// An older heartbeat arriving late never moves the clock back.
		if err := touch(base.Add(5 * time.Minute)); err != nil {
			t.Fatalf("Late touch failed: %v", err)
		}
		if got := lastActivity(); !got.Equal(base.Add(10 * time.Minute)) {
			t.Errorf("Last activity moved backwards to %v", got)
		}

		if err := touch(base.Add(41 * time.Minute)); !errors.Is(err, ErrLapsed) {
			t.Errorf("Expected ErrLapsed after the window, got %v", err)
		}
		if err := s.Touch(ctx, newID("missing"), base, base); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}

		err := s.Update(ctx, identity, func(tx Tx) error {
			return tx.SetStatus(session.SessionID, StatusEvicted, base.Add(11*time.Minute))
		})
		if err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		if err := touch(base.Add(12 * time.Minute)); !errors.Is(err, ErrAlreadyTerminal) {
			t.Errorf("Expected ErrAlreadyTerminal, got %v", err)
		}
	})

	t.Run("stale identities", func(t *testing.T) {
		s := newStore(t)
		stale := newID("stale")
		fresh := newID("fresh")
		create(t, s, testSession(stale, base))
		create(t, s, testSession(fresh, base.Add(time.Hour)))

		ids, err := s.StaleIdentities(ctx, base.Add(30*time.Minute))
		if err != nil {
			t.Fatalf("StaleIdentities failed: %v", err)
		}
		found := map[string]bool{}
		for _, id := range ids {
			found[id] = true
		}
		if !found[stale] {
			t.Errorf("Expected %s to be stale", stale)
		}
		if found[fresh] {
			t.Errorf("Did not expect %s to be stale", fresh)
		}
	})

	t.Run("ping", func(t *testing.T) {
		s := newStore(t)
		if err := s.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("expire applies only to lapsed sessions", func(t *testing.T) {
		s := newStore(t)
		lapsed := testSession(newID("user"), base)
		fresh := testSession(lapsed.IdentityID, base.Add(20*time.Minute))
		create(t, s, lapsed, fresh)

		now := base.Add(31 * time.Minute)
		staleBefore := now.Add(-30 * time.Minute)

		err := s.Update(ctx, lapsed.IdentityID, func(tx Tx) error {
			return tx.Expire(fresh.SessionID, now, staleBefore)
		})
		if !errors.Is(err, ErrActivityAdvanced) {
			t.Fatalf("Expected ErrActivityAdvanced for a fresh session, got %v", err)
		}

		err = s.Update(ctx, lapsed.IdentityID, func(tx Tx) error {
			return tx.Expire(lapsed.SessionID, now, staleBefore)
		})
		if err != nil {
			t.Fatalf("Expire failed: %v", err)
		}

		got, err := s.Get(ctx, lapsed.SessionID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Status != StatusExpired || got.EndedAt == nil || !got.EndedAt.Equal(now) {
			t.Errorf("Expected expired at %v, got %s at %v", now, got.Status, got.EndedAt)
		}
		if active, _ := s.GetActive(ctx, lapsed.IdentityID); len(active) != 1 || active[0].SessionID != fresh.SessionID {
			t.Errorf("Expected only the fresh session to stay active")
		}
	})

	t.Run("concurrent updates never exceed the limit", func(t *testing.T) {
		s := newStore(t)
		identity := newID("user")
		const limit = 3
		const workers = 12

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			created int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				made := false
				err := s.Update(ctx, identity, func(tx Tx) error {
					made = false
					if len(tx.Active()) >= limit {
						return nil
					}
					made = true
					return tx.Create(testSession(identity, base))
				})
				if errors.Is(err, ErrTooMuchContention) {
					return
				}
				if err != nil {
					t.Errorf("Update failed: %v", err)
					return
				}
				if made {
					mu.Lock()
					created++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		active, err := s.GetActive(ctx, identity)
		if err != nil {
			t.Fatalf("GetActive failed: %v", err)
		}
		if len(active) > limit {
			t.Errorf("Limit exceeded: %d active sessions", len(active))
		}
		if len(active) != created {
			t.Errorf("Committed %d creates but %d sessions are active", created, len(active))
		}
	})
}

// runTouchDuringExpiryTest checks that an expiry staged from a snapshot does
// not commit once a heartbeat has advanced the session. Backends whose Update
// blocks Touch for its whole duration (SQLite) cannot run it.
func runTouchDuringExpiryTest(t *testing.T, s Store) {
	ctx := context.Background()
	session := testSession(newID("user"), base)
	create(t, s, session)

	touched := base.Add(30 * time.Minute)
	now := touched.Add(time.Millisecond)

	var touchErr error
	err := s.Update(ctx, session.IdentityID, func(tx Tx) error {
		touchErr = s.Touch(ctx, session.SessionID, touched, base)
		return tx.Expire(session.SessionID, now, now.Add(-30*time.Minute))
	})
	if touchErr != nil {
		t.Fatalf("Touch failed: %v", touchErr)
	}
	if !errors.Is(err, ErrActivityAdvanced) {
		t.Fatalf("Expected ErrActivityAdvanced, got %v", err)
	}

	got, err := s.Get(ctx, session.SessionID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusActive {
		t.Errorf("Heartbeated session was %s", got.Status)
	}
	if !got.LastActivityAt.Equal(touched) {
		t.Errorf("LastActivityAt = %v, want %v", got.LastActivityAt, touched)
	}
}
