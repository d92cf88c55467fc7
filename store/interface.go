package store

import (
	"context"
	"errors"
	"sort"
	"time"
)

// Status is the lifecycle state of a session record.
type Status string

const (
	StatusActive  Status = "active"
	StatusEvicted Status = "evicted"
	StatusExpired Status = "expired"
)

// Terminal reports whether the status can never change again.
func (s Status) Terminal() bool {
	return s == StatusEvicted || s == StatusExpired
}

var (
	// ErrNotFound is returned when a session ID is unknown, or does not
	// belong to the identity a transaction was opened for.
	ErrNotFound = errors.New("store: session not found")

	// ErrAlreadyTerminal is returned when mutating a record that has
	// already left the active state.
	ErrAlreadyTerminal = errors.New("store: session already terminal")

	// ErrLapsed is returned by Touch when the record is still active but
	// its liveness window has already elapsed.
	ErrLapsed = errors.New("store: session liveness window lapsed")

	// ErrDuplicateSession is returned when creating a session whose ID
	// already exists.
	ErrDuplicateSession = errors.New("store: duplicate session id")

	// ErrActivityAdvanced is returned by Update when a staged expiry no
	// longer holds because the session recorded activity after the
	// snapshot. Nothing was written; the unit of work may be retried.
	ErrActivityAdvanced = errors.New("store: session activity advanced")
)

// Session represents a session record for storage.
// This is a copy of the main Session type to avoid circular imports.
type Session struct {
	SessionID      string
	IdentityID     string
	DeviceType     string
	Browser        string
	OS             string
	UserAgent      string
	IP             string
	LocCity        string
	LocCountry     string
	LocLat         float64
	LocLng         float64
	Status         Status
	CreatedAt      time.Time
	LastActivityAt time.Time
	EndedAt        *time.Time
}

// Lapsed reports whether no heartbeat arrived within window as of now.
func (s *Session) Lapsed(now time.Time, window time.Duration) bool {
	return now.Sub(s.LastActivityAt) > window
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	c := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// Store defines the interface for session storage backends.
// Implementations must be safe for concurrent use.
//
// Every mutation that changes how many sessions an identity has active goes
// through Update, which gives the callback exclusive access to that identity's
// session set. Two Update calls for the same identity never interleave;
// Update calls for different identities should not block each other.
type Store interface {
	// Get returns the session with the given ID, whatever its status.
	// Returns ErrNotFound if it does not exist.
	Get(ctx context.Context, sessionID string) (*Session, error)

	// GetActive returns the active sessions of an identity, newest first.
	// An identity without sessions yields an empty slice, not an error.
	// The result always reflects a committed state.
	GetActive(ctx context.Context, identityID string) ([]*Session, error)

	// Update runs fn with exclusive access to the identity's session set.
	// Writes staged through the Tx become visible together when fn returns
	// nil, and are discarded when it returns an error.
	Update(ctx context.Context, identityID string, fn func(tx Tx) error) error

	// Touch advances LastActivityAt to at (never backwards) if and only if
	// the session is active and LastActivityAt >= staleBefore.
	// Returns ErrNotFound, ErrAlreadyTerminal or ErrLapsed otherwise.
	Touch(ctx context.Context, sessionID string, at, staleBefore time.Time) error

	// StaleIdentities returns the identities that own at least one active
	// session with LastActivityAt before the given time.
	StaleIdentities(ctx context.Context, before time.Time) ([]string, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}

// Tx is the unit of work handed to Store.Update.
type Tx interface {
	// Active returns the identity's active sessions as read under the
	// exclusive lock, newest first. Staged writes are not reflected.
	Active() []*Session

	// Create stages a new session. Its IdentityID must match the
	// transaction's identity.
	Create(session *Session) error

	// SetStatus stages a transition of an active session of this identity
	// to a terminal status. Returns ErrAlreadyTerminal for a terminal record
	// of this identity and ErrNotFound for anything else.
	SetStatus(sessionID string, status Status, at time.Time) error

	// Expire stages the expiry of an active session of this identity that
	// applies only if its LastActivityAt is still before staleBefore at
	// commit. Commit fails with ErrActivityAdvanced otherwise.
	Expire(sessionID string, at, staleBefore time.Time) error
}

// sortNewestFirst orders sessions by CreatedAt descending, breaking ties by ID
// so the order is stable across backends.
func sortNewestFirst(sessions []*Session) {
	sort.Slice(sessions, func(i, j int) bool {
		a, b := sessions[i], sessions[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.SessionID > b.SessionID
	})
}

// stagedTx is the Tx shared by backends that buffer writes until commit.
type stagedTx struct {
	identityID string
	lookup     func(sessionID string) (*Session, error)
	active     []*Session
	creates    []*Session
	statuses   []statusChange
}

type statusChange struct {
	sessionID string
	status    Status
	at        time.Time

	// lapsedBefore, when set, makes the change conditional on
	// LastActivityAt < lapsedBefore.
	lapsedBefore time.Time
}

func (c statusChange) conditional() bool {
	return !c.lapsedBefore.IsZero()
}

// newStagedTx builds a Tx over the active snapshot. lookup is consulted only to
// tell a terminal record apart from an unknown one.
func newStagedTx(identityID string, active []*Session, lookup func(string) (*Session, error)) *stagedTx {
	sortNewestFirst(active)
	return &stagedTx{identityID: identityID, active: active, lookup: lookup}
}

func (t *stagedTx) empty() bool {
	return len(t.creates) == 0 && len(t.statuses) == 0
}

func (t *stagedTx) Active() []*Session {
	out := make([]*Session, len(t.active))
	for i, s := range t.active {
		out[i] = s.Clone()
	}
	return out
}

func (t *stagedTx) Create(session *Session) error {
	if session.IdentityID != t.identityID {
		return errors.New("store: session identity does not match transaction")
	}
	for _, s := range t.creates {
		if s.SessionID == session.SessionID {
			return ErrDuplicateSession
		}
	}
	c := session.Clone()
	c.Status = StatusActive
	c.EndedAt = nil
	t.creates = append(t.creates, c)
	return nil
}

func (t *stagedTx) SetStatus(sessionID string, status Status, at time.Time) error {
	return t.stage(statusChange{sessionID: sessionID, status: status, at: at})
}

func (t *stagedTx) Expire(sessionID string, at, staleBefore time.Time) error {
	return t.stage(statusChange{
		sessionID:    sessionID,
		status:       StatusExpired,
		at:           at,
		lapsedBefore: staleBefore,
	})
}

func (t *stagedTx) stage(change statusChange) error {
	sessionID, status := change.sessionID, change.status
	if !status.Terminal() {
		return errors.New("store: can only transition to a terminal status")
	}
	for _, c := range t.statuses {
		if c.sessionID == sessionID {
			return ErrAlreadyTerminal
		}
	}
	for _, s := range t.active {
		if s.SessionID != sessionID {
			continue
		}
		if change.conditional() && !s.LastActivityAt.Before(change.lapsedBefore) {
			return ErrActivityAdvanced
		}
		t.statuses = append(t.statuses, change)
		return nil
	}
	if t.lookup != nil {
		s, err := t.lookup(sessionID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if s != nil && s.IdentityID == t.identityID && s.Status.Terminal() {
			return ErrAlreadyTerminal
		}
	}
	return ErrNotFound
}
