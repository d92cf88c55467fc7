package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// sqlDialect captures what differs between the database/sql backends.
type sqlDialect struct {
	name string

	// lockIdentity acquires the per-identity lock inside tx. It may be nil
	// when beginning the transaction already serializes writers.
	lockIdentity func(ctx context.Context, tx *sql.Tx, identityID string) error

	// isDuplicate reports whether err is a primary key violation.
	isDuplicate func(err error) bool
}

// sqlStore is the database/sql implementation shared by SQLite and MySQL.
// Timestamps are stored as Unix milliseconds so both engines compare them
// the same way.
type sqlStore struct {
	db      *sql.DB
	dialect sqlDialect
}

const sessionColumns = `session_id, identity_id, device_type, browser, os, user_agent, ip_address,
	loc_city, loc_country, loc_lat, loc_lng, status, created_at_ms, last_activity_ms, ended_at_ms`

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Get returns a session by ID.
func (s *sqlStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	return s.get(ctx, s.db, sessionID)
}

func (s *sqlStore) get(ctx context.Context, q queryer, sessionID string) (*Session, error) {
	row := q.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE session_id = ?",
		sessionID,
	)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: failed to get session: %w", s.dialect.name, err)
	}
	return session, nil
}

// GetActive returns the active sessions of an identity, newest first.
func (s *sqlStore) GetActive(ctx context.Context, identityID string) ([]*Session, error) {
	return s.active(ctx, s.db, identityID)
}

func (s *sqlStore) active(ctx context.Context, q queryer, identityID string) ([]*Session, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT "+sessionColumns+` FROM sessions
		WHERE identity_id = ? AND status = ?
		ORDER BY created_at_ms DESC, session_id DESC`,
		identityID, string(StatusActive),
	)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to query sessions: %w", s.dialect.name, err)
	}
	defer rows.Close()

	sessions := []*Session{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: failed to scan session: %w", s.dialect.name, err)
		}
		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: error iterating sessions: %w", s.dialect.name, err)
	}

	return sessions, nil
}

// Update runs fn inside a database transaction holding the identity lock.
func (s *sqlStore) Update(ctx context.Context, identityID string, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: failed to begin transaction: %w", s.dialect.name, err)
	}
	defer func() { _ = tx.Rollback() }()

	if s.dialect.lockIdentity != nil {
		if err := s.dialect.lockIdentity(ctx, tx, identityID); err != nil {
			return fmt.Errorf("%s: failed to lock identity: %w", s.dialect.name, err)
		}
	}

	active, err := s.active(ctx, tx, identityID)
	if err != nil {
		return err
	}

	staged := newStagedTx(identityID, active, func(id string) (*Session, error) {
		return s.get(ctx, tx, id)
	})
	if err := fn(staged); err != nil {
		return err
	}

	for _, change := range staged.statuses {
		if err := s.setStatus(ctx, tx, change); err != nil {
			return err
		}
	}

	for _, c := range staged.creates {
		if err := s.insert(ctx, tx, c); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: failed to commit: %w", s.dialect.name, err)
	}
	return nil
}

func (s *sqlStore) setStatus(ctx context.Context, tx *sql.Tx, change statusChange) error {
	query := "UPDATE sessions SET status = ?, ended_at_ms = ? WHERE session_id = ? AND status = ?"
	args := []any{string(change.status), toMillis(change.at), change.sessionID, string(StatusActive)}
	if change.conditional() {
		query += " AND last_activity_ms < ?"
		args = append(args, toMillis(change.lapsedBefore))
	}

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: failed to set session status: %w", s.dialect.name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// The identity lock keeps the status itself from moving, so a
		// conditional miss means a heartbeat landed after the snapshot.
		if change.conditional() {
			return ErrActivityAdvanced
		}
		return ErrAlreadyTerminal
	}
	return nil
}

func (s *sqlStore) insert(ctx context.Context, tx *sql.Tx, session *Session) error {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO sessions ("+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.SessionID,
		session.IdentityID,
		session.DeviceType,
		session.Browser,
		session.OS,
		session.UserAgent,
		session.IP,
		session.LocCity,
		session.LocCountry,
		session.LocLat,
		session.LocLng,
		string(StatusActive),
		toMillis(session.CreatedAt),
		toMillis(session.LastActivityAt),
		nil,
	)
	if err != nil {
		if s.dialect.isDuplicate != nil && s.dialect.isDuplicate(err) {
			return ErrDuplicateSession
		}
		return fmt.Errorf("%s: failed to save session: %w", s.dialect.name, err)
	}
	return nil
}

// Touch advances the last activity timestamp of an active session.
func (s *sqlStore) Touch(ctx context.Context, sessionID string, at, staleBefore time.Time) error {
	atMs := toMillis(at)
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET last_activity_ms = CASE WHEN last_activity_ms < ? THEN ? ELSE last_activity_ms END
		WHERE session_id = ? AND status = ? AND last_activity_ms >= ?`,
		atMs, atMs, sessionID, string(StatusActive), toMillis(staleBefore),
	)
	if err != nil {
		return fmt.Errorf("%s: failed to touch session: %w", s.dialect.name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}

	// Nothing changed: either the CAS failed or the timestamp was already
	// newer (MySQL counts changed rows, not matched rows).
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	return touchOutcome(session, staleBefore)
}

// StaleIdentities returns identities with an active session idle since before.
func (s *sqlStore) StaleIdentities(ctx context.Context, before time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT identity_id FROM sessions WHERE status = ? AND last_activity_ms < ?",
		string(StatusActive), toMillis(before),
	)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to query stale sessions: %w", s.dialect.name, err)
	}
	defer rows.Close()

	var identities []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%s: failed to scan identity: %w", s.dialect.name, err)
		}
		identities = append(identities, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: error iterating identities: %w", s.dialect.name, err)
	}
	return identities, nil
}

// Ping checks the database connection.
func (s *sqlStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%s: ping failed: %w", s.dialect.name, err)
	}
	return nil
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	return s.db.Close()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		session                 Session
		status                  string
		createdMs, lastMs       int64
		endedMs                 sql.NullInt64
		deviceType, browser, os sql.NullString
		userAgent, ip           sql.NullString
		city, country           sql.NullString
		lat, lng                sql.NullFloat64
	)
	err := row.Scan(
		&session.SessionID,
		&session.IdentityID,
		&deviceType,
		&browser,
		&os,
		&userAgent,
		&ip,
		&city,
		&country,
		&lat,
		&lng,
		&status,
		&createdMs,
		&lastMs,
		&endedMs,
	)
	if err != nil {
		return nil, err
	}

	session.DeviceType = deviceType.String
	session.Browser = browser.String
	session.OS = os.String
	session.UserAgent = userAgent.String
	session.IP = ip.String
	session.LocCity = city.String
	session.LocCountry = country.String
	session.LocLat = lat.Float64
	session.LocLng = lng.Float64
	session.Status = Status(status)
	session.CreatedAt = fromMillis(createdMs)
	session.LastActivityAt = fromMillis(lastMs)
	if endedMs.Valid {
		t := fromMillis(endedMs.Int64)
		session.EndedAt = &t
	}
	return &session, nil
}

// touchOutcome explains why a conditional touch did not apply.
func touchOutcome(session *Session, staleBefore time.Time) error {
	if session.Status != StatusActive {
		return ErrAlreadyTerminal
	}
	if session.LastActivityAt.Before(staleBefore) {
		return ErrLapsed
	}
	return nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
