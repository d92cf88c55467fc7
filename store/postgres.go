package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using PostgreSQL through pgx.
//
// Update serializes per identity with a transaction-scoped advisory lock
// keyed on the identity, so unrelated identities never wait on each other
// and the lock is released by COMMIT or ROLLBACK.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Postgres session store on an existing pool and
// ensures the schema exists.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if err := createPostgresSchema(ctx, pool); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresFromURL connects to databaseURL and creates a Postgres session store.
func NewPostgresFromURL(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to open pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: failed to connect: %w", err)
	}

	s, err := NewPostgres(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func createPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id       TEXT PRIMARY KEY,
		identity_id      TEXT NOT NULL,
		device_type      TEXT NOT NULL DEFAULT '',
		browser          TEXT NOT NULL DEFAULT '',
		os               TEXT NOT NULL DEFAULT '',
		user_agent       TEXT NOT NULL DEFAULT '',
		ip_address       TEXT NOT NULL DEFAULT '',
		loc_city         TEXT NOT NULL DEFAULT '',
		loc_country      TEXT NOT NULL DEFAULT '',
		loc_lat          DOUBLE PRECISION NOT NULL DEFAULT 0,
		loc_lng          DOUBLE PRECISION NOT NULL DEFAULT 0,
		status           TEXT NOT NULL,
		created_at       TIMESTAMPTZ NOT NULL,
		last_activity_at TIMESTAMPTZ NOT NULL,
		ended_at         TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_identity_active
		ON sessions (identity_id) WHERE status = 'active';

	CREATE INDEX IF NOT EXISTS idx_sessions_active_activity
		ON sessions (last_activity_at) WHERE status = 'active';
	`

	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: failed to create schema: %w", err)
	}
	return nil
}

const pgSessionColumns = `session_id, identity_id, device_type, browser, os, user_agent, ip_address,
	loc_city, loc_country, loc_lat, loc_lng, status, created_at, last_activity_at, ended_at`

// pgQueryer is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgQueryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Get returns a session by ID.
func (s *PostgresStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	return pgGet(ctx, s.pool, sessionID)
}

func pgGet(ctx context.Context, q pgQueryer, sessionID string) (*Session, error) {
	row := q.QueryRow(ctx, "SELECT "+pgSessionColumns+" FROM sessions WHERE session_id = $1", sessionID)
	session, err := scanPgSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to get session: %w", err)
	}
	return session, nil
}

// GetActive returns the active sessions of an identity, newest first.
func (s *PostgresStore) GetActive(ctx context.Context, identityID string) ([]*Session, error) {
	return pgActive(ctx, s.pool, identityID)
}

func pgActive(ctx context.Context, q pgQueryer, identityID string) ([]*Session, error) {
	rows, err := q.Query(ctx, "SELECT "+pgSessionColumns+`
		FROM sessions
		WHERE identity_id = $1 AND status = 'active'
		ORDER BY created_at DESC, session_id DESC`,
		identityID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*Session{}
	for rows.Next() {
		session, err := scanPgSession(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: error iterating sessions: %w", err)
	}
	return sessions, nil
}

// Update runs fn inside a transaction holding the identity's advisory lock.
func (s *PostgresStore) Update(ctx context.Context, identityID string, fn func(tx Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))", identityID); err != nil {
		return fmt.Errorf("postgres: failed to lock identity: %w", err)
	}

	active, err := pgActive(ctx, tx, identityID)
	if err != nil {
		return err
	}

	staged := newStagedTx(identityID, active, func(id string) (*Session, error) {
		return pgGet(ctx, tx, id)
	})
	if err := fn(staged); err != nil {
		return err
	}

	for _, change := range staged.statuses {
		query := "UPDATE sessions SET status = $2, ended_at = $3 WHERE session_id = $1 AND status = 'active'"
		args := []any{change.sessionID, string(change.status), change.at}
		if change.conditional() {
			query += " AND last_activity_at < $4"
			args = append(args, change.lapsedBefore)
		}

		tag, err := tx.Exec(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("postgres: failed to set session status: %w", err)
		}
		if tag.RowsAffected() == 0 {
			if change.conditional() {
				return ErrActivityAdvanced
			}
			return ErrAlreadyTerminal
		}
	}

	for _, c := range staged.creates {
		_, err := tx.Exec(ctx, "INSERT INTO sessions ("+pgSessionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 'active', $12, $13, NULL)`,
			c.SessionID, c.IdentityID, c.DeviceType, c.Browser, c.OS, c.UserAgent, c.IP,
			c.LocCity, c.LocCountry, c.LocLat, c.LocLng, c.CreatedAt, c.LastActivityAt,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return ErrDuplicateSession
			}
			return fmt.Errorf("postgres: failed to save session: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: failed to commit: %w", err)
	}
	return nil
}

// Touch advances the last activity timestamp of an active session.
func (s *PostgresStore) Touch(ctx context.Context, sessionID string, at, staleBefore time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions
		SET last_activity_at = GREATEST(last_activity_at, $2)
		WHERE session_id = $1 AND status = 'active' AND last_activity_at >= $3`,
		sessionID, at, staleBefore,
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to touch session: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	return touchOutcome(session, staleBefore)
}

// StaleIdentities returns identities with an active session idle since before.
func (s *PostgresStore) StaleIdentities(ctx context.Context, before time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT DISTINCT identity_id FROM sessions WHERE status = 'active' AND last_activity_at < $1",
		before,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query stale sessions: %w", err)
	}

	identities, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to collect identities: %w", err)
	}
	return identities, nil
}

// Ping checks that the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: ping failed: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPgSession(row pgx.Row) (*Session, error) {
	var (
		session Session
		status  string
		endedAt *time.Time
	)
	err := row.Scan(
		&session.SessionID,
		&session.IdentityID,
		&session.DeviceType,
		&session.Browser,
		&session.OS,
		&session.UserAgent,
		&session.IP,
		&session.LocCity,
		&session.LocCountry,
		&session.LocLat,
		&session.LocLng,
		&status,
		&session.CreatedAt,
		&session.LastActivityAt,
		&endedAt,
	)
	if err != nil {
		return nil, err
	}

	session.Status = Status(status)
	session.CreatedAt = session.CreatedAt.UTC()
	session.LastActivityAt = session.LastActivityAt.UTC()
	if endedAt != nil {
		t := endedAt.UTC()
		session.EndedAt = &t
	}
	return &session, nil
}
