package store

import (
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
// It uses the pure Go modernc.org/sqlite driver.
//
// Transactions are opened with BEGIN IMMEDIATE, which takes the database
// write lock up front. That serializes Update calls for every identity, not
// just the same one: SQLite has a single writer. Use MySQL, Postgres or Redis
// when unrelated identities must not contend.
type SQLiteStore struct {
	sqlStore
}

// NewSQLite creates a new SQLite session store.
// The database file is created if it doesn't exist.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", sqliteDSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// Enable WAL mode so readers never see a half-applied transaction
	// and are not blocked by the writer.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to enable WAL mode: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{sqlStore{
		db: db,
		dialect: sqlDialect{
			name: "sqlite",
			isDuplicate: func(err error) bool {
				return strings.Contains(err.Error(), "UNIQUE constraint failed")
			},
		},
	}}, nil
}

// sqliteDSN makes every connection wait for the write lock instead of
// failing with SQLITE_BUSY, and makes transactions take it immediately.
func sqliteDSN(dbPath string) string {
	params := url.Values{}
	params.Add("_txlock", "immediate")
	params.Add("_pragma", "busy_timeout(10000)")
	return "file:" + dbPath + "?" + params.Encode()
}

func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id       TEXT PRIMARY KEY,
		identity_id      TEXT NOT NULL,
		device_type      TEXT,
		browser          TEXT,
		os               TEXT,
		user_agent       TEXT,
		ip_address       TEXT,
		loc_city         TEXT,
		loc_country      TEXT,
		loc_lat          REAL,
		loc_lng          REAL,
		status           TEXT NOT NULL,
		created_at_ms    INTEGER NOT NULL,
		last_activity_ms INTEGER NOT NULL,
		ended_at_ms      INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_identity_status
		ON sessions (identity_id, status);

	CREATE INDEX IF NOT EXISTS idx_sessions_status_activity
		ON sessions (status, last_activity_ms);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("sqlite: failed to create schema: %w", err)
	}
	return nil
}
