package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
)

// MySQLStore implements Store using MySQL (InnoDB).
//
// Each identity has a row in session_identities; Update upserts and thereby
// exclusively locks that row for the duration of the transaction, so
// transactions for one identity queue up while other identities proceed.
type MySQLStore struct {
	sqlStore
}

// NewMySQL creates a new MySQL session store on an open database handle.
// The handle must have been opened without multiStatements.
func NewMySQL(db *sql.DB) (*MySQLStore, error) {
	if err := createMySQLSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &MySQLStore{sqlStore{
		db: db,
		dialect: sqlDialect{
			name:         "mysql",
			lockIdentity: lockMySQLIdentity,
			isDuplicate: func(err error) bool {
				var mysqlErr *mysql.MySQLError
				return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
			},
		},
	}}, nil
}

// NewMySQLFromDSN creates a new MySQL session store from a DSN.
// The DSN format is: user:password@tcp(host:port)/database
func NewMySQLFromDSN(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("mysql: failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("mysql: failed to connect: %w", err)
	}

	return NewMySQL(db)
}

// lockIdentity upserts the identity row. ON DUPLICATE KEY UPDATE takes an
// exclusive record lock even when the row already exists, which avoids the
// shared-then-exclusive upgrade deadlock of INSERT IGNORE + SELECT FOR UPDATE.
func lockMySQLIdentity(ctx context.Context, tx *sql.Tx, identityID string) error {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO session_identities (identity_id) VALUES (?) ON DUPLICATE KEY UPDATE identity_id = identity_id",
		identityID,
	)
	return err
}

func createMySQLSchema(db *sql.DB) error {
	// NOTE: MySQL does not support partial indexes. For PostgreSQL the
	// active-session lookups use partial indexes instead (see postgres.go).
	statements := []string{`
	CREATE TABLE IF NOT EXISTS sessions (
		session_id       VARCHAR(64) PRIMARY KEY,
		identity_id      VARCHAR(255) NOT NULL,
		device_type      VARCHAR(20),
		browser          VARCHAR(100),
		os               VARCHAR(100),
		user_agent       TEXT,
		ip_address       VARCHAR(45),
		loc_city         VARCHAR(100),
		loc_country      VARCHAR(100),
		loc_lat          DOUBLE,
		loc_lng          DOUBLE,
		status           VARCHAR(16) NOT NULL,
		created_at_ms    BIGINT NOT NULL,
		last_activity_ms BIGINT NOT NULL,
		ended_at_ms      BIGINT NULL DEFAULT NULL,

		INDEX idx_sessions_identity_status (identity_id, status),
		INDEX idx_sessions_status_activity (status, last_activity_ms)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`, `
	CREATE TABLE IF NOT EXISTS session_identities (
		identity_id VARCHAR(255) PRIMARY KEY
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("mysql: failed to create schema: %w", err)
		}
	}
	return nil
}
