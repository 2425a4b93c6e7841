package storage

import (
	"database/sql"
	"errors"

	"github.com/mattn/go-sqlite3"
)

type SQLiteStorage struct {
	*sqlStore
}

func NewSQLite(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, err
	}
	// A single connection serializes writers inside the process; claims are
	// single statements, so another process sees them atomically as well.
	db.SetMaxOpenConns(1)

	return &SQLiteStorage{sqlStore: &sqlStore{
		db: db,
		dialect: dialect{
			name:        "sqlite",
			migrations:  sqliteMigrations,
			isDuplicate: isSQLiteUnique,
		},
	}}, nil
}

var sqliteMigrations = []string{
	`CREATE TABLE IF NOT EXISTS schedules (
		id TEXT PRIMARY KEY,
		owner_ref TEXT NOT NULL DEFAULT '',
		platform TEXT NOT NULL,
		recipient TEXT NOT NULL,
		body TEXT NOT NULL DEFAULT '',
		format TEXT NOT NULL DEFAULT 'plain',
		template_key TEXT NOT NULL DEFAULT '',
		params TEXT NOT NULL DEFAULT '{}',
		scheduled_time DATETIME NOT NULL,
		recurrence TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		last_attempt_time DATETIME,
		next_attempt_at DATETIME,
		error_message TEXT NOT NULL DEFAULT '',
		error_category TEXT NOT NULL DEFAULT '',
		sent_at DATETIME,
		failed_at DATETIME,
		priority INTEGER NOT NULL DEFAULT 0,
		parent_id TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules(status, priority, scheduled_time)`,
	`CREATE INDEX IF NOT EXISTS idx_schedules_processing ON schedules(status, last_attempt_time) WHERE status = 'processing'`,
	`CREATE INDEX IF NOT EXISTS idx_schedules_owner ON schedules(owner_ref)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_schedules_parent ON schedules(parent_id) WHERE parent_id IS NOT NULL`,
}

func isSQLiteUnique(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
