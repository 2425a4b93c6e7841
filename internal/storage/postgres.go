package storage

import (
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

type PostgresStorage struct {
	*sqlStore
}

func NewPostgres(dsn string, maxOpenConns int) (*PostgresStorage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &PostgresStorage{sqlStore: &sqlStore{
		db: db,
		dialect: dialect{
			name:     "postgres",
			numbered: true,
			// Concurrent claimers skip rows another transaction already holds.
			claimLock:   " FOR UPDATE SKIP LOCKED",
			migrations:  postgresMigrations,
			isDuplicate: isPostgresUnique,
		},
	}}, nil
}

var postgresMigrations = []string{
	`CREATE TABLE IF NOT EXISTS schedules (
		id TEXT PRIMARY KEY,
		owner_ref TEXT NOT NULL DEFAULT '',
		platform TEXT NOT NULL,
		recipient TEXT NOT NULL,
		body TEXT NOT NULL DEFAULT '',
		format TEXT NOT NULL DEFAULT 'plain',
		template_key TEXT NOT NULL DEFAULT '',
		params TEXT NOT NULL DEFAULT '{}',
		scheduled_time TIMESTAMPTZ NOT NULL,
		recurrence TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		last_attempt_time TIMESTAMPTZ,
		next_attempt_at TIMESTAMPTZ,
		error_message TEXT NOT NULL DEFAULT '',
		error_category TEXT NOT NULL DEFAULT '',
		sent_at TIMESTAMPTZ,
		failed_at TIMESTAMPTZ,
		priority INTEGER NOT NULL DEFAULT 0,
		parent_id TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules(status, priority, scheduled_time)`,
	`CREATE INDEX IF NOT EXISTS idx_schedules_processing ON schedules(status, last_attempt_time) WHERE status = 'processing'`,
	`CREATE INDEX IF NOT EXISTS idx_schedules_owner ON schedules(owner_ref)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_schedules_parent ON schedules(parent_id) WHERE parent_id IS NOT NULL`,
}

func isPostgresUnique(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
