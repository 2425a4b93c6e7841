package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shohag/remindrelay/internal/models"
)

var (
	ErrNotFound  = errors.New("schedule not found")
	ErrConflict  = errors.New("schedule status changed concurrently")
	ErrDuplicate = errors.New("schedule already exists")
)

// ClaimRequest selects due messages. Rows targeting ExcludePlatforms are
// left untouched.
type ClaimRequest struct {
	Limit            int
	Now              time.Time
	ExcludePlatforms []models.Platform
}

// StatusFields are written together with a status change. Every field is
// persisted as given, so callers pass the complete bookkeeping state.
type StatusFields struct {
	ErrorMessage  string
	ErrorCategory models.ErrorCategory
	SentAt        *time.Time
	FailedAt      *time.Time
	NextAttemptAt *time.Time
	UpdatedAt     time.Time
}

type ListFilter struct {
	Status   models.Status
	Platform models.Platform
	OwnerRef string
	Limit    int
	Offset   int
}

type Storage interface {
	// ClaimDue atomically moves due pending rows to processing, incrementing
	// attempts and stamping last_attempt_time. Rows are returned in
	// priority, then scheduled_time order.
	ClaimDue(ctx context.Context, req ClaimRequest) ([]models.ScheduledMessage, error)
	// ClaimByID claims one pending row regardless of its scheduled time.
	ClaimByID(ctx context.Context, id string, now time.Time) (*models.ScheduledMessage, error)
	// UpdateStatus is a compare-and-set on status. It returns ErrConflict
	// when the row is no longer in from.
	UpdateStatus(ctx context.Context, id string, from, to models.Status, fields StatusFields) error

	Insert(ctx context.Context, msg *models.ScheduledMessage) error
	Get(ctx context.Context, id string) (*models.ScheduledMessage, error)
	List(ctx context.Context, filter ListFilter) ([]models.ScheduledMessage, error)
	ListStale(ctx context.Context, before time.Time, limit int) ([]models.ScheduledMessage, error)
	ListOverdue(ctx context.Context, before time.Time, limit int) ([]models.ScheduledMessage, error)
	CountByStatus(ctx context.Context) (map[models.Status]int64, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
