package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/shohag/remindrelay/internal/alert"
	"github.com/shohag/remindrelay/internal/events"
	"github.com/shohag/remindrelay/internal/metrics"
	"github.com/shohag/remindrelay/internal/models"
	"github.com/shohag/remindrelay/internal/storage"
)

var transitions = map[models.Status][]models.Status{
	models.StatusPending:    {models.StatusProcessing, models.StatusCancelled, models.StatusExpired},
	models.StatusProcessing: {models.StatusSent, models.StatusFailed},
	models.StatusFailed:     {models.StatusPending, models.StatusCancelled, models.StatusExpired},
}

func CanTransition(from, to models.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Tracker is the only writer of schedule status. Every transition is
// checked against the state machine and persisted as a compare-and-set.
type Tracker struct {
	store     storage.Storage
	collector *metrics.Collector
	alerter   alert.Reporter
	events    events.Publisher
	log       zerolog.Logger
	now       func() time.Time
}

func NewTracker(store storage.Storage, collector *metrics.Collector, alerter alert.Reporter, publisher events.Publisher, log zerolog.Logger) *Tracker {
	if alerter == nil {
		alerter = alert.Nop{}
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Tracker{
		store:     store,
		collector: collector,
		alerter:   alerter,
		events:    publisher,
		log:       log,
		now:       time.Now,
	}
}

// Claim moves due pending messages to processing.
func (t *Tracker) Claim(ctx context.Context, req storage.ClaimRequest) ([]models.ScheduledMessage, error) {
	msgs, err := t.store.ClaimDue(ctx, req)
	if err != nil {
		t.storeFailed(err, "claim due schedules")
		return nil, err
	}
	return msgs, nil
}

// ClaimOne moves a single pending message to processing regardless of its
// scheduled time.
func (t *Tracker) ClaimOne(ctx context.Context, id string) (*models.ScheduledMessage, error) {
	msg, err := t.store.ClaimByID(ctx, id, t.now())
	if err != nil && !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, storage.ErrConflict) {
		t.storeFailed(err, "claim schedule")
	}
	return msg, err
}

func (t *Tracker) MarkSent(ctx context.Context, msg *models.ScheduledMessage) error {
	now := t.now().UTC()
	return t.transition(ctx, msg, models.StatusSent, storage.StatusFields{
		SentAt:    &now,
		UpdatedAt: now,
	})
}

func (t *Tracker) MarkFailed(ctx context.Context, msg *models.ScheduledMessage, category models.ErrorCategory, reason string) error {
	now := t.now().UTC()
	return t.transition(ctx, msg, models.StatusFailed, storage.StatusFields{
		ErrorMessage:  reason,
		ErrorCategory: category,
		FailedAt:      &now,
		UpdatedAt:     now,
	})
}

// Requeue returns a failed message to pending, eligible again at next.
func (t *Tracker) Requeue(ctx context.Context, msg *models.ScheduledMessage, next time.Time) error {
	next = next.UTC()
	return t.transition(ctx, msg, models.StatusPending, storage.StatusFields{
		ErrorMessage:  msg.ErrorMessage,
		ErrorCategory: msg.ErrorCategory,
		FailedAt:      msg.FailedAt,
		NextAttemptAt: &next,
		UpdatedAt:     t.now().UTC(),
	})
}

func (t *Tracker) Expire(ctx context.Context, msg *models.ScheduledMessage) error {
	return t.transition(ctx, msg, models.StatusExpired, t.keepFields(msg))
}

// Cancel terminalizes a pending message. Anything else, including a
// message claimed while the cancel was in flight, is ErrNotCancellable.
func (t *Tracker) Cancel(ctx context.Context, id string) (*models.ScheduledMessage, error) {
	msg, err := t.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg.Status != models.StatusPending {
		return msg, fmt.Errorf("%w: status is %s", ErrNotCancellable, msg.Status)
	}

	err = t.transition(ctx, msg, models.StatusCancelled, t.keepFields(msg))
	if errors.Is(err, storage.ErrConflict) {
		return msg, fmt.Errorf("%w: status changed concurrently", ErrNotCancellable)
	}
	return msg, err
}

// Finalize announces that a failed message will not be attempted again.
func (t *Tracker) Finalize(ctx context.Context, msg *models.ScheduledMessage, reason string) {
	t.log.Warn().
		Str("schedule_id", msg.ID).
		Str("platform", string(msg.Platform)).
		Int("attempts", msg.Attempts).
		Str("category", string(msg.ErrorCategory)).
		Str("error", msg.ErrorMessage).
		Str("reason", reason).
		Msg("delivery permanently failed")
	t.publish(ctx, msg)
}

func (t *Tracker) keepFields(msg *models.ScheduledMessage) storage.StatusFields {
	return storage.StatusFields{
		ErrorMessage:  msg.ErrorMessage,
		ErrorCategory: msg.ErrorCategory,
		SentAt:        msg.SentAt,
		FailedAt:      msg.FailedAt,
		NextAttemptAt: msg.NextAttemptAt,
		UpdatedAt:     t.now().UTC(),
	}
}

func (t *Tracker) transition(ctx context.Context, msg *models.ScheduledMessage, to models.Status, f storage.StatusFields) error {
	from := msg.Status
	if !CanTransition(from, to) {
		err := fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
		t.consistencyError(msg, err)
		return err
	}

	if err := t.store.UpdateStatus(ctx, msg.ID, from, to, f); err != nil {
		switch {
		case errors.Is(err, storage.ErrConflict):
			// Another actor moved the row first. Only a pending row may be
			// raced legitimately (cancel against claim).
			if from != models.StatusPending {
				t.consistencyError(msg, fmt.Errorf("%s -> %s: %w", from, to, err))
			}
		case errors.Is(err, storage.ErrNotFound):
			t.consistencyError(msg, err)
		default:
			t.storeFailed(err, "update schedule status")
		}
		return err
	}

	msg.Status = to
	msg.ErrorMessage = f.ErrorMessage
	msg.ErrorCategory = f.ErrorCategory
	msg.SentAt = f.SentAt
	msg.FailedAt = f.FailedAt
	msg.NextAttemptAt = f.NextAttemptAt
	msg.UpdatedAt = f.UpdatedAt

	t.log.Debug().
		Str("schedule_id", msg.ID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("status changed")

	if to.Terminal() {
		t.publish(ctx, msg)
	}
	return nil
}

func (t *Tracker) publish(ctx context.Context, msg *models.ScheduledMessage) {
	if err := t.events.Publish(ctx, events.NewEvent(msg, t.now())); err != nil {
		t.log.Warn().Err(err).Str("schedule_id", msg.ID).Msg("failed to publish lifecycle event")
	}
}

func (t *Tracker) consistencyError(msg *models.ScheduledMessage, err error) {
	t.log.Error().Err(err).Str("schedule_id", msg.ID).Str("status", string(msg.Status)).Msg("status consistency violation")
	t.collector.RecordConsistencyError()
	t.alerter.Report(err, map[string]string{"schedule_id": msg.ID, "kind": "consistency"})
}

func (t *Tracker) storeFailed(err error, op string) {
	t.log.Error().Err(err).Str("op", op).Msg("store error")
	t.collector.RecordStoreError()
}
