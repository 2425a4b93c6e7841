package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/shohag/remindrelay/internal/models"
	"github.com/shohag/remindrelay/internal/recurrence"
	"github.com/shohag/remindrelay/internal/storage"
)

// scheduleNext inserts the successor of a sent recurring message. The
// unique parent index makes a second insert for the same parent a no-op.
func (d *Dispatcher) scheduleNext(ctx context.Context, sent *models.ScheduledMessage) {
	if !sent.Recurrence.Repeats() {
		return
	}
	log := d.log.With().Str("schedule_id", sent.ID).Logger()

	now := d.now()
	next, ok, err := recurrence.Next(sent.Recurrence, sent.ScheduledTime, now)
	if err != nil {
		log.Error().Err(err).Msg("cannot compute next occurrence")
		return
	}
	if !ok {
		log.Info().Msg("recurrence series ended")
		return
	}

	successor := Successor(sent, next, now)
	if err := d.store.Insert(ctx, successor); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			log.Info().Msg("successor already scheduled")
			return
		}
		log.Error().Err(err).Msg("failed to insert successor")
		d.collector.RecordStoreError()
		return
	}
	log.Info().Str("successor_id", successor.ID).Time("scheduled_time", next).Msg("scheduled next occurrence")
}

// Successor copies routing, payload, priority and recurrence into a fresh
// pending message at next.
func Successor(parent *models.ScheduledMessage, next, now time.Time) *models.ScheduledMessage {
	var params map[string]string
	if parent.Params != nil {
		params = make(map[string]string, len(parent.Params))
		for k, v := range parent.Params {
			params[k] = v
		}
	}
	rule := *parent.Recurrence

	now = now.UTC()
	return &models.ScheduledMessage{
		ID:            models.NewID("sch"),
		OwnerRef:      parent.OwnerRef,
		Platform:      parent.Platform,
		Recipient:     parent.Recipient,
		Body:          parent.Body,
		Format:        parent.Format,
		TemplateKey:   parent.TemplateKey,
		Params:        params,
		ScheduledTime: next.UTC(),
		Recurrence:    &rule,
		Status:        models.StatusPending,
		Priority:      parent.Priority,
		ParentID:      parent.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}
