package delivery

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"

	"github.com/shohag/remindrelay/internal/config"
	"github.com/shohag/remindrelay/internal/models"
	"github.com/shohag/remindrelay/internal/storage"
)

// Fetcher polls the store for due messages and feeds them to the queue in
// claim order.
type Fetcher struct {
	store       storage.Storage
	tracker     *Tracker
	dispatcher  *Dispatcher
	breakers    *Breakers
	batchSize   int
	interval    time.Duration
	staleAfter  time.Duration
	expireAfter time.Duration
	log         zerolog.Logger
	now         func() time.Time
}

func NewFetcher(cfg config.DeliveryConfig, store storage.Storage, tracker *Tracker, dispatcher *Dispatcher, breakers *Breakers, log zerolog.Logger) *Fetcher {
	return &Fetcher{
		store:       store,
		tracker:     tracker,
		dispatcher:  dispatcher,
		breakers:    breakers,
		batchSize:   cfg.BatchSize,
		interval:    cfg.PollInterval,
		staleAfter:  cfg.StaleAfter,
		expireAfter: cfg.ExpireAfter,
		log:         log,
		now:         time.Now,
	}
}

// Run cycles until stop is closed. The first cycle starts immediately; a
// batch already claimed is always enqueued in full before Run returns.
func (f *Fetcher) Run(ctx context.Context, stop <-chan struct{}, queue chan<- models.ScheduledMessage) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		var pc panics.Catcher
		pc.Try(func() { f.Cycle(ctx, queue) })
		if r := pc.Recovered(); r != nil {
			f.log.Error().Err(r.AsError()).Msg("panic in fetch cycle")
		}

		timer.Reset(f.interval)
	}
}

// Cycle recovers stale work, expires overdue messages and enqueues one
// claimed batch. It returns the number of messages enqueued.
func (f *Fetcher) Cycle(ctx context.Context, queue chan<- models.ScheduledMessage) int {
	now := f.now()
	f.recoverStale(ctx, now)
	f.expireOverdue(ctx, now)

	msgs, err := f.tracker.Claim(ctx, storage.ClaimRequest{
		Limit:            f.batchSize,
		Now:              now,
		ExcludePlatforms: f.breakers.Rejecting(now),
	})
	if err != nil {
		return 0
	}
	if len(msgs) > 0 {
		f.log.Debug().Int("count", len(msgs)).Msg("claimed due messages")
	}

	for _, msg := range msgs {
		queue <- msg
	}
	return len(msgs)
}

func (f *Fetcher) recoverStale(ctx context.Context, now time.Time) {
	if f.staleAfter <= 0 {
		return
	}
	stale, err := f.store.ListStale(ctx, now.Add(-f.staleAfter), f.batchSize)
	if err != nil {
		f.tracker.storeFailed(err, "list stale schedules")
		return
	}
	for _, msg := range stale {
		f.dispatcher.Abandon(ctx, msg)
	}
}

func (f *Fetcher) expireOverdue(ctx context.Context, now time.Time) {
	if f.expireAfter <= 0 {
		return
	}
	overdue, err := f.store.ListOverdue(ctx, now.Add(-f.expireAfter), f.batchSize)
	if err != nil {
		f.tracker.storeFailed(err, "list overdue schedules")
		return
	}
	for i := range overdue {
		msg := &overdue[i]
		if err := f.tracker.Expire(ctx, msg); err != nil {
			continue
		}
		f.log.Warn().
			Str("schedule_id", msg.ID).
			Time("scheduled_time", msg.ScheduledTime).
			Msg("message expired before delivery")
	}
}
