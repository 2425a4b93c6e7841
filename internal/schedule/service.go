// Package schedule is the operator-facing side of the engine: creating,
// inspecting, cancelling and force-sending scheduled messages. The REST API
// and the CLI both go through it.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/shohag/remindrelay/internal/cache"
	"github.com/shohag/remindrelay/internal/delivery"
	"github.com/shohag/remindrelay/internal/metrics"
	"github.com/shohag/remindrelay/internal/models"
	"github.com/shohag/remindrelay/internal/platform"
	"github.com/shohag/remindrelay/internal/storage"
)

type Service struct {
	store      storage.Storage
	tracker    *delivery.Tracker
	dispatcher *delivery.Dispatcher
	breakers   *delivery.Breakers
	collector  *metrics.Collector
	receipts   cache.Receipts
	templates  platform.Templates
	log        zerolog.Logger
	now        func() time.Time
}

type Deps struct {
	Store      storage.Storage
	Tracker    *delivery.Tracker
	Dispatcher *delivery.Dispatcher
	Breakers   *delivery.Breakers
	Collector  *metrics.Collector
	Receipts   cache.Receipts
	Templates  platform.Templates
}

func NewService(deps Deps, log zerolog.Logger) *Service {
	if deps.Receipts == nil {
		deps.Receipts = cache.Nop{}
	}
	return &Service{
		store:      deps.Store,
		tracker:    deps.Tracker,
		dispatcher: deps.Dispatcher,
		breakers:   deps.Breakers,
		collector:  deps.Collector,
		receipts:   deps.Receipts,
		templates:  deps.Templates,
		log:        log,
		now:        time.Now,
	}
}

// Detail is a schedule together with the provider receipt of its last
// successful send, when still cached.
type Detail struct {
	*models.ScheduledMessage
	Receipt *platform.Receipt `json:"receipt,omitempty"`
}

type Stats struct {
	Health   metrics.Report             `json:"health"`
	Counts   map[models.Status]int64    `json:"counts"`
	Breakers []delivery.BreakerSnapshot `json:"breakers"`
}

func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.ScheduledMessage, error) {
	now := s.now()
	if err := req.Validate(ctx, now, s.templates); err != nil {
		return nil, err
	}

	msg := req.message(now)
	if err := s.store.Insert(ctx, msg); err != nil {
		return nil, fmt.Errorf("insert schedule: %w", err)
	}
	s.log.Info().
		Str("schedule_id", msg.ID).
		Str("platform", string(msg.Platform)).
		Time("scheduled_time", msg.ScheduledTime).
		Msg("message scheduled")
	return msg, nil
}

func (s *Service) List(ctx context.Context, filter storage.ListFilter) ([]models.ScheduledMessage, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 50
	}
	msgs, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	if msgs == nil {
		msgs = []models.ScheduledMessage{}
	}
	return msgs, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Detail, error) {
	msg, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	d := &Detail{ScheduledMessage: msg}
	if msg.Status == models.StatusSent {
		rc, err := s.receipts.Receipt(ctx, id)
		if err != nil {
			s.log.Warn().Err(err).Str("schedule_id", id).Msg("receipt lookup failed")
		}
		d.Receipt = rc
	}
	return d, nil
}

func (s *Service) Cancel(ctx context.Context, id string) (*models.ScheduledMessage, error) {
	msg, err := s.tracker.Cancel(ctx, id)
	if err != nil {
		return msg, err
	}
	s.log.Info().Str("schedule_id", id).Msg("schedule cancelled")
	return msg, nil
}

// SendNow delivers a pending message immediately. The returned message
// reflects the outcome, which may be a scheduled retry.
func (s *Service) SendNow(ctx context.Context, id string) (*models.ScheduledMessage, error) {
	return s.dispatcher.SendNow(ctx, id)
}

func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count schedules: %w", err)
	}
	for _, st := range models.Statuses {
		if _, ok := counts[st]; !ok {
			counts[st] = 0
		}
	}
	return &Stats{
		Health:   s.collector.Health(),
		Counts:   counts,
		Breakers: s.breakers.Snapshot(),
	}, nil
}

func (s *Service) Health() metrics.Report {
	return s.collector.Health()
}
