package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"

	"github.com/shohag/remindrelay/internal/alert"
	"github.com/shohag/remindrelay/internal/cache"
	"github.com/shohag/remindrelay/internal/metrics"
	"github.com/shohag/remindrelay/internal/models"
	"github.com/shohag/remindrelay/internal/platform"
	"github.com/shohag/remindrelay/internal/storage"
)

var (
	errWorkerLost = errors.New("delivery abandoned: worker lost")
	errPanic      = errors.New("panic during delivery")
)

// Dispatcher runs one claimed message through breaker, handler, classifier,
// retry policy and tracker.
type Dispatcher struct {
	store     storage.Storage
	tracker   *Tracker
	registry  *platform.Registry
	templates platform.Templates
	breakers  *Breakers
	retry     *RetryPolicy
	collector *metrics.Collector
	alerter   alert.Reporter
	receipts  cache.Receipts
	log       zerolog.Logger
	now       func() time.Time
}

type DispatcherDeps struct {
	Store     storage.Storage
	Tracker   *Tracker
	Registry  *platform.Registry
	Templates platform.Templates
	Breakers  *Breakers
	Retry     *RetryPolicy
	Collector *metrics.Collector
	Alerter   alert.Reporter
	Receipts  cache.Receipts
}

func NewDispatcher(deps DispatcherDeps, log zerolog.Logger) *Dispatcher {
	if deps.Alerter == nil {
		deps.Alerter = alert.Nop{}
	}
	if deps.Receipts == nil {
		deps.Receipts = cache.Nop{}
	}
	return &Dispatcher{
		store:     deps.Store,
		tracker:   deps.Tracker,
		registry:  deps.Registry,
		templates: deps.Templates,
		breakers:  deps.Breakers,
		retry:     deps.Retry,
		collector: deps.Collector,
		alerter:   deps.Alerter,
		receipts:  deps.Receipts,
		log:       log,
		now:       time.Now,
	}
}

// Process delivers a message already claimed into processing. A panic is
// contained to this message and treated as a system failure.
func (d *Dispatcher) Process(ctx context.Context, msg models.ScheduledMessage) {
	start := d.now()

	var pc panics.Catcher
	pc.Try(func() { d.process(ctx, &msg, start) })

	if r := pc.Recovered(); r != nil {
		err := r.AsError()
		d.log.Error().Err(err).Str("schedule_id", msg.ID).Msg("panic while processing message")
		d.alerter.Report(err, map[string]string{
			"schedule_id": msg.ID,
			"platform":    string(msg.Platform),
			"kind":        "panic",
		})
		if msg.Status == models.StatusProcessing {
			d.fail(ctx, &msg, fmt.Errorf("%w: %v", errPanic, r.Value), start)
		}
	}
}

// SendNow claims a pending message out of schedule and processes it inline.
func (d *Dispatcher) SendNow(ctx context.Context, id string) (*models.ScheduledMessage, error) {
	msg, err := d.tracker.ClaimOne(ctx, id)
	if err != nil {
		return nil, err
	}
	d.log.Info().Str("schedule_id", id).Msg("sending message now")
	// Once claimed the row must reach its next state even if the caller
	// goes away.
	ctx = context.WithoutCancel(ctx)
	d.Process(ctx, *msg)
	return d.store.Get(ctx, id)
}

// Abandon fails a processing message whose worker disappeared.
func (d *Dispatcher) Abandon(ctx context.Context, msg models.ScheduledMessage) {
	d.log.Warn().
		Str("schedule_id", msg.ID).
		Int("attempt", msg.Attempts).
		Msg("recovering stale processing message")
	d.fail(ctx, &msg, errWorkerLost, d.now())
}

func (d *Dispatcher) process(ctx context.Context, msg *models.ScheduledMessage, start time.Time) {
	log := d.log.With().
		Str("schedule_id", msg.ID).
		Str("platform", string(msg.Platform)).
		Int("attempt", msg.Attempts).
		Logger()

	payload, err := d.templates.Render(msg)
	if err != nil {
		d.fail(ctx, msg, err, start)
		return
	}

	handler, err := d.registry.Get(msg.Platform)
	if err != nil {
		d.fail(ctx, msg, err, start)
		return
	}

	breaker := d.breakers.Get(msg.Platform)
	if err := breaker.Allow(); err != nil {
		d.collector.RecordCircuitRejection(msg.Platform)
		d.fail(ctx, msg, err, start)
		return
	}

	receipt, sendErr := d.send(ctx, breaker, handler, msg, payload)
	if sendErr != nil {
		d.fail(ctx, msg, sendErr, start)
		return
	}

	if err := d.tracker.MarkSent(ctx, msg); err != nil {
		log.Error().Err(err).Msg("failed to mark message sent")
		return
	}
	d.collector.RecordOutcome(msg.Platform, models.CategoryNone, d.now().Sub(start))
	log.Info().Str("provider_message_id", receipt.ProviderMessageID).Msg("message delivered")

	if err := d.receipts.StoreReceipt(ctx, msg.ID, receipt); err != nil {
		log.Warn().Err(err).Msg("failed to cache receipt")
	}

	d.scheduleNext(ctx, msg)
}

// send reports every admitted attempt to the breaker, a panicking handler
// included, so a half-open probe is never left in flight.
func (d *Dispatcher) send(ctx context.Context, b *Breaker, h platform.Handler, msg *models.ScheduledMessage, payload platform.Payload) (receipt platform.Receipt, err error) {
	category := models.CategorySystem
	defer func() { b.Record(category) }()

	receipt, err = h.Send(ctx, msg.Recipient, payload)
	category = Classify(msg.Platform, err)
	return receipt, err
}

func (d *Dispatcher) fail(ctx context.Context, msg *models.ScheduledMessage, cause error, start time.Time) {
	category := Classify(msg.Platform, cause)
	internal := errors.Is(cause, errWorkerLost) || errors.Is(cause, errPanic)
	if internal {
		category = models.CategorySystem
	}
	log := d.log.With().
		Str("schedule_id", msg.ID).
		Str("platform", string(msg.Platform)).
		Int("attempt", msg.Attempts).
		Str("category", string(category)).
		Logger()

	if err := d.tracker.MarkFailed(ctx, msg, category, cause.Error()); err != nil {
		log.Error().Err(err).Msg("failed to mark message failed")
		return
	}
	d.collector.RecordOutcome(msg.Platform, category, d.now().Sub(start))

	if category == models.CategorySystem && !internal {
		d.alerter.Report(cause, map[string]string{
			"schedule_id": msg.ID,
			"platform":    string(msg.Platform),
			"kind":        "system",
		})
	}

	decision := d.retry.Decide(msg.Attempts, category, platform.RetryAfter(cause), msg.ScheduledTime, d.now())
	switch decision.Action {
	case ActionRetry:
		if err := d.tracker.Requeue(ctx, msg, decision.NextAttemptAt); err != nil {
			log.Error().Err(err).Msg("failed to requeue message")
			return
		}
		log.Info().Err(cause).Time("next_attempt", decision.NextAttemptAt).Msg("delivery scheduled for retry")
	case ActionExpire:
		if err := d.tracker.Expire(ctx, msg); err != nil {
			log.Error().Err(err).Msg("failed to expire message")
			return
		}
		log.Warn().Err(cause).Str("reason", decision.Reason).Msg("message expired")
	default:
		d.tracker.Finalize(ctx, msg, decision.Reason)
	}
}
