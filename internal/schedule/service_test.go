package schedule

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shohag/remindrelay/internal/cache"
	"github.com/shohag/remindrelay/internal/config"
	"github.com/shohag/remindrelay/internal/delivery"
	"github.com/shohag/remindrelay/internal/metrics"
	"github.com/shohag/remindrelay/internal/models"
	"github.com/shohag/remindrelay/internal/platform"
	"github.com/shohag/remindrelay/internal/storage"
)

type okHandler struct{}

func (okHandler) Platform() models.Platform { return models.PlatformTelegram }

func (okHandler) Send(ctx context.Context, recipient string, payload platform.Payload) (platform.Receipt, error) {
	return platform.Receipt{Platform: models.PlatformTelegram, ProviderMessageID: "42", SentAt: time.Now().UTC()}, nil
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	log := zerolog.Nop()

	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "schedule.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	receipts := cache.NewRedisReceipts(rdb, time.Hour)

	cfg := config.DeliveryConfig{MaxAttempts: 3, BaseDelay: time.Minute, MaxDelay: time.Hour, Jitter: 0.1}
	collector := metrics.NewCollector(config.HealthConfig{MinSample: 20, MinSuccessRate: 0.9, MaxCategoryShare: 0.1, StoreErrorWindow: time.Minute, DurationWindow: 16})
	breakers := delivery.NewBreakers(config.BreakerConfig{Threshold: 5, ResetTimeout: time.Minute}, log)
	templates := platform.Templates{"reminder": "Hi {name}"}
	tracker := delivery.NewTracker(store, collector, nil, nil, log)
	dispatcher := delivery.NewDispatcher(delivery.DispatcherDeps{
		Store:     store,
		Tracker:   tracker,
		Registry:  platform.NewRegistry(okHandler{}),
		Templates: templates,
		Breakers:  breakers,
		Retry:     delivery.NewRetryPolicy(cfg),
		Collector: collector,
		Receipts:  receipts,
	}, log)

	return NewService(Deps{
		Store:      store,
		Tracker:    tracker,
		Dispatcher: dispatcher,
		Breakers:   breakers,
		Collector:  collector,
		Receipts:   receipts,
		Templates:  templates,
	}, log)
}

func validRequest() CreateRequest {
	return CreateRequest{
		Platform:      models.PlatformTelegram,
		Recipient:     "123456",
		Body:          "drink water",
		ScheduledTime: time.Now().Add(time.Hour),
	}
}

func TestCreate(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	msg, err := svc.Create(ctx, validRequest())
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, msg.Status)
	assert.Equal(t, models.FormatPlain, msg.Format)
	assert.Equal(t, time.UTC, msg.ScheduledTime.Location())

	stored, err := svc.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "drink water", stored.Body)
	assert.Nil(t, stored.Receipt)
}

func TestCreate_TemplateOnly(t *testing.T) {
	svc := newTestService(t)
	req := validRequest()
	req.Body = ""
	req.TemplateKey = "Reminder"
	req.Params = map[string]string{"name": "Ana"}
	req.Recurrence = &models.Recurrence{Type: models.RecurrenceWeekly, Weekdays: []time.Weekday{time.Monday}, TimeOfDay: "08:30"}

	msg, err := svc.Create(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, msg.Recurrence.Repeats())
}

func TestCreate_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CreateRequest)
		field  string
	}{
		{"missing platform", func(r *CreateRequest) { r.Platform = "" }, "platform"},
		{"unknown platform", func(r *CreateRequest) { r.Platform = "sms" }, "platform"},
		{"missing recipient", func(r *CreateRequest) { r.Recipient = "" }, "recipient"},
		{"no body or template", func(r *CreateRequest) { r.Body = "" }, "body"},
		{"unknown template", func(r *CreateRequest) { r.TemplateKey = "nope" }, "template_key"},
		{"bad format", func(r *CreateRequest) { r.Format = "rtf" }, "format"},
		{"in the past", func(r *CreateRequest) { r.ScheduledTime = time.Now().Add(-time.Minute) }, "scheduled_time"},
		{"missing time", func(r *CreateRequest) { r.ScheduledTime = time.Time{} }, "scheduled_time"},
		{"bad recurrence", func(r *CreateRequest) { r.Recurrence = &models.Recurrence{Type: "hourly"} }, "recurrence"},
		{"bad timezone", func(r *CreateRequest) {
			r.Recurrence = &models.Recurrence{Type: models.RecurrenceDaily, Timezone: "Mars/Olympus"}
		}, "recurrence"},
		{"priority too high", func(r *CreateRequest) { r.Priority = 101 }, "priority"},
	}

	svc := newTestService(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)

			_, err := svc.Create(context.Background(), req)
			var fields validation.Errors
			require.True(t, errors.As(err, &fields), "got %v", err)
			assert.Contains(t, fields, tt.field)
		})
	}

	msgs, err := svc.List(context.Background(), storage.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSendNowAndReceipt(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	msg, err := svc.Create(ctx, validRequest())
	require.NoError(t, err)

	sent, err := svc.SendNow(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, sent.Status)

	d, err := svc.Get(ctx, msg.ID)
	require.NoError(t, err)
	require.NotNil(t, d.Receipt)
	assert.Equal(t, "42", d.Receipt.ProviderMessageID)

	_, err = svc.Cancel(ctx, msg.ID)
	assert.ErrorIs(t, err, delivery.ErrNotCancellable)
}

func TestCancelAndStats(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	a, err := svc.Create(ctx, validRequest())
	require.NoError(t, err)
	_, err = svc.Create(ctx, validRequest())
	require.NoError(t, err)

	cancelled, err := svc.Cancel(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Counts[models.StatusPending])
	assert.Equal(t, int64(1), stats.Counts[models.StatusCancelled])
	assert.Contains(t, stats.Counts, models.StatusExpired)
	assert.Equal(t, metrics.StatusHealthy, stats.Health.Status)

	pending, err := svc.List(ctx, storage.ListFilter{Status: models.StatusPending})
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
