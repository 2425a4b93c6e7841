package delivery

import (
	"context"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/shohag/remindrelay/internal/config"
	"github.com/shohag/remindrelay/internal/events"
	"github.com/shohag/remindrelay/internal/metrics"
	"github.com/shohag/remindrelay/internal/models"
	"github.com/shohag/remindrelay/internal/platform"
	"github.com/shohag/remindrelay/internal/storage"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeHandler struct {
	platform models.Platform
	mu       sync.Mutex
	calls    int
	send     func(call int) error
}

func (h *fakeHandler) Platform() models.Platform { return h.platform }

func (h *fakeHandler) Send(ctx context.Context, recipient string, payload platform.Payload) (platform.Receipt, error) {
	h.mu.Lock()
	h.calls++
	call := h.calls
	h.mu.Unlock()

	if h.send != nil {
		if err := h.send(call); err != nil {
			return platform.Receipt{}, err
		}
	}
	return platform.Receipt{Platform: h.platform, ProviderMessageID: "pm-" + strconv.Itoa(call)}, nil
}

func (h *fakeHandler) Calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

type memReceipts struct {
	mu sync.Mutex
	m  map[string]platform.Receipt
}

func (r *memReceipts) StoreReceipt(ctx context.Context, id string, rc platform.Receipt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[id] = rc
	return nil
}

func (r *memReceipts) Receipt(ctx context.Context, id string) (*platform.Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rc, ok := r.m[id]
	if !ok {
		return nil, nil
	}
	return &rc, nil
}

type memPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *memPublisher) Publish(ctx context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *memPublisher) Close() error { return nil }

func (p *memPublisher) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

type memAlerter struct {
	mu      sync.Mutex
	reports []map[string]string
}

func (a *memAlerter) Report(err error, tags map[string]string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reports = append(a.reports, tags)
}

func (a *memAlerter) Flush(time.Duration) bool { return true }

func (a *memAlerter) Kinds() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, r := range a.reports {
		out = append(out, r["kind"])
	}
	return out
}

type harness struct {
	ctx        context.Context
	cfg        config.DeliveryConfig
	clock      *fakeClock
	store      *storage.SQLiteStorage
	handler    *fakeHandler
	breakers   *Breakers
	retry      *RetryPolicy
	collector  *metrics.Collector
	tracker    *Tracker
	dispatcher *Dispatcher
	fetcher    *Fetcher
	receipts   *memReceipts
	events     *memPublisher
	alerts     *memAlerter
}

func testDeliveryConfig() config.DeliveryConfig {
	return config.DeliveryConfig{
		Workers:      3,
		QueueSize:    16,
		BatchSize:    100,
		PollInterval: 10 * time.Millisecond,
		MaxAttempts:  10,
		BaseDelay:    5 * time.Minute,
		MaxDelay:     12 * time.Hour,
		Jitter:       0.15,
		StaleAfter:   15 * time.Minute,
	}
}

func newHarness(t *testing.T, cfg config.DeliveryConfig, handler *fakeHandler) *harness {
	t.Helper()

	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "delivery.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	clock := &fakeClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	log := zerolog.Nop()

	collector := metrics.NewCollector(config.HealthConfig{
		MinSample: 20, MinSuccessRate: 0.9, MaxCategoryShare: 0.1,
		StoreErrorWindow: 5 * time.Minute, DurationWindow: 64,
	})

	breakers := NewBreakers(config.BreakerConfig{Threshold: 5, ResetTimeout: time.Minute}, log)
	breakers.now = clock.Now

	retry := NewRetryPolicy(cfg)
	retry.rand = func() float64 { return 0.5 }

	pub := &memPublisher{}
	alerts := &memAlerter{}
	receipts := &memReceipts{m: make(map[string]platform.Receipt)}

	tracker := NewTracker(store, collector, alerts, pub, log)
	tracker.now = clock.Now

	dispatcher := NewDispatcher(DispatcherDeps{
		Store:     store,
		Tracker:   tracker,
		Registry:  platform.NewRegistry(handler),
		Templates: platform.Templates{"checkup": "Hello {name}, your checkup is due."},
		Breakers:  breakers,
		Retry:     retry,
		Collector: collector,
		Alerter:   alerts,
		Receipts:  receipts,
	}, log)
	dispatcher.now = clock.Now

	fetcher := NewFetcher(cfg, store, tracker, dispatcher, breakers, log)
	fetcher.now = clock.Now

	return &harness{
		ctx:        context.Background(),
		cfg:        cfg,
		clock:      clock,
		store:      store,
		handler:    handler,
		breakers:   breakers,
		retry:      retry,
		collector:  collector,
		tracker:    tracker,
		dispatcher: dispatcher,
		fetcher:    fetcher,
		receipts:   receipts,
		events:     pub,
		alerts:     alerts,
	}
}

func (h *harness) insert(t *testing.T, at time.Time, mutate func(*models.ScheduledMessage)) *models.ScheduledMessage {
	t.Helper()
	now := h.clock.Now()
	msg := &models.ScheduledMessage{
		ID:            models.NewID("sch"),
		Platform:      h.handler.platform,
		Recipient:     "100200300",
		Body:          "time for your medication",
		Format:        models.FormatPlain,
		ScheduledTime: at,
		Status:        models.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if mutate != nil {
		mutate(msg)
	}
	require.NoError(t, h.store.Insert(h.ctx, msg))
	return msg
}

// cycle runs one fetch cycle and processes everything it claimed.
func (h *harness) cycle(t *testing.T) int {
	t.Helper()
	queue := make(chan models.ScheduledMessage, h.cfg.BatchSize)
	n := h.fetcher.Cycle(h.ctx, queue)
	close(queue)
	for msg := range queue {
		h.dispatcher.Process(h.ctx, msg)
	}
	return n
}

func (h *harness) get(t *testing.T, id string) *models.ScheduledMessage {
	t.Helper()
	msg, err := h.store.Get(h.ctx, id)
	require.NoError(t, err)
	return msg
}

func (h *harness) children(t *testing.T, parentID string) []models.ScheduledMessage {
	t.Helper()
	all, err := h.store.List(h.ctx, storage.ListFilter{Limit: 1000})
	require.NoError(t, err)
	var out []models.ScheduledMessage
	for _, m := range all {
		if m.ParentID == parentID {
			out = append(out, m)
		}
	}
	return out
}
