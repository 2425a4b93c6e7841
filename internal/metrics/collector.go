// Package metrics aggregates delivery outcomes and turns them into a health
// verdict. Counters are mirrored into a VictoriaMetrics set for scraping.
package metrics

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	vm "github.com/VictoriaMetrics/metrics"

	"github.com/shohag/remindrelay/internal/config"
	"github.com/shohag/remindrelay/internal/models"
)

type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
)

type Snapshot struct {
	Processed         int64                          `json:"processed"`
	Succeeded         int64                          `json:"succeeded"`
	Failed            int64                          `json:"failed"`
	FailedByCategory  map[models.ErrorCategory]int64 `json:"failed_by_category"`
	CircuitRejections int64                          `json:"circuit_rejections"`
	ConsistencyErrors int64                          `json:"consistency_errors"`
	StoreErrors       int64                          `json:"store_errors"`
	LastStoreError    *time.Time                     `json:"last_store_error,omitempty"`
	SuccessRate       float64                        `json:"success_rate"`
	AvgDuration       time.Duration                  `json:"avg_duration"`
	P95Duration       time.Duration                  `json:"p95_duration"`
}

type Report struct {
	Status   Status   `json:"status"`
	Reasons  []string `json:"reasons,omitempty"`
	Snapshot Snapshot `json:"snapshot"`
}

type Collector struct {
	cfg config.HealthConfig
	now func() time.Time
	set *vm.Set

	mu                sync.Mutex
	processed         int64
	succeeded         int64
	failed            map[models.ErrorCategory]int64
	circuitRejections int64
	consistencyErrors int64
	storeErrors       int64
	lastStoreError    time.Time

	durations []time.Duration
	next      int
	filled    bool
}

func NewCollector(cfg config.HealthConfig) *Collector {
	if cfg.DurationWindow < 1 {
		cfg.DurationWindow = 256
	}
	return &Collector{
		cfg:       cfg,
		now:       time.Now,
		set:       vm.NewSet(),
		failed:    make(map[models.ErrorCategory]int64),
		durations: make([]time.Duration, cfg.DurationWindow),
	}
}

// RecordOutcome counts one processed message. CategoryNone means it was
// delivered.
func (c *Collector) RecordOutcome(platform models.Platform, category models.ErrorCategory, took time.Duration) {
	c.mu.Lock()
	c.processed++
	if category == models.CategoryNone {
		c.succeeded++
	} else {
		c.failed[category]++
	}
	c.durations[c.next] = took
	c.next = (c.next + 1) % len(c.durations)
	if c.next == 0 {
		c.filled = true
	}
	c.mu.Unlock()

	outcome := "sent"
	if category != models.CategoryNone {
		outcome = "failed"
		c.set.GetOrCreateCounter(fmt.Sprintf(`remindrelay_delivery_failures_total{platform=%q,category=%q}`, platform, category)).Inc()
	}
	c.set.GetOrCreateCounter(fmt.Sprintf(`remindrelay_messages_processed_total{platform=%q,outcome=%q}`, platform, outcome)).Inc()
	c.set.GetOrCreateHistogram(fmt.Sprintf(`remindrelay_delivery_duration_seconds{platform=%q}`, platform)).Update(took.Seconds())
}

func (c *Collector) RecordCircuitRejection(platform models.Platform) {
	c.mu.Lock()
	c.circuitRejections++
	c.mu.Unlock()
	c.set.GetOrCreateCounter(fmt.Sprintf(`remindrelay_circuit_rejections_total{platform=%q}`, platform)).Inc()
}

func (c *Collector) RecordConsistencyError() {
	c.mu.Lock()
	c.consistencyErrors++
	c.mu.Unlock()
	c.set.GetOrCreateCounter(`remindrelay_consistency_errors_total`).Inc()
}

func (c *Collector) RecordStoreError() {
	c.mu.Lock()
	c.storeErrors++
	c.lastStoreError = c.now()
	c.mu.Unlock()
	c.set.GetOrCreateCounter(`remindrelay_store_errors_total`).Inc()
}

func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Collector) snapshotLocked() Snapshot {
	s := Snapshot{
		Processed:         c.processed,
		Succeeded:         c.succeeded,
		FailedByCategory:  make(map[models.ErrorCategory]int64, len(c.failed)),
		CircuitRejections: c.circuitRejections,
		ConsistencyErrors: c.consistencyErrors,
		StoreErrors:       c.storeErrors,
	}
	for cat, n := range c.failed {
		s.FailedByCategory[cat] = n
		s.Failed += n
	}
	if !c.lastStoreError.IsZero() {
		t := c.lastStoreError
		s.LastStoreError = &t
	}
	if c.processed > 0 {
		s.SuccessRate = float64(c.succeeded) / float64(c.processed)
	}

	n := c.next
	if c.filled {
		n = len(c.durations)
	}
	if n > 0 {
		window := make([]time.Duration, n)
		copy(window, c.durations[:n])
		var total time.Duration
		for _, d := range window {
			total += d
		}
		s.AvgDuration = total / time.Duration(n)
		sort.Slice(window, func(i, j int) bool { return window[i] < window[j] })
		idx := (n*95+99)/100 - 1
		s.P95Duration = window[idx]
	}
	return s
}

// Health judges the collected outcomes. It never changes any state.
func (c *Collector) Health() Report {
	c.mu.Lock()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	r := Report{Status: StatusHealthy, Snapshot: snap}

	if snap.Processed >= c.cfg.MinSample && snap.Processed > 0 {
		if snap.SuccessRate < c.cfg.MinSuccessRate {
			r.Reasons = append(r.Reasons, fmt.Sprintf("success rate %.2f below %.2f", snap.SuccessRate, c.cfg.MinSuccessRate))
		}
		for _, cat := range models.Categories {
			share := float64(snap.FailedByCategory[cat]) / float64(snap.Processed)
			if share > c.cfg.MaxCategoryShare {
				r.Reasons = append(r.Reasons, fmt.Sprintf("%s failures at %.2f of processed", cat, share))
			}
		}
	}
	if snap.ConsistencyErrors > 0 {
		r.Reasons = append(r.Reasons, fmt.Sprintf("%d consistency errors", snap.ConsistencyErrors))
	}
	if snap.LastStoreError != nil && c.now().Sub(*snap.LastStoreError) < c.cfg.StoreErrorWindow {
		r.Reasons = append(r.Reasons, "store error within "+c.cfg.StoreErrorWindow.String())
	}

	if len(r.Reasons) > 0 {
		r.Status = StatusDegraded
	}
	return r
}

// WritePrometheus writes the collector's series followed by process metrics.
func (c *Collector) WritePrometheus(w io.Writer) {
	c.set.WritePrometheus(w)
	vm.WriteProcessMetrics(w)
}
