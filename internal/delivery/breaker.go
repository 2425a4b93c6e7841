package delivery

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shohag/remindrelay/internal/config"
	"github.com/shohag/remindrelay/internal/models"
)

type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// Breaker stops sending to a platform after consecutive counted failures.
// Only temporary, throttling and system outcomes count.
type Breaker struct {
	platform     models.Platform
	threshold    int
	resetTimeout time.Duration
	now          func() time.Time
	log          zerolog.Logger

	mu          sync.Mutex
	state       BreakerState
	failures    int
	lastFailure time.Time
	probing     bool
}

type BreakerSnapshot struct {
	Platform    models.Platform `json:"platform"`
	State       BreakerState    `json:"state"`
	Failures    int             `json:"failures"`
	LastFailure *time.Time      `json:"last_failure,omitempty"`
}

// Allow admits a send or returns ErrCircuitOpen. Once the reset timeout has
// elapsed on an open breaker exactly one caller is admitted as the probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.lastFailure) < b.resetTimeout {
			return ErrCircuitOpen
		}
		b.setState(BreakerHalfOpen)
		b.probing = true
		return nil
	case BreakerHalfOpen:
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
		return nil
	}
	return nil
}

// Record feeds the outcome of an admitted send back. CategoryNone is a
// success.
func (b *Breaker) Record(category models.ErrorCategory) {
	b.mu.Lock()
	defer b.mu.Unlock()

	counted := Retryable(category)
	switch b.state {
	case BreakerClosed:
		if category == models.CategoryNone {
			b.failures = 0
			return
		}
		if !counted {
			return
		}
		b.failures++
		b.lastFailure = b.now()
		if b.failures >= b.threshold {
			b.setState(BreakerOpen)
		}
	case BreakerHalfOpen:
		b.probing = false
		if counted {
			b.failures++
			b.lastFailure = b.now()
			b.setState(BreakerOpen)
			return
		}
		// the provider answered, even if it rejected this message
		b.failures = 0
		b.setState(BreakerClosed)
	case BreakerOpen:
		// a send admitted before the breaker opened
		if counted {
			b.failures++
			b.lastFailure = b.now()
		}
	}
}

// Rejecting reports whether Allow would currently refuse every caller.
func (b *Breaker) Rejecting(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerOpen:
		return now.Sub(b.lastFailure) < b.resetTimeout
	case BreakerHalfOpen:
		return b.probing
	}
	return false
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := BreakerSnapshot{Platform: b.platform, State: b.state, Failures: b.failures}
	if !b.lastFailure.IsZero() {
		t := b.lastFailure
		s.LastFailure = &t
	}
	return s
}

func (b *Breaker) setState(to BreakerState) {
	if b.state == to {
		return
	}
	ev := b.log.Info()
	if to == BreakerOpen {
		ev = b.log.Warn()
	}
	ev.Str("platform", string(b.platform)).
		Str("from", string(b.state)).
		Str("to", string(to)).
		Int("failures", b.failures).
		Msg("circuit breaker state changed")
	b.state = to
}

// Breakers holds one Breaker per platform, created on first use.
type Breakers struct {
	threshold    int
	resetTimeout time.Duration
	now          func() time.Time
	log          zerolog.Logger

	mu sync.Mutex
	m  map[models.Platform]*Breaker
}

func NewBreakers(cfg config.BreakerConfig, log zerolog.Logger) *Breakers {
	return &Breakers{
		threshold:    cfg.Threshold,
		resetTimeout: cfg.ResetTimeout,
		now:          time.Now,
		log:          log,
		m:            make(map[models.Platform]*Breaker),
	}
}

func (bs *Breakers) Get(p models.Platform) *Breaker {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	b, ok := bs.m[p]
	if !ok {
		b = &Breaker{
			platform:     p,
			threshold:    bs.threshold,
			resetTimeout: bs.resetTimeout,
			now:          bs.now,
			log:          bs.log,
			state:        BreakerClosed,
		}
		bs.m[p] = b
	}
	return b
}

// Rejecting lists platforms whose breaker refuses sends at now.
func (bs *Breakers) Rejecting(now time.Time) []models.Platform {
	bs.mu.Lock()
	all := make([]*Breaker, 0, len(bs.m))
	for _, b := range bs.m {
		all = append(all, b)
	}
	bs.mu.Unlock()

	var out []models.Platform
	for _, b := range all {
		if b.Rejecting(now) {
			out = append(out, b.platform)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (bs *Breakers) Snapshot() []BreakerSnapshot {
	bs.mu.Lock()
	all := make([]*Breaker, 0, len(bs.m))
	for _, b := range bs.m {
		all = append(all, b)
	}
	bs.mu.Unlock()

	out := make([]BreakerSnapshot, 0, len(all))
	for _, b := range all {
		out = append(out, b.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Platform < out[j].Platform })
	return out
}
