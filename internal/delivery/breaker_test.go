package delivery

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shohag/remindrelay/internal/config"
	"github.com/shohag/remindrelay/internal/models"
)

func newTestBreakers(clock *fakeClock) *Breakers {
	bs := NewBreakers(config.BreakerConfig{Threshold: 3, ResetTimeout: 30 * time.Second}, zerolog.Nop())
	bs.now = clock.Now
	return bs
}

func trip(t *testing.T, b *Breaker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, b.Allow())
		b.Record(models.CategoryTemporary)
	}
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := newTestBreakers(clock).Get(models.PlatformTelegram)

	trip(t, b, 2)
	assert.Equal(t, BreakerClosed, b.State())
	trip(t, b, 1)
	assert.Equal(t, BreakerOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := newTestBreakers(clock).Get(models.PlatformTelegram)

	trip(t, b, 2)
	require.NoError(t, b.Allow())
	b.Record(models.CategoryNone)
	trip(t, b, 2)
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreaker_UncountedCategories(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := newTestBreakers(clock).Get(models.PlatformWhatsApp)

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Allow())
		b.Record(models.CategoryPermanent)
		b.Record(models.CategoryValidation)
	}
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreaker_SingleProbe(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := newTestBreakers(clock).Get(models.PlatformTelegram)
	trip(t, b, 3)

	clock.Advance(29 * time.Second)
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	clock.Advance(time.Second)
	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Allow() == nil {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), admitted.Load())
	assert.Equal(t, BreakerHalfOpen, b.State())
}

func TestBreaker_ProbeOutcome(t *testing.T) {
	tests := []struct {
		name     string
		outcome  models.ErrorCategory
		want     BreakerState
		allowErr bool
	}{
		{"success closes", models.CategoryNone, BreakerClosed, false},
		{"permanent closes", models.CategoryPermanent, BreakerClosed, false},
		{"temporary reopens", models.CategoryTemporary, BreakerOpen, true},
		{"throttling reopens", models.CategoryThrottling, BreakerOpen, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := &fakeClock{t: time.Now()}
			b := newTestBreakers(clock).Get(models.PlatformTelegram)
			trip(t, b, 3)
			clock.Advance(time.Minute)

			require.NoError(t, b.Allow())
			b.Record(tt.outcome)

			assert.Equal(t, tt.want, b.State())
			if tt.allowErr {
				assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
			} else {
				assert.NoError(t, b.Allow())
			}
		})
	}
}

func TestBreakers_Rejecting(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	bs := newTestBreakers(clock)
	bs.Get(models.PlatformWhatsApp)
	trip(t, bs.Get(models.PlatformTelegram), 3)

	assert.Equal(t, []models.Platform{models.PlatformTelegram}, bs.Rejecting(clock.Now()))

	clock.Advance(time.Minute)
	assert.Empty(t, bs.Rejecting(clock.Now()), "due for a probe")

	require.NoError(t, bs.Get(models.PlatformTelegram).Allow())
	assert.Equal(t, []models.Platform{models.PlatformTelegram}, bs.Rejecting(clock.Now()), "probe in flight")

	snap := bs.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, models.PlatformTelegram, snap[0].Platform)
	assert.Equal(t, BreakerHalfOpen, snap[0].State)
	assert.Equal(t, 3, snap[0].Failures)
	assert.NotNil(t, snap[0].LastFailure)
	assert.Equal(t, BreakerClosed, snap[1].State)
	assert.Nil(t, snap[1].LastFailure)
}
