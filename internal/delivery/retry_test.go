package delivery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shohag/remindrelay/internal/models"
)

func TestRetryPolicy_Backoff(t *testing.T) {
	p := NewRetryPolicy(testDeliveryConfig())

	assert.Equal(t, 5*time.Minute, p.Backoff(0))
	assert.Equal(t, 5*time.Minute, p.Backoff(1))
	assert.Equal(t, 20*time.Minute, p.Backoff(2))
	assert.Equal(t, 45*time.Minute, p.Backoff(3))
	assert.Equal(t, 12*time.Hour, p.Backoff(12))
	assert.Equal(t, 12*time.Hour, p.Backoff(40))

	prev := time.Duration(0)
	for i := 1; i <= 50; i++ {
		d := p.Backoff(i)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", i)
		assert.LessOrEqual(t, d, 12*time.Hour)
		prev = d
	}
}

func TestRetryPolicy_JitterBounds(t *testing.T) {
	p := NewRetryPolicy(testDeliveryConfig())
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	for attempts := 1; attempts <= 5; attempts++ {
		base := p.Backoff(attempts)
		lo := time.Duration(float64(base) * 0.85)
		hi := time.Duration(float64(base) * 1.15)
		for i := 0; i < 200; i++ {
			d := p.Decide(attempts, models.CategoryTemporary, 0, now, now)
			require.Equal(t, ActionRetry, d.Action)
			delay := d.NextAttemptAt.Sub(now)
			assert.GreaterOrEqual(t, delay, lo-time.Millisecond)
			assert.LessOrEqual(t, delay, hi+time.Millisecond)
		}
	}
}

func TestRetryPolicy_Decide(t *testing.T) {
	cfg := testDeliveryConfig()
	cfg.ExpireAfter = time.Hour
	p := NewRetryPolicy(cfg)
	p.rand = func() float64 { return 0.5 }
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		attempts   int
		category   models.ErrorCategory
		retryAfter time.Duration
		scheduled  time.Time
		want       Action
		delay      time.Duration
	}{
		{"temporary retries", 1, models.CategoryTemporary, 0, now, ActionRetry, 5 * time.Minute},
		{"system retries", 2, models.CategorySystem, 0, now, ActionRetry, 20 * time.Minute},
		{"retry-after honoured", 1, models.CategoryThrottling, 30 * time.Second, now, ActionRetry, 30 * time.Second},
		{"retry-after capped", 1, models.CategoryThrottling, 48 * time.Hour, now.Add(48 * time.Hour), ActionRetry, 12 * time.Hour},
		{"retry-after ignored for temporary", 1, models.CategoryTemporary, 30 * time.Second, now, ActionRetry, 5 * time.Minute},
		{"throttling without hint backs off", 3, models.CategoryThrottling, 0, now, ActionRetry, 45 * time.Minute},
		{"permanent gives up", 1, models.CategoryPermanent, 0, now, ActionGiveUp, 0},
		{"validation gives up", 1, models.CategoryValidation, 0, now, ActionGiveUp, 0},
		{"attempts exhausted", 10, models.CategoryTemporary, 0, now, ActionGiveUp, 0},
		{"past expiry window", 1, models.CategoryTemporary, 0, now.Add(-58 * time.Minute), ActionExpire, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := p.Decide(tt.attempts, tt.category, tt.retryAfter, tt.scheduled, now)
			assert.Equal(t, tt.want, d.Action, d.Reason)
			if tt.want == ActionRetry {
				assert.WithinDuration(t, now.Add(tt.delay), d.NextAttemptAt, time.Millisecond)
			} else {
				assert.True(t, d.NextAttemptAt.IsZero())
				assert.NotEmpty(t, d.Reason)
			}
		})
	}
}

func TestAction_String(t *testing.T) {
	assert.Equal(t, "retry", ActionRetry.String())
	assert.Equal(t, "expire", ActionExpire.String())
	assert.Equal(t, "give_up", ActionGiveUp.String())
}
