package delivery

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/shohag/remindrelay/internal/config"
	"github.com/shohag/remindrelay/internal/models"
)

type Action int

const (
	// ActionGiveUp leaves the message failed for good.
	ActionGiveUp Action = iota
	ActionRetry
	ActionExpire
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionExpire:
		return "expire"
	}
	return "give_up"
}

type Decision struct {
	Action        Action
	NextAttemptAt time.Time
	Reason        string
}

type RetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	jitter      float64
	expireAfter time.Duration
	rand        func() float64
}

func NewRetryPolicy(cfg config.DeliveryConfig) *RetryPolicy {
	return &RetryPolicy{
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
		jitter:      cfg.Jitter,
		expireAfter: cfg.ExpireAfter,
		rand:        rand.Float64,
	}
}

// Backoff is the un-jittered delay after the given number of attempts:
// base * attempts², capped at the max delay.
func (p *RetryPolicy) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := float64(p.baseDelay) * float64(attempts) * float64(attempts)
	if d >= float64(p.maxDelay) {
		return p.maxDelay
	}
	return time.Duration(d)
}

// Decide resolves a failed attempt of a message first scheduled at
// scheduled. retryAfter is the provider hint, honoured for throttling.
func (p *RetryPolicy) Decide(attempts int, category models.ErrorCategory, retryAfter time.Duration, scheduled, now time.Time) Decision {
	if !Retryable(category) {
		return Decision{Action: ActionGiveUp, Reason: fmt.Sprintf("%s error is not retried", category)}
	}
	if attempts >= p.maxAttempts {
		return Decision{Action: ActionGiveUp, Reason: fmt.Sprintf("exhausted %d attempts", attempts)}
	}

	var delay time.Duration
	if category == models.CategoryThrottling && retryAfter > 0 {
		delay = retryAfter
		if delay > p.maxDelay {
			delay = p.maxDelay
		}
	} else {
		factor := 1 - p.jitter + 2*p.jitter*p.rand()
		delay = time.Duration(float64(p.Backoff(attempts)) * factor)
	}

	next := now.Add(delay)
	if p.expireAfter > 0 && next.After(scheduled.Add(p.expireAfter)) {
		return Decision{Action: ActionExpire, Reason: "next attempt would exceed the expiry window"}
	}
	return Decision{Action: ActionRetry, NextAttemptAt: next, Reason: fmt.Sprintf("retry in %s", delay.Round(time.Second))}
}
