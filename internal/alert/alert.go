// Package alert forwards failures that need an operator to an error tracker.
package alert

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/shohag/remindrelay/internal/config"
)

type Reporter interface {
	Report(err error, tags map[string]string)
	Flush(timeout time.Duration) bool
}

type Nop struct{}

func (Nop) Report(error, map[string]string) {}
func (Nop) Flush(time.Duration) bool        { return true }

type Sentry struct {
	hub *sentry.Hub
}

func NewSentry(cfg config.AlertingConfig, release string) (*Sentry, error) {
	return newSentry(sentry.ClientOptions{
		Dsn:              cfg.SentryDSN,
		Environment:      cfg.Environment,
		Release:          release,
		AttachStacktrace: true,
	})
}

func newSentry(opts sentry.ClientOptions) (*Sentry, error) {
	client, err := sentry.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("sentry client: %w", err)
	}
	hub := sentry.NewHub(client, sentry.NewScope())
	hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("service", "remindrelay")
	})
	return &Sentry{hub: hub}, nil
}

func (s *Sentry) Report(err error, tags map[string]string) {
	s.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelError)
		scope.SetTags(tags)
		s.hub.CaptureException(err)
	})
}

func (s *Sentry) Flush(timeout time.Duration) bool {
	return s.hub.Flush(timeout)
}
