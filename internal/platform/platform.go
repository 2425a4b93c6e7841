// Package platform delivers rendered messages to external messaging
// services. Every Handler is safe for concurrent use.
package platform

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shohag/remindrelay/internal/models"
)

var ErrUnknownPlatform = errors.New("unknown platform")

type Payload struct {
	Body   string
	Format models.Format
}

// Receipt is the provider's acknowledgement of an accepted message.
type Receipt struct {
	Platform          models.Platform `json:"platform"`
	ProviderMessageID string          `json:"provider_message_id"`
	SentAt            time.Time       `json:"sent_at"`
}

type Handler interface {
	Platform() models.Platform
	Send(ctx context.Context, recipient string, payload Payload) (Receipt, error)
}

// SendError is a rejection reported by the provider.
type SendError struct {
	Platform models.Platform
	// HTTP status of the provider response, 0 when unknown
	StatusCode int
	// provider specific error code, 0 when absent
	Code        int
	Description string
	RetryAfter  time.Duration
}

func (e *SendError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: status %d, code %d: %s", e.Platform, e.StatusCode, e.Code, e.Description)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Platform, e.StatusCode, e.Description)
}

// ValidationError is a payload or recipient problem detected before any
// network call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// RetryAfter extracts a provider supplied retry hint from err.
func RetryAfter(err error) time.Duration {
	var se *SendError
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}

type Registry struct {
	mu       sync.RWMutex
	handlers map[models.Platform]Handler
}

func NewRegistry(handlers ...Handler) *Registry {
	r := &Registry{handlers: make(map[models.Platform]Handler)}
	for _, h := range handlers {
		r.Register(h)
	}
	return r
}

func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Platform()] = h
}

func (r *Registry) Get(p models.Platform) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[p]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlatform, p)
	}
	return h, nil
}

func (r *Registry) Platforms() []models.Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Platform, 0, len(r.handlers))
	for p := range r.handlers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
