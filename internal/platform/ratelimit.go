package platform

import (
	"context"

	"go.uber.org/ratelimit"

	"github.com/shohag/remindrelay/internal/models"
)

type rateLimited struct {
	next    Handler
	limiter ratelimit.Limiter
}

// RateLimited paces calls to next at perSecond sends. A non-positive rate
// returns next unchanged.
func RateLimited(next Handler, perSecond int) Handler {
	if perSecond <= 0 {
		return next
	}
	return &rateLimited{next: next, limiter: ratelimit.New(perSecond)}
}

func (r *rateLimited) Platform() models.Platform { return r.next.Platform() }

func (r *rateLimited) Send(ctx context.Context, recipient string, payload Payload) (Receipt, error) {
	r.limiter.Take()
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	return r.next.Send(ctx, recipient, payload)
}
