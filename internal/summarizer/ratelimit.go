package summarizer

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/ryosukesatoh/daily-digest/internal/retry"
)

// ErrRateLimitDeadline means the next token is only available after the
// caller's deadline, so the call was not attempted.
var ErrRateLimitDeadline = errors.New("summarizer: rate limit wait would pass the deadline")

// RateLimited shares one token bucket across every caller of the wrapped
// gateway, including retried calls.
type RateLimited struct {
	next    Gateway
	limiter *rate.Limiter
}

// NewRateLimited allows perMinute calls per minute with the given burst.
// A non-positive rate disables limiting.
func NewRateLimited(next Gateway, perMinute float64, burst int) *RateLimited {
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Limit(perMinute / 60)
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(limit, burst)}
}

func (r *RateLimited) Summarize(ctx context.Context, text string, maxLength int) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		if ctx.Err() == nil {
			// Wait refuses up front when the next token lies past the deadline.
			return "", retry.Permanent(fmt.Errorf("%w: %v", ErrRateLimitDeadline, err))
		}
		return "", fmt.Errorf("summarizer: rate limit wait: %w", err)
	}
	return r.next.Summarize(ctx, text, maxLength)
}
