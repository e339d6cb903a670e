package transport

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/cjohansen/courier/pkg/types"
)

// RateLimited wraps a Doer with a client-side token bucket. Requests wait
// for a token before dispatch; a cancelled ctx surfaces as a transport
// error.
type RateLimited struct {
	next    Doer
	limiter *rate.Limiter
}

// NewRateLimited wraps next, allowing rps requests per second with the
// given burst.
func NewRateLimited(next Doer, rps float64, burst int) *RateLimited {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Do waits for a token, then dispatches on the wrapped transport.
func (r *RateLimited) Do(ctx context.Context, req *types.Request) (*types.Response, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.next.Do(ctx, req)
}
