package courier

import (
	"net/http"
	"time"

	"github.com/cjohansen/courier/pkg/clock"
	"github.com/cjohansen/courier/pkg/types"
)

// RetryConfig configures BuildRetry.
type RetryConfig struct {
	// Retries is the retry budget beyond the first attempt.
	Retries int
	// Delays are pre-attempt delays indexed by attempt number; the last
	// entry repeats for later attempts.
	Delays []time.Duration
	// Retryable gates retrying. The default retries GET requests only.
	Retryable func(req *Req, res *Response) bool
	// Refresh lists params to refresh before retrying.
	Refresh []string
	// RefreshFn computes the refresh list per exchange; wins over Refresh.
	RefreshFn func(req *Req, res *Response) []string
}

// BuildRetry returns a RetryFn closing over cfg.
func BuildRetry(cfg RetryConfig) types.RetryFn {
	return func(req *types.Request, res *types.Response, attempts int) (*types.RetryDecision, error) {
		retryable := req != nil && (req.Method == "" || req.Method == http.MethodGet)
		if cfg.Retryable != nil {
			retryable = cfg.Retryable(req, res)
		}
		if !retryable {
			return nil, nil
		}

		d := &types.RetryDecision{
			Retry:      attempts <= cfg.Retries,
			MaxRetries: cfg.Retries,
		}
		if len(cfg.Delays) > 0 {
			i := attempts
			if i > len(cfg.Delays) {
				i = len(cfg.Delays)
			}
			d.Delay = cfg.Delays[i-1]
		}
		if cfg.RefreshFn != nil {
			d.Refresh = cfg.RefreshFn(req, res)
		} else {
			d.Refresh = cfg.Refresh
		}
		return d, nil
	}
}

// CacheConfig configures BuildCache.
type CacheConfig struct {
	// TTL is the entry lifetime.
	TTL time.Duration
	// TTLFn computes the lifetime per exchange; wins over TTL.
	TTLFn func(req *Req, res *Response) time.Duration
	// Cacheable gates storage. The default caches every successful
	// exchange.
	Cacheable func(req *Req, res *Response) bool
	// Clock overrides the system clock used to compute the expiry.
	Clock clock.Clock
}

// BuildCache returns a CacheFn closing over cfg.
func BuildCache(cfg CacheConfig) types.CacheFn {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.System()
	}
	return func(req *types.Request, res *types.Response) (*types.CacheDecision, error) {
		if cfg.Cacheable != nil && !cfg.Cacheable(req, res) {
			return nil, nil
		}
		ttl := cfg.TTL
		if cfg.TTLFn != nil {
			ttl = cfg.TTLFn(req, res)
		}
		d := &types.CacheDecision{Cache: true, TTL: ttl}
		if ttl > 0 {
			d.ExpiresAt = clk.Now() + ttl.Milliseconds()
		}
		return d, nil
	}
}
