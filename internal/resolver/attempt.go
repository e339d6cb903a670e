package resolver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cjohansen/courier/internal/metrics"
	"github.com/cjohansen/courier/pkg/cache"
	"github.com/cjohansen/courier/pkg/types"
)

// protect runs a user-supplied function, converting panics to errors. A
// failure is emitted as an exception naming its source and returned so the
// caller can fall back to a safe default.
func (r *resolution) protect(path, source string, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in %s: %v", source, p)
		}
		if err != nil {
			r.log.Warn("user function failed", "path", path, "source", source, "error", err)
			r.emit(types.Event{Type: types.EventException, Path: path, Err: err, Source: source})
		}
	}()
	return fn()
}

// attemptOne runs one attempt at one key: build the request, dispatch it,
// evaluate the policies, and store in cache. It only reads resolver state
// fixed before dispatch; the merge back into the context happens on the
// main task.
func (r *resolution) attemptOne(ctx context.Context, path string, spec *types.Spec, params map[string]any, key cache.Key, attempt int, prev *types.RetryDecision) *types.Exchange {
	ex := &types.Exchange{Path: path, Spec: spec, Attempt: attempt}

	if attempt > 1 && prev != nil && prev.Delay > 0 {
		select {
		case <-time.After(prev.Delay):
		case <-ctx.Done():
			ex.StartedAt = r.clock.Now()
			ex.Err = ctx.Err()
			ex.CompletedAt = ex.StartedAt
			return ex
		}
	}
	ex.StartedAt = r.clock.Now()

	req, err := r.buildRequest(path, spec, params)
	if err != nil {
		ex.Err = err
		ex.CompletedAt = r.clock.Now()
		return ex
	}
	ex.Req = req

	r.emit(types.Event{Type: types.EventRequest, Path: path, Req: req})

	started := time.Now()
	res, err := r.transport.Do(ctx, req)
	metrics.RequestDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		ex.Err = err
		r.emit(types.Event{Type: types.EventException, Path: path, Err: err, Source: "transport"})
	} else {
		ex.Res = res
		ex.Success = r.evalSuccess(path, spec, req, res)
	}

	if ex.Success {
		ex.Cache = r.evalCache(path, spec, ex)
	} else {
		ex.Retry = r.evalRetry(path, spec, ex)
	}

	if ex.Res != nil {
		r.emit(types.Event{
			Type:    types.EventResponse,
			Path:    path,
			Req:     req,
			Res:     ex.Res,
			Success: ex.Success,
			Retry:   ex.Retry != nil && ex.Retry.Retry,
			Cache:   ex.Cache != nil && ex.Cache.Cache,
		})
	}

	if ex.Success && ex.Cache != nil && ex.Cache.Cache && r.cache != nil {
		r.storeInCache(ctx, path, key, ex)
	}

	ex.CompletedAt = r.clock.Now()
	return ex
}

func (r *resolution) buildRequest(path string, spec *types.Spec, params map[string]any) (*types.Request, error) {
	var req *types.Request
	if spec.ReqFn != nil {
		err := r.protect(path, "req-fn", func() error {
			built, err := spec.ReqFn(params)
			if err != nil {
				return err
			}
			req = built
			return nil
		})
		if err != nil {
			return nil, err
		}
		if req == nil {
			return nil, fmt.Errorf("req-fn for %s returned no request", path)
		}
	} else {
		req = spec.Req.Clone()
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	return req, nil
}

func (r *resolution) evalSuccess(path string, spec *types.Spec, req *types.Request, res *types.Response) bool {
	if spec.Success == nil {
		return res.OK()
	}
	success := false
	err := r.protect(path, "success-fn", func() error {
		ok, err := spec.Success(req, res)
		if err != nil {
			return err
		}
		success = ok
		return nil
	})
	if err != nil {
		return false
	}
	return success
}

func (r *resolution) evalCache(path string, spec *types.Spec, ex *types.Exchange) *types.CacheDecision {
	if spec.Cache == nil {
		return nil
	}
	var decision *types.CacheDecision
	err := r.protect(path, "cache-fn", func() error {
		d, err := spec.Cache(ex.Req, ex.Res)
		if err != nil {
			return err
		}
		decision = d
		return nil
	})
	if err != nil || decision == nil {
		return nil
	}
	if err := decision.Validate(); err != nil {
		r.emit(types.Event{
			Type:     types.EventInvalidData,
			Path:     path,
			Exchange: ex,
			Data:     map[string]any{"decision": decision, "error": err.Error()},
		})
		return nil
	}
	return decision
}

func (r *resolution) evalRetry(path string, spec *types.Spec, ex *types.Exchange) *types.RetryDecision {
	if spec.Retry == nil {
		return nil
	}
	var decision *types.RetryDecision
	err := r.protect(path, "retry-fn", func() error {
		d, err := spec.Retry(ex.Req, ex.Res, ex.Attempt)
		if err != nil {
			return err
		}
		decision = d
		return nil
	})
	if err != nil || decision == nil {
		return nil
	}
	if err := decision.Validate(); err != nil {
		r.emit(types.Event{
			Type:     types.EventInvalidData,
			Path:     path,
			Exchange: ex,
			Data:     map[string]any{"decision": decision, "error": err.Error()},
		})
		return nil
	}
	return decision
}

func (r *resolution) storeInCache(ctx context.Context, path string, key cache.Key, ex *types.Exchange) {
	now := r.clock.Now()
	entry := &cache.Entry{
		Req:      ex.Req,
		Res:      ex.Res.StripHandle(),
		Success:  true,
		CachedAt: now,
	}
	switch {
	case ex.Cache.ExpiresAt > 0:
		entry.ExpiresAt = ex.Cache.ExpiresAt
	case ex.Cache.TTL > 0:
		entry.ExpiresAt = now + ex.Cache.TTL.Milliseconds()
	}

	meta, err := r.cache.Put(ctx, key, entry)
	if err != nil {
		metrics.CacheOperationsTotal.WithLabelValues("put", "error").Inc()
		r.emit(types.Event{Type: types.EventException, Path: path, Err: err, Source: "cache/put"})
		return
	}

	metrics.CacheOperationsTotal.WithLabelValues("put", "ok").Inc()
	renderedKey := key.String()
	if k, ok := meta["key"].(string); ok {
		renderedKey = k
	}
	r.emit(types.Event{
		Type:      types.EventStoreInCache,
		Path:      path,
		Req:       entry.Req,
		Res:       entry.Res,
		CachedAt:  entry.CachedAt,
		ExpiresAt: entry.ExpiresAt,
		CacheKey:  renderedKey,
		Meta:      meta,
	})
}
