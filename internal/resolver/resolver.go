// Package resolver drives a set of named target keys to resolution. Each
// step tries the strategies in strict order — cache lookup, dispatch,
// expansion — and the first that makes progress wins. When no strategy
// applies, the remaining pending keys are classified and failed.
package resolver

import (
	"context"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/cjohansen/courier/internal/events"
	"github.com/cjohansen/courier/internal/metrics"
	"github.com/cjohansen/courier/pkg/cache"
	"github.com/cjohansen/courier/pkg/clock"
	"github.com/cjohansen/courier/pkg/errors"
	"github.com/cjohansen/courier/pkg/transport"
	"github.com/cjohansen/courier/pkg/types"
)

// Config describes one resolution.
type Config struct {
	Specs     map[string]*types.Spec
	Targets   []string
	Params    map[string]any
	Cache     cache.Backend
	Transport transport.Doer
	Clock     clock.Clock
	Logger    *slog.Logger
	Sink      *events.Sink
}

type resolution struct {
	specs     map[string]*types.Spec
	selects   map[string]types.SelectFn
	vals      map[string]any
	pending   map[string]struct{}
	exchanges []*types.Exchange
	last      map[string]*types.Exchange
	attempts  map[string]int
	refresh   map[string]struct{}
	lookedUp  map[string]struct{}

	cache     cache.Backend
	transport transport.Doer
	clock     clock.Clock
	log       *slog.Logger
	sink      *events.Sink
}

// Resolve runs the resolution to completion and closes the sink.
func Resolve(ctx context.Context, cfg Config) {
	r := newResolution(cfg)
	defer r.sink.Close()

	for {
		if r.cachePass(ctx) {
			continue
		}
		if r.dispatchPass(ctx) {
			continue
		}
		if r.expandPass() {
			continue
		}
		break
	}

	r.finalize()
}

func newResolution(cfg Config) *resolution {
	r := &resolution{
		specs:     map[string]*types.Spec{},
		selects:   map[string]types.SelectFn{},
		vals:      map[string]any{},
		pending:   map[string]struct{}{},
		last:      map[string]*types.Exchange{},
		attempts:  map[string]int{},
		refresh:   map[string]struct{}{},
		lookedUp:  map[string]struct{}{},
		cache:     cfg.Cache,
		transport: cfg.Transport,
		clock:     cfg.Clock,
		log:       cfg.Logger,
		sink:      cfg.Sink,
	}
	if r.transport == nil {
		r.transport = transport.Default()
	}
	if r.clock == nil {
		r.clock = clock.System()
	}
	if r.log == nil {
		r.log = slog.Default()
	}

	for k, s := range cfg.Specs {
		r.specs[k] = s
	}
	// Sub-specs supplied as params are lifted into the specs table; plain
	// values seed the context.
	for k, v := range cfg.Params {
		if sub, ok := v.(*types.SubSpec); ok {
			r.specs[k] = sub.Spec
			if sub.Select != nil {
				r.selects[k] = sub.Select
			}
			continue
		}
		r.vals[k] = v
	}
	for _, t := range cfg.Targets {
		if _, resolved := r.vals[t]; !resolved {
			r.pending[t] = struct{}{}
		}
	}
	return r
}

func (r *resolution) emit(ev types.Event) {
	r.sink.Emit(ev)
}

func (r *resolution) sortedPending() []string {
	keys := make([]string, 0, len(r.pending))
	for k := range r.pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// realized resolves a param against the context, honoring path selectors.
func (r *resolution) realized(p types.Param) (any, bool) {
	v, ok := r.vals[p.Key]
	if !ok {
		return nil, false
	}
	return navigate(v, p.Path)
}

func navigate(v any, path []string) (any, bool) {
	for _, seg := range path {
		switch m := v.(type) {
		case map[string]any:
			var ok bool
			if v, ok = m[seg]; !ok {
				return nil, false
			}
		case map[string]string:
			s, ok := m[seg]
			if !ok {
				return nil, false
			}
			v = s
		case *types.Response:
			if seg != "body" {
				return nil, false
			}
			v = m.Body
		default:
			return nil, false
		}
	}
	return v, true
}

// paramsMap selects every param from the context, keyed by Name. ok is
// false when any param is unresolved.
func (r *resolution) paramsMap(ps []types.Param) (map[string]any, bool) {
	out := make(map[string]any, len(ps))
	for _, p := range ps {
		v, ok := r.realized(p)
		if !ok {
			return nil, false
		}
		out[p.Name()] = v
	}
	return out, true
}

// install applies the key's select function and merges the value into the
// context.
func (r *resolution) install(key string, res *types.Response) {
	value := any(res)
	if sel := r.selects[key]; sel != nil {
		err := r.protect(key, "select", func() error {
			v, err := sel(res)
			if err != nil {
				return err
			}
			value = v
			return nil
		})
		if err != nil {
			value = any(res)
		}
	}
	r.vals[key] = value
	delete(r.pending, key)
	delete(r.refresh, key)
	delete(r.lookedUp, key)
}

// lookupProjection computes the cache-key projection for a spec, or false
// when its lookup params are not yet realized.
func (r *resolution) lookupProjection(key string, spec *types.Spec) (map[string]any, bool) {
	proj, ok := r.paramsMap(spec.EffectiveLookupParams())
	if !ok {
		return nil, false
	}
	if spec.PrepareLookupParams != nil {
		prepared := proj
		err := r.protect(key, "prepare-lookup-params", func() error {
			p, err := spec.PrepareLookupParams(proj)
			if err != nil {
				return err
			}
			prepared = p
			return nil
		})
		if err == nil {
			proj = prepared
		}
	}
	return proj, true
}

// cachePass consults the cache for every pending key whose lookup params
// are realized, skipping refreshed keys and keys that already missed.
func (r *resolution) cachePass(ctx context.Context) bool {
	if r.cache == nil {
		return false
	}

	hit := false
	for _, k := range r.sortedPending() {
		spec := r.specs[k]
		if spec == nil {
			continue
		}
		if _, refreshing := r.refresh[k]; refreshing {
			continue
		}
		if _, done := r.lookedUp[k]; done {
			continue
		}
		proj, ok := r.lookupProjection(k, spec)
		if !ok {
			continue
		}

		key := cache.KeyFor(spec, proj)
		entry, err := r.cache.Lookup(ctx, key)
		if err != nil {
			r.emit(types.Event{Type: types.EventException, Path: k, Err: err, Source: "cache/lookup"})
			metrics.CacheOperationsTotal.WithLabelValues("lookup", "error").Inc()
			r.lookedUp[k] = struct{}{}
			continue
		}
		if entry == nil || entry.Expired(r.clock.Now()) {
			metrics.CacheOperationsTotal.WithLabelValues("lookup", "miss").Inc()
			r.lookedUp[k] = struct{}{}
			continue
		}

		metrics.CacheOperationsTotal.WithLabelValues("lookup", "hit").Inc()
		r.log.Debug("cache hit", "path", k, "key", key.String())
		r.emit(types.Event{
			Type:      types.EventCacheHit,
			Path:      k,
			Req:       entry.Req,
			Res:       entry.Res,
			CachedAt:  entry.CachedAt,
			ExpiresAt: entry.ExpiresAt,
			CacheKey:  key.String(),
		})
		r.install(k, entry.Res)
		hit = true
	}
	return hit
}

// dispatchPass issues every ready pending key concurrently and merges the
// completed exchanges.
func (r *resolution) dispatchPass(ctx context.Context) bool {
	type job struct {
		key     string
		spec    *types.Spec
		params  map[string]any
		ckey    cache.Key
		attempt int
		prev    *types.RetryDecision
	}

	var jobs []job
	for _, k := range r.sortedPending() {
		spec := r.specs[k]
		if spec == nil || (spec.Req == nil && spec.ReqFn == nil) {
			continue
		}
		params, ok := r.paramsMap(spec.Params)
		if !ok {
			continue
		}
		last := r.last[k]
		if last != nil {
			if last.Retry == nil || !last.Retry.Retry || r.attempts[k] > last.Retry.MaxRetries {
				continue
			}
		}
		proj, _ := r.lookupProjection(k, spec)
		var prev *types.RetryDecision
		if last != nil {
			prev = last.Retry
		}
		jobs = append(jobs, job{
			key:     k,
			spec:    spec,
			params:  params,
			ckey:    cache.KeyFor(spec, proj),
			attempt: r.attempts[k] + 1,
			prev:    prev,
		})
	}
	if len(jobs) == 0 {
		return false
	}

	r.log.Debug("dispatching", "keys", len(jobs))
	outcomes := make([]*types.Exchange, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	for i, j := range jobs {
		g.Go(func() error {
			outcomes[i] = r.attemptOne(gctx, j.key, j.spec, j.params, j.ckey, j.attempt, j.prev)
			return nil
		})
	}
	_ = g.Wait()

	for i, ex := range outcomes {
		k := jobs[i].key
		r.exchanges = append(r.exchanges, ex)
		r.last[k] = ex
		r.attempts[k] = ex.Attempt
		if ex.Attempt > 1 {
			metrics.RetriesTotal.Inc()
		}

		switch {
		case ex.Success:
			metrics.ExchangesTotal.WithLabelValues("success").Inc()
			r.install(k, ex.Res)
		case ex.Err != nil:
			metrics.ExchangesTotal.WithLabelValues("exception").Inc()
		default:
			metrics.ExchangesTotal.WithLabelValues("failure").Inc()
		}

		if !ex.Success && ex.Retry != nil && ex.Retry.Retry {
			// Refreshed keys start over: cleared from the context, cache
			// bypassed, prior exchange state reset so they re-dispatch.
			for _, rk := range ex.Retry.Refresh {
				if rk == ex.Path {
					continue
				}
				delete(r.vals, rk)
				delete(r.lookedUp, rk)
				delete(r.last, rk)
				delete(r.attempts, rk)
				r.refresh[rk] = struct{}{}
				r.pending[rk] = struct{}{}
			}
		}
	}
	return true
}

// expandPass lifts spec-valued params of pending keys into the pending set.
func (r *resolution) expandPass() bool {
	added := false
	for _, k := range r.sortedPending() {
		spec := r.specs[k]
		if spec == nil {
			continue
		}
		for _, p := range spec.Params {
			if _, resolved := r.vals[p.Key]; resolved {
				continue
			}
			if _, isPending := r.pending[p.Key]; isPending {
				continue
			}
			if _, isSpec := r.specs[p.Key]; !isSpec {
				continue
			}
			r.pending[p.Key] = struct{}{}
			added = true
		}
	}
	return added
}

// finalize classifies every key still pending and fails it.
func (r *resolution) finalize() {
	for _, k := range r.sortedPending() {
		reason, data := r.classify(k)
		metrics.FailedKeysTotal.WithLabelValues(string(reason)).Inc()
		r.log.Debug("unresolved", "path", k, "reason", string(reason))
		r.emit(types.Event{Type: types.EventFailed, Path: k, Reason: reason, Data: data})
	}
}

func (r *resolution) classify(k string) (errors.Reason, map[string]any) {
	spec := r.specs[k]
	if spec == nil {
		return errors.ReasonMissingParams, map[string]any{"missing": []string{k}}
	}
	if spec.Req == nil && spec.ReqFn == nil {
		return errors.ReasonMissingReqOrReqFn, nil
	}

	var missing []string
	for _, p := range spec.Params {
		if _, ok := r.realized(p); !ok {
			missing = append(missing, p.Name())
		}
	}
	if len(missing) > 0 {
		return errors.ReasonMissingParams, map[string]any{"missing": missing}
	}

	if last := r.last[k]; last != nil {
		if last.Err != nil {
			return errors.Classify(last.Err), map[string]any{"error": last.Err.Error()}
		}
		// A retry policy was in play and the attempt count passed its
		// budget; the decision on the final attempt carries Retry=false, so
		// exhaustion is judged on the count, not the flag.
		if last.Retry != nil && r.attempts[k] > last.Retry.MaxRetries {
			return errors.ReasonRetriesExhausted, map[string]any{
				"attempts":    r.attempts[k],
				"max_retries": last.Retry.MaxRetries,
				"req":         last.Req,
				"res":         last.Res,
			}
		}
		return errors.ReasonRequestFailed, map[string]any{"req": last.Req, "res": last.Res}
	}

	return errors.ReasonUnknown, nil
}
