package courier

import (
	"log/slog"

	"github.com/cjohansen/courier/internal/events"
	"github.com/cjohansen/courier/pkg/cache"
	"github.com/cjohansen/courier/pkg/clock"
	"github.com/cjohansen/courier/pkg/transport"
	"github.com/cjohansen/courier/pkg/types"
)

// Convenience aliases so callers can work from the root package alone.
type (
	Response        = types.Response
	BasicAuth       = types.BasicAuth
	Spec            = types.Spec
	Param           = types.Param
	SubSpec         = types.SubSpec
	Event           = types.Event
	EventType       = types.EventType
	Result          = types.Result
	CacheStatus     = types.CacheStatus
	Exchange        = types.Exchange
	RetryDecision   = types.RetryDecision
	CacheDecision   = types.CacheDecision
	RequestFn       = types.RequestFn
	SuccessFn       = types.SuccessFn
	RetryFn         = types.RetryFn
	CacheFn         = types.CacheFn
	SelectFn        = types.SelectFn
	PrepareLookupFn = types.PrepareLookupFn
)

// Req is the request-descriptor type; the Request name is taken by the
// operation.
type Req = types.Request

// P builds a Param for a whole context value.
var P = types.P

// PPath builds a Param selecting a nested position inside a context value.
var PPath = types.PPath

// Options configures one resolution.
type Options struct {
	// Cache is the backend consulted and populated during resolution. Nil
	// disables caching.
	Cache cache.Backend
	// Params seeds the context: plain values and *SubSpec dependencies.
	Params map[string]any
	// Transport overrides the default registry-backed HTTP transport.
	Transport transport.Doer
	// Clock overrides the system clock.
	Clock clock.Clock
	// Logger overrides slog.Default().
	Logger *slog.Logger
	// EventBufferSize bounds the event stream (default 512).
	EventBufferSize int
}

func (o *Options) normalized() *Options {
	out := &Options{}
	if o != nil {
		*out = *o
	}
	if out.EventBufferSize <= 0 {
		out.EventBufferSize = events.DefaultBufferSize
	}
	return out
}

// optionsMap renders the options in the dynamic shape AssembleResult
// expects.
func (o *Options) optionsMap() map[string]any {
	return map[string]any{"cache": o.Cache, "params": o.Params}
}

func optionsFromMap(opts map[string]any) *Options {
	o := &Options{}
	if backend, ok := opts["cache"].(cache.Backend); ok {
		o.Cache = backend
	}
	if params, ok := opts["params"].(map[string]any); ok {
		o.Params = params
	}
	if doer, ok := opts["transport"].(transport.Doer); ok {
		o.Transport = doer
	}
	if c, ok := opts["clock"].(clock.Clock); ok {
		o.Clock = c
	}
	return o.normalized()
}
