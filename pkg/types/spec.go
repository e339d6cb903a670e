package types

import (
	"fmt"
	"strings"
	"time"
)

// Param identifies a context value required by a spec. Path addresses a
// nested position inside the value under Key; when empty the whole value is
// used.
type Param struct {
	Key  string
	Path []string
}

// P builds a Param for a whole context value.
func P(key string) Param {
	return Param{Key: key}
}

// PPath builds a Param selecting a nested position inside a context value.
func PPath(key string, path ...string) Param {
	return Param{Key: key, Path: path}
}

// Name renders the param as it appears in the map passed to ReqFn.
func (p Param) Name() string {
	if len(p.Path) == 0 {
		return p.Key
	}
	return p.Key + "." + strings.Join(p.Path, ".")
}

// RequestFn produces a request descriptor from resolved params.
type RequestFn func(params map[string]any) (*Request, error)

// SuccessFn decides whether an exchange succeeded. The default is the
// transport-reported 2xx.
type SuccessFn func(req *Request, res *Response) (bool, error)

// RetryFn decides whether and how to retry a failed exchange. attempts is
// the number of attempts made so far, including the one that just failed.
type RetryFn func(req *Request, res *Response, attempts int) (*RetryDecision, error)

// CacheFn decides whether and how to cache a successful exchange.
type CacheFn func(req *Request, res *Response) (*CacheDecision, error)

// SelectFn projects a sub-request's response into the value installed in
// the context. The default installs the whole response.
type SelectFn func(res *Response) (any, error)

// PrepareLookupFn transforms the lookup-param map before cache keying.
type PrepareLookupFn func(params map[string]any) (map[string]any, error)

// Spec is the declarative description of one logical request. Specs are
// immutable after construction; per-resolution state lives in the resolver.
type Spec struct {
	// Req is the inline request descriptor. ReqFn takes precedence when both
	// are set.
	Req *Request
	// ReqFn produces the request from resolved params.
	ReqFn RequestFn
	// Params must all be present in the context before ReqFn runs.
	Params []Param
	// LookupParams is the subset of Params used for cache keying. Nil means
	// Params.
	LookupParams []Param
	// PrepareLookupParams transforms the lookup-param map before keying.
	PrepareLookupParams PrepareLookupFn
	// LookupID names the first element of the cache key. When empty it is
	// derived from ReqFn's symbolic name, falling back to the sentinel "req".
	LookupID string
	// CacheKey overrides derived keying with a literal key.
	CacheKey []string
	// Success overrides the default 2xx predicate.
	Success SuccessFn
	// Retry supplies the retry policy for failed exchanges.
	Retry RetryFn
	// Cache supplies the caching policy for successful exchanges.
	Cache CacheFn
}

// EffectiveLookupParams returns LookupParams, defaulting to Params.
func (s *Spec) EffectiveLookupParams() []Param {
	if s.LookupParams != nil {
		return s.LookupParams
	}
	return s.Params
}

// SubSpec is the tagged sub-spec reference recognized in option params. The
// resolver lifts it into the specs table and applies Select to its response.
type SubSpec struct {
	Spec   *Spec
	Select SelectFn
}

// RetryDecision is a RetryFn verdict. All fields are optional.
type RetryDecision struct {
	Retry      bool
	Delay      time.Duration
	MaxRetries int
	Refresh    []string
}

// Validate rejects decisions with out-of-range fields.
func (d *RetryDecision) Validate() error {
	if d.Delay < 0 {
		return fmt.Errorf("retry decision: negative delay %v", d.Delay)
	}
	if d.MaxRetries < 0 {
		return fmt.Errorf("retry decision: negative max retries %d", d.MaxRetries)
	}
	return nil
}

// CacheDecision is a CacheFn verdict. ExpiresAt wins over TTL when both are
// set; with neither the entry never expires.
type CacheDecision struct {
	Cache     bool
	ExpiresAt int64
	TTL       time.Duration
}

// Validate rejects decisions with out-of-range fields.
func (d *CacheDecision) Validate() error {
	if d.ExpiresAt < 0 {
		return fmt.Errorf("cache decision: negative expires-at %d", d.ExpiresAt)
	}
	if d.TTL < 0 {
		return fmt.Errorf("cache decision: negative ttl %v", d.TTL)
	}
	return nil
}
