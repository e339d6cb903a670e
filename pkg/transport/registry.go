package transport

import (
	"context"
	"strings"
	"sync"

	"github.com/cjohansen/courier/pkg/types"
)

// StubFn produces a canned response for a registered (method, url) pair.
type StubFn func(req *types.Request) (*types.Response, error)

type stubKey struct {
	method string
	url    string
}

var registry = struct {
	sync.RWMutex
	stubs    map[stubKey]StubFn
	fallback Doer
}{stubs: map[stubKey]StubFn{}}

// RegisterStub installs a responder for the given method and URL. Lookups
// that miss the registry fall through to the real transport.
func RegisterStub(method, url string, fn StubFn) {
	registry.Lock()
	defer registry.Unlock()
	registry.stubs[stubKey{strings.ToUpper(method), url}] = fn
}

// UnregisterStub removes a single responder.
func UnregisterStub(method, url string) {
	registry.Lock()
	defer registry.Unlock()
	delete(registry.stubs, stubKey{strings.ToUpper(method), url})
}

// ResetStubs clears every registered responder.
func ResetStubs() {
	registry.Lock()
	defer registry.Unlock()
	registry.stubs = map[stubKey]StubFn{}
}

// SetFallback replaces the transport used when no stub matches. Passing nil
// restores the real HTTP transport.
func SetFallback(d Doer) {
	registry.Lock()
	defer registry.Unlock()
	registry.fallback = d
}

func lookupStub(method, url string) (StubFn, bool) {
	registry.RLock()
	defer registry.RUnlock()
	fn, ok := registry.stubs[stubKey{strings.ToUpper(method), url}]
	return fn, ok
}

var (
	realOnce sync.Once
	realHTTP *HTTP
)

func fallback() Doer {
	registry.RLock()
	d := registry.fallback
	registry.RUnlock()
	if d != nil {
		return d
	}
	realOnce.Do(func() {
		realHTTP = NewHTTP(DefaultConfig())
	})
	return realHTTP
}

type dispatcher struct{}

// Default returns the registry-backed Doer: stubbed (method, url) pairs are
// answered locally, everything else goes to the real transport.
func Default() Doer {
	return dispatcher{}
}

func (dispatcher) Do(ctx context.Context, req *types.Request) (*types.Response, error) {
	method := req.Method
	if method == "" {
		method = "GET"
	}
	if fn, ok := lookupStub(method, req.URL); ok {
		return fn(req)
	}
	return fallback().Do(ctx, req)
}
