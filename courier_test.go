package courier

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cjohansen/courier/caches/memory"
	"github.com/cjohansen/courier/pkg/cache"
	"github.com/cjohansen/courier/pkg/clock"
	"github.com/cjohansen/courier/pkg/errors"
	"github.com/cjohansen/courier/pkg/types"
)

// scriptedTransport answers requests from per-URL response queues and
// records every dispatched request.
type scriptedTransport struct {
	mu        sync.Mutex
	responses map[string][]*Response
	requests  []*Req
}

func newScriptedTransport() *scriptedTransport {
	return &scriptedTransport{responses: map[string][]*Response{}}
}

func (s *scriptedTransport) on(method, url string, responses ...*Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[method+" "+url] = append(s.responses[method+" "+url], responses...)
}

func (s *scriptedTransport) Do(_ context.Context, req *Req) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req.Clone())

	key := req.Method + " " + req.URL
	queue := s.responses[key]
	if len(queue) == 0 {
		return nil, fmt.Errorf("no scripted response for %s", key)
	}
	res := queue[0]
	if len(queue) > 1 {
		s.responses[key] = queue[1:]
	}
	return res, nil
}

func (s *scriptedTransport) sent() []*Req {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Req{}, s.requests...)
}

func collectEvents(t *testing.T, spec *Spec, opts *Options) ([]Event, *Result) {
	t.Helper()
	evs, results := RequestWithLog(context.Background(), spec, opts)
	var collected []Event
	for ev := range evs {
		collected = append(collected, ev)
	}
	return collected, <-results
}

func eventTypes(evs []Event) []EventType {
	out := make([]EventType, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func TestRequest_BasicGet(t *testing.T) {
	transport := newScriptedTransport()
	transport.on("GET", "http://ex/", &Response{Status: 200, Body: map[string]any{"yep": "Indeed"}})

	spec := &Spec{Req: &Req{URL: "http://ex/"}}
	evs, result := collectEvents(t, spec, &Options{Transport: transport})

	require.Equal(t, []EventType{types.EventRequest, types.EventResponse}, eventTypes(evs))
	assert.True(t, evs[1].Success)
	assert.True(t, result.Success)
	assert.Equal(t, 200, result.Status)
	assert.Equal(t, map[string]any{"yep": "Indeed"}, result.Body)
}

func TestRequest_RetryOn500(t *testing.T) {
	transport := newScriptedTransport()
	transport.on("GET", "http://ex/flaky",
		&Response{Status: 500},
		&Response{Status: 200, Body: map[string]any{"ok": true}})

	spec := &Spec{
		Req:   &Req{URL: "http://ex/flaky"},
		Retry: BuildRetry(RetryConfig{Retries: 2}),
	}
	evs, result := collectEvents(t, spec, &Options{Transport: transport})

	require.Equal(t, []EventType{
		types.EventRequest, types.EventResponse,
		types.EventRequest, types.EventResponse,
	}, eventTypes(evs))
	assert.Equal(t, 500, evs[1].Res.Status)
	assert.True(t, result.Success)
	assert.Equal(t, map[string]any{"ok": true}, result.Body)
	assert.Len(t, transport.sent(), 2)
}

func TestRequest_RetriesExhausted(t *testing.T) {
	transport := newScriptedTransport()
	transport.on("GET", "http://ex/down", &Response{Status: 500})

	spec := &Spec{
		Req:   &Req{URL: "http://ex/down"},
		Retry: BuildRetry(RetryConfig{Retries: 1}),
	}
	evs, result := collectEvents(t, spec, &Options{Transport: transport})

	terminal := evs[len(evs)-1]
	require.Equal(t, types.EventFailed, terminal.Type)
	assert.Equal(t, errors.ReasonRetriesExhausted, terminal.Reason)
	assert.Equal(t, 2, terminal.Data["attempts"])
	assert.Equal(t, 1, terminal.Data["max_retries"])
	assert.False(t, result.Success)
	assert.Len(t, transport.sent(), 2)
}

func tokenSelect(res *Response) (any, error) {
	body, ok := res.Body.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected token body %T", res.Body)
	}
	return body["token"], nil
}

func authorizedReq(params map[string]any) (*types.Request, error) {
	req := &types.Request{URL: "http://ex/data"}
	req.SetHeader("Authorization", fmt.Sprintf("Bearer %v", params["token"]))
	return req, nil
}

func TestRequest_DependentToken(t *testing.T) {
	transport := newScriptedTransport()
	transport.on("POST", "http://ex/token", &Response{Status: 200, Body: map[string]any{"token": "T"}})
	transport.on("GET", "http://ex/data", &Response{Status: 200, Body: map[string]any{"data": "yes"}})

	tokenSpec := &Spec{Req: &Req{Method: "POST", URL: "http://ex/token"}}
	spec := &Spec{
		ReqFn:  authorizedReq,
		Params: []Param{P("token")},
	}

	evs, result := collectEvents(t, spec, &Options{
		Transport: transport,
		Params: map[string]any{
			"token": &SubSpec{Spec: tokenSpec, Select: tokenSelect},
		},
	})

	require.True(t, result.Success)
	require.Equal(t, []EventType{
		types.EventRequest, types.EventResponse,
		types.EventRequest, types.EventResponse,
	}, eventTypes(evs))
	assert.Equal(t, "http://ex/token", evs[0].Req.URL)
	assert.Equal(t, "http://ex/data", evs[2].Req.URL)
	assert.Equal(t, "Bearer T", evs[2].Req.Header("Authorization"))
}

func TestRequest_CacheHitSkipsDependency(t *testing.T) {
	transport := newScriptedTransport()
	backend := memory.New(memory.Config{})

	spec := &Spec{
		ReqFn:        authorizedReq,
		Params:       []Param{P("id"), P("token")},
		LookupParams: []Param{P("id")},
		LookupID:     "A",
	}

	entry := &cache.Entry{
		Req:      &types.Request{URL: "http://ex/data"},
		Res:      &types.Response{Status: 200, Body: map[string]any{"cached": true}},
		Success:  true,
		CachedAt: 1000,
	}
	_, err := backend.Put(context.Background(), cache.KeyFor(spec, map[string]any{"id": 42}), entry)
	require.NoError(t, err)

	evs, result := collectEvents(t, spec, &Options{
		Transport: transport,
		Cache:     backend,
		Params: map[string]any{
			"id":    42,
			"token": &SubSpec{Spec: &Spec{Req: &Req{Method: "POST", URL: "http://ex/token"}}, Select: tokenSelect},
		},
	})

	require.Equal(t, []EventType{types.EventCacheHit}, eventTypes(evs))
	assert.True(t, result.Success)
	assert.Equal(t, map[string]any{"cached": true}, result.Body)
	assert.Empty(t, transport.sent())
	require.NotNil(t, result.CacheStatus)
	assert.True(t, result.CacheStatus.CacheHit)
}

func TestRequest_RefreshOn401(t *testing.T) {
	transport := newScriptedTransport()
	transport.on("GET", "http://ex/data",
		&Response{Status: 401},
		&Response{Status: 200, Body: map[string]any{"data": "yes"}})
	transport.on("POST", "http://ex/token", &Response{Status: 200, Body: map[string]any{"token": "T2"}})

	backend := memory.New(memory.Config{})
	tokenSpec := &Spec{Req: &Req{Method: "POST", URL: "http://ex/token"}, LookupID: "token"}
	staleToken := &cache.Entry{
		Req:      &types.Request{Method: "POST", URL: "http://ex/token"},
		Res:      &types.Response{Status: 200, Body: map[string]any{"token": "stale"}},
		Success:  true,
		CachedAt: 1000,
	}
	_, err := backend.Put(context.Background(), cache.KeyFor(tokenSpec, nil), staleToken)
	require.NoError(t, err)

	spec := &Spec{
		ReqFn:  authorizedReq,
		Params: []Param{P("token")},
		Retry: func(req *Req, res *Response, attempts int) (*RetryDecision, error) {
			if res != nil && res.Status == 401 {
				return &RetryDecision{Retry: true, MaxRetries: 1, Refresh: []string{"token"}}, nil
			}
			return nil, nil
		},
	}

	evs, result := collectEvents(t, spec, &Options{
		Transport: transport,
		Cache:     backend,
		Params: map[string]any{
			"token": &SubSpec{Spec: tokenSpec, Select: tokenSelect},
		},
	})

	require.True(t, result.Success)
	require.Equal(t, []EventType{
		types.EventCacheHit,                     // stale token from cache
		types.EventRequest, types.EventResponse, // data 401
		types.EventRequest, types.EventResponse, // token refreshed, cache bypassed
		types.EventRequest, types.EventResponse, // data 200
	}, eventTypes(evs))
	assert.Equal(t, "token", evs[0].Path)
	assert.Equal(t, 401, evs[2].Res.Status)
	assert.Equal(t, "http://ex/token", evs[3].Req.URL)
	assert.Equal(t, 200, evs[6].Res.Status)

	sent := transport.sent()
	require.Len(t, sent, 3)
	assert.Equal(t, "Bearer stale", sent[0].Header("Authorization"))
	assert.Equal(t, "Bearer T2", sent[2].Header("Authorization"))
}

func TestRequest_RefreshDispatchedDependency(t *testing.T) {
	transport := newScriptedTransport()
	transport.on("GET", "http://ex/data",
		&Response{Status: 401},
		&Response{Status: 200, Body: "ok"})
	transport.on("POST", "http://ex/token",
		&Response{Status: 200, Body: map[string]any{"token": "T1"}},
		&Response{Status: 200, Body: map[string]any{"token": "T2"}})

	spec := &Spec{
		ReqFn:  authorizedReq,
		Params: []Param{P("token")},
		Retry: func(req *Req, res *Response, attempts int) (*RetryDecision, error) {
			if res != nil && res.Status == 401 {
				return &RetryDecision{Retry: true, MaxRetries: 1, Refresh: []string{"token"}}, nil
			}
			return nil, nil
		},
	}

	_, result := collectEvents(t, spec, &Options{
		Transport: transport,
		Params: map[string]any{
			"token": &SubSpec{Spec: &Spec{Req: &Req{Method: "POST", URL: "http://ex/token"}}, Select: tokenSelect},
		},
	})

	require.True(t, result.Success)
	sent := transport.sent()
	require.Len(t, sent, 4)
	assert.Equal(t, "Bearer T1", sent[1].Header("Authorization"))
	assert.Equal(t, "http://ex/token", sent[2].URL)
	assert.Equal(t, "Bearer T2", sent[3].Header("Authorization"))
}

func TestRequest_StoresInCache(t *testing.T) {
	transport := newScriptedTransport()
	raw := &http.Response{StatusCode: 200}
	transport.on("GET", "http://ex/", &Response{Status: 200, Body: "hi", Raw: raw})

	clk := clock.NewManual(5000)
	backend := memory.New(memory.Config{Clock: clk})
	spec := &Spec{
		Req:      &Req{URL: "http://ex/"},
		LookupID: "greeting",
		Cache:    BuildCache(CacheConfig{TTL: time.Minute, Clock: clk}),
	}

	evs, result := collectEvents(t, spec, &Options{Transport: transport, Cache: backend, Clock: clk})

	require.Equal(t, []EventType{
		types.EventRequest, types.EventResponse, types.EventStoreInCache,
	}, eventTypes(evs))
	require.NotNil(t, result.CacheStatus)
	assert.True(t, result.CacheStatus.StoredInCache)
	assert.Equal(t, int64(5000), result.CacheStatus.CachedAt)
	assert.Equal(t, int64(5000+time.Minute.Milliseconds()), result.CacheStatus.ExpiresAt)

	stored, err := backend.Lookup(context.Background(), cache.KeyFor(spec, nil))
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Nil(t, stored.Res.Raw)

	// A second resolution is served from the cache.
	evs, result = collectEvents(t, spec, &Options{Transport: transport, Cache: backend, Clock: clk})
	require.Equal(t, []EventType{types.EventCacheHit}, eventTypes(evs))
	assert.True(t, result.Success)
	assert.Len(t, transport.sent(), 1)
}

func TestRequest_MissingParams(t *testing.T) {
	spec := &Spec{
		ReqFn:  authorizedReq,
		Params: []Param{P("token")},
	}
	evs, result := collectEvents(t, spec, &Options{Transport: newScriptedTransport()})

	require.Len(t, evs, 1)
	assert.Equal(t, types.EventFailed, evs[0].Type)
	assert.Equal(t, errors.ReasonMissingParams, evs[0].Reason)
	assert.Equal(t, []string{"token"}, evs[0].Data["missing"])
	assert.False(t, result.Success)
}

func TestRequest_MissingReqOrReqFn(t *testing.T) {
	evs, result := collectEvents(t, &Spec{}, &Options{Transport: newScriptedTransport()})

	require.Len(t, evs, 1)
	assert.Equal(t, errors.ReasonMissingReqOrReqFn, evs[0].Reason)
	assert.False(t, result.Success)
}

func TestRequest_TransportError(t *testing.T) {
	spec := &Spec{Req: &Req{URL: "http://ex/gone"}}
	evs, result := collectEvents(t, spec, &Options{Transport: newScriptedTransport()})

	typeSet := eventTypes(evs)
	require.Equal(t, []EventType{types.EventRequest, types.EventException, types.EventFailed}, typeSet)
	assert.Equal(t, errors.ReasonUnknown, evs[2].Reason)
	assert.False(t, result.Success)
	require.Len(t, result.Exceptions, 1)
	assert.Equal(t, "transport", result.Exceptions[0].Source)
}

func TestRequest_ProtectedUserFunctions(t *testing.T) {
	transport := newScriptedTransport()
	transport.on("GET", "http://ex/", &Response{Status: 200, Body: "ok"})

	spec := &Spec{
		Req: &Req{URL: "http://ex/"},
		Success: func(req *Req, res *Response) (bool, error) {
			panic("boom")
		},
	}
	evs, result := collectEvents(t, spec, &Options{Transport: transport})

	var sources []string
	for _, ev := range evs {
		if ev.Type == types.EventException {
			sources = append(sources, ev.Source)
		}
	}
	assert.Contains(t, sources, "success-fn")
	assert.False(t, result.Success)
}

func TestRequest_InvalidRetryDecisionDropped(t *testing.T) {
	transport := newScriptedTransport()
	transport.on("GET", "http://ex/bad", &Response{Status: 500})

	spec := &Spec{
		Req: &Req{URL: "http://ex/bad"},
		Retry: func(req *Req, res *Response, attempts int) (*RetryDecision, error) {
			return &RetryDecision{Retry: true, Delay: -time.Second, MaxRetries: 3}, nil
		},
	}
	evs, result := collectEvents(t, spec, &Options{Transport: transport})

	var sawInvalid bool
	for _, ev := range evs {
		if ev.Type == types.EventInvalidData {
			sawInvalid = true
		}
	}
	assert.True(t, sawInvalid)
	// The decision is dropped, so the request is not retried.
	assert.Len(t, transport.sent(), 1)
	assert.False(t, result.Success)
	terminal := evs[len(evs)-1]
	assert.Equal(t, errors.ReasonRequestFailed, terminal.Reason)
}

func TestMakeRequests_HintOnMisplacedParam(t *testing.T) {
	specs := map[string]*Spec{
		"user": {ReqFn: authorizedReq, Params: []Param{P("token")}},
	}
	// token passed at the top level instead of under "params".
	opts := map[string]any{"token": "T"}

	var evs []Event
	for ev := range MakeRequests(context.Background(), opts, specs) {
		evs = append(evs, ev)
	}
	result := AssembleResult("user", opts, evs)

	assert.False(t, result.Success)
	assert.Contains(t, result.Hint, "token")
}

func TestRequest_ConcurrentDependencies(t *testing.T) {
	transport := newScriptedTransport()
	transport.on("GET", "http://ex/a", &Response{Status: 200, Body: map[string]any{"v": "A"}})
	transport.on("GET", "http://ex/b", &Response{Status: 200, Body: map[string]any{"v": "B"}})
	transport.on("GET", "http://ex/both", &Response{Status: 200, Body: "combined"})

	selectV := func(res *Response) (any, error) {
		return res.Body.(map[string]any)["v"], nil
	}
	spec := &Spec{
		ReqFn: func(params map[string]any) (*types.Request, error) {
			return &types.Request{
				URL:         "http://ex/both",
				QueryParams: map[string]string{"a": params["a"].(string), "b": params["b"].(string)},
			}, nil
		},
		Params: []Param{P("a"), P("b")},
	}

	evs, result := collectEvents(t, spec, &Options{
		Transport: transport,
		Params: map[string]any{
			"a": &SubSpec{Spec: &Spec{Req: &Req{URL: "http://ex/a"}}, Select: selectV},
			"b": &SubSpec{Spec: &Spec{Req: &Req{URL: "http://ex/b"}}, Select: selectV},
		},
	})

	require.True(t, result.Success)
	// Dependencies resolve before the dependent request is issued.
	var bothIdx, lastDepIdx int
	for i, ev := range evs {
		if ev.Type == types.EventResponse && (ev.Path == "a" || ev.Path == "b") {
			lastDepIdx = i
		}
		if ev.Type == types.EventRequest && ev.Path == RootKey {
			bothIdx = i
		}
	}
	assert.Greater(t, bothIdx, lastDepIdx)

	sent := transport.sent()
	require.Len(t, sent, 3)
	assert.Equal(t, "http://ex/both", sent[2].URL)
	assert.Equal(t, "A", sent[2].QueryParams["a"])
	assert.Equal(t, "B", sent[2].QueryParams["b"])
}

func TestRequest_RetryDelayHonored(t *testing.T) {
	transport := newScriptedTransport()
	transport.on("GET", "http://ex/slow",
		&Response{Status: 500},
		&Response{Status: 200, Body: "ok"})

	spec := &Spec{
		Req:   &Req{URL: "http://ex/slow"},
		Retry: BuildRetry(RetryConfig{Retries: 1, Delays: []time.Duration{30 * time.Millisecond}}),
	}

	started := time.Now()
	_, result := collectEvents(t, spec, &Options{Transport: transport})
	require.True(t, result.Success)
	assert.GreaterOrEqual(t, time.Since(started), 30*time.Millisecond)
}

func TestRequest_PathParams(t *testing.T) {
	transport := newScriptedTransport()
	transport.on("GET", "http://ex/nested", &Response{Status: 200, Body: "ok"})

	var got any
	spec := &Spec{
		ReqFn: func(params map[string]any) (*types.Request, error) {
			got = params["cfg.a.b"]
			return &types.Request{URL: "http://ex/nested"}, nil
		},
		Params: []Param{PPath("cfg", "a", "b")},
	}
	_, result := collectEvents(t, spec, &Options{
		Transport: transport,
		Params: map[string]any{
			"cfg": map[string]any{"a": map[string]any{"b": "deep"}},
		},
	})
	assert.True(t, result.Success)
	assert.Equal(t, "deep", got)
}
