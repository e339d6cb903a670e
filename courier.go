// Package courier turns a declarative description of one or more related
// HTTP requests — with inter-request dependencies, caching, and retry
// policy — into a single resolved result. For a root request it may
// transparently issue auxiliary requests, consult and populate a cache,
// retry failures with delays and refreshed dependencies, and emit an
// ordered event stream describing every step.
package courier

import (
	"context"
	"fmt"
	"sort"

	"github.com/cjohansen/courier/internal/assemble"
	"github.com/cjohansen/courier/internal/events"
	"github.com/cjohansen/courier/internal/resolver"
	"github.com/cjohansen/courier/pkg/types"
)

// RootKey is the synthetic path a single-spec request resolves under.
const RootKey = "courier/request"

// Request drives spec to completion and returns the assembled result. All
// resolution failures are reported inside the result; the error return is
// reserved for argument misuse.
func Request(ctx context.Context, spec *Spec, opts *Options) (*Result, error) {
	if spec == nil {
		return nil, fmt.Errorf("courier: nil spec")
	}
	o := opts.normalized()

	var evs []types.Event
	for ev := range run(ctx, o, map[string]*Spec{RootKey: spec}, []string{RootKey}) {
		evs = append(evs, ev)
	}
	return assemble.Build(RootKey, o.optionsMap(), evs), nil
}

// RequestWithLog is Request with the live event stream exposed. The result
// channel delivers the final result once the event stream closes.
func RequestWithLog(ctx context.Context, spec *Spec, opts *Options) (<-chan Event, <-chan *Result) {
	o := opts.normalized()
	out := make(chan Event, o.EventBufferSize)
	results := make(chan *Result, 1)

	if spec == nil {
		close(out)
		results <- &Result{}
		close(results)
		return out, results
	}

	src := run(ctx, o, map[string]*Spec{RootKey: spec}, []string{RootKey})
	go func() {
		var evs []types.Event
		for ev := range src {
			evs = append(evs, ev)
			out <- ev
		}
		close(out)
		results <- assemble.Build(RootKey, o.optionsMap(), evs)
		close(results)
	}()
	return out, results
}

// MakeRequests resolves every named spec and returns the event stream. The
// options map recognizes "cache" (a cache.Backend) and "params" (initial
// param values, including sub-specs). Use AssembleResult to fold the
// collected events into a result per target.
func MakeRequests(ctx context.Context, opts map[string]any, specs map[string]*Spec) <-chan Event {
	o := optionsFromMap(opts)

	targets := make([]string, 0, len(specs))
	for k := range specs {
		targets = append(targets, k)
	}
	sort.Strings(targets)

	return run(ctx, o, specs, targets)
}

// AssembleResult folds a collected event list into the result for target.
// opts is the same options map handed to MakeRequests.
func AssembleResult(target string, opts map[string]any, evs []Event) *Result {
	return assemble.Build(target, opts, evs)
}

func run(ctx context.Context, o *Options, specs map[string]*Spec, targets []string) <-chan types.Event {
	sink := events.NewSink(o.EventBufferSize)
	go resolver.Resolve(ctx, resolver.Config{
		Specs:     specs,
		Targets:   targets,
		Params:    o.Params,
		Cache:     o.Cache,
		Transport: o.Transport,
		Clock:     o.Clock,
		Logger:    o.Logger,
		Sink:      sink,
	})
	return sink.Events()
}
