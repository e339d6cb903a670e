// Package assemble folds a resolution's event stream into the caller-facing
// result record.
package assemble

import (
	"fmt"

	"github.com/mitchellh/hashstructure/v2"

	"github.com/cjohansen/courier/pkg/errors"
	"github.com/cjohansen/courier/pkg/types"
)

// Build produces the result for target from the complete ordered event
// list. opts is the raw options map, used only for hinting.
func Build(target string, opts map[string]any, evs []types.Event) *types.Result {
	result := &types.Result{}

	var winning, terminal *types.Event
	for i := range evs {
		ev := &evs[i]
		if ev.Path != target {
			continue
		}
		switch ev.Type {
		case types.EventResponse, types.EventCacheHit:
			winning = ev
			terminal = ev
		case types.EventFailed:
			terminal = ev
		}
	}

	if winning != nil && winning.Res != nil {
		result.Status = winning.Res.Status
		result.Headers = winning.Res.Headers
		result.Body = winning.Res.Body
	}
	if terminal != nil {
		switch terminal.Type {
		case types.EventCacheHit:
			result.Success = true
		case types.EventResponse:
			result.Success = terminal.Success
		}
	}

	result.Log = buildLog(evs)
	result.CacheStatus = cacheStatus(target, evs)
	for _, ev := range evs {
		if ev.Type == types.EventException {
			stripped := ev
			stripped.Path = ""
			result.Exceptions = append(result.Exceptions, stripped)
		}
	}
	result.Hint = hint(terminal, opts)

	return result
}

// buildLog keeps the response, cache-hit, store-in-cache, and failed events
// in order, strips paths, and drops failure events whose payload repeats an
// earlier one.
func buildLog(evs []types.Event) []types.Event {
	var log []types.Event
	seen := map[uint64]struct{}{}
	for _, ev := range evs {
		switch ev.Type {
		case types.EventResponse, types.EventCacheHit, types.EventStoreInCache:
		case types.EventFailed:
			if h, err := hashstructure.Hash(map[string]any{
				"reason": ev.Reason,
				"data":   fmt.Sprintf("%v", ev.Data),
			}, hashstructure.FormatV2, nil); err == nil {
				if _, dup := seen[h]; dup {
					continue
				}
				seen[h] = struct{}{}
			}
		default:
			continue
		}
		ev.Path = ""
		log = append(log, ev)
	}
	return log
}

// cacheStatus reports how the cache served the target, sourced from the
// winning cache event.
func cacheStatus(target string, evs []types.Event) *types.CacheStatus {
	var status *types.CacheStatus
	for _, ev := range evs {
		if ev.Path != target {
			continue
		}
		switch ev.Type {
		case types.EventCacheHit:
			status = &types.CacheStatus{
				CacheHit:  true,
				CachedAt:  ev.CachedAt,
				ExpiresAt: ev.ExpiresAt,
				Key:       ev.CacheKey,
			}
		case types.EventStoreInCache:
			status = &types.CacheStatus{
				StoredInCache: true,
				CachedAt:      ev.CachedAt,
				ExpiresAt:     ev.ExpiresAt,
				Key:           ev.CacheKey,
			}
		}
	}
	return status
}

// hint catches params passed at the top level of the options map instead of
// under "params".
func hint(terminal *types.Event, opts map[string]any) string {
	if terminal == nil || terminal.Type != types.EventFailed || terminal.Reason != errors.ReasonMissingParams {
		return ""
	}
	missing, ok := terminal.Data["missing"].([]string)
	if !ok {
		return ""
	}
	for _, name := range missing {
		if name == "params" || name == "cache" {
			continue
		}
		if _, misplaced := opts[name]; misplaced {
			return fmt.Sprintf("%q looks like a param; pass it nested under \"params\" in the options map", name)
		}
	}
	return ""
}
