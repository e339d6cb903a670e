package types

import "github.com/cjohansen/courier/pkg/errors"

// EventType enumerates the lifecycle events emitted during resolution.
type EventType string

const (
	EventRequest      EventType = "request"
	EventResponse     EventType = "response"
	EventCacheHit     EventType = "cache-hit"
	EventStoreInCache EventType = "store-in-cache"
	EventException    EventType = "exception"
	EventInvalidData  EventType = "invalid-data"
	EventFailed       EventType = "failed"
)

// Event is one entry in the ordered stream a resolution emits. Which fields
// are set depends on Type:
//
//	request        Path, Req
//	response       Path, Req, Res, Success, Retry, Cache
//	cache-hit      Path, Req, Res, CachedAt, ExpiresAt, CacheKey
//	store-in-cache Path, Req, Res, CachedAt, ExpiresAt, CacheKey, Meta
//	exception      Err, Source (Path when attributable to a key)
//	invalid-data   Path, Exchange, Data (the rejected decision)
//	failed         Path, Reason, Data
//
// Meta (the backend's put metadata) is set on store-in-cache only; a
// cache-hit carries no backend metadata.
type Event struct {
	Type      EventType
	Path      string
	Req       *Request
	Res       *Response
	Success   bool
	Retry     bool
	Cache     bool
	CachedAt  int64
	ExpiresAt int64
	CacheKey  string
	Meta      map[string]any
	Err       error
	Source    string
	Reason    errors.Reason
	Data      map[string]any
	Exchange  *Exchange
}
