package cache

import (
	"log/slog"
	"path"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/cjohansen/courier/internal/fingerprint"
	"github.com/cjohansen/courier/pkg/types"
)

// SentinelID keys specs with an inline request and no LookupID.
const SentinelID = "req"

// Key identifies a cache entry: the spec's cache id plus the projection of
// its lookup params. Literal, when set, overrides derived keying with a
// caller-supplied key.
type Key struct {
	ID      string
	Params  map[string]any
	Literal []string
}

// KeyFor computes the cache key for a spec and its lookup-param projection.
// An empty projection keys as nil.
func KeyFor(spec *types.Spec, params map[string]any) Key {
	if len(params) == 0 {
		params = nil
	}
	return Key{ID: lookupID(spec), Params: params, Literal: spec.CacheKey}
}

// Fingerprint returns the 32-hex digest of the param projection.
func (k Key) Fingerprint() string {
	return fingerprint.Fingerprint(k.Params)
}

// String renders the canonical key with "/" separators, as stored by
// remote KV backends.
func (k Key) String() string {
	if len(k.Literal) > 0 {
		return strings.Join(k.Literal, "/")
	}
	return dotted(k.ID) + "/" + k.Fingerprint()
}

// FilePath renders the key as a relative file path: the dotted cache id,
// then the fingerprint sharded on its first two hex chars. Literal keys are
// rendered as-is with the last segment sharded when longer than two chars.
func (k Key) FilePath(ext string) string {
	if len(k.Literal) > 0 {
		segs := append([]string{}, k.Literal...)
		last := segs[len(segs)-1]
		if len(last) > 2 {
			segs[len(segs)-1] = last[:2]
			segs = append(segs, last[2:])
		}
		return filepath.Join(segs...) + ext
	}
	fp := k.Fingerprint()
	return filepath.Join(dotted(k.ID), fp[:2], fp[2:]) + ext
}

func dotted(id string) string {
	return strings.ReplaceAll(id, "/", ".")
}

// anonIDs memoizes generated ids per function pointer so a resolution keys
// consistently within a process.
var anonIDs sync.Map

func lookupID(spec *types.Spec) string {
	if spec.LookupID != "" {
		return spec.LookupID
	}
	if spec.ReqFn == nil {
		return SentinelID
	}

	ptr := reflect.ValueOf(spec.ReqFn).Pointer()
	name := path.Base(runtime.FuncForPC(ptr).Name())
	if !strings.Contains(name, ".func") {
		return name
	}

	if id, ok := anonIDs.Load(ptr); ok {
		return id.(string)
	}
	id := "anon-" + uuid.NewString()[:8]
	actual, loaded := anonIDs.LoadOrStore(ptr, id)
	if !loaded {
		slog.Warn("courier: anonymous request function keys under a random id, set LookupID for stable cache keys",
			"fn", name, "id", id)
	}
	return actual.(string)
}
