package cache

import (
	"golang.org/x/sync/singleflight"

	"github.com/forgeworks/forge/digest"
)

// BuildFunc executes an action and returns its result; passed to
// Coordinator.GetOrBuild only when no cache entry is found.
type BuildFunc func() (ActionResult, error)

// Coordinator enforces "at-most-one concurrent build per fingerprint"
//: a second scheduler request for an ActionKey already being
// built blocks on the first and observes its result instead of starting a
// redundant execution, via a singleflight.Group keyed on the hex ActionKey.
type Coordinator struct {
	cache ActionCache
	group singleflight.Group
}

func NewCoordinator(cache ActionCache) *Coordinator {
	return &Coordinator{cache: cache}
}

// GetOrBuild returns the cached result for key if present; otherwise it
// runs build (collapsing concurrent callers for the same key into a single
// invocation) and records the result before returning it. The bool result
// reports whether the entry was already cached.
func (c *Coordinator) GetOrBuild(key digest.Digest, build BuildFunc) (ActionResult, bool, error) {
	if result, ok, err := c.cache.Get(key); err != nil {
		return ActionResult{}, false, err
	} else if ok {
		return result, true, nil
	}

	v, err, _ := c.group.Do(key.Hex(), func() (interface{}, error) {
		// Re-check under the singleflight key: another goroutine may have
		// finished the build and recorded it while we were queued behind
		// the cache.Get above.
		if result, ok, err := c.cache.Get(key); err != nil {
			return ActionResult{}, err
		} else if ok {
			return result, nil
		}
		result, err := build()
		if err != nil {
			return ActionResult{}, err
		}
		if err := c.cache.Put(key, result); err != nil {
			return ActionResult{}, err
		}
		return result, nil
	})
	if err != nil {
		return ActionResult{}, false, err
	}
	return v.(ActionResult), false, nil
}
