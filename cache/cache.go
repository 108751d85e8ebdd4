// Package cache implements the local action cache and content-addressable
// store: a mapping from ActionKey to the metadata of a previous
// execution's outputs, and a companion digest -> bytes blob store.
package cache

import (
	"fmt"
	"sync"

	"github.com/forgeworks/forge/digest"
	"github.com/forgeworks/forge/engineerr"
)

// OutputMetadata records one output of a cached action result.
type OutputMetadata struct {
	ExecPath   string
	Digest     digest.Digest
	Executable bool
}

// ActionResult is the cached record for a single ActionKey.
type ActionResult struct {
	Outputs []OutputMetadata
}

// ActionCache maps ActionKey -> ActionResult. Implementations must treat
// entries as immutable once written.
type ActionCache interface {
	Get(key digest.Digest) (ActionResult, bool, error)
	Put(key digest.Digest, result ActionResult) error
}

// CAS maps a blob's digest to its bytes.
type CAS interface {
	Has(d digest.Digest) (bool, error)
	Put(d digest.Digest, data []byte) error
	Get(d digest.Digest) ([]byte, error)
}

// ErrPoisoned is returned when a blob's content does not hash to the digest
// it was stored under, a fatal cache-level error.
type ErrPoisoned struct {
	Want digest.Digest
	Got  digest.Digest
}

func (e *ErrPoisoned) Error() string {
	return fmt.Sprintf("cache: poisoned entry, want digest %s, content hashes to %s", e.Want, e.Got)
}

// MemCAS is an in-memory CAS, for tests and single-process builds without a
// configured persisted cache.
type MemCAS struct {
	mu   sync.RWMutex
	blob map[digest.Digest][]byte
}

func NewMemCAS() *MemCAS { return &MemCAS{blob: map[digest.Digest][]byte{}} }

func (c *MemCAS) Has(d digest.Digest) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.blob[d]
	return ok, nil
}

// Put verifies SHA256(data) == d before storing, rejecting a digest/content
// mismatch rather than silently trusting the caller.
func (c *MemCAS) Put(d digest.Digest, data []byte) error {
	actual := digest.FromBytes(data)
	if !actual.Equal(d) {
		return engineerr.Wrap(engineerr.Internal, &ErrPoisoned{Want: d, Got: actual})
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blob[d] = data
	return nil
}

func (c *MemCAS) Get(d digest.Digest) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, ok := c.blob[d]
	if !ok {
		return nil, engineerr.Wrap(engineerr.Environment, fmt.Errorf("cas: missing digest %s", d))
	}
	actual := digest.FromBytes(data)
	if !actual.Equal(d) {
		return nil, engineerr.Wrap(engineerr.Internal, &ErrPoisoned{Want: d, Got: actual})
	}
	return data, nil
}

// MemActionCache is an in-memory ActionCache.
type MemActionCache struct {
	mu      sync.RWMutex
	entries map[digest.Digest]ActionResult
}

func NewMemActionCache() *MemActionCache {
	return &MemActionCache{entries: map[digest.Digest]ActionResult{}}
}

func (c *MemActionCache) Get(key digest.Digest) (ActionResult, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.entries[key]
	return r, ok, nil
}

func (c *MemActionCache) Put(key digest.Digest, result ActionResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; exists {
		// Immutable once written; a second Put for the same key is only
		// ever a no-op re-recording of an identical result, never silently
		// accepted as an overwrite.
		return nil
	}
	c.entries[key] = result
	return nil
}
