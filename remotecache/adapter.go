package remotecache

import (
	"context"

	"github.com/forgeworks/forge/cache"
	"github.com/forgeworks/forge/digest"
)

// CASAdapter satisfies cache.CAS by round-tripping every call through a
// Client's context-taking HTTP methods, for callers (the scheduler) that
// only know the synchronous cache.CAS/cache.ActionCache contracts and have
// no per-call context of their own to plumb through. Real request
// cancellation should go through Client directly; the scheduler's CAS
// calls (recordOutputs, materializeOne) carry no context, same as for the
// in-memory and SQLite implementations.
type CASAdapter struct{ Client *Client }

func (a *CASAdapter) Has(d digest.Digest) (bool, error) {
	missing, err := a.Client.Lookup(context.Background(), []digest.Digest{d})
	if err != nil {
		return false, err
	}
	return len(missing) == 0, nil
}

func (a *CASAdapter) Put(d digest.Digest, data []byte) error {
	return a.Client.UploadBlob(context.Background(), d, data)
}

func (a *CASAdapter) Get(d digest.Digest) ([]byte, error) {
	return a.Client.DownloadBlob(context.Background(), d)
}

// ActionCacheAdapter satisfies cache.ActionCache the same way CASAdapter
// satisfies cache.CAS.
type ActionCacheAdapter struct{ Client *Client }

func (a *ActionCacheAdapter) Get(key digest.Digest) (cache.ActionResult, bool, error) {
	return a.Client.GetCachedResult(context.Background(), key)
}

func (a *ActionCacheAdapter) Put(key digest.Digest, result cache.ActionResult) error {
	return a.Client.SetCachedResult(context.Background(), key, result)
}
