package cache

import (
	"fmt"

	"github.com/forgeworks/forge/digest"
	"github.com/forgeworks/forge/engineerr"
)

// TieredCAS checks Local before falling back to Remote, writing through to
// Local on a remote hit so the next lookup for the same digest stays local.
// Either side may be nil, in which case that tier is skipped.
type TieredCAS struct {
	Local  CAS
	Remote CAS
}

func (t *TieredCAS) Has(d digest.Digest) (bool, error) {
	if t.Local != nil {
		if ok, err := t.Local.Has(d); err != nil {
			return false, err
		} else if ok {
			return true, nil
		}
	}
	if t.Remote == nil {
		return false, nil
	}
	return t.Remote.Has(d)
}

func (t *TieredCAS) Put(d digest.Digest, data []byte) error {
	if t.Local != nil {
		if err := t.Local.Put(d, data); err != nil {
			return err
		}
	}
	if t.Remote != nil {
		return t.Remote.Put(d, data)
	}
	return nil
}

func (t *TieredCAS) Get(d digest.Digest) ([]byte, error) {
	if t.Local != nil {
		data, err := t.Local.Get(d)
		if err == nil {
			return data, nil
		}
	}
	if t.Remote == nil {
		return nil, engineerr.Wrap(engineerr.Environment, fmt.Errorf("cas: missing digest %s", d))
	}
	data, err := t.Remote.Get(d)
	if err != nil {
		return nil, err
	}
	if t.Local != nil {
		t.Local.Put(d, data)
	}
	return data, nil
}

// TieredActionCache is TieredCAS's counterpart for ActionCache.
type TieredActionCache struct {
	Local  ActionCache
	Remote ActionCache
}

func (t *TieredActionCache) Get(key digest.Digest) (ActionResult, bool, error) {
	if t.Local != nil {
		if result, ok, err := t.Local.Get(key); err != nil {
			return ActionResult{}, false, err
		} else if ok {
			return result, true, nil
		}
	}
	if t.Remote == nil {
		return ActionResult{}, false, nil
	}
	result, ok, err := t.Remote.Get(key)
	if err != nil || !ok {
		return result, ok, err
	}
	if t.Local != nil {
		t.Local.Put(key, result)
	}
	return result, true, nil
}

func (t *TieredActionCache) Put(key digest.Digest, result ActionResult) error {
	if t.Local != nil {
		if err := t.Local.Put(key, result); err != nil {
			return err
		}
	}
	if t.Remote != nil {
		return t.Remote.Put(key, result)
	}
	return nil
}
