package cache

import (
	"testing"

	"github.com/forgeworks/forge/digest"
)

func TestTieredCASFallsBackToRemoteAndWritesThrough(t *testing.T) {
	local := NewMemCAS()
	remote := NewMemCAS()
	data := []byte("hello")
	d := mustDigest(data)
	if err := remote.Put(d, data); err != nil {
		t.Fatalf("remote.Put: %v", err)
	}

	tiered := &TieredCAS{Local: local, Remote: remote}
	got, err := tiered.Get(d)
	if err != nil || string(got) != "hello" {
		t.Fatalf("Get = %q, %v, want hello", got, err)
	}
	if ok, _ := local.Has(d); !ok {
		t.Fatalf("expected remote hit to populate local tier")
	}
}

func TestTieredCASMissingEverywhere(t *testing.T) {
	tiered := &TieredCAS{Local: NewMemCAS(), Remote: NewMemCAS()}
	d := mustDigest([]byte("nope"))
	if _, err := tiered.Get(d); err == nil {
		t.Fatalf("expected error for digest missing from both tiers")
	}
}

func TestTieredActionCacheFallsBackToRemote(t *testing.T) {
	local := NewMemActionCache()
	remote := NewMemActionCache()
	key := mustDigest([]byte("key"))
	remote.Put(key, ActionResult{Outputs: []OutputMetadata{{ExecPath: "out"}}})

	tiered := &TieredActionCache{Local: local, Remote: remote}
	result, ok, err := tiered.Get(key)
	if err != nil || !ok || len(result.Outputs) != 1 {
		t.Fatalf("Get = %+v, %v, %v", result, ok, err)
	}
	if _, ok, _ := local.Get(key); !ok {
		t.Fatalf("expected remote hit to populate local tier")
	}
}

func mustDigest(data []byte) digest.Digest {
	return digest.FromBytes(data)
}
