package sqlitecache

import (
	"path/filepath"
	"testing"

	"github.com/forgeworks/forge/cache"
	"github.com/forgeworks/forge/digest"
)

func openTestDB(t *testing.T) *CAS {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewCAS(db)
}

func TestSQLiteCASRoundTrip(t *testing.T) {
	cas := openTestDB(t)
	data := []byte("sqlite blob")
	d := digest.FromBytes(data)
	if err := cas.Put(d, data); err != nil {
		t.Fatalf("Put: %v", err)
	}
	has, err := cas.Has(d)
	if err != nil || !has {
		t.Fatalf("Has after Put: has=%v err=%v", has, err)
	}
	got, err := cas.Get(d)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "sqlite blob" {
		t.Fatalf("Get = %q, want %q", got, "sqlite blob")
	}
}

func TestSQLiteCASRejectsPoisonedContent(t *testing.T) {
	cas := openTestDB(t)
	wrong := digest.FromBytes([]byte("other content"))
	if err := cas.Put(wrong, []byte("sqlite blob")); err == nil {
		t.Fatalf("expected Put to reject a digest/content mismatch")
	}
}

func TestSQLiteActionCacheGetPut(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()
	ac := NewActionCache(db)

	key := digest.FromBytes([]byte("action-key"))
	if _, ok, err := ac.Get(key); err != nil || ok {
		t.Fatalf("expected miss on empty cache: ok=%v err=%v", ok, err)
	}

	result := cache.ActionResult{
		Outputs: []cache.OutputMetadata{
			{ExecPath: "a.o", Digest: digest.FromBytes([]byte("obj bytes")), Executable: false},
			{ExecPath: "a.out", Digest: digest.FromBytes([]byte("bin bytes")), Executable: true},
		},
	}
	if err := ac.Put(key, result); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := ac.Get(key)
	if err != nil || !ok {
		t.Fatalf("Get after Put: ok=%v err=%v", ok, err)
	}
	if len(got.Outputs) != 2 {
		t.Fatalf("expected 2 outputs, got %d", len(got.Outputs))
	}
	if got.Outputs[1].ExecPath != "a.out" || !got.Outputs[1].Executable {
		t.Fatalf("unexpected second output: %+v", got.Outputs[1])
	}
}

func TestSQLiteActionCacheInvalidatedOnEngineVersionChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ac := NewActionCache(db)
	key := digest.FromBytes([]byte("action-key"))
	result := cache.ActionResult{Outputs: []cache.OutputMetadata{
		{ExecPath: "a.o", Digest: digest.FromBytes([]byte("obj bytes"))},
	}}
	if err := ac.Put(key, result); err != nil {
		t.Fatalf("Put: %v", err)
	}
	// Simulate a prior run by a different engine build.
	if _, err := db.Exec(`UPDATE engine_meta SET version = ? WHERE id = 1`, `{"gitCommit":"stale-commit"}`); err != nil {
		t.Fatalf("UPDATE engine_meta: %v", err)
	}
	db.Close()

	db2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()
	if _, ok, err := NewActionCache(db2).Get(key); err != nil || ok {
		t.Fatalf("expected action cache to be invalidated after an engine version change: ok=%v err=%v", ok, err)
	}
}
