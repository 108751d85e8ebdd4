package remotecache

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/forgeworks/forge/cache"
	"github.com/forgeworks/forge/digest"
)

func newTestServer(t *testing.T) (*Client, *httptest.Server) {
	t.Helper()
	srv := NewServer(cache.NewMemCAS(), cache.NewMemActionCache())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return NewClient(ts.URL), ts
}

func TestLookupReportsMissingDigests(t *testing.T) {
	client, _ := newTestServer(t)
	ctx := context.Background()

	data := []byte("remote blob")
	d := digest.FromBytes(data)
	missing, err := client.Lookup(ctx, []digest.Digest{d})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(missing) != 1 || !missing[0].Equal(d) {
		t.Fatalf("expected %s reported missing, got %v", d, missing)
	}

	if err := client.UploadBlob(ctx, d, data); err != nil {
		t.Fatalf("UploadBlob: %v", err)
	}

	missing, err = client.Lookup(ctx, []digest.Digest{d})
	if err != nil {
		t.Fatalf("Lookup after upload: %v", err)
	}
	if len(missing) != 0 {
		t.Fatalf("expected no missing digests after upload, got %v", missing)
	}
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	client, _ := newTestServer(t)
	ctx := context.Background()

	data := []byte("round trip payload")
	d := digest.FromBytes(data)
	if err := client.UploadBlob(ctx, d, data); err != nil {
		t.Fatalf("UploadBlob: %v", err)
	}
	got, err := client.DownloadBlob(ctx, d)
	if err != nil {
		t.Fatalf("DownloadBlob: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("DownloadBlob = %q, want %q", got, data)
	}
}

func TestUploadRejectsDigestMismatch(t *testing.T) {
	client, _ := newTestServer(t)
	ctx := context.Background()
	wrong := digest.FromBytes([]byte("something else"))
	if err := client.UploadBlob(ctx, wrong, []byte("round trip payload")); err == nil {
		t.Fatalf("expected UploadBlob to reject a digest/content mismatch")
	}
}

func TestDownloadMissingDigestReportsError(t *testing.T) {
	client, _ := newTestServer(t)
	_, err := client.DownloadBlob(context.Background(), digest.FromBytes([]byte("never uploaded")))
	if err == nil {
		t.Fatalf("expected DownloadBlob to error for a digest never uploaded")
	}
}

func TestCachedResultRoundTrip(t *testing.T) {
	client, _ := newTestServer(t)
	ctx := context.Background()
	key := digest.FromBytes([]byte("action key bytes"))

	if _, ok, err := client.GetCachedResult(ctx, key); err != nil || ok {
		t.Fatalf("expected miss before SetCachedResult: ok=%v err=%v", ok, err)
	}

	result := cache.ActionResult{Outputs: []cache.OutputMetadata{
		{ExecPath: "a.o", Digest: digest.FromBytes([]byte("obj")), Executable: false},
	}}
	if err := client.SetCachedResult(ctx, key, result); err != nil {
		t.Fatalf("SetCachedResult: %v", err)
	}

	got, ok, err := client.GetCachedResult(ctx, key)
	if err != nil || !ok {
		t.Fatalf("GetCachedResult after Set: ok=%v err=%v", ok, err)
	}
	if len(got.Outputs) != 1 || got.Outputs[0].ExecPath != "a.o" {
		t.Fatalf("unexpected result: %+v", got)
	}
}
