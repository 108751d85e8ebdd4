package worker

import (
	"context"
	"os/exec"
	"testing"
	"time"
)

// fakeSpawner launches `cat` as the worker process: it echoes every
// length-prefixed request frame back verbatim, so tests can exercise the
// real framed protocol without depending on an external worker binary.
func fakeSpawner(t *testing.T) Spawner {
	t.Helper()
	return func(ctx context.Context, key Key) (*exec.Cmd, error) {
		// `cat` doesn't understand WorkRequest/WorkResponse; an echoed
		// request decodes as a response carrying the same work_id, exit
		// code 0 and empty output. That is enough for the pool lifecycle
		// tests and for TestPoolWorkRunsOneRequest's trip through
		// Worker.Do; frame encoding itself is covered by TestFrameRoundTrip
		// in protocol_test.go against an in-memory pipe.
		return exec.CommandContext(ctx, "cat"), nil
	}
}

func TestBorrowCreatesWorkerWhenPoolEmpty(t *testing.T) {
	p := NewPool(fakeSpawner(t), "", func(Key) Limits { return Limits{MaxIdle: 2} })
	key := Key{Mnemonic: "Echo"}

	w, err := p.Borrow(context.Background(), key)
	if err != nil {
		t.Fatalf("Borrow: %v", err)
	}
	if !w.Alive() {
		t.Fatalf("expected newly spawned worker to be alive")
	}
	p.Return(context.Background(), w)
}

func TestBorrowReusesReturnedWorkerLIFO(t *testing.T) {
	p := NewPool(fakeSpawner(t), "", func(Key) Limits { return Limits{MaxIdle: 4} })
	key := Key{Mnemonic: "Echo"}

	w1, err := p.Borrow(context.Background(), key)
	if err != nil {
		t.Fatalf("Borrow w1: %v", err)
	}
	p.Return(context.Background(), w1)

	w2, err := p.Borrow(context.Background(), key)
	if err != nil {
		t.Fatalf("Borrow w2: %v", err)
	}
	if w2.Name != w1.Name {
		t.Fatalf("expected the returned worker to be reused, got a different one: %s vs %s", w1.Name, w2.Name)
	}
	p.Return(context.Background(), w2)
}

func TestDifferentKeysGetDifferentSubPools(t *testing.T) {
	p := NewPool(fakeSpawner(t), "", func(Key) Limits { return Limits{MaxIdle: 4} })

	wA, err := p.Borrow(context.Background(), Key{Mnemonic: "CC"})
	if err != nil {
		t.Fatalf("Borrow CC: %v", err)
	}
	wB, err := p.Borrow(context.Background(), Key{Mnemonic: "Link"})
	if err != nil {
		t.Fatalf("Borrow Link: %v", err)
	}
	if wA.Name == wB.Name {
		t.Fatalf("expected distinct sub-pools to yield distinct workers")
	}
	p.Return(context.Background(), wA)
	p.Return(context.Background(), wB)
}

func TestBorrowBlocksWhenExhaustedThenUnblocksOnReturn(t *testing.T) {
	p := NewPool(fakeSpawner(t), "", func(Key) Limits { return Limits{MaxIdle: 1, MaxTotal: 1} })
	key := Key{Mnemonic: "Echo"}

	w1, err := p.Borrow(context.Background(), key)
	if err != nil {
		t.Fatalf("Borrow w1: %v", err)
	}

	got := make(chan *Worker, 1)
	go func() {
		w, err := p.Borrow(context.Background(), key)
		if err != nil {
			t.Errorf("blocked Borrow: %v", err)
			return
		}
		got <- w
	}()

	select {
	case <-got:
		t.Fatalf("expected second Borrow to block while the only worker is outstanding")
	case <-time.After(50 * time.Millisecond):
	}

	p.Return(context.Background(), w1)

	select {
	case w2 := <-got:
		if w2.Name != w1.Name {
			t.Fatalf("expected the blocked Borrow to receive the returned worker directly")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("blocked Borrow never unblocked after Return")
	}
}

func TestAliveDetectsSilentExit(t *testing.T) {
	spawner := func(ctx context.Context, key Key) (*exec.Cmd, error) {
		return exec.CommandContext(ctx, "true"), nil
	}
	w, err := spawn(context.Background(), Key{Mnemonic: "Quick"}, spawner, "", "quick-exit")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer w.Stop(context.Background())

	// The child exits immediately; the reaper must flip Alive to false
	// without anyone writing a request frame first.
	deadline := time.Now().Add(2 * time.Second)
	for w.Alive() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if w.Alive() {
		t.Fatalf("expected Alive to report a silently exited worker as dead")
	}
}

func TestPoolWorkRunsOneRequest(t *testing.T) {
	// cat echoes the request frame back verbatim; WorkResponse decodes the
	// shared work_id field from it, so the round trip satisfies Do's
	// id-matching check without a real protocol-speaking worker.
	p := NewPool(fakeSpawner(t), "", func(Key) Limits { return Limits{MaxIdle: 2} })
	key := Key{Mnemonic: "Echo"}

	resp, err := p.Work(context.Background(), key, WorkRequest{WorkID: "w-42", Argv: []string{"echo"}})
	if err != nil {
		t.Fatalf("Work: %v", err)
	}
	if resp.WorkID != "w-42" {
		t.Fatalf("WorkID = %q, want the request id echoed back", resp.WorkID)
	}

	s := p.Stats()
	if s.Keys != 1 || s.Total != 1 || s.Idle != 1 {
		t.Fatalf("Stats = %+v, want the worker idle in its sub-pool after Work", s)
	}
	p.Shutdown(context.Background())
}

func TestShutdownReapsOutstandingWorkerOnReturn(t *testing.T) {
	p := NewPool(fakeSpawner(t), "", func(Key) Limits { return Limits{MaxIdle: 4} })
	key := Key{Mnemonic: "Echo"}

	w, err := p.Borrow(context.Background(), key)
	if err != nil {
		t.Fatalf("Borrow: %v", err)
	}
	p.Shutdown(context.Background())
	p.Return(context.Background(), w)

	if w.Alive() {
		t.Fatalf("expected a worker returned after Shutdown to be stopped, not re-idled")
	}
	if _, err := p.Borrow(context.Background(), key); err == nil {
		t.Fatalf("expected Borrow on a shut-down pool to fail")
	}
}

func TestShutdownStopsIdleWorkers(t *testing.T) {
	p := NewPool(fakeSpawner(t), "", func(Key) Limits { return Limits{MaxIdle: 4} })
	key := Key{Mnemonic: "Echo"}

	w, err := p.Borrow(context.Background(), key)
	if err != nil {
		t.Fatalf("Borrow: %v", err)
	}
	p.Return(context.Background(), w)
	p.Shutdown(context.Background())

	if w.Alive() {
		t.Fatalf("expected worker to be stopped after Shutdown")
	}
}
