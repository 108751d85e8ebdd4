package resource

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/forgeworks/forge"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	m := New(forge.ResourceSet{MemoryMB: 1024, CPU: 4})
	h, err := m.Acquire(context.Background(), "a", forge.ResourceSet{MemoryMB: 512, CPU: 1})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !m.ThreadHasResources("a") {
		t.Fatalf("expected owner a to hold a resource after Acquire")
	}
	h.Release()
	if m.ThreadHasResources("a") {
		t.Fatalf("expected owner a to hold nothing after Release")
	}
}

func TestInitialRequestAlwaysSucceedsEvenOversized(t *testing.T) {
	m := New(forge.ResourceSet{MemoryMB: 100, CPU: 1})
	h, err := m.Acquire(context.Background(), "a", forge.ResourceSet{MemoryMB: 10000, CPU: 50})
	if err != nil {
		t.Fatalf("expected the first request on an idle manager to always succeed, got: %v", err)
	}
	h.Release()
}

func TestCPUSlackAllowsSmallOverallocation(t *testing.T) {
	m := New(forge.ResourceSet{CPU: 10})
	// Hold down to 2 CPU (20% of 10) so it's within slack.
	h1, err := m.Acquire(context.Background(), "a", forge.ResourceSet{CPU: 2})
	if err != nil {
		t.Fatalf("Acquire h1: %v", err)
	}
	// Since current (2) <= available*0.2 (2), the next request is granted
	// on the slack clause even though it would overallocate CPU.
	h2, ok := m.TryAcquire("b", forge.ResourceSet{CPU: 9})
	if !ok {
		t.Fatalf("expected slack clause to admit the second CPU request")
	}
	h1.Release()
	h2.Release()
}

func TestStrictDimensionsNeverOverallocateAfterInitial(t *testing.T) {
	m := New(forge.ResourceSet{MemoryMB: 100})
	h1, err := m.Acquire(context.Background(), "a", forge.ResourceSet{MemoryMB: 80})
	if err != nil {
		t.Fatalf("Acquire h1: %v", err)
	}
	if _, ok := m.TryAcquire("b", forge.ResourceSet{MemoryMB: 30}); ok {
		t.Fatalf("expected strict memory accounting to reject an overallocating request")
	}
	h1.Release()
}

func TestFIFOOrderingIsPreserved(t *testing.T) {
	m := New(forge.ResourceSet{MemoryMB: 100})
	h1, err := m.Acquire(context.Background(), "a", forge.ResourceSet{MemoryMB: 100})
	if err != nil {
		t.Fatalf("Acquire h1: %v", err)
	}

	var mu sync.Mutex
	var order []string
	done := make(chan struct{}, 2)

	wait := func(owner Owner, name string) {
		h, err := m.Acquire(context.Background(), owner, forge.ResourceSet{MemoryMB: 100})
		if err != nil {
			t.Errorf("Acquire(%s): %v", name, err)
			done <- struct{}{}
			return
		}
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
		h.Release()
		done <- struct{}{}
	}

	go wait("first", "first")
	time.Sleep(20 * time.Millisecond) // ensure enqueue order
	go wait("second", "second")
	time.Sleep(20 * time.Millisecond)

	h1.Release()
	<-done
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("expected FIFO order [first second], got %v", order)
	}
}

func TestCancellationRemovesWaiterAndRescans(t *testing.T) {
	m := New(forge.ResourceSet{MemoryMB: 100})
	h1, err := m.Acquire(context.Background(), "a", forge.ResourceSet{MemoryMB: 100})
	if err != nil {
		t.Fatalf("Acquire h1: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	blocked := make(chan error, 1)
	go func() {
		_, err := m.Acquire(ctx, "b", forge.ResourceSet{MemoryMB: 100})
		blocked <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := <-blocked; err == nil {
		t.Fatalf("expected canceled waiter to return an error")
	}

	// A subsequent waiter must still be able to acquire once h1 releases,
	// proving the canceled waiter was removed rather than left clogging
	// the queue.
	h1.Release()
	h2, err := m.Acquire(context.Background(), "c", forge.ResourceSet{MemoryMB: 100})
	if err != nil {
		t.Fatalf("expected a fresh Acquire to succeed after cancellation cleared the queue, got: %v", err)
	}
	h2.Release()
}

func TestZeroResourceSetNeverBlocks(t *testing.T) {
	m := New(forge.ResourceSet{})
	h, err := m.Acquire(context.Background(), "a", forge.ResourceSet{})
	if err != nil {
		t.Fatalf("Acquire with zero resource set: %v", err)
	}
	h.Release()
}
