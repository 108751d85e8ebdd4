// Package resource implements the process-wide resource manager the
// scheduler acquires memory, CPU, I/O share, and test slots from before
// dispatching an action, grounded on the mutex-plus-channel pool
// style of the execution engine's persistent worker pool.
package resource

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/forgeworks/forge"
	"github.com/forgeworks/forge/engineerr"
)

// cpuSlack is the fraction of total CPU below which a request is admitted
// even if it would nominally overallocate, so a host's last fractional core
// is never stranded.
const cpuSlack = 0.2

// Owner is a caller-supplied token identifying the logical "thread" making a
// request, used only by ThreadHasResources's reentrancy guard. The engine
// has no OS threads to key on, so the scheduler assigns one token per
// concurrent execution slot and passes the same token on every Acquire made
// from within that slot.
type Owner string

// Manager is the single process-wide resource accounting authority.
type Manager struct {
	mu      sync.Mutex
	total   forge.ResourceSet
	current forge.ResourceSet
	held    map[Owner]int // count of outstanding handles per owner, for the reentrancy guard
	waiters []*waiter
}

type waiter struct {
	owner   Owner
	request forge.ResourceSet
	ready   chan struct{}
	ok      bool
}

// New returns a Manager with the given totals.
func New(total forge.ResourceSet) *Manager {
	return &Manager{total: total, held: map[Owner]int{}}
}

// Handle represents a granted resource allocation; it must be released
// exactly once.
type Handle struct {
	mgr   *Manager
	owner Owner
	set   forge.ResourceSet
	once  sync.Once
}

// Acquire blocks until set can be granted to owner, honoring the FIFO wait
// queue and the per-dimension policy. It returns
// engineerr.Interrupt if ctx is canceled while queued.
func (m *Manager) Acquire(ctx context.Context, owner Owner, set forge.ResourceSet) (*Handle, error) {
	m.mu.Lock()
	if set.IsZero() {
		m.held[owner]++
		m.mu.Unlock()
		return &Handle{mgr: m, owner: owner, set: set}, nil
	}

	if len(m.waiters) == 0 && m.canGrant(set) {
		m.admit(set)
		m.held[owner]++
		m.mu.Unlock()
		return &Handle{mgr: m, owner: owner, set: set}, nil
	}

	w := &waiter{owner: owner, request: set, ready: make(chan struct{})}
	m.waiters = append(m.waiters, w)
	m.mu.Unlock()

	select {
	case <-w.ready:
		if !w.ok {
			return nil, engineerr.Interrupt
		}
		m.mu.Lock()
		m.held[owner]++
		m.mu.Unlock()
		return &Handle{mgr: m, owner: owner, set: set}, nil
	case <-ctx.Done():
		m.mu.Lock()
		m.removeWaiter(w)
		m.rescan()
		m.mu.Unlock()
		return nil, engineerr.Interrupt
	}
}

// TryAcquire attempts a non-blocking grant, returning (nil, false) if set
// cannot currently be satisfied. It never enters the FIFO queue, so a
// caller that calls TryAcquire ahead of other queued waiters can jump the
// line; callers that must respect FIFO ordering should use Acquire instead.
func (m *Manager) TryAcquire(owner Owner, set forge.ResourceSet) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set.IsZero() {
		m.held[owner]++
		return &Handle{mgr: m, owner: owner, set: set}, true
	}
	if len(m.waiters) != 0 || !m.canGrant(set) {
		return nil, false
	}
	m.admit(set)
	m.held[owner]++
	return &Handle{mgr: m, owner: owner, set: set}, true
}

// ThreadHasResources reports whether owner currently holds any outstanding
// handle, the reentrancy guard callers use to avoid a logical worker
// blocking on a resource it must first release to make progress.
func (m *Manager) ThreadHasResources(owner Owner) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held[owner] > 0
}

// Release returns h's allocation to the pool and wakes any waiters it now
// unblocks.
func (h *Handle) Release() {
	h.once.Do(func() {
		m := h.mgr
		m.mu.Lock()
		m.current = forge.ResourceSet{
			MemoryMB:  m.current.MemoryMB - h.set.MemoryMB,
			CPU:       m.current.CPU - h.set.CPU,
			IOShare:   m.current.IOShare - h.set.IOShare,
			TestSlots: m.current.TestSlots - h.set.TestSlots,
		}
		if m.held[h.owner] > 0 {
			m.held[h.owner]--
		}
		m.rescan()
		m.mu.Unlock()
	})
}

// canGrant reports whether request can be admitted given m.current and
// m.total, under the caller's lock. A dimension whose total is zero is
// not limited.
func (m *Manager) canGrant(request forge.ResourceSet) bool {
	strict := func(current, total, req float64) bool {
		return total == 0 || current == 0 || current+req <= total
	}
	cpuOK := m.total.CPU == 0 || m.current.CPU == 0 ||
		m.current.CPU <= m.total.CPU*cpuSlack ||
		m.current.CPU+request.CPU <= m.total.CPU
	return cpuOK &&
		strict(m.current.MemoryMB, m.total.MemoryMB, request.MemoryMB) &&
		strict(m.current.IOShare, m.total.IOShare, request.IOShare) &&
		strict(m.current.TestSlots, m.total.TestSlots, request.TestSlots)
}

func (m *Manager) admit(set forge.ResourceSet) {
	m.current = m.current.Add(set)
}

func (m *Manager) removeWaiter(target *waiter) {
	for i, w := range m.waiters {
		if w == target {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return
		}
	}
}

// rescan walks the FIFO queue from the front, admitting every waiter it can
// satisfy in order and stopping at the first it cannot; skipping ahead
// would break the first-come-first-served contract.
func (m *Manager) rescan() {
	for len(m.waiters) > 0 {
		w := m.waiters[0]
		if !m.canGrant(w.request) {
			break
		}
		m.admit(w.request)
		w.ok = true
		m.waiters = m.waiters[1:]
		close(w.ready)
	}
}

var errClosed = errors.New("resource manager closed")

// Close cancels every queued waiter; used by engine shutdown so no
// goroutine is left blocked forever on a manager nobody will release into
// again. Logged at debug level since it only fires on an already-aborting
// build.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.waiters {
		w.ok = false
		close(w.ready)
	}
	m.waiters = nil
	slog.Debug("resource manager closed", "error", errClosed)
}
