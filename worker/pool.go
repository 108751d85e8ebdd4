package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/forgeworks/forge/engineerr"
)

// Limits bounds one key's sub-pool. MaxTotal of 0 means unbounded; a
// positive MaxTotal makes Borrow block once that many workers for this key
// are outstanding, which is only useful
// when a caller wants to cap one especially heavy worker kind below what
// the resource manager alone would allow.
type Limits struct {
	MaxIdle  int
	MinIdle  int
	MaxTotal int
}

// Pool is the keyed multi-instance persistent worker pool.
type Pool struct {
	spawner Spawner
	logDir  string
	limits  func(key Key) Limits

	mu     sync.Mutex
	subs   map[string]*subPool
	closed bool
}

func NewPool(spawner Spawner, logDir string, limits func(key Key) Limits) *Pool {
	return &Pool{spawner: spawner, logDir: logDir, limits: limits, subs: map[string]*subPool{}}
}

type subPool struct {
	key    Key
	limits Limits

	mu      sync.Mutex
	idle    []*Worker // LIFO: Borrow pops from the back, Return appends to the back
	total   int
	waiters []chan *Worker
}

func (p *Pool) subPoolFor(key Key) *subPool {
	p.mu.Lock()
	defer p.mu.Unlock()
	fp := key.Fingerprint()
	sp, ok := p.subs[fp]
	if !ok {
		sp = &subPool{key: key, limits: p.limits(key)}
		p.subs[fp] = sp
	}
	return sp
}

// Borrow returns a live worker for key, creating one if the sub-pool has
// room, or blocking (respecting ctx) until one is returned otherwise.
func (p *Pool) Borrow(ctx context.Context, key Key) (*Worker, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, engineerr.Wrap(engineerr.Environment, fmt.Errorf("worker: pool is shut down"))
	}
	p.mu.Unlock()
	sp := p.subPoolFor(key)

	for {
		sp.mu.Lock()
		for len(sp.idle) > 0 {
			w := sp.idle[len(sp.idle)-1]
			sp.idle = sp.idle[:len(sp.idle)-1]
			sp.mu.Unlock()
			if w.Alive() { // test-on-borrow
				return w, nil
			}
			sp.mu.Lock()
			sp.total--
		}

		if sp.limits.MaxTotal > 0 && sp.total >= sp.limits.MaxTotal {
			waitCh := make(chan *Worker, 1)
			sp.waiters = append(sp.waiters, waitCh)
			sp.mu.Unlock()
			select {
			case w := <-waitCh:
				return w, nil
			case <-ctx.Done():
				return nil, engineerr.Interrupt
			}
		}

		sp.mu.Unlock()
		w, err := spawn(ctx, key, p.spawner, p.logDir, friendlyName())
		if err != nil {
			return nil, engineerr.Wrap(engineerr.Environment, fmt.Errorf("worker: create for %s: %w", key.Mnemonic, err))
		}
		if !w.Alive() { // test-on-create
			w.Stop(ctx)
			return nil, engineerr.Wrap(engineerr.Environment, fmt.Errorf("worker: newly created %s worker for %s died immediately", w.Name, key.Mnemonic))
		}
		sp.mu.Lock()
		sp.total++
		sp.mu.Unlock()
		return w, nil
	}
}

// Return gives w back to its sub-pool if it passes a liveness check
// (test-on-return); otherwise it is stopped and discarded. A waiting
// Borrow, if any, is handed the worker directly.
func (p *Pool) Return(ctx context.Context, w *Worker) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()

	sp := p.subPoolFor(w.Key)
	sp.mu.Lock()

	if closed {
		// A worker returned after Shutdown has no pool to idle in; reap it
		// so pool.Shutdown leaves no previously-borrowed process behind.
		sp.total--
		sp.mu.Unlock()
		w.Stop(ctx)
		return
	}

	if !w.Alive() {
		sp.total--
		sp.mu.Unlock()
		w.Stop(ctx)
		return
	}

	if len(sp.waiters) > 0 {
		waiter := sp.waiters[0]
		sp.waiters = sp.waiters[1:]
		sp.mu.Unlock()
		waiter <- w
		return
	}

	if sp.limits.MaxIdle > 0 && len(sp.idle) >= sp.limits.MaxIdle {
		sp.total--
		sp.mu.Unlock()
		w.Stop(ctx)
		return
	}

	sp.idle = append(sp.idle, w)
	sp.mu.Unlock()
}

// Work borrows a worker fungible with key, runs one request on it, and
// returns it to the pool. Return discards the worker if the request
// revealed it dead; the pool launches a replacement on the next borrow.
func (p *Pool) Work(ctx context.Context, key Key, req WorkRequest) (WorkResponse, error) {
	w, err := p.Borrow(ctx, key)
	if err != nil {
		return WorkResponse{}, err
	}
	resp, err := w.Do(ctx, req)
	p.Return(ctx, w)
	return resp, err
}

// Stats is a point-in-time occupancy snapshot across every key.
type Stats struct {
	Keys  int
	Idle  int
	Total int
}

// Stats reports how many worker keys have sub-pools and how many workers
// are idle and live overall.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	subs := make([]*subPool, 0, len(p.subs))
	for _, sp := range p.subs {
		subs = append(subs, sp)
	}
	p.mu.Unlock()

	s := Stats{Keys: len(subs)}
	for _, sp := range subs {
		sp.mu.Lock()
		s.Idle += len(sp.idle)
		s.Total += sp.total
		sp.mu.Unlock()
	}
	return s
}

// Shutdown stops every idle worker across every key and marks the pool
// closed: later Borrows fail, and workers still outstanding are stopped as
// they come back through Return.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	p.closed = true
	subs := make([]*subPool, 0, len(p.subs))
	for _, sp := range p.subs {
		subs = append(subs, sp)
	}
	p.mu.Unlock()

	for _, sp := range subs {
		sp.mu.Lock()
		idle := sp.idle
		sp.idle = nil
		sp.mu.Unlock()
		for _, w := range idle {
			w.Stop(ctx)
		}
	}
}
