// Package admission bounds how many chat sessions may be in flight at
// once. Callers acquire a slot before doing any model work and release it
// when the session reaches a terminal state; waiters are resumed strictly
// in arrival order.
package admission

import (
	"context"
	"sync"
)

type waiter struct {
	ready     chan struct{}
	granted   bool
	abandoned bool
}

type Gate struct {
	mu     sync.Mutex
	max    int
	active int
	queue  []*waiter
}

func New(maxConcurrent int) *Gate {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Gate{max: maxConcurrent}
}

// Acquire blocks until a slot is free or ctx is cancelled. A waiter that
// gives up is marked abandoned under the gate lock so Release skips it;
// the slot is never granted to a caller that already left.
func (g *Gate) Acquire(ctx context.Context) error {
	g.mu.Lock()
	if g.active < g.max {
		g.active++
		g.mu.Unlock()
		return nil
	}
	w := &waiter{ready: make(chan struct{})}
	g.queue = append(g.queue, w)
	g.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		if w.granted {
			// Release resumed us concurrently with cancellation; the
			// slot is ours, so hand it straight to the next waiter.
			g.mu.Unlock()
			g.Release()
			return ctx.Err()
		}
		w.abandoned = true
		g.mu.Unlock()
		return ctx.Err()
	}
}

// Release frees the caller's slot and resumes the oldest live waiter.
func (g *Gate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active > 0 {
		g.active--
	}
	for len(g.queue) > 0 {
		w := g.queue[0]
		g.queue = g.queue[1:]
		if w.abandoned {
			continue
		}
		w.granted = true
		g.active++
		close(w.ready)
		return
	}
}

func (g *Gate) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

func (g *Gate) Queued() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, w := range g.queue {
		if !w.abandoned {
			n++
		}
	}
	return n
}
