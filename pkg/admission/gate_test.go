package admission

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestAcquireImmediateUnderLimit(t *testing.T) {
	g := New(2)
	ctx := context.Background()
	if err := g.Acquire(ctx); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := g.Acquire(ctx); err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if got := g.Active(); got != 2 {
		t.Fatalf("expected 2 active, got %d", got)
	}
	g.Release()
	g.Release()
	if got := g.Active(); got != 0 {
		t.Fatalf("expected 0 active after release, got %d", got)
	}
}

func TestAcquireQueuesBeyondLimit(t *testing.T) {
	g := New(1)
	ctx := context.Background()
	if err := g.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		if err := g.Acquire(ctx); err != nil {
			t.Errorf("queued acquire: %v", err)
		}
		close(acquired)
	}()

	waitFor(t, func() bool { return g.Queued() == 1 })
	select {
	case <-acquired:
		t.Fatal("queued caller resolved before release")
	case <-time.After(50 * time.Millisecond):
	}

	g.Release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("queued caller not resumed after release")
	}
	if got := g.Active(); got != 1 {
		t.Fatalf("expected 1 active after handoff, got %d", got)
	}
}

func TestReleaseResumesInArrivalOrder(t *testing.T) {
	g := New(1)
	ctx := context.Background()
	if err := g.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	const waiters = 5
	order := make(chan int, waiters)
	for i := 0; i < waiters; i++ {
		i := i
		go func() {
			if err := g.Acquire(ctx); err != nil {
				t.Errorf("waiter %d: %v", i, err)
				return
			}
			order <- i
			g.Release()
		}()
		// Serialize arrival so queue order is deterministic.
		waitFor(t, func() bool { return g.Queued() == i+1 })
	}

	g.Release()
	for want := 0; want < waiters; want++ {
		select {
		case got := <-order:
			if got != want {
				t.Fatalf("expected waiter %d to resume, got %d", want, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("waiter %d never resumed", want)
		}
	}
	if got := g.Active(); got != 0 {
		t.Fatalf("expected idle gate, got active=%d", got)
	}
}

func TestAbandonedWaiterDoesNotLeakSlot(t *testing.T) {
	g := New(1)
	if err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- g.Acquire(ctx) }()
	waitFor(t, func() bool { return g.Queued() == 1 })

	cancel()
	if err := <-errCh; err == nil {
		t.Fatal("expected cancelled acquire to fail")
	}
	if got := g.Queued(); got != 0 {
		t.Fatalf("abandoned waiter still counted: %d", got)
	}

	// The slot must pass over the abandoned waiter to a live one.
	done := make(chan struct{})
	go func() {
		if err := g.Acquire(context.Background()); err != nil {
			t.Errorf("live acquire: %v", err)
		}
		close(done)
	}()
	waitFor(t, func() bool { return g.Queued() == 1 })
	g.Release()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("live waiter never resumed after abandoned one")
	}
	if got := g.Active(); got != 1 {
		t.Fatalf("expected 1 active, got %d", got)
	}
}

func TestActiveNeverExceedsLimitNorGoesNegative(t *testing.T) {
	const limit = 3
	g := New(limit)
	var wg sync.WaitGroup
	stop := make(chan struct{})

	var mu sync.Mutex
	maxSeen := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if err := g.Acquire(context.Background()); err != nil {
					return
				}
				mu.Lock()
				if a := g.Active(); a > maxSeen {
					maxSeen = a
				}
				mu.Unlock()
				g.Release()
			}
		}()
	}
	time.Sleep(100 * time.Millisecond)
	close(stop)
	wg.Wait()

	if maxSeen > limit {
		t.Fatalf("active count %d exceeded limit %d", maxSeen, limit)
	}
	if got := g.Active(); got < 0 {
		t.Fatalf("active count went negative: %d", got)
	}

	// Spurious releases must not drive the counter negative.
	g.Release()
	g.Release()
	if got := g.Active(); got != 0 {
		t.Fatalf("expected 0 active, got %d", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition never met")
}
