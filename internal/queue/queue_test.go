package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/compilerpool/compilerpool/internal/errorsx"
)

func TestAcquireReleaseBasic(t *testing.T) {
	q := New[int]()
	q.Seed(1)

	ctx := context.Background()
	got, err := q.Acquire(ctx, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != 1 {
		t.Fatalf("want 1, got %d", got)
	}
	if q.Len() != 0 {
		t.Fatalf("want empty idle set, got %d", q.Len())
	}

	q.Release(got, true)
	if q.Len() != 1 {
		t.Fatalf("want 1 idle, got %d", q.Len())
	}
}

func TestAcquireConditionWins(t *testing.T) {
	q := New[string]()
	q.Seed("a")
	q.Seed("b")
	q.Seed("c")

	got, err := q.Acquire(context.Background(), func(s string) bool { return s == "b" }, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != "b" {
		t.Fatalf("condition should have won: got %q", got)
	}
}

func TestAcquireWeighterPicksMax(t *testing.T) {
	q := New[int]()
	q.Seed(1)
	q.Seed(5)
	q.Seed(3)

	got, err := q.Acquire(context.Background(), nil, func(n int) float64 { return float64(n) })
	if err != nil {
		t.Fatal(err)
	}
	if got != 5 {
		t.Fatalf("weighter should pick max (5), got %d", got)
	}
}

func TestAcquireBlocksUntilRelease(t *testing.T) {
	q := New[int]()

	resultCh := make(chan int, 1)
	errCh := make(chan error, 1)
	go func() {
		v, err := q.Acquire(context.Background(), nil, nil)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- v
	}()

	// Give the goroutine a chance to block.
	time.Sleep(20 * time.Millisecond)
	if q.Waiters() != 1 {
		t.Fatalf("want 1 waiter, got %d", q.Waiters())
	}

	q.Release(42, true)

	select {
	case v := <-resultCh:
		if v != 42 {
			t.Fatalf("want 42, got %d", v)
		}
	case err := <-errCh:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for acquire to unblock")
	}
}

func TestAcquireCancelDoesNotStrandSlot(t *testing.T) {
	q := New[int]()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := q.Acquire(ctx, nil, nil)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("want context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}

	// A second waiter should still be able to acquire once released.
	resultCh := make(chan int, 1)
	go func() {
		v, err := q.Acquire(context.Background(), nil, nil)
		if err == nil {
			resultCh <- v
		}
	}()
	time.Sleep(20 * time.Millisecond)
	q.Release(7, true)

	select {
	case v := <-resultCh:
		if v != 7 {
			t.Fatalf("want 7, got %d", v)
		}
	case <-time.After(time.Second):
		t.Fatal("second waiter never unblocked")
	}
}

func TestAcquireFailsWhenClosed(t *testing.T) {
	q := New[int]()
	q.Close()

	_, err := q.Acquire(context.Background(), nil, nil)
	if !errors.Is(err, errorsx.ErrPoolClosed) {
		t.Fatalf("want ErrPoolClosed, got %v", err)
	}
}

func TestCloseWakesBlockedWaiters(t *testing.T) {
	q := New[int]()
	done := make(chan error, 1)
	go func() {
		_, err := q.Acquire(context.Background(), nil, nil)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)

	q.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("want an error after close")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for close to wake waiter")
	}
}

// TestReleaseOrderingFrontVsBack exercises the put_in_front distinction:
// ordinary releases go to the front (LIFO re-use), in-transaction
// releases go to the back.
func TestReleaseOrderingFrontVsBack(t *testing.T) {
	q := New[int]()
	q.Seed(1)
	q.Release(2, true) // front
	q.Release(3, false) // back

	snap := q.Snapshot()
	if len(snap) != 3 || snap[0] != 2 || snap[len(snap)-1] != 3 {
		t.Fatalf("unexpected idle order: %v", snap)
	}
}
