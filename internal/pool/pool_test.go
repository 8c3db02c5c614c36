package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPool_ScheduleReturnsResult(t *testing.T) {
	p := New(2)
	defer p.Close()

	val, err := p.Schedule(context.Background(), "user-1", func() (any, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Schedule() returned error: %v", err)
	}
	if val != 42 {
		t.Errorf("expected 42, got %v", val)
	}
}

func TestPool_ScheduleWrapsTaskError(t *testing.T) {
	p := New(2)
	defer p.Close()

	wantErr := errors.New("boom")
	_, err := p.Schedule(context.Background(), "user-1", func() (any, error) {
		return nil, wantErr
	})

	var bf *BridgeFailure
	if !errors.As(err, &bf) {
		t.Fatalf("expected *BridgeFailure, got %v (%T)", err, err)
	}
	if !errors.Is(bf, wantErr) {
		t.Errorf("expected wrapped error to be wantErr, got %v", bf.Unwrap())
	}
}

func TestPool_ScheduleAfterCloseFailsFast(t *testing.T) {
	p := New(1)
	p.Close()

	_, err := p.Schedule(context.Background(), "user-1", func() (any, error) {
		return nil, nil
	})
	if !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestPool_ScheduleHonorsContextCancellation(t *testing.T) {
	p := New(1)
	defer p.Close()

	// Occupy the single worker so the next Schedule call has to wait in the queue.
	blocker := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = p.Schedule(context.Background(), "user-1", func() (any, error) {
			close(started)
			<-blocker
			return nil, nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.Schedule(ctx, "user-2", func() (any, error) {
		return nil, nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded, got %v", err)
	}
	close(blocker)
}

// TestPool_SerializesTasksPerUser verifies that two tasks for the same user
// id never run concurrently, even when submitted from different goroutines
// racing each other — the per-user-ordering guarantee the scheduler bridge
// contract requires.
func TestPool_SerializesTasksPerUser(t *testing.T) {
	p := New(4)
	defer p.Close()

	var running int32
	var overlapped bool
	var mu sync.Mutex

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = p.Schedule(context.Background(), "same-user", func() (any, error) {
				if atomic.AddInt32(&running, 1) > 1 {
					mu.Lock()
					overlapped = true
					mu.Unlock()
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil, nil
			})
		}()
	}
	wg.Wait()

	if overlapped {
		t.Error("expected tasks for the same user id to never run concurrently")
	}
}
