package concurrency

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestPool_SubmitTask_RunsWork(t *testing.T) {
	p := NewPool(PoolConfig{MaxWorkers: 2, QueueSize: 4}, nil)
	p.Start()
	defer p.Stop()

	done := make(chan struct{})
	err := p.SubmitTask(Task{ID: "t1", Execute: func(ctx context.Context) error {
		close(done)
		return nil
	}})
	if err != nil {
		t.Fatalf("SubmitTask() error: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not run in time")
	}
}

func TestPool_SubmitTask_BeforeStartFails(t *testing.T) {
	p := NewPool(PoolConfig{}, nil)
	err := p.SubmitTask(Task{ID: "t1", Execute: func(ctx context.Context) error { return nil }})
	if !errors.Is(err, ErrPoolNotRunning) {
		t.Errorf("expected ErrPoolNotRunning, got %v", err)
	}
}

func TestPool_SubmitTask_QueueFullFailsFast(t *testing.T) {
	p := NewPool(PoolConfig{MaxWorkers: 1, QueueSize: 1}, nil)
	p.Start()
	defer p.Stop()

	block := make(chan struct{})
	// Occupy the single worker so the queue has to absorb backlog.
	if err := p.SubmitTask(Task{ID: "block", Execute: func(ctx context.Context) error {
		<-block
		return nil
	}}); err != nil {
		t.Fatalf("SubmitTask() error: %v", err)
	}

	var lastErr error
	for i := 0; i < 8; i++ {
		lastErr = p.SubmitTask(Task{ID: "filler", Execute: func(ctx context.Context) error { return nil }})
		if errors.Is(lastErr, ErrQueueFull) {
			break
		}
	}
	close(block)
	if !errors.Is(lastErr, ErrQueueFull) {
		t.Errorf("expected the queue to eventually report full, last error: %v", lastErr)
	}
}

func TestPool_Stats_ReflectsCompletedTasks(t *testing.T) {
	p := NewPool(PoolConfig{MaxWorkers: 2, QueueSize: 8}, nil)
	p.Start()
	defer p.Stop()

	var completed int64
	const n = 5
	for i := 0; i < n; i++ {
		if err := p.SubmitTask(Task{ID: "t", Execute: func(ctx context.Context) error {
			atomic.AddInt64(&completed, 1)
			return nil
		}}); err != nil {
			t.Fatalf("SubmitTask() error: %v", err)
		}
	}

	deadline := time.After(time.Second)
	for atomic.LoadInt64(&completed) < n {
		select {
		case <-deadline:
			t.Fatalf("only %d/%d tasks completed", atomic.LoadInt64(&completed), n)
		case <-time.After(time.Millisecond):
		}
	}

	stats := p.Stats()
	if stats.CompletedTasks != n {
		t.Errorf("expected %d completed tasks in stats, got %d", n, stats.CompletedTasks)
	}
}

func TestPool_Stop_IsIdempotent(t *testing.T) {
	p := NewPool(PoolConfig{MaxWorkers: 1}, nil)
	p.Start()
	p.Stop()
	p.Stop() // must not panic or deadlock
}
