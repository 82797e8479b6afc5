package jobqueue

import (
	"context"
	"testing"
	"time"
)

func TestManagerEnqueueAndIdleSweep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewManager(ctx, 20*time.Millisecond)
	defer m.Destroy()

	done := m.Enqueue("j1", &Task{Timestamp: 1, Run: func(context.Context) error { return nil }})
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected task error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}

	m.mu.Lock()
	_, exists := m.queues["j1"]
	m.mu.Unlock()
	if !exists {
		t.Fatal("queue should exist immediately after enqueue")
	}

	time.Sleep(100 * time.Millisecond)
	m.mu.Lock()
	_, stillExists := m.queues["j1"]
	m.mu.Unlock()
	if stillExists {
		t.Fatal("idle queue should have been swept")
	}
}
