// Package jobqueue implements the Message Job Queue of spec.md §4.4
// (C4): a process-local, per-jobId FIFO ordered by timestamp with a
// single in-flight task per jobId, plus the durable, idempotent
// ingestion path described in spec.md §6.
package jobqueue

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// Task is the unit of work enqueued against one jobId.
type Task struct {
	Timestamp int64
	Run       func(ctx context.Context) error
	done      chan error
}

// JobMessageQueue is a FIFO for one jobId with no capacity limit: entries are kept
// sorted by ascending timestamp, and a single runner goroutine executes
// one task at a time.
type JobMessageQueue struct {
	jobID string

	mu                   sync.Mutex
	pending              []*Task
	processing           bool
	lastProcessedTS      int64
	wake                 chan struct{}
}

// NewJobMessageQueue creates an empty queue for jobID and starts its
// runner loop, bound to ctx's lifetime.
func NewJobMessageQueue(ctx context.Context, jobID string) *JobMessageQueue {
	q := &JobMessageQueue{jobID: jobID, wake: make(chan struct{}, 1)}
	go q.runLoop(ctx)
	return q
}

// Enqueue inserts task, re-sorting the pending list by ascending
// timestamp (stable: equal timestamps keep arrival order), and returns
// a channel that receives the task's result once it runs.
func (q *JobMessageQueue) Enqueue(t *Task) <-chan error {
	t.done = make(chan error, 1)
	q.mu.Lock()
	q.pending = append(q.pending, t)
	sort.SliceStable(q.pending, func(i, j int) bool {
		return q.pending[i].Timestamp < q.pending[j].Timestamp
	})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return t.done
}

func (q *JobMessageQueue) runLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		}
		for {
			t := q.dequeue()
			if t == nil {
				break
			}
			q.execute(ctx, t)
		}
	}
}

func (q *JobMessageQueue) dequeue() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.processing || len(q.pending) == 0 {
		return nil
	}
	t := q.pending[0]
	q.pending = q.pending[1:]
	q.processing = true
	return t
}

func (q *JobMessageQueue) execute(ctx context.Context, t *Task) {
	q.mu.Lock()
	last := q.lastProcessedTS
	q.mu.Unlock()

	if t.Timestamp < last {
		slog.Warn("jobqueue: late-arriving message executed out of order",
			"jobId", q.jobID, "timestamp", t.Timestamp, "lastProcessed", last)
	}

	err := t.Run(ctx)

	q.mu.Lock()
	if t.Timestamp > q.lastProcessedTS {
		q.lastProcessedTS = t.Timestamp
	}
	q.processing = false
	q.mu.Unlock()

	t.done <- err
	close(t.done)
}

// PendingCount returns the number of tasks waiting to run.
func (q *JobMessageQueue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// IsProcessing reports whether a task is currently executing.
func (q *JobMessageQueue) IsProcessing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processing
}

// LastProcessedTimestamp returns the monotonic non-decreasing watermark.
func (q *JobMessageQueue) LastProcessedTimestamp() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastProcessedTS
}

// Idle reports whether the queue has nothing pending or running, for
// use by the manager's sweep (which tracks how long it has been idle).
func (q *JobMessageQueue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) == 0 && !q.processing
}
