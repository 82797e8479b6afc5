package jobqueue

import (
	"context"
	"sync"
	"time"
)

// DefaultIdleSweepInterval is T_idle from spec.md §4.4.
const DefaultIdleSweepInterval = 5 * time.Minute

// Manager owns every per-jobId JobMessageQueue, tracks last activity per
// jobId, and periodically removes queues that have been idle past the
// idleAfter given to NewManager. It is constructed once at startup and
// destroyed once at shutdown — spec.md §9's guidance against ambient
// globals.
type Manager struct {
	idleAfter time.Duration

	mu           sync.Mutex
	queues       map[string]*JobMessageQueue
	lastActivity map[string]time.Time
	cancels      map[string]context.CancelFunc

	stop context.CancelFunc
	wg   sync.WaitGroup
}

// NewManager constructs a Manager and starts its idle sweeper.
func NewManager(ctx context.Context, idleAfter time.Duration) *Manager {
	if idleAfter <= 0 {
		idleAfter = DefaultIdleSweepInterval
	}
	sctx, cancel := context.WithCancel(ctx)
	m := &Manager{
		idleAfter:    idleAfter,
		queues:       make(map[string]*JobMessageQueue),
		lastActivity: make(map[string]time.Time),
		cancels:      make(map[string]context.CancelFunc),
		stop:         cancel,
	}
	m.wg.Add(1)
	go m.sweepLoop(sctx)
	return m
}

// QueueFor returns (creating if necessary) the JobMessageQueue for jobID.
func (m *Manager) QueueFor(jobID string) *JobMessageQueue {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[jobID]; ok {
		m.lastActivity[jobID] = time.Now()
		return q
	}
	qctx, cancel := context.WithCancel(context.Background())
	q := NewJobMessageQueue(qctx, jobID)
	m.queues[jobID] = q
	m.cancels[jobID] = cancel
	m.lastActivity[jobID] = time.Now()
	return q
}

// Enqueue enqueues t against jobID's queue, recording activity.
func (m *Manager) Enqueue(jobID string, t *Task) <-chan error {
	q := m.QueueFor(jobID)
	m.mu.Lock()
	m.lastActivity[jobID] = time.Now()
	m.mu.Unlock()
	return q.Enqueue(t)
}

func (m *Manager) sweepLoop(ctx context.Context) {
	defer m.wg.Done()
	t := time.NewTicker(m.idleAfter)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for jobID, q := range m.queues {
		if !q.Idle() {
			continue
		}
		if now.Sub(m.lastActivity[jobID]) <= m.idleAfter {
			continue
		}
		if cancel, ok := m.cancels[jobID]; ok {
			cancel()
		}
		delete(m.queues, jobID)
		delete(m.lastActivity, jobID)
		delete(m.cancels, jobID)
	}
}

// Destroy stops the sweeper and drops every queue.
func (m *Manager) Destroy() {
	m.stop()
	m.wg.Wait()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cancel := range m.cancels {
		cancel()
	}
	m.queues = map[string]*JobMessageQueue{}
	m.lastActivity = map[string]time.Time{}
	m.cancels = map[string]context.CancelFunc{}
}
