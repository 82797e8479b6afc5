// Package mediaworker manages the pool of mediasoup worker subprocesses
// (C1 in spec.md §4.1): spawning, CPU sampling, scoring, sticky room
// assignment and overload failover.
package mediaworker

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/itzmanish/mediasoup-go"

	"github.com/bken/collabhub/internal/config"
)

// ErrNoWorkersAvailable is returned when no worker is live and a
// room/room-refresh operation cannot proceed; overloaded live workers
// are still picked.
var ErrNoWorkersAvailable = errors.New("mediaworker: no workers available")

// RespawnPolicy controls what onWorkerDied does.
type RespawnPolicy int

const (
	RespawnPolicyRespawn RespawnPolicy = iota
	RespawnPolicyExit
)

// record tracks one worker's liveness and load (spec.md §3 WorkerRecord).
type record struct {
	mu           sync.Mutex
	id           int
	handle       *mediasoup.Worker
	pid          int
	online       bool
	routers      int
	transports   int
	cpuPercent   float64
	score        float64
	lastSample   time.Time
	lastCPUTime  time.Duration
}

// Pool owns the N worker subprocesses and the periodic CPU sampler.
type Pool struct {
	cfg    config.WorkerConfig
	policy RespawnPolicy

	mu      sync.RWMutex
	workers []*record

	stopSampler context.CancelFunc
	wg          sync.WaitGroup
}

// New spawns cfg.Count workers (logical CPU count if 0) and starts the
// periodic CPU sampler.
func New(ctx context.Context, cfg config.WorkerConfig, policy RespawnPolicy) (*Pool, error) {
	n := cfg.Count
	if n <= 0 {
		n = defaultWorkerCount()
	}
	p := &Pool{cfg: cfg, policy: policy}
	for i := 0; i < n; i++ {
		rec, err := p.spawn(i)
		if err != nil {
			return nil, err
		}
		p.workers = append(p.workers, rec)
	}

	sctx, cancel := context.WithCancel(ctx)
	p.stopSampler = cancel
	p.wg.Add(1)
	go p.sampleLoop(sctx)
	return p, nil
}

func (p *Pool) spawn(slot int) (*record, error) {
	w, err := mediasoup.NewWorker(
		mediasoup.WithLogLevel(mediasoup.WorkerLogLevel(p.cfg.LogLevel)),
		mediasoup.WithRtcMinPort(p.cfg.RTCMinPort),
		mediasoup.WithRtcMaxPort(p.cfg.RTCMaxPort),
	)
	if err != nil {
		return nil, err
	}
	rec := &record{id: slot, handle: w, pid: w.Pid(), online: true, lastSample: time.Now()}
	w.On("died", func(_ error) {
		p.onWorkerDied(rec)
	})
	slog.Info("media worker spawned", "slot", slot, "pid", rec.pid)
	return rec, nil
}

func (p *Pool) onWorkerDied(rec *record) {
	rec.mu.Lock()
	rec.online = false
	rec.mu.Unlock()
	slog.Error("media worker died", "slot", rec.id, "pid", rec.pid)

	if p.policy == RespawnPolicyExit {
		slog.Error("media worker died, exit policy active; terminating process")
		panic("mediaworker: worker died, respawn disabled")
	}

	time.Sleep(200 * time.Millisecond)
	replacement, err := p.spawn(rec.id)
	if err != nil {
		slog.Error("media worker respawn failed", "slot", rec.id, "err", err)
		return
	}
	p.mu.Lock()
	for i, w := range p.workers {
		if w == rec {
			p.workers[i] = replacement
			break
		}
	}
	p.mu.Unlock()
	p.sampleOne(replacement)
}

func (p *Pool) sampleLoop(ctx context.Context) {
	defer p.wg.Done()
	t := time.NewTicker(p.cfg.SampleInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.mu.RLock()
			workers := append([]*record(nil), p.workers...)
			p.mu.RUnlock()
			for _, w := range workers {
				p.sampleOne(w)
			}
		}
	}
}

func (p *Pool) sampleOne(w *record) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.online {
		w.score = math.Inf(1)
		return
	}
	usage, err := w.handle.GetResourceUsage()
	if err != nil {
		slog.Warn("media worker resource sample failed", "slot", w.id, "err", err)
		w.score = math.Inf(1)
		return
	}
	now := time.Now()
	cpu := time.Duration(usage.RU_Utime+usage.RU_Stime) * time.Millisecond
	wall := now.Sub(w.lastSample)
	if wall > 0 && !w.lastSample.IsZero() {
		deltaCPU := cpu - w.lastCPUTime
		if deltaCPU < 0 {
			deltaCPU = 0
		}
		w.cpuPercent = 100 * float64(deltaCPU) / float64(wall)
	}
	w.lastCPUTime = cpu
	w.lastSample = now
	w.score = p.cfg.WeightCPU*w.cpuPercent + p.cfg.WeightRouters*float64(w.routers) + p.cfg.WeightTransports*float64(w.transports)
}

func (w *record) overloaded(threshold float64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.online || w.score >= threshold
}

// PickForRoom implements the sticky-hash-with-failover selection of
// spec.md §4.1: FNV-1a(roomId) mod live-worker-count, falling back to
// the least-loaded live worker when the chosen one is overloaded.
func (p *Pool) PickForRoom(roomID string) (Handle, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	live := p.liveLocked()
	if len(live) == 0 {
		return nil, ErrNoWorkersAvailable
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(roomID))
	idx := int(h.Sum32()) % len(live)
	if idx < 0 {
		idx += len(live)
	}
	chosen := live[idx]
	if chosen.overloaded(p.cfg.OverloadScore) {
		return p.pickLeastLoadedLocked(live)
	}
	return chosen, nil
}

// PickLeastLoaded returns the live worker with the minimum score.
func (p *Pool) PickLeastLoaded() (Handle, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	live := p.liveLocked()
	if len(live) == 0 {
		return nil, ErrNoWorkersAvailable
	}
	return p.pickLeastLoadedLocked(live)
}

func (p *Pool) liveLocked() []*record {
	var out []*record
	for _, w := range p.workers {
		w.mu.Lock()
		online := w.online
		w.mu.Unlock()
		if online {
			out = append(out, w)
		}
	}
	return out
}

func (p *Pool) pickLeastLoadedLocked(live []*record) (Handle, error) {
	if len(live) == 0 {
		return nil, ErrNoWorkersAvailable
	}
	best := live[0]
	bestScore := best.loadScore()
	for _, w := range live[1:] {
		s := w.loadScore()
		if s < bestScore {
			best, bestScore = w, s
		}
	}
	return best, nil
}

func (w *record) loadScore() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.score
}

// IncRouters adjusts the router counter for the worker identified by pid,
// clamped at 0.
func (p *Pool) IncRouters(pid int, delta int) {
	p.adjust(pid, delta, true)
}

// IncTransports adjusts the transport counter for the worker identified
// by pid, clamped at 0.
func (p *Pool) IncTransports(pid int, delta int) {
	p.adjust(pid, delta, false)
}

func (p *Pool) adjust(pid, delta int, routers bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, w := range p.workers {
		w.mu.Lock()
		if w.pid == pid {
			if routers {
				w.routers = clamp0(w.routers + delta)
			} else {
				w.transports = clamp0(w.transports + delta)
			}
			w.mu.Unlock()
			return
		}
		w.mu.Unlock()
	}
}

func clamp0(v int) int {
	if v < 0 {
		return 0
	}
	return v
}

// Close stops the sampler and tears down every worker.
func (p *Pool) Close() {
	if p.stopSampler != nil {
		p.stopSampler()
	}
	p.wg.Wait()
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, w := range p.workers {
		w.handle.Close()
	}
}

// Handle is the narrow capability a Room needs from a selected worker:
// enough to create a router and to report its pid for counter updates.
type Handle interface {
	Pid() int
	Router() *mediasoup.Worker
}

func (w *record) Pid() int                  { return w.pid }
func (w *record) Router() *mediasoup.Worker { return w.handle }
