// Package activespeaker implements the Active-Speaker Engine (C8) and
// the Dominant-Speaker Handler (C9) of spec.md §4.8–§4.9: per-peer
// audio/video reconciliation against the room's ranked active-speaker
// list, and reaction to router-emitted dominant-speaker events.
package activespeaker

import (
	"log/slog"
	"sync"

	"github.com/bken/collabhub/internal/protocol"
	"github.com/bken/collabhub/internal/room"
)

// Engine reconciles subscriptions for one room at a time. Callers are
// expected to serialize calls for the same room under the distributed
// lock keyed by room id (spec.md §4.8 invariant); the Engine itself
// does not lock across rooms.
type Engine struct {
	maxActiveSpeakers int
}

// New builds an Engine with the configured cap on active speakers.
func New(maxActiveSpeakers int) *Engine {
	if maxActiveSpeakers <= 0 {
		maxActiveSpeakers = 10
	}
	return &Engine{maxActiveSpeakers: maxActiveSpeakers}
}

// Plan is the per-peer audio/video reconciliation outcome.
type Plan struct {
	SocketID           string
	NeedsNewTransportPIDs []string
}

// Reconcile runs the audio/video plan for every peer in r, in parallel,
// and returns the subset whose list of pids needing a new transport is
// non-empty (spec.md §4.8 step 3).
func (e *Engine) Reconcile(r *room.Room) []Plan {
	all := r.ActiveSpeakers()
	active := all
	muted := []string{}
	if len(all) > e.maxActiveSpeakers {
		active = all[:e.maxActiveSpeakers]
		muted = all[e.maxActiveSpeakers:]
	}

	peers := r.Peers()
	plans := make([]Plan, len(peers))
	var wg sync.WaitGroup
	wg.Add(len(peers))
	for i, p := range peers {
		i, p := i, p
		go func() {
			defer wg.Done()
			plans[i] = e.reconcilePeer(p, active, muted)
		}()
	}
	wg.Wait()

	var needing []Plan
	for _, pl := range plans {
		if len(pl.NeedsNewTransportPIDs) > 0 {
			needing = append(needing, pl)
		}
	}
	return needing
}

func (e *Engine) reconcilePeer(p *room.Peer, active, muted []string) Plan {
	plan := Plan{SocketID: p.SocketID}

	for _, pid := range muted {
		if owned, kind, ok := ownedOpenProducer(p, pid); ok {
			if err := owned.Pause(); err != nil {
				slog.Warn("activespeaker: pause owned producer failed", "pid", pid, "kind", kind, "err", err)
			}
			continue
		}
		if d, ok := p.DownstreamByAudioPID(pid); ok {
			if c, ok2 := d.Consumer(protocol.KindAudio); ok2 && !c.Closed() {
				if err := c.Pause(); err != nil {
					slog.Warn("activespeaker: pause downstream consumer failed", "pid", pid, "err", err)
				}
			}
		}
	}

	for _, pid := range active {
		if owned, _, ok := ownedOpenProducer(p, pid); ok {
			if err := owned.Resume(); err != nil {
				slog.Warn("activespeaker: resume owned producer failed", "pid", pid, "err", err)
			}
			continue
		}
		if d, ok := p.DownstreamByAudioPID(pid); ok {
			if c, ok2 := d.Consumer(protocol.KindAudio); ok2 && !c.Closed() {
				if err := c.Resume(); err != nil {
					slog.Warn("activespeaker: resume downstream consumer failed", "pid", pid, "err", err)
				}
				continue
			}
		}
		plan.NeedsNewTransportPIDs = append(plan.NeedsNewTransportPIDs, pid)
	}

	e.resumeVideoForActive(p, active)

	return plan
}

// ownedOpenProducer returns p's own audio or screenAudio producer if its
// id is pid and it is open.
func ownedOpenProducer(p *room.Peer, pid string) (interface {
	Pause() error
	Resume() error
	Closed() bool
}, protocol.StreamKind, bool) {
	for _, kind := range []protocol.StreamKind{protocol.KindAudio, protocol.KindScreenAudio} {
		if prod, ok := p.Producer(kind); ok && prod.Id() == pid {
			if prod.Closed() {
				return nil, "", false
			}
			return prod, kind, true
		}
	}
	return nil, "", false
}

// resumeVideoForActive never pauses video; for every active audio pid it
// fire-and-forgets a resume of the corresponding video producer/consumer
// if currently paused and open (spec.md §4.8 step 2).
func (e *Engine) resumeVideoForActive(p *room.Peer, active []string) {
	for _, pid := range active {
		pid := pid
		go func() {
			if owned, kind, ok := ownedOpenProducer(p, pid); ok {
				videoKind := protocol.KindVideo
				if kind == protocol.KindScreenAudio {
					videoKind = protocol.KindScreenVideo
				}
				if vprod, ok := p.Producer(videoKind); ok && !vprod.Closed() && vprod.Paused() {
					if err := vprod.Resume(); err != nil {
						slog.Warn("activespeaker: resume video producer failed", "pid", pid, "err", err)
					}
				}
				_ = owned
				return
			}
			if d, ok := p.DownstreamByAudioPID(pid); ok {
				if vc, ok := d.Consumer(protocol.KindVideo); ok && !vc.Closed() && vc.Paused() {
					if err := vc.Resume(); err != nil {
						slog.Warn("activespeaker: resume video consumer failed", "pid", pid, "err", err)
					}
				}
			}
		}()
	}
}
