package activespeaker

import (
	"context"

	"github.com/bken/collabhub/internal/lock"
	"github.com/bken/collabhub/internal/protocol"
	"github.com/bken/collabhub/internal/room"
	"github.com/bken/collabhub/internal/transport"
)

// DominantHandler reacts to router-emitted dominantspeaker events
// (spec.md §4.9, C9), promoting the reported producer to the head of
// the room's active-speaker list and re-running the Engine.
type DominantHandler struct {
	engine *Engine
	locks  lock.Locks
	bx     transport.Broadcaster
	max    int
}

// NewDominantHandler builds a handler that serializes its work under
// the room-id lock, as spec.md §4.9 requires.
func NewDominantHandler(engine *Engine, locks lock.Locks, bx transport.Broadcaster, maxActiveSpeakers int) *DominantHandler {
	return &DominantHandler{engine: engine, locks: locks, bx: bx, max: maxActiveSpeakers}
}

// Handle implements the dominantspeaker observer callback: a no-churn
// fast path when the speaker is already at index 0, otherwise a promote
// + reconcile + fan-out, all under withLock(roomId).
func (h *DominantHandler) Handle(ctx context.Context, r *room.Room, producerID string) {
	_ = h.locks.WithLock(ctx, r.ID, func(ctx context.Context) error {
		if changed := r.PromoteToHead(producerID); !changed {
			return nil
		}
		plans := h.engine.Reconcile(r)
		if len(plans) == 0 {
			h.bx.BroadcastRoom(r.ID, protocol.EvUpdateActiveSpeakers, protocol.UpdateActiveSpeakersEvent{
				ActiveSpeakerList: r.Truncated(h.max),
			})
			return nil
		}
		BuildAndSend(r, plans, h.max, h.bx)
		return nil
	})
}
