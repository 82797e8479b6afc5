package activespeaker

import (
	"github.com/bken/collabhub/internal/protocol"
	"github.com/bken/collabhub/internal/room"
	"github.com/bken/collabhub/internal/transport"
)

// BuildAndSend builds one NewProducersToConsume payload per Plan and
// sends it to the target socket, then broadcasts the truncated
// active-speaker list to the whole room (spec.md §4.8's "fanned out"
// step, and §6's bit-equivalent payload shape).
func BuildAndSend(r *room.Room, plans []Plan, maxActiveSpeakers int, bx transport.Broadcaster) {
	truncated := r.Truncated(maxActiveSpeakers)

	for _, plan := range plans {
		payload := protocol.NewProducersToConsume{
			RouterRtpCapabilities: routerRtpCapabilities(r),
			AudioPidsToCreate:     plan.NeedsNewTransportPIDs,
			ActiveSpeakerList:     truncated,
		}
		for _, pid := range plan.NeedsNewTransportPIDs {
			owner, kindStr, ok := r.FindProducerOwner(pid)
			if !ok {
				payload.VideoPidsToCreate = append(payload.VideoPidsToCreate, nil)
				payload.AssociatedUsers = append(payload.AssociatedUsers, protocol.AssociatedUser{})
				continue
			}
			kind := protocol.StreamKind(kindStr)
			payload.VideoPidsToCreate = append(payload.VideoPidsToCreate, videoPIDFor(owner, kind))
			payload.AssociatedUsers = append(payload.AssociatedUsers, associatedUser(owner, kind))
		}
		bx.SendTo(plan.SocketID, protocol.EvNewProducersToConsume, payload)
	}

	bx.BroadcastRoom(r.ID, protocol.EvUpdateActiveSpeakers, protocol.UpdateActiveSpeakersEvent{ActiveSpeakerList: truncated})
}

// InitialView builds the NewProducersToConsume payload a freshly joined
// peer receives: every pid of the active-speaker list truncated to
// maxActiveSpeakers, since the peer has no
// downstream transports of its own yet (spec.md §4.12's joinRoom step).
func InitialView(r *room.Room, maxActiveSpeakers int) protocol.NewProducersToConsume {
	truncated := r.Truncated(maxActiveSpeakers)
	payload := protocol.NewProducersToConsume{
		RouterRtpCapabilities: routerRtpCapabilities(r),
		AudioPidsToCreate:     truncated,
		ActiveSpeakerList:     truncated,
	}
	for _, pid := range truncated {
		owner, kindStr, ok := r.FindProducerOwner(pid)
		if !ok {
			payload.VideoPidsToCreate = append(payload.VideoPidsToCreate, nil)
			payload.AssociatedUsers = append(payload.AssociatedUsers, protocol.AssociatedUser{})
			continue
		}
		kind := protocol.StreamKind(kindStr)
		payload.VideoPidsToCreate = append(payload.VideoPidsToCreate, videoPIDFor(owner, kind))
		payload.AssociatedUsers = append(payload.AssociatedUsers, associatedUser(owner, kind))
	}
	return payload
}

func videoPIDFor(owner *room.Peer, kind protocol.StreamKind) *string {
	videoKind := protocol.KindVideo
	if kind == protocol.KindScreenAudio {
		videoKind = protocol.KindScreenVideo
	}
	prod, ok := owner.Producer(videoKind)
	if !ok {
		return nil
	}
	id := prod.Id()
	return &id
}

// associatedUser builds the {id, displayName} pair for
// NewProducersToConsume.associatedUsers; screen-share owners are
// suffixed per spec.md §6.
func associatedUser(owner *room.Peer, kind protocol.StreamKind) protocol.AssociatedUser {
	if kind == protocol.KindScreenAudio {
		return protocol.AssociatedUser{
			ID:          owner.UserID + "-screen",
			DisplayName: owner.DisplayName + " (Sharing)",
		}
	}
	return protocol.AssociatedUser{ID: owner.UserID, DisplayName: owner.DisplayName}
}

// routerRtpCapabilities returns the room router's RTP capabilities, the
// value every NewProducersToConsume payload echoes back to the client
// so it can negotiate consumers.
func routerRtpCapabilities(r *room.Room) any {
	router := r.Router()
	if router == nil {
		return nil
	}
	return router.RtpCapabilities()
}
