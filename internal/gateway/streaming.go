package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/itzmanish/mediasoup-go"

	"github.com/bken/collabhub/internal/activespeaker"
	"github.com/bken/collabhub/internal/config"
	"github.com/bken/collabhub/internal/lock"
	"github.com/bken/collabhub/internal/mediasvc"
	"github.com/bken/collabhub/internal/mediaworker"
	"github.com/bken/collabhub/internal/protocol"
	"github.com/bken/collabhub/internal/room"
	"github.com/bken/collabhub/internal/transport"
)

// ErrBadPassword is returned by JoinRoom when the room's password does
// not match.
var ErrBadPassword = errors.New("gateway: wrong room password")

// ErrBlocked is returned by JoinRoom when the joining user is
// blocklisted in this room.
var ErrBlocked = errors.New("gateway: user is blocklisted")

// AudioSidetap is the narrow capability StreamingGateway needs from
// C10, kept as an interface so streaming tests don't need a live
// mediasoup router (spec.md §9).
type AudioSidetap interface {
	Start(ctx context.Context, router *mediasoup.Router, roomID, participantID string, producer *mediasoup.Producer) error
	Stop(producerID string)
}

// StreamingGateway implements C12: the stateless socket surface routing
// joinRoom/requestTransport/.../leaveRoom to C5-C10.
type StreamingGateway struct {
	rooms   room.Store
	media   *mediasvc.Service
	engine  *activespeaker.Engine
	tap     AudioSidetap
	locks   lock.Locks
	bx      transport.Broadcaster
	pool    *mediaworker.Pool
	cfg     config.RoomConfig
}

// NewStreaming builds a StreamingGateway.
func NewStreaming(
	rooms room.Store,
	media *mediasvc.Service,
	engine *activespeaker.Engine,
	tap AudioSidetap,
	locks lock.Locks,
	bx transport.Broadcaster,
	pool *mediaworker.Pool,
	cfg config.RoomConfig,
) *StreamingGateway {
	return &StreamingGateway{rooms: rooms, media: media, engine: engine, tap: tap, locks: locks, bx: bx, pool: pool, cfg: cfg}
}

// JoinRoom implements spec.md §4.12's joinRoom: ensures the room (and
// its router) exists, enforces password/blocklist on an existing room,
// evicts a stale socket for the same user, adds the peer, broadcasts
// newParticipant unless this peer just created the room as its owner,
// and returns the initial producers-to-consume view.
func (g *StreamingGateway) JoinRoom(ctx context.Context, socketID, userID, displayName string, req protocol.JoinRoomRequest) (*room.Peer, protocol.NewProducersToConsume, error) {
	r, created := g.rooms.GetOrCreate(req.RoomID, userID, req.Password)

	if !created {
		if pw := r.Password(); pw != "" && pw != req.Password {
			return nil, protocol.NewProducersToConsume{}, ErrBadPassword
		}
		if r.IsBlocked(userID, time.Now()) {
			return nil, protocol.NewProducersToConsume{}, ErrBlocked
		}
		if existing, ok := r.Peer(userID); ok {
			g.bx.Disconnect(existing.SocketID)
			r.RemovePeer(userID)
		}
	}

	if !r.IsActive() {
		if err := r.EnsureActive(
			g.pool,
			g.cfg.ActiveSpeakerObserverInterval,
			g.cfg.RefreshInterval,
			func(producerID string) { g.onDominantSpeaker(r, producerID) },
			func(rm *room.Room) { g.onRefresh(rm) },
		); err != nil {
			return nil, protocol.NewProducersToConsume{}, fmt.Errorf("gateway: activate room: %w", err)
		}
	}

	peer := room.NewPeer(userID, displayName, socketID)
	peer.JoinRoom(r)
	r.AddPeer(peer)
	g.bx.JoinRoom(socketID, req.RoomID)

	if !(created && userID == r.OwnerID) {
		g.bx.BroadcastRoom(r.ID, protocol.EvNewParticipant, protocol.NewParticipantEvent{
			ParticipantID: userID, DisplayName: displayName,
		}, socketID)
	}

	view := activespeaker.InitialView(r, g.cfg.MaxActiveSpeakers)
	return peer, view, nil
}

func (g *StreamingGateway) onDominantSpeaker(r *room.Room, producerID string) {
	handler := activespeaker.NewDominantHandler(g.engine, g.locks, g.bx, g.cfg.MaxActiveSpeakers)
	handler.Handle(context.Background(), r, producerID)
}

func (g *StreamingGateway) onRefresh(r *room.Room) {
	plans := g.engine.Reconcile(r)
	if len(plans) == 0 {
		return
	}
	_ = g.locks.WithLock(context.Background(), r.ID, func(ctx context.Context) error {
		activespeaker.BuildAndSend(r, plans, g.cfg.MaxActiveSpeakers, g.bx)
		return nil
	})
}

// RequestTransport implements spec.md §4.7/§4.12's requestTransport.
func (g *StreamingGateway) RequestTransport(peer *room.Peer, req protocol.TransportRequest) (protocol.TransportParams, error) {
	t, _, err := g.media.HandleTransportRequest(peer, req)
	if err != nil {
		return protocol.TransportParams{}, err
	}
	return protocol.TransportParams{
		ID:             t.Id(),
		IceParameters:  t.IceParameters(),
		IceCandidates:  t.IceCandidates(),
		DtlsParameters: t.DtlsParameters(),
	}, nil
}

// ConnectTransport implements connectTransport.
func (g *StreamingGateway) ConnectTransport(peer *room.Peer, req protocol.ConnectTransportRequest) error {
	var dtls mediasoup.DtlsParameters
	if err := reJSON(req.DtlsParameters, &dtls); err != nil {
		return fmt.Errorf("gateway: decode dtlsParameters: %w", err)
	}
	return g.media.ConnectTransport(peer, req.AudioPID, dtls)
}

// StartProducing implements startProducing, including the C10 side-tap
// kickoff for non-screen audio and the C8 reconciliation + fan-out that
// follows it (spec.md §4.12).
func (g *StreamingGateway) StartProducing(ctx context.Context, r *room.Room, peer *room.Peer, req protocol.StartProducingRequest) (*mediasoup.Producer, error) {
	var rtpParams mediasoup.RtpParameters
	if err := reJSON(req.RtpParameters, &rtpParams); err != nil {
		return nil, fmt.Errorf("gateway: decode rtpParameters: %w", err)
	}

	producer, err := g.media.StartProducing(peer, req.StreamKind, rtpParams)
	if err != nil {
		return nil, err
	}

	if req.StreamKind == protocol.KindAudio {
		if err := g.tap.Start(ctx, r.Router(), r.ID, peer.UserID, producer); err != nil {
			slog.Warn("gateway: side-tap start failed, media unaffected", "room", r.ID, "producer", producer.Id(), "err", err)
		}
	}

	plans := g.engine.Reconcile(r)
	_ = g.locks.WithLock(ctx, r.ID, func(ctx context.Context) error {
		if len(plans) > 0 {
			activespeaker.BuildAndSend(r, plans, g.cfg.MaxActiveSpeakers, g.bx)
		}
		g.bx.BroadcastRoom(r.ID, protocol.EvNewProducer, protocol.NewProducerEvent{
			ParticipantID: peer.UserID,
			DisplayName:   peer.DisplayName,
			Kind:          req.StreamKind,
			ProducerID:    producer.Id(),
		})
		return nil
	})

	return producer, nil
}

// ConsumeMedia implements consumeMedia.
func (g *StreamingGateway) ConsumeMedia(peer *room.Peer, req protocol.ConsumeMediaRequest) (protocol.ConsumeMediaResponse, error) {
	return g.media.ConsumeMedia(peer, req)
}

// UnpauseConsumer implements unpauseConsumer.
func (g *StreamingGateway) UnpauseConsumer(peer *room.Peer, req protocol.UnpauseConsumerRequest) error {
	return g.media.UnpauseConsumer(peer, req.PID)
}

// AudioChange implements audioChange (mute/unmute).
func (g *StreamingGateway) AudioChange(peer *room.Peer, req protocol.AudioChangeRequest) error {
	return g.media.HandleAudioChange(peer, req.Op)
}

// CloseProducers implements closeProducers: close each named producer,
// strip it from the active-speaker list, stop its side-tap session if
// it was audio, and broadcast producerClosed.
func (g *StreamingGateway) CloseProducers(r *room.Room, peer *room.Peer, req protocol.CloseProducersRequest) {
	for _, pid := range req.ProducerIDs {
		kindStr, ok := peer.ProducerKindByID(pid)
		if !ok {
			continue
		}
		kind := protocol.StreamKind(kindStr)
		if prod, ok := peer.Producer(kind); ok && !prod.Closed() {
			prod.Close()
		}
		peer.RemoveProducer(kind)
		r.RemoveFromActiveSpeakers(pid)
		if kind.IsAudioLike() {
			g.tap.Stop(pid)
		}
		g.bx.BroadcastRoom(r.ID, protocol.EvProducerClosed, protocol.ProducerClosedEvent{
			ProducerID: pid, Kind: kind, UserID: peer.UserID,
		})
	}
}

// LeaveRoom implements leaveRoom / socket disconnect cleanup (spec.md
// §4.12's last bullet): stop side-tap, strip producer ids from the
// active-speaker list, clear stale downstream refs on peers, broadcast
// participantLeft and producerClosed, release the peer's transports,
// and destroy the room if it is now empty.
func (g *StreamingGateway) LeaveRoom(ctx context.Context, r *room.Room, peer *room.Peer) {
	producers := peer.Producers()
	for kind, prod := range producers {
		if kind.IsAudioLike() {
			g.tap.Stop(prod.Id())
		}
		r.RemoveFromActiveSpeakers(prod.Id())
	}

	for _, other := range r.Peers() {
		if other.UserID == peer.UserID {
			continue
		}
		for _, d := range other.DownstreamTransports() {
			for _, prod := range producers {
				if d.AssociatedAudioPID == prod.Id() {
					d.ClearAudioAssociation()
				}
			}
		}
	}

	g.bx.BroadcastRoom(r.ID, protocol.EvParticipantLeft, protocol.ParticipantLeftEvent{ParticipantID: peer.UserID})

	for kind, prod := range producers {
		pid := prod.Id()
		_ = g.locks.WithLock(ctx, r.ID, func(ctx context.Context) error {
			g.bx.BroadcastRoom(r.ID, protocol.EvProducerClosed, protocol.ProducerClosedEvent{
				ProducerID: pid, Kind: kind, UserID: peer.UserID,
			})
			return nil
		})
	}

	transportCount := len(peer.DownstreamTransports())
	if peer.UpstreamTransport() != nil {
		transportCount++
	}
	if worker := r.Worker(); worker != nil && transportCount > 0 {
		g.pool.IncTransports(worker.Pid(), -transportCount)
	}

	peer.Cleanup()
	empty := r.RemovePeer(peer.UserID)
	if empty {
		g.rooms.Remove(r.ID)
	}
}

func reJSON(in any, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}
