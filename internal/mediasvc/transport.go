// Package mediasvc implements the Transport/Media Service of spec.md
// §4.7 (C7): transport creation, idempotent connect, producing, and
// consuming, all addressed through Peer/Room rather than raw mediasoup
// handles so the rest of the call stack never holds a naked transport.
package mediasvc

import (
	"fmt"

	"github.com/itzmanish/mediasoup-go"

	"github.com/bken/collabhub/internal/mediaworker"
	"github.com/bken/collabhub/internal/protocol"
	"github.com/bken/collabhub/internal/room"
)

// Config carries the transport creation settings named in spec.md
// §4.6: UDP/TCP enabled, UDP preferred, initial outgoing bitrate and
// max incoming bitrate. webRtcOptions applies the initial outgoing
// bitrate only; MaxIncomingBitrate is not set on any transport.
type Config struct {
	ListenIP               string
	InitialOutgoingBitrate uint32
	MaxIncomingBitrate     uint32
}

func (c Config) webRtcOptions() mediasoup.WebRtcTransportOptions {
	return mediasoup.WebRtcTransportOptions{
		ListenIps: []mediasoup.TransportListenIp{
			{Ip: c.ListenIP},
		},
		EnableUdp:                true,
		EnableTcp:                true,
		PreferUdp:                true,
		InitialAvailableOutgoingBitrate: c.InitialOutgoingBitrate,
	}
}

// Service implements spec.md §4.7's operations.
type Service struct {
	cfg  Config
	pool *mediaworker.Pool
}

// New builds a Service bound to cfg and the worker pool used for
// transport-counter bookkeeping.
func New(cfg Config, pool *mediaworker.Pool) *Service {
	return &Service{cfg: cfg, pool: pool}
}

// HandleTransportRequest implements spec.md §4.7's request-transport
// flow: idempotent return of an existing upstream transport, or
// idempotent return of an existing live downstream transport keyed by
// audioPid; otherwise creates one.
func (s *Service) HandleTransportRequest(p *room.Peer, req protocol.TransportRequest) (*mediasoup.WebRtcTransport, bool, error) {
	r := p.Room()
	if r == nil {
		return nil, false, ErrNotInRoom
	}
	router := r.Router()
	if router == nil {
		return nil, false, ErrNotInRoom
	}

	if req.Role == protocol.RoleProducer {
		if existing := p.UpstreamTransport(); existing != nil && !existing.Closed() {
			return existing, false, nil
		}
		t, err := p.AddTransport(router, protocol.RoleProducer, s.cfg.webRtcOptions(), "", "", "", "")
		if err != nil {
			return nil, false, err
		}
		s.pool.IncTransports(r.Worker().Pid(), +1)
		return t, true, nil
	}

	if d, ok := p.DownstreamByAudioPID(req.AudioPID); ok {
		return d.Transport, false, nil
	}

	videoPID, err := s.resolveVideoPID(r, req.AudioPID)
	if err != nil {
		return nil, false, err
	}

	t, err := p.AddTransport(router, protocol.RoleConsumer, s.cfg.webRtcOptions(), req.AudioPID, videoPID, req.StreamKind, req.AssociatedProducer)
	if err != nil {
		return nil, false, err
	}
	s.pool.IncTransports(r.Worker().Pid(), +1)
	return t, true, nil
}

// resolveVideoPID finds the video-plane counterpart of an audio
// producer id: the owning peer's screenVideo producer if audioPID is a
// screenAudio producer, else its plain video producer.
func (s *Service) resolveVideoPID(r *room.Room, audioPID string) (string, error) {
	owner, kind, ok := r.FindProducerOwner(audioPID)
	if !ok {
		return "", ErrProducerNotFound
	}
	var videoKind protocol.StreamKind
	if protocol.StreamKind(kind) == protocol.KindScreenAudio {
		videoKind = protocol.KindScreenVideo
	} else {
		videoKind = protocol.KindVideo
	}
	if videoProd, ok := owner.Producer(videoKind); ok {
		return videoProd.Id(), nil
	}
	return "", nil
}

// ConnectTransport implements idempotent DTLS connect: a transport
// already connected or connecting is a no-op success (spec.md §4.7,
// invariant 6 in §8).
func (s *Service) ConnectTransport(p *room.Peer, audioPID string, dtlsParameters mediasoup.DtlsParameters) error {
	t, err := s.resolveTransport(p, audioPID)
	if err != nil {
		return err
	}
	state := t.DtlsState()
	if state == mediasoup.DtlsStateConnected || state == mediasoup.DtlsStateConnecting {
		return nil
	}
	return t.Connect(mediasoup.TransportConnectOptions{DtlsParameters: &dtlsParameters})
}

func (s *Service) resolveTransport(p *room.Peer, audioPID string) (*mediasoup.WebRtcTransport, error) {
	if audioPID == "" {
		if t := p.UpstreamTransport(); t != nil {
			return t, nil
		}
		return nil, ErrNoUpstream
	}
	if d, ok := p.DownstreamByAudioPID(audioPID); ok {
		return d.Transport, nil
	}
	return nil, ErrDownstreamNotFound
}

// StartProducing implements spec.md §4.7's startProducing: produce on
// the upstream transport, register the producer, and for audio/
// screenAudio kinds append it to the room's active-speaker list (the
// dominant-speaker observer re-ranks it later).
func (s *Service) StartProducing(p *room.Peer, streamKind protocol.StreamKind, rtpParameters mediasoup.RtpParameters) (*mediasoup.Producer, error) {
	r := p.Room()
	if r == nil {
		return nil, ErrNotInRoom
	}
	upstream := p.UpstreamTransport()
	if upstream == nil {
		return nil, ErrNoUpstream
	}

	producer, err := upstream.Produce(mediasoup.ProducerOptions{
		Kind:          mediasoup.MediaKind(streamKind.MediaKindOf()),
		RtpParameters: rtpParameters,
	})
	if err != nil {
		return nil, fmt.Errorf("mediasvc: produce: %w", err)
	}
	p.AddProducer(streamKind, producer)

	if streamKind.IsAudioLike() {
		r.RegisterAudioProducer(producer.Id())
	}
	return producer, nil
}

// ConsumeMedia implements spec.md §4.7's consumeMedia: detects the
// actual producing kind by scanning every peer, rejects if the router
// cannot consume, finds the right downstream transport, and creates the
// consumer unpaused for lowest latency.
func (s *Service) ConsumeMedia(p *room.Peer, req protocol.ConsumeMediaRequest) (protocol.ConsumeMediaResponse, error) {
	r := p.Room()
	if r == nil {
		return protocol.ConsumeMediaResponse{}, ErrNotInRoom
	}
	router := r.Router()

	_, kindStr, ok := r.FindProducerOwner(req.PID)
	if !ok {
		return protocol.ConsumeMediaResponse{}, ErrProducerNotFound
	}
	actualKind := protocol.StreamKind(kindStr)

	if !router.CanConsume(req.PID, req.RtpCapabilities) {
		return protocol.ConsumeMediaResponse{}, ErrCannotConsume
	}

	var (
		d  *room.DownstreamTransport
		ok2 bool
	)
	if actualKind.IsAudioLike() {
		d, ok2 = p.DownstreamByAudioPID(req.PID)
	} else {
		d, ok2 = p.DownstreamByVideoPID(req.PID)
	}
	if !ok2 {
		return protocol.ConsumeMediaResponse{}, ErrDownstreamNotFound
	}

	consumer, err := d.Transport.Consume(mediasoup.ConsumerOptions{
		ProducerId:      req.PID,
		RtpCapabilities: req.RtpCapabilities,
		Paused:          false,
	})
	if err != nil {
		return protocol.ConsumeMediaResponse{}, fmt.Errorf("mediasvc: consume: %w", err)
	}
	d.SetConsumer(actualKind, consumer)

	return protocol.ConsumeMediaResponse{
		ID:            consumer.Id(),
		ProducerID:    req.PID,
		Kind:          actualKind.MediaKindOf(),
		RtpParameters: consumer.RtpParameters(),
	}, nil
}

// UnpauseConsumer implements spec.md §4.7's unpauseConsumer.
func (s *Service) UnpauseConsumer(p *room.Peer, pid string) error {
	r := p.Room()
	if r == nil {
		return ErrNotInRoom
	}
	_, kindStr, ok := r.FindProducerOwner(pid)
	if !ok {
		return ErrConsumerNotFound
	}
	_, consumer, ok := p.DownstreamWithConsumerFor(protocol.StreamKind(kindStr), pid)
	if !ok {
		return ErrConsumerNotFound
	}
	if consumer.Closed() {
		return ErrConsumerNotFound
	}
	return consumer.Resume()
}

// HandleAudioChange implements spec.md §4.7's mute/unmute.
func (s *Service) HandleAudioChange(p *room.Peer, op protocol.AudioChangeOp) error {
	prod, ok := p.Producer(protocol.KindAudio)
	if !ok || prod.Closed() {
		return ErrProducerNotFound
	}
	if op == protocol.AudioMute {
		return prod.Pause()
	}
	return prod.Resume()
}
