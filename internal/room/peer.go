package room

import (
	"fmt"
	"sync"

	"github.com/itzmanish/mediasoup-go"

	"github.com/bken/collabhub/internal/protocol"
)

// Producer is the subset of *mediasoup.Producer's surface the domain
// layer touches. Peer stores producers behind this interface rather
// than the concrete mediasoup type so tests can substitute a fake
// instead of needing a live mediasoup worker (spec.md §9).
type Producer interface {
	Id() string
	Closed() bool
	Paused() bool
	Pause() error
	Resume() error
	Close()
}

// Consumer is the equivalent narrow surface for *mediasoup.Consumer.
type Consumer interface {
	Id() string
	ProducerId() string
	Closed() bool
	Paused() bool
	Pause() error
	Resume() error
	Close()
	RtpParameters() mediasoup.RtpParameters
}

// DownstreamTransport is one consumer-direction transport, created per
// remote audio stream a peer consumes (spec.md §3). Pause/resume of its
// audio consumer is independent of its video consumer.
type DownstreamTransport struct {
	mu                  sync.Mutex
	Transport           *mediasoup.WebRtcTransport
	AssociatedAudioPID  string
	AssociatedVideoPID  string
	StreamKind          protocol.StreamKind
	ProducerID          string
	consumers           map[protocol.StreamKind]Consumer
	closed              bool
}

func newDownstreamTransport(t *mediasoup.WebRtcTransport, audioPID, videoPID string) *DownstreamTransport {
	return &DownstreamTransport{
		Transport:          t,
		AssociatedAudioPID: audioPID,
		AssociatedVideoPID: videoPID,
		consumers:          make(map[protocol.StreamKind]Consumer),
	}
}

// NewDownstreamTransport builds a consumer-direction downstream
// transport bound to t. Exported for callers (and tests) that assemble
// Peer state without going through AddTransport's router-backed path;
// t may be nil: Closed then reports only the local closed flag, and
// closing skips the transport and closes just the consumers.
func NewDownstreamTransport(t *mediasoup.WebRtcTransport, audioPID, videoPID string) *DownstreamTransport {
	return newDownstreamTransport(t, audioPID, videoPID)
}

// Closed reports whether the underlying transport has been closed.
func (d *DownstreamTransport) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return true
	}
	return d.Transport != nil && d.Transport.Closed()
}

// SetConsumer attaches a consumer under the tagged StreamKind — the
// closed-set replacement for the source's dynamic `t[streamKind]`
// property access (spec.md §9).
func (d *DownstreamTransport) SetConsumer(kind protocol.StreamKind, c Consumer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.consumers[kind] = c
}

// Consumer returns the consumer tagged kind, if any.
func (d *DownstreamTransport) Consumer(kind protocol.StreamKind) (Consumer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.consumers[kind]
	return c, ok
}

// ClearAudioAssociation nulls the stale audio pid reference left behind
// when the producing peer disconnects (spec.md §4.12 leaveRoom cleanup,
// scenario S4).
func (d *DownstreamTransport) ClearAudioAssociation() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.AssociatedAudioPID = ""
}

func (d *DownstreamTransport) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for _, c := range d.consumers {
		if !c.Closed() {
			c.Close()
		}
	}
	if d.Transport != nil && !d.Transport.Closed() {
		d.Transport.Close()
	}
}

// Peer is one connected user's state within one room (spec.md §4.6).
// A peer binds to exactly one socket and at most one room.
type Peer struct {
	UserID      string
	DisplayName string
	SocketID    string

	mu                   sync.Mutex
	room                 *Room
	upstreamTransport    *mediasoup.WebRtcTransport
	downstreamTransports []*DownstreamTransport
	producers            map[protocol.StreamKind]Producer
}

// NewPeer constructs a peer bound to one socket, not yet in any room.
func NewPeer(userID, displayName, socketID string) *Peer {
	return &Peer{
		UserID:      userID,
		DisplayName: displayName,
		SocketID:    socketID,
		producers:   make(map[protocol.StreamKind]Producer),
	}
}

// JoinRoom records the room a peer belongs to.
func (p *Peer) JoinRoom(r *Room) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.room = r
}

// Room returns the peer's current room, or nil.
func (p *Peer) Room() *Room {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.room
}

// UpstreamTransport returns the peer's producer-direction transport, or
// nil if none has been created.
func (p *Peer) UpstreamTransport() *mediasoup.WebRtcTransport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.upstreamTransport
}

// DownstreamByAudioPID finds a live downstream transport keyed by its
// associated audio producer id.
func (p *Peer) DownstreamByAudioPID(audioPID string) (*DownstreamTransport, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, d := range p.downstreamTransports {
		if d.AssociatedAudioPID == audioPID && !d.Closed() {
			return d, true
		}
	}
	return nil, false
}

// DownstreamByVideoPID finds a live downstream transport keyed by its
// associated video producer id.
func (p *Peer) DownstreamByVideoPID(videoPID string) (*DownstreamTransport, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, d := range p.downstreamTransports {
		if d.AssociatedVideoPID == videoPID && !d.Closed() {
			return d, true
		}
	}
	return nil, false
}

// DownstreamWithConsumerFor finds the downstream transport whose
// consumer for kind has producerID, used by unpauseConsumer.
func (p *Peer) DownstreamWithConsumerFor(kind protocol.StreamKind, producerID string) (*DownstreamTransport, Consumer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, d := range p.downstreamTransports {
		if c, ok := d.Consumer(kind); ok && c.ProducerId() == producerID {
			return d, c, true
		}
	}
	return nil, nil, false
}

// DownstreamTransports returns a snapshot of every downstream transport.
func (p *Peer) DownstreamTransports() []*DownstreamTransport {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*DownstreamTransport, len(p.downstreamTransports))
	copy(out, p.downstreamTransports)
	return out
}

// AddTransport creates a WebRTC transport on the room's router and
// attaches it as upstream (role = producer) or appends a new downstream
// transport (role = consumer), per spec.md §4.6.
func (p *Peer) AddTransport(
	router *mediasoup.Router,
	role protocol.TransportRole,
	opts mediasoup.WebRtcTransportOptions,
	audioPID, videoPID string,
	streamKind protocol.StreamKind,
	associatedProducerID string,
) (*mediasoup.WebRtcTransport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if role == protocol.RoleProducer && p.upstreamTransport != nil && !p.upstreamTransport.Closed() {
		return p.upstreamTransport, nil
	}

	t, err := router.CreateWebRtcTransport(opts)
	if err != nil {
		return nil, fmt.Errorf("peer %s: create transport: %w", p.UserID, err)
	}

	if role == protocol.RoleProducer {
		p.upstreamTransport = t
		return t, nil
	}

	d := newDownstreamTransport(t, audioPID, videoPID)
	if streamKind != "" && associatedProducerID != "" {
		d.StreamKind = streamKind
		d.ProducerID = associatedProducerID
	}
	p.downstreamTransports = append(p.downstreamTransports, d)
	return t, nil
}

// ProducerKindByID reports the StreamKind under which pid is registered,
// if this peer owns it.
func (p *Peer) ProducerKindByID(pid string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for kind, prod := range p.producers {
		if prod.Id() == pid {
			return string(kind), true
		}
	}
	return "", false
}

// Producer returns the peer's producer for kind, if any.
func (p *Peer) Producer(kind protocol.StreamKind) (Producer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prod, ok := p.producers[kind]
	return prod, ok
}

// Producers returns a snapshot copy of the producer map.
func (p *Peer) Producers() map[protocol.StreamKind]Producer {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[protocol.StreamKind]Producer, len(p.producers))
	for k, v := range p.producers {
		out[k] = v
	}
	return out
}

// AddProducer records a producer under kind.
func (p *Peer) AddProducer(kind protocol.StreamKind, producer Producer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.producers[kind] = producer
}

// AttachDownstreamTransport appends d to the peer's downstream
// transports directly, bypassing AddTransport's router call. Exported
// for tests that substitute a fake Consumer on a transport built via
// NewDownstreamTransport.
func (p *Peer) AttachDownstreamTransport(d *DownstreamTransport) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.downstreamTransports = append(p.downstreamTransports, d)
}

// RemoveProducer drops the bookkeeping entry for kind (the producer
// itself must already be closed by the caller).
func (p *Peer) RemoveProducer(kind protocol.StreamKind) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.producers, kind)
}

// Cleanup closes the upstream transport, every downstream transport,
// and every producer, then clears all maps. Idempotent.
func (p *Peer) Cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.upstreamTransport != nil && !p.upstreamTransport.Closed() {
		p.upstreamTransport.Close()
	}
	for _, d := range p.downstreamTransports {
		d.close()
	}
	for _, prod := range p.producers {
		if !prod.Closed() {
			prod.Close()
		}
	}
	p.upstreamTransport = nil
	p.downstreamTransports = nil
	p.producers = make(map[protocol.StreamKind]Producer)
}
