package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/itzmanish/mediasoup-go"

	"github.com/bken/collabhub/internal/config"
	"github.com/bken/collabhub/internal/protocol"
	"github.com/bken/collabhub/internal/room"
)

func TestReJSONRoundTripsArbitraryPayload(t *testing.T) {
	in := map[string]any{
		"role": "client",
		"fingerprints": []map[string]any{
			{"algorithm": "sha-256", "value": "AA:BB:CC"},
		},
	}
	var out struct {
		Role         string `json:"role"`
		Fingerprints []struct {
			Algorithm string `json:"algorithm"`
			Value     string `json:"value"`
		} `json:"fingerprints"`
	}
	if err := reJSON(in, &out); err != nil {
		t.Fatalf("reJSON: %v", err)
	}
	if out.Role != "client" || len(out.Fingerprints) != 1 || out.Fingerprints[0].Algorithm != "sha-256" {
		t.Fatalf("unexpected decode: %+v", out)
	}
}

func TestReJSONRejectsUnmarshalableInput(t *testing.T) {
	var out map[string]any
	if err := reJSON(make(chan int), &out); err == nil {
		t.Fatalf("expected error marshaling a channel")
	}
}

// fakeProducer and fakeConsumer are room.Producer/room.Consumer fakes
// for streaming-gateway tests that never spin up a live mediasoup
// worker; nothing here runs concurrently with test assertions, unlike
// the activespeaker engine's fire-and-forget video resume, so plain
// fields (not atomics) are sufficient.
type fakeProducer struct {
	id     string
	closed bool
	paused bool
}

func (f *fakeProducer) Id() string    { return f.id }
func (f *fakeProducer) Closed() bool  { return f.closed }
func (f *fakeProducer) Paused() bool  { return f.paused }
func (f *fakeProducer) Pause() error  { f.paused = true; return nil }
func (f *fakeProducer) Resume() error { f.paused = false; return nil }
func (f *fakeProducer) Close()        { f.closed = true }

type fakeConsumer struct {
	id, producerID string
	closed, paused bool
}

func (f *fakeConsumer) Id() string                            { return f.id }
func (f *fakeConsumer) ProducerId() string                    { return f.producerID }
func (f *fakeConsumer) Closed() bool                           { return f.closed }
func (f *fakeConsumer) Paused() bool                           { return f.paused }
func (f *fakeConsumer) Pause() error                           { f.paused = true; return nil }
func (f *fakeConsumer) Resume() error                          { f.paused = false; return nil }
func (f *fakeConsumer) Close()                                 { f.closed = true }
func (f *fakeConsumer) RtpParameters() mediasoup.RtpParameters { return mediasoup.RtpParameters{} }

// fakeAudioSidetap is the AudioSidetap fake: Start is never exercised by
// these tests (it requires a live router), only Stop's bookkeeping.
type fakeAudioSidetap struct {
	stopped []string
}

func (f *fakeAudioSidetap) Start(ctx context.Context, router *mediasoup.Router, roomID, participantID string, producer *mediasoup.Producer) error {
	return errors.New("fakeAudioSidetap.Start is not exercised by these tests")
}

func (f *fakeAudioSidetap) Stop(producerID string) {
	f.stopped = append(f.stopped, producerID)
}

func newTestGateway(store room.Store, tap *fakeAudioSidetap, locks *fakeLocks, bx *fakeBroadcaster) *StreamingGateway {
	return NewStreaming(store, nil, nil, tap, locks, bx, nil, config.RoomConfig{MaxActiveSpeakers: 10})
}

func TestJoinRoomRejectsWrongPassword(t *testing.T) {
	store := room.NewInMemoryStore(nil)
	store.GetOrCreate("r1", "owner", "secret")

	g := newTestGateway(store, &fakeAudioSidetap{}, &fakeLocks{}, &fakeBroadcaster{})
	_, _, err := g.JoinRoom(context.Background(), "sock2", "u2", "U2", protocol.JoinRoomRequest{RoomID: "r1", Password: "wrong"})
	if !errors.Is(err, ErrBadPassword) {
		t.Fatalf("expected ErrBadPassword, got %v", err)
	}
}

func TestJoinRoomRejectsBlockedUser(t *testing.T) {
	store := room.NewInMemoryStore(nil)
	r, _ := store.GetOrCreate("r1", "owner", "")
	r.Block("u2", time.Now().Add(time.Hour))

	g := newTestGateway(store, &fakeAudioSidetap{}, &fakeLocks{}, &fakeBroadcaster{})
	_, _, err := g.JoinRoom(context.Background(), "sock2", "u2", "U2", protocol.JoinRoomRequest{RoomID: "r1"})
	if !errors.Is(err, ErrBlocked) {
		t.Fatalf("expected ErrBlocked, got %v", err)
	}
}

// TestCloseProducersClosesStopsTapAndBroadcasts covers closeProducers'
// full sequence for one producer: close, drop bookkeeping, strip from
// the active-speaker list, stop its side-tap, and broadcast
// producerClosed.
func TestCloseProducersClosesStopsTapAndBroadcasts(t *testing.T) {
	r := room.New("r1", "owner", "")
	peer := room.NewPeer("u1", "U1", "sock1")
	peer.JoinRoom(r)
	audio := &fakeProducer{id: "PA"}
	peer.AddProducer(protocol.KindAudio, audio)
	r.AddPeer(peer)
	r.RegisterAudioProducer("PA")

	tap := &fakeAudioSidetap{}
	bx := &fakeBroadcaster{}
	g := newTestGateway(room.NewInMemoryStore(nil), tap, &fakeLocks{}, bx)

	g.CloseProducers(r, peer, protocol.CloseProducersRequest{ProducerIDs: []string{"PA"}})

	if !audio.Closed() {
		t.Fatalf("expected producer to be closed")
	}
	if _, ok := peer.Producer(protocol.KindAudio); ok {
		t.Fatalf("expected producer bookkeeping to be dropped")
	}
	if got := r.ActiveSpeakers(); len(got) != 0 {
		t.Fatalf("expected producer stripped from active-speaker list, got %v", got)
	}
	if len(tap.stopped) != 1 || tap.stopped[0] != "PA" {
		t.Fatalf("expected side-tap stopped for PA, got %v", tap.stopped)
	}
	if len(bx.sent) != 1 || bx.sent[0].event != protocol.EvProducerClosed {
		t.Fatalf("expected one producerClosed broadcast, got %#v", bx.sent)
	}
}

func TestCloseProducersIgnoresUnknownProducerID(t *testing.T) {
	r := room.New("r1", "owner", "")
	peer := room.NewPeer("u1", "U1", "sock1")
	peer.JoinRoom(r)
	r.AddPeer(peer)

	bx := &fakeBroadcaster{}
	g := newTestGateway(room.NewInMemoryStore(nil), &fakeAudioSidetap{}, &fakeLocks{}, bx)
	g.CloseProducers(r, peer, protocol.CloseProducersRequest{ProducerIDs: []string{"ghost"}})

	if len(bx.sent) != 0 {
		t.Fatalf("expected no broadcast for an unknown producer id, got %#v", bx.sent)
	}
}

// TestLeaveRoomClearsDownstreamAssociationsAndBroadcasts is scenario S4
// (spec.md §8): when a producing peer disconnects, every other peer's
// downstream transport consuming that peer's audio has its stale
// association cleared, the room's active-speaker list drops the
// departed producer ids, participantLeft and producerClosed both
// broadcast, and the room is destroyed once its last peer (here the
// listener, after the producer) has left.
func TestLeaveRoomClearsDownstreamAssociationsAndBroadcasts(t *testing.T) {
	store := room.NewInMemoryStore(nil)
	r, _ := store.GetOrCreate("r1", "owner", "")

	leaver := room.NewPeer("leaver", "Leaver", "sock1")
	leaver.JoinRoom(r)
	leaverAudio := &fakeProducer{id: "PA"}
	leaverVideo := &fakeProducer{id: "PV"}
	leaver.AddProducer(protocol.KindAudio, leaverAudio)
	leaver.AddProducer(protocol.KindVideo, leaverVideo)
	r.AddPeer(leaver)
	r.RegisterAudioProducer("PA")

	listener := room.NewPeer("listener", "Listener", "sock2")
	listener.JoinRoom(r)
	d := room.NewDownstreamTransport(nil, "PA", "PV")
	audioConsumer := &fakeConsumer{id: "CA", producerID: "PA"}
	d.SetConsumer(protocol.KindAudio, audioConsumer)
	listener.AttachDownstreamTransport(d)
	r.AddPeer(listener)

	tap := &fakeAudioSidetap{}
	bx := &fakeBroadcaster{}
	g := newTestGateway(store, tap, &fakeLocks{}, bx)

	g.LeaveRoom(context.Background(), r, leaver)

	if got, _ := listener.DownstreamByAudioPID("PA"); got != nil {
		t.Fatalf("expected stale audio association cleared on the listener's downstream transport")
	}
	if got := r.ActiveSpeakers(); len(got) != 0 {
		t.Fatalf("expected departed producer stripped from active-speaker list, got %v", got)
	}
	if len(tap.stopped) != 1 || tap.stopped[0] != "PA" {
		t.Fatalf("expected side-tap stopped for the departed audio producer, got %v", tap.stopped)
	}

	var sawParticipantLeft, sawProducerClosed bool
	for _, f := range bx.sent {
		switch f.event {
		case protocol.EvParticipantLeft:
			sawParticipantLeft = true
		case protocol.EvProducerClosed:
			sawProducerClosed = true
		}
	}
	if !sawParticipantLeft {
		t.Fatalf("expected a participantLeft broadcast, got %#v", bx.sent)
	}
	if !sawProducerClosed {
		t.Fatalf("expected at least one producerClosed broadcast, got %#v", bx.sent)
	}

	g.LeaveRoom(context.Background(), r, listener)

	if _, ok := store.Get("r1"); ok {
		t.Fatalf("expected room removed once its last member left")
	}
}

// TestLeaveRoomKeepsRoomAliveWhenPeersRemain is the complement of the
// room-teardown assertion above: leaving doesn't destroy the room while
// another peer is still present.
func TestLeaveRoomKeepsRoomAliveWhenPeersRemain(t *testing.T) {
	store := room.NewInMemoryStore(nil)
	r, _ := store.GetOrCreate("r1", "owner", "")

	leaver := room.NewPeer("leaver", "Leaver", "sock1")
	leaver.JoinRoom(r)
	r.AddPeer(leaver)

	stayer := room.NewPeer("stayer", "Stayer", "sock2")
	stayer.JoinRoom(r)
	r.AddPeer(stayer)

	g := newTestGateway(store, &fakeAudioSidetap{}, &fakeLocks{}, &fakeBroadcaster{})
	g.LeaveRoom(context.Background(), r, leaver)

	if _, ok := store.Get("r1"); !ok {
		t.Fatalf("expected room to remain while a peer is still present")
	}
}
