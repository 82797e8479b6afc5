package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/bken/collabhub/internal/lock"
	"github.com/bken/collabhub/internal/protocol"
)

type fakeLocks struct {
	busy    bool
	lockErr error
}

func (f *fakeLocks) WithLock(ctx context.Context, resource string, task func(ctx context.Context) error) error {
	return task(ctx)
}

func (f *fakeLocks) TryWithLock(ctx context.Context, resource string, task func(ctx context.Context) error) error {
	if f.busy {
		return lock.ErrBusy
	}
	if f.lockErr != nil {
		return f.lockErr
	}
	return task(ctx)
}

type fakeBroadcaster struct {
	sent       []sentFrame
	joined     []string
	left       []string
	disconnect []string
}

type sentFrame struct {
	target string // socketID or "room:"+roomID
	event  string
	excl   []string
}

func (f *fakeBroadcaster) SendTo(socketID, event string, payload any) {
	f.sent = append(f.sent, sentFrame{target: socketID, event: event})
}

func (f *fakeBroadcaster) BroadcastRoom(roomID, event string, payload any, exclude ...string) {
	f.sent = append(f.sent, sentFrame{target: "room:" + roomID, event: event, excl: exclude})
}

func (f *fakeBroadcaster) JoinRoom(socketID, roomID string) { f.joined = append(f.joined, socketID+"/"+roomID) }
func (f *fakeBroadcaster) LeaveRoom(socketID, roomID string) { f.left = append(f.left, socketID+"/"+roomID) }
func (f *fakeBroadcaster) Disconnect(socketID string)        { f.disconnect = append(f.disconnect, socketID) }

type fakeDurable struct {
	duplicateIDs map[string]bool
	err          error
}

func (f *fakeDurable) EnqueueDurable(ctx context.Context, messageID, jobID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.duplicateIDs[messageID], nil
}

func TestHandleSendRejectsMissingFields(t *testing.T) {
	g := NewMessaging(&fakeLocks{}, &fakeDurable{}, &fakeBroadcaster{}, LockModeBlocking)
	ack := g.HandleSend(context.Background(), protocol.Message{ID: "m1"})
	errAck, ok := ack.(protocol.ErrorAck)
	if !ok || errAck.Success {
		t.Fatalf("expected ErrorAck, got %#v", ack)
	}
}

func TestHandleSendSuccessBroadcastsAndAcks(t *testing.T) {
	bx := &fakeBroadcaster{}
	g := NewMessaging(&fakeLocks{}, &fakeDurable{duplicateIDs: map[string]bool{}}, bx, LockModeBlocking)

	msg := protocol.Message{ID: "m1", JobID: "job1", Timestamp: 42, EncryptedContent: protocol.EncryptedContent{Body: "ct"}}
	ack := g.HandleSend(context.Background(), msg)

	sendAck, ok := ack.(protocol.SendAck)
	if !ok || !sendAck.Success || sendAck.MessageID != "m1" {
		t.Fatalf("expected successful SendAck, got %#v", ack)
	}
	if len(bx.sent) != 1 || bx.sent[0].target != "room:job1" || bx.sent[0].event != protocol.EvMessageNew {
		t.Fatalf("expected one broadcast to room:job1, got %#v", bx.sent)
	}
}

func TestHandleSendDuplicateDoesNotBroadcast(t *testing.T) {
	bx := &fakeBroadcaster{}
	g := NewMessaging(&fakeLocks{}, &fakeDurable{duplicateIDs: map[string]bool{"m1": true}}, bx, LockModeBlocking)

	msg := protocol.Message{ID: "m1", JobID: "job1", EncryptedContent: protocol.EncryptedContent{Body: "ct"}}
	ack := g.HandleSend(context.Background(), msg)

	dup, ok := ack.(protocol.DuplicateAck)
	if !ok || !dup.Duplicate || !dup.Delivered {
		t.Fatalf("expected DuplicateAck, got %#v", ack)
	}
	if len(bx.sent) != 0 {
		t.Fatalf("expected no broadcast for duplicate message, got %#v", bx.sent)
	}
}

func TestHandleSendNonBlockingBusy(t *testing.T) {
	g := NewMessaging(&fakeLocks{busy: true}, &fakeDurable{}, &fakeBroadcaster{}, LockModeNonBlocking)
	msg := protocol.Message{ID: "m1", JobID: "job1", EncryptedContent: protocol.EncryptedContent{Body: "ct"}}
	ack := g.HandleSend(context.Background(), msg)

	env, ok := ack.(protocol.OkEnvelope)
	if !ok || env.OK || env.Error != protocol.ErrResourceBusy {
		t.Fatalf("expected busy OkEnvelope, got %#v", ack)
	}
}

func TestHandleSendNonBlockingSuccessWrapsInEnvelope(t *testing.T) {
	bx := &fakeBroadcaster{}
	g := NewMessaging(&fakeLocks{}, &fakeDurable{duplicateIDs: map[string]bool{}}, bx, LockModeNonBlocking)
	msg := protocol.Message{ID: "m1", JobID: "job1", EncryptedContent: protocol.EncryptedContent{Body: "ct"}}
	ack := g.HandleSend(context.Background(), msg)

	env, ok := ack.(protocol.OkEnvelope)
	if !ok || !env.OK {
		t.Fatalf("expected OK envelope, got %#v", ack)
	}
	if _, ok := env.Data.(protocol.SendAck); !ok {
		t.Fatalf("expected SendAck payload, got %#v", env.Data)
	}
}

func TestHandlePinBroadcastsPinnedEvent(t *testing.T) {
	bx := &fakeBroadcaster{}
	g := NewMessaging(&fakeLocks{}, &fakeDurable{}, bx, LockModeBlocking)
	err := g.HandlePin(context.Background(), protocol.MessageRefRequest{JobID: "job1", MessageID: "m1"}, "u1")
	if err != nil {
		t.Fatalf("HandlePin: %v", err)
	}
	if len(bx.sent) != 1 || bx.sent[0].event != protocol.EvMessagePinned {
		t.Fatalf("expected one pinned broadcast, got %#v", bx.sent)
	}
}

func TestHandleTypingExcludesSender(t *testing.T) {
	bx := &fakeBroadcaster{}
	g := NewMessaging(&fakeLocks{}, &fakeDurable{}, bx, LockModeBlocking)
	g.HandleTyping("sock1", protocol.TypingRequest{JobID: "job1", IsTyping: true}, "u1")
	if len(bx.sent) != 1 || len(bx.sent[0].excl) != 1 || bx.sent[0].excl[0] != "sock1" {
		t.Fatalf("expected sender excluded from typing broadcast, got %#v", bx.sent)
	}
}

func TestHandleRoomJoinAndLeave(t *testing.T) {
	bx := &fakeBroadcaster{}
	g := NewMessaging(&fakeLocks{}, &fakeDurable{}, bx, LockModeBlocking)

	ack := g.HandleRoomJoin("sock1", protocol.RoomIDRequest{RoomID: "room1"})
	if ack.RoomID != "room1" || len(bx.joined) != 1 {
		t.Fatalf("expected join recorded, got ack=%#v joined=%v", ack, bx.joined)
	}
	leaveAck := g.HandleRoomLeave("sock1", protocol.RoomIDRequest{RoomID: "room1"})
	if !leaveAck.Left || len(bx.left) != 1 {
		t.Fatalf("expected leave recorded, got ack=%#v left=%v", leaveAck, bx.left)
	}
}

func TestHandleSendPropagatesEnqueueError(t *testing.T) {
	g := NewMessaging(&fakeLocks{}, &fakeDurable{err: errors.New("redis down")}, &fakeBroadcaster{}, LockModeBlocking)
	msg := protocol.Message{ID: "m1", JobID: "job1", EncryptedContent: protocol.EncryptedContent{Body: "ct"}}
	ack := g.HandleSend(context.Background(), msg)
	errAck, ok := ack.(protocol.ErrorAck)
	if !ok || errAck.Success {
		t.Fatalf("expected ErrorAck on enqueue failure, got %#v", ack)
	}
}
