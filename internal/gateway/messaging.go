// Package gateway implements the Messaging Gateway (C11) and Streaming
// Gateway (C12) of spec.md §4.11-§4.12: the socket-event surface that
// turns inbound frames into C1-C10 operations and outbound broadcasts.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bken/collabhub/internal/lock"
	"github.com/bken/collabhub/internal/protocol"
	"github.com/bken/collabhub/internal/transport"
)

// DurableEnqueuer is the narrow capability MessagingGateway needs from
// C4's durable queue (spec.md §9): idempotent enqueue by message id,
// reporting whether it was a duplicate. *jobqueue.DurableQueue
// satisfies this.
type DurableEnqueuer interface {
	EnqueueDurable(ctx context.Context, messageID, jobID string) (duplicate bool, err error)
}

// Lock-mode selectors for MessagingGateway, resolved from
// config.Messaging.LockMode (spec.md §9's Open Question: the source
// carries two divergent variants of the messaging handlers, one
// blocking on withLock and one using tryWithLock; both are kept here
// and selected at construction time rather than picking one).
const (
	LockModeBlocking    = "blocking"
	LockModeNonBlocking = "nonblocking"
)

// ErrInvalidMessage is returned when a contract:message.send payload is
// missing its jobId or encryptedContent.body.
var ErrInvalidMessage = errors.New("gateway: message missing jobId or encryptedContent.body")

// MessagingGateway implements C11's event contract over the durable
// ingestion path (C4's asynq-backed queue) and the distributed lock.
type MessagingGateway struct {
	locks    lock.Locks
	durable  DurableEnqueuer
	bx       transport.Broadcaster
	lockMode string
}

// NewMessaging builds a MessagingGateway. lockMode must be
// LockModeBlocking or LockModeNonBlocking; any other value falls back
// to blocking.
func NewMessaging(locks lock.Locks, durable DurableEnqueuer, bx transport.Broadcaster, lockMode string) *MessagingGateway {
	if lockMode != LockModeNonBlocking {
		lockMode = LockModeBlocking
	}
	return &MessagingGateway{locks: locks, durable: durable, bx: bx, lockMode: lockMode}
}

// HandleSend implements contract:message.send: validates the payload,
// enqueues it durably keyed by message id under withLock(jobId) (or
// tryWithLock, per lockMode), and acks success/duplicate/busy.
func (g *MessagingGateway) HandleSend(ctx context.Context, msg protocol.Message) any {
	if msg.JobID == "" || msg.EncryptedContent.Body == "" {
		return protocol.ErrorAck{Success: false, Error: ErrInvalidMessage.Error()}
	}

	var ack any
	task := func(ctx context.Context) error {
		duplicate, err := g.durable.EnqueueDurable(ctx, msg.ID, msg.JobID)
		if err != nil {
			return err
		}
		if duplicate {
			ack = protocol.DuplicateAck{Delivered: true, Duplicate: true, MessageID: msg.ID}
			return nil
		}
		g.bx.BroadcastRoom(msg.JobID, protocol.EvMessageNew, msg)
		ack = protocol.SendAck{Success: true, MessageID: msg.ID, Timestamp: msg.Timestamp}
		return nil
	}

	if g.lockMode == LockModeNonBlocking {
		err := g.locks.TryWithLock(ctx, msg.JobID, task)
		switch {
		case errors.Is(err, lock.ErrBusy):
			return protocol.OkEnvelope{OK: false, Error: protocol.ErrResourceBusy}
		case err != nil:
			slog.Error("gateway: message.send failed", "jobId", msg.JobID, "err", err)
			return protocol.OkEnvelope{OK: false, Error: err.Error()}
		default:
			return protocol.OkEnvelope{OK: true, Data: ack}
		}
	}

	if err := g.locks.WithLock(ctx, msg.JobID, task); err != nil {
		slog.Error("gateway: message.send failed", "jobId", msg.JobID, "err", err)
		return protocol.ErrorAck{Success: false, Error: err.Error()}
	}
	return ack
}

// handleFanout is the shared body of pin/unpin/read: under
// withLock(jobId), broadcast the structurally identical event to the
// room.
func (g *MessagingGateway) handleFanout(ctx context.Context, event string, req protocol.MessageRefRequest, actorID string) error {
	return g.locks.WithLock(ctx, req.JobID, func(ctx context.Context) error {
		g.bx.BroadcastRoom(req.JobID, event, protocol.MessageRefEvent{
			JobID: req.JobID, MessageID: req.MessageID, ActorID: actorID,
		})
		return nil
	})
}

// HandlePin implements contract:message.pin.
func (g *MessagingGateway) HandlePin(ctx context.Context, req protocol.MessageRefRequest, actorID string) error {
	if err := g.handleFanout(ctx, protocol.EvMessagePinned, req, actorID); err != nil {
		return fmt.Errorf("gateway: pin %s: %w", req.MessageID, err)
	}
	return nil
}

// HandleUnpin implements contract:message.unpin.
func (g *MessagingGateway) HandleUnpin(ctx context.Context, req protocol.MessageRefRequest, actorID string) error {
	if err := g.handleFanout(ctx, protocol.EvMessageUnpinned, req, actorID); err != nil {
		return fmt.Errorf("gateway: unpin %s: %w", req.MessageID, err)
	}
	return nil
}

// HandleRead implements contract:message.read.
func (g *MessagingGateway) HandleRead(ctx context.Context, req protocol.MessageRefRequest, actorID string) error {
	if err := g.handleFanout(ctx, protocol.EvMessageRead, req, actorID); err != nil {
		return fmt.Errorf("gateway: read %s: %w", req.MessageID, err)
	}
	return nil
}

// HandleTyping implements contract:message.typing: an unlocked
// broadcast to the room, sender excluded.
func (g *MessagingGateway) HandleTyping(senderSocket string, req protocol.TypingRequest, userID string) {
	g.bx.BroadcastRoom(req.JobID, protocol.EvMessageTyping, protocol.TypingEvent{
		JobID: req.JobID, UserID: userID, IsTyping: req.IsTyping,
	}, senderSocket)
}

// HandleRoomJoin implements contract:room.join / chat.room.join: join
// the socket into the named room and ack.
func (g *MessagingGateway) HandleRoomJoin(socketID string, req protocol.RoomIDRequest) protocol.RoomJoinAck {
	g.bx.JoinRoom(socketID, req.RoomID)
	return protocol.RoomJoinAck{RoomID: req.RoomID}
}

// HandleRoomLeave implements chat.room.leave.
func (g *MessagingGateway) HandleRoomLeave(socketID string, req protocol.RoomIDRequest) protocol.RoomLeaveAck {
	g.bx.LeaveRoom(socketID, req.RoomID)
	return protocol.RoomLeaveAck{Left: true}
}
