// Package protocol defines the wire messages exchanged over both socket
// namespaces (chat and media). Types here are pure data; validation lives
// at the gateway boundary in internal/gateway.
package protocol

// Chat event names, mirrored on inbound and outbound frames.
const (
	EvMessageSend   = "contract:message.send"
	EvMessagePin    = "contract:message.pin"
	EvMessageUnpin  = "contract:message.unpin"
	EvMessageRead   = "contract:message.read"
	EvMessageTyping = "contract:message.typing"
	EvRoomJoin      = "contract:room.join"
	EvChatRoomJoin  = "chat.room.join"
	EvChatRoomLeave = "chat.room.leave"

	EvMessageNew      = "contract:message.new"
	EvMessagePinned   = "contract:message.pinned"
	EvMessageUnpinned = "contract:message.unpinned"
	EvAuthError       = "error:auth"
	EvJobStatus       = "notification:job.status.updated"
)

// Auth error codes sent on EvAuthError.
const (
	AuthCodeTimeout = "AUTH_TIMEOUT"
	AuthCodeFailed  = "AUTH_FAILED"
)

// Message is the chat envelope described in spec.md §3. previousCounter
// and merkleLeaf have no local validator; they pass through opaquely.
type Message struct {
	ID                string            `json:"id"`
	JobID             string            `json:"jobId"`
	SenderID          string            `json:"senderId"`
	Timestamp         int64             `json:"timestamp"`
	Type              string            `json:"type,omitempty"`
	MimeType          string            `json:"mimeType,omitempty"`
	EncryptedContent  EncryptedContent  `json:"encryptedContent"`
	MerkleLeaf        string            `json:"merkleLeaf,omitempty"`
	PreviousCounter   int64             `json:"previousCounter,omitempty"`
	Metadata          map[string]any    `json:"metadata,omitempty"`
}

// EncryptedContent carries an opaque ciphertext body; the server never
// decrypts it (spec.md §1 Non-goals).
type EncryptedContent struct {
	Body string `json:"body"`
}

// SendAck is the response to a successful, non-duplicate contract:message.send.
type SendAck struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId"`
	Timestamp int64  `json:"timestamp"`
}

// DuplicateAck is returned when the idempotency key already exists.
type DuplicateAck struct {
	Delivered bool   `json:"delivered"`
	Duplicate bool   `json:"duplicate"`
	MessageID string `json:"messageId"`
}

// ErrorAck is the generic `{success:false, error}` shape.
type ErrorAck struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// OkEnvelope is the `{ok:true, data}` / `{ok:false, error}` shape used by
// the tryWithLock messaging variant (spec.md §4.11).
type OkEnvelope struct {
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// ErrResourceBusy is the error string for a LockBusy outcome.
const ErrResourceBusy = "RESOURCE_BUSY"

// AuthErrorEvent is sent on EvAuthError before force-disconnect.
type AuthErrorEvent struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// JobStatusUpdated mirrors the external jobs-service push notification
// contract referenced in spec.md §6.
type JobStatusUpdated struct {
	EventID        string `json:"eventId"`
	Timestamp      int64  `json:"timestamp"`
	Source         string `json:"source"`
	JobID          string `json:"jobId"`
	PreviousStatus string `json:"previousStatus"`
	NewStatus      string `json:"newStatus"`
	Transactions   []any  `json:"transactions,omitempty"`
}

// RoomJoinAck acks contract:room.join / chat.room.join.
type RoomJoinAck struct {
	RoomID string `json:"roomId"`
}

// RoomLeaveAck acks chat.room.leave.
type RoomLeaveAck struct {
	Left bool `json:"left"`
}

// RoomIDRequest is the shared payload of contract:room.join,
// chat.room.join and chat.room.leave.
type RoomIDRequest struct {
	RoomID string `json:"roomId"`
}

// MessageRefRequest is the inbound payload for
// contract:message.{pin,unpin,read}: they all name one message within
// one job's conversation.
type MessageRefRequest struct {
	JobID     string `json:"jobId"`
	MessageID string `json:"messageId"`
}

// MessageRefEvent is the structurally identical event fanned out for
// pin/unpin/read (spec.md §4.11).
type MessageRefEvent struct {
	JobID     string `json:"jobId"`
	MessageID string `json:"messageId"`
	ActorID   string `json:"actorId,omitempty"`
}

// TypingRequest is the contract:message.typing inbound payload.
type TypingRequest struct {
	JobID    string `json:"jobId"`
	IsTyping bool   `json:"isTyping"`
}

// TypingEvent is broadcast to every room member but the sender.
type TypingEvent struct {
	JobID    string `json:"jobId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}
