// Package transport implements the socket fan-out layer: a gorilla/
// websocket hub generalizing the teacher's internal/ws handler (one
// send channel per session) to the Broadcaster capability spec.md §9
// asks every service to depend on instead of reaching into the hub
// directly.
package transport

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 5 * time.Second

// Broadcaster is the narrow send-side capability gateways depend on:
// send to one socket, every socket joined to a room, manage that
// membership, or force a disconnect.
type Broadcaster interface {
	SendTo(socketID string, event string, payload any)
	BroadcastRoom(roomID string, event string, payload any, exclude ...string)
	JoinRoom(socketID, roomID string)
	LeaveRoom(socketID, roomID string)
	Disconnect(socketID string)
}

// Frame is the envelope every outbound message is wrapped in.
type Frame struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

type socketConn struct {
	id    string
	conn  *websocket.Conn
	send  chan Frame
	mu    sync.Mutex
	rooms map[string]struct{}
}

// Hub tracks live sockets and their room memberships and implements
// Broadcaster.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	sockets map[string]*socketConn
	rooms   map[string]map[string]struct{} // roomID -> set of socketIDs
}

// NewHub builds an empty Hub. CheckOrigin is permissive, matching the
// teacher's internal/ws.NewHandler.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		sockets:  make(map[string]*socketConn),
		rooms:    make(map[string]map[string]struct{}),
	}
}

// Upgrade upgrades an HTTP request to a websocket and registers it under
// socketID, returning a receive channel the caller reads inbound frames
// from until it closes.
func (h *Hub) Upgrade(w http.ResponseWriter, r *http.Request, socketID string) (*socketConn, <-chan Frame, error) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, nil, err
	}
	sc := &socketConn{id: socketID, conn: conn, send: make(chan Frame, 64), rooms: make(map[string]struct{})}

	h.mu.Lock()
	h.sockets[socketID] = sc
	h.mu.Unlock()

	inbound := make(chan Frame, 64)
	go sc.writeLoop()
	go h.readLoop(sc, inbound)
	return sc, inbound, nil
}

func (sc *socketConn) writeLoop() {
	for f := range sc.send {
		_ = sc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := sc.conn.WriteJSON(f); err != nil {
			slog.Debug("transport: write failed", "socket", sc.id, "event", f.Event, "err", err)
			return
		}
	}
}

func (h *Hub) readLoop(sc *socketConn, inbound chan<- Frame) {
	defer close(inbound)
	defer h.removeSocket(sc.id)
	_ = sc.conn.SetReadDeadline(time.Time{})
	sc.conn.SetReadLimit(1 << 20)
	for {
		var f Frame
		if err := sc.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("transport: unexpected close", "socket", sc.id, "err", err)
			}
			return
		}
		inbound <- f
	}
}

// JoinRoom adds socketID to roomID's membership set.
func (h *Hub) JoinRoom(socketID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sc, ok := h.sockets[socketID]
	if !ok {
		return
	}
	sc.rooms[roomID] = struct{}{}
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[string]struct{})
	}
	h.rooms[roomID][socketID] = struct{}{}
}

// LeaveRoom removes socketID from roomID's membership set.
func (h *Hub) LeaveRoom(socketID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sc, ok := h.sockets[socketID]; ok {
		delete(sc.rooms, roomID)
	}
	if members, ok := h.rooms[roomID]; ok {
		delete(members, socketID)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

func (h *Hub) removeSocket(socketID string) {
	h.mu.Lock()
	sc, ok := h.sockets[socketID]
	if !ok {
		h.mu.Unlock()
		return
	}
	for roomID := range sc.rooms {
		if members, ok := h.rooms[roomID]; ok {
			delete(members, socketID)
			if len(members) == 0 {
				delete(h.rooms, roomID)
			}
		}
	}
	delete(h.sockets, socketID)
	h.mu.Unlock()
	close(sc.send)
}

// SendTo implements Broadcaster.
func (h *Hub) SendTo(socketID, event string, payload any) {
	h.mu.RLock()
	sc, ok := h.sockets[socketID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case sc.send <- Frame{Event: event, Payload: payload}:
	default:
		slog.Warn("transport: send buffer full, dropping frame", "socket", socketID, "event", event)
	}
}

// BroadcastRoom implements Broadcaster.
func (h *Hub) BroadcastRoom(roomID, event string, payload any, exclude ...string) {
	excluded := make(map[string]struct{}, len(exclude))
	for _, s := range exclude {
		excluded[s] = struct{}{}
	}
	h.mu.RLock()
	members := make([]string, 0, len(h.rooms[roomID]))
	for s := range h.rooms[roomID] {
		if _, skip := excluded[s]; !skip {
			members = append(members, s)
		}
	}
	h.mu.RUnlock()
	for _, s := range members {
		h.SendTo(s, event, payload)
	}
}

// Disconnect closes socketID's connection, triggering its readLoop to
// tear the socket down. Mirrors the cluster-aware "disconnectSockets"
// adapter call of spec.md §4.13 step 5 for the single-node case; a
// clustered deployment would instead publish a disconnect command on a
// pub/sub channel every node subscribes to.
func (h *Hub) Disconnect(socketID string) {
	h.mu.RLock()
	sc, ok := h.sockets[socketID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	_ = sc.conn.Close()
}

// WithDeadline is a small helper returning a bounded context for a
// single inbound event; no handler in this repository calls it.
func WithDeadline(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, d)
}
