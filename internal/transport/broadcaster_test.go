package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func newTestHub(t *testing.T, h *Hub, socketID string) (*httptest.Server, *websocket.Conn) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, _, err := h.Upgrade(w, r, socketID); err != nil {
			t.Errorf("upgrade: %v", err)
		}
	}))
	return srv, dial(t, srv)
}

func TestSendToDeliversFrame(t *testing.T) {
	h := NewHub()
	srv, conn := newTestHub(t, h, "sock-1")
	defer srv.Close()
	defer conn.Close()

	time.Sleep(20 * time.Millisecond)
	h.SendTo("sock-1", "greeting", map[string]string{"hello": "world"})

	var f Frame
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read: %v", err)
	}
	if f.Event != "greeting" {
		t.Fatalf("expected greeting event, got %q", f.Event)
	}
}

func TestBroadcastRoomExcludesSender(t *testing.T) {
	h := NewHub()
	srv, connA := newTestHub(t, h, "a")
	defer srv.Close()
	defer connA.Close()

	srv2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, _, err := h.Upgrade(w, r, "b"); err != nil {
			t.Errorf("upgrade: %v", err)
		}
	}))
	defer srv2.Close()
	connB := dial(t, srv2)
	defer connB.Close()

	time.Sleep(20 * time.Millisecond)
	h.JoinRoom("a", "room1")
	h.JoinRoom("b", "room1")

	h.BroadcastRoom("room1", "ping", nil, "a")

	connB.SetReadDeadline(time.Now().Add(time.Second))
	var f Frame
	if err := connB.ReadJSON(&f); err != nil {
		t.Fatalf("read on b: %v", err)
	}
	if f.Event != "ping" {
		t.Fatalf("expected ping, got %q", f.Event)
	}

	connA.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if err := connA.ReadJSON(&f); err == nil {
		t.Fatalf("expected no frame delivered to excluded sender a")
	}
}

func TestLeaveRoomStopsDelivery(t *testing.T) {
	h := NewHub()
	srv, conn := newTestHub(t, h, "sock-1")
	defer srv.Close()
	defer conn.Close()

	time.Sleep(20 * time.Millisecond)
	h.JoinRoom("sock-1", "room1")
	h.LeaveRoom("sock-1", "room1")
	h.BroadcastRoom("room1", "ping", nil)

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var f Frame
	if err := conn.ReadJSON(&f); err == nil {
		t.Fatalf("expected no frame after leaving room")
	}
}

func TestDisconnectClosesConnection(t *testing.T) {
	h := NewHub()
	srv, conn := newTestHub(t, h, "sock-1")
	defer srv.Close()
	defer conn.Close()

	time.Sleep(20 * time.Millisecond)
	h.Disconnect("sock-1")

	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected connection closed")
	}
}
