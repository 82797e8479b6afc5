package session

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRegistry(t *testing.T) (*RedisRegistry, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb), mr
}

func TestBindEvictsPriorSocket(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.Bind(ctx, "u1", "s1"); err != nil {
		t.Fatalf("bind s1: %v", err)
	}
	evicted, err := reg.Bind(ctx, "u1", "s2")
	if err != nil {
		t.Fatalf("bind s2: %v", err)
	}
	if len(evicted) != 1 || evicted[0] != "s1" {
		t.Fatalf("expected s1 evicted, got %v", evicted)
	}

	sockets, err := reg.SocketsOf(ctx, "u1")
	if err != nil {
		t.Fatalf("sockets of: %v", err)
	}
	if len(sockets) != 1 || sockets[0] != "s2" {
		t.Fatalf("expected only s2 bound, got %v", sockets)
	}

	if _, ok, _ := reg.UserOf(ctx, "s1"); ok {
		t.Fatal("s1 reverse mapping should be gone")
	}
	user, ok, err := reg.UserOf(ctx, "s2")
	if err != nil || !ok || user != "u1" {
		t.Fatalf("expected s2 -> u1, got %q ok=%v err=%v", user, ok, err)
	}
}

func TestBindIdempotent(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.Bind(ctx, "u1", "s1"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	evicted, err := reg.Bind(ctx, "u1", "s1")
	if err != nil {
		t.Fatalf("rebind: %v", err)
	}
	if len(evicted) != 0 {
		t.Fatalf("rebinding the same socket should not evict anything, got %v", evicted)
	}
	sockets, _ := reg.SocketsOf(ctx, "u1")
	if len(sockets) != 1 {
		t.Fatalf("expected exactly one socket, got %v", sockets)
	}
}

func TestUnbindClearsReverseMapping(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.Bind(ctx, "u1", "s1"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := reg.Unbind(ctx, "s1"); err != nil {
		t.Fatalf("unbind: %v", err)
	}
	sockets, _ := reg.SocketsOf(ctx, "u1")
	if len(sockets) != 0 {
		t.Fatalf("expected no sockets after unbind, got %v", sockets)
	}
	if _, ok, _ := reg.UserOf(ctx, "s1"); ok {
		t.Fatal("reverse mapping should be removed")
	}
}

func TestAddRoomsAndRoomsOf(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.AddRooms(ctx, "u1", []string{"r1", "r2"}); err != nil {
		t.Fatalf("add rooms: %v", err)
	}
	rooms, err := reg.RoomsOf(ctx, "u1")
	if err != nil {
		t.Fatalf("rooms of: %v", err)
	}
	if len(rooms) != 2 {
		t.Fatalf("expected 2 rooms, got %v", rooms)
	}
}
