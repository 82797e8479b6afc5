// Package session implements the Redis-backed session registry of
// spec.md §4.3 (C3): one live socket per user, reverse socket→user
// lookup, and the set of rooms a user should auto-join.
package session

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Registry is the narrow capability other packages depend on, per the
// unidirectional-interfaces guidance in spec.md §9.
type Registry interface {
	Bind(ctx context.Context, user, socket string) (evicted []string, err error)
	Unbind(ctx context.Context, socket string) error
	AddRooms(ctx context.Context, user string, roomIDs []string) error
	RoomsOf(ctx context.Context, user string) ([]string, error)
	UserOf(ctx context.Context, socket string) (string, bool, error)
	SocketsOf(ctx context.Context, user string) ([]string, error)
}

// RedisRegistry implements Registry with the key layout from spec.md §6:
// user:sockets:{u} (set), socket:user:{s} (string), user:rooms:{u} (set).
type RedisRegistry struct {
	rdb *redis.Client
}

// New wraps an existing go-redis client.
func New(rdb *redis.Client) *RedisRegistry {
	return &RedisRegistry{rdb: rdb}
}

func socketsKey(user string) string { return "user:sockets:" + user }
func userKey(socket string) string  { return "socket:user:" + socket }
func roomsKey(user string) string   { return "user:rooms:" + user }

// Bind enforces the single-socket-per-user invariant: every socket id
// currently bound to user other than socket is removed and its reverse
// mapping deleted, then socket is added and its reverse mapping set.
// The removals and additions execute as one transactional pipeline, so
// no reader sees a partial write; the read of the existing set happens
// before that pipeline and is not part of it.
func (r *RedisRegistry) Bind(ctx context.Context, user, socket string) ([]string, error) {
	existing, err := r.rdb.SMembers(ctx, socketsKey(user)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("session: bind read existing sockets: %w", err)
	}

	var evicted []string
	pipe := r.rdb.TxPipeline()
	for _, s := range existing {
		if s == socket {
			continue
		}
		pipe.SRem(ctx, socketsKey(user), s)
		pipe.Del(ctx, userKey(s))
		evicted = append(evicted, s)
	}
	pipe.SAdd(ctx, socketsKey(user), socket)
	pipe.Set(ctx, userKey(socket), user, 0)

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("session: bind pipeline: %w", err)
	}
	return evicted, nil
}

// Unbind removes socket's reverse mapping and the user's forward entry.
func (r *RedisRegistry) Unbind(ctx context.Context, socket string) error {
	user, ok, err := r.UserOf(ctx, socket)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	pipe := r.rdb.TxPipeline()
	pipe.SRem(ctx, socketsKey(user), socket)
	pipe.Del(ctx, userKey(socket))
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("session: unbind pipeline: %w", err)
	}
	return nil
}

// AddRooms merges roomIDs into user's auto-join set.
func (r *RedisRegistry) AddRooms(ctx context.Context, user string, roomIDs []string) error {
	if len(roomIDs) == 0 {
		return nil
	}
	members := make([]interface{}, len(roomIDs))
	for i, id := range roomIDs {
		members[i] = id
	}
	if err := r.rdb.SAdd(ctx, roomsKey(user), members...).Err(); err != nil {
		return fmt.Errorf("session: add rooms: %w", err)
	}
	return nil
}

// RoomsOf returns the rooms user should auto-join.
func (r *RedisRegistry) RoomsOf(ctx context.Context, user string) ([]string, error) {
	out, err := r.rdb.SMembers(ctx, roomsKey(user)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("session: rooms of %s: %w", user, err)
	}
	return out, nil
}

// UserOf resolves the user bound to socket, if any.
func (r *RedisRegistry) UserOf(ctx context.Context, socket string) (string, bool, error) {
	user, err := r.rdb.Get(ctx, userKey(socket)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("session: user of %s: %w", socket, err)
	}
	return user, true, nil
}

// SocketsOf returns the (at most one, by invariant) sockets bound to user.
func (r *RedisRegistry) SocketsOf(ctx context.Context, user string) ([]string, error) {
	out, err := r.rdb.SMembers(ctx, socketsKey(user)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("session: sockets of %s: %w", user, err)
	}
	return out, nil
}
