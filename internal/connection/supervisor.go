// Package connection implements the Connection Supervisor (C13) of
// spec.md §4.13: authentication handshake, single-socket enforcement,
// and auto-join of the user's rooms on every raw socket.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/bken/collabhub/internal/config"
	"github.com/bken/collabhub/internal/jobsclient"
	"github.com/bken/collabhub/internal/protocol"
	"github.com/bken/collabhub/internal/session"
	"github.com/bken/collabhub/internal/transport"
)

// ErrMissingToken is returned when no token is present in the query
// string or the Authorization header; a handshake auth payload is not
// read.
var ErrMissingToken = errors.New("connection: missing auth token")

// claims is the HMAC-signed handshake token's payload (spec.md §4.13
// step 3: {sub, walletType}).
type claims struct {
	Sub        string `json:"sub"`
	WalletType string `json:"walletType"`
	jwt.RegisteredClaims
}

// RoomFetcher is the narrow capability Supervisor needs from the
// external jobs service (spec.md §9). *jobsclient.Client satisfies it.
type RoomFetcher interface {
	RoomIDs(ctx context.Context, token string) ([]string, error)
}

// Supervisor authenticates raw sockets and hands authenticated ones off
// to OnAuthenticated for gateway dispatch.
type Supervisor struct {
	hub         *transport.Hub
	sessions    session.Registry
	jobs        RoomFetcher
	jwtSecret   []byte
	authTimeout time.Duration

	// OnAuthenticated is invoked once a socket has passed authentication
	// and completed room auto-join; it should read inbound until the
	// channel closes and dispatch frames to the messaging/streaming
	// gateways. Set before Serve is used.
	OnAuthenticated func(userID, walletType, socketID string, inbound <-chan transport.Frame)
}

// New builds a Supervisor. authTimeout defaults to 30s if zero.
func New(hub *transport.Hub, sessions session.Registry, jobs RoomFetcher, jwtCfg config.JWTConfig, authTimeout time.Duration) *Supervisor {
	if authTimeout <= 0 {
		authTimeout = 30 * time.Second
	}
	return &Supervisor{
		hub:         hub,
		sessions:    sessions,
		jobs:        jobs,
		jwtSecret:   []byte(jwtCfg.Secret),
		authTimeout: authTimeout,
	}
}

// Serve upgrades r to a websocket, authenticates it within the
// configured timeout, enforces the single-socket-per-user invariant via
// C3.Bind, fetches and auto-joins the user's rooms, and hands off to
// OnAuthenticated (spec.md §4.13 steps 1-7).
func (s *Supervisor) Serve(w http.ResponseWriter, r *http.Request) {
	socketID := uuid.NewString()
	_, inbound, err := s.hub.Upgrade(w, r, socketID)
	if err != nil {
		slog.Warn("connection: upgrade failed", "err", err)
		return
	}

	authenticated := make(chan struct{})
	timer := time.AfterFunc(s.authTimeout, func() {
		select {
		case <-authenticated:
		default:
			s.hub.SendTo(socketID, protocol.EvAuthError, protocol.AuthErrorEvent{
				Error: "authentication timed out", Code: protocol.AuthCodeTimeout,
			})
			s.hub.Disconnect(socketID)
		}
	})

	token := extractToken(r)
	userID, walletType, err := s.validateToken(token)
	if err != nil {
		timer.Stop()
		s.hub.SendTo(socketID, protocol.EvAuthError, protocol.AuthErrorEvent{
			Error: err.Error(), Code: protocol.AuthCodeFailed,
		})
		s.hub.Disconnect(socketID)
		return
	}
	close(authenticated)
	timer.Stop()

	ctx := context.Background()
	evicted, err := s.sessions.Bind(ctx, userID, socketID)
	if err != nil {
		slog.Error("connection: bind failed", "user", userID, "err", err)
	}
	for _, old := range evicted {
		s.hub.Disconnect(old)
		_ = s.sessions.Unbind(ctx, old)
	}

	if roomIDs, err := s.jobs.RoomIDs(ctx, token); err != nil {
		slog.Warn("connection: fetch room ids failed", "user", userID, "err", err)
	} else if len(roomIDs) > 0 {
		if err := s.sessions.AddRooms(ctx, userID, roomIDs); err != nil {
			slog.Warn("connection: persist auto-join rooms failed", "user", userID, "err", err)
		}
		for _, rid := range roomIDs {
			s.hub.JoinRoom(socketID, rid)
		}
	}

	slog.Info("connection: authenticated", "user", userID, "socket", socketID)

	if s.OnAuthenticated != nil {
		s.OnAuthenticated(userID, walletType, socketID, inbound)
	} else {
		for range inbound {
		}
	}

	if err := s.sessions.Unbind(ctx, socketID); err != nil {
		slog.Warn("connection: unbind failed", "socket", socketID, "err", err)
	}
	slog.Info("connection: disconnected", "user", userID, "socket", socketID)
}

// validateToken parses and verifies an HMAC-signed token, returning the
// subject and wallet type claims.
func (s *Supervisor) validateToken(token string) (userID, walletType string, err error) {
	if token == "" {
		return "", "", ErrMissingToken
	}
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("connection: unexpected signing method %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return "", "", fmt.Errorf("connection: %w", err)
	}
	if !parsed.Valid || c.Sub == "" {
		return "", "", errors.New("connection: invalid token")
	}
	return c.Sub, c.WalletType, nil
}

// extractToken reads the handshake token from, in priority order, the
// query string, then the Authorization header (spec.md §4.13 step 2).
func extractToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}
