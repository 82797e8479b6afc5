// Command collabhubd wires C1-C13 into a single process: the media
// worker pool, distributed lock, session registry, message job queue,
// room store, transport/media service, active-speaker engine, audio
// side-tap, messaging/streaming gateways and the connection supervisor
// that fronts them on one websocket endpoint.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/bken/collabhub/internal/activespeaker"
	"github.com/bken/collabhub/internal/config"
	"github.com/bken/collabhub/internal/connection"
	"github.com/bken/collabhub/internal/gateway"
	"github.com/bken/collabhub/internal/jobqueue"
	"github.com/bken/collabhub/internal/jobsclient"
	"github.com/bken/collabhub/internal/lock"
	"github.com/bken/collabhub/internal/mediasvc"
	"github.com/bken/collabhub/internal/mediaworker"
	"github.com/bken/collabhub/internal/protocol"
	"github.com/bken/collabhub/internal/room"
	"github.com/bken/collabhub/internal/session"
	"github.com/bken/collabhub/internal/sidetap"
	"github.com/bken/collabhub/internal/transport"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("config: load failed", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr(), Password: cfg.Redis.Password})
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("redis: ping failed", "addr", cfg.Redis.Addr(), "err", err)
		os.Exit(1)
	}

	pool, err := mediaworker.New(ctx, cfg.Worker, mediaworker.RespawnPolicyRespawn)
	if err != nil {
		slog.Error("mediaworker: startup failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	locks := lock.New(rdb, cfg.Lock)
	sessions := session.New(rdb)
	jobs := jobsclient.New(cfg.Jobs)
	jobMgr := jobqueue.NewManager(ctx, jobqueue.DefaultIdleSweepInterval)
	defer jobMgr.Destroy()
	durable := jobqueue.NewDurableQueue(cfg.Redis.Addr(), cfg.Redis.Password, rdb)
	defer durable.Close()

	hub := transport.NewHub()
	rooms := room.NewInMemoryStore(pool)
	media := mediasvc.New(mediasvc.Config{
		ListenIP:               cfg.Media.ListenIP,
		InitialOutgoingBitrate: cfg.Media.InitialOutgoingBitrate,
		MaxIncomingBitrate:     cfg.Media.MaxIncomingBitrate,
	}, pool)
	engine := activespeaker.New(cfg.Room.MaxActiveSpeakers)

	tap, err := sidetap.NewPipeline(cfg.SideTap, hub)
	if err != nil {
		slog.Error("sidetap: startup failed", "err", err)
		os.Exit(1)
	}
	defer tap.Close()

	messaging := gateway.NewMessaging(locks, durable, hub, cfg.Messaging.LockMode)
	streaming := gateway.NewStreaming(rooms, media, engine, tap, locks, hub, pool, cfg.Room)

	sup := connection.New(hub, sessions, jobs, cfg.JWT, 30*time.Second)

	d := newDispatcher(messaging, streaming, rooms, jobMgr, hub)
	sup.OnAuthenticated = d.run

	asynqSrv := startDurableWorker(cfg.Redis.Addr(), cfg.Redis.Password)
	defer asynqSrv.Shutdown()
	go runFailedTaskSweeper(ctx, durable)

	e := echo.New()
	e.HideBanner = true
	e.GET("/ws", func(c echo.Context) error {
		sup.Serve(c.Response(), c.Request())
		return nil
	})
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	addr := ":" + getPort()
	go func() {
		slog.Info("collabhubd: listening", "addr", addr)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("http: serve failed", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	slog.Info("collabhubd: shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = e.Shutdown(shutdownCtx)
}

func getPort() string {
	if p := os.Getenv("PORT"); p != "" {
		return p
	}
	return "8080"
}

// retryBackoffBase is spec.md §6's durable-queue retry base (2000ms
// exponential backoff: base * 2^(retried-1)).
const retryBackoffBase = 2000 * time.Millisecond

// startDurableWorker runs the asynq consumer side of C4's durable path
// (spec.md §6): acknowledging a message.created task is the terminal
// action here since encrypted message bodies are opaque and never
// persisted server-side (spec.md §1 Non-goals).
func startDurableWorker(redisAddr, password string) *asynq.Server {
	srv := asynq.NewServer(
		asynq.RedisClientOpt{Addr: redisAddr, Password: password},
		asynq.Config{
			Concurrency: 5,
			RetryDelayFunc: func(n int, err error, t *asynq.Task) time.Duration {
				return retryBackoffBase * time.Duration(1<<uint(n))
			},
		},
	)
	mux := asynq.NewServeMux()
	mux.HandleFunc(jobqueue.TaskTypeMessageCreated, func(ctx context.Context, t *asynq.Task) error {
		var payload jobqueue.MessageCreatedPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("durable worker: decode payload: %w", err)
		}
		slog.Info("durable: message processed", "jobId", payload.JobID, "messageId", payload.MessageID)
		return nil
	})
	go func() {
		if err := srv.Run(mux); err != nil {
			slog.Error("durable worker: stopped", "err", err)
		}
	}()
	return srv
}

// runFailedTaskSweeper periodically enforces spec.md §6's 86400s
// remove-on-fail age, which asynq has no native per-task option for
// (see DurableQueue.SweepFailed and DESIGN.md).
func runFailedTaskSweeper(ctx context.Context, durable *jobqueue.DurableQueue) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := durable.SweepFailed(ctx); err != nil {
				slog.Warn("durable: sweep failed tasks", "err", err)
			}
		}
	}
}

// connState tracks the per-socket state the dispatcher needs to route
// an authenticated socket's frames: which room it has joined, if any.
type connState struct {
	mu     sync.Mutex
	userID string
	roomID string
}

// dispatcher routes inbound frames from an authenticated socket to the
// messaging or streaming gateway by event name (spec.md §4.13 step 7).
type dispatcher struct {
	messaging *gateway.MessagingGateway
	streaming *gateway.StreamingGateway
	rooms     room.Store
	jobs      *jobqueue.Manager
	bx        transport.Broadcaster

	mu    sync.Mutex
	conns map[string]*connState
}

func newDispatcher(m *gateway.MessagingGateway, s *gateway.StreamingGateway, rooms room.Store, jobs *jobqueue.Manager, bx transport.Broadcaster) *dispatcher {
	return &dispatcher{messaging: m, streaming: s, rooms: rooms, jobs: jobs, bx: bx, conns: make(map[string]*connState)}
}

func (d *dispatcher) run(userID, walletType, socketID string, inbound <-chan transport.Frame) {
	_ = walletType
	st := &connState{userID: userID}
	d.mu.Lock()
	d.conns[socketID] = st
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.conns, socketID)
		d.mu.Unlock()
	}()

	for f := range inbound {
		d.dispatch(socketID, userID, st, f)
	}

	st.mu.Lock()
	roomID := st.roomID
	st.mu.Unlock()
	if roomID != "" {
		d.leaveRoom(socketID, userID, roomID)
	}
}

func (d *dispatcher) dispatch(socketID, userID string, st *connState, f transport.Frame) {
	ctx := context.Background()
	switch f.Event {
	case protocol.EvMessageSend:
		d.handleSend(ctx, socketID, f)
	case protocol.EvMessagePin, protocol.EvMessageUnpin, protocol.EvMessageRead:
		d.handleMessageRef(ctx, f, userID)
	case protocol.EvMessageTyping:
		var req protocol.TypingRequest
		if decode(f.Payload, &req) {
			d.messaging.HandleTyping(socketID, req, userID)
		}
	case protocol.EvRoomJoin, protocol.EvChatRoomJoin:
		var req protocol.RoomIDRequest
		if decode(f.Payload, &req) {
			ack := d.messaging.HandleRoomJoin(socketID, req)
			d.bx.SendTo(socketID, protocol.EvRoomJoin, ack)
		}
	case protocol.EvChatRoomLeave:
		var req protocol.RoomIDRequest
		if decode(f.Payload, &req) {
			ack := d.messaging.HandleRoomLeave(socketID, req)
			d.bx.SendTo(socketID, protocol.EvChatRoomLeave, ack)
		}
	case protocol.EvJoinRoom:
		d.handleJoinRoom(ctx, socketID, userID, st, f)
	case protocol.EvRequestTransport:
		d.withPeer(st, func(p *room.Peer, _ *room.Room) {
			var req protocol.TransportRequest
			if !decode(f.Payload, &req) {
				return
			}
			params, err := d.streaming.RequestTransport(p, req)
			if err != nil {
				slog.Warn("requestTransport failed", "user", userID, "err", err)
				return
			}
			d.bx.SendTo(socketID, protocol.EvRequestTransport, params)
		})
	case protocol.EvConnectTransport:
		d.withPeer(st, func(p *room.Peer, _ *room.Room) {
			var req protocol.ConnectTransportRequest
			if !decode(f.Payload, &req) {
				return
			}
			if err := d.streaming.ConnectTransport(p, req); err != nil {
				slog.Warn("connectTransport failed", "user", userID, "err", err)
			}
		})
	case protocol.EvStartProducing:
		d.withPeer(st, func(p *room.Peer, r *room.Room) {
			var req protocol.StartProducingRequest
			if !decode(f.Payload, &req) {
				return
			}
			producer, err := d.streaming.StartProducing(ctx, r, p, req)
			if err != nil {
				slog.Warn("startProducing failed", "user", userID, "err", err)
				return
			}
			d.bx.SendTo(socketID, protocol.EvStartProducing, map[string]string{"id": producer.Id()})
		})
	case protocol.EvConsumeMedia:
		d.withPeer(st, func(p *room.Peer, _ *room.Room) {
			var req protocol.ConsumeMediaRequest
			if !decode(f.Payload, &req) {
				return
			}
			resp, err := d.streaming.ConsumeMedia(p, req)
			if err != nil {
				slog.Warn("consumeMedia failed", "user", userID, "err", err)
				return
			}
			d.bx.SendTo(socketID, protocol.EvConsumeMedia, resp)
		})
	case protocol.EvUnpauseConsumer:
		d.withPeer(st, func(p *room.Peer, _ *room.Room) {
			var req protocol.UnpauseConsumerRequest
			if decode(f.Payload, &req) {
				_ = d.streaming.UnpauseConsumer(p, req)
			}
		})
	case protocol.EvAudioChange:
		d.withPeer(st, func(p *room.Peer, _ *room.Room) {
			var req protocol.AudioChangeRequest
			if decode(f.Payload, &req) {
				_ = d.streaming.AudioChange(p, req)
			}
		})
	case protocol.EvCloseProducers:
		d.withPeer(st, func(p *room.Peer, r *room.Room) {
			var req protocol.CloseProducersRequest
			if decode(f.Payload, &req) {
				d.streaming.CloseProducers(r, p, req)
			}
		})
	case protocol.EvLeaveRoom:
		st.mu.Lock()
		roomID := st.roomID
		st.roomID = ""
		st.mu.Unlock()
		if roomID != "" {
			d.leaveRoom(socketID, userID, roomID)
		}
	default:
		slog.Debug("dispatcher: unhandled event", "event", f.Event)
	}
}

// handleSend routes contract:message.send through the per-jobId FIFO
// (C4) so concurrent sends for the same job serialize by timestamp
// before reaching the lock-guarded enqueue+broadcast (C11).
func (d *dispatcher) handleSend(ctx context.Context, socketID string, f transport.Frame) {
	var msg protocol.Message
	if !decode(f.Payload, &msg) {
		d.bx.SendTo(socketID, protocol.EvMessageSend, protocol.ErrorAck{Error: "malformed message"})
		return
	}
	if msg.JobID == "" {
		d.bx.SendTo(socketID, protocol.EvMessageSend, protocol.ErrorAck{Error: "missing jobId"})
		return
	}

	var ack any
	done := d.jobs.Enqueue(msg.JobID, &jobqueue.Task{
		Timestamp: msg.Timestamp,
		Run: func(taskCtx context.Context) error {
			ack = d.messaging.HandleSend(taskCtx, msg)
			return nil
		},
	})
	<-done
	d.bx.SendTo(socketID, protocol.EvMessageSend, ack)
}

func (d *dispatcher) handleMessageRef(ctx context.Context, f transport.Frame, userID string) {
	var req protocol.MessageRefRequest
	if !decode(f.Payload, &req) {
		return
	}
	var err error
	switch f.Event {
	case protocol.EvMessagePin:
		err = d.messaging.HandlePin(ctx, req, userID)
	case protocol.EvMessageUnpin:
		err = d.messaging.HandleUnpin(ctx, req, userID)
	case protocol.EvMessageRead:
		err = d.messaging.HandleRead(ctx, req, userID)
	}
	if err != nil {
		slog.Warn("message ref handling failed", "event", f.Event, "err", err)
	}
}

func (d *dispatcher) handleJoinRoom(ctx context.Context, socketID, userID string, st *connState, f transport.Frame) {
	var req protocol.JoinRoomRequest
	if !decode(f.Payload, &req) {
		return
	}
	_, view, err := d.streaming.JoinRoom(ctx, socketID, userID, req.UserName, req)
	if err != nil {
		d.bx.SendTo(socketID, protocol.EvAuthError, protocol.AuthErrorEvent{Error: err.Error(), Code: "JOIN_FAILED"})
		return
	}
	st.mu.Lock()
	st.roomID = req.RoomID
	st.mu.Unlock()
	d.bx.SendTo(socketID, protocol.EvNewProducersToConsume, view)
}

func (d *dispatcher) leaveRoom(socketID, userID, roomID string) {
	r, ok := d.rooms.Get(roomID)
	if !ok {
		return
	}
	peer, ok := r.Peer(userID)
	if !ok {
		return
	}
	d.streaming.LeaveRoom(context.Background(), r, peer)
}

// withPeer resolves st's current room/peer pair and invokes fn, a no-op
// if the socket has not joined a room yet.
func (d *dispatcher) withPeer(st *connState, fn func(p *room.Peer, r *room.Room)) {
	st.mu.Lock()
	roomID, userID := st.roomID, st.userID
	st.mu.Unlock()
	if roomID == "" {
		return
	}
	r, ok := d.rooms.Get(roomID)
	if !ok {
		return
	}
	peer, ok := r.Peer(userID)
	if !ok {
		return
	}
	fn(peer, r)
}

// decode re-marshals a generically-decoded JSON payload (map[string]any
// from Frame.Payload) into a concrete request type.
func decode(in any, out any) bool {
	b, err := json.Marshal(in)
	if err != nil {
		return false
	}
	if err := json.Unmarshal(b, out); err != nil {
		return false
	}
	return true
}
