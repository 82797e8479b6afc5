// Package room implements the Room (C5) and Peer (C6) models of
// spec.md §4.5–§4.6: per-room router lifecycle, the active-speaker
// list, pending join approvals, the blocklist, and the periodic
// refresh timer that re-drives the active-speaker engine.
package room

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/itzmanish/mediasoup-go"

	"github.com/bken/collabhub/internal/mediaworker"
)

// PendingJoin is an owner-approval request awaiting a decision; it
// expires after config.Room.PendingJoinTTL (spec.md §4.5).
type PendingJoin struct {
	UserID      string
	DisplayName string
	RequestedAt time.Time
}

// Expired reports whether the request is older than ttl.
func (p PendingJoin) Expired(ttl time.Duration, now time.Time) bool {
	return now.Sub(p.RequestedAt) > ttl
}

// BlockEntry is one blocklist entry (spec.md §3).
type BlockEntry struct {
	UserID    string
	ExpiresAt time.Time
}

// Active reports whether the block is still in effect at now.
func (b BlockEntry) Active(now time.Time) bool {
	return b.ExpiresAt.After(now)
}

// Room holds per-room media state. All mutation of Peers, ActiveSpeakers
// and Blocklist happens under mu; callers that need room-wide
// serialization on top of that (C8/C9 reconciliation, fan-out) use the
// distributed lock keyed by RoomID, not this mutex — mu only protects
// the in-process struct from concurrent handler goroutines on the same
// node.
type Room struct {
	ID      string
	OwnerID string

	mu              sync.RWMutex
	worker          mediaworker.Handle
	router          *mediasoup.Router
	observer        *mediasoup.ActiveSpeakerObserver
	peers           map[string]*Peer // keyed by userID
	activeSpeakers  []string         // producer ids, ranked
	password        string
	blocklist       map[string]BlockEntry
	pendingJoins    map[string]PendingJoin
	refreshCancel   context.CancelFunc
	onDominant      func(producerID string)
}

// New constructs an inactive Room with no router; EnsureActive creates
// the router. AddPeer does not check whether the room is active.
func New(id, ownerID, password string) *Room {
	return &Room{
		ID:           id,
		OwnerID:      ownerID,
		password:     password,
		peers:        make(map[string]*Peer),
		blocklist:    make(map[string]BlockEntry),
		pendingJoins: make(map[string]PendingJoin),
	}
}

// Password returns the room's join password, if any.
func (r *Room) Password() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.password
}

// IsActive reports whether the router has been created.
func (r *Room) IsActive() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.router != nil
}

// Router returns the room's media router, or nil if inactive.
func (r *Room) Router() *mediasoup.Router {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.router
}

// Worker returns the selected worker handle, or nil if inactive.
func (r *Room) Worker() mediaworker.Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.worker
}

// EnsureActive picks a worker (sticky by room id) on first use, creates
// the router and the active-speaker observer with the configured
// interval, and arms the periodic refresh timer. onDominant is invoked
// whenever the observer reports a new dominant speaker (feeds C9).
func (r *Room) EnsureActive(
	pool *mediaworker.Pool,
	observerInterval time.Duration,
	refreshInterval time.Duration,
	onDominant func(producerID string),
	onRefresh func(room *Room),
) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.router != nil {
		return nil
	}

	handle, err := pool.PickForRoom(r.ID)
	if err != nil {
		return fmt.Errorf("room %s: pick worker: %w", r.ID, err)
	}

	router, err := handle.Router().CreateRouter(mediasoup.RouterOptions{})
	if err != nil {
		return fmt.Errorf("room %s: create router: %w", r.ID, err)
	}
	pool.IncRouters(handle.Pid(), +1)

	observer, err := router.CreateActiveSpeakerObserver(mediasoup.ActiveSpeakerObserverOptions{
		Interval: uint16(observerInterval.Milliseconds()),
	})
	if err != nil {
		pool.IncRouters(handle.Pid(), -1)
		return fmt.Errorf("room %s: create active speaker observer: %w", r.ID, err)
	}
	r.onDominant = onDominant
	observer.On("dominantspeaker", func(ds mediasoup.DominantSpeaker) {
		if r.onDominant != nil {
			r.onDominant(ds.Producer.Id())
		}
	})

	r.worker = handle
	r.router = router
	r.observer = observer

	ctx, cancel := context.WithCancel(context.Background())
	r.refreshCancel = cancel
	go r.refreshLoop(ctx, refreshInterval, onRefresh)

	slog.Info("room activated", "room", r.ID, "worker_pid", handle.Pid())
	return nil
}

func (r *Room) refreshLoop(ctx context.Context, interval time.Duration, onRefresh func(room *Room)) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.mu.RLock()
			hasPeers := len(r.peers) > 0
			hasSpeakers := len(r.activeSpeakers) > 0
			r.mu.RUnlock()
			if hasPeers && hasSpeakers && onRefresh != nil {
				onRefresh(r)
			}
		}
	}
}

// RegisterAudioProducer appends a producer id to the active-speaker
// list, as C7.startProducing does for audio/screenAudio producers.
func (r *Room) RegisterAudioProducer(producerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activeSpeakers = append(r.activeSpeakers, producerID)
}

// PromoteToHead moves producerID to index 0 of the active-speaker list,
// inserting it if absent. Returns false if it was already at index 0
// (the dominant-speaker handler's no-churn fast path).
func (r *Room) PromoteToHead(producerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.activeSpeakers) > 0 && r.activeSpeakers[0] == producerID {
		return false
	}
	filtered := r.activeSpeakers[:0:0]
	for _, id := range r.activeSpeakers {
		if id != producerID {
			filtered = append(filtered, id)
		}
	}
	r.activeSpeakers = append([]string{producerID}, filtered...)
	return true
}

// RemoveFromActiveSpeakers strips producerID from the list, if present.
func (r *Room) RemoveFromActiveSpeakers(producerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.activeSpeakers[:0:0]
	for _, id := range r.activeSpeakers {
		if id != producerID {
			out = append(out, id)
		}
	}
	r.activeSpeakers = out
}

// ActiveSpeakers returns a copy of the ranked producer-id list.
func (r *Room) ActiveSpeakers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.activeSpeakers))
	copy(out, r.activeSpeakers)
	return out
}

// Truncated returns ActiveSpeakers() truncated to max entries.
func (r *Room) Truncated(max int) []string {
	list := r.ActiveSpeakers()
	if len(list) > max {
		return list[:max]
	}
	return list
}

// AddPeer registers p under its userID.
func (r *Room) AddPeer(p *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[p.UserID] = p
}

// RemovePeer removes the peer by userID and reports whether the room is
// now empty.
func (r *Room) RemovePeer(userID string) (empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, userID)
	return len(r.peers) == 0
}

// Peer looks up a peer by userID.
func (r *Room) Peer(userID string) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[userID]
	return p, ok
}

// Peers returns a snapshot slice of every peer currently in the room.
func (r *Room) Peers() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

// PeerCount returns the number of peers currently in the room.
func (r *Room) PeerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// FindProducerOwner searches every peer's producers for pid, returning
// the owning peer and the StreamKind it was registered under.
func (r *Room) FindProducerOwner(pid string) (*Peer, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.peers {
		if kind, ok := p.ProducerKindByID(pid); ok {
			return p, kind, true
		}
	}
	return nil, "", false
}

// IsBlocked reports whether userID is currently blocklisted.
func (r *Room) IsBlocked(userID string, now time.Time) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.blocklist[userID]
	return ok && entry.Active(now)
}

// Block adds userID to the blocklist until expiresAt.
func (r *Room) Block(userID string, expiresAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocklist[userID] = BlockEntry{UserID: userID, ExpiresAt: expiresAt}
}

// RequestJoin records a pending owner-approval request.
func (r *Room) RequestJoin(userID, displayName string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pendingJoins[userID] = PendingJoin{UserID: userID, DisplayName: displayName, RequestedAt: now}
}

// ResolveJoin removes userID's pending request (approved or denied).
func (r *Room) ResolveJoin(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pendingJoins, userID)
}

// PruneExpiredJoins removes pending requests older than ttl.
func (r *Room) PruneExpiredJoins(ttl time.Duration, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, pj := range r.pendingJoins {
		if pj.Expired(ttl, now) {
			delete(r.pendingJoins, id)
		}
	}
}

// Close tears the room down: it stops the refresh timer, closes the
// observer, then the router (which cascades transport/producer/consumer
// closure on the mediasoup side), then clears in-process state.
func (r *Room) Close(pool *mediaworker.Pool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refreshCancel != nil {
		r.refreshCancel()
	}
	if r.observer != nil {
		r.observer.Close()
	}
	if r.router != nil {
		r.router.Close()
		if r.worker != nil && pool != nil {
			pool.IncRouters(r.worker.Pid(), -1)
		}
	}
	r.peers = make(map[string]*Peer)
	r.activeSpeakers = nil
	r.router = nil
	r.observer = nil
	slog.Info("room closed", "room", r.ID)
}
