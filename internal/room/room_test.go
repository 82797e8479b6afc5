package room

import (
	"testing"
	"time"
)

func TestPromoteToHeadNoChurnAtIndexZero(t *testing.T) {
	r := New("r1", "owner", "")
	r.RegisterAudioProducer("PA")
	r.RegisterAudioProducer("PB")
	r.PromoteToHead("PA")
	if changed := r.PromoteToHead("PA"); changed {
		t.Fatal("promoting the already-dominant speaker should report no change")
	}
	if got := r.ActiveSpeakers(); len(got) != 2 || got[0] != "PA" {
		t.Fatalf("unexpected list after no-op promote: %v", got)
	}
}

func TestPromoteToHeadReorders(t *testing.T) {
	r := New("r1", "owner", "")
	r.RegisterAudioProducer("PA")
	r.RegisterAudioProducer("PB")
	changed := r.PromoteToHead("PB")
	if !changed {
		t.Fatal("expected a change when promoting a non-head speaker")
	}
	got := r.ActiveSpeakers()
	if len(got) != 2 || got[0] != "PB" || got[1] != "PA" {
		t.Fatalf("expected [PB PA], got %v", got)
	}
}

func TestPromoteToHeadInsertsAbsent(t *testing.T) {
	r := New("r1", "owner", "")
	r.RegisterAudioProducer("PA")
	r.PromoteToHead("PC")
	got := r.ActiveSpeakers()
	if len(got) != 2 || got[0] != "PC" {
		t.Fatalf("expected PC inserted at head, got %v", got)
	}
}

func TestRemoveFromActiveSpeakers(t *testing.T) {
	r := New("r1", "owner", "")
	r.RegisterAudioProducer("PA")
	r.RegisterAudioProducer("PB")
	r.RemoveFromActiveSpeakers("PA")
	got := r.ActiveSpeakers()
	if len(got) != 1 || got[0] != "PB" {
		t.Fatalf("expected [PB], got %v", got)
	}
}

func TestTruncated(t *testing.T) {
	r := New("r1", "owner", "")
	for _, p := range []string{"P1", "P2", "P3", "P4"} {
		r.RegisterAudioProducer(p)
	}
	got := r.Truncated(2)
	if len(got) != 2 || got[0] != "P1" || got[1] != "P2" {
		t.Fatalf("expected truncation to [P1 P2], got %v", got)
	}
}

func TestBlocklist(t *testing.T) {
	r := New("r1", "owner", "")
	now := time.Now()
	r.Block("bad-actor", now.Add(time.Minute))
	if !r.IsBlocked("bad-actor", now) {
		t.Fatal("expected bad-actor to be blocked")
	}
	if r.IsBlocked("bad-actor", now.Add(2*time.Minute)) {
		t.Fatal("block should have expired")
	}
}

func TestPendingJoinExpiry(t *testing.T) {
	r := New("r1", "owner", "")
	now := time.Now()
	r.RequestJoin("u2", "Bob", now)
	r.PruneExpiredJoins(60*time.Second, now.Add(30*time.Second))
	r.mu.RLock()
	_, stillThere := r.pendingJoins["u2"]
	r.mu.RUnlock()
	if !stillThere {
		t.Fatal("request within TTL should survive prune")
	}
	r.PruneExpiredJoins(60*time.Second, now.Add(61*time.Second))
	r.mu.RLock()
	_, goneNow := r.pendingJoins["u2"]
	r.mu.RUnlock()
	if goneNow {
		t.Fatal("request past TTL should be pruned")
	}
}

func TestRoomPasswordGuard(t *testing.T) {
	r := New("r2", "owner", "s3cret")
	if r.Password() != "s3cret" {
		t.Fatalf("expected password s3cret, got %q", r.Password())
	}
}
