package mediaworker

import "testing"

func TestClamp0(t *testing.T) {
	cases := map[int]int{-5: 0, -1: 0, 0: 0, 1: 1, 42: 42}
	for in, want := range cases {
		if got := clamp0(in); got != want {
			t.Errorf("clamp0(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestRecordOverloaded(t *testing.T) {
	r := &record{online: true, score: 10}
	if r.overloaded(20) {
		t.Fatal("should not be overloaded at score 10 with threshold 20")
	}
	r.score = 20
	if !r.overloaded(20) {
		t.Fatal("should be overloaded at score == threshold")
	}
	r.online = false
	r.score = 0
	if !r.overloaded(20) {
		t.Fatal("offline worker is always overloaded regardless of score")
	}
}

func TestPickLeastLoadedLocked(t *testing.T) {
	p := &Pool{}
	a := &record{id: 0, pid: 100, online: true, score: 5}
	b := &record{id: 1, pid: 101, online: true, score: 1}
	c := &record{id: 2, pid: 102, online: true, score: 3}
	h, err := p.pickLeastLoadedLocked([]*record{a, b, c})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.Pid() != b.pid {
		t.Fatalf("expected least-loaded worker pid %d, got %d", b.pid, h.Pid())
	}
}

func TestPickLeastLoadedLockedNoWorkers(t *testing.T) {
	p := &Pool{}
	if _, err := p.pickLeastLoadedLocked(nil); err != ErrNoWorkersAvailable {
		t.Fatalf("expected ErrNoWorkersAvailable, got %v", err)
	}
}
