package jobsclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bken/collabhub/internal/config"
)

func testCfg(baseURL string) config.JobsConfig {
	return config.JobsConfig{
		BaseURL:        baseURL,
		RequestTimeout: 2 * time.Second,
		MaxRetries:     3,
	}
}

func TestRoomIDsHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok123" {
			t.Errorf("expected bearer token header, got %q", r.Header.Get("Authorization"))
		}
		if r.URL.Path != "/jobs/ids" {
			t.Errorf("expected /jobs/ids, got %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"data":["room1","room2"],"message":"ok","statusCode":200,"timestamp":0}`))
	}))
	defer srv.Close()

	c := New(testCfg(srv.URL))
	ids, err := c.RoomIDs(context.Background(), "tok123")
	if err != nil {
		t.Fatalf("RoomIDs: %v", err)
	}
	if len(ids) != 2 || ids[0] != "room1" || ids[1] != "room2" {
		t.Fatalf("unexpected ids: %v", ids)
	}
}

func TestRoomIDsRetriesOnServiceUnavailable(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"data":["roomX"],"statusCode":200}`))
	}))
	defer srv.Close()

	c := New(testCfg(srv.URL))
	ids, err := c.RoomIDs(context.Background(), "tok")
	if err != nil {
		t.Fatalf("RoomIDs: %v", err)
	}
	if len(ids) != 1 || ids[0] != "roomX" {
		t.Fatalf("unexpected ids: %v", ids)
	}
	if atomic.LoadInt32(&attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRoomIDsDoesNotRetryNonRetryableStatus(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(testCfg(srv.URL))
	_, err := c.RoomIDs(context.Background(), "tok")
	if err == nil {
		t.Fatalf("expected error for 401 response")
	}
	if atomic.LoadInt32(&attempts) != 1 {
		t.Fatalf("expected exactly 1 attempt for a non-retryable status, got %d", attempts)
	}
}
