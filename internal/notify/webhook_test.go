package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestGameFinishedRetries5xx(t *testing.T) {
	var calls atomic.Int32
	var got GameResult
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.Header.Get("X-Arena-Token") != "secret" {
			t.Errorf("missing header")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, WithRetry(3), WithHeader("X-Arena-Token", "secret"))
	err := w.GameFinished(context.Background(), GameResult{
		GameID: "g1", Winner: "black", Termination: "checkmate", Moves: []string{"f3", "e5", "g4", "Qh4#"},
		FinishedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", calls.Load())
	}
	if got.GameID != "g1" || len(got.Moves) != 4 {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestGameFinishedNoRetryOn4xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	if err := NewWebhook(srv.URL).GameFinished(context.Background(), GameResult{GameID: "g1"}); err == nil {
		t.Fatalf("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("4xx must not be retried, got %d calls", calls.Load())
	}
}

func TestDisabledWebhook(t *testing.T) {
	if err := NewWebhook("").GameFinished(context.Background(), GameResult{}); err != nil {
		t.Fatalf("disabled webhook should be a no-op: %v", err)
	}
}

func TestBackoffDuration(t *testing.T) {
	if backoffDuration(1) != 100*time.Millisecond || backoffDuration(2) != 200*time.Millisecond {
		t.Fatalf("unexpected backoff")
	}
	if backoffDuration(10) != backoffDuration(6) {
		t.Fatalf("backoff should cap")
	}
}
