package arenaclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/cheese-arena/pkg/arenadto"
)

// echoServer answers each intent with an event carrying the same request id and the caller's user id.
// The first connection is dropped after one reply when dropFirst is set.
func echoServer(t *testing.T, dropFirst bool) *httptest.Server {
	t.Helper()
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := r.Header.Get("X-User-Id")
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		n := conns.Add(1)
		for {
			var in arenadto.Intent
			if err := wsjson.Read(r.Context(), c, &in); err != nil {
				return
			}
			ev := arenadto.Event{Type: in.Type, RequestID: in.RequestID, Payload: arenadto.WatcherPresence{UserID: user}}
			if err := wsjson.Write(r.Context(), c, ev); err != nil {
				return
			}
			if dropFirst && n == 1 {
				_ = c.Close(websocket.StatusGoingAway, "restart")
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func awaitEvent(t *testing.T, ch <-chan arenadto.RawEvent) arenadto.RawEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatalf("no event received")
	}
	return arenadto.RawEvent{}
}

func awaitState(t *testing.T, c *Client, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for c.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state %s, want %s", c.State(), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSendAndReceive(t *testing.T) {
	srv := echoServer(t, false)
	c := New(wsURL(srv), "alice", WithReconnect(0))
	events := make(chan arenadto.RawEvent, 4)
	c.OnEvent(func(ev arenadto.RawEvent) { events <- ev })

	if err := c.Send(context.Background(), arenadto.Intent{Type: "x"}); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected before dial, got %v", err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer func() { _ = c.Close(context.Background()) }()

	if err := c.SendIntent(context.Background(), arenadto.IntentListOpen, "r1", nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	ev := awaitEvent(t, events)
	if ev.Type != arenadto.IntentListOpen || ev.RequestID != "r1" || !strings.Contains(string(ev.Payload), "alice") {
		t.Fatalf("unexpected echo %+v", ev)
	}
}

func TestReconnectsAfterServerDrop(t *testing.T) {
	srv := echoServer(t, true)
	c := New(wsURL(srv), "bob", WithReconnect(3))
	events := make(chan arenadto.RawEvent, 4)
	c.OnEvent(func(ev arenadto.RawEvent) { events <- ev })
	var states atomic.Int32
	c.OnStateChange(func(s State) {
		if s == StateReconnecting {
			states.Add(1)
		}
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer func() { _ = c.Close(context.Background()) }()

	if err := c.SendIntent(context.Background(), "first", "r1", nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	awaitEvent(t, events)

	deadline := time.Now().Add(3 * time.Second)
	for states.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("client never tried to reconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
	awaitState(t, c, StateConnected)

	if err := c.SendIntent(context.Background(), "second", "r2", nil); err != nil {
		t.Fatalf("send after reconnect: %v", err)
	}
	if ev := awaitEvent(t, events); ev.RequestID != "r2" {
		t.Fatalf("unexpected event after reconnect %+v", ev)
	}
}

func TestStateString(t *testing.T) {
	if StateReconnecting.String() != "reconnecting" || State(42).String() != "unknown" {
		t.Fatalf("unexpected state names")
	}
}
