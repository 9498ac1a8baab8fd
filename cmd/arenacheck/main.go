package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/park285/cheese-arena/internal/arenaclient"
	"github.com/park285/cheese-arena/pkg/arenadto"
)

func main() {
	wsURL := flag.String("ws", os.Getenv("ARENA_WS_URL"), "arena websocket url, e.g. ws://localhost:8080/ws")
	user := flag.String("user", os.Getenv("X_USER_ID"), "user id sent in the X-User-Id header")
	intent := flag.String("intent", arenadto.IntentListOpen, "intent type to send once connected")
	payload := flag.String("payload", "", "raw JSON payload for the intent")
	window := flag.Duration("window", 10*time.Second, "how long to print events")
	flag.Parse()

	if *wsURL == "" {
		log.Fatal("ARENA_WS_URL (or -ws) is required")
	}
	if *user == "" {
		log.Fatal("X_USER_ID (or -user) is required")
	}

	// /healthz lives next to /ws
	if base := healthURL(*wsURL); base != "" {
		hc := &http.Client{Timeout: 5 * time.Second}
		resp, err := hc.Get(base)
		if err != nil {
			log.Printf("/healthz error: %v", err)
		} else {
			log.Printf("/healthz status=%d", resp.StatusCode)
			_ = resp.Body.Close()
		}
	}

	c := arenaclient.New(*wsURL, *user, arenaclient.WithReconnect(0))
	c.OnStateChange(func(state arenaclient.State) {
		log.Printf("WS state: %s", state)
	})
	c.OnEvent(func(ev arenadto.RawEvent) {
		fmt.Printf("event type=%s game=%s req=%s payload=%s\n", ev.Type, ev.GameID, ev.RequestID, ev.Payload)
	})

	cctx, ccancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer ccancel()
	if err := c.Connect(cctx); err != nil {
		log.Printf("WS connect error: %v", err)
		return
	}

	in := arenadto.Intent{Type: *intent, RequestID: "arenacheck-1"}
	if p := strings.TrimSpace(*payload); p != "" {
		if !json.Valid([]byte(p)) {
			log.Fatalf("payload is not valid JSON: %s", p)
		}
		in.Payload = json.RawMessage(p)
	}
	if err := c.Send(cctx, in); err != nil {
		log.Printf("send error: %v", err)
	}

	t := time.NewTimer(*window)
	<-t.C

	_ = c.Close(context.Background())
}

func healthURL(wsURL string) string {
	u := strings.TrimSuffix(wsURL, "/ws")
	switch {
	case strings.HasPrefix(u, "wss://"):
		return "https://" + strings.TrimPrefix(u, "wss://") + "/healthz"
	case strings.HasPrefix(u, "ws://"):
		return "http://" + strings.TrimPrefix(u, "ws://") + "/healthz"
	}
	return ""
}
