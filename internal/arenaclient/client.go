package arenaclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/cheese-arena/pkg/arenadto"
)

// State is the connection state reported to state callbacks.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

type EventCallback func(ev arenadto.RawEvent)

type StateCallback func(state State)

var ErrNotConnected = errors.New("arena client not connected")

type callbackEntry struct {
	id       int
	callback EventCallback
}

type stateCallbackEntry struct {
	id       int
	callback StateCallback
}

// Client is a reconnecting arena WebSocket client. The user id travels in the X-User-Id handshake header.
type Client struct {
	url    string
	userID string

	connM sync.Mutex
	conn  *websocket.Conn
	state State

	cbM      sync.RWMutex
	eventCbs []callbackEntry
	stateCbs []stateCallbackEntry
	nextCbID int

	maxReconnectAttempts int
	pingInterval         time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	rootCtx    context.Context
	rootCancel context.CancelFunc
}

type Option func(*Client)

func WithReconnect(attempts int) Option {
	return func(c *Client) { c.maxReconnectAttempts = attempts }
}

func WithPingInterval(d time.Duration) Option {
	return func(c *Client) { c.pingInterval = d }
}

func New(wsURL, userID string, opts ...Option) *Client {
	c := &Client{
		url:                  wsURL,
		userID:               strings.TrimSpace(userID),
		state:                StateDisconnected,
		maxReconnectAttempts: 5,
		pingInterval:         30 * time.Second,
		stopCh:               make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.rootCtx, c.rootCancel = context.WithCancel(context.Background())
	return c
}

// Connect dials once. A failed dial schedules background reconnects when enabled.
func (c *Client) Connect(ctx context.Context) error {
	c.connM.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.connM.Unlock()
		return nil
	}
	c.connM.Unlock()

	c.setState(StateConnecting)
	if err := c.dial(ctx); err != nil {
		c.setState(StateFailed)
		c.scheduleReconnect()
		return err
	}
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	hdr := http.Header{}
	if c.userID != "" {
		hdr.Set("X-User-Id", c.userID)
	}
	conn, _, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		HTTPHeader:      hdr,
	})
	if err != nil {
		return err
	}
	c.connM.Lock()
	c.conn = conn
	c.connM.Unlock()
	c.setState(StateConnected)

	c.wg.Add(2)
	go c.listen(conn)
	go c.pingLoop(conn)
	return nil
}

// Send writes one intent frame.
func (c *Client) Send(ctx context.Context, in arenadto.Intent) error {
	c.connM.Lock()
	conn := c.conn
	c.connM.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(wctx, conn, in)
}

// SendIntent marshals payload and sends it as an intent of the given type.
func (c *Client) SendIntent(ctx context.Context, typ, requestID string, payload any) error {
	in := arenadto.Intent{Type: typ, RequestID: requestID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		in.Payload = raw
	}
	return c.Send(ctx, in)
}

func (c *Client) listen(conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		var ev arenadto.RawEvent
		if err := wsjson.Read(c.rootCtx, conn, &ev); err != nil {
			if c.isStopping() {
				return
			}
			if c.dropConn(conn, websocket.StatusGoingAway, "reconnect") {
				c.setState(StateDisconnected)
				c.scheduleReconnect()
			}
			return
		}

		c.cbM.RLock()
		callbacks := make([]callbackEntry, len(c.eventCbs))
		copy(callbacks, c.eventCbs)
		c.cbM.RUnlock()
		for _, entry := range callbacks {
			if entry.callback != nil {
				entry.callback(ev)
			}
		}
	}
}

func (c *Client) pingLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	t := time.NewTicker(c.pingInterval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-c.stopCh:
			return
		case <-c.rootCtx.Done():
			return
		case <-t.C:
			if !c.current(conn) {
				return
			}
			ctx, cancel := context.WithTimeout(c.rootCtx, 3*time.Second)
			err := conn.Ping(ctx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			if failures >= 2 {
				if c.isStopping() {
					return
				}
				if c.dropConn(conn, websocket.StatusGoingAway, "ping failure") {
					c.setState(StateDisconnected)
					c.scheduleReconnect()
				}
				return
			}
		}
	}
}

func (c *Client) scheduleReconnect() {
	if c.maxReconnectAttempts <= 0 || c.isStopping() {
		return
	}
	c.setState(StateReconnecting)

	go func() {
		for attempt := 1; attempt <= c.maxReconnectAttempts; attempt++ {
			select {
			case <-c.stopCh:
				return
			case <-time.After(backoffDuration(attempt)):
			}
			if err := c.dial(c.rootCtx); err == nil {
				return
			}
		}
		c.setState(StateFailed)
	}()
}

// OnEvent registers cb for every received event and returns its registration id.
func (c *Client) OnEvent(cb EventCallback) int {
	c.cbM.Lock()
	defer c.cbM.Unlock()
	c.nextCbID++
	c.eventCbs = append(c.eventCbs, callbackEntry{id: c.nextCbID, callback: cb})
	return c.nextCbID
}

func (c *Client) RemoveEventCallback(id int) {
	c.cbM.Lock()
	defer c.cbM.Unlock()
	for i, cb := range c.eventCbs {
		if cb.id == id {
			c.eventCbs = append(c.eventCbs[:i], c.eventCbs[i+1:]...)
			break
		}
	}
}

func (c *Client) OnStateChange(cb StateCallback) int {
	c.cbM.Lock()
	defer c.cbM.Unlock()
	c.nextCbID++
	c.stateCbs = append(c.stateCbs, stateCallbackEntry{id: c.nextCbID, callback: cb})
	return c.nextCbID
}

func (c *Client) State() State {
	c.connM.Lock()
	defer c.connM.Unlock()
	return c.state
}

func (c *Client) setState(state State) {
	c.connM.Lock()
	c.state = state
	c.connM.Unlock()

	c.cbM.RLock()
	callbacks := make([]stateCallbackEntry, len(c.stateCbs))
	copy(callbacks, c.stateCbs)
	c.cbM.RUnlock()
	for _, entry := range callbacks {
		if entry.callback != nil {
			entry.callback(state)
		}
	}
}

// Close stops reconnecting, closes the socket and waits for the reader and pinger to exit.
func (c *Client) Close(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.connM.Lock()
	conn := c.conn
	c.connM.Unlock()
	if conn != nil {
		c.dropConn(conn, websocket.StatusNormalClosure, "close")
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		c.rootCancel()
		return ctx.Err()
	case <-done:
		c.rootCancel()
		c.setState(StateDisconnected)
		return nil
	}
}

// dropConn closes conn if it is still the active connection and reports whether it was.
func (c *Client) dropConn(conn *websocket.Conn, code websocket.StatusCode, reason string) bool {
	c.connM.Lock()
	active := c.conn == conn
	if active {
		c.conn = nil
	}
	c.connM.Unlock()
	_ = conn.Close(code, reason)
	return active
}

func (c *Client) current(conn *websocket.Conn) bool {
	c.connM.Lock()
	defer c.connM.Unlock()
	return c.conn == conn
}

func (c *Client) isStopping() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := 100 * time.Millisecond << (attempt - 1)
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}
