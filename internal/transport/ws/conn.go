package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/cheese-arena/pkg/arenadto"
)

var errOutboxFull = errors.New("outbox full")

const writeTimeout = 5 * time.Second

// conn adapts a websocket to broadcast.Conn. Sends are queued on a bounded outbox drained by writeLoop.
type conn struct {
	id     string
	user   string
	ws     *websocket.Conn
	outbox chan arenadto.Event
	log    *zap.Logger

	done      chan struct{}
	closeOnce sync.Once
}

func newConn(c *websocket.Conn, userID string, size int, logger *zap.Logger) *conn {
	if size <= 0 {
		size = 64
	}
	id := uuid.NewString()
	return &conn{
		id:     id,
		user:   userID,
		ws:     c,
		outbox: make(chan arenadto.Event, size),
		log:    logger.With(zap.String("conn_id", id), zap.String("user_id", userID)),
		done:   make(chan struct{}),
	}
}

func (c *conn) ID() string     { return c.id }
func (c *conn) UserID() string { return c.user }

func (c *conn) Send(ev arenadto.Event) error {
	select {
	case <-c.done:
		return errors.New("connection closed")
	default:
	}
	select {
	case c.outbox <- ev:
		return nil
	default:
		return errOutboxFull
	}
}

func (c *conn) Done() <-chan struct{} { return c.done }

func (c *conn) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// writeLoop drains the outbox and pings the peer until the connection is closed or ctx ends.
func (c *conn) writeLoop(ctx context.Context, pingInterval time.Duration) {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			_ = c.ws.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case <-c.done:
			c.flush(ctx)
			_ = c.ws.Close(websocket.StatusNormalClosure, "bye")
			return
		case ev := <-c.outbox:
			if err := c.write(ctx, ev); err != nil {
				c.log.Debug("ws_write_failed", zap.Error(err))
				c.Close()
			}
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.ws.Ping(pctx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			if failures >= 2 {
				c.log.Info("ws_ping_timeout", zap.Error(err))
				c.Close()
			}
		}
	}
}

// flush writes whatever is already queued, best effort.
func (c *conn) flush(ctx context.Context) {
	for {
		select {
		case ev := <-c.outbox:
			if err := c.write(ctx, ev); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *conn) write(ctx context.Context, ev arenadto.Event) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(wctx, c.ws, ev)
}
