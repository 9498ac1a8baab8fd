package broadcast

import (
	"sync"

	"go.uber.org/zap"

	"github.com/park285/cheese-arena/pkg/arenadto"
)

// Role is the kind of seat a subscription holds.
type Role int

const (
	RolePlayer Role = iota + 1
	RoleSpectator
)

func (r Role) String() string {
	switch r {
	case RolePlayer:
		return "player"
	case RoleSpectator:
		return "spectator"
	}
	return "unknown"
}

// Conn is a connection handle. Send must not block; an error means the outbox is full or closed.
type Conn interface {
	ID() string
	UserID() string
	Send(ev arenadto.Event) error
	Done() <-chan struct{}
	Close()
}

type member struct {
	conn Conn
	role Role
}

// room serialises delivery for one game; holding mu while sending keeps publishes FIFO per connection.
type room struct {
	mu      sync.Mutex
	members map[string]*member
	dead    bool
}

// Router is the subscription table gameID → connections.
type Router struct {
	mu    sync.Mutex
	rooms map[string]*room
	conns map[string]map[string]struct{} // conn id → game ids
	log   *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		rooms: make(map[string]*room),
		conns: make(map[string]map[string]struct{}),
		log:   logger,
	}
}

func (r *Router) room(gameID string, create bool) *room {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[gameID]
	if !ok && create {
		rm = &room{members: make(map[string]*member)}
		r.rooms[gameID] = rm
	}
	return rm
}

// Subscribe adds conn to the game's room and, when snapshot is non-nil, sends it before any later
// publish can reach the connection. It reports false when conn was already subscribed; the snapshot
// is still delivered in that case and a player role replaces a watcher one.
func (r *Router) Subscribe(gameID string, conn Conn, role Role, snapshot *arenadto.Event) bool {
	for {
		rm := r.room(gameID, true)
		rm.mu.Lock()
		if rm.dead {
			// removed concurrently; pick up the replacement
			rm.mu.Unlock()
			continue
		}
		m, exists := rm.members[conn.ID()]
		switch {
		case !exists:
			rm.members[conn.ID()] = &member{conn: conn, role: role}
		case role == RolePlayer:
			// a watcher who takes a seat is a player from now on
			m.role = RolePlayer
		}
		var sendErr error
		if snapshot != nil {
			sendErr = conn.Send(*snapshot)
		}
		rm.mu.Unlock()

		if !exists {
			r.track(gameID, conn)
		}
		if sendErr != nil {
			r.log.Warn("router_snapshot_dropped", zap.String("conn_id", conn.ID()), zap.Error(sendErr))
			conn.Close()
		}
		return !exists
	}
}

func (r *Router) track(gameID string, conn Conn) {
	r.mu.Lock()
	games, seen := r.conns[conn.ID()]
	if !seen {
		games = make(map[string]struct{})
		r.conns[conn.ID()] = games
	}
	games[gameID] = struct{}{}
	r.mu.Unlock()
	if !seen {
		go func() {
			<-conn.Done()
			r.Drop(conn)
		}()
	}
}

// Unsubscribe removes conn from a room. Removing a spectator publishes watcherLeft.
func (r *Router) Unsubscribe(gameID string, conn Conn) {
	r.remove(gameID, conn.ID())
	r.mu.Lock()
	if games, ok := r.conns[conn.ID()]; ok {
		delete(games, gameID)
	}
	r.mu.Unlock()
}

// Drop removes conn from every room it joined.
func (r *Router) Drop(conn Conn) {
	r.mu.Lock()
	games := r.conns[conn.ID()]
	delete(r.conns, conn.ID())
	r.mu.Unlock()
	for gameID := range games {
		r.remove(gameID, conn.ID())
	}
	if len(games) > 0 {
		r.log.Debug("router_conn_dropped", zap.String("conn_id", conn.ID()), zap.Int("rooms", len(games)))
	}
}

func (r *Router) remove(gameID, connID string) {
	rm := r.room(gameID, false)
	if rm == nil {
		return
	}
	rm.mu.Lock()
	m, ok := rm.members[connID]
	if !ok {
		rm.mu.Unlock()
		return
	}
	delete(rm.members, connID)
	var failed []*member
	if m.role == RoleSpectator {
		failed = rm.deliverLocked(gameID, watcherLeft(gameID, m.conn.UserID()))
	}
	empty := len(rm.members) == 0
	rm.mu.Unlock()

	if empty {
		r.reap(gameID, rm)
	}
	r.closeAll(failed)
}

// reap deletes an empty room. Lock order is router then room.
func (r *Router) reap(gameID string, rm *room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if len(rm.members) == 0 && r.rooms[gameID] == rm {
		rm.dead = true
		delete(r.rooms, gameID)
	}
}

// Publish delivers ev to every connection in the room, in call order per room.
func (r *Router) Publish(gameID string, ev arenadto.Event) {
	rm := r.room(gameID, false)
	if rm == nil {
		return
	}
	if ev.GameID == "" {
		ev.GameID = gameID
	}
	rm.mu.Lock()
	failed := rm.deliverLocked(gameID, ev)
	empty := len(rm.members) == 0
	rm.mu.Unlock()
	if empty && len(failed) > 0 {
		r.reap(gameID, rm)
	}
	r.closeAll(failed)
}

// deliverLocked sends ev to each member and evicts the ones whose outbox rejected it. Evicted
// spectators are announced to the rest of the room.
func (rm *room) deliverLocked(gameID string, ev arenadto.Event) []*member {
	failed := rm.sendLocked(ev)
	for i := 0; i < len(failed); i++ {
		if failed[i].role == RoleSpectator {
			failed = append(failed, rm.sendLocked(watcherLeft(gameID, failed[i].conn.UserID()))...)
		}
	}
	return failed
}

func (rm *room) sendLocked(ev arenadto.Event) []*member {
	var failed []*member
	for id, m := range rm.members {
		if err := m.conn.Send(ev); err != nil {
			delete(rm.members, id)
			failed = append(failed, m)
		}
	}
	return failed
}

func watcherLeft(gameID, userID string) arenadto.Event {
	return arenadto.Event{
		Type:    arenadto.EventWatcherLeft,
		GameID:  gameID,
		Payload: arenadto.WatcherPresence{UserID: userID},
	}
}

func (r *Router) closeAll(failed []*member) {
	for _, m := range failed {
		c := m.conn
		r.log.Warn("router_slow_consumer", zap.String("conn_id", c.ID()), zap.String("user_id", c.UserID()))
		// Done fires and the watcher drops the remaining subscriptions
		c.Close()
	}
}

// Watching reports whether userID holds a spectator subscription on the game.
func (r *Router) Watching(gameID, userID string) bool {
	rm := r.room(gameID, false)
	if rm == nil {
		return false
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	for _, m := range rm.members {
		if m.role == RoleSpectator && m.conn.UserID() == userID {
			return true
		}
	}
	return false
}

// Subscribed reports whether the connection is in the game's room.
func (r *Router) Subscribed(gameID, connID string) bool {
	rm := r.room(gameID, false)
	if rm == nil {
		return false
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	_, ok := rm.members[connID]
	return ok
}

// Members returns the number of connections subscribed to the game.
func (r *Router) Members(gameID string) int {
	rm := r.room(gameID, false)
	if rm == nil {
		return 0
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.members)
}
