package game

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/park285/cheese-arena/internal/oracle"
)

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	Session    SessionOptions
	EvictAfter time.Duration
	// Listener receives the changes of every session the registry owns.
	Listener func(gameID string, c Change)
	Logger   *zap.Logger
	NewID    func() string
}

// Registry maps game ids to live sessions. Its lock only guards the map and is never held across I/O.
type Registry struct {
	store  Store
	oracle oracle.Oracle
	opts   RegistryOptions
	log    *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	loads    singleflight.Group
}

func NewRegistry(store Store, o oracle.Oracle, opts RegistryOptions) *Registry {
	if opts.EvictAfter <= 0 {
		opts.EvictAfter = 15 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Session.Logger == nil {
		opts.Session.Logger = opts.Logger
	}
	opts.Session = opts.Session.withDefaults()
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.NewString() }
	}
	return &Registry{
		store:    store,
		oracle:   o,
		opts:     opts,
		log:      opts.Logger,
		sessions: make(map[string]*Session),
	}
}

func (r *Registry) listenerFor(id string) Listener {
	if r.opts.Listener == nil {
		return nil
	}
	fn := r.opts.Listener
	return func(c Change) { fn(id, c) }
}

// Create persists a new game and registers its session. Nothing is visible if persistence fails.
func (r *Registry) Create(ctx context.Context, ownerID string, cfg Config) (*Session, error) {
	if ownerID == "" {
		return nil, Reject(CodeInvalidArgument, "owner id is required")
	}
	if ownerID == BotID {
		return nil, Reject(CodeInvalidArgument, "reserved user id")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	color, err := resolveColor(cfg.ColorChoice)
	if err != nil {
		return nil, fmt.Errorf("pick color: %w", err)
	}
	g := &Game{
		ID:           r.opts.NewID(),
		Mode:         cfg.Mode,
		Visibility:   cfg.Visibility,
		ColorChoice:  cfg.ColorChoice,
		CreatorColor: color,
		Status:       StatusWaiting,
		CreatorID:    ownerID,
		CreatedAt:    r.opts.Session.Now().UTC(),
	}
	if cfg.TimeLimit != nil {
		v := *cfg.TimeLimit
		g.TimeLimit = &v
	}
	if cfg.Mode == ModeBot {
		g.SecondPlayerID = BotID
		g.Status = StatusActive
	}

	cctx, cancel := context.WithTimeout(ctx, r.opts.Session.StoreTimeout)
	err = r.store.CreateGame(cctx, g)
	cancel()
	if err != nil {
		r.log.Warn("arena_game_create_failed", zap.String("user_id", ownerID), zap.Error(err))
		return nil, toDomain(err)
	}

	s, err := newSession(g, nil, nil, r.store, r.oracle, r.opts.Session, r.listenerFor(g.ID))
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.sessions[g.ID] = s
	r.mu.Unlock()
	r.log.Info("arena_game_create",
		zap.String("game_id", g.ID),
		zap.String("user_id", ownerID),
		zap.String("mode", string(g.Mode)),
		zap.String("creator_color", string(color)),
	)
	return s, nil
}

// Resolve returns the live session for id, loading it from the store when it is not in memory.
// Concurrent resolves of the same id share one load.
func (r *Registry) Resolve(ctx context.Context, id string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		return s, nil
	}

	v, err, _ := r.loads.Do(id, func() (any, error) {
		r.mu.RLock()
		s, ok := r.sessions[id]
		r.mu.RUnlock()
		if ok {
			return s, nil
		}
		s, err := r.load(ctx, id)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		// Double-check after acquiring write lock.
		if cur, ok := r.sessions[id]; ok {
			return cur, nil
		}
		r.sessions[id] = s
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (r *Registry) load(ctx context.Context, id string) (*Session, error) {
	cctx, cancel := context.WithTimeout(ctx, r.opts.Session.StoreTimeout)
	defer cancel()
	g, err := r.store.LoadGame(cctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, Reject(CodeNotFound, "game not found")
		}
		return nil, toDomain(err)
	}
	moves, err := r.store.LoadMoves(cctx, id)
	if err != nil {
		return nil, toDomain(err)
	}
	msgs, err := r.store.LoadMessages(cctx, id, r.opts.Session.MessageLimit)
	if err != nil {
		return nil, toDomain(err)
	}
	s, err := newSession(g, moves, msgs, r.store, r.oracle, r.opts.Session, r.listenerFor(id))
	if err != nil {
		r.log.Error("arena_replay_failed", zap.String("game_id", id), zap.Error(err))
		return nil, Reject(CodeStoreUnavailable, "move history cannot be replayed")
	}
	r.log.Debug("arena_session_load", zap.String("game_id", id), zap.Int("moves", len(moves)))
	return s, nil
}

// ListPublic returns public games waiting for an opponent, newest first.
func (r *Registry) ListPublic(ctx context.Context, limit int) ([]*Game, error) {
	return r.list(ctx, ListFilter{Status: StatusWaiting, Visibility: VisibilityPublic, Limit: limit})
}

// ListForUser returns the games in which userID holds a seat, newest first.
func (r *Registry) ListForUser(ctx context.Context, userID string, limit int) ([]*Game, error) {
	return r.list(ctx, ListFilter{UserID: userID, Limit: limit})
}

// list merges the store listing with live sessions, whose state is authoritative. It reads session
// summaries, so a session busy on the store does not hold up the listing.
func (r *Registry) list(ctx context.Context, f ListFilter) ([]*Game, error) {
	cctx, cancel := context.WithTimeout(ctx, r.opts.Session.StoreTimeout)
	persisted, err := r.store.ListGames(cctx, ListFilter{Status: f.Status, Visibility: f.Visibility, UserID: f.UserID})
	cancel()
	if err != nil {
		return nil, toDomain(err)
	}
	byID := make(map[string]*Game, len(persisted))
	for _, g := range persisted {
		byID[g.ID] = g
	}
	r.mu.RLock()
	live := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.mu.RUnlock()
	for _, s := range live {
		g := s.Summary()
		if f.Matches(g) {
			byID[g.ID] = g
		} else {
			delete(byID, g.ID)
		}
	}

	out := make([]*Game, 0, len(byID))
	for _, g := range byID {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Live reports the number of sessions in memory.
func (r *Registry) Live() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sweep drops finished sessions older than EvictAfter. They are rebuilt from the store on next resolve.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.RLock()
	candidates := make([]*Session, 0)
	for _, s := range r.sessions {
		candidates = append(candidates, s)
	}
	r.mu.RUnlock()

	var expired []string
	for _, s := range candidates {
		if at, ok := s.Finished(); ok && now.Sub(at) >= r.opts.EvictAfter {
			expired = append(expired, s.ID())
		}
	}
	if len(expired) == 0 {
		return 0
	}
	r.mu.Lock()
	for _, id := range expired {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	r.log.Info("arena_session_evict", zap.Int("count", len(expired)))
	return len(expired)
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			r.Sweep(now)
		}
	}
}

// Close drops every live session.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.sessions {
		delete(r.sessions, id)
	}
	return nil
}

func resolveColor(c ColorChoice) (oracle.Color, error) {
	switch c {
	case ChooseWhite:
		return oracle.White, nil
	case ChooseBlack:
		return oracle.Black, nil
	}
	n, err := rand.Int(rand.Reader, big.NewInt(2))
	if err != nil {
		return "", err
	}
	if n.Int64() == 0 {
		return oracle.White, nil
	}
	return oracle.Black, nil
}
