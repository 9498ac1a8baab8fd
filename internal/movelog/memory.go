package movelog

import (
	"context"
	"fmt"
	"sync"

	"github.com/park285/cheese-arena/internal/game"
)

// Memory is a development-only store used when no backend is configured.
type Memory struct {
	mu sync.RWMutex

	games    map[string]*game.Game
	moves    map[string][]game.Move
	messages map[string][]game.Message
}

func NewMemory() *Memory {
	return &Memory{
		games:    make(map[string]*game.Game),
		moves:    make(map[string][]game.Move),
		messages: make(map[string][]game.Message),
	}
}

func (m *Memory) CreateGame(ctx context.Context, g *game.Game) error {
	if g == nil || g.ID == "" {
		return fmt.Errorf("create game: empty record")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.games[g.ID]; exists {
		return fmt.Errorf("create game %s: duplicate id", g.ID)
	}
	m.games[g.ID] = g.Clone()
	return nil
}

func (m *Memory) LoadGame(ctx context.Context, id string) (*game.Game, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.games[id]
	if !ok {
		return nil, fmt.Errorf("load game %s: %w", id, game.ErrNotFound)
	}
	return g.Clone(), nil
}

func (m *Memory) UpdateGameStatus(ctx context.Context, id string, u game.StatusUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.games[id]
	if !ok {
		return fmt.Errorf("update game %s: %w", id, game.ErrNotFound)
	}
	g.Apply(u)
	return nil
}

func (m *Memory) AppendMove(ctx context.Context, id string, mv game.Move, u *game.StatusUpdate) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.games[id]
	if !ok {
		return 0, fmt.Errorf("append move %s: %w", id, game.ErrNotFound)
	}
	log := m.moves[id]
	dup, err := checkAppend(len(log), func(seq int) (game.Move, bool) { return log[seq-1], true }, mv)
	if err != nil {
		return 0, err
	}
	if !dup {
		m.moves[id] = append(log, mv)
	}
	if u != nil {
		g.Apply(*u)
	}
	return mv.Seq, nil
}

func (m *Memory) LoadMoves(ctx context.Context, id string) ([]game.Move, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.games[id]; !ok {
		return nil, fmt.Errorf("load moves %s: %w", id, game.ErrNotFound)
	}
	return append([]game.Move{}, m.moves[id]...), nil
}

func (m *Memory) AppendMessage(ctx context.Context, id string, msg game.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.games[id]; !ok {
		return fmt.Errorf("append message %s: %w", id, game.ErrNotFound)
	}
	m.messages[id] = append(m.messages[id], msg)
	return nil
}

func (m *Memory) LoadMessages(ctx context.Context, id string, limit int) ([]game.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.messages[id]
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	return append([]game.Message{}, list...), nil
}

func (m *Memory) ListGames(ctx context.Context, f game.ListFilter) ([]*game.Game, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*game.Game, 0)
	for _, g := range m.games {
		if f.Matches(g) {
			out = append(out, g.Clone())
		}
	}
	sortNewest(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }
