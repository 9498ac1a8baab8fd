package movelog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/park285/cheese-arena/internal/game"
)

const (
	defaultRetention = 72 * time.Hour
	maxTxAttempts    = 3
)

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// Redis keeps each game as a JSON document plus move and message lists. Every write refreshes the
// retention TTL on all of a game's keys and on the indexes naming it.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedis(rdb *redis.Client, retention time.Duration) *Redis {
	if retention <= 0 {
		retention = defaultRetention
	}
	return &Redis{rdb: rdb, ttl: retention}
}

// OpenRedis dials redisURL (redis://[:password@]host:port/db) and verifies connectivity.
func OpenRedis(ctx context.Context, redisURL string, retention time.Duration) (*Redis, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedis(rdb, retention), nil
}

func (s *Redis) keyGame(id string) string     { return "arena:game:" + strings.TrimSpace(id) }
func (s *Redis) keyMoves(id string) string    { return s.keyGame(id) + ":moves" }
func (s *Redis) keyMessages(id string) string { return s.keyGame(id) + ":messages" }
func (s *Redis) keyOpen() string              { return "arena:index:open" }
func (s *Redis) keyAll() string               { return "arena:index:all" }
func (s *Redis) keyUser(user string) string   { return "arena:index:user:" + strings.TrimSpace(user) }

func (s *Redis) Ping(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }

func (s *Redis) Close() error { return s.rdb.Close() }

func (s *Redis) CreateGame(ctx context.Context, g *game.Game) error {
	if g == nil || g.ID == "" {
		return fmt.Errorf("create game: empty record")
	}
	raw, err := json.Marshal(g)
	if err != nil {
		return err
	}
	// document and indexes land in one MULTI, so a crash never leaves an unindexed game
	err = s.watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, s.keyGame(g.ID)).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return errDuplicateGame
		}
		var created *redis.BoolCmd
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			created = pipe.SetNX(ctx, s.keyGame(g.ID), raw, s.ttl)
			s.indexGame(ctx, pipe, g)
			return nil
		})
		if err != nil {
			return err
		}
		if !created.Val() {
			return errDuplicateGame
		}
		return nil
	}, s.keyGame(g.ID))
	if err != nil {
		return fmt.Errorf("create game %s: %w", g.ID, err)
	}
	return nil
}

var errDuplicateGame = errors.New("duplicate id")

// touch extends the retention of every key belonging to g, so an active game expires as a unit
// one retention period after its last write.
func (s *Redis) touch(ctx context.Context, pipe redis.Pipeliner, g *game.Game) {
	pipe.Expire(ctx, s.keyGame(g.ID), s.ttl)
	pipe.Expire(ctx, s.keyMoves(g.ID), s.ttl)
	pipe.Expire(ctx, s.keyMessages(g.ID), s.ttl)
	s.indexGame(ctx, pipe, g)
}

func (s *Redis) indexGame(ctx context.Context, pipe redis.Pipeliner, g *game.Game) {
	pipe.SAdd(ctx, s.keyAll(), g.ID)
	pipe.Expire(ctx, s.keyAll(), s.ttl)
	for _, user := range []string{g.CreatorID, g.SecondPlayerID} {
		if user == "" || user == game.BotID {
			continue
		}
		pipe.SAdd(ctx, s.keyUser(user), g.ID)
		pipe.Expire(ctx, s.keyUser(user), s.ttl)
	}
	if g.Status == game.StatusWaiting && g.Visibility == game.VisibilityPublic {
		pipe.SAdd(ctx, s.keyOpen(), g.ID)
		pipe.Expire(ctx, s.keyOpen(), s.ttl)
	} else {
		pipe.SRem(ctx, s.keyOpen(), g.ID)
	}
}

func (s *Redis) LoadGame(ctx context.Context, id string) (*game.Game, error) {
	return s.loadGame(ctx, s.rdb, id)
}

func (s *Redis) loadGame(ctx context.Context, c getter, id string) (*game.Game, error) {
	raw, err := c.Get(ctx, s.keyGame(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load game %s: %w", id, game.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load game %s: %w", id, err)
	}
	var g game.Game
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("decode game %s: %w", id, err)
	}
	return &g, nil
}

func (s *Redis) UpdateGameStatus(ctx context.Context, id string, u game.StatusUpdate) error {
	return s.watch(ctx, func(tx *redis.Tx) error {
		g, err := s.loadGame(ctx, tx, id)
		if err != nil {
			return err
		}
		g.Apply(u)
		raw, err := json.Marshal(g)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.keyGame(id), raw, s.ttl)
			s.touch(ctx, pipe, g)
			return nil
		})
		return err
	}, s.keyGame(id))
}

func (s *Redis) AppendMove(ctx context.Context, id string, mv game.Move, u *game.StatusUpdate) (int, error) {
	raw, err := json.Marshal(mv)
	if err != nil {
		return 0, err
	}
	err = s.watch(ctx, func(tx *redis.Tx) error {
		g, err := s.loadGame(ctx, tx, id)
		if err != nil {
			return err
		}
		n, err := tx.LLen(ctx, s.keyMoves(id)).Result()
		if err != nil {
			return err
		}
		var lookupErr error
		dup, err := checkAppend(int(n), func(seq int) (game.Move, bool) {
			b, err := tx.LIndex(ctx, s.keyMoves(id), int64(seq-1)).Bytes()
			if err != nil {
				lookupErr = err
				return game.Move{}, false
			}
			var prev game.Move
			if err := json.Unmarshal(b, &prev); err != nil {
				lookupErr = err
				return game.Move{}, false
			}
			return prev, true
		}, mv)
		if lookupErr != nil {
			return lookupErr
		}
		if err != nil {
			return err
		}

		var doc []byte
		if u != nil {
			g.Apply(*u)
			if doc, err = json.Marshal(g); err != nil {
				return err
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if !dup {
				pipe.RPush(ctx, s.keyMoves(id), raw)
			}
			if doc != nil {
				pipe.Set(ctx, s.keyGame(id), doc, s.ttl)
			}
			s.touch(ctx, pipe, g)
			return nil
		})
		return err
	}, s.keyGame(id), s.keyMoves(id))
	if err != nil {
		return 0, err
	}
	return mv.Seq, nil
}

func (s *Redis) LoadMoves(ctx context.Context, id string) ([]game.Move, error) {
	if _, err := s.LoadGame(ctx, id); err != nil {
		return nil, err
	}
	items, err := s.rdb.LRange(ctx, s.keyMoves(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load moves %s: %w", id, err)
	}
	out := make([]game.Move, 0, len(items))
	for _, item := range items {
		var mv game.Move
		if err := json.Unmarshal([]byte(item), &mv); err != nil {
			return nil, fmt.Errorf("decode move %s: %w", id, err)
		}
		out = append(out, mv)
	}
	return out, nil
}

func (s *Redis) AppendMessage(ctx context.Context, id string, msg game.Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.watch(ctx, func(tx *redis.Tx) error {
		g, err := s.loadGame(ctx, tx, id)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, s.keyMessages(id), raw)
			s.touch(ctx, pipe, g)
			return nil
		})
		return err
	}, s.keyGame(id))
}

func (s *Redis) LoadMessages(ctx context.Context, id string, limit int) ([]game.Message, error) {
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	items, err := s.rdb.LRange(ctx, s.keyMessages(id), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load messages %s: %w", id, err)
	}
	out := make([]game.Message, 0, len(items))
	for _, item := range items {
		var msg game.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("decode message %s: %w", id, err)
		}
		out = append(out, msg)
	}
	return out, nil
}

func (s *Redis) ListGames(ctx context.Context, f game.ListFilter) ([]*game.Game, error) {
	index := s.keyAll()
	switch {
	case f.UserID != "":
		index = s.keyUser(f.UserID)
	case f.Status == game.StatusWaiting && f.Visibility == game.VisibilityPublic:
		index = s.keyOpen()
	}
	ids, err := s.rdb.SMembers(ctx, index).Result()
	if err != nil {
		return nil, fmt.Errorf("list games: %w", err)
	}
	out := make([]*game.Game, 0, len(ids))
	for _, id := range ids {
		g, err := s.LoadGame(ctx, id)
		if errors.Is(err, game.ErrNotFound) {
			// expired document, stale index entry
			continue
		}
		if err != nil {
			return nil, err
		}
		if f.Matches(g) {
			out = append(out, g)
		}
	}
	sortNewest(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// watch runs fn under WATCH on keys, retrying a few times when a concurrent writer invalidates it.
func (s *Redis) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	var err error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err = s.rdb.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("optimistic transaction: %w", err)
}
