package movelog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/park285/cheese-arena/internal/game"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedis(rdb, time.Hour), mr
}

func TestRedisStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) game.Store {
		s, _ := newTestRedis(t)
		return s
	})
}

func TestRedisRetentionTTL(t *testing.T) {
	s, mr := newTestRedis(t)
	ctx := context.Background()
	if err := s.CreateGame(ctx, sampleGame("g1", "alice", time.Now())); err != nil {
		t.Fatalf("create: %v", err)
	}
	if ttl := mr.TTL("arena:game:g1"); ttl != time.Hour {
		t.Fatalf("expected 1h ttl, got %v", ttl)
	}
	mr.FastForward(2 * time.Hour)
	list, err := s.ListGames(ctx, game.ListFilter{UserID: "alice"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected expired game to disappear, got %v", ids(list))
	}
}

func TestRedisJoinLeavesOpenIndex(t *testing.T) {
	s, mr := newTestRedis(t)
	ctx := context.Background()
	if err := s.CreateGame(ctx, sampleGame("g1", "alice", time.Now())); err != nil {
		t.Fatalf("create: %v", err)
	}
	if ok, _ := mr.SIsMember("arena:index:open", "g1"); !ok {
		t.Fatalf("expected game in open index")
	}
	if err := s.UpdateGameStatus(ctx, "g1", game.StatusUpdate{Status: game.StatusActive, SecondPlayerID: "bob"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if ok, _ := mr.SIsMember("arena:index:open", "g1"); ok {
		t.Fatalf("expected game removed from open index")
	}
	if ok, _ := mr.SIsMember("arena:index:user:bob", "g1"); !ok {
		t.Fatalf("expected joiner indexed")
	}
}

func TestRedisActiveGameOutlivesRetention(t *testing.T) {
	s, mr := newTestRedis(t)
	ctx := context.Background()
	base := time.Now()
	if err := s.CreateGame(ctx, sampleGame("g1", "alice", base)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.UpdateGameStatus(ctx, "g1", game.StatusUpdate{Status: game.StatusActive, SecondPlayerID: "bob"}); err != nil {
		t.Fatalf("join: %v", err)
	}

	line := []string{"e2e4", "e7e5", "g1f3", "b8c6", "f1c4", "g8f6"}
	for i, uci := range line {
		// each gap is a third of the retention; the game spans twice the retention overall
		mr.FastForward(20 * time.Minute)
		actor := "alice"
		if i%2 == 1 {
			actor = "bob"
		}
		mv := game.Move{Seq: i + 1, ActorID: actor, UCI: uci, FEN: "fen", PlayedAt: base}
		if _, err := s.AppendMove(ctx, "g1", mv, nil); err != nil {
			t.Fatalf("move %d after %v: %v", i+1, time.Duration(i+1)*20*time.Minute, err)
		}
		if i == 2 {
			mr.FastForward(20 * time.Minute)
			if err := s.AppendMessage(ctx, "g1", game.Message{ActorID: "bob", Text: "nice", CreatedAt: base}); err != nil {
				t.Fatalf("message: %v", err)
			}
		}
	}

	for _, key := range []string{"arena:game:g1", "arena:game:g1:moves", "arena:game:g1:messages", "arena:index:all", "arena:index:user:alice", "arena:index:user:bob"} {
		if ttl := mr.TTL(key); ttl != time.Hour {
			t.Fatalf("%s: expected ttl refreshed to 1h, got %v", key, ttl)
		}
	}
	moves, err := s.LoadMoves(ctx, "g1")
	if err != nil || len(moves) != len(line) {
		t.Fatalf("expected %d moves, got %d err=%v", len(line), len(moves), err)
	}
	mine, err := s.ListGames(ctx, game.ListFilter{UserID: "bob"})
	if err != nil || len(mine) != 1 {
		t.Fatalf("joiner should still list the game, got %v err=%v", ids(mine), err)
	}

	mr.FastForward(61 * time.Minute)
	if _, err := s.LoadGame(ctx, "g1"); !errors.Is(err, game.ErrNotFound) {
		t.Fatalf("idle game should expire, got %v", err)
	}
	if mr.Exists("arena:game:g1:moves") || mr.Exists("arena:game:g1:messages") {
		t.Fatalf("move and message lists should expire with the game")
	}
}

func TestRedisCreateIsAtomic(t *testing.T) {
	s, mr := newTestRedis(t)
	ctx := context.Background()
	if err := s.CreateGame(ctx, sampleGame("g1", "alice", time.Now())); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateGame(ctx, sampleGame("g1", "mallory", time.Now())); err == nil {
		t.Fatalf("expected duplicate create to fail")
	}
	if ok, _ := mr.SIsMember("arena:index:user:mallory", "g1"); ok {
		t.Fatalf("rejected create must not touch the indexes")
	}
	g, err := s.LoadGame(ctx, "g1")
	if err != nil || g.CreatorID != "alice" {
		t.Fatalf("original document should survive, got %+v err=%v", g, err)
	}

	mr.SetError("ERR store offline")
	if err := s.CreateGame(ctx, sampleGame("g2", "bob", time.Now())); err == nil {
		t.Fatalf("expected create to fail while redis is unavailable")
	}
	mr.SetError("")
	if mr.Exists("arena:game:g2") {
		t.Fatalf("failed create left a document behind")
	}
	for _, key := range []string{"arena:index:all", "arena:index:open", "arena:index:user:bob"} {
		if ok, _ := mr.SIsMember(key, "g2"); ok {
			t.Fatalf("failed create left g2 in %s", key)
		}
	}

	var wg sync.WaitGroup
	var won atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if s.CreateGame(ctx, sampleGame("g3", fmt.Sprintf("user%d", i), time.Now())) == nil {
				won.Add(1)
			}
		}(i)
	}
	wg.Wait()
	if n := won.Load(); n != 1 {
		t.Fatalf("expected exactly one concurrent create to win, got %d", n)
	}
	g3, err := s.LoadGame(ctx, "g3")
	if err != nil {
		t.Fatalf("load g3: %v", err)
	}
	members, _ := mr.Members("arena:index:open")
	open := 0
	for _, m := range members {
		if m == "g3" {
			open++
		}
	}
	if open != 1 {
		t.Fatalf("expected g3 indexed once, got %d", open)
	}
	if ok, _ := mr.SIsMember("arena:index:user:"+g3.CreatorID, "g3"); !ok {
		t.Fatalf("winner %s not indexed", g3.CreatorID)
	}
}
