package movelog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/park285/cheese-arena/internal/game"
	"github.com/park285/cheese-arena/internal/oracle"
)

func sampleGame(id, creator string, created time.Time) *game.Game {
	return &game.Game{
		ID:           id,
		Mode:         game.ModeFriend,
		Visibility:   game.VisibilityPublic,
		ColorChoice:  game.ChooseWhite,
		CreatorColor: oracle.White,
		Status:       game.StatusWaiting,
		CreatorID:    creator,
		CreatedAt:    created,
	}
}

func runStoreContract(t *testing.T, newStore func(t *testing.T) game.Store) {
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("create and load", func(t *testing.T) {
		s := newStore(t)
		if err := s.CreateGame(ctx, sampleGame("g1", "alice", base)); err != nil {
			t.Fatalf("create: %v", err)
		}
		g, err := s.LoadGame(ctx, "g1")
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if g.CreatorID != "alice" || g.Status != game.StatusWaiting {
			t.Fatalf("unexpected game %+v", g)
		}
		if _, err := s.LoadGame(ctx, "missing"); !errors.Is(err, game.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if err := s.CreateGame(ctx, sampleGame("g1", "bob", base)); err == nil {
			t.Fatalf("expected duplicate create to fail")
		}
	})

	t.Run("append is idempotent and gap free", func(t *testing.T) {
		s := newStore(t)
		if err := s.CreateGame(ctx, sampleGame("g1", "alice", base)); err != nil {
			t.Fatalf("create: %v", err)
		}
		m1 := game.Move{Seq: 1, ActorID: "alice", Text: "e2e4", UCI: "e2e4", SAN: "e4", FEN: "fen1", PlayedAt: base}
		if seq, err := s.AppendMove(ctx, "g1", m1, nil); err != nil || seq != 1 {
			t.Fatalf("append: seq=%d err=%v", seq, err)
		}
		if _, err := s.AppendMove(ctx, "g1", m1, nil); err != nil {
			t.Fatalf("identical re-append should succeed: %v", err)
		}
		other := m1
		other.UCI, other.FEN = "d2d4", "fen-other"
		if _, err := s.AppendMove(ctx, "g1", other, nil); !errors.Is(err, game.ErrSeqConflict) {
			t.Fatalf("expected ErrSeqConflict, got %v", err)
		}
		gap := game.Move{Seq: 3, ActorID: "bob", UCI: "e7e5", FEN: "fen3", PlayedAt: base}
		if _, err := s.AppendMove(ctx, "g1", gap, nil); !errors.Is(err, game.ErrSeqConflict) {
			t.Fatalf("expected gap rejection, got %v", err)
		}
		moves, err := s.LoadMoves(ctx, "g1")
		if err != nil {
			t.Fatalf("load moves: %v", err)
		}
		if len(moves) != 1 || moves[0].UCI != "e2e4" {
			t.Fatalf("unexpected moves %+v", moves)
		}
	})

	t.Run("terminal append updates status", func(t *testing.T) {
		s := newStore(t)
		g := sampleGame("g1", "alice", base)
		g.Status, g.SecondPlayerID = game.StatusActive, "bob"
		if err := s.CreateGame(ctx, g); err != nil {
			t.Fatalf("create: %v", err)
		}
		fin := base.Add(time.Minute)
		u := &game.StatusUpdate{Status: game.StatusFinished, Winner: game.WinnerWhite, Termination: game.TerminationCheckmate, FinishedAt: &fin}
		m1 := game.Move{Seq: 1, ActorID: "alice", UCI: "e2e4", SAN: "e4", FEN: "fen1", PlayedAt: base}
		if _, err := s.AppendMove(ctx, "g1", m1, u); err != nil {
			t.Fatalf("append: %v", err)
		}
		got, err := s.LoadGame(ctx, "g1")
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if got.Status != game.StatusFinished || got.Winner != game.WinnerWhite || got.FinishedAt == nil {
			t.Fatalf("status not committed with move: %+v", got)
		}
	})

	t.Run("messages keep order and limit", func(t *testing.T) {
		s := newStore(t)
		if err := s.CreateGame(ctx, sampleGame("g1", "alice", base)); err != nil {
			t.Fatalf("create: %v", err)
		}
		for i, text := range []string{"one", "two", "three"} {
			msg := game.Message{ActorID: "alice", Text: text, CreatedAt: base.Add(time.Duration(i) * time.Second)}
			if err := s.AppendMessage(ctx, "g1", msg); err != nil {
				t.Fatalf("append message: %v", err)
			}
		}
		msgs, err := s.LoadMessages(ctx, "g1", 2)
		if err != nil {
			t.Fatalf("load messages: %v", err)
		}
		if len(msgs) != 2 || msgs[0].Text != "two" || msgs[1].Text != "three" {
			t.Fatalf("unexpected messages %+v", msgs)
		}
		if err := s.AppendMessage(ctx, "missing", game.Message{ActorID: "x", Text: "y"}); !errors.Is(err, game.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("list filters", func(t *testing.T) {
		s := newStore(t)
		open := sampleGame("open", "alice", base)
		private := sampleGame("private", "alice", base.Add(time.Second))
		private.Visibility = game.VisibilityPrivate
		joined := sampleGame("joined", "carol", base.Add(2*time.Second))
		for _, g := range []*game.Game{open, private, joined} {
			if err := s.CreateGame(ctx, g); err != nil {
				t.Fatalf("create %s: %v", g.ID, err)
			}
		}
		if err := s.UpdateGameStatus(ctx, "joined", game.StatusUpdate{Status: game.StatusActive, SecondPlayerID: "alice"}); err != nil {
			t.Fatalf("update: %v", err)
		}

		lobby, err := s.ListGames(ctx, game.ListFilter{Status: game.StatusWaiting, Visibility: game.VisibilityPublic})
		if err != nil {
			t.Fatalf("list open: %v", err)
		}
		if len(lobby) != 1 || lobby[0].ID != "open" {
			t.Fatalf("unexpected lobby %+v", ids(lobby))
		}
		mine, err := s.ListGames(ctx, game.ListFilter{UserID: "alice"})
		if err != nil {
			t.Fatalf("list mine: %v", err)
		}
		if got := ids(mine); len(got) != 3 || got[0] != "joined" {
			t.Fatalf("expected newest first, got %v", got)
		}
	})
}

func ids(gs []*game.Game) []string {
	out := make([]string, 0, len(gs))
	for _, g := range gs {
		out = append(out, g.ID)
	}
	return out
}

func TestMemoryStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) game.Store { return NewMemory() })
}
