package manager

import (
	"github.com/park285/cheese-arena/internal/game"
	"github.com/park285/cheese-arena/internal/oracle"
	"github.com/park285/cheese-arena/pkg/arenadto"
)

// Summary converts a game record without position details, as used by listings.
func Summary(g *game.Game) arenadto.GameSummary {
	if g == nil {
		return arenadto.GameSummary{}
	}
	return arenadto.GameSummary{
		ID:             g.ID,
		Mode:           string(g.Mode),
		Visibility:     string(g.Visibility),
		ColorChoice:    string(g.ColorChoice),
		TimeLimit:      g.TimeLimit,
		Status:         string(g.Status),
		CreatorID:      g.CreatorID,
		SecondPlayerID: g.SecondPlayerID,
		WhiteID:        g.WhiteID(),
		BlackID:        g.BlackID(),
		Winner:         string(g.Winner),
		Termination:    string(g.Termination),
		CreatedAt:      g.CreatedAt,
		FinishedAt:     g.FinishedAt,
	}
}

// SummaryAt adds the position and side to move. Turn is only reported while the game is active.
func SummaryAt(g *game.Game, pos oracle.Position, turn oracle.Color) arenadto.GameSummary {
	s := Summary(g)
	s.FEN = pos.FEN
	s.Ply = pos.Ply()
	if g != nil && g.Status == game.StatusActive {
		s.Turn = string(turn)
	}
	return s
}

// SnapshotPayload converts a session snapshot to its wire form.
func SnapshotPayload(snap game.Snapshot) arenadto.Snapshot {
	out := arenadto.Snapshot{
		Game:     SummaryAt(snap.Game, snap.Position, snap.Turn),
		Moves:    make([]arenadto.MoveRecord, 0, len(snap.Moves)),
		Messages: make([]arenadto.MessageRecord, 0, len(snap.Messages)),
	}
	for _, mv := range snap.Moves {
		out.Moves = append(out.Moves, arenadto.MoveRecord{
			Seq:      mv.Seq,
			ActorID:  mv.ActorID,
			MoveText: mv.Text,
			UCI:      mv.UCI,
			SAN:      mv.SAN,
			FEN:      mv.FEN,
			PlayedAt: mv.PlayedAt,
		})
	}
	for _, msg := range snap.Messages {
		out.Messages = append(out.Messages, arenadto.MessageRecord{
			ActorID:   msg.ActorID,
			Text:      msg.Text,
			CreatedAt: msg.CreatedAt,
		})
	}
	return out
}

func summaries(games []*game.Game) []arenadto.GameSummary {
	out := make([]arenadto.GameSummary, 0, len(games))
	for _, g := range games {
		out = append(out, Summary(g))
	}
	return out
}

// moveMade carries turn as given; the session leaves it empty once the game is over.
func moveMade(mv game.Move, turn oracle.Color) arenadto.MoveMade {
	return arenadto.MoveMade{
		Seq:      mv.Seq,
		ActorID:  mv.ActorID,
		MoveText: mv.Text,
		UCI:      mv.UCI,
		SAN:      mv.SAN,
		FEN:      mv.FEN,
		Turn:     string(turn),
	}
}
