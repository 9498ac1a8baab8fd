package game

import (
	"context"
	"time"

	"github.com/park285/cheese-arena/internal/oracle"
)

// Status is the lifecycle state of a game.
type Status string

const (
	StatusWaiting  Status = "waiting"
	StatusActive   Status = "active"
	StatusFinished Status = "finished"
)

type Mode string

const (
	ModeFriend Mode = "friend"
	ModeBot    Mode = "bot"
)

type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// ColorChoice is the creator's colour preference.
type ColorChoice string

const (
	ChooseWhite  ColorChoice = "white"
	ChooseBlack  ColorChoice = "black"
	ChooseRandom ColorChoice = "random"
)

type Winner string

const (
	WinnerNone  Winner = ""
	WinnerWhite Winner = "white"
	WinnerBlack Winner = "black"
	WinnerDraw  Winner = "draw"
)

// Termination records why a game finished.
type Termination string

const (
	TerminationNone           Termination = ""
	TerminationCheckmate      Termination = "checkmate"
	TerminationStalemate      Termination = "stalemate"
	TerminationDrawRepetition Termination = "draw-repetition"
	TerminationDrawMaterial   Termination = "draw-material"
	TerminationDrawOther      Termination = "draw-other"
	TerminationResignation    Termination = "resignation"
)

// BotID occupies the second seat of bot-mode games.
const BotID = "bot"

// Config is the creator-supplied game setup.
type Config struct {
	Mode        Mode
	ColorChoice ColorChoice
	Visibility  Visibility
	TimeLimit   *int // seconds, informational only
}

// Validate rejects unsupported modes, colour choices and non-positive time limits.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeFriend, ModeBot:
	default:
		return Reject(CodeInvalidConfig, "unsupported mode "+string(c.Mode))
	}
	switch c.ColorChoice {
	case ChooseWhite, ChooseBlack, ChooseRandom:
	default:
		return Reject(CodeInvalidConfig, "invalid color choice "+string(c.ColorChoice))
	}
	switch c.Visibility {
	case VisibilityPublic, VisibilityPrivate:
	default:
		return Reject(CodeInvalidConfig, "invalid visibility "+string(c.Visibility))
	}
	if c.TimeLimit != nil && *c.TimeLimit <= 0 {
		return Reject(CodeInvalidConfig, "time limit must be positive")
	}
	return nil
}

// Game is the persisted game record.
type Game struct {
	ID             string       `json:"id"`
	Mode           Mode         `json:"mode"`
	Visibility     Visibility   `json:"visibility"`
	ColorChoice    ColorChoice  `json:"color_choice"`
	CreatorColor   oracle.Color `json:"creator_color"`
	TimeLimit      *int         `json:"time_limit,omitempty"`
	Status         Status       `json:"status"`
	CreatorID      string       `json:"creator_id"`
	SecondPlayerID string       `json:"second_player_id,omitempty"`
	Winner         Winner       `json:"winner,omitempty"`
	Termination    Termination  `json:"termination,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	FinishedAt     *time.Time   `json:"finished_at,omitempty"`
}

// Clone returns a deep copy.
func (g *Game) Clone() *Game {
	if g == nil {
		return nil
	}
	cp := *g
	if g.TimeLimit != nil {
		v := *g.TimeLimit
		cp.TimeLimit = &v
	}
	if g.FinishedAt != nil {
		v := *g.FinishedAt
		cp.FinishedAt = &v
	}
	return &cp
}

func (g *Game) WhiteID() string {
	if g.CreatorColor == oracle.White {
		return g.CreatorID
	}
	return g.SecondPlayerID
}

func (g *Game) BlackID() string {
	if g.CreatorColor == oracle.Black {
		return g.CreatorID
	}
	return g.SecondPlayerID
}

// IsPlayer reports whether userID holds one of the two seats.
func (g *Game) IsPlayer(userID string) bool {
	if userID == "" {
		return false
	}
	return userID == g.CreatorID || userID == g.SecondPlayerID
}

// ColorOf returns the colour played by userID.
func (g *Game) ColorOf(userID string) (oracle.Color, bool) {
	switch {
	case userID == "":
		return "", false
	case userID == g.CreatorID:
		return g.CreatorColor, true
	case userID == g.SecondPlayerID:
		return g.CreatorColor.Opposite(), true
	}
	return "", false
}

// PlayerFor returns the id seated on colour c.
func (g *Game) PlayerFor(c oracle.Color) string {
	if c == oracle.White {
		return g.WhiteID()
	}
	return g.BlackID()
}

// Apply copies the set fields of u onto g.
func (g *Game) Apply(u StatusUpdate) {
	if u.Status != "" {
		g.Status = u.Status
	}
	if u.SecondPlayerID != "" {
		g.SecondPlayerID = u.SecondPlayerID
	}
	if u.Winner != WinnerNone {
		g.Winner = u.Winner
	}
	if u.Termination != TerminationNone {
		g.Termination = u.Termination
	}
	if u.FinishedAt != nil {
		v := *u.FinishedAt
		g.FinishedAt = &v
	}
}

// Move is one accepted ply.
type Move struct {
	Seq      int       `json:"seq"`
	ActorID  string    `json:"actor_id"`
	Text     string    `json:"text"`
	UCI      string    `json:"uci"`
	SAN      string    `json:"san"`
	FEN      string    `json:"fen"`
	PlayedAt time.Time `json:"played_at"`
}

// SameAs compares the identity-bearing fields of two moves.
func (m Move) SameAs(o Move) bool {
	return m.Seq == o.Seq && m.ActorID == o.ActorID && m.UCI == o.UCI && m.FEN == o.FEN
}

type Message struct {
	ActorID   string    `json:"actor_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// StatusUpdate is a partial update of a game record; zero fields are left unchanged.
type StatusUpdate struct {
	Status         Status      `json:"status,omitempty"`
	SecondPlayerID string      `json:"second_player_id,omitempty"`
	Winner         Winner      `json:"winner,omitempty"`
	Termination    Termination `json:"termination,omitempty"`
	FinishedAt     *time.Time  `json:"finished_at,omitempty"`
}

// ListFilter narrows ListGames. Empty fields match everything.
type ListFilter struct {
	Status     Status
	Visibility Visibility
	UserID     string
	Limit      int
}

// Matches reports whether g passes the filter.
func (f ListFilter) Matches(g *Game) bool {
	if g == nil {
		return false
	}
	if f.Status != "" && g.Status != f.Status {
		return false
	}
	if f.Visibility != "" && g.Visibility != f.Visibility {
		return false
	}
	if f.UserID != "" && !g.IsPlayer(f.UserID) {
		return false
	}
	return true
}

// Store persists games, moves and messages.
//
// AppendMove must be idempotent per (gameID, seq): re-appending an identical move succeeds,
// a different move at an occupied seq fails with ErrSeqConflict, and a seq other than len+1 is rejected.
// A non-nil update is committed atomically with the move.
type Store interface {
	CreateGame(ctx context.Context, g *Game) error
	LoadGame(ctx context.Context, id string) (*Game, error)
	UpdateGameStatus(ctx context.Context, id string, u StatusUpdate) error
	AppendMove(ctx context.Context, id string, m Move, u *StatusUpdate) (int, error)
	LoadMoves(ctx context.Context, id string) ([]Move, error)
	AppendMessage(ctx context.Context, id string, m Message) error
	LoadMessages(ctx context.Context, id string, limit int) ([]Message, error)
	ListGames(ctx context.Context, f ListFilter) ([]*Game, error)
}
