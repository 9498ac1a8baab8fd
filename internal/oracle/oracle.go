package oracle

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	nchess "github.com/corentings/chess/v2"
)

// Color identifies a chess side.
type Color string

const (
	White Color = "white"
	Black Color = "black"
)

// Opposite returns the other side.
func (c Color) Opposite() Color {
	if c == White {
		return Black
	}
	return White
}

// TerminalKind classifies how a position ended the game.
type TerminalKind string

const (
	KindNone           TerminalKind = "none"
	KindCheckmate      TerminalKind = "checkmate"
	KindStalemate      TerminalKind = "stalemate"
	KindDrawRepetition TerminalKind = "draw-repetition"
	KindDrawMaterial   TerminalKind = "draw-material"
	KindDrawOther      TerminalKind = "draw-other"
)

var (
	ErrPositionMismatch = errors.New("position does not match its move history")
	ErrCorruptHistory   = errors.New("position history contains an illegal move")
)

// Position is an immutable chess position together with the UCI history that produced it.
// FEN doubles as the position digest. Positions returned by Apply and Fold carry the game that produced
// them, so adjudicating the next move does not replay the history.
type Position struct {
	FEN   string   `json:"fen"`
	Moves []string `json:"moves"`

	live *liveGame
}

// liveGame is never advanced after it is attached. mu serialises readers because the chess library
// caches legal moves lazily inside its positions.
type liveGame struct {
	mu   sync.Mutex
	game *nchess.Game
	fen  string
	ply  int
}

func attach(pos Position, g *nchess.Game) Position {
	pos.live = &liveGame{game: g, fen: pos.FEN, ply: len(pos.Moves)}
	return pos
}

// cached reports the attached game when it still describes pos.
func (p Position) cached() (*liveGame, bool) {
	l := p.live
	if l == nil || l.fen != p.FEN || l.ply != len(p.Moves) {
		return nil, false
	}
	return l, true
}

// Ply returns the number of half-moves played.
func (p Position) Ply() int { return len(p.Moves) }

var initialFEN = nchess.NewGame().FEN()

// Initial returns the standard starting position.
func Initial() Position {
	return Position{FEN: initialFEN, Moves: []string{}}
}

// Result is the adjudication of a single proposed move.
type Result struct {
	Legal    bool
	Position Position
	UCI      string
	SAN      string
	Mover    Color
	Terminal bool
	Kind     TerminalKind
}

// Oracle adjudicates moves. Implementations must be pure and deterministic.
type Oracle interface {
	Apply(pos Position, moveText string) (Result, error)
	LegalMoves(pos Position) ([]string, error)
	Turn(pos Position) (Color, error)
}

// Chess is the standard-rules Oracle.
type Chess struct{}

func New() Chess { return Chess{} }

// Apply validates moveText against pos. An illegal move is reported with Legal=false and a nil error;
// errors are reserved for positions that cannot be reconstructed.
func (Chess) Apply(pos Position, moveText string) (Result, error) {
	var res Result
	err := inspect(pos, func(base *nchess.Game) {
		res = adjudicate(base.Clone(), pos, strings.TrimSpace(moveText))
	})
	return res, err
}

func adjudicate(game *nchess.Game, pos Position, raw string) Result {
	if raw == "" || game.Outcome() != nchess.NoOutcome {
		return Result{Legal: false, Position: pos}
	}

	before := game.Position()
	mover := colorFrom(before.Turn())

	// UCI first, SAN as fallback
	mv, derr := nchess.UCINotation{}.Decode(before, strings.ToLower(raw))
	if derr != nil {
		mv, derr = nchess.AlgebraicNotation{}.Decode(before, raw)
		if derr != nil {
			return Result{Legal: false, Position: pos, Mover: mover}
		}
	}
	if err := game.Move(mv, nil); err != nil {
		return Result{Legal: false, Position: pos, Mover: mover}
	}

	uci := strings.ToLower(nchess.UCINotation{}.Encode(before, mv))
	san := nchess.AlgebraicNotation{}.Encode(before, mv)

	moves := make([]string, 0, len(pos.Moves)+1)
	moves = append(moves, pos.Moves...)
	moves = append(moves, uci)

	kind := classify(game)
	return Result{
		Legal:    true,
		Position: attach(Position{FEN: game.FEN(), Moves: moves}, game),
		UCI:      uci,
		SAN:      san,
		Mover:    mover,
		Terminal: kind != KindNone,
		Kind:     kind,
	}
}

// LegalMoves lists every legal move in UCI notation.
func (Chess) LegalMoves(pos Position) ([]string, error) {
	var out []string
	err := inspect(pos, func(game *nchess.Game) {
		out = []string{}
		if classify(game) != KindNone {
			return
		}
		valid := game.ValidMoves()
		out = make([]string, 0, len(valid))
		for i := range valid {
			out = append(out, strings.ToLower(valid[i].String()))
		}
	})
	return out, err
}

// Turn reports the side to move, read from the FEN active colour field.
func (Chess) Turn(pos Position) (Color, error) {
	if f := strings.Fields(pos.FEN); len(f) >= 2 {
		switch f[1] {
		case "w":
			return White, nil
		case "b":
			return Black, nil
		}
	}
	var c Color
	err := inspect(pos, func(game *nchess.Game) { c = colorFrom(game.Position().Turn()) })
	return c, err
}

// Board returns the board of pos for rendering.
func Board(pos Position) (*nchess.Board, error) {
	var b *nchess.Board
	err := inspect(pos, func(game *nchess.Game) { b = game.Position().Board() })
	return b, err
}

// Fold replays UCI moves from the initial position. It is the reference the session cache is checked against.
func Fold(moves []string) (Position, error) {
	game, err := replay(Position{Moves: moves})
	if err != nil {
		return Position{}, err
	}
	return attach(Position{FEN: game.FEN(), Moves: append([]string{}, moves...)}, game), nil
}

// inspect runs fn against the game behind pos. fn must not mutate that game; games cloned from it share
// positions with it, so they are only touched inside fn.
func inspect(pos Position, fn func(*nchess.Game)) error {
	if l, ok := pos.cached(); ok {
		l.mu.Lock()
		defer l.mu.Unlock()
		fn(l.game)
		return nil
	}
	game, err := replay(pos)
	if err != nil {
		return err
	}
	fn(game)
	return nil
}

func replay(pos Position) (*nchess.Game, error) {
	game := nchess.NewGame()
	notation := nchess.UCINotation{}
	for i, raw := range pos.Moves {
		mv, err := notation.Decode(game.Position(), strings.ToLower(strings.TrimSpace(raw)))
		if err != nil {
			return nil, fmt.Errorf("move %d %q: %w", i+1, raw, ErrCorruptHistory)
		}
		if err := game.Move(mv, nil); err != nil {
			return nil, fmt.Errorf("move %d %q: %w", i+1, raw, ErrCorruptHistory)
		}
	}
	if pos.FEN != "" && pos.FEN != game.FEN() {
		return nil, ErrPositionMismatch
	}
	return game, nil
}

func classify(game *nchess.Game) TerminalKind {
	if game.Outcome() != nchess.NoOutcome {
		switch game.Method() {
		case nchess.Checkmate:
			return KindCheckmate
		case nchess.Stalemate:
			return KindStalemate
		case nchess.ThreefoldRepetition, nchess.FivefoldRepetition:
			return KindDrawRepetition
		case nchess.InsufficientMaterial:
			return KindDrawMaterial
		default:
			return KindDrawOther
		}
	}
	// claimable draws end the game automatically
	for _, m := range game.EligibleDraws() {
		switch m {
		case nchess.ThreefoldRepetition:
			return KindDrawRepetition
		case nchess.FiftyMoveRule:
			return KindDrawOther
		}
	}
	return KindNone
}

func colorFrom(c nchess.Color) Color {
	if c == nchess.White {
		return White
	}
	return Black
}
