package game

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/park285/cheese-arena/internal/oracle"
)

// ChangeKind tags a committed session transition.
type ChangeKind int

const (
	ChangeStarted ChangeKind = iota + 1
	ChangeMove
	ChangeFinished
	ChangeMessage
)

// Change describes one committed transition. Game is a copy taken after the transition.
// Turn is the side to move once the change applies, empty when the game is no longer active.
type Change struct {
	Kind     ChangeKind
	Game     *Game
	Move     *Move
	Message  *Message
	Position oracle.Position
	Turn     oracle.Color
}

// Listener receives changes while the session lock is held, so it observes them in commit order.
// It must not block and must not call back into the session.
type Listener func(Change)

// Snapshot is a consistent copy of a session's state.
type Snapshot struct {
	Game     *Game
	Moves    []Move
	Messages []Message
	Position oracle.Position
	Turn     oracle.Color
}

// MoveResult is returned by an accepted move. Turn is empty once the game is over.
type MoveResult struct {
	Move     Move
	Game     *Game
	Position oracle.Position
	Turn     oracle.Color
	Finished bool
}

// SessionOptions tunes persistence and chat policy.
type SessionOptions struct {
	StoreTimeout time.Duration
	ChatGrace    time.Duration
	MessageLimit int
	Now          func() time.Time
	Logger       *zap.Logger
}

func (o SessionOptions) withDefaults() SessionOptions {
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 2 * time.Second
	}
	if o.ChatGrace <= 0 {
		o.ChatGrace = 10 * time.Minute
	}
	if o.MessageLimit <= 0 {
		o.MessageLimit = 50
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Session is the serialization point of one game. Every mutation holds mu for validation and persistence.
type Session struct {
	mu       sync.Mutex
	id       string
	store    Store
	oracle   oracle.Oracle
	opts     SessionOptions
	listener Listener
	log      *zap.Logger

	game     *Game
	moves    []Move
	pos      oracle.Position
	turn     oracle.Color
	messages []Message

	// summary mirrors game for readers that must not wait on mu.
	summary atomic.Pointer[Game]

	// unconfirmed is the last move whose append failed; the store may still have committed it.
	unconfirmed *Move

	stale       bool
	unavailable bool
}

func newSession(g *Game, moves []Move, messages []Message, store Store, o oracle.Oracle, opts SessionOptions, l Listener) (*Session, error) {
	opts = opts.withDefaults()
	pos, err := replayMoves(o, moves)
	if err != nil {
		return nil, err
	}
	s := &Session{
		id:       g.ID,
		store:    store,
		oracle:   o,
		opts:     opts,
		listener: l,
		log:      opts.Logger.With(zap.String("game_id", g.ID)),
		game:     g.Clone(),
		moves:    append([]Move(nil), moves...),
		pos:      pos,
	}
	s.turn = turnOf(o, pos)
	s.messages = trimMessages(append([]Message(nil), messages...), opts.MessageLimit)
	s.publishLocked()
	return s, nil
}

func (s *Session) ID() string { return s.id }

// Summary returns a copy of the game record without taking the session lock. It may trail a mutation
// that is still persisting.
func (s *Session) Summary() *Game {
	return s.summary.Load().Clone()
}

func (s *Session) publishLocked() {
	s.summary.Store(s.game.Clone())
}

// Snapshot returns the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Finished reports whether the game is over and since when.
func (s *Session) Finished() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.game.Status != StatusFinished || s.game.FinishedAt == nil {
		return time.Time{}, false
	}
	return *s.game.FinishedAt, true
}

// Attach runs fn with a snapshot while holding the session lock, so no change can be published between
// the snapshot and whatever fn registers.
func (s *Session) Attach(ctx context.Context, fn func(Snapshot)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureReadyLocked(ctx); err != nil {
		return err
	}
	fn(s.snapshotLocked())
	return nil
}

// Join seats userID as the second player. A repeated join by the seated player is a no-op that reports
// started=false.
func (s *Session) Join(ctx context.Context, userID string) (*Game, bool, error) {
	return s.JoinAttach(ctx, userID, nil)
}

// JoinAttach is Join with fn run under the session lock once the seat is held, before the start is
// announced. A rejoin still runs fn so the caller can resend the current state.
func (s *Session) JoinAttach(ctx context.Context, userID string, fn func(Snapshot)) (*Game, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureReadyLocked(ctx); err != nil {
		return nil, false, err
	}
	g := s.game
	if userID == g.CreatorID {
		return nil, false, Reject(CodeSelfJoin, "cannot join your own game")
	}
	if g.SecondPlayerID != "" {
		if g.SecondPlayerID == userID {
			if fn != nil {
				fn(s.snapshotLocked())
			}
			return g.Clone(), false, nil
		}
		return nil, false, Reject(CodeGameFull, "game already has two players")
	}
	if g.Status != StatusWaiting {
		return nil, false, Reject(CodeGameClosed, "game is not open")
	}

	u := StatusUpdate{Status: StatusActive, SecondPlayerID: userID}
	if err := s.persistLocked(ctx, "update_status", func(ctx context.Context) error {
		return s.store.UpdateGameStatus(ctx, s.id, u)
	}); err != nil {
		return nil, false, err
	}
	g.Apply(u)
	s.publishLocked()
	s.log.Info("arena_game_join", zap.String("user_id", userID))
	if fn != nil {
		fn(s.snapshotLocked())
	}
	s.emitLocked(Change{Kind: ChangeStarted})
	return g.Clone(), true, nil
}

// Move adjudicates and commits a move by userID.
func (s *Session) Move(ctx context.Context, userID, text string) (MoveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureReadyLocked(ctx); err != nil {
		return MoveResult{}, err
	}
	if res, ok := s.confirmedRetryLocked(userID, text); ok {
		return res, nil
	}
	return s.moveLocked(ctx, userID, text)
}

// confirmedRetryLocked recognises the resubmission of a move whose append was reported failed but was
// in fact committed, which the reload has brought into the history.
func (s *Session) confirmedRetryLocked(userID, text string) (MoveResult, bool) {
	pending := s.unconfirmed
	s.unconfirmed = nil
	if pending == nil || pending.ActorID != userID || pending.Seq > len(s.moves) {
		return MoveResult{}, false
	}
	if t := strings.TrimSpace(text); t != strings.TrimSpace(pending.Text) && !strings.EqualFold(t, pending.UCI) {
		return MoveResult{}, false
	}
	mv := s.moves[pending.Seq-1]
	if mv.ActorID != pending.ActorID || mv.UCI != pending.UCI {
		return MoveResult{}, false
	}
	res := MoveResult{Move: mv, Game: s.game.Clone(), Position: s.pos, Finished: s.game.Status == StatusFinished}
	if !res.Finished {
		res.Turn = turnAfter(mv.Seq)
	}
	s.log.Info("arena_move_retry_confirmed", zap.Int("seq", mv.Seq), zap.String("user_id", userID))
	return res, true
}

// PlayBot lets the bot seat move using choose over the current legal moves.
// It returns ok=false when it is not the bot's turn.
func (s *Session) PlayBot(ctx context.Context, choose func(legal []string) (string, error)) (MoveResult, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureReadyLocked(ctx); err != nil {
		return MoveResult{}, false, err
	}
	g := s.game
	if g.Mode != ModeBot || g.Status != StatusActive {
		return MoveResult{}, false, nil
	}
	if c, _ := g.ColorOf(BotID); c != s.turnLocked() {
		return MoveResult{}, false, nil
	}
	legal, err := s.oracle.LegalMoves(s.pos)
	if err != nil {
		return MoveResult{}, false, s.divergedLocked(ctx, err)
	}
	if len(legal) == 0 {
		return MoveResult{}, false, nil
	}
	pick, err := choose(legal)
	if err != nil {
		return MoveResult{}, false, fmt.Errorf("choose bot move: %w", err)
	}
	res, err := s.moveLocked(ctx, BotID, pick)
	return res, err == nil, err
}

func (s *Session) moveLocked(ctx context.Context, userID, text string) (MoveResult, error) {
	g := s.game
	switch g.Status {
	case StatusWaiting:
		return MoveResult{}, Reject(CodeGameWaiting, "waiting for an opponent")
	case StatusFinished:
		return MoveResult{}, Reject(CodeGameClosed, "game is finished")
	}
	color, ok := g.ColorOf(userID)
	if !ok {
		return MoveResult{}, Reject(CodeNotParticipant, "not a player in this game")
	}
	if color != s.turnLocked() {
		return MoveResult{}, Reject(CodeNotYourTurn, "it is "+string(s.turnLocked())+" to move")
	}

	res, err := s.oracle.Apply(s.pos, text)
	if err != nil {
		// cache diverged from the log: rebuild and adjudicate once more
		if rerr := s.divergedLocked(ctx, err); rerr != nil {
			return MoveResult{}, rerr
		}
		if s.game.Status != StatusActive || color != s.turnLocked() {
			return MoveResult{}, Reject(CodeNotYourTurn, "position changed, retry")
		}
		if res, err = s.oracle.Apply(s.pos, text); err != nil {
			s.unavailable = true
			return MoveResult{}, Reject(CodeStoreUnavailable, "position cannot be rebuilt")
		}
	}
	if !res.Legal {
		return MoveResult{}, Reject(CodeIllegalMove, fmt.Sprintf("%q is not legal here", text))
	}

	now := s.opts.Now()
	mv := Move{
		Seq:      len(s.moves) + 1,
		ActorID:  userID,
		Text:     text,
		UCI:      res.UCI,
		SAN:      res.SAN,
		FEN:      res.Position.FEN,
		PlayedAt: now,
	}
	var u *StatusUpdate
	if res.Terminal {
		u = &StatusUpdate{
			Status:      StatusFinished,
			Winner:      winnerFor(res),
			Termination: Termination(res.Kind),
			FinishedAt:  &now,
		}
	}

	if err := s.persistLocked(ctx, "append_move", func(ctx context.Context) error {
		_, err := s.store.AppendMove(ctx, s.id, mv, u)
		return err
	}); err != nil {
		pending := mv
		s.unconfirmed = &pending
		return MoveResult{}, err
	}

	s.moves = append(s.moves, mv)
	s.pos = res.Position
	s.turn = res.Mover.Opposite()
	if u != nil {
		// the status lands with the move, so the move is announced on a finished game
		g.Apply(*u)
		s.publishLocked()
	}
	s.log.Info("arena_move", zap.Int("seq", mv.Seq), zap.String("user_id", userID), zap.String("uci", mv.UCI))
	s.emitLocked(Change{Kind: ChangeMove, Move: &mv})
	if u != nil {
		s.log.Info("arena_game_over", zap.String("winner", string(g.Winner)), zap.String("termination", string(g.Termination)))
		s.emitLocked(Change{Kind: ChangeFinished})
	}
	out := MoveResult{Move: mv, Game: g.Clone(), Position: s.pos, Finished: u != nil}
	if u == nil {
		out.Turn = s.turn
	}
	return out, nil
}

// winnerFor attributes checkmate to the side that moved; every other terminal kind is a draw.
func winnerFor(res oracle.Result) Winner {
	if res.Kind != oracle.KindCheckmate {
		return WinnerDraw
	}
	if res.Mover == oracle.White {
		return WinnerWhite
	}
	return WinnerBlack
}

// Resign ends an active game in favour of userID's opponent.
func (s *Session) Resign(ctx context.Context, userID string) (*Game, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureReadyLocked(ctx); err != nil {
		return nil, err
	}
	g := s.game
	color, ok := g.ColorOf(userID)
	if !ok {
		return nil, Reject(CodeNotParticipant, "not a player in this game")
	}
	switch g.Status {
	case StatusWaiting:
		return nil, Reject(CodeGameWaiting, "waiting for an opponent")
	case StatusFinished:
		return nil, Reject(CodeGameClosed, "game is finished")
	}
	now := s.opts.Now()
	winner := WinnerWhite
	if color == oracle.White {
		winner = WinnerBlack
	}
	u := StatusUpdate{Status: StatusFinished, Winner: winner, Termination: TerminationResignation, FinishedAt: &now}
	if err := s.persistLocked(ctx, "update_status", func(ctx context.Context) error {
		return s.store.UpdateGameStatus(ctx, s.id, u)
	}); err != nil {
		return nil, err
	}
	g.Apply(u)
	s.publishLocked()
	s.log.Info("arena_resign", zap.String("user_id", userID))
	s.emitLocked(Change{Kind: ChangeFinished})
	return g.Clone(), nil
}

// Watch admits userID as a spectator and hands fn a snapshot under the session lock.
func (s *Session) Watch(ctx context.Context, userID string, fn func(Snapshot)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureReadyLocked(ctx); err != nil {
		return err
	}
	g := s.game
	if g.IsPlayer(userID) {
		return Reject(CodeForbidden, "players cannot watch their own game")
	}
	if g.Visibility == VisibilityPrivate {
		return Reject(CodeForbidden, "game is private")
	}
	if g.Status == StatusFinished {
		return Reject(CodeGameClosed, "game is finished")
	}
	fn(s.snapshotLocked())
	return nil
}

// Resume re-attaches a player connection.
func (s *Session) Resume(ctx context.Context, userID string, fn func(Snapshot)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureReadyLocked(ctx); err != nil {
		return err
	}
	if !s.game.IsPlayer(userID) {
		return Reject(CodeNotParticipant, "not a player in this game")
	}
	fn(s.snapshotLocked())
	return nil
}

// Chat records a message. watching reports whether userID currently holds a spectator subscription.
func (s *Session) Chat(ctx context.Context, userID, text string, watching bool) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureReadyLocked(ctx); err != nil {
		return Message{}, err
	}
	g := s.game
	if !g.IsPlayer(userID) && !watching {
		return Message{}, Reject(CodeNotParticipant, "join or watch the game to chat")
	}
	now := s.opts.Now()
	switch g.Status {
	case StatusWaiting:
		return Message{}, Reject(CodeGameWaiting, "waiting for an opponent")
	case StatusFinished:
		if g.FinishedAt == nil || now.Sub(*g.FinishedAt) > s.opts.ChatGrace {
			return Message{}, Reject(CodeGameClosed, "chat is closed for this game")
		}
	}
	msg := Message{ActorID: userID, Text: text, CreatedAt: now}
	if err := s.persistLocked(ctx, "append_message", func(ctx context.Context) error {
		return s.store.AppendMessage(ctx, s.id, msg)
	}); err != nil {
		return Message{}, err
	}
	s.messages = trimMessages(append(s.messages, msg), s.opts.MessageLimit)
	s.emitLocked(Change{Kind: ChangeMessage, Message: &msg})
	return msg, nil
}

// Recover clears the unavailable mark and rebuilds the session from the store.
func (s *Session) Recover(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = false
	s.stale = true
	return s.ensureReadyLocked(ctx)
}

func (s *Session) ensureReadyLocked(ctx context.Context) error {
	if s.unavailable {
		return Reject(CodeStoreUnavailable, "game is unavailable")
	}
	if !s.stale {
		return nil
	}
	return s.reloadLocked(ctx)
}

// reloadLocked rebuilds game, moves and position from the store. Moves and transitions found during the
// reload are announced so observers converge on the persisted history.
func (s *Session) reloadLocked(ctx context.Context) error {
	var (
		g     *Game
		moves []Move
	)
	if err := s.callLocked(ctx, func(ctx context.Context) error {
		var err error
		if g, err = s.store.LoadGame(ctx, s.id); err != nil {
			return err
		}
		moves, err = s.store.LoadMoves(ctx, s.id)
		return err
	}); err != nil {
		s.log.Warn("arena_reload_failed", zap.Error(err))
		return toDomain(err)
	}
	pos, err := replayMoves(s.oracle, moves)
	if err != nil {
		s.unavailable = true
		s.log.Error("arena_replay_failed", zap.Error(err))
		return Reject(CodeStoreUnavailable, "move history cannot be replayed")
	}

	prev := s.game
	known := len(s.moves)
	s.game, s.moves, s.pos, s.stale = g, moves, pos, false
	s.turn = turnOf(s.oracle, pos)
	s.publishLocked()

	if prev.Status == StatusWaiting && g.Status != StatusWaiting {
		s.emitLocked(Change{Kind: ChangeStarted})
	}
	if len(moves) < known {
		s.log.Warn("arena_reload_shrunk", zap.Int("known", known), zap.Int("persisted", len(moves)))
	}
	for i := known; i < len(moves); i++ {
		mv := moves[i]
		c := Change{Kind: ChangeMove, Move: &mv}
		if i < len(moves)-1 {
			c.Turn = turnAfter(mv.Seq)
		}
		s.emitLocked(c)
	}
	if prev.Status != StatusFinished && g.Status == StatusFinished {
		s.emitLocked(Change{Kind: ChangeFinished})
	}
	s.log.Info("arena_reload", zap.Int("moves", len(moves)))
	return nil
}

func (s *Session) divergedLocked(ctx context.Context, cause error) error {
	s.log.Warn("arena_position_diverged", zap.Error(cause))
	s.stale = true
	return s.reloadLocked(ctx)
}

// persistLocked runs one store mutation. On failure the session is marked stale so the next intent
// reloads before acting; in-memory state is untouched.
func (s *Session) persistLocked(ctx context.Context, op string, fn func(context.Context) error) error {
	err := s.callLocked(ctx, fn)
	if err == nil {
		return nil
	}
	s.stale = true
	s.log.Warn("arena_persist_failed", zap.String("op", op), zap.Error(err))
	return toDomain(err)
}

// callLocked applies the store timeout and retries once on transient failures.
func (s *Session) callLocked(ctx context.Context, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		cctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
		err = fn(cctx)
		cancel()
		if err == nil || !transient(err) {
			return err
		}
	}
	return err
}

func transient(err error) bool {
	return !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrSeqConflict) && !errors.Is(err, context.Canceled)
}

func toDomain(err error) error {
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return Reject(CodeNotFound, "game not found")
	case errors.Is(err, context.DeadlineExceeded):
		return Reject(CodePersistenceTimeout, "store did not answer in time")
	}
	return Reject(CodeStoreUnavailable, "store unavailable")
}

func (s *Session) turnLocked() oracle.Color { return s.turn }

func turnOf(o oracle.Oracle, pos oracle.Position) oracle.Color {
	if t, err := o.Turn(pos); err == nil {
		return t
	}
	return turnAfter(pos.Ply())
}

// turnAfter is the side to move once seq half-moves are played from the standard start.
func turnAfter(seq int) oracle.Color {
	if seq%2 == 0 {
		return oracle.White
	}
	return oracle.Black
}

func (s *Session) emitLocked(c Change) {
	if s.listener == nil {
		return
	}
	c.Game = s.game.Clone()
	c.Position = s.pos
	if c.Turn == "" && c.Game.Status == StatusActive {
		c.Turn = s.turn
	}
	s.listener(c)
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		Game:     s.game.Clone(),
		Moves:    append([]Move(nil), s.moves...),
		Messages: append([]Message(nil), s.messages...),
		Position: s.pos,
		Turn:     s.turnLocked(),
	}
}

// replayMoves folds the persisted log through o, checking seq continuity and each recorded digest.
func replayMoves(o oracle.Oracle, moves []Move) (oracle.Position, error) {
	pos := oracle.Initial()
	for i, mv := range moves {
		if mv.Seq != i+1 {
			return oracle.Position{}, fmt.Errorf("move seq %d at index %d: %w", mv.Seq, i, ErrSeqConflict)
		}
		text := mv.UCI
		if text == "" {
			text = mv.Text
		}
		res, err := o.Apply(pos, text)
		if err != nil {
			return oracle.Position{}, fmt.Errorf("replay seq %d: %w", mv.Seq, err)
		}
		if !res.Legal {
			return oracle.Position{}, fmt.Errorf("replay seq %d %q: %w", mv.Seq, text, oracle.ErrCorruptHistory)
		}
		if mv.FEN != "" && mv.FEN != res.Position.FEN {
			return oracle.Position{}, fmt.Errorf("replay seq %d: %w", mv.Seq, oracle.ErrPositionMismatch)
		}
		pos = res.Position
	}
	return pos, nil
}

func trimMessages(msgs []Message, limit int) []Message {
	if limit > 0 && len(msgs) > limit {
		return append([]Message(nil), msgs[len(msgs)-limit:]...)
	}
	return msgs
}
