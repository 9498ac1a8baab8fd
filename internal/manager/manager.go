package manager

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/cheese-arena/internal/broadcast"
	"github.com/park285/cheese-arena/internal/game"
	"github.com/park285/cheese-arena/internal/movelog"
	"github.com/park285/cheese-arena/internal/msgcat"
	"github.com/park285/cheese-arena/internal/notify"
	"github.com/park285/cheese-arena/internal/oracle"
	"github.com/park285/cheese-arena/pkg/arenadto"
)

const notifyTimeout = 30 * time.Second

// Notifier receives each finished game once.
type Notifier interface {
	GameFinished(ctx context.Context, r notify.GameResult) error
}

// Chooser picks the bot's move from the legal moves in UCI notation.
type Chooser interface {
	Choose(legal []string) (string, error)
}

// Options configures a Manager. Registry.Listener is replaced by the manager's own.
type Options struct {
	Registry      game.RegistryOptions
	Catalog       *msgcat.Catalog
	Notifier      Notifier
	Bot           Chooser
	MaxMessageLen int
	ListLimit     int
	Logger        *zap.Logger
}

// Manager validates intents, drives sessions and maps their changes onto room events.
type Manager struct {
	reg      *game.Registry
	router   *broadcast.Router
	cat      *msgcat.Catalog
	notifier Notifier
	bot      Chooser
	opts     Options
	log      *zap.Logger

	wg sync.WaitGroup
}

func New(store game.Store, o oracle.Oracle, router *broadcast.Router, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Catalog == nil {
		opts.Catalog = msgcat.MustDefault()
	}
	if opts.MaxMessageLen <= 0 {
		opts.MaxMessageLen = 500
	}
	if opts.ListLimit <= 0 {
		opts.ListLimit = 50
	}
	if opts.Registry.Logger == nil {
		opts.Registry.Logger = opts.Logger
	}
	m := &Manager{
		router:   router,
		cat:      opts.Catalog,
		notifier: opts.Notifier,
		bot:      opts.Bot,
		opts:     opts,
		log:      opts.Logger,
	}
	opts.Registry.Listener = m.onChange
	m.reg = game.NewRegistry(store, o, opts.Registry)
	return m
}

// Registry exposes the registry for read endpoints and the eviction loop.
func (m *Manager) Registry() *game.Registry { return m.reg }

// Wait blocks until pending result notifications have been delivered or given up.
func (m *Manager) Wait() { m.wg.Wait() }

// Handle processes one intent from conn. Replies and rejections go to conn only; transitions are
// published to the game's room.
func (m *Manager) Handle(ctx context.Context, conn broadcast.Conn, in arenadto.Intent) {
	gameID, err := m.dispatch(ctx, conn, in)
	if err != nil {
		m.reject(conn, in, gameID, err)
	}
}

// RejectFrame answers a client frame that could not be decoded as an intent.
func (m *Manager) RejectFrame(conn broadcast.Conn) {
	m.reject(conn, arenadto.Intent{}, "", invalid("frame is not a valid intent"))
}

func (m *Manager) dispatch(ctx context.Context, conn broadcast.Conn, in arenadto.Intent) (string, error) {
	if conn.UserID() == "" {
		return "", invalid("unauthenticated connection")
	}
	switch in.Type {
	case arenadto.IntentCreateGame:
		return m.createGame(ctx, conn, in)
	case arenadto.IntentJoinGame:
		return m.joinGame(ctx, conn, in)
	case arenadto.IntentWatchGame:
		return m.watchGame(ctx, conn, in)
	case arenadto.IntentMakeMove:
		return m.makeMove(ctx, conn, in)
	case arenadto.IntentSendMessage:
		return m.sendMessage(ctx, conn, in)
	case arenadto.IntentListOpen:
		return "", m.listOpen(ctx, conn, in)
	case arenadto.IntentListMine:
		return "", m.listMine(ctx, conn, in)
	case arenadto.IntentGameInfo:
		return m.gameInfo(ctx, conn, in)
	case arenadto.IntentResumeGame:
		return m.resumeGame(ctx, conn, in)
	case arenadto.IntentResign:
		return m.resign(ctx, conn, in)
	}
	return "", invalid("unknown intent " + in.Type)
}

func (m *Manager) createGame(ctx context.Context, conn broadcast.Conn, in arenadto.Intent) (string, error) {
	var req arenadto.CreateGameRequest
	if err := decode(in.Payload, &req); err != nil {
		return "", err
	}
	cfg, err := configFrom(req)
	if err != nil {
		return "", err
	}
	s, err := m.reg.Create(ctx, conn.UserID(), cfg)
	if err != nil {
		return "", err
	}
	ack := arenadto.Event{Type: arenadto.EventGameCreated, GameID: s.ID(), RequestID: in.RequestID}
	err = s.Attach(ctx, func(snap game.Snapshot) {
		summary := SummaryAt(snap.Game, snap.Position, snap.Turn)
		ack.Payload = summary
		m.router.Subscribe(s.ID(), conn, broadcast.RolePlayer, &ack)
		// a bot game has no join, it starts as soon as the creator is seated
		if snap.Game.Mode == game.ModeBot {
			m.router.Publish(s.ID(), arenadto.Event{Type: arenadto.EventGameStarted, Payload: summary})
		}
	})
	if err != nil {
		return s.ID(), err
	}
	if cfg.Mode == game.ModeBot {
		m.botMove(ctx, s)
	}
	return s.ID(), nil
}

func (m *Manager) joinGame(ctx context.Context, conn broadcast.Conn, in arenadto.Intent) (string, error) {
	id, err := gameRef(in.Payload)
	if err != nil {
		return "", err
	}
	s, err := m.reg.Resolve(ctx, id)
	if err != nil {
		return id, err
	}
	_, started, err := s.JoinAttach(ctx, conn.UserID(), func(snap game.Snapshot) {
		ev := m.snapshotEvent(arenadto.EventSnapshot, id, in.RequestID, snap)
		m.router.Subscribe(id, conn, broadcast.RolePlayer, &ev)
	})
	if err != nil {
		return id, err
	}
	if started {
		m.log.Info("arena_join", zap.String("game_id", id), zap.String("user_id", conn.UserID()))
	}
	return id, nil
}

func (m *Manager) watchGame(ctx context.Context, conn broadcast.Conn, in arenadto.Intent) (string, error) {
	id, err := gameRef(in.Payload)
	if err != nil {
		return "", err
	}
	s, err := m.reg.Resolve(ctx, id)
	if err != nil {
		return id, err
	}
	user := conn.UserID()
	return id, s.Watch(ctx, user, func(snap game.Snapshot) {
		ev := m.snapshotEvent(arenadto.EventSnapshot, id, in.RequestID, snap)
		if m.router.Subscribe(id, conn, broadcast.RoleSpectator, &ev) {
			m.router.Publish(id, arenadto.Event{
				Type:    arenadto.EventWatcherJoined,
				Payload: arenadto.WatcherPresence{UserID: user},
			})
		}
	})
}

func (m *Manager) makeMove(ctx context.Context, conn broadcast.Conn, in arenadto.Intent) (string, error) {
	var req arenadto.MakeMoveRequest
	if err := decode(in.Payload, &req); err != nil {
		return "", err
	}
	id, err := parseGameID(req.GameID)
	if err != nil {
		return "", err
	}
	text, err := moveText(req.MoveText)
	if err != nil {
		return id, err
	}
	s, err := m.reg.Resolve(ctx, id)
	if err != nil {
		return id, err
	}
	// a bot reply lost to a store failure is retried before the human moves again
	m.botMove(ctx, s)

	res, err := s.Move(ctx, conn.UserID(), text)
	if err != nil {
		return id, err
	}
	if !m.router.Subscribed(id, conn.ID()) {
		m.send(conn, arenadto.Event{
			Type:      arenadto.EventMoveMade,
			GameID:    id,
			RequestID: in.RequestID,
			Payload:   moveMade(res.Move, res.Turn),
		})
	}
	if !res.Finished {
		m.botMove(ctx, s)
	}
	return id, nil
}

func (m *Manager) sendMessage(ctx context.Context, conn broadcast.Conn, in arenadto.Intent) (string, error) {
	var req arenadto.SendMessageRequest
	if err := decode(in.Payload, &req); err != nil {
		return "", err
	}
	id, err := parseGameID(req.GameID)
	if err != nil {
		return "", err
	}
	text, err := messageText(req.Text, m.opts.MaxMessageLen)
	if err != nil {
		return id, err
	}
	s, err := m.reg.Resolve(ctx, id)
	if err != nil {
		return id, err
	}
	user := conn.UserID()
	msg, err := s.Chat(ctx, user, text, m.router.Watching(id, user))
	if err != nil {
		return id, err
	}
	if !m.router.Subscribed(id, conn.ID()) {
		m.send(conn, arenadto.Event{
			Type:      arenadto.EventNewMessage,
			GameID:    id,
			RequestID: in.RequestID,
			Payload:   arenadto.NewMessage{ActorID: msg.ActorID, Text: msg.Text, CreatedAt: msg.CreatedAt},
		})
	}
	return id, nil
}

func (m *Manager) listOpen(ctx context.Context, conn broadcast.Conn, in arenadto.Intent) error {
	games, err := m.reg.ListPublic(ctx, m.opts.ListLimit)
	if err != nil {
		return err
	}
	m.send(conn, arenadto.Event{
		Type:      arenadto.EventGameList,
		RequestID: in.RequestID,
		Payload:   arenadto.GameList{Scope: "open", Games: summaries(games)},
	})
	return nil
}

func (m *Manager) listMine(ctx context.Context, conn broadcast.Conn, in arenadto.Intent) error {
	games, err := m.reg.ListForUser(ctx, conn.UserID(), m.opts.ListLimit)
	if err != nil {
		return err
	}
	m.send(conn, arenadto.Event{
		Type:      arenadto.EventGameList,
		RequestID: in.RequestID,
		Payload:   arenadto.GameList{Scope: "mine", Games: summaries(games)},
	})
	return nil
}

func (m *Manager) gameInfo(ctx context.Context, conn broadcast.Conn, in arenadto.Intent) (string, error) {
	id, err := gameRef(in.Payload)
	if err != nil {
		return "", err
	}
	snap, err := m.Info(ctx, id, conn.UserID())
	if err != nil {
		return id, err
	}
	m.send(conn, m.snapshotEvent(arenadto.EventGameInfo, id, in.RequestID, snap))
	return id, nil
}

// Info returns a snapshot of the game. Private games are only visible to their players.
func (m *Manager) Info(ctx context.Context, id, userID string) (game.Snapshot, error) {
	s, err := m.reg.Resolve(ctx, id)
	if err != nil {
		return game.Snapshot{}, err
	}
	snap := s.Snapshot()
	if snap.Game.Visibility == game.VisibilityPrivate && !snap.Game.IsPlayer(userID) {
		return game.Snapshot{}, game.Reject(game.CodeForbidden, "game is private")
	}
	return snap, nil
}

func (m *Manager) resumeGame(ctx context.Context, conn broadcast.Conn, in arenadto.Intent) (string, error) {
	id, err := gameRef(in.Payload)
	if err != nil {
		return "", err
	}
	s, err := m.reg.Resolve(ctx, id)
	if err != nil {
		return id, err
	}
	err = s.Resume(ctx, conn.UserID(), func(snap game.Snapshot) {
		ev := m.snapshotEvent(arenadto.EventGameResumed, id, in.RequestID, snap)
		m.router.Subscribe(id, conn, broadcast.RolePlayer, &ev)
	})
	if err != nil {
		return id, err
	}
	m.botMove(ctx, s)
	return id, nil
}

func (m *Manager) resign(ctx context.Context, conn broadcast.Conn, in arenadto.Intent) (string, error) {
	id, err := gameRef(in.Payload)
	if err != nil {
		return "", err
	}
	s, err := m.reg.Resolve(ctx, id)
	if err != nil {
		return id, err
	}
	_, err = s.Resign(ctx, conn.UserID())
	return id, err
}

// botMove plays for the bot seat when it is on move. Failures are logged; the next intent on the game
// retries.
func (m *Manager) botMove(ctx context.Context, s *game.Session) {
	if m.bot == nil {
		return
	}
	res, ok, err := s.PlayBot(ctx, m.bot.Choose)
	if err != nil {
		m.log.Warn("arena_bot_move_failed", zap.String("game_id", s.ID()), zap.Error(err))
		return
	}
	if ok {
		m.log.Debug("arena_bot_move", zap.String("game_id", s.ID()), zap.Int("seq", res.Move.Seq), zap.String("uci", res.Move.UCI))
	}
}

func (m *Manager) snapshotEvent(typ, gameID, requestID string, snap game.Snapshot) arenadto.Event {
	return arenadto.Event{Type: typ, GameID: gameID, RequestID: requestID, Payload: SnapshotPayload(snap)}
}

func (m *Manager) send(conn broadcast.Conn, ev arenadto.Event) {
	if err := conn.Send(ev); err != nil {
		m.log.Warn("arena_reply_dropped", zap.String("conn_id", conn.ID()), zap.String("type", ev.Type), zap.Error(err))
		conn.Close()
	}
}

// reject reports err to the originating connection only.
func (m *Manager) reject(conn broadcast.Conn, in arenadto.Intent, gameID string, err error) {
	code := game.CodeOf(err)
	var detail string
	var de *game.Error
	if errors.As(err, &de) {
		detail = de.Message
	}
	text := m.cat.ErrorText(string(code), detail)

	fields := []zap.Field{
		zap.String("intent", in.Type),
		zap.String("game_id", gameID),
		zap.String("user_id", conn.UserID()),
		zap.String("code", string(code)),
		zap.Error(err),
	}
	if game.IsRetryable(err) {
		m.log.Warn("arena_intent_failed", fields...)
	} else {
		m.log.Debug("arena_intent_rejected", fields...)
	}

	ev := arenadto.Event{GameID: gameID, RequestID: in.RequestID}
	switch code {
	case game.CodeNotYourTurn, game.CodeIllegalMove:
		ev.Type = arenadto.EventInvalidMove
		ev.Payload = arenadto.InvalidMove{Code: string(code), Reason: text}
	default:
		ev.Type = arenadto.EventError
		ev.Payload = arenadto.ErrorPayload{Code: string(code), Message: text, Retryable: game.IsRetryable(err)}
	}
	m.send(conn, ev)
}

// onChange runs under the session lock, so room events follow commit order.
func (m *Manager) onChange(gameID string, c game.Change) {
	switch c.Kind {
	case game.ChangeStarted:
		m.router.Publish(gameID, arenadto.Event{
			Type:    arenadto.EventGameStarted,
			Payload: SummaryAt(c.Game, c.Position, c.Turn),
		})
	case game.ChangeMove:
		if c.Move == nil {
			return
		}
		m.router.Publish(gameID, arenadto.Event{
			Type:    arenadto.EventMoveMade,
			Payload: moveMade(*c.Move, c.Turn),
		})
	case game.ChangeFinished:
		m.router.Publish(gameID, arenadto.Event{
			Type:    arenadto.EventGameOver,
			Payload: arenadto.GameOver{Winner: string(c.Game.Winner), Termination: string(c.Game.Termination)},
		})
		m.finished(gameID)
	case game.ChangeMessage:
		if c.Message == nil {
			return
		}
		m.router.Publish(gameID, arenadto.Event{
			Type:    arenadto.EventNewMessage,
			Payload: arenadto.NewMessage{ActorID: c.Message.ActorID, Text: c.Message.Text, CreatedAt: c.Message.CreatedAt},
		})
	}
}

// finished hands the result to the notifier outside the session lock.
func (m *Manager) finished(gameID string) {
	if m.notifier == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		s, err := m.reg.Resolve(ctx, gameID)
		if err != nil {
			m.log.Warn("arena_notify_resolve_failed", zap.String("game_id", gameID), zap.Error(err))
			return
		}
		snap := s.Snapshot()
		uci := make([]string, 0, len(snap.Moves))
		for _, mv := range snap.Moves {
			uci = append(uci, mv.UCI)
		}
		r := notify.GameResult{
			GameID:      gameID,
			Winner:      string(snap.Game.Winner),
			Termination: string(snap.Game.Termination),
			Moves:       uci,
			PGN:         movelog.PGN(snap.Game, snap.Moves),
		}
		if snap.Game.FinishedAt != nil {
			r.FinishedAt = *snap.Game.FinishedAt
		}
		if err := m.notifier.GameFinished(ctx, r); err != nil {
			m.log.Warn("arena_notify_failed", zap.String("game_id", gameID), zap.Error(err))
			return
		}
		m.log.Info("arena_notify_sent", zap.String("game_id", gameID))
	}()
}
