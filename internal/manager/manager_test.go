package manager

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/park285/cheese-arena/internal/bot"
	"github.com/park285/cheese-arena/internal/broadcast"
	"github.com/park285/cheese-arena/internal/game"
	"github.com/park285/cheese-arena/internal/movelog"
	"github.com/park285/cheese-arena/internal/notify"
	"github.com/park285/cheese-arena/internal/oracle"
	"github.com/park285/cheese-arena/pkg/arenadto"
)

type fakeConn struct {
	id   string
	user string

	mu     sync.Mutex
	events []arenadto.Event
	closed bool
	done   chan struct{}
}

func newConn(id, user string) *fakeConn {
	return &fakeConn{id: id, user: user, done: make(chan struct{})}
}

func (c *fakeConn) ID() string     { return c.id }
func (c *fakeConn) UserID() string { return c.user }

func (c *fakeConn) Send(ev arenadto.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *fakeConn) Done() <-chan struct{} { return c.done }

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}

func (c *fakeConn) all() []arenadto.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]arenadto.Event(nil), c.events...)
}

func (c *fakeConn) of(typ string) []arenadto.Event {
	var out []arenadto.Event
	for _, ev := range c.all() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (c *fakeConn) last(t *testing.T) arenadto.Event {
	t.Helper()
	evs := c.all()
	if len(evs) == 0 {
		t.Fatalf("%s: no events", c.id)
	}
	return evs[len(evs)-1]
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	c.events = nil
	c.mu.Unlock()
}

type fakeNotifier struct {
	mu      sync.Mutex
	results []notify.GameResult
}

func (n *fakeNotifier) GameFinished(_ context.Context, r notify.GameResult) error {
	n.mu.Lock()
	n.results = append(n.results, r)
	n.mu.Unlock()
	return nil
}

type fixture struct {
	m      *Manager
	router *broadcast.Router
	store  *movelog.Memory
	notes  *fakeNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		router: broadcast.NewRouter(nil),
		store:  movelog.NewMemory(),
		notes:  &fakeNotifier{},
	}
	f.m = New(f.store, oracle.New(), f.router, Options{
		Bot:      bot.Random{},
		Notifier: f.notes,
		Registry: game.RegistryOptions{Session: game.SessionOptions{StoreTimeout: time.Second}},
	})
	t.Cleanup(func() {
		f.m.Wait()
		_ = f.m.Registry().Close()
	})
	return f
}

func intent(t *testing.T, typ string, payload any) arenadto.Intent {
	t.Helper()
	in := arenadto.Intent{Type: typ, RequestID: "req-" + typ}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		in.Payload = raw
	}
	return in
}

func (f *fixture) do(t *testing.T, conn *fakeConn, typ string, payload any) {
	t.Helper()
	f.m.Handle(context.Background(), conn, intent(t, typ, payload))
}

func (f *fixture) create(t *testing.T, conn *fakeConn, req arenadto.CreateGameRequest) string {
	t.Helper()
	f.do(t, conn, arenadto.IntentCreateGame, req)
	created := conn.of(arenadto.EventGameCreated)
	if len(created) != 1 {
		t.Fatalf("expected gameCreated, got %v", conn.all())
	}
	return created[0].GameID
}

func (f *fixture) move(t *testing.T, conn *fakeConn, gameID, text string) {
	t.Helper()
	f.do(t, conn, arenadto.IntentMakeMove, arenadto.MakeMoveRequest{GameID: gameID, MoveText: text})
}

func friendWhite() arenadto.CreateGameRequest {
	public := true
	return arenadto.CreateGameRequest{Mode: "friend", ColorChoice: "white", IsPublic: &public}
}

func expectError(t *testing.T, conn *fakeConn, code game.Code) {
	t.Helper()
	ev := conn.last(t)
	switch p := ev.Payload.(type) {
	case arenadto.ErrorPayload:
		if p.Code != string(code) || p.Message == "" {
			t.Fatalf("expected error %s, got %+v", code, p)
		}
	case arenadto.InvalidMove:
		if p.Code != string(code) || p.Reason == "" {
			t.Fatalf("expected invalidMove %s, got %+v", code, p)
		}
	default:
		t.Fatalf("expected a rejection, got %s %+v", ev.Type, ev.Payload)
	}
}

func TestCreateJoinMoveScenario(t *testing.T) {
	f := newFixture(t)
	alice := newConn("a", "alice")
	bob := newConn("b", "bob")

	id := f.create(t, alice, friendWhite())
	created := alice.of(arenadto.EventGameCreated)[0]
	if s := created.Payload.(arenadto.GameSummary); s.Status != "waiting" || s.WhiteID != "alice" {
		t.Fatalf("unexpected created summary %+v", s)
	}
	if created.RequestID != "req-createGame" {
		t.Fatalf("gameCreated should echo the request id")
	}

	f.do(t, bob, arenadto.IntentJoinGame, arenadto.GameRef{GameID: id})
	if got := bob.of(arenadto.EventSnapshot); len(got) != 1 || got[0].Payload.(arenadto.Snapshot).Game.Status != "active" {
		t.Fatalf("joiner should receive an active snapshot, got %v", bob.all())
	}
	started := alice.of(arenadto.EventGameStarted)
	if len(started) != 1 || started[0].Payload.(arenadto.GameSummary).Status != "active" {
		t.Fatalf("creator should see gameStarted, got %v", alice.all())
	}
	if len(bob.of(arenadto.EventGameStarted)) != 1 {
		t.Fatalf("joiner should see gameStarted after the snapshot")
	}

	f.move(t, alice, id, "e2e4")
	for _, c := range []*fakeConn{alice, bob} {
		made := c.of(arenadto.EventMoveMade)
		if len(made) != 1 {
			t.Fatalf("%s: expected one moveMade, got %d", c.id, len(made))
		}
		p := made[0].Payload.(arenadto.MoveMade)
		if p.Seq != 1 || p.UCI != "e2e4" || p.Turn != "black" {
			t.Fatalf("%s: unexpected moveMade %+v", c.id, p)
		}
	}

	bobBefore := len(bob.all())
	f.move(t, alice, id, "d2d4")
	if ev := alice.last(t); ev.Type != arenadto.EventInvalidMove {
		t.Fatalf("expected invalidMove, got %s", ev.Type)
	}
	expectError(t, alice, game.CodeNotYourTurn)
	if len(bob.all()) != bobBefore {
		t.Fatalf("rejections must not be broadcast")
	}
}

func TestFoolsMateGameOverOnce(t *testing.T) {
	f := newFixture(t)
	alice := newConn("a", "alice")
	bob := newConn("b", "bob")
	id := f.create(t, alice, friendWhite())
	f.do(t, bob, arenadto.IntentJoinGame, arenadto.GameRef{GameID: id})

	f.move(t, alice, id, "f2f3")
	f.move(t, bob, id, "e7e5")
	f.move(t, alice, id, "g2g4")
	f.move(t, bob, id, "Qh4#")

	for _, c := range []*fakeConn{alice, bob} {
		made := c.of(arenadto.EventMoveMade)
		mate := made[len(made)-1].Payload.(arenadto.MoveMade)
		if mate.Seq != 4 || mate.Turn != "" {
			t.Fatalf("%s: mating move should carry no side to move, got %+v", c.id, mate)
		}
		if prev := made[len(made)-2].Payload.(arenadto.MoveMade); prev.Turn != "black" {
			t.Fatalf("%s: expected black to move after seq 3, got %q", c.id, prev.Turn)
		}
		over := c.of(arenadto.EventGameOver)
		if len(over) != 1 {
			t.Fatalf("%s: expected one gameOver, got %d", c.id, len(over))
		}
		if p := over[0].Payload.(arenadto.GameOver); p.Winner != "black" || p.Termination != "checkmate" {
			t.Fatalf("%s: unexpected gameOver %+v", c.id, p)
		}
	}

	f.move(t, alice, id, "e2e4")
	expectError(t, alice, game.CodeGameClosed)
	moves, err := f.store.LoadMoves(context.Background(), id)
	if err != nil || len(moves) != 4 {
		t.Fatalf("expected four persisted moves, got %d err=%v", len(moves), err)
	}

	f.m.Wait()
	f.notes.mu.Lock()
	defer f.notes.mu.Unlock()
	if len(f.notes.results) != 1 {
		t.Fatalf("expected one notification, got %d", len(f.notes.results))
	}
	r := f.notes.results[0]
	if r.GameID != id || r.Winner != "black" || len(r.Moves) != 4 || r.PGN == "" {
		t.Fatalf("unexpected notification %+v", r)
	}
}

func TestWatchTwiceIsIdempotent(t *testing.T) {
	f := newFixture(t)
	alice := newConn("a", "alice")
	carol := newConn("c", "carol")
	id := f.create(t, alice, friendWhite())

	f.do(t, carol, arenadto.IntentWatchGame, arenadto.GameRef{GameID: id})
	f.do(t, carol, arenadto.IntentWatchGame, arenadto.GameRef{GameID: id})

	if n := len(alice.of(arenadto.EventWatcherJoined)); n != 1 {
		t.Fatalf("expected one watcherJoined, got %d", n)
	}
	if n := len(carol.of(arenadto.EventSnapshot)); n != 2 {
		t.Fatalf("expected a snapshot per watch, got %d", n)
	}
	if n := f.router.Members(id); n != 2 {
		t.Fatalf("expected two members, got %d", n)
	}

	carol.Close()
	deadline := time.Now().Add(2 * time.Second)
	for len(alice.of(arenadto.EventWatcherLeft)) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected watcherLeft after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSnapshotThenEventsConverges(t *testing.T) {
	f := newFixture(t)
	alice := newConn("a", "alice")
	bob := newConn("b", "bob")
	carol := newConn("c", "carol")
	id := f.create(t, alice, friendWhite())
	f.do(t, bob, arenadto.IntentJoinGame, arenadto.GameRef{GameID: id})

	line := []string{"e2e4", "e7e5", "g1f3", "b8c6", "f1b5", "a7a6"}
	for i, mv := range line[:3] {
		who := alice
		if i%2 == 1 {
			who = bob
		}
		f.move(t, who, id, mv)
	}
	f.do(t, carol, arenadto.IntentWatchGame, arenadto.GameRef{GameID: id})
	for i, mv := range line[3:] {
		who := bob
		if i%2 == 1 {
			who = alice
		}
		f.move(t, who, id, mv)
	}

	snap := carol.of(arenadto.EventSnapshot)[0].Payload.(arenadto.Snapshot)
	later := carol.of(arenadto.EventMoveMade)
	if len(snap.Moves)+len(later) != len(line) {
		t.Fatalf("snapshot %d + events %d != %d", len(snap.Moves), len(later), len(line))
	}
	full := alice.of(arenadto.EventMoveMade)
	want := full[len(full)-1].Payload.(arenadto.MoveMade).FEN
	got := later[len(later)-1].Payload.(arenadto.MoveMade).FEN
	if got != want {
		t.Fatalf("spectator diverged: %s vs %s", got, want)
	}
	if snap.Moves[len(snap.Moves)-1].Seq+1 != later[0].Payload.(arenadto.MoveMade).Seq {
		t.Fatalf("gap between snapshot and first event")
	}
}

func TestInvalidArgumentsNeverReachRegistry(t *testing.T) {
	f := newFixture(t)
	alice := newConn("a", "alice")
	cases := []arenadto.Intent{
		intent(t, arenadto.IntentCreateGame, arenadto.CreateGameRequest{Mode: "blitz", ColorChoice: "white"}),
		intent(t, arenadto.IntentCreateGame, arenadto.CreateGameRequest{Mode: "friend", ColorChoice: "green"}),
		intent(t, arenadto.IntentCreateGame, nil),
		intent(t, arenadto.IntentJoinGame, arenadto.GameRef{GameID: "not-a-uuid"}),
		intent(t, arenadto.IntentMakeMove, arenadto.MakeMoveRequest{GameID: "3b241101-e2bb-4255-8caf-4136c566a962", MoveText: "  "}),
		intent(t, arenadto.IntentSendMessage, arenadto.SendMessageRequest{GameID: "3b241101-e2bb-4255-8caf-4136c566a962"}),
		{Type: "teleport"},
		{Type: arenadto.IntentWatchGame, Payload: json.RawMessage(`{"gameId": 7}`)},
	}
	for _, in := range cases {
		f.m.Handle(context.Background(), alice, in)
		expectError(t, alice, game.CodeInvalidArgument)
	}
	if n := f.m.Registry().Live(); n != 0 {
		t.Fatalf("invalid intents must not touch the registry, live=%d", n)
	}

	zero := 0
	f.do(t, alice, arenadto.IntentCreateGame, arenadto.CreateGameRequest{Mode: "friend", ColorChoice: "white", TimeLimit: &zero})
	expectError(t, alice, game.CodeInvalidConfig)
}

func TestUnknownGame(t *testing.T) {
	f := newFixture(t)
	alice := newConn("a", "alice")
	f.do(t, alice, arenadto.IntentJoinGame, arenadto.GameRef{GameID: "3b241101-e2bb-4255-8caf-4136c566a962"})
	expectError(t, alice, game.CodeNotFound)
	if ev := alice.last(t); ev.GameID != "3b241101-e2bb-4255-8caf-4136c566a962" {
		t.Fatalf("rejection should carry the game id, got %q", ev.GameID)
	}
}

func TestBotGameReplies(t *testing.T) {
	f := newFixture(t)
	alice := newConn("a", "alice")
	id := f.create(t, alice, arenadto.CreateGameRequest{Mode: "bot", ColorChoice: "black"})

	made := alice.of(arenadto.EventMoveMade)
	if len(made) != 1 || made[0].Payload.(arenadto.MoveMade).ActorID != game.BotID {
		t.Fatalf("bot should open as white, got %v", alice.all())
	}
	if n := len(alice.of(arenadto.EventGameStarted)); n != 1 {
		t.Fatalf("bot game should announce its start once, got %d", n)
	}
	for _, ev := range alice.all() {
		if ev.Type == arenadto.EventMoveMade {
			t.Fatalf("bot opening arrived before gameStarted: %v", alice.all())
		}
		if ev.Type == arenadto.EventGameStarted {
			break
		}
	}

	// always legal after any first move by white
	f.move(t, alice, id, "g8f6")
	made = alice.of(arenadto.EventMoveMade)
	if len(made) != 3 {
		t.Fatalf("expected own move plus bot reply, got %d", len(made))
	}
	if p := made[2].Payload.(arenadto.MoveMade); p.ActorID != game.BotID || p.Seq != 3 {
		t.Fatalf("unexpected bot reply %+v", p)
	}
}

func TestChatPolicy(t *testing.T) {
	f := newFixture(t)
	alice := newConn("a", "alice")
	bob := newConn("b", "bob")
	carol := newConn("c", "carol")
	id := f.create(t, alice, friendWhite())

	say := func(c *fakeConn, text string) {
		f.do(t, c, arenadto.IntentSendMessage, arenadto.SendMessageRequest{GameID: id, Text: text})
	}

	say(alice, "anyone?")
	expectError(t, alice, game.CodeGameWaiting)

	f.do(t, bob, arenadto.IntentJoinGame, arenadto.GameRef{GameID: id})
	say(carol, "hi")
	expectError(t, carol, game.CodeNotParticipant)

	f.do(t, carol, arenadto.IntentWatchGame, arenadto.GameRef{GameID: id})
	say(carol, "good luck")
	for _, c := range []*fakeConn{alice, bob, carol} {
		msgs := c.of(arenadto.EventNewMessage)
		if len(msgs) != 1 || msgs[0].Payload.(arenadto.NewMessage).ActorID != "carol" {
			t.Fatalf("%s: expected carol's message, got %v", c.id, msgs)
		}
	}
}

func TestPrivateGameHidden(t *testing.T) {
	f := newFixture(t)
	alice := newConn("a", "alice")
	carol := newConn("c", "carol")
	private := false
	id := f.create(t, alice, arenadto.CreateGameRequest{Mode: "friend", ColorChoice: "white", IsPublic: &private})

	f.do(t, carol, arenadto.IntentWatchGame, arenadto.GameRef{GameID: id})
	expectError(t, carol, game.CodeForbidden)
	f.do(t, carol, arenadto.IntentGameInfo, arenadto.GameRef{GameID: id})
	expectError(t, carol, game.CodeForbidden)

	f.do(t, alice, arenadto.IntentGameInfo, arenadto.GameRef{GameID: id})
	if ev := alice.last(t); ev.Type != arenadto.EventGameInfo {
		t.Fatalf("player should get gameInfo, got %s", ev.Type)
	}

	f.do(t, carol, arenadto.IntentListOpen, nil)
	if games := carol.last(t).Payload.(arenadto.GameList).Games; len(games) != 0 {
		t.Fatalf("private game leaked into the lobby")
	}
}

func TestResumeAndResign(t *testing.T) {
	f := newFixture(t)
	alice := newConn("a", "alice")
	bob := newConn("b", "bob")
	id := f.create(t, alice, friendWhite())
	f.do(t, bob, arenadto.IntentJoinGame, arenadto.GameRef{GameID: id})
	f.move(t, alice, id, "e2e4")

	alice.Close()
	again := newConn("a2", "alice")
	f.do(t, again, arenadto.IntentResumeGame, arenadto.GameRef{GameID: id})
	resumed := again.of(arenadto.EventGameResumed)
	if len(resumed) != 1 || len(resumed[0].Payload.(arenadto.Snapshot).Moves) != 1 {
		t.Fatalf("expected a resume snapshot with one move, got %v", again.all())
	}

	carol := newConn("c", "carol")
	f.do(t, carol, arenadto.IntentResumeGame, arenadto.GameRef{GameID: id})
	expectError(t, carol, game.CodeNotParticipant)

	f.do(t, bob, arenadto.IntentResign, arenadto.GameRef{GameID: id})
	over := again.of(arenadto.EventGameOver)
	if len(over) != 1 || over[0].Payload.(arenadto.GameOver).Winner != "white" {
		t.Fatalf("expected white to win by resignation, got %v", over)
	}
}

func TestListings(t *testing.T) {
	f := newFixture(t)
	alice := newConn("a", "alice")
	bob := newConn("b", "bob")
	open := f.create(t, alice, friendWhite())
	bob.reset()
	f.create(t, bob, arenadto.CreateGameRequest{Mode: "bot", ColorChoice: "white"})

	f.do(t, bob, arenadto.IntentListOpen, nil)
	lobby := bob.last(t).Payload.(arenadto.GameList)
	if lobby.Scope != "open" || len(lobby.Games) != 1 || lobby.Games[0].ID != open {
		t.Fatalf("unexpected lobby %+v", lobby)
	}
	f.do(t, bob, arenadto.IntentListMine, nil)
	mine := bob.last(t).Payload.(arenadto.GameList)
	if mine.Scope != "mine" || len(mine.Games) != 1 || mine.Games[0].Mode != "bot" {
		t.Fatalf("unexpected own games %+v", mine)
	}

	// re-fetching is side-effect free
	f.do(t, bob, arenadto.IntentListMine, nil)
	if again := bob.last(t).Payload.(arenadto.GameList); len(again.Games) != 1 {
		t.Fatalf("listing changed between calls")
	}
}

func TestMoveEchoWithoutSubscription(t *testing.T) {
	f := newFixture(t)
	alice := newConn("a", "alice")
	bob := newConn("b", "bob")
	id := f.create(t, alice, friendWhite())
	f.do(t, bob, arenadto.IntentJoinGame, arenadto.GameRef{GameID: id})

	// a fresh connection that never resumed still sees its own move
	other := newConn("a2", "alice")
	f.move(t, other, id, "e2e4")
	if got := other.of(arenadto.EventMoveMade); len(got) != 1 || got[0].RequestID != "req-makeMove" {
		t.Fatalf("expected a direct moveMade, got %v", other.all())
	}
	if got := bob.of(arenadto.EventMoveMade); len(got) != 1 {
		t.Fatalf("room should still see the move once, got %d", len(got))
	}
}
