package movelog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/park285/cheese-arena/internal/game"
	"github.com/park285/cheese-arena/internal/oracle"
)

const schema = `
CREATE TABLE IF NOT EXISTS arena_games (
    id               TEXT PRIMARY KEY,
    mode             TEXT NOT NULL,
    visibility       TEXT NOT NULL,
    color_choice     TEXT NOT NULL,
    creator_color    TEXT NOT NULL,
    time_limit       INTEGER,
    status           TEXT NOT NULL,
    creator_id       TEXT NOT NULL,
    second_player_id TEXT,
    winner           TEXT NOT NULL DEFAULT '',
    termination      TEXT NOT NULL DEFAULT '',
    pgn              TEXT NOT NULL DEFAULT '',
    created_at       TIMESTAMPTZ NOT NULL,
    finished_at      TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS arena_games_open_idx ON arena_games (status, visibility, created_at DESC);
CREATE INDEX IF NOT EXISTS arena_games_creator_idx ON arena_games (creator_id);
CREATE INDEX IF NOT EXISTS arena_games_second_idx ON arena_games (second_player_id);
CREATE TABLE IF NOT EXISTS arena_moves (
    game_id   TEXT NOT NULL REFERENCES arena_games(id),
    seq       INTEGER NOT NULL,
    actor_id  TEXT NOT NULL,
    move_text TEXT NOT NULL,
    uci       TEXT NOT NULL,
    san       TEXT NOT NULL,
    fen       TEXT NOT NULL,
    played_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (game_id, seq)
);
CREATE TABLE IF NOT EXISTS arena_messages (
    id         BIGSERIAL PRIMARY KEY,
    game_id    TEXT NOT NULL REFERENCES arena_games(id),
    actor_id   TEXT NOT NULL,
    body       TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS arena_messages_game_idx ON arena_messages (game_id, id);
`

const gameColumns = `id, mode, visibility, color_choice, creator_color, time_limit, status,
    creator_id, second_player_id, winner, termination, created_at, finished_at`

// Postgres is the durable store. Moves are keyed by (game_id, seq) so the primary key enforces a
// single linear history.
type Postgres struct {
	db *sql.DB
}

func OpenPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func NewPostgres(db *sql.DB) *Postgres { return &Postgres{db: db} }

func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *Postgres) CreateGame(ctx context.Context, g *game.Game) error {
	if g == nil || g.ID == "" {
		return fmt.Errorf("create game: empty record")
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO arena_games (`+gameColumns+`)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		g.ID, string(g.Mode), string(g.Visibility), string(g.ColorChoice), string(g.CreatorColor),
		nullInt(g.TimeLimit), string(g.Status), g.CreatorID, nullString(g.SecondPlayerID),
		string(g.Winner), string(g.Termination), g.CreatedAt, nullTime(g.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("create game %s: %w", g.ID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGame(row rowScanner) (*game.Game, error) {
	var (
		g                                            game.Game
		mode, vis, choice, color, status, win, term string
		limit                                        sql.NullInt64
		second                                       sql.NullString
		finished                                     sql.NullTime
	)
	if err := row.Scan(&g.ID, &mode, &vis, &choice, &color, &limit, &status,
		&g.CreatorID, &second, &win, &term, &g.CreatedAt, &finished); err != nil {
		return nil, err
	}
	g.Mode = game.Mode(mode)
	g.Visibility = game.Visibility(vis)
	g.ColorChoice = game.ColorChoice(choice)
	g.CreatorColor = oracle.Color(color)
	g.Status = game.Status(status)
	g.Winner = game.Winner(win)
	g.Termination = game.Termination(term)
	if limit.Valid {
		v := int(limit.Int64)
		g.TimeLimit = &v
	}
	if second.Valid {
		g.SecondPlayerID = second.String
	}
	if finished.Valid {
		t := finished.Time
		g.FinishedAt = &t
	}
	return &g, nil
}

func (p *Postgres) LoadGame(ctx context.Context, id string) (*game.Game, error) {
	g, err := scanGame(p.db.QueryRowContext(ctx, `SELECT `+gameColumns+` FROM arena_games WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load game %s: %w", id, game.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load game %s: %w", id, err)
	}
	return g, nil
}

func (p *Postgres) UpdateGameStatus(ctx context.Context, id string, u game.StatusUpdate) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := p.updateGameTx(ctx, tx, id, u); err != nil {
		return err
	}
	return tx.Commit()
}

// updateGameTx locks the game row, applies u and refreshes the PGN archive once the game finishes.
func (p *Postgres) updateGameTx(ctx context.Context, tx *sql.Tx, id string, u game.StatusUpdate) error {
	g, err := scanGame(tx.QueryRowContext(ctx, `SELECT `+gameColumns+` FROM arena_games WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("update game %s: %w", id, game.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("update game %s: %w", id, err)
	}
	g.Apply(u)
	pgn := ""
	if g.Status == game.StatusFinished {
		moves, err := loadMoves(ctx, tx, id)
		if err != nil {
			return err
		}
		pgn = PGN(g, moves)
	}
	_, err = tx.ExecContext(ctx, `UPDATE arena_games
        SET status = $2, second_player_id = $3, winner = $4, termination = $5, finished_at = $6, pgn = $7
        WHERE id = $1`,
		id, string(g.Status), nullString(g.SecondPlayerID), string(g.Winner), string(g.Termination),
		nullTime(g.FinishedAt), pgn,
	)
	if err != nil {
		return fmt.Errorf("update game %s: %w", id, err)
	}
	return nil
}

func (p *Postgres) AppendMove(ctx context.Context, id string, mv game.Move, u *game.StatusUpdate) (int, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var locked string
	err = tx.QueryRowContext(ctx, `SELECT id FROM arena_games WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("append move %s: %w", id, game.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("append move %s: %w", id, err)
	}
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM arena_moves WHERE game_id = $1`, id).Scan(&n); err != nil {
		return 0, fmt.Errorf("append move %s: %w", id, err)
	}
	var lookupErr error
	dup, err := checkAppend(n, func(seq int) (game.Move, bool) {
		prev := game.Move{Seq: seq}
		lookupErr = tx.QueryRowContext(ctx,
			`SELECT actor_id, move_text, uci, san, fen, played_at FROM arena_moves WHERE game_id = $1 AND seq = $2`,
			id, seq,
		).Scan(&prev.ActorID, &prev.Text, &prev.UCI, &prev.SAN, &prev.FEN, &prev.PlayedAt)
		return prev, lookupErr == nil
	}, mv)
	if lookupErr != nil {
		return 0, fmt.Errorf("append move %s: %w", id, lookupErr)
	}
	if err != nil {
		return 0, err
	}
	if !dup {
		if _, err := tx.ExecContext(ctx, `INSERT INTO arena_moves
            (game_id, seq, actor_id, move_text, uci, san, fen, played_at)
            VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			id, mv.Seq, mv.ActorID, mv.Text, mv.UCI, mv.SAN, mv.FEN, mv.PlayedAt,
		); err != nil {
			return 0, fmt.Errorf("append move %s: %w", id, err)
		}
	}
	if u != nil {
		if err := p.updateGameTx(ctx, tx, id, *u); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return mv.Seq, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadMoves(ctx context.Context, q querier, id string) ([]game.Move, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT seq, actor_id, move_text, uci, san, fen, played_at FROM arena_moves WHERE game_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("load moves %s: %w", id, err)
	}
	defer rows.Close()
	out := make([]game.Move, 0)
	for rows.Next() {
		var m game.Move
		if err := rows.Scan(&m.Seq, &m.ActorID, &m.Text, &m.UCI, &m.SAN, &m.FEN, &m.PlayedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *Postgres) LoadMoves(ctx context.Context, id string) ([]game.Move, error) {
	if _, err := p.LoadGame(ctx, id); err != nil {
		return nil, err
	}
	return loadMoves(ctx, p.db, id)
}

func (p *Postgres) AppendMessage(ctx context.Context, id string, msg game.Message) error {
	res, err := p.db.ExecContext(ctx, `INSERT INTO arena_messages (game_id, actor_id, body, created_at)
        SELECT $1, $2, $3, $4 WHERE EXISTS (SELECT 1 FROM arena_games WHERE id = $1)`,
		id, msg.ActorID, msg.Text, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("append message %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("append message %s: %w", id, game.ErrNotFound)
	}
	return nil
}

func (p *Postgres) LoadMessages(ctx context.Context, id string, limit int) ([]game.Message, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := p.db.QueryContext(ctx, `SELECT actor_id, body, created_at FROM (
            SELECT id, actor_id, body, created_at FROM arena_messages WHERE game_id = $1 ORDER BY id DESC LIMIT $2
        ) recent ORDER BY id`, id, limit)
	if err != nil {
		return nil, fmt.Errorf("load messages %s: %w", id, err)
	}
	defer rows.Close()
	out := make([]game.Message, 0)
	for rows.Next() {
		var m game.Message
		if err := rows.Scan(&m.ActorID, &m.Text, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *Postgres) ListGames(ctx context.Context, f game.ListFilter) ([]*game.Game, error) {
	query, args := listQuery(f)
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list games: %w", err)
	}
	defer rows.Close()
	out := make([]*game.Game, 0)
	for rows.Next() {
		g, err := scanGame(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func listQuery(f game.ListFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Visibility != "" {
		add("visibility = $%d", string(f.Visibility))
	}
	if f.UserID != "" {
		args = append(args, f.UserID)
		n := len(args)
		where = append(where, fmt.Sprintf("(creator_id = $%d OR second_player_id = $%d)", n, n))
	}
	q := `SELECT ` + gameColumns + ` FROM arena_games`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return q, args
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
