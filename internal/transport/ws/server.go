package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/park285/cheese-arena/internal/game"
	"github.com/park285/cheese-arena/internal/manager"
	"github.com/park285/cheese-arena/internal/render"
	"github.com/park285/cheese-arena/pkg/arenadto"
)

// UserHeader carries the user id resolved by the auth gateway in front of the server.
const UserHeader = "X-User-Id"

const maxFrameBytes = 64 << 10

// Checker is an infrastructure dependency probed by /healthz.
type Checker interface {
	Ping(ctx context.Context) error
}

// Options wires the HTTP surface.
type Options struct {
	Manager        *manager.Manager
	Renderer       *render.Renderer
	Checks         map[string]Checker
	OutboxSize     int
	PingInterval   time.Duration
	AllowedOrigins []string
	ListLimit      int
	Logger         *zap.Logger
}

type handlers struct {
	opts Options
	log  *zap.Logger
}

// NewHandler builds the chi router serving /ws, /healthz and the read-only REST endpoints.
func NewHandler(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Renderer == nil {
		opts.Renderer = render.New()
	}
	if opts.ListLimit <= 0 {
		opts.ListLimit = 50
	}
	h := &handlers{opts: opts, log: opts.Logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(opts.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)
	r.Get("/ws", h.serveWS)
	r.Route("/api/games", func(r chi.Router) {
		r.Get("/open", h.listOpen)
		r.Get("/{id}", h.gameInfo)
		r.Get("/{id}/board.png", h.board)
	})
	return r
}

// Server runs the HTTP listener.
type Server struct {
	srv *http.Server
	log *zap.Logger
}

func NewServer(addr string, handler http.Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		log: logger,
	}
}

func (s *Server) Run(_ context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.srv.Addr, err)
	}
	s.log.Info("http_listen", zap.String("addr", ln.Addr().String()))
	err = s.srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

func requestLogger(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Debug("http_request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Int64("duration_ms", time.Since(start).Milliseconds()),
					zap.String("request_id", middleware.GetReqID(r.Context())),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

func userID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(UserHeader))
}

func (h *handlers) serveWS(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		http.Error(w, "missing "+UserHeader, http.StatusUnauthorized)
		return
	}
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.opts.AllowedOrigins})
	if err != nil {
		h.log.Warn("ws_accept_failed", zap.String("user_id", user), zap.Error(err))
		return
	}
	c.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	conn := newConn(c, user, h.opts.OutboxSize, h.log)
	defer conn.Close()
	go conn.writeLoop(ctx, h.opts.PingInterval)
	conn.log.Info("ws_accept")

	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			conn.log.Debug("ws_read_end", zap.Error(err))
			return
		}
		var in arenadto.Intent
		if typ != websocket.MessageText || json.Unmarshal(data, &in) != nil {
			h.opts.Manager.RejectFrame(conn)
			continue
		}
		// a mutation in flight finishes even if the peer goes away
		h.opts.Manager.Handle(context.WithoutCancel(ctx), conn, in)
	}
}

type checkResult struct {
	Status string `json:"status"`
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	results := make(map[string]checkResult, len(h.opts.Checks))
	status := http.StatusOK
	for name, c := range h.opts.Checks {
		if err := c.Ping(ctx); err != nil {
			h.log.Error("health_check_failed", zap.String("name", name), zap.Error(err))
			results[name] = checkResult{Status: "error"}
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = checkResult{Status: "ok"}
	}
	writeJSON(w, status, results)
}

func (h *handlers) listOpen(w http.ResponseWriter, r *http.Request) {
	limit := h.opts.ListLimit
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v < limit {
		limit = v
	}
	games, err := h.opts.Manager.Registry().ListPublic(r.Context(), limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	out := make([]arenadto.GameSummary, 0, len(games))
	for _, g := range games {
		out = append(out, manager.Summary(g))
	}
	writeJSON(w, http.StatusOK, arenadto.GameList{Scope: "open", Games: out})
}

func (h *handlers) snapshot(w http.ResponseWriter, r *http.Request) (game.Snapshot, bool) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return game.Snapshot{}, false
	}
	snap, err := h.opts.Manager.Info(r.Context(), id, userID(r))
	if err != nil {
		h.fail(w, err)
		return game.Snapshot{}, false
	}
	return snap, true
}

func (h *handlers) gameInfo(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.snapshot(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, manager.SnapshotPayload(snap))
}

func (h *handlers) board(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.snapshot(w, r)
	if !ok {
		return
	}
	var opts render.Options
	if c, ok := snap.Game.ColorOf(userID(r)); ok {
		opts.Perspective = c
	}
	png, err := h.opts.Renderer.PNG(r.Context(), snap.Position, opts)
	if err != nil {
		h.log.Error("board_render_failed", zap.String("game_id", snap.Game.ID), zap.Error(err))
		http.Error(w, "render failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(png)
}

func (h *handlers) fail(w http.ResponseWriter, err error) {
	code := game.CodeOf(err)
	status := http.StatusServiceUnavailable
	switch code {
	case game.CodeInvalidArgument:
		status = http.StatusBadRequest
	case game.CodeNotFound:
		status = http.StatusNotFound
	case game.CodeForbidden:
		status = http.StatusForbidden
	}
	if status == http.StatusServiceUnavailable {
		h.log.Warn("http_request_failed", zap.String("code", string(code)), zap.Error(err))
	}
	writeJSON(w, status, arenadto.ErrorPayload{Code: string(code), Message: err.Error(), Retryable: game.IsRetryable(err)})
}

func parseID(raw string) (string, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", game.Reject(game.CodeInvalidArgument, "id must be a uuid")
	}
	return id.String(), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
