package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	appcfg "github.com/park285/cheese-arena/internal/config"
	"github.com/park285/cheese-arena/internal/bot"
	"github.com/park285/cheese-arena/internal/broadcast"
	"github.com/park285/cheese-arena/internal/game"
	"github.com/park285/cheese-arena/internal/manager"
	"github.com/park285/cheese-arena/internal/movelog"
	"github.com/park285/cheese-arena/internal/msgcat"
	"github.com/park285/cheese-arena/internal/notify"
	"github.com/park285/cheese-arena/internal/obslog"
	"github.com/park285/cheese-arena/internal/oracle"
	"github.com/park285/cheese-arena/internal/transport/ws"
)

type store interface {
	game.Store
	Ping(ctx context.Context) error
}

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	logger := obslog.L()
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("arena_exit", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *appcfg.AppConfig, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if c, ok := st.(io.Closer); ok {
			_ = c.Close()
		}
	}()

	cat, err := msgcat.New(cfg.MsgcatDir)
	if err != nil {
		return fmt.Errorf("message catalog: %w", err)
	}

	opts := manager.Options{
		Registry: game.RegistryOptions{
			Session: game.SessionOptions{
				StoreTimeout: cfg.StoreTimeout(),
				ChatGrace:    cfg.ChatGrace(),
				MessageLimit: cfg.SnapshotMessageLimit,
			},
			EvictAfter: cfg.SessionEvict(),
		},
		Catalog:       cat,
		Bot:           bot.Random{},
		MaxMessageLen: cfg.MaxMessageLen,
		Logger:        logger,
	}
	if cfg.ResultWebhookURL != "" {
		opts.Notifier = notify.NewWebhook(cfg.ResultWebhookURL)
	}

	router := broadcast.NewRouter(logger)
	m := manager.New(st, oracle.New(), router, opts)
	defer m.Wait()

	handler := ws.NewHandler(ws.Options{
		Manager:        m,
		Checks:         map[string]ws.Checker{"store": st},
		OutboxSize:     cfg.OutboxSize,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
	})
	srv := ws.NewServer(cfg.HTTPAddr, handler, logger)

	logger.Info("arena_start",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("store", cfg.StoreBackend),
		zap.Bool("webhook", cfg.ResultWebhookURL != ""),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error {
		m.Registry().Run(gctx, cfg.SweepInterval())
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("arena_shutdown")
		return srv.Shutdown(context.Background())
	})
	err = g.Wait()
	_ = m.Registry().Close()
	return err
}

func openStore(ctx context.Context, cfg *appcfg.AppConfig) (store, error) {
	octx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	switch cfg.StoreBackend {
	case appcfg.BackendRedis:
		return movelog.OpenRedis(octx, cfg.RedisURL, cfg.StoreRetention())
	case appcfg.BackendPostgres:
		pg, err := movelog.OpenPostgres(octx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := pg.EnsureSchema(octx); err != nil {
			_ = pg.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		return pg, nil
	default:
		return movelog.NewMemory(), nil
	}
}
