package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/Alishahryar1/free-claude-code/internal/cli"
	"github.com/Alishahryar1/free-claude-code/internal/config"
	"github.com/Alishahryar1/free-claude-code/internal/messaging"
	"github.com/Alishahryar1/free-claude-code/internal/platform"
	"github.com/Alishahryar1/free-claude-code/internal/platform/discord"
	"github.com/Alishahryar1/free-claude-code/internal/platform/telegram"
	"github.com/Alishahryar1/free-claude-code/internal/server"
	"github.com/Alishahryar1/free-claude-code/internal/store"
	filestore "github.com/Alishahryar1/free-claude-code/internal/store/file"
	sqlitestore "github.com/Alishahryar1/free-claude-code/internal/store/sqlite"
	"github.com/Alishahryar1/free-claude-code/internal/telemetry"
	"github.com/Alishahryar1/free-claude-code/internal/tree"
)

func loadConfig(ctx context.Context) (*config.Config, func(), error) {
	path := config.ExpandHome(resolveConfigPath())
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load config %s: %w", path, err)
	}

	shutdownTrace, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return nil, nil, fmt.Errorf("setup telemetry: %w", err)
	}

	watchCtx, cancelWatch := context.WithCancel(ctx)
	go func() {
		if err := config.Watch(watchCtx, path, cfg); err != nil {
			slog.Warn("config watcher stopped", "error", err)
		}
	}()

	cleanup := func() {
		cancelWatch()
		if err := shutdownTrace(context.Background()); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}
	return cfg, cleanup, nil
}

func runAll(ctx context.Context) error {
	cfg, cleanup, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.New(cfg, server.NewServiceSet(cfg)).Run(ctx)
	}()

	bots, err := startBots(ctx, cfg)
	if err != nil {
		return err
	}
	if len(bots) == 0 {
		slog.Info("no chat platforms enabled, running gateway only")
	}

	err = <-errCh
	stopBots(bots)
	return err
}

func runServeOnly(ctx context.Context) error {
	cfg, cleanup, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	return server.New(cfg, server.NewServiceSet(cfg)).Run(ctx)
}

func runBotsOnly(ctx context.Context) error {
	cfg, cleanup, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	bots, err := startBots(ctx, cfg)
	if err != nil {
		return err
	}
	if len(bots) == 0 {
		return errors.New("no chat platform enabled: set messaging.telegram or messaging.discord (or FCC_TELEGRAM_TOKEN / FCC_DISCORD_TOKEN)")
	}

	<-ctx.Done()
	stopBots(bots)
	return nil
}

// bot bundles one platform's runtime for orderly shutdown.
type bot struct {
	platform platform.ChatPlatform
	queue    *platform.Queue
	handler  *messaging.Handler
	store    store.SessionStore
}

func startBots(ctx context.Context, cfg *config.Config) ([]*bot, error) {
	var adapters []platform.ChatPlatform
	if pc := cfg.Messaging.Telegram; pc.Enabled {
		p, err := telegram.New(telegram.Config{Token: pc.Token, AllowFrom: pc.AllowFrom})
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		adapters = append(adapters, p)
	}
	if pc := cfg.Messaging.Discord; pc.Enabled {
		p, err := discord.New(discord.Config{Token: pc.Token, AllowFrom: pc.AllowFrom})
		if err != nil {
			return nil, fmt.Errorf("discord: %w", err)
		}
		adapters = append(adapters, p)
	}
	if len(adapters) == 0 {
		return nil, nil
	}

	cliManager := cli.NewManager(cfg.Messaging.MaxSessions, func(id string) cli.Session {
		return cli.NewSubprocessSession(cfg.Messaging.ClaudeBinary, id)
	})

	var bots []*bot
	for _, p := range adapters {
		b, err := startBot(ctx, cfg, p, cliManager)
		if err != nil {
			stopBots(bots)
			return nil, fmt.Errorf("%s: %w", p.Name(), err)
		}
		bots = append(bots, b)
	}
	return bots, nil
}

func startBot(ctx context.Context, cfg *config.Config, p platform.ChatPlatform, cliManager *cli.Manager) (*bot, error) {
	st, err := openStore(cfg, p.Name())
	if err != nil {
		return nil, err
	}

	trees := tree.NewManager(ctx)
	state, err := st.Load()
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("load session state: %w", err)
	}
	for _, snap := range state.Roots {
		trees.Restore(snap)
	}
	if n := len(state.Roots); n > 0 {
		slog.Info("restored message trees", "platform", p.Name(), "trees", n)
	}

	q := platform.NewQueue(p, cfg.Messaging.SendRPS)
	h := messaging.NewHandler(q, cliManager, st, trees)
	h.ShowToolResults = cfg.Messaging.ShowToolResults

	p.OnMessage(func(m platform.IncomingMessage) {
		go h.HandleMessage(ctx, m)
	})
	if err := p.Start(ctx); err != nil {
		h.Close()
		st.Close()
		return nil, err
	}
	return &bot{platform: p, queue: q, handler: h, store: st}, nil
}

func stopBots(bots []*bot) {
	for _, b := range bots {
		if err := b.platform.Stop(); err != nil {
			slog.Warn("platform stop failed", "platform", b.platform.Name(), "error", err)
		}
		b.handler.Close()
		b.queue.Drain()
		if err := b.store.Close(); err != nil {
			slog.Warn("store close failed", "platform", b.platform.Name(), "error", err)
		}
	}
}

// openStore opens the configured session backend. Each platform gets its own
// path (sessions.json becomes sessions.telegram.json) so restored trees never
// leak across platforms.
func openStore(cfg *config.Config, platformName string) (store.SessionStore, error) {
	path := platformPath(config.ExpandHome(cfg.Sessions.Path), platformName)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	switch cfg.Sessions.Backend {
	case "sqlite":
		return sqlitestore.Open(path, cfg.SessionMaxAge())
	case "", "file":
		return filestore.New(path, cfg.SessionMaxAge()), nil
	default:
		return nil, fmt.Errorf("unknown sessions backend %q", cfg.Sessions.Backend)
	}
}

func platformPath(path, name string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "." + name + ext
}
