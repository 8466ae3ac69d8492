package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/nanoclaw/internal/alerts"
	"github.com/nextlevelbuilder/nanoclaw/internal/channel"
	"github.com/nextlevelbuilder/nanoclaw/internal/config"
	"github.com/nextlevelbuilder/nanoclaw/internal/dispatch"
	"github.com/nextlevelbuilder/nanoclaw/internal/fastpath"
	"github.com/nextlevelbuilder/nanoclaw/internal/gemini"
	"github.com/nextlevelbuilder/nanoclaw/internal/groups"
	"github.com/nextlevelbuilder/nanoclaw/internal/ipc"
	"github.com/nextlevelbuilder/nanoclaw/internal/memory"
	"github.com/nextlevelbuilder/nanoclaw/internal/ratelimit"
	"github.com/nextlevelbuilder/nanoclaw/internal/router"
	"github.com/nextlevelbuilder/nanoclaw/internal/sandbox"
	"github.com/nextlevelbuilder/nanoclaw/internal/scheduler"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
	"github.com/nextlevelbuilder/nanoclaw/internal/tools"
)

func runOrchestrator() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.TelegramToken == "" {
		slog.Error("TELEGRAM_BOT_TOKEN is not set")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.StorePath())
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	registry, err := groups.LoadRegistry(cfg.RegisteredGroupsPath(), cfg.MainGroupFolder)
	if err != nil {
		slog.Error("failed to load group registry", "error", err)
		os.Exit(1)
	}
	state, err := groups.LoadRouterState(cfg.RouterStatePath())
	if err != nil {
		slog.Error("failed to load router state", "error", err)
		os.Exit(1)
	}
	sessions, err := groups.LoadSessions(cfg.SessionsPath())
	if err != nil {
		slog.Error("failed to load sessions", "error", err)
		os.Exit(1)
	}

	tg, err := channel.NewTelegram(cfg.TelegramToken, cfg.Telegram)
	if err != nil {
		slog.Error("failed to create telegram client", "error", err)
		os.Exit(1)
	}

	provider, err := gemini.NewClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
	if err != nil {
		slog.Error("failed to create gemini client", "error", err)
		os.Exit(1)
	}
	if provider == nil {
		slog.Warn("no GEMINI_API_KEY configured; all requests go through the sandbox")
	}

	allowlist := sandbox.NewAllowlist(cfg.MountAllowlistPath)
	sandboxRunner := sandbox.NewRunner(cfg, allowlist, verbose)

	toolDeps := tools.Deps{
		Store:     db,
		Chat:      tg,
		Registrar: registry,
		Location:  cfg.Location(),
	}
	if provider != nil {
		toolDeps.Images = provider
	}
	toolReg := tools.NewRegistry(toolDeps)

	var fastRunner router.FastRunner
	var memoryMgr *memory.Manager
	if provider != nil {
		cache := gemini.NewCacheManager(provider, cfg.FastPath.MinCacheChars, cfg.FastPath.CacheTTL())
		fastRunner = fastpath.NewRunner(provider, toolReg, cache, db,
			cfg.FastPath.FastPathTimeout(), cfg.FastPath.StreamingInterval())
		memoryMgr = memory.NewManager(db, provider, cfg.Memory, cfg.GeminiModel)
	} else {
		memoryMgr = memory.NewManager(db, nil, cfg.Memory, cfg.GeminiModel)
	}

	locks := dispatch.NewGroupLocks()
	tracker := alerts.New(cfg.Alerts.WebhookURL, cfg.Alerts.AlertCooldown())

	rt := router.New(router.Deps{
		Config:   cfg,
		Store:    db,
		Registry: registry,
		State:    state,
		Sessions: sessions,
		Locks:    locks,
		Limiter:  ratelimit.New(),
		Tracker:  tracker,
		Memory:   memoryMgr,
		Chat:     tg,
		Fast:     fastRunner,
		Sandbox:  sandboxRunner,
	})
	defer rt.Close()

	bus := ipc.NewBus(ipc.Options{
		Root:          cfg.IPCDir(),
		AssistantName: cfg.AssistantName,
		MainFolder:    cfg.MainGroupFolder,
		Debounce:      cfg.Container.IPCDebounce(),
		PollInterval:  cfg.IPCPollInterval() * time.Duration(cfg.Container.IPCFallbackPollingFactor),
	}, registry, toolReg, tg)

	sched := scheduler.New(db, locks, rt, cfg.SchedulerPollInterval(), cfg.Location(), cfg.Maintenance)

	g, gctx := errgroup.WithContext(ctx)

	if err := tg.Start(gctx, func(msg channel.IncomingMessage) {
		rt.HandleIncoming(gctx, msg)
	}); err != nil {
		slog.Error("failed to start telegram polling", "error", err)
		os.Exit(1)
	}
	if err := bus.Start(gctx); err != nil {
		slog.Error("failed to start ipc bus", "error", err)
		os.Exit(1)
	}
	sched.Start(gctx)
	memoryMgr.Start(gctx, func() map[string]string {
		out := make(map[string]string)
		for _, gr := range registry.All() {
			out[gr.Folder] = gr.ChatID
		}
		return out
	})

	g.Go(func() error {
		runMediaCleanup(gctx, cfg, registry)
		return nil
	})

	slog.Info("nanoclaw started",
		"assistant", cfg.AssistantName,
		"model", cfg.GeminiModel,
		"groups", len(registry.All()),
		"fast_path", fastRunner != nil)

	<-gctx.Done()
	slog.Info("shutting down")

	sched.Stop()
	bus.Stop()
	memoryMgr.Stop()
	tg.Stop()
	_ = g.Wait()
}

// runMediaCleanup periodically prunes old files from every group's media
// directory.
func runMediaCleanup(ctx context.Context, cfg *config.Config, registry *groups.Registry) {
	interval := time.Duration(cfg.Cleanup.MediaCleanupIntervalHours) * time.Hour
	maxAge := time.Duration(cfg.Cleanup.MediaMaxAgeDays) * 24 * time.Hour
	if interval <= 0 || maxAge <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-maxAge)
			for _, g := range registry.All() {
				pruneDir(cfg.GroupMediaDir(g.Folder), cutoff)
			}
		}
	}
}

func pruneDir(dir string, cutoff time.Time) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil {
			slog.Warn("prune media file", "file", path, "error", err)
		} else {
			slog.Debug("pruned old media file", "file", path)
		}
	}
}
