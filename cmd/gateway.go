package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/approval"
	"github.com/nextlevelbuilder/goclaw/internal/audit"
	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/channels/telegram"
	"github.com/nextlevelbuilder/goclaw/internal/config"
	"github.com/nextlevelbuilder/goclaw/internal/dispatcher"
	"github.com/nextlevelbuilder/goclaw/internal/memory"
	"github.com/nextlevelbuilder/goclaw/internal/projections"
	"github.com/nextlevelbuilder/goclaw/internal/providers"
	"github.com/nextlevelbuilder/goclaw/internal/queue"
	"github.com/nextlevelbuilder/goclaw/internal/recovery"
	"github.com/nextlevelbuilder/goclaw/internal/reflection"
	"github.com/nextlevelbuilder/goclaw/internal/scheduler"
	"github.com/nextlevelbuilder/goclaw/internal/sessions"
	"github.com/nextlevelbuilder/goclaw/internal/store"
	"github.com/nextlevelbuilder/goclaw/internal/telemetry"
	"github.com/nextlevelbuilder/goclaw/internal/workers"
)

// dataSubdirs mirrors spec.md 6's filesystem layout table; every one of
// these must exist before a collaborator tries to write under it.
var dataSubdirs = []string{"sessions", "users", filepath.Join("files", "workers"), "history", "pending", "logs"}

// collaboratorCache lazily opens the per-user SQLite-backed collaborators
// (ProjectionStore, memory.Store, WorkerRegistry+Runtime) and caches them
// for the process lifetime, per spec.md's ownership model: exactly one of
// each per user.
type collaboratorCache struct {
	mu     sync.Mutex
	byUser map[string]dispatcher.UserCollaborators

	dataDir    string
	workersCfg workers.Config
	provider   providers.Provider
	tracer     telemetry.Tracer
	sched      *scheduler.Scheduler
}

func newCollaboratorCache(dataDir string, workersCfg workers.Config, provider providers.Provider, tracer telemetry.Tracer) *collaboratorCache {
	return &collaboratorCache{
		byUser:     make(map[string]dispatcher.UserCollaborators),
		dataDir:    dataDir,
		workersCfg: workersCfg,
		provider:   provider,
		tracer:     tracer,
	}
}

// For resolves userID's collaborators, opening users/<userID>/memory.db on
// first use. The scheduler handle is shared across every user — spec.md
// 4.E runs one scheduler for the whole process.
func (c *collaboratorCache) For(userID string) (dispatcher.UserCollaborators, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if uc, ok := c.byUser[userID]; ok {
		return uc, nil
	}

	userDir := filepath.Join(c.dataDir, "users", userID)
	if err := os.MkdirAll(userDir, 0o755); err != nil {
		return dispatcher.UserCollaborators{}, fmt.Errorf("create user directory: %w", err)
	}

	db, err := store.OpenUserDB(filepath.Join(userDir, "memory.db"))
	if err != nil {
		return dispatcher.UserCollaborators{}, fmt.Errorf("open user db: %w", err)
	}

	projStore, err := projections.Open(db)
	if err != nil {
		return dispatcher.UserCollaborators{}, fmt.Errorf("open projection store: %w", err)
	}

	// No embedding provider is wired (see DESIGN.md: embeddings are an
	// external-collaborator concern this module does not implement), so
	// memory search falls back to its keyword path and CheckTriggers
	// never gets a real cosine match.
	memStore, err := memory.Open(db, nil)
	if err != nil {
		return dispatcher.UserCollaborators{}, fmt.Errorf("open memory store: %w", err)
	}

	registry := workers.NewRegistry()
	runtime := workers.NewRuntime(c.workersCfg, registry, c.provider, memStore)
	runtime.SetTracer(c.tracer)

	uc := dispatcher.UserCollaborators{
		Projections: projStore,
		Memory:      memStore,
		Workers:     runtime,
		Scheduler:   c.sched,
	}
	c.byUser[userID] = uc
	return uc, nil
}

// reflectionStores snapshots the currently-known users for the reflection
// loop; a user who has never sent a message has no ProjectionStore yet and
// is simply absent until their first turn opens one.
func (c *collaboratorCache) reflectionStores() []reflection.UserStore {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]reflection.UserStore, 0, len(c.byUser))
	for userID, uc := range c.byUser {
		out = append(out, reflection.UserStore{UserID: userID, Store: uc.Projections})
	}
	return out
}

// primaryUser resolves the user/channel the scheduler routes operator cron
// jobs and the two projection-maintenance jobs to. Open Question (spec.md
// 4.E names "the first allowed user" without saying how that's decided):
// resolved here as the first entry of the Telegram allow-list, since for a
// single-operator deployment that allow-list's first entry IS the
// operator. Logged as a warning, not fatal, when the list is empty — the
// scheduler still runs agent-managed schedules and operator cron jobs
// just never fire without a routing target.
func primaryUser(cfg *config.Config) (userID, channelID string) {
	if len(cfg.Channels.Telegram.AllowFrom) == 0 {
		return "", ""
	}
	first := cfg.Channels.Telegram.AllowFrom[0]
	first = strings.TrimPrefix(first, "@")
	if idx := strings.Index(first, "|"); idx > 0 {
		first = first[:idx]
	}
	return first, first
}

func workersConfigFromAgent(cfg *config.Config, dataDir string) workers.Config {
	typeModels := make(map[string]string, len(cfg.Tools.Workers.Types))
	for name, wt := range cfg.Tools.Workers.Types {
		typeModels[name] = wt.Model
	}
	maxConcurrent := cfg.Tools.Workers.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	return workers.Config{
		BaseDir:        filepath.Join(dataDir, "files", "workers"),
		MaxConcurrent:  maxConcurrent,
		DefaultModel:   cfg.Agent.Model,
		TypeModels:     typeModels,
		FallbackModels: cfg.Agent.FallbackModels,
		DefaultTimeout: 10 * time.Minute,
	}
}

// loadConfigWithRollback loads cfgPath, rolling back to the pre-restart
// snapshot on a parse failure per spec.md 7's "Config parse failure after
// restart" policy. The snapshot lives next to cfgPath rather than under
// the configured data_dir since a broken config means data_dir itself
// can't be trusted yet.
func loadConfigWithRollback(cfgPath string) (*config.Config, *recovery.Manager, error) {
	fallbackPendingDir := filepath.Join(filepath.Dir(cfgPath), "data", "pending")
	mgr := recovery.NewManager(fallbackPendingDir, cfgPath)

	cfg, err := config.Load(cfgPath)
	if err == nil {
		return cfg, mgr, nil
	}

	slog.Error("config parse failed, attempting rollback", "error", err)
	if !mgr.HasConfigSnapshot() {
		return nil, mgr, fmt.Errorf("config invalid and no pre-restart snapshot to roll back to: %w", err)
	}
	if _, rbErr := mgr.RollbackConfig(); rbErr != nil {
		return nil, mgr, fmt.Errorf("config rollback failed: %w", rbErr)
	}
	cfg, err = config.Load(cfgPath)
	if err != nil {
		return nil, mgr, fmt.Errorf("config still invalid after rollback: %w", err)
	}
	slog.Warn("rolled back to pre-restart config snapshot")
	return cfg, mgr, nil
}

func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	cfgPath := resolveConfigPath()
	cfg, recoveryMgr, err := loadConfigWithRollback(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	dataDir := config.ExpandHome(cfg.DataDir)
	if dataDir == "" {
		dataDir = "./data"
	}
	for _, sub := range dataSubdirs {
		if err := os.MkdirAll(filepath.Join(dataDir, sub), 0o755); err != nil {
			slog.Error("failed to create data directory", "dir", sub, "error", err)
			os.Exit(1)
		}
	}

	// The fallback recoveryMgr from loadConfigWithRollback points at
	// data/pending next to cfgPath; the config snapshot is written there,
	// where loadConfigWithRollback looks for it. Once data_dir is known,
	// re-home the manager at the configured pending directory for the rest
	// of the process.
	if err := recoveryMgr.SnapshotConfig(); err != nil {
		slog.Warn("failed to snapshot config for restart rollback", "error", err)
	}
	recoveryMgr = recovery.NewManager(filepath.Join(dataDir, "pending"), cfgPath)

	if marker, ok, err := recoveryMgr.ReadAndClearRestartMarker(); err != nil {
		slog.Warn("failed reading restart marker", "error", err)
	} else if ok {
		slog.Info("resumed after a cooperative restart", "user_id", marker.UserID, "reason", marker.Reason)
	}
	if recovered, err := recoveryMgr.ScanOnStartup(); err != nil {
		slog.Warn("failed scanning pending checkpoints", "error", err)
	} else {
		for _, r := range recovered {
			slog.Warn("recovered an in-flight message left over from a crash", "user_id", r.UserID, "age", time.Since(r.Timestamp).Round(time.Second))
		}
	}

	watcher, err := config.WatchInto(cfgPath, cfg)
	if err != nil {
		slog.Warn("config hot-reload watcher unavailable", "error", err)
	} else {
		defer watcher.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var tracer telemetry.Tracer = telemetry.Noop()
	if cfg.Telemetry.Enabled {
		t, err := telemetry.New(ctx, cfg.Telemetry)
		if err != nil {
			slog.Warn("telemetry init failed, continuing without it", "error", err)
		} else {
			tracer = t
			defer tracer.Shutdown(context.Background())
		}
	}

	msgBus := bus.New()
	sessionMgr := sessions.NewManager(filepath.Join(dataDir, "sessions"))

	historyLog, err := audit.NewHistoryLog(filepath.Join(dataDir, "history"))
	if err != nil {
		slog.Error("failed to open history log", "error", err)
		os.Exit(1)
	}
	defer historyLog.Close()

	toolCallLog, err := audit.NewToolCallLog(filepath.Join(dataDir, "logs"))
	if err != nil {
		slog.Error("failed to open tool-call log", "error", err)
		os.Exit(1)
	}
	defer toolCallLog.Close()

	// The real LLM provider SDK is an external collaborator this module
	// never constructs (see DESIGN.md) — a StubProvider keeps the process
	// runnable end to end without one.
	provider := providers.NewStubProvider("stub", cfg.Agent.Model)

	approvalGate := approval.NewGate(map[string]approval.Capability{
		"worker_dispatch":  approval.CapabilityElevated,
		"worker_interrupt": approval.CapabilityElevated,
	})

	collabCache := newCollaboratorCache(dataDir, workersConfigFromAgent(cfg, dataDir), provider, tracer)

	primaryUserID, primaryChannelID := primaryUser(cfg)
	if primaryUserID == "" {
		slog.Warn("no primary user resolved (telegram.allow_from is empty): operator cron jobs and daily projection review will not fire")
	}

	var msgQueue *queue.Queue

	sched, err := scheduler.New(scheduler.Config{
		OperatorJobs:     cfg.ToOperatorJobs(),
		PrimaryUserID:    primaryUserID,
		PrimaryChannelID: primaryChannelID,
		PrimaryPlatform:  "telegram",
		SchedulesPath:    filepath.Join(dataDir, "schedules.json"),
		ProjectionStoreFor: func(userID string) (*projections.Store, error) {
			uc, err := collabCache.For(userID)
			if err != nil {
				return nil, err
			}
			return uc.Projections, nil
		},
		Enqueue: func(msg queue.Message) bool {
			if msgQueue == nil {
				return false
			}
			return msgQueue.Enqueue(ctx, msg)
		},
	})
	if err != nil {
		slog.Error("failed to init scheduler", "error", err)
		os.Exit(1)
	}
	collabCache.sched = sched
	go sched.Run(ctx)

	disp := dispatcher.New(dispatcher.Config{
		Sessions:     sessionMgr,
		Collabs:      collabCache.For,
		Approval:     approvalGate,
		Recovery:     recoveryMgr,
		History:      historyLog,
		ToolCalls:    toolCallLog,
		Provider:     provider,
		Models:       cfg.Models(),
		StaticPrompt: cfg.Agent.SystemPrompt,
		Send:         func(msg bus.OutboundMessage) { msgBus.PublishOutbound(msg) },
		Exit:         os.Exit,
		Tracer:       tracer,
	})

	msgQueue = queue.New(queue.Config{Logger: slog.Default()}, disp.Process, func(msg queue.Message, reason string) {
		slog.Warn("message rejected by queue backpressure", "user_id", msg.UserID, "reason", reason)
		msgBus.PublishOutbound(bus.OutboundMessage{
			Channel: msg.Platform,
			ChatID:  msg.ChannelID,
			Content: "I'm a little backed up right now — please try again in a moment.",
		})
	})

	reflectionRunner := reflection.New(reflection.Config{
		History:  historyLog,
		Provider: provider,
		Models:   cfg.Models(),
	})
	go reflectionRunner.RunLoop(ctx, collabCache.reflectionStores, func(userID string, err error) {
		slog.Warn("reflection pass failed", "user_id", userID, "error", err)
	})

	var tgChannel *telegram.Channel
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		tgChannel, err = telegram.New(cfg.Channels.Telegram, msgBus)
		if err != nil {
			slog.Error("failed to init telegram channel", "error", err)
			os.Exit(1)
		}
		if err := tgChannel.Start(ctx); err != nil {
			slog.Error("failed to start telegram channel", "error", err)
			os.Exit(1)
		}
		defer tgChannel.Stop(context.Background())
		slog.Info("telegram channel enabled")
	} else {
		slog.Warn("telegram channel disabled (no token configured)")
	}

	// Inbound: channel bridge -> MessageQueue.
	go func() {
		for {
			msg, ok := msgBus.ConsumeInbound(ctx)
			if !ok {
				return
			}
			msgQueue.Enqueue(ctx, queue.Message{
				ChannelID:  msg.ChatID,
				UserID:     msg.UserID,
				Platform:   msg.Channel,
				Text:       msg.Content,
				Images:     msg.Media,
				ReceivedAt: time.Now().UTC(),
			})
		}
	}()

	// Outbound: Dispatcher/scheduler replies -> channel bridge.
	go func() {
		for {
			msg, ok := msgBus.SubscribeOutbound(ctx)
			if !ok {
				return
			}
			if tgChannel == nil {
				continue
			}
			if err := tgChannel.Send(ctx, msg); err != nil {
				slog.Warn("failed to send outbound message", "chat_id", msg.ChatID, "error", err)
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	slog.Info("goclaw gateway starting", "version", Version, "data_dir", dataDir)

	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)
	cancel()
	if tgChannel != nil {
		tgChannel.Stop(context.Background())
	}
}
