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

	"github.com/nextlevelbuilder/valet/internal/bus"
	"github.com/nextlevelbuilder/valet/internal/channels"
	"github.com/nextlevelbuilder/valet/internal/channels/discord"
	"github.com/nextlevelbuilder/valet/internal/channels/telegram"
	"github.com/nextlevelbuilder/valet/internal/config"
	"github.com/nextlevelbuilder/valet/internal/dispatch"
	"github.com/nextlevelbuilder/valet/internal/memory"
	"github.com/nextlevelbuilder/valet/internal/projection"
	"github.com/nextlevelbuilder/valet/internal/providers"
	"github.com/nextlevelbuilder/valet/internal/queue"
	"github.com/nextlevelbuilder/valet/internal/recovery"
	"github.com/nextlevelbuilder/valet/internal/reflection"
	"github.com/nextlevelbuilder/valet/internal/scheduler"
	"github.com/nextlevelbuilder/valet/internal/sessions"
	"github.com/nextlevelbuilder/valet/internal/telemetry"
	"github.com/nextlevelbuilder/valet/internal/tools"
	"github.com/nextlevelbuilder/valet/internal/workers"
)

const defaultSystemPrompt = `You are Valet, a personal assistant reachable over chat. Be helpful, concise, and direct.

You have persistent memory:
- Core memory is always visible below. Keep it current with core_memory_replace.
- Archive durable facts with memory_append; recall them with memory_search.
- Track future intentions (reminders, follow-ups, "when X happens do Y") with the projection tools. Record them the moment they come up; do not rely on the transcript.

You can run background workers for research tasks, schedule recurring messages, search the web, and fetch pages.

Some messages you receive are generated by the system (schedule fires, triggered projections, worker completions). Handle them like instructions, and message the user only when there is something worth saying.

If no reply is needed, respond with exactly NO_REPLY and nothing else.`

// expireThresholdHours is passed to the stale-projection sweep that runs
// before each prompt's system-prompt render.
const expireThresholdHours = 24

type channelRef struct {
	ChannelID string
	Platform  string
}

// userState bundles the per-user stores and the tool registry built on them.
type userState struct {
	projections *projection.Store
	memory      *memory.Store
	registry    *tools.Registry
	workers     *workers.Runtime
}

// gateway owns all long-lived components of the running process.
type gateway struct {
	ctx     context.Context
	cfg     *config.Config
	cfgPath string

	provider providers.Provider
	embedder providers.Embedder
	gate     *tools.Gate
	toolLog  *dispatch.ToolCallLog
	usageLog *dispatch.UsageLog
	history  *dispatch.HistoryLog
	bridges  *channels.Manager
	sessions *sessions.Manager
	queue    *queue.MessageQueue
	sched    *scheduler.Scheduler
	webTools map[string]*tools.Tool

	usersDir   string
	workersDir string
	pendingDir string

	mu          sync.Mutex
	users       map[string]*userState
	lastChannel map[string]channelRef
}

func runGateway() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfgPath := resolveConfigPath()
	// The snapshot lives under the default data dir because the data dir
	// itself comes from the config being loaded.
	cfg, rolledBack, err := config.LoadWithRollback(cfgPath, "./data")
	if err != nil {
		slog.Error("config load failed", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	if rolledBack {
		slog.Warn("config was rolled back to the pre-restart snapshot", "path", cfgPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTrace, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("telemetry setup failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTrace(flushCtx); err != nil {
			slog.Warn("trace shutdown failed", "error", err)
		}
	}()

	dataDir := cfg.DataDir
	usersDir := filepath.Join(dataDir, "users")
	pendingDir := filepath.Join(dataDir, "pending")
	historyDir := filepath.Join(dataDir, "history")
	logsDir := filepath.Join(dataDir, "logs")
	workersDir := filepath.Join(dataDir, "files", "workers")
	imagesDir := filepath.Join(dataDir, "files", "images")
	for _, dir := range []string{usersDir, pendingDir, historyDir, logsDir, workersDir, imagesDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Error("create data dir failed", "dir", dir, "error", err)
			os.Exit(1)
		}
	}

	apiKey := cfg.Agent.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	provider := providers.NewOpenAIProvider("openai", cfg.Agent.APIBase, apiKey)

	// NewHTTPEmbedder returns a concrete pointer; assigning a nil one to the
	// interface would make the nil checks downstream pass incorrectly.
	var embedder providers.Embedder
	if cfg.Agent.EmbeddingAPIBase != "" {
		embedder = providers.NewHTTPEmbedder(cfg.Agent.EmbeddingAPIBase, apiKey, cfg.Agent.EmbeddingModel)
	}

	g := &gateway{
		ctx:         ctx,
		cfg:         cfg,
		cfgPath:     cfgPath,
		provider:    provider,
		embedder:    embedder,
		gate:        tools.NewGate(cfg.Trust.ApprovedTools),
		toolLog:     dispatch.NewToolCallLog(filepath.Join(logsDir, "tool-calls.jsonl")),
		usageLog:    dispatch.NewUsageLog(filepath.Join(logsDir, "usage.jsonl")),
		history:     dispatch.NewHistoryLog(historyDir),
		bridges:     channels.NewManager(),
		usersDir:    usersDir,
		workersDir:  workersDir,
		pendingDir:  pendingDir,
		users:       make(map[string]*userState),
		lastChannel: make(map[string]channelRef),
	}
	g.webTools = map[string]*tools.Tool{
		"web_search": tools.NewWebSearchTool(),
		"fetch_url":  tools.NewFetchURLTool(),
	}

	g.sessions = sessions.NewManager(usersDir, cfg.Agent, provider, g.systemPrompt, g.registryFor)

	dispatcher := dispatch.New(dispatch.Options{
		Config:     cfg,
		Sessions:   g.sessions,
		Bridges:    g.bridges,
		Gate:       g.gate,
		MemoryFor:  g.memoryFor,
		ToolLog:    g.toolLog,
		UsageLog:   g.usageLog,
		History:    g.history,
		PendingDir: pendingDir,
		Restart:    g.restart,
	})

	g.queue = queue.New(ctx, dispatcher.HandleMessage, dispatcher.Reject, queue.Options{
		MergeWindow: cfg.MergeWindow(),
		MaxDepth:    cfg.Queue.MaxDepth,
		RateLimit:   cfg.Queue.RateLimit,
	})

	handler := func(msg bus.InboundMessage) {
		g.mu.Lock()
		g.lastChannel[msg.UserID] = channelRef{ChannelID: msg.ChannelID, Platform: msg.Platform}
		g.mu.Unlock()
		g.queue.Enqueue(msg)
	}

	if cfg.Channels.Telegram.Enabled {
		tg, err := telegram.New(cfg.Channels.Telegram, imagesDir, handler)
		if err != nil {
			slog.Error("telegram bridge init failed", "error", err)
			os.Exit(1)
		}
		g.bridges.Add(tg)
	}
	if cfg.Channels.Discord.Enabled {
		dc, err := discord.New(cfg.Channels.Discord, imagesDir, handler)
		if err != nil {
			slog.Error("discord bridge init failed", "error", err)
			os.Exit(1)
		}
		g.bridges.Add(dc)
	}

	// Open every allowlisted user's stores up front so disk problems surface
	// at startup, not on the first message.
	for _, uid := range allowlistedUsers(cfg) {
		if _, err := g.userState(uid); err != nil {
			slog.Error("user state init failed", "user", uid, "error", err)
			os.Exit(1)
		}
	}

	if primary, ok := primaryTarget(cfg); ok {
		st, err := g.userState(primary.UserID)
		if err != nil {
			slog.Error("primary user state unavailable", "user", primary.UserID, "error", err)
			os.Exit(1)
		}
		g.sched = scheduler.New(filepath.Join(dataDir, "schedules.json"), cfg.Cron, primary, st.projections,
			func(msg bus.InboundMessage) error {
				if !g.queue.Enqueue(msg) {
					return fmt.Errorf("queue rejected scheduled message")
				}
				return nil
			})
		if err := g.sched.Load(); err != nil {
			slog.Error("schedule load failed", "error", err)
		}
		g.mu.Lock()
		for _, st := range g.users {
			scheduler.RegisterTools(st.registry, g.sched)
		}
		g.mu.Unlock()
		g.sched.Start(ctx)
	} else {
		slog.Warn("no allowlisted user on any enabled channel; scheduler and cron disabled")
	}

	compactModel := cfg.Agent.ReflectionModel
	if compactModel == "" {
		compactModel = cfg.Agent.Model
	}
	sessions.NewCompactor(g.sessions, provider, compactModel, cfg.Agent.ContextWindow, cfg.Location()).Start(ctx)

	if err := g.bridges.StartAll(ctx); err != nil {
		slog.Error("bridge startup failed", "error", err)
		os.Exit(1)
	}

	g.announceRestart(ctx)
	g.announceCrashes(ctx)

	slog.Info("valet gateway running", "data_dir", dataDir, "model", cfg.Agent.Model, "version", Version)
	<-ctx.Done()

	slog.Info("shutting down")
	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	g.bridges.StopAll(stopCtx)
	g.queue.Wait()
	g.sessions.SaveAll()
}

// userState returns the user's stores, creating them on first use.
func (g *gateway) userState(userID string) (*userState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.users[userID]; ok {
		return st, nil
	}

	userDir := filepath.Join(g.usersDir, userID)
	if err := os.MkdirAll(userDir, 0o755); err != nil {
		return nil, fmt.Errorf("create user dir: %w", err)
	}

	dbPath := filepath.Join(userDir, "memory.db")
	proj, err := projection.Open(dbPath, userID)
	if err != nil {
		return nil, fmt.Errorf("open projections: %w", err)
	}
	mem, err := memory.Open(dbPath, filepath.Join(userDir, "vectors"), userID, g.embedder)
	if err != nil {
		return nil, fmt.Errorf("open memory: %w", err)
	}
	mem.SetFactHook(g.factHook(userID, proj))

	reg := tools.NewRegistry(g.gate)
	reg.SetAudit(g.toolLog.Record)
	tools.RegisterMemoryTools(reg, mem)
	tools.RegisterProjectionTools(reg, proj)
	reg.Register(g.webTools["web_search"])
	reg.Register(g.webTools["fetch_url"])

	wrt := workers.NewRuntime(userID, g.workersDir, g.cfg.Tools.Workers, g.cfg.Agent, g.provider, mem, g.webTools)
	workers.RegisterTools(reg, wrt)

	if g.sched != nil {
		scheduler.RegisterTools(reg, g.sched)
	}

	reflModel := g.cfg.Agent.ReflectionModel
	if reflModel == "" {
		reflModel = g.cfg.Agent.Model
	}
	reflection.NewRunner(userID, g.provider, reflModel, proj, mem, g.history).Start(g.ctx)

	st := &userState{projections: proj, memory: mem, registry: reg, workers: wrt}
	g.users[userID] = st
	slog.Info("user state opened", "user", userID)
	return st, nil
}

// factHook turns archived facts into projection trigger checks. Activated
// projections come back to the agent as a synthetic message on the user's
// most recent channel.
func (g *gateway) factHook(userID string, proj *projection.Store) memory.FactHook {
	return func(ctx context.Context, content, source string) {
		var embed projection.EmbedFunc
		if g.embedder != nil {
			embed = g.embedder.Embed
		}
		activated, err := proj.CheckTriggers(ctx, content, embed, projection.DefaultSimilarityThreshold)
		if err != nil {
			slog.Warn("trigger check failed", "user", userID, "error", err)
			return
		}
		if len(activated) == 0 {
			return
		}

		g.mu.Lock()
		last, ok := g.lastChannel[userID]
		g.mu.Unlock()
		if !ok {
			if t, found := primaryTarget(g.cfg); found && t.UserID == userID {
				last = channelRef{ChannelID: t.ChannelID, Platform: t.Platform}
			} else {
				slog.Warn("projections triggered but user has no known channel", "user", userID, "count", len(activated))
				return
			}
		}

		var b strings.Builder
		fmt.Fprintf(&b, "A new fact was archived: %q\n\nIt triggered these projections:\n\n", content)
		b.WriteString(tools.FormatProjections(activated))
		b.WriteString("\n\nAct on each one now, then resolve it.")

		accepted := g.queue.Enqueue(bus.InboundMessage{
			ChannelID: last.ChannelID,
			UserID:    userID,
			Platform:  last.Platform,
			Text:      b.String(),
			ArrivedAt: time.Now(),
			Origin:    bus.OriginWorker,
		})
		if !accepted {
			slog.Warn("trigger message rejected by queue", "user", userID)
		}
	}
}

// systemPrompt renders the per-turn system prompt: static instructions, the
// clock, core memory, and the week's projections. Rendered fresh on every
// turn so the agent sees its own edits immediately.
func (g *gateway) systemPrompt(userID string) string {
	base := g.cfg.Agent.SystemPrompt
	if base == "" {
		base = defaultSystemPrompt
	}

	var b strings.Builder
	b.WriteString(base)
	now := time.Now().In(g.cfg.Location())
	fmt.Fprintf(&b, "\n\nCurrent time: %s (%s)\n", now.Format("Monday, January 2 2006 15:04"), g.cfg.Agent.Timezone)

	st, err := g.userState(userID)
	if err != nil {
		slog.Error("user state unavailable for prompt", "user", userID, "error", err)
		return b.String()
	}

	if expired, err := st.projections.AutoExpire(expireThresholdHours); err != nil {
		slog.Warn("auto-expire failed", "user", userID, "error", err)
	} else if expired > 0 {
		slog.Info("stale projections expired", "user", userID, "count", expired)
	}

	if core, err := st.memory.DumpCore(); err == nil {
		b.WriteString("\nCore memory:\n" + core + "\n")
	}
	if upcoming, err := st.projections.GetUpcoming(7); err == nil && len(upcoming) > 0 {
		b.WriteString("\nPending projections (next 7 days):\n" + tools.FormatProjections(upcoming) + "\n")
	}
	return b.String()
}

func (g *gateway) registryFor(userID string) *tools.Registry {
	st, err := g.userState(userID)
	if err != nil {
		slog.Error("user state unavailable for registry", "user", userID, "error", err)
		return tools.NewRegistry(g.gate)
	}
	return st.registry
}

func (g *gateway) memoryFor(userID string) *memory.Store {
	st, err := g.userState(userID)
	if err != nil {
		slog.Error("user state unavailable for memory", "user", userID, "error", err)
		return nil
	}
	return st.memory
}

// restart performs the cooperative restart protocol: snapshot the config,
// leave a marker for the relaunched process, flush sessions, and exit with
// the code the supervisor relaunches immediately on.
func (g *gateway) restart(msg bus.InboundMessage, reason string) {
	if err := config.Snapshot(g.cfgPath, g.cfg.DataDir); err != nil {
		slog.Warn("config snapshot failed", "error", err)
	}
	if err := recovery.WriteRestartMarker(g.pendingDir, recovery.RestartMarker{
		UserID:    msg.UserID,
		ChannelID: msg.ChannelID,
		Platform:  msg.Platform,
		Reason:    reason,
	}); err != nil {
		slog.Warn("restart marker write failed", "error", err)
	}
	g.sessions.SaveAll()
	slog.Info("exiting for restart", "reason", reason)
	os.Exit(recovery.RestartExitCode)
}

// announceRestart confirms a cooperative restart back to whoever asked.
func (g *gateway) announceRestart(ctx context.Context) {
	marker, err := recovery.ConsumeRestartMarker(g.pendingDir)
	if err != nil {
		slog.Warn("restart marker read failed", "error", err)
		return
	}
	if marker == nil || marker.ChannelID == "" {
		return
	}
	if err := g.bridges.Send(ctx, bus.OutboundMessage{
		ChannelID: marker.ChannelID,
		Platform:  marker.Platform,
		Text:      "Back online.",
	}); err != nil {
		slog.Warn("restart confirmation failed", "channel", marker.ChannelID, "error", err)
	}
}

// announceCrashes tells users about messages that were in flight when the
// previous process died. Checkpoints are deleted before anything is sent so
// a crash here cannot repeat the notification.
func (g *gateway) announceCrashes(ctx context.Context) {
	checkpoints, err := recovery.ScanCheckpoints(g.pendingDir)
	if err != nil {
		slog.Warn("checkpoint scan failed", "error", err)
		return
	}
	for _, cp := range checkpoints {
		text := fmt.Sprintf("I restarted while working on your message (%q). I may not have finished; please resend it if it still matters.",
			snippet(cp.Text, 120))
		if err := g.bridges.Send(ctx, bus.OutboundMessage{
			ChannelID: cp.ChannelID,
			Platform:  cp.Platform,
			Text:      text,
		}); err != nil {
			slog.Warn("crash notification failed", "user", cp.UserID, "error", err)
		}
	}
}

func snippet(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// allowlistedUsers is the union of every enabled channel's allow_from list.
func allowlistedUsers(cfg *config.Config) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(ids []string) {
		for _, id := range ids {
			if id != "" && !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	if cfg.Channels.Telegram.Enabled {
		add(cfg.Channels.Telegram.AllowFrom)
	}
	if cfg.Channels.Discord.Enabled {
		add(cfg.Channels.Discord.AllowFrom)
	}
	return out
}

// primaryTarget is the user scheduled messages and cron entries go to: the
// first allowlisted user of the first enabled channel. Telegram DM chat ids
// equal the user id, so the channel id can be derived statically.
func primaryTarget(cfg *config.Config) (scheduler.Target, bool) {
	if cfg.Channels.Telegram.Enabled && len(cfg.Channels.Telegram.AllowFrom) > 0 {
		uid := cfg.Channels.Telegram.AllowFrom[0]
		return scheduler.Target{UserID: uid, ChannelID: channels.ChannelID("telegram", uid), Platform: "telegram"}, true
	}
	if cfg.Channels.Discord.Enabled && len(cfg.Channels.Discord.AllowFrom) > 0 {
		uid := cfg.Channels.Discord.AllowFrom[0]
		return scheduler.Target{UserID: uid, ChannelID: channels.ChannelID("discord", uid), Platform: "discord"}, true
	}
	return scheduler.Target{}, false
}
