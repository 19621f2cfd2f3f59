// Command kbot is a thin reference wiring of every component into one
// running process. It is not a hardened CLI: argument parsing and signal
// handling are kept to the bare minimum needed to run continuously.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/kynetic-ai/kbot/pkg/agent"
	"github.com/kynetic-ai/kbot/pkg/agent/stdiorpc"
	"github.com/kynetic-ai/kbot/pkg/bus"
	"github.com/kynetic-ai/kbot/pkg/channel"
	"github.com/kynetic-ai/kbot/pkg/channel/discord"
	"github.com/kynetic-ai/kbot/pkg/checkpoint"
	"github.com/kynetic-ai/kbot/pkg/coalescer"
	"github.com/kynetic-ai/kbot/pkg/config"
	"github.com/kynetic-ai/kbot/pkg/dmpolicy"
	"github.com/kynetic-ai/kbot/pkg/identity"
	"github.com/kynetic-ai/kbot/pkg/lifecycle"
	"github.com/kynetic-ai/kbot/pkg/logger"
	"github.com/kynetic-ai/kbot/pkg/message"
	"github.com/kynetic-ai/kbot/pkg/orchestrator"
	"github.com/kynetic-ai/kbot/pkg/router"
	"github.com/kynetic-ai/kbot/pkg/store/conversation"
	"github.com/kynetic-ai/kbot/pkg/store/session"
	"github.com/kynetic-ai/kbot/pkg/usage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.ErrorCF("main", "failed to load configuration", err, nil)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eventBus := bus.New()
	sessStore := session.New(cfg.BaseDir, eventBus)
	if n, err := sessStore.RecoverOrphanedSessions(); err != nil {
		logger.ErrorCF("main", "failed to recover orphaned sessions", err, nil)
	} else if n > 0 {
		logger.InfoCF("main", "recovered orphaned sessions on startup", map[string]interface{}{"count": n})
	}
	convStore := conversation.New(cfg.BaseDir, eventBus, sessStore)

	rtr := router.New()
	rtr.AddAgent(cfg.DefaultAgent)

	lc := lifecycle.New(cfg.Lifecycle.RotationThreshold, eventBus)

	factory := func(ctx context.Context) (agent.Client, error) {
		return stdiorpc.Spawn(ctx, cfg.Agent.Command, cfg.Agent.Args, nil)
	}
	agentLC := agent.New(agent.Config{
		HealthCheckInterval: cfg.Agent.HealthCheckInterval,
		UnhealthyAfter:      cfg.Agent.UnhealthyAfter,
		EscalateAfter:       cfg.Agent.EscalateAfter,
		StopTimeout:         cfg.Agent.StopTimeout,
	}, factory, nil, eventBus)

	dmMgr := dmpolicy.New(cfg.BaseDir, cfg.DMPolicy.PairingTTL, cfg.DMPolicy.CleanupCron, eventBus)
	dmMgr.StartCleanupLoop()
	defer dmMgr.Stop()

	usageTracker := usage.New(usage.Config{
		Debounce:     cfg.Usage.SampleDebounce,
		ProbeTimeout: cfg.Usage.ProbeTimeout,
		Cron:         cfg.Usage.SampleCron,
	}, func(ctx context.Context, sessionKey string) (float64, error) {
		return 0, nil // replaced by a real stderr/sampling-RPC probe per deployment
	}, lc.UpdateContextUsage)

	identityPrompt, hasIdentity, err := identity.LoadIdentityPrompt(cfg.BaseDir)
	if err != nil {
		logger.WarnCF("main", "failed to load identity prompt", map[string]interface{}{"error": err.Error()})
	}

	cpLoader := checkpoint.NewLoader(cfg.BaseDir)

	discordToken := os.Getenv("KBOT_DISCORD_TOKEN")
	adapter := discord.New(discordToken)

	orch := orchestrator.New(orchestrator.Config{
		ShutdownTimeout:   cfg.Orchestrator.ShutdownTimeout,
		InflightPoll:      cfg.Orchestrator.InflightPoll,
		AgentReadyTimeout: cfg.Agent.ReadyTimeout,
		EscalationChannel: cfg.Orchestrator.EscalationChannel,
		IdentityPrompt:    identityPrompt,
		HasIdentityPrompt: hasIdentity,
		SupportsStreaming: func(platform string) bool { return platform == "discord" },
		Coalescer: coalescer.Config{
			MaxLen:    cfg.Coalescer.MaxLen,
			SoftLimit: cfg.Coalescer.SoftLimit,
		},
	}, orchestrator.Deps{
		Router:       rtr,
		ConvStore:    convStore,
		SessStore:    sessStore,
		Lifecycle:    lc,
		AgentLC:      agentLC,
		DMPolicy:     dmMgr,
		UsageTracker: usageTracker,
		Checkpoint:   cpLoader,
		Sender:       adapter,
	}, eventBus)

	chLifecycle := channel.NewLifecycle(adapter, func(n message.Normalized) {
		orch.HandleMessage(ctx, n, cfg.DefaultAgent)
	}, 64)

	if err := orch.Start(ctx); err != nil {
		logger.ErrorCF("main", "failed to start orchestrator", err, nil)
		os.Exit(1)
	}
	chLifecycle.Start(ctx)
	go chLifecycle.ServeSendQueue(ctx)

	usageTracker.StartSweep(lc.Keys)

	<-ctx.Done()
	logger.InfoCF("main", "shutdown signal received", nil)

	chLifecycle.Stop()
	shutdownCtx := context.Background()
	if err := orch.Stop(shutdownCtx); err != nil {
		logger.ErrorCF("main", "orchestrator shutdown reported errors", err, nil)
	}
}
