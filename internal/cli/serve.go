package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sandclaw/sandclaw/internal/access"
	"github.com/sandclaw/sandclaw/internal/bus"
	"github.com/sandclaw/sandclaw/internal/channels"
	"github.com/sandclaw/sandclaw/internal/config"
	"github.com/sandclaw/sandclaw/internal/gateway"
	"github.com/sandclaw/sandclaw/internal/queue"
	"github.com/sandclaw/sandclaw/internal/ratelimit"
	"github.com/sandclaw/sandclaw/internal/router"
	"github.com/sandclaw/sandclaw/internal/runtime"
	"github.com/sandclaw/sandclaw/internal/sandbox"
	"github.com/sandclaw/sandclaw/internal/scheduler"
	"github.com/sandclaw/sandclaw/internal/store"
	"github.com/sandclaw/sandclaw/internal/trigger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator daemon",
	Run:   runServe,
}

var serveSignalNotify = signal.Notify

func runServe(cmd *cobra.Command, args []string) {
	printHeader("🚀 sandclaw daemon")

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Config error: %v\n", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.DBPath), 0o755); err != nil {
		fmt.Printf("Storage error: %v\n", err)
		os.Exit(1)
	}
	st, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		fmt.Printf("Storage error: %v\n", err)
		os.Exit(1)
	}

	acc := access.NewManager(st, cfg.Access.SystemCallers, cfg.Access.SeedAdmins)

	lim := ratelimit.New(ratelimit.Config{
		Limit:         cfg.RateLimit.Limit,
		Window:        cfg.RateLimit.Window,
		SweepInterval: cfg.RateLimit.SweepInterval,
	})
	lim.Start()

	rtr := router.New(st, acc, lim, trigger.Config{
		Patterns:      cfg.Trigger.Patterns,
		Mode:          trigger.Mode(cfg.Trigger.Mode),
		CaseSensitive: cfg.Trigger.CaseSensitive,
	})

	runner := sandbox.NewRunner(sandbox.Config{
		Engine:        cfg.Sandbox.Engine,
		Image:         cfg.Sandbox.Image,
		Label:         cfg.Sandbox.Label,
		Timeout:       cfg.Sandbox.Timeout,
		KillGrace:     cfg.Sandbox.KillGrace,
		Memory:        cfg.Sandbox.Memory,
		SharedDir:     cfg.Sandbox.SharedDir,
		WorkspaceRoot: cfg.Sandbox.WorkspaceRoot,
		Env:           cfg.Sandbox.Env,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Containers left over from a previous crash hold queue slots on the
	// engine side, so clear them before accepting work.
	runner.CleanupOrphans(ctx)

	msgBus := bus.NewMessageBus()
	rt := runtime.New(runtime.Config{
		HistoryLimit:    cfg.Runtime.HistoryLimit,
		DrainTimeout:    cfg.Runtime.DrainTimeout,
		ShutdownCeiling: cfg.Runtime.ShutdownCeiling,
	}, st, acc, rtr, queue.New(cfg.Queue.Limit), runner, lim, msgBus)

	sched := scheduler.New(scheduler.Config{PollInterval: cfg.Scheduler.PollInterval}, st, rt.HandleScheduledTask)
	rt.SetScheduler(sched)
	sched.Start()

	for _, ch := range enabledChannels(cfg, msgBus) {
		if err := ch.Start(ctx); err != nil {
			fmt.Printf("Channel %s failed to start: %v\n", ch.Name(), err)
			rt.SetAdapterStatus(ch.Name(), false)
			continue
		}
		rt.SetAdapterStatus(ch.Name(), true)
		rt.RegisterShutdownHook("channel:"+ch.Name(), ch.Stop)
		fmt.Printf("Channel:  ✓ %s\n", ch.Name())
	}

	if cfg.Gateway.Enabled {
		gw := gateway.New(cfg.Gateway.Listen, rt)
		go func() {
			if err := gw.Start(); err != nil {
				fmt.Printf("Gateway error: %v\n", err)
			}
		}()
		rt.RegisterShutdownHook("gateway", gw.Stop)
		fmt.Printf("Gateway:  ✓ http://%s\n", cfg.Gateway.Listen)
	}

	go msgBus.DispatchOutbound(ctx)
	go rt.Run(ctx)

	fmt.Println("Status:   Ready")

	sigChan := make(chan os.Signal, 2)
	serveSignalNotify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	<-sigChan
	fmt.Println("\nShutting down...")
	cancel()
	go func() {
		// A second signal skips the graceful path.
		<-sigChan
		fmt.Println("Forced exit.")
		os.Exit(1)
	}()
	rt.Shutdown()
	fmt.Println("Bye.")
}

// enabledChannels builds the adapter set from config. Disabled adapters are
// excluded entirely so their Start is never attempted.
func enabledChannels(cfg *config.Config, msgBus *bus.MessageBus) []channels.Channel {
	var out []channels.Channel
	if cfg.Channels.Slack.Enabled {
		out = append(out, channels.NewSlackChannel(cfg.Channels.Slack, msgBus))
	}
	if cfg.Channels.WhatsApp.Enabled {
		out = append(out, channels.NewWhatsAppChannel(cfg.Channels.WhatsApp, msgBus))
	}
	if cfg.Channels.Kafka.Enabled {
		out = append(out, channels.NewKafkaChannel(cfg.Channels.Kafka, msgBus))
	}
	return out
}
