package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/akitagw/internal/config"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start every enabled channel adapter and serve turns indefinitely",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

// serve wires and starts the full gateway: channel adapters, MCP servers,
// the nightly self-check cron, and a hot-reload watcher on the config
// file, then blocks until SIGINT/SIGTERM.
func serve(ctx context.Context, cfg *config.Config) error {
	a, err := buildApp(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.startAll(ctx); err != nil {
		return err
	}
	defer a.stopAll(context.Background())

	c := cron.New()
	if _, err := c.AddFunc("0 2 * * *", func() {
		if _, err := a.checker.RunDailyCheck(ctx); err != nil {
			slog.Warn("selfcheck.cron_failed", "error", err)
		}
	}); err != nil {
		slog.Warn("serve.cron_schedule_failed", "error", err)
	}
	c.Start()
	defer c.Stop()

	// The watcher logs each reload and replaces the local cfg value only.
	// Every component buildApp wired (pool, adapters, tools, agent loop)
	// keeps the configuration it was built with; reloaded settings take
	// effect only after a restart.
	var watcher *config.Watcher
	if configPath != "" {
		watcher, err = config.Watch(configPath, func(newCfg *config.Config) {
			slog.Info("config.reloaded", "path", configPath)
			cfg = newCfg
		})
		if err != nil {
			slog.Warn("serve.config_watch_failed", "error", err)
		}
	}
	if watcher != nil {
		defer watcher.Close()
	}

	fmt.Println("akitagw gateway running. Ctrl-C to stop.")
	<-ctx.Done()
	return nil
}
