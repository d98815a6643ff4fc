package cmd

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/akitagw/internal/config"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print LLM endpoint health, channel, and session summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			a, err := buildApp(cfg)
			if err != nil {
				return err
			}

			fmt.Printf("akitagw %s (%s/%s, %s)\n\n", Version, runtime.GOOS, runtime.GOARCH, runtime.Version())

			probeCtx, cancel := context.WithTimeout(cmd.Context(), 20*time.Second)
			defer cancel()
			a.pool.StartupHealthCheck(probeCtx)

			fmt.Println("LLM endpoints:")
			current, healthy := a.pool.CurrentEndpointInfo()
			for _, name := range a.pool.Names() {
				marker := "  "
				if name == current {
					marker = "->"
				}
				fmt.Printf("  %s %-20s\n", marker, name)
			}
			fmt.Printf("  current=%s healthy=%v\n\n", current, healthy)

			fmt.Println("Channels:")
			for name, enabled := range map[string]bool{
				"telegram": cfg.Channels.Telegram.Enabled,
				"feishu":   cfg.Channels.Feishu.Enabled,
				"onebot":   cfg.Channels.OneBot.Enabled,
				"wecombot": cfg.Channels.WeComBot.Enabled,
			} {
				fmt.Printf("  %-10s enabled=%v\n", name, enabled)
			}

			fmt.Println("\nSessions:")
			for _, info := range a.sessions.List("") {
				fmt.Printf("  %-40s messages=%d updated=%s\n", info.Key, info.MessageCount, info.Updated.Format(time.RFC3339))
			}

			if text, ok := a.checker.Store.PendingReport(time.Now()); ok {
				fmt.Println("\nPending self-check report:")
				fmt.Println(text)
			}
			return nil
		},
	}
}
