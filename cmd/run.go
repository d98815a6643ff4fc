package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/akitagw/internal/agent"
	"github.com/nextlevelbuilder/akitagw/internal/config"
)

// noopHooks satisfies agent.GatewayHooks for a headless turn run outside
// any Gateway (the `run` subcommand, the interactive REPL): no interrupts
// are ever pending, and progress lines print straight to stdout.
type noopHooks struct{}

func (noopHooks) CheckInterrupt(string) agent.InterruptLevel { return agent.InterruptNone }
func (noopHooks) EmitProgressEvent(_, text string)            { fmt.Println("…", text) }

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <task>",
		Short: "Run a single task through the agent loop and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			a, err := buildApp(cfg)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			probeCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
			defer cancel()
			a.pool.StartupHealthCheck(probeCtx)

			task := strings.Join(args, " ")
			result, err := a.loop.Run(ctx, agent.Request{
				SessionKey: "cli:run:local",
				Channel:    "cli",
				ChatID:     "local",
				UserID:     "local",
				Message:    task,
				Hooks:      noopHooks{},
			})
			if err != nil {
				return err
			}
			a.loop.Commit(result)
			fmt.Println(result.Text)
			return nil
		},
	}
}
