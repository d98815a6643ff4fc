package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/nextlevelbuilder/akitagw/internal/agent"
	"github.com/nextlevelbuilder/akitagw/internal/config"
)

const replSessionKey = "cli:interactive:local"

// runInteractive is the default (no-subcommand) REPL: §6.4's
// "/help /status /selfcheck /memory /skills /clear /exit /quit" plus the
// §4.8 model-switch commands, routed through the same syscmd.Interceptor a
// live channel turn would use.
func runInteractive(ctx context.Context, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	probeCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	a.pool.StartupHealthCheck(probeCtx)
	cancel()

	fmt.Println("akitagw interactive mode. /help for commands, /exit to quit.")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch line {
		case "/exit", "/quit":
			return nil
		case "/clear":
			fmt.Print("\033[H\033[2J")
			continue
		case "/help":
			printHelp()
			continue
		case "/status":
			printQuickStatus(a)
			continue
		case "/selfcheck":
			report, err := a.checker.RunDailyCheck(ctx)
			if err != nil {
				fmt.Println("selfcheck error:", err)
			} else {
				fmt.Println(report.ToMarkdown())
			}
			continue
		case "/memory", "/skills":
			fmt.Println("not available in this build: memory/skill storage is an external collaborator (spec §1)")
			continue
		}

		if a.sys.IsCommand(replSessionKey, line) {
			fmt.Println(a.sys.Handle(replSessionKey, line))
			continue
		}

		result, err := a.loop.Run(ctx, agent.Request{
			SessionKey: replSessionKey,
			Channel:    "cli",
			ChatID:     "local",
			UserID:     "local",
			Message:    line,
			Hooks:      noopHooks{},
		})
		if err != nil {
			fmt.Println("error:", err)
			continue
		}
		a.loop.Commit(result)
		fmt.Println(result.Text)
	}
}

func printHelp() {
	fmt.Println(`Commands:
  /help       show this message
  /status     current LLM endpoint and its health
  /selfcheck  run the daily self-check pipeline now
  /memory     (external collaborator, not in this build)
  /skills     (external collaborator, not in this build)
  /clear      clear the screen
  /exit,/quit leave interactive mode
  /model      list configured LLM endpoints
  /switch     pin a different endpoint temporarily
  /priority   reorder endpoint priority
  /restore    clear a temporary endpoint pin
  /cancel     cancel an open /switch or /priority flow`)
}

func printQuickStatus(a *app) {
	current, healthy := a.pool.CurrentEndpointInfo()
	fmt.Printf("current=%s healthy=%v endpoints=%v\n", current, healthy, a.pool.Names())
}
