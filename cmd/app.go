package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/akitagw/internal/agent"
	"github.com/nextlevelbuilder/akitagw/internal/channel"
	"github.com/nextlevelbuilder/akitagw/internal/channel/feishu"
	"github.com/nextlevelbuilder/akitagw/internal/channel/onebot"
	"github.com/nextlevelbuilder/akitagw/internal/channel/telegram"
	"github.com/nextlevelbuilder/akitagw/internal/channel/wecombot"
	"github.com/nextlevelbuilder/akitagw/internal/config"
	"github.com/nextlevelbuilder/akitagw/internal/gateway"
	"github.com/nextlevelbuilder/akitagw/internal/llm"
	"github.com/nextlevelbuilder/akitagw/internal/mcp"
	"github.com/nextlevelbuilder/akitagw/internal/selfcheck"
	"github.com/nextlevelbuilder/akitagw/internal/session"
	"github.com/nextlevelbuilder/akitagw/internal/syscmd"
	"github.com/nextlevelbuilder/akitagw/internal/tools"
)

// app holds every wired component a running gateway or a one-shot CLI
// command needs. Built once per process invocation from config.
type app struct {
	cfg      *config.Config
	pool     *llm.Pool
	sessions session.Store
	registry *tools.Registry
	mcpMgr   *mcp.Manager
	loop     *agent.Loop
	sys      *syscmd.Interceptor
	checker  *selfcheck.Checker
	gw       *gateway.Gateway
	adapters []channel.Adapter
}

// buildApp wires every C1-C8 component from cfg. It never starts network
// listeners (channel.Start, mcp.Start) — callers that need a live process
// call startAll separately.
func buildApp(cfg *config.Config) (*app, error) {
	endpoints := make([]llm.EndpointConfig, 0, len(cfg.LLM.Endpoints))
	for _, e := range cfg.LLM.Endpoints {
		if e.APIKeyEnv != "" && e.APIKey() == "" {
			continue // omit endpoints with missing credentials, per spec §4.4
		}
		endpoints = append(endpoints, llm.EndpointConfig{
			Name:     e.Name,
			Kind:     e.Kind,
			BaseURL:  e.BaseURL,
			Model:    e.Model,
			APIKey:   e.APIKey(),
			Priority: e.Priority,
		})
	}
	pool, err := llm.NewPool(endpoints, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("llm pool: %w", err)
	}

	var backend session.Backend
	switch cfg.Session.Backend {
	case "sqlite":
		backend, err = session.NewSQLiteBackend(cfg.Session.StorageDir + "/sessions.db")
	default:
		backend, err = session.NewFileBackend(cfg.Session.StorageDir)
	}
	if err != nil {
		return nil, fmt.Errorf("session backend: %w", err)
	}
	sessions := session.NewManager(backend)

	registry := tools.NewRegistry()
	registry.Register(tools.NewExecTool(cfg.Session.StorageDir, true))
	registry.Register(tools.NewReadFileTool(cfg.Session.StorageDir, true))
	registry.Register(tools.NewWriteFileTool(cfg.Session.StorageDir, true))
	registry.Register(tools.NewListFilesTool(cfg.Session.StorageDir, true))
	registry.Register(tools.NewWebFetchTool(tools.WebFetchConfig{}))
	registry.Register(tools.NewWebSearchTool(tools.WebSearchConfig{DDGEnabled: true, DDGMaxResults: 5}))

	mcpMgr := mcp.NewManager(registry, mcp.WithConfigs(cfg.MCP))

	budget := agent.DefaultPromptBudget(session.CharsEstimator{})
	loop := agent.New(agent.Config{
		Pool:      pool,
		Tools:     registry,
		Sessions:  sessions,
		Identity:  cfg.Agent.Identity,
		Budget:    budget,
		Guard:     agent.NewInputGuard(),
		GuardMode: cfg.Agent.GuardMode,
	})

	sys := syscmd.New(pool)
	checker := selfcheck.NewChecker(cfg.SelfCheck.LogDir, cfg.SelfCheck.ReportDir, pool)

	gw := gateway.New(gateway.Config{
		Sessions: sessions,
		Agent:    loop,
		SysCmd:   sys,
		Reports:  checker.Store,
	})

	a := &app{
		cfg: cfg, pool: pool, sessions: sessions, registry: registry,
		mcpMgr: mcpMgr, loop: loop, sys: sys, checker: checker, gw: gw,
	}
	a.adapters, err = buildAdapters(cfg)
	if err != nil {
		return nil, err
	}
	for _, ad := range a.adapters {
		gw.RegisterAdapter(ad)
	}
	return a, nil
}

// buildAdapters constructs one channel.Adapter per enabled configured
// channel, matching the corresponding *Config's Enabled flag (spec §1).
func buildAdapters(cfg *config.Config) ([]channel.Adapter, error) {
	var out []channel.Adapter

	if cfg.Channels.Telegram.Enabled {
		tc := cfg.Channels.Telegram
		ch, err := telegram.New(telegram.Config{
			Token: tc.Token(), Proxy: tc.Proxy, AllowFrom: tc.AllowFrom,
			DMPolicy: tc.DMPolicy, GroupPolicy: tc.GroupPolicy,
			MediaMaxBytes: tc.MediaMaxBytes, CacheDir: tc.CacheDir,
		})
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		out = append(out, ch)
	}
	if cfg.Channels.Feishu.Enabled {
		fc := cfg.Channels.Feishu
		ch, err := feishu.New(feishu.Config{
			AppID: fc.AppID, AppSecret: fc.AppSecret(), Domain: fc.Domain,
			VerificationToken: fc.VerificationToken, EncryptKey: fc.EncryptKey(),
			WebhookPort: fc.WebhookPort, WebhookPath: fc.WebhookPath,
			AllowFrom: fc.AllowFrom, GroupAllowFrom: fc.GroupAllowFrom,
			DMPolicy: fc.DMPolicy, GroupPolicy: fc.GroupPolicy,
		})
		if err != nil {
			return nil, fmt.Errorf("feishu: %w", err)
		}
		out = append(out, ch)
	}
	if cfg.Channels.OneBot.Enabled {
		oc := cfg.Channels.OneBot
		ch, err := onebot.New(onebot.Config{
			WSURL: oc.WSURL, AccessToken: oc.AccessToken(),
			AllowFrom: oc.AllowFrom, GroupAllowIDs: oc.GroupAllowIDs,
			DMPolicy: oc.DMPolicy, GroupPolicy: oc.GroupPolicy,
		})
		if err != nil {
			return nil, fmt.Errorf("onebot: %w", err)
		}
		out = append(out, ch)
	}
	if cfg.Channels.WeComBot.Enabled {
		wc := cfg.Channels.WeComBot
		ch, err := wecombot.New(wecombot.Config{
			Token: wc.Token(), EncodingAESKey: wc.EncodingAESKey(),
			CallbackPort: wc.CallbackPort, CallbackPath: wc.CallbackPath,
		})
		if err != nil {
			return nil, fmt.Errorf("wecombot: %w", err)
		}
		out = append(out, ch)
	}
	return out, nil
}

// startAll brings up the LLM pool's startup probe, connects MCP servers,
// and starts every configured channel adapter.
func (a *app) startAll(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	a.pool.StartupHealthCheck(probeCtx)

	if err := a.mcpMgr.Start(ctx); err != nil {
		slog.Warn("mcp.start_errors", "error", err)
	}
	for _, ad := range a.adapters {
		if err := ad.Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", ad.Name(), err)
		}
	}
	return nil
}

func (a *app) stopAll(ctx context.Context) {
	for _, ad := range a.adapters {
		_ = ad.Stop(ctx)
	}
	a.mcpMgr.Stop()
	_ = a.sessions.FlushDirty()
}
