package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix viper uses for AutomaticEnv overrides, e.g.
// AKITAGW_SESSION_STORAGE_DIR overrides Session.StorageDir.
const EnvPrefix = "AKITAGW"

// Default returns a Config with sensible defaults for local/single-node
// operation (spec §5 "multi-tasking runtime... implementers choose").
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			Endpoints: []EndpointConfig{
				{Name: "primary", Kind: "native", Model: "claude-sonnet-4-5-20250929", APIKeyEnv: "ANTHROPIC_API_KEY", Priority: 0},
			},
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{DMPolicy: "open", GroupPolicy: "open", MediaMaxBytes: 20 << 20, TokenEnv: "TELEGRAM_BOT_TOKEN"},
			Feishu:   FeishuConfig{Domain: "lark", DMPolicy: "open", GroupPolicy: "open", AppSecretEnv: "FEISHU_APP_SECRET", EncryptKeyEnv: "FEISHU_ENCRYPT_KEY"},
			OneBot:   OneBotConfig{DMPolicy: "open", GroupPolicy: "open", AccessTokenEnv: "ONEBOT_ACCESS_TOKEN"},
			WeComBot: WeComBotConfig{CallbackPort: 3100, CallbackPath: "/wecombot/callback", TokenEnv: "WECOMBOT_TOKEN", EncodingAESKeyEnv: "WECOMBOT_AES_KEY"},
		},
		Session: SessionConfig{
			Backend:    "file",
			StorageDir: "~/.akitagw/sessions",
			EvictAfter: 30 * time.Minute,
		},
		Agent: AgentConfig{
			GuardMode: "warn",
		},
		SelfCheck: SelfCheckConfig{
			LogDir:    "~/.akitagw/logs",
			ReportDir: "~/.akitagw/reports",
		},
	}
}

// Load reads config from path (JSON, YAML or TOML, keyed by extension) via
// viper layered over AutomaticEnv, then resolves credential env vars named
// by the *_env fields. A missing file is not an error: defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			_, notFound := err.(viper.ConfigFileNotFoundError)
			if !notFound && !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	cfg.resolveSecrets()
	cfg.expandPaths()
	return cfg, nil
}

// resolveSecrets reads every *_env-named environment variable into the
// matching unexported credential field. Credentials never round-trip
// through the config file itself, mirroring the teacher's
// DatabaseConfig.PostgresDSN "env only" rule.
func (c *Config) resolveSecrets() {
	for i := range c.LLM.Endpoints {
		e := &c.LLM.Endpoints[i]
		if e.APIKeyEnv != "" {
			e.apiKey = os.Getenv(e.APIKeyEnv)
		}
	}
	c.Channels.Telegram.token = os.Getenv(c.Channels.Telegram.TokenEnv)
	c.Channels.Feishu.appSecret = os.Getenv(c.Channels.Feishu.AppSecretEnv)
	c.Channels.Feishu.encryptKey = os.Getenv(c.Channels.Feishu.EncryptKeyEnv)
	c.Channels.OneBot.accessToken = os.Getenv(c.Channels.OneBot.AccessTokenEnv)
	c.Channels.WeComBot.token = os.Getenv(c.Channels.WeComBot.TokenEnv)
	c.Channels.WeComBot.encodingAESKey = os.Getenv(c.Channels.WeComBot.EncodingAESKeyEnv)
}

func (c *Config) expandPaths() {
	c.Session.StorageDir = ExpandHome(c.Session.StorageDir)
	c.SelfCheck.LogDir = ExpandHome(c.SelfCheck.LogDir)
	c.SelfCheck.ReportDir = ExpandHome(c.SelfCheck.ReportDir)
	c.Channels.Telegram.CacheDir = ExpandHome(c.Channels.Telegram.CacheDir)
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}

// Watcher reloads the config file on change and invokes onChange with the
// freshly parsed Config. Grounded on SPEC_FULL.md's "hot-reloadable via
// fsnotify" ambient-stack note; viper itself only drives the initial parse.
type Watcher struct {
	watcher *fsnotify.Watcher
	path    string
}

// Watch starts watching path's directory (fsnotify requires watching the
// containing directory to survive editor atomic-rename saves) and calls
// onChange with each successfully reloaded Config. The returned Watcher must
// be closed by the caller.
func Watch(path string, onChange func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watcher: %w", err)
	}
	dir := path
	if idx := strings.LastIndexByte(path, '/'); idx >= 0 {
		dir = path[:idx]
	}
	if dir == "" {
		dir = "."
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", dir, err)
	}

	w := &Watcher{watcher: fw, path: path}
	go func() {
		for {
			select {
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if ev.Name != path || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if cfg, err := Load(path); err == nil {
					onChange(cfg)
				}
			case _, ok := <-fw.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
