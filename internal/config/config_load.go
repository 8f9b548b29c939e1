package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Default returns the baseline config a fresh install runs with: no
// fallback models, a two-worker concurrency cap, and Telegram disabled
// until an operator supplies a token.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Model:    "stub-model",
			Timezone: "UTC",
		},
		Tools: ToolsConfig{
			Workers: WorkersConfig{
				MaxConcurrent: 2,
				Types:         map[string]WorkerTypeConfig{},
			},
		},
		Sessions: SessionsConfig{
			Storage: "./data",
		},
		DataDir: "./data",
	}
}

// Load reads path (defaulting an absent file rather than erroring, so a
// fresh checkout runs with Default()), parses it as YAML, and applies
// GOCLAW_*-prefixed environment overrides on top.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// Save writes cfg back to path as YAML with 0600 perms. The restart
// protocol's pending/config.yml.pre-restart snapshot does not use it; that
// snapshot is a raw copy of the config file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	data, err := yaml.Marshal(cfg)
	cfg.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// applyEnvOverrides layers environment variables over a loaded config,
// letting an operator pin secrets (the Telegram token) outside the
// checked-in YAML file without a templating step.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GOCLAW_TELEGRAM_TOKEN"); v != "" {
		cfg.Channels.Telegram.Token = v
	}
	if v := os.Getenv("GOCLAW_AGENT_MODEL"); v != "" {
		cfg.Agent.Model = v
	}
	if v := os.Getenv("GOCLAW_DATA_DIR"); v != "" {
		cfg.DataDir = v
		cfg.Sessions.Storage = v
	}
	if v := os.Getenv("GOCLAW_TELEMETRY_ENDPOINT"); v != "" {
		cfg.Telemetry.Endpoint = v
	}
	if v := os.Getenv("GOCLAW_TELEMETRY_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Telemetry.Enabled = b
		}
	}
}

// ExpandHome resolves a leading "~/" against the user's home directory,
// matching the teacher's path convention for operator-supplied paths.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

// Watch reloads path whenever it changes on disk and calls onChange
// with the freshly loaded config, so an operator editing the cron list
// or the trust list takes effect without a restart. The caller owns the
// returned watcher's lifetime and must Close it on shutdown.
func Watch(path string, onChange func(*Config)) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("new watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				next, err := Load(path)
				if err != nil {
					continue
				}
				onChange(next)
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return watcher, nil
}

// WatchInto is a convenience wrapper around Watch that hot-swaps a
// long-lived Config's fields in place via replaceFrom, so callers that
// already hold a *Config pointer (passed into constructors at startup)
// see trust-list and cron edits without re-wiring every collaborator.
func WatchInto(path string, cfg *Config) (*fsnotify.Watcher, error) {
	return Watch(path, func(next *Config) {
		cfg.replaceFrom(next)
	})
}
