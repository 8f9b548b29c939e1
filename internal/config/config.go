// Package config loads and hot-reloads the operator-facing config.yml:
// agent model selection, worker-type defaults, the cron job list, the
// pre-approved tool trust list, and the ambient stack (one Telegram
// channel, session storage path, telemetry export). The LLM provider
// itself is an external collaborator (see internal/providers) — this
// package only carries the strings naming a model; it never constructs
// a provider client.
package config

import (
	"sync"

	"github.com/nextlevelbuilder/goclaw/internal/scheduler"
)

// Config is the root of config.yml.
type Config struct {
	Agent     AgentConfig     `yaml:"agent"`
	Tools     ToolsConfig     `yaml:"tools"`
	Cron      []CronJob       `yaml:"cron"`
	Trust     TrustConfig     `yaml:"trust"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	DataDir   string          `yaml:"data_dir"`

	mu sync.RWMutex
}

// AgentConfig controls which model answers a turn and how it's framed.
type AgentConfig struct {
	Model           string   `yaml:"model"`
	FallbackModels  []string `yaml:"fallback_models"`
	ReflectionModel string   `yaml:"reflection_model"`
	Timezone        string   `yaml:"timezone"`
	SystemPrompt    string   `yaml:"system_prompt"`
}

// ToolsConfig configures the worker subsystem's concurrency and named
// worker-type defaults.
type ToolsConfig struct {
	Workers WorkersConfig `yaml:"workers"`
}

type WorkersConfig struct {
	MaxConcurrent int                         `yaml:"max_concurrent"`
	Types         map[string]WorkerTypeConfig `yaml:"types"`
}

// WorkerTypeConfig is the per-type default applied when worker_dispatch
// omits an override: a research worker might default to a cheaper model
// and a longer timeout than a code worker.
type WorkerTypeConfig struct {
	Model          string   `yaml:"model"`
	Tools          []string `yaml:"tools"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// CronJob is an operator-defined synthetic message fired on a schedule
// and routed to the first allowed user (per scheduler.Config), distinct
// from the in-chat schedule_create tool — both ultimately run through
// internal/scheduler.
type CronJob struct {
	Cron    string `yaml:"cron"`
	Message string `yaml:"message"`
}

// ToOperatorJobs adapts the YAML-parsed cron list into the scheduler's
// own OperatorJob shape.
func (c *Config) ToOperatorJobs() []scheduler.OperatorJob {
	c.mu.RLock()
	defer c.mu.RUnlock()
	jobs := make([]scheduler.OperatorJob, 0, len(c.Cron))
	for _, j := range c.Cron {
		jobs = append(jobs, scheduler.OperatorJob{CronExpr: j.Cron, Message: j.Message})
	}
	return jobs
}

// TrustConfig lists tool names the ApprovalGate treats as pre-approved,
// skipping the elevated-tool confirmation round trip.
type TrustConfig struct {
	ApprovedTools []string `yaml:"approved_tools"`
}

// ChannelsConfig carries credentials for the one wired chat bridge.
// Protocol framing, media download, and markup conversion live in
// internal/channels/telegram; this struct only holds what that package
// needs to authenticate and apply its policy.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type TelegramConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Token          string   `yaml:"token"`
	AllowFrom      []string `yaml:"allow_from"`
	DMPolicy       string   `yaml:"dm_policy"`
	GroupPolicy    string   `yaml:"group_policy"`
	RequireMention bool     `yaml:"require_mention"`
	HistoryLimit   int      `yaml:"history_limit"`
	MediaMaxBytes  int64    `yaml:"media_max_bytes"`
}

// SessionsConfig holds the sessions.storage setting. The gateway does not
// read Storage: it roots the on-disk layout (sessions/<userId>/,
// users/<userId>/memory.db, etc) under DataDir.
type SessionsConfig struct {
	Storage string `yaml:"storage"`
}

// TelemetryConfig is consumed only by internal/telemetry; the
// OTLP/gRPC-vs-HTTP exporter mechanics themselves are the external
// collaborator this struct's fields name.
type TelemetryConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	Protocol    string            `yaml:"protocol"` // "grpc" or "http"
	Insecure    bool              `yaml:"insecure"`
	ServiceName string            `yaml:"service_name"`
	Headers     map[string]string `yaml:"headers"`
}

// ApprovedTool reports whether name is pre-approved by the operator's
// trust list, taking the read lock so a concurrent hot-reload can't
// race a partially-updated slice.
func (c *Config) ApprovedTool(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, t := range c.Trust.ApprovedTools {
		if t == name {
			return true
		}
	}
	return false
}

// WorkerType returns the named worker-type default and whether it was
// configured; callers fall back to AgentConfig.Model when not found.
func (c *Config) WorkerType(name string) (WorkerTypeConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	wt, ok := c.Tools.Workers.Types[name]
	return wt, ok
}

// Models returns the fallback chain: the primary model followed by
// every configured fallback, for sessions.PromptWithFallback.
func (c *Config) Models() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, 1+len(c.Agent.FallbackModels))
	out = append(out, c.Agent.Model)
	out = append(out, c.Agent.FallbackModels...)
	return out
}

// replaceFrom swaps every field of c for the fields of next under the
// write lock, used by Watch's hot-reload so in-flight readers never see
// a half-updated Config.
func (c *Config) replaceFrom(next *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agent = next.Agent
	c.Tools = next.Tools
	c.Cron = next.Cron
	c.Trust = next.Trust
	c.Channels = next.Channels
	c.Sessions = next.Sessions
	c.Telemetry = next.Telemetry
	c.DataDir = next.DataDir
}
