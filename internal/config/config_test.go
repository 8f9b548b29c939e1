package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.Model != "stub-model" {
		t.Fatalf("expected default model, got %q", cfg.Agent.Model)
	}
	if cfg.Tools.Workers.MaxConcurrent != 2 {
		t.Fatalf("expected default max_concurrent 2, got %d", cfg.Tools.Workers.MaxConcurrent)
	}
}

func TestLoadParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	yamlDoc := `
agent:
  model: claude-opus
  fallback_models: [claude-haiku, gpt-4o-mini]
  timezone: America/Los_Angeles
tools:
  workers:
    max_concurrent: 5
    types:
      research:
        model: claude-haiku
        timeout_seconds: 600
cron:
  - cron: "0 9 * * *"
    message: "good morning"
trust:
  approved_tools: [memory_add]
`
	if err := os.WriteFile(path, []byte(yamlDoc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.Model != "claude-opus" {
		t.Fatalf("expected claude-opus, got %q", cfg.Agent.Model)
	}
	if len(cfg.Agent.FallbackModels) != 2 {
		t.Fatalf("expected 2 fallback models, got %v", cfg.Agent.FallbackModels)
	}
	if got := cfg.Models(); len(got) != 3 || got[0] != "claude-opus" {
		t.Fatalf("expected fallback chain [claude-opus claude-haiku gpt-4o-mini], got %v", got)
	}
	wt, ok := cfg.WorkerType("research")
	if !ok || wt.TimeoutSeconds != 600 {
		t.Fatalf("expected research worker type with 600s timeout, got %+v ok=%v", wt, ok)
	}
	if !cfg.ApprovedTool("memory_add") {
		t.Fatal("expected memory_add to be pre-approved")
	}
	if cfg.ApprovedTool("worker_dispatch") {
		t.Fatal("did not expect worker_dispatch to be pre-approved")
	}
	jobs := cfg.ToOperatorJobs()
	if len(jobs) != 1 || jobs[0].Message != "good morning" {
		t.Fatalf("expected one operator job, got %+v", jobs)
	}
}

func TestEnvOverrideWinsOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte("agent:\n  model: file-model\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GOCLAW_AGENT_MODEL", "env-model")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.Model != "env-model" {
		t.Fatalf("expected env override to win, got %q", cfg.Agent.Model)
	}
}

func TestSaveRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	cfg := Default()
	cfg.Agent.Model = "round-trip-model"

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Agent.Model != "round-trip-model" {
		t.Fatalf("expected round-tripped model, got %q", loaded.Agent.Model)
	}
}

func TestWatchIntoPicksUpFileChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte("agent:\n  model: v1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	watcher, err := WatchInto(path, cfg)
	if err != nil {
		t.Fatalf("WatchInto: %v", err)
	}
	defer watcher.Close()

	if err := os.WriteFile(path, []byte("agent:\n  model: v2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cfg.Agent.Model == "v2" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected hot-reload to update model to v2, got %q", cfg.Agent.Model)
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir available")
	}
	got := ExpandHome("~/data")
	want := filepath.Join(home, "data")
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
