package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Model.Timeout.Std() != 120*time.Second {
		t.Fatalf("model timeout = %v", cfg.Model.Timeout.Std())
	}
	if cfg.Executor.CheckpointEvery != 5 {
		t.Fatalf("checkpoint_every = %d", cfg.Executor.CheckpointEvery)
	}
	if len(cfg.Context.Categories) == 0 || cfg.Context.Categories[0] != "conversation" {
		t.Fatalf("categories = %v", cfg.Context.Categories)
	}
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault()))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Assistant.Name != "cofounder" {
		t.Fatalf("assistant name = %q", cfg.Assistant.Name)
	}
}

func TestValidateErrors(t *testing.T) {
	mutate := func(fn func(*Config)) *Config {
		cfg := Default()
		fn(cfg)
		return cfg
	}
	cases := []struct {
		name string
		cfg  *Config
		want string
	}{
		{"missing base url", mutate(func(c *Config) { c.Model.BaseURL = "" }), "base_url"},
		{"no output tokens", mutate(func(c *Config) { c.Model.MaxOutputTokens = 0 }), "max_output_tokens"},
		{"no keywords", mutate(func(c *Config) { c.Routing.AutonomousKeywords = nil }), "autonomous_keywords"},
		{"no categories", mutate(func(c *Config) { c.Context.Categories = nil }), "categories"},
		{"duplicate category", mutate(func(c *Config) { c.Context.Categories = []string{"a", "a"} }), "duplicate"},
		{"missing task_state category", mutate(func(c *Config) {
			c.Context.Categories = []string{"conversation", "decisions"}
		}), "task_state"},
		{"missing conversation category", mutate(func(c *Config) {
			c.Context.Categories = []string{"task_state", "decisions"}
		}), "conversation"},
		{"zero budget", mutate(func(c *Config) { c.Context.BudgetTokens = 0 }), "budget_tokens"},
		{"zero checkpoint interval", mutate(func(c *Config) { c.Executor.CheckpointEvery = 0 }), "checkpoint_every"},
		{"unknown routing category", mutate(func(c *Config) {
			c.Routing.CategoryKeywords["gossip"] = []string{"x"}
		}), "unknown category"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %s", err, tc.want)
			}
		})
	}
}

func TestFromYAMLRejectsBadDuration(t *testing.T) {
	broken := strings.Replace(GenerateDefault(), "timeout: 120s", "timeout: soon", 1)
	if _, err := FromYAML([]byte(broken)); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Assistant.Name != "cofounder" {
		t.Fatalf("missing file should yield defaults, got %q", cfg.Assistant.Name)
	}

	custom := strings.Replace(GenerateDefault(), "name: cofounder", "name: jarvis", 1)
	if err := os.WriteFile(filepath.Join(dir, "cofounder.yml"), []byte(custom), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadOptional(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Assistant.Name != "jarvis" {
		t.Fatalf("assistant name = %q, want jarvis", cfg.Assistant.Name)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "config init") {
		t.Fatalf("err = %v, want init hint", err)
	}
}
