package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"cofounder/internal/domain"
)

// Duration wraps time.Duration so config values can be written as "2s"
// or "5m" in YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config models cofounder.yml.
type Config struct {
	Assistant struct {
		Name string `yaml:"name"`
	} `yaml:"assistant"`
	Model struct {
		BaseURL         string   `yaml:"base_url"`
		Name            string   `yaml:"name"`
		MaxInputTokens  int      `yaml:"max_input_tokens"`
		MaxOutputTokens int      `yaml:"max_output_tokens"`
		Timeout         Duration `yaml:"timeout"`
		RetryBackoff    Duration `yaml:"retry_backoff"`
	} `yaml:"model"`
	Routing struct {
		// AutonomousKeywords trigger multi-step mode when present in the
		// lower-cased input. The list is data, not logic; edit and reload.
		AutonomousKeywords []string            `yaml:"autonomous_keywords"`
		CategoryKeywords   map[string][]string `yaml:"category_keywords"`
	} `yaml:"routing"`
	Context struct {
		Categories     []string `yaml:"categories"`
		BudgetTokens   int      `yaml:"budget_tokens"`
		SnapshotTokens int      `yaml:"snapshot_tokens"`
	} `yaml:"context"`
	Executor struct {
		CheckpointEvery int      `yaml:"checkpoint_every"`
		MaxSteps        int      `yaml:"max_steps"`
		StepRetries     int      `yaml:"step_retries"`
		RetryBackoff    Duration `yaml:"retry_backoff"`
		StepTimeout     Duration `yaml:"step_timeout"`
	} `yaml:"executor"`
	Serve struct {
		Addr      string `yaml:"addr"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"serve"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with cof config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Model.BaseURL == "" {
		return fmt.Errorf("config.model.base_url is required")
	}
	if c.Model.MaxOutputTokens <= 0 {
		return fmt.Errorf("config.model.max_output_tokens must be positive")
	}
	if len(c.Routing.AutonomousKeywords) == 0 {
		return fmt.Errorf("config.routing.autonomous_keywords must not be empty")
	}
	if len(c.Context.Categories) == 0 {
		return fmt.Errorf("config.context.categories must not be empty")
	}
	seen := map[string]bool{}
	for _, cat := range c.Context.Categories {
		if cat == "" {
			return fmt.Errorf("config.context.categories contains empty name")
		}
		if seen[cat] {
			return fmt.Errorf("config.context.categories contains duplicate %s", cat)
		}
		seen[cat] = true
	}
	// The engine appends chat turns and step results on its own; a list
	// without these categories would wedge every run.
	for _, required := range []string{domain.ContextConversation, domain.ContextTaskState} {
		if !seen[required] {
			return fmt.Errorf("config.context.categories must include %s", required)
		}
	}
	if c.Context.BudgetTokens <= 0 {
		return fmt.Errorf("config.context.budget_tokens must be positive")
	}
	if c.Executor.CheckpointEvery <= 0 {
		return fmt.Errorf("config.executor.checkpoint_every must be positive")
	}
	for cat := range c.Routing.CategoryKeywords {
		switch cat {
		case "research", "code", "business", "content":
		default:
			return fmt.Errorf("config.routing.category_keywords has unknown category %s", cat)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "cofounder.yml")
}

// Default returns the built-in default Config.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template invalid: %v", err))
	}
	return &cfg
}

// GenerateDefault returns the default config YAML text.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `assistant:
  name: cofounder

model:
  base_url: http://127.0.0.1:8080
  name: local
  max_input_tokens: 8192
  max_output_tokens: 2048
  timeout: 120s
  retry_backoff: 2s

routing:
  autonomous_keywords:
    - build me
    - create a full
    - full stack
    - deploy
    - research and
    - landing page
    - autonomous
    - from scratch
    - end to end
    - business idea
  category_keywords:
    research:
      - research
      - find
      - search
      - analyze
      - market
      - competitor
      - trend
      - data
    code:
      - build
      - create
      - make
      - write code
      - app
      - website
      - script
      - program
      - tool
      - implement
      - deploy
    business:
      - business
      - startup
      - saas
      - revenue
      - pricing
      - pitch
      - strategy
    content:
      - write
      - draft
      - blog
      - article
      - email
      - copy
      - post

context:
  categories:
    - conversation
    - task_state
    - decisions
    - research
    - codebase_map
  budget_tokens: 16000
  snapshot_tokens: 4000

executor:
  checkpoint_every: 5
  max_steps: 10
  step_retries: 1
  retry_backoff: 2s
  step_timeout: 300s

serve:
  addr: :8799
  jwt_secret: ""
`
