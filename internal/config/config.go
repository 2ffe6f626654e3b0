package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models planlock.yml.
type Config struct {
	Project struct {
		ID string `yaml:"id"`
	} `yaml:"project"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecretEnv           string `yaml:"jwt_secret_env"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"auth"`
	Lock struct {
		ExcludedCategories []string `yaml:"excluded_categories"`
		BatchConcurrency   int      `yaml:"batch_concurrency"`
	} `yaml:"lock"`
	Backfill BackfillConfig  `yaml:"backfill"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

// WebhookConfig is one outbound event subscription.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// BackfillConfig drives the metric backfill that fills frozen monthly values
// from external sources after a lock rule activates.
type BackfillConfig struct {
	Enabled      bool          `yaml:"enabled"`
	MetricsURL   string        `yaml:"metrics_url"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MonthsFrom   string        `yaml:"months_from"`
	MonthsTo     string        `yaml:"months_to"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create with pl init or pl config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Auth.JWTSecretEnv == "" {
		return fmt.Errorf("config.auth.jwt_secret_env is required")
	}
	if len(c.Lock.ExcludedCategories) == 0 {
		return fmt.Errorf("config.lock.excluded_categories must name at least one category")
	}
	for _, cat := range c.Lock.ExcludedCategories {
		if cat == "" {
			return fmt.Errorf("config.lock.excluded_categories contains an empty entry")
		}
	}
	if c.Lock.BatchConcurrency < 1 {
		return fmt.Errorf("config.lock.batch_concurrency must be at least 1")
	}
	if c.Backfill.Enabled {
		if c.Backfill.MetricsURL == "" {
			return fmt.Errorf("config.backfill.metrics_url is required when backfill is enabled")
		}
		if c.Backfill.PollInterval <= 0 {
			return fmt.Errorf("config.backfill.poll_interval must be positive")
		}
		if err := validMonth(c.Backfill.MonthsFrom); err != nil {
			return fmt.Errorf("config.backfill.months_from: %w", err)
		}
		if err := validMonth(c.Backfill.MonthsTo); err != nil {
			return fmt.Errorf("config.backfill.months_to: %w", err)
		}
		if c.Backfill.MonthsTo < c.Backfill.MonthsFrom {
			return fmt.Errorf("config.backfill.months_to precedes months_from")
		}
	}
	return nil
}

func validMonth(month string) error {
	if _, err := time.Parse("2006-01", month); err != nil {
		return fmt.Errorf("%q is not a YYYY-MM month", month)
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "planlock.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	cfg.Project.ID = projectID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	return &cfg
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

const defaultTemplate = `project:
  id: %s

server:
  addr: 127.0.0.1:8484
  base_path: /api/v1

auth:
  jwt_secret_env: PL_JWT_SECRET
  allow_legacy_actor_header: false

lock:
  excluded_categories: ["M&E", "M&E MOV"]
  batch_concurrency: 8

backfill:
  enabled: false
  metrics_url: ""
  poll_interval: 30s
  months_from: "2026-01"
  months_to: "2027-06"
`
