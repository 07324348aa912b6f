package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models sitewarden.yml.
type Config struct {
	Scheduler struct {
		BackfillMonths int  `yaml:"backfill_months"`
		ForwardMonths  int  `yaml:"forward_months"`
		BusinessDay    bool `yaml:"business_day"`
	} `yaml:"scheduler"`
	Mail struct {
		From          string `yaml:"from"`
		MessageStream string `yaml:"message_stream"`
		FallbackTo    string `yaml:"fallback_to"`
		// StatusChanges enables a short notification on every workflow
		// transition, in addition to the completion email.
		StatusChanges bool `yaml:"status_changes"`
	} `yaml:"mail"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig describes one outbound event relay target.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

const maxWindowMonths = 60

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Scheduler.BackfillMonths < 0 || c.Scheduler.BackfillMonths > maxWindowMonths {
		return fmt.Errorf("config.scheduler.backfill_months must be 0-%d", maxWindowMonths)
	}
	if c.Scheduler.ForwardMonths < 0 || c.Scheduler.ForwardMonths > maxWindowMonths {
		return fmt.Errorf("config.scheduler.forward_months must be 0-%d", maxWindowMonths)
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "sitewarden.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns Default() if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	cfg, err := Load(workspace)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	return cfg, err
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WriteDefault writes the default config template to the workspace.
// It refuses to overwrite an existing file.
func WriteDefault(workspace string) (string, error) {
	path := Path(workspace)
	if _, err := os.Stat(path); err == nil {
		return path, fmt.Errorf("config %s already exists", path)
	}
	if err := os.WriteFile(path, []byte(defaultTemplate), 0o644); err != nil {
		return path, err
	}
	return path, nil
}

const defaultTemplate = `scheduler:
  backfill_months: 12
  forward_months: 14
  business_day: false

mail:
  from: ""
  message_stream: outbound
  fallback_to: ""
  status_changes: false

webhooks: []
`
