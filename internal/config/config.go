package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so config values read as "10s" / "72h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config models civicflow.yml.
type Config struct {
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Classifier struct {
		URL     string   `yaml:"url"`
		Timeout Duration `yaml:"timeout"`
	} `yaml:"classifier"`
	Queue struct {
		MaxRetries     int      `yaml:"max_retries"`
		DequeueTimeout Duration `yaml:"dequeue_timeout"`
	} `yaml:"queue"`
	Worker struct {
		HeartbeatInterval Duration `yaml:"heartbeat_interval"`
		HeartbeatTTL      Duration `yaml:"heartbeat_ttl"`
	} `yaml:"worker"`
	Assignment struct {
		AutoAssignThreshold float64 `yaml:"auto_assign_threshold"`
	} `yaml:"assignment"`
	SLA struct {
		CheckInterval Duration            `yaml:"check_interval"`
		WarningWindow Duration            `yaml:"warning_window"`
		DefaultWindow Duration            `yaml:"default_window"`
		Windows       map[string]Duration `yaml:"windows"`
	} `yaml:"sla"`
	Stale struct {
		CheckInterval Duration `yaml:"check_interval"`
		Threshold     Duration `yaml:"threshold"`
	} `yaml:"stale"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("config.queue.max_retries must not be negative")
	}
	if c.Assignment.AutoAssignThreshold < 0 || c.Assignment.AutoAssignThreshold > 1 {
		return fmt.Errorf("config.assignment.auto_assign_threshold must be in [0,1]")
	}
	if c.Worker.HeartbeatTTL.Std() <= c.Worker.HeartbeatInterval.Std() {
		return fmt.Errorf("config.worker.heartbeat_ttl must exceed heartbeat_interval")
	}
	if c.SLA.DefaultWindow.Std() <= 0 {
		return fmt.Errorf("config.sla.default_window is required")
	}
	if c.SLA.WarningWindow.Std() <= 0 {
		return fmt.Errorf("config.sla.warning_window is required")
	}
	for cat, w := range c.SLA.Windows {
		if w.Std() <= 0 {
			return fmt.Errorf("config.sla.windows.%s must be positive", cat)
		}
	}
	if c.Stale.Threshold.Std() <= 0 {
		return fmt.Errorf("config.stale.threshold is required")
	}
	return nil
}

// SLAWindow returns the resolution window for a category.
func (c *Config) SLAWindow(category string) time.Duration {
	if w, ok := c.SLA.Windows[category]; ok {
		return w.Std()
	}
	return c.SLA.DefaultWindow.Std()
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "civicflow.yml")
}

// Load reads and validates config from workspace, falling back to defaults
// when the file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
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

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

const defaultTemplate = `redis:
  addr: localhost:6379
  db: 0

classifier:
  url: http://localhost:8200
  timeout: 15s

queue:
  max_retries: 3
  dequeue_timeout: 5s

worker:
  heartbeat_interval: 10s
  heartbeat_ttl: 60s

assignment:
  auto_assign_threshold: 0.70

sla:
  check_interval: 1h
  warning_window: 4h
  default_window: 72h
  windows:
    roads: 72h
    water: 24h
    sanitation: 48h
    electricity: 24h
    parks: 120h

stale:
  check_interval: 24h
  threshold: 168h
`
