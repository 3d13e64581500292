package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models taskdeck.yml.
type Config struct {
	Auth     AuthConfig      `yaml:"auth"`
	Latency  LatencyConfig   `yaml:"latency"`
	Storage  StorageConfig   `yaml:"storage"`
	Seed     SeedConfig      `yaml:"seed"`
	Server   ServerConfig    `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

type AuthConfig struct {
	Password       string        `yaml:"password"`
	PasswordBcrypt string        `yaml:"password_bcrypt,omitempty"`
	MaxAttempts    int           `yaml:"max_attempts"`
	LockDuration   time.Duration `yaml:"lock_duration"`
	TokenTTL       time.Duration `yaml:"token_ttl"`
}

// LatencyConfig holds the simulated round-trip delays of each operation class.
type LatencyConfig struct {
	Login  time.Duration `yaml:"login"`
	List   time.Duration `yaml:"list"`
	Single time.Duration `yaml:"single"`
	Mutate time.Duration `yaml:"mutate"`
}

type StorageConfig struct {
	Driver string `yaml:"driver"`
	Redis  struct {
		Addr   string `yaml:"addr"`
		DB     int    `yaml:"db"`
		Prefix string `yaml:"prefix"`
	} `yaml:"redis"`
}

type SeedConfig struct {
	Enabled bool       `yaml:"enabled"`
	Tasks   []SeedTask `yaml:"tasks"`
}

type SeedTask struct {
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
	Status      string `yaml:"status"`
}

type ServerConfig struct {
	Addr               string  `yaml:"addr"`
	BasePath           string  `yaml:"base_path"`
	LoginRatePerSecond float64 `yaml:"login_rate_per_second"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with td config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Auth.Password == "" && c.Auth.PasswordBcrypt == "" {
		return fmt.Errorf("config.auth.password or config.auth.password_bcrypt is required")
	}
	if c.Auth.MaxAttempts <= 0 {
		return fmt.Errorf("config.auth.max_attempts must be positive")
	}
	if c.Auth.LockDuration <= 0 {
		return fmt.Errorf("config.auth.lock_duration must be positive")
	}
	if c.Auth.TokenTTL < 0 {
		return fmt.Errorf("config.auth.token_ttl must not be negative")
	}
	for name, d := range map[string]time.Duration{
		"login":  c.Latency.Login,
		"list":   c.Latency.List,
		"single": c.Latency.Single,
		"mutate": c.Latency.Mutate,
	} {
		if d < 0 {
			return fmt.Errorf("config.latency.%s must not be negative", name)
		}
	}
	switch c.Storage.Driver {
	case "sqlite", "memory":
	case "redis":
		if strings.TrimSpace(c.Storage.Redis.Addr) == "" {
			return fmt.Errorf("config.storage.redis.addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("config.storage.driver must be one of sqlite, redis, memory")
	}
	for i, t := range c.Seed.Tasks {
		if strings.TrimSpace(t.Title) == "" {
			return fmt.Errorf("seed task %d has empty title", i)
		}
		if t.Status != "" && t.Status != "pending" && t.Status != "completed" {
			return fmt.Errorf("seed task %d has unknown status %s", i, t.Status)
		}
	}
	if c.Server.LoginRatePerSecond < 0 {
		return fmt.Errorf("config.server.login_rate_per_second must not be negative")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "taskdeck.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
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

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
// Sections missing from data keep their default values.
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

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// YAML renders the config back to YAML.
func (c *Config) YAML() (string, error) {
	b, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

const defaultTemplate = `auth:
  password: "Testpassw0rd!"
  max_attempts: 3
  lock_duration: 60s
  token_ttl: 24h

latency:
  login: 800ms
  list: 500ms
  single: 300ms
  mutate: 300ms

storage:
  driver: sqlite
  redis:
    addr: localhost:6379
    db: 0
    prefix: "taskdeck:"

seed:
  enabled: true
  tasks:
    - title: Complete Frontend Challenge
      description: Finish the task management app with all required functionality.
      status: pending
    - title: Learn NgRx
      description: Study state management in Angular with NgRx.
      status: pending
    - title: Review Angular Documentation
      description: Go through Angular documentation to refresh knowledge.
      status: completed

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  login_rate_per_second: 1
`
