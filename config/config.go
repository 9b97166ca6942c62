// Package config loads the world configuration from YAML: model backends,
// agent definitions, monitor and mailbox settings.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Known backend providers.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderMock      = "mock"
)

// Config is the root configuration document.
type Config struct {
	Logging  LoggingConfig   `yaml:"logging"`
	Monitor  MonitorConfig   `yaml:"monitor"`
	Mailbox  MailboxConfig   `yaml:"mailbox"`
	Snapshot SnapshotConfig  `yaml:"snapshot"`
	Backends []BackendConfig `yaml:"backends"`
	Agents   []AgentConfig   `yaml:"agents"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string `yaml:"level"`
	// Format is json or text. Defaults to text.
	Format string `yaml:"format"`
}

// MonitorConfig controls the availability monitor.
type MonitorConfig struct {
	// Interval between probe sweeps. Defaults to 60s.
	Interval time.Duration `yaml:"interval"`
}

// MailboxConfig controls message persistence.
type MailboxConfig struct {
	// Path of the SQLite mailbox database. Empty keeps messages in memory.
	Path string `yaml:"path"`
}

// SnapshotConfig controls world snapshots.
type SnapshotConfig struct {
	// Path of the snapshot file written on demand.
	Path string `yaml:"path"`
}

// BackendConfig describes one model backend.
type BackendConfig struct {
	// Name is the key agents reference the backend by.
	Name string `yaml:"name"`
	// Provider is anthropic, openai or mock.
	Provider string `yaml:"provider"`
	// Model is the provider-specific model identifier.
	Model string `yaml:"model"`
	// Endpoint overrides the provider's default base URL. Optional.
	Endpoint string `yaml:"endpoint"`
	// APIKeyEnv names the environment variable carrying the API key.
	// Defaults to the provider's conventional variable.
	APIKeyEnv string `yaml:"api_key_env"`
}

// AgentConfig describes one agent of the world.
type AgentConfig struct {
	Name    string `yaml:"name"`
	Persona string `yaml:"persona"`
	// Backend references a BackendConfig by name.
	Backend string `yaml:"backend"`
	// Capabilities names the capabilities to resolve for the agent.
	Capabilities []string `yaml:"capabilities"`
	// MaxLoops bounds the agent's execution units. 0 uses the default.
	MaxLoops int `yaml:"max_loops"`
}

// Load reads, parses and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates a YAML configuration document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Monitor.Interval <= 0 {
		c.Monitor.Interval = 60 * time.Second
	}
}

// Validate checks referential integrity and enumerated fields.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Logging.Format)
	}

	backendNames := map[string]bool{}
	for i, b := range c.Backends {
		if strings.TrimSpace(b.Name) == "" {
			return fmt.Errorf("config: backends[%d]: name is required", i)
		}
		if backendNames[b.Name] {
			return fmt.Errorf("config: duplicate backend %q", b.Name)
		}
		backendNames[b.Name] = true

		switch b.Provider {
		case ProviderAnthropic, ProviderOpenAI, ProviderMock:
		default:
			return fmt.Errorf("config: backend %q: unknown provider %q", b.Name, b.Provider)
		}
		if b.Provider != ProviderMock && strings.TrimSpace(b.Model) == "" {
			return fmt.Errorf("config: backend %q: model is required", b.Name)
		}
	}

	agentNames := map[string]bool{}
	for i, a := range c.Agents {
		if strings.TrimSpace(a.Name) == "" {
			return fmt.Errorf("config: agents[%d]: name is required", i)
		}
		if agentNames[a.Name] {
			return fmt.Errorf("config: duplicate agent %q", a.Name)
		}
		agentNames[a.Name] = true

		if a.Backend == "" {
			return fmt.Errorf("config: agent %q: backend is required", a.Name)
		}
		if !backendNames[a.Backend] {
			return fmt.Errorf("config: agent %q references unknown backend %q", a.Name, a.Backend)
		}
		if a.MaxLoops < 0 {
			return fmt.Errorf("config: agent %q: max_loops must not be negative", a.Name)
		}
	}
	return nil
}

// Backend looks up a backend definition by name.
func (c *Config) Backend(name string) (BackendConfig, bool) {
	for _, b := range c.Backends {
		if b.Name == name {
			return b, true
		}
	}
	return BackendConfig{}, false
}
