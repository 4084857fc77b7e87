// Package config handles ideaworks configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/nugget/ideaworks/internal/agent"
	"github.com/nugget/ideaworks/internal/critique"
	"github.com/nugget/ideaworks/internal/runstate"
)

// DefaultSearchPaths returns the config file search order used when no
// explicit path is given: ./config.yaml, ~/.config/ideaworks/config.yaml,
// /etc/ideaworks/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "ideaworks", "config.yaml"))
	}
	return append(paths, "/etc/ideaworks/config.yaml")
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise the first of DefaultSearchPaths that exists is returned.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}
	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Duration is a time.Duration written as a Go duration string
// ("90s", "4m30s") in YAML.
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Config holds all ideaworks configuration.
type Config struct {
	DataDir   string `yaml:"data_dir"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text (default) or json

	Anthropic AnthropicConfig          `yaml:"anthropic"`
	Models    ModelsConfig             `yaml:"models"`
	Agent     AgentConfig              `yaml:"agent"`
	Agents    map[string]ProfileConfig `yaml:"agents"`
	Critique  CritiqueConfig           `yaml:"critique"`
	MQTT      MQTTConfig               `yaml:"mqtt"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// ModelsConfig defines model defaults.
type ModelsConfig struct {
	Default   string `yaml:"default"`
	MaxTokens int    `yaml:"max_tokens"`
}

// AgentConfig bounds every run of the agent loop.
type AgentConfig struct {
	MaxTurns   int      `yaml:"max_turns"`
	TimeBudget Duration `yaml:"time_budget"`
	MaxResumes int      `yaml:"max_resumes"`
	StateTTL   Duration `yaml:"state_ttl"`
}

// ProfileConfig overrides or adds an agent profile. Zero fields keep
// the built-in profile's value.
type ProfileConfig struct {
	Description  string   `yaml:"description"`
	SystemPrompt string   `yaml:"system_prompt"`
	Model        string   `yaml:"model"`
	MaxTurns     int      `yaml:"max_turns"`
	MaxTokens    int      `yaml:"max_tokens"`
	TimeBudget   Duration `yaml:"time_budget"`
	// WebFetch registers the web_fetch tool for this agent kind.
	WebFetch *bool `yaml:"web_fetch"`
}

// CritiqueConfig defines the advisors and content types of the
// critique-revision pipeline.
type CritiqueConfig struct {
	Model        string                 `yaml:"model"`
	MaxTokens    int                    `yaml:"max_tokens"`
	Advisors     []critique.Advisor     `yaml:"advisors"`
	ContentTypes []critique.ContentType `yaml:"content_types"`
}

// MQTTConfig configures progress publishing. An empty Broker disables it.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	DeviceName  string `yaml:"device_name"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// Configured reports whether a broker is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// Load reads configuration from a YAML file. A .env file beside it is
// loaded into the environment first (existing variables win), then
// ${VAR} references in the file are expanded.
func Load(path string) (*Config, error) {
	envFile := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.Models.Default == "" {
		c.Models.Default = "claude-sonnet-4-20250514"
	}
	if c.Models.MaxTokens <= 0 {
		c.Models.MaxTokens = agent.DefaultMaxTokens
	}
	if c.Agent.MaxTurns <= 0 {
		c.Agent.MaxTurns = agent.DefaultMaxTurns
	}
	if c.Agent.TimeBudget.Duration <= 0 {
		c.Agent.TimeBudget.Duration = agent.DefaultTimeBudget
	}
	if c.Agent.MaxResumes <= 0 {
		c.Agent.MaxResumes = agent.DefaultMaxResumes
	}
	if c.Agent.StateTTL.Duration <= 0 {
		c.Agent.StateTTL.Duration = runstate.DefaultTTL
	}
	if c.Critique.Model == "" {
		c.Critique.Model = c.Models.Default
	}
	for i := range c.Critique.ContentTypes {
		ct := &c.Critique.ContentTypes[i]
		if ct.MinScore == 0 {
			ct.MinScore = 7
		}
		if ct.MaxRevisionRounds == 0 {
			ct.MaxRevisionRounds = 3
		}
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "ideaworks"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "ideaworks"
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Anthropic.APIKey == "" {
		errs = append(errs, errors.New("anthropic.api_key is required"))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q must be text or json", c.LogFormat))
	}
	if c.Agent.TimeBudget.Duration > 5*time.Minute {
		errs = append(errs, fmt.Errorf("agent.time_budget %s exceeds the 5m invocation ceiling", c.Agent.TimeBudget))
	}
	if len(c.Critique.Advisors) > 0 || len(c.Critique.ContentTypes) > 0 {
		if _, err := c.Roster(); err != nil {
			errs = append(errs, fmt.Errorf("critique: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Roster builds the critique roster and validates every content type
// against it.
func (c *Config) Roster() (*critique.Roster, error) {
	roster, err := critique.NewRoster(c.Critique.Advisors...)
	if err != nil {
		return nil, err
	}
	for _, ct := range c.Critique.ContentTypes {
		if err := ct.Validate(roster); err != nil {
			return nil, err
		}
	}
	return roster, nil
}

// Profiles merges configured agent profiles over the built-in ones.
// Profiles with WebFetch enabled get web_fetch in their allowed tools.
func (c *Config) Profiles() agent.Profiles {
	profiles := agent.BuiltinProfiles()
	for name, pc := range c.Agents {
		p, ok := profiles[name]
		if !ok {
			p = &agent.Profile{Name: name}
			profiles[name] = p
		}
		if pc.Description != "" {
			p.Description = pc.Description
		}
		if pc.SystemPrompt != "" {
			p.SystemPrompt = pc.SystemPrompt
		}
		if pc.Model != "" {
			p.Model = pc.Model
		}
		if pc.MaxTurns > 0 {
			p.MaxTurns = pc.MaxTurns
		}
		if pc.MaxTokens > 0 {
			p.MaxTokens = pc.MaxTokens
		}
		if pc.TimeBudget.Duration > 0 {
			p.TimeBudget = pc.TimeBudget.Duration
		}
		if pc.WebFetch != nil {
			if *pc.WebFetch {
				p.AllowedTools = []string{"web_fetch"}
			} else {
				p.AllowedTools = nil
			}
		}
	}
	return profiles
}
