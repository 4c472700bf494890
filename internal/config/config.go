package config

import (
	"encoding/json"
	"fmt"
)

// Config represents the main voxd configuration
type Config struct {
	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// ServersFile points at the tool server definitions watched at runtime
	ServersFile string `json:"servers_file" mapstructure:"servers_file"`

	// Agent configuration
	Agent AgentConfig `json:"agent" mapstructure:"agent"`

	// Gateway configuration
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
}

// AgentConfig holds agent loop configuration
type AgentConfig struct {
	Provider           string             `json:"provider" mapstructure:"provider"`
	Model              string             `json:"model" mapstructure:"model"`
	SystemPrompt       string             `json:"system_prompt" mapstructure:"system_prompt"`
	MaxIterations      int                `json:"max_iterations" mapstructure:"max_iterations"`
	ApprovalTimeoutSec int                `json:"approval_timeout_sec" mapstructure:"approval_timeout_sec"`
	SessionTTLMin      int                `json:"session_ttl_min" mapstructure:"session_ttl_min"`
	Credentials        []CredentialConfig `json:"credentials" mapstructure:"credentials"`
}

// CredentialConfig authenticates one LLM provider backend
type CredentialConfig struct {
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	BaseURL  string `json:"base_url" mapstructure:"base_url"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Port            int    `json:"port" mapstructure:"port"`
	SharedSecret    string `json:"shared_secret" mapstructure:"shared_secret"`
	TickIntervalSec int    `json:"tick_interval_sec" mapstructure:"tick_interval_sec"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level   string `json:"level" mapstructure:"level"`
	File    string `json:"file" mapstructure:"file"`
	Console bool   `json:"console" mapstructure:"console"`
	Pretty  bool   `json:"pretty" mapstructure:"pretty"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		DataDir:     "",
		ServersFile: "",
		Agent: AgentConfig{
			Provider:           "anthropic",
			Model:              "claude-sonnet-4-20250514",
			MaxIterations:      25,
			ApprovalTimeoutSec: 60,
			SessionTTLMin:      30,
			Credentials:        []CredentialConfig{},
		},
		Gateway: GatewayConfig{
			Port:            8391,
			SharedSecret:    "",
			TickIntervalSec: 30,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if len(c.Agent.Credentials) == 0 {
		return fmt.Errorf("no provider credentials configured: at least one credential is required")
	}

	for i, cred := range c.Agent.Credentials {
		if cred.Provider == "" {
			return fmt.Errorf("credential %d: provider is required", i)
		}
		if cred.Provider != "anthropic" && cred.Provider != "openai" {
			return fmt.Errorf("credential %s: invalid provider (must be: anthropic, openai)", cred.Provider)
		}
		if cred.APIKey == "" {
			return fmt.Errorf("credential %s: api_key is required", cred.Provider)
		}
	}

	if c.Agent.Provider == "" {
		return fmt.Errorf("agent provider is required")
	}
	if c.Agent.Model == "" {
		return fmt.Errorf("agent model is required")
	}
	if c.Agent.MaxIterations < 0 {
		return fmt.Errorf("agent max_iterations cannot be negative")
	}

	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("invalid gateway port: %d", c.Gateway.Port)
	}
	if c.Gateway.SharedSecret == "" {
		return fmt.Errorf("gateway shared_secret is required")
	}

	return nil
}
