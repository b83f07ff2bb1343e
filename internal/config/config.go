package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config is the application configuration, read from config.yaml in the
// config directory. Secrets never live here; they go through the secret
// store and are referenced by name.
type Config struct {
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Chat     ChatConfig     `mapstructure:"chat"`
	CodeMode CodeModeConfig `mapstructure:"code_mode"`
	Serve    ServeConfig    `mapstructure:"serve"`
	DataDir  string         `mapstructure:"data_dir"`
}

// GatewayConfig points at the OpenRouter-compatible completions API.
type GatewayConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	SecretName string `mapstructure:"secret_name"` // key name in the secret store
	AppURL     string `mapstructure:"app_url"`     // attribution headers
	AppTitle   string `mapstructure:"app_title"`
}

// ChatConfig holds chat defaults.
type ChatConfig struct {
	Model        string `mapstructure:"model"`
	SystemPrompt string `mapstructure:"system_prompt"`
}

// CodeModeConfig controls the code execution tool surface.
type CodeModeConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Node    string `mapstructure:"node"` // node binary, resolved from PATH when empty
}

// ServeConfig configures the local API server.
type ServeConfig struct {
	Addr string `mapstructure:"addr"`
}

// GetConfigDir returns the application config directory.
func GetConfigDir() (string, error) {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "parlor"), nil
}

func Load() (*Config, error) {
	configPath, err := GetConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config dir: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configPath)
	viper.AddConfigPath(".")

	viper.SetDefault("gateway.base_url", "https://openrouter.ai/api/v1")
	viper.SetDefault("gateway.secret_name", "OpenRouter")
	viper.SetDefault("gateway.app_url", "https://github.com/parlorhq/parlor")
	viper.SetDefault("gateway.app_title", "Parlor")
	viper.SetDefault("chat.model", "anthropic/claude-sonnet-4.5")
	viper.SetDefault("code_mode.enabled", false)
	viper.SetDefault("serve.addr", "127.0.0.1:4560")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// ApplyOverrides applies command-line overrides to the config.
func (c *Config) ApplyOverrides(model string) {
	if model != "" {
		c.Chat.Model = model
	}
}
