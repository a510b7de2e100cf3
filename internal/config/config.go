// Package config loads the host configuration from a JSON file,
// filling in defaults for anything the file does not set.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Config represents application configuration
type Config struct {
	// Provider selects the completion service: "openai" or "anthropic".
	Provider string `json:"provider"`
	Model    string `json:"model"`

	// APIKeyEnv names the environment variable holding the API key.
	// Empty means the provider's conventional variable.
	APIKeyEnv string `json:"api_key_env,omitempty"`

	Instructions string `json:"instructions,omitempty"`

	// Store asks the remote side to retain turns between requests.
	// Only honored by providers that support it.
	Store bool `json:"store"`

	WorkingDir     string `json:"working_dir"`
	DefaultTimeout int    `json:"default_timeout_seconds"`

	// DeliveryDelayMS is the staging delay before output items reach
	// the host. Zero means the built-in default.
	DeliveryDelayMS int `json:"delivery_delay_ms,omitempty"`

	// MaxContextTokens caps the estimated request size before a run is
	// ended with a diagnostic instead of being submitted. Zero leaves
	// overflow handling to the remote service.
	MaxContextTokens int `json:"max_context_tokens,omitempty"`

	LogLevel string `json:"log_level"` // debug, info, warn, error, none
	LogPath  string `json:"-"`

	// SessionDir overrides where conversation snapshots are stored.
	SessionDir string `json:"session_dir,omitempty"`
}

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "linux":
		if configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); configHome != "" {
			return filepath.Join(configHome, "agentloop")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", "agentloop")
	case "windows":
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, "agentloop")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Roaming", "agentloop")
	default:
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", "agentloop")
	}
}

func defaultStateDir() string {
	switch runtime.GOOS {
	case "linux":
		if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
			return filepath.Join(stateHome, "agentloop")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".local", "state", "agentloop")
	default:
		return defaultConfigDir()
	}
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	stateDir := defaultStateDir()

	return &Config{
		Provider:       "openai",
		Model:          "gpt-4.1",
		Store:          true,
		WorkingDir:     ".",
		DefaultTimeout: 30,
		LogLevel:       "info",
		LogPath:        filepath.Join(stateDir, "agentloop.log"),
	}
}

// Load loads configuration from file
func Load(path string) (*Config, error) {
	// Start with default config
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return default config if file doesn't exist
			return config, nil
		}
		return nil, err
	}

	// Unmarshal into default config (overrides only provided fields)
	if err := json.Unmarshal(data, config); err != nil {
		return nil, err
	}

	// Ensure critical fields have defaults if still empty
	if config.Provider == "" {
		config.Provider = "openai"
	}
	if config.Model == "" {
		config.Model = "gpt-4.1"
	}
	if config.WorkingDir == "" {
		config.WorkingDir = "."
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = 30
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
	if config.LogPath == "" {
		config.LogPath = filepath.Join(defaultStateDir(), "agentloop.log")
	}

	return config, nil
}

// Save writes the configuration as indented JSON.
func (c *Config) Save(path string) error {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// GetConfigPath returns the default config path
func GetConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.json")
}

// APIKey resolves the provider's API key from the environment.
func (c *Config) APIKey() (string, error) {
	envVar := c.APIKeyEnv
	if envVar == "" {
		switch c.Provider {
		case "anthropic":
			envVar = "ANTHROPIC_API_KEY"
		default:
			envVar = "OPENAI_API_KEY"
		}
	}

	key := strings.TrimSpace(os.Getenv(envVar))
	if key == "" {
		return "", fmt.Errorf("no API key found in environment variable %s", envVar)
	}
	return key, nil
}
