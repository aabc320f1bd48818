package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	API       APIConfig       `mapstructure:"api"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Bridge    BridgeConfig    `mapstructure:"bridge"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Secrets   SecretsConfig   `mapstructure:"secrets"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// APIConfig holds REST API server configuration
type APIConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// ProxyConfig holds the intercept proxy configuration
type ProxyConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// BridgeConfig holds the push-bridge websocket configuration
type BridgeConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	PairingToken      string        `mapstructure:"pairing_token"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
	MaxMessagesPerSec int           `mapstructure:"max_messages_per_sec"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// SecretsConfig holds the provider-config encryption key
type SecretsConfig struct {
	Key string `mapstructure:"key"` // 32-byte key, hex encoded
}

// ProvidersConfig holds per-integration credentials and intervals
type ProvidersConfig struct {
	Anthropic  APIKeyConfig     `mapstructure:"anthropic"`
	OpenAI     APIKeyConfig     `mapstructure:"openai"`
	Gemini     APIKeyConfig     `mapstructure:"gemini"`
	OpenRouter OpenRouterConfig `mapstructure:"openrouter"`
	Copilot    CopilotConfig    `mapstructure:"copilot"`
	ClaudeCode ClaudeCodeConfig `mapstructure:"claude_code"`
}

// APIKeyConfig is the common shape for key-based providers
type APIKeyConfig struct {
	APIKey  string `mapstructure:"api_key"`
	Enabled bool   `mapstructure:"enabled"`
}

// OpenRouterConfig holds OpenRouter settings
type OpenRouterConfig struct {
	APIKey       string        `mapstructure:"api_key"`
	Enabled      bool          `mapstructure:"enabled"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// CopilotConfig holds GitHub Copilot settings
type CopilotConfig struct {
	OAuthToken   string        `mapstructure:"oauth_token"`
	Enabled      bool          `mapstructure:"enabled"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// ClaudeCodeConfig holds the log-tail watcher settings
type ClaudeCodeConfig struct {
	Dir     string `mapstructure:"dir"` // defaults to ~/.claude/projects
	Enabled bool   `mapstructure:"enabled"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "text"
}

// Load loads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Config file is optional
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration primarily from environment variables
func LoadFromEnv() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // Ignore error if .env doesn't exist

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// API server defaults
	v.SetDefault("api.host", "127.0.0.1")
	v.SetDefault("api.port", 7880)

	// Proxy defaults — loopback only, user points their API base URL here
	v.SetDefault("proxy.host", "127.0.0.1")
	v.SetDefault("proxy.port", 7878)

	// Push-bridge defaults
	v.SetDefault("bridge.host", "127.0.0.1")
	v.SetDefault("bridge.port", 7879)
	v.SetDefault("bridge.sweep_interval", 30*time.Second)
	v.SetDefault("bridge.heartbeat_timeout", 60*time.Second)
	v.SetDefault("bridge.max_messages_per_sec", 50)

	// Database defaults
	v.SetDefault("database.path", "./data/token-monitor.db")

	// Provider defaults
	v.SetDefault("providers.anthropic.enabled", false)
	v.SetDefault("providers.openai.enabled", false)
	v.SetDefault("providers.gemini.enabled", false)
	v.SetDefault("providers.openrouter.enabled", false)
	v.SetDefault("providers.openrouter.poll_interval", 30*time.Second)
	v.SetDefault("providers.copilot.enabled", false)
	v.SetDefault("providers.copilot.poll_interval", 5*time.Minute)
	v.SetDefault("providers.claude_code.enabled", true)
	v.SetDefault("providers.claude_code.dir", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func bindEnvVars(v *viper.Viper) {
	bindEnv := func(key string, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			slog.Warn("failed to bind environment variable",
				slog.String("key", key),
				slog.String("env_var", envVar),
				slog.String("error", err.Error()))
		}
	}

	// Provider credentials from environment
	bindEnv("providers.anthropic.api_key", "ANTHROPIC_API_KEY")
	bindEnv("providers.openai.api_key", "OPENAI_API_KEY")
	bindEnv("providers.gemini.api_key", "GEMINI_API_KEY")
	bindEnv("providers.openrouter.api_key", "OPENROUTER_API_KEY")
	bindEnv("providers.copilot.oauth_token", "COPILOT_OAUTH_TOKEN")
	bindEnv("providers.claude_code.dir", "CLAUDE_CODE_DIR")

	// Bridge pairing token
	bindEnv("bridge.pairing_token", "PAIRING_TOKEN")

	// Secrets key
	bindEnv("secrets.key", "SECRETS_KEY")

	// Database path
	bindEnv("database.path", "DATABASE_PATH")

	// Ports
	bindEnv("api.port", "API_PORT")
	bindEnv("proxy.port", "PROXY_PORT")
	bindEnv("bridge.port", "BRIDGE_PORT")

	// Logging
	bindEnv("logging.level", "LOG_LEVEL")
	bindEnv("logging.format", "LOG_FORMAT")
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Bridge.PairingToken == "" {
		return fmt.Errorf("PAIRING_TOKEN is required for the push bridge")
	}

	if c.Bridge.HeartbeatTimeout <= 0 || c.Bridge.SweepInterval <= 0 {
		return fmt.Errorf("bridge sweep_interval and heartbeat_timeout must be positive")
	}

	if c.Providers.Anthropic.Enabled && c.Providers.Anthropic.APIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required when the Anthropic provider is enabled")
	}
	if c.Providers.OpenAI.Enabled && c.Providers.OpenAI.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when the OpenAI provider is enabled")
	}
	if c.Providers.Gemini.Enabled && c.Providers.Gemini.APIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is required when the Gemini provider is enabled")
	}
	if c.Providers.OpenRouter.Enabled && c.Providers.OpenRouter.APIKey == "" {
		return fmt.Errorf("OPENROUTER_API_KEY is required when the OpenRouter provider is enabled")
	}
	if c.Providers.Copilot.Enabled && c.Providers.Copilot.OAuthToken == "" {
		return fmt.Errorf("COPILOT_OAUTH_TOKEN is required when the Copilot provider is enabled")
	}

	return nil
}
