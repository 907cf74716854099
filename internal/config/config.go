package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all server settings. Values come from environment variables
// prefixed with COLLAB_ (e.g. COLLAB_PORT) with sane defaults for local use.
type Config struct {
	Port     int    `mapstructure:"port"`
	Env      string `mapstructure:"env"`
	LogLevel string `mapstructure:"log_level"`

	DatabasePath string `mapstructure:"database_path"`

	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`

	OpenAIAPIKey  string        `mapstructure:"openai_api_key"`
	OpenAIBaseURL string        `mapstructure:"openai_base_url"`
	OpenAIModel   string        `mapstructure:"openai_model"`
	AITimeout     time.Duration `mapstructure:"ai_timeout"`

	SandboxWorkspaceBase  string        `mapstructure:"sandbox_workspace_base"`
	SandboxInstallCommand string        `mapstructure:"sandbox_install_command"`
	SandboxRunCommand     string        `mapstructure:"sandbox_run_command"`
	SandboxPreviewPort    int           `mapstructure:"sandbox_preview_port"`
	SandboxReadyTimeout   time.Duration `mapstructure:"sandbox_ready_timeout"`
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("COLLAB")
	v.AutomaticEnv()

	v.SetDefault("port", 8080)
	v.SetDefault("env", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("database_path", "collab.db")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("token_ttl", 24*time.Hour)
	v.SetDefault("openai_api_key", "")
	v.SetDefault("openai_base_url", "")
	v.SetDefault("openai_model", "gpt-4o-mini")
	v.SetDefault("ai_timeout", 60*time.Second)
	v.SetDefault("sandbox_workspace_base", "/tmp/collab-workspaces")
	v.SetDefault("sandbox_install_command", "npm install")
	v.SetDefault("sandbox_run_command", "npm start")
	v.SetDefault("sandbox_preview_port", 3000)
	v.SetDefault("sandbox_ready_timeout", 2*time.Minute)

	// Bind explicitly so AutomaticEnv sees keys that are never Set
	for _, key := range []string{
		"port", "env", "log_level", "database_path", "jwt_secret", "token_ttl",
		"openai_api_key", "openai_base_url", "openai_model", "ai_timeout",
		"sandbox_workspace_base", "sandbox_install_command",
		"sandbox_run_command", "sandbox_preview_port", "sandbox_ready_timeout",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("COLLAB_JWT_SECRET is required")
	}

	return &cfg, nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env != "production"
}
