// Package config loads medsim settings from defaults, an optional YAML file
// and MEDSIM_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override: MEDSIM_LLM_API_KEY.
const EnvPrefix = "MEDSIM"

// Config is the typed view of the loaded settings.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Feedback FeedbackConfig `mapstructure:"feedback"`
	Store    StoreConfig    `mapstructure:"store"`
	Cases    CasesConfig    `mapstructure:"cases"`
	Report   ReportConfig   `mapstructure:"report"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// RequestsPerSecond limits API calls per client IP. Zero disables it.
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// Addr returns the listen address as host:port.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoggingConfig selects level and encoder.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LLMConfig selects and tunes the completion backend.
type LLMConfig struct {
	Provider          string        `mapstructure:"provider"`
	Model             string        `mapstructure:"model"`
	FeedbackModel     string        `mapstructure:"feedback_model"`
	APIKey            string        `mapstructure:"api_key"`
	BaseURL           string        `mapstructure:"base_url"`
	Temperature       float64       `mapstructure:"temperature"`
	MaxTokens         int           `mapstructure:"max_tokens"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	Cooldown          time.Duration `mapstructure:"cooldown"`
}

// FeedbackConfig selects single or parallel generation.
type FeedbackConfig struct {
	Mode string `mapstructure:"mode"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver      string `mapstructure:"driver"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

// CasesConfig points at an optional scenario catalog.
type CasesConfig struct {
	File string `mapstructure:"file"`
}

// ReportConfig holds PDF settings.
type ReportConfig struct {
	FontPath string `mapstructure:"font_path"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.requests_per_second", 0)
	v.SetDefault("server.burst", 20)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.feedback_model", "")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.max_tokens", 0)
	v.SetDefault("llm.timeout", "120s")
	v.SetDefault("llm.requests_per_minute", 60)
	v.SetDefault("llm.cooldown", "30s")

	v.SetDefault("feedback.mode", "parallel")

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "medsim.db")
	v.SetDefault("store.postgres_dsn", "")

	v.SetDefault("cases.file", "")
	v.SetDefault("report.font_path", "")
}

// Load reads configuration from file and environment variables. An empty
// path searches ./medsim.yaml, ./configs and /etc/medsim.
func Load(configPath string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("medsim")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/medsim")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		// no file: defaults and environment only
	}

	return v, nil
}

// Decode unmarshals v into a Config and validates it.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "openai", "http":
	default:
		return fmt.Errorf("llm.provider must be \"openai\" or \"http\", got %q", c.LLM.Provider)
	}
	switch c.Feedback.Mode {
	case "", "single", "parallel":
	default:
		return fmt.Errorf("feedback.mode must be \"single\" or \"parallel\", got %q", c.Feedback.Mode)
	}
	switch c.Store.Driver {
	case "sqlite", "postgres", "none":
	default:
		return fmt.Errorf("store.driver must be sqlite, postgres or none, got %q", c.Store.Driver)
	}
	if c.Store.Driver == "postgres" && c.Store.PostgresDSN == "" {
		return fmt.Errorf("store.postgres_dsn is required for the postgres driver")
	}
	if c.LLM.RequestsPerMinute < 0 {
		return fmt.Errorf("llm.requests_per_minute must not be negative")
	}
	return nil
}
