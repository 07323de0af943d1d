package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	v *viper.Viper
}

// New creates a new configuration instance
func New() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/mail-sentinel/")
	v.AddConfigPath("$HOME/.mail-sentinel")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	// Set defaults
	setDefaults(v)

	// Environment variables
	v.AutomaticEnv()
	v.SetEnvPrefix("MAIL_SENTINEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, using defaults
	}

	return &Config{v: v}, nil
}

// NewFromViper creates a new configuration instance from an existing Viper instance
func NewFromViper(v *viper.Viper) *Config {
	return &Config{v: v}
}

// NewEmptyViper creates a new Viper instance with defaults
func NewEmptyViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	return v
}

// setDefaults sets the default configuration values
func setDefaults(v *viper.Viper) {
	// Upstream mail API defaults
	v.SetDefault("upstream.base_url", "http://127.0.0.1:8080")
	v.SetDefault("upstream.token", "")
	v.SetDefault("upstream.timeout", "15s")
	v.SetDefault("upstream.page_size", 100)
	v.SetDefault("upstream.quarantine_folder", "Quarantine")

	// Resilience defaults
	v.SetDefault("resilience.max_attempts", 5)
	v.SetDefault("resilience.base_delay", "200ms")
	v.SetDefault("resilience.max_delay", "30s")
	v.SetDefault("resilience.timeout", "20s")
	v.SetDefault("resilience.rate_per_second", 20.0)
	v.SetDefault("resilience.burst", 10)
	v.SetDefault("resilience.throttle_threshold", 3)
	v.SetDefault("resilience.throttle_factor", 0.25)
	v.SetDefault("resilience.throttle_cooldown", "30s")

	// Subscription defaults
	v.SetDefault("subscriptions.notify_url", "http://127.0.0.1:8070/v1/notifications")
	v.SetDefault("subscriptions.lifetime", "72h")
	v.SetDefault("subscriptions.renewal_fraction", 0.2)
	v.SetDefault("subscriptions.scan_interval", "1m")

	// Delta sync defaults
	v.SetDefault("sync.interval", "5m")
	v.SetDefault("sync.fallback_interval", "1m")
	v.SetDefault("sync.escalation_threshold", "30m")
	v.SetDefault("sync.resource_parallelism", 4)

	// Dedup defaults
	v.SetDefault("dedup.type", "memory")
	v.SetDefault("dedup.ttl", "168h")
	v.SetDefault("dedup.cleanup_frequency", "1h")
	v.SetDefault("dedup.sqlite_path", "/data/mail_sentinel_dedup.db")
	v.SetDefault("dedup.mysql_dsn", "user:password@tcp(localhost:3306)/mail_sentinel")
	v.SetDefault("dedup.postgres_dsn", "postgres://localhost/mail_sentinel?sslmode=disable")

	// State store defaults
	v.SetDefault("state.type", "sqlite")
	v.SetDefault("state.sqlite_path", "/data/mail_sentinel_state.db")

	// Orchestrator defaults
	v.SetDefault("orchestrator.workers", 8)
	v.SetDefault("orchestrator.queue_size", 256)
	v.SetDefault("orchestrator.queue_high_watermark", 192)
	v.SetDefault("orchestrator.spill_path", "/data/mail_sentinel_spill.json")
	v.SetDefault("orchestrator.spill_capacity", 4096)

	// Scoring provider defaults
	v.SetDefault("scoring.provider", "openai")

	// Bedrock defaults
	v.SetDefault("bedrock.region", "us-east-1")
	v.SetDefault("bedrock.model_id", "anthropic.claude-v2")
	v.SetDefault("bedrock.max_tokens", 1000)
	v.SetDefault("bedrock.temperature", 0.1)
	v.SetDefault("bedrock.top_p", 0.9)
	v.SetDefault("bedrock.max_body_size", 4096)

	// Gemini defaults
	v.SetDefault("gemini.api_key", "")
	v.SetDefault("gemini.model_name", "gemini-pro")
	v.SetDefault("gemini.max_tokens", 1000)
	v.SetDefault("gemini.temperature", 0.1)
	v.SetDefault("gemini.top_p", 0.9)
	v.SetDefault("gemini.max_body_size", 4096)

	// OpenAI defaults
	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.model_name", "gpt-4")
	v.SetDefault("openai.max_tokens", 1000)
	v.SetDefault("openai.temperature", 0.1)
	v.SetDefault("openai.top_p", 0.9)
	v.SetDefault("openai.max_body_size", 4096)

	// Policy defaults
	v.SetDefault("policy.suspicious_threshold", 0.5)
	v.SetDefault("policy.phishing_threshold", 0.8)
	v.SetDefault("policy.actions.benign", "none")
	v.SetDefault("policy.actions.suspicious", "flag")
	v.SetDefault("policy.actions.phishing", "quarantine")
	v.SetDefault("policy.trusted_domains", []string{})

	// Sink defaults
	v.SetDefault("sinks.webhook.enabled", false)
	v.SetDefault("sinks.webhook.url", "")
	v.SetDefault("sinks.webhook.required", true)
	v.SetDefault("sinks.smtp.enabled", false)
	v.SetDefault("sinks.smtp.addr", "localhost:587")
	v.SetDefault("sinks.smtp.username", "")
	v.SetDefault("sinks.smtp.password", "")
	v.SetDefault("sinks.smtp.from", "mail-sentinel@localhost")
	v.SetDefault("sinks.smtp.to", []string{})
	v.SetDefault("sinks.smtp.required", false)
	v.SetDefault("sinks.log.enabled", true)
	v.SetDefault("sinks.log.required", false)

	// Monitored resources
	v.SetDefault("resources", []map[string]any{})

	// Server defaults
	v.SetDefault("server.listen_address", "0.0.0.0:8070")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// GetString gets a string value from the configuration
func (c *Config) GetString(key string) string {
	return c.v.GetString(key)
}

// GetInt gets an integer value from the configuration
func (c *Config) GetInt(key string) int {
	return c.v.GetInt(key)
}

// GetFloat64 gets a float64 value from the configuration
func (c *Config) GetFloat64(key string) float64 {
	return c.v.GetFloat64(key)
}

// GetBool gets a boolean value from the configuration
func (c *Config) GetBool(key string) bool {
	return c.v.GetBool(key)
}

// GetStringSlice gets a string slice value from the configuration
func (c *Config) GetStringSlice(key string) []string {
	return c.v.GetStringSlice(key)
}

// GetDuration gets a duration value from the configuration
func (c *Config) GetDuration(key string) (time.Duration, error) {
	return time.ParseDuration(c.GetString(key))
}

// GetViper returns the underlying Viper instance
func (c *Config) GetViper() *viper.Viper {
	return c.v
}
