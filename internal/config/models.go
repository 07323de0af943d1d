package config

import (
	"fmt"
	"time"
)

// UpstreamConfig represents the upstream mail API configuration
type UpstreamConfig struct {
	BaseURL          string
	Token            string
	Timeout          time.Duration
	PageSize         int
	QuarantineFolder string
}

// ResilienceConfig represents the shared retry/backoff/admission policy
type ResilienceConfig struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	Timeout           time.Duration
	RatePerSecond     float64
	Burst             int
	ThrottleThreshold int
	ThrottleFactor    float64
	ThrottleCooldown  time.Duration
}

// SubscriptionsConfig represents the subscription lifecycle configuration
type SubscriptionsConfig struct {
	NotifyURL       string
	Lifetime        time.Duration
	RenewalFraction float64
	ScanInterval    time.Duration
}

// SyncConfig represents the scheduled sweep configuration
type SyncConfig struct {
	Interval            time.Duration
	FallbackInterval    time.Duration
	EscalationThreshold time.Duration
	ResourceParallelism int
}

// OrchestratorConfig represents the intake pipeline configuration
type OrchestratorConfig struct {
	Workers            int
	QueueSize          int
	QueueHighWatermark int
	SpillPath          string
	SpillCapacity      int
}

// BedrockConfig represents the configuration for Amazon Bedrock
type BedrockConfig struct {
	Region      string
	ModelID     string
	MaxTokens   int
	Temperature float32
	TopP        float32
	MaxBodySize int
}

// GeminiConfig represents the configuration for Google Gemini
type GeminiConfig struct {
	APIKey      string
	ModelName   string
	MaxTokens   int
	Temperature float32
	TopP        float32
	MaxBodySize int
}

// OpenAIConfig represents the configuration for OpenAI
type OpenAIConfig struct {
	APIKey      string
	ModelName   string
	MaxTokens   int
	Temperature float32
	TopP        float32
	MaxBodySize int
}

// PolicyConfig maps score thresholds and labels to remediation actions
type PolicyConfig struct {
	SuspiciousThreshold float64
	PhishingThreshold   float64
	Actions             map[string]string
	TrustedDomains      []string
}

// ResourceConfig declares one monitored mailbox scope
type ResourceConfig struct {
	ID    string `mapstructure:"id"`
	Path  string `mapstructure:"path"`
	Scope string `mapstructure:"scope"`
}

// GetUpstream returns the upstream mail API configuration
func (c *Config) GetUpstream() (UpstreamConfig, error) {
	timeout, err := c.GetDuration("upstream.timeout")
	if err != nil {
		return UpstreamConfig{}, fmt.Errorf("invalid upstream timeout: %w", err)
	}
	return UpstreamConfig{
		BaseURL:          c.GetString("upstream.base_url"),
		Token:            c.GetString("upstream.token"),
		Timeout:          timeout,
		PageSize:         c.GetInt("upstream.page_size"),
		QuarantineFolder: c.GetString("upstream.quarantine_folder"),
	}, nil
}

// GetResilience returns the resilience layer configuration
func (c *Config) GetResilience() (ResilienceConfig, error) {
	baseDelay, err := c.GetDuration("resilience.base_delay")
	if err != nil {
		return ResilienceConfig{}, fmt.Errorf("invalid resilience base delay: %w", err)
	}
	maxDelay, err := c.GetDuration("resilience.max_delay")
	if err != nil {
		return ResilienceConfig{}, fmt.Errorf("invalid resilience max delay: %w", err)
	}
	timeout, err := c.GetDuration("resilience.timeout")
	if err != nil {
		return ResilienceConfig{}, fmt.Errorf("invalid resilience timeout: %w", err)
	}
	cooldown, err := c.GetDuration("resilience.throttle_cooldown")
	if err != nil {
		return ResilienceConfig{}, fmt.Errorf("invalid resilience throttle cooldown: %w", err)
	}
	return ResilienceConfig{
		MaxAttempts:       c.GetInt("resilience.max_attempts"),
		BaseDelay:         baseDelay,
		MaxDelay:          maxDelay,
		Timeout:           timeout,
		RatePerSecond:     c.GetFloat64("resilience.rate_per_second"),
		Burst:             c.GetInt("resilience.burst"),
		ThrottleThreshold: c.GetInt("resilience.throttle_threshold"),
		ThrottleFactor:    c.GetFloat64("resilience.throttle_factor"),
		ThrottleCooldown:  cooldown,
	}, nil
}

// GetSubscriptions returns the subscription lifecycle configuration
func (c *Config) GetSubscriptions() (SubscriptionsConfig, error) {
	lifetime, err := c.GetDuration("subscriptions.lifetime")
	if err != nil {
		return SubscriptionsConfig{}, fmt.Errorf("invalid subscription lifetime: %w", err)
	}
	scanInterval, err := c.GetDuration("subscriptions.scan_interval")
	if err != nil {
		return SubscriptionsConfig{}, fmt.Errorf("invalid subscription scan interval: %w", err)
	}
	return SubscriptionsConfig{
		NotifyURL:       c.GetString("subscriptions.notify_url"),
		Lifetime:        lifetime,
		RenewalFraction: c.GetFloat64("subscriptions.renewal_fraction"),
		ScanInterval:    scanInterval,
	}, nil
}

// GetSync returns the scheduled sweep configuration
func (c *Config) GetSync() (SyncConfig, error) {
	interval, err := c.GetDuration("sync.interval")
	if err != nil {
		return SyncConfig{}, fmt.Errorf("invalid sync interval: %w", err)
	}
	fallback, err := c.GetDuration("sync.fallback_interval")
	if err != nil {
		return SyncConfig{}, fmt.Errorf("invalid sync fallback interval: %w", err)
	}
	escalation, err := c.GetDuration("sync.escalation_threshold")
	if err != nil {
		return SyncConfig{}, fmt.Errorf("invalid sync escalation threshold: %w", err)
	}
	return SyncConfig{
		Interval:            interval,
		FallbackInterval:    fallback,
		EscalationThreshold: escalation,
		ResourceParallelism: c.GetInt("sync.resource_parallelism"),
	}, nil
}

// GetOrchestrator returns the intake pipeline configuration
func (c *Config) GetOrchestrator() OrchestratorConfig {
	return OrchestratorConfig{
		Workers:            c.GetInt("orchestrator.workers"),
		QueueSize:          c.GetInt("orchestrator.queue_size"),
		QueueHighWatermark: c.GetInt("orchestrator.queue_high_watermark"),
		SpillPath:          c.GetString("orchestrator.spill_path"),
		SpillCapacity:      c.GetInt("orchestrator.spill_capacity"),
	}
}

// GetBedrock returns the Bedrock configuration
func (c *Config) GetBedrock() BedrockConfig {
	return BedrockConfig{
		Region:      c.GetString("bedrock.region"),
		ModelID:     c.GetString("bedrock.model_id"),
		MaxTokens:   c.GetInt("bedrock.max_tokens"),
		Temperature: float32(c.GetFloat64("bedrock.temperature")),
		TopP:        float32(c.GetFloat64("bedrock.top_p")),
		MaxBodySize: c.GetInt("bedrock.max_body_size"),
	}
}

// GetGemini returns the Gemini configuration
func (c *Config) GetGemini() GeminiConfig {
	return GeminiConfig{
		APIKey:      c.GetString("gemini.api_key"),
		ModelName:   c.GetString("gemini.model_name"),
		MaxTokens:   c.GetInt("gemini.max_tokens"),
		Temperature: float32(c.GetFloat64("gemini.temperature")),
		TopP:        float32(c.GetFloat64("gemini.top_p")),
		MaxBodySize: c.GetInt("gemini.max_body_size"),
	}
}

// GetOpenAI returns the OpenAI configuration
func (c *Config) GetOpenAI() OpenAIConfig {
	return OpenAIConfig{
		APIKey:      c.GetString("openai.api_key"),
		ModelName:   c.GetString("openai.model_name"),
		MaxTokens:   c.GetInt("openai.max_tokens"),
		Temperature: float32(c.GetFloat64("openai.temperature")),
		TopP:        float32(c.GetFloat64("openai.top_p")),
		MaxBodySize: c.GetInt("openai.max_body_size"),
	}
}

// GetPolicy returns the remediation policy configuration
func (c *Config) GetPolicy() PolicyConfig {
	actions := map[string]string{
		"benign":     c.GetString("policy.actions.benign"),
		"suspicious": c.GetString("policy.actions.suspicious"),
		"phishing":   c.GetString("policy.actions.phishing"),
	}
	return PolicyConfig{
		SuspiciousThreshold: c.GetFloat64("policy.suspicious_threshold"),
		PhishingThreshold:   c.GetFloat64("policy.phishing_threshold"),
		Actions:             actions,
		TrustedDomains:      c.GetStringSlice("policy.trusted_domains"),
	}
}

// GetResources returns the monitored resource declarations
func (c *Config) GetResources() ([]ResourceConfig, error) {
	var resources []ResourceConfig
	if err := c.v.UnmarshalKey("resources", &resources); err != nil {
		return nil, fmt.Errorf("invalid resources configuration: %w", err)
	}
	return resources, nil
}
