package config

import (
	"sync"
	"time"
)

// Config is the root configuration for the chat routing service.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Routing   RoutingConfig   `json:"routing"`
	Assistant AssistantConfig `json:"assistant"`
	Channels  ChannelsConfig  `json:"channels"`
	Redis     RedisConfig     `json:"redis,omitempty"`
	Events    EventsConfig    `json:"events,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Tenants   []TenantConfig  `json:"tenants,omitempty"` // seeded into the memory store in standalone mode
	mu        sync.RWMutex
}

// GatewayConfig configures the HTTP listener.
type GatewayConfig struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	PublicURL       string `json:"public_url,omitempty"` // external base URL, used to verify webhook signatures
	Token           string `json:"-"`                    // operator API bearer token, from env HEBELKI_OPERATOR_TOKEN only
	MaxMessageChars int    `json:"max_message_chars,omitempty"`
	RateLimitRPM    int    `json:"rate_limit_rpm,omitempty"` // inbound webhooks per sender per minute

	AllowedOrigins []string `json:"allowed_origins,omitempty"` // web widget origins; empty allows all
}

// DatabaseConfig configures Postgres for managed mode.
// PostgresDSN is NEVER read from config.json (secret), only from env HEBELKI_POSTGRES_DSN.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
	Mode        string `json:"mode,omitempty"` // "standalone" (default) or "managed"
}

// IsManagedMode returns true if state lives in Postgres.
func (c *Config) IsManagedMode() bool {
	return c.Database.Mode == "managed" && c.Database.PostgresDSN != ""
}

// RoutingConfig holds engine-wide routing defaults. Tenants override the timeouts.
type RoutingConfig struct {
	ChatQueueTimeoutSec    int    `json:"chat_queue_timeout_sec,omitempty"`
	OwnerHandoffTimeoutSec int    `json:"owner_handoff_timeout_sec,omitempty"`
	SweepSchedule          string `json:"sweep_schedule,omitempty"` // cron expression, empty disables the sweeper
	DecisionRetries        int    `json:"decision_retries,omitempty"`
	AutomationTermsVersion int    `json:"automation_terms_version,omitempty"`
	DefaultCountryCode     string `json:"default_country_code,omitempty"` // without "+", e.g. "49"
	TakeoverToken          string `json:"takeover_token,omitempty"`
	PresenceTTLSec         int    `json:"presence_ttl_sec,omitempty"`
}

// AssistantConfig configures the OpenAI-compatible assistant backend.
type AssistantConfig struct {
	Provider     string `json:"provider,omitempty"` // "openai" (OpenAI-compatible chat completions)
	APIBase      string `json:"api_base,omitempty"`
	APIKey       string `json:"-"` // from env HEBELKI_ASSISTANT_API_KEY only
	Model        string `json:"model,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	MaxTokens    int    `json:"max_tokens,omitempty"`
	TimeoutSec   int    `json:"timeout_sec,omitempty"`
	MaxRetries   int    `json:"max_retries,omitempty"`
	HistoryLimit int    `json:"history_limit,omitempty"`
}

// RedisConfig configures the shared Redis used for presence and event fan-out.
type RedisConfig struct {
	URL string `json:"-"` // from env HEBELKI_REDIS_URL only
}

// EventsConfig selects where routing notifications are delivered.
type EventsConfig struct {
	Backend    string `json:"backend,omitempty"` // "log" (default), "redis", "asynq", "both"
	Channel    string `json:"channel,omitempty"` // redis pub/sub channel
	Queue      string `json:"queue,omitempty"`   // asynq queue name
	BufferSize int    `json:"buffer_size,omitempty"`
}

// TelemetryConfig configures OpenTelemetry export for traces.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"` // e.g. "localhost:4317"
	Protocol    string            `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// TenantConfig declares a tenant for standalone mode.
type TenantConfig struct {
	ID                     string `json:"id"`
	Name                   string `json:"name,omitempty"`
	Locale                 string `json:"locale,omitempty"`
	DefaultMode            string `json:"default_mode,omitempty"`
	RoutingMode            string `json:"routing_mode,omitempty"`
	ChatQueueTimeoutSec    int    `json:"chat_queue_timeout_sec,omitempty"`
	OwnerHandoffTimeoutSec int    `json:"owner_handoff_timeout_sec,omitempty"`
	AutomationAckVersion   int    `json:"automation_ack_version,omitempty"`
	OwnerAddress           string `json:"owner_address,omitempty"`
	WebhookSecret          string `json:"webhook_secret,omitempty"`
}

// RoutingDefaults returns a consistent snapshot of the routing section.
func (c *Config) RoutingDefaults() RoutingConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Routing
}

// GatewaySettings returns a consistent snapshot of the listener section.
func (c *Config) GatewaySettings() GatewayConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Gateway
}

// ChatQueueTimeout is the default window before a queued chat times out.
func (r RoutingConfig) ChatQueueTimeout() time.Duration {
	return time.Duration(r.ChatQueueTimeoutSec) * time.Second
}

// OwnerHandoffTimeout is the default window before the assistant takes over an owner handoff.
func (r RoutingConfig) OwnerHandoffTimeout() time.Duration {
	return time.Duration(r.OwnerHandoffTimeoutSec) * time.Second
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Gateway = src.Gateway
	c.Database = src.Database
	c.Routing = src.Routing
	c.Assistant = src.Assistant
	c.Channels = src.Channels
	c.Redis = src.Redis
	c.Events = src.Events
	c.Telemetry = src.Telemetry
	c.Tenants = src.Tenants
}
