package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:            "0.0.0.0",
			Port:            18890,
			MaxMessageChars: 4000,
			RateLimitRPM:    30,
		},
		Database: DatabaseConfig{
			Mode: "standalone",
		},
		Routing: RoutingConfig{
			ChatQueueTimeoutSec:    300,
			OwnerHandoffTimeoutSec: 300,
			SweepSchedule:          "* * * * *",
			DecisionRetries:        3,
			AutomationTermsVersion: 1,
			DefaultCountryCode:     "49",
			TakeoverToken:          "AI",
			PresenceTTLSec:         90,
		},
		Assistant: AssistantConfig{
			Provider:     "openai",
			APIBase:      "https://api.openai.com/v1",
			Model:        "gpt-4o-mini",
			MaxTokens:    1024,
			TimeoutSec:   30,
			MaxRetries:   2,
			HistoryLimit: 20,
		},
		Channels: ChannelsConfig{
			Gateway: GatewayChannelConfig{
				Provider:       "log",
				SendTimeoutSec: 10,
				SendRetries:    2,
				SendRatePerSec: 5,
				SendBurst:      10,
			},
		},
		Events: EventsConfig{
			Backend:    "log",
			Channel:    "hebelki:chat:events",
			Queue:      "notifications",
			BufferSize: 256,
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "hebelki-chat",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields defaults plus env.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.applyRoutingDefaults()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	// Secrets
	envStr("HEBELKI_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("HEBELKI_OPERATOR_TOKEN", &c.Gateway.Token)
	envStr("HEBELKI_ASSISTANT_API_KEY", &c.Assistant.APIKey)
	envStr("HEBELKI_TELEGRAM_TOKEN", &c.Channels.Gateway.TelegramToken)
	envStr("HEBELKI_WEBHOOK_SHARED_SECRET", &c.Channels.Gateway.SharedSecret)
	envStr("HEBELKI_REDIS_URL", &c.Redis.URL)

	envStr("HEBELKI_MODE", &c.Database.Mode)
	envStr("HEBELKI_HOST", &c.Gateway.Host)
	envInt("HEBELKI_PORT", &c.Gateway.Port)
	envStr("HEBELKI_PUBLIC_URL", &c.Gateway.PublicURL)

	envStr("HEBELKI_ASSISTANT_PROVIDER", &c.Assistant.Provider)
	envStr("HEBELKI_ASSISTANT_API_BASE", &c.Assistant.APIBase)
	envStr("HEBELKI_ASSISTANT_MODEL", &c.Assistant.Model)

	envStr("HEBELKI_GATEWAY_PROVIDER", &c.Channels.Gateway.Provider)
	envStr("HEBELKI_WHATSAPP_BRIDGE_URL", &c.Channels.Gateway.BridgeURL)
	envStr("HEBELKI_BRIDGE_TENANT", &c.Channels.Gateway.BridgeTenant)
	if c.Channels.Gateway.TelegramToken != "" && os.Getenv("HEBELKI_GATEWAY_PROVIDER") == "" && c.Channels.Gateway.Provider == "log" {
		c.Channels.Gateway.Provider = "telegram"
	}

	envInt("HEBELKI_CHAT_QUEUE_TIMEOUT_SEC", &c.Routing.ChatQueueTimeoutSec)
	envInt("HEBELKI_OWNER_HANDOFF_TIMEOUT_SEC", &c.Routing.OwnerHandoffTimeoutSec)
	envStr("HEBELKI_SWEEP_SCHEDULE", &c.Routing.SweepSchedule)
	envStr("HEBELKI_DEFAULT_COUNTRY_CODE", &c.Routing.DefaultCountryCode)

	envStr("HEBELKI_EVENTS_BACKEND", &c.Events.Backend)

	// Telemetry
	envBool("HEBELKI_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envBool("HEBELKI_TELEMETRY_INSECURE", &c.Telemetry.Insecure)
	envStr("HEBELKI_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("HEBELKI_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("HEBELKI_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
}

// applyRoutingDefaults fills zero routing values that a partial config file
// may have left unset. Timeouts must never be zero.
func (c *Config) applyRoutingDefaults() {
	d := Default().Routing
	if c.Routing.ChatQueueTimeoutSec <= 0 {
		c.Routing.ChatQueueTimeoutSec = d.ChatQueueTimeoutSec
	}
	if c.Routing.OwnerHandoffTimeoutSec <= 0 {
		c.Routing.OwnerHandoffTimeoutSec = d.OwnerHandoffTimeoutSec
	}
	if c.Routing.DecisionRetries <= 0 {
		c.Routing.DecisionRetries = d.DecisionRetries
	}
	if c.Routing.DefaultCountryCode == "" {
		c.Routing.DefaultCountryCode = d.DefaultCountryCode
	}
	if c.Routing.TakeoverToken == "" {
		c.Routing.TakeoverToken = d.TakeoverToken
	}
	if c.Routing.PresenceTTLSec <= 0 {
		c.Routing.PresenceTTLSec = d.PresenceTTLSec
	}
}

// Save writes the config to a JSON file. Secrets are never written (json:"-").
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Hash returns a short SHA-256 hash of the config, used to skip no-op reloads.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
