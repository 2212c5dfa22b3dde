package config

import "time"

// ChannelsConfig contains per-channel configurations.
type ChannelsConfig struct {
	Gateway GatewayChannelConfig `json:"gateway"`
}

// GatewayChannelConfig configures the push (SMS/WhatsApp-style) channel.
type GatewayChannelConfig struct {
	Provider       string  `json:"provider,omitempty"`   // "whatsapp", "telegram" or "log"
	BridgeURL      string  `json:"bridge_url,omitempty"` // WhatsApp bridge WebSocket URL
	TelegramToken  string  `json:"-"`                    // from env HEBELKI_TELEGRAM_TOKEN only
	SharedSecret   string  `json:"-"`                    // fallback webhook secret, from env HEBELKI_WEBHOOK_SHARED_SECRET only
	SendTimeoutSec int     `json:"send_timeout_sec,omitempty"`
	SendRetries    int     `json:"send_retries,omitempty"`
	SendRatePerSec float64 `json:"send_rate_per_sec,omitempty"` // per tenant
	SendBurst      int     `json:"send_burst,omitempty"`

	// BridgeTenant receives messages arriving over the bridge or Telegram
	// long polling, which carry no tenant of their own.
	BridgeTenant string `json:"bridge_tenant,omitempty"`
}

// SendTimeout returns the bounded per-attempt send timeout.
func (g GatewayChannelConfig) SendTimeout() time.Duration {
	return time.Duration(g.SendTimeoutSec) * time.Second
}

// Snapshot helpers used by long-lived components that must observe hot reloads.

// GatewayChannel returns a consistent snapshot of the gateway channel section.
func (c *Config) GatewayChannel() GatewayChannelConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Channels.Gateway
}

// AssistantSettings returns a consistent snapshot of the assistant section.
func (c *Config) AssistantSettings() AssistantConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Assistant
}
