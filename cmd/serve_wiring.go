package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/goldman123123/hebelki.de-sub005/internal/assistant"
	"github.com/goldman123123/hebelki.de-sub005/internal/channels"
	"github.com/goldman123123/hebelki.de-sub005/internal/channels/telegram"
	"github.com/goldman123123/hebelki.de-sub005/internal/channels/whatsapp"
	"github.com/goldman123123/hebelki.de-sub005/internal/config"
	"github.com/goldman123123/hebelki.de-sub005/internal/engine"
	"github.com/goldman123123/hebelki.de-sub005/internal/events"
	"github.com/goldman123123/hebelki.de-sub005/internal/identity"
	"github.com/goldman123123/hebelki.de-sub005/internal/presence"
	"github.com/goldman123123/hebelki.de-sub005/internal/retry"
	"github.com/goldman123123/hebelki.de-sub005/internal/store"
	"github.com/goldman123123/hebelki.de-sub005/internal/store/memory"
	"github.com/goldman123123/hebelki.de-sub005/internal/store/pg"
)

// openStores returns Postgres stores in managed mode (after the schema gate)
// and seeded in-memory stores otherwise.
func openStores(ctx context.Context, cfg *config.Config) (*store.Stores, func(), error) {
	if cfg.IsManagedMode() {
		if err := checkSchemaOrAutoUpgrade(ctx, cfg.Database.PostgresDSN, hookEnv(cfg)); err != nil {
			return nil, nil, err
		}
		stores, db, err := pg.NewPGStores(store.StoreConfig{PostgresDSN: cfg.Database.PostgresDSN})
		if err != nil {
			return nil, nil, err
		}
		slog.Info("managed mode: postgres stores ready")
		return stores, func() { db.Close() }, nil
	}

	stores, _ := memory.New()
	tenants := stores.Tenants.(*memory.TenantStore)
	cc := cfg.RoutingDefaults().DefaultCountryCode
	for _, tc := range cfg.Tenants {
		t, err := tenantFromConfig(tc, cc, time.Now())
		if err != nil {
			return nil, nil, err
		}
		if err := tenants.Put(ctx, t); err != nil {
			return nil, nil, err
		}
	}
	if len(cfg.Tenants) == 0 {
		slog.Warn("standalone mode without tenants: every request will be rejected")
	}
	slog.Info("standalone mode: in-memory stores", "tenants", len(cfg.Tenants))
	return stores, func() {}, nil
}

// tenantFromConfig builds a tenant record from a standalone declaration. A
// declared ack version counts as acknowledged at startup.
func tenantFromConfig(tc config.TenantConfig, countryCode string, now time.Time) (*store.Tenant, error) {
	if tc.ID == "" {
		return nil, fmt.Errorf("tenant without id")
	}
	t := &store.Tenant{
		ID:                     tc.ID,
		Name:                   tc.Name,
		Locale:                 tc.Locale,
		DefaultMode:            store.DefaultMode(tc.DefaultMode),
		RoutingMode:            store.RoutingMode(tc.RoutingMode),
		ChatQueueTimeoutSec:    tc.ChatQueueTimeoutSec,
		OwnerHandoffTimeoutSec: tc.OwnerHandoffTimeoutSec,
		AutomationAckVersion:   tc.AutomationAckVersion,
		WebhookSecret:          tc.WebhookSecret,
	}
	if t.DefaultMode == "" {
		t.DefaultMode = store.ModeAutomationFirst
	}
	if t.RoutingMode == "" {
		t.RoutingMode = store.RoutingStandard
	}
	if t.Locale == "" {
		t.Locale = "de"
	}
	if t.AutomationAckVersion > 0 {
		at := now.UTC()
		t.AutomationAckAt = &at
	}
	if tc.OwnerAddress != "" {
		owner, err := identity.NormalizePhone(tc.OwnerAddress, countryCode)
		if err != nil {
			return nil, fmt.Errorf("tenant %s owner_address: %w", tc.ID, err)
		}
		t.OwnerAddress = owner
	}
	return t, nil
}

// openRedis connects the shared Redis client, or returns nil when no URL is set.
func openRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	if cfg.Redis.URL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Warn("redis not reachable at startup", "error", err)
	}
	return rdb, nil
}

// buildEvents assembles the notification backends behind a buffered queue.
func buildEvents(cfg *config.Config, rdb *redis.Client) (*events.Queue, func(), error) {
	ec := cfg.Events
	var backends events.Fanout
	var asynqClient *asynq.Client

	useRedis := ec.Backend == "redis" || ec.Backend == "both"
	useAsynq := ec.Backend == "asynq" || ec.Backend == "both"
	if (useRedis || useAsynq) && cfg.Redis.URL == "" {
		return nil, nil, fmt.Errorf("events backend %q requires HEBELKI_REDIS_URL", ec.Backend)
	}
	if useRedis {
		backends = append(backends, events.NewRedisPublisher(rdb, ec.Channel))
	}
	if useAsynq {
		opt, err := asynq.ParseRedisURI(cfg.Redis.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("asynq redis uri: %w", err)
		}
		asynqClient = asynq.NewClient(opt)
		backends = append(backends, events.NewAsynqEmitter(asynqClient, ec.Queue))
	}

	var backend events.Emitter = events.LogEmitter{}
	switch {
	case len(backends) == 1:
		backend = backends[0]
	case len(backends) > 1:
		backend = backends
	case ec.Backend != "" && ec.Backend != "log":
		return nil, nil, fmt.Errorf("unknown events backend %q", ec.Backend)
	}

	q := events.NewQueue(backend, ec.BufferSize)
	return q, func() {
		q.Close()
		if asynqClient != nil {
			asynqClient.Close()
		}
	}, nil
}

func buildPresence(cfg *config.Config, rdb *redis.Client) presence.Tracker {
	ttl := time.Duration(cfg.RoutingDefaults().PresenceTTLSec) * time.Second
	if rdb != nil {
		return presence.NewRedisTracker(rdb, ttl)
	}
	return presence.NewMemoryTracker(ttl, nil)
}

type gatewayChannel struct {
	manager  *channels.Manager
	provider string
	starters []func(context.Context) error
}

func managerConfig(gc config.GatewayChannelConfig) channels.ManagerConfig {
	return channels.ManagerConfig{
		Timeout:    gc.SendTimeout(),
		Retry:      retry.DefaultConfig().WithRetries(gc.SendRetries),
		RatePerSec: gc.SendRatePerSec,
		Burst:      gc.SendBurst,
	}
}

// buildChannels registers the configured gateway provider with a channel
// manager. Providers that receive messages themselves (bridge, long polling)
// hand them to onInbound.
func buildChannels(cfg *config.Config, onInbound func(ctx context.Context, from, text, messageID string)) (*gatewayChannel, error) {
	gc := cfg.GatewayChannel()
	gw := &gatewayChannel{manager: channels.NewManager(managerConfig(gc)), provider: gc.Provider}

	switch gc.Provider {
	case "whatsapp":
		wa, err := whatsapp.New(gc.BridgeURL, onInbound)
		if err != nil {
			return nil, err
		}
		gw.manager.Register("whatsapp", wa)
		gw.starters = append(gw.starters, func(ctx context.Context) error {
			wa.Start(ctx)
			return nil
		})
	case "telegram":
		if gc.TelegramToken == "" {
			return nil, fmt.Errorf("telegram provider requires HEBELKI_TELEGRAM_TOKEN")
		}
		tg, err := telegram.New(gc.TelegramToken, onInbound)
		if err != nil {
			return nil, err
		}
		gw.manager.Register("telegram", tg)
		gw.starters = append(gw.starters, tg.Start)
	case "", "log":
		gw.provider = "log"
		gw.manager.Register("log", channels.LogSender{})
	default:
		return nil, fmt.Errorf("unknown gateway provider %q", gc.Provider)
	}
	if err := gw.manager.SetActive(gw.provider); err != nil {
		return nil, err
	}
	return gw, nil
}

// dispatchBridgeInbound routes a message received by the bridge or Telegram
// to the configured bridge tenant.
func dispatchBridgeInbound(ctx context.Context, eng *engine.Engine, cfg *config.Config, from, text, messageID string) {
	tenantID := cfg.GatewayChannel().BridgeTenant
	if eng == nil || tenantID == "" {
		slog.Warn("gateway inbound dropped: no bridge tenant configured", "message_id", messageID)
		return
	}
	if limit := cfg.GatewaySettings().MaxMessageChars; limit > 0 {
		if r := []rune(text); len(r) > limit {
			text = string(r[:limit])
		}
	}
	res, err := eng.HandleInbound(ctx, engine.Inbound{
		TenantID:   tenantID,
		Channel:    store.ChannelGateway,
		Address:    from,
		Text:       text,
		ExternalID: messageID,
	})
	if err != nil {
		slog.Warn("gateway inbound rejected", "tenant_id", tenantID, "message_id", messageID, "error", err)
		return
	}
	slog.Debug("gateway inbound handled", "tenant_id", tenantID, "outcome", res.Outcome.String())
}

// buildAssistant returns the OpenAI-compatible assistant, or nil when no API
// key is configured (assistant-routed messages then degrade).
func buildAssistant(cfg *config.Config, stores *store.Stores) assistant.Assistant {
	ac := cfg.AssistantSettings()
	if ac.APIKey == "" {
		slog.Warn("no assistant API key (HEBELKI_ASSISTANT_API_KEY): automated replies disabled")
		return nil
	}
	if ac.Provider != "" && ac.Provider != "openai" {
		slog.Warn("unsupported assistant provider, using openai-compatible client", "provider", ac.Provider)
	}
	return assistant.NewOpenAIAssistant(assistant.OpenAIConfig{
		APIKey:       ac.APIKey,
		APIBase:      ac.APIBase,
		Model:        ac.Model,
		SystemPrompt: loadSystemPrompt(ac.SystemPrompt),
		MaxTokens:    ac.MaxTokens,
		Timeout:      time.Duration(ac.TimeoutSec) * time.Second,
		Retry:        retry.DefaultConfig().WithRetries(ac.MaxRetries),
		HistoryLimit: ac.HistoryLimit,
	}, recentMessages(stores.Messages))
}

// loadSystemPrompt accepts an inline prompt or "@path" to read it from a file.
func loadSystemPrompt(v string) string {
	if len(v) < 2 || v[0] != '@' {
		return v
	}
	data, err := os.ReadFile(v[1:])
	if err != nil {
		slog.Warn("assistant system prompt not readable, using none", "path", v[1:], "error", err)
		return ""
	}
	return string(data)
}

// recentMessages returns the newest limit messages of a conversation.
func recentMessages(ms store.MessageStore) assistant.HistoryFunc {
	return func(ctx context.Context, conversationID uuid.UUID, limit int) ([]store.Message, error) {
		all, err := ms.ListSince(ctx, conversationID, time.Time{}, nil)
		if err != nil {
			return nil, err
		}
		if limit > 0 && len(all) > limit {
			all = all[len(all)-limit:]
		}
		return all, nil
	}
}

// assistantBudget bounds one assistant call across all of its attempts.
func assistantBudget(ac config.AssistantConfig) time.Duration {
	per := time.Duration(max(ac.TimeoutSec, 1)) * time.Second
	return per*time.Duration(max(ac.MaxRetries, 0)+1) + 5*time.Second
}
