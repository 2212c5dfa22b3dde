package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/goldman123123/hebelki.de-sub005/internal/retry"
)

var tracer = otel.Tracer("hebelki-chat/channels")

// ManagerConfig bounds outbound sends.
type ManagerConfig struct {
	Timeout    time.Duration // per attempt
	Retry      retry.Config
	RatePerSec float64 // per tenant; <= 0 disables throttling
	Burst      int
}

// Manager owns the registered senders and routes sends to the active one.
// It implements Sender itself.
type Manager struct {
	mu       sync.RWMutex
	senders  map[string]Sender
	active   string
	cfg      ManagerConfig
	limiters map[string]*rate.Limiter // tenant -> limiter
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Manager{
		senders:  make(map[string]Sender),
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Register adds a sender. The first registered sender becomes active.
func (m *Manager) Register(name string, s Sender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.senders[name] = s
	if m.active == "" {
		m.active = name
	}
}

// SetActive switches the provider used by Send.
func (m *Manager) SetActive(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.senders[name]; !ok {
		return fmt.Errorf("unknown channel provider %q", name)
	}
	m.active = name
	return nil
}

// UpdateConfig applies new limits, e.g. after a config reload. Existing
// per-tenant limiters are reset.
func (m *Manager) UpdateConfig(cfg ManagerConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg.Timeout <= 0 {
		cfg.Timeout = m.cfg.Timeout
	}
	m.cfg = cfg
	m.limiters = make(map[string]*rate.Limiter)
}

func (m *Manager) limiter(tenantID string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.RatePerSec <= 0 {
		return nil
	}
	l, ok := m.limiters[tenantID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(m.cfg.RatePerSec), max(m.cfg.Burst, 1))
		m.limiters[tenantID] = l
	}
	return l
}

// Send waits for the tenant's send budget, then delivers through the active
// sender with a per-attempt timeout and the retry policy.
func (m *Manager) Send(ctx context.Context, address, text, tenantID string) error {
	m.mu.RLock()
	name := m.active
	s := m.senders[name]
	cfg := m.cfg
	m.mu.RUnlock()
	if s == nil {
		return fmt.Errorf("no channel provider registered")
	}

	ctx, span := tracer.Start(ctx, "channels.send")
	defer span.End()
	span.SetAttributes(attribute.String("provider", name), attribute.String("tenant_id", tenantID))

	if l := m.limiter(tenantID); l != nil {
		if err := l.Wait(ctx); err != nil {
			span.SetStatus(codes.Error, "throttled")
			return fmt.Errorf("send throttled: %w", err)
		}
	}

	_, err := retry.Do(ctx, cfg.Retry, func() (struct{}, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
		return struct{}{}, s.Send(attemptCtx, address, text, tenantID)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Warn("gateway send failed", "provider", name, "tenant_id", tenantID, "error", err)
		return err
	}
	return nil
}

// Close closes every sender that holds a connection.
func (m *Manager) Close() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, s := range m.senders {
		if c, ok := s.(Closer); ok {
			if err := c.Close(); err != nil {
				slog.Warn("close channel provider", "provider", name, "error", err)
			}
		}
	}
}
