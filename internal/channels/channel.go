// Package channels delivers outbound text on the gateway channel. Concrete
// senders (WhatsApp bridge, Telegram bot, log) sit behind the Sender
// interface; the Manager adds per-tenant throttling, a bounded timeout and
// the shared retry policy.
package channels

import (
	"context"
	"errors"
	"log/slog"
)

// ErrNotConnected is returned by senders whose upstream connection is down.
var ErrNotConnected = errors.New("channel not connected")

// Sender delivers one text message to a normalized channel address.
type Sender interface {
	Send(ctx context.Context, address, text, tenantID string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, address, text, tenantID string) error

func (f SenderFunc) Send(ctx context.Context, address, text, tenantID string) error {
	return f(ctx, address, text, tenantID)
}

// Closer is implemented by senders holding a connection.
type Closer interface {
	Close() error
}

// LogSender only logs outbound messages. Used when no provider is configured.
type LogSender struct{}

func (LogSender) Send(_ context.Context, address, text, tenantID string) error {
	slog.Info("gateway send (log provider)", "tenant_id", tenantID, "to", address, "chars", len(text))
	return nil
}
