// Package assistant wraps the automated booking assistant. The engine treats it
// as an opaque text-in, text-out function.
package assistant

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// HandoffMarker in a reply means the assistant wants a human to take over.
const HandoffMarker = "[HANDOFF]"

// Assistant produces a reply to a customer's text.
type Assistant interface {
	Assist(ctx context.Context, tenantID string, conversationID uuid.UUID, text string) (string, error)
}

// Func adapts a plain function to Assistant.
type Func func(ctx context.Context, tenantID string, conversationID uuid.UUID, text string) (string, error)

func (f Func) Assist(ctx context.Context, tenantID string, conversationID uuid.UUID, text string) (string, error) {
	return f(ctx, tenantID, conversationID, text)
}

// ParseReply strips the handoff marker and reports whether it was present.
func ParseReply(reply string) (text string, handoff bool) {
	if !strings.Contains(reply, HandoffMarker) {
		return strings.TrimSpace(reply), false
	}
	return strings.TrimSpace(strings.ReplaceAll(reply, HandoffMarker, "")), true
}
