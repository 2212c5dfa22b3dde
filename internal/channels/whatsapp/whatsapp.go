// Package whatsapp sends and receives gateway messages through a WhatsApp
// bridge (e.g. whatsapp-web.js based) over a WebSocket. The bridge handles
// the WhatsApp protocol; this side exchanges JSON frames.
package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/goldman123123/hebelki.de-sub005/internal/channels"
)

const jidSuffix = "@s.whatsapp.net"

// InboundFunc receives customer messages pushed by the bridge. from is an
// E.164 number.
type InboundFunc func(ctx context.Context, from, text, messageID string)

type frame struct {
	Type    string `json:"type"`
	To      string `json:"to,omitempty"`
	From    string `json:"from,omitempty"`
	Content string `json:"content"`
	ID      string `json:"id,omitempty"`
}

// Sender is a channels.Sender backed by the bridge connection.
type Sender struct {
	bridgeURL string
	onInbound InboundFunc

	mu     sync.Mutex
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func New(bridgeURL string, onInbound InboundFunc) (*Sender, error) {
	if bridgeURL == "" {
		return nil, fmt.Errorf("whatsapp bridge_url is required")
	}
	return &Sender{bridgeURL: bridgeURL, onInbound: onInbound}, nil
}

// Start connects to the bridge and begins listening for inbound frames.
func (s *Sender) Start(ctx context.Context) {
	slog.Info("starting whatsapp bridge sender", "bridge_url", s.bridgeURL)
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	if _, err := s.ensureConn(s.ctx); err != nil {
		// Don't fail hard, the listen loop keeps retrying.
		slog.Warn("initial whatsapp bridge connection failed, will retry", "error", err)
	}
	go s.listenLoop()
}

// Close stops the listen loop and closes the connection.
func (s *Sender) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()
	if s.done != nil {
		<-s.done
	}
	return nil
}

// Send writes one message frame. A failed write drops the connection so the
// next attempt redials.
func (s *Sender) Send(ctx context.Context, address, text, _ string) error {
	if _, err := s.ensureConn(ctx); err != nil {
		return fmt.Errorf("%w: %v", channels.ErrNotConnected, err)
	}
	data, err := json.Marshal(frame{Type: "message", To: toJID(address), Content: text})
	if err != nil {
		return fmt.Errorf("marshal whatsapp message: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return channels.ErrNotConnected
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(dl)
	} else {
		_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		_ = s.conn.Close()
		s.conn = nil
		return fmt.Errorf("send whatsapp message: %w", err)
	}
	return nil
}

func (s *Sender) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn, nil
	}
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second
	conn, _, err := dialer.DialContext(ctx, s.bridgeURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial whatsapp bridge %s: %w", s.bridgeURL, err)
	}
	s.conn = conn
	slog.Info("whatsapp bridge connected", "url", s.bridgeURL)
	return conn, nil
}

// listenLoop reads frames from the bridge with automatic reconnection.
func (s *Sender) listenLoop() {
	defer close(s.done)
	backoff := time.Second

	for {
		if s.ctx.Err() != nil {
			return
		}

		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()

		if conn == nil {
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(backoff):
			}
			if _, err := s.ensureConn(s.ctx); err != nil {
				slog.Warn("whatsapp bridge reconnect failed", "error", err)
				backoff = min(backoff*2, 30*time.Second)
				continue
			}
			backoff = time.Second
			continue
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil {
				slog.Warn("whatsapp read error, will reconnect", "error", err)
			}
			s.mu.Lock()
			if s.conn == conn {
				_ = s.conn.Close()
				s.conn = nil
			}
			s.mu.Unlock()
			continue
		}
		s.handleFrame(raw)
	}
}

func (s *Sender) handleFrame(raw []byte) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		slog.Debug("whatsapp: ignoring malformed frame", "error", err)
		return
	}
	if f.Type != "message" || s.onInbound == nil {
		return
	}
	if strings.HasSuffix(f.From, "@g.us") {
		return // group chats are not customer conversations
	}
	if strings.TrimSpace(f.Content) == "" {
		return
	}
	s.onInbound(s.ctx, fromJID(f.From), f.Content, f.ID)
}

// toJID converts an E.164 number to a WhatsApp user JID.
func toJID(address string) string {
	if strings.Contains(address, "@") {
		return address
	}
	return strings.TrimPrefix(address, "+") + jidSuffix
}

func fromJID(jid string) string {
	if i := strings.IndexByte(jid, '@'); i >= 0 {
		jid = jid[:i]
	}
	if i := strings.IndexByte(jid, ':'); i >= 0 {
		jid = jid[:i] // device suffix
	}
	if jid != "" && !strings.HasPrefix(jid, "+") {
		jid = "+" + jid
	}
	return jid
}
