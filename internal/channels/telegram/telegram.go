// Package telegram uses a Telegram bot as the gateway channel. Customers are
// addressed by their private chat ID, written in the gateway address form
// "+<chat id>".
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/goldman123123/hebelki.de-sub005/internal/retry"
)

// maxMessageLen is Telegram's limit for one text message.
const maxMessageLen = 4096

// InboundFunc receives private text messages. from is "+<chat id>".
type InboundFunc func(ctx context.Context, from, text, messageID string)

// Sender is a channels.Sender backed by a Telegram bot.
type Sender struct {
	bot        *telego.Bot
	onInbound  InboundFunc
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates the bot client. opts are passed to telego.NewBot.
func New(token string, onInbound InboundFunc, opts ...telego.BotOption) (*Sender, error) {
	bot, err := telego.NewBot(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Sender{bot: bot, onInbound: onInbound}, nil
}

// Start begins long polling for inbound messages. Without an inbound handler
// the bot is send-only and Start is a no-op.
func (s *Sender) Start(ctx context.Context) error {
	if s.onInbound == nil {
		return nil
	}
	pollCtx, cancel := context.WithCancel(ctx)
	updates, err := s.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}
	s.pollCancel = cancel
	s.pollDone = make(chan struct{})
	slog.Info("telegram gateway polling started")

	go func() {
		defer close(s.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				s.handleUpdate(pollCtx, update)
			}
		}
	}()
	return nil
}

func (s *Sender) handleUpdate(ctx context.Context, update telego.Update) {
	m := update.Message
	if m == nil || m.Chat.Type != telego.ChatTypePrivate || strings.TrimSpace(m.Text) == "" {
		slog.Debug("telegram update skipped", "update_id", update.UpdateID)
		return
	}
	from := "+" + strconv.FormatInt(m.Chat.ID, 10)
	id := fmt.Sprintf("tg:%d:%d", m.Chat.ID, m.MessageID)
	s.onInbound(ctx, from, m.Text, id)
}

// Close stops long polling and waits for the polling goroutine to exit.
func (s *Sender) Close() error {
	if s.pollCancel == nil {
		return nil
	}
	s.pollCancel()
	select {
	case <-s.pollDone:
	case <-time.After(10 * time.Second):
		slog.Warn("telegram polling goroutine did not exit within timeout")
	}
	return nil
}

// Send delivers text to the chat, split at Telegram's message limit.
func (s *Sender) Send(ctx context.Context, address, text, _ string) error {
	chatID, err := parseChatID(address)
	if err != nil {
		return retry.Permanent(err)
	}
	for _, chunk := range split(text, maxMessageLen) {
		if _, err := s.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk)); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

func parseChatID(address string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(address, "+"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram address %q is not a chat id", address)
	}
	return id, nil
}

// split cuts text into pieces of at most n runes, preferring line breaks.
func split(text string, n int) []string {
	var out []string
	for utf8.RuneCountInString(text) > n {
		cut := len(string([]rune(text)[:n]))
		if i := strings.LastIndexByte(text[:cut], '\n'); i > cut/2 {
			cut = i + 1
		}
		out = append(out, text[:cut])
		text = text[cut:]
	}
	if text != "" || len(out) == 0 {
		out = append(out, text)
	}
	return out
}
