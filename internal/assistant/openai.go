package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/goldman123123/hebelki.de-sub005/internal/retry"
	"github.com/goldman123123/hebelki.de-sub005/internal/store"
)

var tracer = otel.Tracer("hebelki-chat/assistant")

// HistoryFunc loads the most recent messages of a conversation in log order.
type HistoryFunc func(ctx context.Context, conversationID uuid.UUID, limit int) ([]store.Message, error)

// OpenAIConfig configures an OpenAIAssistant.
type OpenAIConfig struct {
	APIKey       string
	APIBase      string
	Model        string
	SystemPrompt string
	MaxTokens    int
	Timeout      time.Duration // per attempt
	Retry        retry.Config
	HistoryLimit int
}

// OpenAIAssistant calls an OpenAI-compatible chat completions API
// (OpenAI, Groq, OpenRouter, DeepSeek, vLLM, etc.).
type OpenAIAssistant struct {
	cfg      OpenAIConfig
	chatPath string
	client   *http.Client
	history  HistoryFunc
}

func NewOpenAIAssistant(cfg OpenAIConfig, history HistoryFunc) *OpenAIAssistant {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.openai.com/v1"
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &OpenAIAssistant{
		cfg:      cfg,
		chatPath: "/chat/completions",
		client:   &http.Client{Timeout: cfg.Timeout},
		history:  history,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func (a *OpenAIAssistant) Assist(ctx context.Context, tenantID string, conversationID uuid.UUID, text string) (string, error) {
	ctx, span := tracer.Start(ctx, "assistant.assist")
	span.SetAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("conversation.id", conversationID.String()),
	)
	defer span.End()

	msgs, err := a.buildMessages(ctx, tenantID, conversationID, text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	body, err := json.Marshal(chatRequest{Model: a.cfg.Model, Messages: msgs, MaxTokens: a.cfg.MaxTokens})
	if err != nil {
		return "", fmt.Errorf("assistant: marshal request: %w", err)
	}

	reply, err := retry.Do(ctx, a.cfg.Retry, func() (string, error) {
		respBody, err := a.doRequest(ctx, body)
		if err != nil {
			return "", err
		}
		defer respBody.Close()

		var resp chatResponse
		if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
			return "", fmt.Errorf("assistant: decode response: %w", err)
		}
		if len(resp.Choices) == 0 {
			return "", retry.Permanent(fmt.Errorf("assistant: empty choices"))
		}
		return resp.Choices[0].Message.Content, nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	return reply, nil
}

func (a *OpenAIAssistant) buildMessages(ctx context.Context, tenantID string, conversationID uuid.UUID, text string) ([]chatMessage, error) {
	var msgs []chatMessage
	if a.cfg.SystemPrompt != "" {
		prompt := strings.ReplaceAll(a.cfg.SystemPrompt, "{tenant}", tenantID)
		msgs = append(msgs, chatMessage{Role: "system", Content: prompt})
	}

	if a.history != nil && a.cfg.HistoryLimit > 0 {
		hist, err := a.history(ctx, conversationID, a.cfg.HistoryLimit)
		if err != nil {
			return nil, fmt.Errorf("assistant: load history: %w", err)
		}
		// The current customer message is normally already in the log.
		if n := len(hist); n > 0 && hist[n-1].Role == store.RoleCustomer && hist[n-1].Content == text {
			hist = hist[:n-1]
		}
		for _, m := range hist {
			switch m.Role {
			case store.RoleCustomer:
				msgs = append(msgs, chatMessage{Role: "user", Content: m.Content})
			case store.RoleAssistant, store.RoleOperator:
				msgs = append(msgs, chatMessage{Role: "assistant", Content: m.Content})
			}
		}
	}

	msgs = append(msgs, chatMessage{Role: "user", Content: text})
	return msgs, nil
}

func (a *OpenAIAssistant) doRequest(ctx context.Context, body []byte) (io.ReadCloser, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.APIBase+a.chatPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("assistant: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("assistant: request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &retry.HTTPError{
			Status:     resp.StatusCode,
			Body:       string(respBody),
			RetryAfter: retry.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp.Body, nil
}
