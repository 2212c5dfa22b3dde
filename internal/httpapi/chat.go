package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/goldman123123/hebelki.de-sub005/internal/engine"
	"github.com/goldman123123/hebelki.de-sub005/internal/store"
)

type chatMessageResponse struct {
	ConversationID uuid.UUID                `json:"conversationId"`
	Status         store.ConversationStatus `json:"status"`
	Outcome        string                   `json:"outcome"`
	Messages       []store.Message          `json:"messages"`
}

// handleChatMessage accepts a customer message from the web widget and
// returns whatever the engine answered right away. Later operator and
// system messages arrive through polling.
func (s *Server) handleChatMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionToken string `json:"session_token"`
		Text         string `json:"text"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	text, ok := s.checkText(w, body.Text)
	if !ok {
		return
	}

	res, err := s.engine.HandleInbound(r.Context(), engine.Inbound{
		TenantID: r.PathValue("tenant"),
		Channel:  store.ChannelWeb,
		Address:  body.SessionToken,
		Text:     text,
	})
	if err != nil {
		writeError(w, "chat.message", err)
		return
	}

	out := chatMessageResponse{Outcome: res.Outcome.String(), Messages: res.Replies}
	if out.Messages == nil {
		out.Messages = []store.Message{}
	}
	if res.Conversation != nil {
		out.ConversationID = res.Conversation.ID
		out.Status = res.Conversation.Status
	}
	writeJSON(w, http.StatusOK, out)
}

// handlePoll returns assistant, operator and system messages at or after the
// since cursor. The session token comes from the X-Session-Token header or
// the session_token query parameter.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	convID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid conversation id"})
		return
	}
	token := strings.TrimSpace(r.Header.Get("X-Session-Token"))
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("session_token"))
	}
	if token == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "session token is required"})
		return
	}
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		if since, err = time.Parse(time.RFC3339Nano, v); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "since must be RFC 3339"})
			return
		}
	}

	res, err := s.engine.Poll(r.Context(), r.PathValue("tenant"), convID, token, since)
	if err != nil {
		writeError(w, "chat.poll", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
