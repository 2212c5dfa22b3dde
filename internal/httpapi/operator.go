package httpapi

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/goldman123123/hebelki.de-sub005/internal/store"
)

// tenantScope returns the tenant an operator request is restricted to, from
// the X-Tenant-ID header. Empty means any tenant.
func tenantScope(r *http.Request) string {
	return r.Header.Get("X-Tenant-ID")
}

func pathConversationID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid conversation id"})
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	opts := store.ConversationListOpts{Limit: 50}
	q := r.URL.Query()
	if v := q.Get("include_closed"); v == "true" || v == "1" {
		opts.IncludeClosed = true
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			opts.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			opts.Offset = n
		}
	}

	list, err := s.engine.ListConversations(r.Context(), r.PathValue("tenant"), opts)
	if err != nil {
		writeError(w, "operator.list_conversations", err)
		return
	}
	if list == nil {
		list = []store.ConversationSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversations": list,
		"limit":         opts.Limit,
		"offset":        opts.Offset,
	})
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	convID, ok := pathConversationID(w, r)
	if !ok {
		return
	}
	var sinceID *uuid.UUID
	if v := r.URL.Query().Get("since_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid since_id"})
			return
		}
		sinceID = &id
	}

	msgs, err := s.engine.GetMessages(r.Context(), tenantScope(r), convID, sinceID)
	if err != nil {
		writeError(w, "operator.get_messages", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleReply(w http.ResponseWriter, r *http.Request) {
	convID, ok := pathConversationID(w, r)
	if !ok {
		return
	}
	var body struct {
		Text     string `json:"text"`
		Operator string `json:"operator"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	text, ok := s.checkText(w, body.Text)
	if !ok {
		return
	}

	msg, err := s.engine.PostOperatorReply(r.Context(), tenantScope(r), convID, body.Operator, text)
	if err != nil {
		writeError(w, "operator.reply", err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	convID, ok := pathConversationID(w, r)
	if !ok {
		return
	}
	conv, err := s.engine.CloseConversation(r.Context(), tenantScope(r), convID)
	if err != nil {
		writeError(w, "operator.close", err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Heartbeat(r.Context(), r.PathValue("tenant"), r.PathValue("operator")); err != nil {
		writeError(w, "operator.heartbeat", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
