// Package httpapi exposes the routing engine over HTTP: the web widget's
// send and poll endpoints, the gateway provider webhook and the operator API.
package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/goldman123123/hebelki.de-sub005/internal/channels"
	"github.com/goldman123123/hebelki.de-sub005/internal/config"
	"github.com/goldman123123/hebelki.de-sub005/internal/engine"
	"github.com/goldman123123/hebelki.de-sub005/internal/store"
)

// Server is the HTTP listener for all adapters.
type Server struct {
	cfg     *config.Config
	engine  *engine.Engine
	tenants store.TenantStore
	limiter *channels.WebhookRateLimiter

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates the HTTP server. The webhook rate limit is read once from
// cfg.Gateway.RateLimitRPM; zero or negative disables it.
func NewServer(cfg *config.Config, eng *engine.Engine, tenants store.TenantStore) *Server {
	return &Server{
		cfg:     cfg,
		engine:  eng,
		tenants: tenants,
		limiter: channels.NewWebhookRateLimiter(cfg.GatewaySettings().RateLimitRPM, time.Minute),
	}
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)

	// Web widget (pull adapter)
	mux.HandleFunc("POST /v1/chat/{tenant}/messages", s.cors(s.handleChatMessage))
	mux.HandleFunc("GET /v1/chat/{tenant}/conversations/{id}/poll", s.cors(s.handlePoll))
	mux.HandleFunc("OPTIONS /v1/chat/", s.cors(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	// Gateway provider (push adapter)
	mux.HandleFunc("POST /v1/webhooks/{tenant}/gateway", s.handleGatewayWebhook)

	// Operator API
	mux.HandleFunc("GET /v1/tenants/{tenant}/conversations", s.auth(s.handleListConversations))
	mux.HandleFunc("GET /v1/conversations/{id}/messages", s.auth(s.handleGetMessages))
	mux.HandleFunc("POST /v1/conversations/{id}/reply", s.auth(s.handleReply))
	mux.HandleFunc("POST /v1/conversations/{id}/close", s.auth(s.handleClose))
	mux.HandleFunc("POST /v1/tenants/{tenant}/operators/{operator}/heartbeat", s.auth(s.handleHeartbeat))

	s.mux = mux
	return mux
}

// Start listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	gw := s.cfg.GatewaySettings()
	addr := fmt.Sprintf("%s:%d", gw.Host, gw.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.BuildMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("http server starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// cors answers browser requests from the web widget. If no origins are
// configured, all origins are allowed.
func (s *Server) cors(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if !s.originAllowed(origin) {
				slog.Warn("security.cors_rejected", "origin", origin)
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "origin not allowed"})
				return
			}
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, X-Session-Token")
			h.Add("Vary", "Origin")
		}
		next(w, r)
	}
}

func (s *Server) originAllowed(origin string) bool {
	allowed := s.cfg.GatewaySettings().AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	return false
}
