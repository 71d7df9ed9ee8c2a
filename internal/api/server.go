// Package api exposes the sync service over HTTP: OAuth callback plumbing
// plus operator triggers for sync and retry runs.
package api

import (
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"notion-bank-sync/internal/api/middleware"
	"notion-bank-sync/internal/syncer"
	"notion-bank-sync/internal/truelayer"
)

// Server holds the HTTP surface. The authorization code captured by
// /callback is held in memory until /auth/exchange consumes it.
type Server struct {
	syncer *syncer.Service
	feed   *truelayer.Client
	log    zerolog.Logger

	mu       sync.Mutex
	authCode string
}

// NewServer creates the HTTP server around a sync service and feed client.
func NewServer(sv *syncer.Service, feed *truelayer.Client, log zerolog.Logger) *Server {
	return &Server{syncer: sv, feed: feed, log: log}
}

// Router builds the chi router with all routes and middleware.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recovery(s.log))
	r.Use(middleware.Logger(s.log))

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Get("/callback", s.handleCallback)
	r.Get("/auth", s.handleAuthURL)
	r.Post("/auth/exchange", s.handleAuthExchange)
	r.Post("/sync", s.handleSync)
	r.Post("/retry-failed", s.handleRetryFailed)

	return r
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]string{
		"status": "Bank to Notion sync server is running",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "bank-notion-sync",
	})
}

// handleCallback captures the OAuth authorization code from the aggregator's
// redirect.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		middleware.WriteError(w, http.StatusBadRequest, "No authorization code received")
		return
	}

	s.mu.Lock()
	s.authCode = code
	s.mu.Unlock()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Authorization successful! You can close this tab."))
}

func (s *Server) handleAuthURL(w http.ResponseWriter, r *http.Request) {
	state := uuid.NewString()
	middleware.WriteJSON(w, http.StatusOK, map[string]string{
		"auth_url": s.feed.AuthURL(state),
		"message":  "Visit this URL to authorize",
	})
}

func (s *Server) handleAuthExchange(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	code := s.authCode
	s.authCode = ""
	s.mu.Unlock()

	if code == "" {
		middleware.WriteError(w, http.StatusBadRequest, "No authorization code. Complete OAuth flow first.")
		return
	}

	if err := s.feed.ExchangeCode(r.Context(), code); err != nil {
		s.log.Error().Err(err).Msg("Token exchange failed")
		middleware.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "Token exchanged successfully",
	})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	result, err := s.syncer.Sync(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("Sync run failed")
		middleware.WriteJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"status":  "error",
			"message": err.Error(),
		})
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"result": result,
	})
}

func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	result, err := s.syncer.RetryFailed(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("Retry pass failed")
		middleware.WriteJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"status":  "error",
			"message": err.Error(),
		})
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"result": result,
	})
}
