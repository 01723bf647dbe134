// Package api is the producer side of the pipeline: it accepts user messages
// over HTTP and serves conversation, run and media state for polling clients.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/KafClaw/chatrun/internal/run"
	"github.com/KafClaw/chatrun/internal/store"
)

// UserHeader carries the caller's user id.
const UserHeader = "X-User-ID"

// Message listing bounds.
const (
	DefaultListLimit = 100
	MaxListLimit     = 500
)

// Server routes the HTTP API.
type Server struct {
	store *store.Store
	runs  *run.Manager
	mux   *http.ServeMux
}

// NewServer creates a Server and registers its routes.
func NewServer(st *store.Store, runs *run.Manager) *Server {
	s := &Server{store: st, runs: runs, mux: http.NewServeMux()}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /v1/conversations", s.withUser(s.handleCreateConversation))
	s.mux.HandleFunc("POST /v1/conversations/{id}/messages", s.withUser(s.handlePostMessage))
	s.mux.HandleFunc("GET /v1/conversations/{id}/messages", s.withUser(s.handleListMessages))
	s.mux.HandleFunc("GET /v1/runs/{id}", s.withUser(s.handleGetRun))
	s.mux.HandleFunc("GET /v1/media/{id}", s.withUser(s.handleGetMedia))
	s.mux.HandleFunc("GET /media/{id}", s.withUser(s.handleGetMedia))
	return s
}

// Handler returns the routed handler wrapped with request logging.
func (s *Server) Handler() http.Handler {
	return logRequests(s.mux)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		slog.Info("API server shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

type userKey struct{}

func (s *Server) withUser(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := r.Header.Get(UserHeader)
		if user == "" {
			writeError(w, http.StatusUnauthorized, "missing "+UserHeader+" header")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userKey{}, user)))
	}
}

func userFrom(r *http.Request) string {
	user, _ := r.Context().Value(userKey{}).(string)
	return user
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}
