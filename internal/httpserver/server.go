package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/blackmichael/tokrelay/internal/domain"
	"github.com/blackmichael/tokrelay/internal/logging"
	"github.com/blackmichael/tokrelay/internal/metrics"
)

// PendingSource lists downloaded posts that are not delivered yet.
type PendingSource interface {
	GetIncomplete(ctx context.Context, creator string) ([]domain.Record, error)
}

// Server is the optional status server.
type Server struct {
	pending    PendingSource
	logger     logging.Logger
	httpServer *http.Server
}

// NewServer creates a status server listening on addr. m may be nil, in
// which case /metrics answers 404.
func NewServer(addr string, pending PendingSource, m *metrics.Metrics, logger logging.Logger) *Server {
	s := &Server{
		pending: pending,
		logger:  logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /pending", s.handlePending)
	mux.Handle("GET /metrics", m.Handler())

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      withLogging(logger, mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server is
// shut down or an error occurs.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("starting status server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type pendingPost struct {
	PostID       string   `json:"post_id"`
	Creator      string   `json:"creator"`
	Kind         string   `json:"kind"`
	URL          string   `json:"url"`
	DownloadedAt string   `json:"downloaded_at,omitempty"`
	Files        []string `json:"files"`
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	creator := r.URL.Query().Get("creator")

	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 || parsed > 1000 {
			s.logger.WithField("limit", l).Warn("invalid limit parameter")
			writeError(w, http.StatusBadRequest, "InvalidRequest", "limit must be between 1 and 1000")
			return
		}
		limit = parsed
	}

	records, err := s.pending.GetIncomplete(r.Context(), creator)
	if err != nil {
		s.logger.WithError(err).WithField("creator", creator).Error("failed to list pending posts")
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to list pending posts")
		return
	}

	total := len(records)
	if total > limit {
		records = records[:limit]
	}

	posts := make([]pendingPost, len(records))
	for i, rec := range records {
		p := pendingPost{
			PostID:  rec.PostID,
			Creator: rec.Creator,
			Kind:    string(rec.Kind),
			URL:     rec.SourceURL,
			Files:   rec.Media.Files(),
		}
		if rec.DownloadedAt != nil {
			p.DownloadedAt = rec.DownloadedAt.UTC().Format(time.RFC3339)
		}
		posts[i] = p
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total": total,
		"posts": posts,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]string{
		"error":   errType,
		"message": message,
	})
}

func withLogging(logger logging.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		logger.WithFields(logging.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   wrapped.status,
			"duration": time.Since(start).String(),
		}).Debug("http request")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
