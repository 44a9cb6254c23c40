// Package api serves a read-only view of the hardening state over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/user/stigharden/pkg/logging"
	"github.com/user/stigharden/pkg/session"
	"github.com/user/stigharden/pkg/store"
)

// Version is reported by /health.
var Version = "dev"

// Server exposes the task store, compliance history and session checkpoints.
// No handler mutates state.
type Server struct {
	Tasks       *store.TaskStore
	History     *store.History
	Snapshots   *store.ScanSnapshots
	Checkpoints *session.Checkpoints

	log *zap.Logger
}

func NewServer(tasks *store.TaskStore, history *store.History, snapshots *store.ScanSnapshots, checkpoints *session.Checkpoints, log *zap.Logger) *Server {
	return &Server{
		Tasks:       tasks,
		History:     history,
		Snapshots:   snapshots,
		Checkpoints: checkpoints,
		log:         logging.OrNop(log),
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/history", s.handleHistory)
		r.Get("/history/improvement", s.handleImprovement)
		r.Get("/score/latest", s.handleLatestScore)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Get("/{ruleID}", s.handleGetTask)
		})

		r.Get("/scans/{id}", s.handleGetScan)
		r.Get("/sessions/{id}", s.handleGetSession)
	})

	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Status API listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("Shutting down status API")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("HTTP request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= 500 {
		s.log.Error("Request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "version": Version})
}

// handleHistory returns every entry, or the last ?limit=N.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.History.Entries()
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, r, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		if n < len(entries) {
			entries = entries[len(entries)-n:]
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func (s *Server) handleImprovement(w http.ResponseWriter, r *http.Request) {
	imp, ok, err := s.History.Improvement()
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		s.writeError(w, r, http.StatusNotFound, errors.New("at least two scans are needed"))
		return
	}
	writeJSON(w, http.StatusOK, imp)
}

func (s *Server) handleLatestScore(w http.ResponseWriter, r *http.Request) {
	latest, ok, err := s.History.Latest()
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		s.writeError(w, r, http.StatusNotFound, errors.New("no scans recorded"))
		return
	}
	writeJSON(w, http.StatusOK, latest)
}

// handleListTasks re-reads the store so tasks decided by a running session
// are visible. ?status= filters; ?superseded=true adds the audit records.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if err := s.Tasks.Load(); err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	status := store.Status(r.URL.Query().Get("status"))

	tasks := []store.Task{}
	for _, t := range s.Tasks.All() {
		if status == "" || t.Status == status {
			tasks = append(tasks, t)
		}
	}
	resp := map[string]any{"tasks": tasks, "count": len(tasks)}
	if r.URL.Query().Get("superseded") == "true" {
		resp["superseded"] = s.Tasks.Superseded()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	if err := s.Tasks.Load(); err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	ruleID := chi.URLParam(r, "ruleID")
	t, ok := s.Tasks.Current(ruleID)
	if !ok {
		s.writeError(w, r, http.StatusNotFound, store.ErrTaskNotFound)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleGetScan(w http.ResponseWriter, r *http.Request) {
	scan, ok, err := s.Snapshots.LoadSnapshot(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		s.writeError(w, r, http.StatusNotFound, errors.New("scan not found"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"scan":       scan,
		"score":      scan.ScorePercent(),
		"pass_count": scan.PassCount(),
		"fail_count": scan.FailCount(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.Checkpoints.Load(chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, store.ErrPersistence):
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	case err != nil:
		s.writeError(w, r, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": sess, "resume": sess.ResumePoint().String()})
}
