// Package api provides the HTTP server and handlers.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/docportal/internal/auth"
	"github.com/fruitsalade/docportal/internal/credentials"
	"github.com/fruitsalade/docportal/internal/drive"
	"github.com/fruitsalade/docportal/internal/events"
	"github.com/fruitsalade/docportal/internal/folders"
	"github.com/fruitsalade/docportal/internal/logging"
	"github.com/fruitsalade/docportal/internal/mail"
	"github.com/fruitsalade/docportal/internal/metrics"
	"github.com/fruitsalade/docportal/internal/portal"
)

// Options bundles the server dependencies. Notifier and Broadcaster may be nil.
type Options struct {
	Portal         *portal.Service
	Categories     *folders.Table
	Sessions       *auth.Sessions
	Directory      credentials.Directory
	Notifier       *mail.Notifier
	Broadcaster    *events.Broadcaster
	MaxUploadSize  int64
	MaxUploadFiles int
}

// Server is the HTTP server.
type Server struct {
	portal      *portal.Service
	categories  *folders.Table
	sessions    *auth.Sessions
	directory   credentials.Directory
	notifier    *mail.Notifier
	broadcaster *events.Broadcaster

	maxUploadSize  int64
	maxUploadFiles int

	heartbeat time.Duration
}

// NewServer creates a new server.
func NewServer(opts Options) *Server {
	return &Server{
		portal:         opts.Portal,
		categories:     opts.Categories,
		sessions:       opts.Sessions,
		directory:      opts.Directory,
		notifier:       opts.Notifier,
		broadcaster:    opts.Broadcaster,
		maxUploadSize:  opts.MaxUploadSize,
		maxUploadFiles: opts.MaxUploadFiles,
		heartbeat:      30 * time.Second,
	}
}

// Handler returns the HTTP handler with logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/login", s.sessions.HandleLogin)
	mux.HandleFunc("POST /api/logout", s.sessions.HandleLogout)

	// Protected endpoints
	mux.Handle("GET /api/me", s.sessions.Require(s.sessions.HandleMe))
	mux.Handle("GET /api/categories", s.sessions.Require(s.handleCategories))
	mux.Handle("GET /api/categories/{category}/files", s.sessions.Require(s.handleList))
	mux.Handle("GET /api/categories/{category}/files/{name}", s.sessions.Require(s.handleDownload))
	mux.Handle("POST /api/categories/{category}/files", s.sessions.Require(s.handleUpload))
	mux.Handle("POST /api/contact", s.sessions.Require(s.handleContact))
	mux.Handle("GET /api/events", s.sessions.Require(s.handleEvents))

	// Per-category routes of the first portal release. Wildcards must span a
	// whole segment, so each slug gets its own pattern.
	for _, c := range s.categories.All() {
		if c.LegacySlug == "" {
			continue
		}
		slug := c.LegacySlug
		mux.Handle("GET /get-"+slug+"-folder-structure/{vat}", s.sessions.Require(s.legacyList(slug)))
		mux.Handle("GET /download-"+slug+"/{name}", s.sessions.Require(s.legacyDownload(slug)))
	}

	return logging.Middleware(metrics.Middleware(mux))
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// ─── Categories ─────────────────────────────────────────────────────────────

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())
	visible := s.categories.Visible(claims.Payroll)
	if visible == nil {
		visible = []folders.Category{}
	}
	writeJSON(w, http.StatusOK, visible)
}

// category resolves the {category} path value and checks the caller may use it.
func (s *Server) category(w http.ResponseWriter, r *http.Request, tag string) (folders.Category, bool) {
	c, ok := s.categories.Get(tag)
	if !ok {
		s.sendError(w, http.StatusNotFound, fmt.Sprintf("unknown category %q", tag))
		return folders.Category{}, false
	}
	claims := auth.GetClaims(r.Context())
	if c.PayrollOnly && !claims.Payroll {
		s.sendError(w, http.StatusForbidden, "category not available for this account")
		return folders.Category{}, false
	}
	return c, true
}

// ─── SSE Events ─────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.broadcaster == nil {
		s.sendError(w, http.StatusNotFound, "events not enabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.broadcaster.Subscribe(auth.GetClaims(r.Context()).VAT)
	defer s.broadcaster.Unsubscribe(ch)

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

// ─── Errors ─────────────────────────────────────────────────────────────────

// writeError translates service errors into responses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	message := "remote drive request failed"

	var httpErr drive.HTTPError
	var authErr *drive.AuthError
	var remoteErr *drive.RemoteAPIError
	switch {
	case errors.Is(err, folders.ErrEmptyVAT):
		code, message = http.StatusBadRequest, err.Error()
	case errors.As(err, &authErr):
		code, message = authErr.StatusCode(), "drive authentication failed"
	case errors.As(err, &remoteErr):
		code = remoteErr.StatusCode()
		if remoteErr.Timeout {
			message = "remote drive timed out"
		}
		if remoteErr.Name != "" {
			message += fmt.Sprintf(" (%s %q)", remoteErr.Op, remoteErr.Name)
		}
	case errors.As(err, &httpErr):
		code, message = httpErr.StatusCode(), err.Error()
	}

	log := logging.WithContext(r.Context())
	if code >= http.StatusInternalServerError {
		log.Error("request failed", zap.String("path", r.URL.Path), zap.Int("status", code), zap.Error(err))
	} else {
		log.Debug("request rejected", zap.String("path", r.URL.Path), zap.Int("status", code), zap.Error(err))
	}
	s.sendError(w, code, message)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, errorResponse{Error: message, Code: code})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
