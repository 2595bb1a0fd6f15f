package api

import (
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/fruitsalade/docportal/internal/auth"
	"github.com/fruitsalade/docportal/internal/folders"
	"github.com/fruitsalade/docportal/internal/logging"
	"github.com/fruitsalade/docportal/internal/metrics"
)

// ─── Listing ────────────────────────────────────────────────────────────────

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	c, ok := s.category(w, r, r.PathValue("category"))
	if !ok {
		return
	}
	s.list(w, r, c)
}

func (s *Server) list(w http.ResponseWriter, r *http.Request, c folders.Category) {
	claims := auth.GetClaims(r.Context())
	records, err := s.portal.List(r.Context(), claims.VAT, c)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// ─── Download ───────────────────────────────────────────────────────────────

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	c, ok := s.category(w, r, r.PathValue("category"))
	if !ok {
		return
	}
	s.download(w, r, c, r.PathValue("name"))
}

func (s *Server) download(w http.ResponseWriter, r *http.Request, c folders.Category, name string) {
	if name == "" {
		s.sendError(w, http.StatusBadRequest, "file name required")
		return
	}

	claims := auth.GetClaims(r.Context())
	stream, err := s.portal.StreamFile(r.Context(), claims.VAT, c, name)
	if err != nil {
		metrics.RecordContentDownload(c.Tag, 0, false)
		s.writeError(w, r, err)
		return
	}
	defer stream.Body.Close()

	w.Header().Set("Content-Type", stream.ContentType)
	w.Header().Set("Content-Disposition", stream.Disposition)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if stream.Size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(stream.Size, 10))
	}
	w.WriteHeader(http.StatusOK)

	n, err := io.Copy(w, stream.Body)
	if err != nil {
		logging.WithContext(r.Context()).Warn("content transfer error",
			zap.String("category", c.Tag),
			zap.String("name", name),
			zap.Int64("bytes", n),
			zap.Error(err))
	}
	metrics.RecordContentDownload(c.Tag, n, err == nil)
}

// ─── Legacy routes ──────────────────────────────────────────────────────────

func (s *Server) legacyCategory(w http.ResponseWriter, r *http.Request, slug string) (folders.Category, bool) {
	c, ok := s.categories.ByLegacySlug(slug)
	if !ok {
		s.sendError(w, http.StatusNotFound, "unknown category")
		return folders.Category{}, false
	}
	return s.category(w, r, c.Tag)
}

// legacyList serves /get-<slug>-folder-structure/{vat}. The path VAT must be
// the caller's own.
func (s *Server) legacyList(slug string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if folders.NormalizeVAT(r.PathValue("vat")) != auth.GetClaims(r.Context()).VAT {
			s.sendError(w, http.StatusForbidden, "access denied")
			return
		}
		c, ok := s.legacyCategory(w, r, slug)
		if !ok {
			return
		}
		s.list(w, r, c)
	}
}

// legacyDownload serves /download-<slug>/{name}.
func (s *Server) legacyDownload(slug string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := s.legacyCategory(w, r, slug)
		if !ok {
			return
		}
		s.download(w, r, c, r.PathValue("name"))
	}
}
