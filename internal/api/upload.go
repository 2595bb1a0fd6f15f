package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/fruitsalade/docportal/internal/auth"
	"github.com/fruitsalade/docportal/internal/logging"
	"github.com/fruitsalade/docportal/internal/metrics"
	"github.com/fruitsalade/docportal/internal/portal"
)

// allowedUploadTypes are the MIME types accepted on upload, matched against
// the sniffed content rather than the client's claim.
var allowedUploadTypes = []string{
	"image/jpeg",
	"image/png",
	"application/pdf",
	"text/plain",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
}

// multipartMemory is the in-memory part of ParseMultipartForm; the rest
// spills to temp files.
const multipartMemory = 32 << 20

type uploadError struct {
	code    int
	message string
}

func (e *uploadError) Error() string { return e.message }

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	c, ok := s.category(w, r, r.PathValue("category"))
	if !ok {
		return
	}
	if !c.Uploadable {
		s.sendError(w, http.StatusForbidden, "uploads are not allowed in this category")
		return
	}

	files, err := s.readUploads(w, r)
	if err != nil {
		metrics.RecordContentUpload(c.Tag, 0, false)
		var ue *uploadError
		if errors.As(err, &ue) {
			s.sendError(w, ue.code, ue.message)
			return
		}
		s.sendError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}

	claims := auth.GetClaims(r.Context())
	items, err := s.portal.UploadFiles(r.Context(), claims.VAT, c, files)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := make([]map[string]interface{}, 0, len(items))
	for _, it := range items {
		out = append(out, map[string]interface{}{"name": it.Name, "size": it.Size})
	}
	logging.WithContext(r.Context()).Info("files uploaded",
		zap.String("vat", claims.VAT),
		zap.String("category", c.Tag),
		zap.Int("count", len(items)))

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message": "success",
		"files":   out,
	})
}

// readUploads parses the multipart "files" field and enforces the count,
// size and type limits.
func (s *Server) readUploads(w http.ResponseWriter, r *http.Request) ([]portal.UploadFile, error) {
	// Whole-body cap: every file at its limit plus room for the form framing.
	limit := s.maxUploadSize*int64(s.maxUploadFiles) + 1<<20
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, &uploadError{http.StatusRequestEntityTooLarge, "request body too large"}
		}
		return nil, err
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		return nil, &uploadError{http.StatusBadRequest, "no files provided"}
	}
	if len(headers) > s.maxUploadFiles {
		return nil, &uploadError{http.StatusBadRequest, fmt.Sprintf("too many files: max %d", s.maxUploadFiles)}
	}

	files := make([]portal.UploadFile, 0, len(headers))
	for _, fh := range headers {
		f, err := s.readUpload(fh)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, nil
}

func (s *Server) readUpload(fh *multipart.FileHeader) (portal.UploadFile, error) {
	name := uploadName(fh.Filename)
	if name == "" {
		return portal.UploadFile{}, &uploadError{http.StatusBadRequest, "invalid file name"}
	}
	if fh.Size > s.maxUploadSize {
		return portal.UploadFile{}, &uploadError{http.StatusRequestEntityTooLarge,
			fmt.Sprintf("%s: file too large: max %d bytes", name, s.maxUploadSize)}
	}

	f, err := fh.Open()
	if err != nil {
		return portal.UploadFile{}, fmt.Errorf("open part %s: %w", name, err)
	}
	defer f.Close()

	content, err := io.ReadAll(io.LimitReader(f, s.maxUploadSize+1))
	if err != nil {
		return portal.UploadFile{}, fmt.Errorf("read part %s: %w", name, err)
	}
	if int64(len(content)) > s.maxUploadSize {
		return portal.UploadFile{}, &uploadError{http.StatusRequestEntityTooLarge,
			fmt.Sprintf("%s: file too large: max %d bytes", name, s.maxUploadSize)}
	}

	mt := mimetype.Detect(content)
	if !allowedType(mt) {
		return portal.UploadFile{}, &uploadError{http.StatusUnsupportedMediaType,
			fmt.Sprintf("%s: file type %s is not allowed", name, mt.String())}
	}
	return portal.UploadFile{Name: name, Content: content}, nil
}

// allowedType accepts a detected type or any of its ancestors, so CSV, JSON
// or HTML-looking text still counts as text/plain.
func allowedType(mt *mimetype.MIME) bool {
	for m := mt; m != nil; m = m.Parent() {
		for _, allowed := range allowedUploadTypes {
			if m.Is(allowed) {
				return true
			}
		}
	}
	return false
}

// uploadName keeps the last path element of a client-supplied file name.
func uploadName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.TrimSpace(path.Base(name))
	switch name {
	case ".", "..", "/":
		return ""
	}
	return name
}
