package api

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/fruitsalade/docportal/internal/auth"
	"github.com/fruitsalade/docportal/internal/credentials"
	"github.com/fruitsalade/docportal/internal/mail"
)

type contactRequest struct {
	Message string `json:"message"`
}

func (r contactRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Message, validation.Required, validation.Length(1, mail.MaxMessageLength)),
	)
}

// handleContact accepts a JSON body or the classic urlencoded form field.
func (s *Server) handleContact(w http.ResponseWriter, r *http.Request) {
	if s.notifier == nil {
		s.sendError(w, http.StatusServiceUnavailable, "contact form is not configured")
		return
	}

	var req contactRequest
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	if mediaType == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.sendError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	} else {
		req.Message = r.FormValue("message")
	}
	if err := req.Validate(); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	claims := auth.GetClaims(r.Context())
	email := claims.Email
	if email == "" && s.directory != nil {
		u, err := s.directory.LookupByVAT(r.Context(), claims.VAT)
		if errors.Is(err, credentials.ErrUserNotFound) {
			s.sendError(w, http.StatusUnauthorized, "no account for this VAT")
			return
		}
		if err != nil {
			s.sendError(w, http.StatusInternalServerError, "directory lookup failed")
			return
		}
		email = u.Email
	}

	err := s.notifier.Send(r.Context(), mail.Contact{VAT: claims.VAT, Email: email, Message: req.Message})
	if errors.Is(err, mail.ErrEmptyMessage) {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "failed to send message")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "message send completed"})
}
