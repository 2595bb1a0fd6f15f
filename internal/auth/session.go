// Package auth provides cookie-based JWT sessions for portal users.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/fruitsalade/docportal/internal/credentials"
	"github.com/fruitsalade/docportal/internal/logging"
	"github.com/fruitsalade/docportal/internal/metrics"
	"github.com/fruitsalade/docportal/internal/ratelimit"
)

// CookieName is the session cookie.
const CookieName = "docportal_session"

type contextKey string

const claimsContextKey contextKey = "claims"

// Claims holds session token claims.
type Claims struct {
	Username string `json:"username"`
	VAT      string `json:"vat"`
	Email    string `json:"email,omitempty"`
	Payroll  bool   `json:"payroll,omitempty"`
	jwt.RegisteredClaims
}

// Config holds session settings.
type Config struct {
	Secret       string
	TTL          time.Duration
	CookieSecure bool
}

// Sessions issues and validates session tokens.
type Sessions struct {
	secret       []byte
	ttl          time.Duration
	cookieSecure bool
	dir          credentials.Directory
	limiter      *ratelimit.Limiter
	oidc         *OIDCVerifier
	now          func() time.Time
}

// New creates a session manager. limiter may be nil.
func New(cfg Config, dir credentials.Directory, limiter *ratelimit.Limiter) *Sessions {
	return &Sessions{
		secret:       []byte(cfg.Secret),
		ttl:          cfg.TTL,
		cookieSecure: cfg.CookieSecure,
		dir:          dir,
		limiter:      limiter,
		now:          time.Now,
	}
}

// SetOIDC enables ID tokens from an external identity provider.
func (s *Sessions) SetOIDC(v *OIDCVerifier) {
	s.oidc = v
}

// Issue signs a session token for u.
func (s *Sessions) Issue(u *credentials.User) (string, time.Time, error) {
	now := s.now()
	expires := now.Add(s.ttl)
	claims := &Claims{
		Username: u.Username,
		VAT:      u.VAT,
		Email:    u.Email,
		Payroll:  u.Payroll,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.Username,
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "docportal",
		},
	}
	tokenStr, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return tokenStr, expires, nil
}

// Validate parses and verifies a session token.
func (s *Sessions) Validate(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithIssuer("docportal"))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.VAT == "" {
		return nil, errors.New("token carries no vat")
	}
	return claims, nil
}

// Middleware rejects requests without a valid session cookie or bearer token.
func (s *Sessions) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr := extractToken(r)
		if tokenStr == "" {
			sendAuthError(w, http.StatusUnauthorized, "not logged in")
			return
		}

		claims, err := s.Validate(tokenStr)
		if err != nil && s.oidc != nil {
			claims, err = s.oidc.ValidateToken(r.Context(), tokenStr)
		}
		if err != nil {
			logging.WithContext(r.Context()).Debug("session rejected", zap.Error(err))
			sendAuthError(w, http.StatusUnauthorized, "invalid session")
			return
		}

		ctx := logging.WithUser(r.Context(), claims.VAT, claims.Username)
		next.ServeHTTP(w, r.WithContext(WithClaims(ctx, claims)))
	})
}

// Require wraps a single handler with Middleware.
func (s *Sessions) Require(h http.HandlerFunc) http.Handler {
	return s.Middleware(h)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (r loginRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Username, validation.Required, validation.Length(1, 128)),
		validation.Field(&r.Password, validation.Required, validation.Length(1, 256)),
	)
}

// HandleLogin handles POST /api/login.
func (s *Sessions) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil {
		ip := clientIP(r)
		if !s.limiter.Allow(ip) {
			metrics.RecordRateLimitHit()
			w.Header().Set("Retry-After", strconv.Itoa(s.limiter.RetryAfter(ip)))
			sendAuthError(w, http.StatusTooManyRequests, "too many login attempts")
			return
		}
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		metrics.RecordAuthAttempt(false)
		sendAuthError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		metrics.RecordAuthAttempt(false)
		sendAuthError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := credentials.Authenticate(r.Context(), s.dir, req.Username, req.Password)
	if errors.Is(err, credentials.ErrInvalidCredentials) {
		metrics.RecordAuthAttempt(false)
		logging.Warn("login failed", zap.String("username", req.Username))
		sendAuthError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	if err != nil {
		metrics.RecordAuthAttempt(false)
		logging.Error("login directory error", zap.Error(err))
		sendAuthError(w, http.StatusInternalServerError, "Error processing login request")
		return
	}

	tokenStr, expires, err := s.Issue(user)
	if err != nil {
		metrics.RecordAuthAttempt(false)
		logging.Error("failed to sign token", zap.Error(err))
		sendAuthError(w, http.StatusInternalServerError, "Error processing login request")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    tokenStr,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	metrics.RecordAuthAttempt(true)
	logging.Info("login successful", zap.String("username", user.Username), zap.String("vat", user.VAT))

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":    "Login successful",
		"vat":        user.VAT,
		"token":      tokenStr,
		"expires_at": expires.UTC().Format(time.RFC3339),
	})
}

// HandleLogout handles POST /api/logout.
func (s *Sessions) HandleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out"})
}

// HandleMe handles GET /api/me.
func (s *Sessions) HandleMe(w http.ResponseWriter, r *http.Request) {
	claims := GetClaims(r.Context())
	if claims == nil {
		sendAuthError(w, http.StatusUnauthorized, "not logged in")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"username": claims.Username,
		"vat":      claims.VAT,
		"email":    claims.Email,
		"payroll":  claims.Payroll,
	})
}

// GetClaims extracts claims from the request context.
func GetClaims(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsContextKey).(*Claims)
	return claims
}

// WithClaims injects claims into a context.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}

func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if c, err := r.Cookie(CookieName); err == nil {
		return c.Value
	}
	return ""
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func sendAuthError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]interface{}{
		"error": message,
		"code":  code,
	})
}
