package auth

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/fruitsalade/docportal/internal/folders"
	"github.com/fruitsalade/docportal/internal/logging"
	"github.com/fruitsalade/docportal/internal/metrics"
)

// OIDCConfig holds OIDC provider configuration.
type OIDCConfig struct {
	IssuerURL    string // e.g. https://login.example.com/realms/portal
	ClientID     string
	VATClaim     string // claim carrying the user's VAT (default: "vat")
	PayrollClaim string // boolean claim for payroll access (default: "payroll")
}

// tokenVerifier is satisfied by *oidc.IDTokenVerifier.
type tokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)
}

// OIDCVerifier accepts ID tokens from an external provider as sessions.
type OIDCVerifier struct {
	verifier tokenVerifier
	config   OIDCConfig
}

// NewOIDCVerifier discovers the provider. Returns nil if IssuerURL is
// empty (OIDC disabled).
func NewOIDCVerifier(ctx context.Context, cfg OIDCConfig) (*OIDCVerifier, error) {
	if cfg.IssuerURL == "" {
		return nil, nil
	}

	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc provider init: %w", err)
	}

	logging.Info("OIDC provider initialized",
		zap.String("issuer", cfg.IssuerURL),
		zap.String("client_id", cfg.ClientID))

	return newOIDCVerifier(provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}), cfg), nil
}

func newOIDCVerifier(v tokenVerifier, cfg OIDCConfig) *OIDCVerifier {
	if cfg.VATClaim == "" {
		cfg.VATClaim = "vat"
	}
	if cfg.PayrollClaim == "" {
		cfg.PayrollClaim = "payroll"
	}
	return &OIDCVerifier{verifier: v, config: cfg}
}

// ValidateToken verifies an ID token and maps it to session claims. Tokens
// without a VAT claim are rejected.
func (o *OIDCVerifier) ValidateToken(ctx context.Context, tokenStr string) (*Claims, error) {
	idToken, err := o.verifier.Verify(ctx, tokenStr)
	if err != nil {
		metrics.RecordAuthAttempt(false)
		return nil, err
	}

	var std struct {
		Sub               string `json:"sub"`
		PreferredUsername string `json:"preferred_username"`
		Email             string `json:"email"`
	}
	if err := idToken.Claims(&std); err != nil {
		return nil, fmt.Errorf("parse oidc claims: %w", err)
	}
	var raw map[string]interface{}
	if err := idToken.Claims(&raw); err != nil {
		return nil, fmt.Errorf("parse oidc claims: %w", err)
	}

	claims, err := o.mapClaims(std.Sub, std.PreferredUsername, std.Email, raw)
	if err != nil {
		metrics.RecordAuthAttempt(false)
		return nil, err
	}
	claims.Issuer = idToken.Issuer
	metrics.RecordAuthAttempt(true)
	return claims, nil
}

func (o *OIDCVerifier) mapClaims(sub, preferredUsername, email string, raw map[string]interface{}) (*Claims, error) {
	vat := ""
	if v, ok := raw[o.config.VATClaim]; ok {
		vat = folders.NormalizeVAT(fmt.Sprintf("%v", v))
	}
	if vat == "" {
		return nil, fmt.Errorf("id token has no %q claim", o.config.VATClaim)
	}

	username := preferredUsername
	if username == "" {
		username = email
	}
	if username == "" {
		username = sub
	}

	payroll := false
	if v, ok := raw[o.config.PayrollClaim]; ok {
		payroll = fmt.Sprintf("%v", v) == "true"
	}

	return &Claims{
		Username:         username,
		VAT:              vat,
		Email:            email,
		Payroll:          payroll,
		RegisteredClaims: jwt.RegisteredClaims{Subject: sub},
	}, nil
}
