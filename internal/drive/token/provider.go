// Package token caches the bearer credential used against the remote drive API.
package token

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"github.com/fruitsalade/docportal/internal/drive"
	"github.com/fruitsalade/docportal/internal/logging"
	"github.com/fruitsalade/docportal/internal/metrics"
)

// DefaultTTL applies when the identity provider omits expires_in.
const DefaultTTL = 3600 * time.Second

// expirySkew is subtracted from long-lived tokens so a credential does not
// lapse between being handed out and reaching the drive API.
const expirySkew = 30 * time.Second

// Config holds client-credential settings.
type Config struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	Timeout      time.Duration
	HTTPClient   *http.Client
}

// Source hands out bearer tokens.
type Source interface {
	Token(ctx context.Context) (string, error)
}

// Invalidator is implemented by sources that can drop a token the remote
// API has rejected before its expiry.
type Invalidator interface {
	Invalidate()
}

var _ Invalidator = (*Provider)(nil)

type credential struct {
	accessToken string
	expiresAt   time.Time
}

// Provider performs the client-credential exchange and caches the result
// until it expires. Concurrent callers share one in-flight refresh.
type Provider struct {
	cfg        clientcredentials.Config
	httpClient *http.Client
	timeout    time.Duration
	now        func() time.Time

	mu    sync.Mutex
	cred  credential
	group singleflight.Group
}

// NewProvider creates a token provider. Scopes default to the Graph
// application scope.
func NewProvider(cfg Config) *Provider {
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"https://graph.microsoft.com/.default"}
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Provider{
		cfg: clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       scopes,
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		httpClient: httpClient,
		timeout:    cfg.Timeout,
		now:        time.Now,
	}
}

// Token returns a valid access token, exchanging client credentials when the
// cached one is missing or expired. Failures are reported as *drive.AuthError.
func (p *Provider) Token(ctx context.Context) (string, error) {
	if tok, ok := p.cached(); ok {
		return tok, nil
	}

	v, err, _ := p.group.Do("token", func() (any, error) {
		if tok, ok := p.cached(); ok {
			return tok, nil
		}
		return p.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached credential, forcing the next call to exchange.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	p.cred = credential{}
	p.mu.Unlock()
}

func (p *Provider) cached() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cred.accessToken == "" || !p.now().Before(p.cred.expiresAt) {
		return "", false
	}
	return p.cred.accessToken, true
}

func (p *Provider) refresh(ctx context.Context) (string, error) {
	// The exchange is shared by every waiting caller, so one caller going
	// away must not fail the others.
	ctx = context.WithoutCancel(ctx)
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	tok, err := p.cfg.Token(ctx)
	if err != nil {
		metrics.RecordTokenExchange(false)
		logging.Warn("token exchange failed", zap.String("token_url", p.cfg.TokenURL), zap.Error(err))
		return "", &drive.AuthError{Err: err}
	}
	metrics.RecordTokenExchange(true)

	ttl := DefaultTTL
	if !tok.Expiry.IsZero() {
		ttl = time.Until(tok.Expiry)
	}
	if ttl > 2*expirySkew {
		ttl -= expirySkew
	}

	p.mu.Lock()
	p.cred = credential{accessToken: tok.AccessToken, expiresAt: p.now().Add(ttl)}
	p.mu.Unlock()

	logging.Debug("token refreshed", zap.Duration("ttl", ttl))
	return tok.AccessToken, nil
}
