package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/docportal/internal/drive"
)

type fakeIdP struct {
	hits      atomic.Int32
	expiresIn int // 0 omits the field
	fail      atomic.Bool
}

func (f *fakeIdP) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := f.hits.Add(1)
	if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "client_credentials" {
		http.Error(w, "bad grant", http.StatusBadRequest)
		return
	}
	if f.fail.Load() {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":"invalid_client"}`)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if f.expiresIn > 0 {
		fmt.Fprintf(w, `{"access_token":"tok-%d","token_type":"Bearer","expires_in":%d}`, n, f.expiresIn)
		return
	}
	fmt.Fprintf(w, `{"access_token":"tok-%d","token_type":"Bearer"}`, n)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestProvider(t *testing.T, idp *fakeIdP) (*Provider, *fakeClock) {
	t.Helper()
	srv := httptest.NewServer(idp)
	t.Cleanup(srv.Close)

	p := NewProvider(Config{
		TokenURL:     srv.URL,
		ClientID:     "client",
		ClientSecret: "secret",
		Timeout:      5 * time.Second,
		HTTPClient:   srv.Client(),
	})
	clock := &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	p.now = clock.Now
	return p, clock
}

func TestTokenCachedWithinTTL(t *testing.T) {
	idp := &fakeIdP{expiresIn: 60}
	p, _ := newTestProvider(t, idp)

	for i := 0; i < 5; i++ {
		tok, err := p.Token(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "tok-1", tok)
	}
	assert.Equal(t, int32(1), idp.hits.Load())
}

func TestTokenRefreshedPastExpiry(t *testing.T) {
	idp := &fakeIdP{expiresIn: 60}
	p, clock := newTestProvider(t, idp)

	const n = 4
	for i := 0; i < n; i++ {
		_, err := p.Token(context.Background())
		require.NoError(t, err)
		clock.Advance(120 * time.Second)
	}
	assert.Equal(t, int32(n), idp.hits.Load())
}

func TestTokenDefaultTTL(t *testing.T) {
	idp := &fakeIdP{}
	p, clock := newTestProvider(t, idp)

	_, err := p.Token(context.Background())
	require.NoError(t, err)

	clock.Advance(3000 * time.Second)
	_, err = p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), idp.hits.Load(), "token should still be cached before the default TTL")

	clock.Advance(700 * time.Second)
	tok, err := p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok)
}

func TestTokenConcurrentCallersShareRefresh(t *testing.T) {
	idp := &fakeIdP{expiresIn: 3600}
	p, _ := newTestProvider(t, idp)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Token(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), idp.hits.Load())
}

func TestTokenFailureDoesNotPoisonCache(t *testing.T) {
	idp := &fakeIdP{expiresIn: 60}
	idp.fail.Store(true)
	p, _ := newTestProvider(t, idp)

	_, err := p.Token(context.Background())
	require.Error(t, err)
	var authErr *drive.AuthError
	assert.True(t, errors.As(err, &authErr))
	assert.Equal(t, http.StatusBadGateway, authErr.StatusCode())

	idp.fail.Store(false)
	tok, err := p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok)
}

func TestInvalidateForcesExchange(t *testing.T) {
	idp := &fakeIdP{expiresIn: 3600}
	p, _ := newTestProvider(t, idp)

	_, err := p.Token(context.Background())
	require.NoError(t, err)
	p.Invalidate()
	_, err = p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), idp.hits.Load())
}
