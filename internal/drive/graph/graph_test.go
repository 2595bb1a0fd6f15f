package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/docportal/internal/drive"
	"github.com/fruitsalade/docportal/internal/drive/token"
)

type staticTokens struct {
	err error
}

func (s staticTokens) Token(context.Context) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return "test-token", nil
}

func newTestClient(t *testing.T, h http.HandlerFunc, timeout time.Duration) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{
		BaseURL:    srv.URL,
		DriveID:    "d1",
		RootPath:   "shared",
		Timeout:    timeout,
		HTTPClient: srv.Client(),
	}, staticTokens{})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestListChildrenFollowsNextLink(t *testing.T) {
	var srvURL string
	h := func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		switch {
		case r.URL.Path == "/drives/d1/items/root-id/children" && r.URL.Query().Get("page") == "":
			writeJSON(w, http.StatusOK, map[string]any{
				"value": []map[string]any{
					{"id": "f1", "name": "ABC123456789", "folder": map[string]any{"childCount": 2}, "lastModifiedDateTime": "2024-02-01T10:00:00Z"},
				},
				"@odata.nextLink": srvURL + "/drives/d1/items/root-id/children?page=2",
			})
		case r.URL.Path == "/drives/d1/items/root-id/children":
			writeJSON(w, http.StatusOK, map[string]any{
				"value": []map[string]any{
					{"id": "x1", "name": "notes.txt", "size": 5, "file": map[string]any{"mimeType": "text/plain"}, "@microsoft.graph.downloadUrl": "https://dl/x1"},
					{"id": "x2", "name": "broken.txt", "lastModifiedDateTime": "yesterday"},
				},
			})
		default:
			http.NotFound(w, r)
		}
	}
	srv := httptest.NewServer(http.HandlerFunc(h))
	t.Cleanup(srv.Close)
	srvURL = srv.URL
	c := New(Config{BaseURL: srv.URL, DriveID: "d1", HTTPClient: srv.Client()}, staticTokens{})

	items, err := c.ListChildren(context.Background(), "root-id")
	require.NoError(t, err)
	require.Len(t, items, 3)

	assert.Equal(t, "ABC123456789", items[0].Name)
	assert.True(t, items[0].IsFolder)
	require.NotNil(t, items[0].LastModified)
	assert.Equal(t, time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC), items[0].LastModified.UTC())

	assert.False(t, items[1].IsFolder)
	assert.Equal(t, "https://dl/x1", items[1].DownloadURL)
	assert.Equal(t, "text/plain", items[1].MimeType)
	assert.Equal(t, int64(5), items[1].Size)
	assert.Nil(t, items[1].LastModified)

	assert.Nil(t, items[2].LastModified, "unparseable timestamp is treated as absent")
}

func TestRootLookedUpOnce(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/drives/d1/root:/shared" {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": "root-id", "name": "shared", "folder": map[string]any{}})
	}, time.Second)

	for i := 0; i < 3; i++ {
		root, err := c.Root(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "root-id", root.ID)
		assert.True(t, root.IsFolder)
	}
	assert.Equal(t, int32(1), hits.Load())
}

func TestRootIDSkipsLookup(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1", DriveID: "d1", RootPath: "shared", RootID: "fixed"}, staticTokens{})
	root, err := c.Root(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fixed", root.ID)
}

func TestCreateFolderFailsOnConflict(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/drives/d1/items/root-id/children", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "fail", body["@microsoft.graph.conflictBehavior"])
		assert.Contains(t, body, "folder")
		writeJSON(w, http.StatusCreated, map[string]any{"id": "new-id", "name": body["name"], "folder": map[string]any{}})
	}, time.Second)

	it, err := c.CreateFolder(context.Background(), "root-id", "123456789")
	require.NoError(t, err)
	assert.Equal(t, "new-id", it.ID)
	assert.Equal(t, "123456789", it.Name)
	assert.True(t, it.IsFolder)
}

func TestPutContentRenamesOnConflict(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/drives/d1/items/folder-id:/Αίτηση 1.pdf:/content", r.URL.Path)
		assert.Equal(t, "rename", r.URL.Query().Get("@microsoft.graph.conflictBehavior"))
		data, _ := io.ReadAll(r.Body)
		assert.Equal(t, "%PDF-1.4", string(data))
		writeJSON(w, http.StatusCreated, map[string]any{"id": "file-id", "name": "Αίτηση 1 1.pdf", "size": len(data), "file": map[string]any{"mimeType": "application/pdf"}})
	}, time.Second)

	it, err := c.PutContent(context.Background(), "folder-id", "Αίτηση 1.pdf", []byte("%PDF-1.4"))
	require.NoError(t, err)
	assert.Equal(t, "file-id", it.ID)
	assert.Equal(t, "application/pdf", it.MimeType)
}

func TestErrorMapping(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/drives/d1/items/missing":
			writeJSON(w, http.StatusNotFound, map[string]any{"error": map[string]any{"code": "itemNotFound", "message": "gone"}})
		default:
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": map[string]any{"code": "serviceNotAvailable", "message": "busy"}})
		}
	}, time.Second)

	_, err := c.GetItem(context.Background(), "missing")
	assert.True(t, errors.Is(err, drive.ErrNotFound))

	_, err = c.GetItem(context.Background(), "other")
	var apiErr *drive.RemoteAPIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status)
	assert.Equal(t, "get item", apiErr.Op)
	assert.Contains(t, err.Error(), "serviceNotAvailable")
}

func TestTimeoutMapsToRemoteAPIError(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, 50*time.Millisecond)

	_, err := c.ListChildren(context.Background(), "slow")
	var apiErr *drive.RemoteAPIError
	require.True(t, errors.As(err, &apiErr), "got %v", err)
	assert.True(t, apiErr.Timeout)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode())
}

func TestTokenFailurePassesThrough(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hits.Add(1) }))
	t.Cleanup(srv.Close)

	authErr := &drive.AuthError{Err: fmt.Errorf("invalid_client")}
	c := New(Config{BaseURL: srv.URL, DriveID: "d1", HTTPClient: srv.Client()}, staticTokens{err: authErr})

	_, err := c.ListChildren(context.Background(), "any")
	var got *drive.AuthError
	assert.True(t, errors.As(err, &got))
	assert.Equal(t, int32(0), hits.Load())
}

func TestRevokedTokenIsRefreshedOnce(t *testing.T) {
	var issued atomic.Int32
	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := issued.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"tok-%d","token_type":"Bearer","expires_in":3600}`, n)
	}))
	t.Cleanup(idp.Close)

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") != "Bearer tok-2" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": map[string]any{"code": "InvalidAuthenticationToken", "message": "revoked"}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"value": []map[string]any{{"id": "f1", "name": "a.pdf", "file": map[string]any{}}}})
	}))
	t.Cleanup(srv.Close)

	tokens := token.NewProvider(token.Config{TokenURL: idp.URL, ClientID: "id", ClientSecret: "secret", Timeout: time.Second})
	c := New(Config{BaseURL: srv.URL, DriveID: "d1", HTTPClient: srv.Client()}, tokens)

	items, err := c.ListChildren(context.Background(), "any")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, int32(2), issued.Load())
	assert.Equal(t, int32(2), hits.Load())

	// The refreshed token stays cached.
	_, err = c.ListChildren(context.Background(), "any")
	require.NoError(t, err)
	assert.Equal(t, int32(2), issued.Load())
}

func TestUnauthorizedAfterRefreshIsReported(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": map[string]any{"code": "InvalidAuthenticationToken", "message": "no"}})
	}, time.Second)
	c.tokens = &countingTokens{}

	_, err := c.ListChildren(context.Background(), "any")
	var apiErr *drive.RemoteAPIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, 1, c.tokens.(*countingTokens).invalidated)
}

func TestUnauthorizedWithoutInvalidatorIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}, time.Second)

	_, err := c.ListChildren(context.Background(), "any")
	require.Error(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

type countingTokens struct {
	staticTokens
	invalidated int
}

func (c *countingTokens) Invalidate() { c.invalidated++ }

func TestEscapePath(t *testing.T) {
	assert.Equal(t, "shared/%CE%A0%CE%B5%CE%BB%CE%AC%CF%84%CE%B5%CF%82", escapePath("shared/Πελάτες"))
	assert.True(t, strings.HasPrefix(escapePath("a b/c"), "a%20b/"))
}
