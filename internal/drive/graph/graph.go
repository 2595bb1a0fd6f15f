// Package graph implements drive.Drive over the Microsoft Graph drive API.
package graph

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/fruitsalade/docportal/internal/drive"
	"github.com/fruitsalade/docportal/internal/drive/token"
	"github.com/fruitsalade/docportal/internal/logging"
	"github.com/fruitsalade/docportal/internal/metrics"
)

// Config holds Graph drive settings.
type Config struct {
	BaseURL    string        // e.g. https://graph.microsoft.com/v1.0
	DriveID    string        // drive holding the shared root
	RootPath   string        // path of the shared root inside the drive
	RootID     string        // item id of the shared root, skips the path lookup
	Timeout    time.Duration // bound on every API call
	HTTPClient *http.Client
}

// Client is a Graph-backed drive.
type Client struct {
	rc       *resty.Client
	tokens   token.Source
	driveID  string
	rootPath string
	timeout  time.Duration

	mu   sync.Mutex
	root *drive.Item
}

// New creates a Graph drive client authenticated by tokens.
func New(cfg Config, tokens token.Source) *Client {
	var rc *resty.Client
	if cfg.HTTPClient != nil {
		rc = resty.NewWithClient(cfg.HTTPClient)
	} else {
		rc = resty.New()
	}
	rc.SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Accept", "application/json")

	c := &Client{
		rc:       rc,
		tokens:   tokens,
		driveID:  cfg.DriveID,
		rootPath: strings.Trim(cfg.RootPath, "/"),
		timeout:  cfg.Timeout,
	}
	if cfg.RootID != "" {
		c.root = &drive.Item{ID: cfg.RootID, Name: c.rootPath, IsFolder: true}
	}
	return c
}

// Type returns "graph".
func (c *Client) Type() string { return "graph" }

// Root returns the shared root folder, looked up by path once and cached.
func (c *Client) Root(ctx context.Context) (drive.Item, error) {
	c.mu.Lock()
	if c.root != nil {
		root := *c.root
		c.mu.Unlock()
		return root, nil
	}
	c.mu.Unlock()

	var it item
	err := c.do(ctx, "get root", c.rootPath, func(r *resty.Request) (*resty.Response, error) {
		return r.SetResult(&it).
			SetPathParam("driveId", c.driveID).
			SetRawPathParam("rootPath", escapePath(c.rootPath)).
			Get("/drives/{driveId}/root:/{rootPath}")
	})
	if err != nil {
		return drive.Item{}, err
	}
	if it.Folder == nil {
		return drive.Item{}, &drive.RemoteAPIError{Op: "get root", Name: c.rootPath, Err: errors.New("root is not a folder")}
	}

	root := it.toItem()
	c.mu.Lock()
	c.root = &root
	c.mu.Unlock()
	return root, nil
}

// ListChildren returns the children of a folder, following @odata.nextLink.
func (c *Client) ListChildren(ctx context.Context, folderID string) ([]drive.Item, error) {
	var items []drive.Item
	next := ""
	for {
		var page listResponse
		err := c.do(ctx, "list", folderID, func(r *resty.Request) (*resty.Response, error) {
			r.SetResult(&page)
			if next != "" {
				return r.Get(next)
			}
			return r.SetPathParams(map[string]string{"driveId": c.driveID, "itemId": folderID}).
				SetQueryParam("$top", "200").
				Get("/drives/{driveId}/items/{itemId}/children")
		})
		if err != nil {
			return nil, err
		}
		for _, it := range page.Value {
			items = append(items, it.toItem())
		}
		if page.NextLink == "" {
			return items, nil
		}
		next = page.NextLink
	}
}

// CreateFolder creates a child folder, failing if the name is taken.
func (c *Client) CreateFolder(ctx context.Context, parentID, name string) (drive.Item, error) {
	var it item
	body := map[string]any{
		"name":                              name,
		"folder":                            struct{}{},
		"@microsoft.graph.conflictBehavior": "fail",
	}
	err := c.do(ctx, "create folder", name, func(r *resty.Request) (*resty.Response, error) {
		return r.SetResult(&it).
			SetBody(body).
			SetPathParams(map[string]string{"driveId": c.driveID, "itemId": parentID}).
			Post("/drives/{driveId}/items/{itemId}/children")
	})
	if err != nil {
		return drive.Item{}, err
	}
	logging.Info("created drive folder", zap.String("name", name), zap.String("id", it.ID))
	return it.toItem(), nil
}

// PutContent uploads a file into a folder. Name clashes are renamed by Graph.
func (c *Client) PutContent(ctx context.Context, folderID, name string, content []byte) (drive.Item, error) {
	var it item
	err := c.do(ctx, "put content", name, func(r *resty.Request) (*resty.Response, error) {
		return r.SetResult(&it).
			SetHeader("Content-Type", "application/octet-stream").
			SetBody(content).
			SetPathParams(map[string]string{"driveId": c.driveID, "itemId": folderID, "name": name}).
			SetQueryParam("@microsoft.graph.conflictBehavior", "rename").
			Put("/drives/{driveId}/items/{itemId}:/{name}:/content")
	})
	if err != nil {
		return drive.Item{}, err
	}
	return it.toItem(), nil
}

// GetItem fetches one item, including a fresh download URL for files.
func (c *Client) GetItem(ctx context.Context, itemID string) (drive.Item, error) {
	var it item
	err := c.do(ctx, "get item", itemID, func(r *resty.Request) (*resty.Response, error) {
		return r.SetResult(&it).
			SetPathParams(map[string]string{"driveId": c.driveID, "itemId": itemID}).
			Get("/drives/{driveId}/items/{itemId}")
	})
	if err != nil {
		return drive.Item{}, err
	}
	return it.toItem(), nil
}

// do runs one authenticated API call bounded by the client timeout and maps
// the outcome onto the drive error taxonomy.
func (c *Client) do(ctx context.Context, op, name string, send func(*resty.Request) (*resty.Response, error)) error {
	start := time.Now()
	err := c.call(ctx, op, name, send)
	metrics.RecordDriveOperation("graph", op, time.Since(start), err == nil)
	if err != nil {
		logging.WithContext(ctx).Warn("graph call failed",
			zap.String("op", op), zap.String("name", name), zap.Error(err))
		return err
	}
	logging.WithContext(ctx).Debug("graph call",
		zap.String("op", op), zap.String("name", name), zap.Duration("duration", time.Since(start)))
	return nil
}

// call sends one request. A 401 means the cached token was revoked or
// rotated: the token is dropped and the request sent once more.
func (c *Client) call(ctx context.Context, op, name string, send func(*resty.Request) (*resty.Response, error)) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, apiErr, err := c.send(ctx, op, name, send)
	if err == nil && resp.StatusCode() == http.StatusUnauthorized {
		if inv, ok := c.tokens.(token.Invalidator); ok {
			logging.WithContext(ctx).Info("graph rejected token, refreshing", zap.String("op", op))
			inv.Invalidate()
			resp, apiErr, err = c.send(ctx, op, name, send)
		}
	}
	if err != nil {
		return err
	}
	if !resp.IsError() {
		return nil
	}

	if resp.StatusCode() == http.StatusNotFound {
		return &drive.NotFoundError{Kind: "item", Name: name}
	}
	return &drive.RemoteAPIError{
		Op:     op,
		Name:   name,
		Status: resp.StatusCode(),
		Err:    apiErr.err(),
	}
}

func (c *Client) send(ctx context.Context, op, name string, send func(*resty.Request) (*resty.Response, error)) (*resty.Response, *errorResponse, error) {
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, nil, err
	}
	apiErr := &errorResponse{}
	resp, err := send(c.rc.R().SetContext(ctx).SetAuthToken(tok).SetError(apiErr))
	if err != nil {
		return nil, nil, drive.WrapTransport(op, name, err)
	}
	return resp, apiErr, nil
}

// escapePath escapes each segment of a slash-separated drive path.
func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
