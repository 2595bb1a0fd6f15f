// Package drive defines the Drive interface over a remote cloud drive and the
// error taxonomy shared by every backend.
package drive

import (
	"context"
	"time"
)

// Item is the normalized view of a remote drive record.
type Item struct {
	ID           string
	Name         string
	IsFolder     bool
	LastModified *time.Time // nil when the remote did not report one
	DownloadURL  string     // transient, may be empty in listings
	Size         int64
	MimeType     string
}

// Drive is the set of primitive remote operations the portal is built on.
// Implementations talk to Microsoft Graph or an S3-compatible bucket.
type Drive interface {
	// Root returns the fixed "shared" folder all user folders live under.
	Root(ctx context.Context) (Item, error)

	// ListChildren returns the direct children of a folder in remote order.
	ListChildren(ctx context.Context, folderID string) ([]Item, error)

	// CreateFolder creates a child folder and returns it.
	CreateFolder(ctx context.Context, parentID, name string) (Item, error)

	// PutContent writes a file into a folder. An existing name is not
	// overwritten; the stored item may carry a de-duplicated name.
	PutContent(ctx context.Context, folderID, name string, content []byte) (Item, error)

	// GetItem fetches a single item, including a fresh download URL for files.
	GetItem(ctx context.Context, itemID string) (Item, error)

	// Type returns the backend type identifier ("graph", "s3").
	Type() string
}
