package portal

import (
	"time"

	"github.com/fruitsalade/docportal/internal/drive"
)

// UnknownTime is reported when the drive gave no modification time.
const UnknownTime = "Unknown"

// ClientFileRecord is one row of a folder listing as the browser sees it.
type ClientFileRecord struct {
	Name                 string `json:"name"`
	Type                 string `json:"type"` // "file" or "folder"
	LastModifiedDateTime string `json:"lastModifiedDateTime"`
}

// FormatListing maps drive items to client records, keeping order and count.
// The result is never nil so it encodes as [].
func FormatListing(items []drive.Item) []ClientFileRecord {
	out := make([]ClientFileRecord, 0, len(items))
	for _, it := range items {
		rec := ClientFileRecord{
			Name:                 it.Name,
			Type:                 "file",
			LastModifiedDateTime: UnknownTime,
		}
		if it.IsFolder {
			rec.Type = "folder"
		}
		if it.LastModified != nil {
			rec.LastModifiedDateTime = it.LastModified.UTC().Format(time.RFC3339)
		}
		out = append(out, rec)
	}
	return out
}
