package graph

import (
	"errors"
	"time"

	"github.com/fruitsalade/docportal/internal/drive"
)

// item is a driveItem as returned by Graph.
type item struct {
	ID                   string       `json:"id"`
	Name                 string       `json:"name"`
	Size                 int64        `json:"size"`
	LastModifiedDateTime string       `json:"lastModifiedDateTime"`
	Folder               *folderFacet `json:"folder,omitempty"`
	File                 *fileFacet   `json:"file,omitempty"`
	DownloadURL          string       `json:"@microsoft.graph.downloadUrl,omitempty"`
}

type folderFacet struct {
	ChildCount int `json:"childCount"`
}

type fileFacet struct {
	MimeType string `json:"mimeType"`
}

type listResponse struct {
	Value    []item `json:"value"`
	NextLink string `json:"@odata.nextLink"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (e *errorResponse) err() error {
	if e.Error.Code == "" && e.Error.Message == "" {
		return nil
	}
	return errors.New(e.Error.Code + ": " + e.Error.Message)
}

// toItem normalizes a Graph record. An unparseable timestamp is treated
// as absent.
func (it item) toItem() drive.Item {
	out := drive.Item{
		ID:          it.ID,
		Name:        it.Name,
		IsFolder:    it.Folder != nil,
		Size:        it.Size,
		DownloadURL: it.DownloadURL,
	}
	if it.File != nil {
		out.MimeType = it.File.MimeType
	}
	if it.LastModifiedDateTime != "" {
		if t, err := time.Parse(time.RFC3339, it.LastModifiedDateTime); err == nil {
			out.LastModified = &t
		}
	}
	return out
}
