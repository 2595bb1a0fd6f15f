package portal

import (
	"context"
	"errors"
	"io"

	"github.com/fruitsalade/docportal/internal/drive"
	"github.com/fruitsalade/docportal/internal/folders"
)

// FileStream is an open download. The caller must close Body.
type FileStream struct {
	Name        string
	ContentType string
	Disposition string // full Content-Disposition header value
	Size        int64  // -1 when unknown
	Body        io.ReadCloser
}

var errNoDownloadURL = errors.New("item has no download url")

// StreamFile opens the named file of a user's category folder for relaying.
// The outbound fetch is bound to ctx, so cancelling ctx aborts it.
func (s *Service) StreamFile(ctx context.Context, vat string, category folders.Category, fileName string) (*FileStream, error) {
	_, items, err := s.listFolder(ctx, vat, category)
	if err != nil {
		return nil, err
	}

	var file *drive.Item
	for i := range items {
		if !items[i].IsFolder && items[i].Name == fileName {
			file = &items[i]
			break
		}
	}
	if file == nil {
		return nil, &drive.NotFoundError{Kind: "file", Name: fileName}
	}

	url := file.DownloadURL
	if url == "" {
		fresh, err := s.drive.GetItem(ctx, file.ID)
		if err != nil {
			return nil, err
		}
		url = fresh.DownloadURL
	}
	if url == "" {
		return nil, &drive.RemoteAPIError{Op: "download", Name: fileName, Err: errNoDownloadURL}
	}

	resp, err := s.fetcher.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(url)
	if err != nil {
		return nil, drive.WrapTransport("download", fileName, err)
	}
	body := resp.RawBody()
	if resp.IsError() || resp.StatusCode() >= 300 {
		body.Close()
		return nil, &drive.RemoteAPIError{Op: "download", Name: fileName, Status: resp.StatusCode()}
	}

	contentType, mode := negotiate(fileName, resp.Header().Get("Content-Type"))
	return &FileStream{
		Name:        fileName,
		ContentType: contentType,
		Disposition: ContentDisposition(mode, fileName),
		Size:        resp.RawResponse.ContentLength,
		Body:        body,
	}, nil
}
