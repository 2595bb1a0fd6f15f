package portal

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fruitsalade/docportal/internal/drive"
	"github.com/fruitsalade/docportal/internal/events"
	"github.com/fruitsalade/docportal/internal/folders"
	"github.com/fruitsalade/docportal/internal/logging"
	"github.com/fruitsalade/docportal/internal/metrics"
)

// UploadFile is one in-memory file to store.
type UploadFile struct {
	Name    string
	Content []byte
}

// UploadFiles stores files in a user's category folder, creating the folder
// chain when missing. All files are written concurrently and independently:
// a failure does not cancel or roll back the others, so some files may be
// stored even when an error is returned. The first failure in input order is
// returned and names the file it concerns. Stored items are returned in
// input order; the entries of failed files are zero.
//
// When the resolved folder turns out to be gone (a stale cache entry), the
// folder is resolved once more and only the affected files are re-sent.
func (s *Service) UploadFiles(ctx context.Context, vat string, category folders.Category, files []UploadFile) ([]drive.Item, error) {
	if len(files) == 0 {
		return nil, nil
	}

	stored := make([]drive.Item, len(files))
	errs := make([]error, len(files))
	pending := make([]int, len(files))
	for i := range files {
		pending[i] = i
	}

	for attempt := 0; ; attempt++ {
		folder, err := s.resolver.Resolve(ctx, vat, category, true)
		if err != nil {
			return stored, err
		}
		s.putAll(ctx, folder, vat, category, files, pending, stored, errs)

		var stale []int
		for _, i := range pending {
			if errors.Is(errs[i], drive.ErrNotFound) {
				stale = append(stale, i)
			}
		}
		if attempt > 0 || len(stale) == 0 || !s.invalidate(vat, category) {
			break
		}
		logging.WithContext(ctx).Info("upload folder was stale, resolving again",
			zap.String("category", category.Tag), zap.Int("files", len(stale)))
		pending = stale
	}

	for _, err := range errs {
		if err != nil {
			return stored, err
		}
	}
	return stored, nil
}

// putAll writes files[i] for every i in pending concurrently, recording the
// stored item or the error at index i.
func (s *Service) putAll(ctx context.Context, folder drive.Item, vat string, category folders.Category, files []UploadFile, pending []int, stored []drive.Item, errs []error) {
	var g errgroup.Group
	for _, i := range pending {
		f := files[i]
		g.Go(func() error {
			it, err := s.drive.PutContent(ctx, folder.ID, f.Name, f.Content)
			metrics.RecordContentUpload(category.Tag, int64(len(f.Content)), err == nil)
			if err != nil {
				logging.WithContext(ctx).Warn("upload failed",
					zap.String("category", category.Tag), zap.String("file", f.Name), zap.Error(err))
				errs[i] = uploadError(f.Name, err)
				return nil
			}
			stored[i], errs[i] = it, nil
			s.publish(events.Event{
				Type:     events.EventUpload,
				VAT:      folders.NormalizeVAT(vat),
				Category: category.Tag,
				Name:     it.Name,
				Size:     it.Size,
			})
			return nil
		})
	}
	_ = g.Wait()
}

// uploadError makes sure the error reports which file failed.
func uploadError(name string, err error) error {
	var authErr *drive.AuthError
	if errors.As(err, &authErr) {
		return err
	}
	var apiErr *drive.RemoteAPIError
	if errors.As(err, &apiErr) && apiErr.Name == name {
		return err
	}
	return &drive.RemoteAPIError{Op: "put content", Name: name, Err: err}
}
