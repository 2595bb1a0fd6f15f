// Package portal implements the document operations behind the HTTP API:
// folder listings, file streaming and uploads.
package portal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/fruitsalade/docportal/internal/drive"
	"github.com/fruitsalade/docportal/internal/events"
	"github.com/fruitsalade/docportal/internal/folders"
)

// Publisher receives upload notifications.
type Publisher interface {
	Publish(events.Event)
}

// invalidator is implemented by resolvers that cache folders.
type invalidator interface {
	Invalidate(vat string, category folders.Category)
}

// Config holds Service settings.
type Config struct {
	// DownloadHeaderTimeout bounds the wait for download response headers.
	// The body itself is bounded only by the caller's context.
	DownloadHeaderTimeout time.Duration
	// DownloadClient overrides the HTTP client used for download URLs.
	DownloadClient *http.Client
}

// Service orchestrates the folder resolver and the drive.
type Service struct {
	drive     drive.Drive
	resolver  folders.Resolver
	fetcher   *resty.Client
	publisher Publisher
}

// NewService creates a portal service. publisher may be nil.
func NewService(d drive.Drive, r folders.Resolver, publisher Publisher, cfg Config) *Service {
	client := cfg.DownloadClient
	if client == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.ResponseHeaderTimeout = cfg.DownloadHeaderTimeout
		client = &http.Client{Transport: transport}
	}
	return &Service{
		drive:     d,
		resolver:  r,
		fetcher:   resty.NewWithClient(client),
		publisher: publisher,
	}
}

// List returns the formatted contents of a user's category folder.
func (s *Service) List(ctx context.Context, vat string, category folders.Category) ([]ClientFileRecord, error) {
	_, items, err := s.listFolder(ctx, vat, category)
	if err != nil {
		return nil, err
	}
	return FormatListing(items), nil
}

// listFolder resolves the category folder and lists it. A cached folder that
// has disappeared is dropped and resolved once more.
func (s *Service) listFolder(ctx context.Context, vat string, category folders.Category) (drive.Item, []drive.Item, error) {
	for attempt := 0; ; attempt++ {
		folder, err := s.resolver.Resolve(ctx, vat, category, false)
		if err != nil {
			return drive.Item{}, nil, err
		}
		items, err := s.drive.ListChildren(ctx, folder.ID)
		if err == nil {
			return folder, items, nil
		}
		inv, ok := s.resolver.(invalidator)
		if attempt > 0 || !ok || !errors.Is(err, drive.ErrNotFound) {
			return drive.Item{}, nil, fmt.Errorf("list %s: %w", category.Tag, err)
		}
		inv.Invalidate(vat, category)
	}
}

// invalidate drops a cached folder and reports whether the resolver caches.
func (s *Service) invalidate(vat string, category folders.Category) bool {
	inv, ok := s.resolver.(invalidator)
	if ok {
		inv.Invalidate(vat, category)
	}
	return ok
}

func (s *Service) publish(e events.Event) {
	if s.publisher != nil {
		s.publisher.Publish(e)
	}
}
