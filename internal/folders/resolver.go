package folders

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/fruitsalade/docportal/internal/drive"
	"github.com/fruitsalade/docportal/internal/events"
	"github.com/fruitsalade/docportal/internal/logging"
)

// ErrEmptyVAT is returned for a blank VAT; an empty suffix would match every
// folder under the root.
var ErrEmptyVAT = errors.New("vat must not be empty")

// Resolver locates the folder holding one category of a user's documents.
type Resolver interface {
	Resolve(ctx context.Context, vat string, category Category, create bool) (drive.Item, error)
}

// NamingResolver finds folders by naming convention:
// <root>/<anything ending in VAT>/<category folder name>.
//
// The VAT match is a suffix match so company-type prefixes such as
// "ABC123456789" are tolerated. The first matching folder in listing order
// wins, so a VAT that is a numeric suffix of another user's folder name can
// resolve to the wrong folder.
type NamingResolver struct {
	drive     drive.Drive
	publisher Publisher
}

// Publisher receives folder creation events.
type Publisher interface {
	Publish(events.Event)
}

// NewNamingResolver creates a resolver over d.
func NewNamingResolver(d drive.Drive) *NamingResolver {
	return &NamingResolver{drive: d}
}

// SetPublisher announces folders created on upload to p.
func (r *NamingResolver) SetPublisher(p Publisher) {
	r.publisher = p
}

// NormalizeVAT trims surrounding whitespace.
func NormalizeVAT(vat string) string {
	return strings.TrimSpace(vat)
}

// Resolve walks root → VAT folder → category folder, creating missing
// folders when create is set.
func (r *NamingResolver) Resolve(ctx context.Context, vat string, category Category, create bool) (drive.Item, error) {
	vat = NormalizeVAT(vat)
	if vat == "" {
		return drive.Item{}, ErrEmptyVAT
	}

	root, err := r.drive.Root(ctx)
	if err != nil {
		return drive.Item{}, fmt.Errorf("resolve root: %w", err)
	}

	userFolder, created, err := r.child(ctx, root, "vat folder", vat, create, func(it drive.Item) bool {
		return strings.HasSuffix(it.Name, vat)
	})
	if err != nil {
		return drive.Item{}, err
	}
	if created {
		r.announce(vat, "", userFolder.Name)
	}

	folder, created, err := r.child(ctx, userFolder, "category folder", category.FolderName, create, func(it drive.Item) bool {
		return it.Name == category.FolderName
	})
	if err != nil {
		return drive.Item{}, err
	}
	if created {
		r.announce(vat, category.Tag, folder.Name)
	}
	return folder, nil
}

func (r *NamingResolver) announce(vat, category, name string) {
	if r.publisher == nil {
		return
	}
	r.publisher.Publish(events.Event{
		Type:     events.EventFolderCreate,
		VAT:      vat,
		Category: category,
		Name:     name,
	})
}

// child finds the first sub-folder of parent accepted by match, creating one
// named name when absent and create is set. created reports whether this
// call made the folder.
func (r *NamingResolver) child(ctx context.Context, parent drive.Item, kind, name string, create bool, match func(drive.Item) bool) (item drive.Item, created bool, err error) {
	found, ok, err := r.find(ctx, parent, match)
	if err != nil || ok {
		return found, false, err
	}
	if !create {
		return drive.Item{}, false, &drive.NotFoundError{Kind: kind, Name: name}
	}

	item, err = r.drive.CreateFolder(ctx, parent.ID, name)
	if err == nil {
		logging.WithContext(ctx).Info("created folder",
			zap.String("kind", kind), zap.String("name", name), zap.String("parent", parent.Name))
		return item, true, nil
	}

	// Lost a creation race: someone else made it between list and create.
	var apiErr *drive.RemoteAPIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
		if found, ok, ferr := r.find(ctx, parent, match); ferr == nil && ok {
			return found, false, nil
		}
	}
	return drive.Item{}, false, fmt.Errorf("create %s %q: %w", kind, name, err)
}

func (r *NamingResolver) find(ctx context.Context, parent drive.Item, match func(drive.Item) bool) (drive.Item, bool, error) {
	children, err := r.drive.ListChildren(ctx, parent.ID)
	if err != nil {
		return drive.Item{}, false, fmt.Errorf("list %q: %w", parent.Name, err)
	}
	for _, it := range children {
		if it.IsFolder && match(it) {
			return it, true, nil
		}
	}
	return drive.Item{}, false, nil
}
