package credentials

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/fruitsalade/docportal/internal/folders"
	"github.com/fruitsalade/docportal/internal/logging"
)

// FileDirectory is a Directory read from a YAML file:
//
//	users:
//	  - username: acme
//	    password_hash: $2a$10$...
//	    vat: "123456789"
//	    email: office@acme.gr
//	    payroll: true
type FileDirectory struct {
	path string

	mu         sync.RWMutex
	byUsername map[string]User
	byVAT      map[string]User
}

// LoadFile reads the directory at path.
func LoadFile(path string) (*FileDirectory, error) {
	d := &FileDirectory{path: path}
	if err := d.Reload(); err != nil {
		return nil, err
	}
	return d, nil
}

// Reload re-reads the file, keeping the previous contents on error.
func (d *FileDirectory) Reload() error {
	data, err := os.ReadFile(d.path)
	if err != nil {
		return fmt.Errorf("read credentials: %w", err)
	}
	users, err := ParseUsers(data)
	if err != nil {
		return err
	}

	byUsername := make(map[string]User, len(users))
	byVAT := make(map[string]User, len(users))
	for _, u := range users {
		if _, dup := byUsername[u.Username]; dup {
			return fmt.Errorf("duplicate username %q", u.Username)
		}
		byUsername[u.Username] = u
		if _, dup := byVAT[u.VAT]; !dup {
			byVAT[u.VAT] = u
		}
	}

	d.mu.Lock()
	d.byUsername, d.byVAT = byUsername, byVAT
	d.mu.Unlock()
	logging.Info("credentials loaded", zap.String("path", d.path), zap.Int("users", len(users)))
	return nil
}

// ParseUsers decodes and validates a YAML user list.
func ParseUsers(data []byte) ([]User, error) {
	var doc struct {
		Users []User `yaml:"users"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	for i := range doc.Users {
		doc.Users[i].VAT = folders.NormalizeVAT(doc.Users[i].VAT)
		if err := doc.Users[i].Validate(); err != nil {
			return nil, fmt.Errorf("user %d: %w", i, err)
		}
	}
	return doc.Users, nil
}

func (d *FileDirectory) Lookup(ctx context.Context, username string) (*User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.byUsername[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

func (d *FileDirectory) LookupByVAT(ctx context.Context, vat string) (*User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.byVAT[folders.NormalizeVAT(vat)]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}
