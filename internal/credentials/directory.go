// Package credentials provides the user directory consulted at login.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"golang.org/x/crypto/bcrypt"
)

// ErrUserNotFound is returned when no user matches a lookup.
var ErrUserNotFound = errors.New("user not found")

// ErrInvalidCredentials is returned by Authenticate for any login failure
// that must not reveal whether the user exists.
var ErrInvalidCredentials = errors.New("invalid credentials")

// User is a portal account.
type User struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
	VAT          string `yaml:"vat"`
	Email        string `yaml:"email"`
	Payroll      bool   `yaml:"payroll"`
}

// Validate checks a directory entry.
func (u User) Validate() error {
	return validation.ValidateStruct(&u,
		validation.Field(&u.Username, validation.Required),
		validation.Field(&u.PasswordHash, validation.Required),
		validation.Field(&u.VAT, validation.Required),
		validation.Field(&u.Email, is.EmailFormat),
	)
}

// Directory looks users up by username or VAT.
type Directory interface {
	Lookup(ctx context.Context, username string) (*User, error)
	LookupByVAT(ctx context.Context, vat string) (*User, error)
}

// Authenticate checks a username/password pair against dir.
func Authenticate(ctx context.Context, dir Directory, username, password string) (*User, error) {
	u, err := dir.Lookup(ctx, strings.TrimSpace(username))
	if errors.Is(err, ErrUserNotFound) {
		// Burn comparable time so unknown users are not distinguishable.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return u, nil
}

// HashPassword returns a bcrypt hash for storing in a directory.
func HashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hashed), nil
}

var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("dummy-password"), bcrypt.DefaultCost)
