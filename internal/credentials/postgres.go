package credentials

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/fruitsalade/docportal/internal/folders"
	"github.com/fruitsalade/docportal/internal/logging"
)

const schema = `
CREATE TABLE IF NOT EXISTS portal_users (
	username      TEXT PRIMARY KEY,
	password_hash TEXT NOT NULL,
	vat           TEXT NOT NULL,
	email         TEXT NOT NULL DEFAULT '',
	payroll       BOOLEAN NOT NULL DEFAULT FALSE,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS portal_users_vat_idx ON portal_users (vat);
`

// PostgresDirectory is a Directory backed by the portal_users table.
type PostgresDirectory struct {
	db *sql.DB
}

// OpenPostgres connects to databaseURL.
func OpenPostgres(databaseURL string) (*PostgresDirectory, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &PostgresDirectory{db: db}, nil
}

// Close closes the database connection.
func (d *PostgresDirectory) Close() error {
	return d.db.Close()
}

// Migrate creates the users table if needed.
func (d *PostgresDirectory) Migrate(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate portal_users: %w", err)
	}
	logging.Info("credential schema ready")
	return nil
}

// Upsert inserts or replaces a user.
func (d *PostgresDirectory) Upsert(ctx context.Context, u User) error {
	u.VAT = folders.NormalizeVAT(u.VAT)
	if err := u.Validate(); err != nil {
		return err
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO portal_users (username, password_hash, vat, email, payroll)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (username) DO UPDATE
		SET password_hash = EXCLUDED.password_hash,
		    vat = EXCLUDED.vat,
		    email = EXCLUDED.email,
		    payroll = EXCLUDED.payroll`,
		u.Username, u.PasswordHash, u.VAT, u.Email, u.Payroll)
	if err != nil {
		return fmt.Errorf("upsert user %s: %w", u.Username, err)
	}
	logging.Debug("user upserted", zap.String("username", u.Username))
	return nil
}

func (d *PostgresDirectory) Lookup(ctx context.Context, username string) (*User, error) {
	return d.queryOne(ctx,
		`SELECT username, password_hash, vat, email, payroll FROM portal_users WHERE username = $1`,
		username)
}

func (d *PostgresDirectory) LookupByVAT(ctx context.Context, vat string) (*User, error) {
	return d.queryOne(ctx,
		`SELECT username, password_hash, vat, email, payroll FROM portal_users WHERE vat = $1 ORDER BY created_at LIMIT 1`,
		folders.NormalizeVAT(vat))
}

func (d *PostgresDirectory) queryOne(ctx context.Context, query string, arg string) (*User, error) {
	var u User
	err := d.db.QueryRowContext(ctx, query, arg).
		Scan(&u.Username, &u.PasswordHash, &u.VAT, &u.Email, &u.Payroll)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &u, nil
}
