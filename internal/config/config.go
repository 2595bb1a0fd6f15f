// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Drive backends.
const (
	BackendGraph = "graph"
	BackendS3    = "s3"
)

// Credential directory backends.
const (
	CredentialsFile     = "file"
	CredentialsPostgres = "postgres"
)

// Config holds all portal server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string
	CORSOrigins string
	TLSCertFile string
	TLSKeyFile  string

	// Logging
	LogLevel  string
	LogFormat string

	// Sessions
	SessionSecret string
	SessionTTL    time.Duration
	CookieSecure  bool

	// OIDC (optional)
	OIDCIssuerURL    string
	OIDCClientID     string
	OIDCVATClaim     string
	OIDCPayrollClaim string

	// Remote drive
	DriveBackend   string
	DriveTimeout   time.Duration
	FolderCacheTTL time.Duration
	CategoriesFile string

	// Microsoft Graph
	GraphTenantID     string
	GraphClientID     string
	GraphClientSecret string
	GraphTokenURL     string
	GraphBaseURL      string
	GraphDriveID      string
	GraphRootPath     string
	GraphRootID       string

	// S3 storage
	S3Endpoint   string
	S3Bucket     string
	S3AccessKey  string
	S3SecretKey  string
	S3Region     string
	S3RootPrefix string
	S3PresignTTL time.Duration

	// Credential directory
	CredentialsBackend string
	CredentialsFile    string
	DatabaseURL        string

	// Contact mail
	SMTPHost         string
	SMTPPort         int
	SMTPUsername     string
	SMTPPassword     string
	SMTPImplicitTLS  bool
	ContactRecipient string

	// Uploads
	MaxUploadSize  int64
	MaxUploadFiles int

	// Login throttling (0 = unlimited)
	LoginRequestsPerMinute int
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:  envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr: envOr("METRICS_ADDR", ":9090"),
		CORSOrigins: envOr("CORS_ORIGINS", "http://localhost:3000"),
		TLSCertFile: envOr("TLS_CERT_FILE", ""),
		TLSKeyFile:  envOr("TLS_KEY_FILE", ""),
		LogLevel:    envOr("LOG_LEVEL", "info"),
		LogFormat:   envOr("LOG_FORMAT", "json"),

		SessionSecret: envOr("SESSION_SECRET", ""),
		SessionTTL:    envDuration("SESSION_TTL", 12*time.Hour),
		CookieSecure:  envBool("COOKIE_SECURE", true),

		OIDCIssuerURL:    envOr("OIDC_ISSUER_URL", ""),
		OIDCClientID:     envOr("OIDC_CLIENT_ID", ""),
		OIDCVATClaim:     envOr("OIDC_VAT_CLAIM", "vat"),
		OIDCPayrollClaim: envOr("OIDC_PAYROLL_CLAIM", "payroll"),

		DriveBackend:   envOr("DRIVE_BACKEND", BackendGraph),
		DriveTimeout:   envDuration("DRIVE_TIMEOUT", 30*time.Second),
		FolderCacheTTL: envDuration("FOLDER_CACHE_TTL", 5*time.Minute),
		CategoriesFile: envOr("CATEGORIES_FILE", ""),

		GraphTenantID:     envOr("GRAPH_TENANT_ID", ""),
		GraphClientID:     envOr("GRAPH_CLIENT_ID", ""),
		GraphClientSecret: envOr("GRAPH_CLIENT_SECRET", ""),
		GraphTokenURL:     envOr("GRAPH_TOKEN_URL", ""),
		GraphBaseURL:      envOr("GRAPH_BASE_URL", "https://graph.microsoft.com/v1.0"),
		GraphDriveID:      envOr("GRAPH_DRIVE_ID", ""),
		GraphRootPath:     envOr("GRAPH_ROOT_PATH", "shared"),
		GraphRootID:       envOr("GRAPH_ROOT_ID", ""),

		S3Endpoint:   envOr("S3_ENDPOINT", "http://localhost:9000"),
		S3Bucket:     envOr("S3_BUCKET", "docportal"),
		S3AccessKey:  envOr("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey:  envOr("S3_SECRET_KEY", "minioadmin"),
		S3Region:     envOr("S3_REGION", "us-east-1"),
		S3RootPrefix: envOr("S3_ROOT_PREFIX", "shared"),
		S3PresignTTL: envDuration("S3_PRESIGN_TTL", 15*time.Minute),

		CredentialsBackend: envOr("CREDENTIALS_BACKEND", CredentialsFile),
		CredentialsFile:    envOr("CREDENTIALS_FILE", "data/credentials.yaml"),
		DatabaseURL:        envOr("DATABASE_URL", ""),

		SMTPHost:         envOr("SMTP_HOST", ""),
		SMTPPort:         envInt("SMTP_PORT", 465),
		SMTPUsername:     envOr("SMTP_USERNAME", ""),
		SMTPPassword:     envOr("SMTP_PASSWORD", ""),
		SMTPImplicitTLS:  envBool("SMTP_IMPLICIT_TLS", true),
		ContactRecipient: envOr("CONTACT_RECIPIENT", ""),

		MaxUploadSize:  envInt64("MAX_UPLOAD_SIZE", 10*1024*1024), // 10MB per file
		MaxUploadFiles: envInt("MAX_UPLOAD_FILES", 10),

		LoginRequestsPerMinute: envInt("LOGIN_REQUESTS_PER_MINUTE", 10),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks required settings for the selected backends.
func (c *Config) Validate() error {
	graph := c.DriveBackend == BackendGraph
	postgres := c.CredentialsBackend == CredentialsPostgres

	return validation.ValidateStruct(c,
		validation.Field(&c.SessionSecret, validation.Required, validation.Length(16, 0)),
		validation.Field(&c.DriveBackend, validation.Required, validation.In(BackendGraph, BackendS3)),
		validation.Field(&c.CredentialsBackend, validation.Required, validation.In(CredentialsFile, CredentialsPostgres)),
		validation.Field(&c.DriveTimeout, validation.Required),
		validation.Field(&c.GraphClientID, validation.When(graph, validation.Required)),
		validation.Field(&c.GraphClientSecret, validation.When(graph, validation.Required)),
		validation.Field(&c.GraphDriveID, validation.When(graph, validation.Required)),
		validation.Field(&c.GraphTenantID, validation.When(graph && c.GraphTokenURL == "", validation.Required)),
		validation.Field(&c.S3Bucket, validation.When(!graph, validation.Required)),
		validation.Field(&c.DatabaseURL, validation.When(postgres, validation.Required)),
		validation.Field(&c.CredentialsFile, validation.When(!postgres, validation.Required)),
		validation.Field(&c.MaxUploadSize, validation.Min(int64(1))),
		validation.Field(&c.MaxUploadFiles, validation.Min(1)),
		validation.Field(&c.LoginRequestsPerMinute, validation.Min(0)),
	)
}

// TokenURL returns the identity-provider token endpoint for the Graph tenant.
func (c *Config) TokenURL() string {
	if c.GraphTokenURL != "" {
		return c.GraphTokenURL
	}
	return "https://login.microsoftonline.com/" + c.GraphTenantID + "/oauth2/v2.0/token"
}

// MailEnabled reports whether the contact form can send mail.
func (c *Config) MailEnabled() bool {
	return c.SMTPHost != "" && c.ContactRecipient != ""
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
