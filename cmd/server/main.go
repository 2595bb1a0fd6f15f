// docportal server
//
// Features:
// - Per-VAT document folders on Microsoft Graph (OneDrive/SharePoint) or S3
// - Listing, streaming downloads and concurrent uploads
// - Cookie/JWT sessions with optional OIDC
// - Contact form delivered over SMTP
// - SSE upload notifications
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/fruitsalade/docportal/internal/api"
	"github.com/fruitsalade/docportal/internal/auth"
	"github.com/fruitsalade/docportal/internal/config"
	"github.com/fruitsalade/docportal/internal/credentials"
	"github.com/fruitsalade/docportal/internal/drive"
	"github.com/fruitsalade/docportal/internal/drive/graph"
	s3drive "github.com/fruitsalade/docportal/internal/drive/s3"
	"github.com/fruitsalade/docportal/internal/drive/token"
	"github.com/fruitsalade/docportal/internal/events"
	"github.com/fruitsalade/docportal/internal/folders"
	"github.com/fruitsalade/docportal/internal/logging"
	"github.com/fruitsalade/docportal/internal/mail"
	"github.com/fruitsalade/docportal/internal/metrics"
	"github.com/fruitsalade/docportal/internal/portal"
	"github.com/fruitsalade/docportal/internal/ratelimit"
)

func main() {
	// A missing .env is fine; the environment may be set by the service manager.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("docportal server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("drive", cfg.DriveBackend),
		zap.String("credentials", cfg.CredentialsBackend))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Credential directory
	dir, closeDir, err := openDirectory(ctx, cfg)
	if err != nil {
		logging.Fatal("credential directory init failed", zap.Error(err))
	}
	defer closeDir()

	// Remote drive
	d, err := openDrive(ctx, cfg)
	if err != nil {
		logging.Fatal("drive init failed", zap.Error(err))
	}
	logging.Info("drive initialized", zap.String("backend", d.Type()))

	// Category table
	categories, err := loadCategories(cfg)
	if err != nil {
		logging.Fatal("category table init failed", zap.Error(err))
	}

	broadcaster := events.NewBroadcaster()
	logging.Info("SSE broadcaster initialized")

	naming := folders.NewNamingResolver(d)
	naming.SetPublisher(broadcaster)
	resolver := folders.NewCachedResolver(naming, cfg.FolderCacheTTL)

	svc := portal.NewService(d, resolver, broadcaster, portal.Config{
		DownloadHeaderTimeout: cfg.DriveTimeout,
	})

	// Sessions
	loginLimiter := ratelimit.New(cfg.LoginRequestsPerMinute)
	sessions := auth.New(auth.Config{
		Secret:       cfg.SessionSecret,
		TTL:          cfg.SessionTTL,
		CookieSecure: cfg.CookieSecure,
	}, dir, loginLimiter)

	oidcVerifier, err := auth.NewOIDCVerifier(ctx, auth.OIDCConfig{
		IssuerURL:    cfg.OIDCIssuerURL,
		ClientID:     cfg.OIDCClientID,
		VATClaim:     cfg.OIDCVATClaim,
		PayrollClaim: cfg.OIDCPayrollClaim,
	})
	if err != nil {
		logging.Fatal("OIDC provider init failed", zap.Error(err))
	}
	if oidcVerifier != nil {
		sessions.SetOIDC(oidcVerifier)
	}

	// Contact mail (optional)
	var notifier *mail.Notifier
	if cfg.MailEnabled() {
		sender := mail.NewSMTPSender(mail.SMTPConfig{
			Host:        cfg.SMTPHost,
			Port:        cfg.SMTPPort,
			Username:    cfg.SMTPUsername,
			Password:    cfg.SMTPPassword,
			ImplicitTLS: cfg.SMTPImplicitTLS,
		})
		notifier = mail.NewNotifier(sender, cfg.SMTPUsername, cfg.ContactRecipient)
		logging.Info("contact mail enabled",
			zap.String("smtp", cfg.SMTPHost),
			zap.String("recipient", cfg.ContactRecipient))
	} else {
		logging.Warn("contact mail disabled: SMTP_HOST or CONTACT_RECIPIENT not set")
	}

	srv := api.NewServer(api.Options{
		Portal:         svc,
		Categories:     categories,
		Sessions:       sessions,
		Directory:      dir,
		Notifier:       notifier,
		Broadcaster:    broadcaster,
		MaxUploadSize:  cfg.MaxUploadSize,
		MaxUploadFiles: cfg.MaxUploadFiles,
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   strings.Split(cfg.CORSOrigins, ","),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Origin", "Content-Type", "Accept", "Authorization", "Last-Event-ID"},
		AllowCredentials: true,
	})

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           corsHandler.Handler(srv.Handler()),
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      0, // downloads and SSE streams are long-lived
		IdleTimeout:       60 * time.Second,
	}

	useTLS := cfg.TLSCertFile != "" && cfg.TLSKeyFile != ""
	if useTLS {
		httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	// Graceful shutdown; SIGHUP reloads a file-backed credential directory.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		for sig := range sigCh {
			if sig == syscall.SIGHUP {
				if fd, ok := dir.(*credentials.FileDirectory); ok {
					if err := fd.Reload(); err != nil {
						logging.Error("credential reload failed", zap.Error(err))
					}
				}
				continue
			}
			logging.Info("shutting down...")
			cancel()
			shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
			httpServer.Shutdown(shutdownCtx)
			done()
			metricsServer.Close()
			return
		}
	}()

	// Periodic cleanup of idle login buckets
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				loginLimiter.Cleanup(time.Hour)
			}
		}
	}()

	if useTLS {
		logging.Info("server listening (TLS)",
			zap.String("addr", cfg.ListenAddr),
			zap.String("cert", cfg.TLSCertFile))
		if err := httpServer.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile); err != http.ErrServerClosed {
			logging.Fatal("server error", zap.Error(err))
		}
	} else {
		logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Fatal("server error", zap.Error(err))
		}
	}
}

func openDirectory(ctx context.Context, cfg *config.Config) (credentials.Directory, func(), error) {
	switch cfg.CredentialsBackend {
	case config.CredentialsPostgres:
		logging.Info("connecting to PostgreSQL...")
		pg, err := credentials.OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, nil, err
		}
		return pg, func() { pg.Close() }, nil
	case config.CredentialsFile:
		fd, err := credentials.LoadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, nil, err
		}
		return fd, func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown credentials backend %q", cfg.CredentialsBackend)
}

func openDrive(ctx context.Context, cfg *config.Config) (drive.Drive, error) {
	switch cfg.DriveBackend {
	case config.BackendGraph:
		tokens := token.NewProvider(token.Config{
			TokenURL:     cfg.TokenURL(),
			ClientID:     cfg.GraphClientID,
			ClientSecret: cfg.GraphClientSecret,
			Timeout:      cfg.DriveTimeout,
		})
		return graph.New(graph.Config{
			BaseURL:  cfg.GraphBaseURL,
			DriveID:  cfg.GraphDriveID,
			RootPath: cfg.GraphRootPath,
			RootID:   cfg.GraphRootID,
			Timeout:  cfg.DriveTimeout,
		}, tokens), nil
	case config.BackendS3:
		return s3drive.New(ctx, s3drive.Config{
			Endpoint:   cfg.S3Endpoint,
			Bucket:     cfg.S3Bucket,
			AccessKey:  cfg.S3AccessKey,
			SecretKey:  cfg.S3SecretKey,
			Region:     cfg.S3Region,
			RootPrefix: cfg.S3RootPrefix,
			PresignTTL: cfg.S3PresignTTL,
			Timeout:    cfg.DriveTimeout,
		})
	}
	return nil, errors.New("unknown drive backend " + cfg.DriveBackend)
}

func loadCategories(cfg *config.Config) (*folders.Table, error) {
	if cfg.CategoriesFile == "" {
		return folders.NewTable(folders.DefaultCategories())
	}
	logging.Info("loading categories", zap.String("path", cfg.CategoriesFile))
	return folders.LoadTable(cfg.CategoriesFile)
}
