// Package main is the entry point for the letter browser.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/shineum/letter-opener-web/internal/config"
	"github.com/shineum/letter-opener-web/internal/letter"
	"github.com/shineum/letter-opener-web/internal/storage"
	"github.com/shineum/letter-opener-web/internal/storage/local"
	"github.com/shineum/letter-opener-web/internal/storage/s3"
	lotls "github.com/shineum/letter-opener-web/internal/tls"
	"github.com/shineum/letter-opener-web/internal/web"
)

// logLevel is shared by the default logger so SIGHUP can change it in place.
var logLevel = new(slog.LevelVar)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	// A missing .env is fine; real environment variables still apply.
	_ = godotenv.Load()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logLevel.Set(parseLevel(cfg.Logging.Level))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo, err := buildRepository(ctx, cfg)
	if err != nil {
		slog.Error("failed to set up letter storage", "error", err)
		os.Exit(1)
	}

	serverCfg := web.ServerConfig{
		ListenAddr:   cfg.HTTP.Listen,
		Repository:   repo,
		AuthUsername: cfg.HTTP.Username,
		AuthPassword: cfg.HTTP.Password,
	}

	tlsMode := "off"
	if cfg.TLS.Enabled {
		tlsConfig, err := lotls.LoadOrGenerateTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.Hosts...)
		if err != nil {
			slog.Error("failed to setup TLS", "error", err)
			os.Exit(1)
		}
		serverCfg.TLSConfig = tlsConfig
		tlsMode = "self-signed"
		if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
			tlsMode = "file"
		}
	}

	server := web.New(serverCfg)

	slog.Info("starting letter-opener-web",
		"listen", cfg.HTTP.Listen,
		"storage", cfg.Storage.Mode,
		"location", cfg.Storage.Location,
		"auth_enabled", cfg.AuthEnabled(),
		"tls_mode", tlsMode,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGHUP {
				reload(ctx, *configPath, cfg, server)
				continue
			}
			slog.Info("received signal, initiating shutdown", "signal", sig)
			cancel()
			return
		}
	}()

	// Start the server (blocks until context is cancelled)
	if err := server.ListenAndServe(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("letter-opener-web stopped")
}

// reload re-reads configuration and swaps in a repository built from it.
// Storage and log level take effect immediately; listener, TLS and auth
// settings keep their startup values. A failed reload keeps the current
// repository.
func reload(ctx context.Context, path string, current *config.Config, server *web.Server) {
	slog.Info("received SIGHUP, reloading configuration")

	cfg, err := loadConfig(path)
	if err != nil {
		slog.Error("reload failed, keeping current configuration", "error", err)
		return
	}

	repo, err := buildRepository(ctx, cfg)
	if err != nil {
		slog.Error("reload failed, keeping current storage", "error", err)
		return
	}

	logLevel.Set(parseLevel(cfg.Logging.Level))
	server.SetRepository(repo)

	if restartRequired(current, cfg) {
		slog.Warn("listener, TLS and auth changes require a restart")
	}
}

// restartRequired reports whether next changes settings that are only read
// at startup.
func restartRequired(current, next *config.Config) bool {
	if current.HTTP != next.HTTP {
		return true
	}
	a, b := current.TLS, next.TLS
	return a.Enabled != b.Enabled || a.CertFile != b.CertFile || a.KeyFile != b.KeyFile ||
		!slices.Equal(a.Hosts, b.Hosts)
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// parseLevel maps a configured level name to a slog level, defaulting to info.
func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// buildRepository creates the storage backend selected by cfg.
func buildRepository(ctx context.Context, cfg *config.Config) (*letter.Repository, error) {
	backend, err := buildBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return letter.NewRepository(backend), nil
}

func buildBackend(ctx context.Context, cfg *config.Config) (storage.Backend, error) {
	switch cfg.Storage.Mode {
	case config.StorageLocal:
		b := local.New(cfg.Storage.Location)
		slog.Info("using local letter storage", "location", b.Root())
		return b, nil

	case config.StorageS3:
		if !cfg.S3Configured() {
			return nil, fmt.Errorf("s3 storage selected but S3_REGION and S3_BUCKET are required")
		}
		slog.Info("using S3 letter storage",
			"region", cfg.S3.Region,
			"bucket", cfg.S3.Bucket,
			"location", cfg.Storage.Location,
			"endpoint", cfg.S3.Endpoint,
		)
		b, err := s3.New(ctx, s3.BackendConfig{
			Region:          cfg.S3.Region,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			Bucket:          cfg.S3.Bucket,
			Location:        cfg.Storage.Location,
			Endpoint:        cfg.S3.Endpoint,
			UsePathStyle:    cfg.S3.UsePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 backend: %w", err)
		}
		return b, nil

	default:
		return nil, fmt.Errorf("unknown storage mode %q", cfg.Storage.Mode)
	}
}
