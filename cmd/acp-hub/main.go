// acp-hub runs the Governance Hub: the decision engine, audit ingest,
// revocations, and kernel registry behind one HTTP API.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/northbeam-io/acp/pkg/config"
	"github.com/northbeam-io/acp/pkg/hub"
	"github.com/northbeam-io/acp/pkg/observability"
)

func main() {
	if err := run(); err != nil {
		slog.Error("hub exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadHub()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  "acp-hub",
		OTLPEndpoint: cfg.OTLPEndpoint,
		Insecure:     true,
	})
	if err != nil {
		return err
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()

	if cfg.MasterSecret == "" {
		return errors.New("ACP_HUB_MASTER_SECRET is required")
	}
	keys, err := hub.DeriveKeys([]byte(cfg.MasterSecret))
	if err != nil {
		return err
	}

	store, err := openStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}

	blobs, err := openBlobStore(ctx, cfg)
	if err != nil {
		return err
	}

	engine := hub.NewEngine(store,
		hub.WithTokenSigner(hub.NewTokenSigner(keys.SigningKey)),
		hub.WithEngineLogger(logger))
	registry := hub.NewRegistry(store, engine, keys.Pepper, logger)
	ingest := hub.NewIngest(store, blobs, hub.WithIngestLogger(logger))
	defer ingest.Close()

	server := hub.NewServer(engine, ingest, registry, store,
		hub.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
		hub.WithServerLogger(logger))

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("hub listening", "addr", cfg.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// openStore picks the backend from the URL scheme: postgres://... uses
// lib/pq, a file path uses embedded SQLite, empty stays in memory.
func openStore(ctx context.Context, databaseURL string) (hub.Store, error) {
	if databaseURL == "" {
		return hub.NewMemoryStore(), nil
	}

	driver, dialect := "sqlite", hub.DialectSQLite
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		driver, dialect = "postgres", hub.DialectPostgres
	}

	db, err := sql.Open(driver, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	store := hub.NewSQLStore(db, dialect)
	if err := store.Migrate(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func openBlobStore(ctx context.Context, cfg *config.HubConfig) (hub.BlobStore, error) {
	switch cfg.ColdStorageBackend {
	case "", "none":
		return nil, nil
	case "memory":
		return hub.NewMemoryBlobStore(), nil
	case "s3":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("aws config: %w", err)
		}
		return hub.NewS3BlobStore(s3.NewFromConfig(awsCfg), cfg.ColdStorageBucket), nil
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		return hub.NewGCSBlobStore(client, cfg.ColdStorageBucket), nil
	default:
		return nil, fmt.Errorf("unknown cold storage backend %q", cfg.ColdStorageBackend)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
