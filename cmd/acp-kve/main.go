// acp-kve runs the Key-Vault Executor: the only process holding integration
// credentials, executing pre-authorized requests on behalf of kernels.
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

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/northbeam-io/acp/pkg/config"
	"github.com/northbeam-io/acp/pkg/kve"
	"github.com/northbeam-io/acp/pkg/observability"
)

func main() {
	if err := run(); err != nil {
		slog.Error("kve exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadKVE()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  "acp-kve",
		OTLPEndpoint: cfg.OTLPEndpoint,
		Insecure:     true,
	})
	if err != nil {
		return err
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()

	if cfg.Pepper == "" {
		return errors.New("ACP_KVE_PEPPER is required")
	}

	store, err := openStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}

	executor := kve.NewExecutor(store, kve.NewEnvSecretProvider(),
		kve.WithExecutorLogger(logger))
	for _, integration := range cfg.HTTPIntegrations {
		integration = strings.TrimSpace(integration)
		if integration == "" {
			continue
		}
		// The base URL comes from each tenant integration's metadata.
		executor.RegisterHandler(integration, kve.HTTPIntegration("", nil))
	}

	server := kve.NewServer(executor, store, []byte(cfg.Pepper), logger)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("kve listening", "addr", cfg.Addr, "integrations", cfg.HTTPIntegrations)
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

func openStore(ctx context.Context, databaseURL string) (kve.Store, error) {
	if databaseURL == "" {
		return kve.NewMemoryStore(), nil
	}

	driver, dialect := "sqlite", kve.DialectSQLite
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		driver, dialect = "postgres", kve.DialectPostgres
	}

	db, err := sql.Open(driver, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	store := kve.NewSQLStore(db, dialect)
	if err := store.Migrate(ctx); err != nil {
		return nil, err
	}
	return store, nil
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
