// acp-kernel-demo hosts an embedded kernel behind a standalone HTTP server.
// It wires the in-memory adapters, the iam pack, and a small domain pack, and
// connects to the governance hub and the key-vault executor when configured.
// A bootstrap API key is issued at startup so the endpoint is usable
// immediately.
package main

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/northbeam-io/acp/pkg/config"
	"github.com/northbeam-io/acp/pkg/kernel"
	"github.com/northbeam-io/acp/pkg/kernel/packs/iam"
	"github.com/northbeam-io/acp/pkg/observability"
)

// kernelVersion is reported to the hub on heartbeat.
const kernelVersion = "1.0.0"

// ScopeDomainWrite gates the demo domain mutations.
const ScopeDomainWrite = "domain.write"

const (
	heartbeatInterval  = 30 * time.Second
	revocationInterval = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		slog.Error("kernel host exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadKernel()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "acp-kernel-demo",
		ServiceVersion: kernelVersion,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Insecure:       true,
	})
	if err != nil {
		return err
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()

	bindings := &kernel.Bindings{
		Integration: cfg.Integration,
		KernelID:    cfg.KernelID,
		Auth: kernel.AuthBindings{
			KeyPrefix: "ak_",
			PrefixLen: 8,
		},
		Tenant: kernel.TenantBindings{DefaultTenantID: cfg.TenantID},
	}

	db := kernel.NewMemoryDB()
	adapters := &kernel.Adapters{
		DB:          db,
		Audit:       kernel.NewMemoryAudit(),
		Idempotency: kernel.NewMemoryIdempotency(24 * time.Hour),
		RateLimit:   kernel.NewFixedWindowLimiter(),
		Ceilings:    kernel.NewStaticCeilings(nil),
	}

	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis url: %w", err)
		}
		adapters.RateLimit = kernel.NewRedisRateLimiter(redis.NewClient(redisOpts))
	}

	var hubClient *kernel.HubClient
	if cfg.HubURL != "" && cfg.HubAPIKey != "" {
		hubClient = kernel.NewHubClient(cfg.HubURL, cfg.HubAPIKey)
		adapters.Policy = hubClient

		shipper := kernel.NewAuditShipper(cfg.HubURL, cfg.HubAPIKey,
			kernel.WithShipperLogger(logger))
		defer shipper.Close()
		adapters.Audit = shipper
	}

	if cfg.KVEURL != "" && cfg.KVEServiceKey != "" {
		adapters.Executor = kernel.NewKVEExecutor(cfg.KVEURL, cfg.KVEServiceKey, cfg.KVEAnonKey)
	}

	registry, err := kernel.BuildRegistry(iam.Pack(bindings), publishersPack())
	if err != nil {
		return err
	}

	mirror := kernel.NewRevocationMirror()
	router, err := kernel.NewRouter(bindings, registry, adapters,
		kernel.WithRevocationMirror(mirror),
		kernel.WithLogger(logger),
		kernel.WithConfigLoader(func() (*kernel.RuntimeConfig, error) {
			return &kernel.RuntimeConfig{
				Enabled:  cfg.Enabled,
				FailMode: cfg.FailMode,
				TenantID: cfg.TenantID,
				HubURL:   cfg.HubURL,
				KernelID: cfg.KernelID,
			}, nil
		}))
	if err != nil {
		return err
	}

	if hubClient != nil {
		go mirror.Run(ctx, hubClient, bindings.KernelID, revocationInterval, logger)
		heartbeater := kernel.NewHeartbeater(hubClient, router, mirror,
			bindings.KernelID, kernelVersion, heartbeatInterval, logger)
		go heartbeater.Run(ctx)
	}

	bootstrapKey, err := seedBootstrapKey(ctx, db, bindings, cfg.TenantID)
	if err != nil {
		return err
	}
	// Shown once, like any key issued through iam.keys.create.
	logger.Info("bootstrap API key issued",
		"api_key", bootstrapKey,
		"tenant_id", cfg.TenantID,
		"scopes", bootstrapScopes())

	endpoint := bindings.BasePath + bindings.EndpointPath
	mux := chi.NewRouter()
	mux.Post(endpoint, kernel.NewHandler(router).ServeHTTP)
	mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("kernel host listening",
			"addr", cfg.Addr,
			"endpoint", endpoint,
			"kernel_id", bindings.KernelID,
			"actions", registry.Len())
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

func bootstrapScopes() []string {
	return []string{iam.ScopeManageRead, iam.ScopeManageIAM, ScopeDomainWrite}
}

// seedBootstrapKey issues the first API key directly into the store so the
// endpoint can be exercised without an out-of-band provisioning step.
func seedBootstrapKey(ctx context.Context, db *kernel.MemoryDB, bindings *kernel.Bindings, tenantID string) (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("bootstrap key: %w", err)
	}
	full := bindings.Auth.KeyPrefix + hex.EncodeToString(buf)
	sum := sha256.Sum256([]byte(full))
	now := time.Now().Unix()

	rec := &kernel.APIKeyRecord{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Prefix:    full[:bindings.Auth.PrefixLen],
		KeyHash:   hex.EncodeToString(sum[:]),
		Name:      "bootstrap",
		Scopes:    bootstrapScopes(),
		Status:    kernel.KeyStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := db.InsertAPIKey(ctx, tenantID, rec); err != nil {
		return "", err
	}
	return full, nil
}

// publisherCatalog is the demo domain state, tenant-scoped and in-memory.
type publisherCatalog struct {
	mu         sync.Mutex
	publishers map[string][]map[string]interface{} // tenant -> rows
}

// publishersPack builds a small domain pack over an in-memory catalog. It
// exists to exercise the full pipeline end to end: reads, dry-runnable
// mutations, and summary keys for policy evaluation.
func publishersPack() *kernel.Pack {
	cat := &publisherCatalog{publishers: make(map[string][]map[string]interface{})}
	p := kernel.NewPack("domain")

	p.Register(&kernel.ActionDescriptor{
		Name:        "domain.publishers.list",
		Scope:       iam.ScopeManageRead,
		Description: "List publishers for the tenant.",
		Kind:        kernel.ActionRead,
	}, cat.list)

	p.Register(&kernel.ActionDescriptor{
		Name:           "domain.publishers.create",
		Scope:          ScopeDomainWrite,
		Description:    "Create a publisher.",
		Kind:           kernel.ActionWrite,
		SupportsDryRun: true,
		Params: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"name": map[string]interface{}{
					"type":      "string",
					"minLength": 1,
					"maxLength": 200,
				},
				"website": map[string]interface{}{
					"type":      "string",
					"maxLength": 500,
				},
			},
			"required":             []interface{}{"name"},
			"additionalProperties": false,
		},
		SummaryKeys: []string{"name"},
	}, cat.create)

	p.Register(&kernel.ActionDescriptor{
		Name:           "domain.publishers.delete",
		Scope:          ScopeDomainWrite,
		Description:    "Delete a publisher by id.",
		Kind:           kernel.ActionDelete,
		SupportsDryRun: true,
		Params: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"id": map[string]interface{}{
					"type":      "string",
					"minLength": 1,
				},
			},
			"required":             []interface{}{"id"},
			"additionalProperties": false,
		},
		SummaryKeys: []string{"id"},
	}, cat.delete)

	return p
}

func (c *publisherCatalog) list(ctx context.Context, actx *kernel.ActionContext, params map[string]interface{}) (*kernel.HandlerResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rows := c.publishers[actx.TenantID]
	items := make([]map[string]interface{}, len(rows))
	copy(items, rows)
	return &kernel.HandlerResult{Data: map[string]interface{}{
		"items": items,
		"total": len(items),
	}}, nil
}

func (c *publisherCatalog) create(ctx context.Context, actx *kernel.ActionContext, params map[string]interface{}) (*kernel.HandlerResult, error) {
	name, _ := params["name"].(string)
	website, _ := params["website"].(string)

	impact := kernel.NewImpact("low")
	impact.Creates = append(impact.Creates, kernel.ImpactItem{
		Type:    "publisher",
		Count:   1,
		Details: map[string]interface{}{"name": name},
	})
	if actx.DryRun {
		return &kernel.HandlerResult{Data: impact, Impact: impact}, nil
	}

	row := map[string]interface{}{
		"id":         uuid.New().String(),
		"name":       name,
		"website":    website,
		"created_at": time.Now().Unix(),
	}
	c.mu.Lock()
	c.publishers[actx.TenantID] = append(c.publishers[actx.TenantID], row)
	c.mu.Unlock()

	return &kernel.HandlerResult{Data: row, Impact: impact}, nil
}

func (c *publisherCatalog) delete(ctx context.Context, actx *kernel.ActionContext, params map[string]interface{}) (*kernel.HandlerResult, error) {
	id, _ := params["id"].(string)

	c.mu.Lock()
	defer c.mu.Unlock()
	rows := c.publishers[actx.TenantID]
	idx := -1
	for i, row := range rows {
		if row["id"] == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("publisher %s not found", id)
	}

	impact := kernel.NewImpact("medium")
	impact.Deletes = append(impact.Deletes, kernel.ImpactItem{
		Type:  "publisher",
		ID:    id,
		Count: 1,
	})
	if actx.DryRun {
		return &kernel.HandlerResult{Data: impact, Impact: impact}, nil
	}

	c.publishers[actx.TenantID] = append(rows[:idx], rows[idx+1:]...)
	return &kernel.HandlerResult{Data: map[string]interface{}{"deleted": id}, Impact: impact}, nil
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
