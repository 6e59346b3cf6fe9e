// Package config loads service configuration from the environment, with an
// optional YAML deployment profile overlay for per-environment tuning.
package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// HubConfig configures the governance hub process.
type HubConfig struct {
	Addr         string `envconfig:"ADDR" default:":8080"`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info"`
	DatabaseURL  string `envconfig:"DATABASE_URL"`
	MasterSecret string `envconfig:"MASTER_SECRET"`

	// Cold storage. Backend is "none", "s3" or "gcs".
	ColdStorageBackend string `envconfig:"COLD_STORAGE_BACKEND" default:"none"`
	ColdStorageBucket  string `envconfig:"COLD_STORAGE_BUCKET"`

	RateLimitRPS   float64 `envconfig:"RATE_LIMIT_RPS" default:"50"`
	RateLimitBurst int     `envconfig:"RATE_LIMIT_BURST" default:"100"`

	OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
}

// KVEConfig configures the key-vault executor process.
type KVEConfig struct {
	Addr        string `envconfig:"ADDR" default:":8090"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	DatabaseURL string `envconfig:"DATABASE_URL"`
	Pepper      string `envconfig:"PEPPER"`

	// HTTPIntegrations lists integration names served by the generic
	// JSON-over-HTTP handler, e.g. "crm,billing". Each one reads its base
	// URL from the tenant integration metadata.
	HTTPIntegrations []string `envconfig:"HTTP_INTEGRATIONS"`

	OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
}

// KernelConfig configures an embedded kernel host.
type KernelConfig struct {
	Addr     string `envconfig:"ADDR" default:":8070"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	KernelID    string `envconfig:"KERNEL_ID" default:"kern-demo"`
	Integration string `envconfig:"INTEGRATION" default:"demo"`

	// Enabled routes traffic through the management endpoint. The demo host
	// defaults it on; embedded kernels default it off.
	Enabled  bool   `envconfig:"ENABLED" default:"true"`
	TenantID string `envconfig:"TENANT_ID" default:"demo-tenant"`

	HubURL    string `envconfig:"HUB_URL"`
	HubAPIKey string `envconfig:"HUB_API_KEY"`

	KVEURL        string `envconfig:"KVE_URL"`
	KVEServiceKey string `envconfig:"KVE_SERVICE_KEY"`
	KVEAnonKey    string `envconfig:"KVE_ANON_KEY"`

	// FailMode is "open", "closed" or "read-open".
	FailMode string `envconfig:"FAIL_MODE" default:"closed"`

	RedisURL string `envconfig:"REDIS_URL"`

	OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
}

// LoadHub reads hub configuration from ACP_HUB_* variables.
func LoadHub() (*HubConfig, error) {
	var cfg HubConfig
	if err := envconfig.Process("ACP_HUB", &cfg); err != nil {
		return nil, fmt.Errorf("config: hub: %w", err)
	}
	return &cfg, nil
}

// LoadKVE reads executor configuration from ACP_KVE_* variables.
func LoadKVE() (*KVEConfig, error) {
	var cfg KVEConfig
	if err := envconfig.Process("ACP_KVE", &cfg); err != nil {
		return nil, fmt.Errorf("config: kve: %w", err)
	}
	return &cfg, nil
}

// LoadKernel reads kernel host configuration from ACP_KERNEL_* variables.
func LoadKernel() (*KernelConfig, error) {
	var cfg KernelConfig
	if err := envconfig.Process("ACP_KERNEL", &cfg); err != nil {
		return nil, fmt.Errorf("config: kernel: %w", err)
	}
	return &cfg, nil
}
