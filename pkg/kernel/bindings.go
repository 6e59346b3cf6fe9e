package kernel

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// FailMode governs behaviour when the Governance Hub is unreachable.
type FailMode string

const (
	// FailOpen lets requests proceed, stamped as degraded.
	FailOpen FailMode = "open"
	// FailClosed returns GOVERNANCE_UNAVAILABLE.
	FailClosed FailMode = "closed"
	// FailReadOpen allows reads and denies writes on outage.
	FailReadOpen FailMode = "read-open"
)

// AllowsDegraded reports whether an action of the given kind may proceed
// without a hub decision under this fail mode.
func (m FailMode) AllowsDegraded(kind ActionKind) bool {
	switch m {
	case FailOpen:
		return true
	case FailReadOpen:
		return !kind.Mutation()
	default:
		return false
	}
}

// AuthBindings configure how API keys are stored and recognised.
type AuthBindings struct {
	Table       string `json:"table"`
	KeyPrefix   string `json:"key_prefix"`
	PrefixLen   int    `json:"prefix_len"`
	HashColumn  string `json:"hash_column"`
	ScopeColumn string `json:"scope_column"`
}

// TenantBindings configure tenant resolution for the embedding host.
type TenantBindings struct {
	DefaultTenantID string `json:"default_tenant_id,omitempty"`
	HeaderName      string `json:"header_name,omitempty"`
}

// Bindings is the per-embedding configuration written by the installer.
// It is read once at kernel construction and never mutated at runtime.
type Bindings struct {
	Integration  string         `json:"integration"`
	KernelID     string         `json:"kernel_id"`
	BasePath     string         `json:"base_path"`
	EndpointPath string         `json:"endpoint_path"`
	Auth         AuthBindings   `json:"auth"`
	Tenant       TenantBindings `json:"tenant"`
	DBKind       string         `json:"db_kind"`
	// FailModes overrides the degradation class per action kind; the
	// ACP_FAIL_MODE environment variable provides the baseline.
	FailModes map[ActionKind]FailMode `json:"fail_modes,omitempty"`
}

// Validate fails fast on bindings the router cannot start with.
func (b *Bindings) Validate() error {
	if b == nil {
		return fmt.Errorf("bindings: nil")
	}
	if b.Integration == "" {
		return fmt.Errorf("bindings: integration must be a non-empty string")
	}
	if b.Auth.PrefixLen <= 0 {
		return fmt.Errorf("bindings: auth.prefix_len must be positive")
	}
	return nil
}

// EndpointDefaults fill unset endpoint paths.
func (b *Bindings) EndpointDefaults() {
	if b.BasePath == "" {
		b.BasePath = "/api"
	}
	if b.EndpointPath == "" {
		b.EndpointPath = "/manage"
	}
}

// FailModeFor resolves the effective fail mode for an action kind: a bindings
// override wins, otherwise the environment baseline applies.
func (b *Bindings) FailModeFor(kind ActionKind, baseline FailMode) FailMode {
	if b != nil && b.FailModes != nil {
		if m, ok := b.FailModes[kind]; ok {
			return m
		}
	}
	if baseline == "" {
		return FailClosed
	}
	return baseline
}

// RuntimeConfig is the environment-driven kernel configuration. It must be
// read lazily inside the handler, never at package initialisation, so the
// host process starts cleanly when the feature flag is off.
type RuntimeConfig struct {
	Enabled       bool   `envconfig:"ACP_ENABLED" default:"false"`
	BaseURL       string `envconfig:"ACP_BASE_URL"`
	KernelKey     string `envconfig:"ACP_KERNEL_KEY"`
	TenantID      string `envconfig:"ACP_TENANT_ID"`
	FailMode      string `envconfig:"ACP_FAIL_MODE" default:"closed"`
	KVEURL        string `envconfig:"CIA_URL"`
	KVEServiceKey string `envconfig:"CIA_SERVICE_KEY"`
	KVEAnonKey    string `envconfig:"CIA_ANON_KEY"`
	HubURL        string `envconfig:"GOVERNANCE_HUB_URL"`
	KernelID      string `envconfig:"KERNEL_ID"`
}

// LoadRuntimeConfig reads the ACP_* environment.
func LoadRuntimeConfig() (*RuntimeConfig, error) {
	var cfg RuntimeConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("kernel config: %w", err)
	}
	return &cfg, nil
}

// InstallManifest is the trust anchor written by the installer under
// .acp/install.json. It is read-once configuration, not live state.
type InstallManifest struct {
	KernelVersion string   `json:"kernel_version"`
	KernelHash    string   `json:"kernel_hash"`
	KernelID      string   `json:"kernel_id"`
	InstalledAt   string   `json:"installed_at"`
	Framework     string   `json:"framework"`
	Packs         []string `json:"packs"`
}

// LoadManifest reads an install manifest from dir/.acp/install.json.
func LoadManifest(dir string) (*InstallManifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ".acp", "install.json"))
	if err != nil {
		return nil, err
	}
	var m InstallManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}
	return &m, nil
}

// WriteManifest persists the manifest, creating .acp/ as needed.
func WriteManifest(dir string, m *InstallManifest) error {
	if m.InstalledAt == "" {
		m.InstalledAt = time.Now().UTC().Format(time.RFC3339)
	}
	if err := os.MkdirAll(filepath.Join(dir, ".acp"), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ".acp", "install.json"), data, 0o644)
}
