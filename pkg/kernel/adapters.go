package kernel

import (
	"context"
	"fmt"
	"time"

	"github.com/northbeam-io/acp/pkg/contracts"
)

// The adapter interfaces are the kernel's only I/O surface. Each has an
// in-memory implementation for tests and an HTTP implementation for
// production; the router depends on neither.

// TeamMemberRecord is a host-side team member row.
type TeamMemberRecord struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Email    string `json:"email"`
	Role     string `json:"role"`
}

// WebhookRecord is a host-side webhook registration.
type WebhookRecord struct {
	ID       string   `json:"id"`
	TenantID string   `json:"tenant_id"`
	URL      string   `json:"url"`
	Events   []string `json:"events"`
	Status   string   `json:"status"`
}

// WebhookDeliveryRecord tracks one delivery attempt.
type WebhookDeliveryRecord struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenant_id"`
	WebhookID  string `json:"webhook_id"`
	EventID    string `json:"event_id"`
	StatusCode int    `json:"status_code"`
	CreatedAt  int64  `json:"created_at"`
}

// DBAdapter is the host database surface. Every method takes a tenant id and
// must never return rows outside it.
type DBAdapter interface {
	// API keys. Lookup is tenant-agnostic by construction: the key itself
	// establishes the tenant.
	GetAPIKey(ctx context.Context, prefix, hash string) (*APIKeyRecord, error)
	InsertAPIKey(ctx context.Context, tenantID string, rec *APIKeyRecord) error
	ListAPIKeys(ctx context.Context, tenantID string) ([]*APIKeyRecord, error)
	UpdateAPIKeyStatus(ctx context.Context, tenantID, id, status string) error
	CountAPIKeys(ctx context.Context, tenantID string) (int, error)

	// Team members.
	ListTeamMembers(ctx context.Context, tenantID string) ([]*TeamMemberRecord, error)

	// Webhooks.
	InsertWebhook(ctx context.Context, tenantID string, rec *WebhookRecord) error
	ListWebhooks(ctx context.Context, tenantID string) ([]*WebhookRecord, error)
	InsertWebhookDelivery(ctx context.Context, tenantID string, rec *WebhookDeliveryRecord) error

	// Settings.
	GetSetting(ctx context.Context, tenantID, key string) (string, error)
	PutSetting(ctx context.Context, tenantID, key, value string) error
}

// AuditAdapter receives emitted events. All calls are best-effort from the
// router's perspective: failures never convert a successful action into a
// failed response.
type AuditAdapter interface {
	LogEvent(ctx context.Context, event *contracts.AuditEvent) error
}

// LegacyAuditEntry is the pre-v1 audit shape.
//
// Deprecated: retained for one release of backward compatibility; new
// installations must emit through the Emitter.
type LegacyAuditEntry struct {
	TenantID    string                 `json:"tenant_id"`
	Integration string                 `json:"integration"`
	Action      string                 `json:"action"`
	Status      string                 `json:"status"`
	ActorType   string                 `json:"actor_type"`
	ActorID     string                 `json:"actor_id"`
	Meta        map[string]interface{} `json:"meta,omitempty"`
}

// IdempotencyAdapter stores replay responses under (tenant, action, key) with
// an adapter-defined TTL (24h recommended).
type IdempotencyAdapter interface {
	// GetReplay returns the cached response or nil on miss.
	GetReplay(ctx context.Context, tenantID, action, key string) (*Response, error)
	StoreReplay(ctx context.Context, tenantID, action, key string, resp *Response) error
}

// RateLimitResult reports the window state after a check.
type RateLimitResult struct {
	Allowed   bool `json:"allowed"`
	Limit     int  `json:"limit"`
	Remaining int  `json:"remaining"`
}

// RateLimitAdapter enforces fixed-window limits per (api_key_id, action).
// Implementations must make increment-and-check logically atomic.
type RateLimitAdapter interface {
	Check(ctx context.Context, apiKeyID, action string, limit int) (*RateLimitResult, error)
}

// CeilingError is returned when a hard ceiling would be breached.
type CeilingError struct {
	Ceiling string
	Limit   float64
	Value   float64
}

func (e *CeilingError) Error() string {
	return fmt.Sprintf("ceiling %s exceeded: %.2f > %.2f", e.Ceiling, e.Value, e.Limit)
}

// CeilingsAdapter enforces hard per-day/per-month/per-transfer ceilings on
// well-known mutations. Check returns a *CeilingError on breach.
type CeilingsAdapter interface {
	Check(ctx context.Context, action string, params map[string]interface{}, tenantID string) error
	GetUsage(ctx context.Context, ceiling, tenantID, period string) (float64, error)
}

// ControlPlaneAdapter asks the Governance Hub for an authoritative decision.
type ControlPlaneAdapter interface {
	Authorize(ctx context.Context, req *contracts.AuthorizeRequest) (*contracts.Decision, error)
}

// ExecuteResult is the sanitised outcome of an external execution.
type ExecuteResult struct {
	Data         interface{} `json:"data,omitempty"`
	ResourceIDs  []string    `json:"resource_ids,omitempty"`
	ResourceType string      `json:"resource_type,omitempty"`
	Count        int         `json:"count,omitempty"`
}

// ExecutorAdapter proxies external-service calls. Trace is required at the
// interface; implementations that do not need it may ignore the value.
type ExecutorAdapter interface {
	Execute(ctx context.Context, endpoint string, params map[string]interface{}, tenantID string, trace *contracts.Trace) (*ExecuteResult, error)
}

// Adapters bundles the host-supplied adapter set.
type Adapters struct {
	DB          DBAdapter
	Audit       AuditAdapter
	Idempotency IdempotencyAdapter
	RateLimit   RateLimitAdapter
	Ceilings    CeilingsAdapter
	// Policy is optional; when nil the authorisation step is skipped.
	Policy ControlPlaneAdapter
	// Executor is optional; handlers that proxy external calls require it.
	Executor ExecutorAdapter
}

// ActionContext is handed to every handler invocation.
type ActionContext struct {
	TenantID  string
	APIKeyID  string
	Scopes    []string
	DryRun    bool
	RequestID string
	Start     time.Time
	Bindings  *Bindings
	Adapters  *Adapters

	// Convenience handles mirrored from Adapters.
	Executor     ExecutorAdapter
	ControlPlane ControlPlaneAdapter
}

// HandlerFunc executes one action. Dry-run invocations must return an Impact.
type HandlerFunc func(ctx context.Context, actx *ActionContext, params map[string]interface{}) (*HandlerResult, error)
