// Package contracts defines the wire shapes exchanged between the kernel, the
// Governance Hub, and the Key-Vault Executor. All JSON is snake_case.
package contracts

// Schema constants stamped on every audit event.
const (
	EventVersion  = 1
	SchemaVersion = 1
)

// Audit event statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusDenied  = "denied"
)

// Actor types.
const (
	ActorAPIKey = "api_key"
	ActorUser   = "user"
	ActorSystem = "system"
)

// Decision sources recorded in audit rows.
const (
	DecisionSourcePlatform = "platform"
	DecisionSourceDegraded = "kernel_degraded"
)

// DegradedReasonUnreachable is stamped when the hub could not be consulted.
const DegradedReasonUnreachable = "platform_unreachable"

// Actor identifies who performed an action. For API keys the ID is the key
// prefix; the full key never appears in any event.
type Actor struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	APIKeyID string `json:"api_key_id,omitempty"`
}

// ResultMeta summarises the outcome of an action without retaining payloads.
type ResultMeta struct {
	ResourceType string   `json:"resource_type,omitempty"`
	ResourceID   string   `json:"resource_id,omitempty"`
	Count        int      `json:"count,omitempty"`
	IDsCreated   []string `json:"ids_created,omitempty"`
}

// AuditEvent is the tamper-evident record emitted by the kernel for every
// request and ingested by the Governance Hub. The raw request payload is never
// part of the event; only its sanitised canonical hash is.
type AuditEvent struct {
	EventID       string `json:"event_id"`
	EventVersion  int    `json:"event_version"`
	SchemaVersion int    `json:"schema_version"`
	TS            int64  `json:"ts"`
	TenantID      string `json:"tenant_id"`
	Integration   string `json:"integration"`
	KernelID      string `json:"kernel_id,omitempty"`
	Pack          string `json:"pack"`
	Action        string `json:"action"`
	Status        string `json:"status"`
	Actor         Actor  `json:"actor"`
	RequestHash   string `json:"request_hash"`

	PolicyDecisionID     string      `json:"policy_decision_id,omitempty"`
	PolicyID             string      `json:"policy_id,omitempty"`
	PolicyVersion        string      `json:"policy_version,omitempty"`
	DecisionSource       string      `json:"decision_source,omitempty"`
	DegradedReason       string      `json:"degraded_reason,omitempty"`
	ResultMeta           *ResultMeta `json:"result_meta,omitempty"`
	RunID                string      `json:"run_id,omitempty"`
	CorrelationID        string      `json:"correlation_id,omitempty"`
	NodeID               string      `json:"node_id,omitempty"`
	LatencyMS            int64       `json:"latency_ms,omitempty"`
	ErrorCode            string      `json:"error_code,omitempty"`
	ErrorMessageRedacted string      `json:"error_message_redacted,omitempty"`
	IdempotencyKey       string      `json:"idempotency_key,omitempty"`
	IPAddress            string      `json:"ip_address,omitempty"`
	DryRun               bool        `json:"dry_run,omitempty"`
}

// IngestResponse is returned by the hub's audit ingest endpoint.
type IngestResponse struct {
	OK       bool     `json:"ok"`
	Accepted int      `json:"accepted"`
	IDs      []string `json:"ids,omitempty"`
}
