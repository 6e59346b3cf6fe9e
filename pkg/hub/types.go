// Package hub implements the Governance Hub: the authoritative decision
// engine, audit ingest, revocations, and the kernel registry.
package hub

import (
	"time"

	"github.com/northbeam-io/acp/pkg/contracts"
)

// Organisation is the hub's top-level account scope. The authorization
// defaults live here, not in policy rows.
type Organisation struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	// DefaultAllowReads applies when no policy matches a read action.
	DefaultAllowReads bool `json:"default_allow_reads"`
	// DefaultAllowWrites applies when no policy matches a mutation.
	DefaultAllowWrites bool `json:"default_allow_writes"`
	// ColdStorageEnabled turns on gzip blob archival of ingested events.
	ColdStorageEnabled bool `json:"cold_storage_enabled"`
	// MinKernelVersion is an optional semver constraint; heartbeats from
	// kernels outside it flip the inventory record to "outdated".
	MinKernelVersion string `json:"min_kernel_version,omitempty"`
}

// TimeWindow restricts a policy to days-of-week and an hour range in a
// timezone. Hours are half-open: [StartHour, EndHour).
type TimeWindow struct {
	Days      []string `json:"days,omitempty"`
	StartHour int      `json:"start_hour"`
	EndHour   int      `json:"end_hour"`
	Timezone  string   `json:"timezone,omitempty"`
}

// AmountCeiling fires when the referenced params_summary field exceeds Max.
type AmountCeiling struct {
	Field string  `json:"field"`
	Max   float64 `json:"max"`
}

// Condition is the policy match object. Every present clause must be
// satisfied for the policy to match.
type Condition struct {
	// Action matches with single-segment glob, e.g. "domain.*.delete".
	Action    string         `json:"action,omitempty"`
	TenantID  string         `json:"tenant_id,omitempty"`
	ActorType string         `json:"actor_type,omitempty"`
	Time      *TimeWindow    `json:"time,omitempty"`
	Amount    *AmountCeiling `json:"amount,omitempty"`
	// CEL is an optional expression over
	// {action, actor_type, tenant_id, params_summary}. Evaluation errors make
	// the condition not match.
	CEL string `json:"cel,omitempty"`
}

// Policy effects. The column is a free string so new effects need no
// migration.
const (
	EffectAllow           = "allow"
	EffectDeny            = "deny"
	EffectRequireApproval = "require_approval"
)

// Policy is one hub-side authorization rule.
type Policy struct {
	ID       string    `json:"id"`
	OrgID    string    `json:"organisation_id"`
	KernelID string    `json:"kernel_id,omitempty"`
	TenantID string    `json:"tenant_id,omitempty"`
	Name     string    `json:"name"`
	Version  int       `json:"version"`
	Effect   string    `json:"effect"`
	Priority int       `json:"priority"`
	Enabled  bool      `json:"enabled"`
	Cond     Condition `json:"condition"`
	Reason   string    `json:"reason,omitempty"`
}

// Kernel inventory statuses.
const (
	KernelStatusActive   = "active"
	KernelStatusDegraded = "degraded"
	KernelStatusOutdated = "outdated"
)

// KernelRecord is one row of the kernel inventory. APIKeyHMAC is
// HMAC-SHA-256(pepper, kernel_api_key); raw keys are never stored.
type KernelRecord struct {
	ID            string    `json:"id"`
	OrgID         string    `json:"organisation_id"`
	APIKeyHMAC    string    `json:"-"`
	Version       string    `json:"version"`
	Packs         []string  `json:"packs"`
	Env           string    `json:"env"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Status        string    `json:"status"`
	RegisteredAt  time.Time `json:"registered_at"`
}

// DecisionRow is the persisted record of an authoritative decision. An allow
// is never returned to a kernel unless its row is stored first.
type DecisionRow struct {
	DecisionID    string    `json:"decision_id"`
	OrgID         string    `json:"organisation_id"`
	KernelID      string    `json:"kernel_id"`
	TenantID      string    `json:"tenant_id"`
	Action        string    `json:"action"`
	RequestHash   string    `json:"request_hash"`
	Decision      string    `json:"decision"`
	PolicyID      string    `json:"policy_id,omitempty"`
	PolicyVersion string    `json:"policy_version"`
	ApprovalID    string    `json:"approval_id,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// AuditHotRow is the indexed projection of an ingested audit event. The raw
// request payload is never part of it.
type AuditHotRow struct {
	EventID              string                `json:"event_id"`
	TS                   int64                 `json:"ts"`
	OrgID                string                `json:"organisation_id"`
	KernelID             string                `json:"kernel_id"`
	TenantID             string                `json:"tenant_id"`
	Integration          string                `json:"integration"`
	Pack                 string                `json:"pack"`
	SchemaVersion        int                   `json:"schema_version"`
	ActorType            string                `json:"actor_type"`
	ActorID              string                `json:"actor_id"`
	Action               string                `json:"action"`
	Status               string                `json:"status"`
	RequestHash          string                `json:"request_hash"`
	PolicyDecisionID     string                `json:"policy_decision_id,omitempty"`
	PolicyID             string                `json:"policy_id,omitempty"`
	DecisionSource       string                `json:"decision_source,omitempty"`
	DegradedReason       string                `json:"degraded_reason,omitempty"`
	LatencyMS            int64                 `json:"latency_ms,omitempty"`
	ErrorCode            string                `json:"error_code,omitempty"`
	ErrorMessageRedacted string                `json:"error_message_redacted,omitempty"`
	ResultMeta           *contracts.ResultMeta `json:"result_meta,omitempty"`
	IdempotencyKey       string                `json:"idempotency_key,omitempty"`
	IPAddress            string                `json:"ip_address,omitempty"`
	DryRun               bool                  `json:"dry_run,omitempty"`
	CreatedAt            time.Time             `json:"created_at"`
}

// ProjectHotRow builds the hot row for an event within an organisation.
func ProjectHotRow(orgID string, event *contracts.AuditEvent) *AuditHotRow {
	return &AuditHotRow{
		EventID:              event.EventID,
		TS:                   event.TS,
		OrgID:                orgID,
		KernelID:             event.KernelID,
		TenantID:             event.TenantID,
		Integration:          event.Integration,
		Pack:                 event.Pack,
		SchemaVersion:        event.SchemaVersion,
		ActorType:            event.Actor.Type,
		ActorID:              event.Actor.ID,
		Action:               event.Action,
		Status:               event.Status,
		RequestHash:          event.RequestHash,
		PolicyDecisionID:     event.PolicyDecisionID,
		PolicyID:             event.PolicyID,
		DecisionSource:       event.DecisionSource,
		DegradedReason:       event.DegradedReason,
		LatencyMS:            event.LatencyMS,
		ErrorCode:            event.ErrorCode,
		ErrorMessageRedacted: event.ErrorMessageRedacted,
		ResultMeta:           event.ResultMeta,
		IdempotencyKey:       event.IdempotencyKey,
		IPAddress:            event.IPAddress,
		DryRun:               event.DryRun,
		CreatedAt:            time.Now().UTC(),
	}
}

// AuditQuery filters the hot index.
type AuditQuery struct {
	OrgID    string
	TenantID string
	Action   string
	Status   string
	From     int64
	To       int64
	Page     int
	Limit    int
}

// AuditPage is one page of query results.
type AuditPage struct {
	Entries []*AuditHotRow `json:"entries"`
	Total   int            `json:"total"`
	Page    int            `json:"page"`
}

// Revocation is one append-only revocation entry.
type Revocation struct {
	Type      string    `json:"type"`
	TargetID  string    `json:"id"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
