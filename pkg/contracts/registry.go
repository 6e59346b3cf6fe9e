package contracts

import "time"

// RevocationLists carries the revoked identifiers by category.
type RevocationLists struct {
	APIKeys []string `json:"api_keys"`
	Tenants []string `json:"tenants"`
	Kernels []string `json:"kernels"`
}

// RevocationSnapshot is the versioned, immutable snapshot kernels poll for
// local fast-deny. The version is monotonic within a kernel scope.
type RevocationSnapshot struct {
	Revocations        RevocationLists `json:"revocations"`
	RevocationsVersion int64           `json:"revocations_version"`
	ExpiresAt          time.Time       `json:"expires_at"`
}

// Revocation types accepted by POST /revoke.
const (
	RevokeKey    = "key"
	RevokeTenant = "tenant"
	RevokeKernel = "kernel"
)

// RevokeRequest appends to the hub revocation store.
type RevokeRequest struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Reason string `json:"reason,omitempty"`
}

// HeartbeatRequest is posted by kernels with their bearer kernel API key.
type HeartbeatRequest struct {
	KernelID string   `json:"kernel_id"`
	Version  string   `json:"version"`
	Packs    []string `json:"packs"`
	Env      string   `json:"env"`
	Status   string   `json:"status"`
}

// HeartbeatResponse tells the kernel the current policy and revocations
// versions so it can invalidate local caches.
type HeartbeatResponse struct {
	OK                 bool   `json:"ok"`
	KernelRegistered   bool   `json:"kernel_registered"`
	PolicyVersion      string `json:"policy_version"`
	RevocationsVersion int64  `json:"revocations_version"`
}

// Trace carries correlation identifiers across service boundaries.
type Trace struct {
	RequestID     string `json:"request_id,omitempty"`
	RunID         string `json:"run_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	NodeID        string `json:"node_id,omitempty"`
}

// ExecuteRequest is the KVE /execute body.
type ExecuteRequest struct {
	TenantID       string                 `json:"tenant_id"`
	Integration    string                 `json:"integration"`
	Action         string                 `json:"action"`
	Params         map[string]interface{} `json:"params,omitempty"`
	RequestHash    string                 `json:"request_hash"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
	Trace          *Trace                 `json:"trace,omitempty"`
}

// UpstreamInfo reports the third-party call outcome without its body.
type UpstreamInfo struct {
	HTTPStatus int    `json:"http_status"`
	RequestID  string `json:"request_id,omitempty"`
}

// ExecuteResponse is the sanitised KVE result. Data never contains credential
// material; error messages pass through the shared redaction rule.
type ExecuteResponse struct {
	OK                   bool                   `json:"ok"`
	Status               string                 `json:"status"`
	ResultMeta           *ResultMeta            `json:"result_meta,omitempty"`
	Data                 map[string]interface{} `json:"data,omitempty"`
	ErrorCode            string                 `json:"error_code,omitempty"`
	ErrorMessageRedacted string                 `json:"error_message_redacted,omitempty"`
	Upstream             *UpstreamInfo          `json:"upstream,omitempty"`
}
