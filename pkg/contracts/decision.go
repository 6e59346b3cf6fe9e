package contracts

import "time"

// DecisionValue is the authoritative policy outcome.
type DecisionValue string

const (
	DecisionAllow           DecisionValue = "allow"
	DecisionDeny            DecisionValue = "deny"
	DecisionRequireApproval DecisionValue = "require_approval"
)

// Decision-token caching bounds for kernels.
const (
	DefaultDecisionTTLMS = 5000
	MaxDecisionTTLMS     = 60000
)

// AuthorizeRequest is what a kernel sends to POST /authorize. ParamsSummary is
// a small projection of action parameters, never a nested request body.
type AuthorizeRequest struct {
	KernelID              string                 `json:"kernel_id"`
	TenantID              string                 `json:"tenant_id"`
	Actor                 Actor                  `json:"actor"`
	Action                string                 `json:"action"`
	RequestHash           string                 `json:"request_hash"`
	ParamsSummary         map[string]interface{} `json:"params_summary,omitempty"`
	ParamsSummarySchemaID string                 `json:"params_summary_schema_id,omitempty"`
}

// Decision is the hub's signed, authoritative decision token. The kernel may
// cache an allow outcome for at most DecisionTTLMS under the composite key
// (action, actor, tenant, request_hash, policy_version).
type Decision struct {
	DecisionID    string        `json:"decision_id"`
	Decision      DecisionValue `json:"decision"`
	ApprovalID    string        `json:"approval_id,omitempty"`
	Reason        string        `json:"reason,omitempty"`
	PolicyID      string        `json:"policy_id,omitempty"`
	PolicyVersion string        `json:"policy_version"`
	ExpiresAt     *time.Time    `json:"expires_at,omitempty"`
	DecisionTTLMS int64         `json:"decision_ttl_ms,omitempty"`
	// Token is the compact JWS form of this decision (HS256).
	Token string `json:"token,omitempty"`
}

// Allowed reports whether the decision permits execution.
func (d *Decision) Allowed() bool {
	return d != nil && d.Decision == DecisionAllow
}

// TTL returns the effective cache TTL, clamped to the hard cap.
func (d *Decision) TTL() time.Duration {
	ms := d.DecisionTTLMS
	if ms <= 0 {
		ms = DefaultDecisionTTLMS
	}
	if ms > MaxDecisionTTLMS {
		ms = MaxDecisionTTLMS
	}
	return time.Duration(ms) * time.Millisecond
}
