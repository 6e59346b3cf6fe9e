// Package kernel implements the embedded per-action runtime: the request
// pipeline, action registry, audit emitter, and the adapter surface through
// which all I/O flows.
package kernel

import (
	"net/http"

	"github.com/northbeam-io/acp/pkg/contracts"
)

// APIVersion is reported by the meta pack.
const APIVersion = "1.0"

// Code is the closed set of machine-readable response codes.
type Code string

const (
	CodeValidationError       Code = "VALIDATION_ERROR"
	CodeInvalidAPIKey         Code = "INVALID_API_KEY"
	CodeScopeDenied           Code = "SCOPE_DENIED"
	CodeNotFound              Code = "NOT_FOUND"
	CodeRateLimited           Code = "RATE_LIMITED"
	CodeCeilingExceeded       Code = "CEILING_EXCEEDED"
	CodeIdempotentReplay      Code = "IDEMPOTENT_REPLAY"
	CodePolicyDenied          Code = "POLICY_DENIED"
	CodeFeatureDisabled       Code = "FEATURE_DISABLED"
	CodeGovernanceUnavailable Code = "GOVERNANCE_UNAVAILABLE"
	CodeInternalError         Code = "INTERNAL_ERROR"
)

// HTTPStatus maps a code to its stable HTTP status. IDEMPOTENT_REPLAY is
// carried on successful responses and therefore maps to 200.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeValidationError:
		return http.StatusBadRequest
	case CodeInvalidAPIKey:
		return http.StatusUnauthorized
	case CodeScopeDenied, CodePolicyDenied, CodeCeilingExceeded:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeFeatureDisabled, CodeGovernanceUnavailable:
		return http.StatusServiceUnavailable
	case CodeIdempotentReplay:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// Request is the management-endpoint envelope.
type Request struct {
	Action         string                 `json:"action"`
	Params         map[string]interface{} `json:"params,omitempty"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
	DryRun         bool                   `json:"dry_run,omitempty"`
}

// Response is the envelope returned for every request. On success OK is true
// and Code is empty, except for idempotent replays which carry
// CodeIdempotentReplay alongside OK=true.
type Response struct {
	OK                 bool        `json:"ok"`
	RequestID          string      `json:"request_id"`
	Data               interface{} `json:"data,omitempty"`
	DryRun             bool        `json:"dry_run,omitempty"`
	ConstraintsApplied []string    `json:"constraints_applied,omitempty"`
	Code               Code        `json:"code,omitempty"`
	Error              string      `json:"error,omitempty"`
}

// HTTPStatus returns the status the response should be served with.
func (r *Response) HTTPStatus() int {
	if r.OK {
		return http.StatusOK
	}
	return r.Code.HTTPStatus()
}

// ActionKind classifies actions for rate limiting, ceilings, authorisation and
// degradation policy.
type ActionKind string

const (
	ActionRead   ActionKind = "read"
	ActionWrite  ActionKind = "write"
	ActionDelete ActionKind = "delete"
)

// Mutation reports whether the kind persists changes.
func (k ActionKind) Mutation() bool {
	return k == ActionWrite || k == ActionDelete
}

// ActionDescriptor describes a registered action. Descriptors are immutable
// after registry construction.
type ActionDescriptor struct {
	// Name is the unique dotted action name, e.g. "domain.publishers.create".
	Name string `json:"name"`
	// Scope is the scope string an API key must hold.
	Scope string `json:"scope"`
	// Description is a human-readable summary.
	Description string `json:"description"`
	// Params is a JSON-Schema subset document for the action parameters
	// (object with typed properties, required list, enum/min/max).
	Params map[string]interface{} `json:"params,omitempty"`
	// Kind classifies the action; mutations gate on ceilings and policy.
	Kind ActionKind `json:"kind"`
	// SupportsDryRun marks mutations that can predict impact without
	// persisting.
	SupportsDryRun bool `json:"supports_dry_run"`
	// SummaryKeys is the allowlist of top-level param keys projected into
	// params_summary for policy evaluation. Never nested bodies.
	SummaryKeys []string `json:"-"`
}

// Pack returns the first dotted segment of the action name.
func (d *ActionDescriptor) Pack() string {
	for i := 0; i < len(d.Name); i++ {
		if d.Name[i] == '.' {
			return d.Name[:i]
		}
	}
	return d.Name
}

// ImpactItem describes one resource touched by a mutation.
type ImpactItem struct {
	Type    string                 `json:"type"`
	ID      string                 `json:"id,omitempty"`
	Count   int                    `json:"count"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Impact is the predicted effect of a mutation. Dry-run handlers must return
// one; for real execution it is optional but feeds result_meta derivation.
type Impact struct {
	Creates          []ImpactItem `json:"creates"`
	Updates          []ImpactItem `json:"updates"`
	Deletes          []ImpactItem `json:"deletes"`
	SideEffects      []string     `json:"side_effects"`
	Risk             string       `json:"risk"`
	Warnings         []string     `json:"warnings"`
	EstimatedCost    *float64     `json:"estimated_cost,omitempty"`
	RequiresApproval bool         `json:"requires_approval,omitempty"`
}

// NewImpact returns an impact with all slices non-nil so the serialized shape
// always carries empty arrays rather than nulls.
func NewImpact(risk string) *Impact {
	return &Impact{
		Creates:     []ImpactItem{},
		Updates:     []ImpactItem{},
		Deletes:     []ImpactItem{},
		SideEffects: []string{},
		Risk:        risk,
		Warnings:    []string{},
	}
}

// ResultMeta derives the audit result_meta from an impact: resource_type from
// the first create or update, resource_id from the first update, count from
// creates or deletes, ids_created from create details.
func (im *Impact) ResultMeta() *contracts.ResultMeta {
	if im == nil {
		return nil
	}
	meta := &contracts.ResultMeta{}
	switch {
	case len(im.Creates) > 0:
		meta.ResourceType = im.Creates[0].Type
		for _, c := range im.Creates {
			meta.Count += c.Count
			if c.ID != "" {
				meta.IDsCreated = append(meta.IDsCreated, c.ID)
			}
		}
	case len(im.Updates) > 0:
		meta.ResourceType = im.Updates[0].Type
		meta.ResourceID = im.Updates[0].ID
	case len(im.Deletes) > 0:
		meta.ResourceType = im.Deletes[0].Type
		for _, d := range im.Deletes {
			meta.Count += d.Count
		}
	default:
		return nil
	}
	return meta
}

// HandlerResult is what action handlers return.
type HandlerResult struct {
	Data   interface{}
	Impact *Impact
}

// APIKeyRecord is the kernel-side API key row. Only the prefix is ever
// audited; the full key is hashed at issue time and never persisted.
type APIKeyRecord struct {
	ID        string   `json:"id"`
	TenantID  string   `json:"tenant_id"`
	Prefix    string   `json:"prefix"`
	KeyHash   string   `json:"-"`
	Name      string   `json:"name"`
	Scopes    []string `json:"scopes"`
	Status    string   `json:"status"`
	CreatedAt int64    `json:"created_at"`
	UpdatedAt int64    `json:"updated_at"`
	// RateLimitPerMin is the per-key default window limit (0 = kernel default).
	RateLimitPerMin int `json:"rate_limit_per_min,omitempty"`
}

// API key statuses. Revocation is terminal.
const (
	KeyStatusActive  = "active"
	KeyStatusRevoked = "revoked"
)

// HasScope reports whether the key carries the scope.
func (k *APIKeyRecord) HasScope(scope string) bool {
	for _, s := range k.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}
