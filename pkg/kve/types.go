// Package kve implements the Key-Vault Executor: the only process that holds
// integration credentials. Kernels send it fully-authorized execute requests;
// it resolves the tenant's credential, calls the upstream, and returns a
// sanitised result. Credential material never appears in logs, responses, or
// error messages.
package kve

import "time"

// ServiceKey authenticates a calling kernel deployment. Only the peppered
// HMAC of the key is stored.
type ServiceKey struct {
	ID      string `json:"id"`
	OrgID   string `json:"organisation_id,omitempty"`
	Name    string `json:"name"`
	KeyHMAC string `json:"-"`
	// AllowedTenantIDs scopes the key; empty means all tenants.
	AllowedTenantIDs []string   `json:"allowed_tenant_ids,omitempty"`
	Status           string     `json:"status"`
	CreatedAt        time.Time  `json:"created_at"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	LastUsedAt       *time.Time `json:"last_used_at,omitempty"`
}

// Service key statuses.
const (
	ServiceKeyActive  = "active"
	ServiceKeyRevoked = "revoked"
)

// Expired reports whether the key's expiry, if any, has passed.
func (k *ServiceKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// AllowedForTenant reports whether the key may act for a tenant.
func (k *ServiceKey) AllowedForTenant(tenantID string) bool {
	if len(k.AllowedTenantIDs) == 0 {
		return true
	}
	for _, id := range k.AllowedTenantIDs {
		if id == tenantID {
			return true
		}
	}
	return false
}

// AllowlistEntry permits one (integration, action) pair. Execution of
// anything not on the allowlist, or whose entry is disabled, is refused
// regardless of upstream policy.
type AllowlistEntry struct {
	Integration   string `json:"integration"`
	Action        string `json:"action"`
	ActionVersion string `json:"action_version,omitempty"`
	Enabled       bool   `json:"enabled"`
}

// TenantIntegration maps a tenant's integration to the name of its credential
// in the secret backend. The credential itself is never stored here.
type TenantIntegration struct {
	TenantID    string            `json:"tenant_id"`
	Integration string            `json:"integration"`
	SecretName  string            `json:"secret_name"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Credential is a resolved secret plus the integration metadata handlers need
// (base URLs, account ids). It lives only on the stack during one execute.
type Credential struct {
	Token    string
	Metadata map[string]string
}
