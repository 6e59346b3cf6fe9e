// Package iam provides the built-in API key management pack. Keys are returned
// in full exactly once, at creation; only the SHA-256 hash and the display
// prefix are ever stored.
package iam

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/northbeam-io/acp/pkg/kernel"
)

const (
	// ScopeManageIAM gates key mutations.
	ScopeManageIAM = "manage.iam"
	// ScopeManageRead gates listings.
	ScopeManageRead = "manage.read"

	keyRandomBytes = 24
)

// Pack builds the iam pack against the install-time bindings, which provide
// the key prefix convention.
func Pack(bindings *kernel.Bindings) *kernel.Pack {
	p := kernel.NewPack("iam")

	p.Register(&kernel.ActionDescriptor{
		Name:           "iam.keys.create",
		Scope:          ScopeManageIAM,
		Description:    "Create an API key with the given name and scopes. The full key is returned once and never again.",
		Kind:           kernel.ActionWrite,
		SupportsDryRun: true,
		Params: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"name": map[string]interface{}{
					"type":      "string",
					"minLength": 1,
					"maxLength": 120,
				},
				"scopes": map[string]interface{}{
					"type":     "array",
					"items":    map[string]interface{}{"type": "string"},
					"minItems": 1,
				},
				"rate_limit_per_min": map[string]interface{}{
					"type":    "integer",
					"minimum": 1,
					"maximum": 10000,
				},
			},
			"required":             []interface{}{"name", "scopes"},
			"additionalProperties": false,
		},
		SummaryKeys: []string{"name", "scopes"},
	}, createKey(bindings))

	p.Register(&kernel.ActionDescriptor{
		Name:        "iam.keys.list",
		Scope:       ScopeManageRead,
		Description: "List API keys for the tenant. Key hashes are never included.",
		Kind:        kernel.ActionRead,
	}, listKeys)

	p.Register(&kernel.ActionDescriptor{
		Name:           "iam.keys.revoke",
		Scope:          ScopeManageIAM,
		Description:    "Revoke an API key. Revocation is terminal.",
		Kind:           kernel.ActionWrite,
		SupportsDryRun: true,
		Params: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"key_id": map[string]interface{}{
					"type":      "string",
					"minLength": 1,
				},
			},
			"required":             []interface{}{"key_id"},
			"additionalProperties": false,
		},
		SummaryKeys: []string{"key_id"},
	}, revokeKey)

	return p
}

func createKey(bindings *kernel.Bindings) kernel.HandlerFunc {
	return func(ctx context.Context, actx *kernel.ActionContext, params map[string]interface{}) (*kernel.HandlerResult, error) {
		name, _ := params["name"].(string)
		scopes := stringSlice(params["scopes"])
		rateLimit := intParam(params["rate_limit_per_min"])

		impact := kernel.NewImpact("low")
		impact.Creates = append(impact.Creates, kernel.ImpactItem{
			Type:  "api_key",
			Count: 1,
			Details: map[string]interface{}{
				"name":   name,
				"scopes": scopes,
			},
		})

		if actx.DryRun {
			return &kernel.HandlerResult{Data: impact, Impact: impact}, nil
		}

		fullKey, prefix, hash, err := generateKey(bindings.Auth.KeyPrefix, bindings.Auth.PrefixLen)
		if err != nil {
			return nil, fmt.Errorf("iam: key generation: %w", err)
		}

		now := time.Now().Unix()
		rec := &kernel.APIKeyRecord{
			ID:              uuid.New().String(),
			TenantID:        actx.TenantID,
			Prefix:          prefix,
			KeyHash:         hash,
			Name:            name,
			Scopes:          scopes,
			Status:          kernel.KeyStatusActive,
			CreatedAt:       now,
			UpdatedAt:       now,
			RateLimitPerMin: rateLimit,
		}
		if err := actx.Adapters.DB.InsertAPIKey(ctx, actx.TenantID, rec); err != nil {
			return nil, err
		}

		impact.Creates[0].ID = rec.ID
		return &kernel.HandlerResult{
			Data: map[string]interface{}{
				"id":     rec.ID,
				"name":   rec.Name,
				"key":    fullKey,
				"prefix": rec.Prefix,
				"scopes": rec.Scopes,
				"status": rec.Status,
			},
			Impact: impact,
		}, nil
	}
}

func listKeys(ctx context.Context, actx *kernel.ActionContext, params map[string]interface{}) (*kernel.HandlerResult, error) {
	keys, err := actx.Adapters.DB.ListAPIKeys(ctx, actx.TenantID)
	if err != nil {
		return nil, err
	}
	return &kernel.HandlerResult{Data: map[string]interface{}{
		"keys":  keys,
		"count": len(keys),
	}}, nil
}

func revokeKey(ctx context.Context, actx *kernel.ActionContext, params map[string]interface{}) (*kernel.HandlerResult, error) {
	keyID, _ := params["key_id"].(string)

	impact := kernel.NewImpact("medium")
	impact.Updates = append(impact.Updates, kernel.ImpactItem{
		Type:  "api_key",
		ID:    keyID,
		Count: 1,
		Details: map[string]interface{}{
			"status": kernel.KeyStatusRevoked,
		},
	})
	impact.SideEffects = append(impact.SideEffects,
		"requests authenticated with this key will fail with INVALID_API_KEY")

	if actx.DryRun {
		return &kernel.HandlerResult{Data: impact, Impact: impact}, nil
	}

	if err := actx.Adapters.DB.UpdateAPIKeyStatus(ctx, actx.TenantID, keyID, kernel.KeyStatusRevoked); err != nil {
		return nil, err
	}
	return &kernel.HandlerResult{
		Data: map[string]interface{}{
			"id":     keyID,
			"status": kernel.KeyStatusRevoked,
		},
		Impact: impact,
	}, nil
}

// generateKey produces prefix + random hex. The stored prefix is the first
// prefixLen characters of the full key; the stored hash covers the whole key.
func generateKey(keyPrefix string, prefixLen int) (full, prefix, hash string, err error) {
	buf := make([]byte, keyRandomBytes)
	if _, err = rand.Read(buf); err != nil {
		return "", "", "", err
	}
	full = keyPrefix + hex.EncodeToString(buf)
	if prefixLen > len(full) {
		prefixLen = len(full)
	}
	prefix = full[:prefixLen]
	sum := sha256.Sum256([]byte(full))
	return full, prefix, hex.EncodeToString(sum[:]), nil
}

func stringSlice(v interface{}) []string {
	items, _ := v.([]interface{})
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func intParam(v interface{}) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case interface{ Int64() (int64, error) }:
		i, err := n.Int64()
		if err == nil {
			return int(i)
		}
	}
	return 0
}
