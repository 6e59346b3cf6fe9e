package kve

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northbeam-io/acp/pkg/contracts"
)

const testServiceKey = "svc_0123456789abcdef"

func newKVEServer(t *testing.T) (http.Handler, *MemoryStore) {
	t.Helper()
	ctx := context.Background()
	pepper := []byte("kve-pepper")

	store := NewMemoryStore()
	require.NoError(t, store.PutServiceKey(ctx, &ServiceKey{
		ID: "svc-1", Name: "kernel", KeyHMAC: KeyHMAC(pepper, testServiceKey), Status: ServiceKeyActive,
	}))
	require.NoError(t, store.PutAllowlistEntry(ctx, &AllowlistEntry{
		Integration: "crm", Action: "crm.contacts.create", Enabled: true,
	}))
	require.NoError(t, store.PutTenantIntegration(ctx, &TenantIntegration{
		TenantID: "t-1", Integration: "crm", SecretName: "crm-prod",
	}))

	executor := NewExecutor(store, NewStaticSecretProvider(map[string]string{"crm-prod": "tok"}))
	executor.RegisterHandler("crm", func(ctx context.Context, cred Credential, req *contracts.ExecuteRequest) (*HandlerResult, error) {
		return &HandlerResult{
			Data:     map[string]interface{}{"id": "c-1"},
			Upstream: &contracts.UpstreamInfo{HTTPStatus: 201},
		}, nil
	})

	return NewServer(executor, store, pepper, nil).Handler(), store
}

func postExecute(handler http.Handler, body, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/execute", bytes.NewReader([]byte(body)))
	req.RemoteAddr = "203.0.113.4:9999"
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestServerExecuteRoundTrip(t *testing.T) {
	handler, _ := newKVEServer(t)

	body := `{"tenant_id":"t-1","integration":"crm","action":"crm.contacts.create","params":{"name":"Ada"},"request_hash":"h"}`
	rec := postExecute(handler, body, testServiceKey)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp contracts.ExecuteResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.Equal(t, "c-1", resp.Data["id"])
}

func TestServerRejectsMissingOrUnknownKey(t *testing.T) {
	handler, _ := newKVEServer(t)

	rec := postExecute(handler, `{}`, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), CodeInvalidServiceKey)

	rec = postExecute(handler, `{}`, "svc_wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServerRejectsRevokedKey(t *testing.T) {
	handler, store := newKVEServer(t)

	require.NoError(t, store.PutServiceKey(context.Background(), &ServiceKey{
		ID: "svc-1", Name: "kernel", KeyHMAC: KeyHMAC([]byte("kve-pepper"), testServiceKey), Status: ServiceKeyRevoked,
	}))

	rec := postExecute(handler, `{}`, testServiceKey)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "revoked")
}

func TestServerRejectsExpiredKey(t *testing.T) {
	handler, store := newKVEServer(t)

	expired := time.Now().Add(-time.Hour)
	require.NoError(t, store.PutServiceKey(context.Background(), &ServiceKey{
		ID: "svc-1", Name: "kernel", KeyHMAC: KeyHMAC([]byte("kve-pepper"), testServiceKey),
		Status: ServiceKeyActive, ExpiresAt: &expired,
	}))

	rec := postExecute(handler, `{}`, testServiceKey)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "expired")
}

func TestServerStampsLastUsed(t *testing.T) {
	handler, store := newKVEServer(t)

	body := `{"tenant_id":"t-1","integration":"crm","action":"crm.contacts.create","params":{},"request_hash":"h"}`
	rec := postExecute(handler, body, testServiceKey)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	key, err := store.GetServiceKeyByHMAC(context.Background(), KeyHMAC([]byte("kve-pepper"), testServiceKey))
	require.NoError(t, err)
	require.NotNil(t, key.LastUsedAt)
	assert.WithinDuration(t, time.Now(), *key.LastUsedAt, time.Minute)
}

func TestServerBodySizeCap(t *testing.T) {
	handler, _ := newKVEServer(t)

	body := fmt.Sprintf(`{"tenant_id":"t-1","integration":"crm","action":"crm.contacts.create","params":{"pad":"%s"}}`,
		strings.Repeat("x", MaxExecuteBodyBytes))
	rec := postExecute(handler, body, testServiceKey)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Contains(t, rec.Body.String(), "64KB")
}

func TestServerErrorCodeStatusMapping(t *testing.T) {
	handler, _ := newKVEServer(t)

	// Not on the allowlist.
	rec := postExecute(handler,
		`{"tenant_id":"t-1","integration":"crm","action":"crm.contacts.delete"}`, testServiceKey)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), CodeActionNotAllowed)

	rec = postExecute(handler, `not json`, testServiceKey)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusForCode(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusForCode(CodeValidationError))
	assert.Equal(t, http.StatusForbidden, statusForCode(CodeActionNotAllowed))
	assert.Equal(t, http.StatusForbidden, statusForCode(CodeTenantNotAllowed))
	assert.Equal(t, http.StatusNotFound, statusForCode(CodeIntegrationNotConfigured))
	assert.Equal(t, http.StatusServiceUnavailable, statusForCode(CodeCredentialUnavailable))
	assert.Equal(t, http.StatusBadGateway, statusForCode(CodeUpstreamError))
}
