package kve

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northbeam-io/acp/pkg/contracts"
)

func TestHTTPIntegrationCreatePostsWithBearer(t *testing.T) {
	var gotAuth, gotPath, gotMethod, gotIdem string
	var gotBody map[string]interface{}

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotMethod = r.Method
		gotIdem = r.Header.Get("Idempotency-Key")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)

		w.Header().Set("X-Request-Id", "up-1")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"id": "c-42"})
	}))
	defer upstream.Close()

	handler := HTTPIntegration(upstream.URL, nil)
	result, err := handler(context.Background(),
		Credential{Token: "tok-123"},
		&contracts.ExecuteRequest{
			Action:         "crm.contacts.create",
			Params:         map[string]interface{}{"name": "Ada"},
			IdempotencyKey: "idem-9",
		})
	require.NoError(t, err)

	assert.Equal(t, "Bearer tok-123", gotAuth)
	assert.Equal(t, "/contacts", gotPath)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "idem-9", gotIdem)
	assert.Equal(t, "Ada", gotBody["name"])

	assert.Equal(t, "c-42", result.Data["id"])
	assert.Equal(t, 201, result.Upstream.HTTPStatus)
	assert.Equal(t, "up-1", result.Upstream.RequestID)
	require.NotNil(t, result.ResultMeta)
	assert.Equal(t, "contacts", result.ResultMeta.ResourceType)
	assert.Equal(t, []string{"c-42"}, result.ResultMeta.IDsCreated)
}

func TestHTTPIntegrationVerbMapping(t *testing.T) {
	var gotPath, gotMethod string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotMethod = r.URL.Path, r.Method
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"items": []interface{}{1, 2, 3},
		})
	}))
	defer upstream.Close()

	handler := HTTPIntegration(upstream.URL, nil)

	result, err := handler(context.Background(), Credential{Token: "t"},
		&contracts.ExecuteRequest{Action: "crm.contacts.list"})
	require.NoError(t, err)
	assert.Equal(t, http.MethodGet, gotMethod)
	assert.Equal(t, "/contacts", gotPath)
	assert.Equal(t, 3, result.ResultMeta.Count)

	_, err = handler(context.Background(), Credential{Token: "t"},
		&contracts.ExecuteRequest{Action: "crm.contacts.delete", Params: map[string]interface{}{"id": "c-7"}})
	require.NoError(t, err)
	assert.Equal(t, http.MethodDelete, gotMethod)
	assert.Equal(t, "/contacts/c-7", gotPath)

	_, err = handler(context.Background(), Credential{Token: "t"},
		&contracts.ExecuteRequest{Action: "crm.contacts.get", Params: map[string]interface{}{"id": "c-7"}})
	require.NoError(t, err)
	assert.Equal(t, http.MethodGet, gotMethod)
	assert.Equal(t, "/contacts/c-7", gotPath)
}

func TestHTTPIntegrationUpstreamFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-Id", "up-err")
		http.Error(w, `{"error":"secret sk_live_oops invalid"}`, http.StatusUnauthorized)
	}))
	defer upstream.Close()

	handler := HTTPIntegration(upstream.URL, nil)
	_, err := handler(context.Background(), Credential{Token: "t"},
		&contracts.ExecuteRequest{Action: "crm.contacts.create", Params: map[string]interface{}{}})
	require.Error(t, err)

	var upErr *UpstreamError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, 401, upErr.Upstream.HTTPStatus)
	assert.Equal(t, "up-err", upErr.Upstream.RequestID)
	// The upstream body is never part of the error.
	assert.NotContains(t, upErr.Message, "sk_live_oops")
}

func TestHTTPIntegrationBaseURLOverride(t *testing.T) {
	var hit bool
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit = true
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	handler := HTTPIntegration("http://unreachable.invalid", nil)
	_, err := handler(context.Background(),
		Credential{Token: "t", Metadata: map[string]string{"base_url": upstream.URL}},
		&contracts.ExecuteRequest{Action: "crm.contacts.list"})
	require.NoError(t, err)
	assert.True(t, hit)
}

func TestSplitAction(t *testing.T) {
	resource, verb, err := splitAction("crm.contacts.create")
	require.NoError(t, err)
	assert.Equal(t, "contacts", resource)
	assert.Equal(t, "create", verb)

	_, _, err = splitAction("oops")
	assert.Error(t, err)
}

func TestEnvSecretProvider(t *testing.T) {
	t.Setenv("KVE_SECRET_CRM_PROD", "tok-env")

	p := NewEnvSecretProvider()
	value, err := p.Resolve(context.Background(), "crm-prod")
	require.NoError(t, err)
	assert.Equal(t, "tok-env", value)

	_, err = p.Resolve(context.Background(), "missing-one")
	require.Error(t, err)
	var secErr *SecretError
	require.ErrorAs(t, err, &secErr)
	assert.Equal(t, "missing-one", secErr.Name)
	assert.NotContains(t, secErr.Error(), "tok-env")
}
