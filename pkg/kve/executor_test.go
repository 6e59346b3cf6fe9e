package kve

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northbeam-io/acp/pkg/contracts"
)

func executorFixture(t *testing.T) (*Executor, *MemoryStore, *StaticSecretProvider) {
	t.Helper()
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.PutAllowlistEntry(ctx, &AllowlistEntry{
		Integration: "crm", Action: "crm.contacts.create", Enabled: true,
	}))
	require.NoError(t, store.PutTenantIntegration(ctx, &TenantIntegration{
		TenantID: "t-1", Integration: "crm", SecretName: "crm-prod",
	}))

	secrets := NewStaticSecretProvider(map[string]string{"crm-prod": "sk_live_supersecret"})
	return NewExecutor(store, secrets), store, secrets
}

func activeKey() *ServiceKey {
	return &ServiceKey{ID: "svc-1", Name: "kernel", Status: ServiceKeyActive}
}

func executeReq() *contracts.ExecuteRequest {
	return &contracts.ExecuteRequest{
		TenantID:    "t-1",
		Integration: "crm",
		Action:      "crm.contacts.create",
		Params:      map[string]interface{}{"name": "Ada"},
		RequestHash: "hash",
	}
}

func TestExecuteHappyPath(t *testing.T) {
	executor, _, _ := executorFixture(t)

	var gotToken string
	executor.RegisterHandler("crm", func(ctx context.Context, cred Credential, req *contracts.ExecuteRequest) (*HandlerResult, error) {
		gotToken = cred.Token
		return &HandlerResult{
			Data:       map[string]interface{}{"id": "c-1"},
			ResultMeta: &contracts.ResultMeta{ResourceType: "contacts", ResourceID: "c-1", Count: 1},
			Upstream:   &contracts.UpstreamInfo{HTTPStatus: 201},
		}, nil
	})

	resp := executor.Execute(context.Background(), activeKey(), executeReq())
	require.True(t, resp.OK)
	assert.Equal(t, contracts.StatusSuccess, resp.Status)
	assert.Equal(t, "sk_live_supersecret", gotToken, "handler receives the resolved credential")
	assert.Equal(t, "c-1", resp.Data["id"])
	assert.Equal(t, 201, resp.Upstream.HTTPStatus)
}

func TestExecuteActionNotAllowlisted(t *testing.T) {
	executor, _, _ := executorFixture(t)

	req := executeReq()
	req.Action = "crm.contacts.delete"
	resp := executor.Execute(context.Background(), activeKey(), req)
	assert.False(t, resp.OK)
	assert.Equal(t, CodeActionNotAllowed, resp.ErrorCode)
}

func TestExecuteDisabledAllowlistEntryRefused(t *testing.T) {
	executor, store, _ := executorFixture(t)
	ctx := context.Background()
	executor.RegisterHandler("crm", func(ctx context.Context, cred Credential, req *contracts.ExecuteRequest) (*HandlerResult, error) {
		return &HandlerResult{}, nil
	})

	require.NoError(t, store.PutAllowlistEntry(ctx, &AllowlistEntry{
		Integration: "crm", Action: "crm.contacts.create", Enabled: false,
	}))

	resp := executor.Execute(ctx, activeKey(), executeReq())
	assert.False(t, resp.OK)
	assert.Equal(t, CodeActionNotAllowed, resp.ErrorCode)
}

func TestExecuteTenantScope(t *testing.T) {
	executor, _, _ := executorFixture(t)
	executor.RegisterHandler("crm", func(ctx context.Context, cred Credential, req *contracts.ExecuteRequest) (*HandlerResult, error) {
		return &HandlerResult{}, nil
	})

	scoped := activeKey()
	scoped.AllowedTenantIDs = []string{"t-other"}
	resp := executor.Execute(context.Background(), scoped, executeReq())
	assert.Equal(t, CodeTenantNotAllowed, resp.ErrorCode)

	scoped.AllowedTenantIDs = []string{"t-other", "t-1"}
	resp = executor.Execute(context.Background(), scoped, executeReq())
	assert.True(t, resp.OK)
}

func TestExecuteIntegrationNotConfigured(t *testing.T) {
	executor, _, _ := executorFixture(t)
	ctx := context.Background()

	require.NoError(t, executor.store.PutAllowlistEntry(ctx, &AllowlistEntry{
		Integration: "crm", Action: "crm.deals.create", Enabled: true,
	}))

	req := executeReq()
	req.TenantID = "t-unconfigured"
	resp := executor.Execute(ctx, activeKey(), req)
	assert.Equal(t, CodeIntegrationNotConfigured, resp.ErrorCode)
}

func TestExecuteCredentialUnavailableNamesSecretNotValue(t *testing.T) {
	executor, store, _ := executorFixture(t)
	ctx := context.Background()

	require.NoError(t, store.PutTenantIntegration(ctx, &TenantIntegration{
		TenantID: "t-1", Integration: "crm", SecretName: "crm-missing",
	}))

	resp := executor.Execute(ctx, activeKey(), executeReq())
	assert.Equal(t, CodeCredentialUnavailable, resp.ErrorCode)
	assert.Contains(t, resp.ErrorMessageRedacted, "crm-missing")
	assert.NotContains(t, resp.ErrorMessageRedacted, "supersecret")
}

func TestExecuteNoHandlerRegistered(t *testing.T) {
	executor, _, _ := executorFixture(t)
	resp := executor.Execute(context.Background(), activeKey(), executeReq())
	assert.Equal(t, CodeIntegrationNotConfigured, resp.ErrorCode)
}

func TestExecuteUpstreamErrorIsRedacted(t *testing.T) {
	executor, _, _ := executorFixture(t)
	executor.RegisterHandler("crm", func(ctx context.Context, cred Credential, req *contracts.ExecuteRequest) (*HandlerResult, error) {
		return nil, &UpstreamError{
			Message:  `upstream rejected api_key: "sk_live_leakyleaky"`,
			Upstream: &contracts.UpstreamInfo{HTTPStatus: 401, RequestID: "up-9"},
		}
	})

	resp := executor.Execute(context.Background(), activeKey(), executeReq())
	assert.False(t, resp.OK)
	assert.Equal(t, CodeUpstreamError, resp.ErrorCode)
	assert.NotContains(t, resp.ErrorMessageRedacted, "sk_live_leakyleaky")
	require.NotNil(t, resp.Upstream)
	assert.Equal(t, 401, resp.Upstream.HTTPStatus)
	assert.Equal(t, "up-9", resp.Upstream.RequestID)
}

func TestExecutePlainHandlerError(t *testing.T) {
	executor, _, _ := executorFixture(t)
	executor.RegisterHandler("crm", func(ctx context.Context, cred Credential, req *contracts.ExecuteRequest) (*HandlerResult, error) {
		return nil, errors.New("connection reset")
	})

	resp := executor.Execute(context.Background(), activeKey(), executeReq())
	assert.Equal(t, CodeUpstreamError, resp.ErrorCode)
	assert.Contains(t, resp.ErrorMessageRedacted, "connection reset")
}

func TestExecuteValidation(t *testing.T) {
	executor, _, _ := executorFixture(t)

	req := executeReq()
	req.TenantID = ""
	resp := executor.Execute(context.Background(), activeKey(), req)
	assert.Equal(t, CodeValidationError, resp.ErrorCode)
}

func TestExecuteLogNeverContainsParamsOrCredentials(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.PutAllowlistEntry(ctx, &AllowlistEntry{Integration: "crm", Action: "crm.contacts.create", Enabled: true}))
	require.NoError(t, store.PutTenantIntegration(ctx, &TenantIntegration{
		TenantID: "t-1", Integration: "crm", SecretName: "crm-prod",
	}))
	secrets := NewStaticSecretProvider(map[string]string{"crm-prod": "sk_live_supersecret"})

	var logBuf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logBuf, nil))
	executor := NewExecutor(store, secrets, WithExecutorLogger(logger))
	executor.RegisterHandler("crm", func(ctx context.Context, cred Credential, req *contracts.ExecuteRequest) (*HandlerResult, error) {
		return &HandlerResult{}, nil
	})

	req := executeReq()
	req.Params = map[string]interface{}{"ssn": "123-45-6789"}
	executor.Execute(ctx, activeKey(), req)

	logged := logBuf.String()
	assert.Contains(t, logged, "t-1")
	assert.Contains(t, logged, "crm.contacts.create")
	assert.Contains(t, logged, "svc-1")
	assert.NotContains(t, logged, "sk_live_supersecret")
	assert.NotContains(t, logged, "123-45-6789")
}
