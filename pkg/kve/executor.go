package kve

import (
	"context"
	"errors"
	"log/slog"

	"github.com/northbeam-io/acp/pkg/canonicalize"
	"github.com/northbeam-io/acp/pkg/contracts"
)

// Executor error codes.
const (
	CodeInvalidServiceKey        = "INVALID_SERVICE_KEY"
	CodeValidationError          = "VALIDATION_ERROR"
	CodeActionNotAllowed         = "ACTION_NOT_ALLOWED"
	CodeTenantNotAllowed         = "TENANT_NOT_ALLOWED"
	CodeIntegrationNotConfigured = "INTEGRATION_NOT_CONFIGURED"
	CodeCredentialUnavailable    = "CREDENTIAL_UNAVAILABLE"
	CodeUpstreamError            = "UPSTREAM_ERROR"
)

// HandlerResult is what an integration handler returns on success.
type HandlerResult struct {
	Data       map[string]interface{}
	ResultMeta *contracts.ResultMeta
	Upstream   *contracts.UpstreamInfo
}

// UpstreamError carries the upstream call outcome without its body.
type UpstreamError struct {
	Message  string
	Upstream *contracts.UpstreamInfo
}

func (e *UpstreamError) Error() string { return e.Message }

// IntegrationHandler executes one upstream call with a resolved credential.
type IntegrationHandler func(ctx context.Context, cred Credential, req *contracts.ExecuteRequest) (*HandlerResult, error)

// Executor runs the execute pipeline: allowlist, tenant scope, credential
// resolution, handler dispatch, sanitised response.
type Executor struct {
	store    Store
	secrets  SecretProvider
	handlers map[string]IntegrationHandler
	logger   *slog.Logger
}

// ExecutorOption customises the executor.
type ExecutorOption func(*Executor)

// WithExecutorLogger overrides the logger.
func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor wires the pipeline. Handlers are keyed by integration name.
func NewExecutor(store Store, secrets SecretProvider, opts ...ExecutorOption) *Executor {
	e := &Executor{
		store:    store,
		secrets:  secrets,
		handlers: make(map[string]IntegrationHandler),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterHandler installs the handler for an integration.
func (e *Executor) RegisterHandler(integration string, h IntegrationHandler) {
	e.handlers[integration] = h
}

// Execute runs one pre-authorized request for an authenticated service key.
// It never returns an error: every failure maps to a typed, sanitised
// ExecuteResponse. The log line carries only routing fields, never params,
// credentials, or upstream bodies.
func (e *Executor) Execute(ctx context.Context, key *ServiceKey, req *contracts.ExecuteRequest) *contracts.ExecuteResponse {
	resp := e.execute(ctx, key, req)

	e.logger.Info("execute",
		"service_key_id", key.ID,
		"tenant_id", req.TenantID,
		"integration", req.Integration,
		"action", req.Action,
		"request_hash", req.RequestHash,
		"status", resp.Status,
		"error_code", resp.ErrorCode,
	)
	return resp
}

func (e *Executor) execute(ctx context.Context, key *ServiceKey, req *contracts.ExecuteRequest) *contracts.ExecuteResponse {
	if req.TenantID == "" || req.Integration == "" || req.Action == "" {
		return failure(CodeValidationError, "tenant_id, integration and action are required", nil)
	}

	allowed, err := e.store.IsActionAllowed(ctx, req.Integration, req.Action)
	if err != nil {
		return failure(CodeUpstreamError, "allowlist lookup failed", nil)
	}
	if !allowed {
		return failure(CodeActionNotAllowed,
			"action "+req.Action+" is not allowlisted for integration "+req.Integration, nil)
	}

	if !key.AllowedForTenant(req.TenantID) {
		return failure(CodeTenantNotAllowed, "service key is not scoped to tenant "+req.TenantID, nil)
	}

	ti, err := e.store.GetTenantIntegration(ctx, req.TenantID, req.Integration)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return failure(CodeIntegrationNotConfigured,
				"integration "+req.Integration+" is not configured for tenant "+req.TenantID, nil)
		}
		return failure(CodeUpstreamError, "integration lookup failed", nil)
	}

	token, err := e.secrets.Resolve(ctx, ti.SecretName)
	if err != nil {
		// The secret name is safe to surface; the value never is.
		return failure(CodeCredentialUnavailable,
			"credential "+ti.SecretName+" could not be resolved", nil)
	}

	handler, ok := e.handlers[req.Integration]
	if !ok {
		return failure(CodeIntegrationNotConfigured,
			"no handler registered for integration "+req.Integration, nil)
	}

	result, err := handler(ctx, Credential{Token: token, Metadata: ti.Metadata}, req)
	if err != nil {
		var upErr *UpstreamError
		if errors.As(err, &upErr) {
			return failure(CodeUpstreamError, canonicalize.RedactMessage(upErr.Message), upErr.Upstream)
		}
		return failure(CodeUpstreamError, canonicalize.RedactError(err), nil)
	}

	return &contracts.ExecuteResponse{
		OK:         true,
		Status:     contracts.StatusSuccess,
		Data:       result.Data,
		ResultMeta: result.ResultMeta,
		Upstream:   result.Upstream,
	}
}

func failure(code, message string, upstream *contracts.UpstreamInfo) *contracts.ExecuteResponse {
	return &contracts.ExecuteResponse{
		Status:               contracts.StatusError,
		ErrorCode:            code,
		ErrorMessageRedacted: canonicalize.RedactMessage(message),
		Upstream:             upstream,
	}
}
