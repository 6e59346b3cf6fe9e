package kernel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/northbeam-io/acp/pkg/canonicalize"
	"github.com/northbeam-io/acp/pkg/contracts"
)

// EndpointExecutor is the generic ExecutorAdapter: it POSTs params to the
// given endpoint verbatim. Suitable for first-party internal services.
type EndpointExecutor struct {
	baseURL string
	client  *http.Client
}

// NewEndpointExecutor creates a generic HTTP executor.
func NewEndpointExecutor(baseURL string) *EndpointExecutor {
	return &EndpointExecutor{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (e *EndpointExecutor) Execute(ctx context.Context, endpoint string, params map[string]interface{}, tenantID string, trace *contracts.Trace) (*ExecuteResult, error) {
	body := map[string]interface{}{
		"tenant_id": tenantID,
		"params":    params,
	}
	if trace != nil {
		body["trace"] = trace
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("executor endpoint %s: status %d", endpoint, resp.StatusCode)
	}

	var result ExecuteResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

// kveEndpointPattern parses the KVE-shaped endpoint form
// /api/tenants/{tenantId}/{integration}/{resource}.{verb}.
var kveEndpointPattern = regexp.MustCompile(`^/api/tenants/([^/]+)/([^/]+)/([^/.]+)\.([^/.]+)$`)

// ParseKVEEndpoint extracts (integration, action) from an endpoint path.
func ParseKVEEndpoint(endpoint string) (integration, action string, err error) {
	m := kveEndpointPattern.FindStringSubmatch(endpoint)
	if m == nil {
		return "", "", fmt.Errorf("executor: malformed KVE endpoint %q", endpoint)
	}
	return m[2], m[3] + "." + m[4], nil
}

// KVEExecutor is the Key-Vault-Executor-shaped ExecutorAdapter. It parses the
// endpoint into (integration, action) and posts the /execute request body with
// the service key bearer and optional transport anon key.
type KVEExecutor struct {
	baseURL    string
	serviceKey string
	anonKey    string
	client     *http.Client
}

// NewKVEExecutor creates a client for the KVE at baseURL.
func NewKVEExecutor(baseURL, serviceKey, anonKey string) *KVEExecutor {
	return &KVEExecutor{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		serviceKey: serviceKey,
		anonKey:    anonKey,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

func (e *KVEExecutor) Execute(ctx context.Context, endpoint string, params map[string]interface{}, tenantID string, trace *contracts.Trace) (*ExecuteResult, error) {
	integration, action, err := ParseKVEEndpoint(endpoint)
	if err != nil {
		return nil, err
	}

	// The params hash travels with the call so KVE logs correlate with the
	// kernel's audit trail without either side logging the payload.
	hash, err := canonicalize.SanitizedHash(params)
	if err != nil {
		return nil, err
	}

	execReq := &contracts.ExecuteRequest{
		TenantID:    tenantID,
		Integration: integration,
		Action:      action,
		Params:      params,
		RequestHash: hash,
		Trace:       trace,
	}
	data, err := json.Marshal(execReq)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/execute", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.serviceKey)
	if e.anonKey != "" {
		req.Header.Set("apikey", e.anonKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var execResp contracts.ExecuteResponse
	if err := json.NewDecoder(resp.Body).Decode(&execResp); err != nil {
		return nil, fmt.Errorf("executor: decode response: %w", err)
	}
	if !execResp.OK {
		return nil, fmt.Errorf("executor: %s: %s", execResp.ErrorCode, execResp.ErrorMessageRedacted)
	}

	result := &ExecuteResult{Data: execResp.Data}
	if execResp.ResultMeta != nil {
		result.ResourceType = execResp.ResultMeta.ResourceType
		result.Count = execResp.ResultMeta.Count
		result.ResourceIDs = execResp.ResultMeta.IDsCreated
	}
	return result, nil
}
