package kve

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/northbeam-io/acp/pkg/contracts"
)

// maxUpstreamResponseBytes caps what a handler will read back from an
// upstream. Bodies past the cap are truncated, not failed.
const maxUpstreamResponseBytes = 1 << 20

// HTTPIntegration builds a generic JSON-over-HTTP handler. The action's final
// two segments map to a path, e.g. "crm.contacts.create" posts to
// <base>/contacts with the resolved bearer credential. The credential
// metadata key "base_url" overrides the constructor's base.
func HTTPIntegration(baseURL string, client *http.Client) IntegrationHandler {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return func(ctx context.Context, cred Credential, req *contracts.ExecuteRequest) (*HandlerResult, error) {
		base := baseURL
		if override := cred.Metadata["base_url"]; override != "" {
			base = override
		}
		resource, verb, err := splitAction(req.Action)
		if err != nil {
			return nil, err
		}

		method := http.MethodPost
		url := strings.TrimSuffix(base, "/") + "/" + resource
		switch verb {
		case "list", "search", "query", "export":
			method = http.MethodGet
		case "get":
			method = http.MethodGet
			if id, ok := req.Params["id"].(string); ok {
				url += "/" + id
			}
		case "delete":
			method = http.MethodDelete
			if id, ok := req.Params["id"].(string); ok {
				url += "/" + id
			}
		case "update":
			method = http.MethodPatch
			if id, ok := req.Params["id"].(string); ok {
				url += "/" + id
			}
		}

		var body io.Reader
		if method != http.MethodGet && method != http.MethodDelete && req.Params != nil {
			payload, err := json.Marshal(req.Params)
			if err != nil {
				return nil, fmt.Errorf("encode params: %w", err)
			}
			body = bytes.NewReader(payload)
		}

		httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Authorization", "Bearer "+cred.Token)
		httpReq.Header.Set("Content-Type", "application/json")
		if req.IdempotencyKey != "" {
			httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
		}

		resp, err := client.Do(httpReq)
		if err != nil {
			// Transport errors can embed the URL but never the credential.
			return nil, &UpstreamError{Message: "upstream request failed: " + err.Error()}
		}
		defer func() { _ = resp.Body.Close() }()

		upstream := &contracts.UpstreamInfo{
			HTTPStatus: resp.StatusCode,
			RequestID:  resp.Header.Get("X-Request-Id"),
		}
		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamResponseBytes))
		if err != nil {
			return nil, &UpstreamError{Message: "upstream response unreadable", Upstream: upstream}
		}

		if resp.StatusCode >= 400 {
			return nil, &UpstreamError{
				Message:  fmt.Sprintf("upstream returned %d", resp.StatusCode),
				Upstream: upstream,
			}
		}

		var data map[string]interface{}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &data); err != nil {
				data = nil
			}
		}
		return &HandlerResult{
			Data:       data,
			ResultMeta: metaFromData(resource, verb, data),
			Upstream:   upstream,
		}, nil
	}
}

// splitAction maps "integration.resource.verb" (or "resource.verb") to its
// final two segments.
func splitAction(action string) (resource, verb string, err error) {
	parts := strings.Split(action, ".")
	if len(parts) < 2 {
		return "", "", fmt.Errorf("action %q needs at least resource.verb", action)
	}
	return parts[len(parts)-2], parts[len(parts)-1], nil
}

// metaFromData summarises an upstream result without keeping its payload.
func metaFromData(resource, verb string, data map[string]interface{}) *contracts.ResultMeta {
	meta := &contracts.ResultMeta{ResourceType: resource}
	if data == nil {
		return meta
	}
	if id, ok := data["id"].(string); ok {
		meta.ResourceID = id
		if verb == "create" {
			meta.IDsCreated = []string{id}
			meta.Count = 1
		}
	}
	if items, ok := data["items"].([]interface{}); ok {
		meta.Count = len(items)
	}
	return meta
}
