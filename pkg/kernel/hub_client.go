package kernel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sony/gobreaker"

	"github.com/northbeam-io/acp/pkg/contracts"
)

// HubClient is the HTTP ControlPlaneAdapter talking to the Governance Hub.
// Authorize calls run behind a circuit breaker so a down hub trips fast into
// the kernel's degradation policy instead of burning the full timeout on
// every request.
type HubClient struct {
	baseURL   string
	kernelKey string
	client    *http.Client
	breaker   *gobreaker.CircuitBreaker
	// verifyKey optionally verifies the hub's signed decision tokens offline.
	verifyKey []byte
}

// HubClientOption customises the client.
type HubClientOption func(*HubClient)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(c *http.Client) HubClientOption {
	return func(h *HubClient) { h.client = c }
}

// WithDecisionVerifyKey enables offline verification of decision tokens.
// Verification failure is treated as deny.
func WithDecisionVerifyKey(key []byte) HubClientOption {
	return func(h *HubClient) { h.verifyKey = key }
}

// NewHubClient creates a client for the hub at baseURL, authenticating with
// the kernel API key.
func NewHubClient(baseURL, kernelKey string, opts ...HubClientOption) *HubClient {
	h := &HubClient{
		baseURL:   baseURL,
		kernelKey: kernelKey,
		client:    &http.Client{Timeout: 5 * time.Second},
	}
	h.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "governance-hub",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Authorize posts to /authorize and returns the hub's decision.
func (h *HubClient) Authorize(ctx context.Context, req *contracts.AuthorizeRequest) (*contracts.Decision, error) {
	out, err := h.breaker.Execute(func() (interface{}, error) {
		var decision contracts.Decision
		if err := h.post(ctx, "/authorize", req, &decision); err != nil {
			return nil, err
		}
		return &decision, nil
	})
	if err != nil {
		return nil, err
	}
	decision := out.(*contracts.Decision)

	// Verification failure is a deny, never an adapter error: an error here
	// would route a forged or tampered token into the degradation policy,
	// where fail-open would execute it as an allow.
	if h.verifyKey != nil && decision.Token != "" {
		if err := h.verifyToken(decision); err != nil {
			return &contracts.Decision{
				DecisionID: decision.DecisionID,
				Decision:   contracts.DecisionDeny,
				Reason:     "decision token verification failed",
			}, nil
		}
	}
	return decision, nil
}

// verifyToken checks the decision JWS against the provisioned key and that
// its claims match the JSON body.
func (h *HubClient) verifyToken(decision *contracts.Decision) error {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(decision.Token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return h.verifyKey, nil
	})
	if err != nil {
		return err
	}
	if id, _ := claims["decision_id"].(string); id != decision.DecisionID {
		return fmt.Errorf("decision_id mismatch")
	}
	if d, _ := claims["decision"].(string); d != string(decision.Decision) {
		return fmt.Errorf("decision mismatch")
	}
	return nil
}

// Heartbeat posts the kernel's status and returns the hub's view of current
// policy and revocations versions.
func (h *HubClient) Heartbeat(ctx context.Context, req *contracts.HeartbeatRequest) (*contracts.HeartbeatResponse, error) {
	var resp contracts.HeartbeatResponse
	if err := h.post(ctx, "/heartbeat", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FetchRevocations implements SnapshotFetcher.
func (h *HubClient) FetchRevocations(ctx context.Context, kernelID string) (*contracts.RevocationSnapshot, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		h.baseURL+"/revocations/snapshot?kernelId="+kernelID, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+h.kernelKey)

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("hub snapshot: status %d", resp.StatusCode)
	}

	var snap contracts.RevocationSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (h *HubClient) post(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+h.kernelKey)

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("hub %s: status %d", path, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("hub %s: status %d: %s", path, resp.StatusCode, string(payload))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
