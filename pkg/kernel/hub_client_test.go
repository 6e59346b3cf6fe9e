package kernel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northbeam-io/acp/pkg/contracts"
)

func TestHubClientAuthorize(t *testing.T) {
	var got contracts.AuthorizeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/authorize", r.URL.Path)
		require.Equal(t, "Bearer kernel-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(&contracts.Decision{
			DecisionID:    "dec-1",
			Decision:      contracts.DecisionAllow,
			PolicyVersion: "v1",
		})
	}))
	t.Cleanup(srv.Close)

	c := NewHubClient(srv.URL, "kernel-key")
	decision, err := c.Authorize(context.Background(), &contracts.AuthorizeRequest{
		KernelID: "kern-1", TenantID: "t-1", Action: "domain.publishers.create",
	})
	require.NoError(t, err)
	assert.True(t, decision.Allowed())
	assert.Equal(t, "kern-1", got.KernelID)
}

func TestHubClientBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	c := NewHubClient(srv.URL, "kernel-key")
	req := &contracts.AuthorizeRequest{KernelID: "kern-1", Action: "x.a"}

	for i := 0; i < 5; i++ {
		_, err := c.Authorize(context.Background(), req)
		require.Error(t, err)
	}

	// The breaker is now open: calls fail without reaching the server.
	srv.Close()
	_, err := c.Authorize(context.Background(), req)
	require.Error(t, err)
}

func TestHubClientVerifiesDecisionToken(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	sign := func(claims jwt.MapClaims) string {
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		s, err := tok.SignedString(key)
		require.NoError(t, err)
		return s
	}

	decision := &contracts.Decision{
		DecisionID: "dec-1", Decision: contracts.DecisionAllow, PolicyVersion: "v1",
	}

	serve := func(token string) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := *decision
			d.Token = token
			_ = json.NewEncoder(w).Encode(&d)
		}))
	}

	t.Run("valid token", func(t *testing.T) {
		srv := serve(sign(jwt.MapClaims{"decision_id": "dec-1", "decision": "allow"}))
		t.Cleanup(srv.Close)
		c := NewHubClient(srv.URL, "k", WithDecisionVerifyKey(key))
		_, err := c.Authorize(context.Background(), &contracts.AuthorizeRequest{Action: "x.a"})
		assert.NoError(t, err)
	})

	// Verification failures come back as deny decisions, not as errors: an
	// error would land in the fail-mode degradation path, where open mode
	// would execute the request anyway.
	t.Run("claim mismatch denies", func(t *testing.T) {
		srv := serve(sign(jwt.MapClaims{"decision_id": "dec-other", "decision": "allow"}))
		t.Cleanup(srv.Close)
		c := NewHubClient(srv.URL, "k", WithDecisionVerifyKey(key))
		d, err := c.Authorize(context.Background(), &contracts.AuthorizeRequest{Action: "x.a"})
		require.NoError(t, err)
		assert.Equal(t, contracts.DecisionDeny, d.Decision)
		assert.False(t, d.Allowed())
	})

	t.Run("wrong key denies", func(t *testing.T) {
		wrong := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"decision_id": "dec-1", "decision": "allow"})
		s, err := wrong.SignedString([]byte("another-key-entirely-32-bytes!!!"))
		require.NoError(t, err)
		srv := serve(s)
		t.Cleanup(srv.Close)
		c := NewHubClient(srv.URL, "k", WithDecisionVerifyKey(key))
		d, err := c.Authorize(context.Background(), &contracts.AuthorizeRequest{Action: "x.a"})
		require.NoError(t, err)
		assert.Equal(t, contracts.DecisionDeny, d.Decision)
		assert.Equal(t, "decision token verification failed", d.Reason)
	})
}

func TestAuditShipperBatchesAndDrops(t *testing.T) {
	var mu sync.Mutex
	var received []*contracts.AuditEvent

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/audit/ingest", r.URL.Path)
		var batch []*contracts.AuditEvent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&batch))
		mu.Lock()
		received = append(received, batch...)
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)

	s := NewAuditShipper(srv.URL, "kernel-key",
		WithQueueSize(4), WithFlushInterval(10*time.Millisecond))

	for i := 0; i < 3; i++ {
		require.NoError(t, s.LogEvent(context.Background(), &contracts.AuditEvent{EventID: "e"}))
	}
	s.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, received, 3)
}

func TestAuditShipperDropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(func() { close(block); srv.Close() })

	s := NewAuditShipper(srv.URL, "kernel-key",
		WithQueueSize(1), WithFlushInterval(time.Hour))
	defer func() { go s.Close() }()

	// Fill the queue without the worker draining fast enough; at least one
	// enqueue must report a drop rather than block.
	var dropped bool
	for i := 0; i < 50; i++ {
		if err := s.LogEvent(context.Background(), &contracts.AuditEvent{EventID: "e"}); err != nil {
			dropped = true
			break
		}
	}
	assert.True(t, dropped)
}
