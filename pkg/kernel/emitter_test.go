package kernel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northbeam-io/acp/pkg/canonicalize"
	"github.com/northbeam-io/acp/pkg/contracts"
)

func TestEmitBuildsCanonicalEvent(t *testing.T) {
	sink := NewMemoryAudit()
	e := NewEmitter(sink, nil)

	start := time.Now().Add(-50 * time.Millisecond)
	event := e.Emit(context.Background(), EmitInput{
		TenantID:    "t-1",
		Integration: "testhost",
		KernelID:    "kern-1",
		Actor:       contracts.Actor{Type: contracts.ActorAPIKey, ID: "ak_test_", APIKeyID: "key-1"},
		Action:      "domain.publishers.create",
		Status:      contracts.StatusSuccess,
		Payload:     map[string]interface{}{"name": "pub", "api_key": "sk_live_secret"},
		Start:       start,
		Opts: EmitOptions{
			IdempotencyKey: "k-1",
			IPAddress:      "10.0.0.1",
		},
	})

	assert.NotEmpty(t, event.EventID)
	assert.Equal(t, contracts.EventVersion, event.EventVersion)
	assert.Equal(t, contracts.SchemaVersion, event.SchemaVersion)
	assert.Equal(t, "domain", event.Pack)
	assert.Len(t, event.RequestHash, 64)
	assert.GreaterOrEqual(t, event.LatencyMS, int64(50))

	// The hash covers the sanitised payload: the secret value is irrelevant.
	want, err := canonicalize.SanitizedHash(map[string]interface{}{"name": "pub", "api_key": "other"})
	require.NoError(t, err)
	assert.Equal(t, want, event.RequestHash)

	require.Len(t, sink.Events(), 1)
	assert.Equal(t, event.EventID, sink.Last().EventID)
}

func TestEmitNilPayloadHashesAsEmptyObject(t *testing.T) {
	e := NewEmitter(NewMemoryAudit(), nil)

	want, err := canonicalize.SanitizedHash(map[string]interface{}{})
	require.NoError(t, err)

	event := e.Emit(context.Background(), EmitInput{
		TenantID: "t-1", Action: "x.a", Status: contracts.StatusSuccess,
	})
	assert.Equal(t, want, event.RequestHash)

	// A typed nil map hashes the same way.
	event = e.Emit(context.Background(), EmitInput{
		TenantID: "t-1", Action: "x.a", Status: contracts.StatusSuccess,
		Payload: map[string]interface{}(nil),
	})
	assert.Equal(t, want, event.RequestHash)
}

func TestEmitRedactsErrorMessage(t *testing.T) {
	e := NewEmitter(NewMemoryAudit(), nil)

	event := e.Emit(context.Background(), EmitInput{
		TenantID: "t-1", Action: "x.a", Status: contracts.StatusError,
		Opts: EmitOptions{
			ErrorCode:    "INTERNAL_ERROR",
			ErrorMessage: "upstream said api_key=sk_live_1234567890 is invalid",
		},
	})

	assert.NotContains(t, event.ErrorMessageRedacted, "sk_live_1234567890")
	assert.Contains(t, event.ErrorMessageRedacted, canonicalize.Redacted)
}

func TestEmitSurvivesUnhashablePayload(t *testing.T) {
	e := NewEmitter(NewMemoryAudit(), nil)

	event := e.Emit(context.Background(), EmitInput{
		TenantID: "t-1", Action: "x.a", Status: contracts.StatusSuccess,
		Payload: map[string]interface{}{"bad": func() {}},
	})
	assert.Len(t, event.RequestHash, 64, "unhashable payloads fall back to the empty-object hash")
}

type panickingAudit struct{}

func (panickingAudit) LogEvent(ctx context.Context, event *contracts.AuditEvent) error {
	panic("sink exploded")
}

func TestEmitSurvivesAdapterPanic(t *testing.T) {
	e := NewEmitter(panickingAudit{}, nil)
	assert.NotPanics(t, func() {
		e.Emit(context.Background(), EmitInput{TenantID: "t-1", Action: "x.a", Status: contracts.StatusSuccess})
	})
}

func TestEmitNilAdapter(t *testing.T) {
	e := NewEmitter(nil, nil)
	event := e.Emit(context.Background(), EmitInput{TenantID: "t-1", Action: "x.a", Status: contracts.StatusSuccess})
	assert.NotNil(t, event)
}

func TestMapLegacyEntry(t *testing.T) {
	event := MapLegacyEntry(LegacyAuditEntry{
		TenantID:    "t-1",
		Integration: "testhost",
		Action:      "domain.publishers.create",
		Status:      contracts.StatusSuccess,
		ActorType:   contracts.ActorUser,
		ActorID:     "u-1",
		Meta:        map[string]interface{}{"k": "v"},
	})

	assert.Equal(t, "domain", event.Pack)
	assert.Equal(t, contracts.EventVersion, event.EventVersion)
	assert.Equal(t, contracts.ActorUser, event.Actor.Type)
	assert.Len(t, event.RequestHash, 64)
}
