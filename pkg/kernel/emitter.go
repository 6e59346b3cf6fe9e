package kernel

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/northbeam-io/acp/pkg/canonicalize"
	"github.com/northbeam-io/acp/pkg/contracts"
)

// Emitter is the only sanctioned path for writing audit events. It produces
// the canonical event shape and invokes the audit adapter best-effort: adapter
// failures are logged to stderr and never escape to the caller.
type Emitter struct {
	adapter AuditAdapter
	logger  *slog.Logger
	timeout time.Duration
}

// NewEmitter wraps an audit adapter. A nil logger defaults to stderr.
func NewEmitter(adapter AuditAdapter, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Emitter{adapter: adapter, logger: logger, timeout: 200 * time.Millisecond}
}

// EmitOptions carries the optional event fields.
type EmitOptions struct {
	PolicyDecisionID string
	PolicyID         string
	PolicyVersion    string
	DecisionSource   string
	DegradedReason   string
	ResultMeta       *contracts.ResultMeta
	RunID            string
	CorrelationID    string
	NodeID           string
	ErrorCode        string
	ErrorMessage     string
	IdempotencyKey   string
	IPAddress        string
	DryRun           bool
}

// EmitInput identifies the action being audited. Payload is used for hashing
// only and is never persisted or logged.
type EmitInput struct {
	TenantID    string
	Integration string
	KernelID    string
	Actor       contracts.Actor
	Action      string
	Status      string
	Payload     interface{}
	Start       time.Time
	Opts        EmitOptions
}

// Emit builds and records the audit event. It always returns the event it
// constructed so callers can correlate, and it never returns an error.
func (e *Emitter) Emit(ctx context.Context, in EmitInput) *contracts.AuditEvent {
	// A nil payload hashes as the empty object, matching the request_hash the
	// pipeline computes before authorization.
	payload := in.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	} else if m, ok := payload.(map[string]interface{}); ok && m == nil {
		payload = map[string]interface{}{}
	}
	hash, err := canonicalize.SanitizedHash(payload)
	if err != nil {
		// An unhashable payload still gets an event; hash the empty object so
		// the field stays a valid 64-char digest.
		hash, _ = canonicalize.CanonicalHash(map[string]interface{}{})
	}

	event := &contracts.AuditEvent{
		EventID:              uuid.New().String(),
		EventVersion:         contracts.EventVersion,
		SchemaVersion:        contracts.SchemaVersion,
		TS:                   time.Now().UnixMilli(),
		TenantID:             in.TenantID,
		Integration:          in.Integration,
		KernelID:             in.KernelID,
		Pack:                 packFromAction(in.Action),
		Action:               in.Action,
		Status:               in.Status,
		Actor:                in.Actor,
		RequestHash:          hash,
		PolicyDecisionID:     in.Opts.PolicyDecisionID,
		PolicyID:             in.Opts.PolicyID,
		PolicyVersion:        in.Opts.PolicyVersion,
		DecisionSource:       in.Opts.DecisionSource,
		DegradedReason:       in.Opts.DegradedReason,
		ResultMeta:           in.Opts.ResultMeta,
		RunID:                in.Opts.RunID,
		CorrelationID:        in.Opts.CorrelationID,
		NodeID:               in.Opts.NodeID,
		ErrorCode:            in.Opts.ErrorCode,
		ErrorMessageRedacted: canonicalize.RedactMessage(in.Opts.ErrorMessage),
		IdempotencyKey:       in.Opts.IdempotencyKey,
		IPAddress:            in.Opts.IPAddress,
		DryRun:               in.Opts.DryRun,
	}
	if !in.Start.IsZero() {
		event.LatencyMS = time.Since(in.Start).Milliseconds()
	}

	e.log(ctx, event)
	return event
}

// log performs the adapter call under a short timeout, swallowing failures.
func (e *Emitter) log(ctx context.Context, event *contracts.AuditEvent) {
	if e.adapter == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("audit adapter panicked",
				"event_id", event.EventID, "action", event.Action,
				"tenant_id", event.TenantID, "integration", event.Integration,
				"panic", r)
		}
	}()

	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()

	if err := e.adapter.LogEvent(logCtx, event); err != nil {
		e.logger.Error("audit adapter failed",
			"event_id", event.EventID, "action", event.Action,
			"tenant_id", event.TenantID, "integration", event.Integration,
			"error", err)
	}
}

// MapLegacyEntry converts the deprecated audit entry shape into a v1 event:
// the pack is derived from the action string and actor fields are wrapped.
//
// Deprecated: the legacy shim exists for one release of backward
// compatibility only.
func MapLegacyEntry(entry LegacyAuditEntry) *contracts.AuditEvent {
	hash, _ := canonicalize.SanitizedHash(entry.Meta)
	return &contracts.AuditEvent{
		EventID:       uuid.New().String(),
		EventVersion:  contracts.EventVersion,
		SchemaVersion: contracts.SchemaVersion,
		TS:            time.Now().UnixMilli(),
		TenantID:      entry.TenantID,
		Integration:   entry.Integration,
		Pack:          packFromAction(entry.Action),
		Action:        entry.Action,
		Status:        entry.Status,
		Actor:         contracts.Actor{Type: entry.ActorType, ID: entry.ActorID},
		RequestHash:   hash,
	}
}
