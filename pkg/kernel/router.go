package kernel

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/northbeam-io/acp/pkg/canonicalize"
	"github.com/northbeam-io/acp/pkg/contracts"
)

// RequestMeta carries per-request transport facts into the pipeline.
type RequestMeta struct {
	APIKey    string
	IP        string
	UserAgent string
	Start     time.Time
	RequestID string
}

// Router orchestrates the per-action pipeline. It is a pure function of its
// adapters and registry: all I/O goes through the adapter surface.
type Router struct {
	bindings    *Bindings
	registry    *Registry
	adapters    *Adapters
	emitter     *Emitter
	decisions   *DecisionCache
	revocations *RevocationMirror
	loadConfig  func() (*RuntimeConfig, error)
	logger      *slog.Logger

	// policyTimeout bounds the end-to-end authorize call (default 750ms).
	policyTimeout time.Duration

	// policyVersion is the latest hub policy version observed via decisions
	// or heartbeat; it keys the local decision cache.
	policyVersion atomic.Value // string
}

// RouterOption customises router construction.
type RouterOption func(*Router)

// WithConfigLoader overrides the lazy environment loader (tests).
func WithConfigLoader(load func() (*RuntimeConfig, error)) RouterOption {
	return func(r *Router) { r.loadConfig = load }
}

// WithRevocationMirror attaches a local revocation snapshot for fast-deny.
func WithRevocationMirror(m *RevocationMirror) RouterOption {
	return func(r *Router) { r.revocations = m }
}

// WithPolicyTimeout overrides the authorize call deadline.
func WithPolicyTimeout(d time.Duration) RouterOption {
	return func(r *Router) { r.policyTimeout = d }
}

// WithLogger overrides the stderr logger.
func WithLogger(l *slog.Logger) RouterOption {
	return func(r *Router) { r.logger = l }
}

// NewRouter constructs a router, failing fast on invalid bindings.
func NewRouter(bindings *Bindings, registry *Registry, adapters *Adapters, opts ...RouterOption) (*Router, error) {
	if err := bindings.Validate(); err != nil {
		return nil, err
	}
	bindings.EndpointDefaults()
	if registry == nil {
		return nil, fmt.Errorf("router: registry is required")
	}
	if adapters == nil || adapters.DB == nil {
		return nil, fmt.Errorf("router: db adapter is required")
	}

	r := &Router{
		bindings:      bindings,
		registry:      registry,
		adapters:      adapters,
		decisions:     NewDecisionCache(DefaultDecisionCacheSize),
		loadConfig:    LoadRuntimeConfig,
		logger:        slog.New(slog.NewTextHandler(os.Stderr, nil)),
		policyTimeout: 750 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.emitter = NewEmitter(adapters.Audit, r.logger)
	r.policyVersion.Store("")
	return r, nil
}

// Registry exposes the immutable action table.
func (rt *Router) Registry() *Registry { return rt.registry }

// Bindings exposes the install-time bindings.
func (rt *Router) Bindings() *Bindings { return rt.bindings }

// Enabled reports the lazy feature flag.
func (rt *Router) Enabled() bool {
	cfg, err := rt.loadConfig()
	return err == nil && cfg.Enabled
}

// ObservePolicyVersion invalidates the decision cache when the hub reports a
// newer policy version (heartbeat path).
func (rt *Router) ObservePolicyVersion(version string) {
	if version == "" {
		return
	}
	rt.policyVersion.Store(version)
	rt.decisions.ObservePolicyVersion(version)
}

type pipelineState struct {
	req  *Request
	meta *RequestMeta
	cfg  *RuntimeConfig

	key      *APIKeyRecord
	actor    contracts.Actor
	tenantID string

	desc    *ActionDescriptor
	handler HandlerFunc

	requestHash    string
	decision       *contracts.Decision
	decisionSource string
	degradedReason string
	constraints    []string
}

// Dispatch runs the full pipeline for one parsed request and returns the
// response envelope. Every terminal outcome emits exactly one audit event,
// except the pre-audit feature gate.
func (rt *Router) Dispatch(ctx context.Context, req *Request, meta *RequestMeta) *Response {
	if meta == nil {
		meta = &RequestMeta{}
	}
	if meta.RequestID == "" {
		meta.RequestID = uuid.New().String()
	}
	if meta.Start.IsZero() {
		meta.Start = time.Now()
	}

	// 1. Feature gate: pre-audit by contract.
	cfg, err := rt.loadConfig()
	if err != nil || !cfg.Enabled {
		return &Response{
			OK: false, RequestID: meta.RequestID,
			Code: CodeFeatureDisabled, Error: "management endpoint is disabled",
		}
	}

	st := &pipelineState{
		req: req, meta: meta, cfg: cfg,
		actor:    contracts.Actor{Type: contracts.ActorSystem, ID: "system"},
		tenantID: cfg.TenantID,
	}
	if st.tenantID == "" {
		st.tenantID = rt.bindings.Tenant.DefaultTenantID
	}

	// 3. Envelope validation (types are enforced by the transport layer).
	if strings.TrimSpace(req.Action) == "" {
		return rt.fail(ctx, st, CodeValidationError, "action is required")
	}

	// 4. Authentication.
	if resp := rt.authenticate(ctx, st); resp != nil {
		return resp
	}

	// Local fast-deny from the revocations mirror.
	if resp := rt.checkRevocations(ctx, st); resp != nil {
		return resp
	}

	// 5. Action lookup.
	desc, handler, ok := rt.registry.Lookup(req.Action)
	if !ok {
		return rt.fail(ctx, st, CodeNotFound, fmt.Sprintf("Unknown action: %s", req.Action))
	}
	st.desc, st.handler = desc, handler

	// 6. Dry-run gate.
	if req.DryRun && !desc.SupportsDryRun {
		return rt.fail(ctx, st, CodeValidationError,
			fmt.Sprintf("action %s does not support dry_run", desc.Name))
	}

	// 7. Scope check.
	if !st.key.HasScope(desc.Scope) {
		return rt.deny(ctx, st, CodeScopeDenied,
			fmt.Sprintf("action %s requires scope %s", desc.Name, desc.Scope))
	}

	// 8. Rate limit.
	if resp := rt.rateLimit(ctx, st); resp != nil {
		return resp
	}

	// 9. Hard ceilings (mutations only).
	if desc.Kind.Mutation() && rt.adapters.Ceilings != nil {
		if err := rt.adapters.Ceilings.Check(ctx, desc.Name, req.Params, st.tenantID); err != nil {
			var ce *CeilingError
			if errors.As(err, &ce) {
				return rt.fail(ctx, st, CodeCeilingExceeded, ce.Error())
			}
			return rt.fail(ctx, st, CodeInternalError, "ceiling check failed")
		}
		st.constraints = append(st.constraints, "ceilings")
	}

	// 10. Idempotency replay (non-dry-run only).
	if resp := rt.replay(ctx, st); resp != nil {
		return resp
	}

	// 11. Parameter schema validation.
	if err := rt.registry.ValidateParams(desc.Name, req.Params); err != nil {
		return rt.fail(ctx, st, CodeValidationError, err.Error())
	}

	st.requestHash = rt.hashParams(req.Params)

	// 12. Authorisation via the Governance Hub.
	if resp := rt.authorize(ctx, st); resp != nil {
		return resp
	}

	// 13–15. Handler, audit, idempotency store.
	return rt.execute(ctx, st)
}

// authenticate resolves the API key record from the X-API-Key header value.
func (rt *Router) authenticate(ctx context.Context, st *pipelineState) *Response {
	raw := st.meta.APIKey
	prefixLen := rt.bindings.Auth.PrefixLen

	if len(raw) <= prefixLen || !strings.HasPrefix(raw, rt.bindings.Auth.KeyPrefix) {
		return rt.fail(ctx, st, CodeInvalidAPIKey, "invalid API key")
	}
	prefix := raw[:prefixLen]
	st.actor = contracts.Actor{Type: contracts.ActorAPIKey, ID: prefix}

	sum := sha256.Sum256([]byte(raw))
	rec, err := rt.adapters.DB.GetAPIKey(ctx, prefix, hex.EncodeToString(sum[:]))
	if err != nil {
		return rt.fail(ctx, st, CodeInternalError, "key lookup failed")
	}
	if rec == nil || rec.Status != KeyStatusActive {
		return rt.fail(ctx, st, CodeInvalidAPIKey, "invalid API key")
	}

	st.key = rec
	st.tenantID = rec.TenantID
	st.actor.APIKeyID = rec.ID
	return nil
}

func (rt *Router) checkRevocations(ctx context.Context, st *pipelineState) *Response {
	if rt.revocations == nil {
		return nil
	}
	switch {
	case rt.revocations.KeyRevoked(st.key.ID):
		return rt.fail(ctx, st, CodeInvalidAPIKey, "API key revoked")
	case rt.revocations.TenantRevoked(st.tenantID):
		return rt.deny(ctx, st, CodePolicyDenied, "tenant revoked")
	case rt.revocations.KernelRevoked(rt.bindings.KernelID):
		return rt.deny(ctx, st, CodePolicyDenied, "kernel revoked")
	}
	return nil
}

func (rt *Router) rateLimit(ctx context.Context, st *pipelineState) *Response {
	if rt.adapters.RateLimit == nil {
		return nil
	}
	limit := EffectiveRateLimit(st.desc.Name, st.key.RateLimitPerMin)
	result, err := rt.adapters.RateLimit.Check(ctx, st.key.ID, st.desc.Name, limit)
	if err != nil {
		// A broken limiter must not take the endpoint down with it.
		rt.logger.Warn("rate limiter unavailable", "action", st.desc.Name, "error", err)
		return nil
	}
	if !result.Allowed {
		return rt.fail(ctx, st, CodeRateLimited,
			fmt.Sprintf("rate limit exceeded (%d/min)", result.Limit))
	}
	st.constraints = append(st.constraints, fmt.Sprintf("rate_limit:%d/min", result.Limit))
	return nil
}

// replay serves a cached response for a previously seen idempotency key.
// Lookups are best-effort: a failing store is treated as a miss.
func (rt *Router) replay(ctx context.Context, st *pipelineState) *Response {
	if st.req.DryRun || st.req.IdempotencyKey == "" || rt.adapters.Idempotency == nil {
		return nil
	}

	cached, err := rt.adapters.Idempotency.GetReplay(ctx, st.tenantID, st.desc.Name, st.req.IdempotencyKey)
	if err != nil || cached == nil {
		return nil
	}

	rt.audit(ctx, st, contracts.StatusSuccess, EmitOptions{
		IdempotencyKey: st.req.IdempotencyKey,
	})

	resp := *cached
	resp.RequestID = st.meta.RequestID
	resp.OK = true
	resp.Code = CodeIdempotentReplay
	return &resp
}

// authorize consults the hub. Decisions are cached locally for allow outcomes
// keyed by policy version; adapter failure falls to the degradation policy.
func (rt *Router) authorize(ctx context.Context, st *pipelineState) *Response {
	if rt.adapters.Policy == nil {
		return nil
	}

	if version, _ := rt.policyVersion.Load().(string); version != "" {
		if d := rt.decisions.Get(st.desc.Name, st.actor, st.tenantID, st.requestHash, version); d != nil {
			st.decision = d
			st.decisionSource = contracts.DecisionSourcePlatform
			st.constraints = append(st.constraints, "policy:cached")
			return nil
		}
	}

	authReq := &contracts.AuthorizeRequest{
		KernelID:    rt.bindings.KernelID,
		TenantID:    st.tenantID,
		Actor:       st.actor,
		Action:      st.desc.Name,
		RequestHash: st.requestHash,
	}
	if len(st.desc.SummaryKeys) > 0 && st.req.Params != nil {
		summary := make(map[string]interface{}, len(st.desc.SummaryKeys))
		for _, k := range st.desc.SummaryKeys {
			if v, ok := st.req.Params[k]; ok {
				summary[k] = v
			}
		}
		authReq.ParamsSummary = summary
		authReq.ParamsSummarySchemaID = st.desc.Name + "/summary/v1"
	}

	authCtx, cancel := context.WithTimeout(ctx, rt.policyTimeout)
	defer cancel()

	decision, err := rt.adapters.Policy.Authorize(authCtx, authReq)
	if err != nil {
		// Caller-side cancellation is not a hub outage; degradation does not
		// apply to it.
		if ctx.Err() != nil {
			return rt.fail(ctx, st, CodeInternalError, "request cancelled")
		}
		mode := rt.bindings.FailModeFor(st.desc.Kind, FailMode(st.cfg.FailMode))
		if mode.AllowsDegraded(st.desc.Kind) {
			st.decisionSource = contracts.DecisionSourceDegraded
			st.degradedReason = contracts.DegradedReasonUnreachable
			st.constraints = append(st.constraints, "degraded:"+st.degradedReason)
			return nil
		}
		return rt.fail(ctx, st, CodeGovernanceUnavailable, "governance hub unreachable")
	}

	st.decision = decision
	st.decisionSource = contracts.DecisionSourcePlatform
	rt.ObservePolicyVersion(decision.PolicyVersion)

	if !decision.Allowed() {
		reason := decision.Reason
		if reason == "" {
			reason = "denied by policy"
		}
		if decision.Decision == contracts.DecisionRequireApproval {
			reason = fmt.Sprintf("approval required (approval_id %s)", decision.ApprovalID)
		}
		return rt.deny(ctx, st, CodePolicyDenied, reason)
	}

	rt.decisions.Put(st.desc.Name, st.actor, st.tenantID, st.requestHash, decision)
	st.constraints = append(st.constraints, "policy:allow")
	return nil
}

// execute invokes the handler, emits the audit event, and stores the replay
// response. Handler panics become INTERNAL_ERROR.
func (rt *Router) execute(ctx context.Context, st *pipelineState) (resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			rt.logger.Error("handler panicked", "action", st.desc.Name, "panic", r)
			resp = rt.fail(ctx, st, CodeInternalError, "internal error")
		}
	}()

	actx := &ActionContext{
		TenantID:     st.tenantID,
		APIKeyID:     st.key.ID,
		Scopes:       st.key.Scopes,
		DryRun:       st.req.DryRun,
		RequestID:    st.meta.RequestID,
		Start:        st.meta.Start,
		Bindings:     rt.bindings,
		Adapters:     rt.adapters,
		Executor:     rt.adapters.Executor,
		ControlPlane: rt.adapters.Policy,
	}

	result, err := st.handler(ctx, actx, st.req.Params)
	if err != nil {
		if ctx.Err() != nil {
			return rt.fail(ctx, st, CodeInternalError, "request deadline exceeded")
		}
		return rt.fail(ctx, st, CodeInternalError, err.Error())
	}
	if st.req.DryRun && result.Impact == nil {
		// A dry-run without an impact is an implementation error in the pack.
		return rt.fail(ctx, st, CodeInternalError,
			fmt.Sprintf("action %s returned no impact for dry_run", st.desc.Name))
	}

	var meta *contracts.ResultMeta
	if result.Impact != nil && !st.req.DryRun {
		meta = result.Impact.ResultMeta()
	}

	rt.audit(ctx, st, contracts.StatusSuccess, EmitOptions{
		ResultMeta:     meta,
		IdempotencyKey: st.req.IdempotencyKey,
	})

	resp = &Response{
		OK:                 true,
		RequestID:          st.meta.RequestID,
		DryRun:             st.req.DryRun,
		ConstraintsApplied: st.constraints,
	}
	if st.req.DryRun {
		resp.Data = result.Impact
	} else {
		resp.Data = result.Data
	}
	if resp.ConstraintsApplied == nil {
		resp.ConstraintsApplied = []string{}
	}

	// 15. Store the replay response after the fact, best-effort.
	if !st.req.DryRun && st.req.IdempotencyKey != "" && rt.adapters.Idempotency != nil {
		if err := rt.adapters.Idempotency.StoreReplay(ctx, st.tenantID, st.desc.Name, st.req.IdempotencyKey, resp); err != nil {
			rt.logger.Warn("idempotency store failed", "action", st.desc.Name, "error", err)
		}
	}
	return resp
}

// fail emits an error-status audit event and returns the failure envelope.
func (rt *Router) fail(ctx context.Context, st *pipelineState, code Code, msg string) *Response {
	rt.audit(ctx, st, contracts.StatusError, EmitOptions{
		ErrorCode:    string(code),
		ErrorMessage: msg,
	})
	return &Response{OK: false, RequestID: st.meta.RequestID, Code: code, Error: msg}
}

// deny emits a denied-status audit event (scope gate, policy, revocations).
func (rt *Router) deny(ctx context.Context, st *pipelineState, code Code, msg string) *Response {
	rt.audit(ctx, st, contracts.StatusDenied, EmitOptions{
		ErrorCode:    string(code),
		ErrorMessage: msg,
	})
	return &Response{OK: false, RequestID: st.meta.RequestID, Code: code, Error: msg}
}

func (rt *Router) audit(ctx context.Context, st *pipelineState, status string, opts EmitOptions) {
	action := st.req.Action
	opts.IPAddress = st.meta.IP
	opts.DryRun = st.req.DryRun
	opts.CorrelationID = st.meta.RequestID
	opts.DecisionSource = st.decisionSource
	opts.DegradedReason = st.degradedReason
	if st.decision != nil {
		opts.PolicyDecisionID = st.decision.DecisionID
		opts.PolicyID = st.decision.PolicyID
		opts.PolicyVersion = st.decision.PolicyVersion
	}

	rt.emitter.Emit(ctx, EmitInput{
		TenantID:    st.tenantID,
		Integration: rt.bindings.Integration,
		KernelID:    rt.bindings.KernelID,
		Actor:       st.actor,
		Action:      action,
		Status:      status,
		Payload:     st.req.Params,
		Start:       st.meta.Start,
		Opts:        opts,
	})
}

func (rt *Router) hashParams(params map[string]interface{}) string {
	if params == nil {
		params = map[string]interface{}{}
	}
	hash, err := canonicalize.SanitizedHash(params)
	if err != nil {
		rt.logger.Warn("request hash failed", "error", err)
		return ""
	}
	return hash
}
