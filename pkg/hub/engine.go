package hub

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/northbeam-io/acp/pkg/contracts"
)

// PolicyCacheTTL bounds how stale the in-process policy set may be.
const PolicyCacheTTL = 5 * time.Second

// policySet is one cached, compiled, ordered policy load.
type policySet struct {
	policies []*CompiledPolicy
	version  string
	loadedAt time.Time
}

type cacheSlot struct {
	mu       sync.Mutex
	set      *policySet
	inflight chan struct{}
}

// Engine is the authoritative decision engine behind POST /authorize.
type Engine struct {
	store  Store
	signer *TokenSigner
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]*cacheSlot // org|kernel -> slot
	now   func() time.Time
}

// EngineOption customises the engine.
type EngineOption func(*Engine)

// WithTokenSigner enables signed decision tokens.
func WithTokenSigner(s *TokenSigner) EngineOption {
	return func(e *Engine) { e.signer = s }
}

// WithEngineLogger overrides the logger.
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates a decision engine over the store.
func NewEngine(store Store, opts ...EngineOption) *Engine {
	e := &Engine{
		store:  store,
		logger: slog.Default(),
		cache:  make(map[string]*cacheSlot),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Authorize evaluates the policy set and returns the decision. An allow is
// never returned unless its decision row was persisted first; a store failure
// surfaces as an error for the transport layer to map to 503.
func (e *Engine) Authorize(ctx context.Context, kernel *KernelRecord, req *contracts.AuthorizeRequest) (*contracts.Decision, error) {
	org, err := e.store.GetOrganisation(ctx, kernel.OrgID)
	if err != nil {
		return nil, fmt.Errorf("organisation %s: %w", kernel.OrgID, err)
	}

	set, err := e.policySet(ctx, org.ID, kernel.ID)
	if err != nil {
		return nil, err
	}

	in := MatchInput{
		Action:        req.Action,
		ActorType:     req.Actor.Type,
		TenantID:      req.TenantID,
		ParamsSummary: req.ParamsSummary,
		Now:           e.now(),
	}

	decision := &contracts.Decision{
		DecisionID:    uuid.New().String(),
		PolicyVersion: set.version,
		DecisionTTLMS: contracts.DefaultDecisionTTLMS,
	}

	matched := false
	for _, p := range set.policies {
		// Policies pinned to another kernel or tenant never apply.
		if p.KernelID != "" && p.KernelID != kernel.ID {
			continue
		}
		if p.TenantID != "" && p.TenantID != req.TenantID {
			continue
		}
		if !p.Matches(in) {
			continue
		}

		matched = true
		decision.PolicyID = p.ID
		decision.Reason = p.Reason
		switch p.Effect {
		case EffectAllow:
			decision.Decision = contracts.DecisionAllow
		case EffectRequireApproval:
			decision.Decision = contracts.DecisionRequireApproval
			decision.ApprovalID = uuid.New().String()
		default:
			decision.Decision = contracts.DecisionDeny
		}
		break
	}

	if !matched {
		decision.Decision = DefaultDecision(org, req.Action)
		if decision.Decision == contracts.DecisionDeny {
			decision.Reason = "no matching policy; organisation default"
		}
	}

	row := &DecisionRow{
		DecisionID:    decision.DecisionID,
		OrgID:         org.ID,
		KernelID:      kernel.ID,
		TenantID:      req.TenantID,
		Action:        req.Action,
		RequestHash:   req.RequestHash,
		Decision:      string(decision.Decision),
		PolicyID:      decision.PolicyID,
		PolicyVersion: decision.PolicyVersion,
		ApprovalID:    decision.ApprovalID,
		Reason:        decision.Reason,
		CreatedAt:     e.now().UTC(),
	}
	if err := e.store.InsertDecision(ctx, row); err != nil {
		return nil, fmt.Errorf("persist decision: %w", err)
	}

	if e.signer != nil {
		token, err := e.signer.Sign(decision)
		if err != nil {
			// The JSON decision is still authoritative without its token.
			e.logger.Warn("decision token signing failed",
				"decision_id", decision.DecisionID, "error", err)
		} else {
			decision.Token = token
		}
	}
	return decision, nil
}

// PolicyVersion returns the current version for an (org, kernel) scope,
// loading the set if needed.
func (e *Engine) PolicyVersion(ctx context.Context, orgID, kernelID string) (string, error) {
	set, err := e.policySet(ctx, orgID, kernelID)
	if err != nil {
		return "", err
	}
	return set.version, nil
}

// policySet returns the cached set, refreshing at most once concurrently per
// (org, kernel) key on expiry.
func (e *Engine) policySet(ctx context.Context, orgID, kernelID string) (*policySet, error) {
	key := orgID + "\x1f" + kernelID

	e.mu.Lock()
	slot, ok := e.cache[key]
	if !ok {
		slot = &cacheSlot{}
		e.cache[key] = slot
	}
	e.mu.Unlock()

	slot.mu.Lock()
	if slot.set != nil && e.now().Sub(slot.set.loadedAt) < PolicyCacheTTL {
		set := slot.set
		slot.mu.Unlock()
		return set, nil
	}
	if slot.inflight != nil {
		// Another goroutine is refreshing; serve the stale set if there is
		// one, otherwise wait for the load.
		if slot.set != nil {
			set := slot.set
			slot.mu.Unlock()
			return set, nil
		}
		wait := slot.inflight
		slot.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		slot.mu.Lock()
		set := slot.set
		slot.mu.Unlock()
		if set == nil {
			return nil, fmt.Errorf("policy load failed")
		}
		return set, nil
	}

	done := make(chan struct{})
	slot.inflight = done
	slot.mu.Unlock()

	set, err := e.loadPolicies(ctx, orgID)

	slot.mu.Lock()
	slot.inflight = nil
	if err == nil {
		slot.set = set
	}
	close(done)
	result := slot.set
	slot.mu.Unlock()

	if err != nil {
		if result != nil {
			// Serve stale over failing closed on a transient store error.
			return result, nil
		}
		return nil, err
	}
	return set, nil
}

func (e *Engine) loadPolicies(ctx context.Context, orgID string) (*policySet, error) {
	rows, err := e.store.ListPolicies(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("load policies: %w", err)
	}

	enabled := rows[:0]
	for _, p := range rows {
		if p.Enabled {
			enabled = append(enabled, p)
		}
	}
	policySortKey(enabled)

	compiled := make([]*CompiledPolicy, 0, len(enabled))
	for _, p := range enabled {
		cp, err := CompilePolicy(p)
		if err != nil {
			// A broken policy must not take authorization down; skip it.
			e.logger.Error("policy compile failed", "policy_id", p.ID, "error", err)
			continue
		}
		compiled = append(compiled, cp)
	}

	return &policySet{
		policies: compiled,
		version:  policySetVersion(enabled),
		loadedAt: e.now(),
	}, nil
}

// policySetVersion hashes the ordered enabled set so any row change moves the
// version.
func policySetVersion(rows []*Policy) string {
	h := sha256.New()
	for _, p := range rows {
		data, _ := json.Marshal(p)
		h.Write(data)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// InvalidatePolicies drops the cached set for an org so the next authorize
// reloads. Called after policy writes.
func (e *Engine) InvalidatePolicies(orgID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, slot := range e.cache {
		if len(key) >= len(orgID) && key[:len(orgID)] == orgID {
			slot.mu.Lock()
			slot.set = nil
			slot.mu.Unlock()
		}
	}
}
