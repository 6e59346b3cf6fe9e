package hub

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northbeam-io/acp/pkg/contracts"
)

func engineFixture(t *testing.T) (*Engine, *MemoryStore, *KernelRecord) {
	t.Helper()
	store := NewMemoryStore()
	require.NoError(t, store.PutOrganisation(context.Background(), &Organisation{
		ID:                "org-1",
		Name:              "Acme",
		DefaultAllowReads: true,
	}))
	kernel := &KernelRecord{ID: "kern-1", OrgID: "org-1", Status: KernelStatusActive}
	require.NoError(t, store.PutKernel(context.Background(), kernel))
	return NewEngine(store), store, kernel
}

func authorizeReq(action string) *contracts.AuthorizeRequest {
	return &contracts.AuthorizeRequest{
		KernelID:    "kern-1",
		TenantID:    "t-1",
		Actor:       contracts.Actor{Type: contracts.ActorAPIKey, ID: "ak_12345"},
		Action:      action,
		RequestHash: "deadbeef",
	}
}

func TestAuthorizeMatchingPolicyWins(t *testing.T) {
	engine, store, kernel := engineFixture(t)
	ctx := context.Background()

	require.NoError(t, store.PutPolicy(ctx, &Policy{
		ID:      "p-deny-delete",
		OrgID:   "org-1",
		Name:    "no deletes",
		Effect:  EffectDeny,
		Enabled: true,
		Cond:    Condition{Action: "domain.*.delete"},
		Reason:  "deletes are blocked",
	}))

	d, err := engine.Authorize(ctx, kernel, authorizeReq("domain.publishers.delete"))
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionDeny, d.Decision)
	assert.Equal(t, "p-deny-delete", d.PolicyID)
	assert.Equal(t, "deletes are blocked", d.Reason)
	assert.NotEmpty(t, d.DecisionID)
	assert.NotEmpty(t, d.PolicyVersion)
}

func TestAuthorizeOrgDefaultWhenNoPolicyMatches(t *testing.T) {
	engine, _, kernel := engineFixture(t)
	ctx := context.Background()

	read, err := engine.Authorize(ctx, kernel, authorizeReq("domain.publishers.list"))
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionAllow, read.Decision)
	assert.Empty(t, read.PolicyID)

	write, err := engine.Authorize(ctx, kernel, authorizeReq("domain.publishers.delete"))
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionDeny, write.Decision)
	assert.Equal(t, "no matching policy; organisation default", write.Reason)
}

func TestAuthorizePriorityOrderAndTieBreak(t *testing.T) {
	engine, store, kernel := engineFixture(t)
	ctx := context.Background()

	require.NoError(t, store.PutPolicy(ctx, &Policy{
		ID: "p-b-allow", OrgID: "org-1", Effect: EffectAllow, Priority: 10, Enabled: true,
		Cond: Condition{Action: "iam.keys.create"},
	}))
	require.NoError(t, store.PutPolicy(ctx, &Policy{
		ID: "p-z-deny", OrgID: "org-1", Effect: EffectDeny, Priority: 20, Enabled: true,
		Cond: Condition{Action: "iam.keys.create"},
	}))
	// Same priority as the allow; id order decides and "p-a" sorts first.
	require.NoError(t, store.PutPolicy(ctx, &Policy{
		ID: "p-a-deny", OrgID: "org-1", Effect: EffectDeny, Priority: 10, Enabled: true,
		Cond: Condition{Action: "iam.keys.create"},
	}))

	d, err := engine.Authorize(ctx, kernel, authorizeReq("iam.keys.create"))
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionDeny, d.Decision)
	assert.Equal(t, "p-a-deny", d.PolicyID)
}

func TestAuthorizeSkipsDisabledAndPinnedPolicies(t *testing.T) {
	engine, store, kernel := engineFixture(t)
	ctx := context.Background()

	require.NoError(t, store.PutPolicy(ctx, &Policy{
		ID: "p-disabled", OrgID: "org-1", Effect: EffectDeny, Priority: 1, Enabled: false,
		Cond: Condition{Action: "domain.publishers.list"},
	}))
	require.NoError(t, store.PutPolicy(ctx, &Policy{
		ID: "p-other-kernel", OrgID: "org-1", KernelID: "kern-2", Effect: EffectDeny, Priority: 2, Enabled: true,
		Cond: Condition{Action: "domain.publishers.list"},
	}))
	require.NoError(t, store.PutPolicy(ctx, &Policy{
		ID: "p-other-tenant", OrgID: "org-1", TenantID: "t-99", Effect: EffectDeny, Priority: 3, Enabled: true,
		Cond: Condition{Action: "domain.publishers.list"},
	}))

	d, err := engine.Authorize(ctx, kernel, authorizeReq("domain.publishers.list"))
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionAllow, d.Decision, "none of the policies should apply")
}

func TestAuthorizeRequireApprovalCarriesApprovalID(t *testing.T) {
	engine, store, kernel := engineFixture(t)
	ctx := context.Background()

	require.NoError(t, store.PutPolicy(ctx, &Policy{
		ID: "p-approve", OrgID: "org-1", Effect: EffectRequireApproval, Enabled: true,
		Cond: Condition{Action: "payments.transfers.create"},
	}))

	d, err := engine.Authorize(ctx, kernel, authorizeReq("payments.transfers.create"))
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionRequireApproval, d.Decision)
	assert.NotEmpty(t, d.ApprovalID)

	row, err := store.GetDecision(ctx, d.DecisionID)
	require.NoError(t, err)
	assert.Equal(t, d.ApprovalID, row.ApprovalID)
}

func TestAuthorizePersistsDecisionBeforeReturning(t *testing.T) {
	engine, store, kernel := engineFixture(t)
	ctx := context.Background()

	d, err := engine.Authorize(ctx, kernel, authorizeReq("domain.publishers.list"))
	require.NoError(t, err)

	row, err := store.GetDecision(ctx, d.DecisionID)
	require.NoError(t, err)
	assert.Equal(t, string(d.Decision), row.Decision)
	assert.Equal(t, "t-1", row.TenantID)
	assert.Equal(t, "kern-1", row.KernelID)
	assert.Equal(t, "deadbeef", row.RequestHash)
	assert.Equal(t, d.PolicyVersion, row.PolicyVersion)
}

// failingDecisionStore breaks decision persistence only.
type failingDecisionStore struct {
	Store
}

func (f *failingDecisionStore) InsertDecision(ctx context.Context, row *DecisionRow) error {
	return errors.New("disk full")
}

func TestAuthorizeNeverAllowsWithoutPersistedDecision(t *testing.T) {
	_, store, kernel := engineFixture(t)
	engine := NewEngine(&failingDecisionStore{Store: store})

	d, err := engine.Authorize(context.Background(), kernel, authorizeReq("domain.publishers.list"))
	require.Error(t, err)
	assert.Nil(t, d)
}

func TestAuthorizeSignsTokenWhenConfigured(t *testing.T) {
	_, store, kernel := engineFixture(t)
	keys, err := DeriveKeys([]byte("master-secret"))
	require.NoError(t, err)
	signer := NewTokenSigner(keys.SigningKey)
	engine := NewEngine(store, WithTokenSigner(signer))

	d, err := engine.Authorize(context.Background(), kernel, authorizeReq("domain.publishers.list"))
	require.NoError(t, err)
	require.NotEmpty(t, d.Token)

	claims, err := signer.Verify(d.Token)
	require.NoError(t, err)
	assert.Equal(t, d.DecisionID, claims["decision_id"])
	assert.Equal(t, "allow", claims["decision"])
	assert.Equal(t, d.PolicyVersion, claims["policy_version"])
}

func TestPolicyVersionMovesOnPolicyChange(t *testing.T) {
	engine, store, kernel := engineFixture(t)
	ctx := context.Background()

	v1, err := engine.PolicyVersion(ctx, kernel.OrgID, kernel.ID)
	require.NoError(t, err)
	assert.Len(t, v1, 16)

	require.NoError(t, store.PutPolicy(ctx, &Policy{
		ID: "p-new", OrgID: "org-1", Effect: EffectDeny, Enabled: true,
		Cond: Condition{Action: "x.y.z"},
	}))
	engine.InvalidatePolicies(kernel.OrgID)

	v2, err := engine.PolicyVersion(ctx, kernel.OrgID, kernel.ID)
	require.NoError(t, err)
	assert.NotEqual(t, v1, v2)
}

func TestPolicyCacheServesWithinTTL(t *testing.T) {
	engine, store, kernel := engineFixture(t)
	ctx := context.Background()

	now := time.Now()
	engine.now = func() time.Time { return now }

	v1, err := engine.PolicyVersion(ctx, kernel.OrgID, kernel.ID)
	require.NoError(t, err)

	// A write without invalidation is invisible until the TTL lapses.
	require.NoError(t, store.PutPolicy(ctx, &Policy{
		ID: "p-late", OrgID: "org-1", Effect: EffectDeny, Enabled: true,
		Cond: Condition{Action: "x.y.z"},
	}))

	v2, err := engine.PolicyVersion(ctx, kernel.OrgID, kernel.ID)
	require.NoError(t, err)
	assert.Equal(t, v1, v2)

	now = now.Add(PolicyCacheTTL + time.Millisecond)
	v3, err := engine.PolicyVersion(ctx, kernel.OrgID, kernel.ID)
	require.NoError(t, err)
	assert.NotEqual(t, v1, v3)
}

func TestBrokenPolicySkippedNotFatal(t *testing.T) {
	engine, store, kernel := engineFixture(t)
	ctx := context.Background()

	require.NoError(t, store.PutPolicy(ctx, &Policy{
		ID: "p-broken", OrgID: "org-1", Effect: EffectDeny, Priority: 1, Enabled: true,
		Cond: Condition{CEL: "(((("},
	}))
	require.NoError(t, store.PutPolicy(ctx, &Policy{
		ID: "p-ok", OrgID: "org-1", Effect: EffectDeny, Priority: 2, Enabled: true,
		Cond: Condition{Action: "domain.publishers.list"},
	}))

	d, err := engine.Authorize(ctx, kernel, authorizeReq("domain.publishers.list"))
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionDeny, d.Decision)
	assert.Equal(t, "p-ok", d.PolicyID)
}

func TestAuthorizeAmountCeilingPolicy(t *testing.T) {
	engine, store, kernel := engineFixture(t)
	ctx := context.Background()

	require.NoError(t, store.PutPolicy(ctx, &Policy{
		ID: "p-ceiling", OrgID: "org-1", Effect: EffectRequireApproval, Enabled: true,
		Cond:   Condition{Action: "payments.transfers.create", Amount: &AmountCeiling{Field: "amount", Max: 10000}},
		Reason: "large transfer",
	}))

	small := authorizeReq("payments.transfers.create")
	small.ParamsSummary = map[string]interface{}{"amount": 500.0}
	d, err := engine.Authorize(ctx, kernel, small)
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionDeny, d.Decision, "falls through to the write default")

	large := authorizeReq("payments.transfers.create")
	large.ParamsSummary = map[string]interface{}{"amount": 10001.0}
	d, err = engine.Authorize(ctx, kernel, large)
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionRequireApproval, d.Decision)
	assert.Equal(t, "p-ceiling", d.PolicyID)
}
