package kernel

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northbeam-io/acp/pkg/contracts"
)

func allowDecision(version string) *contracts.Decision {
	return &contracts.Decision{
		DecisionID:    "dec-1",
		Decision:      contracts.DecisionAllow,
		PolicyVersion: version,
	}
}

var testActor = contracts.Actor{Type: contracts.ActorAPIKey, ID: "ak_test_"}

func TestDecisionCacheHitAndMiss(t *testing.T) {
	c := NewDecisionCache(10)
	d := allowDecision("v1")

	c.Put("x.a", testActor, "t-1", "hash", d)
	assert.Same(t, d, c.Get("x.a", testActor, "t-1", "hash", "v1"))

	// Any component of the composite key misses.
	assert.Nil(t, c.Get("x.b", testActor, "t-1", "hash", "v1"))
	assert.Nil(t, c.Get("x.a", testActor, "t-2", "hash", "v1"))
	assert.Nil(t, c.Get("x.a", testActor, "t-1", "hash2", "v1"))
	assert.Nil(t, c.Get("x.a", testActor, "t-1", "hash", "v2"))
	other := contracts.Actor{Type: contracts.ActorAPIKey, ID: "ak_other"}
	assert.Nil(t, c.Get("x.a", other, "t-1", "hash", "v1"))
}

func TestDecisionCacheNeverCachesDenials(t *testing.T) {
	c := NewDecisionCache(10)

	for _, value := range []contracts.DecisionValue{contracts.DecisionDeny, contracts.DecisionRequireApproval} {
		c.Put("x.a", testActor, "t-1", "hash", &contracts.Decision{
			Decision:      value,
			PolicyVersion: "v1",
		})
	}
	assert.Zero(t, c.Len())
}

func TestDecisionCacheTTLExpiry(t *testing.T) {
	c := NewDecisionCache(10)
	now := time.Now()
	c.now = func() time.Time { return now }

	d := allowDecision("v1")
	d.DecisionTTLMS = 1000
	c.Put("x.a", testActor, "t-1", "hash", d)

	now = now.Add(500 * time.Millisecond)
	assert.NotNil(t, c.Get("x.a", testActor, "t-1", "hash", "v1"))

	now = now.Add(600 * time.Millisecond)
	assert.Nil(t, c.Get("x.a", testActor, "t-1", "hash", "v1"))
	assert.Zero(t, c.Len(), "expired entries are evicted on read")
}

func TestDecisionCacheTTLClamped(t *testing.T) {
	d := allowDecision("v1")
	d.DecisionTTLMS = 10 * 60 * 1000
	assert.Equal(t, time.Duration(contracts.MaxDecisionTTLMS)*time.Millisecond, d.TTL())

	d.DecisionTTLMS = 0
	assert.Equal(t, time.Duration(contracts.DefaultDecisionTTLMS)*time.Millisecond, d.TTL())
}

func TestDecisionCacheLRUEviction(t *testing.T) {
	c := NewDecisionCache(3)
	for i := 0; i < 3; i++ {
		c.Put(fmt.Sprintf("x.%d", i), testActor, "t-1", "hash", allowDecision("v1"))
	}

	// Touch x.0 so x.1 becomes the eviction candidate.
	require.NotNil(t, c.Get("x.0", testActor, "t-1", "hash", "v1"))
	c.Put("x.3", testActor, "t-1", "hash", allowDecision("v1"))

	assert.Equal(t, 3, c.Len())
	assert.NotNil(t, c.Get("x.0", testActor, "t-1", "hash", "v1"))
	assert.Nil(t, c.Get("x.1", testActor, "t-1", "hash", "v1"))
}

func TestDecisionCachePurgeOnPolicyVersionChange(t *testing.T) {
	c := NewDecisionCache(10)
	c.Put("x.a", testActor, "t-1", "hash", allowDecision("v1"))
	require.Equal(t, 1, c.Len())

	c.ObservePolicyVersion("v1")
	assert.Equal(t, 0, c.Len(), "first observation establishes the version")

	c.Put("x.a", testActor, "t-1", "hash", allowDecision("v1"))
	c.ObservePolicyVersion("v1")
	assert.Equal(t, 1, c.Len(), "same version keeps entries")

	c.ObservePolicyVersion("v2")
	assert.Equal(t, 0, c.Len(), "new version purges")
}
