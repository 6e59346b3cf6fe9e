package kernel

import (
	"container/list"
	"strings"
	"sync"
	"time"

	"github.com/northbeam-io/acp/pkg/contracts"
)

// DefaultDecisionCacheSize bounds the per-process decision cache.
const DefaultDecisionCacheSize = 10_000

// DecisionCache is a bounded LRU of hub allow-decisions keyed by the
// composite (action, actor, tenant, request_hash, policy_version). Only allow
// outcomes are cached; entries expire after the decision TTL and the whole
// cache is purged when a newer policy_version is observed via heartbeat.
type DecisionCache struct {
	mu            sync.Mutex
	entries       map[string]*list.Element
	order         *list.List
	capacity      int
	policyVersion string
	now           func() time.Time
}

type decisionEntry struct {
	key       string
	decision  *contracts.Decision
	expiresAt time.Time
}

// NewDecisionCache creates a cache with the given capacity (default 10 000).
func NewDecisionCache(capacity int) *DecisionCache {
	if capacity <= 0 {
		capacity = DefaultDecisionCacheSize
	}
	return &DecisionCache{
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		capacity: capacity,
		now:      time.Now,
	}
}

func decisionKey(action string, actor contracts.Actor, tenantID, requestHash, policyVersion string) string {
	return strings.Join([]string{action, actor.Type, actor.ID, tenantID, requestHash, policyVersion}, "\x1f")
}

// Get returns a cached, unexpired allow decision or nil.
func (c *DecisionCache) Get(action string, actor contracts.Actor, tenantID, requestHash, policyVersion string) *contracts.Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := decisionKey(action, actor, tenantID, requestHash, policyVersion)
	elem, ok := c.entries[key]
	if !ok {
		return nil
	}
	entry := elem.Value.(*decisionEntry)
	if c.now().After(entry.expiresAt) {
		c.order.Remove(elem)
		delete(c.entries, key)
		return nil
	}
	c.order.MoveToFront(elem)
	return entry.decision
}

// Put caches an allow decision under its TTL. Non-allow decisions are never
// cached: deny and require_approval must always consult the hub.
func (c *DecisionCache) Put(action string, actor contracts.Actor, tenantID, requestHash string, decision *contracts.Decision) {
	if decision == nil || decision.Decision != contracts.DecisionAllow {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := decisionKey(action, actor, tenantID, requestHash, decision.PolicyVersion)
	entry := &decisionEntry{
		key:       key,
		decision:  decision,
		expiresAt: c.now().Add(decision.TTL()),
	}

	if elem, ok := c.entries[key]; ok {
		elem.Value = entry
		c.order.MoveToFront(elem)
		return
	}

	c.entries[key] = c.order.PushFront(entry)
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*decisionEntry).key)
	}
}

// ObservePolicyVersion purges the cache when the hub reports a new version.
func (c *DecisionCache) ObservePolicyVersion(version string) {
	if version == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if version == c.policyVersion {
		return
	}
	c.policyVersion = version
	c.entries = make(map[string]*list.Element)
	c.order.Init()
}

// Len reports the number of cached entries.
func (c *DecisionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
