package kernel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/northbeam-io/acp/pkg/contracts"
)

// In-memory adapter implementations for tests and single-process embeddings.

// MemoryDB is a tenant-scoped in-memory DBAdapter.
type MemoryDB struct {
	mu         sync.RWMutex
	keys       map[string]*APIKeyRecord // id -> record
	members    map[string][]*TeamMemberRecord
	webhooks   map[string][]*WebhookRecord
	deliveries map[string][]*WebhookDeliveryRecord
	settings   map[string]map[string]string
}

// NewMemoryDB creates an empty store.
func NewMemoryDB() *MemoryDB {
	return &MemoryDB{
		keys:       make(map[string]*APIKeyRecord),
		members:    make(map[string][]*TeamMemberRecord),
		webhooks:   make(map[string][]*WebhookRecord),
		deliveries: make(map[string][]*WebhookDeliveryRecord),
		settings:   make(map[string]map[string]string),
	}
}

func (m *MemoryDB) GetAPIKey(ctx context.Context, prefix, hash string) (*APIKeyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rec := range m.keys {
		if rec.Prefix == prefix && rec.KeyHash == hash {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryDB) InsertAPIKey(ctx context.Context, tenantID string, rec *APIKeyRecord) error {
	if rec.TenantID != tenantID {
		return fmt.Errorf("memory db: tenant mismatch")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.keys[rec.ID]; exists {
		return fmt.Errorf("memory db: duplicate key id %s", rec.ID)
	}
	cp := *rec
	m.keys[rec.ID] = &cp
	return nil
}

func (m *MemoryDB) ListAPIKeys(ctx context.Context, tenantID string) ([]*APIKeyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*APIKeyRecord
	for _, rec := range m.keys {
		if rec.TenantID == tenantID {
			cp := *rec
			cp.KeyHash = ""
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryDB) UpdateAPIKeyStatus(ctx context.Context, tenantID, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.keys[id]
	if !ok || rec.TenantID != tenantID {
		return fmt.Errorf("memory db: key %s not found", id)
	}
	if rec.Status == KeyStatusRevoked {
		return fmt.Errorf("memory db: key %s is revoked", id)
	}
	rec.Status = status
	rec.UpdatedAt = time.Now().UnixMilli()
	return nil
}

func (m *MemoryDB) CountAPIKeys(ctx context.Context, tenantID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, rec := range m.keys {
		if rec.TenantID == tenantID {
			n++
		}
	}
	return n, nil
}

func (m *MemoryDB) ListTeamMembers(ctx context.Context, tenantID string) ([]*TeamMemberRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*TeamMemberRecord{}, m.members[tenantID]...), nil
}

func (m *MemoryDB) InsertWebhook(ctx context.Context, tenantID string, rec *WebhookRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhooks[tenantID] = append(m.webhooks[tenantID], rec)
	return nil
}

func (m *MemoryDB) ListWebhooks(ctx context.Context, tenantID string) ([]*WebhookRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*WebhookRecord{}, m.webhooks[tenantID]...), nil
}

func (m *MemoryDB) InsertWebhookDelivery(ctx context.Context, tenantID string, rec *WebhookDeliveryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries[tenantID] = append(m.deliveries[tenantID], rec)
	return nil
}

func (m *MemoryDB) GetSetting(ctx context.Context, tenantID, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings[tenantID][key], nil
}

func (m *MemoryDB) PutSetting(ctx context.Context, tenantID, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settings[tenantID] == nil {
		m.settings[tenantID] = make(map[string]string)
	}
	m.settings[tenantID][key] = value
	return nil
}

// MemoryAudit collects emitted events, deduplicating by event_id.
type MemoryAudit struct {
	mu     sync.Mutex
	events []*contracts.AuditEvent
	seen   map[string]struct{}
	// FailWith, when set, makes every LogEvent call return it. Used to prove
	// that audit failures never break the request path.
	FailWith error
}

// NewMemoryAudit creates an empty sink.
func NewMemoryAudit() *MemoryAudit {
	return &MemoryAudit{seen: make(map[string]struct{})}
}

func (m *MemoryAudit) LogEvent(ctx context.Context, event *contracts.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	if _, dup := m.seen[event.EventID]; dup {
		return nil
	}
	m.seen[event.EventID] = struct{}{}
	cp := *event
	m.events = append(m.events, &cp)
	return nil
}

// Events returns a snapshot of recorded events.
func (m *MemoryAudit) Events() []*contracts.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*contracts.AuditEvent{}, m.events...)
}

// Last returns the most recent event or nil.
func (m *MemoryAudit) Last() *contracts.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return nil
	}
	return m.events[len(m.events)-1]
}

type replayEntry struct {
	resp      *Response
	expiresAt time.Time
}

// MemoryIdempotency stores replay responses keyed by (tenant, action, key).
type MemoryIdempotency struct {
	mu      sync.Mutex
	entries map[string]replayEntry
	ttl     time.Duration
}

// NewMemoryIdempotency creates a store with the given TTL (24h if zero).
func NewMemoryIdempotency(ttl time.Duration) *MemoryIdempotency {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &MemoryIdempotency{entries: make(map[string]replayEntry), ttl: ttl}
}

func replayKey(tenantID, action, key string) string {
	return tenantID + "\x1f" + action + "\x1f" + key
}

func (m *MemoryIdempotency) GetReplay(ctx context.Context, tenantID, action, key string) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := replayKey(tenantID, action, key)
	entry, ok := m.entries[k]
	if !ok {
		return nil, nil
	}
	if time.Now().After(entry.expiresAt) {
		delete(m.entries, k)
		return nil, nil
	}
	cp := *entry.resp
	return &cp, nil
}

func (m *MemoryIdempotency) StoreReplay(ctx context.Context, tenantID, action, key string, resp *Response) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *resp
	m.entries[replayKey(tenantID, action, key)] = replayEntry{
		resp:      &cp,
		expiresAt: time.Now().Add(m.ttl),
	}
	return nil
}
