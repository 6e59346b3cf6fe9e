package kve

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned for missing service keys and tenant integrations.
var ErrNotFound = errors.New("kve: not found")

// Store is the executor's persistence surface. Implementations must be safe
// for concurrent use. No table ever holds credential material.
type Store interface {
	GetServiceKeyByHMAC(ctx context.Context, hmac string) (*ServiceKey, error)
	PutServiceKey(ctx context.Context, key *ServiceKey) error
	// TouchServiceKey stamps last_used_at after a successful authentication.
	TouchServiceKey(ctx context.Context, id string, at time.Time) error

	// Allowlist. (integration, action) pairs are unique; disabled entries
	// do not allow anything.
	IsActionAllowed(ctx context.Context, integration, action string) (bool, error)
	PutAllowlistEntry(ctx context.Context, entry *AllowlistEntry) error

	GetTenantIntegration(ctx context.Context, tenantID, integration string) (*TenantIntegration, error)
	PutTenantIntegration(ctx context.Context, ti *TenantIntegration) error
}

// MemoryStore is the in-process Store used in tests and single-node
// deployments.
type MemoryStore struct {
	mu           sync.RWMutex
	keys         map[string]*ServiceKey        // id -> key
	allowlist    map[string]*AllowlistEntry    // integration \x1f action
	integrations map[string]*TenantIntegration // tenant \x1f integration
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys:         make(map[string]*ServiceKey),
		allowlist:    make(map[string]*AllowlistEntry),
		integrations: make(map[string]*TenantIntegration),
	}
}

func (s *MemoryStore) GetServiceKeyByHMAC(ctx context.Context, hmac string) (*ServiceKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, key := range s.keys {
		if key.KeyHMAC == hmac {
			cp := *key
			cp.AllowedTenantIDs = append([]string(nil), key.AllowedTenantIDs...)
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) PutServiceKey(ctx context.Context, key *ServiceKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	cp.AllowedTenantIDs = append([]string(nil), key.AllowedTenantIDs...)
	s.keys[key.ID] = &cp
	return nil
}

func (s *MemoryStore) TouchServiceKey(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[id]
	if !ok {
		return ErrNotFound
	}
	t := at
	key.LastUsedAt = &t
	return nil
}

func allowKey(integration, action string) string {
	return integration + "\x1f" + action
}

func (s *MemoryStore) IsActionAllowed(ctx context.Context, integration, action string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.allowlist[allowKey(integration, action)]
	return ok && entry.Enabled, nil
}

func (s *MemoryStore) PutAllowlistEntry(ctx context.Context, entry *AllowlistEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.allowlist[allowKey(entry.Integration, entry.Action)] = &cp
	return nil
}

func (s *MemoryStore) GetTenantIntegration(ctx context.Context, tenantID, integration string) (*TenantIntegration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ti, ok := s.integrations[tenantID+"\x1f"+integration]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ti
	return &cp, nil
}

func (s *MemoryStore) PutTenantIntegration(ctx context.Context, ti *TenantIntegration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ti
	s.integrations[ti.TenantID+"\x1f"+ti.Integration] = &cp
	return nil
}
