package hub

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/northbeam-io/acp/pkg/contracts"
)

// ErrNotFound is returned for missing organisations and kernels.
var ErrNotFound = errors.New("hub: not found")

// ErrDuplicateEvent marks an ingest insert whose event_id already exists.
var ErrDuplicateEvent = errors.New("hub: duplicate event")

// Store is the hub persistence surface. Implementations must be safe for
// concurrent use.
type Store interface {
	GetOrganisation(ctx context.Context, id string) (*Organisation, error)
	PutOrganisation(ctx context.Context, org *Organisation) error

	// Policies.
	ListPolicies(ctx context.Context, orgID string) ([]*Policy, error)
	PutPolicy(ctx context.Context, p *Policy) error

	// Decisions. InsertDecision must be durable before an allow is returned.
	InsertDecision(ctx context.Context, row *DecisionRow) error
	GetDecision(ctx context.Context, decisionID string) (*DecisionRow, error)

	// Audit hot index. InsertHotRow returns ErrDuplicateEvent for a repeated
	// event_id.
	InsertHotRow(ctx context.Context, row *AuditHotRow) error
	QueryAudit(ctx context.Context, q AuditQuery) (*AuditPage, error)
	GetHotRow(ctx context.Context, orgID, eventID string) (*AuditHotRow, error)

	// Kernel inventory.
	GetKernelByHMAC(ctx context.Context, hmac string) (*KernelRecord, error)
	PutKernel(ctx context.Context, rec *KernelRecord) error
	UpdateKernel(ctx context.Context, rec *KernelRecord) error
	ListKernels(ctx context.Context, orgID string) ([]*KernelRecord, error)

	// Revocations. Append bumps the version for the kernel scope.
	AppendRevocation(ctx context.Context, orgID string, rev *Revocation) (int64, error)
	RevocationSnapshot(ctx context.Context, orgID string) (*contracts.RevocationSnapshot, error)
}

// MemoryStore is the in-process Store used in tests and single-node
// deployments.
type MemoryStore struct {
	mu          sync.RWMutex
	orgs        map[string]*Organisation
	policies    map[string][]*Policy // org -> rows
	decisions   map[string]*DecisionRow
	hotRows     []*AuditHotRow
	hotSeen     map[string]struct{}
	kernels     map[string]*KernelRecord // id -> record
	revocations map[string][]*Revocation // org -> entries
	revVersion  map[string]int64         // org -> version
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orgs:        make(map[string]*Organisation),
		policies:    make(map[string][]*Policy),
		decisions:   make(map[string]*DecisionRow),
		hotSeen:     make(map[string]struct{}),
		kernels:     make(map[string]*KernelRecord),
		revocations: make(map[string][]*Revocation),
		revVersion:  make(map[string]int64),
	}
}

func (s *MemoryStore) GetOrganisation(ctx context.Context, id string) (*Organisation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	org, ok := s.orgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *org
	return &cp, nil
}

func (s *MemoryStore) PutOrganisation(ctx context.Context, org *Organisation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *org
	s.orgs[org.ID] = &cp
	return nil
}

func (s *MemoryStore) ListPolicies(ctx context.Context, orgID string) ([]*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Policy, 0, len(s.policies[orgID]))
	for _, p := range s.policies[orgID] {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) PutPolicy(ctx context.Context, p *Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	rows := s.policies[p.OrgID]
	for i, existing := range rows {
		if existing.ID == p.ID {
			cp.Version = existing.Version + 1
			rows[i] = &cp
			return nil
		}
	}
	if cp.Version == 0 {
		cp.Version = 1
	}
	s.policies[p.OrgID] = append(rows, &cp)
	return nil
}

func (s *MemoryStore) InsertDecision(ctx context.Context, row *DecisionRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *row
	s.decisions[row.DecisionID] = &cp
	return nil
}

func (s *MemoryStore) GetDecision(ctx context.Context, decisionID string) (*DecisionRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.decisions[decisionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (s *MemoryStore) InsertHotRow(ctx context.Context, row *AuditHotRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.hotSeen[row.EventID]; dup {
		return ErrDuplicateEvent
	}
	s.hotSeen[row.EventID] = struct{}{}
	cp := *row
	s.hotRows = append(s.hotRows, &cp)
	return nil
}

func (s *MemoryStore) QueryAudit(ctx context.Context, q AuditQuery) (*AuditPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*AuditHotRow
	for _, row := range s.hotRows {
		if q.OrgID != "" && row.OrgID != q.OrgID {
			continue
		}
		if q.TenantID != "" && row.TenantID != q.TenantID {
			continue
		}
		if q.Action != "" && row.Action != q.Action {
			continue
		}
		if q.Status != "" && row.Status != q.Status {
			continue
		}
		if q.From != 0 && row.TS < q.From {
			continue
		}
		if q.To != 0 && row.TS > q.To {
			continue
		}
		cp := *row
		matched = append(matched, &cp)
	}

	// Display order: (ts, event_id) descending for newest-first pages.
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].TS != matched[j].TS {
			return matched[i].TS > matched[j].TS
		}
		return matched[i].EventID > matched[j].EventID
	})

	page, limit := q.Page, q.Limit
	if page < 1 {
		page = 1
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	total := len(matched)
	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	return &AuditPage{Entries: matched[start:end], Total: total, Page: page}, nil
}

func (s *MemoryStore) GetHotRow(ctx context.Context, orgID, eventID string) (*AuditHotRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, row := range s.hotRows {
		if row.EventID == eventID && row.OrgID == orgID {
			cp := *row
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetKernelByHMAC(ctx context.Context, hmac string) (*KernelRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.kernels {
		if rec.APIKeyHMAC == hmac {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) PutKernel(ctx context.Context, rec *KernelRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	if cp.RegisteredAt.IsZero() {
		cp.RegisteredAt = time.Now().UTC()
	}
	s.kernels[rec.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateKernel(ctx context.Context, rec *KernelRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.kernels[rec.ID]; !ok {
		return ErrNotFound
	}
	cp := *rec
	s.kernels[rec.ID] = &cp
	return nil
}

func (s *MemoryStore) ListKernels(ctx context.Context, orgID string) ([]*KernelRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*KernelRecord
	for _, rec := range s.kernels {
		if rec.OrgID == orgID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) AppendRevocation(ctx context.Context, orgID string, rev *Revocation) (int64, error) {
	if rev.Type != contracts.RevokeKey && rev.Type != contracts.RevokeTenant && rev.Type != contracts.RevokeKernel {
		return 0, errors.New("hub: unknown revocation type " + rev.Type)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rev
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.revocations[orgID] = append(s.revocations[orgID], &cp)
	s.revVersion[orgID]++
	return s.revVersion[orgID], nil
}

func (s *MemoryStore) RevocationSnapshot(ctx context.Context, orgID string) (*contracts.RevocationSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &contracts.RevocationSnapshot{
		Revocations: contracts.RevocationLists{
			APIKeys: []string{},
			Tenants: []string{},
			Kernels: []string{},
		},
		RevocationsVersion: s.revVersion[orgID],
		ExpiresAt:          time.Now().UTC().Add(5 * time.Minute),
	}
	seen := map[string]struct{}{}
	for _, rev := range s.revocations[orgID] {
		key := rev.Type + "\x1f" + rev.TargetID
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		switch rev.Type {
		case contracts.RevokeKey:
			snap.Revocations.APIKeys = append(snap.Revocations.APIKeys, rev.TargetID)
		case contracts.RevokeTenant:
			snap.Revocations.Tenants = append(snap.Revocations.Tenants, rev.TargetID)
		case contracts.RevokeKernel:
			snap.Revocations.Kernels = append(snap.Revocations.Kernels, rev.TargetID)
		}
	}
	return snap, nil
}

// policySortKey orders by priority ascending, ties broken by id.
func policySortKey(rows []*Policy) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Priority != rows[j].Priority {
			return rows[i].Priority < rows[j].Priority
		}
		return strings.Compare(rows[i].ID, rows[j].ID) < 0
	})
}
