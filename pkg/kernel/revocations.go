package kernel

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/northbeam-io/acp/pkg/contracts"
)

// SnapshotFetcher retrieves the current revocations snapshot from the hub.
type SnapshotFetcher interface {
	FetchRevocations(ctx context.Context, kernelID string) (*contracts.RevocationSnapshot, error)
}

// RevocationMirror holds the most recent revocations snapshot for local
// fast-deny between hub polls. Versions are monotonic: an older snapshot
// never replaces a newer one.
type RevocationMirror struct {
	mu       sync.RWMutex
	snapshot contracts.RevocationSnapshot
	keys     map[string]struct{}
	tenants  map[string]struct{}
	kernels  map[string]struct{}
}

// NewRevocationMirror creates an empty mirror.
func NewRevocationMirror() *RevocationMirror {
	return &RevocationMirror{
		keys:    make(map[string]struct{}),
		tenants: make(map[string]struct{}),
		kernels: make(map[string]struct{}),
	}
}

// Update installs a snapshot if it is newer than the current one.
func (m *RevocationMirror) Update(snap *contracts.RevocationSnapshot) bool {
	if snap == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if snap.RevocationsVersion <= m.snapshot.RevocationsVersion && m.snapshot.RevocationsVersion != 0 {
		return false
	}

	m.snapshot = *snap
	m.keys = toSet(snap.Revocations.APIKeys)
	m.tenants = toSet(snap.Revocations.Tenants)
	m.kernels = toSet(snap.Revocations.Kernels)
	return true
}

// Version returns the installed snapshot version.
func (m *RevocationMirror) Version() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot.RevocationsVersion
}

// KeyRevoked reports whether an API key id is revoked.
func (m *RevocationMirror) KeyRevoked(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.keys[id]
	return ok
}

// TenantRevoked reports whether a tenant id is revoked.
func (m *RevocationMirror) TenantRevoked(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.tenants[id]
	return ok
}

// KernelRevoked reports whether a kernel id is revoked.
func (m *RevocationMirror) KernelRevoked(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.kernels[id]
	return ok
}

// Poll fetches the snapshot once and installs it.
func (m *RevocationMirror) Poll(ctx context.Context, fetcher SnapshotFetcher, kernelID string) error {
	snap, err := fetcher.FetchRevocations(ctx, kernelID)
	if err != nil {
		return err
	}
	m.Update(snap)
	return nil
}

// Run polls on the interval until the context is cancelled. Intended to be
// launched as a goroutine at kernel boot; errors are logged and retried.
func (m *RevocationMirror) Run(ctx context.Context, fetcher SnapshotFetcher, kernelID string, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := m.Poll(ctx, fetcher, kernelID); err != nil && logger != nil {
			logger.Warn("revocations poll failed", "kernel_id", kernelID, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func toSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, it := range items {
		out[it] = struct{}{}
	}
	return out
}
