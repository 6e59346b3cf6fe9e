package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/northbeam-io/acp/pkg/contracts"
)

// DefaultHeartbeatWindow is how long a kernel may go silent before its
// inventory record flips to degraded.
const DefaultHeartbeatWindow = 5 * time.Minute

// Registry tracks the kernel inventory: authentication by peppered HMAC,
// heartbeat bookkeeping, and the minimum-version gate.
type Registry struct {
	store  Store
	engine *Engine
	pepper []byte
	logger *slog.Logger
	window time.Duration
	now    func() time.Time
}

// NewRegistry creates the registry. engine may be nil in tests that do not
// exercise policy versions.
func NewRegistry(store Store, engine *Engine, pepper []byte, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  store,
		engine: engine,
		pepper: pepper,
		logger: logger,
		window: DefaultHeartbeatWindow,
		now:    time.Now,
	}
}

// Authenticate resolves a kernel from its presented bearer API key.
func (r *Registry) Authenticate(ctx context.Context, bearerKey string) (*KernelRecord, error) {
	if bearerKey == "" {
		return nil, ErrNotFound
	}
	return r.store.GetKernelByHMAC(ctx, KeyHMAC(r.pepper, bearerKey))
}

// Register enrols a kernel, storing only the HMAC of its API key.
func (r *Registry) Register(ctx context.Context, orgID, kernelID, apiKey, env string) (*KernelRecord, error) {
	rec := &KernelRecord{
		ID:           kernelID,
		OrgID:        orgID,
		APIKeyHMAC:   KeyHMAC(r.pepper, apiKey),
		Env:          env,
		Status:       KernelStatusActive,
		RegisteredAt: r.now().UTC(),
	}
	if err := r.store.PutKernel(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Heartbeat records a kernel's liveness report and returns current policy and
// revocations versions. A kernel outside the organisation's minimum-version
// constraint is accepted but marked outdated.
func (r *Registry) Heartbeat(ctx context.Context, kernel *KernelRecord, req *contracts.HeartbeatRequest) (*contracts.HeartbeatResponse, error) {
	if req.KernelID != "" && req.KernelID != kernel.ID {
		return nil, fmt.Errorf("heartbeat kernel_id %s does not match authenticated kernel %s", req.KernelID, kernel.ID)
	}

	kernel.Version = req.Version
	kernel.Packs = req.Packs
	if req.Env != "" {
		kernel.Env = req.Env
	}
	kernel.LastHeartbeat = r.now().UTC()
	kernel.Status = KernelStatusActive

	org, err := r.store.GetOrganisation(ctx, kernel.OrgID)
	if err != nil {
		return nil, err
	}
	if outdated, err := r.versionOutdated(org, req.Version); err != nil {
		r.logger.Warn("kernel version check failed",
			"kernel_id", kernel.ID, "version", req.Version, "error", err)
	} else if outdated {
		kernel.Status = KernelStatusOutdated
	}

	if err := r.store.UpdateKernel(ctx, kernel); err != nil {
		return nil, err
	}

	resp := &contracts.HeartbeatResponse{OK: true, KernelRegistered: true}
	if r.engine != nil {
		version, err := r.engine.PolicyVersion(ctx, kernel.OrgID, kernel.ID)
		if err != nil {
			r.logger.Warn("policy version lookup failed", "kernel_id", kernel.ID, "error", err)
		} else {
			resp.PolicyVersion = version
		}
	}
	snap, err := r.store.RevocationSnapshot(ctx, kernel.OrgID)
	if err != nil {
		r.logger.Warn("revocations version lookup failed", "kernel_id", kernel.ID, "error", err)
	} else {
		resp.RevocationsVersion = snap.RevocationsVersion
	}
	return resp, nil
}

// versionOutdated checks the reported version against the organisation's
// semver constraint, if any.
func (r *Registry) versionOutdated(org *Organisation, version string) (bool, error) {
	if org.MinKernelVersion == "" || version == "" {
		return false, nil
	}
	constraint, err := semver.NewConstraint(org.MinKernelVersion)
	if err != nil {
		return false, fmt.Errorf("constraint %q: %w", org.MinKernelVersion, err)
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return false, fmt.Errorf("version %q: %w", version, err)
	}
	return !constraint.Check(v), nil
}

// SweepStale flips kernels silent for longer than the window to degraded.
// Returns the number flipped.
func (r *Registry) SweepStale(ctx context.Context, orgID string) (int, error) {
	kernels, err := r.store.ListKernels(ctx, orgID)
	if err != nil {
		return 0, err
	}

	cutoff := r.now().Add(-r.window)
	flipped := 0
	for _, k := range kernels {
		if k.Status != KernelStatusActive || k.LastHeartbeat.After(cutoff) {
			continue
		}
		k.Status = KernelStatusDegraded
		if err := r.store.UpdateKernel(ctx, k); err != nil {
			if !errors.Is(err, ErrNotFound) {
				r.logger.Warn("stale sweep update failed", "kernel_id", k.ID, "error", err)
			}
			continue
		}
		flipped++
	}
	return flipped, nil
}
