package hub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northbeam-io/acp/pkg/contracts"
)

func registryFixture(t *testing.T) (*Registry, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	require.NoError(t, store.PutOrganisation(context.Background(), &Organisation{
		ID: "org-1", Name: "Acme",
	}))
	return NewRegistry(store, nil, []byte("pepper"), nil), store
}

func TestRegisterStoresOnlyHMAC(t *testing.T) {
	registry, store := registryFixture(t)
	ctx := context.Background()

	rec, err := registry.Register(ctx, "org-1", "kern-1", "kapi_secret", "prod")
	require.NoError(t, err)
	assert.Equal(t, KernelStatusActive, rec.Status)
	assert.NotContains(t, rec.APIKeyHMAC, "kapi_secret")
	assert.Len(t, rec.APIKeyHMAC, 64)

	found, err := store.GetKernelByHMAC(ctx, KeyHMAC([]byte("pepper"), "kapi_secret"))
	require.NoError(t, err)
	assert.Equal(t, "kern-1", found.ID)
}

func TestAuthenticateRoundTrip(t *testing.T) {
	registry, _ := registryFixture(t)
	ctx := context.Background()

	_, err := registry.Register(ctx, "org-1", "kern-1", "kapi_secret", "prod")
	require.NoError(t, err)

	rec, err := registry.Authenticate(ctx, "kapi_secret")
	require.NoError(t, err)
	assert.Equal(t, "kern-1", rec.ID)

	_, err = registry.Authenticate(ctx, "wrong")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = registry.Authenticate(ctx, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHeartbeatUpdatesInventory(t *testing.T) {
	registry, store := registryFixture(t)
	ctx := context.Background()

	beat := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	registry.now = func() time.Time { return beat }

	kernel, err := registry.Register(ctx, "org-1", "kern-1", "kapi_secret", "prod")
	require.NoError(t, err)

	resp, err := registry.Heartbeat(ctx, kernel, &contracts.HeartbeatRequest{
		KernelID: "kern-1",
		Version:  "1.4.2",
		Packs:    []string{"iam", "domain"},
		Env:      "prod",
	})
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.True(t, resp.KernelRegistered)

	kernels, err := store.ListKernels(ctx, "org-1")
	require.NoError(t, err)
	require.Len(t, kernels, 1)
	assert.Equal(t, "1.4.2", kernels[0].Version)
	assert.Equal(t, []string{"iam", "domain"}, kernels[0].Packs)
	assert.Equal(t, beat, kernels[0].LastHeartbeat)
	assert.Equal(t, KernelStatusActive, kernels[0].Status)
}

func TestHeartbeatRejectsMismatchedKernelID(t *testing.T) {
	registry, _ := registryFixture(t)
	ctx := context.Background()

	kernel, err := registry.Register(ctx, "org-1", "kern-1", "kapi_secret", "prod")
	require.NoError(t, err)

	_, err = registry.Heartbeat(ctx, kernel, &contracts.HeartbeatRequest{KernelID: "kern-other"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kern-other")
}

func TestHeartbeatSemverGateMarksOutdated(t *testing.T) {
	registry, store := registryFixture(t)
	ctx := context.Background()

	require.NoError(t, store.PutOrganisation(ctx, &Organisation{
		ID: "org-1", Name: "Acme", MinKernelVersion: ">= 2.0.0",
	}))
	kernel, err := registry.Register(ctx, "org-1", "kern-1", "kapi_secret", "prod")
	require.NoError(t, err)

	resp, err := registry.Heartbeat(ctx, kernel, &contracts.HeartbeatRequest{Version: "1.9.0"})
	require.NoError(t, err)
	assert.True(t, resp.OK, "an outdated kernel is accepted, not rejected")

	kernels, _ := store.ListKernels(ctx, "org-1")
	assert.Equal(t, KernelStatusOutdated, kernels[0].Status)

	// A compliant version flips it back.
	_, err = registry.Heartbeat(ctx, kernel, &contracts.HeartbeatRequest{Version: "2.1.0"})
	require.NoError(t, err)
	kernels, _ = store.ListKernels(ctx, "org-1")
	assert.Equal(t, KernelStatusActive, kernels[0].Status)
}

func TestHeartbeatUnparsableVersionStaysActive(t *testing.T) {
	registry, store := registryFixture(t)
	ctx := context.Background()

	require.NoError(t, store.PutOrganisation(ctx, &Organisation{
		ID: "org-1", MinKernelVersion: ">= 2.0.0",
	}))
	kernel, err := registry.Register(ctx, "org-1", "kern-1", "kapi_secret", "prod")
	require.NoError(t, err)

	_, err = registry.Heartbeat(ctx, kernel, &contracts.HeartbeatRequest{Version: "not-a-version"})
	require.NoError(t, err)

	kernels, _ := store.ListKernels(ctx, "org-1")
	assert.Equal(t, KernelStatusActive, kernels[0].Status)
}

func TestHeartbeatReportsRevocationsVersion(t *testing.T) {
	registry, store := registryFixture(t)
	ctx := context.Background()

	kernel, err := registry.Register(ctx, "org-1", "kern-1", "kapi_secret", "prod")
	require.NoError(t, err)

	_, err = store.AppendRevocation(ctx, "org-1", &Revocation{Type: contracts.RevokeKey, TargetID: "ak_x"})
	require.NoError(t, err)
	_, err = store.AppendRevocation(ctx, "org-1", &Revocation{Type: contracts.RevokeTenant, TargetID: "t-9"})
	require.NoError(t, err)

	resp, err := registry.Heartbeat(ctx, kernel, &contracts.HeartbeatRequest{Version: "1.0.0"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), resp.RevocationsVersion)
}

func TestSweepStaleFlipsSilentKernels(t *testing.T) {
	registry, store := registryFixture(t)
	ctx := context.Background()

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	registry.now = func() time.Time { return now }

	fresh, err := registry.Register(ctx, "org-1", "kern-fresh", "key-fresh", "prod")
	require.NoError(t, err)
	stale, err := registry.Register(ctx, "org-1", "kern-stale", "key-stale", "prod")
	require.NoError(t, err)

	fresh.LastHeartbeat = now.Add(-time.Minute)
	require.NoError(t, store.UpdateKernel(ctx, fresh))
	stale.LastHeartbeat = now.Add(-10 * time.Minute)
	require.NoError(t, store.UpdateKernel(ctx, stale))

	flipped, err := registry.SweepStale(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, 1, flipped)

	kernels, _ := store.ListKernels(ctx, "org-1")
	byID := map[string]string{}
	for _, k := range kernels {
		byID[k.ID] = k.Status
	}
	assert.Equal(t, KernelStatusActive, byID["kern-fresh"])
	assert.Equal(t, KernelStatusDegraded, byID["kern-stale"])

	// A second sweep is a no-op; already-degraded kernels are not re-counted.
	flipped, err = registry.SweepStale(ctx, "org-1")
	require.NoError(t, err)
	assert.Zero(t, flipped)
}
