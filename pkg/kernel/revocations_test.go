package kernel

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northbeam-io/acp/pkg/contracts"
)

func snapshot(version int64, keys ...string) *contracts.RevocationSnapshot {
	return &contracts.RevocationSnapshot{
		Revocations:        contracts.RevocationLists{APIKeys: keys},
		RevocationsVersion: version,
	}
}

func TestRevocationMirrorMonotonicUpdate(t *testing.T) {
	m := NewRevocationMirror()
	assert.Zero(t, m.Version())

	require.True(t, m.Update(snapshot(2, "key-a")))
	assert.EqualValues(t, 2, m.Version())
	assert.True(t, m.KeyRevoked("key-a"))

	// An older snapshot never replaces a newer one.
	assert.False(t, m.Update(snapshot(1, "key-b")))
	assert.True(t, m.KeyRevoked("key-a"))
	assert.False(t, m.KeyRevoked("key-b"))

	// A newer snapshot replaces wholesale.
	require.True(t, m.Update(snapshot(3, "key-b")))
	assert.False(t, m.KeyRevoked("key-a"))
	assert.True(t, m.KeyRevoked("key-b"))
}

func TestRevocationMirrorCategories(t *testing.T) {
	m := NewRevocationMirror()
	m.Update(&contracts.RevocationSnapshot{
		Revocations: contracts.RevocationLists{
			APIKeys: []string{"key-a"},
			Tenants: []string{"t-9"},
			Kernels: []string{"kern-9"},
		},
		RevocationsVersion: 1,
	})

	assert.True(t, m.KeyRevoked("key-a"))
	assert.True(t, m.TenantRevoked("t-9"))
	assert.True(t, m.KernelRevoked("kern-9"))
	assert.False(t, m.TenantRevoked("t-1"))
}

type stubFetcher struct {
	snap *contracts.RevocationSnapshot
	err  error
}

func (s *stubFetcher) FetchRevocations(ctx context.Context, kernelID string) (*contracts.RevocationSnapshot, error) {
	return s.snap, s.err
}

func TestRevocationMirrorPoll(t *testing.T) {
	m := NewRevocationMirror()

	require.NoError(t, m.Poll(context.Background(), &stubFetcher{snap: snapshot(5, "key-a")}, "kern-1"))
	assert.EqualValues(t, 5, m.Version())

	err := m.Poll(context.Background(), &stubFetcher{err: fmt.Errorf("down")}, "kern-1")
	require.Error(t, err)
	assert.EqualValues(t, 5, m.Version(), "failed polls keep the last snapshot")
}
