package kernel

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEffectiveRateLimit(t *testing.T) {
	cases := []struct {
		action   string
		keyLimit int
		want     int
	}{
		{"domain.publishers.list", 0, DefaultKeyRateLimit},
		{"domain.publishers.list", 120, 120},
		{"domain.publishers.delete", 0, 10},
		{"domain.publishers.delete", 120, 10},
		{"domain.refunds.create", 0, 10},
		{"iam.keys.create", 0, 20},
		{"iam.keys.revoke", 0, 20},
		{"iam.keys.list", 0, DefaultKeyRateLimit},
		// A per-key limit tighter than the action override wins.
		{"iam.keys.create", 5, 5},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, EffectiveRateLimit(tc.action, tc.keyLimit),
			"action %s keyLimit %d", tc.action, tc.keyLimit)
	}
}

func TestFixedWindowLimiter(t *testing.T) {
	l := NewFixedWindowLimiter()
	now := time.Now()
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := l.Check(ctx, "key-1", "x.a", 3)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 3-(i+1), res.Remaining)
	}

	res, err := l.Check(ctx, "key-1", "x.a", 3)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)

	// Separate (key, action) pairs get separate windows.
	res, err = l.Check(ctx, "key-1", "x.b", 3)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	res, err = l.Check(ctx, "key-2", "x.a", 3)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	// Window rolls over after a minute.
	now = now.Add(61 * time.Second)
	res, err = l.Check(ctx, "key-1", "x.a", 3)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestRedisRateLimiter(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	l := NewRedisRateLimiter(client)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := l.Check(ctx, "key-1", "x.a", 2)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "call %d", i)
	}

	res, err := l.Check(ctx, "key-1", "x.a", 2)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	// A different key is unaffected.
	res, err = l.Check(ctx, "key-2", "x.a", 2)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}
