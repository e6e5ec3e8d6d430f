package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alanyoungcy/onramp/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefundMarkerLifecycle(t *testing.T) {
	c, mr := newTestClient(t)
	m := NewRefundMarker(c)
	ctx := context.Background()

	_, err := m.Lookup(ctx, "pos_1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, m.Record(ctx, "pos_1", "0xdead"), domain.ErrNotFound)

	ok, err := m.Claim(ctx, "pos_1", 24*time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = m.Claim(ctx, "pos_1", 24*time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	v, err := m.Lookup(ctx, "pos_1")
	require.NoError(t, err)
	assert.Equal(t, "pending", v)

	require.NoError(t, m.Record(ctx, "pos_1", "0xdead"))
	v, err = m.Lookup(ctx, "pos_1")
	require.NoError(t, err)
	assert.Equal(t, "0xdead", v)
	assert.Equal(t, 24*time.Hour, mr.TTL("refund:pos_1"))

	require.NoError(t, m.Release(ctx, "pos_1"))
	assert.False(t, mr.Exists("refund:pos_1"))
}

func TestLockManagerExclusive(t *testing.T) {
	c, _ := newTestClient(t)
	lm := NewLockManager(c)
	ctx := context.Background()

	unlock, err := lm.Acquire(ctx, "archive", time.Minute)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, "archive", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	unlock()

	unlock2, err := lm.Acquire(ctx, "archive", time.Minute)
	require.NoError(t, err)
	unlock2()
}
