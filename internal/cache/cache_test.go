package cache

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryAdapter_SetGetRoundTrip(t *testing.T) {
	a := NewMemoryAdapter()
	ctx := context.Background()
	require.NoError(t, a.Set(ctx, "k1", "hello", time.Hour))
	v, ok, err := a.Get(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "hello", v)
}

func TestMemoryAdapter_MissReturnsFalse(t *testing.T) {
	a := NewMemoryAdapter()
	_, ok, err := a.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryAdapter_ExpiresAfterTTL(t *testing.T) {
	a := NewMemoryAdapter()
	ctx := context.Background()
	require.NoError(t, a.Set(ctx, "k1", "v", time.Millisecond))
	time.Sleep(5 * time.Millisecond)
	_, ok, err := a.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryAdapter_IncrStartsAtOne(t *testing.T) {
	a := NewMemoryAdapter()
	ctx := context.Background()
	n, err := a.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	n, err = a.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestCompression_RoundTripsLargeValue(t *testing.T) {
	large := strings.Repeat("a", compressThreshold*2)
	stored := compress(large)
	assert.True(t, strings.HasPrefix(stored, compressedPrefix))
	back, err := decompress(stored)
	require.NoError(t, err)
	assert.Equal(t, large, back)
}

func TestCompression_LeavesSmallValuesVerbatim(t *testing.T) {
	small := "tiny"
	stored := compress(small)
	assert.Equal(t, small, stored)
	back, err := decompress(stored)
	require.NoError(t, err)
	assert.Equal(t, small, back)
}

func TestMemoryAdapter_ExpireSetsNewDeadline(t *testing.T) {
	a := NewMemoryAdapter()
	ctx := context.Background()
	require.NoError(t, a.Set(ctx, "k1", "v", time.Hour))
	require.NoError(t, a.Expire(ctx, "k1", time.Millisecond))
	time.Sleep(5 * time.Millisecond)
	_, ok, err := a.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)
}
