package signals

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusgate/backend/internal/core"
)

func TestCache_PutThenLatestContextRoundTrips(t *testing.T) {
	cache := NewCache(NewMemoryStore(), time.Minute)
	score := core.ContextScore{Device: 100, Network: 90, Time: 90, Location: 75, Overall: 89.5}

	require.NoError(t, cache.Put(context.Background(), "u-1", score))

	got, ok := cache.LatestContext("u-1")
	require.True(t, ok)
	assert.Equal(t, score, got)
}

func TestCache_MissReadsAsNoSignal(t *testing.T) {
	cache := NewCache(NewMemoryStore(), time.Minute)
	_, ok := cache.LatestContext("u-unknown")
	assert.False(t, ok)
}

func TestCache_ExpiredEntryReadsAsNoSignal(t *testing.T) {
	cache := NewCache(NewMemoryStore(), time.Millisecond)
	require.NoError(t, cache.Put(context.Background(), "u-1", core.ContextScore{Overall: 80}))

	time.Sleep(5 * time.Millisecond)
	_, ok := cache.LatestContext("u-1")
	assert.False(t, ok)
}

func TestCache_EntriesAreScopedPerIdentity(t *testing.T) {
	cache := NewCache(NewMemoryStore(), time.Minute)
	require.NoError(t, cache.Put(context.Background(), "u-a", core.ContextScore{Overall: 20}))
	require.NoError(t, cache.Put(context.Background(), "u-b", core.ContextScore{Overall: 95}))

	a, ok := cache.LatestContext("u-a")
	require.True(t, ok)
	b, ok := cache.LatestContext("u-b")
	require.True(t, ok)
	assert.Equal(t, 20.0, a.Overall)
	assert.Equal(t, 95.0, b.Overall)
}

func TestMemoryStore_ZeroTTLNeverExpires(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Set(context.Background(), "k", []byte("v"), 0))

	val, ok, err := store.Get(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), val)
}
