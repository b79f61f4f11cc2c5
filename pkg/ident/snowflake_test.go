package ident

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocator_StrictlyIncreasing(t *testing.T) {
	a, err := NewAllocator(3)
	require.NoError(t, err)

	prev := int64(0)
	for i := 0; i < 10000; i++ {
		id := a.Next()
		require.Greater(t, id, prev, "ids must be strictly increasing")
		prev = id
	}
}

func TestAllocator_ShardRoundTrip(t *testing.T) {
	for _, shard := range []int{0, 1, 42, 1023} {
		a, err := NewAllocator(shard)
		require.NoError(t, err)
		assert.Equal(t, shard, Shard(a.Next()))
	}
}

func TestAllocator_ShardOutOfRange(t *testing.T) {
	_, err := NewAllocator(-1)
	assert.Error(t, err)
	_, err = NewAllocator(1024)
	assert.Error(t, err)
}

func TestAllocator_TimestampEmbedded(t *testing.T) {
	fixed := time.Date(2025, 6, 15, 12, 30, 0, 0, time.UTC)
	a, err := NewAllocator(0)
	require.NoError(t, err)
	a.now = func() time.Time { return fixed }

	id := a.Next()
	assert.Equal(t, fixed, Timestamp(id))
}

func TestAllocator_ClockBackwardsHoldsLine(t *testing.T) {
	current := time.Date(2025, 6, 15, 12, 30, 0, 0, time.UTC)
	a, err := NewAllocator(0)
	require.NoError(t, err)
	a.now = func() time.Time { return current }

	first := a.Next()
	current = current.Add(-time.Second)
	second := a.Next()
	assert.Greater(t, second, first)
}

func TestAllocator_ConcurrentUnique(t *testing.T) {
	a, err := NewAllocator(0)
	require.NoError(t, err)

	const goroutines, perGoroutine = 8, 500
	var (
		mu  sync.Mutex
		ids = make(map[int64]struct{}, goroutines*perGoroutine)
		wg  sync.WaitGroup
	)
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]int64, 0, perGoroutine)
			for i := 0; i < perGoroutine; i++ {
				local = append(local, a.Next())
			}
			mu.Lock()
			defer mu.Unlock()
			for _, id := range local {
				ids[id] = struct{}{}
			}
		}()
	}
	wg.Wait()
	assert.Len(t, ids, goroutines*perGoroutine, "no id may be issued twice")
}

func TestRangeForDay(t *testing.T) {
	day := time.Date(2025, 6, 15, 9, 45, 0, 0, time.UTC)
	low, high := RangeForDay(day)

	a, err := NewAllocator(7)
	require.NoError(t, err)
	a.now = func() time.Time { return day }
	id := a.Next()

	assert.GreaterOrEqual(t, id, low)
	assert.Less(t, id, high)

	// Ids from the next day fall outside the range.
	a.now = func() time.Time { return day.Add(24 * time.Hour) }
	a.lastMs = 0
	assert.GreaterOrEqual(t, a.Next(), high)
}

func TestRangeForDay_ClampsBeforeEpoch(t *testing.T) {
	low, _ := RangeForDay(time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, int64(0), low)
}

func TestNewNodeID(t *testing.T) {
	id := NewNodeID("fetch-users", 2)
	assert.True(t, strings.HasSuffix(id, "-fetch-users-2"))

	other := NewNodeID("fetch-users", 2)
	assert.NotEqual(t, id, other, "each attempt id must be unique")

	// Attempt number distinguishes retries of the same step.
	retry := NewNodeID("fetch-users", 3)
	assert.True(t, strings.HasSuffix(retry, "-fetch-users-3"))
}
