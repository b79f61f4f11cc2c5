package resultstore

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCache_EvictsOldestPastBudget(t *testing.T) {
	s := &Store{cache: make(map[int64][]byte)}

	chunk := bytes.Repeat([]byte("x"), 1<<20)
	n := int(int64(cacheBudget)/int64(len(chunk))) + 4
	for i := 1; i <= n; i++ {
		s.cachePut(int64(i), chunk)
	}

	assert.LessOrEqual(t, s.cacheBytes, int64(cacheBudget))
	_, ok := s.cacheGet(1)
	assert.False(t, ok, "oldest entry should be evicted first")
	_, ok = s.cacheGet(int64(n))
	assert.True(t, ok, "newest entry stays cached")
}

func TestCache_DropReleasesBudget(t *testing.T) {
	s := &Store{cache: make(map[int64][]byte)}
	s.cachePut(1, []byte("abc"))
	s.cachePut(2, []byte("defg"))

	s.cacheDrop(1)
	assert.Equal(t, int64(4), s.cacheBytes)
	_, ok := s.cacheGet(1)
	assert.False(t, ok)

	// Dropping again is harmless.
	s.cacheDrop(1)
	assert.Equal(t, int64(4), s.cacheBytes)
}

func TestCache_RePutReplacesBytes(t *testing.T) {
	s := &Store{cache: make(map[int64][]byte)}
	s.cachePut(1, bytes.Repeat([]byte("a"), 100))
	s.cachePut(1, []byte("short"))

	assert.Equal(t, int64(5), s.cacheBytes)
	payload, ok := s.cacheGet(1)
	assert.True(t, ok)
	assert.Equal(t, "short", string(payload))
}

func TestCache_OversizedPayloadNotCached(t *testing.T) {
	s := &Store{cache: make(map[int64][]byte)}
	s.cachePut(1, make([]byte, cacheBudget+1))

	_, ok := s.cacheGet(1)
	assert.False(t, ok)
	assert.Zero(t, s.cacheBytes)
}
