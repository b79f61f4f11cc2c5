// Package ident generates the time-ordered identifiers used for executions,
// events, catalog entries, and result artifacts, plus the attempt-scoped
// node ids that distinguish retries of the same step.
package ident

import (
	"fmt"
	"sync"
	"time"
)

// Bit layout of a 64-bit id:
//
//	[ 41 bits: ms since epoch ][ 10 bits: shard ][ 12 bits: sequence ]
//
// The layout is load-bearing: event log partitions are ranges of ids, so the
// timestamp must stay in the top bits and the shift widths must never change.
const (
	shardBits    = 10
	seqBits      = 12
	timeShift    = shardBits + seqBits // 22
	shardShift   = seqBits
	maxShard     = (1 << shardBits) - 1
	seqMask      = (1 << seqBits) - 1
	maxTimestamp = (1 << 41) - 1
)

// Epoch is 2024-01-01T00:00:00Z in Unix milliseconds. Ids are offsets from
// this point, which keeps 41 bits of timestamp good for ~69 years.
const Epoch int64 = 1704067200000

// Allocator produces strictly increasing 64-bit ids for a single shard.
// Safe for concurrent use. Two allocators with distinct shards never collide.
type Allocator struct {
	shard int64

	mu     sync.Mutex
	lastMs int64
	seq    int64

	// now is swappable for tests.
	now func() time.Time
}

// NewAllocator creates an allocator for the given shard (0..1023).
func NewAllocator(shard int) (*Allocator, error) {
	if shard < 0 || shard > maxShard {
		return nil, fmt.Errorf("shard %d out of range [0, %d]", shard, maxShard)
	}
	return &Allocator{shard: int64(shard), now: time.Now}, nil
}

// Next returns the next id. Within one millisecond up to 4096 ids are
// produced; a burst beyond that spins until the clock advances.
func (a *Allocator) Next() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	ms := a.now().UnixMilli() - Epoch
	if ms < a.lastMs {
		// Clock went backwards; hold the line at the last issued timestamp
		// so ids stay strictly increasing.
		ms = a.lastMs
	}
	if ms == a.lastMs {
		a.seq = (a.seq + 1) & seqMask
		if a.seq == 0 {
			for ms <= a.lastMs {
				ms = a.now().UnixMilli() - Epoch
			}
		}
	} else {
		a.seq = 0
	}
	a.lastMs = ms

	return (ms << timeShift) | (a.shard << shardShift) | a.seq
}

// Timestamp extracts the embedded creation time of an id.
func Timestamp(id int64) time.Time {
	ms := (id >> timeShift) + Epoch
	return time.UnixMilli(ms).UTC()
}

// Shard extracts the shard component of an id.
func Shard(id int64) int {
	return int((id >> shardShift) & maxShard)
}

// RangeForDay returns the [low, high) id range covering the UTC day that
// contains t. Used for partition bounds and range retention.
func RangeForDay(t time.Time) (low, high int64) {
	day := t.UTC().Truncate(24 * time.Hour)
	lowMs := day.UnixMilli() - Epoch
	highMs := day.Add(24*time.Hour).UnixMilli() - Epoch
	if lowMs < 0 {
		lowMs = 0
	}
	return lowMs << timeShift, highMs << timeShift
}
