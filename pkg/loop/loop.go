// Package loop tracks fan-out progress in the broker's coordination K/V.
// Counters are advisory — cheap to read for progress APIs and dashboards —
// while the event log stays authoritative. Per-iteration results never pass
// through here; they live in the event log and the result store.
package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/noetl/noetl/pkg/broker"
)

// Counter is the bounded loop-progress record kept per fan-out step.
type Counter struct {
	Size       int `json:"collection_size"`
	Dispatched int `json:"dispatched_count"`
	Completed  int `json:"completed_count"`
	Failed     int `json:"failed_count"`
}

// Done reports whether every iteration reached a terminal state.
func (c Counter) Done() bool {
	return c.Completed+c.Failed >= c.Size
}

// Tracker maintains loop counters with compare-and-swap updates so
// concurrent engine and dispatcher paths never lose an increment.
type Tracker struct {
	kv *broker.KV
}

// NewTracker builds a tracker over the loops bucket.
func NewTracker(kv *broker.KV) *Tracker {
	return &Tracker{kv: kv}
}

func counterKey(executionID int64, loopName string) string {
	return fmt.Sprintf("loop.%d.%s", executionID, loopName)
}

// Init creates the counter for a starting loop. Re-initializing an existing
// counter is a no-op so replayed loop.started events converge.
func (t *Tracker) Init(ctx context.Context, executionID int64, loopName string, size int) error {
	data, err := json.Marshal(Counter{Size: size})
	if err != nil {
		return fmt.Errorf("failed to marshal loop counter: %w", err)
	}
	if _, err := t.kv.Create(ctx, counterKey(executionID, loopName), data); err != nil {
		if errors.Is(err, broker.ErrKeyExists) {
			return nil
		}
		return err
	}
	return nil
}

// Get reads the counter.
func (t *Tracker) Get(ctx context.Context, executionID int64, loopName string) (Counter, error) {
	data, _, err := t.kv.Get(ctx, counterKey(executionID, loopName))
	if err != nil {
		return Counter{}, err
	}
	var c Counter
	if err := json.Unmarshal(data, &c); err != nil {
		return Counter{}, fmt.Errorf("failed to decode loop counter: %w", err)
	}
	return c, nil
}

// OnDispatch increments the dispatched count.
func (t *Tracker) OnDispatch(ctx context.Context, executionID int64, loopName string) {
	t.increment(ctx, executionID, loopName, func(c *Counter) { c.Dispatched++ })
}

// OnComplete increments the completed count.
func (t *Tracker) OnComplete(ctx context.Context, executionID int64, loopName string) {
	t.increment(ctx, executionID, loopName, func(c *Counter) { c.Completed++ })
}

// OnFail increments the failed count.
func (t *Tracker) OnFail(ctx context.Context, executionID int64, loopName string) {
	t.increment(ctx, executionID, loopName, func(c *Counter) { c.Failed++ })
}

// Delete removes the counter once the loop's aggregate is materialized.
func (t *Tracker) Delete(ctx context.Context, executionID int64, loopName string) error {
	return t.kv.Delete(ctx, counterKey(executionID, loopName))
}

// increment retries the CAS until it lands. Counter loss is tolerable (the
// event log can always rebuild it) so persistent failures only log.
func (t *Tracker) increment(ctx context.Context, executionID int64, loopName string, mutate func(*Counter)) {
	key := counterKey(executionID, loopName)
	for attempt := 0; attempt < 10; attempt++ {
		data, rev, err := t.kv.Get(ctx, key)
		if err != nil {
			slog.Warn("Loop counter read failed", "key", key, "error", err)
			return
		}
		var c Counter
		if err := json.Unmarshal(data, &c); err != nil {
			slog.Warn("Loop counter corrupt", "key", key, "error", err)
			return
		}
		mutate(&c)
		updated, err := json.Marshal(c)
		if err != nil {
			return
		}
		if _, err := t.kv.Update(ctx, key, updated, rev); err != nil {
			if errors.Is(err, broker.ErrRevisionMismatch) {
				continue
			}
			slog.Warn("Loop counter update failed", "key", key, "error", err)
			return
		}
		return
	}
	slog.Warn("Loop counter contention persisted", "key", key)
}
