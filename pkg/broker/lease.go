package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrLeaseHeld reports that another engine instance currently owns the
// execution's lease.
var ErrLeaseHeld = errors.New("execution lease held by another owner")

// LeaseManager grants per-execution exclusive leases backed by the leases
// K/V bucket. The bucket TTL bounds how long a crashed holder can block an
// execution; a healthy holder renews well before expiry.
type LeaseManager struct {
	kv    *KV
	owner string
}

// Lease is one held execution lease. Renew must succeed before the bucket
// TTL elapses or the lease is lost. Renew and Release may race from a
// keepalive goroutine and the holder's defer.
type Lease struct {
	ExecutionID int64
	mgr         *LeaseManager

	mu       sync.Mutex
	revision uint64
}

// NewLeaseManager opens the leases bucket with ttl as the expiry window.
func NewLeaseManager(ctx context.Context, b *Broker, owner string, ttl time.Duration) (*LeaseManager, error) {
	kv, err := b.KV(ctx, BucketLeases, ttl)
	if err != nil {
		return nil, err
	}
	return &LeaseManager{kv: kv, owner: owner}, nil
}

func leaseKey(executionID int64) string {
	return fmt.Sprintf("execution.%d", executionID)
}

// Acquire takes the execution's lease via put-if-absent. ErrLeaseHeld means
// another engine is advancing this execution right now.
func (m *LeaseManager) Acquire(ctx context.Context, executionID int64) (*Lease, error) {
	rev, err := m.kv.Create(ctx, leaseKey(executionID), []byte(m.owner))
	if err != nil {
		if errors.Is(err, ErrKeyExists) {
			return nil, fmt.Errorf("%w: execution %d", ErrLeaseHeld, executionID)
		}
		return nil, err
	}
	return &Lease{ExecutionID: executionID, revision: rev, mgr: m}, nil
}

// Renew extends the lease by rewriting it at the held revision, resetting
// the TTL clock. A revision mismatch means the lease expired and was taken.
func (l *Lease) Renew(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rev, err := l.mgr.kv.Update(ctx, leaseKey(l.ExecutionID), []byte(l.mgr.owner), l.revision)
	if err != nil {
		if errors.Is(err, ErrRevisionMismatch) {
			return fmt.Errorf("%w: execution %d", ErrLeaseHeld, l.ExecutionID)
		}
		return err
	}
	l.revision = rev
	return nil
}

// Release frees the lease, but only at the revision this holder last wrote.
// If the lease expired and a successor acquired it, the delete is a no-op:
// the successor's lease must survive a stale release.
func (l *Lease) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.mgr.kv.DeleteRevision(ctx, leaseKey(l.ExecutionID), l.revision)
	if errors.Is(err, ErrRevisionMismatch) {
		return nil
	}
	return err
}
