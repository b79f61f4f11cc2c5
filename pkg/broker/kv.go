package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// K/V bucket names. TTL applies per bucket, so records with different
// lifetimes live in separate buckets.
const (
	BucketLeases   = "noetl_leases"
	BucketLoops    = "noetl_loops"
	BucketKeychain = "noetl_keychain"
	BucketResults  = "noetl_results"
)

// ErrKeyExists reports a failed put-if-absent: another writer created the
// key first.
var ErrKeyExists = errors.New("key already exists")

// ErrRevisionMismatch reports a failed compare-and-swap: the key changed
// since it was read.
var ErrRevisionMismatch = errors.New("revision mismatch")

// ErrKeyNotFound reports a read of a missing or expired key.
var ErrKeyNotFound = errors.New("key not found")

// KV wraps one JetStream key-value bucket with the three primitives the
// coordination layer relies on: put-if-absent, compare-and-swap, and get.
type KV struct {
	bucket jetstream.KeyValue
	budget int
}

// KV opens (creating if needed) the named coordination bucket. ttl of zero
// means keys never expire; a non-zero ttl expires every key in the bucket.
// Values are bounded by the notification budget.
func (b *Broker) KV(ctx context.Context, name string, ttl time.Duration) (*KV, error) {
	return b.KVWithLimit(ctx, name, ttl, b.cfg.NotificationBudget)
}

// KVWithLimit opens a bucket with an explicit per-value size bound. The
// result store uses this for its mid-size payload tier.
func (b *Broker) KVWithLimit(ctx context.Context, name string, ttl time.Duration, maxValueSize int) (*KV, error) {
	bucket, err := b.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:       name,
		TTL:          ttl,
		MaxValueSize: int32(maxValueSize),
		Storage:      jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open kv bucket %s: %w", name, err)
	}
	return &KV{bucket: bucket, budget: maxValueSize}, nil
}

// Create stores value under key only if the key does not exist. Returns the
// new revision, or ErrKeyExists.
func (kv *KV) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	if len(value) > kv.budget {
		return 0, fmt.Errorf("%w: %d bytes for key %s", ErrPayloadTooLarge, len(value), key)
	}
	rev, err := kv.bucket.Create(ctx, key, value)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return 0, fmt.Errorf("%w: %s", ErrKeyExists, key)
		}
		return 0, fmt.Errorf("failed to create key %s: %w", key, err)
	}
	return rev, nil
}

// Update replaces the value only if the stored revision still matches.
// Returns the new revision, or ErrRevisionMismatch.
func (kv *KV) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	if len(value) > kv.budget {
		return 0, fmt.Errorf("%w: %d bytes for key %s", ErrPayloadTooLarge, len(value), key)
	}
	rev, err := kv.bucket.Update(ctx, key, value, revision)
	if err != nil {
		var apiErr *jetstream.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence {
			return 0, fmt.Errorf("%w: %s at revision %d", ErrRevisionMismatch, key, revision)
		}
		return 0, fmt.Errorf("failed to update key %s: %w", key, err)
	}
	return rev, nil
}

// Put stores the value unconditionally.
func (kv *KV) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	if len(value) > kv.budget {
		return 0, fmt.Errorf("%w: %d bytes for key %s", ErrPayloadTooLarge, len(value), key)
	}
	rev, err := kv.bucket.Put(ctx, key, value)
	if err != nil {
		return 0, fmt.Errorf("failed to put key %s: %w", key, err)
	}
	return rev, nil
}

// Get returns the value and revision for key, or ErrKeyNotFound.
func (kv *KV) Get(ctx context.Context, key string) ([]byte, uint64, error) {
	entry, err := kv.bucket.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, 0, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
		}
		return nil, 0, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return entry.Value(), entry.Revision(), nil
}

// Delete removes the key. Deleting a missing key is not an error.
func (kv *KV) Delete(ctx context.Context, key string) error {
	if err := kv.bucket.Delete(ctx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

// DeleteRevision removes the key only if its revision still matches, so a
// stale writer cannot delete a value a successor replaced. Returns
// ErrRevisionMismatch when the key moved on.
func (kv *KV) DeleteRevision(ctx context.Context, key string, revision uint64) error {
	err := kv.bucket.Delete(ctx, key, jetstream.LastRevision(revision))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil
		}
		var apiErr *jetstream.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence {
			return fmt.Errorf("%w: %s at revision %d", ErrRevisionMismatch, key, revision)
		}
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

// Keys lists all live keys in the bucket.
func (kv *KV) Keys(ctx context.Context) ([]string, error) {
	lister, err := kv.bucket.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	var keys []string
	for key := range lister.Keys() {
		keys = append(keys, key)
	}
	return keys, nil
}
