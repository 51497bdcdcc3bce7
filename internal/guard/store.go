// Package guard defines the shared counter store contract.
package guard

import (
	"context"
	"time"
)

// CounterStore is the external low-latency key-value collaborator. It is the
// single source of truth for counters, presence records and the recent
// suspicious-activity list. All mutation is through atomic single-key
// operations.
type CounterStore interface {
	// IncrWindow atomically increments key and, when the returned count is 1,
	// starts the expiry window in the same step. Implementations must not
	// leave a freshly created key without a TTL.
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)

	Get(ctx context.Context, key string) (string, bool, error)
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Keys(ctx context.Context, prefix string) ([]string, error)

	// SetAdd adds a member to a set and refreshes the set TTL.
	SetAdd(ctx context.Context, key, member string, ttl time.Duration) error
	// SetRemove removes a member and reports how many remain. An emptied set
	// is deleted.
	SetRemove(ctx context.Context, key, member string) (int64, error)
	SetMembers(ctx context.Context, key string) ([]string, error)

	// ListPush prepends a value and trims the list to maxLen entries.
	ListPush(ctx context.Context, key, value string, maxLen int64) error
	ListRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}

// PubSub fans messages out to subscribers across service instances.
type PubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string, handler func(context.Context, []byte)) error
}
