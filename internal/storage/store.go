// Package storage provides the shared, TTL-capable counter store used by every
// admission component. All components depend on CounterStore only.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/nshruti113/admission-guard/internal/models"
)

// ErrNotFound is returned when a key doesn't exist.
var ErrNotFound = errors.New("storage: key not found")

// CounterStore is an atomic key-value / sorted-set store shared by all workers.
// Window members are scored by their timestamp in milliseconds.
type CounterStore interface {
	// Increment adds one to a counter, setting ttl when the counter is created.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// IncrementBelow adds one to a counter only while it is below limit, setting
	// ttl when the counter is created. ok is false when the counter is at limit.
	IncrementBelow(ctx context.Context, key string, limit int64, ttl time.Duration) (n int64, ok bool, err error)
	// AddToWindow adds a timestamped member to a window and refreshes its ttl.
	AddToWindow(ctx context.Context, key string, ts time.Time, member string, ttl time.Duration) error
	// CountInRange counts window members with timestamps in [from, to].
	CountInRange(ctx context.Context, key string, from, to time.Time) (int64, error)
	// RangeInWindow returns window members with timestamps in [from, to], oldest first.
	RangeInWindow(ctx context.Context, key string, from, to time.Time) ([]string, error)
	// PruneBefore removes window members older than before.
	PruneBefore(ctx context.Context, key string, before time.Time) error
	// RecordAndCount adds a member, prunes everything older than window and
	// returns the resulting member count in one atomic step.
	RecordAndCount(ctx context.Context, key string, ts time.Time, member string, window time.Duration) (int64, error)
	// SlidingWindowAcquire applies the base-quota-then-burst rule atomically.
	SlidingWindowAcquire(ctx context.Context, req AcquireRequest) (models.QuotaOutcome, error)

	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetIfVersion stores value only while versionKey still holds version. A
	// missing versionKey reads as 0.
	SetIfVersion(ctx context.Context, key string, value []byte, ttl time.Duration, versionKey string, version int64) (bool, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, keys ...string) error
	ListKeysByPrefix(ctx context.Context, prefix string) ([]string, error)
	Ping(ctx context.Context) error
}

// AcquireRequest describes one quota acquisition against a window and its
// burst counter.
type AcquireRequest struct {
	WindowKey string
	BurstKey  string
	Now       time.Time
	Window    time.Duration
	Limit     int64
	Burst     int64
	Member    string
}
