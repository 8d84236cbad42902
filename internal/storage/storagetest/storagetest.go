// Package storagetest provides counter stores for tests.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/nshruti113/admission-guard/internal/models"
	"github.com/nshruti113/admission-guard/internal/storage"
)

// ErrUnavailable is returned by every FailingStore call.
var ErrUnavailable = errors.New("store unavailable")

// NewRedis starts a miniredis server and returns a store bound to it.
// Both are closed when the test ends.
func NewRedis(t *testing.T) (*storage.RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := storage.NewRedisStoreWithClient(client)

	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return store, mr
}

// FailingStore simulates an unreachable counter store.
type FailingStore struct {
	Calls int
}

func (f *FailingStore) fail() error {
	f.Calls++
	return ErrUnavailable
}

func (f *FailingStore) Increment(context.Context, string, time.Duration) (int64, error) {
	return 0, f.fail()
}

func (f *FailingStore) IncrementBelow(context.Context, string, int64, time.Duration) (int64, bool, error) {
	return 0, false, f.fail()
}

func (f *FailingStore) AddToWindow(context.Context, string, time.Time, string, time.Duration) error {
	return f.fail()
}

func (f *FailingStore) CountInRange(context.Context, string, time.Time, time.Time) (int64, error) {
	return 0, f.fail()
}

func (f *FailingStore) RangeInWindow(context.Context, string, time.Time, time.Time) ([]string, error) {
	return nil, f.fail()
}

func (f *FailingStore) PruneBefore(context.Context, string, time.Time) error {
	return f.fail()
}

func (f *FailingStore) RecordAndCount(context.Context, string, time.Time, string, time.Duration) (int64, error) {
	return 0, f.fail()
}

func (f *FailingStore) SlidingWindowAcquire(context.Context, storage.AcquireRequest) (models.QuotaOutcome, error) {
	return models.QuotaOutcome{}, f.fail()
}

func (f *FailingStore) SetWithTTL(context.Context, string, []byte, time.Duration) error {
	return f.fail()
}

func (f *FailingStore) SetIfVersion(context.Context, string, []byte, time.Duration, string, int64) (bool, error) {
	return false, f.fail()
}

func (f *FailingStore) Get(context.Context, string) ([]byte, error) {
	return nil, f.fail()
}

func (f *FailingStore) Delete(context.Context, ...string) error {
	return f.fail()
}

func (f *FailingStore) ListKeysByPrefix(context.Context, string) ([]string, error) {
	return nil, f.fail()
}

func (f *FailingStore) Ping(context.Context) error {
	return f.fail()
}

var _ storage.CounterStore = (*FailingStore)(nil)
