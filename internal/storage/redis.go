package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nshruti113/admission-guard/internal/models"
)

// incrExpire increments a counter and sets its TTL on first increment, so
// INCR and PEXPIRE cannot race.
var incrExpire = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return current
`)

// incrBelow increments a counter unless it already reached ARGV[1]. Rejected
// calls leave the counter untouched.
var incrBelow = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current >= tonumber(ARGV[1]) then
  return {0, current}
end
current = redis.call('INCR', KEYS[1])
if current == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return {1, current}
`)

// setIfVersion writes KEYS[1] only while KEYS[2] still holds ARGV[3].
var setIfVersion = redis.NewScript(`
local current = redis.call('GET', KEYS[2]) or '0'
if current ~= ARGV[3] then
  return 0
end
if tonumber(ARGV[2]) > 0 then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
else
  redis.call('SET', KEYS[1], ARGV[1])
end
return 1
`)

// recordAndCount adds a window member, prunes expired members and returns the
// remaining cardinality.
var recordAndCount = redis.NewScript(`
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return redis.call('ZCARD', KEYS[1])
`)

// slidingWindowAcquire consumes one unit of base quota, or one unit of burst
// once the base quota is exhausted. Denied requests leave no marker, so
// window count plus burst count never exceeds limit plus burst.
var slidingWindowAcquire = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
local count = redis.call('ZCARD', KEYS[1])
local used = tonumber(redis.call('GET', KEYS[2]) or '0')
local limit = tonumber(ARGV[4])
local burst = tonumber(ARGV[5])
if count < limit then
  redis.call('ZADD', KEYS[1], ARGV[1], ARGV[6])
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
  return {1, count + 1, used, 0}
end
if used < burst then
  used = redis.call('INCR', KEYS[2])
  if used == 1 then
    redis.call('PEXPIRE', KEYS[2], ARGV[3])
  end
  return {1, count, used, 1}
end
return {0, count, used, 0}
`)

// Config holds Redis connection settings.
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisStore implements CounterStore on Redis sorted sets and counters.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg Config) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// Test connection
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Client returns the underlying client for operations not wrapped here.
func (r *RedisStore) Client() redis.UniversalClient {
	return r.client
}

func scoreOf(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func scoreArg(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func (r *RedisStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := incrExpire.Run(ctx, r.client, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("increment %s: %w", key, err)
	}
	return n, nil
}

func (r *RedisStore) IncrementBelow(ctx context.Context, key string, limit int64, ttl time.Duration) (int64, bool, error) {
	vals, err := incrBelow.Run(ctx, r.client, []string{key}, limit, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("increment %s: %w", key, err)
	}
	if len(vals) != 2 {
		return 0, false, fmt.Errorf("increment %s: unexpected reply length %d", key, len(vals))
	}
	return vals[1], vals[0] == 1, nil
}

func (r *RedisStore) AddToWindow(ctx context.Context, key string, ts time.Time, member string, ttl time.Duration) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: scoreOf(ts), Member: member})
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("add to window %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) CountInRange(ctx context.Context, key string, from, to time.Time) (int64, error) {
	n, err := r.client.ZCount(ctx, key, scoreArg(from), scoreArg(to)).Result()
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", key, err)
	}
	return n, nil
}

func (r *RedisStore) RangeInWindow(ctx context.Context, key string, from, to time.Time) ([]string, error) {
	members, err := r.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: scoreArg(from),
		Max: scoreArg(to),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("range %s: %w", key, err)
	}
	return members, nil
}

func (r *RedisStore) PruneBefore(ctx context.Context, key string, before time.Time) error {
	if err := r.client.ZRemRangeByScore(ctx, key, "-inf", "("+scoreArg(before)).Err(); err != nil {
		return fmt.Errorf("prune %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) RecordAndCount(ctx context.Context, key string, ts time.Time, member string, window time.Duration) (int64, error) {
	cutoff := "(" + scoreArg(ts.Add(-window))
	n, err := recordAndCount.Run(ctx, r.client, []string{key},
		scoreArg(ts), member, cutoff, window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("record %s: %w", key, err)
	}
	return n, nil
}

func (r *RedisStore) SlidingWindowAcquire(ctx context.Context, req AcquireRequest) (models.QuotaOutcome, error) {
	cutoff := "(" + scoreArg(req.Now.Add(-req.Window))
	vals, err := slidingWindowAcquire.Run(ctx, r.client, []string{req.WindowKey, req.BurstKey},
		scoreArg(req.Now), cutoff, req.Window.Milliseconds(), req.Limit, req.Burst, req.Member).Int64Slice()
	if err != nil {
		return models.QuotaOutcome{}, fmt.Errorf("acquire %s: %w", req.WindowKey, err)
	}
	if len(vals) != 4 {
		return models.QuotaOutcome{}, fmt.Errorf("acquire %s: unexpected reply length %d", req.WindowKey, len(vals))
	}
	return models.QuotaOutcome{
		Allowed:     vals[0] == 1,
		WindowCount: vals[1],
		BurstCount:  vals[2],
		BurstUsed:   vals[3] == 1,
	}, nil
}

func (r *RedisStore) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) SetIfVersion(ctx context.Context, key string, value []byte, ttl time.Duration, versionKey string, version int64) (bool, error) {
	n, err := setIfVersion.Run(ctx, r.client, []string{key, versionKey},
		value, ttl.Milliseconds(), strconv.FormatInt(version, 10)).Int64()
	if err != nil {
		return false, fmt.Errorf("set %s: %w", key, err)
	}
	return n == 1, nil
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return val, nil
}

func (r *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

// globEscaper escapes SCAN MATCH metacharacters so a prefix is matched literally.
var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func (r *RedisStore) ListKeysByPrefix(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, globEscaper.Replace(prefix)+"*", 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", prefix, err)
	}
	return keys, nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// StoreDetection appends an attack detection to the 24h detection history.
func (r *RedisStore) StoreDetection(ctx context.Context, result models.DDoSDetectionResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, DetectionHistoryKey, redis.Z{
		Score:  scoreOf(result.Timestamp),
		Member: string(data),
	})
	pipe.ZRemRangeByScore(ctx, DetectionHistoryKey, "-inf", "("+scoreArg(result.Timestamp.Add(-24*time.Hour)))
	pipe.Expire(ctx, DetectionHistoryKey, 24*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store detection: %w", err)
	}
	return nil
}

// RecentDetections retrieves detections recorded since the given time.
func (r *RedisStore) RecentDetections(ctx context.Context, since time.Time) ([]models.DDoSDetectionResult, error) {
	results, err := r.client.ZRangeByScore(ctx, DetectionHistoryKey, &redis.ZRangeBy{
		Min: scoreArg(since),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}

	detections := make([]models.DDoSDetectionResult, 0, len(results))
	for _, result := range results {
		var d models.DDoSDetectionResult
		if err := json.Unmarshal([]byte(result), &d); err != nil {
			continue
		}
		detections = append(detections, d)
	}
	return detections, nil
}

// PublishAlert publishes an alert to subscribers
func (r *RedisStore) PublishAlert(ctx context.Context, alert models.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return err
	}

	return r.client.Publish(ctx, AlertsChannel, string(data)).Err()
}

// Close closes the Redis connection
func (r *RedisStore) Close() error {
	return r.client.Close()
}
