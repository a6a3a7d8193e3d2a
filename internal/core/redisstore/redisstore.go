// Package redisstore keeps rate limit records in Redis sorted sets.
//
// Each identifier/operation pair maps to one sorted set whose members are
// record ids scored by creation time in unix milliseconds.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pulsegate/pulsegate/internal/config"
	"github.com/pulsegate/pulsegate/internal/core"
)

// ErrUnavailable wraps every failure talking to Redis.
var ErrUnavailable = errors.New("redis record store unavailable")

const defaultKeyPrefix = "pulsegate:rl"

// reserveLua counts members at or after ARGV[1] and adds ARGV[4] at score
// ARGV[3] only while the count is below ARGV[2].
const reserveLua = `
local count = redis.call('ZCOUNT', KEYS[1], ARGV[1], '+inf')
if count >= tonumber(ARGV[2]) then
  return {count, 0}
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[4])
local ttl = tonumber(ARGV[5])
if ttl > 0 then
  redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', '(' .. (tonumber(ARGV[3]) - ttl))
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return {count, 1}
`

// Store implements the limiter's record store on Redis.
type Store struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
	reserve   *redis.Script
}

// New wraps an existing client. Retention bounds how long records are kept.
func New(client redis.UniversalClient, prefix string, retention time.Duration) (*Store, error) {
	if client == nil {
		return nil, errors.New("redis client is nil")
	}
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	if retention < 0 {
		retention = 0
	}
	return &Store{
		client:    client,
		prefix:    prefix,
		retention: retention,
		reserve:   redis.NewScript(reserveLua),
	}, nil
}

// Open dials Redis from configuration and verifies the connection.
func Open(ctx context.Context, cfg config.RedisConfig, retention time.Duration) (*Store, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("redis addr is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: config.DurationOrDefault(cfg.DialTimeout, 5*time.Second),
		ReadTimeout: config.DurationOrDefault(cfg.ReadTimeout, 3*time.Second),
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: ping: %v", ErrUnavailable, err)
	}

	return New(client, cfg.KeyPrefix, retention)
}

// Close releases the client.
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// CheckHealth pings Redis.
func (s *Store) CheckHealth(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: ping: %v", ErrUnavailable, err)
	}
	return nil
}

// CountRateLimitRecords counts records for the pair created at or after since.
func (s *Store) CountRateLimitRecords(ctx context.Context, identifier, operation string, since time.Time) (int, error) {
	key, err := s.key(identifier, operation)
	if err != nil {
		return 0, err
	}

	count, err := s.client.ZCount(ctx, key, millis(since), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("%w: zcount: %v", ErrUnavailable, err)
	}
	return int(count), nil
}

// InsertRateLimitRecord adds record.Count members at the record's creation time.
func (s *Store) InsertRateLimitRecord(ctx context.Context, record core.RateLimitRecord) error {
	key, err := s.key(record.Identifier, record.Operation)
	if err != nil {
		return err
	}

	count := record.Count
	if count <= 0 {
		count = 1
	}
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	score := float64(createdAt.UnixMilli())

	members := make([]redis.Z, 0, count)
	for i := 0; i < count; i++ {
		members = append(members, redis.Z{Score: score, Member: uuid.NewString()})
	}

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, members...)
	if keep := s.keepFor(record.Window); keep > 0 {
		cutoff := createdAt.Add(-keep)
		pipe.ZRemRangeByScore(ctx, key, "-inf", "("+millis(cutoff))
		pipe.PExpire(ctx, key, keep)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: insert: %v", ErrUnavailable, err)
	}
	return nil
}

// ReserveRateLimitRecord counts and conditionally inserts in one Lua script.
func (s *Store) ReserveRateLimitRecord(ctx context.Context, identifier, operation string, since time.Time, max int, now time.Time) (int, bool, error) {
	key, err := s.key(identifier, operation)
	if err != nil {
		return 0, false, err
	}

	ttl := s.keepFor(now.Sub(since))

	values, err := s.reserve.Run(ctx, s.client, []string{key},
		millis(since), max, now.UnixMilli(), uuid.NewString(), ttl.Milliseconds(),
	).Slice()
	if err != nil {
		return 0, false, fmt.Errorf("%w: reserve: %v", ErrUnavailable, err)
	}
	if len(values) < 2 {
		return 0, false, fmt.Errorf("unexpected reserve result: %v", values)
	}

	count, err := toInt64(values[0])
	if err != nil {
		return 0, false, err
	}
	admitted, err := toInt64(values[1])
	if err != nil {
		return 0, false, err
	}
	return int(count), admitted == 1, nil
}

// Reset deletes every record for the pair.
func (s *Store) Reset(ctx context.Context, identifier, operation string) error {
	key, err := s.key(identifier, operation)
	if err != nil {
		return err
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: del: %v", ErrUnavailable, err)
	}
	return nil
}

// keepFor is how long a key's members live: the retention, stretched to cover
// window when it is longer. Zero means keep forever.
func (s *Store) keepFor(window time.Duration) time.Duration {
	if s.retention <= 0 {
		return 0
	}
	if window > s.retention {
		return window
	}
	return s.retention
}

func (s *Store) key(identifier, operation string) (string, error) {
	if s == nil || s.client == nil {
		return "", errors.New("redis store is not initialized")
	}
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "", errors.New("identifier is required")
	}
	operation = strings.TrimSpace(operation)
	if operation == "" {
		return "", errors.New("operation is required")
	}
	return s.prefix + ":" + identifier + ":" + operation, nil
}

func millis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func toInt64(value any) (int64, error) {
	switch v := value.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected value type %T", value)
	}
}
