package repository

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/daniel-wolfson/travel-saga/internal/domain"
	pkgredis "github.com/daniel-wolfson/travel-saga/pkg/redis"
	"github.com/daniel-wolfson/travel-saga/pkg/telemetry"
)

//go:embed scripts/rate_limit.lua
var rateLimitScript string

const scriptRateLimit = "rate_limit"

// Coordination key layout. Keys are advisory and TTL'd; the durable store is
// the source of truth.
const (
	lockKeyPrefix      = "lock/"
	activeKeyPrefix    = "active/"
	stepsKeyPrefix     = "steps/"
	metadataKeyPrefix  = "metadata/"
	rateLimitKeyPrefix = "ratelimit/"
	pendingKey         = "pending"
)

const (
	stepsTTL        = 2 * time.Hour
	metadataTTL     = 2 * time.Hour
	rateLimitWindow = 60 * time.Second
)

// RedisCoordinationStore implements CoordinationStore using Redis
type RedisCoordinationStore struct {
	client *pkgredis.Client
}

// NewRedisCoordinationStore creates a new RedisCoordinationStore
func NewRedisCoordinationStore(client *pkgredis.Client) *RedisCoordinationStore {
	return &RedisCoordinationStore{client: client}
}

// LoadScripts loads the Lua scripts into Redis
func (s *RedisCoordinationStore) LoadScripts(ctx context.Context) error {
	if _, err := s.client.LoadScript(ctx, scriptRateLimit, rateLimitScript); err != nil {
		return fmt.Errorf("failed to load script %s: %w", scriptRateLimit, err)
	}
	return nil
}

// AcquireLock takes the per-request admission lock
func (s *RedisCoordinationStore) AcquireLock(ctx context.Context, requestID string, ttl time.Duration) (bool, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.redis.coordination.acquire_lock")
	defer span.End()

	span.SetAttributes(attribute.String("request_id", requestID))

	acquired, err := s.client.SetNX(ctx, lockKeyPrefix+requestID, "1", ttl).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}

	span.SetAttributes(attribute.Bool("acquired", acquired))
	span.SetStatus(codes.Ok, "")
	return acquired, nil
}

// ReleaseLock drops the admission lock
func (s *RedisCoordinationStore) ReleaseLock(ctx context.Context, requestID string) error {
	if err := s.client.Del(ctx, lockKeyPrefix+requestID).Err(); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// LockHeld reports whether the admission lock currently exists
func (s *RedisCoordinationStore) LockHeld(ctx context.Context, requestID string) (bool, error) {
	n, err := s.client.Exists(ctx, lockKeyPrefix+requestID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check lock: %w", err)
	}
	return n > 0, nil
}

// CheckRateLimit counts the user's admissions in the current window via an
// atomic INCR+EXPIRE script. Fails open: a store error reports allowed=true.
func (s *RedisCoordinationStore) CheckRateLimit(ctx context.Context, userID string, max int) (bool, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.redis.coordination.check_rate_limit")
	defer span.End()

	span.SetAttributes(
		attribute.String("user_id", userID),
		attribute.Int("max", max),
	)

	keys := []string{rateLimitKeyPrefix + userID}
	result, err := s.client.EvalWithFallback(ctx, scriptRateLimit, rateLimitScript, keys, int(rateLimitWindow.Seconds())).Int64()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return true, fmt.Errorf("rate limit check failed: %w", err)
	}

	allowed := result <= int64(max)
	span.SetAttributes(
		attribute.Int64("count", result),
		attribute.Bool("allowed", allowed),
	)
	span.SetStatus(codes.Ok, "")
	return allowed, nil
}

// CacheActiveSaga stores a serialized snapshot for duplicate checks
func (s *RedisCoordinationStore) CacheActiveSaga(ctx context.Context, record *domain.SagaRecord, ttl time.Duration) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal active saga: %w", err)
	}

	if err := s.client.Set(ctx, activeKeyPrefix+record.RequestID, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache active saga: %w", err)
	}
	return nil
}

// GetActiveSaga loads the cached snapshot; a missing key is (nil, nil)
func (s *RedisCoordinationStore) GetActiveSaga(ctx context.Context, requestID string) (*domain.SagaRecord, error) {
	data, err := s.client.Get(ctx, activeKeyPrefix+requestID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active saga: %w", err)
	}

	record := &domain.SagaRecord{}
	if err := json.Unmarshal(data, record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal active saga: %w", err)
	}
	return record, nil
}

// ClearActiveSaga removes the cached snapshot
func (s *RedisCoordinationStore) ClearActiveSaga(ctx context.Context, requestID string) error {
	if err := s.client.Del(ctx, activeKeyPrefix+requestID).Err(); err != nil {
		return fmt.Errorf("failed to clear active saga: %w", err)
	}
	return nil
}

// IncrementStep bumps the marker counter in the steps hash
func (s *RedisCoordinationStore) IncrementStep(ctx context.Context, requestID, marker string) error {
	key := stepsKeyPrefix + requestID
	if err := s.client.HIncrBy(ctx, key, marker, 1).Err(); err != nil {
		return fmt.Errorf("failed to increment step: %w", err)
	}
	if err := s.client.Expire(ctx, key, stepsTTL).Err(); err != nil {
		return fmt.Errorf("failed to expire steps hash: %w", err)
	}
	return nil
}

// GetSteps returns the marker counter hash for diagnostics
func (s *RedisCoordinationStore) GetSteps(ctx context.Context, requestID string) (map[string]string, error) {
	steps, err := s.client.HGetAll(ctx, stepsKeyPrefix+requestID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get steps: %w", err)
	}
	return steps, nil
}

// EnqueuePending adds the request to the pending sorted set
func (s *RedisCoordinationStore) EnqueuePending(ctx context.Context, requestID string, admittedAt time.Time) error {
	member := redis.Z{
		Score:  float64(admittedAt.Unix()),
		Member: requestID,
	}
	if err := s.client.ZAdd(ctx, pendingKey, member).Err(); err != nil {
		return fmt.Errorf("failed to enqueue pending: %w", err)
	}
	return nil
}

// PendingOlderThan returns requestIds admitted before the cutoff
func (s *RedisCoordinationStore) PendingOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.redis.coordination.pending_older_than")
	defer span.End()

	opt := &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.Unix(), 10),
	}
	members, err := s.client.ZRangeByScore(ctx, pendingKey, opt).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to scan pending set: %w", err)
	}

	span.SetAttributes(attribute.Int("count", len(members)))
	span.SetStatus(codes.Ok, "")
	return members, nil
}

// PendingSince returns the admission time recorded in the pending set
func (s *RedisCoordinationStore) PendingSince(ctx context.Context, requestID string) (*time.Time, error) {
	score, err := s.client.ZScore(ctx, pendingKey, requestID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get pending score: %w", err)
	}

	t := time.Unix(int64(score), 0).UTC()
	return &t, nil
}

// RemovePending drops the request from the pending sorted set
func (s *RedisCoordinationStore) RemovePending(ctx context.Context, requestID string) error {
	if err := s.client.ZRem(ctx, pendingKey, requestID).Err(); err != nil {
		return fmt.Errorf("failed to remove pending: %w", err)
	}
	return nil
}

// SetMetadata merges fields into the request's metadata hash
func (s *RedisCoordinationStore) SetMetadata(ctx context.Context, requestID string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}

	key := metadataKeyPrefix + requestID
	values := make([]interface{}, 0, len(fields)*2)
	for field, value := range fields {
		values = append(values, field, value)
	}

	if err := s.client.HSet(ctx, key, values...).Err(); err != nil {
		return fmt.Errorf("failed to set metadata: %w", err)
	}
	if err := s.client.Expire(ctx, key, metadataTTL).Err(); err != nil {
		return fmt.Errorf("failed to expire metadata hash: %w", err)
	}
	return nil
}

// GetMetadata returns the metadata hash for diagnostics
func (s *RedisCoordinationStore) GetMetadata(ctx context.Context, requestID string) (map[string]string, error) {
	metadata, err := s.client.HGetAll(ctx, metadataKeyPrefix+requestID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get metadata: %w", err)
	}
	return metadata, nil
}

// Cleanup removes every coordination entry for the request in one pipelined
// best-effort batch
func (s *RedisCoordinationStore) Cleanup(ctx context.Context, requestID string) error {
	ctx, span := telemetry.StartSpan(ctx, "repo.redis.coordination.cleanup")
	defer span.End()

	span.SetAttributes(attribute.String("request_id", requestID))

	pipe := s.client.Pipeline()
	pipe.Del(ctx,
		lockKeyPrefix+requestID,
		activeKeyPrefix+requestID,
		stepsKeyPrefix+requestID,
		metadataKeyPrefix+requestID,
	)
	pipe.ZRem(ctx, pendingKey, requestID)

	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to cleanup coordination keys: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}
