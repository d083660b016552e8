package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// Transport-level replay protection for unsafe endpoints. A client that
// retries a POST after a network timeout sends the same X-Idempotency-Key and
// receives the first attempt's response instead of running the handler again.
// This guards the HTTP hop only; saga-level dedup by requestId is the
// durable layer underneath.

const (
	// IdempotencyKeyHeader carries the client-chosen replay key
	IdempotencyKeyHeader = "X-Idempotency-Key"
	// ContextKeyIdempotencyKey is the gin context key for the replay key
	ContextKeyIdempotencyKey = "idempotency_key"
	// IdempotencyKeyPrefix namespaces replay records in Redis
	IdempotencyKeyPrefix = "idempotency:"
)

const (
	replayStateProcessing = "processing"
	replayStateCompleted  = "completed"
)

// RedisClient is the subset of redis operations the replay cache needs
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// IdempotencyConfig holds configuration for the replay cache
type IdempotencyConfig struct {
	Redis RedisClient
	// TTL bounds how long a completed response is replayable
	TTL time.Duration
	// ProcessingTTL bounds an in-flight claim; a crashed handler frees the
	// key after this long
	ProcessingTTL time.Duration
}

// DefaultIdempotencyConfig returns the standard configuration: responses
// replayable for 5 minutes, in-flight claims held for 60 seconds.
func DefaultIdempotencyConfig(client RedisClient) *IdempotencyConfig {
	return &IdempotencyConfig{
		Redis:         client,
		TTL:           5 * time.Minute,
		ProcessingTTL: 60 * time.Second,
	}
}

// replayRecord is the JSON stored per idempotency key
type replayRecord struct {
	State       string `json:"state"`
	RequestHash string `json:"requestHash"`
	Code        int    `json:"code,omitempty"`
	Body        string `json:"body,omitempty"`
}

// IdempotencyMiddleware returns the replay-cache middleware. The header is
// opt-in: requests without it pass straight through.
func IdempotencyMiddleware(cfg *IdempotencyConfig) gin.HandlerFunc {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	processingTTL := cfg.ProcessingTTL
	if processingTTL <= 0 {
		processingTTL = 60 * time.Second
	}

	return func(c *gin.Context) {
		key := c.GetHeader(IdempotencyKeyHeader)
		if key == "" {
			c.Next()
			return
		}
		c.Set(ContextKeyIdempotencyKey, key)

		var body []byte
		if c.Request.Body != nil {
			body, _ = io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewReader(body))
		}
		hash := requestFingerprint(c, body)

		ctx := c.Request.Context()
		redisKey := IdempotencyKeyPrefix + key

		existing, err := loadReplayRecord(ctx, cfg.Redis, redisKey)
		if err != nil && !errors.Is(err, redis.Nil) {
			// Replay protection is best-effort: a coordination-store outage
			// must not take the admission path down with it.
			c.Next()
			return
		}
		if existing != nil {
			replayOrReject(c, existing, hash)
			return
		}

		claim := &replayRecord{State: replayStateProcessing, RequestHash: hash}
		if !claimKey(ctx, cfg.Redis, redisKey, claim, processingTTL) {
			// Lost the claim race; whoever won decides the outcome.
			existing, _ = loadReplayRecord(ctx, cfg.Redis, redisKey)
			if existing != nil {
				replayOrReject(c, existing, hash)
				return
			}
			c.Next()
			return
		}

		capture := &responseCapture{ResponseWriter: c.Writer, body: &bytes.Buffer{}}
		c.Writer = capture

		c.Next()

		claim.State = replayStateCompleted
		claim.Code = capture.status
		claim.Body = capture.body.String()
		if data, err := json.Marshal(claim); err == nil {
			cfg.Redis.Set(ctx, redisKey, string(data), ttl)
		}
	}
}

// replayOrReject resolves a request whose key already has a record: replay a
// completed response, reject a concurrent duplicate, refuse a reused key.
func replayOrReject(c *gin.Context, rec *replayRecord, hash string) {
	if rec.RequestHash != hash {
		abortWithError(c, http.StatusUnprocessableEntity, "IDEMPOTENCY_KEY_REUSED",
			"idempotency key already used with a different request")
		return
	}
	if rec.State == replayStateProcessing {
		abortWithError(c, http.StatusConflict, "REQUEST_IN_PROGRESS",
			"a request with this idempotency key is already being processed")
		return
	}
	c.Data(rec.Code, "application/json", []byte(rec.Body))
	c.Abort()
}

// RequireIdempotencyKey enforces the header on routes where silent retries
// would be unsafe
func RequireIdempotencyKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(IdempotencyKeyHeader)
		if key == "" {
			abortWithError(c, http.StatusBadRequest, "MISSING_IDEMPOTENCY_KEY",
				"X-Idempotency-Key header is required")
			return
		}
		c.Set(ContextKeyIdempotencyKey, key)
		c.Next()
	}
}

// GetIdempotencyKey extracts the replay key from gin context
func GetIdempotencyKey(c *gin.Context) (string, bool) {
	v, exists := c.Get(ContextKeyIdempotencyKey)
	if !exists {
		return "", false
	}
	k, ok := v.(string)
	return k, ok
}

// requestFingerprint hashes the parts of a request that must match for a
// replay to be legitimate: method, path, authenticated subject, body.
func requestFingerprint(c *gin.Context, body []byte) string {
	h := sha256.New()
	h.Write([]byte(c.Request.Method))
	h.Write([]byte(c.Request.URL.Path))
	if userID, ok := GetUserID(c); ok {
		h.Write([]byte(userID))
	}
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func loadReplayRecord(ctx context.Context, client RedisClient, key string) (*replayRecord, error) {
	raw, err := client.Get(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	var rec replayRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func claimKey(ctx context.Context, client RedisClient, key string, rec *replayRecord, ttl time.Duration) bool {
	data, err := json.Marshal(rec)
	if err != nil {
		return false
	}
	ok, err := client.SetNX(ctx, key, string(data), ttl).Result()
	return err == nil && ok
}

// responseCapture tees the handler's response so it can be stored for replay
type responseCapture struct {
	gin.ResponseWriter
	body   *bytes.Buffer
	status int
}

func (w *responseCapture) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *responseCapture) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
