package redis

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

func testConfig() *Config {
	cfg := DefaultConfig()
	if host := os.Getenv("TEST_REDIS_HOST"); host != "" {
		cfg.Host = host
	}
	if password := os.Getenv("TEST_REDIS_PASSWORD"); password != "" {
		cfg.Password = password
	}
	return cfg
}

func requireIntegration(t *testing.T) *Client {
	t.Helper()
	if os.Getenv("INTEGRATION_TEST") != "true" {
		t.Skip("Skipping integration test. Set INTEGRATION_TEST=true to run")
	}

	client, err := NewClient(context.Background(), testConfig())
	if err != nil {
		t.Fatalf("Failed to connect to redis: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Addr() != "localhost:6379" {
		t.Errorf("Addr() = %q, want localhost:6379", cfg.Addr())
	}
	if cfg.PoolSize != 100 {
		t.Errorf("PoolSize = %d, want 100", cfg.PoolSize)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
	if cfg.DialTimeout != 5*time.Second {
		t.Errorf("DialTimeout = %v, want 5s", cfg.DialTimeout)
	}
}

func TestConfig_Addr(t *testing.T) {
	cfg := &Config{Host: "coordination.internal", Port: 6380}
	if got := cfg.Addr(); got != "coordination.internal:6380" {
		t.Errorf("Addr() = %q, want coordination.internal:6380", got)
	}
}

func TestNewClient_UnreachableHost(t *testing.T) {
	cfg := &Config{
		Host:          "invalid-host-that-does-not-exist",
		Port:          9999,
		MaxRetries:    0,
		RetryInterval: 50 * time.Millisecond,
		DialTimeout:   500 * time.Millisecond,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := NewClient(ctx, cfg); err == nil {
		t.Error("NewClient should fail for an unreachable host")
	}
}

func TestComputeSHA1_MatchesRedisSemantics(t *testing.T) {
	sha := computeSHA1("return 1")
	if len(sha) != 40 {
		t.Errorf("SHA1 length = %d, want 40 hex chars", len(sha))
	}
	if sha != computeSHA1("return 1") {
		t.Error("same script must hash identically")
	}
	if sha == computeSHA1("return 2") {
		t.Error("different scripts must hash differently")
	}
}

func TestIsNoScriptError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"unrelated", fmt.Errorf("connection reset"), false},
		{"noscript", fmt.Errorf("NOSCRIPT No matching script. Please use EVAL."), true},
		{"short", fmt.Errorf("NOSCR"), false},
	}

	for _, tt := range tests {
		if got := isNoScriptError(tt.err); got != tt.want {
			t.Errorf("%s: isNoScriptError = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestEvalShaByName_UnloadedScript(t *testing.T) {
	c := &Client{}
	cmd := c.EvalShaByName(context.Background(), "never_loaded", nil)
	if cmd.Err() == nil {
		t.Error("EvalShaByName should fail for a script that was never loaded")
	}
}

// Integration tests exercise the operations the coordination store is built
// on: SET NX locks, hash counters and the pending sorted set.

func TestClient_LockShape_Integration(t *testing.T) {
	client := requireIntegration(t)
	ctx := context.Background()

	key := "test:lock:" + time.Now().Format("150405.000")
	defer client.Del(ctx, key)

	ok, err := client.SetNX(ctx, key, "owner-a", time.Minute).Result()
	if err != nil {
		t.Fatalf("SetNX failed: %v", err)
	}
	if !ok {
		t.Fatal("first SetNX should win")
	}

	ok, err = client.SetNX(ctx, key, "owner-b", time.Minute).Result()
	if err != nil {
		t.Fatalf("second SetNX failed: %v", err)
	}
	if ok {
		t.Error("second SetNX should lose while the lock is held")
	}

	ttl, err := client.TTL(ctx, key).Result()
	if err != nil {
		t.Fatalf("TTL failed: %v", err)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("TTL = %v, want (0, 1m]", ttl)
	}
}

func TestClient_StepCounters_Integration(t *testing.T) {
	client := requireIntegration(t)
	ctx := context.Background()

	key := "test:steps:" + time.Now().Format("150405.000")
	defer client.Del(ctx, key)

	for i := 0; i < 2; i++ {
		if err := client.HIncrBy(ctx, key, "hotel_confirmed", 1).Err(); err != nil {
			t.Fatalf("HIncrBy failed: %v", err)
		}
	}

	all, err := client.HGetAll(ctx, key).Result()
	if err != nil {
		t.Fatalf("HGetAll failed: %v", err)
	}
	if all["hotel_confirmed"] != "2" {
		t.Errorf("hotel_confirmed = %q, want 2", all["hotel_confirmed"])
	}
}

func TestClient_PendingSet_Integration(t *testing.T) {
	client := requireIntegration(t)
	ctx := context.Background()

	key := "test:pending:" + time.Now().Format("150405.000")
	defer client.Del(ctx, key)

	now := time.Now()
	old := now.Add(-time.Hour)
	if err := client.ZAdd(ctx, key,
		goredis.Z{Score: float64(old.Unix()), Member: "r-old"},
		goredis.Z{Score: float64(now.Unix()), Member: "r-new"},
	).Err(); err != nil {
		t.Fatalf("ZAdd failed: %v", err)
	}

	cutoff := now.Add(-30 * time.Minute)
	stale, err := client.ZRangeByScore(ctx, key, &goredis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", cutoff.Unix()),
	}).Result()
	if err != nil {
		t.Fatalf("ZRangeByScore failed: %v", err)
	}
	if len(stale) != 1 || stale[0] != "r-old" {
		t.Errorf("stale = %v, want [r-old]", stale)
	}

	if err := client.ZRem(ctx, key, "r-old").Err(); err != nil {
		t.Fatalf("ZRem failed: %v", err)
	}
	if _, err := client.ZScore(ctx, key, "r-old").Result(); err != goredis.Nil {
		t.Errorf("ZScore after ZRem = %v, want redis.Nil", err)
	}
}

func TestClient_ScriptCache_Integration(t *testing.T) {
	client := requireIntegration(t)
	ctx := context.Background()

	script := `return redis.call('INCR', KEYS[1])`
	key := "test:script:" + time.Now().Format("150405.000")
	defer client.Del(ctx, key)

	// First eval loads the script, second reuses the cached SHA.
	for want := 1; want <= 2; want++ {
		n, err := client.EvalWithFallback(ctx, "test_incr", script, []string{key}).Int()
		if err != nil {
			t.Fatalf("EvalWithFallback failed: %v", err)
		}
		if n != want {
			t.Errorf("eval #%d = %d, want %d", want, n, want)
		}
	}

	if _, ok := client.GetScriptSHA("test_incr"); !ok {
		t.Error("script SHA should be cached after eval")
	}
}
