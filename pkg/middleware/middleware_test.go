package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeRedis is an in-memory RedisClient for idempotency tests
type fakeRedis struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: make(map[string]string)}
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.data[key]; ok {
		return redis.NewStringResult(v, nil)
	}
	return redis.NewStringResult("", redis.Nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key], _ = value.(string)
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.data[key], _ = value.(string)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, key := range keys {
		if _, ok := f.data[key]; ok {
			delete(f.data, key)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[key]
	return ok
}

func TestRequestID_GeneratesNew(t *testing.T) {
	w := httptest.NewRecorder()
	c, r := gin.CreateTestContext(w)

	r.Use(RequestID())
	r.GET("/test", func(c *gin.Context) {
		c.String(http.StatusOK, GetRequestID(c))
	})

	c.Request = httptest.NewRequest(http.MethodGet, "/test", nil)
	r.ServeHTTP(w, c.Request)

	headerID := w.Header().Get(RequestIDHeader)
	if headerID == "" {
		t.Error("Expected X-Request-ID header to be set")
	}
	if w.Body.String() != headerID {
		t.Errorf("Header ID (%s) should match body ID (%s)", headerID, w.Body.String())
	}
}

func TestRequestID_UsesExisting(t *testing.T) {
	existingID := "existing-request-id-123"

	w := httptest.NewRecorder()
	c, r := gin.CreateTestContext(w)

	r.Use(RequestID())
	r.GET("/test", func(c *gin.Context) {
		c.String(http.StatusOK, GetRequestID(c))
	})

	c.Request = httptest.NewRequest(http.MethodGet, "/test", nil)
	c.Request.Header.Set(RequestIDHeader, existingID)
	r.ServeHTTP(w, c.Request)

	if w.Body.String() != existingID {
		t.Errorf("Expected existing ID %s, got %s", existingID, w.Body.String())
	}
}

func setupAdminRouter(secret, issuer string) *gin.Engine {
	r := gin.New()
	admin := r.Group("/admin", RequireAdminToken(secret, issuer))
	admin.GET("/whoami", func(c *gin.Context) {
		userID, _ := GetUserID(c)
		c.String(http.StatusOK, userID)
	})
	return r
}

func errorCode(t *testing.T, body *bytes.Buffer) string {
	t.Helper()
	var resp struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.Unmarshal(body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	if resp.Error == "" {
		t.Fatal("expected error payload")
	}
	return resp.Code
}

func TestRequireAdminToken(t *testing.T) {
	secret := "test-secret"
	issuer := "travel-saga"

	t.Run("valid token passes and sets the subject", func(t *testing.T) {
		token, err := NewAdminToken(secret, issuer, "ops-oncall", time.Hour)
		if err != nil {
			t.Fatalf("failed to sign token: %v", err)
		}

		r := setupAdminRouter(secret, issuer)
		req := httptest.NewRequest(http.MethodGet, "/admin/whoami", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
		}
		if w.Body.String() != "ops-oncall" {
			t.Errorf("expected subject ops-oncall, got %s", w.Body.String())
		}
	})

	t.Run("missing header is rejected", func(t *testing.T) {
		r := setupAdminRouter(secret, issuer)
		req := httptest.NewRequest(http.MethodGet, "/admin/whoami", nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Fatalf("expected status 401, got %d", w.Code)
		}
		if code := errorCode(t, w.Body); code != "UNAUTHORIZED" {
			t.Errorf("expected code UNAUTHORIZED, got %s", code)
		}
	})

	t.Run("token signed with another secret is rejected", func(t *testing.T) {
		token, err := NewAdminToken("other-secret", issuer, "ops-oncall", time.Hour)
		if err != nil {
			t.Fatalf("failed to sign token: %v", err)
		}

		r := setupAdminRouter(secret, issuer)
		req := httptest.NewRequest(http.MethodGet, "/admin/whoami", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Fatalf("expected status 401, got %d", w.Code)
		}
		if code := errorCode(t, w.Body); code != "INVALID_TOKEN" {
			t.Errorf("expected code INVALID_TOKEN, got %s", code)
		}
	})

	t.Run("wrong issuer is rejected", func(t *testing.T) {
		token, err := NewAdminToken(secret, "someone-else", "ops-oncall", time.Hour)
		if err != nil {
			t.Fatalf("failed to sign token: %v", err)
		}

		r := setupAdminRouter(secret, issuer)
		req := httptest.NewRequest(http.MethodGet, "/admin/whoami", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Fatalf("expected status 401, got %d", w.Code)
		}
	})

	t.Run("expired token is rejected", func(t *testing.T) {
		token, err := NewAdminToken(secret, issuer, "ops-oncall", -time.Minute)
		if err != nil {
			t.Fatalf("failed to sign token: %v", err)
		}

		r := setupAdminRouter(secret, issuer)
		req := httptest.NewRequest(http.MethodGet, "/admin/whoami", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Fatalf("expected status 401, got %d", w.Code)
		}
	})
}

func setupIdempotencyRouter(store RedisClient, handler gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(IdempotencyMiddleware(DefaultIdempotencyConfig(store)))
	r.POST("/pay", handler)
	return r
}

func TestIdempotency_PassThroughWithoutHeader(t *testing.T) {
	calls := 0
	r := setupIdempotencyRouter(newFakeRedis(), func(c *gin.Context) {
		calls++
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/pay", bytes.NewBufferString(`{"amount":100}`))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", w.Code)
		}
	}

	if calls != 2 {
		t.Errorf("expected requests without the header to reach the handler, got %d calls", calls)
	}
}

func TestIdempotency_ReplaysCachedResponse(t *testing.T) {
	calls := 0
	r := setupIdempotencyRouter(newFakeRedis(), func(c *gin.Context) {
		calls++
		c.JSON(http.StatusCreated, gin.H{"bookingId": "TRV-1"})
	})

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/pay", bytes.NewBufferString(`{"amount":100}`))
		req.Header.Set(IdempotencyKeyHeader, "key-1")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	first := send()
	if first.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", first.Code)
	}

	second := send()
	if second.Code != http.StatusCreated {
		t.Fatalf("expected replayed status 201, got %d", second.Code)
	}
	if second.Body.String() != first.Body.String() {
		t.Errorf("expected the cached body %s, got %s", first.Body.String(), second.Body.String())
	}
	if calls != 1 {
		t.Errorf("expected the handler to run once, got %d calls", calls)
	}
}

func TestIdempotency_KeyReuseWithDifferentBody(t *testing.T) {
	r := setupIdempotencyRouter(newFakeRedis(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	req := httptest.NewRequest(http.MethodPost, "/pay", bytes.NewBufferString(`{"amount":100}`))
	req.Header.Set(IdempotencyKeyHeader, "key-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/pay", bytes.NewBufferString(`{"amount":999}`))
	req.Header.Set(IdempotencyKeyHeader, "key-1")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d", w.Code)
	}
	if code := errorCode(t, w.Body); code != "IDEMPOTENCY_KEY_REUSED" {
		t.Errorf("expected code IDEMPOTENCY_KEY_REUSED, got %s", code)
	}
}

func TestIdempotency_ConcurrentRequestRejected(t *testing.T) {
	store := newFakeRedis()
	release := make(chan struct{})
	r := setupIdempotencyRouter(store, func(c *gin.Context) {
		<-release
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		req := httptest.NewRequest(http.MethodPost, "/pay", bytes.NewBufferString(`{"amount":100}`))
		req.Header.Set(IdempotencyKeyHeader, "key-1")
		r.ServeHTTP(httptest.NewRecorder(), req)
	}()

	// Wait for the first request to claim the processing record
	deadline := time.Now().Add(time.Second)
	for !store.has(IdempotencyKeyPrefix+"key-1") && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	req := httptest.NewRequest(http.MethodPost, "/pay", bytes.NewBufferString(`{"amount":100}`))
	req.Header.Set(IdempotencyKeyHeader, "key-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("expected status 409 while the first request is in flight, got %d", w.Code)
	}

	close(release)
	<-firstDone
}

func TestRequireIdempotencyKey(t *testing.T) {
	r := gin.New()
	r.Use(RequireIdempotencyKey())
	r.POST("/pay", func(c *gin.Context) {
		key, _ := GetIdempotencyKey(c)
		c.String(http.StatusOK, key)
	})

	t.Run("missing key is rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/pay", nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		if w.Code != http.StatusBadRequest {
			t.Fatalf("expected status 400, got %d", w.Code)
		}
	})

	t.Run("key is exposed on context", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/pay", nil)
		req.Header.Set(IdempotencyKeyHeader, "key-1")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", w.Code)
		}
		if w.Body.String() != "key-1" {
			t.Errorf("expected key-1, got %s", w.Body.String())
		}
	})
}

func TestLogger_PassesThrough(t *testing.T) {
	r := gin.New()
	r.Use(RequestID(), Logger(nil))
	r.GET("/test", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if w.Body.String() != "ok" {
		t.Errorf("expected body ok, got %s", w.Body.String())
	}
}
