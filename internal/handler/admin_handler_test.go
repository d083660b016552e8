package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/daniel-wolfson/travel-saga/internal/domain"
	"github.com/daniel-wolfson/travel-saga/internal/dto"
	"github.com/daniel-wolfson/travel-saga/internal/saga"
)

func setupAdminRouter(handler *AdminHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()

	admin := router.Group("/admin/v1")
	{
		sagas := admin.Group("/sagas")
		{
			sagas.GET("/stuck", handler.ListStuckSagas)
			sagas.GET("/:request_id", handler.GetSagaDiagnostics)
			sagas.POST("/:request_id/retry", handler.RetrySaga)
			sagas.POST("/:request_id/fail", handler.ForceFailSaga)
		}
		deadLetters := admin.Group("/dead-letters")
		{
			deadLetters.GET("", handler.ListDeadLetters)
			deadLetters.POST("/:id/processed", handler.ResolveDeadLetter)
		}
	}

	return router
}

func TestAdminHandler_ListStuckSagas(t *testing.T) {
	t.Run("lists pending sagas past the threshold", func(t *testing.T) {
		var gotOlderThan time.Time
		var gotLimit int
		mock := &MockOrchestrator{
			StuckSagasFunc: func(ctx context.Context, olderThan time.Time, limit int) ([]*saga.StuckSaga, error) {
				gotOlderThan = olderThan
				gotLimit = limit
				return []*saga.StuckSaga{
					{
						RequestID:   "req-stuck",
						AdmittedAt:  time.Now().Add(-time.Hour),
						Status:      domain.StatusPending,
						MissingLegs: []domain.Leg{domain.LegFlight, domain.LegCar},
					},
				}, nil
			},
		}
		handler := NewAdminHandler(mock, 30*time.Minute)
		router := setupAdminRouter(handler)

		req := httptest.NewRequest(http.MethodGet, "/admin/v1/sagas/stuck?olderThanMs=5000&limit=10", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
		}
		if gotLimit != 10 {
			t.Errorf("expected limit 10, got %d", gotLimit)
		}
		wantCutoff := time.Now().Add(-5 * time.Second)
		if diff := gotOlderThan.Sub(wantCutoff); diff < -time.Second || diff > time.Second {
			t.Errorf("expected cutoff near %v, got %v", wantCutoff, gotOlderThan)
		}

		var response dto.StuckSagasResponse
		if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if response.Count != 1 {
			t.Fatalf("expected count 1, got %d", response.Count)
		}
		entry := response.Sagas[0]
		if entry.RequestID != "req-stuck" {
			t.Errorf("expected request id req-stuck, got %s", entry.RequestID)
		}
		if len(entry.MissingLegs) != 2 || entry.MissingLegs[0] != "flight" || entry.MissingLegs[1] != "car" {
			t.Errorf("unexpected missing legs: %v", entry.MissingLegs)
		}
	})

	t.Run("defaults the threshold when olderThanMs is absent", func(t *testing.T) {
		var gotOlderThan time.Time
		mock := &MockOrchestrator{
			StuckSagasFunc: func(ctx context.Context, olderThan time.Time, limit int) ([]*saga.StuckSaga, error) {
				gotOlderThan = olderThan
				return nil, nil
			},
		}
		handler := NewAdminHandler(mock, 30*time.Minute)
		router := setupAdminRouter(handler)

		req := httptest.NewRequest(http.MethodGet, "/admin/v1/sagas/stuck", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", w.Code)
		}
		wantCutoff := time.Now().Add(-30 * time.Minute)
		if diff := gotOlderThan.Sub(wantCutoff); diff < -time.Second || diff > time.Second {
			t.Errorf("expected cutoff near %v, got %v", wantCutoff, gotOlderThan)
		}
	})

	t.Run("rejects a malformed olderThanMs", func(t *testing.T) {
		handler := NewAdminHandler(&MockOrchestrator{}, 30*time.Minute)
		router := setupAdminRouter(handler)

		req := httptest.NewRequest(http.MethodGet, "/admin/v1/sagas/stuck?olderThanMs=soon", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusBadRequest {
			t.Fatalf("expected status 400, got %d", w.Code)
		}
		var response dto.ErrorResponse
		if err := json.Unmarshal(w.Body.Bytes(), &response); err == nil {
			if response.Code != "INVALID_REQUEST" {
				t.Errorf("expected code INVALID_REQUEST, got %s", response.Code)
			}
		}
	})
}

func TestAdminHandler_GetSagaDiagnostics(t *testing.T) {
	t.Run("combines durable and coordination state", func(t *testing.T) {
		pendingSince := time.Now().Add(-10 * time.Minute).UTC()
		mock := &MockOrchestrator{
			DiagnosticsFunc: func(ctx context.Context, requestID string) (*saga.SagaDiagnostics, error) {
				return &saga.SagaDiagnostics{
					Record:         pendingRecord(requestID),
					ActiveSnapshot: true,
					LockHeld:       false,
					Steps:          map[string]string{"step:hotel_requested": "1"},
					Metadata:       map[string]string{"userId": "user-1"},
					PendingSince:   &pendingSince,
				}, nil
			},
		}
		handler := NewAdminHandler(mock, 30*time.Minute)
		router := setupAdminRouter(handler)

		req := httptest.NewRequest(http.MethodGet, "/admin/v1/sagas/req-1", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
		}
		var response dto.SagaDiagnosticsResponse
		if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if response.Saga == nil || response.Saga.RequestID != "req-1" {
			t.Fatalf("expected saga req-1 in response, got %+v", response.Saga)
		}
		if response.Coordination == nil || !response.Coordination.ActivePresent {
			t.Error("expected the active snapshot to be reported present")
		}
		if response.Coordination.Steps["step:hotel_requested"] != "1" {
			t.Errorf("unexpected steps: %v", response.Coordination.Steps)
		}
	})

	t.Run("unknown saga returns 404", func(t *testing.T) {
		mock := &MockOrchestrator{
			DiagnosticsFunc: func(ctx context.Context, requestID string) (*saga.SagaDiagnostics, error) {
				return nil, domain.ErrSagaNotFound
			},
		}
		handler := NewAdminHandler(mock, 30*time.Minute)
		router := setupAdminRouter(handler)

		req := httptest.NewRequest(http.MethodGet, "/admin/v1/sagas/ghost", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusNotFound {
			t.Fatalf("expected status 404, got %d", w.Code)
		}
	})
}

func TestAdminHandler_RetrySaga(t *testing.T) {
	t.Run("reports republished legs", func(t *testing.T) {
		mock := &MockOrchestrator{
			RecoverFunc: func(ctx context.Context, requestID string) (*saga.RecoveryResult, error) {
				return &saga.RecoveryResult{
					RequestID:   requestID,
					Status:      domain.StatusPending,
					Republished: []domain.Leg{domain.LegFlight},
				}, nil
			},
		}
		handler := NewAdminHandler(mock, 30*time.Minute)
		router := setupAdminRouter(handler)

		req := httptest.NewRequest(http.MethodPost, "/admin/v1/sagas/req-1/retry", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
		}
		var response dto.RetrySagaResponse
		if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if len(response.RepublishedLegs) != 1 || response.RepublishedLegs[0] != "flight" {
			t.Errorf("unexpected republished legs: %v", response.RepublishedLegs)
		}
		if response.Message != "republished 1 leg request(s)" {
			t.Errorf("unexpected message: %s", response.Message)
		}
	})

	t.Run("nothing to republish", func(t *testing.T) {
		mock := &MockOrchestrator{
			RecoverFunc: func(ctx context.Context, requestID string) (*saga.RecoveryResult, error) {
				return &saga.RecoveryResult{RequestID: requestID, Status: domain.StatusConfirmed}, nil
			},
		}
		handler := NewAdminHandler(mock, 30*time.Minute)
		router := setupAdminRouter(handler)

		req := httptest.NewRequest(http.MethodPost, "/admin/v1/sagas/req-1/retry", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", w.Code)
		}
		var response dto.RetrySagaResponse
		if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if response.Message != "nothing to republish" {
			t.Errorf("unexpected message: %s", response.Message)
		}
	})

	t.Run("unknown saga returns 404", func(t *testing.T) {
		mock := &MockOrchestrator{
			RecoverFunc: func(ctx context.Context, requestID string) (*saga.RecoveryResult, error) {
				return nil, domain.ErrSagaNotFound
			},
		}
		handler := NewAdminHandler(mock, 30*time.Minute)
		router := setupAdminRouter(handler)

		req := httptest.NewRequest(http.MethodPost, "/admin/v1/sagas/ghost/retry", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusNotFound {
			t.Fatalf("expected status 404, got %d", w.Code)
		}
	})
}

func TestAdminHandler_ForceFailSaga(t *testing.T) {
	tests := []struct {
		name           string
		body           interface{}
		mockFunc       func(ctx context.Context, requestID, reason string) (*saga.Result, error)
		expectedStatus int
		expectedCode   string
	}{
		{
			name: "forces a pending saga to failed",
			body: dto.ForceFailRequest{Reason: "operator: supplier outage"},
			mockFunc: func(ctx context.Context, requestID, reason string) (*saga.Result, error) {
				return &saga.Result{
					RequestID:    requestID,
					Status:       domain.StatusFailed,
					ErrorMessage: reason,
				}, nil
			},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "missing reason is rejected",
			body:           map[string]interface{}{},
			expectedStatus: http.StatusBadRequest,
			expectedCode:   "INVALID_REQUEST",
		},
		{
			name: "terminal saga maps to 409",
			body: dto.ForceFailRequest{Reason: "operator: cleanup"},
			mockFunc: func(ctx context.Context, requestID, reason string) (*saga.Result, error) {
				return nil, domain.ErrInvalidStatusTransition
			},
			expectedStatus: http.StatusConflict,
			expectedCode:   "INVALID_STATUS_TRANSITION",
		},
		{
			name: "unknown saga maps to 404",
			body: dto.ForceFailRequest{Reason: "operator: cleanup"},
			mockFunc: func(ctx context.Context, requestID, reason string) (*saga.Result, error) {
				return nil, domain.ErrSagaNotFound
			},
			expectedStatus: http.StatusNotFound,
			expectedCode:   "NOT_FOUND",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &MockOrchestrator{ForceFailFunc: tt.mockFunc}
			handler := NewAdminHandler(mock, 30*time.Minute)
			router := setupAdminRouter(handler)

			body, _ := json.Marshal(tt.body)
			req := httptest.NewRequest(http.MethodPost, "/admin/v1/sagas/req-1/fail", bytes.NewBuffer(body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d: %s", tt.expectedStatus, w.Code, w.Body.String())
			}
			if tt.expectedCode != "" {
				var response dto.ErrorResponse
				if err := json.Unmarshal(w.Body.Bytes(), &response); err == nil {
					if response.Code != tt.expectedCode {
						t.Errorf("expected code %s, got %s", tt.expectedCode, response.Code)
					}
				}
			}
		})
	}
}

func TestAdminHandler_ListDeadLetters(t *testing.T) {
	t.Run("lists unprocessed dead letters", func(t *testing.T) {
		var gotProcessed bool
		mock := &MockOrchestrator{
			DeadLettersFunc: func(ctx context.Context, processed bool, limit int) ([]*domain.DeadLetter, error) {
				gotProcessed = processed
				return []*domain.DeadLetter{
					{
						ID:            7,
						RequestID:     "req-1",
						Leg:           domain.LegHotel,
						ReservationID: "HT-1",
						ErrorMessage:  "cancel failed: connection refused",
						RetryCount:    3,
						CreatedAt:     time.Now().UTC(),
					},
				}, nil
			},
		}
		handler := NewAdminHandler(mock, 30*time.Minute)
		router := setupAdminRouter(handler)

		req := httptest.NewRequest(http.MethodGet, "/admin/v1/dead-letters", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
		}
		if gotProcessed {
			t.Error("expected the listing to default to unprocessed")
		}
		var response dto.DeadLettersResponse
		if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if response.Count != 1 {
			t.Fatalf("expected count 1, got %d", response.Count)
		}
		if response.DeadLetters[0].Leg != "hotel" {
			t.Errorf("expected hotel leg, got %s", response.DeadLetters[0].Leg)
		}
	})

	t.Run("honors the processed filter", func(t *testing.T) {
		var gotProcessed bool
		mock := &MockOrchestrator{
			DeadLettersFunc: func(ctx context.Context, processed bool, limit int) ([]*domain.DeadLetter, error) {
				gotProcessed = processed
				return nil, nil
			},
		}
		handler := NewAdminHandler(mock, 30*time.Minute)
		router := setupAdminRouter(handler)

		req := httptest.NewRequest(http.MethodGet, "/admin/v1/dead-letters?processed=true", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", w.Code)
		}
		if !gotProcessed {
			t.Error("expected processed=true to be passed through")
		}
	})

	t.Run("rejects a malformed processed flag", func(t *testing.T) {
		handler := NewAdminHandler(&MockOrchestrator{}, 30*time.Minute)
		router := setupAdminRouter(handler)

		req := httptest.NewRequest(http.MethodGet, "/admin/v1/dead-letters?processed=maybe", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusBadRequest {
			t.Fatalf("expected status 400, got %d", w.Code)
		}
	})
}

func TestAdminHandler_ResolveDeadLetter(t *testing.T) {
	t.Run("marks a dead letter processed", func(t *testing.T) {
		var gotID int64
		mock := &MockOrchestrator{
			ResolveDeadLetterFunc: func(ctx context.Context, id int64) error {
				gotID = id
				return nil
			},
		}
		handler := NewAdminHandler(mock, 30*time.Minute)
		router := setupAdminRouter(handler)

		req := httptest.NewRequest(http.MethodPost, "/admin/v1/dead-letters/7/processed", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
		}
		if gotID != 7 {
			t.Errorf("expected id 7, got %d", gotID)
		}
		var response ResolveDeadLetterResponse
		if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if !response.Processed {
			t.Error("expected processed to be true")
		}
	})

	t.Run("rejects a non-numeric id", func(t *testing.T) {
		handler := NewAdminHandler(&MockOrchestrator{}, 30*time.Minute)
		router := setupAdminRouter(handler)

		req := httptest.NewRequest(http.MethodPost, "/admin/v1/dead-letters/seven/processed", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusBadRequest {
			t.Fatalf("expected status 400, got %d", w.Code)
		}
	})

	t.Run("unknown dead letter returns 404", func(t *testing.T) {
		mock := &MockOrchestrator{
			ResolveDeadLetterFunc: func(ctx context.Context, id int64) error {
				return domain.ErrDeadLetterNotFound
			},
		}
		handler := NewAdminHandler(mock, 30*time.Minute)
		router := setupAdminRouter(handler)

		req := httptest.NewRequest(http.MethodPost, "/admin/v1/dead-letters/99/processed", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusNotFound {
			t.Fatalf("expected status 404, got %d", w.Code)
		}
	})

	t.Run("store failure returns 500", func(t *testing.T) {
		mock := &MockOrchestrator{
			ResolveDeadLetterFunc: func(ctx context.Context, id int64) error {
				return errors.New("connection refused")
			},
		}
		handler := NewAdminHandler(mock, 30*time.Minute)
		router := setupAdminRouter(handler)

		req := httptest.NewRequest(http.MethodPost, "/admin/v1/dead-letters/7/processed", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusInternalServerError {
			t.Fatalf("expected status 500, got %d", w.Code)
		}
	})
}
