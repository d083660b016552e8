package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/daniel-wolfson/travel-saga/internal/domain"
	"github.com/daniel-wolfson/travel-saga/internal/dto"
	"github.com/daniel-wolfson/travel-saga/internal/saga"
)

// AdminHandler handles the recovery API
type AdminHandler struct {
	orchestrator saga.Orchestrator
	// stuckThreshold is the default age for the stuck-saga listing when the
	// request does not carry olderThanMs
	stuckThreshold time.Duration
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(orchestrator saga.Orchestrator, stuckThreshold time.Duration) *AdminHandler {
	if stuckThreshold <= 0 {
		stuckThreshold = 30 * time.Minute
	}
	return &AdminHandler{
		orchestrator:   orchestrator,
		stuckThreshold: stuckThreshold,
	}
}

// ListStuckSagas handles GET /admin/v1/sagas/stuck
// Lists pending sagas admitted longer ago than olderThanMs (default: the
// sweeper threshold).
func (h *AdminHandler) ListStuckSagas(c *gin.Context) {
	ctx := c.Request.Context()

	threshold := h.stuckThreshold
	if raw := c.Query("olderThanMs"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ms < 0 {
			c.JSON(http.StatusBadRequest, dto.ErrorResponse{
				Error: "olderThanMs must be a non-negative integer",
				Code:  "INVALID_REQUEST",
			})
			return
		}
		threshold = time.Duration(ms) * time.Millisecond
	}

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	stuck, err := h.orchestrator.StuckSagas(ctx, time.Now().Add(-threshold), limit)
	if err != nil {
		h.handleError(c, err)
		return
	}

	sagas := make([]*dto.StuckSagaResponse, 0, len(stuck))
	for _, s := range stuck {
		sagas = append(sagas, &dto.StuckSagaResponse{
			RequestID:   s.RequestID,
			AdmittedAt:  s.AdmittedAt,
			Status:      s.Status.String(),
			MissingLegs: legStrings(s.MissingLegs),
		})
	}
	c.JSON(http.StatusOK, dto.StuckSagasResponse{Count: len(sagas), Sagas: sagas})
}

// GetSagaDiagnostics handles GET /admin/v1/sagas/:request_id
// Returns the durable record together with the coordination-store view.
func (h *AdminHandler) GetSagaDiagnostics(c *gin.Context) {
	ctx := c.Request.Context()
	requestID := c.Param("request_id")

	diag, err := h.orchestrator.Diagnostics(ctx, requestID)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.SagaDiagnosticsResponse{
		Saga: dto.FromSaga(diag.Record),
		Coordination: &dto.CoordinationDiagnostics{
			Steps:         diag.Steps,
			Metadata:      diag.Metadata,
			ActivePresent: diag.ActiveSnapshot,
			LockHeld:      diag.LockHeld,
			PendingSince:  diag.PendingSince,
		},
	})
}

// RetrySaga handles POST /admin/v1/sagas/:request_id/retry
// Republishes the leg requests the saga is still missing.
func (h *AdminHandler) RetrySaga(c *gin.Context) {
	ctx := c.Request.Context()
	requestID := c.Param("request_id")

	recovery, err := h.orchestrator.Recover(ctx, requestID)
	if err != nil {
		h.handleError(c, err)
		return
	}

	message := "nothing to republish"
	if n := len(recovery.Republished); n > 0 {
		message = fmt.Sprintf("republished %d leg request(s)", n)
	}
	c.JSON(http.StatusOK, dto.RetrySagaResponse{
		RequestID:       recovery.RequestID,
		RepublishedLegs: legStrings(recovery.Republished),
		Message:         message,
	})
}

// ForceFailSaga handles POST /admin/v1/sagas/:request_id/fail
// Forces a non-terminal saga to FAILED with the operator's reason.
func (h *AdminHandler) ForceFailSaga(c *gin.Context) {
	ctx := c.Request.Context()
	requestID := c.Param("request_id")

	var req dto.ForceFailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:   "invalid request",
			Code:    "INVALID_REQUEST",
			Message: err.Error(),
		})
		return
	}

	result, err := h.orchestrator.ForceFail(ctx, requestID, req.Reason)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, bookingResponse(result))
}

// ListDeadLetters handles GET /admin/v1/dead-letters
func (h *AdminHandler) ListDeadLetters(c *gin.Context) {
	ctx := c.Request.Context()

	processed := false
	if raw := c.Query("processed"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, dto.ErrorResponse{
				Error: "processed must be a boolean",
				Code:  "INVALID_REQUEST",
			})
			return
		}
		processed = v
	}

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	letters, err := h.orchestrator.DeadLetters(ctx, processed, limit)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.FromDeadLetters(letters))
}

// ResolveDeadLetterResponse acknowledges a processed dead letter
type ResolveDeadLetterResponse struct {
	ID        int64  `json:"id"`
	Processed bool   `json:"processed"`
	Message   string `json:"message"`
}

// ResolveDeadLetter handles POST /admin/v1/dead-letters/:id/processed
func (h *AdminHandler) ResolveDeadLetter(c *gin.Context) {
	ctx := c.Request.Context()

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error: "dead letter id must be an integer",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	if err := h.orchestrator.ResolveDeadLetter(ctx, id); err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, ResolveDeadLetterResponse{
		ID:        id,
		Processed: true,
		Message:   "dead letter marked processed",
	})
}

// handleError converts orchestrator errors to HTTP responses
func (h *AdminHandler) handleError(c *gin.Context, err error) {
	switch {
	case domain.IsNotFoundError(err):
		c.JSON(http.StatusNotFound, dto.ErrorResponse{
			Error: err.Error(),
			Code:  "NOT_FOUND",
		})
	case errors.Is(err, domain.ErrInvalidStatusTransition):
		c.JSON(http.StatusConflict, dto.ErrorResponse{
			Error:   err.Error(),
			Code:    "INVALID_STATUS_TRANSITION",
			Message: "The saga has already reached a terminal status",
		})
	default:
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{
			Error: "internal server error",
			Code:  "INTERNAL_ERROR",
		})
	}
}

// legStrings converts legs to their wire form
func legStrings(legs []domain.Leg) []string {
	out := make([]string, 0, len(legs))
	for _, leg := range legs {
		out = append(out, leg.String())
	}
	return out
}
