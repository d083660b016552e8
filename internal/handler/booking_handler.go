package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/daniel-wolfson/travel-saga/internal/domain"
	"github.com/daniel-wolfson/travel-saga/internal/dto"
	"github.com/daniel-wolfson/travel-saga/internal/notify"
	"github.com/daniel-wolfson/travel-saga/internal/saga"
	"github.com/daniel-wolfson/travel-saga/pkg/telemetry"
)

// BookingHandler handles booking HTTP requests
type BookingHandler struct {
	orchestrator saga.Orchestrator
	hub          *notify.Hub
}

// NewBookingHandler creates a new booking handler
func NewBookingHandler(orchestrator saga.Orchestrator, hub *notify.Hub) *BookingHandler {
	return &BookingHandler{
		orchestrator: orchestrator,
		hub:          hub,
	}
}

// CreateBooking handles POST /bookings
// Admits the saga and publishes the three leg requests; the caller polls
// status or subscribes for the terminal event.
func (h *BookingHandler) CreateBooking(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.booking.create")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	var req dto.CreateBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:   "invalid request",
			Code:    "INVALID_REQUEST",
			Message: err.Error(),
		})
		return
	}

	span.SetAttributes(
		attribute.String("user.id", req.UserID),
		attribute.String("request.id", req.RequestID),
	)

	result, err := h.orchestrator.Execute(ctx, req.ToDomain())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, err)
		return
	}

	span.SetStatus(codes.Ok, "")
	if result.Duplicate {
		// The stored record answers the retry verbatim
		c.JSON(http.StatusOK, bookingResponse(result))
		return
	}
	c.JSON(http.StatusAccepted, bookingResponse(result))
}

// CreateBookingSync handles POST /bookings/sync
// Books all three legs within the request, compensating already-held legs in
// reverse order when one fails. The terminal outcome is in the response body.
func (h *BookingHandler) CreateBookingSync(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.booking.create_sync")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	var req dto.CreateBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:   "invalid request",
			Code:    "INVALID_REQUEST",
			Message: err.Error(),
		})
		return
	}

	span.SetAttributes(
		attribute.String("user.id", req.UserID),
		attribute.String("request.id", req.RequestID),
	)

	result, err := h.orchestrator.ExecuteSync(ctx, req.ToDomain())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, err)
		return
	}

	span.SetAttributes(attribute.String("booking.status", result.Status.String()))
	span.SetStatus(codes.Ok, "")
	c.JSON(http.StatusOK, bookingResponse(result))
}

// GetBooking handles GET /bookings/:id
// The id may be a request id or an assigned TRV booking id.
func (h *BookingHandler) GetBooking(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.booking.get")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	id := c.Param("id")
	span.SetAttributes(attribute.String("booking.id", id))

	record, err := h.orchestrator.Status(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, err)
		return
	}

	span.SetStatus(codes.Ok, "")
	c.JSON(http.StatusOK, dto.FromSaga(record))
}

// GetBookingStatus handles GET /bookings/:id/status
func (h *BookingHandler) GetBookingStatus(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.booking.status")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	id := c.Param("id")
	span.SetAttributes(attribute.String("booking.id", id))

	record, err := h.orchestrator.Status(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, err)
		return
	}

	span.SetStatus(codes.Ok, "")
	c.JSON(http.StatusOK, dto.StatusFromSaga(record))
}

// RegisterCallback handles POST /bookings/:id/callbacks
// Registers a one-shot webhook fired when the booking reaches a terminal
// status. A booking already concluded fires immediately.
func (h *BookingHandler) RegisterCallback(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.booking.register_callback")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	id := c.Param("id")

	var req dto.RegisterCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:   "invalid request",
			Code:    "INVALID_REQUEST",
			Message: err.Error(),
		})
		return
	}

	span.SetAttributes(
		attribute.String("booking.id", id),
		attribute.String("callback.url", req.URL),
	)

	record, err := h.orchestrator.Status(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, err)
		return
	}

	if err := h.hub.RegisterCallback(id, req.URL); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.JSON(http.StatusServiceUnavailable, dto.ErrorResponse{
			Error: err.Error(),
			Code:  "HUB_UNAVAILABLE",
		})
		return
	}

	// Re-check after registering: a saga that concluded between lookup and
	// registration would otherwise never fire the webhook
	if record.Status.IsTerminal() {
		h.hub.Publish(ctx, terminalEvent(record))
	} else if current, err := h.orchestrator.Status(ctx, id); err == nil && current.Status.IsTerminal() {
		h.hub.Publish(ctx, terminalEvent(current))
	}

	span.SetStatus(codes.Ok, "")
	c.JSON(http.StatusOK, dto.RegisterCallbackResponse{
		RequestID: record.RequestID,
		URL:       req.URL,
		Message:   "callback registered",
	})
}

// GetUserStats handles GET /users/:user_id/bookings/stats
func (h *BookingHandler) GetUserStats(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "handler.booking.user_stats")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	userID := c.Param("user_id")
	span.SetAttributes(attribute.String("user.id", userID))

	stats, err := h.orchestrator.UserStats(ctx, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.handleError(c, err)
		return
	}

	span.SetStatus(codes.Ok, "")
	c.JSON(http.StatusOK, dto.FromStats(stats))
}

// handleError converts orchestrator errors to HTTP responses
func (h *BookingHandler) handleError(c *gin.Context, err error) {
	switch {
	case domain.IsNotFoundError(err):
		c.JSON(http.StatusNotFound, dto.ErrorResponse{
			Error: err.Error(),
			Code:  "NOT_FOUND",
		})
	case domain.IsValidationError(err):
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error: err.Error(),
			Code:  "VALIDATION_FAILED",
		})
	case errors.Is(err, domain.ErrRateLimitExceeded):
		c.JSON(http.StatusTooManyRequests, dto.ErrorResponse{
			Error:   err.Error(),
			Code:    "RATE_LIMIT_EXCEEDED",
			Message: "Too many booking requests. Please retry in a minute.",
		})
	case errors.Is(err, domain.ErrLockNotAcquired):
		c.JSON(http.StatusLocked, dto.ErrorResponse{
			Error:   err.Error(),
			Code:    "REQUEST_LOCKED",
			Message: "A booking with this request id is already being processed",
		})
	case errors.Is(err, domain.ErrInvalidStatusTransition):
		c.JSON(http.StatusConflict, dto.ErrorResponse{
			Error: err.Error(),
			Code:  "INVALID_STATUS_TRANSITION",
		})
	case domain.IsConflictError(err):
		c.JSON(http.StatusConflict, dto.ErrorResponse{
			Error: err.Error(),
			Code:  "CONFLICT",
		})
	default:
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{
			Error: "internal server error",
			Code:  "INTERNAL_ERROR",
		})
	}
}

// bookingResponse converts an orchestrator result to the API response
func bookingResponse(result *saga.Result) *dto.BookingResponse {
	return &dto.BookingResponse{
		RequestID:    result.RequestID,
		BookingID:    result.BookingID,
		Status:       result.Status.String(),
		Message:      result.Message,
		ErrorMessage: result.ErrorMessage,
		Timestamp:    time.Now().UTC(),
	}
}

// terminalEvent rebuilds the hub event for a saga that already concluded
func terminalEvent(record *domain.SagaRecord) *notify.Event {
	if record.Status == domain.StatusConfirmed {
		return notify.Confirmed(record)
	}
	return notify.Failed(record.RequestID, record.Status, record.ErrorMessage)
}
