package handler

import (
	"context"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/daniel-wolfson/travel-saga/internal/domain"
	"github.com/daniel-wolfson/travel-saga/internal/dto"
	"github.com/daniel-wolfson/travel-saga/internal/notify"
	"github.com/daniel-wolfson/travel-saga/internal/saga"
	"github.com/daniel-wolfson/travel-saga/pkg/logger"
)

// StreamConfig holds settings for the booking status stream
type StreamConfig struct {
	// AllowedOrigins lists acceptable Origin headers. "*" allows any origin,
	// an empty list falls back to same-host checking.
	AllowedOrigins []string
	// MaxConnections caps concurrent open streams
	MaxConnections int
	// WaitTimeout bounds how long a client may wait for the terminal event
	WaitTimeout time.Duration
	// PingInterval is the keepalive ping period
	PingInterval time.Duration
	// WriteTimeout bounds each websocket write
	WriteTimeout time.Duration
}

// DefaultStreamConfig returns sensible defaults
func DefaultStreamConfig() *StreamConfig {
	return &StreamConfig{
		AllowedOrigins: []string{"*"},
		MaxConnections: 1000,
		WaitTimeout:    10 * time.Minute,
		PingInterval:   30 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// StreamHandler upgrades booking status requests to a websocket, waits for
// the saga's terminal event on the notification hub, delivers it as a single
// JSON frame and closes. A booking that already concluded is answered
// immediately from the durable record.
type StreamHandler struct {
	orchestrator saga.Orchestrator
	hub          *notify.Hub
	config       *StreamConfig
	upgrader     websocket.Upgrader
	active       atomic.Int64
	log          *logger.Logger
}

// NewStreamHandler creates a stream handler
func NewStreamHandler(orchestrator saga.Orchestrator, hub *notify.Hub, config *StreamConfig, log *logger.Logger) *StreamHandler {
	if config == nil {
		config = DefaultStreamConfig()
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = 1000
	}
	if config.WaitTimeout <= 0 {
		config.WaitTimeout = 10 * time.Minute
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if log == nil {
		log = logger.Get()
	}

	h := &StreamHandler{
		orchestrator: orchestrator,
		hub:          hub,
		config:       config,
		log:          log,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin validates the Origin header against the allowed list. Requests
// without an Origin header (non-browser clients) are accepted.
func (h *StreamHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return originURL.Host == r.Host
}

// ActiveConnections returns the number of open streams
func (h *StreamHandler) ActiveConnections() int64 {
	return h.active.Load()
}

// Stream handles GET /bookings/:id/stream
func (h *StreamHandler) Stream(c *gin.Context) {
	id := c.Param("id")

	if !websocket.IsWebSocketUpgrade(c.Request) {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error: "websocket upgrade required",
			Code:  "UPGRADE_REQUIRED",
		})
		return
	}

	if n := h.active.Add(1); n > int64(h.config.MaxConnections) {
		h.active.Add(-1)
		c.JSON(http.StatusServiceUnavailable, dto.ErrorResponse{
			Error: "too many open streams",
			Code:  "STREAM_CAPACITY",
		})
		return
	}
	defer h.active.Add(-1)

	// Subscribe before the status check so a confirmation landing in between
	// cannot slip past the stream
	ch, err := h.hub.Subscribe(id)
	if err != nil {
		c.JSON(http.StatusConflict, dto.ErrorResponse{
			Error:   "a stream for this booking is already open",
			Code:    "ALREADY_STREAMING",
			Message: err.Error(),
		})
		return
	}
	defer h.hub.Unsubscribe(id)

	record, err := h.orchestrator.Status(c.Request.Context(), id)
	if err != nil {
		if domain.IsNotFoundError(err) {
			c.JSON(http.StatusNotFound, dto.ErrorResponse{
				Error: err.Error(),
				Code:  "NOT_FOUND",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{
			Error: "internal server error",
			Code:  "INTERNAL_ERROR",
		})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		h.log.Warn("websocket upgrade failed",
			zap.String("booking_id", id),
			zap.Error(err))
		return
	}
	defer conn.Close()

	if record.Status.IsTerminal() {
		h.writeEvent(conn, terminalEvent(record))
		return
	}

	h.waitForEvent(c.Request.Context(), conn, ch)
}

// waitForEvent holds the connection open until the terminal event arrives,
// the client goes away, or the wait window closes
func (h *StreamHandler) waitForEvent(ctx context.Context, conn *websocket.Conn, ch <-chan *notify.Event) {
	pongWait := 2 * h.config.PingInterval

	// The client never sends data frames; reading is what surfaces close
	// frames and pong responses
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pingTicker := time.NewTicker(h.config.PingInterval)
	defer pingTicker.Stop()
	waitTimer := time.NewTimer(h.config.WaitTimeout)
	defer waitTimer.Stop()

	for {
		select {
		case event, ok := <-ch:
			if !ok || event == nil {
				// Hub closed without delivering: server shutdown
				h.writeClose(conn, websocket.CloseGoingAway, "server shutting down")
				return
			}
			h.writeEvent(conn, event)
			return
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-waitTimer.C:
			h.writeClose(conn, websocket.CloseNormalClosure, "wait timeout")
			return
		case <-pingTicker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.config.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

// writeEvent sends the terminal event as one JSON frame and closes normally
func (h *StreamHandler) writeEvent(conn *websocket.Conn, event *notify.Event) {
	_ = conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
	if err := conn.WriteJSON(event); err != nil {
		h.log.Warn("failed to write stream event",
			zap.String("request_id", event.RequestID),
			zap.Error(err))
		return
	}
	h.writeClose(conn, websocket.CloseNormalClosure, "booking concluded")
}

func (h *StreamHandler) writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(h.config.WriteTimeout))
}
