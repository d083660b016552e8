package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/daniel-wolfson/travel-saga/pkg/logger"

	"go.uber.org/zap"
)

const (
	headerBookingID = "X-Booking-Id"
	headerEventType = "X-Event-Type"

	defaultWebhookTimeout = 5 * time.Second
)

// Hub fans terminal booking events out to in-process subscribers and fires
// registered one-shot webhooks. Each key gets at most one event: the first
// matching Publish delivers and closes the channel, late subscribers get
// nothing.
type Hub struct {
	mu        sync.RWMutex
	channels  map[string]chan *Event
	callbacks map[string]string
	closed    bool

	httpClient     *http.Client
	webhookTimeout time.Duration
	log            *logger.Logger
	wg             sync.WaitGroup
}

// NewHub creates a notification hub
func NewHub(log *logger.Logger, webhookTimeout time.Duration) *Hub {
	if log == nil {
		log = logger.Get()
	}
	if webhookTimeout <= 0 {
		webhookTimeout = defaultWebhookTimeout
	}
	return &Hub{
		channels:  make(map[string]chan *Event),
		callbacks: make(map[string]string),
		httpClient: &http.Client{
			Timeout: webhookTimeout,
		},
		webhookTimeout: webhookTimeout,
		log:            log,
	}
}

// Subscribe registers a waiter for the key (requestId, or bookingId once
// assigned). Only one subscriber per key.
func (h *Hub) Subscribe(key string) (<-chan *Event, error) {
	if key == "" {
		return nil, fmt.Errorf("subscription key cannot be empty")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, fmt.Errorf("notification hub is closed")
	}
	if _, exists := h.channels[key]; exists {
		return nil, fmt.Errorf("key %s already subscribed", key)
	}

	ch := make(chan *Event, 1)
	h.channels[key] = ch
	return ch, nil
}

// Unsubscribe removes the subscription and closes its channel
func (h *Hub) Unsubscribe(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.channels[key]
	if !ok {
		return
	}
	close(ch)
	delete(h.channels, key)
}

// RegisterCallback stores a one-shot webhook URL for the key. A second
// registration for the same key replaces the first.
func (h *Hub) RegisterCallback(key, url string) error {
	if key == "" || url == "" {
		return fmt.Errorf("callback key and url are required")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return fmt.Errorf("notification hub is closed")
	}
	h.callbacks[key] = url
	return nil
}

// Publish delivers the terminal event. Subscribers keyed by requestId always
// receive it; when the event carries a bookingId that key is served too.
// Matching webhook registrations fire exactly once and are dropped whether
// the delivery succeeds or not.
func (h *Hub) Publish(ctx context.Context, event *Event) {
	if event == nil {
		return
	}

	keys := []string{event.RequestID}
	if event.BookingID != "" && event.BookingID != event.RequestID {
		keys = append(keys, event.BookingID)
	}

	var webhooks []string

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	for _, key := range keys {
		if ch, ok := h.channels[key]; ok {
			select {
			case ch <- event:
			default:
			}
			close(ch)
			delete(h.channels, key)
		}
		if url, ok := h.callbacks[key]; ok {
			webhooks = append(webhooks, url)
			delete(h.callbacks, key)
		}
	}
	h.mu.Unlock()

	for _, url := range webhooks {
		h.wg.Add(1)
		go func(url string) {
			defer h.wg.Done()
			h.deliverWebhook(url, event)
		}(url)
	}
}

// deliverWebhook POSTs the event to the registered URL. One attempt only,
// failures are logged and swallowed.
func (h *Hub) deliverWebhook(url string, event *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), h.webhookTimeout)
	defer cancel()

	body, err := json.Marshal(event)
	if err != nil {
		h.log.Error("failed to encode webhook payload",
			zap.String("request_id", event.RequestID),
			zap.Error(err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		h.log.Error("failed to create webhook request",
			zap.String("request_id", event.RequestID),
			zap.String("url", url),
			zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerEventType, event.Type)
	if event.BookingID != "" {
		req.Header.Set(headerBookingID, event.BookingID)
	} else {
		req.Header.Set(headerBookingID, event.RequestID)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		h.log.Warn("webhook delivery failed",
			zap.String("request_id", event.RequestID),
			zap.String("url", url),
			zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		h.log.Warn("webhook delivery rejected",
			zap.String("request_id", event.RequestID),
			zap.String("url", url),
			zap.Int("status", resp.StatusCode))
		return
	}

	h.log.Debug("webhook delivered",
		zap.String("request_id", event.RequestID),
		zap.String("url", url))
}

// SubscriberCount returns the number of active subscriptions
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels)
}

// Close shuts the hub down: all subscriber channels close, pending webhook
// deliveries finish, further publishes are dropped.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for key, ch := range h.channels {
		close(ch)
		delete(h.channels, key)
	}
	h.callbacks = make(map[string]string)
	h.mu.Unlock()

	h.wg.Wait()
}
