package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/daniel-wolfson/travel-saga/internal/domain"
)

func confirmedEvent() *Event {
	return Confirmed(&domain.SagaRecord{
		RequestID:           "req-1",
		BookingID:           "TRV-1700000000000-ABC123XYZ",
		Status:              domain.StatusConfirmed,
		FlightReservationID: "FL-1",
		HotelReservationID:  "HT-1",
		CarReservationID:    "CR-1",
	})
}

func TestHubSubscribe(t *testing.T) {
	t.Run("delivers event to request id subscriber", func(t *testing.T) {
		hub := NewHub(nil, time.Second)
		defer hub.Close()

		ch, err := hub.Subscribe("req-1")
		if err != nil {
			t.Fatalf("expected nil error, got %v", err)
		}

		hub.Publish(context.Background(), confirmedEvent())

		select {
		case event, ok := <-ch:
			if !ok {
				t.Fatal("channel closed before delivering event")
			}
			if event.Type != domain.EventBookingConfirmed {
				t.Errorf("expected %s, got %s", domain.EventBookingConfirmed, event.Type)
			}
			if event.Result == nil || event.Result.FlightReservationID != "FL-1" {
				t.Errorf("expected flight reservation FL-1 in result, got %+v", event.Result)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}

		// Channel closes after the one-shot delivery
		select {
		case _, ok := <-ch:
			if ok {
				t.Error("expected closed channel after delivery")
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for channel close")
		}
	})

	t.Run("delivers to booking id subscriber", func(t *testing.T) {
		hub := NewHub(nil, time.Second)
		defer hub.Close()

		event := confirmedEvent()
		ch, err := hub.Subscribe(event.BookingID)
		if err != nil {
			t.Fatalf("expected nil error, got %v", err)
		}

		hub.Publish(context.Background(), event)

		select {
		case got, ok := <-ch:
			if !ok {
				t.Fatal("channel closed before delivering event")
			}
			if got.BookingID != event.BookingID {
				t.Errorf("expected booking id %s, got %s", event.BookingID, got.BookingID)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	})

	t.Run("rejects duplicate subscription", func(t *testing.T) {
		hub := NewHub(nil, time.Second)
		defer hub.Close()

		if _, err := hub.Subscribe("req-1"); err != nil {
			t.Fatalf("expected nil error, got %v", err)
		}
		if _, err := hub.Subscribe("req-1"); err == nil {
			t.Error("expected error on duplicate subscription")
		}
	})

	t.Run("late subscriber gets nothing", func(t *testing.T) {
		hub := NewHub(nil, time.Second)
		defer hub.Close()

		hub.Publish(context.Background(), confirmedEvent())

		ch, err := hub.Subscribe("req-1")
		if err != nil {
			t.Fatalf("expected nil error, got %v", err)
		}

		select {
		case event := <-ch:
			t.Errorf("expected no delivery for late subscriber, got %+v", event)
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("unsubscribe closes channel", func(t *testing.T) {
		hub := NewHub(nil, time.Second)
		defer hub.Close()

		ch, err := hub.Subscribe("req-1")
		if err != nil {
			t.Fatalf("expected nil error, got %v", err)
		}
		hub.Unsubscribe("req-1")

		select {
		case _, ok := <-ch:
			if ok {
				t.Error("expected closed channel after unsubscribe")
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for channel close")
		}

		if hub.SubscriberCount() != 0 {
			t.Errorf("expected 0 subscribers, got %d", hub.SubscriberCount())
		}
	})
}

func TestHubWebhook(t *testing.T) {
	t.Run("fires registered webhook once with headers", func(t *testing.T) {
		var mu sync.Mutex
		var calls int
		var gotEvent Event
		var gotBookingID, gotEventType string

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			gotBookingID = r.Header.Get("X-Booking-Id")
			gotEventType = r.Header.Get("X-Event-Type")
			json.NewDecoder(r.Body).Decode(&gotEvent)
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		hub := NewHub(nil, time.Second)
		if err := hub.RegisterCallback("req-1", srv.URL); err != nil {
			t.Fatalf("expected nil error, got %v", err)
		}

		event := confirmedEvent()
		hub.Publish(context.Background(), event)
		hub.Publish(context.Background(), event)
		hub.Close()

		mu.Lock()
		defer mu.Unlock()
		if calls != 1 {
			t.Fatalf("expected exactly 1 webhook delivery, got %d", calls)
		}
		if gotBookingID != event.BookingID {
			t.Errorf("expected X-Booking-Id %s, got %s", event.BookingID, gotBookingID)
		}
		if gotEventType != domain.EventBookingConfirmed {
			t.Errorf("expected X-Event-Type %s, got %s", domain.EventBookingConfirmed, gotEventType)
		}
		if gotEvent.RequestID != "req-1" {
			t.Errorf("expected payload requestId req-1, got %s", gotEvent.RequestID)
		}
	})

	t.Run("webhook failure is swallowed", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		hub := NewHub(nil, time.Second)
		if err := hub.RegisterCallback("req-1", srv.URL); err != nil {
			t.Fatalf("expected nil error, got %v", err)
		}

		hub.Publish(context.Background(), Failed("req-1", domain.StatusFailed, "brokers unavailable"))
		hub.Close()
	})

	t.Run("registration requires key and url", func(t *testing.T) {
		hub := NewHub(nil, time.Second)
		defer hub.Close()

		if err := hub.RegisterCallback("", "http://example.com"); err == nil {
			t.Error("expected error for empty key")
		}
		if err := hub.RegisterCallback("req-1", ""); err == nil {
			t.Error("expected error for empty url")
		}
	})
}

func TestHubClose(t *testing.T) {
	hub := NewHub(nil, time.Second)

	ch, err := hub.Subscribe("req-1")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	hub.Close()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel after hub close")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}

	if _, err := hub.Subscribe("req-2"); err == nil {
		t.Error("expected error subscribing to closed hub")
	}

	// Publish after close is a no-op
	hub.Publish(context.Background(), confirmedEvent())
}
