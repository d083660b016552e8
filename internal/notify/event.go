package notify

import (
	"time"

	"github.com/daniel-wolfson/travel-saga/internal/domain"
)

// Event is the terminal notification for one booking saga, delivered through
// the push hub and one-shot webhooks.
type Event struct {
	Type      string    `json:"type"`
	RequestID string    `json:"requestId"`
	BookingID string    `json:"bookingId,omitempty"`
	Status    string    `json:"status"`
	Result    *Result   `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Result carries the reservation ids of a confirmed booking
type Result struct {
	FlightReservationID string `json:"flightReservationId"`
	HotelReservationID  string `json:"hotelReservationId"`
	CarReservationID    string `json:"carReservationId"`
}

// Confirmed builds the booking.confirmed event for a confirmed saga
func Confirmed(record *domain.SagaRecord) *Event {
	return &Event{
		Type:      domain.EventBookingConfirmed,
		RequestID: record.RequestID,
		BookingID: record.BookingID,
		Status:    string(record.Status),
		Result: &Result{
			FlightReservationID: record.FlightReservationID,
			HotelReservationID:  record.HotelReservationID,
			CarReservationID:    record.CarReservationID,
		},
		Timestamp: time.Now().UTC(),
	}
}

// Failed builds the booking.failed event for a saga that will not confirm
func Failed(requestID string, status domain.Status, errorMessage string) *Event {
	return &Event{
		Type:      domain.EventBookingFailed,
		RequestID: requestID,
		Status:    string(status),
		Error:     errorMessage,
		Timestamp: time.Now().UTC(),
	}
}
