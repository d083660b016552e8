package domain

import (
	"fmt"
	"time"
)

// Broker topics. Requested topics are produced by the orchestrator, confirmed
// topics are produced by the booking partners and consumed here.
const (
	TopicFlightRequested = "reservation.flight.requested"
	TopicHotelRequested  = "reservation.hotel.requested"
	TopicCarRequested    = "reservation.car.requested"

	TopicFlightConfirmed = "reservation.flight.confirmed"
	TopicHotelConfirmed  = "reservation.hotel.confirmed"
	TopicCarConfirmed    = "reservation.car.confirmed"

	TopicCompensationFailed = "compensation.failed"
)

// Notification event types delivered through the hub and webhook
const (
	EventBookingConfirmed = "booking.confirmed"
	EventBookingFailed    = "booking.failed"
)

// RequestedTopic returns the outbound reservation topic for a leg
func RequestedTopic(leg Leg) string {
	return fmt.Sprintf("reservation.%s.requested", leg)
}

// ConfirmedTopic returns the inbound confirmation topic for a leg
func ConfirmedTopic(leg Leg) string {
	return fmt.Sprintf("reservation.%s.confirmed", leg)
}

// ConfirmedTopics returns all confirmation topics the orchestrator subscribes to
func ConfirmedTopics() []string {
	return []string{TopicFlightConfirmed, TopicHotelConfirmed, TopicCarConfirmed}
}

// LegFromConfirmedTopic resolves the leg from an inbound confirmation topic
func LegFromConfirmedTopic(topic string) (Leg, bool) {
	switch topic {
	case TopicFlightConfirmed:
		return LegFlight, true
	case TopicHotelConfirmed:
		return LegHotel, true
	case TopicCarConfirmed:
		return LegCar, true
	}
	return "", false
}

// FlightRequestedEvent asks the flight partner for a reservation
type FlightRequestedEvent struct {
	RequestID     string  `json:"requestId"`
	UserID        string  `json:"userId"`
	Origin        string  `json:"origin"`
	Destination   string  `json:"destination"`
	DepartureDate string  `json:"departureDate"`
	ReturnDate    string  `json:"returnDate"`
	Amount        float64 `json:"amount"`
}

// HotelRequestedEvent asks the hotel partner for a reservation
type HotelRequestedEvent struct {
	RequestID    string  `json:"requestId"`
	UserID       string  `json:"userId"`
	HotelID      string  `json:"hotelId"`
	CheckInDate  string  `json:"checkInDate"`
	CheckOutDate string  `json:"checkOutDate"`
	Amount       float64 `json:"amount"`
}

// CarRequestedEvent asks the car rental partner for a reservation
type CarRequestedEvent struct {
	RequestID       string  `json:"requestId"`
	UserID          string  `json:"userId"`
	PickupLocation  string  `json:"pickupLocation"`
	DropoffLocation string  `json:"dropoffLocation"`
	PickupDate      string  `json:"pickupDate"`
	DropoffDate     string  `json:"dropoffDate"`
	Amount          float64 `json:"amount"`
}

// ReservationConfirmedEvent is a partner's confirmation for one leg
type ReservationConfirmedEvent struct {
	RequestID     string    `json:"requestId"`
	UserID        string    `json:"userId"`
	ReservationID string    `json:"reservationId"`
	Amount        float64   `json:"amount"`
	Timestamp     time.Time `json:"timestamp"`
}

// Validate validates the confirmation payload
func (e *ReservationConfirmedEvent) Validate() error {
	if e.RequestID == "" {
		return ErrSagaNotFound
	}
	if e.ReservationID == "" {
		return ErrIncompleteReservations
	}
	return nil
}

// CompensationFailedEvent reports a compensation that could not be completed
// and needs manual intervention
type CompensationFailedEvent struct {
	RequestID     string    `json:"requestId"`
	Leg           Leg       `json:"leg"`
	ReservationID string    `json:"reservationId"`
	ErrorMessage  string    `json:"errorMessage"`
	ErrorStack    string    `json:"errorStack,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	RetryCount    int       `json:"retryCount"`
}

// RequestedEvent builds the outbound reservation event for one leg of an
// admitted booking request. Amounts follow the fixed per-leg split.
func RequestedEvent(leg Leg, req *BookingRequest) any {
	amount := req.LegAmount(leg)
	switch leg {
	case LegFlight:
		return &FlightRequestedEvent{
			RequestID:     req.RequestID,
			UserID:        req.UserID,
			Origin:        req.Flight.Origin,
			Destination:   req.Flight.Destination,
			DepartureDate: req.Flight.DepartureDate,
			ReturnDate:    req.Flight.ReturnDate,
			Amount:        amount,
		}
	case LegHotel:
		return &HotelRequestedEvent{
			RequestID:    req.RequestID,
			UserID:       req.UserID,
			HotelID:      req.Hotel.HotelID,
			CheckInDate:  req.Hotel.CheckInDate,
			CheckOutDate: req.Hotel.CheckOutDate,
			Amount:       amount,
		}
	case LegCar:
		return &CarRequestedEvent{
			RequestID:       req.RequestID,
			UserID:          req.UserID,
			PickupLocation:  req.Car.PickupLocation,
			DropoffLocation: req.Car.DropoffLocation,
			PickupDate:      req.Car.PickupDate,
			DropoffDate:     req.Car.DropoffDate,
			Amount:          amount,
		}
	}
	return nil
}
