package service

import (
	"context"

	"github.com/daniel-wolfson/travel-saga/internal/domain"
)

// FlightService reserves and cancels flight legs against the flight broker
type FlightService interface {
	// Reserve books the flight leg and returns the broker's reservation id
	Reserve(ctx context.Context, req *domain.FlightRequestedEvent) (string, error)

	// Cancel releases a previously made reservation
	Cancel(ctx context.Context, reservationID string) error
}

// HotelService reserves and cancels hotel legs against the hotel broker
type HotelService interface {
	Reserve(ctx context.Context, req *domain.HotelRequestedEvent) (string, error)
	Cancel(ctx context.Context, reservationID string) error
}

// CarService reserves and cancels car legs against the car broker
type CarService interface {
	Reserve(ctx context.Context, req *domain.CarRequestedEvent) (string, error)
	Cancel(ctx context.Context, reservationID string) error
}

// Canceller is the cancellation surface shared by all three leg services.
// Compensation only needs Cancel, so it works the legs through this.
type Canceller interface {
	Cancel(ctx context.Context, reservationID string) error
}

// Services bundles the three leg services for wiring
type Services struct {
	Flight FlightService
	Hotel  HotelService
	Car    CarService
}

// CancellerFor returns the cancellation surface for the given leg
func (s *Services) CancellerFor(leg domain.Leg) Canceller {
	switch leg {
	case domain.LegFlight:
		return s.Flight
	case domain.LegHotel:
		return s.Hotel
	case domain.LegCar:
		return s.Car
	}
	return nil
}
