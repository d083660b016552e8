package domain

import (
	"math"
	"strings"
	"time"
)

// BookingRequest is an inbound multi-leg travel booking. It is immutable once
// admitted; the admitted snapshot is stored on the saga record.
type BookingRequest struct {
	RequestID   string        `json:"requestId,omitempty"`
	UserID      string        `json:"userId"`
	TotalAmount float64       `json:"totalAmount"`
	Flight      FlightDetails `json:"flight"`
	Hotel       HotelDetails  `json:"hotel"`
	Car         CarDetails    `json:"car"`
}

// FlightDetails holds the flight leg of a booking request
type FlightDetails struct {
	Origin        string `json:"origin"`
	Destination   string `json:"destination"`
	DepartureDate string `json:"departureDate"`
	ReturnDate    string `json:"returnDate"`
}

// HotelDetails holds the hotel leg of a booking request
type HotelDetails struct {
	HotelID      string `json:"hotelId"`
	CheckInDate  string `json:"checkInDate"`
	CheckOutDate string `json:"checkOutDate"`
}

// CarDetails holds the car rental leg of a booking request
type CarDetails struct {
	PickupLocation  string `json:"pickupLocation"`
	DropoffLocation string `json:"dropoffLocation"`
	PickupDate      string `json:"pickupDate"`
	DropoffDate     string `json:"dropoffDate"`
}

// Validate validates all booking request fields
func (b *BookingRequest) Validate() error {
	if strings.TrimSpace(b.UserID) == "" {
		return ErrInvalidUserID
	}
	if b.TotalAmount <= 0 {
		return ErrInvalidAmount
	}
	if err := b.Flight.Validate(); err != nil {
		return err
	}
	if err := b.Hotel.Validate(); err != nil {
		return err
	}
	if err := b.Car.Validate(); err != nil {
		return err
	}
	return nil
}

// Validate validates the flight leg details
func (f *FlightDetails) Validate() error {
	if strings.TrimSpace(f.Origin) == "" || strings.TrimSpace(f.Destination) == "" {
		return ErrMissingFlightDetails
	}
	if !isParseableDate(f.DepartureDate) || !isParseableDate(f.ReturnDate) {
		return ErrInvalidDate
	}
	return nil
}

// Validate validates the hotel leg details
func (h *HotelDetails) Validate() error {
	if strings.TrimSpace(h.HotelID) == "" {
		return ErrMissingHotelDetails
	}
	if !isParseableDate(h.CheckInDate) || !isParseableDate(h.CheckOutDate) {
		return ErrInvalidDate
	}
	return nil
}

// Validate validates the car leg details
func (c *CarDetails) Validate() error {
	if strings.TrimSpace(c.PickupLocation) == "" || strings.TrimSpace(c.DropoffLocation) == "" {
		return ErrMissingCarDetails
	}
	if !isParseableDate(c.PickupDate) || !isParseableDate(c.DropoffDate) {
		return ErrInvalidDate
	}
	return nil
}

// isParseableDate accepts calendar dates (2026-03-14) and RFC3339 timestamps
func isParseableDate(s string) bool {
	if s == "" {
		return false
	}
	if _, err := time.Parse("2006-01-02", s); err == nil {
		return true
	}
	if _, err := time.Parse(time.RFC3339, s); err == nil {
		return true
	}
	return false
}

// LegAmount returns the leg's share of the booking total, rounded to cents
func (b *BookingRequest) LegAmount(leg Leg) float64 {
	return math.Round(b.TotalAmount*leg.AmountShare()*100) / 100
}

// LegStatus represents the reservation state of one leg on the synchronous
// booking path. A compensated leg is CANCELLED, never reset to PENDING.
type LegStatus string

const (
	LegStatusPending   LegStatus = "PENDING"
	LegStatusConfirmed LegStatus = "CONFIRMED"
	LegStatusCancelled LegStatus = "CANCELLED"
)

// LegReservation tracks one leg's reservation on the synchronous path
type LegReservation struct {
	Leg           Leg       `json:"leg"`
	ReservationID string    `json:"reservationId,omitempty"`
	Status        LegStatus `json:"status"`
	Amount        float64   `json:"amount"`
}
