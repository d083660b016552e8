package dto

import (
	"time"

	"github.com/daniel-wolfson/travel-saga/internal/domain"
)

// CreateBookingRequest represents an inbound multi-leg booking request
type CreateBookingRequest struct {
	RequestID   string               `json:"requestId,omitempty"`
	UserID      string               `json:"userId" binding:"required"`
	TotalAmount float64              `json:"totalAmount" binding:"required"`
	Flight      domain.FlightDetails `json:"flight" binding:"required"`
	Hotel       domain.HotelDetails  `json:"hotel" binding:"required"`
	Car         domain.CarDetails    `json:"car" binding:"required"`
}

// ToDomain converts the request to a domain booking request
func (r *CreateBookingRequest) ToDomain() *domain.BookingRequest {
	return &domain.BookingRequest{
		RequestID:   r.RequestID,
		UserID:      r.UserID,
		TotalAmount: r.TotalAmount,
		Flight:      r.Flight,
		Hotel:       r.Hotel,
		Car:         r.Car,
	}
}

// BookingResponse represents the admission outcome of a booking request
type BookingResponse struct {
	RequestID    string    `json:"requestId"`
	BookingID    string    `json:"bookingId,omitempty"`
	Status       string    `json:"status"`
	Message      string    `json:"message,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// SagaResponse represents a full saga record in API responses
type SagaResponse struct {
	RequestID           string    `json:"requestId"`
	BookingID           string    `json:"bookingId,omitempty"`
	UserID              string    `json:"userId"`
	TotalAmount         float64   `json:"totalAmount"`
	Status              string    `json:"status"`
	FlightReservationID string    `json:"flightReservationId,omitempty"`
	HotelReservationID  string    `json:"hotelReservationId,omitempty"`
	CarReservationID    string    `json:"carReservationId,omitempty"`
	CompletedSteps      []string  `json:"completedSteps"`
	ErrorMessage        string    `json:"errorMessage,omitempty"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// StatusResponse represents the slim status view of a booking
type StatusResponse struct {
	RequestID      string    `json:"requestId"`
	BookingID      string    `json:"bookingId,omitempty"`
	Status         string    `json:"status"`
	CompletedSteps []string  `json:"completedSteps"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// RegisterCallbackRequest registers a one-shot webhook for a booking
type RegisterCallbackRequest struct {
	URL string `json:"url" binding:"required,url"`
}

// RegisterCallbackResponse acknowledges a webhook registration
type RegisterCallbackResponse struct {
	RequestID string `json:"requestId"`
	URL       string `json:"url"`
	Message   string `json:"message"`
}

// UserStatsResponse represents a user's booking counts grouped by status
type UserStatsResponse struct {
	UserID string           `json:"userId"`
	Total  int64            `json:"total"`
	Counts map[string]int64 `json:"counts"`
}

// FromSaga converts a domain saga record to a SagaResponse
func FromSaga(rec *domain.SagaRecord) *SagaResponse {
	return &SagaResponse{
		RequestID:           rec.RequestID,
		BookingID:           rec.BookingID,
		UserID:              rec.UserID,
		TotalAmount:         rec.TotalAmount,
		Status:              string(rec.Status),
		FlightReservationID: rec.FlightReservationID,
		HotelReservationID:  rec.HotelReservationID,
		CarReservationID:    rec.CarReservationID,
		CompletedSteps:      rec.CompletedSteps,
		ErrorMessage:        rec.ErrorMessage,
		CreatedAt:           rec.CreatedAt,
		UpdatedAt:           rec.UpdatedAt,
	}
}

// StatusFromSaga converts a domain saga record to the slim status view
func StatusFromSaga(rec *domain.SagaRecord) *StatusResponse {
	return &StatusResponse{
		RequestID:      rec.RequestID,
		BookingID:      rec.BookingID,
		Status:         string(rec.Status),
		CompletedSteps: rec.CompletedSteps,
		UpdatedAt:      rec.UpdatedAt,
	}
}

// FromStats converts domain user stats to a UserStatsResponse
func FromStats(stats *domain.UserStats) *UserStatsResponse {
	counts := make(map[string]int64, len(stats.Counts))
	for status, n := range stats.Counts {
		counts[string(status)] = n
	}
	return &UserStatsResponse{
		UserID: stats.UserID,
		Total:  stats.Total,
		Counts: counts,
	}
}
