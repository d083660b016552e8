package dto

import (
	"time"

	"github.com/daniel-wolfson/travel-saga/internal/domain"
)

// StuckSagaResponse describes one pending saga past the stuck threshold
type StuckSagaResponse struct {
	RequestID   string    `json:"requestId"`
	AdmittedAt  time.Time `json:"admittedAt"`
	Status      string    `json:"status"`
	MissingLegs []string  `json:"missingLegs"`
}

// StuckSagasResponse lists pending sagas older than the threshold
type StuckSagasResponse struct {
	Count int                  `json:"count"`
	Sagas []*StuckSagaResponse `json:"sagas"`
}

// CoordinationDiagnostics mirrors the coordination store entries for one saga
type CoordinationDiagnostics struct {
	Steps         map[string]string `json:"steps"`
	Metadata      map[string]string `json:"metadata"`
	ActivePresent bool              `json:"activePresent"`
	LockHeld      bool              `json:"lockHeld"`
	PendingSince  *time.Time        `json:"pendingSince,omitempty"`
}

// SagaDiagnosticsResponse combines the durable record with coordination state
type SagaDiagnosticsResponse struct {
	Saga         *SagaResponse            `json:"saga"`
	Coordination *CoordinationDiagnostics `json:"coordination"`
}

// RetrySagaResponse reports a targeted recovery attempt
type RetrySagaResponse struct {
	RequestID       string   `json:"requestId"`
	RepublishedLegs []string `json:"republishedLegs"`
	Message         string   `json:"message"`
}

// ForceFailRequest forces a saga into FAILED with an operator reason
type ForceFailRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// DeadLetterResponse represents a stored compensation failure
type DeadLetterResponse struct {
	ID            int64     `json:"id"`
	RequestID     string    `json:"requestId"`
	Leg           string    `json:"leg"`
	ReservationID string    `json:"reservationId"`
	ErrorMessage  string    `json:"errorMessage"`
	ErrorStack    string    `json:"errorStack,omitempty"`
	RetryCount    int       `json:"retryCount"`
	Processed     bool      `json:"processed"`
	CreatedAt     time.Time `json:"createdAt"`
}

// DeadLettersResponse lists stored compensation failures
type DeadLettersResponse struct {
	Count       int                   `json:"count"`
	DeadLetters []*DeadLetterResponse `json:"deadLetters"`
}

// FromDeadLetter converts a domain dead letter to a DeadLetterResponse
func FromDeadLetter(d *domain.DeadLetter) *DeadLetterResponse {
	return &DeadLetterResponse{
		ID:            d.ID,
		RequestID:     d.RequestID,
		Leg:           string(d.Leg),
		ReservationID: d.ReservationID,
		ErrorMessage:  d.ErrorMessage,
		ErrorStack:    d.ErrorStack,
		RetryCount:    d.RetryCount,
		Processed:     d.Processed,
		CreatedAt:     d.CreatedAt,
	}
}

// FromDeadLetters converts a slice of domain dead letters
func FromDeadLetters(letters []*domain.DeadLetter) *DeadLettersResponse {
	out := make([]*DeadLetterResponse, 0, len(letters))
	for _, d := range letters {
		out = append(out, FromDeadLetter(d))
	}
	return &DeadLettersResponse{Count: len(out), DeadLetters: out}
}

