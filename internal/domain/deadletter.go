package domain

import "time"

// DeadLetter is a durably stored compensation failure awaiting manual
// intervention. External consumers own retries; RetryCount is carried on the
// wire for them and stays 0 inside the orchestrator.
type DeadLetter struct {
	ID            int64     `json:"id"`
	RequestID     string    `json:"requestId"`
	Leg           Leg       `json:"leg"`
	ReservationID string    `json:"reservationId"`
	ErrorMessage  string    `json:"errorMessage"`
	ErrorStack    string    `json:"errorStack,omitempty"`
	RetryCount    int       `json:"retryCount"`
	Processed     bool      `json:"processed"`
	CreatedAt     time.Time `json:"createdAt"`
}

// NewDeadLetter creates a dead letter from a failed compensation
func NewDeadLetter(requestID string, leg Leg, reservationID, errMessage, errStack string) *DeadLetter {
	return &DeadLetter{
		RequestID:     requestID,
		Leg:           leg,
		ReservationID: reservationID,
		ErrorMessage:  errMessage,
		ErrorStack:    errStack,
		CreatedAt:     time.Now().UTC(),
	}
}

// Event returns the broker payload matching this dead letter
func (d *DeadLetter) Event() *CompensationFailedEvent {
	return &CompensationFailedEvent{
		RequestID:     d.RequestID,
		Leg:           d.Leg,
		ReservationID: d.ReservationID,
		ErrorMessage:  d.ErrorMessage,
		ErrorStack:    d.ErrorStack,
		Timestamp:     d.CreatedAt,
		RetryCount:    d.RetryCount,
	}
}
