package domain

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Leg identifies one reservation leg of a travel booking
type Leg string

const (
	LegFlight Leg = "flight"
	LegHotel  Leg = "hotel"
	LegCar    Leg = "car"
)

// Step markers recorded in a saga's completedSteps list
const (
	StepAggregated = "aggregated"
)

// RequestedMarker returns the completedSteps marker for a published
// reservation request
func (l Leg) RequestedMarker() string {
	return string(l) + "_requested"
}

// ConfirmedMarker returns the completedSteps marker for a received
// reservation confirmation
func (l Leg) ConfirmedMarker() string {
	return string(l) + "_confirmed"
}

// IsValid returns true if the leg is one of flight, hotel or car
func (l Leg) IsValid() bool {
	switch l {
	case LegFlight, LegHotel, LegCar:
		return true
	}
	return false
}

// String returns the string representation of the leg
func (l Leg) String() string {
	return string(l)
}

// AmountShare returns the fraction of the booking total carried by this leg:
// 40% flight, 35% hotel, 25% car.
func (l Leg) AmountShare() float64 {
	switch l {
	case LegFlight:
		return 0.40
	case LegHotel:
		return 0.35
	case LegCar:
		return 0.25
	}
	return 0
}

// AllLegs returns the three legs in canonical order
func AllLegs() []Leg {
	return []Leg{LegFlight, LegHotel, LegCar}
}

// PublishOrder returns the legs in the order reservation requests are
// published during admission
func PublishOrder() []Leg {
	return []Leg{LegHotel, LegFlight, LegCar}
}

// CompensationOrder returns the legs in strict reverse reservation order
// for compensation
func CompensationOrder() []Leg {
	return []Leg{LegCar, LegHotel, LegFlight}
}

var bookingIDPattern = regexp.MustCompile(`^TRV-\d+-[A-Z0-9]{9}$`)

// NewBookingID generates a customer-facing booking identifier of the form
// TRV-<unix-millis>-<9 uppercase alphanumerics>.
func NewBookingID() string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:9]
	return fmt.Sprintf("TRV-%d-%s", time.Now().UnixMilli(), suffix)
}

// IsValidBookingID reports whether s matches the booking identifier format
func IsValidBookingID(s string) bool {
	return bookingIDPattern.MatchString(s)
}

// SagaRecord is the durable record of one booking saga, keyed by requestId.
// BookingID stays empty until the saga reaches CONFIRMED.
type SagaRecord struct {
	RequestID           string          `json:"requestId"`
	BookingID           string          `json:"bookingId,omitempty"`
	UserID              string          `json:"userId"`
	TotalAmount         float64         `json:"totalAmount"`
	OriginalRequest     json.RawMessage `json:"originalRequest,omitempty"`
	Status              Status          `json:"status"`
	FlightReservationID string          `json:"flightReservationId,omitempty"`
	HotelReservationID  string          `json:"hotelReservationId,omitempty"`
	CarReservationID    string          `json:"carReservationId,omitempty"`
	CompletedSteps      []string        `json:"completedSteps"`
	ErrorMessage        string          `json:"errorMessage,omitempty"`
	ErrorStack          string          `json:"errorStack,omitempty"`
	CreatedAt           time.Time       `json:"createdAt"`
	UpdatedAt           time.Time       `json:"updatedAt"`
}

// NewSagaRecord creates a PENDING saga record for an admitted request
func NewSagaRecord(requestID, userID string, totalAmount float64, originalRequest json.RawMessage) *SagaRecord {
	now := time.Now().UTC()
	return &SagaRecord{
		RequestID:       requestID,
		UserID:          userID,
		TotalAmount:     totalAmount,
		OriginalRequest: originalRequest,
		Status:          StatusPending,
		CompletedSteps:  []string{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// HasStep reports whether the marker is already present in completedSteps
func (r *SagaRecord) HasStep(marker string) bool {
	for _, s := range r.CompletedSteps {
		if s == marker {
			return true
		}
	}
	return false
}

// AddStep appends a marker to completedSteps if absent. Returns true when the
// marker was added, false when it was already present.
func (r *SagaRecord) AddStep(marker string) bool {
	if r.HasStep(marker) {
		return false
	}
	r.CompletedSteps = append(r.CompletedSteps, marker)
	return true
}

// AllLegsConfirmed reports whether all three legs have recorded a
// confirmation marker
func (r *SagaRecord) AllLegsConfirmed() bool {
	for _, leg := range AllLegs() {
		if !r.HasStep(leg.ConfirmedMarker()) {
			return false
		}
	}
	return true
}

// AllReservationIDsPresent reports whether all three reservation id columns
// are populated
func (r *SagaRecord) AllReservationIDsPresent() bool {
	return r.FlightReservationID != "" && r.HotelReservationID != "" && r.CarReservationID != ""
}

// ReservationIDForLeg returns the reservation id recorded for the given leg
func (r *SagaRecord) ReservationIDForLeg(leg Leg) string {
	switch leg {
	case LegFlight:
		return r.FlightReservationID
	case LegHotel:
		return r.HotelReservationID
	case LegCar:
		return r.CarReservationID
	}
	return ""
}

// SetReservationIDForLeg records the reservation id for the given leg
func (r *SagaRecord) SetReservationIDForLeg(leg Leg, reservationID string) {
	switch leg {
	case LegFlight:
		r.FlightReservationID = reservationID
	case LegHotel:
		r.HotelReservationID = reservationID
	case LegCar:
		r.CarReservationID = reservationID
	}
}

// MissingRequestedLegs returns the legs whose reservation request was never
// published, in admission publish order. Used by stuck-saga recovery.
func (r *SagaRecord) MissingRequestedLegs() []Leg {
	var missing []Leg
	for _, leg := range PublishOrder() {
		if !r.HasStep(leg.RequestedMarker()) {
			missing = append(missing, leg)
		}
	}
	return missing
}

// Clone returns a deep copy of the record
func (r *SagaRecord) Clone() *SagaRecord {
	clone := *r
	clone.CompletedSteps = append([]string(nil), r.CompletedSteps...)
	clone.OriginalRequest = append(json.RawMessage(nil), r.OriginalRequest...)
	return &clone
}

// UserStats aggregates a user's sagas by status
type UserStats struct {
	UserID string           `json:"userId"`
	Total  int64            `json:"total"`
	Counts map[Status]int64 `json:"counts"`
}
