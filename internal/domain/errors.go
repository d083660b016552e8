package domain

import "errors"

// Saga errors
var (
	ErrSagaNotFound            = errors.New("saga not found")
	ErrSagaAlreadyExists       = errors.New("saga already exists")
	ErrSagaNotPending          = errors.New("saga is not in pending status")
	ErrBookingIDTaken          = errors.New("booking id already assigned")
	ErrInvalidStatusTransition = errors.New("invalid saga status transition")
	ErrIncompleteReservations  = errors.New("not all reservation ids are present")
)

// Validation errors
var (
	ErrInvalidUserID        = errors.New("user id is required")
	ErrInvalidAmount        = errors.New("total amount must be greater than zero")
	ErrMissingFlightDetails = errors.New("flight origin and destination are required")
	ErrMissingHotelDetails  = errors.New("hotel id is required")
	ErrMissingCarDetails    = errors.New("car pickup and dropoff locations are required")
	ErrInvalidDate          = errors.New("invalid date format")
)

// Admission errors
var (
	ErrDuplicateRequest  = errors.New("request already processed")
	ErrRequestInFlight   = errors.New("request is already being processed")
	ErrLockNotAcquired   = errors.New("could not acquire request lock")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
)

// Dead letter errors
var (
	ErrDeadLetterNotFound = errors.New("dead letter not found")
)

// IsNotFoundError checks if the error is a not-found error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrSagaNotFound) || errors.Is(err, ErrDeadLetterNotFound)
}

// IsValidationError checks if the error is a validation error
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidUserID) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrMissingFlightDetails) ||
		errors.Is(err, ErrMissingHotelDetails) ||
		errors.Is(err, ErrMissingCarDetails) ||
		errors.Is(err, ErrInvalidDate)
}

// IsConflictError checks if the error is a conflict error
func IsConflictError(err error) bool {
	return errors.Is(err, ErrSagaAlreadyExists) ||
		errors.Is(err, ErrDuplicateRequest) ||
		errors.Is(err, ErrRequestInFlight) ||
		errors.Is(err, ErrBookingIDTaken) ||
		errors.Is(err, ErrSagaNotPending)
}

// IsAdmissionError checks if the error should be reported as request rejection
// rather than a server fault
func IsAdmissionError(err error) bool {
	return errors.Is(err, ErrLockNotAcquired) ||
		errors.Is(err, ErrRateLimitExceeded) ||
		IsConflictError(err)
}
