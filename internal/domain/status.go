package domain

// Status represents the lifecycle state of a booking saga. The string values
// are the stable wire form; they appear uppercase in the API, the broker
// payloads and the database.
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusConfirmed    Status = "CONFIRMED"
	StatusCompensating Status = "COMPENSATING"
	StatusCompensated  Status = "COMPENSATED"
	StatusFailed       Status = "FAILED"
)

// validTransitions defines allowed status transitions.
// Key is current status, value is list of allowed next statuses.
var validTransitions = map[Status][]Status{
	StatusPending:      {StatusConfirmed, StatusCompensating, StatusFailed},
	StatusCompensating: {StatusCompensated, StatusFailed},
	StatusConfirmed:    {}, // Terminal state
	StatusCompensated:  {}, // Terminal state
	StatusFailed:       {}, // Terminal state
}

// IsTerminal returns true if the status is a terminal status
func (s Status) IsTerminal() bool {
	return s == StatusConfirmed || s == StatusCompensated || s == StatusFailed
}

// IsValid returns true if the status is a known saga status
func (s Status) IsValid() bool {
	_, exists := validTransitions[s]
	return exists
}

// CanTransitionTo returns true if transition to the target status is allowed
func (s Status) CanTransitionTo(target Status) bool {
	allowed, exists := validTransitions[s]
	if !exists {
		return false
	}
	for _, next := range allowed {
		if next == target {
			return true
		}
	}
	return false
}

// String returns the string representation of the status
func (s Status) String() string {
	return string(s)
}
