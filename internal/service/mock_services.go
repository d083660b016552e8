package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/daniel-wolfson/travel-saga/internal/domain"

	"github.com/google/uuid"
)

func mockReservationID(leg domain.Leg) string {
	return fmt.Sprintf("mock-%s-%s", leg, uuid.New().String()[:8])
}

// MockFlightService is an in-memory FlightService for tests and local mode
type MockFlightService struct {
	mu sync.Mutex

	ShouldFail       bool
	FailureError     error
	CancelShouldFail bool
	CancelError      error

	Reservations []*domain.FlightRequestedEvent
	Cancelled    []string
}

// NewMockFlightService creates a new mock flight service
func NewMockFlightService() *MockFlightService {
	return &MockFlightService{}
}

func (m *MockFlightService) Reserve(ctx context.Context, req *domain.FlightRequestedEvent) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ShouldFail {
		if m.FailureError != nil {
			return "", m.FailureError
		}
		return "", fmt.Errorf("mock flight reservation failure")
	}
	m.Reservations = append(m.Reservations, req)
	return mockReservationID(domain.LegFlight), nil
}

func (m *MockFlightService) Cancel(ctx context.Context, reservationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CancelShouldFail {
		if m.CancelError != nil {
			return m.CancelError
		}
		return fmt.Errorf("mock flight cancellation failure")
	}
	m.Cancelled = append(m.Cancelled, reservationID)
	return nil
}

// CancelledIDs returns a copy of the cancelled reservation ids
func (m *MockFlightService) CancelledIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Cancelled...)
}

// MockHotelService is an in-memory HotelService for tests and local mode
type MockHotelService struct {
	mu sync.Mutex

	ShouldFail       bool
	FailureError     error
	CancelShouldFail bool
	CancelError      error

	Reservations []*domain.HotelRequestedEvent
	Cancelled    []string
}

// NewMockHotelService creates a new mock hotel service
func NewMockHotelService() *MockHotelService {
	return &MockHotelService{}
}

func (m *MockHotelService) Reserve(ctx context.Context, req *domain.HotelRequestedEvent) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ShouldFail {
		if m.FailureError != nil {
			return "", m.FailureError
		}
		return "", fmt.Errorf("mock hotel reservation failure")
	}
	m.Reservations = append(m.Reservations, req)
	return mockReservationID(domain.LegHotel), nil
}

func (m *MockHotelService) Cancel(ctx context.Context, reservationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CancelShouldFail {
		if m.CancelError != nil {
			return m.CancelError
		}
		return fmt.Errorf("mock hotel cancellation failure")
	}
	m.Cancelled = append(m.Cancelled, reservationID)
	return nil
}

// CancelledIDs returns a copy of the cancelled reservation ids
func (m *MockHotelService) CancelledIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Cancelled...)
}

// MockCarService is an in-memory CarService for tests and local mode
type MockCarService struct {
	mu sync.Mutex

	ShouldFail       bool
	FailureError     error
	CancelShouldFail bool
	CancelError      error

	Reservations []*domain.CarRequestedEvent
	Cancelled    []string
}

// NewMockCarService creates a new mock car service
func NewMockCarService() *MockCarService {
	return &MockCarService{}
}

func (m *MockCarService) Reserve(ctx context.Context, req *domain.CarRequestedEvent) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ShouldFail {
		if m.FailureError != nil {
			return "", m.FailureError
		}
		return "", fmt.Errorf("mock car reservation failure")
	}
	m.Reservations = append(m.Reservations, req)
	return mockReservationID(domain.LegCar), nil
}

func (m *MockCarService) Cancel(ctx context.Context, reservationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CancelShouldFail {
		if m.CancelError != nil {
			return m.CancelError
		}
		return fmt.Errorf("mock car cancellation failure")
	}
	m.Cancelled = append(m.Cancelled, reservationID)
	return nil
}

// CancelledIDs returns a copy of the cancelled reservation ids
func (m *MockCarService) CancelledIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Cancelled...)
}

// NewMockServices bundles fresh mocks for all three legs
func NewMockServices() *Services {
	return &Services{
		Flight: NewMockFlightService(),
		Hotel:  NewMockHotelService(),
		Car:    NewMockCarService(),
	}
}

// Compile-time interface checks
var (
	_ FlightService = (*MockFlightService)(nil)
	_ HotelService  = (*MockHotelService)(nil)
	_ CarService    = (*MockCarService)(nil)
)
