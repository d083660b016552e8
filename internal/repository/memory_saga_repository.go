package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/daniel-wolfson/travel-saga/internal/domain"
)

// MemorySagaRepository is an in-memory SagaRepository for tests and local
// development. Semantics match the Postgres implementation, including the
// booking id uniqueness race.
type MemorySagaRepository struct {
	mu          sync.RWMutex
	sagas       map[string]*domain.SagaRecord
	byBookingID map[string]string // bookingID -> requestID
}

// NewMemorySagaRepository creates a new in-memory saga repository
func NewMemorySagaRepository() *MemorySagaRepository {
	return &MemorySagaRepository{
		sagas:       make(map[string]*domain.SagaRecord),
		byBookingID: make(map[string]string),
	}
}

// Create inserts a new saga record
func (s *MemorySagaRepository) Create(ctx context.Context, record *domain.SagaRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sagas[record.RequestID]; exists {
		return domain.ErrSagaAlreadyExists
	}

	s.sagas[record.RequestID] = record.Clone()
	return nil
}

// FindByRequestID retrieves a saga by its request id
func (s *MemorySagaRepository) FindByRequestID(ctx context.Context, requestID string) (*domain.SagaRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, exists := s.sagas[requestID]
	if !exists {
		return nil, domain.ErrSagaNotFound
	}
	return record.Clone(), nil
}

// FindByBookingID retrieves a saga by its booking id
func (s *MemorySagaRepository) FindByBookingID(ctx context.Context, bookingID string) (*domain.SagaRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	requestID, exists := s.byBookingID[bookingID]
	if !exists {
		return nil, domain.ErrSagaNotFound
	}

	record, exists := s.sagas[requestID]
	if !exists {
		return nil, domain.ErrSagaNotFound
	}
	return record.Clone(), nil
}

// UpdateStatus transitions the saga status
func (s *MemorySagaRepository) UpdateStatus(ctx context.Context, requestID string, status domain.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, exists := s.sagas[requestID]
	if !exists {
		return domain.ErrSagaNotFound
	}
	if !record.Status.CanTransitionTo(status) {
		return domain.ErrInvalidStatusTransition
	}

	record.Status = status
	record.UpdatedAt = time.Now().UTC()
	return nil
}

// AddStep appends a marker to completedSteps if absent
func (s *MemorySagaRepository) AddStep(ctx context.Context, requestID, marker string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, exists := s.sagas[requestID]
	if !exists {
		return domain.ErrSagaNotFound
	}

	if record.AddStep(marker) {
		record.UpdatedAt = time.Now().UTC()
	}
	return nil
}

// SetReservationID sets the leg's reservation id and appends the marker
func (s *MemorySagaRepository) SetReservationID(ctx context.Context, leg domain.Leg, requestID, reservationID, marker string) (*domain.SagaRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, exists := s.sagas[requestID]
	if !exists {
		return nil, domain.ErrSagaNotFound
	}

	record.SetReservationIDForLeg(leg, reservationID)
	record.AddStep(marker)
	record.UpdatedAt = time.Now().UTC()
	return record.Clone(), nil
}

// ConfirmWithBookingID assigns the booking id and moves the saga to CONFIRMED
func (s *MemorySagaRepository) ConfirmWithBookingID(ctx context.Context, requestID, bookingID string) (*domain.SagaRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.byBookingID[bookingID]; taken {
		return nil, domain.ErrBookingIDTaken
	}

	record, exists := s.sagas[requestID]
	if !exists {
		return nil, domain.ErrSagaNotPending
	}
	if record.Status != domain.StatusPending {
		return nil, domain.ErrSagaNotPending
	}

	record.BookingID = bookingID
	record.Status = domain.StatusConfirmed
	record.AddStep(domain.StepAggregated)
	record.UpdatedAt = time.Now().UTC()
	s.byBookingID[bookingID] = requestID
	return record.Clone(), nil
}

// SetError records error metadata on the saga
func (s *MemorySagaRepository) SetError(ctx context.Context, requestID, errMessage, errStack string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, exists := s.sagas[requestID]
	if !exists {
		return domain.ErrSagaNotFound
	}

	record.ErrorMessage = errMessage
	record.ErrorStack = errStack
	record.UpdatedAt = time.Now().UTC()
	return nil
}

// FindPending returns PENDING sagas created before olderThan, oldest first
func (s *MemorySagaRepository) FindPending(ctx context.Context, olderThan time.Time, limit int) ([]*domain.SagaRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []*domain.SagaRecord
	for _, record := range s.sagas {
		if record.Status == domain.StatusPending && record.CreatedAt.Before(olderThan) {
			records = append(records, record.Clone())
		}
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})

	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// StatsByUser aggregates saga counts per status for one user
func (s *MemorySagaRepository) StatsByUser(ctx context.Context, userID string) (*domain.UserStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &domain.UserStats{
		UserID: userID,
		Counts: make(map[domain.Status]int64),
	}
	for _, record := range s.sagas {
		if record.UserID == userID {
			stats.Counts[record.Status]++
			stats.Total++
		}
	}
	return stats, nil
}

// MemoryDeadLetterRepository is an in-memory DeadLetterRepository for tests
type MemoryDeadLetterRepository struct {
	mu      sync.RWMutex
	letters []*domain.DeadLetter
	nextID  int64
}

// NewMemoryDeadLetterRepository creates a new in-memory dead letter repository
func NewMemoryDeadLetterRepository() *MemoryDeadLetterRepository {
	return &MemoryDeadLetterRepository{nextID: 1}
}

// Insert stores a dead letter and assigns its id
func (s *MemoryDeadLetterRepository) Insert(ctx context.Context, letter *domain.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	letter.ID = s.nextID
	s.nextID++

	copied := *letter
	s.letters = append(s.letters, &copied)
	return nil
}

// List returns dead letters filtered by processed flag, newest first
func (s *MemoryDeadLetterRepository) List(ctx context.Context, processed bool, limit int) ([]*domain.DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.DeadLetter
	for i := len(s.letters) - 1; i >= 0; i-- {
		if s.letters[i].Processed == processed {
			copied := *s.letters[i]
			out = append(out, &copied)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// MarkProcessed flags a dead letter as handled
func (s *MemoryDeadLetterRepository) MarkProcessed(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, letter := range s.letters {
		if letter.ID == id {
			letter.Processed = true
			return nil
		}
	}
	return domain.ErrDeadLetterNotFound
}

// Compile-time interface checks
var (
	_ SagaRepository       = (*MemorySagaRepository)(nil)
	_ DeadLetterRepository = (*MemoryDeadLetterRepository)(nil)
)
