package repository

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/daniel-wolfson/travel-saga/internal/domain"
)

// MemoryCoordinationStore is an in-memory CoordinationStore for tests and
// local development. TTLs are honored lazily: expired entries are dropped
// on access.
type MemoryCoordinationStore struct {
	mu        sync.Mutex
	locks     map[string]time.Time            // requestID -> expiry
	active    map[string]*domain.SagaRecord   // requestID -> cached snapshot
	activeExp map[string]time.Time            // requestID -> expiry
	steps     map[string]map[string]int64     // requestID -> counter -> value
	metadata  map[string]map[string]string    // requestID -> field -> value
	rate      map[string]*rateWindow          // userID -> window
	pending   map[string]time.Time            // requestID -> admitted at
}

type rateWindow struct {
	count   int
	resetAt time.Time
}

// NewMemoryCoordinationStore creates a new in-memory coordination store
func NewMemoryCoordinationStore() *MemoryCoordinationStore {
	return &MemoryCoordinationStore{
		locks:     make(map[string]time.Time),
		active:    make(map[string]*domain.SagaRecord),
		activeExp: make(map[string]time.Time),
		steps:     make(map[string]map[string]int64),
		metadata:  make(map[string]map[string]string),
		rate:      make(map[string]*rateWindow),
		pending:   make(map[string]time.Time),
	}
}

// AcquireLock takes the per-request admission lock
func (s *MemoryCoordinationStore) AcquireLock(ctx context.Context, requestID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if expiry, held := s.locks[requestID]; held && time.Now().Before(expiry) {
		return false, nil
	}
	s.locks[requestID] = time.Now().Add(ttl)
	return true, nil
}

// ReleaseLock drops the per-request admission lock
func (s *MemoryCoordinationStore) ReleaseLock(ctx context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.locks, requestID)
	return nil
}

// LockHeld reports whether the admission lock is currently held
func (s *MemoryCoordinationStore) LockHeld(ctx context.Context, requestID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiry, held := s.locks[requestID]
	if !held || time.Now().After(expiry) {
		delete(s.locks, requestID)
		return false, nil
	}
	return true, nil
}

// CheckRateLimit counts the request against the user's fixed one-minute
// window and reports whether it is allowed
func (s *MemoryCoordinationStore) CheckRateLimit(ctx context.Context, userID string, max int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.rate[userID]
	if w == nil || time.Now().After(w.resetAt) {
		w = &rateWindow{resetAt: time.Now().Add(time.Minute)}
		s.rate[userID] = w
	}
	w.count++
	return w.count <= max, nil
}

// CacheActiveSaga stores a snapshot of the saga for fast status lookups
func (s *MemoryCoordinationStore) CacheActiveSaga(ctx context.Context, record *domain.SagaRecord, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.active[record.RequestID] = record.Clone()
	s.activeExp[record.RequestID] = time.Now().Add(ttl)
	return nil
}

// GetActiveSaga returns the cached snapshot, or nil when absent or expired
func (s *MemoryCoordinationStore) GetActiveSaga(ctx context.Context, requestID string) (*domain.SagaRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, exists := s.active[requestID]
	if !exists {
		return nil, nil
	}
	if expiry, ok := s.activeExp[requestID]; ok && time.Now().After(expiry) {
		delete(s.active, requestID)
		delete(s.activeExp, requestID)
		return nil, nil
	}
	return record.Clone(), nil
}

// ClearActiveSaga drops the cached snapshot
func (s *MemoryCoordinationStore) ClearActiveSaga(ctx context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.active, requestID)
	delete(s.activeExp, requestID)
	return nil
}

// IncrementStep increments a progress counter for the saga
func (s *MemoryCoordinationStore) IncrementStep(ctx context.Context, requestID, step string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.steps[requestID] == nil {
		s.steps[requestID] = make(map[string]int64)
	}
	s.steps[requestID][step]++
	return nil
}

// GetSteps returns all progress counters for the saga, values formatted
// the way the Redis hash returns them
func (s *MemoryCoordinationStore) GetSteps(ctx context.Context, requestID string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string, len(s.steps[requestID]))
	for k, v := range s.steps[requestID] {
		out[k] = strconv.FormatInt(v, 10)
	}
	return out, nil
}

// EnqueuePending adds the saga to the pending set with its admission time
func (s *MemoryCoordinationStore) EnqueuePending(ctx context.Context, requestID string, admittedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending[requestID] = admittedAt
	return nil
}

// PendingOlderThan returns request ids admitted at or before the cutoff,
// oldest first
func (s *MemoryCoordinationStore) PendingOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type entry struct {
		requestID  string
		admittedAt time.Time
	}
	var entries []entry
	for requestID, admittedAt := range s.pending {
		if !admittedAt.After(cutoff) {
			entries = append(entries, entry{requestID, admittedAt})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].admittedAt.Before(entries[j].admittedAt)
	})

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.requestID)
	}
	return ids, nil
}

// PendingSince returns when the saga entered the pending set, or nil when it
// is not queued
func (s *MemoryCoordinationStore) PendingSince(ctx context.Context, requestID string) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	admittedAt, exists := s.pending[requestID]
	if !exists {
		return nil, nil
	}
	t := admittedAt
	return &t, nil
}

// RemovePending drops the saga from the pending set
func (s *MemoryCoordinationStore) RemovePending(ctx context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.pending, requestID)
	return nil
}

// SetMetadata stores diagnostic fields for the saga
func (s *MemoryCoordinationStore) SetMetadata(ctx context.Context, requestID string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.metadata[requestID] == nil {
		s.metadata[requestID] = make(map[string]string)
	}
	for k, v := range fields {
		s.metadata[requestID][k] = v
	}
	return nil
}

// GetMetadata returns all diagnostic fields for the saga
func (s *MemoryCoordinationStore) GetMetadata(ctx context.Context, requestID string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string, len(s.metadata[requestID]))
	for k, v := range s.metadata[requestID] {
		out[k] = v
	}
	return out, nil
}

// Cleanup removes all coordination state for a finished saga
func (s *MemoryCoordinationStore) Cleanup(ctx context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.locks, requestID)
	delete(s.active, requestID)
	delete(s.activeExp, requestID)
	delete(s.steps, requestID)
	delete(s.metadata, requestID)
	delete(s.pending, requestID)
	return nil
}

var _ CoordinationStore = (*MemoryCoordinationStore)(nil)
