package repository

import (
	"context"
	"time"

	"github.com/daniel-wolfson/travel-saga/internal/domain"
)

// CoordinationStore defines the advisory Redis coordination layer. Every
// operation except AcquireLock is best-effort: a coordination outage must
// never block confirmations or aggregation.
type CoordinationStore interface {
	// AcquireLock takes the per-request admission lock (SET NX EX). Admission
	// fails closed when the lock cannot be acquired.
	AcquireLock(ctx context.Context, requestID string, ttl time.Duration) (bool, error)

	// ReleaseLock drops the admission lock
	ReleaseLock(ctx context.Context, requestID string) error

	// LockHeld reports whether the admission lock currently exists
	LockHeld(ctx context.Context, requestID string) (bool, error)

	// CheckRateLimit atomically counts the user's admissions in the current
	// 60 s window. Allowed iff the post-increment count is at most max. Fails
	// open: store errors report allowed=true alongside the error.
	CheckRateLimit(ctx context.Context, userID string, max int) (bool, error)

	// CacheActiveSaga stores a serialized snapshot for fast duplicate checks
	CacheActiveSaga(ctx context.Context, record *domain.SagaRecord, ttl time.Duration) error

	// GetActiveSaga loads the cached snapshot; a missing key is (nil, nil)
	GetActiveSaga(ctx context.Context, requestID string) (*domain.SagaRecord, error)

	// ClearActiveSaga removes the cached snapshot
	ClearActiveSaga(ctx context.Context, requestID string) error

	// IncrementStep bumps the marker counter in the steps hash
	IncrementStep(ctx context.Context, requestID, marker string) error

	// GetSteps returns the marker counter hash for diagnostics
	GetSteps(ctx context.Context, requestID string) (map[string]string, error)

	// EnqueuePending adds the request to the pending sorted set scored by
	// admission time
	EnqueuePending(ctx context.Context, requestID string, admittedAt time.Time) error

	// PendingOlderThan returns requestIds admitted before the cutoff
	PendingOlderThan(ctx context.Context, cutoff time.Time) ([]string, error)

	// PendingSince returns the admission time recorded in the pending set,
	// nil when the request is not enqueued
	PendingSince(ctx context.Context, requestID string) (*time.Time, error)

	// RemovePending drops the request from the pending sorted set
	RemovePending(ctx context.Context, requestID string) error

	// SetMetadata merges fields into the request's metadata hash
	SetMetadata(ctx context.Context, requestID string, fields map[string]string) error

	// GetMetadata returns the metadata hash for diagnostics
	GetMetadata(ctx context.Context, requestID string) (map[string]string, error)

	// Cleanup removes lock, active snapshot, steps, metadata and the pending
	// entry in one best-effort pipelined batch
	Cleanup(ctx context.Context, requestID string) error
}
