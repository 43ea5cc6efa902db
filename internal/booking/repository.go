package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrSlotUnavailable  = errors.New("slot is no longer available")
	ErrLockNotFound     = errors.New("slot lock not found")
	ErrLockExpired      = errors.New("slot lock has expired")
	ErrLockNotOwned     = errors.New("slot lock is not owned by caller")
	ErrInvalidLockState = errors.New("invalid slot lock state")
	ErrInvalidSlot      = errors.New("invalid slot")
	ErrLockingDown      = errors.New("slot locking unavailable")

	// ErrAlreadyFinalized also matches ErrInvalidLockState.
	ErrAlreadyFinalized = fmt.Errorf("%w: already finalized", ErrInvalidLockState)
)

// Repository is the persistence contract of the lock manager.
// InsertLock must be an atomic insert-if-absent over the active set
// (locked or finalized) of a slot, failing with ErrSlotUnavailable.
// UpdateLockStatus is a conditional write that fails with
// ErrLockNotFound when the row is not in the from state.
type Repository interface {
	InsertLock(ctx context.Context, lock SlotLock) (*SlotLock, error)
	GetLock(ctx context.Context, id uuid.UUID) (*SlotLock, error)
	UpdateLockStatus(ctx context.Context, id uuid.UUID, from, to Status, paymentID string, now time.Time) (*SlotLock, error)

	// ListActive returns finalized and unexpired locked records.
	ListActive(ctx context.Context, scope Scope, now time.Time) ([]SlotLock, error)
	// ExpireOverdue flips overdue locked records to expired and returns them.
	ExpireOverdue(ctx context.Context, scope Scope, now time.Time) ([]SlotLock, error)

	InsertEvent(ctx context.Context, ev Event) error
}
