package booking

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository keeps locks in process. The mutex gives InsertLock the
// same insert-if-absent guarantee the unique index gives Postgres, so it
// is only correct for a single instance.
type MemoryRepository struct {
	mu     sync.Mutex
	locks  map[uuid.UUID]*SlotLock
	events []Event
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{locks: make(map[uuid.UUID]*SlotLock)}
}

func (r *MemoryRepository) InsertLock(_ context.Context, lock SlotLock) (*SlotLock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, l := range r.locks {
		if l.Slot() != lock.Slot() {
			continue
		}
		if l.Status == StatusLocked || l.Status == StatusFinalized {
			return nil, ErrSlotUnavailable
		}
	}

	lock.Status = StatusLocked
	lock.UpdatedAt = lock.CreatedAt
	stored := lock
	r.locks[lock.ID] = &stored
	return &lock, nil
}

func (r *MemoryRepository) GetLock(_ context.Context, id uuid.UUID) (*SlotLock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.locks[id]
	if !ok {
		return nil, ErrLockNotFound
	}
	cp := *l
	return &cp, nil
}

func (r *MemoryRepository) UpdateLockStatus(_ context.Context, id uuid.UUID, from, to Status, paymentID string, now time.Time) (*SlotLock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.locks[id]
	if !ok || l.Status != from {
		return nil, ErrLockNotFound
	}
	l.Status = to
	if paymentID != "" {
		l.PaymentID = paymentID
	}
	l.UpdatedAt = now
	cp := *l
	return &cp, nil
}

func (r *MemoryRepository) ListActive(_ context.Context, scope Scope, now time.Time) ([]SlotLock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []SlotLock
	for _, l := range r.locks {
		if scope.matches(l) && l.Active(now) {
			out = append(out, *l)
		}
	}
	sortLocks(out)
	return out, nil
}

func (r *MemoryRepository) ExpireOverdue(_ context.Context, scope Scope, now time.Time) ([]SlotLock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []SlotLock
	for _, l := range r.locks {
		if scope.matches(l) && l.Overdue(now) {
			l.Status = StatusExpired
			l.UpdatedAt = now
			out = append(out, *l)
		}
	}
	sortLocks(out)
	return out, nil
}

func (r *MemoryRepository) InsertEvent(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of the event log.
func (r *MemoryRepository) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]Event(nil), r.events...)
}

func sortLocks(locks []SlotLock) {
	sort.Slice(locks, func(i, j int) bool {
		if locks[i].Date != locks[j].Date {
			return locks[i].Date < locks[j].Date
		}
		return clockOrder(locks[i].Time) < clockOrder(locks[j].Time)
	})
}

// clockOrder sorts "hh:mm AM" labels chronologically.
func clockOrder(label string) int {
	t, err := time.Parse(TimeLayout, label)
	if err != nil {
		return -1
	}
	return t.Hour()*60 + t.Minute()
}
