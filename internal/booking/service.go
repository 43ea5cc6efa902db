package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/telecare/internal/auth"
	redisclient "github.com/hackgods/telecare/internal/redis"
)

const (
	EventLocked    = "SLOT_LOCKED"
	EventFinalized = "SLOT_FINALIZED"
	EventCancelled = "SLOT_CANCELLED"
	EventExpired   = "SLOT_EXPIRED"
)

const DefaultLockWindow = 10 * time.Minute

// Manager serializes booking attempts per slot. It keeps no state of its
// own; exclusion comes from Repository.InsertLock, with an optional Redis
// guard in front to shed contended attempts early.
type Manager struct {
	repo   Repository
	guard  redisclient.Locker
	window time.Duration
	now    func() time.Time
	log    zerolog.Logger
}

type Option func(*Manager)

// WithGuard puts a cross-instance admission guard in front of inserts.
func WithGuard(l redisclient.Locker) Option {
	return func(m *Manager) { m.guard = l }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithWindow(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.window = d
		}
	}
}

func NewManager(repo Repository, log zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		repo:   repo,
		window: DefaultLockWindow,
		now:    time.Now,
		log:    log.With().Str("component", "booking").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// LockSlot reserves slot for userID for the payment window.
func (m *Manager) LockSlot(ctx context.Context, slot Slot, userID uuid.UUID) (*SlotLock, error) {
	if m.guard == nil {
		return m.insertLock(ctx, slot, userID)
	}

	var (
		created *SlotLock
		entered bool
	)
	err := m.guard.WithSlotLock(ctx, slot.Key(), func(guardCtx context.Context) error {
		entered = true
		var err error
		created, err = m.insertLock(guardCtx, slot, userID)
		return err
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrSlotUnavailable
		}
		if !entered {
			// guard unreachable: refuse rather than risk a double booking
			m.log.Error().Err(err).Str("slot", slot.Key()).Msg("slot guard unavailable")
			return nil, fmt.Errorf("%w: %v", ErrLockingDown, err)
		}
		return nil, err
	}
	return created, nil
}

func (m *Manager) insertLock(ctx context.Context, slot Slot, userID uuid.UUID) (*SlotLock, error) {
	now := m.now()

	// overdue holds still sit in the unique index until flipped
	m.expire(ctx, SlotScope(slot), now, "lock_attempt")

	lock, err := m.repo.InsertLock(ctx, SlotLock{
		ID:        uuid.New(),
		DoctorID:  slot.DoctorID,
		UserID:    userID,
		Date:      slot.Date,
		Time:      slot.Time,
		Status:    StatusLocked,
		CreatedAt: now,
		ExpiresAt: now.Add(m.window),
	})
	if err != nil {
		if errors.Is(err, ErrSlotUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("insert slot lock: %w", err)
	}

	m.logEvent(ctx, lock.ID, EventLocked, map[string]any{
		"doctor_id":  slot.DoctorID.String(),
		"user_id":    userID.String(),
		"date":       slot.Date,
		"time":       slot.Time,
		"expires_at": lock.ExpiresAt,
	})
	return lock, nil
}

// FinalizeSlot turns a verified payment into the permanent booking.
func (m *Manager) FinalizeSlot(ctx context.Context, lockID, userID uuid.UUID, paymentID string) (*SlotLock, error) {
	lock, err := m.repo.GetLock(ctx, lockID)
	if err != nil {
		return nil, m.wrapGet(err)
	}
	if lock.UserID != userID {
		return nil, ErrLockNotOwned
	}

	now := m.now()
	switch {
	case lock.Status == StatusFinalized:
		return nil, ErrAlreadyFinalized
	case lock.Status == StatusExpired:
		return nil, ErrLockExpired
	case lock.Status == StatusCancelled:
		return nil, fmt.Errorf("%w: lock was cancelled", ErrInvalidLockState)
	case lock.Overdue(now):
		m.expireOne(ctx, lock, now, "finalize_after_expiry")
		return nil, ErrLockExpired
	}

	updated, err := m.repo.UpdateLockStatus(ctx, lock.ID, StatusLocked, StatusFinalized, paymentID, now)
	if err != nil {
		if errors.Is(err, ErrLockNotFound) {
			// lost a race with cancel, expiry or a concurrent finalize
			return nil, m.raceOutcome(ctx, lock.ID)
		}
		return nil, fmt.Errorf("finalize slot lock: %w", err)
	}

	m.logEvent(ctx, updated.ID, EventFinalized, map[string]any{"payment_id": paymentID})
	return updated, nil
}

// CancelLock releases a pending hold. It is a no-op on holds that are
// already cancelled or expired and refuses finalized bookings.
func (m *Manager) CancelLock(ctx context.Context, lockID, userID uuid.UUID) (*SlotLock, error) {
	lock, err := m.repo.GetLock(ctx, lockID)
	if err != nil {
		return nil, m.wrapGet(err)
	}
	if lock.UserID != userID {
		return nil, ErrLockNotOwned
	}

	now := m.now()
	switch {
	case lock.Status == StatusFinalized:
		return nil, fmt.Errorf("%w: finalized bookings are cancelled through the booking endpoint", ErrInvalidLockState)
	case lock.Status == StatusCancelled, lock.Status == StatusExpired:
		return lock, nil
	case lock.Overdue(now):
		return m.expireOne(ctx, lock, now, "cancel_after_expiry"), nil
	}

	updated, err := m.repo.UpdateLockStatus(ctx, lock.ID, StatusLocked, StatusCancelled, "", now)
	if err != nil {
		if errors.Is(err, ErrLockNotFound) {
			current, getErr := m.repo.GetLock(ctx, lock.ID)
			if getErr != nil {
				return nil, m.wrapGet(getErr)
			}
			if current.Status == StatusFinalized {
				return nil, fmt.Errorf("%w: lock was finalized", ErrInvalidLockState)
			}
			return current, nil
		}
		return nil, fmt.Errorf("cancel slot lock: %w", err)
	}

	m.logEvent(ctx, updated.ID, EventCancelled, map[string]any{"reason": "user_cancelled"})
	return updated, nil
}

// CancelBooking cancels a finalized booking. The patient, the doctor and
// admins may do it.
func (m *Manager) CancelBooking(ctx context.Context, lockID uuid.UUID, caller auth.Identity) (*SlotLock, error) {
	lock, err := m.repo.GetLock(ctx, lockID)
	if err != nil {
		return nil, m.wrapGet(err)
	}
	if !canView(lock, caller) {
		return nil, ErrLockNotOwned
	}
	if lock.Status != StatusFinalized {
		return nil, fmt.Errorf("%w: only finalized bookings can be cancelled", ErrInvalidLockState)
	}

	updated, err := m.repo.UpdateLockStatus(ctx, lock.ID, StatusFinalized, StatusCancelled, "", m.now())
	if err != nil {
		if errors.Is(err, ErrLockNotFound) {
			return nil, fmt.Errorf("%w: booking changed concurrently", ErrInvalidLockState)
		}
		return nil, fmt.Errorf("cancel booking: %w", err)
	}

	m.logEvent(ctx, updated.ID, EventCancelled, map[string]any{
		"reason":       "booking_cancelled",
		"cancelled_by": caller.Key(),
	})
	return updated, nil
}

// GetLock returns the lock to its patient, its doctor or an admin,
// expiring it first if its window has passed.
func (m *Manager) GetLock(ctx context.Context, lockID uuid.UUID, viewer auth.Identity) (*SlotLock, error) {
	lock, err := m.repo.GetLock(ctx, lockID)
	if err != nil {
		return nil, m.wrapGet(err)
	}
	if !canView(lock, viewer) {
		return nil, ErrLockNotOwned
	}
	if now := m.now(); lock.Overdue(now) {
		return m.expireOne(ctx, lock, now, "read_after_expiry"), nil
	}
	return lock, nil
}

// IsSlotAvailable is true iff no finalized booking and no unexpired hold
// covers slot at now. Only holds overdue on the manager's own clock are
// flipped to expired; asking about a future instant changes nothing.
func (m *Manager) IsSlotAvailable(ctx context.Context, slot Slot, now time.Time) (bool, error) {
	scope := SlotScope(slot)
	m.expire(ctx, scope, m.now(), "availability_check")

	active, err := m.repo.ListActive(ctx, scope, now)
	if err != nil {
		return false, fmt.Errorf("check slot availability: %w", err)
	}
	return len(active) == 0, nil
}

// TakenSlots lists the time labels held or booked for a doctor's day.
func (m *Manager) TakenSlots(ctx context.Context, doctorID uuid.UUID, date string) ([]string, error) {
	day, err := time.Parse(DateLayout, date)
	if err != nil {
		return nil, fmt.Errorf("%w: date must be YYYY-MM-DD", ErrInvalidSlot)
	}
	scope := Scope{DoctorID: doctorID, Date: day.Format(DateLayout)}
	now := m.now()
	m.expire(ctx, scope, now, "availability_check")

	active, err := m.repo.ListActive(ctx, scope, now)
	if err != nil {
		return nil, fmt.Errorf("list taken slots: %w", err)
	}
	taken := make([]string, 0, len(active))
	for _, l := range active {
		taken = append(taken, l.Time)
	}
	return taken, nil
}

// SweepExpired flips every overdue hold to expired and reports how many.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	expired, err := m.repo.ExpireOverdue(ctx, Scope{}, m.now())
	if err != nil {
		return 0, fmt.Errorf("sweep expired slot locks: %w", err)
	}
	for _, l := range expired {
		m.logEvent(ctx, l.ID, EventExpired, map[string]any{"reason": "worker"})
	}
	return len(expired), nil
}

// expire is the lazy path: failures only cost a stale status, reads
// already ignore overdue holds.
func (m *Manager) expire(ctx context.Context, scope Scope, now time.Time, reason string) {
	expired, err := m.repo.ExpireOverdue(ctx, scope, now)
	if err != nil {
		m.log.Warn().Err(err).Str("reason", reason).Msg("lazy expiry failed")
		return
	}
	for _, l := range expired {
		m.logEvent(ctx, l.ID, EventExpired, map[string]any{"reason": reason})
	}
}

func (m *Manager) expireOne(ctx context.Context, lock *SlotLock, now time.Time, reason string) *SlotLock {
	updated, err := m.repo.UpdateLockStatus(ctx, lock.ID, StatusLocked, StatusExpired, "", now)
	if err != nil {
		if !errors.Is(err, ErrLockNotFound) {
			m.log.Warn().Err(err).Str("lock_id", lock.ID.String()).Msg("failed to mark lock expired")
		}
		cp := *lock
		cp.Status = StatusExpired
		return &cp
	}
	m.logEvent(ctx, updated.ID, EventExpired, map[string]any{"reason": reason})
	return updated
}

func (m *Manager) raceOutcome(ctx context.Context, id uuid.UUID) error {
	current, err := m.repo.GetLock(ctx, id)
	if err != nil {
		return m.wrapGet(err)
	}
	switch current.Status {
	case StatusFinalized:
		return ErrAlreadyFinalized
	case StatusExpired:
		return ErrLockExpired
	default:
		return fmt.Errorf("%w: lock is %s", ErrInvalidLockState, current.Status)
	}
}

func (m *Manager) wrapGet(err error) error {
	if errors.Is(err, ErrLockNotFound) {
		return err
	}
	return fmt.Errorf("load slot lock: %w", err)
}

func canView(lock *SlotLock, id auth.Identity) bool {
	switch id.Role {
	case auth.RoleAdmin:
		return true
	case auth.RoleDoctor:
		return lock.DoctorID == id.ID
	case auth.RoleUser:
		return lock.UserID == id.ID
	}
	return false
}

func (m *Manager) logEvent(ctx context.Context, lockID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		m.log.Warn().Err(err).Str("event", eventType).Msg("failed to marshal event payload")
		data = nil
	}

	ev := Event{
		ID:        uuid.New(),
		LockID:    lockID,
		EventType: eventType,
		Payload:   data,
		CreatedAt: m.now(),
	}

	if err := m.repo.InsertEvent(ctx, ev); err != nil {
		m.log.Warn().Err(err).Str("event", eventType).Str("lock_id", lockID.String()).Msg("failed to insert booking event")
	}
}
