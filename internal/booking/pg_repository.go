package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const lockColumns = `id, doctor_id, user_id, slot_date, slot_time, status, COALESCE(payment_id, ''), created_at, updated_at, expires_at`

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

func scanLock(row pgx.Row) (*SlotLock, error) {
	var l SlotLock
	var day time.Time

	err := row.Scan(
		&l.ID,
		&l.DoctorID,
		&l.UserID,
		&day,
		&l.Time,
		&l.Status,
		&l.PaymentID,
		&l.CreatedAt,
		&l.UpdatedAt,
		&l.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLockNotFound
		}
		return nil, err
	}

	l.Date = day.Format(DateLayout)
	return &l, nil
}

func collectLocks(rows pgx.Rows) ([]SlotLock, error) {
	defer rows.Close()

	var result []SlotLock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// scopeArgs turns zero scope fields into NULLs so one statement covers
// every filter combination.
func scopeArgs(sc Scope) (doctor *uuid.UUID, day *time.Time, label *string, err error) {
	if sc.DoctorID != uuid.Nil {
		doctor = &sc.DoctorID
	}
	if sc.Date != "" {
		d, perr := time.Parse(DateLayout, sc.Date)
		if perr != nil {
			return nil, nil, nil, fmt.Errorf("%w: bad date %q", ErrInvalidSlot, sc.Date)
		}
		day = &d
	}
	if sc.Time != "" {
		label = &sc.Time
	}
	return doctor, day, label, nil
}

func (r *PgRepository) InsertLock(ctx context.Context, lock SlotLock) (*SlotLock, error) {
	day, err := time.Parse(DateLayout, lock.Date)
	if err != nil {
		return nil, fmt.Errorf("%w: bad date %q", ErrInvalidSlot, lock.Date)
	}

	// the partial unique index decides the winner; losers get no row back
	row := r.pool.QueryRow(ctx, `
		INSERT INTO slot_locks (id, doctor_id, user_id, slot_date, slot_time, status, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, 'locked', $6, $6, $7)
		ON CONFLICT (doctor_id, slot_date, slot_time) WHERE status IN ('locked', 'finalized')
		DO NOTHING
		RETURNING `+lockColumns,
		lock.ID, lock.DoctorID, lock.UserID, day, lock.Time, lock.CreatedAt, lock.ExpiresAt)

	created, err := scanLock(row)
	if err != nil {
		if errors.Is(err, ErrLockNotFound) {
			return nil, ErrSlotUnavailable
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrSlotUnavailable
		}
		return nil, fmt.Errorf("insert slot lock: %w", err)
	}
	return created, nil
}

func (r *PgRepository) GetLock(ctx context.Context, id uuid.UUID) (*SlotLock, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+lockColumns+`
		FROM slot_locks
		WHERE id = $1
	`, id)
	return scanLock(row)
}

func (r *PgRepository) UpdateLockStatus(ctx context.Context, id uuid.UUID, from, to Status, paymentID string, now time.Time) (*SlotLock, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE slot_locks
		SET status = $2,
		    payment_id = COALESCE(NULLIF($4, ''), payment_id),
		    updated_at = $5
		WHERE id = $1
		  AND status = $3
		RETURNING `+lockColumns,
		id, to, from, paymentID, now)

	return scanLock(row)
}

func (r *PgRepository) ListActive(ctx context.Context, scope Scope, now time.Time) ([]SlotLock, error) {
	doctor, day, label, err := scopeArgs(scope)
	if err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+lockColumns+`
		FROM slot_locks
		WHERE ($1::uuid IS NULL OR doctor_id = $1)
		  AND ($2::date IS NULL OR slot_date = $2)
		  AND ($3::text IS NULL OR slot_time = $3)
		  AND (status = 'finalized' OR (status = 'locked' AND expires_at >= $4))
	`, doctor, day, label, now)
	if err != nil {
		return nil, fmt.Errorf("list active slot locks: %w", err)
	}
	locks, err := collectLocks(rows)
	if err != nil {
		return nil, err
	}
	sortLocks(locks)
	return locks, nil
}

func (r *PgRepository) ExpireOverdue(ctx context.Context, scope Scope, now time.Time) ([]SlotLock, error) {
	doctor, day, label, err := scopeArgs(scope)
	if err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx, `
		UPDATE slot_locks
		SET status = 'expired',
		    updated_at = $4
		WHERE ($1::uuid IS NULL OR doctor_id = $1)
		  AND ($2::date IS NULL OR slot_date = $2)
		  AND ($3::text IS NULL OR slot_time = $3)
		  AND status = 'locked'
		  AND expires_at < $4
		RETURNING `+lockColumns,
		doctor, day, label, now)
	if err != nil {
		return nil, fmt.Errorf("expire overdue slot locks: %w", err)
	}
	return collectLocks(rows)
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev Event) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO booking_events (id, lock_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()))
	`, ev.ID, ev.LockID, ev.EventType, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert booking event: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
