package booking

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusLocked    Status = "locked"
	StatusFinalized Status = "finalized"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

const (
	DateLayout = "2006-01-02"
	TimeLayout = "03:04 PM"
)

// Slot is one bookable (doctor, day, time label) interval.
type Slot struct {
	DoctorID uuid.UUID
	Date     string
	Time     string
}

// NewSlot validates the day and normalizes the time to the fixed-width
// "hh:mm AM" label so "9:00 am" and "09:00 AM" address the same slot.
func NewSlot(doctorID uuid.UUID, date, timeLabel string) (Slot, error) {
	if doctorID == uuid.Nil {
		return Slot{}, fmt.Errorf("%w: doctor id is required", ErrInvalidSlot)
	}
	day, err := time.Parse(DateLayout, strings.TrimSpace(date))
	if err != nil {
		return Slot{}, fmt.Errorf("%w: date must be YYYY-MM-DD", ErrInvalidSlot)
	}
	label, err := NormalizeTime(timeLabel)
	if err != nil {
		return Slot{}, err
	}
	return Slot{DoctorID: doctorID, Date: day.Format(DateLayout), Time: label}, nil
}

func NormalizeTime(raw string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	for _, layout := range []string{"3:04 PM", "3:04PM", "15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(TimeLayout), nil
		}
	}
	return "", fmt.Errorf("%w: time must look like 10:00 AM", ErrInvalidSlot)
}

func (s Slot) Key() string {
	return fmt.Sprintf("%s:%s:%s", s.DoctorID, s.Date, s.Time)
}

type SlotLock struct {
	ID        uuid.UUID `json:"id"`
	DoctorID  uuid.UUID `json:"doctor_id"`
	UserID    uuid.UUID `json:"user_id"`
	Date      string    `json:"date"`
	Time      string    `json:"time"`
	Status    Status    `json:"status"`
	PaymentID string    `json:"payment_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (l SlotLock) Slot() Slot {
	return Slot{DoctorID: l.DoctorID, Date: l.Date, Time: l.Time}
}

// Overdue reports a hold whose payment window has passed but which
// has not been flipped to expired yet.
func (l SlotLock) Overdue(now time.Time) bool {
	return l.Status == StatusLocked && now.After(l.ExpiresAt)
}

// Active reports whether the record still holds its slot at now.
func (l SlotLock) Active(now time.Time) bool {
	switch l.Status {
	case StatusFinalized:
		return true
	case StatusLocked:
		return !now.After(l.ExpiresAt)
	}
	return false
}

type Event struct {
	ID        uuid.UUID
	LockID    uuid.UUID
	EventType string
	Payload   []byte
	CreatedAt time.Time
}

// Scope narrows repository reads to a doctor, a day or a single slot.
// Zero fields match everything.
type Scope struct {
	DoctorID uuid.UUID
	Date     string
	Time     string
}

func SlotScope(s Slot) Scope {
	return Scope{DoctorID: s.DoctorID, Date: s.Date, Time: s.Time}
}

func (sc Scope) matches(l *SlotLock) bool {
	if sc.DoctorID != uuid.Nil && sc.DoctorID != l.DoctorID {
		return false
	}
	if sc.Date != "" && sc.Date != l.Date {
		return false
	}
	if sc.Time != "" && sc.Time != l.Time {
		return false
	}
	return true
}
