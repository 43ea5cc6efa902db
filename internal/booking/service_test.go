package booking

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/telecare/internal/auth"
	redisclient "github.com/hackgods/telecare/internal/redis"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T, opts ...Option) (*Manager, *MemoryRepository, *fakeClock) {
	t.Helper()
	repo := NewMemoryRepository()
	clock := &fakeClock{now: time.Date(2025, 4, 30, 9, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clock.Now), WithWindow(10 * time.Minute)}, opts...)
	return NewManager(repo, zerolog.Nop(), opts...), repo, clock
}

func mustSlot(t *testing.T, doctor uuid.UUID, date, label string) Slot {
	t.Helper()
	s, err := NewSlot(doctor, date, label)
	if err != nil {
		t.Fatalf("NewSlot: %v", err)
	}
	return s
}

func TestNewSlotNormalizesTime(t *testing.T) {
	doctor := uuid.New()
	cases := map[string]string{
		"10:00 AM": "10:00 AM",
		"9:00 am":  "09:00 AM",
		"9:30PM":   "09:30 PM",
		"14:15":    "02:15 PM",
	}
	for in, want := range cases {
		s, err := NewSlot(doctor, "2025-05-01", in)
		if err != nil {
			t.Fatalf("NewSlot(%q): %v", in, err)
		}
		if s.Time != want {
			t.Errorf("NewSlot(%q).Time = %q, want %q", in, s.Time, want)
		}
	}

	bad := []struct{ date, time string }{
		{"01-05-2025", "10:00 AM"},
		{"2025-05-01", "ten o'clock"},
		{"2025-02-30", "10:00 AM"},
	}
	for _, b := range bad {
		if _, err := NewSlot(doctor, b.date, b.time); !errors.Is(err, ErrInvalidSlot) {
			t.Errorf("NewSlot(%q, %q) err = %v, want ErrInvalidSlot", b.date, b.time, err)
		}
	}
	if _, err := NewSlot(uuid.Nil, "2025-05-01", "10:00 AM"); !errors.Is(err, ErrInvalidSlot) {
		t.Errorf("nil doctor accepted")
	}
}

func TestLockSlotNoDoubleBooking(t *testing.T) {
	m, _, _ := newTestManager(t)
	slot := mustSlot(t, uuid.New(), "2025-05-01", "10:00 AM")

	const n = 50
	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := m.LockSlot(context.Background(), slot, uuid.New())
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrSlotUnavailable):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if wins.Load() != 1 || conflicts.Load() != n-1 {
		t.Fatalf("wins=%d conflicts=%d, want 1 and %d", wins.Load(), conflicts.Load(), n-1)
	}
}

func TestScenarioSecondUserGetsSlotUnavailable(t *testing.T) {
	m, _, _ := newTestManager(t)
	doctor := uuid.New()
	slot := mustSlot(t, doctor, "2025-05-01", "10:00 AM")

	if _, err := m.LockSlot(context.Background(), slot, uuid.New()); err != nil {
		t.Fatalf("first lock: %v", err)
	}
	// same slot spelled differently
	again := mustSlot(t, doctor, "2025-05-01", "10:00 am")
	if _, err := m.LockSlot(context.Background(), again, uuid.New()); !errors.Is(err, ErrSlotUnavailable) {
		t.Fatalf("second lock err = %v, want ErrSlotUnavailable", err)
	}

	other := mustSlot(t, doctor, "2025-05-01", "10:30 AM")
	if _, err := m.LockSlot(context.Background(), other, uuid.New()); err != nil {
		t.Fatalf("neighbouring slot should be free: %v", err)
	}
}

func TestScenarioExpiredLockReleasesSlot(t *testing.T) {
	m, repo, clock := newTestManager(t)
	ctx := context.Background()
	slot := mustSlot(t, uuid.New(), "2025-05-01", "10:00 AM")

	lock, err := m.LockSlot(ctx, slot, uuid.New())
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	ok, err := m.IsSlotAvailable(ctx, slot, clock.Now())
	if err != nil || ok {
		t.Fatalf("available while held = %v, %v", ok, err)
	}

	clock.Advance(11 * time.Minute)

	// the raw record is still locked until someone reads it
	raw, _ := repo.GetLock(ctx, lock.ID)
	if raw.Status != StatusLocked {
		t.Fatalf("status before read = %s", raw.Status)
	}

	ok, err = m.IsSlotAvailable(ctx, slot, clock.Now())
	if err != nil {
		t.Fatalf("IsSlotAvailable: %v", err)
	}
	if !ok {
		t.Fatal("slot should be available 11 minutes into a 10 minute window")
	}

	raw, _ = repo.GetLock(ctx, lock.ID)
	if raw.Status != StatusExpired {
		t.Errorf("status after read = %s, want expired", raw.Status)
	}

	if _, err := m.LockSlot(ctx, slot, uuid.New()); err != nil {
		t.Fatalf("relock after expiry: %v", err)
	}
}

func TestIsSlotAvailableAtInstantWithoutFlip(t *testing.T) {
	m, _, clock := newTestManager(t)
	ctx := context.Background()
	slot := mustSlot(t, uuid.New(), "2025-05-01", "10:00 AM")

	if _, err := m.LockSlot(ctx, slot, uuid.New()); err != nil {
		t.Fatalf("lock: %v", err)
	}
	ok, err := m.IsSlotAvailable(ctx, slot, clock.Now().Add(10*time.Minute))
	if err != nil || ok {
		t.Fatalf("slot must still be held at exactly expiresAt, got %v %v", ok, err)
	}
	ok, _ = m.IsSlotAvailable(ctx, slot, clock.Now().Add(10*time.Minute+time.Second))
	if !ok {
		t.Fatal("slot must be free just after expiresAt")
	}
}

func TestFutureAvailabilityCheckKeepsHold(t *testing.T) {
	m, repo, clock := newTestManager(t)
	ctx := context.Background()
	owner := uuid.New()
	slot := mustSlot(t, uuid.New(), "2025-05-01", "10:00 AM")

	lock, err := m.LockSlot(ctx, slot, owner)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	ok, err := m.IsSlotAvailable(ctx, slot, clock.Now().Add(time.Hour))
	if err != nil || !ok {
		t.Fatalf("available an hour out = %v, %v", ok, err)
	}

	clock.Advance(time.Minute)
	raw, _ := repo.GetLock(ctx, lock.ID)
	if raw.Status != StatusLocked {
		t.Fatalf("status after future check = %s, want locked", raw.Status)
	}
	if _, err := m.LockSlot(ctx, slot, uuid.New()); !errors.Is(err, ErrSlotUnavailable) {
		t.Fatalf("second user lock err = %v, want ErrSlotUnavailable", err)
	}
	if _, err := m.FinalizeSlot(ctx, lock.ID, owner, "pay_1"); err != nil {
		t.Fatalf("owner finalize after future check: %v", err)
	}
}

func TestFinalizeIsTerminal(t *testing.T) {
	m, repo, _ := newTestManager(t)
	ctx := context.Background()
	user := uuid.New()
	lock, err := m.LockSlot(ctx, mustSlot(t, uuid.New(), "2025-05-01", "11:00 AM"), user)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	done, err := m.FinalizeSlot(ctx, lock.ID, user, "pay_1")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if done.Status != StatusFinalized || done.PaymentID != "pay_1" {
		t.Fatalf("finalized lock = %+v", done)
	}

	if _, err := m.FinalizeSlot(ctx, lock.ID, user, "pay_2"); !errors.Is(err, ErrAlreadyFinalized) {
		t.Errorf("second finalize err = %v, want ErrAlreadyFinalized", err)
	}
	if _, err := m.CancelLock(ctx, lock.ID, user); !errors.Is(err, ErrInvalidLockState) {
		t.Errorf("cancel finalized err = %v, want ErrInvalidLockState", err)
	}

	finalized := 0
	for _, ev := range repo.Events() {
		if ev.EventType == EventFinalized {
			finalized++
		}
	}
	if finalized != 1 {
		t.Errorf("finalized events = %d, want 1", finalized)
	}
}

func TestFinalizeErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown lock", func(t *testing.T) {
		m, _, _ := newTestManager(t)
		if _, err := m.FinalizeSlot(ctx, uuid.New(), uuid.New(), "pay"); !errors.Is(err, ErrLockNotFound) {
			t.Fatalf("err = %v, want ErrLockNotFound", err)
		}
	})

	t.Run("not owner", func(t *testing.T) {
		m, _, _ := newTestManager(t)
		lock, _ := m.LockSlot(ctx, mustSlot(t, uuid.New(), "2025-05-01", "10:00 AM"), uuid.New())
		if _, err := m.FinalizeSlot(ctx, lock.ID, uuid.New(), "pay"); !errors.Is(err, ErrLockNotOwned) {
			t.Fatalf("err = %v, want ErrLockNotOwned", err)
		}
	})

	t.Run("expired", func(t *testing.T) {
		m, repo, clock := newTestManager(t)
		user := uuid.New()
		lock, _ := m.LockSlot(ctx, mustSlot(t, uuid.New(), "2025-05-01", "10:00 AM"), user)
		clock.Advance(10*time.Minute + time.Second)
		if _, err := m.FinalizeSlot(ctx, lock.ID, user, "pay"); !errors.Is(err, ErrLockExpired) {
			t.Fatalf("err = %v, want ErrLockExpired", err)
		}
		raw, _ := repo.GetLock(ctx, lock.ID)
		if raw.Status != StatusExpired {
			t.Errorf("status = %s, want expired", raw.Status)
		}
		if _, err := m.FinalizeSlot(ctx, lock.ID, user, "pay"); !errors.Is(err, ErrLockExpired) {
			t.Errorf("retry err = %v, want ErrLockExpired", err)
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		m, _, _ := newTestManager(t)
		user := uuid.New()
		lock, _ := m.LockSlot(ctx, mustSlot(t, uuid.New(), "2025-05-01", "10:00 AM"), user)
		if _, err := m.CancelLock(ctx, lock.ID, user); err != nil {
			t.Fatalf("cancel: %v", err)
		}
		if _, err := m.FinalizeSlot(ctx, lock.ID, user, "pay"); !errors.Is(err, ErrInvalidLockState) {
			t.Fatalf("err = %v, want ErrInvalidLockState", err)
		}
	})
}

func TestCancelLockIsIdempotent(t *testing.T) {
	m, _, clock := newTestManager(t)
	ctx := context.Background()
	user := uuid.New()
	slot := mustSlot(t, uuid.New(), "2025-05-01", "03:00 PM")

	lock, _ := m.LockSlot(ctx, slot, user)
	for i := 0; i < 2; i++ {
		got, err := m.CancelLock(ctx, lock.ID, user)
		if err != nil {
			t.Fatalf("cancel #%d: %v", i+1, err)
		}
		if got.Status != StatusCancelled {
			t.Fatalf("cancel #%d status = %s", i+1, got.Status)
		}
	}

	ok, _ := m.IsSlotAvailable(ctx, slot, clock.Now())
	if !ok {
		t.Fatal("cancelled hold should free the slot")
	}

	if _, err := m.CancelLock(ctx, lock.ID, uuid.New()); !errors.Is(err, ErrLockNotOwned) {
		t.Errorf("foreign cancel err = %v, want ErrLockNotOwned", err)
	}

	expiring, _ := m.LockSlot(ctx, slot, user)
	clock.Advance(time.Hour)
	got, err := m.CancelLock(ctx, expiring.ID, user)
	if err != nil || got.Status != StatusExpired {
		t.Fatalf("cancel of overdue hold = %+v, %v", got, err)
	}
}

func TestCancelBooking(t *testing.T) {
	m, _, clock := newTestManager(t)
	ctx := context.Background()
	user, doctor := uuid.New(), uuid.New()
	slot := mustSlot(t, doctor, "2025-05-01", "10:00 AM")

	lock, _ := m.LockSlot(ctx, slot, user)
	if _, err := m.CancelBooking(ctx, lock.ID, auth.Identity{Role: auth.RoleUser, ID: user}); !errors.Is(err, ErrInvalidLockState) {
		t.Fatalf("cancel booking of pending hold err = %v", err)
	}
	if _, err := m.FinalizeSlot(ctx, lock.ID, user, "pay"); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	stranger := auth.Identity{Role: auth.RoleDoctor, ID: uuid.New()}
	if _, err := m.CancelBooking(ctx, lock.ID, stranger); !errors.Is(err, ErrLockNotOwned) {
		t.Fatalf("stranger err = %v, want ErrLockNotOwned", err)
	}

	got, err := m.CancelBooking(ctx, lock.ID, auth.Identity{Role: auth.RoleDoctor, ID: doctor})
	if err != nil || got.Status != StatusCancelled {
		t.Fatalf("doctor cancel = %+v, %v", got, err)
	}
	ok, _ := m.IsSlotAvailable(ctx, slot, clock.Now())
	if !ok {
		t.Fatal("cancelled booking should free the slot")
	}
}

func TestGetLockVisibilityAndLazyExpiry(t *testing.T) {
	m, _, clock := newTestManager(t)
	ctx := context.Background()
	user, doctor := uuid.New(), uuid.New()
	lock, _ := m.LockSlot(ctx, mustSlot(t, doctor, "2025-05-01", "10:00 AM"), user)

	for _, viewer := range []auth.Identity{
		{Role: auth.RoleUser, ID: user},
		{Role: auth.RoleDoctor, ID: doctor},
		{Role: auth.RoleAdmin, ID: uuid.New()},
	} {
		if _, err := m.GetLock(ctx, lock.ID, viewer); err != nil {
			t.Errorf("%s should see lock: %v", viewer.Role, err)
		}
	}
	if _, err := m.GetLock(ctx, lock.ID, auth.Identity{Role: auth.RoleUser, ID: uuid.New()}); !errors.Is(err, ErrLockNotOwned) {
		t.Errorf("other user err = %v", err)
	}

	clock.Advance(20 * time.Minute)
	got, err := m.GetLock(ctx, lock.ID, auth.Identity{Role: auth.RoleUser, ID: user})
	if err != nil || got.Status != StatusExpired {
		t.Fatalf("read after window = %+v, %v", got, err)
	}
}

func TestTakenSlotsAndSweep(t *testing.T) {
	m, _, clock := newTestManager(t)
	ctx := context.Background()
	doctor := uuid.New()

	for _, label := range []string{"02:00 PM", "09:00 AM", "11:30 AM"} {
		if _, err := m.LockSlot(ctx, mustSlot(t, doctor, "2025-05-01", label), uuid.New()); err != nil {
			t.Fatalf("lock %s: %v", label, err)
		}
	}
	user := uuid.New()
	kept, _ := m.LockSlot(ctx, mustSlot(t, doctor, "2025-05-01", "04:00 PM"), user)
	if _, err := m.FinalizeSlot(ctx, kept.ID, user, "pay"); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	// another doctor's day must not leak in
	_, _ = m.LockSlot(ctx, mustSlot(t, uuid.New(), "2025-05-01", "10:00 AM"), uuid.New())

	taken, err := m.TakenSlots(ctx, doctor, "2025-05-01")
	if err != nil {
		t.Fatalf("TakenSlots: %v", err)
	}
	want := []string{"09:00 AM", "11:30 AM", "02:00 PM", "04:00 PM"}
	if len(taken) != len(want) {
		t.Fatalf("taken = %v, want %v", taken, want)
	}
	for i := range want {
		if taken[i] != want[i] {
			t.Fatalf("taken = %v, want %v", taken, want)
		}
	}

	clock.Advance(15 * time.Minute)
	n, err := m.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 4 {
		t.Errorf("swept %d, want 4", n)
	}
	taken, _ = m.TakenSlots(ctx, doctor, "2025-05-01")
	if len(taken) != 1 || taken[0] != "04:00 PM" {
		t.Errorf("taken after sweep = %v", taken)
	}

	if _, err := m.TakenSlots(ctx, doctor, "May 1"); !errors.Is(err, ErrInvalidSlot) {
		t.Errorf("bad date err = %v", err)
	}
}

type stubGuard struct {
	err      error
	acquired atomic.Int32
}

func (g *stubGuard) WithSlotLock(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	if g.err != nil {
		return g.err
	}
	g.acquired.Add(1)
	return fn(ctx)
}

func TestLockSlotGuard(t *testing.T) {
	ctx := context.Background()

	t.Run("passes through", func(t *testing.T) {
		g := &stubGuard{}
		m, _, _ := newTestManager(t, WithGuard(g))
		if _, err := m.LockSlot(ctx, mustSlot(t, uuid.New(), "2025-05-01", "10:00 AM"), uuid.New()); err != nil {
			t.Fatalf("lock: %v", err)
		}
		if g.acquired.Load() != 1 {
			t.Errorf("guard acquired %d times", g.acquired.Load())
		}
	})

	t.Run("contention is unavailable", func(t *testing.T) {
		m, _, _ := newTestManager(t, WithGuard(&stubGuard{err: redisclient.ErrLockNotAcquired}))
		_, err := m.LockSlot(ctx, mustSlot(t, uuid.New(), "2025-05-01", "10:00 AM"), uuid.New())
		if !errors.Is(err, ErrSlotUnavailable) {
			t.Fatalf("err = %v, want ErrSlotUnavailable", err)
		}
	})

	t.Run("guard failure fails closed", func(t *testing.T) {
		m, _, clock := newTestManager(t, WithGuard(&stubGuard{err: errors.New("dial tcp: connection refused")}))
		slot := mustSlot(t, uuid.New(), "2025-05-01", "10:00 AM")
		_, err := m.LockSlot(ctx, slot, uuid.New())
		if !errors.Is(err, ErrLockingDown) {
			t.Fatalf("err = %v, want ErrLockingDown", err)
		}
		ok, _ := m.IsSlotAvailable(ctx, slot, clock.Now())
		if !ok {
			t.Fatal("rejected attempt must not hold the slot")
		}
	})
}
