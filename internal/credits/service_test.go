package credits

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"practice-dialer/internal/audit"
	"practice-dialer/internal/calls"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFreezer struct {
	mu       sync.Mutex
	frozen   []string
	unfreeze []int
}

func (f *fakeFreezer) FreezePendingCalls(ctx context.Context, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frozen = append(f.frozen, userID)
	return 0, nil
}

func (f *fakeFreezer) UnfreezeIfPossible(ctx context.Context, userID string, available int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unfreeze = append(f.unfreeze, available)
	return 0, nil
}

// conflictingRepo reports a version conflict for the first n Apply calls.
type conflictingRepo struct {
	Repository
	mu        sync.Mutex
	conflicts int
	applies   int
}

func (r *conflictingRepo) Apply(ctx context.Context, readVersion int64, ch Change) (bool, error) {
	r.mu.Lock()
	r.applies++
	n := r.applies
	r.mu.Unlock()
	if n <= r.conflicts {
		return false, nil
	}
	return r.Repository.Apply(ctx, readVersion, ch)
}

type fixture struct {
	svc     *Service
	repo    *MemoryRepo
	calls   *calls.MemoryRepo
	freezer *fakeFreezer
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), freezer: &fakeFreezer{}}
	f.calls = calls.NewMemoryRepo()
	f.repo = NewMemoryRepo(f.calls, audit.NewMemoryRepo())
	f.svc = NewService(f.repo, f.calls).WithClock(func() time.Time { return f.now })
	f.svc.Sleep = func(context.Context, time.Duration) error { return nil }
	f.svc.Freezer = f.freezer
	return f
}

func (f *fixture) account(t *testing.T, user string, seconds int) {
	t.Helper()
	_, err := f.svc.GetOrInitAccount(context.Background(), user, seconds)
	require.NoError(t, err)
}

func pendingCall(id, user, eID string) calls.Call {
	return calls.Call{
		ID:               id,
		UserID:           user,
		EID:              eID,
		TherapistPhone:   "+4930123456",
		ScheduledAt:      time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC),
		AttemptNumber:    1,
		MaxAttempts:      12,
		ProjectedSeconds: DefaultProjectedSeconds,
	}
}

func TestReserve_SecondReservationRefused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "u", 180)

	_, err := f.svc.Reserve(ctx, pendingCall("c1", "u", "p1"))
	require.NoError(t, err)

	_, err = f.svc.Reserve(ctx, pendingCall("c2", "u", "p2"))
	require.ErrorIs(t, err, ErrNoCredits)
	var nc *NoCreditsError
	require.True(t, errors.As(err, &nc))
	assert.Equal(t, 180, nc.Available)
	assert.Equal(t, 180, nc.Projected)

	_, err = f.calls.Get(ctx, "c2")
	assert.ErrorIs(t, err, calls.ErrNotFound, "refused reservation must not leave a call row")

	got, err := f.calls.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, calls.StatusScheduled, got.Status)
}

func TestReserve_LastCallException(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "u", 201)

	_, err := f.svc.Reserve(ctx, pendingCall("c1", "u", "p1"))
	require.NoError(t, err)
	// 201 >= 180 + 21: one more call is allowed despite the overage risk
	_, err = f.svc.Reserve(ctx, pendingCall("c2", "u", "p2"))
	require.NoError(t, err)
	_, err = f.svc.Reserve(ctx, pendingCall("c3", "u", "p3"))
	require.ErrorIs(t, err, ErrNoCredits)

	entries := f.repo.Audit.Entries()
	last := entries[len(entries)-1]
	assert.Equal(t, audit.EventReserve, last.EventType)
	assert.Contains(t, last.Metadata, `"last_call":true`)
}

func TestCanReserveRule(t *testing.T) {
	svc := NewService(nil, nil)
	cases := []struct {
		available, projected int
		ok                   bool
	}{
		{available: 180, projected: 0, ok: true},
		{available: 20, projected: 0, ok: false},
		{available: 21, projected: 0, ok: true},
		{available: 380, projected: 200, ok: true},
		{available: 220, projected: 200, ok: false},
		{available: 221, projected: 200, ok: true},
		{available: 0, projected: 0, ok: false},
	}
	for _, tc := range cases {
		ok, _ := svc.canReserve(tc.available, tc.projected)
		assert.Equal(t, tc.ok, ok, "available=%d projected=%d", tc.available, tc.projected)
	}
}

func TestCanReserve_IsReadOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "u", 900)
	before, err := f.repo.GetAccount(ctx, "u")
	require.NoError(t, err)

	require.NoError(t, f.svc.CanReserve(ctx, "u"))

	after, err := f.repo.GetAccount(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
}

func TestDeduct_GiftsExcessAndFreezes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "u", 100)

	res, err := f.svc.Deduct(ctx, "u", 150, "c1")
	require.NoError(t, err)
	assert.Equal(t, DeductResult{Deducted: 100, Gifted: 50, Available: 0}, res)

	acct, err := f.repo.GetAccount(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, 0, acct.Available())
	assert.Equal(t, []string{"u"}, f.freezer.frozen)

	// nothing left: the whole call is gifted
	res, err = f.svc.Deduct(ctx, "u", 30, "c2")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Deducted)
	assert.Equal(t, 30, res.Gifted)

	entries := f.repo.Audit.Entries()
	last := entries[len(entries)-1]
	assert.Equal(t, audit.EventDeduct, last.EventType)
	assert.Equal(t, 30, last.GiftedSeconds)
	assert.Equal(t, 0, last.BalanceAfter)
}

func TestDeduct_WithinBalanceDoesNotFreeze(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "u", 900)

	res, err := f.svc.Deduct(ctx, "u", 95, "c1")
	require.NoError(t, err)
	assert.Equal(t, 805, res.Available)
	assert.Zero(t, res.Gifted)
	assert.Empty(t, f.freezer.frozen)
}

func TestMutate_ResolvesWithinThreeRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "u", 900)

	repo := &conflictingRepo{Repository: f.repo, conflicts: 3}
	svc := NewService(repo, f.calls)
	var waits []time.Duration
	svc.Sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	_, err := svc.Deduct(ctx, "u", 60, "c1")
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 50 * time.Millisecond, 250 * time.Millisecond}, waits)

	avail, err := svc.Available(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, 840, avail)
}

func TestMutate_FourthConflictIsContention(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "u", 900)
	before, err := f.repo.GetAccount(ctx, "u")
	require.NoError(t, err)

	repo := &conflictingRepo{Repository: f.repo, conflicts: 4}
	svc := NewService(repo, f.calls)
	svc.Sleep = func(context.Context, time.Duration) error { return nil }

	_, err = svc.Reserve(ctx, pendingCall("c1", "u", "p1"))
	require.ErrorIs(t, err, ErrContention)
	assert.Equal(t, 4, repo.applies)

	after, err := f.repo.GetAccount(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	_, err = f.calls.Get(ctx, "c1")
	assert.ErrorIs(t, err, calls.ErrNotFound)
}

func TestMutate_SleepCancellation(t *testing.T) {
	f := newFixture(t)
	f.account(t, "u", 900)
	repo := &conflictingRepo{Repository: f.repo, conflicts: 10}
	svc := NewService(repo, f.calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.AdminAward(ctx, "u", 10, "admin-1", "goodwill")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConcurrentWriters_ReconcileInvariant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "u", 1800)
	f.svc.Freezer = nil
	for _, id := range []string{"r1", "r4"} {
		_, err := f.svc.Deduct(ctx, "u", 50, id)
		require.NoError(t, err)
	}
	f.svc.Sleep = func(context.Context, time.Duration) error {
		time.Sleep(time.Millisecond)
		return nil
	}

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			switch i % 3 {
			case 0:
				_, err = f.svc.Deduct(ctx, "u", 40+i, fmt.Sprintf("d%d", i))
			case 1:
				_, err = f.svc.Refund(ctx, "u", 10+i, fmt.Sprintf("r%d", i))
			default:
				_, err = f.svc.Reserve(ctx, pendingCall(fmt.Sprintf("c%d", i), "u", fmt.Sprintf("p%d", i)))
			}
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, ErrContention)
		}
	}

	rec, err := f.svc.Reconcile(ctx, "u")
	require.NoError(t, err)
	assert.True(t, rec.Consistent, "live %d audit %d", rec.LiveBalance, rec.AuditBalance)

	acct, err := f.repo.GetAccount(ctx, "u")
	require.NoError(t, err)
	// one version per successful mutation, starting at 1
	mutations := 0
	for _, e := range f.repo.Audit.Entries() {
		if e.EventType != audit.EventAllocate {
			mutations++
		}
	}
	assert.Equal(t, int64(1+mutations), acct.Version)
}

func TestGetOrInitAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.GetOrInitAccount(ctx, "u", 0)
	require.ErrorIs(t, err, ErrTierRequired)

	acct, err := f.svc.GetOrInitAccount(ctx, "u", 900)
	require.NoError(t, err)
	assert.Equal(t, 900, acct.CreditsTotal)
	assert.Equal(t, int64(1), acct.Version)

	// existing account: tier change alone does not refill mid-cycle
	acct, err = f.svc.GetOrInitAccount(ctx, "u", 3600)
	require.NoError(t, err)
	assert.Equal(t, 900, acct.CreditsTotal)
}

func TestGetOrInitAccount_RefillsOnNewCycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "u", 900)

	_, err := f.svc.Deduct(ctx, "u", 300, "c1")
	require.NoError(t, err)
	_, err = f.svc.Refund(ctx, "u", 20, "c1")
	require.NoError(t, err)

	f.now = f.now.Add(29 * 24 * time.Hour)
	acct, err := f.svc.GetOrInitAccount(ctx, "u", 900)
	require.NoError(t, err)
	assert.Equal(t, 620, acct.Available(), "no refill inside the first cycle")

	f.now = f.now.Add(2 * 24 * time.Hour)
	acct, err = f.svc.GetOrInitAccount(ctx, "u", 1800)
	require.NoError(t, err)
	assert.Equal(t, 1800, acct.CreditsTotal)
	assert.Zero(t, acct.CreditsUsed)
	assert.Zero(t, acct.CreditsRefunded)
	// the refund resumed with 620, the refill with the new allowance
	assert.Equal(t, []int{620, 1800}, f.freezer.unfreeze)

	// the same cycle does not refill twice
	_, err = f.svc.Deduct(ctx, "u", 100, "c2")
	require.NoError(t, err)
	acct, err = f.svc.GetOrInitAccount(ctx, "u", 1800)
	require.NoError(t, err)
	assert.Equal(t, 1700, acct.Available())

	rec, err := f.svc.Reconcile(ctx, "u")
	require.NoError(t, err)
	assert.True(t, rec.Consistent)
	assert.Equal(t, 1700, rec.AuditBalance)
}

func TestReleaseReservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "u", 900)
	_, err := f.svc.Reserve(ctx, pendingCall("c1", "u", "p1"))
	require.NoError(t, err)

	_, err = f.svc.ReleaseReservation(ctx, "other", "c1", "")
	require.ErrorIs(t, err, calls.ErrNotFound)

	_, err = f.svc.ReleaseReservation(ctx, "u", "c1", calls.OutcomeDispatchFailed)
	require.NoError(t, err)

	c, err := f.calls.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, calls.StatusCancelled, c.Status)
	assert.Equal(t, calls.OutcomeDispatchFailed, c.Outcome)

	bal, err := f.svc.GetBalance(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, 900, bal.Available)
	assert.Zero(t, bal.Projected)
	assert.Equal(t, []int{900}, f.freezer.unfreeze)

	_, err = f.svc.ReleaseReservation(ctx, "u", "c1", "")
	require.ErrorIs(t, err, ErrCallNotActive)
}

func TestAdminOperations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "u", 100)

	_, err := f.svc.AdminAward(ctx, "u", 50, "", "goodwill")
	require.ErrorIs(t, err, ErrInvalidArgument)

	acct, err := f.svc.AdminAward(ctx, "u", 50, "admin-1", "goodwill")
	require.NoError(t, err)
	assert.Equal(t, 150, acct.Available())

	acct, err = f.svc.AdminDeduct(ctx, "u", 500, "admin-1", "abuse")
	require.NoError(t, err)
	assert.Equal(t, 0, acct.Available(), "admin deduct never goes below zero")
	assert.Equal(t, []string{"u"}, f.freezer.frozen)

	entries := f.repo.Audit.Entries()
	last := entries[len(entries)-1]
	assert.Equal(t, audit.EventAdminDeduct, last.EventType)
	assert.Equal(t, 150, last.Seconds)
	assert.Equal(t, "admin-1", last.Actor)

	rec, err := f.svc.Reconcile(ctx, "u")
	require.NoError(t, err)
	assert.True(t, rec.Consistent)
}

func TestReconcile_ReportsDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "u", 900)
	_, err := f.svc.Deduct(ctx, "u", 100, "c1")
	require.NoError(t, err)

	// simulate a write that bypassed the ledger
	f.repo.mu.Lock()
	a := f.repo.accounts["u"]
	a.CreditsUsed -= 50
	f.repo.accounts["u"] = a
	f.repo.mu.Unlock()

	rec, err := f.svc.Reconcile(ctx, "u")
	require.NoError(t, err)
	assert.False(t, rec.Consistent)
	assert.Equal(t, 50, rec.Drift)

	// never auto-corrected
	avail, err := f.svc.Available(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, 850, avail)
}

func TestExponentialBackoff(t *testing.T) {
	b := ExponentialBackoff(10*time.Millisecond, 5)
	assert.Equal(t, 10*time.Millisecond, b(1))
	assert.Equal(t, 50*time.Millisecond, b(2))
	assert.Equal(t, 250*time.Millisecond, b(3))
}

func TestResume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "u", 400)
	_, err := f.svc.Reserve(ctx, pendingCall("c0", "u", "p0"))
	require.NoError(t, err)

	for _, id := range []string{"c1", "c2"} {
		c := pendingCall(id, "u", "p-"+id)
		c.Status = calls.StatusFrozen
		require.NoError(t, f.calls.Insert(ctx, c))
	}

	slot := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	_, err = f.svc.Resume(ctx, "u", "c1", calls.Patch{ScheduledAt: &slot})
	require.NoError(t, err)
	c1, err := f.calls.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, calls.StatusScheduled, c1.Status)
	assert.True(t, c1.ScheduledAt.Equal(slot))

	// 400 available, 360 now held: c2 no longer fits
	_, err = f.svc.Resume(ctx, "u", "c2", calls.Patch{})
	require.ErrorIs(t, err, ErrNoCredits)
	c2, _ := f.calls.Get(ctx, "c2")
	assert.Equal(t, calls.StatusFrozen, c2.Status)

	_, err = f.svc.Resume(ctx, "u", "c0", calls.Patch{})
	require.ErrorIs(t, err, ErrCallNotActive)
	_, err = f.svc.Resume(ctx, "other", "c2", calls.Patch{})
	require.ErrorIs(t, err, calls.ErrNotFound)

	entries := f.repo.Audit.Entries()
	last := entries[len(entries)-1]
	assert.Equal(t, audit.EventUnfreeze, last.EventType)
	assert.Equal(t, "c1", last.CallID)
	assert.Equal(t, 400, last.BalanceAfter)
}

func TestRefund_CappedAtChargedSeconds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "u", 100)

	// 120s call against 100s: 100 charged, 20 gifted
	res, err := f.svc.Deduct(ctx, "u", 120, "c1")
	require.NoError(t, err)
	require.Equal(t, 20, res.Gifted)

	_, err = f.svc.Refund(ctx, "u", 120, "c1")
	require.ErrorIs(t, err, ErrRefundExceeded, "gifted seconds are not refundable")

	acct, err := f.svc.Refund(ctx, "u", 60, "c1")
	require.NoError(t, err)
	assert.Equal(t, 60, acct.CreditsRefunded)

	_, err = f.svc.Refund(ctx, "u", 60, "c1")
	var le *RefundLimitError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, RefundLimitError{Charged: 100, Refunded: 60, Requested: 60}, *le)

	acct, err = f.svc.Refund(ctx, "u", 40, "c1")
	require.NoError(t, err)
	assert.Equal(t, 100, acct.CreditsRefunded)

	_, err = f.svc.Refund(ctx, "u", 1, "c1")
	require.ErrorIs(t, err, ErrRefundExceeded)
	_, err = f.svc.Refund(ctx, "u", 10, "never-charged")
	require.ErrorIs(t, err, ErrRefundExceeded)
	_, err = f.svc.Refund(ctx, "u", 10, "")
	require.ErrorIs(t, err, ErrInvalidArgument)

	rec, err := f.svc.Reconcile(ctx, "u")
	require.NoError(t, err)
	assert.True(t, rec.Consistent)
}

func TestRefund_ConcurrentRequestsStayWithinCharge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "u", 900)
	f.svc.Freezer = nil
	_, err := f.svc.Deduct(ctx, "u", 120, "c1")
	require.NoError(t, err)
	f.svc.MaxRetries = 20

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.svc.Refund(ctx, "u", 120, "c1")
		}()
	}
	wg.Wait()

	acct, err := f.repo.GetAccount(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, 120, acct.CreditsRefunded)
}

func TestSettleCall_ChargesWithTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "u", 900)
	_, err := f.svc.Reserve(ctx, pendingCall("c1", "u", "p1"))
	require.NoError(t, err)

	o := calls.OutcomeSuccess
	d := 95
	req := calls.TransitionRequest{
		CallID: "c1",
		From:   []calls.Status{calls.StatusScheduled, calls.StatusInProgress},
		To:     calls.StatusCompleted,
		Patch:  calls.Patch{Outcome: &o, DurationSeconds: &d},
	}
	res, err := f.svc.SettleCall(ctx, "u", 95, req)
	require.NoError(t, err)
	assert.Equal(t, 95, res.Deducted)
	assert.Equal(t, 805, res.Available)

	c, err := f.calls.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, calls.StatusCompleted, c.Status)
	assert.Equal(t, 95, c.DurationSeconds)

	// the call already left From: no second charge
	_, err = f.svc.SettleCall(ctx, "u", 95, req)
	require.ErrorIs(t, err, ErrCallNotActive)
	avail, err := f.svc.Available(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, 805, avail)
}

func TestSettleCall_ContentionLeavesCallOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "u", 900)
	_, err := f.svc.Reserve(ctx, pendingCall("c1", "u", "p1"))
	require.NoError(t, err)

	repo := &conflictingRepo{Repository: f.repo, conflicts: 4}
	svc := NewService(repo, f.calls)
	svc.Sleep = func(context.Context, time.Duration) error { return nil }
	req := calls.TransitionRequest{
		CallID: "c1",
		From:   []calls.Status{calls.StatusScheduled, calls.StatusInProgress},
		To:     calls.StatusCompleted,
	}
	_, err = svc.SettleCall(ctx, "u", 95, req)
	require.ErrorIs(t, err, ErrContention)

	c, err := f.calls.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, calls.StatusScheduled, c.Status)

	res, err := svc.SettleCall(ctx, "u", 95, req)
	require.NoError(t, err)
	assert.Equal(t, 805, res.Available)
}
