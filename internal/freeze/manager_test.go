package freeze

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"practice-dialer/internal/audit"
	"practice-dialer/internal/calls"
	"practice-dialer/internal/credits"
	"practice-dialer/internal/hours"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDispatcher struct {
	mu        sync.Mutex
	submitted []string
	cancelled []string
	submitErr error
	cancelErr error
}

func (d *fakeDispatcher) Submit(_ context.Context, c calls.Call) (calls.Call, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.submitErr != nil {
		return c, d.submitErr
	}
	d.submitted = append(d.submitted, c.ID)
	c.ProviderBatchID = "batch-" + c.ID
	return c, nil
}

func (d *fakeDispatcher) Cancel(_ context.Context, c calls.Call) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled = append(d.cancelled, c.ID)
	return d.cancelErr
}

type fixedSlot struct {
	at  time.Time
	err error
}

func (s fixedSlot) SlotFor(context.Context, calls.Call) (hours.Slot, error) {
	return hours.Slot{At: s.at, IsSprechstunde: true}, s.err
}

type busyGuard struct{}

func (busyGuard) Lock(context.Context, string) (func(), error) { return nil, ErrBusy }

type fixture struct {
	calls  *calls.MemoryRepo
	audits *audit.MemoryRepo
	ledger *credits.Service
	disp   *fakeDispatcher
	mgr    *Manager
	slot   time.Time
}

func newFixture(t *testing.T, balance int) *fixture {
	t.Helper()
	f := &fixture{
		calls:  calls.NewMemoryRepo(),
		audits: audit.NewMemoryRepo(),
		disp:   &fakeDispatcher{},
		slot:   time.Date(2026, 11, 4, 9, 0, 0, 0, time.UTC),
	}
	f.ledger = credits.NewService(credits.NewMemoryRepo(f.calls, f.audits), f.calls)
	f.ledger.Sleep = func(context.Context, time.Duration) error { return nil }
	f.mgr = NewManager(f.calls, f.ledger, f.disp, fixedSlot{at: f.slot}, audit.NewService(f.audits))
	_, err := f.ledger.GetOrInitAccount(context.Background(), "u", balance)
	require.NoError(t, err)
	return f
}

func (f *fixture) frozenCall(t *testing.T, n int, projected int) string {
	t.Helper()
	id := fmt.Sprintf("f%d", n)
	require.NoError(t, f.calls.Insert(context.Background(), calls.Call{
		ID:               id,
		UserID:           "u",
		EID:              "p-" + id,
		TherapistPhone:   "+493012345678",
		Status:           calls.StatusFrozen,
		ProjectedSeconds: projected,
		AttemptNumber:    1,
		MaxAttempts:      12,
		CreatedAt:        time.Date(2026, 11, 1, 8, n, 0, 0, time.UTC),
	}))
	return id
}

func (f *fixture) status(t *testing.T, id string) calls.Status {
	t.Helper()
	c, err := f.calls.Get(context.Background(), id)
	require.NoError(t, err)
	return c.Status
}

func TestFreezePendingCalls(t *testing.T) {
	f := newFixture(t, 900)
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		_, err := f.ledger.Reserve(ctx, calls.Call{ID: id, UserID: "u", EID: "p-" + id, ProviderBatchID: "batch-" + id})
		require.NoError(t, err)
	}
	f.disp.cancelErr = errors.New("provider timeout")

	n, err := f.mgr.FreezePendingCalls(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"a", "b"}, f.disp.cancelled)
	assert.Equal(t, calls.StatusFrozen, f.status(t, "a"))
	assert.Equal(t, calls.StatusFrozen, f.status(t, "b"))

	projected, _ := f.calls.ProjectedSeconds(ctx, "u")
	assert.Zero(t, projected, "frozen calls hold no reservation")

	var freezes int
	for _, e := range f.audits.Entries() {
		if e.EventType == audit.EventFreeze {
			freezes++
			assert.Equal(t, 900, e.BalanceAfter)
		}
	}
	assert.Equal(t, 2, freezes)

	n, err = f.mgr.FreezePendingCalls(ctx, "u")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUnfreeze_AllOrNothing(t *testing.T) {
	f := newFixture(t, 900)
	ctx := context.Background()
	a := f.frozenCall(t, 1, 150)
	b := f.frozenCall(t, 2, 150)

	n, err := f.mgr.UnfreezeIfPossible(ctx, "u", 250)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, calls.StatusFrozen, f.status(t, a))

	n, err = f.mgr.UnfreezeIfPossible(ctx, "u", 350)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{a, b}, f.disp.submitted)

	c, _ := f.calls.Get(ctx, a)
	assert.Equal(t, calls.StatusScheduled, c.Status)
	assert.True(t, c.ScheduledAt.Equal(f.slot))
	assert.True(t, c.IsSprechstunde)
}

func TestUnfreeze_BatchCapOldestFirst(t *testing.T) {
	f := newFixture(t, 900)
	for i := 1; i <= 7; i++ {
		f.frozenCall(t, i, 10)
	}
	n, err := f.mgr.UnfreezeIfPossible(context.Background(), "u", 900)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []string{"f1", "f2", "f3", "f4", "f5"}, f.disp.submitted)
	assert.Equal(t, calls.StatusFrozen, f.status(t, "f6"))
	assert.Equal(t, calls.StatusFrozen, f.status(t, "f7"))
}

func TestUnfreeze_DispatchFailureRefreezes(t *testing.T) {
	f := newFixture(t, 900)
	id := f.frozenCall(t, 1, 180)
	f.disp.submitErr = errors.New("provider down")

	n, err := f.mgr.UnfreezeIfPossible(context.Background(), "u", 900)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, calls.StatusFrozen, f.status(t, id))
}

func TestUnfreeze_NoSlotCancels(t *testing.T) {
	f := newFixture(t, 900)
	id := f.frozenCall(t, 1, 180)
	f.mgr.slots = fixedSlot{err: errors.New("no slot")}

	n, err := f.mgr.UnfreezeIfPossible(context.Background(), "u", 900)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, calls.StatusCancelled, f.status(t, id))
}

func TestUnfreeze_GuardBusy(t *testing.T) {
	f := newFixture(t, 900)
	id := f.frozenCall(t, 1, 180)
	f.mgr.Guard = busyGuard{}

	n, err := f.mgr.UnfreezeIfPossible(context.Background(), "u", 900)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, calls.StatusFrozen, f.status(t, id))
}

func TestLedgerWiring_DrainFreezesAndAwardResumes(t *testing.T) {
	f := newFixture(t, 400)
	f.ledger.Freezer = f.mgr
	ctx := context.Background()

	_, err := f.ledger.Reserve(ctx, calls.Call{ID: "c1", UserID: "u", EID: "p1", TherapistPhone: "+493012345678"})
	require.NoError(t, err)
	_, err = f.ledger.Reserve(ctx, calls.Call{ID: "c2", UserID: "u", EID: "p2", TherapistPhone: "+493012345678"})
	require.NoError(t, err)

	// c1 finishes long: the balance drains and c2 is frozen
	_, _, err = f.calls.Transition(ctx, calls.TransitionRequest{CallID: "c1", From: []calls.Status{calls.StatusScheduled}, To: calls.StatusCompleted})
	require.NoError(t, err)
	res, err := f.ledger.Deduct(ctx, "u", 500, "c1")
	require.NoError(t, err)
	assert.Equal(t, 100, res.Gifted)
	assert.Equal(t, calls.StatusFrozen, f.status(t, "c2"))

	_, err = f.ledger.AdminAward(ctx, "u", 600, "admin-1", "goodwill")
	require.NoError(t, err)
	assert.Equal(t, calls.StatusScheduled, f.status(t, "c2"))
	assert.Equal(t, []string{"c2"}, f.disp.submitted)

	rec, err := f.ledger.Reconcile(ctx, "u")
	require.NoError(t, err)
	assert.True(t, rec.Consistent)
}
