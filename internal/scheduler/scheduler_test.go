package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"practice-dialer/internal/audit"
	"practice-dialer/internal/calls"
	"practice-dialer/internal/credits"
	"practice-dialer/internal/directory"
	"practice-dialer/internal/hours"
	"practice-dialer/internal/telephony"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubDirectory map[string]directory.Practice

func (d stubDirectory) Practice(_ context.Context, eID string) (directory.Practice, error) {
	p, ok := d[eID]
	if !ok {
		return directory.Practice{}, directory.ErrNotFound
	}
	return p, nil
}

type stubDispatcher struct {
	submitted []calls.Call
	cancelled []string
	err       error
}

func (d *stubDispatcher) Submit(_ context.Context, c calls.Call) (calls.Call, error) {
	if d.err != nil {
		return c, d.err
	}
	d.submitted = append(d.submitted, c)
	c.ProviderBatchID = "batch-" + c.ID
	return c, nil
}

func (d *stubDispatcher) Cancel(_ context.Context, c calls.Call) error {
	d.cancelled = append(d.cancelled, c.ID)
	return nil
}

var berlin, _ = time.LoadLocation("Europe/Berlin")

// Monday 2026-11-02 07:00 local.
var monday7 = time.Date(2026, 11, 2, 7, 0, 0, 0, berlin)

type fixture struct {
	calls  *calls.MemoryRepo
	ledger *credits.Service
	disp   *stubDispatcher
	sched  *Scheduler
}

func newFixture(t *testing.T, balance int) *fixture {
	t.Helper()
	f := &fixture{calls: calls.NewMemoryRepo(), disp: &stubDispatcher{}}
	f.ledger = credits.NewService(credits.NewMemoryRepo(f.calls, audit.NewMemoryRepo()), f.calls)
	f.ledger.Sleep = func(context.Context, time.Duration) error { return nil }
	_, err := f.ledger.GetOrInitAccount(context.Background(), "u", balance)
	require.NoError(t, err)

	dir := stubDirectory{
		"e-1":    {EID: "e-1", Name: "Praxis Muster", Phone: "030 12345678", OpeningHoursRaw: "Mo-Fr 8-12"},
		"e-2":    {EID: "e-2", Name: "Praxis Zwei", Phone: "030 87654321", OpeningHoursRaw: "Mo 8-12\nTelefonsprechstunde Mo 14-15"},
		"e-none": {EID: "e-none", Name: "Ohne Zeiten", Phone: "030 11111111", OpeningHoursRaw: "nach Vereinbarung"},
	}
	engine := hours.NewEngine(berlin, 14).WithClock(func() time.Time { return monday7 })
	f.sched = New(f.calls, f.ledger, dir, engine, f.disp)
	return f
}

func TestCanScheduleCall(t *testing.T) {
	f := newFixture(t, 900)
	ctx := context.Background()

	require.NoError(t, f.sched.CanScheduleCall(ctx, "u", "e-1"))

	require.NoError(t, f.calls.Block(ctx, "e-blocked", "opted out", monday7))
	assert.ErrorIs(t, f.sched.CanScheduleCall(ctx, "u", "e-blocked"), ErrPracticeBlocked)

	_, err := f.sched.ScheduleCall(ctx, ScheduleRequest{UserID: "u", EID: "e-1"})
	require.NoError(t, err)
	assert.ErrorIs(t, f.sched.CanScheduleCall(ctx, "u", "e-1"), ErrCallAlreadyScheduled)

	assert.ErrorIs(t, f.sched.CanScheduleCall(ctx, "u", ""), calls.ErrInvalidArgument)
}

func TestCanScheduleCall_NoCredits(t *testing.T) {
	f := newFixture(t, 20)
	var nc *credits.NoCreditsError
	err := f.sched.CanScheduleCall(context.Background(), "u", "e-1")
	require.ErrorAs(t, err, &nc)
	assert.Equal(t, 20, nc.Available)
}

func TestScheduleCall(t *testing.T) {
	f := newFixture(t, 900)
	ctx := context.Background()

	c, err := f.sched.ScheduleCall(ctx, ScheduleRequest{
		UserID:   "u",
		EID:      "e-1",
		Metadata: calls.DispatchMetadata{PatientName: "Alex"},
	})
	require.NoError(t, err)
	assert.Equal(t, "batch-"+c.ID, c.ProviderBatchID)
	assert.True(t, c.ScheduledAt.Equal(time.Date(2026, 11, 2, 8, 0, 0, 0, berlin)))
	assert.Equal(t, 1, c.AttemptNumber)
	assert.Equal(t, 12, c.MaxAttempts)
	assert.Equal(t, "Praxis Muster", c.Metadata.PracticeName)

	stored, err := f.calls.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, calls.StatusScheduled, stored.Status)
	assert.Equal(t, 180, stored.ProjectedSeconds)

	_, err = f.sched.ScheduleCall(ctx, ScheduleRequest{UserID: "u", EID: "e-1"})
	assert.ErrorIs(t, err, ErrCallAlreadyScheduled)
}

func TestScheduleCall_PrefersSprechstunde(t *testing.T) {
	f := newFixture(t, 900)
	c, err := f.sched.ScheduleCall(context.Background(), ScheduleRequest{UserID: "u", EID: "e-2"})
	require.NoError(t, err)
	assert.True(t, c.IsSprechstunde)
	assert.True(t, c.ScheduledAt.Equal(time.Date(2026, 11, 2, 14, 0, 0, 0, berlin)))
}

func TestScheduleCall_NoSlot(t *testing.T) {
	f := newFixture(t, 900)
	_, err := f.sched.ScheduleCall(context.Background(), ScheduleRequest{UserID: "u", EID: "e-none"})
	assert.ErrorIs(t, err, ErrNoSlotFound)

	list, _ := f.calls.ListByUser(context.Background(), "u", 0)
	assert.Empty(t, list, "no call without a slot")
}

func TestScheduleCall_UnknownPractice(t *testing.T) {
	f := newFixture(t, 900)
	_, err := f.sched.ScheduleCall(context.Background(), ScheduleRequest{UserID: "u", EID: "e-404"})
	assert.ErrorIs(t, err, directory.ErrNotFound)
}

func TestScheduleCall_NoCredits(t *testing.T) {
	f := newFixture(t, 20)
	_, err := f.sched.ScheduleCall(context.Background(), ScheduleRequest{UserID: "u", EID: "e-1"})
	assert.ErrorIs(t, err, credits.ErrNoCredits)
	assert.Empty(t, f.disp.submitted)
}

func TestScheduleCall_DispatchFailureReleases(t *testing.T) {
	f := newFixture(t, 900)
	ctx := context.Background()
	f.disp.err = errors.Join(telephony.ErrProvider, errors.New("503"))

	_, err := f.sched.ScheduleCall(ctx, ScheduleRequest{UserID: "u", EID: "e-1"})
	assert.ErrorIs(t, err, telephony.ErrProvider)

	list, err := f.calls.ListByUser(ctx, "u", 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, calls.StatusCancelled, list[0].Status)
	assert.Equal(t, calls.OutcomeDispatchFailed, list[0].Outcome)

	projected, _ := f.calls.ProjectedSeconds(ctx, "u")
	assert.Zero(t, projected)
	require.NoError(t, f.sched.CanScheduleCall(ctx, "u", "e-1"), "a failed dispatch leaves the practice schedulable")
}

func completed(t *testing.T, f *fixture, c calls.Call, outcome calls.Outcome) calls.Call {
	t.Helper()
	done, ok, err := f.calls.Transition(context.Background(), calls.TransitionRequest{
		CallID: c.ID,
		From:   []calls.Status{calls.StatusScheduled},
		To:     calls.StatusCompleted,
		Patch:  calls.Patch{Outcome: &outcome},
	})
	require.NoError(t, err)
	require.True(t, ok)
	return done
}

func TestEscalate(t *testing.T) {
	f := newFixture(t, 900)
	ctx := context.Background()
	first, err := f.sched.ScheduleCall(ctx, ScheduleRequest{UserID: "u", EID: "e-1", Metadata: calls.DispatchMetadata{PatientName: "Alex"}})
	require.NoError(t, err)
	prev := completed(t, f, first, calls.OutcomeNoAnswer)

	next, err := f.sched.Escalate(ctx, prev)
	require.NoError(t, err)
	assert.Equal(t, 2, next.AttemptNumber)
	assert.Equal(t, first.ID, next.PreviousCallID)
	assert.Equal(t, "Alex", next.Metadata.PatientName)
	// the 8-12 window already saw attempt one today
	assert.True(t, next.ScheduledAt.Equal(time.Date(2026, 11, 3, 8, 0, 0, 0, berlin)), next.ScheduledAt)
	assert.Len(t, f.disp.submitted, 2)
}

func TestEscalate_MaxAttempts(t *testing.T) {
	f := newFixture(t, 900)
	prev := calls.Call{ID: "x", UserID: "u", EID: "e-1", AttemptNumber: 12, MaxAttempts: 12}
	_, err := f.sched.Escalate(context.Background(), prev)
	assert.ErrorIs(t, err, ErrMaxAttempts)
}

func TestEscalate_NoCreditsStoresFrozen(t *testing.T) {
	f := newFixture(t, 200)
	ctx := context.Background()
	first, err := f.sched.ScheduleCall(ctx, ScheduleRequest{UserID: "u", EID: "e-1"})
	require.NoError(t, err)
	prev := completed(t, f, first, calls.OutcomeBusy)
	_, err = f.ledger.Deduct(ctx, "u", 190, prev.ID)
	require.NoError(t, err)

	next, err := f.sched.Escalate(ctx, prev)
	require.NoError(t, err)
	assert.Equal(t, calls.StatusFrozen, next.Status)
	stored, err := f.calls.Get(ctx, next.ID)
	require.NoError(t, err)
	assert.Equal(t, calls.StatusFrozen, stored.Status)
	assert.Len(t, f.disp.submitted, 1, "frozen successor is not dispatched")
}

func TestCancelCall(t *testing.T) {
	f := newFixture(t, 900)
	ctx := context.Background()
	c, err := f.sched.ScheduleCall(ctx, ScheduleRequest{UserID: "u", EID: "e-1"})
	require.NoError(t, err)

	_, err = f.sched.CancelCall(ctx, "someone-else", c.ID)
	assert.ErrorIs(t, err, calls.ErrNotFound)

	got, err := f.sched.CancelCall(ctx, "u", c.ID)
	require.NoError(t, err)
	assert.Equal(t, calls.StatusCancelled, got.Status)
	assert.Equal(t, []string{c.ID}, f.disp.cancelled)

	_, err = f.sched.CancelCall(ctx, "u", c.ID)
	assert.ErrorIs(t, err, calls.ErrInvalidTransition)
}

func TestSlotFor_SkipsChainAttempts(t *testing.T) {
	f := newFixture(t, 900)
	ctx := context.Background()
	first, err := f.sched.ScheduleCall(ctx, ScheduleRequest{UserID: "u", EID: "e-1"})
	require.NoError(t, err)
	prev := completed(t, f, first, calls.OutcomeVoicemail)

	slot, err := f.sched.SlotFor(ctx, calls.Call{EID: "e-1", PreviousCallID: prev.ID, MaxAttempts: 12})
	require.NoError(t, err)
	assert.True(t, slot.At.Equal(time.Date(2026, 11, 3, 8, 0, 0, 0, berlin)), slot.At)
}
