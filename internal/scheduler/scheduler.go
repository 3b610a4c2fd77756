package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"practice-dialer/internal/calls"
	"practice-dialer/internal/credits"
	"practice-dialer/internal/directory"
	"practice-dialer/internal/hours"
	"practice-dialer/pkg/logger"

	"github.com/google/uuid"
)

var (
	ErrPracticeBlocked      = errors.New("practice opted out of calls")
	ErrCallAlreadyScheduled = errors.New("call already scheduled for practice")
	ErrNoSlotFound          = errors.New("no call slot found")
	ErrMaxAttempts          = errors.New("maximum attempts reached")
)

// Ledger is the part of the credit ledger the scheduler reserves against.
type Ledger interface {
	CanReserve(ctx context.Context, userID string) error
	Reserve(ctx context.Context, c calls.Call) (credits.Account, error)
	ReleaseReservation(ctx context.Context, userID, callID string, outcome calls.Outcome) (credits.Account, error)
}

type Dispatcher interface {
	Submit(ctx context.Context, c calls.Call) (calls.Call, error)
	Cancel(ctx context.Context, c calls.Call) error
}

// Scheduler creates calls: it finds a slot in the practice's opening hours,
// reserves credit for the call and hands it to the provider.
type Scheduler struct {
	calls      calls.Repository
	ledger     Ledger
	directory  directory.Lookup
	engine     *hours.Engine
	dispatcher Dispatcher

	MaxAttempts      int
	ProjectedSeconds int

	Logger *slog.Logger
}

func New(callRepo calls.Repository, ledger Ledger, dir directory.Lookup, engine *hours.Engine, d Dispatcher) *Scheduler {
	return &Scheduler{
		calls:            callRepo,
		ledger:           ledger,
		directory:        dir,
		engine:           engine,
		dispatcher:       d,
		MaxAttempts:      12,
		ProjectedSeconds: credits.DefaultProjectedSeconds,
	}
}

// ScheduleRequest is a user's request to have a practice called.
type ScheduleRequest struct {
	UserID   string
	EID      string
	Metadata calls.DispatchMetadata
}

// CanScheduleCall is the read-only preflight: blocklist, an open call for the
// same practice, and a reservation dry run.
func (s *Scheduler) CanScheduleCall(ctx context.Context, userID, eID string) error {
	if err := s.checkPractice(ctx, userID, eID); err != nil {
		return err
	}
	return s.ledger.CanReserve(ctx, userID)
}

func (s *Scheduler) checkPractice(ctx context.Context, userID, eID string) error {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(eID) == "" {
		return calls.ErrInvalidArgument
	}
	blocked, err := s.calls.IsBlocked(ctx, eID)
	if err != nil {
		return err
	}
	if blocked {
		return ErrPracticeBlocked
	}
	open, err := s.calls.HasOpenCall(ctx, userID, eID)
	if err != nil {
		return err
	}
	if open {
		return ErrCallAlreadyScheduled
	}
	return nil
}

// ScheduleCall creates, reserves and dispatches the first attempt for a practice.
// A dispatch failure releases the reservation and cancels the call.
func (s *Scheduler) ScheduleCall(ctx context.Context, req ScheduleRequest) (calls.Call, error) {
	log := logger.Or(ctx, s.Logger).With("user_id", req.UserID, "e_id", req.EID)

	if err := s.checkPractice(ctx, req.UserID, req.EID); err != nil {
		return calls.Call{}, err
	}
	practice, err := s.directory.Practice(ctx, req.EID)
	if err != nil {
		return calls.Call{}, fmt.Errorf("directory lookup: %w", err)
	}
	slot, err := s.nextSlot(practice, nil, s.MaxAttempts)
	if err != nil {
		log.Info("no slot for practice", "err", err)
		return calls.Call{}, err
	}

	meta := req.Metadata
	if meta.PracticeName == "" {
		meta.PracticeName = practice.Name
	}
	c := calls.Call{
		ID:               uuid.NewString(),
		UserID:           req.UserID,
		EID:              req.EID,
		TherapistPhone:   practice.Phone,
		ScheduledAt:      slot.At.UTC(),
		IsSprechstunde:   slot.IsSprechstunde,
		AttemptNumber:    1,
		MaxAttempts:      s.MaxAttempts,
		Status:           calls.StatusScheduled,
		ProjectedSeconds: s.ProjectedSeconds,
		Metadata:         meta,
	}
	return s.reserveAndDispatch(ctx, log, c)
}

func (s *Scheduler) reserveAndDispatch(ctx context.Context, log *slog.Logger, c calls.Call) (calls.Call, error) {
	if _, err := s.ledger.Reserve(ctx, c); err != nil {
		if errors.Is(err, calls.ErrDuplicateOpenCall) {
			return calls.Call{}, ErrCallAlreadyScheduled
		}
		return calls.Call{}, err
	}

	dispatched, err := s.dispatcher.Submit(ctx, c)
	if err != nil {
		log.Warn("dispatch failed, releasing reservation", "call_id", c.ID, "err", err)
		if _, rerr := s.ledger.ReleaseReservation(ctx, c.UserID, c.ID, calls.OutcomeDispatchFailed); rerr != nil {
			log.Error("release after dispatch failure", "call_id", c.ID, "err", rerr)
		}
		return calls.Call{}, err
	}
	log.Info("call scheduled", "call_id", c.ID, "attempt", c.AttemptNumber, "scheduled_at", c.ScheduledAt, "sprechstunde", c.IsSprechstunde)
	return dispatched, nil
}

// Escalate creates the next attempt after a retryable outcome of prev, which
// must already be terminal. When credit is exhausted the successor is stored
// frozen, unreserved, so the next refill or award resumes it.
func (s *Scheduler) Escalate(ctx context.Context, prev calls.Call) (calls.Call, error) {
	log := logger.Or(ctx, s.Logger).With("user_id", prev.UserID, "e_id", prev.EID, "previous_call_id", prev.ID)

	if prev.MaxAttempts > 0 && prev.AttemptNumber >= prev.MaxAttempts {
		return calls.Call{}, ErrMaxAttempts
	}
	blocked, err := s.calls.IsBlocked(ctx, prev.EID)
	if err != nil {
		return calls.Call{}, err
	}
	if blocked {
		return calls.Call{}, ErrPracticeBlocked
	}

	practice, err := s.directory.Practice(ctx, prev.EID)
	if err != nil {
		return calls.Call{}, fmt.Errorf("directory lookup: %w", err)
	}
	prior, err := s.attempts(ctx, prev)
	if err != nil {
		return calls.Call{}, err
	}
	slot, err := s.nextSlot(practice, prior, prev.MaxAttempts)
	if err != nil {
		return calls.Call{}, err
	}

	next := calls.Call{
		ID:               uuid.NewString(),
		UserID:           prev.UserID,
		EID:              prev.EID,
		TherapistPhone:   prev.TherapistPhone,
		ScheduledAt:      slot.At.UTC(),
		IsSprechstunde:   slot.IsSprechstunde,
		AttemptNumber:    prev.AttemptNumber + 1,
		MaxAttempts:      prev.MaxAttempts,
		PreviousCallID:   prev.ID,
		Status:           calls.StatusScheduled,
		ProjectedSeconds: prev.ProjectedSeconds,
		Metadata:         prev.Metadata,
	}
	if practice.Phone != "" {
		next.TherapistPhone = practice.Phone
	}

	out, err := s.reserveAndDispatch(ctx, log, next)
	if errors.Is(err, credits.ErrNoCredits) {
		next.Status = calls.StatusFrozen
		if ierr := s.calls.Insert(ctx, next); ierr != nil {
			return calls.Call{}, fmt.Errorf("insert frozen successor: %w", ierr)
		}
		log.Info("successor stored frozen", "call_id", next.ID, "attempt", next.AttemptNumber)
		return next, nil
	}
	return out, err
}

// CancelCall cancels a scheduled or frozen call of userID. The provider
// cancel is best-effort; the local cancellation always happens.
func (s *Scheduler) CancelCall(ctx context.Context, userID, callID string) (calls.Call, error) {
	c, err := s.calls.Get(ctx, callID)
	if err != nil {
		return calls.Call{}, err
	}
	if c.UserID != userID {
		return calls.Call{}, calls.ErrNotFound
	}
	if c.Status != calls.StatusScheduled && c.Status != calls.StatusFrozen {
		return calls.Call{}, calls.ErrInvalidTransition
	}
	_ = s.dispatcher.Cancel(ctx, c)
	if _, err := s.ledger.ReleaseReservation(ctx, userID, callID, calls.OutcomeCancelled); err != nil {
		return calls.Call{}, err
	}
	return s.calls.Get(ctx, callID)
}

// SlotFor computes a fresh slot for an existing call, e.g. one being unfrozen.
func (s *Scheduler) SlotFor(ctx context.Context, c calls.Call) (hours.Slot, error) {
	practice, err := s.directory.Practice(ctx, c.EID)
	if err != nil {
		return hours.Slot{}, fmt.Errorf("directory lookup: %w", err)
	}
	prior, err := s.attempts(ctx, calls.Call{PreviousCallID: c.PreviousCallID, MaxAttempts: c.MaxAttempts})
	if err != nil {
		return hours.Slot{}, err
	}
	return s.nextSlot(practice, prior, 0)
}

func (s *Scheduler) nextSlot(p directory.Practice, prior []time.Time, maxAttempts int) (hours.Slot, error) {
	sched, err := hours.Parse(p.OpeningHoursRaw)
	if err != nil {
		return hours.Slot{}, fmt.Errorf("%w: %v", ErrNoSlotFound, err)
	}
	slot, ok := s.engine.NextSlot(sched, prior, maxAttempts)
	if !ok {
		return hours.Slot{}, ErrNoSlotFound
	}
	return slot, nil
}

// attempts returns the scheduled times of c and its predecessors.
func (s *Scheduler) attempts(ctx context.Context, c calls.Call) ([]time.Time, error) {
	var out []time.Time
	if !c.ScheduledAt.IsZero() {
		out = append(out, c.ScheduledAt)
	}
	limit := max(c.MaxAttempts, s.MaxAttempts)
	for id := c.PreviousCallID; id != "" && len(out) < limit; {
		p, err := s.calls.Get(ctx, id)
		if errors.Is(err, calls.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, p.ScheduledAt)
		id = p.PreviousCallID
	}
	return out, nil
}
