package credits

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"practice-dialer/internal/audit"
	"practice-dialer/internal/calls"
	"practice-dialer/internal/metrics"
	"practice-dialer/pkg/logger"
)

const (
	DefaultProjectedSeconds       = 180
	DefaultMinimumLastCallSeconds = 21
	DefaultMaxRetries             = 3

	// BillingCycle is the refill period counted from the subscription start.
	BillingCycle = 30 * 24 * time.Hour
)

// Freezer suspends and resumes a user's pending calls. The ledger calls it
// after a commit, never while a mutation is in flight.
type Freezer interface {
	FreezePendingCalls(ctx context.Context, userID string) (int, error)
	UnfreezeIfPossible(ctx context.Context, userID string, availableSeconds int) (int, error)
}

// Service is the credit ledger.
//
// Every mutation follows the same protocol: read the account and its
// version, compute the new values and the audit entry in a pure function,
// then write conditionally on the version. A conflict is retried after
// Backoff(retry) up to MaxRetries times; the next conflict is ErrContention.
type Service struct {
	repo  Repository
	calls calls.Repository
	clock func() time.Time

	MaxRetries int
	// Backoff returns the wait before retry n (1-based).
	Backoff func(retry int) time.Duration
	Sleep   func(ctx context.Context, d time.Duration) error

	DefaultProjectedSeconds int
	MinimumLastCallSeconds  int

	Freezer Freezer
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func NewService(repo Repository, callRepo calls.Repository) *Service {
	return &Service{
		repo:                    repo,
		calls:                   callRepo,
		clock:                   time.Now,
		MaxRetries:              DefaultMaxRetries,
		Backoff:                 ExponentialBackoff(10*time.Millisecond, 5),
		Sleep:                   sleepContext,
		DefaultProjectedSeconds: DefaultProjectedSeconds,
		MinimumLastCallSeconds:  DefaultMinimumLastCallSeconds,
	}
}

// WithClock replaces the time source.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// ExponentialBackoff returns base * factor^(retry-1).
func ExponentialBackoff(base time.Duration, factor int) func(int) time.Duration {
	return func(retry int) time.Duration {
		d := base
		for i := 1; i < retry; i++ {
			d *= time.Duration(factor)
		}
		return d
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Service) log(ctx context.Context) *slog.Logger { return logger.Or(ctx, s.Logger) }

// mutation computes a Change from the account as read and the seconds held
// by the user's active calls. It must not have side effects: it may run
// several times for one call.
type mutation func(acct Account, projected int) (Change, error)

func (s *Service) mutate(ctx context.Context, op, userID string, fn mutation) (acct Account, err error) {
	started := time.Now()
	defer func() { s.Metrics.LedgerOp(op, resultLabel(err), started) }()

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if err := s.Sleep(ctx, s.Backoff(attempt)); err != nil {
				return Account{}, err
			}
		}

		cur, err := s.repo.GetAccount(ctx, userID)
		if err != nil {
			return Account{}, err
		}
		projected, err := s.calls.ProjectedSeconds(ctx, userID)
		if err != nil {
			return Account{}, err
		}

		ch, err := fn(cur, projected)
		if err != nil {
			return Account{}, err
		}
		now := s.clock().UTC()
		ch.Account.UserID = userID
		ch.Account.Version = cur.Version + 1
		ch.Account.UpdatedAt = now
		ch.Audit.UserID = userID
		ch.Audit.BalanceBefore = cur.Available()
		ch.Audit.BalanceAfter = ch.Account.Available()
		if ch.Audit, err = audit.Prepare(ch.Audit, now); err != nil {
			return Account{}, err
		}

		ok, err := s.repo.Apply(ctx, cur.Version, ch)
		if err != nil {
			return Account{}, err
		}
		if ok {
			return ch.Account, nil
		}

		s.Metrics.LockConflict(op)
		if attempt >= s.MaxRetries {
			s.log(ctx).Warn("ledger contention", "op", op, "user_id", userID, "attempts", attempt+1)
			return Account{}, ErrContention
		}
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNoCredits):
		return "no_credits"
	case errors.Is(err, ErrContention):
		return "contention"
	default:
		return "error"
	}
}

// GetOrInitAccount returns the user's account, creating it with tierSeconds
// if none exists, and refilling it when a new 30-day cycle has begun.
func (s *Service) GetOrInitAccount(ctx context.Context, userID string, tierSeconds int) (Account, error) {
	if userID == "" || tierSeconds < 0 {
		return Account{}, ErrInvalidArgument
	}
	acct, err := s.repo.GetAccount(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return s.createAccount(ctx, userID, tierSeconds)
	}
	if err != nil {
		return Account{}, err
	}

	now := s.clock().UTC()
	if tierSeconds <= 0 || !refillDue(acct, now) {
		return acct, nil
	}

	acct, err = s.mutate(ctx, "refill", userID, func(cur Account, _ int) (Change, error) {
		if !refillDue(cur, now) {
			// a concurrent request already refilled this cycle
			return Change{}, errAlreadyRefilled
		}
		next := cur
		next.CreditsTotal = tierSeconds
		next.CreditsUsed = 0
		next.CreditsRefunded = 0
		next.LastRefillAt = now
		return Change{
			Account: next,
			Audit: audit.Entry{
				EventType: audit.EventAllocate,
				Seconds:   tierSeconds,
				Reason:    "cycle_refill",
			},
		}, nil
	})
	if errors.Is(err, errAlreadyRefilled) {
		return s.repo.GetAccount(ctx, userID)
	}
	if err != nil {
		return Account{}, err
	}
	s.log(ctx).Info("credit refill", "user_id", userID, "seconds", tierSeconds)
	s.afterCredit(ctx, userID, acct)
	return acct, nil
}

var errAlreadyRefilled = errors.New("already refilled")

func (s *Service) createAccount(ctx context.Context, userID string, tierSeconds int) (Account, error) {
	if tierSeconds <= 0 {
		return Account{}, ErrTierRequired
	}
	now := s.clock().UTC()
	acct := Account{
		UserID:                userID,
		CreditsTotal:          tierSeconds,
		Version:               1,
		LastRefillAt:          now,
		SubscriptionStartedAt: now,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	entry, err := audit.Prepare(audit.Entry{
		UserID:       userID,
		EventType:    audit.EventAllocate,
		Seconds:      tierSeconds,
		BalanceAfter: tierSeconds,
		Reason:       "account_created",
	}, now)
	if err != nil {
		return Account{}, err
	}
	created, err := s.repo.CreateAccount(ctx, acct, entry)
	if err != nil {
		return Account{}, err
	}
	if !created {
		return s.repo.GetAccount(ctx, userID)
	}
	return acct, nil
}

// refillDue reports whether now lies in a later 30-day cycle than the last refill.
func refillDue(a Account, now time.Time) bool {
	if a.SubscriptionStartedAt.IsZero() {
		return false
	}
	return cycleIndex(a.SubscriptionStartedAt, now) > cycleIndex(a.SubscriptionStartedAt, a.LastRefillAt)
}

func cycleIndex(start, at time.Time) int64 {
	if at.Before(start) {
		return 0
	}
	return int64(at.Sub(start) / BillingCycle)
}

// canReserve is the reservation rule: a full default reservation must fit,
// or at least the minimum for one last call.
func (s *Service) canReserve(available, projected int) (ok, lastCall bool) {
	if available >= projected+s.DefaultProjectedSeconds {
		return true, false
	}
	if available >= projected+s.MinimumLastCallSeconds {
		return true, true
	}
	return false, false
}

// CanReserve is the read-only dry run of Reserve.
func (s *Service) CanReserve(ctx context.Context, userID string) error {
	acct, err := s.repo.GetAccount(ctx, userID)
	if err != nil {
		return err
	}
	projected, err := s.calls.ProjectedSeconds(ctx, userID)
	if err != nil {
		return err
	}
	if ok, _ := s.canReserve(acct.Available(), projected); !ok {
		return &NoCreditsError{Available: acct.Available(), Projected: projected}
	}
	return nil
}

// Reserve holds call.ProjectedSeconds for the call and inserts the call row
// in the same commit. No call exists without backing credit and no credit
// is held without a call.
func (s *Service) Reserve(ctx context.Context, call calls.Call) (Account, error) {
	if call.UserID == "" || call.ID == "" {
		return Account{}, ErrInvalidArgument
	}
	if call.ProjectedSeconds <= 0 {
		call.ProjectedSeconds = s.DefaultProjectedSeconds
	}
	if call.Status == "" {
		call.Status = calls.StatusScheduled
	}
	if call.Status != calls.StatusScheduled {
		return Account{}, ErrInvalidArgument
	}

	return s.mutate(ctx, "reserve", call.UserID, func(cur Account, projected int) (Change, error) {
		ok, lastCall := s.canReserve(cur.Available(), projected)
		if !ok {
			return Change{}, &NoCreditsError{Available: cur.Available(), Projected: projected}
		}
		c := call
		return Change{
			Account: cur,
			Audit: audit.Entry{
				EventType: audit.EventReserve,
				Seconds:   call.ProjectedSeconds,
				CallID:    call.ID,
				Metadata:  jsonMeta(map[string]any{"projected_before": projected, "last_call": lastCall}),
			},
			InsertCall: &c,
		}, nil
	})
}

// Deduct charges min(actualSeconds, available) for a finished call. The rest
// is gifted: logged, never charged. A balance at or below zero afterwards
// freezes the user's pending calls.
func (s *Service) Deduct(ctx context.Context, userID string, actualSeconds int, callID string) (DeductResult, error) {
	return s.deduct(ctx, userID, actualSeconds, callID, nil)
}

// SettleCall applies the terminal transition req and charges actualSeconds in
// one commit. When the call has already left req.From nothing is charged and
// ErrCallNotActive is returned, so a replayed outcome cannot bill twice and a
// failed charge leaves the call open for the next delivery.
func (s *Service) SettleCall(ctx context.Context, userID string, actualSeconds int, req calls.TransitionRequest) (DeductResult, error) {
	if err := req.Validate(); err != nil {
		return DeductResult{}, err
	}
	return s.deduct(ctx, userID, actualSeconds, req.CallID, &req)
}

func (s *Service) deduct(ctx context.Context, userID string, actualSeconds int, callID string, tr *calls.TransitionRequest) (DeductResult, error) {
	if userID == "" || actualSeconds < 0 {
		return DeductResult{}, ErrInvalidArgument
	}
	var res DeductResult
	acct, err := s.mutate(ctx, "deduct", userID, func(cur Account, _ int) (Change, error) {
		avail := max(cur.Available(), 0)
		deducted := min(actualSeconds, avail)
		gifted := max(actualSeconds-avail, 0)
		res = DeductResult{Deducted: deducted, Gifted: gifted}

		next := cur
		next.CreditsUsed += deducted
		return Change{
			Account: next,
			Audit: audit.Entry{
				EventType:     audit.EventDeduct,
				Seconds:       deducted,
				GiftedSeconds: gifted,
				CallID:        callID,
				Metadata:      jsonMeta(map[string]any{"actual_seconds": actualSeconds}),
			},
			Transition: tr,
		}, nil
	})
	if err != nil {
		return DeductResult{}, err
	}
	res.Available = acct.Available()
	if res.Gifted > 0 {
		s.Metrics.Gifted(res.Gifted)
		s.log(ctx).Warn("gifted call seconds", "user_id", userID, "call_id", callID, "gifted_seconds", res.Gifted)
	}
	s.afterDebit(ctx, userID, acct)
	return res, nil
}

// Refund returns seconds charged for callID. Across all refunds the call can
// get back at most what its deduct entries charged; gifted seconds were never
// charged and are not refundable.
func (s *Service) Refund(ctx context.Context, userID string, seconds int, callID string) (Account, error) {
	if userID == "" || seconds <= 0 || callID == "" {
		return Account{}, ErrInvalidArgument
	}
	acct, err := s.mutate(ctx, "refund", userID, func(cur Account, _ int) (Change, error) {
		// entries commit with the version bump, so a refund landing after
		// this read fails the version check and the loop reads again
		entries, err := s.repo.ListAudit(ctx, userID)
		if err != nil {
			return Change{}, err
		}
		charged, refunded := callTotals(entries, callID)
		if refunded+seconds > charged {
			return Change{}, &RefundLimitError{Charged: charged, Refunded: refunded, Requested: seconds}
		}
		next := cur
		next.CreditsRefunded += seconds
		return Change{
			Account: next,
			Audit:   audit.Entry{EventType: audit.EventRefund, Seconds: seconds, CallID: callID},
		}, nil
	})
	if err != nil {
		return Account{}, err
	}
	s.afterCredit(ctx, userID, acct)
	return acct, nil
}

// callTotals sums the seconds charged to and refunded for one call.
func callTotals(entries []audit.Entry, callID string) (charged, refunded int) {
	for _, e := range entries {
		if e.CallID != callID {
			continue
		}
		switch e.EventType {
		case audit.EventDeduct:
			charged += e.Seconds
		case audit.EventRefund:
			refunded += e.Seconds
		}
	}
	return charged, refunded
}

// ReleaseReservation cancels a scheduled or frozen call and releases what it
// held. The balance itself does not move: the hold only existed as the call's
// projected seconds.
func (s *Service) ReleaseReservation(ctx context.Context, userID, callID string, outcome calls.Outcome) (Account, error) {
	if userID == "" || callID == "" {
		return Account{}, ErrInvalidArgument
	}
	call, err := s.calls.Get(ctx, callID)
	if err != nil {
		return Account{}, err
	}
	if call.UserID != userID {
		return Account{}, calls.ErrNotFound
	}
	if outcome == "" {
		outcome = calls.OutcomeCancelled
	}
	released := 0
	if call.Status.Active() {
		released = call.ProjectedSeconds
	}

	acct, err := s.mutate(ctx, "release", userID, func(cur Account, _ int) (Change, error) {
		o := outcome
		return Change{
			Account: cur,
			Audit: audit.Entry{
				EventType: audit.EventRefund,
				CallID:    callID,
				Reason:    string(outcome),
				Metadata:  jsonMeta(map[string]any{"released_seconds": released}),
			},
			Transition: &calls.TransitionRequest{
				CallID: callID,
				From:   []calls.Status{calls.StatusScheduled, calls.StatusFrozen},
				To:     calls.StatusCancelled,
				Patch:  calls.Patch{Outcome: &o},
			},
		}, nil
	})
	if err != nil {
		return Account{}, err
	}
	if released > 0 {
		s.afterCredit(ctx, userID, acct)
	}
	return acct, nil
}

// Resume moves a frozen call back to scheduled, applying patch (the fresh
// slot). The call's projected seconds count against the balance again, so
// the move runs under the ledger protocol and fails with ErrNoCredits when
// the free balance no longer covers it.
func (s *Service) Resume(ctx context.Context, userID, callID string, patch calls.Patch) (Account, error) {
	if userID == "" || callID == "" {
		return Account{}, ErrInvalidArgument
	}
	call, err := s.calls.Get(ctx, callID)
	if err != nil {
		return Account{}, err
	}
	if call.UserID != userID {
		return Account{}, calls.ErrNotFound
	}
	if call.Status != calls.StatusFrozen {
		return Account{}, ErrCallNotActive
	}

	return s.mutate(ctx, "unfreeze", userID, func(cur Account, projected int) (Change, error) {
		if cur.Available()-projected < call.ProjectedSeconds {
			return Change{}, &NoCreditsError{Available: cur.Available(), Projected: projected}
		}
		return Change{
			Account: cur,
			Audit: audit.Entry{
				EventType: audit.EventUnfreeze,
				Seconds:   call.ProjectedSeconds,
				CallID:    callID,
			},
			Transition: &calls.TransitionRequest{
				CallID: callID,
				From:   []calls.Status{calls.StatusFrozen},
				To:     calls.StatusScheduled,
				Patch:  patch,
			},
		}, nil
	})
}

// AdminAward grants extra seconds on top of the tier allowance.
func (s *Service) AdminAward(ctx context.Context, userID string, seconds int, actor, reason string) (Account, error) {
	if userID == "" || seconds <= 0 || actor == "" {
		return Account{}, ErrInvalidArgument
	}
	acct, err := s.mutate(ctx, "admin_award", userID, func(cur Account, _ int) (Change, error) {
		next := cur
		next.CreditsTotal += seconds
		return Change{
			Account: next,
			Audit:   audit.Entry{EventType: audit.EventAdminAward, Seconds: seconds, Actor: actor, Reason: reason},
		}, nil
	})
	if err != nil {
		return Account{}, err
	}
	s.log(ctx).Info("admin award", "user_id", userID, "seconds", seconds, "actor", actor)
	s.afterCredit(ctx, userID, acct)
	return acct, nil
}

// AdminDeduct removes seconds, never below zero available.
func (s *Service) AdminDeduct(ctx context.Context, userID string, seconds int, actor, reason string) (Account, error) {
	if userID == "" || seconds <= 0 || actor == "" {
		return Account{}, ErrInvalidArgument
	}
	acct, err := s.mutate(ctx, "admin_deduct", userID, func(cur Account, _ int) (Change, error) {
		d := min(seconds, max(cur.Available(), 0))
		next := cur
		next.CreditsUsed += d
		return Change{
			Account: next,
			Audit:   audit.Entry{EventType: audit.EventAdminDeduct, Seconds: d, Actor: actor, Reason: reason},
		}, nil
	})
	if err != nil {
		return Account{}, err
	}
	s.log(ctx).Info("admin deduct", "user_id", userID, "seconds", seconds, "actor", actor)
	s.afterDebit(ctx, userID, acct)
	return acct, nil
}

// Available returns total - used + refunded.
func (s *Service) Available(ctx context.Context, userID string) (int, error) {
	acct, err := s.repo.GetAccount(ctx, userID)
	if err != nil {
		return 0, err
	}
	return acct.Available(), nil
}

func (s *Service) GetBalance(ctx context.Context, userID string) (Balance, error) {
	if userID == "" {
		return Balance{}, ErrInvalidArgument
	}
	acct, err := s.repo.GetAccount(ctx, userID)
	if err != nil {
		return Balance{}, err
	}
	projected, err := s.calls.ProjectedSeconds(ctx, userID)
	if err != nil {
		return Balance{}, err
	}
	return balanceOf(acct, projected), nil
}

// Reconcile recomputes the balance from the audit log. A drift of more than
// one second is reported and logged; it is never corrected here.
func (s *Service) Reconcile(ctx context.Context, userID string) (Reconciliation, error) {
	acct, err := s.repo.GetAccount(ctx, userID)
	if err != nil {
		return Reconciliation{}, err
	}
	entries, err := s.repo.ListAudit(ctx, userID)
	if err != nil {
		return Reconciliation{}, err
	}
	derived, _ := audit.Derive(entries)
	live := acct.Available()
	drift := live - derived
	rec := Reconciliation{
		UserID:       userID,
		LiveBalance:  live,
		AuditBalance: derived,
		Drift:        drift,
		Consistent:   drift >= -1 && drift <= 1,
		Entries:      len(entries),
	}
	if !rec.Consistent {
		s.log(ctx).Error("ledger reconciliation mismatch", "user_id", userID, "live", live, "audit", derived, "drift", drift)
	}
	return rec, nil
}

// afterCredit resumes frozen calls once the balance can cover them.
func (s *Service) afterCredit(ctx context.Context, userID string, acct Account) {
	if s.Freezer == nil {
		return
	}
	projected, err := s.calls.ProjectedSeconds(ctx, userID)
	if err != nil {
		s.log(ctx).Error("unfreeze: projected seconds", "user_id", userID, "err", err)
		return
	}
	if _, err := s.Freezer.UnfreezeIfPossible(ctx, userID, acct.Available()-projected); err != nil {
		s.log(ctx).Error("unfreeze failed", "user_id", userID, "err", err)
	}
}

// afterDebit freezes pending calls once nothing is left.
func (s *Service) afterDebit(ctx context.Context, userID string, acct Account) {
	if s.Freezer == nil || acct.Available() > 0 {
		return
	}
	if _, err := s.Freezer.FreezePendingCalls(ctx, userID); err != nil {
		s.log(ctx).Error("freeze failed", "user_id", userID, "err", err)
	}
}

func jsonMeta(m map[string]any) string {
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(b)
}
