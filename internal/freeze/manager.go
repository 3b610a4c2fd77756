package freeze

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"practice-dialer/internal/calls"
	"practice-dialer/internal/credits"
	"practice-dialer/internal/hours"
	"practice-dialer/internal/metrics"
	"practice-dialer/pkg/logger"

	"golang.org/x/sync/errgroup"
)

// DefaultBatchSize bounds provider calls per unfreeze.
const DefaultBatchSize = 5

// Ledger is the slice of the credit ledger the manager needs.
type Ledger interface {
	Available(ctx context.Context, userID string) (int, error)
	Resume(ctx context.Context, userID, callID string, patch calls.Patch) (credits.Account, error)
	ReleaseReservation(ctx context.Context, userID, callID string, outcome calls.Outcome) (credits.Account, error)
}

// Dispatcher submits and cancels provider batches.
type Dispatcher interface {
	Submit(ctx context.Context, c calls.Call) (calls.Call, error)
	Cancel(ctx context.Context, c calls.Call) error
}

// Slotter finds a fresh slot for a call being resumed.
type Slotter interface {
	SlotFor(ctx context.Context, c calls.Call) (hours.Slot, error)
}

// AuditLog records freezes, which move no balance.
type AuditLog interface {
	LogFreeze(ctx context.Context, userID, callID string, projected, balance int) error
}

// Guard serialises unfreeze runs per user across instances.
type Guard interface {
	Lock(ctx context.Context, userID string) (unlock func(), err error)
}

// ErrBusy is returned by a Guard when another run holds the user.
var ErrBusy = errors.New("unfreeze already running")

// Manager suspends a user's pending calls when credit runs out and resumes
// them in small batches once it comes back. It implements credits.Freezer.
type Manager struct {
	calls      calls.Repository
	ledger     Ledger
	dispatcher Dispatcher
	slots      Slotter
	audit      AuditLog

	BatchSize int
	// CancelConcurrency bounds parallel provider cancels during a freeze.
	CancelConcurrency int
	Guard             Guard

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func NewManager(callRepo calls.Repository, ledger Ledger, d Dispatcher, slots Slotter, auditLog AuditLog) *Manager {
	return &Manager{
		calls:             callRepo,
		ledger:            ledger,
		dispatcher:        d,
		slots:             slots,
		audit:             auditLog,
		BatchSize:         DefaultBatchSize,
		CancelConcurrency: 4,
	}
}

var _ credits.Freezer = (*Manager)(nil)

// FreezePendingCalls moves every scheduled call of the user to frozen.
// Provider cancels are best-effort; the local transition always happens.
func (m *Manager) FreezePendingCalls(ctx context.Context, userID string) (int, error) {
	log := logger.Or(ctx, m.Logger).With("user_id", userID)

	pending, err := m.calls.ListByUser(ctx, userID, 0, calls.StatusScheduled)
	if err != nil {
		return 0, fmt.Errorf("list scheduled calls: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}
	balance, err := m.ledger.Available(ctx, userID)
	if err != nil {
		log.Warn("freeze: balance unavailable", "err", err)
	}

	frozen := make([]bool, len(pending))
	var g errgroup.Group
	g.SetLimit(max(m.CancelConcurrency, 1))
	for i, c := range pending {
		g.Go(func() error {
			_ = m.dispatcher.Cancel(ctx, c)

			_, ok, err := m.calls.Transition(ctx, calls.TransitionRequest{
				CallID: c.ID,
				From:   []calls.Status{calls.StatusScheduled},
				To:     calls.StatusFrozen,
			})
			if err != nil {
				return fmt.Errorf("freeze call %s: %w", c.ID, err)
			}
			if !ok {
				// picked up by a webhook or a cancel meanwhile
				return nil
			}
			frozen[i] = true
			if err := m.audit.LogFreeze(ctx, userID, c.ID, c.ProjectedSeconds, balance); err != nil {
				log.Error("freeze audit failed", "call_id", c.ID, "err", err)
			}
			return nil
		})
	}
	err = g.Wait()

	n := 0
	for _, f := range frozen {
		if f {
			n++
		}
	}
	m.Metrics.Frozen(n)
	log.Info("pending calls frozen", "frozen", n, "pending", len(pending))
	return n, err
}

// UnfreezeIfPossible resumes up to BatchSize frozen calls, oldest first, when
// availableSeconds covers all of their projected seconds. Otherwise nothing
// moves and the calls wait for the next credit.
func (m *Manager) UnfreezeIfPossible(ctx context.Context, userID string, availableSeconds int) (int, error) {
	log := logger.Or(ctx, m.Logger).With("user_id", userID)

	if m.Guard != nil {
		unlock, err := m.Guard.Lock(ctx, userID)
		if errors.Is(err, ErrBusy) {
			log.Debug("unfreeze skipped: already running")
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		defer unlock()
	}

	batch, err := m.oldestFrozen(ctx, userID)
	if err != nil || len(batch) == 0 {
		return 0, err
	}
	need := 0
	for _, c := range batch {
		need += c.ProjectedSeconds
	}
	if availableSeconds < need {
		log.Debug("unfreeze deferred", "available", availableSeconds, "needed", need)
		return 0, nil
	}

	n := 0
	for _, c := range batch {
		ok, err := m.resume(ctx, log, c)
		if err != nil {
			m.Metrics.Unfrozen(n)
			return n, err
		}
		if ok {
			n++
		}
	}
	m.Metrics.Unfrozen(n)
	log.Info("frozen calls resumed", "resumed", n, "batch", len(batch))
	return n, nil
}

func (m *Manager) oldestFrozen(ctx context.Context, userID string) ([]calls.Call, error) {
	frozen, err := m.calls.ListByUser(ctx, userID, 0, calls.StatusFrozen)
	if err != nil {
		return nil, fmt.Errorf("list frozen calls: %w", err)
	}
	size := m.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}
	var out []calls.Call
	for i := len(frozen) - 1; i >= 0 && len(out) < size; i-- {
		out = append(out, frozen[i])
	}
	return out, nil
}

// resume re-slots, re-reserves and re-dispatches one call. ok is false when
// the call was skipped or had to be given up.
func (m *Manager) resume(ctx context.Context, log *slog.Logger, c calls.Call) (bool, error) {
	slot, err := m.slots.SlotFor(ctx, c)
	if err != nil {
		log.Warn("unfreeze: no slot, cancelling call", "call_id", c.ID, "err", err)
		if _, rerr := m.ledger.ReleaseReservation(ctx, c.UserID, c.ID, calls.OutcomeCancelled); rerr != nil {
			log.Error("unfreeze: cancel failed", "call_id", c.ID, "err", rerr)
		}
		return false, nil
	}

	at := slot.At.UTC()
	sprech := slot.IsSprechstunde
	empty := ""
	_, err = m.ledger.Resume(ctx, c.UserID, c.ID, calls.Patch{
		ScheduledAt:     &at,
		IsSprechstunde:  &sprech,
		ProviderBatchID: &empty,
	})
	switch {
	case errors.Is(err, credits.ErrNoCredits), errors.Is(err, credits.ErrCallNotActive):
		log.Info("unfreeze: call skipped", "call_id", c.ID, "err", err)
		return false, nil
	case err != nil:
		return false, err
	}

	c.Status = calls.StatusScheduled
	c.ScheduledAt = at
	c.IsSprechstunde = sprech
	if _, err := m.dispatcher.Submit(ctx, c); err != nil {
		// back to frozen so a later credit retries it
		log.Warn("unfreeze: dispatch failed, refreezing", "call_id", c.ID, "err", err)
		if _, _, terr := m.calls.Transition(ctx, calls.TransitionRequest{
			CallID: c.ID,
			From:   []calls.Status{calls.StatusScheduled},
			To:     calls.StatusFrozen,
		}); terr != nil {
			log.Error("unfreeze: refreeze failed", "call_id", c.ID, "err", terr)
		}
		return false, nil
	}
	return true, nil
}
