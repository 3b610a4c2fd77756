package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for credit audit entries.
//
// It MUST be append-only.
type Repository interface {
	Append(ctx context.Context, e Entry) error
	ListByUser(ctx context.Context, userID string) ([]Entry, error)
}

// Service writes and reads the credit audit trail outside of ledger
// transactions (freeze/unfreeze notes, operator views).
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEntry = errors.New("audit: invalid entry")

// Prepare validates e and fills its id and timestamp.
func Prepare(e Entry, now time.Time) (Entry, error) {
	if e.UserID == "" || !e.EventType.Valid() || e.Seconds < 0 || e.GiftedSeconds < 0 {
		return Entry{}, ErrInvalidEntry
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now.UTC()
	}
	return e, nil
}

func (s *Service) Append(ctx context.Context, e Entry) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	e, err := Prepare(e, s.clock())
	if err != nil {
		return err
	}
	return s.repo.Append(ctx, e)
}

// LogFreeze notes that a call was suspended. balance is informational.
func (s *Service) LogFreeze(ctx context.Context, userID, callID string, projected, balance int) error {
	return s.Append(ctx, Entry{
		UserID:        userID,
		EventType:     EventFreeze,
		Seconds:       projected,
		CallID:        callID,
		BalanceBefore: balance,
		BalanceAfter:  balance,
	})
}

func (s *Service) History(ctx context.Context, userID string) ([]Entry, error) {
	if userID == "" {
		return nil, ErrInvalidEntry
	}
	return s.repo.ListByUser(ctx, userID)
}

// Derive recomputes the available balance from entries ordered oldest first.
// It starts at the balance recorded by the most recent allocate (account
// creation or refill) and applies every later entry. ok is false when the
// user has never been allocated.
func Derive(entries []Entry) (balance int, ok bool) {
	start := -1
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].EventType == EventAllocate {
			start = i
			break
		}
	}
	if start < 0 {
		return 0, false
	}
	balance = entries[start].BalanceAfter
	for _, e := range entries[start+1:] {
		balance += e.delta()
	}
	return balance, true
}
