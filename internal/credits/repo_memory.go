package credits

import (
	"context"
	"sync"

	"practice-dialer/internal/audit"
	"practice-dialer/internal/calls"
)

// MemoryRepo is an in-memory Repository for tests and local runs. It shares
// its lock discipline with the call repository it wraps so Apply is atomic
// across accounts, calls and audit entries.
type MemoryRepo struct {
	mu       sync.Mutex
	accounts map[string]Account

	Calls *calls.MemoryRepo
	Audit *audit.MemoryRepo
}

func NewMemoryRepo(callRepo *calls.MemoryRepo, auditRepo *audit.MemoryRepo) *MemoryRepo {
	if callRepo == nil {
		callRepo = calls.NewMemoryRepo()
	}
	if auditRepo == nil {
		auditRepo = audit.NewMemoryRepo()
	}
	return &MemoryRepo{
		accounts: map[string]Account{},
		Calls:    callRepo,
		Audit:    auditRepo,
	}
}

func (r *MemoryRepo) GetAccount(ctx context.Context, userID string) (Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[userID]
	if !ok {
		return Account{}, ErrNotFound
	}
	return a, nil
}

func (r *MemoryRepo) CreateAccount(ctx context.Context, a Account, allocate audit.Entry) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.accounts[a.UserID]; ok {
		return false, nil
	}
	r.accounts[a.UserID] = a
	return true, r.Audit.Append(ctx, allocate)
}

func (r *MemoryRepo) Apply(ctx context.Context, readVersion int64, ch Change) (bool, error) {
	ok := false
	err := r.Calls.Atomically(func(tx *calls.MemoryTx) error {
		r.mu.Lock()
		defer r.mu.Unlock()

		cur, exists := r.accounts[ch.Account.UserID]
		if !exists {
			return ErrNotFound
		}
		if cur.Version != readVersion {
			return nil
		}
		// the transition is checked before anything is written
		if ch.Transition != nil {
			if _, applied, err := tx.Transition(*ch.Transition); err != nil {
				return err
			} else if !applied {
				return ErrCallNotActive
			}
		}
		if ch.InsertCall != nil {
			if err := tx.Insert(*ch.InsertCall); err != nil {
				return err
			}
		}
		r.accounts[ch.Account.UserID] = ch.Account
		ok = true
		return r.Audit.Append(ctx, ch.Audit)
	})
	return ok, err
}

func (r *MemoryRepo) ListAudit(ctx context.Context, userID string) ([]audit.Entry, error) {
	return r.Audit.ListByUser(ctx, userID)
}
