package reporting

import (
	"context"
	"time"

	"practice-dialer/internal/audit"
	"practice-dialer/internal/calls"
)

// Repository abstracts the sources usage is computed from. Both reads are
// scoped to one user and the half-open range [from, to).
type Repository interface {
	ListCalls(ctx context.Context, userID string, from, to time.Time) ([]calls.Call, error)
	ListAudit(ctx context.Context, userID string, from, to time.Time) ([]audit.Entry, error)
}

const maxCallsScanned = 1000

// StoreRepo reads straight from the call and audit stores.
type StoreRepo struct {
	Calls calls.Repository
	Audit audit.Repository
}

func NewStoreRepo(callRepo calls.Repository, auditRepo audit.Repository) *StoreRepo {
	return &StoreRepo{Calls: callRepo, Audit: auditRepo}
}

func (r *StoreRepo) ListCalls(ctx context.Context, userID string, from, to time.Time) ([]calls.Call, error) {
	rows, err := r.Calls.ListByUser(ctx, userID, maxCallsScanned)
	if err != nil {
		return nil, err
	}
	out := make([]calls.Call, 0, len(rows))
	for _, c := range rows {
		if inRange(c.CreatedAt, from, to) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *StoreRepo) ListAudit(ctx context.Context, userID string, from, to time.Time) ([]audit.Entry, error) {
	rows, err := r.Audit.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]audit.Entry, 0, len(rows))
	for _, e := range rows {
		if inRange(e.CreatedAt, from, to) {
			out = append(out, e)
		}
	}
	return out, nil
}

// rows without a timestamp are treated as inside the range
func inRange(at, from, to time.Time) bool {
	if at.IsZero() {
		return true
	}
	return !at.Before(from) && at.Before(to)
}
