package credits

import (
	"context"
	"database/sql"
	"errors"

	"practice-dialer/internal/audit"
	"practice-dialer/internal/calls"
	"practice-dialer/pkg/utils"
)

// Repository persists accounts. Apply is the only write path after creation.
type Repository interface {
	GetAccount(ctx context.Context, userID string) (Account, error)
	// CreateAccount inserts a and its allocate entry. created is false when
	// another request created the account first.
	CreateAccount(ctx context.Context, a Account, allocate audit.Entry) (created bool, err error)
	// Apply commits ch if the stored version still equals readVersion.
	// ok is false on a version conflict; nothing is written then.
	Apply(ctx context.Context, readVersion int64, ch Change) (ok bool, err error)
	ListAudit(ctx context.Context, userID string) ([]audit.Entry, error)
}

// PostgresRepo keeps accounts in credit_accounts. It shares the transaction
// with the call and audit repositories so a reservation, its call row and
// its audit entry commit together.
type PostgresRepo struct {
	db    *sql.DB
	calls *calls.PostgresRepo
	audit *audit.PostgresRepo
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{
		db:    db,
		calls: calls.NewPostgresRepo(db),
		audit: audit.NewPostgresRepo(db),
	}
}

var errVersionConflict = errors.New("version conflict")

func (r *PostgresRepo) GetAccount(ctx context.Context, userID string) (Account, error) {
	const q = `
SELECT user_id, credits_total, credits_used, credits_refunded, version,
       last_refill_at, subscription_started_at, created_at, updated_at
FROM credit_accounts
WHERE user_id = $1
`
	var a Account
	if err := r.db.QueryRowContext(ctx, q, userID).Scan(
		&a.UserID,
		&a.CreditsTotal,
		&a.CreditsUsed,
		&a.CreditsRefunded,
		&a.Version,
		&a.LastRefillAt,
		&a.SubscriptionStartedAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, err
	}
	return a, nil
}

func (r *PostgresRepo) CreateAccount(ctx context.Context, a Account, allocate audit.Entry) (bool, error) {
	const q = `
INSERT INTO credit_accounts (
  user_id, credits_total, credits_used, credits_refunded, version,
  last_refill_at, subscription_started_at, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)
ON CONFLICT (user_id) DO NOTHING
`
	created := false
	err := utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, q,
			a.UserID,
			a.CreditsTotal,
			a.CreditsUsed,
			a.CreditsRefunded,
			a.Version,
			a.LastRefillAt,
			a.SubscriptionStartedAt,
			a.CreatedAt,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		created = true
		return audit.AppendTx(ctx, tx, allocate)
	})
	return created, err
}

func (r *PostgresRepo) Apply(ctx context.Context, readVersion int64, ch Change) (bool, error) {
	const q = `
UPDATE credit_accounts
SET credits_total = $2,
    credits_used = $3,
    credits_refunded = $4,
    version = $5,
    last_refill_at = $6,
    updated_at = $7
WHERE user_id = $1 AND version = $8
`
	a := ch.Account
	err := utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, q,
			a.UserID,
			a.CreditsTotal,
			a.CreditsUsed,
			a.CreditsRefunded,
			a.Version,
			a.LastRefillAt,
			a.UpdatedAt,
			readVersion,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return errVersionConflict
		}

		callsTx := r.calls.InTx(tx)
		if ch.InsertCall != nil {
			if err := callsTx.Insert(ctx, *ch.InsertCall); err != nil {
				return err
			}
		}
		if ch.Transition != nil {
			_, ok, err := callsTx.Transition(ctx, *ch.Transition)
			if err != nil {
				return err
			}
			if !ok {
				return ErrCallNotActive
			}
		}
		return audit.AppendTx(ctx, tx, ch.Audit)
	})
	if errors.Is(err, errVersionConflict) {
		return false, nil
	}
	if utils.IsRetryable(err) {
		// serialization failures surface as conflicts so the caller retries
		return false, nil
	}
	return err == nil, err
}

func (r *PostgresRepo) ListAudit(ctx context.Context, userID string) ([]audit.Entry, error) {
	return r.audit.ListByUser(ctx, userID)
}
