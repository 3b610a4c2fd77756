package audit

import (
	"context"
	"database/sql"
)

// PostgresRepo stores entries in credit_audit_log.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

const insertEntrySQL = `
INSERT INTO credit_audit_log (
  id, user_id, event_type, seconds, gifted_seconds, call_id,
  balance_before, balance_after, actor, reason, metadata, created_at
) VALUES (
  $1,$2,$3,$4,$5,NULLIF($6,'')::uuid,$7,$8,$9,$10,NULLIF($11,'')::jsonb,$12
)
`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEntry(ctx context.Context, x execer, e Entry) error {
	_, err := x.ExecContext(ctx, insertEntrySQL,
		e.ID,
		e.UserID,
		e.EventType,
		e.Seconds,
		e.GiftedSeconds,
		e.CallID,
		e.BalanceBefore,
		e.BalanceAfter,
		e.Actor,
		e.Reason,
		e.Metadata,
		e.CreatedAt,
	)
	return err
}

func (r *PostgresRepo) Append(ctx context.Context, e Entry) error {
	return insertEntry(ctx, r.db, e)
}

// AppendTx writes the entry inside a ledger transaction so the balance
// change and its audit row commit together.
func AppendTx(ctx context.Context, tx *sql.Tx, e Entry) error {
	return insertEntry(ctx, tx, e)
}

func (r *PostgresRepo) ListByUser(ctx context.Context, userID string) ([]Entry, error) {
	const q = `
SELECT id, user_id, event_type, seconds, gifted_seconds, COALESCE(call_id::text, ''),
       balance_before, balance_after, actor, reason, COALESCE(metadata::text, ''), created_at
FROM credit_audit_log
WHERE user_id = $1
ORDER BY created_at ASC, seq ASC
`
	rows, err := r.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(
			&e.ID,
			&e.UserID,
			&e.EventType,
			&e.Seconds,
			&e.GiftedSeconds,
			&e.CallID,
			&e.BalanceBefore,
			&e.BalanceAfter,
			&e.Actor,
			&e.Reason,
			&e.Metadata,
			&e.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
