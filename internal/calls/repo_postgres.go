package calls

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"practice-dialer/pkg/utils"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresRepo stores calls in scheduled_calls and the blocklist in practice_blocklist.
type PostgresRepo struct {
	q querier
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{q: db} }

// InTx returns a repository bound to tx.
func (r *PostgresRepo) InTx(tx *sql.Tx) *PostgresRepo { return &PostgresRepo{q: tx} }

// openCallIndex enforces one open call per user and practice.
const openCallIndex = "scheduled_calls_open_practice_idx"

const callColumns = `
id, user_id, e_id, therapist_phone, scheduled_at, is_sprechstunde,
attempt_number, max_attempts, COALESCE(previous_call_id::text, ''),
status, projected_seconds, COALESCE(outcome, ''),
COALESCE(provider_batch_id, ''), COALESCE(provider_conversation_id, ''),
duration_seconds, COALESCE(transcript, ''), COALESCE(analysis::text, ''),
call_metadata, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(s rowScanner) (Call, error) {
	var c Call
	var meta []byte
	if err := s.Scan(
		&c.ID,
		&c.UserID,
		&c.EID,
		&c.TherapistPhone,
		&c.ScheduledAt,
		&c.IsSprechstunde,
		&c.AttemptNumber,
		&c.MaxAttempts,
		&c.PreviousCallID,
		&c.Status,
		&c.ProjectedSeconds,
		&c.Outcome,
		&c.ProviderBatchID,
		&c.ProviderConversationID,
		&c.DurationSeconds,
		&c.Transcript,
		&c.Analysis,
		&meta,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return Call{}, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &c.Metadata); err != nil {
			return Call{}, fmt.Errorf("decode call_metadata: %w", err)
		}
	}
	return c, nil
}

func (r *PostgresRepo) Insert(ctx context.Context, c Call) error {
	if c.ID == "" || c.UserID == "" {
		return ErrInvalidArgument
	}
	meta, err := json.Marshal(c.Metadata)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO scheduled_calls (
  id, user_id, e_id, therapist_phone, scheduled_at, is_sprechstunde,
  attempt_number, max_attempts, previous_call_id, status, projected_seconds,
  outcome, call_metadata, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,NULLIF($9,'')::uuid,$10,$11,NULLIF($12,''),$13::jsonb,$14,$14
)
`
	now := c.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	_, err = r.q.ExecContext(ctx, q,
		c.ID,
		c.UserID,
		c.EID,
		c.TherapistPhone,
		c.ScheduledAt,
		c.IsSprechstunde,
		c.AttemptNumber,
		c.MaxAttempts,
		c.PreviousCallID,
		string(c.Status),
		c.ProjectedSeconds,
		string(c.Outcome),
		string(meta),
		now,
	)
	if utils.IsUniqueViolation(err, openCallIndex) {
		return ErrDuplicateOpenCall
	}
	return err
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (Call, error) {
	c, err := scanCall(r.q.QueryRowContext(ctx, `SELECT `+callColumns+` FROM scheduled_calls WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Call{}, ErrNotFound
	}
	return c, err
}

func (r *PostgresRepo) FindByConversationID(ctx context.Context, conversationID string) (Call, error) {
	if conversationID == "" {
		return Call{}, ErrNotFound
	}
	c, err := scanCall(r.q.QueryRowContext(ctx,
		`SELECT `+callColumns+` FROM scheduled_calls WHERE provider_conversation_id = $1 LIMIT 1`, conversationID))
	if errors.Is(err, sql.ErrNoRows) {
		return Call{}, ErrNotFound
	}
	return c, err
}

func (r *PostgresRepo) ListByUser(ctx context.Context, userID string, limit int, statuses ...Status) ([]Call, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + callColumns + ` FROM scheduled_calls WHERE user_id = $1`
	args := []any{userID, limit}
	if len(statuses) > 0 {
		q += ` AND status = ANY($3)`
		args = append(args, statusStrings(statuses))
	}
	q += ` ORDER BY created_at DESC LIMIT $2`

	rows, err := r.q.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) ProjectedSeconds(ctx context.Context, userID string) (int, error) {
	const q = `
SELECT COALESCE(SUM(projected_seconds), 0)
FROM scheduled_calls
WHERE user_id = $1 AND status = ANY($2)
`
	var sum int
	err := r.q.QueryRowContext(ctx, q, userID, statusStrings(ActiveStatuses)).Scan(&sum)
	return sum, err
}

func (r *PostgresRepo) HasOpenCall(ctx context.Context, userID, eID string) (bool, error) {
	const q = `
SELECT EXISTS (
  SELECT 1 FROM scheduled_calls
  WHERE user_id = $1 AND e_id = $2 AND status = ANY($3)
)
`
	var ok bool
	err := r.q.QueryRowContext(ctx, q, userID, eID, statusStrings(OpenStatuses)).Scan(&ok)
	return ok, err
}

func (r *PostgresRepo) Transition(ctx context.Context, req TransitionRequest) (Call, bool, error) {
	if err := req.Validate(); err != nil {
		return Call{}, false, err
	}
	args := append([]any{req.CallID, statusStrings(req.From), string(req.To)}, patchArgs(req.Patch)...)
	q := `
UPDATE scheduled_calls SET status = $3,` + patchSet(4) + `
WHERE id = $1 AND status = ANY($2)
RETURNING ` + callColumns
	c, err := scanCall(r.q.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		// either missing or no longer in req.From
		cur, gerr := r.Get(ctx, req.CallID)
		if gerr != nil {
			return Call{}, false, gerr
		}
		return cur, false, nil
	}
	if err != nil {
		return Call{}, false, err
	}
	return c, true, nil
}

func (r *PostgresRepo) Update(ctx context.Context, id string, p Patch) error {
	args := append([]any{id}, patchArgs(p)...)
	q := `UPDATE scheduled_calls SET ` + patchSet(2) + ` WHERE id = $1`
	res, err := r.q.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepo) IsBlocked(ctx context.Context, eID string) (bool, error) {
	var ok bool
	err := r.q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM practice_blocklist WHERE e_id = $1)`, eID).Scan(&ok)
	return ok, err
}

func (r *PostgresRepo) Block(ctx context.Context, eID, reason string, at time.Time) error {
	if eID == "" {
		return ErrInvalidArgument
	}
	const q = `
INSERT INTO practice_blocklist (e_id, reason, created_at)
VALUES ($1, $2, $3)
ON CONFLICT (e_id) DO UPDATE SET reason = EXCLUDED.reason
`
	_, err := r.q.ExecContext(ctx, q, eID, reason, at)
	return err
}

// patchSet renders the COALESCE assignments for Patch starting at placeholder n.
func patchSet(n int) string {
	return fmt.Sprintf(`
  outcome = COALESCE($%d, outcome),
  scheduled_at = COALESCE($%d, scheduled_at),
  is_sprechstunde = COALESCE($%d, is_sprechstunde),
  provider_batch_id = COALESCE($%d, provider_batch_id),
  provider_conversation_id = COALESCE($%d, provider_conversation_id),
  duration_seconds = COALESCE($%d, duration_seconds),
  transcript = COALESCE($%d, transcript),
  analysis = COALESCE($%d::jsonb, analysis),
  updated_at = now()`, n, n+1, n+2, n+3, n+4, n+5, n+6, n+7)
}

func patchArgs(p Patch) []any {
	var outcome *string
	if p.Outcome != nil {
		s := string(*p.Outcome)
		outcome = &s
	}
	var analysis *string
	if p.Analysis != nil && *p.Analysis != "" {
		analysis = p.Analysis
	}
	return []any{
		outcome,
		p.ScheduledAt,
		p.IsSprechstunde,
		p.ProviderBatchID,
		p.ProviderConversationID,
		p.DurationSeconds,
		p.Transcript,
		analysis,
	}
}

func statusStrings(ss []Status) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}
