package webhook

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
)

// LogRepository persists webhook deliveries.
type LogRepository interface {
	Insert(ctx context.Context, l Log) error
}

type PostgresLogRepo struct {
	db *sql.DB
}

func NewPostgresLogRepo(db *sql.DB) *PostgresLogRepo { return &PostgresLogRepo{db: db} }

func (r *PostgresLogRepo) Insert(ctx context.Context, l Log) error {
	const q = `
INSERT INTO webhook_logs (
  id, provider, event_type, conversation_id, call_id, status, payload, result, error, received_at
) VALUES ($1,$2,$3,$4,NULLIF($5,''),$6,$7::jsonb,$8,$9,$10)
`
	payload := l.Payload
	if !json.Valid([]byte(payload)) {
		// keep unparseable bodies for debugging as a JSON string
		b, _ := json.Marshal(payload)
		payload = string(b)
	}
	_, err := r.db.ExecContext(ctx, q,
		l.ID, l.Provider, l.EventType, l.ConversationID, l.CallID, l.Status,
		payload, l.Result, l.Error, l.ReceivedAt,
	)
	return err
}

type MemoryLogRepo struct {
	mu   sync.Mutex
	logs []Log
}

func NewMemoryLogRepo() *MemoryLogRepo { return &MemoryLogRepo{} }

func (r *MemoryLogRepo) Insert(ctx context.Context, l Log) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, l)
	return nil
}

func (r *MemoryLogRepo) Logs() []Log {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Log(nil), r.logs...)
}
