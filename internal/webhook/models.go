package webhook

import "time"

// Result is the processing outcome recorded per delivery.
type Result string

const (
	ResultProcessed Result = "processed"
	ResultProgress  Result = "progress"
	// ResultDuplicate: the call was no longer in a state the event applies to.
	ResultDuplicate Result = "duplicate"
	ResultNotFound  Result = "not_found"
	ResultIgnored   Result = "ignored"
	ResultMalformed Result = "malformed"
	ResultError     Result = "error"
)

// Log is one authenticated webhook delivery. Written once, never updated.
type Log struct {
	ID             string    `json:"id" db:"id"`
	Provider       string    `json:"provider" db:"provider"`
	EventType      string    `json:"event_type" db:"event_type"`
	ConversationID string    `json:"conversation_id,omitempty" db:"conversation_id"`
	CallID         string    `json:"call_id,omitempty" db:"call_id"`
	Status         string    `json:"status,omitempty" db:"status"`
	Payload        string    `json:"payload" db:"payload"`
	Result         Result    `json:"result" db:"result"`
	Error          string    `json:"error,omitempty" db:"error"`
	ReceivedAt     time.Time `json:"received_at" db:"received_at"`
}
