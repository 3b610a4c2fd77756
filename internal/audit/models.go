package audit

import "time"

// Entry is an immutable, append-only credit audit record.
//
// Invariants:
// - Entries are never updated or deleted.
// - user_id is required; every balance change has exactly one entry.
// - BalanceBefore/BalanceAfter are available seconds around the mutation.
//
// Storage (Postgres): table credit_audit_log, INSERT-only, indexed by (user_id, created_at).
type Entry struct {
	ID     string `json:"id" db:"id"`
	UserID string `json:"user_id" db:"user_id"`

	EventType EventType `json:"event_type" db:"event_type"`

	// Seconds is the magnitude of the event (always >= 0). The sign follows EventType.
	Seconds int `json:"seconds" db:"seconds"`
	// GiftedSeconds is the part of a deduction that was not charged.
	GiftedSeconds int `json:"gifted_seconds,omitempty" db:"gifted_seconds"`

	CallID string `json:"call_id,omitempty" db:"call_id"`

	BalanceBefore int `json:"balance_before" db:"balance_before"`
	BalanceAfter  int `json:"balance_after" db:"balance_after"`

	// Actor is set for admin operations.
	Actor  string `json:"actor,omitempty" db:"actor"`
	Reason string `json:"reason,omitempty" db:"reason"`

	// Metadata is optional JSON (JSONB in Postgres).
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventAllocate    EventType = "allocate"
	EventReserve     EventType = "reserve"
	EventDeduct      EventType = "deduct"
	EventRefund      EventType = "refund"
	EventFreeze      EventType = "freeze"
	EventUnfreeze    EventType = "unfreeze"
	EventAdminAward  EventType = "admin_award"
	EventAdminDeduct EventType = "admin_deduct"
)

func (t EventType) Valid() bool {
	switch t {
	case EventAllocate, EventReserve, EventDeduct, EventRefund,
		EventFreeze, EventUnfreeze, EventAdminAward, EventAdminDeduct:
		return true
	default:
		return false
	}
}

// delta is the signed effect of an entry on the available balance.
// Reserve, freeze and unfreeze are informational.
func (e Entry) delta() int {
	switch e.EventType {
	case EventAdminAward, EventRefund:
		return e.Seconds
	case EventDeduct, EventAdminDeduct:
		return -e.Seconds
	default:
		return 0
	}
}
