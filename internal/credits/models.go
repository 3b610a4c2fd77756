package credits

import (
	"errors"
	"fmt"
	"time"

	"practice-dialer/internal/audit"
	"practice-dialer/internal/calls"
)

// Account is a user's call-seconds allowance. Exactly one per user.
//
// Invariants:
// - available = total - used + refunded
// - Version strictly increases on every successful mutation.
// - Every mutation writes exactly one audit entry in the same commit.
type Account struct {
	UserID string `json:"user_id" db:"user_id"`

	CreditsTotal    int `json:"credits_total" db:"credits_total"`
	CreditsUsed     int `json:"credits_used" db:"credits_used"`
	CreditsRefunded int `json:"credits_refunded" db:"credits_refunded"`

	Version int64 `json:"version" db:"version"`

	LastRefillAt          time.Time `json:"last_refill_at" db:"last_refill_at"`
	SubscriptionStartedAt time.Time `json:"subscription_started_at" db:"subscription_started_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

func (a Account) Available() int {
	return a.CreditsTotal - a.CreditsUsed + a.CreditsRefunded
}

// Balance is the read model returned to callers.
type Balance struct {
	UserID    string `json:"user_id"`
	Total     int    `json:"credits_total"`
	Used      int    `json:"credits_used"`
	Refunded  int    `json:"credits_refunded"`
	Available int    `json:"available_seconds"`
	// Projected is held by scheduled and in-progress calls.
	Projected int   `json:"projected_seconds"`
	Version   int64 `json:"version"`
}

func balanceOf(a Account, projected int) Balance {
	return Balance{
		UserID:    a.UserID,
		Total:     a.CreditsTotal,
		Used:      a.CreditsUsed,
		Refunded:  a.CreditsRefunded,
		Available: a.Available(),
		Projected: projected,
		Version:   a.Version,
	}
}

// Change is everything one ledger mutation commits atomically. Account holds
// the new values; it is written only if the stored version still equals the
// version that was read.
type Change struct {
	Account Account
	Audit   audit.Entry

	InsertCall *calls.Call
	Transition *calls.TransitionRequest
}

// DeductResult reports a settled call.
type DeductResult struct {
	Deducted  int `json:"deducted_seconds"`
	Gifted    int `json:"gifted_seconds"`
	Available int `json:"available_seconds"`
}

// Reconciliation compares the live balance with the one derived from the audit log.
type Reconciliation struct {
	UserID       string `json:"user_id"`
	LiveBalance  int    `json:"live_balance"`
	AuditBalance int    `json:"audit_balance"`
	Drift        int    `json:"drift"`
	Consistent   bool   `json:"consistent"`
	Entries      int    `json:"entries"`
}

var (
	ErrNotFound        = errors.New("credit account not found")
	ErrNoCredits       = errors.New("no_credits")
	ErrContention      = errors.New("contention")
	ErrTierRequired    = errors.New("tier_required")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrCallNotActive   = errors.New("call no longer holds a reservation")
	ErrRefundExceeded  = errors.New("refund_exceeds_charge")
)

// NoCreditsError carries the figures behind a refused reservation.
type NoCreditsError struct {
	Available int
	Projected int
}

func (e *NoCreditsError) Error() string {
	return fmt.Sprintf("no_credits: available %ds, projected %ds", e.Available, e.Projected)
}

func (e *NoCreditsError) Is(target error) bool { return target == ErrNoCredits }

// RefundLimitError is returned when a refund would give back more than the
// call was charged.
type RefundLimitError struct {
	Charged   int
	Refunded  int
	Requested int
}

func (e *RefundLimitError) Error() string {
	return fmt.Sprintf("refund_exceeds_charge: charged %ds, refunded %ds, requested %ds", e.Charged, e.Refunded, e.Requested)
}

func (e *RefundLimitError) Is(target error) bool { return target == ErrRefundExceeded }
