package reporting

import "time"

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// UsageRequest asks for one user's usage in [From, To).
type UsageRequest struct {
	UserID string    `json:"user_id"`
	Range  TimeRange `json:"range"`
}

// CallsSummary counts the user's call attempts by final state.
type CallsSummary struct {
	TotalCalls      int `json:"total_calls"`
	ScheduledCalls  int `json:"scheduled_calls"`
	InProgressCalls int `json:"in_progress_calls"`
	FrozenCalls     int `json:"frozen_calls"`
	CompletedCalls  int `json:"completed_calls"`
	FailedCalls     int `json:"failed_calls"`
	CancelledCalls  int `json:"cancelled_calls"`

	// Outcomes is keyed by calls.Outcome; calls without an outcome are omitted.
	Outcomes map[string]int `json:"outcomes"`

	// Reached counts successful conversations with a practice.
	Reached int `json:"reached"`

	TotalDurationSeconds   int `json:"total_duration_seconds"`
	AverageDurationSeconds int `json:"average_duration_seconds"`
}

// CreditsSummary aggregates the audit log. Seconds are magnitudes.
type CreditsSummary struct {
	AllocatedSeconds   int `json:"allocated_seconds"`
	DeductedSeconds    int `json:"deducted_seconds"`
	GiftedSeconds      int `json:"gifted_seconds"`
	RefundedSeconds    int `json:"refunded_seconds"`
	AdminAwardSeconds  int `json:"admin_award_seconds"`
	AdminDeductSeconds int `json:"admin_deduct_seconds"`
	Freezes            int `json:"freezes"`
	Unfreezes          int `json:"unfreezes"`

	// NetSeconds is the change in available balance over the range, not counting allocations.
	NetSeconds int `json:"net_seconds"`
}

type Usage struct {
	UserID  string         `json:"user_id"`
	Range   TimeRange      `json:"range"`
	Calls   CallsSummary   `json:"calls"`
	Credits CreditsSummary `json:"credits"`
}
