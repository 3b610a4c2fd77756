package calls

import (
	"errors"
	"time"
)

// Call is one scheduled outbound attempt to reach a practice on behalf of a user.
//
// Lifecycle: created in scheduled; in_progress/completed/failed are driven by
// provider webhooks; frozen <-> scheduled by credit exhaustion and recovery.
// completed, failed and cancelled are terminal.
//
// Escalation creates a new row per attempt; PreviousCallID links the chain.
type Call struct {
	ID     string `json:"id" db:"id"`
	UserID string `json:"user_id" db:"user_id"`

	// EID identifies the practice in the directory.
	EID            string `json:"e_id" db:"e_id"`
	TherapistPhone string `json:"therapist_phone" db:"therapist_phone"`

	ScheduledAt    time.Time `json:"scheduled_at" db:"scheduled_at"`
	IsSprechstunde bool      `json:"is_sprechstunde" db:"is_sprechstunde"`

	AttemptNumber  int    `json:"attempt_number" db:"attempt_number"`
	MaxAttempts    int    `json:"max_attempts" db:"max_attempts"`
	PreviousCallID string `json:"previous_call_id,omitempty" db:"previous_call_id"`

	Status Status `json:"status" db:"status"`
	// ProjectedSeconds is the reservation held while scheduled or in progress.
	ProjectedSeconds int `json:"projected_seconds" db:"projected_seconds"`

	Outcome Outcome `json:"outcome,omitempty" db:"outcome"`

	ProviderBatchID        string `json:"provider_batch_id,omitempty" db:"provider_batch_id"`
	ProviderConversationID string `json:"provider_conversation_id,omitempty" db:"provider_conversation_id"`

	DurationSeconds int    `json:"duration_seconds" db:"duration_seconds"`
	Transcript      string `json:"transcript,omitempty" db:"transcript"`
	Analysis        string `json:"analysis,omitempty" db:"analysis"`

	// Metadata carries what is needed to re-dispatch the call on unfreeze.
	Metadata DispatchMetadata `json:"call_metadata" db:"call_metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// DispatchMetadata holds the patient-facing variables the voice agent needs.
type DispatchMetadata struct {
	PatientName   string `json:"patient_name"`
	Insurance     string `json:"insurance,omitempty"`
	TherapyType   string `json:"therapy_type,omitempty"`
	CallbackPhone string `json:"callback_phone,omitempty"`
	Urgency       string `json:"urgency,omitempty"`
	Pronoun       string `json:"pronoun,omitempty"`
	PracticeName  string `json:"practice_name,omitempty"`
}

type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusFrozen     Status = "frozen"
)

// ActiveStatuses hold a credit reservation.
var ActiveStatuses = []Status{StatusScheduled, StatusInProgress}

// OpenStatuses block a second call to the same practice.
var OpenStatuses = []Status{StatusScheduled, StatusInProgress, StatusFrozen}

var transitions = map[Status][]Status{
	StatusScheduled:  {StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled, StatusFrozen},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusFrozen},
	StatusFrozen:     {StatusScheduled, StatusCancelled},
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func (s Status) Active() bool {
	return s == StatusScheduled || s == StatusInProgress
}

// CanTransition reports whether the lifecycle allows from -> to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeUnsuccessful   Outcome = "unsuccessful"
	OutcomeNoAnswer       Outcome = "no_answer"
	OutcomeBusy           Outcome = "busy"
	OutcomeVoicemail      Outcome = "voicemail"
	OutcomeFailed         Outcome = "failed"
	OutcomeDispatchFailed Outcome = "dispatch_failed"
	OutcomeCancelled      Outcome = "cancelled"
)

// Retryable outcomes escalate to a new attempt instead of ending the chain.
func (o Outcome) Retryable() bool {
	return o == OutcomeNoAnswer || o == OutcomeBusy || o == OutcomeVoicemail
}

// Patch lists the columns a transition or update may set. Nil fields are left alone.
type Patch struct {
	Outcome                *Outcome
	ScheduledAt            *time.Time
	IsSprechstunde         *bool
	ProviderBatchID        *string
	ProviderConversationID *string
	DurationSeconds        *int
	Transcript             *string
	Analysis               *string
}

func (p Patch) apply(c *Call) {
	if p.Outcome != nil {
		c.Outcome = *p.Outcome
	}
	if p.ScheduledAt != nil {
		c.ScheduledAt = *p.ScheduledAt
	}
	if p.IsSprechstunde != nil {
		c.IsSprechstunde = *p.IsSprechstunde
	}
	if p.ProviderBatchID != nil {
		c.ProviderBatchID = *p.ProviderBatchID
	}
	if p.ProviderConversationID != nil {
		c.ProviderConversationID = *p.ProviderConversationID
	}
	if p.DurationSeconds != nil {
		c.DurationSeconds = *p.DurationSeconds
	}
	if p.Transcript != nil {
		c.Transcript = *p.Transcript
	}
	if p.Analysis != nil {
		c.Analysis = *p.Analysis
	}
}

// TransitionRequest is a conditional status change: it applies only while
// the call is still in one of From.
type TransitionRequest struct {
	CallID string
	From   []Status
	To     Status
	Patch  Patch
}

var (
	ErrNotFound          = errors.New("call not found")
	ErrInvalidTransition = errors.New("invalid call transition")
	ErrDuplicateOpenCall = errors.New("open call already exists for practice")
	ErrInvalidArgument   = errors.New("invalid argument")
)

// Validate checks the request against the lifecycle table.
func (r TransitionRequest) Validate() error {
	if r.CallID == "" || len(r.From) == 0 {
		return ErrInvalidArgument
	}
	for _, f := range r.From {
		if !CanTransition(f, r.To) {
			return ErrInvalidTransition
		}
	}
	return nil
}

func statusIn(s Status, set []Status) bool {
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}
