package telephony

import (
	"context"
	"errors"
)

// VoiceProvider is the provider-agnostic interface used by business logic.
//
// Rules:
// - No provider HTTP calls outside telephony adapters.
// - Request/response types stay provider-agnostic; raw payloads go to the webhook log.
type VoiceProvider interface {
	Name() string

	// SubmitBatch schedules one outbound conversation at the provider.
	SubmitBatch(ctx context.Context, req BatchRequest) (BatchResult, error)
	// CancelBatch cancels a submitted batch. Already finished batches are not an error.
	CancelBatch(ctx context.Context, batchID string) error
}

var (
	// ErrProvider wraps every transport or non-2xx failure at the provider boundary.
	ErrProvider         = errors.New("voice provider error")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMalformedPayload = errors.New("malformed webhook payload")
)

// BatchRequest is a single-recipient batch call submission.
type BatchRequest struct {
	CallName           string      `json:"call_name"`
	AgentID            string      `json:"agent_id"`
	AgentPhoneNumberID string      `json:"agent_phone_number_id"`
	ScheduledTimeUnix  int64       `json:"scheduled_time_unix"`
	Recipients         []Recipient `json:"recipients"`
}

type Recipient struct {
	// PhoneNumber is E.164.
	PhoneNumber string     `json:"phone_number"`
	ClientData  ClientData `json:"conversation_initiation_client_data"`
}

// ClientData carries the variables the agent prompt is rendered with.
type ClientData struct {
	DynamicVariables map[string]any `json:"dynamic_variables"`
}

type BatchResult struct {
	ID                string `json:"id"`
	Status            string `json:"status"`
	ScheduledTimeUnix int64  `json:"scheduled_time_unix"`
}
