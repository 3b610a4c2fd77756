package telephony

import (
	"encoding/json"
	"fmt"
	"strings"

	"practice-dialer/internal/calls"

	"github.com/go-playground/validator/v10"
)

// EventType is the discriminator of a provider webhook.
type EventType string

const (
	EventPostCallTranscription EventType = "post_call_transcription"
	EventCallInitiationFailure EventType = "call_initiation_failure"
)

// Event is the validated, provider-agnostic view of one webhook delivery.
//
// Only the two known types carry a conversation; anything else parses into
// an Event with Ignored set so it can still be logged.
type Event struct {
	Type           EventType
	EventTimestamp int64
	Ignored        bool

	ConversationID string
	// CallID is echoed back from the dynamic variables when present.
	CallID string
	Status string

	// Terminal is false for progress updates (initiated, in-progress, processing).
	Terminal        bool
	Outcome         calls.Outcome
	DurationSeconds int
	Transcript      string
	Analysis        string
}

type envelope struct {
	Type           string          `json:"type" validate:"required"`
	EventTimestamp int64           `json:"event_timestamp"`
	Data           json.RawMessage `json:"data" validate:"required"`
}

type transcriptTurn struct {
	Role    string `json:"role"`
	Message string `json:"message"`
}

type transcriptionData struct {
	ConversationID string           `json:"conversation_id" validate:"required"`
	Status         string           `json:"status" validate:"required"`
	Transcript     []transcriptTurn `json:"transcript"`
	Metadata       struct {
		CallDurationSecs  int    `json:"call_duration_secs" validate:"gte=0"`
		TerminationReason string `json:"termination_reason"`
	} `json:"metadata"`
	Analysis   json.RawMessage `json:"analysis"`
	ClientData *ClientData     `json:"conversation_initiation_client_data"`
}

type initiationFailureData struct {
	ConversationID string      `json:"conversation_id" validate:"required"`
	FailureReason  string      `json:"failure_reason"`
	ClientData     *ClientData `json:"conversation_initiation_client_data"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ParseEvent decodes and validates a webhook body. Every failure wraps ErrMalformedPayload.
func ParseEvent(body []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := validate.Struct(env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	ev := Event{Type: EventType(env.Type), EventTimestamp: env.EventTimestamp}
	switch ev.Type {
	case EventPostCallTranscription:
		var d transcriptionData
		if err := decodeData(env.Data, &d); err != nil {
			return Event{}, err
		}
		ev.ConversationID = d.ConversationID
		ev.CallID = callIDFrom(d.ClientData)
		ev.Status = strings.ToLower(strings.TrimSpace(d.Status))
		ev.DurationSeconds = d.Metadata.CallDurationSecs
		ev.Transcript = flattenTranscript(d.Transcript)
		if len(d.Analysis) > 0 && string(d.Analysis) != "null" {
			ev.Analysis = string(d.Analysis)
		}
		ev.Terminal, ev.Outcome = transcriptionOutcome(ev.Status, d.Metadata.TerminationReason, d.Analysis)
	case EventCallInitiationFailure:
		var d initiationFailureData
		if err := decodeData(env.Data, &d); err != nil {
			return Event{}, err
		}
		ev.ConversationID = d.ConversationID
		ev.CallID = callIDFrom(d.ClientData)
		ev.Status = strings.ToLower(strings.TrimSpace(d.FailureReason))
		ev.Terminal = true
		ev.Outcome = failureOutcome(ev.Status)
	default:
		ev.Ignored = true
	}
	return ev, nil
}

func decodeData(raw json.RawMessage, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: data: %v", ErrMalformedPayload, err)
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: data: %v", ErrMalformedPayload, err)
	}
	return nil
}

func transcriptionOutcome(status, termination string, analysis json.RawMessage) (bool, calls.Outcome) {
	switch status {
	case "initiated", "in-progress", "in_progress", "processing":
		return false, ""
	case "failed":
		return true, calls.OutcomeFailed
	case "no_answer", "no-answer":
		return true, calls.OutcomeNoAnswer
	case "busy":
		return true, calls.OutcomeBusy
	case "voicemail":
		return true, calls.OutcomeVoicemail
	}
	if strings.Contains(strings.ToLower(termination), "voicemail") {
		return true, calls.OutcomeVoicemail
	}
	var a struct {
		CallSuccessful string `json:"call_successful"`
	}
	_ = json.Unmarshal(analysis, &a)
	if strings.EqualFold(a.CallSuccessful, "success") {
		return true, calls.OutcomeSuccess
	}
	return true, calls.OutcomeUnsuccessful
}

func failureOutcome(reason string) calls.Outcome {
	switch reason {
	case "busy":
		return calls.OutcomeBusy
	case "no-answer", "no_answer":
		return calls.OutcomeNoAnswer
	case "voicemail":
		return calls.OutcomeVoicemail
	default:
		return calls.OutcomeFailed
	}
}

func callIDFrom(cd *ClientData) string {
	if cd == nil {
		return ""
	}
	if v, ok := cd.DynamicVariables["call_id"].(string); ok {
		return v
	}
	return ""
}

func flattenTranscript(turns []transcriptTurn) string {
	var b strings.Builder
	for _, t := range turns {
		if t.Message == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(t.Role)
		b.WriteString(": ")
		b.WriteString(t.Message)
	}
	return b.String()
}
