package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"practice-dialer/internal/calls"
	"practice-dialer/internal/credits"
	"practice-dialer/internal/metrics"
	"practice-dialer/internal/telephony"
	"practice-dialer/pkg/logger"

	"github.com/google/uuid"
)

// Ledger commits a terminal transition together with its charge.
type Ledger interface {
	SettleCall(ctx context.Context, userID string, actualSeconds int, req calls.TransitionRequest) (credits.DeductResult, error)
}

type Billing interface {
	BillableSeconds(actualSec int) (int, error)
}

type Escalator interface {
	Escalate(ctx context.Context, prev calls.Call) (calls.Call, error)
}

// Processor turns provider webhooks into call transitions and ledger
// deductions. The stages run in order: Authenticate, Parse, Locate, Apply,
// Escalate. Each is usable on its own.
type Processor struct {
	calls     calls.Repository
	ledger    Ledger
	billing   Billing
	escalator Escalator
	logs      LogRepository

	Secret    string
	Tolerance time.Duration
	Provider  string

	Metrics *metrics.Metrics
	Logger  *slog.Logger

	clock func() time.Time
}

func NewProcessor(callRepo calls.Repository, ledger Ledger, billing Billing, esc Escalator, logs LogRepository, secret string) *Processor {
	return &Processor{
		calls:     callRepo,
		ledger:    ledger,
		billing:   billing,
		escalator: esc,
		logs:      logs,
		Secret:    secret,
		Tolerance: 30 * time.Minute,
		Provider:  "elevenlabs",
		clock:     time.Now,
	}
}

func (p *Processor) WithClock(clock func() time.Time) *Processor {
	p.clock = clock
	return p
}

// Handle runs the whole pipeline for one delivery. Only an authentication
// failure is returned as an error; everything after that is recorded in the
// webhook log so the provider never retries.
func (p *Processor) Handle(ctx context.Context, signature string, body []byte) (Log, error) {
	if err := p.Authenticate(signature, body); err != nil {
		p.Metrics.Webhook("unknown", "unauthorized")
		return Log{}, err
	}

	entry := Log{
		ID:         uuid.NewString(),
		Provider:   p.Provider,
		Payload:    string(body),
		ReceivedAt: p.clock().UTC(),
	}
	entry.Result, entry.Error = p.process(ctx, body, &entry)

	if err := p.logs.Insert(ctx, entry); err != nil {
		logger.Or(ctx, p.Logger).Error("webhook log insert failed", "webhook_id", entry.ID, "err", err)
	}
	p.Metrics.Webhook(orUnknown(entry.EventType), string(entry.Result))
	return entry, nil
}

func (p *Processor) process(ctx context.Context, body []byte, entry *Log) (Result, string) {
	log := logger.Or(ctx, p.Logger).With("webhook_id", entry.ID)

	ev, err := p.Parse(body)
	if err != nil {
		log.Warn("webhook payload rejected", "err", err)
		return ResultMalformed, err.Error()
	}
	entry.EventType = string(ev.Type)
	entry.ConversationID = ev.ConversationID
	entry.CallID = ev.CallID
	entry.Status = ev.Status
	if ev.Ignored {
		return ResultIgnored, ""
	}
	log = log.With("conversation_id", ev.ConversationID)

	call, err := p.Locate(ctx, ev)
	if errors.Is(err, calls.ErrNotFound) {
		log.Warn("webhook for unknown call")
		return ResultNotFound, ""
	}
	if err != nil {
		log.Error("webhook call lookup failed", "err", err)
		return ResultError, err.Error()
	}
	entry.CallID = call.ID
	log = log.With("call_id", call.ID, "user_id", call.UserID)

	updated, applied, err := p.Apply(logger.With(ctx, log), call, ev)
	if err != nil {
		log.Error("webhook transition failed", "err", err)
		return ResultError, err.Error()
	}
	if !applied {
		log.Info("webhook ignored for call state", "status", call.Status)
		return ResultDuplicate, ""
	}
	if !ev.Terminal {
		return ResultProgress, ""
	}
	p.Escalate(logger.With(ctx, log), updated)
	return ResultProcessed, ""
}

// Authenticate verifies the signature header against the raw body.
func (p *Processor) Authenticate(signature string, body []byte) error {
	return telephony.VerifySignature(signature, body, p.Secret, p.clock(), p.Tolerance)
}

func (p *Processor) Parse(body []byte) (telephony.Event, error) {
	return telephony.ParseEvent(body)
}

// Locate finds the call by provider conversation id, falling back to the
// call id echoed in the dynamic variables on the first event of a call.
func (p *Processor) Locate(ctx context.Context, ev telephony.Event) (calls.Call, error) {
	c, err := p.calls.FindByConversationID(ctx, ev.ConversationID)
	if err == nil || !errors.Is(err, calls.ErrNotFound) || ev.CallID == "" {
		return c, err
	}
	return p.calls.Get(ctx, ev.CallID)
}

// Apply transitions the call for ev. It only moves calls that are still
// scheduled or in progress, so a replayed delivery applies nothing. A
// terminal event is charged in the same ledger commit as its transition;
// when that commit fails the call stays open and a redelivery settles it.
func (p *Processor) Apply(ctx context.Context, c calls.Call, ev telephony.Event) (calls.Call, bool, error) {
	convID := ev.ConversationID
	req := calls.TransitionRequest{
		CallID: c.ID,
		From:   []calls.Status{calls.StatusScheduled, calls.StatusInProgress},
		Patch:  calls.Patch{ProviderConversationID: &convID},
	}
	if !ev.Terminal {
		req.From = []calls.Status{calls.StatusScheduled}
		req.To = calls.StatusInProgress
		return p.calls.Transition(ctx, req)
	}

	outcome := ev.Outcome
	duration := ev.DurationSeconds
	req.Patch.Outcome = &outcome
	req.Patch.DurationSeconds = &duration
	if ev.Transcript != "" {
		req.Patch.Transcript = &ev.Transcript
	}
	if ev.Analysis != "" {
		req.Patch.Analysis = &ev.Analysis
	}
	req.To = terminalStatus(c, outcome)

	billable, err := p.billing.BillableSeconds(ev.DurationSeconds)
	if err != nil {
		return c, false, fmt.Errorf("billable seconds: %w", err)
	}
	res, err := p.ledger.SettleCall(ctx, c.UserID, billable, req)
	if errors.Is(err, credits.ErrCallNotActive) {
		return c, false, nil
	}
	if err != nil {
		return c, false, fmt.Errorf("settle: %w", err)
	}
	logger.Or(ctx, p.Logger).Info("call charged", "deducted", res.Deducted, "gifted", res.Gifted, "available", res.Available)

	updated, err := p.calls.Get(ctx, c.ID)
	if err != nil {
		return c, false, err
	}
	return updated, true, nil
}

// terminalStatus: a retryable outcome ends this attempt as completed so the
// chain continues; at the attempt ceiling it is a failure.
func terminalStatus(c calls.Call, o calls.Outcome) calls.Status {
	switch {
	case o == calls.OutcomeFailed:
		return calls.StatusFailed
	case o.Retryable() && c.MaxAttempts > 0 && c.AttemptNumber >= c.MaxAttempts:
		return calls.StatusFailed
	default:
		return calls.StatusCompleted
	}
}

// Escalate schedules the next attempt for a completed call with a retryable
// outcome. A failure ends the chain; the call itself is already settled.
func (p *Processor) Escalate(ctx context.Context, c calls.Call) {
	if c.Status != calls.StatusCompleted || !c.Outcome.Retryable() {
		return
	}
	log := logger.Or(ctx, p.Logger)
	next, err := p.escalator.Escalate(ctx, c)
	if err != nil {
		log.Warn("escalation stopped", "outcome", c.Outcome, "attempt", c.AttemptNumber, "err", err)
		return
	}
	log.Info("next attempt created", "next_call_id", next.ID, "attempt", next.AttemptNumber, "status", next.Status)
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
