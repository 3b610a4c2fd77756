package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"practice-dialer/internal/calls"
	"practice-dialer/internal/metrics"
	"practice-dialer/internal/telephony"
	"practice-dialer/pkg/logger"

	"github.com/nyaruka/phonenumbers"
)

var ErrInvalidPhone = errors.New("invalid therapist phone number")

// Dispatcher hands reserved calls to the voice provider.
type Dispatcher struct {
	provider telephony.VoiceProvider
	calls    calls.Repository

	AgentID            string
	AgentPhoneNumberID string
	// Region is the ISO country used for numbers without a country code.
	Region   string
	Location *time.Location

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func New(provider telephony.VoiceProvider, callRepo calls.Repository, agentID, agentPhoneNumberID string) *Dispatcher {
	return &Dispatcher{
		provider:           provider,
		calls:              callRepo,
		AgentID:            agentID,
		AgentPhoneNumberID: agentPhoneNumberID,
		Region:             "DE",
		Location:           time.UTC,
	}
}

// Submit schedules c at the provider and stores the returned batch id on the call.
func (d *Dispatcher) Submit(ctx context.Context, c calls.Call) (calls.Call, error) {
	log := logger.Or(ctx, d.Logger).With("call_id", c.ID, "user_id", c.UserID)

	phone, err := NormalizePhone(c.TherapistPhone, d.Region)
	if err != nil {
		d.Metrics.Dispatch("invalid_phone")
		return c, err
	}

	req := telephony.BatchRequest{
		CallName:           CallName(c),
		AgentID:            d.AgentID,
		AgentPhoneNumberID: d.AgentPhoneNumberID,
		ScheduledTimeUnix:  c.ScheduledAt.Unix(),
		Recipients: []telephony.Recipient{{
			PhoneNumber: phone,
			ClientData:  telephony.ClientData{DynamicVariables: DynamicVariables(c, d.Location)},
		}},
	}

	res, err := d.provider.SubmitBatch(ctx, req)
	if err != nil {
		d.Metrics.Dispatch("error")
		log.Warn("batch submit failed", "provider", d.provider.Name(), "err", err)
		if !errors.Is(err, telephony.ErrProvider) {
			err = fmt.Errorf("%w: %v", telephony.ErrProvider, err)
		}
		return c, err
	}
	d.Metrics.Dispatch("ok")

	c.ProviderBatchID = res.ID
	if err := d.calls.Update(ctx, c.ID, calls.Patch{ProviderBatchID: &res.ID}); err != nil {
		// nothing local points at this batch any more; pull it back so the
		// provider does not place a call whose outcome would be dropped
		log.Error("store batch id failed", "batch_id", res.ID, "err", err)
		if cerr := d.provider.CancelBatch(ctx, res.ID); cerr != nil {
			d.Metrics.Dispatch("cancel_error")
			log.Error("cancel unrecorded batch failed", "batch_id", res.ID, "err", cerr)
		}
		return c, fmt.Errorf("store batch id: %w", err)
	}
	log.Info("call dispatched", "batch_id", res.ID, "scheduled_at", c.ScheduledAt)
	return c, nil
}

// Cancel asks the provider to drop the call's batch. Failures are logged and
// returned, but callers treat local state as authoritative.
func (d *Dispatcher) Cancel(ctx context.Context, c calls.Call) error {
	if c.ProviderBatchID == "" {
		return nil
	}
	if err := d.provider.CancelBatch(ctx, c.ProviderBatchID); err != nil {
		d.Metrics.Dispatch("cancel_error")
		logger.Or(ctx, d.Logger).Warn("batch cancel failed",
			"call_id", c.ID, "batch_id", c.ProviderBatchID, "err", err)
		return err
	}
	d.Metrics.Dispatch("cancelled")
	return nil
}

// NormalizePhone returns the E.164 form of raw, assuming region when raw has no country code.
func NormalizePhone(raw, region string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalidPhone
	}
	if strings.HasPrefix(raw, "00") {
		raw = "+" + raw[2:]
	}
	num, err := phonenumbers.Parse(raw, strings.ToUpper(region))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPhone, err)
	}
	// length alone passes short fragments like "12"; the numbering plan does not
	if !phonenumbers.IsValidNumber(num) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPhone, raw)
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}

func CallName(c calls.Call) string {
	name := c.Metadata.PracticeName
	if name == "" {
		name = c.EID
	}
	return fmt.Sprintf("%s - Versuch %d", name, c.AttemptNumber)
}

// Greeting picks the salutation for the local time the call starts.
func Greeting(at time.Time) string {
	switch h := at.Hour(); {
	case h < 11:
		return "Guten Morgen"
	case h < 17:
		return "Guten Tag"
	default:
		return "Guten Abend"
	}
}

// DynamicVariables renders the agent prompt variables for c.
func DynamicVariables(c calls.Call, loc *time.Location) map[string]any {
	if loc == nil {
		loc = time.UTC
	}
	m := c.Metadata
	return map[string]any{
		"call_id":         c.ID,
		"attempt_number":  c.AttemptNumber,
		"is_sprechstunde": c.IsSprechstunde,
		"patient_name":    m.PatientName,
		"insurance":       m.Insurance,
		"therapy_type":    m.TherapyType,
		"callback_phone":  m.CallbackPhone,
		"urgency":         m.Urgency,
		"pronoun":         m.Pronoun,
		"practice_name":   m.PracticeName,
		"greeting":        Greeting(c.ScheduledAt.In(loc)),
	}
}
