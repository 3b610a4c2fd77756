package reporting

import (
	"context"
	"errors"

	"practice-dialer/internal/audit"
	"practice-dialer/internal/calls"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) Usage(ctx context.Context, req UsageRequest) (Usage, error) {
	if req.UserID == "" {
		return Usage{}, ErrInvalidRequest
	}
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return Usage{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return Usage{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.ListCalls(ctx, req.UserID, req.Range.From, req.Range.To)
	if err != nil {
		return Usage{}, err
	}
	entries, err := s.repo.ListAudit(ctx, req.UserID, req.Range.From, req.Range.To)
	if err != nil {
		return Usage{}, err
	}

	return Usage{
		UserID:  req.UserID,
		Range:   req.Range,
		Calls:   summarizeCalls(rows),
		Credits: summarizeCredits(entries),
	}, nil
}

func summarizeCalls(rows []calls.Call) CallsSummary {
	out := CallsSummary{Outcomes: map[string]int{}}
	ended := 0
	for _, c := range rows {
		out.TotalCalls++
		switch c.Status {
		case calls.StatusScheduled:
			out.ScheduledCalls++
		case calls.StatusInProgress:
			out.InProgressCalls++
		case calls.StatusFrozen:
			out.FrozenCalls++
		case calls.StatusCompleted:
			out.CompletedCalls++
		case calls.StatusFailed:
			out.FailedCalls++
		case calls.StatusCancelled:
			out.CancelledCalls++
		}
		if c.Outcome != "" {
			out.Outcomes[string(c.Outcome)]++
		}
		if c.Outcome == calls.OutcomeSuccess {
			out.Reached++
		}
		if c.Status.Terminal() && c.DurationSeconds > 0 {
			out.TotalDurationSeconds += c.DurationSeconds
			ended++
		}
	}
	if ended > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / ended
	}
	return out
}

func summarizeCredits(entries []audit.Entry) CreditsSummary {
	var out CreditsSummary
	for _, e := range entries {
		switch e.EventType {
		case audit.EventAllocate:
			out.AllocatedSeconds += e.Seconds
		case audit.EventDeduct:
			out.DeductedSeconds += e.Seconds
			out.GiftedSeconds += e.GiftedSeconds
			out.NetSeconds -= e.Seconds
		case audit.EventRefund:
			out.RefundedSeconds += e.Seconds
			out.NetSeconds += e.Seconds
		case audit.EventAdminAward:
			out.AdminAwardSeconds += e.Seconds
			out.NetSeconds += e.Seconds
		case audit.EventAdminDeduct:
			out.AdminDeductSeconds += e.Seconds
			out.NetSeconds -= e.Seconds
		case audit.EventFreeze:
			out.Freezes++
		case audit.EventUnfreeze:
			out.Unfreezes++
		}
	}
	return out
}
