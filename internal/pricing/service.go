package pricing

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Service resolves tier allowances and the billable duration of a call.
//
// Contract:
//   - Pure calculation + catalogue lookups.
//   - Billing is per second. A ceiling of 0 keeps the full provider duration
//     and lets the ledger gift whatever exceeds the balance.
type Service struct {
	repo  PlanRepository
	clock func() time.Time

	// MaxBillableSeconds caps the billed duration of a single call. 0 disables it.
	MaxBillableSeconds int
}

func NewService(repo PlanRepository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

// PlanRepository abstracts the plan catalogue.
type PlanRepository interface {
	FindPlan(ctx context.Context, tier Tier, at time.Time) (Plan, bool, error)
}

var (
	ErrUnknownTier     = errors.New("unknown tier")
	ErrInvalidDuration = errors.New("invalid duration")
)

// ParseTier normalises a tier name. Empty means TierNone.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case "":
		return TierNone, nil
	case TierNone, TierStarter, TierStandard, TierPremium:
		return t, nil
	default:
		return "", ErrUnknownTier
	}
}

// TierSeconds returns the monthly allowance currently in effect for tier.
func (s *Service) TierSeconds(ctx context.Context, tier Tier) (int, error) {
	if tier == "" {
		tier = TierNone
	}
	p, ok, err := s.repo.FindPlan(ctx, tier, s.clock().UTC())
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrUnknownTier
	}
	return p.MonthlySeconds, nil
}

// BillableSeconds converts a provider-reported duration into the seconds to
// charge.
func (s *Service) BillableSeconds(actualSec int) (int, error) {
	if actualSec < 0 {
		return 0, ErrInvalidDuration
	}
	return billableSeconds(actualSec, s.MaxBillableSeconds), nil
}

func billableSeconds(actualSec, ceiling int) int {
	if actualSec <= 0 {
		return 0
	}
	if ceiling > 0 && actualSec > ceiling {
		return ceiling
	}
	return actualSec
}
