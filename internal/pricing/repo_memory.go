package pricing

import (
	"context"
	"time"
)

// MemoryRepo is the in-process plan catalogue.
type MemoryRepo struct {
	Plans []Plan
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{Plans: DefaultPlans()} }

func (r *MemoryRepo) FindPlan(ctx context.Context, tier Tier, at time.Time) (Plan, bool, error) {
	_ = ctx

	// Prefer the most recent effective plan row.
	var best Plan
	found := false

	for _, p := range r.Plans {
		if p.Tier != tier {
			continue
		}
		if p.Status != PlanStatusActive {
			continue
		}
		if at.Before(p.EffectiveFrom) {
			continue
		}
		if p.EffectiveTo != nil && !at.Before(*p.EffectiveTo) {
			continue
		}

		if !found || p.EffectiveFrom.After(best.EffectiveFrom) {
			best = p
			found = true
		}
	}

	return best, found, nil
}
