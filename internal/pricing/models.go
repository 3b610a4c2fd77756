package pricing

import "time"

// Tier names a subscription level. The tier travels in the caller's JWT.
type Tier string

const (
	TierNone     Tier = "none"
	TierStarter  Tier = "starter"
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
)

// Plan maps a tier to its monthly call-seconds allowance.
type Plan struct {
	Tier Tier `json:"tier" db:"tier"`

	// MonthlySeconds is granted at account creation and on every 30-day refill.
	MonthlySeconds int `json:"monthly_seconds" db:"monthly_seconds"`

	// Effective window for the allowance.
	EffectiveFrom time.Time  `json:"effective_from" db:"effective_from"`
	EffectiveTo   *time.Time `json:"effective_to,omitempty" db:"effective_to"`

	Status PlanStatus `json:"status" db:"status"`
}

type PlanStatus string

const (
	PlanStatusActive   PlanStatus = "active"
	PlanStatusInactive PlanStatus = "inactive"
)

// DefaultPlans is the catalogue shipped with the service.
func DefaultPlans() []Plan {
	return []Plan{
		{Tier: TierNone, MonthlySeconds: 0, Status: PlanStatusActive},
		{Tier: TierStarter, MonthlySeconds: 900, Status: PlanStatusActive},
		{Tier: TierStandard, MonthlySeconds: 1800, Status: PlanStatusActive},
		{Tier: TierPremium, MonthlySeconds: 3600, Status: PlanStatusActive},
	}
}
