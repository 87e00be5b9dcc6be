package billing

import (
	"fmt"
	"strings"

	"github.com/studylane/studylane-backend/pkg/config"
	"github.com/studylane/studylane-backend/pkg/enums"
)

// PlanInfo is the resolved plan and billing period for a processor price.
type PlanInfo struct {
	Plan   enums.SubscriptionPlan
	Period enums.BillingPeriod
}

// UnknownPriceError marks a price ID that is not in the price table. The
// resolver still returns a usable fallback so checkout verification never
// blocks on a missing mapping; callers log the error and continue.
type UnknownPriceError struct {
	PriceID string
}

func (e *UnknownPriceError) Error() string {
	return fmt.Sprintf("unknown price id %q", e.PriceID)
}

// PlanResolver maps Stripe price IDs onto local plan and period values.
type PlanResolver struct {
	table map[string]PlanInfo
}

// NewPlanResolver builds the price table from configuration.
func NewPlanResolver(cfg config.StripeConfig) *PlanResolver {
	table := map[string]PlanInfo{}

	monthly := strings.TrimSpace(cfg.PremiumMonthlyPrice)
	if monthly != "" {
		table[monthly] = PlanInfo{Plan: enums.SubscriptionPlanPremium, Period: enums.BillingPeriodMonthly}
	}
	annual := strings.TrimSpace(cfg.PremiumAnnualPrice)
	if annual != "" {
		table[annual] = PlanInfo{Plan: enums.SubscriptionPlanPremium, Period: enums.BillingPeriodAnnual}
	}

	return &PlanResolver{table: table}
}

// Resolve looks up the price ID. Unknown prices return the premium/monthly
// fallback together with an *UnknownPriceError; a paying user must never be
// downgraded to free because the mapping table is stale.
func (r *PlanResolver) Resolve(priceID string) (PlanInfo, error) {
	priceID = strings.TrimSpace(priceID)
	if info, ok := r.table[priceID]; ok {
		return info, nil
	}
	return PlanInfo{
		Plan:   enums.SubscriptionPlanPremium,
		Period: enums.BillingPeriodMonthly,
	}, &UnknownPriceError{PriceID: priceID}
}
