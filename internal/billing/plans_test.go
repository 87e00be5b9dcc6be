package billing

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studylane/studylane-backend/pkg/config"
	"github.com/studylane/studylane-backend/pkg/enums"
)

func testResolver() *PlanResolver {
	return NewPlanResolver(config.StripeConfig{
		PremiumMonthlyPrice: "price_premium_monthly",
		PremiumAnnualPrice:  "price_premium_annual",
	})
}

func TestResolveKnownPrices(t *testing.T) {
	resolver := testResolver()

	monthly, err := resolver.Resolve("price_premium_monthly")
	require.NoError(t, err)
	assert.Equal(t, enums.SubscriptionPlanPremium, monthly.Plan)
	assert.Equal(t, enums.BillingPeriodMonthly, monthly.Period)

	annual, err := resolver.Resolve("price_premium_annual")
	require.NoError(t, err)
	assert.Equal(t, enums.SubscriptionPlanPremium, annual.Plan)
	assert.Equal(t, enums.BillingPeriodAnnual, annual.Period)
}

func TestResolveUnknownPriceFallsBack(t *testing.T) {
	resolver := testResolver()

	info, err := resolver.Resolve("price_mystery")
	require.Error(t, err)

	var unknown *UnknownPriceError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "price_mystery", unknown.PriceID)

	// A paying user never drops to free over a stale price table.
	assert.Equal(t, enums.SubscriptionPlanPremium, info.Plan)
	assert.Equal(t, enums.BillingPeriodMonthly, info.Period)
}
