package billing

import (
	"time"

	"github.com/stripe/stripe-go/v84"

	"github.com/studylane/studylane-backend/pkg/enums"
	pkgerrors "github.com/studylane/studylane-backend/pkg/errors"
)

// forcedPeriodLength is the provisional entitlement window granted when
// convergence is forced after verification retries are exhausted.
const forcedPeriodLength = 30 * 24 * time.Hour

// Snapshot is the desired subscription state derived from the payment
// processor. The reconciler converges the stored row toward it.
type Snapshot struct {
	StripeCustomerID     string
	StripeSubscriptionID string
	StripePriceID        string
	Plan                 enums.SubscriptionPlan
	Status               enums.SubscriptionStatus
	Period               enums.BillingPeriod
	CurrentPeriodStart   *time.Time
	CurrentPeriodEnd     time.Time
	CancelAtPeriodEnd    bool
}

// SnapshotFromStripe builds a Snapshot from a retrieved Stripe subscription.
// An *UnknownPriceError is returned alongside a still-usable snapshot; any
// other error means the subscription payload was unreadable.
func SnapshotFromStripe(sub *stripe.Subscription, resolver *PlanResolver) (Snapshot, error) {
	if sub == nil {
		return Snapshot{}, pkgerrors.New(pkgerrors.CodeDependency, "stripe subscription payload is empty")
	}
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return Snapshot{}, pkgerrors.New(pkgerrors.CodeDependency, "stripe subscription has no items")
	}

	item := sub.Items.Data[0]
	priceID := ""
	if item.Price != nil {
		priceID = item.Price.ID
	}

	snap := Snapshot{
		StripeSubscriptionID: sub.ID,
		StripePriceID:        priceID,
		Status:               mapStripeStatus(sub.Status),
		CancelAtPeriodEnd:    sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		snap.StripeCustomerID = sub.Customer.ID
	}
	if item.CurrentPeriodStart > 0 {
		start := time.Unix(item.CurrentPeriodStart, 0).UTC()
		snap.CurrentPeriodStart = &start
	}
	if item.CurrentPeriodEnd > 0 {
		snap.CurrentPeriodEnd = time.Unix(item.CurrentPeriodEnd, 0).UTC()
	}

	info, err := resolver.Resolve(priceID)
	snap.Plan = info.Plan
	snap.Period = info.Period
	return snap, err
}

// ForcedSnapshot is the provisional state written when the client has
// exhausted its verification retries without a readable subscription. It
// carries the identifiers that are actually known; the subscription id
// stays empty when unknown so later processor lookups are not attempted
// against an id that never existed. The next processor-backed reconcile
// overwrites it.
func ForcedSnapshot(customerID, subscriptionID string, now time.Time) Snapshot {
	now = now.UTC()
	return Snapshot{
		StripeCustomerID:     customerID,
		StripeSubscriptionID: subscriptionID,
		Plan:                 enums.SubscriptionPlanPremium,
		Status:               enums.SubscriptionStatusActive,
		Period:               enums.BillingPeriodMonthly,
		CurrentPeriodStart:   &now,
		CurrentPeriodEnd:     now.Add(forcedPeriodLength),
	}
}

func mapStripeStatus(status stripe.SubscriptionStatus) enums.SubscriptionStatus {
	switch status {
	case stripe.SubscriptionStatusTrialing:
		return enums.SubscriptionStatusTrialing
	case stripe.SubscriptionStatusCanceled,
		stripe.SubscriptionStatusUnpaid,
		stripe.SubscriptionStatusIncompleteExpired:
		return enums.SubscriptionStatusCanceled
	default:
		return enums.SubscriptionStatusActive
	}
}
