package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/studylane/studylane-backend/pkg/enums"
)

// Subscription persists processor-sourced subscription state per user.
// The unique index on user_id is the at-most-one-row-per-user invariant;
// concurrent first-time writers are reconciled through it.
type Subscription struct {
	ID                   uuid.UUID                `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	UserID               uuid.UUID                `gorm:"column:user_id;type:uuid;not null;uniqueIndex:idx_subscriptions_user_id"`
	StripeCustomerID     string                   `gorm:"column:stripe_customer_id"`
	StripeSubscriptionID string                   `gorm:"column:stripe_subscription_id;index"`
	StripePriceID        string                   `gorm:"column:stripe_price_id"`
	Plan                 enums.SubscriptionPlan   `gorm:"column:plan;not null;default:'free'"`
	Status               enums.SubscriptionStatus `gorm:"column:status;not null;default:'active'"`
	Period               enums.BillingPeriod      `gorm:"column:period;not null;default:'monthly'"`
	CurrentPeriodStart   *time.Time               `gorm:"column:current_period_start"`
	CurrentPeriodEnd     time.Time                `gorm:"column:current_period_end"`
	CancelAtPeriodEnd    bool                     `gorm:"column:cancel_at_period_end;not null;default:false"`
	CreatedAt            time.Time                `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt            time.Time                `gorm:"column:updated_at;autoUpdateTime"`
}
