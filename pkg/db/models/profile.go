package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/studylane/studylane-backend/pkg/enums"
)

// Profile is the per-user application record. SubscriptionPlan is a
// denormalized cache of Subscription.Plan for fast read paths; it may lag
// the subscription row and must not be treated as authoritative.
type Profile struct {
	ID               uuid.UUID              `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	UserID           uuid.UUID              `gorm:"column:user_id;type:uuid;not null;uniqueIndex"`
	Email            string                 `gorm:"column:email;not null"`
	DisplayName      string                 `gorm:"column:display_name"`
	Role             enums.UserRole         `gorm:"column:role;not null;default:'member'"`
	SubscriptionPlan enums.SubscriptionPlan `gorm:"column:subscription_plan;not null;default:'free'"`
	CreatedAt        time.Time              `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time              `gorm:"column:updated_at;autoUpdateTime"`
}
