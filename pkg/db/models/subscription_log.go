package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/studylane/studylane-backend/pkg/enums"
)

// SubscriptionLog is an append-only audit row written once per actual
// status or plan transition. Rows are never updated or deleted.
type SubscriptionLog struct {
	ID             uuid.UUID                 `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	UserID         uuid.UUID                 `gorm:"column:user_id;type:uuid;not null;index"`
	SubscriptionID uuid.UUID                 `gorm:"column:subscription_id;type:uuid;not null;index"`
	OldStatus      *enums.SubscriptionStatus `gorm:"column:old_status"`
	NewStatus      enums.SubscriptionStatus  `gorm:"column:new_status;not null"`
	OldPlan        *enums.SubscriptionPlan   `gorm:"column:old_plan"`
	NewPlan        enums.SubscriptionPlan    `gorm:"column:new_plan;not null"`
	Reason         string                    `gorm:"column:reason;not null"`
	ProcessedBy    string                    `gorm:"column:processed_by;not null;default:'system'"`
	ChangedAt      time.Time                 `gorm:"column:changed_at;autoCreateTime"`
}
