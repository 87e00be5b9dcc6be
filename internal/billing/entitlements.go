package billing

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/studylane/studylane-backend/pkg/db/models"
	"github.com/studylane/studylane-backend/pkg/enums"
	pkgerrors "github.com/studylane/studylane-backend/pkg/errors"
)

// Entitled reports whether the stored row unlocks paid features. The period
// end is deliberately not checked; overdue rows stay entitled until the
// sweeper demotes them.
func Entitled(sub *models.Subscription) bool {
	if sub == nil {
		return false
	}
	return sub.Plan == enums.SubscriptionPlanPremium && sub.Status.IsEntitled()
}

// EffectivePlan collapses the row to the plan a feature gate should see.
func EffectivePlan(sub *models.Subscription) enums.SubscriptionPlan {
	if Entitled(sub) {
		return enums.SubscriptionPlanPremium
	}
	return enums.SubscriptionPlanFree
}

// Reader serves subscription state and audit history to the API layer.
type Reader struct {
	repo Repository
}

// NewReader wraps the repository for read-only access.
func NewReader(repo Repository) (*Reader, error) {
	if repo == nil {
		return nil, fmt.Errorf("repo required")
	}
	return &Reader{repo: repo}, nil
}

// GetSubscription returns the user's row, or a synthetic free row when no
// subscription has ever been reconciled for them.
func (r *Reader) GetSubscription(ctx context.Context, userID uuid.UUID) (*models.Subscription, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	sub, err := r.repo.FindSubscriptionByUserID(ctx, userID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup subscription")
	}
	if sub == nil {
		return &models.Subscription{
			UserID: userID,
			Plan:   enums.SubscriptionPlanFree,
			Status: enums.SubscriptionStatusActive,
			Period: enums.BillingPeriodMonthly,
		}, nil
	}
	return sub, nil
}

// ListHistory returns the most recent audit rows for the user.
func (r *Reader) ListHistory(ctx context.Context, userID uuid.UUID, limit int) ([]models.SubscriptionLog, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	entries, err := r.repo.ListSubscriptionLogs(ctx, userID, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list subscription logs")
	}
	return entries, nil
}
