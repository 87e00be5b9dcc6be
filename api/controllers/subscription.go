package controllers

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/studylane/studylane-backend/api/middleware"
	"github.com/studylane/studylane-backend/api/responses"
	"github.com/studylane/studylane-backend/api/validators"
	"github.com/studylane/studylane-backend/internal/billing"
	"github.com/studylane/studylane-backend/pkg/db/models"
	pkgerrors "github.com/studylane/studylane-backend/pkg/errors"
	"github.com/studylane/studylane-backend/pkg/logger"
)

type subscriptionResponse struct {
	ID                   uuid.UUID  `json:"id"`
	StripeSubscriptionID string     `json:"stripe_subscription_id,omitempty"`
	Plan                 string     `json:"plan"`
	Status               string     `json:"status"`
	Period               string     `json:"period"`
	CurrentPeriodStart   *time.Time `json:"current_period_start,omitempty"`
	CurrentPeriodEnd     time.Time  `json:"current_period_end"`
	CancelAtPeriodEnd    bool       `json:"cancel_at_period_end"`
	Entitled             bool       `json:"entitled"`
	EffectivePlan        string     `json:"effective_plan"`
}

type subscriptionLogResponse struct {
	ID          uuid.UUID `json:"id"`
	OldStatus   *string   `json:"old_status,omitempty"`
	NewStatus   string    `json:"new_status"`
	OldPlan     *string   `json:"old_plan,omitempty"`
	NewPlan     string    `json:"new_plan"`
	Reason      string    `json:"reason"`
	ProcessedBy string    `json:"processed_by"`
	ChangedAt   time.Time `json:"changed_at"`
}

// SubscriptionFetch returns the caller's subscription. Users without a
// stored row get the synthetic free subscription.
func SubscriptionFetch(reader *billing.Reader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if reader == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "billing reader unavailable"))
			return
		}

		userID, err := callerUserID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		sub, err := reader.GetSubscription(r.Context(), userID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, newSubscriptionResponse(sub))
	}
}

// SubscriptionHistory returns the caller's audit trail, newest first.
func SubscriptionHistory(reader *billing.Reader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if reader == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "billing reader unavailable"))
			return
		}

		userID, err := callerUserID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		limit, err := validators.ParseQueryInt(r, "limit", 20, 1, 100)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		logs, err := reader.ListHistory(r.Context(), userID, limit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		items := make([]subscriptionLogResponse, 0, len(logs))
		for _, row := range logs {
			items = append(items, newSubscriptionLogResponse(row))
		}
		responses.WriteSuccess(w, map[string]any{"items": items})
	}
}

func callerUserID(r *http.Request) (uuid.UUID, error) {
	raw := middleware.UserIDFromContext(r.Context())
	if raw == "" {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "authentication required")
	}
	userID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid user identity")
	}
	return userID, nil
}

func newSubscriptionResponse(sub *models.Subscription) *subscriptionResponse {
	if sub == nil {
		return nil
	}
	return &subscriptionResponse{
		ID:                   sub.ID,
		StripeSubscriptionID: sub.StripeSubscriptionID,
		Plan:                 string(sub.Plan),
		Status:               string(sub.Status),
		Period:               string(sub.Period),
		CurrentPeriodStart:   sub.CurrentPeriodStart,
		CurrentPeriodEnd:     sub.CurrentPeriodEnd,
		CancelAtPeriodEnd:    sub.CancelAtPeriodEnd,
		Entitled:             billing.Entitled(sub),
		EffectivePlan:        string(billing.EffectivePlan(sub)),
	}
}

func newSubscriptionLogResponse(row models.SubscriptionLog) subscriptionLogResponse {
	resp := subscriptionLogResponse{
		ID:          row.ID,
		NewStatus:   string(row.NewStatus),
		NewPlan:     string(row.NewPlan),
		Reason:      row.Reason,
		ProcessedBy: row.ProcessedBy,
		ChangedAt:   row.ChangedAt,
	}
	if row.OldStatus != nil {
		s := string(*row.OldStatus)
		resp.OldStatus = &s
	}
	if row.OldPlan != nil {
		p := string(*row.OldPlan)
		resp.OldPlan = &p
	}
	return resp
}
