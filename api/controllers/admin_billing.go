package controllers

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/studylane/studylane-backend/api/middleware"
	"github.com/studylane/studylane-backend/api/responses"
	"github.com/studylane/studylane-backend/api/validators"
	"github.com/studylane/studylane-backend/internal/adminsync"
	"github.com/studylane/studylane-backend/internal/cron"
	"github.com/studylane/studylane-backend/pkg/enums"
	pkgerrors "github.com/studylane/studylane-backend/pkg/errors"
	"github.com/studylane/studylane-backend/pkg/logger"
)

type adminBillingSyncRequest struct {
	UserID string `json:"user_id" validate:"required,uuid"`
	// Optional; when empty the subscription id on record is used.
	ProcessorSubscriptionID string `json:"processor_subscription_id,omitempty"`
}

type adminBillingSyncResponse struct {
	Changed      bool                  `json:"changed"`
	Subscription *subscriptionResponse `json:"subscription"`
}

// AdminBillingSync re-reads the target user's subscription from the
// processor and converges the stored row.
func AdminBillingSync(svc adminsync.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "admin sync service unavailable"))
			return
		}

		actor, err := actorFromContext(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload adminBillingSyncRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		targetID, err := uuid.Parse(payload.UserID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "user_id must be a UUID"))
			return
		}

		outcome, err := svc.Resync(r.Context(), actor, targetID, payload.ProcessorSubscriptionID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, adminBillingSyncResponse{
			Changed:      outcome.Changed,
			Subscription: newSubscriptionResponse(outcome.Subscription),
		})
	}
}

type adminExpireSweepResponse struct {
	Job       string            `json:"job"`
	Processed []cron.SweepRow   `json:"processed"`
	Errors    []cron.SweepError `json:"errors"`
}

// AdminExpireSweep runs the expiration sweep on demand instead of waiting
// for the next cron tick. Row-level failures are reported in the body, not
// as an HTTP error; the sweep itself completing is the success condition.
func AdminExpireSweep(job cron.SweepJob, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if job == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "sweep job unavailable"))
			return
		}

		report, err := job.Sweep(r.Context())
		if report == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "expiration sweep failed"))
			return
		}

		responses.WriteSuccess(w, adminExpireSweepResponse{
			Job:       job.Name(),
			Processed: report.Processed,
			Errors:    report.Errors,
		})
	}
}

func actorFromContext(r *http.Request) (adminsync.Actor, error) {
	raw := middleware.UserIDFromContext(r.Context())
	if raw == "" {
		return adminsync.Actor{}, pkgerrors.New(pkgerrors.CodeUnauthorized, "authentication required")
	}
	actorID, err := uuid.Parse(raw)
	if err != nil {
		return adminsync.Actor{}, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid actor identity")
	}
	return adminsync.Actor{
		ID:    actorID,
		Email: middleware.EmailFromContext(r.Context()),
		Role:  enums.UserRole(middleware.RoleFromContext(r.Context())),
	}, nil
}
