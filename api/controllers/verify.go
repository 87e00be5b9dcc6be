package controllers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/studylane/studylane-backend/api/responses"
	"github.com/studylane/studylane-backend/internal/verify"
	pkgerrors "github.com/studylane/studylane-backend/pkg/errors"
	"github.com/studylane/studylane-backend/pkg/logger"
)

type verifySessionResponse struct {
	Status        string                `json:"status"`
	PaymentStatus string                `json:"payment_status,omitempty"`
	Success       bool                  `json:"success"`
	Forced        bool                  `json:"forced,omitempty"`
	Subscription  *subscriptionResponse `json:"subscription,omitempty"`

	// Populated on PENDING so clients poll with a uniform backoff.
	RetryAfterMS int64 `json:"retry_after_ms,omitempty"`
	MaxAttempts  int   `json:"max_attempts,omitempty"`
}

// VerifySession polls the state of a checkout session and converges the
// caller's subscription once the processor reports it paid.
func VerifySession(svc verify.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "verification service unavailable"))
			return
		}

		userID, err := callerUserID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
		if sessionID == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "session_id is required"))
			return
		}

		forceUpdate := false
		if raw := r.URL.Query().Get("force_update"); raw != "" {
			parsed, parseErr := strconv.ParseBool(raw)
			if parseErr != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "force_update must be a boolean"))
				return
			}
			forceUpdate = parsed
		}

		result, err := svc.VerifySession(r.Context(), userID, sessionID, forceUpdate)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, newVerifySessionResponse(result))
	}
}

func newVerifySessionResponse(result *verify.Result) *verifySessionResponse {
	if result == nil {
		return nil
	}
	resp := &verifySessionResponse{
		Status:        string(result.Status),
		PaymentStatus: result.PaymentStatus,
		Success:       result.Status == verify.StatusConverged,
		Forced:        result.Forced,
		Subscription:  newSubscriptionResponse(result.Subscription),
	}
	if result.Status == verify.StatusPending {
		resp.RetryAfterMS = result.RetryAfter.Milliseconds()
		resp.MaxAttempts = result.MaxAttempts
	}
	return resp
}
