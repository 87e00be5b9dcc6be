package controllers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/studylane/studylane-backend/internal/verify"
	"github.com/studylane/studylane-backend/pkg/db/models"
	"github.com/studylane/studylane-backend/pkg/enums"
	pkgerrors "github.com/studylane/studylane-backend/pkg/errors"
)

type stubVerifyService struct {
	result *verify.Result
	err    error

	gotUserID    uuid.UUID
	gotSessionID string
	gotForce     bool
}

func (s *stubVerifyService) VerifySession(ctx context.Context, userID uuid.UUID, sessionID string, forceUpdate bool) (*verify.Result, error) {
	s.gotUserID = userID
	s.gotSessionID = sessionID
	s.gotForce = forceUpdate
	return s.result, s.err
}

func TestVerifySessionConverged(t *testing.T) {
	userID := uuid.New()
	svc := &stubVerifyService{result: &verify.Result{
		Status: verify.StatusConverged,
		Subscription: &models.Subscription{
			ID:               uuid.New(),
			UserID:           userID,
			Plan:             enums.SubscriptionPlanPremium,
			Status:           enums.SubscriptionStatusActive,
			Period:           enums.BillingPeriodMonthly,
			CurrentPeriodEnd: time.Now().Add(30 * 24 * time.Hour),
		},
	}}

	handler := VerifySession(svc, testLogger())
	resp := httptest.NewRecorder()
	handler(resp, authedRequest(http.MethodGet, "/api/v1/billing/verify-session?session_id=cs_test_123", userID))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if svc.gotSessionID != "cs_test_123" {
		t.Fatalf("unexpected session id %q", svc.gotSessionID)
	}
	if svc.gotForce {
		t.Fatal("force flag should default to false")
	}
	var envelope struct {
		Data verifySessionResponse `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if envelope.Data.Status != "CONVERGED" || !envelope.Data.Success {
		t.Fatalf("expected successful CONVERGED response, got %+v", envelope.Data)
	}
	if envelope.Data.Subscription == nil || !envelope.Data.Subscription.Entitled {
		t.Fatalf("expected entitled subscription in response, got %+v", envelope.Data.Subscription)
	}
	if envelope.Data.RetryAfterMS != 0 {
		t.Fatal("converged responses must not carry a retry policy")
	}
}

func TestVerifySessionPendingEchoesRetryPolicy(t *testing.T) {
	svc := &stubVerifyService{result: &verify.Result{
		Status:      verify.StatusPending,
		RetryAfter:  3 * time.Second,
		MaxAttempts: 5,
	}}

	handler := VerifySession(svc, testLogger())
	resp := httptest.NewRecorder()
	handler(resp, authedRequest(http.MethodGet, "/api/v1/billing/verify-session?session_id=cs_test_9&force_update=true", uuid.New()))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if !svc.gotForce {
		t.Fatal("force_update=true was not propagated")
	}
	var envelope struct {
		Data verifySessionResponse `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if envelope.Data.Status != "PENDING" {
		t.Fatalf("expected PENDING, got %s", envelope.Data.Status)
	}
	if envelope.Data.RetryAfterMS != 3000 || envelope.Data.MaxAttempts != 5 {
		t.Fatalf("retry policy not echoed: %+v", envelope.Data)
	}
}

func TestVerifySessionRequiresSessionID(t *testing.T) {
	svc := &stubVerifyService{}
	handler := VerifySession(svc, testLogger())
	resp := httptest.NewRecorder()
	handler(resp, authedRequest(http.MethodGet, "/api/v1/billing/verify-session", uuid.New()))

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without session_id, got %d", resp.Code)
	}
	if svc.gotSessionID != "" {
		t.Fatal("service should not be called without a session id")
	}
}

func TestVerifySessionRejectsBadForceFlag(t *testing.T) {
	handler := VerifySession(&stubVerifyService{}, testLogger())
	resp := httptest.NewRecorder()
	handler(resp, authedRequest(http.MethodGet, "/api/v1/billing/verify-session?session_id=cs_1&force_update=maybe", uuid.New()))

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid force_update, got %d", resp.Code)
	}
}

func TestVerifySessionUnknownSessionIs404(t *testing.T) {
	svc := &stubVerifyService{err: pkgerrors.New(pkgerrors.CodeNotFound, "checkout session not found")}
	handler := VerifySession(svc, testLogger())
	resp := httptest.NewRecorder()
	handler(resp, authedRequest(http.MethodGet, "/api/v1/billing/verify-session?session_id=cs_missing", uuid.New()))

	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a session the processor does not know, got %d", resp.Code)
	}
}

func TestVerifySessionRequiresAuth(t *testing.T) {
	handler := VerifySession(&stubVerifyService{}, testLogger())
	resp := httptest.NewRecorder()
	handler(resp, httptest.NewRequest(http.MethodGet, "/api/v1/billing/verify-session?session_id=cs_1", nil))

	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without identity, got %d", resp.Code)
	}
}
