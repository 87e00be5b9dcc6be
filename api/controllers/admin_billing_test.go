package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/studylane/studylane-backend/api/middleware"
	"github.com/studylane/studylane-backend/internal/adminsync"
	"github.com/studylane/studylane-backend/internal/billing"
	"github.com/studylane/studylane-backend/internal/cron"
	"github.com/studylane/studylane-backend/pkg/db/models"
	"github.com/studylane/studylane-backend/pkg/enums"
)

type stubAdminSyncService struct {
	outcome *billing.Outcome
	err     error

	gotActor  adminsync.Actor
	gotTarget uuid.UUID
	gotSubID  string
}

func (s *stubAdminSyncService) Resync(ctx context.Context, actor adminsync.Actor, targetUserID uuid.UUID, processorSubscriptionID string) (*billing.Outcome, error) {
	s.gotActor = actor
	s.gotTarget = targetUserID
	s.gotSubID = processorSubscriptionID
	return s.outcome, s.err
}

type stubSweepJob struct {
	report *cron.SweepReport
	err    error
	runs   int
}

func (s *stubSweepJob) Name() string { return "subscription-expiration-sweep" }

func (s *stubSweepJob) Run(ctx context.Context) error {
	_, err := s.Sweep(ctx)
	return err
}

func (s *stubSweepJob) Sweep(ctx context.Context) (*cron.SweepReport, error) {
	s.runs++
	return s.report, s.err
}

func adminRequest(body string, actorID uuid.UUID) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/admin/v1/billing/sync", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	ctx := middleware.WithUserID(req.Context(), actorID.String())
	ctx = middleware.WithRole(ctx, string(enums.UserRoleAdmin))
	ctx = middleware.WithEmail(ctx, "ops@studylane.app")
	return req.WithContext(ctx)
}

func TestAdminBillingSyncConverges(t *testing.T) {
	actorID := uuid.New()
	targetID := uuid.New()
	svc := &stubAdminSyncService{outcome: &billing.Outcome{
		Changed: true,
		Subscription: &models.Subscription{
			ID:               uuid.New(),
			UserID:           targetID,
			Plan:             enums.SubscriptionPlanPremium,
			Status:           enums.SubscriptionStatusActive,
			Period:           enums.BillingPeriodAnnual,
			CurrentPeriodEnd: time.Now().Add(200 * 24 * time.Hour),
		},
	}}

	handler := AdminBillingSync(svc, testLogger())
	resp := httptest.NewRecorder()
	handler(resp, adminRequest(`{"user_id":"`+targetID.String()+`","processor_subscription_id":"sub_42"}`, actorID))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if svc.gotTarget != targetID {
		t.Fatalf("unexpected target %s", svc.gotTarget)
	}
	if svc.gotSubID != "sub_42" {
		t.Fatalf("processor subscription id not forwarded: %q", svc.gotSubID)
	}
	if svc.gotActor.ID != actorID || svc.gotActor.Role != enums.UserRoleAdmin {
		t.Fatalf("actor not forwarded: %+v", svc.gotActor)
	}
	if svc.gotActor.Email != "ops@studylane.app" {
		t.Fatalf("actor email not forwarded: %q", svc.gotActor.Email)
	}
	var envelope struct {
		Data adminBillingSyncResponse `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !envelope.Data.Changed || envelope.Data.Subscription == nil {
		t.Fatalf("expected changed outcome, got %+v", envelope.Data)
	}
}

func TestAdminBillingSyncRejectsInvalidUserID(t *testing.T) {
	svc := &stubAdminSyncService{}
	handler := AdminBillingSync(svc, testLogger())
	resp := httptest.NewRecorder()
	handler(resp, adminRequest(`{"user_id":"not-a-uuid"}`, uuid.New()))

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid user_id, got %d", resp.Code)
	}
	if svc.gotTarget != uuid.Nil {
		t.Fatal("service should not be called for invalid input")
	}
}

func TestAdminBillingSyncRequiresAuth(t *testing.T) {
	handler := AdminBillingSync(&stubAdminSyncService{}, testLogger())
	resp := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/admin/v1/billing/sync", strings.NewReader(`{"user_id":"`+uuid.NewString()+`"}`))
	handler(resp, req)

	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without identity, got %d", resp.Code)
	}
}

func TestAdminExpireSweepReturnsReport(t *testing.T) {
	expiredUser := uuid.New()
	stuckUser := uuid.New()
	job := &stubSweepJob{report: &cron.SweepReport{
		Processed: []cron.SweepRow{{UserID: expiredUser, Action: "expired"}},
		Errors:    []cron.SweepError{{UserID: stuckUser, Detail: "retrieve subscription: timeout"}},
	}}
	handler := AdminExpireSweep(job, testLogger())
	resp := httptest.NewRecorder()
	handler(resp, httptest.NewRequest(http.MethodPost, "/api/admin/v1/billing/expire-sweep", nil))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if job.runs != 1 {
		t.Fatalf("expected one run, got %d", job.runs)
	}
	var envelope struct {
		Data adminExpireSweepResponse `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if envelope.Data.Job != "subscription-expiration-sweep" {
		t.Fatalf("unexpected job name %q", envelope.Data.Job)
	}
	if len(envelope.Data.Processed) != 1 || envelope.Data.Processed[0].UserID != expiredUser || envelope.Data.Processed[0].Action != "expired" {
		t.Fatalf("processed rows not echoed: %+v", envelope.Data.Processed)
	}
	if len(envelope.Data.Errors) != 1 || envelope.Data.Errors[0].UserID != stuckUser {
		t.Fatalf("error rows not echoed: %+v", envelope.Data.Errors)
	}
}

func TestAdminExpireSweepRowErrorsAreNot500(t *testing.T) {
	job := &stubSweepJob{
		report: &cron.SweepReport{Processed: []cron.SweepRow{}, Errors: []cron.SweepError{{UserID: uuid.New(), Detail: "processor unavailable"}}},
		err:    errors.New("processor unavailable"),
	}
	handler := AdminExpireSweep(job, testLogger())
	resp := httptest.NewRecorder()
	handler(resp, httptest.NewRequest(http.MethodPost, "/api/admin/v1/billing/expire-sweep", nil))

	if resp.Code != http.StatusOK {
		t.Fatalf("row-level failures should still return the report, got %d", resp.Code)
	}
}

func TestAdminExpireSweepReportsFailure(t *testing.T) {
	job := &stubSweepJob{err: errors.New("list expiring subscriptions: connection refused")}
	handler := AdminExpireSweep(job, testLogger())
	resp := httptest.NewRecorder()
	handler(resp, httptest.NewRequest(http.MethodPost, "/api/admin/v1/billing/expire-sweep", nil))

	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 when the sweep cannot start, got %d", resp.Code)
	}
}
