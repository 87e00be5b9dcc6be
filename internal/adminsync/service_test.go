package adminsync

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"
	"gorm.io/gorm"

	"github.com/studylane/studylane-backend/internal/billing"
	"github.com/studylane/studylane-backend/pkg/config"
	"github.com/studylane/studylane-backend/pkg/db/models"
	"github.com/studylane/studylane-backend/pkg/enums"
	pkgerrors "github.com/studylane/studylane-backend/pkg/errors"
	"github.com/studylane/studylane-backend/pkg/logger"
)

type stubRepo struct {
	billing.Repository
	sub *models.Subscription
	err error
}

func (s *stubRepo) WithTx(tx *gorm.DB) billing.Repository { return s }

func (s *stubRepo) FindSubscriptionByUserID(context.Context, uuid.UUID) (*models.Subscription, error) {
	return s.sub, s.err
}

type stubProcessor struct {
	sub *stripe.Subscription
	err error
}

func (s *stubProcessor) GetCheckoutSession(context.Context, string) (*stripe.CheckoutSession, error) {
	return nil, pkgerrors.New(pkgerrors.CodeInternal, "not used")
}

func (s *stubProcessor) GetSubscription(context.Context, string) (*stripe.Subscription, error) {
	return s.sub, s.err
}

type stubReconciler struct {
	calls []string
}

func (s *stubReconciler) Reconcile(_ context.Context, userID uuid.UUID, snap billing.Snapshot, reason, processedBy string) (*billing.Outcome, error) {
	s.calls = append(s.calls, processedBy)
	return &billing.Outcome{
		Subscription: &models.Subscription{UserID: userID, Plan: snap.Plan, Status: snap.Status},
		Changed:      true,
	}, nil
}

func liveStripeSubscription() *stripe.Subscription {
	end := time.Now().UTC().Add(30 * 24 * time.Hour)
	return &stripe.Subscription{
		ID:       "sub_live",
		Status:   stripe.SubscriptionStatusActive,
		Customer: &stripe.Customer{ID: "cus_live"},
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{
				{
					Price:              &stripe.Price{ID: "price_premium_monthly"},
					CurrentPeriodStart: end.Add(-30 * 24 * time.Hour).Unix(),
					CurrentPeriodEnd:   end.Unix(),
				},
			},
		},
	}
}

func newTestService(t *testing.T, repo *stubRepo, processor *stubProcessor, rec *stubReconciler, allow config.AdminSyncConfig) Service {
	t.Helper()
	svc, err := NewService(ServiceParams{
		Repo:      repo,
		Processor: processor,
		Resolver: billing.NewPlanResolver(config.StripeConfig{
			PremiumMonthlyPrice: "price_premium_monthly",
			PremiumAnnualPrice:  "price_premium_annual",
		}),
		Reconciler: rec,
		Allow:      allow,
		Logger:     logger.New(logger.Options{ServiceName: "test", Output: io.Discard}),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return svc
}

func storedSubscription(userID uuid.UUID) *models.Subscription {
	return &models.Subscription{
		ID:                   uuid.New(),
		UserID:               userID,
		StripeSubscriptionID: "sub_live",
		Plan:                 enums.SubscriptionPlanPremium,
		Status:               enums.SubscriptionStatusActive,
	}
}

func TestResyncRequiresAdminOrAllowList(t *testing.T) {
	target := uuid.New()
	rec := &stubReconciler{}
	svc := newTestService(t, &stubRepo{sub: storedSubscription(target)}, &stubProcessor{sub: liveStripeSubscription()}, rec, config.AdminSyncConfig{})

	actor := Actor{ID: uuid.New(), Email: "member@studylane.app", Role: enums.UserRoleMember}
	_, err := svc.Resync(context.Background(), actor, target, "")
	if !pkgerrors.IsCode(err, pkgerrors.CodeForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if len(rec.calls) != 0 {
		t.Fatalf("denied actor must not trigger reconcile")
	}
}

func TestResyncAdminConvergesWithAttribution(t *testing.T) {
	target := uuid.New()
	rec := &stubReconciler{}
	svc := newTestService(t, &stubRepo{sub: storedSubscription(target)}, &stubProcessor{sub: liveStripeSubscription()}, rec, config.AdminSyncConfig{})

	actor := Actor{ID: uuid.New(), Email: "ops@studylane.app", Role: enums.UserRoleAdmin}
	outcome, err := svc.Resync(context.Background(), actor, target, "")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if !outcome.Changed {
		t.Fatalf("expected converged outcome")
	}
	if len(rec.calls) != 1 {
		t.Fatalf("expected one reconcile call, got %d", len(rec.calls))
	}
	want := "admin:" + actor.ID.String()
	if rec.calls[0] != want {
		t.Fatalf("expected processed_by %q, got %q", want, rec.calls[0])
	}
}

func TestResyncAllowListGrantsNonAdmin(t *testing.T) {
	target := uuid.New()
	rec := &stubReconciler{}
	allow := config.AdminSyncConfig{AllowedEmails: []string{"Support@StudyLane.app"}}
	svc := newTestService(t, &stubRepo{sub: storedSubscription(target)}, &stubProcessor{sub: liveStripeSubscription()}, rec, allow)

	actor := Actor{ID: uuid.New(), Email: "support@studylane.app", Role: enums.UserRoleMember}
	if _, err := svc.Resync(context.Background(), actor, target, ""); err != nil {
		t.Fatalf("allow-listed operator should pass, got %v", err)
	}
}

func TestResyncExplicitSubscriptionIDSkipsStoreLookup(t *testing.T) {
	target := uuid.New()
	rec := &stubReconciler{}
	// No stored row at all; the operator supplies the processor id directly.
	svc := newTestService(t, &stubRepo{}, &stubProcessor{sub: liveStripeSubscription()}, rec, config.AdminSyncConfig{})

	actor := Actor{ID: uuid.New(), Role: enums.UserRoleAdmin}
	outcome, err := svc.Resync(context.Background(), actor, target, "sub_live")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if !outcome.Changed {
		t.Fatalf("expected converged outcome")
	}
	if len(rec.calls) != 1 {
		t.Fatalf("expected one reconcile call, got %d", len(rec.calls))
	}
}

func TestResyncMissingLocalRowIsNotFound(t *testing.T) {
	rec := &stubReconciler{}
	svc := newTestService(t, &stubRepo{}, &stubProcessor{sub: liveStripeSubscription()}, rec, config.AdminSyncConfig{})

	actor := Actor{ID: uuid.New(), Role: enums.UserRoleAdmin}
	_, err := svc.Resync(context.Background(), actor, uuid.New(), "")
	if !pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestResyncProcessorMissingSubscriptionIsTerminal(t *testing.T) {
	target := uuid.New()
	rec := &stubReconciler{}
	processor := &stubProcessor{err: pkgerrors.New(pkgerrors.CodeNotFound, "retrieve subscription")}
	svc := newTestService(t, &stubRepo{sub: storedSubscription(target)}, processor, rec, config.AdminSyncConfig{})

	actor := Actor{ID: uuid.New(), Role: enums.UserRoleAdmin}
	_, err := svc.Resync(context.Background(), actor, target, "")
	if !pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if len(rec.calls) != 0 {
		t.Fatalf("missing processor subscription must not reconcile")
	}
}
