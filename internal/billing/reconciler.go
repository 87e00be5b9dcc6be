package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/studylane/studylane-backend/pkg/db"
	"github.com/studylane/studylane-backend/pkg/db/models"
	"github.com/studylane/studylane-backend/pkg/enums"
	pkgerrors "github.com/studylane/studylane-backend/pkg/errors"
	"github.com/studylane/studylane-backend/pkg/logger"
)

const (
	// ProcessedBySystem marks writes not attributed to a human operator.
	ProcessedBySystem = "system"

	// uniqueUserConstraint is the subscriptions(user_id) unique index.
	uniqueUserConstraint = "idx_subscriptions_user_id"
)

// Audit reasons recorded on subscription log rows.
const (
	ReasonCheckoutVerified  = "checkout verified"
	ReasonForcedConvergence = "forced convergence"
	ReasonManualSync        = "manual sync"
	ReasonExpiryResync      = "resync during expiry check"
	ReasonExpired           = "expired automatically"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type profileCache interface {
	UpdateSubscriptionPlan(ctx context.Context, userID uuid.UUID, plan enums.SubscriptionPlan) error
}

// Outcome reports what a reconcile pass did to the stored row.
type Outcome struct {
	Subscription *models.Subscription
	Changed      bool
}

// ReconcilerParams groups dependencies for the reconciler.
type ReconcilerParams struct {
	Repo              Repository
	ProfileCache      profileCache
	TransactionRunner txRunner
	Logger            *logger.Logger
}

// Reconciler converges stored subscription rows toward processor snapshots.
// All writes are compare-then-write inside one transaction, so replays of
// the same snapshot are no-ops and produce no extra audit rows.
type Reconciler struct {
	repo     Repository
	profiles profileCache
	txRunner txRunner
	logg     *logger.Logger
}

// NewReconciler builds a reconciler with the required dependencies.
func NewReconciler(params ReconcilerParams) (*Reconciler, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("repo required")
	}
	if params.ProfileCache == nil {
		return nil, fmt.Errorf("profile cache required")
	}
	if params.TransactionRunner == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &Reconciler{
		repo:     params.Repo,
		profiles: params.ProfileCache,
		txRunner: params.TransactionRunner,
		logg:     params.Logger,
	}, nil
}

// Reconcile upserts the user's subscription row to match the snapshot and
// appends one audit row per actual transition. A unique violation from a
// concurrent first-time insert is absorbed by re-reading the winner's row
// and converging it instead.
func (r *Reconciler) Reconcile(ctx context.Context, userID uuid.UUID, snap Snapshot, reason, processedBy string) (*Outcome, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	if strings.TrimSpace(reason) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "reason is required")
	}
	if strings.TrimSpace(processedBy) == "" {
		processedBy = ProcessedBySystem
	}

	outcome, err := r.converge(ctx, userID, snap, reason, processedBy)
	if err != nil && db.IsUniqueViolation(err, uniqueUserConstraint) {
		ctx = r.logg.WithUserID(ctx, userID.String())
		r.logg.Warn(ctx, "subscription insert lost race, converging winner row")
		outcome, err = r.converge(ctx, userID, snap, reason, processedBy)
		if err != nil && db.IsUniqueViolation(err, uniqueUserConstraint) {
			return nil, pkgerrors.Wrap(pkgerrors.CodeConflict, err, "subscription write conflict")
		}
	}
	if err != nil {
		return nil, err
	}

	if outcome.Changed {
		r.updateProfileCache(ctx, userID, outcome.Subscription.Plan)
	}
	return outcome, nil
}

// Expire demotes an overdue paid row to free/expired. The row is re-read
// inside the transaction so a refresh that landed between the sweep scan
// and this call turns the demotion into a no-op.
func (r *Reconciler) Expire(ctx context.Context, userID uuid.UUID, processedBy string) (*Outcome, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	if strings.TrimSpace(processedBy) == "" {
		processedBy = ProcessedBySystem
	}

	outcome := &Outcome{}
	err := r.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		txRepo := r.repo.WithTx(tx)

		existing, err := txRepo.FindSubscriptionByUserID(ctx, userID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup subscription")
		}
		if existing == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
		}

		outcome.Subscription = existing
		if !stillExpirable(existing) {
			return nil
		}

		oldStatus := existing.Status
		oldPlan := existing.Plan
		existing.Status = enums.SubscriptionStatusExpired
		existing.Plan = enums.SubscriptionPlanFree

		if err := txRepo.UpdateSubscription(ctx, existing); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "expire subscription")
		}
		if err := txRepo.CreateSubscriptionLog(ctx, transitionLog(existing, &oldStatus, &oldPlan, ReasonExpired, processedBy)); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "write subscription log")
		}

		outcome.Changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if outcome.Changed {
		r.updateProfileCache(ctx, userID, outcome.Subscription.Plan)
	}
	return outcome, nil
}

func (r *Reconciler) converge(ctx context.Context, userID uuid.UUID, snap Snapshot, reason, processedBy string) (*Outcome, error) {
	outcome := &Outcome{}
	err := r.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		txRepo := r.repo.WithTx(tx)

		existing, err := txRepo.FindSubscriptionByUserID(ctx, userID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup subscription")
		}

		if existing == nil {
			sub := newSubscriptionFromSnapshot(userID, snap)
			if err := txRepo.CreateSubscription(ctx, sub); err != nil {
				return err
			}
			if err := txRepo.CreateSubscriptionLog(ctx, transitionLog(sub, nil, nil, reason, processedBy)); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "write subscription log")
			}
			outcome.Subscription = sub
			outcome.Changed = true
			return nil
		}

		oldStatus := existing.Status
		oldPlan := existing.Plan
		if !applySnapshot(existing, snap) {
			outcome.Subscription = existing
			return nil
		}

		if err := txRepo.UpdateSubscription(ctx, existing); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update subscription")
		}
		if err := txRepo.CreateSubscriptionLog(ctx, transitionLog(existing, &oldStatus, &oldPlan, reason, processedBy)); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "write subscription log")
		}

		outcome.Subscription = existing
		outcome.Changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// updateProfileCache refreshes the denormalized plan on the profile row.
// The subscription write already committed, so a cache failure is logged
// and swallowed.
func (r *Reconciler) updateProfileCache(ctx context.Context, userID uuid.UUID, plan enums.SubscriptionPlan) {
	if err := r.profiles.UpdateSubscriptionPlan(ctx, userID, plan); err != nil {
		ctx = r.logg.WithUserID(ctx, userID.String())
		r.logg.Error(ctx, "profile plan cache update failed", err)
	}
}

func newSubscriptionFromSnapshot(userID uuid.UUID, snap Snapshot) *models.Subscription {
	return &models.Subscription{
		ID:                   uuid.New(),
		UserID:               userID,
		StripeCustomerID:     snap.StripeCustomerID,
		StripeSubscriptionID: snap.StripeSubscriptionID,
		StripePriceID:        snap.StripePriceID,
		Plan:                 snap.Plan,
		Status:               snap.Status,
		Period:               snap.Period,
		CurrentPeriodStart:   snap.CurrentPeriodStart,
		CurrentPeriodEnd:     snap.CurrentPeriodEnd,
		CancelAtPeriodEnd:    snap.CancelAtPeriodEnd,
	}
}

// applySnapshot copies snapshot state onto the row and reports whether
// anything actually changed.
func applySnapshot(sub *models.Subscription, snap Snapshot) bool {
	changed := false

	if snap.StripeCustomerID != "" && sub.StripeCustomerID != snap.StripeCustomerID {
		sub.StripeCustomerID = snap.StripeCustomerID
		changed = true
	}
	if snap.StripeSubscriptionID != "" && sub.StripeSubscriptionID != snap.StripeSubscriptionID {
		sub.StripeSubscriptionID = snap.StripeSubscriptionID
		changed = true
	}
	if snap.StripePriceID != "" && sub.StripePriceID != snap.StripePriceID {
		sub.StripePriceID = snap.StripePriceID
		changed = true
	}
	if sub.Plan != snap.Plan {
		sub.Plan = snap.Plan
		changed = true
	}
	if sub.Status != snap.Status {
		sub.Status = snap.Status
		changed = true
	}
	if sub.Period != snap.Period {
		sub.Period = snap.Period
		changed = true
	}
	if !equalTimePtr(sub.CurrentPeriodStart, snap.CurrentPeriodStart) {
		sub.CurrentPeriodStart = snap.CurrentPeriodStart
		changed = true
	}
	if !sub.CurrentPeriodEnd.Equal(snap.CurrentPeriodEnd) {
		sub.CurrentPeriodEnd = snap.CurrentPeriodEnd
		changed = true
	}
	if sub.CancelAtPeriodEnd != snap.CancelAtPeriodEnd {
		sub.CancelAtPeriodEnd = snap.CancelAtPeriodEnd
		changed = true
	}

	return changed
}

func transitionLog(sub *models.Subscription, oldStatus *enums.SubscriptionStatus, oldPlan *enums.SubscriptionPlan, reason, processedBy string) *models.SubscriptionLog {
	return &models.SubscriptionLog{
		ID:             uuid.New(),
		UserID:         sub.UserID,
		SubscriptionID: sub.ID,
		OldStatus:      oldStatus,
		NewStatus:      sub.Status,
		OldPlan:        oldPlan,
		NewPlan:        sub.Plan,
		Reason:         reason,
		ProcessedBy:    processedBy,
	}
}

func stillExpirable(sub *models.Subscription) bool {
	if sub.Plan != enums.SubscriptionPlanPremium {
		return false
	}
	if !sub.Status.IsEntitled() {
		return false
	}
	return sub.CurrentPeriodEnd.Before(time.Now().UTC())
}

func equalTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// IsNotFound reports whether err is the subscription-missing error.
func IsNotFound(err error) bool {
	return pkgerrors.IsCode(err, pkgerrors.CodeNotFound) || errors.Is(err, gorm.ErrRecordNotFound)
}
