package adminsync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/studylane/studylane-backend/internal/billing"
	"github.com/studylane/studylane-backend/pkg/config"
	"github.com/studylane/studylane-backend/pkg/enums"
	pkgerrors "github.com/studylane/studylane-backend/pkg/errors"
	"github.com/studylane/studylane-backend/pkg/logger"
)

// Actor identifies the operator invoking a resync.
type Actor struct {
	ID    uuid.UUID
	Email string
	Role  enums.UserRole
}

type reconciler interface {
	Reconcile(ctx context.Context, userID uuid.UUID, snap billing.Snapshot, reason, processedBy string) (*billing.Outcome, error)
}

// Service re-reads a user's subscription from the processor on operator
// demand and converges the stored row.
type Service interface {
	// Resync fetches the processor subscription and converges the stored
	// row. An empty processorSubscriptionID falls back to the id on record.
	Resync(ctx context.Context, actor Actor, targetUserID uuid.UUID, processorSubscriptionID string) (*billing.Outcome, error)
}

// ServiceParams groups dependencies for the admin resync service.
type ServiceParams struct {
	Repo       billing.Repository
	Processor  billing.ProcessorClient
	Resolver   *billing.PlanResolver
	Reconciler reconciler
	Allow      config.AdminSyncConfig
	Logger     *logger.Logger
}

type service struct {
	repo       billing.Repository
	processor  billing.ProcessorClient
	resolver   *billing.PlanResolver
	reconciler reconciler
	allow      config.AdminSyncConfig
	logg       *logger.Logger
}

// NewService builds the resync service with the required dependencies.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("repo required")
	}
	if params.Processor == nil {
		return nil, fmt.Errorf("processor client required")
	}
	if params.Resolver == nil {
		return nil, fmt.Errorf("plan resolver required")
	}
	if params.Reconciler == nil {
		return nil, fmt.Errorf("reconciler required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &service{
		repo:       params.Repo,
		processor:  params.Processor,
		resolver:   params.Resolver,
		reconciler: params.Reconciler,
		allow:      params.Allow,
		logg:       params.Logger,
	}, nil
}

// Resync fetches the target's subscription from the processor and converges
// the stored row under the "manual sync" reason. A subscription the
// processor no longer knows is terminal; the operator is told instead of
// the row being silently rewritten.
func (s *service) Resync(ctx context.Context, actor Actor, targetUserID uuid.UUID, processorSubscriptionID string) (*billing.Outcome, error) {
	if actor.ID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "authentication required")
	}
	if !s.authorized(actor) {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "admin role or sync allow-list required")
	}
	if targetUserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "target user id is required")
	}

	ctx = s.logg.WithFields(ctx, map[string]any{
		"actor_id":       actor.ID.String(),
		"target_user_id": targetUserID.String(),
	})

	subscriptionID := strings.TrimSpace(processorSubscriptionID)
	if subscriptionID == "" {
		stored, err := s.repo.FindSubscriptionByUserID(ctx, targetUserID)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup subscription")
		}
		if stored == nil || strings.TrimSpace(stored.StripeSubscriptionID) == "" {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "no processor subscription on record for user")
		}
		subscriptionID = stored.StripeSubscriptionID
	}

	sub, err := s.processor.GetSubscription(ctx, subscriptionID)
	if err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
			s.logg.Warn(ctx, "subscription missing at processor during manual sync")
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found at processor")
		}
		return nil, err
	}

	snap, err := billing.SnapshotFromStripe(sub, s.resolver)
	if err != nil {
		var unknown *billing.UnknownPriceError
		if !errors.As(err, &unknown) {
			return nil, err
		}
		s.logg.Warn(s.logg.WithField(ctx, "price_id", unknown.PriceID), "unknown price id, using premium fallback")
	}

	outcome, err := s.reconciler.Reconcile(ctx, targetUserID, snap, billing.ReasonManualSync, ProcessedBy(actor))
	if err != nil {
		return nil, err
	}

	s.logg.Info(ctx, "manual subscription sync completed")
	return outcome, nil
}

// ProcessedBy renders the audit attribution for an operator action.
func ProcessedBy(actor Actor) string {
	return fmt.Sprintf("admin:%s", actor.ID)
}

func (s *service) authorized(actor Actor) bool {
	if actor.Role == enums.UserRoleAdmin {
		return true
	}
	return s.allow.Allows(actor.Email)
}
