package verify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"

	"github.com/studylane/studylane-backend/internal/billing"
	"github.com/studylane/studylane-backend/pkg/config"
	"github.com/studylane/studylane-backend/pkg/db/models"
	pkgerrors "github.com/studylane/studylane-backend/pkg/errors"
	"github.com/studylane/studylane-backend/pkg/logger"
)

// Status is the verification state reported to the polling client.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConverged Status = "CONVERGED"
)

// userIDMetadataKey is set on checkout sessions at creation time and binds
// the session to the purchasing user.
const userIDMetadataKey = "userId"

// Result is what a single verification poll produced.
type Result struct {
	Status       Status
	Subscription *models.Subscription
	Forced       bool

	// PaymentStatus echoes the processor's view when a session was read.
	PaymentStatus string

	// Retry policy echoed on pending results so clients back off uniformly.
	RetryAfter  time.Duration
	MaxAttempts int
}

type reconciler interface {
	Reconcile(ctx context.Context, userID uuid.UUID, snap billing.Snapshot, reason, processedBy string) (*billing.Outcome, error)
}

// Service verifies checkout sessions against the processor and converges
// local state. It is stateless; the client drives retries.
type Service interface {
	VerifySession(ctx context.Context, userID uuid.UUID, sessionID string, forceUpdate bool) (*Result, error)
}

// ServiceParams groups dependencies for the verification service.
type ServiceParams struct {
	Processor  billing.ProcessorClient
	Resolver   *billing.PlanResolver
	Reconciler reconciler
	Policy     config.VerifyConfig
	Logger     *logger.Logger
}

type service struct {
	processor  billing.ProcessorClient
	resolver   *billing.PlanResolver
	reconciler reconciler
	policy     config.VerifyConfig
	logg       *logger.Logger
}

// NewService builds a verification service with the required dependencies.
func NewService(params ServiceParams) (Service, error) {
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
		processor:  params.Processor,
		resolver:   params.Resolver,
		reconciler: params.Reconciler,
		policy:     params.Policy,
		logg:       params.Logger,
	}, nil
}

// VerifySession checks the checkout session with the processor and, once it
// is paid, reconciles the subscription it created. forceUpdate signals the
// client has exhausted its retries; a session still unconfirmed — or one
// whose subscription data cannot be read — then converges on a provisional
// snapshot, because webhook delivery is not guaranteed before the user
// returns. A session the processor does not know is terminal and is never
// forced.
func (s *service) VerifySession(ctx context.Context, userID uuid.UUID, sessionID string, forceUpdate bool) (*Result, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "authentication required")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "session_id is required")
	}

	ctx = s.logg.WithFields(ctx, map[string]any{"user_id": userID.String(), "session_id": sessionID})

	session, err := s.processor.GetCheckoutSession(ctx, sessionID)
	if err != nil {
		// Unknown session is terminal regardless of force_update; there is
		// nothing to converge toward and forcing would grant access on a
		// session that never existed.
		if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
			s.logg.Warn(ctx, "checkout session not found at processor")
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "checkout session not found")
		}
		if forceUpdate {
			return s.forceConverge(ctx, userID, nil)
		}
		s.logg.Error(ctx, "checkout session lookup failed", err)
		return s.pending(), nil
	}

	if err := s.checkOwnership(session, userID); err != nil {
		return nil, err
	}

	paymentStatus := string(session.PaymentStatus)

	if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		if forceUpdate {
			// Still unconfirmed after the client gave up waiting; the
			// processor may simply not have marked the session paid yet.
			return s.forceConverge(ctx, userID, session)
		}
		res := s.pending()
		res.PaymentStatus = paymentStatus
		return res, nil
	}

	snap, err := s.snapshotFromSession(ctx, session)
	if err != nil {
		if forceUpdate {
			return s.forceConverge(ctx, userID, session)
		}
		s.logg.Error(ctx, "subscription snapshot unavailable", err)
		return s.pending(), nil
	}

	outcome, err := s.reconciler.Reconcile(ctx, userID, snap, billing.ReasonCheckoutVerified, billing.ProcessedBySystem)
	if err != nil {
		if forceUpdate {
			return s.forceConverge(ctx, userID, session)
		}
		return nil, err
	}

	return &Result{Status: StatusConverged, Subscription: outcome.Subscription, PaymentStatus: paymentStatus}, nil
}

// snapshotFromSession extracts the subscription created by the session,
// refetching it when the expanded payload is missing item data.
func (s *service) snapshotFromSession(ctx context.Context, session *stripe.CheckoutSession) (billing.Snapshot, error) {
	sub := session.Subscription
	if sub == nil {
		return billing.Snapshot{}, pkgerrors.New(pkgerrors.CodeDependency, "paid session has no subscription attached")
	}

	if sub.Items == nil || len(sub.Items.Data) == 0 {
		full, err := s.processor.GetSubscription(ctx, sub.ID)
		if err != nil {
			return billing.Snapshot{}, err
		}
		sub = full
	}

	snap, err := billing.SnapshotFromStripe(sub, s.resolver)
	if err != nil {
		var unknown *billing.UnknownPriceError
		if errors.As(err, &unknown) {
			s.logg.Warn(s.logg.WithField(ctx, "price_id", unknown.PriceID), "unknown price id, using premium fallback")
			return snap, nil
		}
		return billing.Snapshot{}, err
	}
	return snap, nil
}

// forceConverge writes a provisional snapshot carrying whatever identifiers
// the session exposed. session may be nil when the lookup itself failed.
func (s *service) forceConverge(ctx context.Context, userID uuid.UUID, session *stripe.CheckoutSession) (*Result, error) {
	s.logg.Warn(ctx, "forcing subscription convergence after client retry exhaustion")

	var customerID, subscriptionID, paymentStatus string
	if session != nil {
		paymentStatus = string(session.PaymentStatus)
		if session.Customer != nil {
			customerID = session.Customer.ID
		}
		if session.Subscription != nil {
			subscriptionID = session.Subscription.ID
		}
	}

	snap := billing.ForcedSnapshot(customerID, subscriptionID, time.Now())
	outcome, err := s.reconciler.Reconcile(ctx, userID, snap, billing.ReasonForcedConvergence, billing.ProcessedBySystem)
	if err != nil {
		return nil, err
	}
	return &Result{Status: StatusConverged, Subscription: outcome.Subscription, Forced: true, PaymentStatus: paymentStatus}, nil
}

func (s *service) checkOwnership(session *stripe.CheckoutSession, userID uuid.UUID) error {
	claimed := ""
	if session.Metadata != nil {
		claimed = strings.TrimSpace(session.Metadata[userIDMetadataKey])
	}
	if claimed == "" {
		return nil
	}
	if claimed != userID.String() {
		return pkgerrors.New(pkgerrors.CodeForbidden, "checkout session belongs to another user")
	}
	return nil
}

func (s *service) pending() *Result {
	return &Result{
		Status:      StatusPending,
		RetryAfter:  s.policy.RetryInterval,
		MaxAttempts: s.policy.MaxAttempts,
	}
}
