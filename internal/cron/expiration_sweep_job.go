package cron

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/studylane/studylane-backend/internal/billing"
	"github.com/studylane/studylane-backend/pkg/db/models"
	pkgerrors "github.com/studylane/studylane-backend/pkg/errors"
	"github.com/studylane/studylane-backend/pkg/logger"
	"github.com/studylane/studylane-backend/pkg/metrics"
)

const (
	defaultSweepLimit = 500

	sweepOutcomeRefreshed = "refreshed"
	sweepOutcomeExpired   = "expired"
	sweepOutcomeError     = "error"
)

type sweepReconciler interface {
	Reconcile(ctx context.Context, userID uuid.UUID, snap billing.Snapshot, reason, processedBy string) (*billing.Outcome, error)
	Expire(ctx context.Context, userID uuid.UUID, processedBy string) (*billing.Outcome, error)
}

// SweepRow records what the sweep did with one candidate subscription.
type SweepRow struct {
	UserID uuid.UUID `json:"user_id"`
	Action string    `json:"action"`
}

// SweepError records a candidate the sweep could not settle this pass.
type SweepError struct {
	UserID uuid.UUID `json:"user_id"`
	Detail string    `json:"error"`
}

// SweepReport is the per-row outcome of one sweep pass.
type SweepReport struct {
	Processed []SweepRow   `json:"processed"`
	Errors    []SweepError `json:"errors"`
}

// SweepJob is a Job whose on-demand runs also return a per-row report.
type SweepJob interface {
	Job
	Sweep(ctx context.Context) (*SweepReport, error)
}

// ExpirationSweepJobParams configures the subscription expiration sweep.
type ExpirationSweepJobParams struct {
	Logger     *logger.Logger
	Repo       billing.Repository
	Processor  billing.ProcessorClient
	Resolver   *billing.PlanResolver
	Reconciler sweepReconciler
	Metrics    *metrics.CronJobMetrics
	Limit      int
	Now        func() time.Time
}

// NewExpirationSweepJob builds the expiration sweep cron job.
func NewExpirationSweepJob(params ExpirationSweepJobParams) (SweepJob, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Repo == nil {
		return nil, fmt.Errorf("billing repository required")
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
	now := params.Now
	if now == nil {
		now = time.Now
	}
	limit := params.Limit
	if limit <= 0 {
		limit = defaultSweepLimit
	}
	return &expirationSweepJob{
		logg:       params.Logger,
		repo:       params.Repo,
		processor:  params.Processor,
		resolver:   params.Resolver,
		reconciler: params.Reconciler,
		metrics:    params.Metrics,
		limit:      limit,
		now:        now,
	}, nil
}

// expirationSweepJob scans overdue paid rows and either refreshes them from
// the processor or demotes them to free. Each row is handled in isolation;
// one bad row never stops the sweep.
type expirationSweepJob struct {
	logg       *logger.Logger
	repo       billing.Repository
	processor  billing.ProcessorClient
	resolver   *billing.PlanResolver
	reconciler sweepReconciler
	metrics    *metrics.CronJobMetrics
	limit      int
	now        func() time.Time
}

func (j *expirationSweepJob) Name() string { return "subscription-expiration-sweep" }

func (j *expirationSweepJob) Run(ctx context.Context) error {
	_, err := j.Sweep(ctx)
	return err
}

// Sweep processes every candidate row and reports what happened to each.
// Per-row failures land in the report's error list; the returned error
// aggregates them so scheduled runs still surface failures.
func (j *expirationSweepJob) Sweep(ctx context.Context) (*SweepReport, error) {
	asOf := j.now().UTC()
	candidates, err := j.repo.ListExpiringSubscriptions(ctx, asOf, j.limit)
	if err != nil {
		return nil, fmt.Errorf("list expiring subscriptions: %w", err)
	}

	report := &SweepReport{
		Processed: []SweepRow{},
		Errors:    []SweepError{},
	}
	var errs error
	for i := range candidates {
		outcome, rowErr := j.sweepRow(ctx, &candidates[i], asOf)
		j.recordRow(outcome)
		if rowErr != nil {
			errs = multierr.Append(errs, fmt.Errorf("user %s: %w", candidates[i].UserID, rowErr))
			report.Errors = append(report.Errors, SweepError{UserID: candidates[i].UserID, Detail: rowErr.Error()})
			continue
		}
		report.Processed = append(report.Processed, SweepRow{UserID: candidates[i].UserID, Action: outcome})
	}

	reportCtx := j.logg.WithFields(ctx, map[string]any{
		"candidates": len(candidates),
		"processed":  len(report.Processed),
		"errors":     len(report.Errors),
	})
	j.logg.Info(reportCtx, "expiration sweep complete")
	return report, errs
}

func (j *expirationSweepJob) sweepRow(ctx context.Context, sub *models.Subscription, asOf time.Time) (string, error) {
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"user_id":                sub.UserID,
		"stripe_subscription_id": sub.StripeSubscriptionID,
	})

	if strings.TrimSpace(sub.StripeSubscriptionID) == "" {
		return j.expire(logCtx, sub)
	}

	live, err := j.processor.GetSubscription(logCtx, sub.StripeSubscriptionID)
	if err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
			j.logg.Info(logCtx, "subscription gone at processor; expiring")
			return j.expire(logCtx, sub)
		}
		// Transient processor failure: leave the row for the next sweep.
		return sweepOutcomeError, err
	}

	snap, err := billing.SnapshotFromStripe(live, j.resolver)
	if err != nil {
		var unknown *billing.UnknownPriceError
		if !errors.As(err, &unknown) {
			return sweepOutcomeError, err
		}
		j.logg.Warn(j.logg.WithField(logCtx, "price_id", unknown.PriceID), "unknown price id, using premium fallback")
	}

	if snap.Status.IsEntitled() && snap.CurrentPeriodEnd.After(asOf) {
		if _, err := j.reconciler.Reconcile(logCtx, sub.UserID, snap, billing.ReasonExpiryResync, billing.ProcessedBySystem); err != nil {
			return sweepOutcomeError, err
		}
		j.logg.Info(logCtx, "subscription refreshed from processor")
		return sweepOutcomeRefreshed, nil
	}

	return j.expire(logCtx, sub)
}

func (j *expirationSweepJob) expire(ctx context.Context, sub *models.Subscription) (string, error) {
	if _, err := j.reconciler.Expire(ctx, sub.UserID, billing.ProcessedBySystem); err != nil {
		return sweepOutcomeError, err
	}
	j.logg.Info(ctx, "subscription expired")
	return sweepOutcomeExpired, nil
}

func (j *expirationSweepJob) recordRow(outcome string) {
	if j.metrics == nil {
		return
	}
	j.metrics.IncRow(j.Name(), outcome)
}
