package billing

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/studylane/studylane-backend/pkg/db/models"
	"github.com/studylane/studylane-backend/pkg/enums"
	pkgerrors "github.com/studylane/studylane-backend/pkg/errors"
	"github.com/studylane/studylane-backend/pkg/logger"
)

func setupBillingTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	conn, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	subscriptions := `
CREATE TABLE IF NOT EXISTS subscriptions (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL UNIQUE,
  stripe_customer_id TEXT NOT NULL DEFAULT '',
  stripe_subscription_id TEXT NOT NULL DEFAULT '',
  stripe_price_id TEXT NOT NULL DEFAULT '',
  plan TEXT NOT NULL DEFAULT 'free',
  status TEXT NOT NULL DEFAULT 'active',
  period TEXT NOT NULL DEFAULT 'monthly',
  current_period_start DATETIME,
  current_period_end DATETIME,
  cancel_at_period_end INTEGER NOT NULL DEFAULT 0,
  created_at DATETIME,
  updated_at DATETIME
);`
	subscriptionLogs := `
CREATE TABLE IF NOT EXISTS subscription_logs (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  subscription_id TEXT NOT NULL,
  old_status TEXT,
  new_status TEXT NOT NULL,
  old_plan TEXT,
  new_plan TEXT NOT NULL,
  reason TEXT NOT NULL,
  processed_by TEXT NOT NULL DEFAULT 'system',
  changed_at DATETIME
);`

	require.NoError(t, conn.Exec(subscriptions).Error)
	require.NoError(t, conn.Exec(subscriptionLogs).Error)
	return conn
}

type gormTxRunner struct {
	db *gorm.DB
}

func (r *gormTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	tx := r.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return tx.Error
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit().Error
}

type profileCacheStub struct {
	calls []enums.SubscriptionPlan
	err   error
}

func (s *profileCacheStub) UpdateSubscriptionPlan(_ context.Context, _ uuid.UUID, plan enums.SubscriptionPlan) error {
	s.calls = append(s.calls, plan)
	return s.err
}

// blindFirstReadRepo simulates a reader that misses a row another writer
// committed concurrently: the first lookup returns nothing, later lookups
// hit the real table.
type blindFirstReadRepo struct {
	Repository
	reads int
}

func (r *blindFirstReadRepo) FindSubscriptionByUserID(ctx context.Context, userID uuid.UUID) (*models.Subscription, error) {
	r.reads++
	if r.reads == 1 {
		return nil, nil
	}
	return r.Repository.FindSubscriptionByUserID(ctx, userID)
}

func (r *blindFirstReadRepo) WithTx(tx *gorm.DB) Repository {
	return r
}

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
}

func newTestReconciler(t *testing.T, conn *gorm.DB, cache profileCache) (*Reconciler, Repository) {
	t.Helper()
	repo := NewRepository(conn)
	rec, err := NewReconciler(ReconcilerParams{
		Repo:              repo,
		ProfileCache:      cache,
		TransactionRunner: &gormTxRunner{db: conn},
		Logger:            testLogger(),
	})
	require.NoError(t, err)
	return rec, repo
}

func premiumSnapshot(subID string, end time.Time) Snapshot {
	start := end.Add(-30 * 24 * time.Hour)
	return Snapshot{
		StripeCustomerID:     "cus_123",
		StripeSubscriptionID: subID,
		StripePriceID:        "price_premium_monthly",
		Plan:                 enums.SubscriptionPlanPremium,
		Status:               enums.SubscriptionStatusActive,
		Period:               enums.BillingPeriodMonthly,
		CurrentPeriodStart:   &start,
		CurrentPeriodEnd:     end,
	}
}

func logsForUser(t *testing.T, repo Repository, userID uuid.UUID) []models.SubscriptionLog {
	t.Helper()
	entries, err := repo.ListSubscriptionLogs(context.Background(), userID, 50)
	require.NoError(t, err)
	return entries
}

func TestReconcileCreatesRowAndAuditEntry(t *testing.T) {
	conn := setupBillingTestDB(t)
	cache := &profileCacheStub{}
	rec, repo := newTestReconciler(t, conn, cache)

	userID := uuid.New()
	end := time.Now().UTC().Add(30 * 24 * time.Hour).Truncate(time.Second)

	outcome, err := rec.Reconcile(context.Background(), userID, premiumSnapshot("sub_create", end), ReasonCheckoutVerified, "")
	require.NoError(t, err)
	require.True(t, outcome.Changed)

	stored, err := repo.FindSubscriptionByUserID(context.Background(), userID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, enums.SubscriptionPlanPremium, stored.Plan)
	assert.Equal(t, enums.SubscriptionStatusActive, stored.Status)
	assert.Equal(t, "sub_create", stored.StripeSubscriptionID)

	entries := logsForUser(t, repo, userID)
	require.Len(t, entries, 1)
	assert.Nil(t, entries[0].OldStatus)
	assert.Nil(t, entries[0].OldPlan)
	assert.Equal(t, enums.SubscriptionStatusActive, entries[0].NewStatus)
	assert.Equal(t, ReasonCheckoutVerified, entries[0].Reason)
	assert.Equal(t, ProcessedBySystem, entries[0].ProcessedBy)

	require.Len(t, cache.calls, 1)
	assert.Equal(t, enums.SubscriptionPlanPremium, cache.calls[0])
}

func TestReconcileSameSnapshotIsNoOp(t *testing.T) {
	conn := setupBillingTestDB(t)
	cache := &profileCacheStub{}
	rec, repo := newTestReconciler(t, conn, cache)

	userID := uuid.New()
	end := time.Now().UTC().Add(30 * 24 * time.Hour).Truncate(time.Second)
	snap := premiumSnapshot("sub_idem", end)

	first, err := rec.Reconcile(context.Background(), userID, snap, ReasonCheckoutVerified, "")
	require.NoError(t, err)
	require.True(t, first.Changed)

	second, err := rec.Reconcile(context.Background(), userID, snap, ReasonCheckoutVerified, "")
	require.NoError(t, err)
	assert.False(t, second.Changed)

	entries := logsForUser(t, repo, userID)
	assert.Len(t, entries, 1)
	assert.Len(t, cache.calls, 1)
}

func TestReconcileTransitionRecordsOldState(t *testing.T) {
	conn := setupBillingTestDB(t)
	cache := &profileCacheStub{}
	rec, repo := newTestReconciler(t, conn, cache)

	userID := uuid.New()
	end := time.Now().UTC().Add(30 * 24 * time.Hour).Truncate(time.Second)

	_, err := rec.Reconcile(context.Background(), userID, premiumSnapshot("sub_change", end), ReasonCheckoutVerified, "")
	require.NoError(t, err)

	canceled := premiumSnapshot("sub_change", end)
	canceled.Status = enums.SubscriptionStatusCanceled
	canceled.Plan = enums.SubscriptionPlanFree

	outcome, err := rec.Reconcile(context.Background(), userID, canceled, ReasonManualSync, "admin:ops")
	require.NoError(t, err)
	require.True(t, outcome.Changed)

	entries := logsForUser(t, repo, userID)
	require.Len(t, entries, 2)

	var transition *models.SubscriptionLog
	for i := range entries {
		if entries[i].Reason == ReasonManualSync {
			transition = &entries[i]
		}
	}
	require.NotNil(t, transition)
	require.NotNil(t, transition.OldStatus)
	assert.Equal(t, enums.SubscriptionStatusActive, *transition.OldStatus)
	assert.Equal(t, enums.SubscriptionStatusCanceled, transition.NewStatus)
	require.NotNil(t, transition.OldPlan)
	assert.Equal(t, enums.SubscriptionPlanPremium, *transition.OldPlan)
	assert.Equal(t, enums.SubscriptionPlanFree, transition.NewPlan)
	assert.Equal(t, "admin:ops", transition.ProcessedBy)
}

func TestReconcileInsertRaceConvergesWinnerRow(t *testing.T) {
	conn := setupBillingTestDB(t)
	cache := &profileCacheStub{}
	base := NewRepository(conn)
	repo := &blindFirstReadRepo{Repository: base}

	rec, err := NewReconciler(ReconcilerParams{
		Repo:              repo,
		ProfileCache:      cache,
		TransactionRunner: &gormTxRunner{db: conn},
		Logger:            testLogger(),
	})
	require.NoError(t, err)

	userID := uuid.New()
	end := time.Now().UTC().Add(30 * 24 * time.Hour).Truncate(time.Second)

	// Another writer already inserted the row the first read misses.
	winner := &models.Subscription{
		ID:                   uuid.New(),
		UserID:               userID,
		StripeSubscriptionID: "sub_race",
		Plan:                 enums.SubscriptionPlanFree,
		Status:               enums.SubscriptionStatusActive,
		Period:               enums.BillingPeriodMonthly,
		CurrentPeriodEnd:     end,
	}
	require.NoError(t, conn.Create(winner).Error)

	outcome, err := rec.Reconcile(context.Background(), userID, premiumSnapshot("sub_race", end), ReasonCheckoutVerified, "")
	require.NoError(t, err)
	require.True(t, outcome.Changed)
	assert.Equal(t, winner.ID, outcome.Subscription.ID)
	assert.Equal(t, enums.SubscriptionPlanPremium, outcome.Subscription.Plan)

	var count int64
	require.NoError(t, conn.Model(&models.Subscription{}).Where("user_id = ?", userID).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestExpireDemotesOverdueRow(t *testing.T) {
	conn := setupBillingTestDB(t)
	cache := &profileCacheStub{}
	rec, repo := newTestReconciler(t, conn, cache)

	userID := uuid.New()
	end := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)

	_, err := rec.Reconcile(context.Background(), userID, premiumSnapshot("sub_expire", end), ReasonCheckoutVerified, "")
	require.NoError(t, err)
	cache.calls = nil

	outcome, err := rec.Expire(context.Background(), userID, "")
	require.NoError(t, err)
	require.True(t, outcome.Changed)
	assert.Equal(t, enums.SubscriptionStatusExpired, outcome.Subscription.Status)
	assert.Equal(t, enums.SubscriptionPlanFree, outcome.Subscription.Plan)

	entries := logsForUser(t, repo, userID)
	require.Len(t, entries, 2)

	var expiry *models.SubscriptionLog
	for i := range entries {
		if entries[i].Reason == ReasonExpired {
			expiry = &entries[i]
		}
	}
	require.NotNil(t, expiry)
	require.NotNil(t, expiry.OldStatus)
	assert.Equal(t, enums.SubscriptionStatusActive, *expiry.OldStatus)
	assert.Equal(t, enums.SubscriptionStatusExpired, expiry.NewStatus)
	assert.Equal(t, ProcessedBySystem, expiry.ProcessedBy)

	require.Len(t, cache.calls, 1)
	assert.Equal(t, enums.SubscriptionPlanFree, cache.calls[0])
}

func TestExpireSkipsRefreshedRow(t *testing.T) {
	conn := setupBillingTestDB(t)
	cache := &profileCacheStub{}
	rec, repo := newTestReconciler(t, conn, cache)

	userID := uuid.New()
	end := time.Now().UTC().Add(30 * 24 * time.Hour).Truncate(time.Second)

	_, err := rec.Reconcile(context.Background(), userID, premiumSnapshot("sub_fresh", end), ReasonCheckoutVerified, "")
	require.NoError(t, err)

	outcome, err := rec.Expire(context.Background(), userID, "")
	require.NoError(t, err)
	assert.False(t, outcome.Changed)
	assert.Equal(t, enums.SubscriptionStatusActive, outcome.Subscription.Status)

	entries := logsForUser(t, repo, userID)
	assert.Len(t, entries, 1)
}

func TestExpireMissingRowReturnsNotFound(t *testing.T) {
	conn := setupBillingTestDB(t)
	rec, _ := newTestReconciler(t, conn, &profileCacheStub{})

	_, err := rec.Expire(context.Background(), uuid.New(), "")
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestReconcileProfileCacheFailureIsNonFatal(t *testing.T) {
	conn := setupBillingTestDB(t)
	cache := &profileCacheStub{err: assert.AnError}
	rec, repo := newTestReconciler(t, conn, cache)

	userID := uuid.New()
	end := time.Now().UTC().Add(30 * 24 * time.Hour).Truncate(time.Second)

	outcome, err := rec.Reconcile(context.Background(), userID, premiumSnapshot("sub_cache", end), ReasonCheckoutVerified, "")
	require.NoError(t, err)
	require.True(t, outcome.Changed)

	stored, err := repo.FindSubscriptionByUserID(context.Background(), userID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, enums.SubscriptionPlanPremium, stored.Plan)
}
