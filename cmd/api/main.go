package main

import (
	"context"
	"net/http"
	"os"

	"github.com/joho/godotenv"

	"github.com/studylane/studylane-backend/api/routes"
	"github.com/studylane/studylane-backend/internal/adminsync"
	"github.com/studylane/studylane-backend/internal/billing"
	"github.com/studylane/studylane-backend/internal/cron"
	"github.com/studylane/studylane-backend/internal/profiles"
	"github.com/studylane/studylane-backend/internal/verify"
	"github.com/studylane/studylane-backend/pkg/config"
	"github.com/studylane/studylane-backend/pkg/db"
	"github.com/studylane/studylane-backend/pkg/logger"
	"github.com/studylane/studylane-backend/pkg/migrate"
	"github.com/studylane/studylane-backend/pkg/redis"
	"github.com/studylane/studylane-backend/pkg/stripe"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	stripeClient, err := stripe.NewClient(context.Background(), cfg.Stripe, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap stripe", err)
		os.Exit(1)
	}

	billingRepo := billing.NewRepository(dbClient.DB())
	profilesRepo := profiles.NewRepository(dbClient.DB())
	processor := billing.NewProcessorClient(stripeClient, cfg.Stripe.CallTimeout)
	resolver := billing.NewPlanResolver(cfg.Stripe)

	reconciler, err := billing.NewReconciler(billing.ReconcilerParams{
		Repo:              billingRepo,
		ProfileCache:      profilesRepo,
		TransactionRunner: dbClient,
		Logger:            logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create reconciler", err)
		os.Exit(1)
	}

	billingReader, err := billing.NewReader(billingRepo)
	if err != nil {
		logg.Error(context.Background(), "failed to create billing reader", err)
		os.Exit(1)
	}

	verifyService, err := verify.NewService(verify.ServiceParams{
		Processor:  processor,
		Resolver:   resolver,
		Reconciler: reconciler,
		Policy:     cfg.Verify,
		Logger:     logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create verify service", err)
		os.Exit(1)
	}

	adminSyncService, err := adminsync.NewService(adminsync.ServiceParams{
		Repo:       billingRepo,
		Processor:  processor,
		Resolver:   resolver,
		Reconciler: reconciler,
		Allow:      cfg.AdminSync,
		Logger:     logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create admin sync service", err)
		os.Exit(1)
	}

	sweepJob, err := cron.NewExpirationSweepJob(cron.ExpirationSweepJobParams{
		Logger:     logg,
		Repo:       billingRepo,
		Processor:  processor,
		Resolver:   resolver,
		Reconciler: reconciler,
		Limit:      cfg.Cron.SweepLimit,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create expiration sweep job", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":  cfg.App.Env,
		"addr": addr,
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr:    addr,
		Handler: routes.NewRouter(cfg, logg, dbClient, redisClient, billingReader, verifyService, adminSyncService, sweepJob),
	}

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
}
