package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/studylane/studylane-backend/api/controllers"
	"github.com/studylane/studylane-backend/api/middleware"
	"github.com/studylane/studylane-backend/internal/adminsync"
	"github.com/studylane/studylane-backend/internal/billing"
	"github.com/studylane/studylane-backend/internal/cron"
	"github.com/studylane/studylane-backend/internal/verify"
	"github.com/studylane/studylane-backend/pkg/config"
	"github.com/studylane/studylane-backend/pkg/db"
	"github.com/studylane/studylane-backend/pkg/logger"
	"github.com/studylane/studylane-backend/pkg/redis"
)

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP db.Pinger,
	redisClient *redis.Client,
	billingReader *billing.Reader,
	verifyService verify.Service,
	adminSyncService adminsync.Service,
	sweepJob cron.SweepJob,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, dbP, redisClient))
	})

	r.Route("/api/v1/billing", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))

		r.Get("/verify-session", controllers.VerifySession(verifyService, logg))
		r.Get("/subscription", controllers.SubscriptionFetch(billingReader, logg))
		r.Get("/subscription/history", controllers.SubscriptionHistory(billingReader, logg))
	})

	r.Route("/api/admin/v1/billing", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Use(middleware.RequireAdminOrAllowList(cfg.AdminSync, logg))
		r.Use(middleware.Idempotency(redisClient, logg))

		r.Post("/sync", controllers.AdminBillingSync(adminSyncService, logg))
		r.Post("/expire-sweep", controllers.AdminExpireSweep(sweepJob, logg))
	})

	return r
}
