package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/caretrackhq/caretrack-backend/api/controllers"
	billingcontrollers "github.com/caretrackhq/caretrack-backend/api/controllers/billing"
	webhookcontrollers "github.com/caretrackhq/caretrack-backend/api/controllers/webhooks"
	"github.com/caretrackhq/caretrack-backend/api/middleware"
	billingsvc "github.com/caretrackhq/caretrack-backend/internal/billing"
	checkoutsvc "github.com/caretrackhq/caretrack-backend/internal/checkout"
	"github.com/caretrackhq/caretrack-backend/internal/ledger"
	"github.com/caretrackhq/caretrack-backend/internal/offices"
	stripewebhook "github.com/caretrackhq/caretrack-backend/internal/webhooks/stripe"
	"github.com/caretrackhq/caretrack-backend/pkg/config"
	"github.com/caretrackhq/caretrack-backend/pkg/logger"
	"github.com/caretrackhq/caretrack-backend/pkg/stripe"
)

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	readiness map[string]controllers.Pinger,
	officeService *offices.Service,
	billingService *billingsvc.Service,
	checkoutService *checkoutsvc.Service,
	ledgerRepo ledger.Repository,
	stripeClient *stripe.Client,
	stripeWebhookService *stripewebhook.Service,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, readiness))
	})

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/stripe", webhookcontrollers.StripeWebhook(stripeWebhookService, stripeClient, logg))
	})

	r.Post("/api/v1/offices", controllers.OfficeRegister(officeService, logg))

	r.Route("/api/v1/billing", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Get("/status", billingcontrollers.Status(billingService, logg))
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireBillingManager(logg))
			r.Post("/checkout-session", billingcontrollers.CheckoutSession(checkoutService, logg))
			r.Post("/portal-session", billingcontrollers.PortalSession(checkoutService, logg))
		})
	})

	r.Route("/api/admin/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Use(middleware.RequireRole("admin", logg))
		r.Route("/offices", func(r chi.Router) {
			r.Get("/", controllers.OfficeList(officeService, logg))
			r.Get("/{officeId}", controllers.OfficeFetch(officeService, logg))
		})
		r.Route("/billing/{officeId}", func(r chi.Router) {
			r.Post("/force-transition", billingcontrollers.AdminForceTransition(billingService, logg))
			r.Post("/reset-trial", billingcontrollers.AdminResetTrial(billingService, logg))
			r.Get("/events", billingcontrollers.AdminBillingEvents(ledgerRepo, logg))
		})
	})

	return r
}
