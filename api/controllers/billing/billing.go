package billing

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/caretrackhq/caretrack-backend/api/middleware"
	"github.com/caretrackhq/caretrack-backend/api/responses"
	billingsvc "github.com/caretrackhq/caretrack-backend/internal/billing"
	"github.com/caretrackhq/caretrack-backend/internal/checkout"
	"github.com/caretrackhq/caretrack-backend/pkg/db/models"
	pkgerrors "github.com/caretrackhq/caretrack-backend/pkg/errors"
	"github.com/caretrackhq/caretrack-backend/pkg/logger"
)

type statusResponse struct {
	Status                string     `json:"status"`
	CanAccessPaidFeatures bool       `json:"can_access_paid_features"`
	RequiresPaymentAction bool       `json:"requires_payment_action"`
	TrialStartDate        time.Time  `json:"trial_start_date"`
	TrialEndDate          time.Time  `json:"trial_end_date"`
	SubscriptionStartDate *time.Time `json:"subscription_start_date,omitempty"`
	NextBillingDate       *time.Time `json:"next_billing_date,omitempty"`
	LastPaymentDate       *time.Time `json:"last_payment_date,omitempty"`
	ScheduledCancelAt     *time.Time `json:"scheduled_cancel_at,omitempty"`
	PlanAmount            int        `json:"plan_amount"`
	HasPaymentAccount     bool       `json:"has_payment_account"`
}

func newStatusResponse(rec *models.BillingRecord) statusResponse {
	return statusResponse{
		Status:                rec.Status.String(),
		CanAccessPaidFeatures: rec.Status.CanAccessPaidFeatures(),
		RequiresPaymentAction: rec.Status.RequiresPaymentAction(),
		TrialStartDate:        rec.TrialStartDate,
		TrialEndDate:          rec.TrialEndDate,
		SubscriptionStartDate: rec.SubscriptionStartDate,
		NextBillingDate:       rec.NextBillingDate,
		LastPaymentDate:       rec.LastPaymentDate,
		ScheduledCancelAt:     rec.ScheduledCancelAt,
		PlanAmount:            rec.PlanAmount,
		HasPaymentAccount:     rec.StripeCustomerID != nil,
	}
}

func resolveOfficeID(r *http.Request) (uuid.UUID, error) {
	raw := middleware.OfficeIDFromContext(r.Context())
	if raw == "" {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "office context missing")
	}
	officeID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "office context invalid")
	}
	return officeID, nil
}

// Status returns the caller office's billing lifecycle snapshot.
func Status(svc *billingsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "billing service unavailable"))
			return
		}

		officeID, err := resolveOfficeID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		rec, err := svc.Record(r.Context(), officeID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, newStatusResponse(rec))
	}
}

type checkoutSessionResponse struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

// CheckoutSession starts a Stripe subscription checkout for the office.
func CheckoutSession(svc *checkout.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "checkout service unavailable"))
			return
		}

		officeID, err := resolveOfficeID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		session, err := svc.StartCheckout(r.Context(), officeID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusCreated, checkoutSessionResponse{
			SessionID: session.ID,
			URL:       session.URL,
		})
	}
}

type portalSessionResponse struct {
	URL string `json:"url"`
}

// PortalSession opens the Stripe customer portal for the office.
func PortalSession(svc *checkout.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "checkout service unavailable"))
			return
		}

		officeID, err := resolveOfficeID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		url, err := svc.PortalSession(r.Context(), officeID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusCreated, portalSessionResponse{URL: url})
	}
}
