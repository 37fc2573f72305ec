package controllers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/caretrackhq/caretrack-backend/api/responses"
	"github.com/caretrackhq/caretrack-backend/api/validators"
	"github.com/caretrackhq/caretrack-backend/internal/offices"
	"github.com/caretrackhq/caretrack-backend/pkg/db/models"
	pkgerrors "github.com/caretrackhq/caretrack-backend/pkg/errors"
	"github.com/caretrackhq/caretrack-backend/pkg/logger"
)

type officeRegisterRequest struct {
	Name         string `json:"name" validate:"required,min=1,max=255"`
	ContactEmail string `json:"contact_email" validate:"required,email"`
	Prefecture   string `json:"prefecture,omitempty" validate:"max=64"`
}

type officeResponse struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	ContactEmail string    `json:"contact_email"`
	Prefecture   string    `json:"prefecture,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type officeRegisterResponse struct {
	Office  officeResponse        `json:"office"`
	Billing officeBillingSnapshot `json:"billing"`
}

type officeBillingSnapshot struct {
	Status         string    `json:"status"`
	TrialStartDate time.Time `json:"trial_start_date"`
	TrialEndDate   time.Time `json:"trial_end_date"`
	PlanAmount     int       `json:"plan_amount"`
}

func newOfficeResponse(office *models.Office) officeResponse {
	return officeResponse{
		ID:           office.ID,
		Name:         office.Name,
		ContactEmail: office.ContactEmail,
		Prefecture:   office.Prefecture,
		CreatedAt:    office.CreatedAt,
	}
}

// OfficeRegister creates the office together with its free-plan billing
// record in a single transaction.
func OfficeRegister(svc *offices.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "office service unavailable"))
			return
		}

		var payload officeRegisterRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		office, billing, err := svc.Register(r.Context(), offices.RegisterInput{
			Name:         payload.Name,
			ContactEmail: payload.ContactEmail,
			Prefecture:   payload.Prefecture,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusCreated, officeRegisterResponse{
			Office: newOfficeResponse(office),
			Billing: officeBillingSnapshot{
				Status:         billing.Status.String(),
				TrialStartDate: billing.TrialStartDate,
				TrialEndDate:   billing.TrialEndDate,
				PlanAmount:     billing.PlanAmount,
			},
		})
	}
}

func OfficeFetch(svc *offices.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "office service unavailable"))
			return
		}

		officeID, err := uuid.Parse(chi.URLParam(r, "officeId"))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "invalid office id"))
			return
		}

		office, err := svc.Get(r.Context(), officeID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, newOfficeResponse(office))
	}
}

func OfficeList(svc *offices.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "office service unavailable"))
			return
		}

		list, err := svc.List(r.Context(), 0)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		out := make([]officeResponse, 0, len(list))
		for i := range list {
			out = append(out, newOfficeResponse(&list[i]))
		}
		responses.WriteSuccess(w, out)
	}
}
