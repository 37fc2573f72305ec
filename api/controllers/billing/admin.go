package billing

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/caretrackhq/caretrack-backend/api/responses"
	"github.com/caretrackhq/caretrack-backend/api/validators"
	billingsvc "github.com/caretrackhq/caretrack-backend/internal/billing"
	"github.com/caretrackhq/caretrack-backend/internal/ledger"
	"github.com/caretrackhq/caretrack-backend/pkg/enums"
	pkgerrors "github.com/caretrackhq/caretrack-backend/pkg/errors"
	"github.com/caretrackhq/caretrack-backend/pkg/logger"
)

func pathOfficeID(r *http.Request) (uuid.UUID, error) {
	officeID, err := uuid.Parse(chi.URLParam(r, "officeId"))
	if err != nil {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid office id")
	}
	return officeID, nil
}

type forceTransitionRequest struct {
	Status            string     `json:"status" validate:"required"`
	ScheduledCancelAt *time.Time `json:"scheduled_cancel_at,omitempty"`
}

// AdminForceTransition moves an office's billing record to an explicit status,
// bypassing the trigger table. Support tooling only.
func AdminForceTransition(svc *billingsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "billing service unavailable"))
			return
		}

		officeID, err := pathOfficeID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload forceTransitionRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		status, err := enums.ParseBillingStatus(payload.Status)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid status"))
			return
		}

		rec, err := svc.ForceTransition(r.Context(), officeID, status, payload.ScheduledCancelAt)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, newStatusResponse(rec))
	}
}

// AdminResetTrial restarts the free trial window for an office that has not
// subscribed yet.
func AdminResetTrial(svc *billingsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "billing service unavailable"))
			return
		}

		officeID, err := pathOfficeID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		rec, err := svc.ResetTrial(r.Context(), officeID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, newStatusResponse(rec))
	}
}

type processedEventResponse struct {
	EventID     string    `json:"event_id"`
	EventKind   string    `json:"event_kind"`
	Source      string    `json:"source"`
	ProcessedAt time.Time `json:"processed_at"`
}

// AdminBillingEvents lists the processed webhook events recorded for an
// office, newest first.
func AdminBillingEvents(repo ledger.Repository, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if repo == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "event ledger unavailable"))
			return
		}

		officeID, err := pathOfficeID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		events, err := repo.ListByOfficeID(r.Context(), officeID, 0)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		out := make([]processedEventResponse, 0, len(events))
		for _, ev := range events {
			out = append(out, processedEventResponse{
				EventID:     ev.EventID,
				EventKind:   ev.EventKind,
				Source:      ev.Source,
				ProcessedAt: ev.ProcessedAt,
			})
		}
		responses.WriteSuccess(w, out)
	}
}
