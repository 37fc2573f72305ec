package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/caretrackhq/caretrack-backend/pkg/config"
	"github.com/caretrackhq/caretrack-backend/pkg/db/models"
	apperrors "github.com/caretrackhq/caretrack-backend/pkg/errors"
	"github.com/caretrackhq/caretrack-backend/pkg/enums"
	"github.com/caretrackhq/caretrack-backend/pkg/logger"
)

// casRetryAttempts bounds how many times a trigger re-fetches and retries
// after losing the compare-and-swap race.
const casRetryAttempts = 3

// ServiceParams groups dependencies for the billing service.
type ServiceParams struct {
	Repo   Repository
	Logger *logger.Logger
	Config config.BillingConfig
	// Now overrides the clock; nil means UTC wall time.
	Now func() time.Time
}

// Service owns the billing record lifecycle. All status changes funnel
// through the transition table; the service adds persistence, concurrency
// retries, and record auto-creation on top.
type Service struct {
	repo Repository
	logg *logger.Logger
	cfg  config.BillingConfig
	now  func() time.Time
}

// NewService builds a billing service.
func NewService(params ServiceParams) (*Service, error) {
	if params.Repo == nil {
		return nil, errors.New("repo is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	now := params.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		repo: params.Repo,
		logg: params.Logger,
		cfg:  params.Config,
		now:  now,
	}, nil
}

// Repo exposes the underlying repository for callers that compose their own
// transactions (webhook processing, the deadline sweeper).
func (s *Service) Repo() Repository {
	return s.repo
}

// Record returns the office's billing record, creating the free-trial record
// on first access so older offices without one keep working.
func (s *Service) Record(ctx context.Context, officeID uuid.UUID) (*models.BillingRecord, error) {
	rec, err := s.repo.FindByOfficeID(ctx, officeID)
	if err != nil {
		return nil, fmt.Errorf("finding billing record: %w", err)
	}
	if rec != nil {
		return rec, nil
	}

	rec = s.newFreeRecord(officeID)
	if err := s.repo.Create(ctx, rec); err != nil {
		// A concurrent first access may have created it; re-read once.
		existing, findErr := s.repo.FindByOfficeID(ctx, officeID)
		if findErr == nil && existing != nil {
			return existing, nil
		}
		return nil, fmt.Errorf("creating billing record: %w", err)
	}
	s.logg.Info(s.logg.WithOfficeID(ctx, officeID.String()), "billing record created on first access")
	return rec, nil
}

// CreateForOffice inserts the initial free-trial record inside the caller's
// transaction, used during office registration.
func (s *Service) CreateForOffice(ctx context.Context, tx *gorm.DB, officeID uuid.UUID) (*models.BillingRecord, error) {
	rec := s.newFreeRecord(officeID)
	if err := s.repo.WithTx(tx).Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("creating billing record: %w", err)
	}
	return rec, nil
}

func (s *Service) newFreeRecord(officeID uuid.UUID) *models.BillingRecord {
	now := s.now()
	trialDays := s.cfg.TrialDays
	if trialDays <= 0 {
		trialDays = 180
	}
	planAmount := s.cfg.PlanAmount
	if planAmount <= 0 {
		planAmount = 6000
	}
	return &models.BillingRecord{
		OfficeID:       officeID,
		Status:         enums.BillingStatusFree,
		TrialStartDate: now,
		TrialEndDate:   now.AddDate(0, 0, trialDays),
		PlanAmount:     planAmount,
		UpdatedAt:      now,
	}
}

// ApplyTrigger resolves the office's record, evaluates the transition table,
// and persists the outcome. Returns the resulting record and whether a
// recognized transition ran; unrecognized pairs are logged no-ops.
//
// A lost compare-and-swap re-fetches and re-decides, bounded to a few
// attempts, so a webhook racing the sweeper settles on whichever won.
func (s *Service) ApplyTrigger(ctx context.Context, officeID uuid.UUID, trigger Trigger, tc TriggerContext) (*models.BillingRecord, bool, error) {
	ctx = s.logg.WithFields(ctx, map[string]any{
		"office_id": officeID.String(),
		"trigger":   string(trigger),
	})

	var lastErr error
	for attempt := 0; attempt < casRetryAttempts; attempt++ {
		rec, err := s.Record(ctx, officeID)
		if err != nil {
			return nil, false, err
		}

		_, applied, err := s.ApplyTriggerToRecord(ctx, nil, rec, trigger, tc)
		if err == nil {
			return rec, applied, nil
		}
		if !errors.Is(err, ErrStaleRecord) {
			return nil, false, err
		}
		lastErr = err
		s.logg.Warn(ctx, "billing record moved concurrently, retrying trigger")
	}
	return nil, false, apperrors.Wrap(apperrors.CodeConflict, lastErr, "billing record contention, retries exhausted")
}

// ApplyTriggerToRecord runs a single transition attempt against an already
// loaded record inside tx. It does not retry; callers that hold other writes
// in the same transaction (the webhook ledger insert) own the retry loop.
func (s *Service) ApplyTriggerToRecord(ctx context.Context, tx *gorm.DB, rec *models.BillingRecord, trigger Trigger, tc TriggerContext) (Decision, bool, error) {
	decision, ok := Decide(rec, trigger, tc, s.now())
	if !ok {
		s.logg.Info(s.logg.WithFields(ctx, map[string]any{
			"status":  rec.Status.String(),
			"trigger": string(trigger),
		}), "no transition for status and trigger, ignoring")
		return Decision{}, false, nil
	}

	expected := rec.UpdatedAt
	decision.Apply(rec)
	if err := s.repo.WithTx(tx).UpdateWithVersion(ctx, rec, expected); err != nil {
		return Decision{}, false, err
	}

	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"from":    decision.From.String(),
		"to":      decision.To.String(),
		"trigger": string(trigger),
	}), "billing status transition applied")
	return decision, true, nil
}

// ForceTransition is the admin override: it sets the status directly while
// keeping the scheduled-cancel invariant intact. Moving to canceling requires
// a deadline; moving anywhere else clears it.
func (s *Service) ForceTransition(ctx context.Context, officeID uuid.UUID, to enums.BillingStatus, scheduledCancelAt *time.Time) (*models.BillingRecord, error) {
	if !to.IsValid() {
		return nil, apperrors.New(apperrors.CodeValidation, fmt.Sprintf("invalid billing status %q", to))
	}
	if to == enums.BillingStatusCanceling && scheduledCancelAt == nil {
		return nil, apperrors.New(apperrors.CodeValidation, "scheduled_cancel_at is required when forcing canceling")
	}

	ctx = s.logg.WithOfficeID(ctx, officeID.String())

	var lastErr error
	for attempt := 0; attempt < casRetryAttempts; attempt++ {
		rec, err := s.Record(ctx, officeID)
		if err != nil {
			return nil, err
		}

		from := rec.Status
		expected := rec.UpdatedAt
		rec.Status = to
		if to == enums.BillingStatusCanceling {
			rec.ScheduledCancelAt = scheduledCancelAt
		} else {
			rec.ScheduledCancelAt = nil
		}
		if to == enums.BillingStatusCanceled {
			rec.StripeSubscriptionID = nil
		}

		err = s.repo.UpdateWithVersion(ctx, rec, expected)
		if err == nil {
			s.logg.Warn(s.logg.WithFields(ctx, map[string]any{
				"from": from.String(),
				"to":   to.String(),
			}), "billing status forced by operator")
			return rec, nil
		}
		if !errors.Is(err, ErrStaleRecord) {
			return nil, err
		}
		lastErr = err
	}
	return nil, apperrors.Wrap(apperrors.CodeConflict, lastErr, "billing record contention, retries exhausted")
}

// ResetTrial restarts the trial window from now, used by support when an
// office needs more evaluation time. Only offices that never subscribed are
// eligible.
func (s *Service) ResetTrial(ctx context.Context, officeID uuid.UUID) (*models.BillingRecord, error) {
	ctx = s.logg.WithOfficeID(ctx, officeID.String())

	var lastErr error
	for attempt := 0; attempt < casRetryAttempts; attempt++ {
		rec, err := s.Record(ctx, officeID)
		if err != nil {
			return nil, err
		}
		if rec.StripeSubscriptionID != nil {
			return nil, apperrors.New(apperrors.CodeStateConflict, "trial cannot be reset once a subscription exists")
		}

		now := s.now()
		trialDays := s.cfg.TrialDays
		if trialDays <= 0 {
			trialDays = 180
		}

		expected := rec.UpdatedAt
		rec.Status = enums.BillingStatusFree
		rec.TrialStartDate = now
		rec.TrialEndDate = now.AddDate(0, 0, trialDays)
		rec.ScheduledCancelAt = nil

		err = s.repo.UpdateWithVersion(ctx, rec, expected)
		if err == nil {
			s.logg.Warn(ctx, "trial window reset by operator")
			return rec, nil
		}
		if !errors.Is(err, ErrStaleRecord) {
			return nil, err
		}
		lastErr = err
	}
	return nil, apperrors.Wrap(apperrors.CodeConflict, lastErr, "billing record contention, retries exhausted")
}
