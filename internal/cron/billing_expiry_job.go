package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/caretrackhq/caretrack-backend/internal/billing"
	"github.com/caretrackhq/caretrack-backend/pkg/db/models"
	"github.com/caretrackhq/caretrack-backend/pkg/logger"
)

const defaultExpiryBatchSize = 250

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// BillingExpiryJobParams configure the deadline sweeper.
type BillingExpiryJobParams struct {
	Logger    *logger.Logger
	DB        txRunner
	Billing   *billing.Service
	BatchSize int
	Now       func() time.Time
}

// NewBillingExpiryJob builds the job that catches up records whose webhook
// never arrived: lapsed trials, early payments past trial end, and scheduled
// cancellations past their deadline.
func NewBillingExpiryJob(params BillingExpiryJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	if params.Billing == nil {
		return nil, fmt.Errorf("billing service required")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultExpiryBatchSize
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &billingExpiryJob{
		logg:    params.Logger,
		db:      params.DB,
		billing: params.Billing,
		batch:   batch,
		now:     now,
	}, nil
}

type billingExpiryJob struct {
	logg    *logger.Logger
	db      txRunner
	billing *billing.Service
	batch   int
	now     func() time.Time
}

func (j *billingExpiryJob) Name() string { return "billing-expiry" }

func (j *billingExpiryJob) Run(ctx context.Context) error {
	now := j.now().UTC()
	repo := j.billing.Repo()

	phases := []struct {
		name string
		list func(context.Context, time.Time, int) ([]models.BillingRecord, error)
	}{
		{"expired_trials", repo.ListTrialsExpiredWithoutSubscription},
		{"early_payments_due", repo.ListEarlyPaymentsPastTrialEnd},
		{"cancellations_due", repo.ListCancellationsPastDeadline},
	}

	var errs error
	for _, phase := range phases {
		recs, err := phase.list(ctx, now, j.batch)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: list: %w", phase.name, err))
			continue
		}

		transitioned := 0
		for i := range recs {
			rec := recs[i]
			var applied bool
			// Each record commits on its own so one bad row cannot roll
			// back the rest of the sweep.
			err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
				_, a, err := j.billing.ApplyTriggerToRecord(ctx, tx, &rec, billing.TriggerDeadlineReached, billing.TriggerContext{})
				applied = a
				return err
			})
			if err != nil {
				if errors.Is(err, billing.ErrStaleRecord) {
					// A webhook got there first. Next sweep will pick the
					// record up again if it still qualifies.
					j.logg.Info(j.logg.WithOfficeID(ctx, rec.OfficeID.String()), "record changed mid-sweep, skipping")
					continue
				}
				errs = multierr.Append(errs, fmt.Errorf("%s: office %s: %w", phase.name, rec.OfficeID, err))
				continue
			}
			// Records at the exact deadline boundary are left alone by the
			// engine; only real status changes count.
			if applied {
				transitioned++
			}
		}

		logCtx := j.logg.WithFields(ctx, map[string]any{
			"phase":        phase.name,
			"candidates":   len(recs),
			"transitioned": transitioned,
		})
		j.logg.Info(logCtx, "billing expiry phase complete")
	}
	return errs
}
