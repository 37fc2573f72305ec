package billing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/caretrackhq/caretrack-backend/pkg/db/models"
	"github.com/caretrackhq/caretrack-backend/pkg/enums"
)

// ErrStaleRecord signals the compare-and-swap write lost to a concurrent
// mutation; callers re-fetch and retry.
var ErrStaleRecord = errors.New("billing record was modified concurrently")

// Repository handles billing record persistence.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, rec *models.BillingRecord) error
	FindByOfficeID(ctx context.Context, officeID uuid.UUID) (*models.BillingRecord, error)
	FindByStripeCustomerID(ctx context.Context, customerID string) (*models.BillingRecord, error)
	// UpdateWithVersion writes the record only if the stored row still carries
	// expectedUpdatedAt, stamping a fresh UpdatedAt on success. Returns
	// ErrStaleRecord when the row moved underneath us.
	UpdateWithVersion(ctx context.Context, rec *models.BillingRecord, expectedUpdatedAt time.Time) error
	ListTrialsExpiredWithoutSubscription(ctx context.Context, now time.Time, limit int) ([]models.BillingRecord, error)
	ListEarlyPaymentsPastTrialEnd(ctx context.Context, now time.Time, limit int) ([]models.BillingRecord, error)
	ListCancellationsPastDeadline(ctx context.Context, now time.Time, limit int) ([]models.BillingRecord, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a billing repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, rec *models.BillingRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(rec).Error
}

func (r *repository) FindByOfficeID(ctx context.Context, officeID uuid.UUID) (*models.BillingRecord, error) {
	var rec models.BillingRecord
	if err := r.db.WithContext(ctx).
		Where("office_id = ?", officeID).
		First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (r *repository) FindByStripeCustomerID(ctx context.Context, customerID string) (*models.BillingRecord, error) {
	if customerID == "" {
		return nil, nil
	}
	var rec models.BillingRecord
	if err := r.db.WithContext(ctx).
		Where("stripe_customer_id = ?", customerID).
		First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (r *repository) UpdateWithVersion(ctx context.Context, rec *models.BillingRecord, expectedUpdatedAt time.Time) error {
	rec.UpdatedAt = time.Now().UTC()

	result := r.db.WithContext(ctx).
		Model(&models.BillingRecord{}).
		Where("id = ? AND updated_at = ?", rec.ID, expectedUpdatedAt).
		Select(
			"status",
			"stripe_customer_id",
			"stripe_subscription_id",
			"subscription_start_date",
			"next_billing_date",
			"last_payment_date",
			"scheduled_cancel_at",
			"trial_start_date",
			"trial_end_date",
			"plan_amount",
			"updated_at",
		).
		Updates(rec)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStaleRecord
	}
	return nil
}

func (r *repository) ListTrialsExpiredWithoutSubscription(ctx context.Context, now time.Time, limit int) ([]models.BillingRecord, error) {
	return r.list(ctx, limit, func(q *gorm.DB) *gorm.DB {
		return q.
			Where("status = ?", enums.BillingStatusFree).
			Where("trial_end_date < ?", now)
	})
}

func (r *repository) ListEarlyPaymentsPastTrialEnd(ctx context.Context, now time.Time, limit int) ([]models.BillingRecord, error) {
	return r.list(ctx, limit, func(q *gorm.DB) *gorm.DB {
		return q.
			Where("status = ?", enums.BillingStatusEarlyPayment).
			Where("trial_end_date < ?", now)
	})
}

func (r *repository) ListCancellationsPastDeadline(ctx context.Context, now time.Time, limit int) ([]models.BillingRecord, error) {
	return r.list(ctx, limit, func(q *gorm.DB) *gorm.DB {
		return q.
			Where("status = ?", enums.BillingStatusCanceling).
			Where("scheduled_cancel_at IS NOT NULL AND scheduled_cancel_at < ?", now)
	})
}

func (r *repository) list(ctx context.Context, limit int, scope func(*gorm.DB) *gorm.DB) ([]models.BillingRecord, error) {
	if limit <= 0 {
		limit = 250
	}
	var recs []models.BillingRecord
	query := scope(r.db.WithContext(ctx).Model(&models.BillingRecord{})).
		Order("updated_at ASC").
		Limit(limit)
	if err := query.Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}
