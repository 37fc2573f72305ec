package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/caretrackhq/caretrack-backend/pkg/enums"
)

// BillingRecord persists subscription lifecycle state per office (1:1).
//
// Status is mutated only through the transition engine. UpdatedAt doubles as
// the optimistic concurrency token: every mutation goes through a
// compare-and-swap on it, so a racing webhook and sweeper serialize instead
// of clobbering each other. The record keeps these invariants:
//
//   - ScheduledCancelAt is non-nil iff Status is canceling.
//   - StripeSubscriptionID is non-nil for every status a subscription can
//     reach except free and a never-subscribed past_due.
type BillingRecord struct {
	ID       uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	OfficeID uuid.UUID `gorm:"column:office_id;type:uuid;not null;uniqueIndex"`

	StripeCustomerID     *string `gorm:"column:stripe_customer_id;uniqueIndex"`
	StripeSubscriptionID *string `gorm:"column:stripe_subscription_id;uniqueIndex"`

	Status enums.BillingStatus `gorm:"column:status;not null;default:'free';index"`

	TrialStartDate time.Time `gorm:"column:trial_start_date;not null"`
	TrialEndDate   time.Time `gorm:"column:trial_end_date;not null;index"`

	SubscriptionStartDate *time.Time `gorm:"column:subscription_start_date"`
	NextBillingDate       *time.Time `gorm:"column:next_billing_date"`
	LastPaymentDate       *time.Time `gorm:"column:last_payment_date"`
	ScheduledCancelAt     *time.Time `gorm:"column:scheduled_cancel_at;index"`

	PlanAmount int `gorm:"column:plan_amount;not null;default:6000"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	// UpdatedAt is written explicitly by the repository so the CAS token
	// stays under our control rather than GORM's.
	UpdatedAt time.Time `gorm:"column:updated_at;not null;autoUpdateTime:false"`
}
