package billing

import (
	"time"

	"github.com/caretrackhq/caretrack-backend/pkg/db/models"
	"github.com/caretrackhq/caretrack-backend/pkg/enums"
)

// Trigger identifies an external cause for a billing status change. Webhook
// handlers and the deadline sweeper both reduce to one of these before asking
// the engine what to do.
type Trigger string

const (
	TriggerSubscriptionCreated   Trigger = "subscription_created"
	TriggerPaymentSucceeded      Trigger = "payment_succeeded"
	TriggerPaymentFailed         Trigger = "payment_failed"
	TriggerCancellationRequested Trigger = "cancellation_requested"
	TriggerCancellationReverted  Trigger = "cancellation_reverted"
	TriggerSubscriptionDeleted   Trigger = "subscription_deleted"
	TriggerDeadlineReached       Trigger = "deadline_reached"
)

// TriggerContext carries the event-derived data a transition may need.
// Fields are optional; Decide only reads the ones the transition uses.
type TriggerContext struct {
	CustomerID     string
	SubscriptionID string
	// CancelAt is when a requested cancellation takes effect.
	CancelAt *time.Time
	// PeriodEnd is the end of the current billing period, used as the next
	// billing date.
	PeriodEnd *time.Time
	// PaidAt is when a successful payment settled.
	PaidAt *time.Time
}

// Decision describes the state change Decide chose. Apply copies it onto a
// record; keeping the field changes explicit lets callers log and test them.
type Decision struct {
	From enums.BillingStatus
	To   enums.BillingStatus

	SetCustomerID     string
	SetSubscriptionID string

	SetSubscriptionStart *time.Time
	SetNextBillingDate   *time.Time
	SetLastPaymentDate   *time.Time
	SetScheduledCancelAt *time.Time

	ClearScheduledCancelAt bool
	ClearSubscriptionID    bool
}

// Apply writes the decision onto the record. UpdatedAt is untouched here; the
// repository stamps it as part of the compare-and-swap write.
func (d Decision) Apply(rec *models.BillingRecord) {
	rec.Status = d.To
	if d.SetCustomerID != "" {
		customerID := d.SetCustomerID
		rec.StripeCustomerID = &customerID
	}
	if d.SetSubscriptionID != "" {
		subscriptionID := d.SetSubscriptionID
		rec.StripeSubscriptionID = &subscriptionID
	}
	if d.SetSubscriptionStart != nil {
		rec.SubscriptionStartDate = d.SetSubscriptionStart
	}
	if d.SetNextBillingDate != nil {
		rec.NextBillingDate = d.SetNextBillingDate
	}
	if d.SetLastPaymentDate != nil {
		rec.LastPaymentDate = d.SetLastPaymentDate
	}
	if d.SetScheduledCancelAt != nil {
		rec.ScheduledCancelAt = d.SetScheduledCancelAt
	}
	if d.ClearScheduledCancelAt {
		rec.ScheduledCancelAt = nil
	}
	if d.ClearSubscriptionID {
		rec.StripeSubscriptionID = nil
	}
}

// Changed reports whether the decision moves the record to a new status.
func (d Decision) Changed() bool {
	return d.From != d.To
}

// Decide evaluates the transition table for one record and trigger. The
// second return is false when the pair is not a recognized transition; callers
// treat that as a logged no-op, never an error, so stale or out-of-order
// events cannot wedge a record.
//
// Deadline triggers double-check the deadline against now with a strict
// less-than, so a record picked up at the exact boundary instant is left for
// the next sweep.
func Decide(rec *models.BillingRecord, trigger Trigger, tc TriggerContext, now time.Time) (Decision, bool) {
	if rec == nil || rec.Status.IsTerminal() {
		return Decision{}, false
	}

	d := Decision{From: rec.Status, To: rec.Status}

	switch rec.Status {
	case enums.BillingStatusFree:
		switch trigger {
		case TriggerSubscriptionCreated:
			// Subscribing mid-trial defers billing to trial end; subscribing
			// after the trial has lapsed starts billing immediately.
			if now.Before(rec.TrialEndDate) {
				d.To = enums.BillingStatusEarlyPayment
			} else {
				d.To = enums.BillingStatusActive
			}
			start := now
			d.SetCustomerID = tc.CustomerID
			d.SetSubscriptionID = tc.SubscriptionID
			d.SetSubscriptionStart = &start
			d.SetNextBillingDate = tc.PeriodEnd
			return d, true
		case TriggerDeadlineReached:
			if !rec.TrialEndDate.Before(now) {
				return Decision{}, false
			}
			d.To = enums.BillingStatusPastDue
			return d, true
		}

	case enums.BillingStatusEarlyPayment:
		switch trigger {
		case TriggerPaymentSucceeded:
			d.To = enums.BillingStatusActive
			d.SetLastPaymentDate = paidAtOrNow(tc, now)
			d.SetNextBillingDate = tc.PeriodEnd
			return d, true
		case TriggerDeadlineReached:
			// Fallback when the first invoice webhook never arrived. The
			// subscription exists and the trial is over, so the office is
			// treated as paying.
			if !rec.TrialEndDate.Before(now) {
				return Decision{}, false
			}
			activated := now
			d.To = enums.BillingStatusActive
			d.SetLastPaymentDate = &activated
			return d, true
		case TriggerPaymentFailed:
			d.To = enums.BillingStatusPastDue
			return d, true
		case TriggerCancellationRequested:
			if tc.CancelAt == nil {
				return Decision{}, false
			}
			d.To = enums.BillingStatusCanceling
			d.SetScheduledCancelAt = tc.CancelAt
			return d, true
		}

	case enums.BillingStatusActive:
		switch trigger {
		case TriggerCancellationRequested:
			if tc.CancelAt == nil {
				return Decision{}, false
			}
			d.To = enums.BillingStatusCanceling
			d.SetScheduledCancelAt = tc.CancelAt
			return d, true
		case TriggerPaymentFailed:
			d.To = enums.BillingStatusPastDue
			return d, true
		case TriggerPaymentSucceeded:
			// Renewal. Status does not move but payment bookkeeping does.
			d.SetLastPaymentDate = paidAtOrNow(tc, now)
			d.SetNextBillingDate = tc.PeriodEnd
			return d, true
		}

	case enums.BillingStatusPastDue:
		switch trigger {
		case TriggerPaymentSucceeded:
			d.To = enums.BillingStatusActive
			d.SetLastPaymentDate = paidAtOrNow(tc, now)
			d.SetNextBillingDate = tc.PeriodEnd
			return d, true
		case TriggerSubscriptionCreated:
			// A never-subscribed office whose trial already lapsed can still
			// check out. The trial is over, so billing starts immediately.
			start := now
			d.To = enums.BillingStatusActive
			d.SetCustomerID = tc.CustomerID
			d.SetSubscriptionID = tc.SubscriptionID
			d.SetSubscriptionStart = &start
			d.SetNextBillingDate = tc.PeriodEnd
			return d, true
		}

	case enums.BillingStatusCanceling:
		switch trigger {
		case TriggerSubscriptionDeleted:
			d.To = enums.BillingStatusCanceled
			d.ClearScheduledCancelAt = true
			d.ClearSubscriptionID = true
			return d, true
		case TriggerDeadlineReached:
			// Fallback when the deletion webhook never arrived.
			if rec.ScheduledCancelAt == nil || !rec.ScheduledCancelAt.Before(now) {
				return Decision{}, false
			}
			d.To = enums.BillingStatusCanceled
			d.ClearScheduledCancelAt = true
			d.ClearSubscriptionID = true
			return d, true
		case TriggerCancellationReverted:
			d.To = enums.BillingStatusActive
			d.ClearScheduledCancelAt = true
			return d, true
		}
	}

	return Decision{}, false
}

func paidAtOrNow(tc TriggerContext, now time.Time) *time.Time {
	if tc.PaidAt != nil {
		return tc.PaidAt
	}
	paidAt := now
	return &paidAt
}
