package enums

import "fmt"

// BillingStatus tracks where an office sits in the subscription lifecycle.
type BillingStatus string

const (
	// BillingStatusFree is the entry state: trial running, no payment method.
	BillingStatusFree BillingStatus = "free"
	// BillingStatusEarlyPayment means a payment method was attached while
	// the trial is still running; billing starts when the trial ends.
	BillingStatusEarlyPayment BillingStatus = "early_payment"
	BillingStatusActive       BillingStatus = "active"
	BillingStatusPastDue      BillingStatus = "past_due"
	// BillingStatusCanceling means cancellation is scheduled for period end.
	BillingStatusCanceling BillingStatus = "canceling"
	// BillingStatusCanceled is terminal.
	BillingStatusCanceled BillingStatus = "canceled"
)

var validBillingStatuses = []BillingStatus{
	BillingStatusFree,
	BillingStatusEarlyPayment,
	BillingStatusActive,
	BillingStatusPastDue,
	BillingStatusCanceling,
	BillingStatusCanceled,
}

// String implements fmt.Stringer.
func (s BillingStatus) String() string {
	return string(s)
}

// IsValid reports whether the value is known.
func (s BillingStatus) IsValid() bool {
	for _, candidate := range validBillingStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (s BillingStatus) IsTerminal() bool {
	return s == BillingStatusCanceled
}

// CanAccessPaidFeatures reports whether the office may use paid features.
// Canceling offices keep access until the scheduled period end.
func (s BillingStatus) CanAccessPaidFeatures() bool {
	switch s {
	case BillingStatusEarlyPayment, BillingStatusActive, BillingStatusCanceling:
		return true
	default:
		return false
	}
}

// RequiresPaymentAction reports whether the office must update payment details.
func (s BillingStatus) RequiresPaymentAction() bool {
	return s == BillingStatusPastDue
}

// ParseBillingStatus converts raw input into a BillingStatus.
func ParseBillingStatus(value string) (BillingStatus, error) {
	for _, candidate := range validBillingStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid billing status %q", value)
}
