package stripewebhook

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v84"
	"gorm.io/gorm"

	"github.com/caretrackhq/caretrack-backend/internal/billing"
	"github.com/caretrackhq/caretrack-backend/internal/ledger"
	"github.com/caretrackhq/caretrack-backend/pkg/db/models"
	pkgerrors "github.com/caretrackhq/caretrack-backend/pkg/errors"
	"github.com/caretrackhq/caretrack-backend/pkg/logger"
)

const eventSource = "stripe"

// casRetryAttempts bounds re-fetch-and-retry when the billing record moves
// between the read and the transactional write.
const casRetryAttempts = 3

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// ServiceParams groups dependencies for the Stripe webhook processor.
type ServiceParams struct {
	Billing           *billing.Service
	Ledger            ledger.Repository
	TransactionRunner txRunner
	Logger            *logger.Logger
}

// Service turns verified Stripe events into billing transitions. Each event
// is applied and recorded in the processed-event ledger inside one
// transaction, so a delivery either fully lands or leaves no trace and can be
// safely retried by Stripe.
type Service struct {
	billing  *billing.Service
	ledger   ledger.Repository
	txRunner txRunner
	logg     *logger.Logger
}

// NewService builds a webhook processing service.
func NewService(params ServiceParams) (*Service, error) {
	if params.Billing == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "billing service required")
	}
	if params.Ledger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "ledger repo required")
	}
	if params.TransactionRunner == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction runner required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	return &Service{
		billing:  params.Billing,
		ledger:   params.Ledger,
		txRunner: params.TransactionRunner,
		logg:     params.Logger,
	}, nil
}

// classified is the normalized form of a supported event.
type classified struct {
	trigger    billing.Trigger
	tc         billing.TriggerContext
	customerID string
}

// HandleEvent processes one verified event. A nil return means the delivery
// may be acked; replays, unknown event kinds, and events for unknown
// customers are all acked so Stripe stops retrying them.
func (s *Service) HandleEvent(ctx context.Context, event *stripe.Event) error {
	if event == nil || event.ID == "" || event.Data == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "stripe event with id and data required")
	}

	ctx = s.logg.WithFields(ctx, map[string]any{
		"event_id":   event.ID,
		"event_kind": string(event.Type),
	})

	seen, err := s.ledger.Exists(ctx, event.ID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check processed events")
	}
	if seen {
		s.logg.Info(ctx, "event already processed, acking replay")
		return nil
	}

	c, ok, err := s.classify(event)
	if err != nil {
		return err
	}
	if !ok {
		s.logg.Info(ctx, "unsupported event kind, acking without processing")
		return nil
	}
	if c.customerID == "" {
		s.logg.Warn(ctx, "event carries no customer reference, acking")
		return nil
	}

	rec, err := s.billing.Repo().FindByStripeCustomerID(ctx, c.customerID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "resolve billing record")
	}
	if rec == nil {
		// A customer we never issued: likely created out of band in the
		// Stripe dashboard. Ack so the delivery does not retry forever.
		s.logg.Warn(s.logg.WithField(ctx, "customer_id", c.customerID), "no billing record for customer, acking")
		return nil
	}

	var lastErr error
	for attempt := 0; attempt < casRetryAttempts; attempt++ {
		err := s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
			_, applied, err := s.billing.ApplyTriggerToRecord(ctx, tx, rec, c.trigger, c.tc)
			if err != nil {
				return err
			}
			if !applied {
				// No-op outcomes are still ledgered so the replay of a
				// stale event stays a no-op instead of reprocessing.
				s.logg.Info(ctx, "event produced no transition, recording as processed")
			}
			return s.ledger.WithTx(tx).Create(ctx, s.buildLedgerRow(event, rec))
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, ledger.ErrDuplicateEvent) {
			s.logg.Info(ctx, "event raced a concurrent delivery, acking replay")
			return nil
		}
		if !errors.Is(err, billing.ErrStaleRecord) {
			return err
		}

		lastErr = err
		s.logg.Warn(ctx, "billing record moved concurrently, re-reading and retrying event")
		rec, err = s.billing.Repo().FindByStripeCustomerID(ctx, c.customerID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "re-read billing record")
		}
		if rec == nil {
			return nil
		}
	}
	return pkgerrors.Wrap(pkgerrors.CodeConflict, lastErr, "billing record contention, webhook retries exhausted")
}

func (s *Service) buildLedgerRow(event *stripe.Event, rec *models.BillingRecord) *models.ProcessedEvent {
	billingID := rec.ID
	officeID := rec.OfficeID
	return &models.ProcessedEvent{
		EventID:   event.ID,
		EventKind: string(event.Type),
		Source:    eventSource,
		BillingID: &billingID,
		OfficeID:  &officeID,
		Payload:   json.RawMessage(event.Data.Raw),
	}
}

func (s *Service) classify(event *stripe.Event) (classified, bool, error) {
	switch event.Type {
	case stripe.EventTypeCustomerSubscriptionCreated,
		stripe.EventTypeCustomerSubscriptionUpdated,
		stripe.EventTypeCustomerSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return classified{}, false, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode subscription event")
		}
		return classifySubscription(event.Type, &sub)

	case stripe.EventTypeInvoicePaymentSucceeded, stripe.EventTypeInvoicePaid:
		tc := billing.TriggerContext{
			PaidAt:    eventTime(event),
			PeriodEnd: objectUnixValue(event, "period_end"),
		}
		return classified{
			trigger:    billing.TriggerPaymentSucceeded,
			tc:         tc,
			customerID: event.GetObjectValue("customer"),
		}, true, nil

	case stripe.EventTypeInvoicePaymentFailed:
		return classified{
			trigger:    billing.TriggerPaymentFailed,
			customerID: event.GetObjectValue("customer"),
		}, true, nil

	default:
		return classified{}, false, nil
	}
}

func classifySubscription(kind stripe.EventType, sub *stripe.Subscription) (classified, bool, error) {
	customerID := ""
	if sub.Customer != nil {
		customerID = sub.Customer.ID
	}

	switch kind {
	case stripe.EventTypeCustomerSubscriptionCreated:
		return classified{
			trigger: billing.TriggerSubscriptionCreated,
			tc: billing.TriggerContext{
				CustomerID:     customerID,
				SubscriptionID: sub.ID,
				PeriodEnd:      subscriptionPeriodEnd(sub),
			},
			customerID: customerID,
		}, true, nil

	case stripe.EventTypeCustomerSubscriptionUpdated:
		if sub.CancelAtPeriodEnd {
			cancelAt := subscriptionCancelAt(sub)
			if cancelAt == nil {
				return classified{}, false, pkgerrors.New(pkgerrors.CodeValidation, "cancel_at_period_end set without a deadline")
			}
			return classified{
				trigger:    billing.TriggerCancellationRequested,
				tc:         billing.TriggerContext{CancelAt: cancelAt},
				customerID: customerID,
			}, true, nil
		}
		return classified{
			trigger:    billing.TriggerCancellationReverted,
			customerID: customerID,
		}, true, nil

	case stripe.EventTypeCustomerSubscriptionDeleted:
		return classified{
			trigger:    billing.TriggerSubscriptionDeleted,
			customerID: customerID,
		}, true, nil
	}
	return classified{}, false, nil
}

func subscriptionPeriodEnd(sub *stripe.Subscription) *time.Time {
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return nil
	}
	return unixPtr(sub.Items.Data[0].CurrentPeriodEnd)
}

func subscriptionCancelAt(sub *stripe.Subscription) *time.Time {
	if at := unixPtr(sub.CancelAt); at != nil {
		return at
	}
	return subscriptionPeriodEnd(sub)
}

func eventTime(event *stripe.Event) *time.Time {
	return unixPtr(event.Created)
}

func objectUnixValue(event *stripe.Event, key string) *time.Time {
	raw := event.GetObjectValue(key)
	if raw == "" {
		return nil
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	return unixPtr(ts)
}

func unixPtr(ts int64) *time.Time {
	if ts == 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}
