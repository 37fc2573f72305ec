package stripewebhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v84"
	"gorm.io/gorm"

	"github.com/caretrackhq/caretrack-backend/internal/billing"
	"github.com/caretrackhq/caretrack-backend/internal/ledger"
	"github.com/caretrackhq/caretrack-backend/pkg/config"
	"github.com/caretrackhq/caretrack-backend/pkg/db/models"
	"github.com/caretrackhq/caretrack-backend/pkg/enums"
	"github.com/caretrackhq/caretrack-backend/pkg/logger"
)

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

type stubBillingRepo struct {
	rec        *models.BillingRecord
	updateErrs []error
	updates    int
}

func (s *stubBillingRepo) WithTx(tx *gorm.DB) billing.Repository { return s }

func (s *stubBillingRepo) Create(ctx context.Context, rec *models.BillingRecord) error {
	s.rec = rec
	return nil
}

func (s *stubBillingRepo) FindByOfficeID(ctx context.Context, officeID uuid.UUID) (*models.BillingRecord, error) {
	if s.rec == nil {
		return nil, nil
	}
	clone := *s.rec
	return &clone, nil
}

func (s *stubBillingRepo) FindByStripeCustomerID(ctx context.Context, customerID string) (*models.BillingRecord, error) {
	if s.rec == nil || s.rec.StripeCustomerID == nil || *s.rec.StripeCustomerID != customerID {
		return nil, nil
	}
	clone := *s.rec
	return &clone, nil
}

func (s *stubBillingRepo) UpdateWithVersion(ctx context.Context, rec *models.BillingRecord, expectedUpdatedAt time.Time) error {
	s.updates++
	if len(s.updateErrs) > 0 {
		err := s.updateErrs[0]
		s.updateErrs = s.updateErrs[1:]
		if err != nil {
			return err
		}
	}
	clone := *rec
	s.rec = &clone
	return nil
}

func (s *stubBillingRepo) ListTrialsExpiredWithoutSubscription(ctx context.Context, now time.Time, limit int) ([]models.BillingRecord, error) {
	return nil, nil
}

func (s *stubBillingRepo) ListEarlyPaymentsPastTrialEnd(ctx context.Context, now time.Time, limit int) ([]models.BillingRecord, error) {
	return nil, nil
}

func (s *stubBillingRepo) ListCancellationsPastDeadline(ctx context.Context, now time.Time, limit int) ([]models.BillingRecord, error) {
	return nil, nil
}

type stubLedger struct {
	existing  map[string]bool
	created   []*models.ProcessedEvent
	createErr error
}

func (s *stubLedger) WithTx(tx *gorm.DB) ledger.Repository { return s }

func (s *stubLedger) Create(ctx context.Context, event *models.ProcessedEvent) error {
	if s.createErr != nil {
		return s.createErr
	}
	if s.existing == nil {
		s.existing = map[string]bool{}
	}
	if s.existing[event.EventID] {
		return ledger.ErrDuplicateEvent
	}
	s.existing[event.EventID] = true
	s.created = append(s.created, event)
	return nil
}

func (s *stubLedger) Exists(ctx context.Context, eventID string) (bool, error) {
	return s.existing[eventID], nil
}

func (s *stubLedger) ListByOfficeID(ctx context.Context, officeID uuid.UUID, limit int) ([]models.ProcessedEvent, error) {
	out := make([]models.ProcessedEvent, 0, len(s.created))
	for _, ev := range s.created {
		out = append(out, *ev)
	}
	return out, nil
}

type stubTxRunner struct{}

func (s *stubTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return fn(nil)
}

func freeRecord(customerID string) *models.BillingRecord {
	rec := &models.BillingRecord{
		ID:             uuid.New(),
		OfficeID:       uuid.New(),
		Status:         enums.BillingStatusFree,
		TrialStartDate: testNow.AddDate(0, 0, -30),
		TrialEndDate:   testNow.AddDate(0, 0, 150),
		PlanAmount:     6000,
		UpdatedAt:      testNow.Add(-time.Hour),
	}
	if customerID != "" {
		rec.StripeCustomerID = &customerID
	}
	return rec
}

func newTestService(t *testing.T, billingRepo billing.Repository, ledgerRepo ledger.Repository) *Service {
	t.Helper()

	logg := logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
	billingSvc, err := billing.NewService(billing.ServiceParams{
		Repo:   billingRepo,
		Logger: logg,
		Config: config.BillingConfig{TrialDays: 180, PlanAmount: 6000},
		Now:    func() time.Time { return testNow },
	})
	require.NoError(t, err)

	svc, err := NewService(ServiceParams{
		Billing:           billingSvc,
		Ledger:            ledgerRepo,
		TransactionRunner: &stubTxRunner{},
		Logger:            logg,
	})
	require.NoError(t, err)
	return svc
}

func eventFromJSON(t *testing.T, raw string) *stripe.Event {
	t.Helper()
	var event stripe.Event
	require.NoError(t, json.Unmarshal([]byte(raw), &event))
	return &event
}

func subscriptionEvent(t *testing.T, id string, kind, customerID, subscriptionID string, cancelAtPeriodEnd bool, cancelAt int64) *stripe.Event {
	t.Helper()
	raw := fmt.Sprintf(`{
		"id": %q,
		"type": %q,
		"created": %d,
		"data": {
			"object": {
				"id": %q,
				"object": "subscription",
				"customer": %q,
				"cancel_at_period_end": %t,
				"cancel_at": %d,
				"items": {"data": [{"current_period_end": %d}]}
			}
		}
	}`, id, kind, testNow.Unix(), subscriptionID, customerID, cancelAtPeriodEnd, cancelAt, testNow.AddDate(0, 1, 0).Unix())
	return eventFromJSON(t, raw)
}

func invoiceEvent(t *testing.T, id, kind, customerID string) *stripe.Event {
	t.Helper()
	raw := fmt.Sprintf(`{
		"id": %q,
		"type": %q,
		"created": %d,
		"data": {
			"object": {
				"object": "invoice",
				"customer": %q,
				"period_end": %d
			}
		}
	}`, id, kind, testNow.Unix(), customerID, testNow.AddDate(0, 1, 0).Unix())
	return eventFromJSON(t, raw)
}

func TestHandleEventSubscriptionCreated(t *testing.T) {
	billingRepo := &stubBillingRepo{rec: freeRecord("cus_1")}
	ledgerRepo := &stubLedger{}
	svc := newTestService(t, billingRepo, ledgerRepo)

	event := subscriptionEvent(t, "evt_1", "customer.subscription.created", "cus_1", "sub_1", false, 0)
	require.NoError(t, svc.HandleEvent(context.Background(), event))

	assert.Equal(t, enums.BillingStatusEarlyPayment, billingRepo.rec.Status)
	require.NotNil(t, billingRepo.rec.StripeSubscriptionID)
	assert.Equal(t, "sub_1", *billingRepo.rec.StripeSubscriptionID)

	require.Len(t, ledgerRepo.created, 1)
	row := ledgerRepo.created[0]
	assert.Equal(t, "evt_1", row.EventID)
	assert.Equal(t, "customer.subscription.created", row.EventKind)
	assert.Equal(t, "stripe", row.Source)
	require.NotNil(t, row.OfficeID)
	assert.Equal(t, billingRepo.rec.OfficeID, *row.OfficeID)
}

func TestHandleEventReplayIsAcked(t *testing.T) {
	billingRepo := &stubBillingRepo{rec: freeRecord("cus_1")}
	ledgerRepo := &stubLedger{existing: map[string]bool{"evt_seen": true}}
	svc := newTestService(t, billingRepo, ledgerRepo)

	event := subscriptionEvent(t, "evt_seen", "customer.subscription.created", "cus_1", "sub_1", false, 0)
	require.NoError(t, svc.HandleEvent(context.Background(), event))

	assert.Equal(t, enums.BillingStatusFree, billingRepo.rec.Status)
	assert.Zero(t, billingRepo.updates)
}

func TestHandleEventUnknownCustomerIsAcked(t *testing.T) {
	billingRepo := &stubBillingRepo{rec: freeRecord("cus_known")}
	ledgerRepo := &stubLedger{}
	svc := newTestService(t, billingRepo, ledgerRepo)

	event := subscriptionEvent(t, "evt_2", "customer.subscription.created", "cus_stranger", "sub_2", false, 0)
	require.NoError(t, svc.HandleEvent(context.Background(), event))

	assert.Empty(t, ledgerRepo.created, "unknown customers are acked without ledgering")
	assert.Zero(t, billingRepo.updates)
}

func TestHandleEventUnsupportedKindIsAcked(t *testing.T) {
	billingRepo := &stubBillingRepo{rec: freeRecord("cus_1")}
	ledgerRepo := &stubLedger{}
	svc := newTestService(t, billingRepo, ledgerRepo)

	event := eventFromJSON(t, `{"id":"evt_3","type":"charge.refunded","data":{"object":{"customer":"cus_1"}}}`)
	require.NoError(t, svc.HandleEvent(context.Background(), event))

	assert.Empty(t, ledgerRepo.created)
	assert.Zero(t, billingRepo.updates)
}

func TestHandleEventNoopTransitionStillLedgered(t *testing.T) {
	billingRepo := &stubBillingRepo{rec: freeRecord("cus_1")}
	ledgerRepo := &stubLedger{}
	svc := newTestService(t, billingRepo, ledgerRepo)

	// subscription.deleted on a free record matches no transition.
	event := subscriptionEvent(t, "evt_4", "customer.subscription.deleted", "cus_1", "sub_1", false, 0)
	require.NoError(t, svc.HandleEvent(context.Background(), event))

	assert.Equal(t, enums.BillingStatusFree, billingRepo.rec.Status)
	require.Len(t, ledgerRepo.created, 1)
	assert.Equal(t, "evt_4", ledgerRepo.created[0].EventID)
}

func TestHandleEventInvoicePaymentSucceededRecoversPastDue(t *testing.T) {
	rec := freeRecord("cus_1")
	rec.Status = enums.BillingStatusPastDue
	billingRepo := &stubBillingRepo{rec: rec}
	ledgerRepo := &stubLedger{}
	svc := newTestService(t, billingRepo, ledgerRepo)

	event := invoiceEvent(t, "evt_5", "invoice.payment_succeeded", "cus_1")
	require.NoError(t, svc.HandleEvent(context.Background(), event))

	assert.Equal(t, enums.BillingStatusActive, billingRepo.rec.Status)
	require.NotNil(t, billingRepo.rec.LastPaymentDate)
	assert.Equal(t, testNow, *billingRepo.rec.LastPaymentDate)
	require.NotNil(t, billingRepo.rec.NextBillingDate)
	require.Len(t, ledgerRepo.created, 1)
}

func TestHandleEventInvoicePaymentFailed(t *testing.T) {
	rec := freeRecord("cus_1")
	rec.Status = enums.BillingStatusActive
	billingRepo := &stubBillingRepo{rec: rec}
	ledgerRepo := &stubLedger{}
	svc := newTestService(t, billingRepo, ledgerRepo)

	event := invoiceEvent(t, "evt_6", "invoice.payment_failed", "cus_1")
	require.NoError(t, svc.HandleEvent(context.Background(), event))

	assert.Equal(t, enums.BillingStatusPastDue, billingRepo.rec.Status)
}

func TestHandleEventCancellationRoundTrip(t *testing.T) {
	rec := freeRecord("cus_1")
	rec.Status = enums.BillingStatusActive
	billingRepo := &stubBillingRepo{rec: rec}
	ledgerRepo := &stubLedger{}
	svc := newTestService(t, billingRepo, ledgerRepo)

	cancelAt := testNow.AddDate(0, 1, 0).Unix()
	requested := subscriptionEvent(t, "evt_7", "customer.subscription.updated", "cus_1", "sub_1", true, cancelAt)
	require.NoError(t, svc.HandleEvent(context.Background(), requested))
	assert.Equal(t, enums.BillingStatusCanceling, billingRepo.rec.Status)
	require.NotNil(t, billingRepo.rec.ScheduledCancelAt)
	assert.Equal(t, time.Unix(cancelAt, 0).UTC(), *billingRepo.rec.ScheduledCancelAt)

	reverted := subscriptionEvent(t, "evt_8", "customer.subscription.updated", "cus_1", "sub_1", false, 0)
	require.NoError(t, svc.HandleEvent(context.Background(), reverted))
	assert.Equal(t, enums.BillingStatusActive, billingRepo.rec.Status)
	assert.Nil(t, billingRepo.rec.ScheduledCancelAt)
}

func TestHandleEventSubscriptionDeletedCancels(t *testing.T) {
	rec := freeRecord("cus_1")
	rec.Status = enums.BillingStatusCanceling
	cancelAt := testNow.AddDate(0, 1, 0)
	rec.ScheduledCancelAt = &cancelAt
	subscriptionID := "sub_1"
	rec.StripeSubscriptionID = &subscriptionID
	billingRepo := &stubBillingRepo{rec: rec}
	ledgerRepo := &stubLedger{}
	svc := newTestService(t, billingRepo, ledgerRepo)

	event := subscriptionEvent(t, "evt_9", "customer.subscription.deleted", "cus_1", "sub_1", false, 0)
	require.NoError(t, svc.HandleEvent(context.Background(), event))

	assert.Equal(t, enums.BillingStatusCanceled, billingRepo.rec.Status)
	assert.Nil(t, billingRepo.rec.ScheduledCancelAt)
	assert.Nil(t, billingRepo.rec.StripeSubscriptionID)
}

func TestHandleEventRetriesOnStaleRecord(t *testing.T) {
	rec := freeRecord("cus_1")
	rec.Status = enums.BillingStatusActive
	billingRepo := &stubBillingRepo{rec: rec, updateErrs: []error{billing.ErrStaleRecord}}
	ledgerRepo := &stubLedger{}
	svc := newTestService(t, billingRepo, ledgerRepo)

	event := invoiceEvent(t, "evt_10", "invoice.payment_failed", "cus_1")
	require.NoError(t, svc.HandleEvent(context.Background(), event))

	assert.Equal(t, enums.BillingStatusPastDue, billingRepo.rec.Status)
	assert.Equal(t, 2, billingRepo.updates)
	require.Len(t, ledgerRepo.created, 1)
}

func TestHandleEventConcurrentDuplicateIsAcked(t *testing.T) {
	billingRepo := &stubBillingRepo{rec: freeRecord("cus_1")}
	ledgerRepo := &stubLedger{createErr: ledger.ErrDuplicateEvent}
	svc := newTestService(t, billingRepo, ledgerRepo)

	event := subscriptionEvent(t, "evt_11", "customer.subscription.created", "cus_1", "sub_1", false, 0)
	require.NoError(t, svc.HandleEvent(context.Background(), event))
	assert.Empty(t, ledgerRepo.created)
}

func TestHandleEventRejectsMissingID(t *testing.T) {
	svc := newTestService(t, &stubBillingRepo{}, &stubLedger{})
	err := svc.HandleEvent(context.Background(), &stripe.Event{})
	require.Error(t, err)
}
