package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/caretrackhq/caretrack-backend/api/middleware"
	billingsvc "github.com/caretrackhq/caretrack-backend/internal/billing"
	"github.com/caretrackhq/caretrack-backend/internal/checkout"
	"github.com/caretrackhq/caretrack-backend/pkg/config"
	"github.com/caretrackhq/caretrack-backend/pkg/db/models"
	"github.com/caretrackhq/caretrack-backend/pkg/enums"
	pkgerrors "github.com/caretrackhq/caretrack-backend/pkg/errors"
	"github.com/caretrackhq/caretrack-backend/pkg/logger"
	pkgstripe "github.com/caretrackhq/caretrack-backend/pkg/stripe"
)

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

type stubRepo struct {
	rec *models.BillingRecord
}

func (s *stubRepo) WithTx(tx *gorm.DB) billingsvc.Repository { return s }

func (s *stubRepo) Create(ctx context.Context, rec *models.BillingRecord) error {
	s.rec = rec
	return nil
}

func (s *stubRepo) FindByOfficeID(ctx context.Context, officeID uuid.UUID) (*models.BillingRecord, error) {
	if s.rec == nil {
		return nil, nil
	}
	clone := *s.rec
	return &clone, nil
}

func (s *stubRepo) FindByStripeCustomerID(ctx context.Context, customerID string) (*models.BillingRecord, error) {
	return nil, nil
}

func (s *stubRepo) UpdateWithVersion(ctx context.Context, rec *models.BillingRecord, expectedUpdatedAt time.Time) error {
	clone := *rec
	s.rec = &clone
	return nil
}

func (s *stubRepo) ListTrialsExpiredWithoutSubscription(ctx context.Context, now time.Time, limit int) ([]models.BillingRecord, error) {
	return nil, nil
}

func (s *stubRepo) ListEarlyPaymentsPastTrialEnd(ctx context.Context, now time.Time, limit int) ([]models.BillingRecord, error) {
	return nil, nil
}

func (s *stubRepo) ListCancellationsPastDeadline(ctx context.Context, now time.Time, limit int) ([]models.BillingRecord, error) {
	return nil, nil
}

type stubDirectory struct {
	office *models.Office
}

func (s *stubDirectory) Get(ctx context.Context, id uuid.UUID) (*models.Office, error) {
	if s.office == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "office not found")
	}
	return s.office, nil
}

type stubGateway struct{}

func (s *stubGateway) CreateCustomer(ctx context.Context, input pkgstripe.CustomerInput) (string, error) {
	return "cus_test", nil
}

func (s *stubGateway) NewCheckoutSession(ctx context.Context, input pkgstripe.CheckoutSessionInput) (*pkgstripe.CheckoutSession, error) {
	return &pkgstripe.CheckoutSession{ID: "cs_test_1", URL: "https://checkout.stripe.com/cs_test_1"}, nil
}

func (s *stubGateway) NewPortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	return "https://billing.stripe.com/p/session", nil
}

func newBillingService(t *testing.T, repo billingsvc.Repository) *billingsvc.Service {
	t.Helper()
	svc, err := billingsvc.NewService(billingsvc.ServiceParams{
		Repo:   repo,
		Logger: logger.New(logger.Options{ServiceName: "test", Output: io.Discard}),
		Config: config.BillingConfig{TrialDays: 180, PlanAmount: 6000},
		Now:    func() time.Time { return testNow },
	})
	require.NoError(t, err)
	return svc
}

func freeRecord(officeID uuid.UUID) *models.BillingRecord {
	return &models.BillingRecord{
		ID:             uuid.New(),
		OfficeID:       officeID,
		Status:         enums.BillingStatusFree,
		TrialStartDate: testNow.AddDate(0, 0, -30),
		TrialEndDate:   testNow.AddDate(0, 0, 150),
		PlanAmount:     6000,
		UpdatedAt:      testNow.Add(-time.Hour),
	}
}

func withOfficeContext(req *http.Request, officeID uuid.UUID) *http.Request {
	return req.WithContext(middleware.WithOfficeID(req.Context(), officeID.String()))
}

func withRouteParam(req *http.Request, key, value string) *http.Request {
	routeCtx := chi.NewRouteContext()
	routeCtx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx))
}

func TestStatusReturnsSnapshot(t *testing.T) {
	officeID := uuid.New()
	repo := &stubRepo{rec: freeRecord(officeID)}
	handler := Status(newBillingService(t, repo), nil)

	req := withOfficeContext(httptest.NewRequest(http.MethodGet, "/api/v1/billing/status", nil), officeID)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var envelope struct {
		Data statusResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "free", envelope.Data.Status)
	assert.False(t, envelope.Data.CanAccessPaidFeatures)
	assert.False(t, envelope.Data.HasPaymentAccount)
	assert.Equal(t, 6000, envelope.Data.PlanAmount)
}

func TestStatusRequiresOfficeContext(t *testing.T) {
	handler := Status(newBillingService(t, &stubRepo{}), nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/billing/status", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func newCheckoutService(t *testing.T, repo billingsvc.Repository, office *models.Office) *checkout.Service {
	t.Helper()
	svc, err := checkout.NewService(checkout.ServiceParams{
		Billing: newBillingService(t, repo),
		Offices: &stubDirectory{office: office},
		Stripe:  &stubGateway{},
		Config:  &config.Config{App: config.AppConfig{FrontendURL: "https://app.caretrack.test"}},
		Logger:  logger.New(logger.Options{ServiceName: "test", Output: io.Discard}),
		Now:     func() time.Time { return testNow },
	})
	require.NoError(t, err)
	return svc
}

func TestCheckoutSessionReturnsRedirect(t *testing.T) {
	office := &models.Office{ID: uuid.New(), Name: "Kosumosu Care", ContactEmail: "billing@kosumosu.example.com"}
	repo := &stubRepo{rec: freeRecord(office.ID)}
	handler := CheckoutSession(newCheckoutService(t, repo, office), nil)

	req := withOfficeContext(httptest.NewRequest(http.MethodPost, "/api/v1/billing/checkout-session", nil), office.ID)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var envelope struct {
		Data checkoutSessionResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "cs_test_1", envelope.Data.SessionID)
	assert.NotEmpty(t, envelope.Data.URL)
}

func TestPortalSessionRequiresPaymentAccount(t *testing.T) {
	office := &models.Office{ID: uuid.New(), Name: "Kosumosu Care", ContactEmail: "billing@kosumosu.example.com"}
	repo := &stubRepo{rec: freeRecord(office.ID)}
	handler := PortalSession(newCheckoutService(t, repo, office), nil)

	req := withOfficeContext(httptest.NewRequest(http.MethodPost, "/api/v1/billing/portal-session", nil), office.ID)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestAdminForceTransitionRejectsUnknownStatus(t *testing.T) {
	officeID := uuid.New()
	repo := &stubRepo{rec: freeRecord(officeID)}
	handler := AdminForceTransition(newBillingService(t, repo), nil)

	body := []byte(`{"status":"super_premium"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/admin/v1/billing/"+officeID.String()+"/force-transition", bytes.NewReader(body))
	req = withRouteParam(req, "officeId", officeID.String())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminForceTransitionMovesRecord(t *testing.T) {
	officeID := uuid.New()
	repo := &stubRepo{rec: freeRecord(officeID)}
	handler := AdminForceTransition(newBillingService(t, repo), nil)

	body := []byte(`{"status":"past_due"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/admin/v1/billing/"+officeID.String()+"/force-transition", bytes.NewReader(body))
	req = withRouteParam(req, "officeId", officeID.String())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, enums.BillingStatusPastDue, repo.rec.Status)
}

func TestAdminResetTrialRestartsWindow(t *testing.T) {
	officeID := uuid.New()
	rec := freeRecord(officeID)
	rec.Status = enums.BillingStatusPastDue
	rec.TrialEndDate = testNow.AddDate(0, 0, -10)
	repo := &stubRepo{rec: rec}
	handler := AdminResetTrial(newBillingService(t, repo), nil)

	req := httptest.NewRequest(http.MethodPost, "/api/admin/v1/billing/"+officeID.String()+"/reset-trial", nil)
	req = withRouteParam(req, "officeId", officeID.String())
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, enums.BillingStatusFree, repo.rec.Status)
	assert.True(t, repo.rec.TrialEndDate.After(testNow))
}
