package offices

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/caretrackhq/caretrack-backend/internal/billing"
	"github.com/caretrackhq/caretrack-backend/pkg/config"
	"github.com/caretrackhq/caretrack-backend/pkg/db"
	"github.com/caretrackhq/caretrack-backend/pkg/db/models"
	pkgerrors "github.com/caretrackhq/caretrack-backend/pkg/errors"
	"github.com/caretrackhq/caretrack-backend/pkg/logger"
)

type stubOfficeRepo struct {
	offices   map[uuid.UUID]*models.Office
	createErr error
}

func newStubOfficeRepo() *stubOfficeRepo {
	return &stubOfficeRepo{offices: map[uuid.UUID]*models.Office{}}
}

func (s *stubOfficeRepo) WithTx(tx *gorm.DB) Repository { return s }

func (s *stubOfficeRepo) Create(ctx context.Context, office *models.Office) error {
	if s.createErr != nil {
		return s.createErr
	}
	office.ID = uuid.New()
	s.offices[office.ID] = office
	return nil
}

func (s *stubOfficeRepo) FindByID(ctx context.Context, id uuid.UUID) (*models.Office, error) {
	return s.offices[id], nil
}

func (s *stubOfficeRepo) List(ctx context.Context, limit int) ([]models.Office, error) {
	out := make([]models.Office, 0, len(s.offices))
	for _, office := range s.offices {
		out = append(out, *office)
	}
	return out, nil
}

type stubBillingRepo struct {
	created   []*models.BillingRecord
	createErr error
}

func (s *stubBillingRepo) WithTx(tx *gorm.DB) billing.Repository { return s }

func (s *stubBillingRepo) Create(ctx context.Context, rec *models.BillingRecord) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.created = append(s.created, rec)
	return nil
}

func (s *stubBillingRepo) FindByOfficeID(ctx context.Context, officeID uuid.UUID) (*models.BillingRecord, error) {
	return nil, nil
}

func (s *stubBillingRepo) FindByStripeCustomerID(ctx context.Context, customerID string) (*models.BillingRecord, error) {
	return nil, nil
}

func (s *stubBillingRepo) UpdateWithVersion(ctx context.Context, rec *models.BillingRecord, expectedUpdatedAt time.Time) error {
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

func newTestService(t *testing.T, officeRepo Repository, billingRepo billing.Repository) *Service {
	t.Helper()

	logg := logger.New(logger.Options{ServiceName: "test", Output: io.Discard})

	conn, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	billingSvc, err := billing.NewService(billing.ServiceParams{
		Repo:   billingRepo,
		Logger: logg,
		Config: config.BillingConfig{TrialDays: 180, PlanAmount: 6000},
	})
	require.NoError(t, err)

	svc, err := NewService(ServiceParams{
		Repo:    officeRepo,
		Billing: billingSvc,
		DB:      db.NewWithConn(conn),
		Logger:  logg,
	})
	require.NoError(t, err)
	return svc
}

func TestRegisterCreatesOfficeAndBillingRecord(t *testing.T) {
	officeRepo := newStubOfficeRepo()
	billingRepo := &stubBillingRepo{}
	svc := newTestService(t, officeRepo, billingRepo)

	office, rec, err := svc.Register(context.Background(), RegisterInput{
		Name:         "  Sakura Care Office ",
		ContactEmail: "admin@sakura.example",
		Prefecture:   "Tokyo",
	})
	require.NoError(t, err)

	assert.Equal(t, "Sakura Care Office", office.Name)
	require.Len(t, billingRepo.created, 1)
	assert.Equal(t, office.ID, rec.OfficeID)
	assert.Equal(t, 6000, rec.PlanAmount)
	assert.Equal(t, rec.TrialStartDate.AddDate(0, 0, 180), rec.TrialEndDate)
}

func TestRegisterRequiresName(t *testing.T) {
	svc := newTestService(t, newStubOfficeRepo(), &stubBillingRepo{})

	_, _, err := svc.Register(context.Background(), RegisterInput{Name: "   "})
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeValidation, pkgerrors.As(err).Code())
}

func TestRegisterRollsBackWhenBillingFails(t *testing.T) {
	officeRepo := newStubOfficeRepo()
	billingRepo := &stubBillingRepo{createErr: errors.New("insert failed")}
	svc := newTestService(t, officeRepo, billingRepo)

	_, _, err := svc.Register(context.Background(), RegisterInput{Name: "Aozora Office"})
	require.Error(t, err)
	assert.Empty(t, billingRepo.created)
}

func TestGetNotFound(t *testing.T) {
	svc := newTestService(t, newStubOfficeRepo(), &stubBillingRepo{})

	_, err := svc.Get(context.Background(), uuid.New())
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeNotFound, pkgerrors.As(err).Code())
}
