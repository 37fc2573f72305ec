package offices

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/caretrackhq/caretrack-backend/internal/billing"
	"github.com/caretrackhq/caretrack-backend/pkg/db"
	"github.com/caretrackhq/caretrack-backend/pkg/db/models"
	apperrors "github.com/caretrackhq/caretrack-backend/pkg/errors"
	"github.com/caretrackhq/caretrack-backend/pkg/logger"
)

// ServiceParams groups dependencies for the office service.
type ServiceParams struct {
	Repo    Repository
	Billing *billing.Service
	DB      *db.Client
	Logger  *logger.Logger
}

// Service orchestrates office lifecycle operations.
type Service struct {
	repo    Repository
	billing *billing.Service
	db      *db.Client
	logg    *logger.Logger
}

// NewService builds an office service.
func NewService(params ServiceParams) (*Service, error) {
	if params.Repo == nil {
		return nil, errors.New("repo is required")
	}
	if params.Billing == nil {
		return nil, errors.New("billing service is required")
	}
	if params.DB == nil {
		return nil, errors.New("db client is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Service{
		repo:    params.Repo,
		billing: params.Billing,
		db:      params.DB,
		logg:    params.Logger,
	}, nil
}

// RegisterInput carries the fields needed to create an office.
type RegisterInput struct {
	Name         string
	ContactEmail string
	Prefecture   string
}

// Register creates the office and its free-trial billing record in one
// transaction, so no office ever exists without a billing state.
func (s *Service) Register(ctx context.Context, input RegisterInput) (*models.Office, *models.BillingRecord, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, nil, apperrors.New(apperrors.CodeValidation, "office name is required")
	}

	office := &models.Office{
		Name:         name,
		ContactEmail: strings.TrimSpace(input.ContactEmail),
		Prefecture:   strings.TrimSpace(input.Prefecture),
	}

	var rec *models.BillingRecord
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.repo.WithTx(tx).Create(ctx, office); err != nil {
			return fmt.Errorf("creating office: %w", err)
		}
		created, err := s.billing.CreateForOffice(ctx, tx, office.ID)
		if err != nil {
			return err
		}
		rec = created
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	s.logg.Info(s.logg.WithOfficeID(ctx, office.ID.String()), "office registered with trial billing record")
	return office, rec, nil
}

// Get returns the office or a not-found error.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Office, error) {
	office, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if office == nil {
		return nil, apperrors.New(apperrors.CodeNotFound, "office not found")
	}
	return office, nil
}

// List returns offices for operator tooling.
func (s *Service) List(ctx context.Context, limit int) ([]models.Office, error) {
	return s.repo.List(ctx, limit)
}
