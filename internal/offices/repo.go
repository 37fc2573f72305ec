package offices

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/caretrackhq/caretrack-backend/pkg/db/models"
)

// Repository handles office persistence.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, office *models.Office) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Office, error)
	List(ctx context.Context, limit int) ([]models.Office, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns an office repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, office *models.Office) error {
	return r.db.WithContext(ctx).Create(office).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Office, error) {
	var office models.Office
	if err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&office).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &office, nil
}

func (r *repository) List(ctx context.Context, limit int) ([]models.Office, error) {
	if limit <= 0 {
		limit = 100
	}
	var offices []models.Office
	if err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&offices).Error; err != nil {
		return nil, err
	}
	return offices, nil
}
