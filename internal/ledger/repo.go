package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/caretrackhq/caretrack-backend/pkg/db/models"
)

// ErrDuplicateEvent signals the event id was already recorded; the delivery
// is a replay and its side effects must be skipped.
var ErrDuplicateEvent = errors.New("event already processed")

const pgUniqueViolation = "23505"

// Repository manages the processed-event dedup ledger.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	// Create inserts the ledger row, returning ErrDuplicateEvent when the
	// event id is already present. Inserting in the same transaction as the
	// billing mutation is what makes processing exactly-once.
	Create(ctx context.Context, event *models.ProcessedEvent) error
	Exists(ctx context.Context, eventID string) (bool, error)
	ListByOfficeID(ctx context.Context, officeID uuid.UUID, limit int) ([]models.ProcessedEvent, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a ledger repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, event *models.ProcessedEvent) error {
	if event.ProcessedAt.IsZero() {
		event.ProcessedAt = time.Now().UTC()
	}
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEvent
		}
		return err
	}
	return nil
}

func (r *repository) Exists(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, nil
	}
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.ProcessedEvent{}).
		Where("event_id = ?", eventID).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *repository) ListByOfficeID(ctx context.Context, officeID uuid.UUID, limit int) ([]models.ProcessedEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var events []models.ProcessedEvent
	if err := r.db.WithContext(ctx).
		Where("office_id = ?", officeID).
		Order("processed_at DESC").
		Limit(limit).
		Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
