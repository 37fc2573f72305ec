package models

import (
	"time"

	"github.com/google/uuid"
)

// Office is a registered welfare-services office. Each office owns exactly
// one BillingRecord, created during registration.
type Office struct {
	ID           uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	Name         string    `gorm:"column:name;not null"`
	ContactEmail string    `gorm:"column:contact_email;not null"`
	Prefecture   string    `gorm:"column:prefecture"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
