package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ProcessedEvent is the append-only dedup ledger for payment-processor
// webhooks. Existence of a row for EventID is the sole at-most-once signal;
// the unique constraint makes racing deliveries serialize in the database
// instead of a check-then-insert. Rows are never updated; retention pruning
// happens out of band.
type ProcessedEvent struct {
	ID        uuid.UUID       `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	EventID   string          `gorm:"column:event_id;not null;uniqueIndex"`
	EventKind string          `gorm:"column:event_kind;not null;index"`
	Source    string          `gorm:"column:source;not null;default:'stripe'"`
	BillingID *uuid.UUID      `gorm:"column:billing_id;type:uuid;index"`
	OfficeID  *uuid.UUID      `gorm:"column:office_id;type:uuid;index"`
	Payload   json.RawMessage `gorm:"column:payload"`

	ProcessedAt time.Time `gorm:"column:processed_at;not null;index"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}
