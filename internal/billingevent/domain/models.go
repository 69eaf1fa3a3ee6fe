// Package domain defines the durable webhook event ledger used for
// exactly-once processing.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var ErrEventAlreadyProcessed = errors.New("billing event already processed")

// EventRecord is one received provider event. The unique index on
// (provider, provider_event_id) is what enforces exactly-once semantics:
// the insert either lands or collides, never both.
type EventRecord struct {
	ID              snowflake.ID       `gorm:"primaryKey"`
	Provider        string             `gorm:"type:text;not null;uniqueIndex:ux_billing_events_provider_event"`
	ProviderEventID string             `gorm:"type:text;not null;uniqueIndex:ux_billing_events_provider_event"`
	EventType       string             `gorm:"type:text;not null"`
	Payload         datatypes.JSONMap  `gorm:"type:jsonb"`
	Outcome         string             `gorm:"type:text"`
	ReceivedAt      time.Time          `gorm:"not null"`
	ProcessedAt     *time.Time         `gorm:""`
}

// TableName sets the database table name.
func (EventRecord) TableName() string { return "billing_events" }

type Repository interface {
	// Insert claims the event. It returns inserted=false when another
	// delivery of the same event already holds the row.
	Insert(ctx context.Context, db *gorm.DB, rec *EventRecord) (inserted bool, err error)
	Find(ctx context.Context, db *gorm.DB, provider, providerEventID string) (*EventRecord, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, outcome string, processedAt time.Time) error
	// Delete releases a claim after a transient processing failure so the
	// provider's redelivery can retry.
	Delete(ctx context.Context, db *gorm.DB, id snowflake.ID) error
}
