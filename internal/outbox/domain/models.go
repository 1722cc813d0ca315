// Package domain contains the transactional outbox model. Aggregate events
// are staged here inside the same transaction as the state change and only
// dispatched to listeners after commit.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/faktur/internal/event"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// OutboxEvent is a staged domain event awaiting dispatch.
type OutboxEvent struct {
	ID            snowflake.ID      `gorm:"primaryKey"`
	EventID       string            `gorm:"type:text;not null;uniqueIndex:ux_outbox_event_id"`
	EventType     string            `gorm:"type:text;not null;index"`
	AggregateType string            `gorm:"type:text;not null"`
	AggregateID   string            `gorm:"type:text;not null;index"`
	Payload       datatypes.JSONMap `gorm:"type:jsonb;not null"`
	Published     bool              `gorm:"not null;default:false;index"`
	PublishedAt   *time.Time        `gorm:""`
	OccurredAt    time.Time         `gorm:"not null"`
	CreatedAt     time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (OutboxEvent) TableName() string { return "outbox_events" }

// Listener consumes a dispatched event. A returned error leaves the row
// unpublished so the next dispatch run retries it.
type Listener func(ctx context.Context, evt OutboxEvent) error

type Service interface {
	// Stage inserts events within the caller's transaction.
	Stage(ctx context.Context, tx *gorm.DB, aggregateType, aggregateID string, events []event.Event) error
	// DispatchPending delivers committed, unpublished events to listeners
	// and returns how many were published.
	DispatchPending(ctx context.Context, batchSize int) (int, error)
	Subscribe(listener Listener)
}

var (
	ErrNilTransaction = errors.New("nil_transaction")
)
