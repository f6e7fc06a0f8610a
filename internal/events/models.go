package events

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// OutboxMessage is a pending event row. It is created transactionally with
// the business write it represents and deleted once dispatched.
type OutboxMessage struct {
	ID             snowflake.ID      `json:"id" gorm:"primaryKey"`
	OrgID          snowflake.ID      `json:"organization_id" gorm:"not null;index"`
	EventType      string            `json:"event_type" gorm:"type:text;not null"`
	Payload        datatypes.JSONMap `json:"payload" gorm:"type:jsonb;not null"`
	IdempotencyKey string            `json:"idempotency_key" gorm:"type:text;not null;uniqueIndex:ux_outbox_idempotency"`
	Attempts       int               `json:"attempts" gorm:"not null;default:0"`
	NextAttemptAt  time.Time         `json:"next_attempt_at" gorm:"not null;index"`
	LockedBy       *string           `json:"locked_by,omitempty" gorm:"type:text"`
	LockedAt       *time.Time        `json:"locked_at,omitempty" gorm:""`
	LastError      *string           `json:"last_error,omitempty" gorm:"type:text"`
	CreatedAt      time.Time         `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (OutboxMessage) TableName() string { return "outbox_messages" }

// DeadLetterMessage quarantines a message whose delivery retries are
// exhausted. Deleted on operator requeue or explicit discard.
type DeadLetterMessage struct {
	ID                 snowflake.ID      `json:"id" gorm:"primaryKey"`
	MessageID          snowflake.ID      `json:"message_id" gorm:"not null;index"`
	OrgID              snowflake.ID      `json:"organization_id" gorm:"not null;index"`
	EventType          string            `json:"event_type" gorm:"type:text;not null"`
	Payload            datatypes.JSONMap `json:"payload" gorm:"type:jsonb;not null"`
	IdempotencyKey     string            `json:"idempotency_key" gorm:"type:text;not null"`
	TotalRetryAttempts int               `json:"total_retry_attempts" gorm:"not null"`
	LastError          string            `json:"last_error" gorm:"type:text;not null"`
	MovedToDlqAt       time.Time         `json:"moved_to_dlq_at" gorm:"not null"`
	CreatedAt          time.Time         `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (DeadLetterMessage) TableName() string { return "dead_letter_messages" }
