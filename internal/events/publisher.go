package events

import (
	"context"
	"errors"
	"strings"

	"github.com/User159951/intellipm/internal/clock"
	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrMissingEventType = errors.New("missing_event_type")
	ErrMissingOrg       = errors.New("missing_org")
)

// Outbox enqueues domain events. Enqueue must run inside the same
// transaction as the business write that produced the event; use WithTrx to
// bind the publisher to that transaction.
type Outbox struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
}

func NewOutbox(db *gorm.DB, log *zap.Logger, genID *snowflake.Node, clk clock.Clock) *Outbox {
	return &Outbox{
		db:    db,
		log:   log.Named("events.outbox"),
		genID: genID,
		clock: clk,
	}
}

// WithTrx returns a publisher bound to the given transaction.
func (o *Outbox) WithTrx(tx *gorm.DB) *Outbox {
	if o == nil || tx == nil {
		return o
	}
	return &Outbox{db: tx, log: o.log, genID: o.genID, clock: o.clock}
}

// Enqueue stores the event for asynchronous delivery. Re-enqueueing with an
// idempotency key already present is a no-op.
func (o *Outbox) Enqueue(ctx context.Context, event Event) error {
	if strings.TrimSpace(event.Type) == "" {
		return ErrMissingEventType
	}
	if event.OrgID == 0 {
		return ErrMissingOrg
	}

	key := strings.TrimSpace(event.IdempotencyKey)
	if key == "" {
		key = uuid.NewString()
	}

	now := o.clock.Now()
	row := &OutboxMessage{
		ID:             o.genID.Generate(),
		OrgID:          event.OrgID,
		EventType:      event.Type,
		Payload:        datatypes.JSONMap(event.Payload),
		IdempotencyKey: key,
		NextAttemptAt:  now,
		CreatedAt:      now,
	}

	result := o.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(row)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		o.log.Debug("outbox enqueue deduplicated",
			zap.String("event_type", event.Type),
			zap.String("idempotency_key", key),
		)
	}
	return nil
}
