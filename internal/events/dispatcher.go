package events

import (
	"context"
	"errors"
	"time"

	"github.com/User159951/intellipm/internal/clock"
	obsmetrics "github.com/User159951/intellipm/internal/observability/metrics"
	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DispatcherConfig bounds the delivery retry loop.
type DispatcherConfig struct {
	BatchSize       int
	MaxAttempts     int
	LeaseTTL        time.Duration
	DeliveryTimeout time.Duration
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = time.Minute
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 10 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 30 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 15 * time.Minute
	}
	return c
}

// Dispatcher drains the outbox. A message is at-most-once in flight (per-row
// lease) but at-least-once overall across retries.
type Dispatcher struct {
	db       *gorm.DB
	log      *zap.Logger
	cfg      DispatcherConfig
	genID    *snowflake.Node
	clock    clock.Clock
	registry *Registry
	metrics  *obsmetrics.Metrics
	workerID string
}

func NewDispatcher(
	db *gorm.DB,
	log *zap.Logger,
	cfg DispatcherConfig,
	genID *snowflake.Node,
	clk clock.Clock,
	registry *Registry,
	metrics *obsmetrics.Metrics,
) *Dispatcher {
	return &Dispatcher{
		db:       db,
		log:      log.Named("events.dispatcher"),
		cfg:      cfg.withDefaults(),
		genID:    genID,
		clock:    clk,
		registry: registry,
		metrics:  metrics,
		workerID: uuid.NewString(),
	}
}

// RunOnce claims one batch of due messages and dispatches them. Returns the
// number of messages processed.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	rows, err := d.claim(ctx)
	if err != nil {
		return 0, err
	}

	for _, row := range rows {
		if ctx.Err() != nil {
			d.release(context.WithoutCancel(ctx), row, row.Attempts, d.clock.Now(), nil)
			continue
		}
		d.dispatchOne(ctx, row)
	}

	d.observeDepth(ctx)
	return len(rows), nil
}

// claim leases due rows so no other dispatcher instance picks them up while
// delivery is in flight. Stale leases (crashed worker) are reclaimed after
// LeaseTTL.
func (d *Dispatcher) claim(ctx context.Context) ([]*OutboxMessage, error) {
	now := d.clock.Now()
	staleBefore := now.Add(-d.cfg.LeaseTTL)

	var candidateIDs []int64
	err := d.db.WithContext(ctx).
		Model(&OutboxMessage{}).
		Where("next_attempt_at <= ? AND (locked_at IS NULL OR locked_at < ?)", now, staleBefore).
		Order("created_at, id").
		Limit(d.cfg.BatchSize).
		Pluck("id", &candidateIDs).Error
	if err != nil {
		return nil, err
	}

	claimed := make([]*OutboxMessage, 0, len(candidateIDs))
	for _, id := range candidateIDs {
		res := d.db.WithContext(ctx).
			Model(&OutboxMessage{}).
			Where("id = ? AND (locked_at IS NULL OR locked_at < ?)", id, staleBefore).
			Updates(map[string]any{"locked_by": d.workerID, "locked_at": now})
		if res.Error != nil {
			return claimed, res.Error
		}
		if res.RowsAffected == 0 {
			continue // another worker won the lease
		}

		var row OutboxMessage
		if err := d.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				continue
			}
			return claimed, err
		}
		claimed = append(claimed, &row)
	}
	return claimed, nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, row *OutboxMessage) {
	start := time.Now()
	deliverErr := d.deliver(ctx, row)
	d.metrics.ObserveDispatchDuration(time.Since(start).Seconds())

	if deliverErr == nil {
		if err := d.db.WithContext(ctx).
			Where("id = ? AND locked_by = ?", row.ID, d.workerID).
			Delete(&OutboxMessage{}).Error; err != nil {
			// The delivery happened; the row will be redelivered after the
			// lease expires. Consumers dedupe on message id.
			d.log.Warn("failed to delete dispatched outbox row",
				zap.String("message_id", row.ID.String()),
				zap.Error(err),
			)
		}
		d.metrics.IncDispatch("success")
		return
	}

	attempts := row.Attempts + 1
	if attempts >= d.cfg.MaxAttempts {
		if err := d.moveToDeadLetter(ctx, row, attempts, deliverErr); err != nil {
			d.log.Error("failed to quarantine outbox message",
				zap.String("message_id", row.ID.String()),
				zap.Error(err),
			)
			return
		}
		d.metrics.IncDispatch("dead_letter")
		d.log.Warn("outbox message moved to dead letter store",
			zap.String("message_id", row.ID.String()),
			zap.String("event_type", row.EventType),
			zap.Int("attempts", attempts),
			zap.Error(deliverErr),
		)
		return
	}

	next := d.clock.Now().Add(d.retryDelay(attempts))
	d.release(ctx, row, attempts, next, deliverErr)
	d.metrics.IncDispatch("retry")
}

func (d *Dispatcher) deliver(ctx context.Context, row *OutboxMessage) error {
	handler, err := d.registry.Lookup(row.EventType)
	if err != nil {
		return err
	}

	deliveryCtx, cancel := context.WithTimeout(ctx, d.cfg.DeliveryTimeout)
	defer cancel()

	return handler(deliveryCtx, Delivery{
		MessageID:      row.ID.String(),
		OrgID:          row.OrgID.String(),
		EventType:      row.EventType,
		Payload:        map[string]any(row.Payload),
		IdempotencyKey: row.IdempotencyKey,
		Attempt:        row.Attempts + 1,
	})
}

// release schedules the next attempt and drops the lease.
func (d *Dispatcher) release(ctx context.Context, row *OutboxMessage, attempts int, next time.Time, cause error) {
	updates := map[string]any{
		"attempts":        attempts,
		"next_attempt_at": next,
		"locked_by":       nil,
		"locked_at":       nil,
	}
	if cause != nil {
		updates["last_error"] = cause.Error()
	}
	if err := d.db.WithContext(ctx).
		Model(&OutboxMessage{}).
		Where("id = ? AND locked_by = ?", row.ID, d.workerID).
		Updates(updates).Error; err != nil {
		d.log.Warn("failed to release outbox lease",
			zap.String("message_id", row.ID.String()),
			zap.Error(err),
		)
	}
}

// moveToDeadLetter performs the quarantine transition atomically: the DLQ
// insert and the outbox delete either both commit or neither does.
func (d *Dispatcher) moveToDeadLetter(ctx context.Context, row *OutboxMessage, attempts int, cause error) error {
	now := d.clock.Now()
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dlq := &DeadLetterMessage{
			ID:                 d.genID.Generate(),
			MessageID:          row.ID,
			OrgID:              row.OrgID,
			EventType:          row.EventType,
			Payload:            row.Payload,
			IdempotencyKey:     row.IdempotencyKey,
			TotalRetryAttempts: attempts,
			LastError:          cause.Error(),
			MovedToDlqAt:       now,
			CreatedAt:          now,
		}
		if err := tx.Create(dlq).Error; err != nil {
			return err
		}

		res := tx.Where("id = ? AND locked_by = ?", row.ID, d.workerID).Delete(&OutboxMessage{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errors.New("outbox row no longer owned by this worker")
		}
		return nil
	})
}

// retryDelay grows exponentially with jitter so dispatcher instances do not
// hammer a failing consumer in lockstep.
func (d *Dispatcher) retryDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.InitialBackoff
	b.MaxInterval = d.cfg.MaxBackoff
	b.MaxElapsedTime = 0

	delay := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func (d *Dispatcher) observeDepth(ctx context.Context) {
	var pending, quarantined int64
	if err := d.db.WithContext(ctx).Model(&OutboxMessage{}).Count(&pending).Error; err == nil {
		d.metrics.SetOutboxDepth(float64(pending))
	}
	if err := d.db.WithContext(ctx).Model(&DeadLetterMessage{}).Count(&quarantined).Error; err == nil {
		d.metrics.SetDLQDepth(float64(quarantined))
	}
}
