package events

import (
	"context"
	"errors"
	"time"

	"github.com/User159951/intellipm/internal/clock"
	"github.com/User159951/intellipm/pkg/db/pagination"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrDeadLetterNotFound = errors.New("dead_letter_not_found")

// DeadLetterService is the administrative surface over quarantined messages.
type DeadLetterService struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
}

func NewDeadLetterService(db *gorm.DB, log *zap.Logger, genID *snowflake.Node, clk clock.Clock) *DeadLetterService {
	return &DeadLetterService{
		db:    db,
		log:   log.Named("events.dlq"),
		genID: genID,
		clock: clk,
	}
}

type ListDeadLettersRequest struct {
	OrgID     snowflake.ID
	EventType string
	PageToken string
	PageSize  int32
}

type ListDeadLettersResponse struct {
	pagination.PageInfo
	DeadLetters []DeadLetterMessage `json:"dead_letters"`
}

func (s *DeadLetterService) List(ctx context.Context, req ListDeadLettersRequest) (ListDeadLettersResponse, error) {
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	query := s.db.WithContext(ctx).Model(&DeadLetterMessage{})
	if req.OrgID != 0 {
		query = query.Where("org_id = ?", req.OrgID)
	}
	if req.EventType != "" {
		query = query.Where("event_type = ?", req.EventType)
	}
	if req.PageToken != "" {
		cursor, err := pagination.DecodeCursor(req.PageToken)
		if err == nil && cursor != nil && cursor.CreatedAt != "" {
			query = query.Where("(moved_to_dlq_at, id) < (?, ?)", cursor.CreatedAt, cursor.ID)
		}
	}

	var items []*DeadLetterMessage
	if err := query.
		Order("moved_to_dlq_at DESC, id DESC").
		Limit(int(pageSize) + 1).
		Find(&items).Error; err != nil {
		return ListDeadLettersResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(row *DeadLetterMessage) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        row.ID.String(),
			CreatedAt: row.MovedToDlqAt.Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo != nil && pageInfo.HasMore && len(items) > int(pageSize) {
		items = items[:pageSize]
	}

	rows := make([]DeadLetterMessage, 0, len(items))
	for _, item := range items {
		rows = append(rows, *item)
	}

	resp := ListDeadLettersResponse{DeadLetters: rows}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}

// Retry requeues a quarantined message: a fresh outbox row is created with
// the original idempotency key and the dead-letter row is removed, in one
// transaction.
func (s *DeadLetterService) Retry(ctx context.Context, dlqID snowflake.ID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row DeadLetterMessage
		if err := tx.First(&row, "id = ?", dlqID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrDeadLetterNotFound
			}
			return err
		}

		now := s.clock.Now()
		requeued := &OutboxMessage{
			ID:             s.genID.Generate(),
			OrgID:          row.OrgID,
			EventType:      row.EventType,
			Payload:        row.Payload,
			IdempotencyKey: row.IdempotencyKey,
			NextAttemptAt:  now,
			CreatedAt:      now,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).Create(requeued).Error; err != nil {
			return err
		}

		if err := tx.Where("id = ?", dlqID).Delete(&DeadLetterMessage{}).Error; err != nil {
			return err
		}

		s.log.Info("dead letter requeued",
			zap.String("dlq_id", dlqID.String()),
			zap.String("event_type", row.EventType),
		)
		return nil
	})
}

// Discard permanently deletes a quarantined message.
func (s *DeadLetterService) Discard(ctx context.Context, dlqID snowflake.ID) error {
	res := s.db.WithContext(ctx).Where("id = ?", dlqID).Delete(&DeadLetterMessage{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrDeadLetterNotFound
	}
	return nil
}
