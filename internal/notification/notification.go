// Package notification turns governance events into an in-app feed for
// organization admins. It is the default consumer of the outbox; external
// channels (email, webhooks) subscribe through the same registry.
package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/User159951/intellipm/internal/clock"
	"github.com/User159951/intellipm/internal/events"
	"github.com/User159951/intellipm/pkg/db/pagination"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Notification is one feed entry. DedupeKey carries the event's idempotency
// key so at-least-once delivery never produces duplicate entries.
type Notification struct {
	ID        snowflake.ID      `json:"id" gorm:"primaryKey"`
	OrgID     snowflake.ID      `json:"organization_id" gorm:"not null;index"`
	EventType string            `json:"event_type" gorm:"type:text;not null"`
	Title     string            `json:"title" gorm:"type:text;not null"`
	Payload   datatypes.JSONMap `json:"payload,omitempty" gorm:"type:jsonb"`
	DedupeKey string            `json:"-" gorm:"type:text;not null;uniqueIndex:ux_notification_dedupe"`
	ReadAt    *time.Time        `json:"read_at,omitempty" gorm:""`
	CreatedAt time.Time         `json:"created_at" gorm:"not null;index;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Notification) TableName() string { return "notifications" }

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
}

func NewService(db *gorm.DB, log *zap.Logger, genID *snowflake.Node, clk clock.Clock) *Service {
	return &Service{
		db:    db,
		log:   log.Named("notification"),
		genID: genID,
		clock: clk,
	}
}

// RegisterConsumers subscribes the feed to every governance event type.
func (s *Service) RegisterConsumers(registry *events.Registry) {
	for _, eventType := range []string{
		events.EventQuotaExceeded,
		events.EventQuotaOverage,
		events.EventDecisionPendingApproval,
		events.EventDecisionExpired,
		events.EventDecisionApplied,
		events.EventDecisionRejected,
	} {
		registry.Register(eventType, s.consume)
	}
}

func (s *Service) consume(ctx context.Context, d events.Delivery) error {
	orgID, err := snowflake.ParseString(d.OrgID)
	if err != nil {
		return fmt.Errorf("notification consumer: bad org id %q: %w", d.OrgID, err)
	}

	row := &Notification{
		ID:        s.genID.Generate(),
		OrgID:     orgID,
		EventType: d.EventType,
		Title:     titleFor(d),
		Payload:   datatypes.JSONMap(d.Payload),
		DedupeKey: d.IdempotencyKey,
		CreatedAt: s.clock.Now(),
	}

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "dedupe_key"}},
		DoNothing: true,
	}).Create(row)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		s.log.Debug("duplicate delivery ignored", zap.String("dedupe_key", d.IdempotencyKey))
	}
	return nil
}

func titleFor(d events.Delivery) string {
	switch d.EventType {
	case events.EventQuotaExceeded:
		return fmt.Sprintf("%v quota limit reached", d.Payload["quota_type"])
	case events.EventQuotaOverage:
		return fmt.Sprintf("%v usage is over the included limit", d.Payload["quota_type"])
	case events.EventDecisionPendingApproval:
		return fmt.Sprintf("AI decision %v awaits approval", d.Payload["decision_type"])
	case events.EventDecisionExpired:
		return fmt.Sprintf("AI decision %v expired without review", d.Payload["decision_type"])
	case events.EventDecisionApplied:
		return fmt.Sprintf("AI decision %v was applied", d.Payload["decision_type"])
	case events.EventDecisionRejected:
		return fmt.Sprintf("AI decision %v was rejected", d.Payload["decision_type"])
	default:
		return d.EventType
	}
}

type ListRequest struct {
	OrgID      snowflake.ID
	UnreadOnly bool
	PageToken  string
	PageSize   int32
}

type ListResponse struct {
	pagination.PageInfo
	Notifications []Notification `json:"notifications"`
}

func (s *Service) List(ctx context.Context, req ListRequest) (ListResponse, error) {
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	query := s.db.WithContext(ctx).Model(&Notification{}).Where("org_id = ?", req.OrgID)
	if req.UnreadOnly {
		query = query.Where("read_at IS NULL")
	}
	if req.PageToken != "" {
		cursor, err := pagination.DecodeCursor(req.PageToken)
		if err == nil && cursor != nil && cursor.CreatedAt != "" {
			if at, perr := time.Parse(time.RFC3339Nano, cursor.CreatedAt); perr == nil {
				query = query.Where("(created_at, id) < (?, ?)", at, cursor.ID)
			}
		}
	}

	var items []*Notification
	if err := query.
		Order("created_at DESC, id DESC").
		Limit(int(pageSize) + 1).
		Find(&items).Error; err != nil {
		return ListResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(row *Notification) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        row.ID.String(),
			CreatedAt: row.CreatedAt.Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo != nil && pageInfo.HasMore && len(items) > int(pageSize) {
		items = items[:pageSize]
	}

	rows := make([]Notification, 0, len(items))
	for _, item := range items {
		rows = append(rows, *item)
	}

	resp := ListResponse{Notifications: rows}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}

// MarkRead stamps a single entry. Idempotent.
func (s *Service) MarkRead(ctx context.Context, orgID, id snowflake.ID) error {
	res := s.db.WithContext(ctx).Model(&Notification{}).
		Where("id = ? AND org_id = ? AND read_at IS NULL", id, orgID).
		Update("read_at", s.clock.Now())
	return res.Error
}
