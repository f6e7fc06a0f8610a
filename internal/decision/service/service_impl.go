package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/User159951/intellipm/internal/clock"
	"github.com/User159951/intellipm/internal/config"
	decisiondomain "github.com/User159951/intellipm/internal/decision/domain"
	"github.com/User159951/intellipm/internal/events"
	obsmetrics "github.com/User159951/intellipm/internal/observability/metrics"
	"github.com/User159951/intellipm/internal/orgcontext"
	"github.com/User159951/intellipm/internal/redact"
	"github.com/User159951/intellipm/pkg/db/option"
	"github.com/User159951/intellipm/pkg/db/pagination"
	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Cfg     config.Config
	Outbox  *events.Outbox      `optional:"true"`
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	outbox  *events.Outbox
	metrics *obsmetrics.Metrics

	expiryWindow time.Duration
}

func NewService(p ServiceParam) decisiondomain.Service {
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("decision.service"),
		genID:        p.GenID,
		clock:        p.Clock,
		outbox:       p.Outbox,
		metrics:      p.Metrics,
		expiryWindow: p.Cfg.Governance.ApprovalExpiryWindow,
	}
}

// Record writes the audit row, redacting payloads first. A persistence
// failure is logged and reported as a zero id; it never propagates to the
// caller.
func (s *Service) Record(ctx context.Context, req decisiondomain.RecordRequest) snowflake.ID {
	id, err := s.record(ctx, req)
	if err != nil {
		s.log.Error("decision log write failed",
			zap.String("decision_type", req.DecisionType),
			zap.String("agent_type", req.AgentType),
			zap.Error(err),
		)
		return 0
	}
	return id
}

func (s *Service) record(ctx context.Context, req decisiondomain.RecordRequest) (snowflake.ID, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return 0, errors.New("missing organization in context")
	}
	if req.DecisionType == "" || req.AgentType == "" {
		return 0, errors.New("missing decision or agent type")
	}

	now := s.clock.Now()
	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = ulid.Make().String()
	}

	row := &decisiondomain.AIDecisionLog{
		ID:               s.genID.Generate(),
		OrgID:            orgID,
		UserID:           req.UserID,
		AgentType:        req.AgentType,
		DecisionType:     req.DecisionType,
		EntityType:       req.EntityType,
		EntityID:         redact.String(req.EntityID),
		InputContext:     datatypes.JSONMap(redact.Map(req.InputContext)),
		OutputData:       datatypes.JSONMap(redact.Map(req.OutputData)),
		ModelName:        req.ModelName,
		PromptTokens:     req.PromptTokens,
		CompletionTokens: req.CompletionTokens,
		ConfidenceScore:  req.ConfidenceScore,
		CostUSD:          req.CostUSD,
		RequiresApproval: req.RequiresApproval,
		CorrelationID:    correlationID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	switch {
	case req.Denied:
		reason := redact.String(req.DeniedReason)
		row.Status = decisiondomain.StatusRejected
		row.RejectionReason = &reason
	case req.RequiresApproval:
		expiresAt := now.Add(s.expiryWindow)
		row.Status = decisiondomain.StatusPending
		row.ExpiresAt = &expiresAt
	default:
		row.Status = decisiondomain.StatusApplied
		row.AppliedAt = &now
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(row).Error; err != nil {
			return err
		}
		if row.Status == decisiondomain.StatusPending {
			return s.enqueueDecisionEvent(ctx, s.outbox.WithTrx(tx), events.EventDecisionPendingApproval, row)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return row.ID, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*decisiondomain.AIDecisionLog, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, decisiondomain.ErrDecisionNotFound
	}

	var row decisiondomain.AIDecisionLog
	err := s.db.WithContext(ctx).
		Where("id = ? AND org_id = ?", id, orgID).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, decisiondomain.ErrDecisionNotFound
		}
		return nil, err
	}
	return &row, nil
}

func (s *Service) List(
	ctx context.Context,
	filter decisiondomain.ListFilter,
	p pagination.Pagination,
) ([]decisiondomain.AIDecisionLog, *pagination.PageInfo, error) {

	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, nil, decisiondomain.ErrDecisionNotFound
	}

	size := p.PageSize
	if size <= 0 {
		size = 10
	}

	query := s.db.WithContext(ctx).
		Model(&decisiondomain.AIDecisionLog{}).
		Where("org_id = ?", orgID).
		Order("created_at DESC").
		Order("id DESC")
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.AgentType != "" {
		query = query.Where("agent_type = ?", filter.AgentType)
	}
	if filter.DecisionType != "" {
		query = query.Where("decision_type = ?", filter.DecisionType)
	}
	query = option.ApplyPagination(p).Apply(query)

	var rows []*decisiondomain.AIDecisionLog
	if err := query.Find(&rows).Error; err != nil {
		return nil, nil, err
	}

	pageInfo := pagination.BuildCursorPageInfo(rows, int32(size), func(row *decisiondomain.AIDecisionLog) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        row.ID.String(),
			CreatedAt: row.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})

	if len(rows) > size {
		rows = rows[:size]
	}
	out := make([]decisiondomain.AIDecisionLog, 0, len(rows))
	for _, row := range rows {
		out = append(out, *row)
	}
	return out, pageInfo, nil
}

// Approve transitions Pending to Approved. The status condition makes the
// update a compare-and-set: a concurrent expiry sweep or rejection wins the
// race cleanly and this call reports InvalidTransition.
func (s *Service) Approve(ctx context.Context, id, approverID snowflake.ID) error {
	if approverID == 0 {
		return decisiondomain.ErrMissingApprover
	}

	now := s.clock.Now()
	res := s.db.WithContext(ctx).
		Model(&decisiondomain.AIDecisionLog{}).
		Where("id = ? AND status = ?", id, decisiondomain.StatusPending).
		Updates(map[string]any{
			"status":      decisiondomain.StatusApproved,
			"approved_by": approverID,
			"approved_at": now,
			"updated_at":  now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return s.transitionConflict(ctx, id, decisiondomain.StatusApproved)
	}

	s.metrics.IncDecisionTransition(string(decisiondomain.StatusApproved))
	s.log.Info("decision approved",
		zap.String("decision_id", id.String()),
		zap.String("approver_id", approverID.String()),
	)
	return nil
}

func (s *Service) Reject(ctx context.Context, id, approverID snowflake.ID, reason string) error {
	if approverID == 0 {
		return decisiondomain.ErrMissingApprover
	}
	if reason == "" {
		return decisiondomain.ErrMissingReason
	}

	now := s.clock.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.
			Model(&decisiondomain.AIDecisionLog{}).
			Where("id = ? AND status = ?", id, decisiondomain.StatusPending).
			Updates(map[string]any{
				"status":           decisiondomain.StatusRejected,
				"rejection_reason": redact.String(reason),
				"approved_by":      approverID,
				"approved_at":      now,
				"updated_at":       now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return s.transitionConflict(ctx, id, decisiondomain.StatusRejected)
		}

		var row decisiondomain.AIDecisionLog
		if err := tx.First(&row, "id = ?", id).Error; err != nil {
			return err
		}
		return s.enqueueDecisionEvent(ctx, s.outbox.WithTrx(tx), events.EventDecisionRejected, &row)
	})
	if err != nil {
		return err
	}

	s.metrics.IncDecisionTransition(string(decisiondomain.StatusRejected))
	s.log.Info("decision rejected", zap.String("decision_id", id.String()))
	return nil
}

// Apply executes the deferred action for an approved decision. Execution is
// guarded fail-fast: a decision in any other state never runs the action.
// On action failure the row stays Approved so the caller can retry without
// another approval round.
func (s *Service) Apply(ctx context.Context, id snowflake.ID, action func(context.Context) error) error {
	orgID, _ := orgcontext.OrgIDFromContext(ctx)

	var row decisiondomain.AIDecisionLog
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return decisiondomain.ErrDecisionNotFound
		}
		return err
	}
	if orgID != 0 && row.OrgID != orgID {
		return decisiondomain.ErrDecisionNotFound
	}
	if row.Status != decisiondomain.StatusApproved {
		return &decisiondomain.DecisionNotApprovedError{
			DecisionID:   row.ID,
			DecisionType: row.DecisionType,
			Status:       row.Status,
			OrgID:        row.OrgID,
		}
	}

	if err := action(ctx); err != nil {
		s.log.Warn("decision action failed; decision stays approved",
			zap.String("decision_id", id.String()),
			zap.Error(err),
		)
		return fmt.Errorf("apply decision %s: %w", id, err)
	}

	now := s.clock.Now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.
			Model(&decisiondomain.AIDecisionLog{}).
			Where("id = ? AND status = ?", id, decisiondomain.StatusApproved).
			Updates(map[string]any{
				"status":     decisiondomain.StatusApplied,
				"applied_at": now,
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return s.transitionConflict(ctx, id, decisiondomain.StatusApplied)
		}

		row.Status = decisiondomain.StatusApplied
		return s.enqueueDecisionEvent(ctx, s.outbox.WithTrx(tx), events.EventDecisionApplied, &row)
	})
	if err != nil {
		return err
	}

	s.metrics.IncDecisionTransition(string(decisiondomain.StatusApplied))
	return nil
}

// ExpirePending sweeps overdue Pending decisions to Expired. Each row is a
// compare-and-set, so concurrent sweepers (or a racing approve) settle on
// exactly one winner per row.
func (s *Service) ExpirePending(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	now := s.clock.Now()

	var ids []snowflake.ID
	err := s.db.WithContext(ctx).
		Model(&decisiondomain.AIDecisionLog{}).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at <= ?", decisiondomain.StatusPending, now).
		Limit(batchSize).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, id := range ids {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res := tx.
				Model(&decisiondomain.AIDecisionLog{}).
				Where("id = ? AND status = ?", id, decisiondomain.StatusPending).
				Updates(map[string]any{
					"status":     decisiondomain.StatusExpired,
					"updated_at": now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				// Approved, rejected, or expired by someone else since the
				// candidate scan. Nothing to do.
				return nil
			}

			var row decisiondomain.AIDecisionLog
			if err := tx.First(&row, "id = ?", id).Error; err != nil {
				return err
			}
			expired++
			return s.enqueueDecisionEvent(ctx, s.outbox.WithTrx(tx), events.EventDecisionExpired, &row)
		})
		if err != nil {
			return expired, err
		}
	}

	if expired > 0 {
		s.log.Info("expired pending decisions", zap.Int("count", expired))
		for i := 0; i < expired; i++ {
			s.metrics.IncDecisionTransition(string(decisiondomain.StatusExpired))
		}
	}
	return expired, nil
}

func (s *Service) transitionConflict(ctx context.Context, id snowflake.ID, to decisiondomain.Status) error {
	var row decisiondomain.AIDecisionLog
	err := s.db.WithContext(ctx).Select("status").First(&row, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return decisiondomain.ErrDecisionNotFound
		}
		return err
	}
	return &decisiondomain.InvalidTransitionError{
		DecisionID: id,
		From:       row.Status,
		To:         to,
	}
}

func (s *Service) enqueueDecisionEvent(
	ctx context.Context,
	outbox *events.Outbox,
	eventType string,
	row *decisiondomain.AIDecisionLog,
) error {
	if outbox == nil {
		return nil
	}
	payload := events.DecisionPayload{
		DecisionID:    row.ID.String(),
		OrgID:         row.OrgID.String(),
		DecisionType:  row.DecisionType,
		AgentType:     row.AgentType,
		Status:        string(row.Status),
		CorrelationID: row.CorrelationID,
	}
	return outbox.Enqueue(ctx, events.Event{
		OrgID:          row.OrgID,
		Type:           eventType,
		Payload:        payload.ToMap(),
		IdempotencyKey: fmt.Sprintf("%s:%s", eventType, row.ID),
	})
}
