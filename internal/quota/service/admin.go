package service

import (
	"context"
	"errors"
	"strings"

	"github.com/User159951/intellipm/internal/orgcontext"
	quotadomain "github.com/User159951/intellipm/internal/quota/domain"
	"github.com/User159951/intellipm/pkg/db"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (s *Service) CreateTier(ctx context.Context, req quotadomain.CreateTierRequest) (*quotadomain.QuotaTier, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, quotadomain.ErrInvalidTier
	}

	tier := &quotadomain.QuotaTier{
		ID:                    s.genID.Generate(),
		Name:                  name,
		MaxTokensPerPeriod:    req.MaxTokensPerPeriod,
		MaxRequestsPerPeriod:  req.MaxRequestsPerPeriod,
		MaxDecisionsPerPeriod: req.MaxDecisionsPerPeriod,
		MaxCostPerPeriod:      req.MaxCostPerPeriod,
		AllowOverage:          req.AllowOverage,
		OverageRate:           req.OverageRate,
		AlertThresholdPct:     req.AlertThresholdPct,
		CreatedAt:             s.clock.Now(),
		UpdatedAt:             s.clock.Now(),
	}
	if tier.AlertThresholdPct <= 0 {
		tier.AlertThresholdPct = 80
	}

	if err := s.db.WithContext(ctx).Create(tier).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, quotadomain.ErrInvalidTier
		}
		return nil, err
	}

	s.log.Info("quota tier created", zap.String("tier", tier.Name))
	return tier, nil
}

func (s *Service) UpdateTier(ctx context.Context, req quotadomain.UpdateTierRequest) (*quotadomain.QuotaTier, error) {
	tierID, err := snowflake.ParseString(req.ID)
	if err != nil {
		return nil, quotadomain.ErrInvalidTier
	}

	var tier quotadomain.QuotaTier
	if err := s.db.WithContext(ctx).First(&tier, "id = ?", tierID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, quotadomain.ErrTierNotFound
		}
		return nil, err
	}

	if req.MaxTokensPerPeriod != nil {
		tier.MaxTokensPerPeriod = *req.MaxTokensPerPeriod
	}
	if req.MaxRequestsPerPeriod != nil {
		tier.MaxRequestsPerPeriod = *req.MaxRequestsPerPeriod
	}
	if req.MaxDecisionsPerPeriod != nil {
		tier.MaxDecisionsPerPeriod = *req.MaxDecisionsPerPeriod
	}
	if req.MaxCostPerPeriod != nil {
		tier.MaxCostPerPeriod = *req.MaxCostPerPeriod
	}
	if req.AllowOverage != nil {
		tier.AllowOverage = *req.AllowOverage
	}
	if req.OverageRate != nil {
		tier.OverageRate = *req.OverageRate
	}
	if req.AlertThresholdPct != nil {
		tier.AlertThresholdPct = *req.AlertThresholdPct
	}
	tier.UpdatedAt = s.clock.Now()

	if err := s.db.WithContext(ctx).Save(&tier).Error; err != nil {
		return nil, err
	}
	return &tier, nil
}

func (s *Service) ListTiers(ctx context.Context) ([]quotadomain.QuotaTier, error) {
	var tiers []quotadomain.QuotaTier
	err := s.db.WithContext(ctx).Order("name ASC").Find(&tiers).Error
	return tiers, err
}

func (s *Service) DeleteTier(ctx context.Context, id string) error {
	tierID, err := snowflake.ParseString(id)
	if err != nil {
		return quotadomain.ErrInvalidTier
	}

	var inUse int64
	err = s.db.WithContext(ctx).
		Model(&quotadomain.OrganizationQuota{}).
		Where("tier_id = ?", tierID).
		Count(&inUse).Error
	if err != nil {
		return err
	}
	if inUse > 0 {
		return quotadomain.ErrTierInUse
	}

	res := s.db.WithContext(ctx).Delete(&quotadomain.QuotaTier{}, "id = ?", tierID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return quotadomain.ErrTierNotFound
	}
	return nil
}

func (s *Service) UpsertOrganizationQuota(ctx context.Context, req quotadomain.UpsertOrganizationQuotaRequest) (*quotadomain.OrganizationQuota, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, quotadomain.ErrInvalidOrganization
	}
	tierID, err := snowflake.ParseString(req.TierID)
	if err != nil {
		return nil, quotadomain.ErrInvalidTier
	}
	if err := s.db.WithContext(ctx).First(&quotadomain.QuotaTier{}, "id = ?", tierID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, quotadomain.ErrTierNotFound
		}
		return nil, err
	}

	resetDay := req.ResetDayOfMonth
	if resetDay < 1 || resetDay > 31 {
		resetDay = s.defaultResetDay
	}
	enabled := true
	if req.IsAIEnabled != nil {
		enabled = *req.IsAIEnabled
	}

	quota := &quotadomain.OrganizationQuota{
		ID:                  s.genID.Generate(),
		OrgID:               orgID,
		TierID:              tierID,
		MonthlyTokenLimit:   req.MonthlyTokenLimit,
		MonthlyRequestLimit: req.MonthlyRequestLimit,
		ResetDayOfMonth:     resetDay,
		IsAIEnabled:         enabled,
		CreatedAt:           s.clock.Now(),
		UpdatedAt:           s.clock.Now(),
	}

	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "org_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"tier_id":               tierID,
				"monthly_token_limit":   req.MonthlyTokenLimit,
				"monthly_request_limit": req.MonthlyRequestLimit,
				"reset_day_of_month":    resetDay,
				"is_ai_enabled":         enabled,
				"updated_at":            s.clock.Now(),
			}),
		}).
		Create(quota).Error
	if err != nil {
		return nil, err
	}

	s.registry.Invalidate(orgID)

	var saved quotadomain.OrganizationQuota
	if err := s.db.WithContext(ctx).Where("org_id = ?", orgID).First(&saved).Error; err != nil {
		return nil, err
	}
	return &saved, nil
}

func (s *Service) UpsertUserOverride(ctx context.Context, req quotadomain.UpsertUserOverrideRequest) (*quotadomain.UserQuotaOverride, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, quotadomain.ErrInvalidOrganization
	}
	userID, err := snowflake.ParseString(req.UserID)
	if err != nil || userID == 0 {
		return nil, quotadomain.ErrInvalidUser
	}

	override := &quotadomain.UserQuotaOverride{
		ID:                   s.genID.Generate(),
		OrgID:                orgID,
		UserID:               userID,
		TokenLimitOverride:   req.TokenLimitOverride,
		RequestLimitOverride: req.RequestLimitOverride,
		AIEnabledOverride:    req.AIEnabledOverride,
		CreatedAt:            s.clock.Now(),
		UpdatedAt:            s.clock.Now(),
	}

	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "org_id"}, {Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"token_limit_override":   req.TokenLimitOverride,
				"request_limit_override": req.RequestLimitOverride,
				"ai_enabled_override":    req.AIEnabledOverride,
				"updated_at":             s.clock.Now(),
			}),
		}).
		Create(override).Error
	if err != nil {
		return nil, err
	}

	var saved quotadomain.UserQuotaOverride
	err = s.db.WithContext(ctx).
		Where("org_id = ? AND user_id = ?", orgID, userID).
		First(&saved).Error
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

func (s *Service) DeleteUserOverride(ctx context.Context, userID string) error {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return quotadomain.ErrInvalidOrganization
	}
	parsed, err := snowflake.ParseString(userID)
	if err != nil {
		return quotadomain.ErrInvalidUser
	}

	res := s.db.WithContext(ctx).
		Where("org_id = ? AND user_id = ?", orgID, parsed).
		Delete(&quotadomain.UserQuotaOverride{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return quotadomain.ErrOverrideNotFound
	}
	return nil
}
