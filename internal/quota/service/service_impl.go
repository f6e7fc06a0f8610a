package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/User159951/intellipm/internal/clock"
	"github.com/User159951/intellipm/internal/config"
	"github.com/User159951/intellipm/internal/events"
	"github.com/User159951/intellipm/internal/killswitch"
	obsmetrics "github.com/User159951/intellipm/internal/observability/metrics"
	"github.com/User159951/intellipm/internal/orgcontext"
	quotadomain "github.com/User159951/intellipm/internal/quota/domain"
	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ServiceParam struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Cfg      config.Config
	Registry killswitch.Registry
	Outbox   *events.Outbox       `optional:"true"`
	Metrics  *obsmetrics.Metrics  `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	registry killswitch.Registry
	outbox   *events.Outbox
	metrics  *obsmetrics.Metrics

	defaultResetDay int
}

func NewService(p ServiceParam) quotadomain.Service {
	return &Service{
		db:              p.DB,
		log:             p.Log.Named("quota.service"),
		genID:           p.GenID,
		clock:           p.Clock,
		registry:        p.Registry,
		outbox:          p.Outbox,
		metrics:         p.Metrics,
		defaultResetDay: p.Cfg.Governance.DefaultResetDay,
	}
}

// Validate runs the layered admission check: global kill switch, org enable
// flag, then a single conditional increment against the usage counter. The
// check and the increment are one atomic statement so concurrent callers can
// never jointly exceed the limit.
func (s *Service) Validate(
	ctx context.Context,
	userID snowflake.ID,
	quotaType quotadomain.QuotaType,
	amount int64,
) (quotadomain.Decision, error) {

	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return quotadomain.Decision{}, quotadomain.ErrInvalidOrganization
	}
	if amount <= 0 {
		return quotadomain.Decision{}, quotadomain.ErrInvalidAmount
	}
	column, err := counterColumn(quotaType)
	if err != nil {
		return quotadomain.Decision{}, err
	}

	globalEnabled, err := s.registry.GlobalEnabled(ctx)
	if err != nil {
		return quotadomain.Decision{}, err
	}
	if !globalEnabled {
		s.metrics.IncAdmission("deny", string(quotadomain.DenyGlobalDisabled))
		return quotadomain.Decision{
			Reason: quotadomain.DenyGlobalDisabled,
			OrgID:  orgID,
		}, nil
	}

	override, err := s.findOverride(ctx, orgID, userID)
	if err != nil {
		return quotadomain.Decision{}, err
	}

	orgEnabled, err := s.registry.OrgEnabled(ctx, orgID)
	if err != nil {
		return quotadomain.Decision{}, err
	}
	if override != nil && override.AIEnabledOverride != nil {
		orgEnabled = *override.AIEnabledOverride
	}
	if !orgEnabled {
		s.metrics.IncAdmission("deny", string(quotadomain.DenyOrgDisabled))
		return quotadomain.Decision{
			Reason: quotadomain.DenyOrgDisabled,
			OrgID:  orgID,
		}, nil
	}

	orgQuota, tier, err := s.loadQuota(ctx, orgID)
	if err != nil {
		return quotadomain.Decision{}, err
	}

	limit := effectiveLimit(quotaType, orgQuota, tier, override)
	period := s.periodFor(s.clock.Now(), orgQuota.ResetDayOfMonth)

	if err := s.ensureCounter(ctx, orgID, period); err != nil {
		return quotadomain.Decision{}, err
	}

	granted, err := s.incrementIfWithinLimit(ctx, orgID, period.stamp, column, amount, limit, tier.AllowOverage)
	if err != nil {
		return quotadomain.Decision{}, err
	}

	usage, err := s.readUsage(ctx, orgID, period.stamp, column)
	if err != nil {
		return quotadomain.Decision{}, err
	}

	if !granted {
		s.metrics.IncAdmission("deny", string(quotadomain.DenyQuotaExceeded))
		s.emitQuotaExceeded(orgID, quotaType, usage, limit, tier, period.stamp)
		return quotadomain.Decision{
			Reason:       quotadomain.DenyQuotaExceeded,
			QuotaType:    quotaType,
			CurrentUsage: usage,
			Limit:        limit,
			TierName:     tier.Name,
			OrgID:        orgID,
		}, nil
	}

	decision := quotadomain.Decision{
		Allowed:      true,
		QuotaType:    quotaType,
		CurrentUsage: usage,
		Limit:        limit,
		TierName:     tier.Name,
		OrgID:        orgID,
	}

	if limit > 0 && usage > limit {
		// Overage tier: the call is admitted past the limit, flagged for
		// billing at the tier's overage rate.
		decision.Overage = true
		s.metrics.IncOverage(string(quotaType))
		s.emitQuotaOverage(orgID, quotaType, usage, limit, tier)
	}

	s.metrics.IncAdmission("allow", "")
	return decision, nil
}

// Status reports current usage against the effective organization limits.
func (s *Service) Status(ctx context.Context) (quotadomain.QuotaStatus, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return quotadomain.QuotaStatus{}, quotadomain.ErrInvalidOrganization
	}

	orgQuota, tier, err := s.loadQuota(ctx, orgID)
	if err != nil {
		return quotadomain.QuotaStatus{}, err
	}

	period := s.periodFor(s.clock.Now(), orgQuota.ResetDayOfMonth)

	var counter quotadomain.UsageCounter
	err = s.db.WithContext(ctx).
		Where("org_id = ? AND period_stamp = ?", orgID, period.stamp).
		First(&counter).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return quotadomain.QuotaStatus{}, err
	}

	return quotadomain.QuotaStatus{
		OrgID:         orgID.String(),
		TierName:      tier.Name,
		TokensUsed:    counter.TokensUsed,
		TokenLimit:    effectiveLimit(quotadomain.QuotaTokens, orgQuota, tier, nil),
		RequestsUsed:  counter.RequestsUsed,
		RequestLimit:  effectiveLimit(quotadomain.QuotaRequests, orgQuota, tier, nil),
		DecisionsUsed: counter.DecisionsUsed,
		DecisionLimit: tier.MaxDecisionsPerPeriod,
		PeriodStart:   period.start,
		PeriodEnd:     period.end,
		AllowOverage:  tier.AllowOverage,
	}, nil
}

// ResetStaleCounters removes counters whose period has ended. Rollover is
// already lazy (a new period gets a fresh row), so this sweep only keeps the
// table tidy and makes billing cutovers predictable.
func (s *Service) ResetStaleCounters(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	now := s.clock.Now()

	var ids []int64
	err := s.db.WithContext(ctx).
		Model(&quotadomain.UsageCounter{}).
		Where("period_end <= ?", now).
		Limit(batchSize).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	res := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&quotadomain.UsageCounter{})
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

// incrementIfWithinLimit is the hot-path conditional update. The limit check
// and the increment execute as one statement; a denied call leaves the
// counter untouched. A non-positive limit means unlimited.
func (s *Service) incrementIfWithinLimit(
	ctx context.Context,
	orgID snowflake.ID,
	stamp string,
	column string,
	amount int64,
	limit int64,
	allowOverage bool,
) (bool, error) {
	unbounded := limit <= 0 || allowOverage

	query := fmt.Sprintf(
		`UPDATE usage_counters
		 SET %[1]s = %[1]s + ?, updated_at = ?
		 WHERE org_id = ? AND period_stamp = ? AND (? OR %[1]s + ? <= ?)`,
		column,
	)
	res := s.db.WithContext(ctx).Exec(
		query,
		amount,
		s.clock.Now(),
		orgID,
		stamp,
		unbounded,
		amount,
		limit,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *Service) readUsage(ctx context.Context, orgID snowflake.ID, stamp, column string) (int64, error) {
	var usage int64
	err := s.db.WithContext(ctx).Raw(
		fmt.Sprintf(`SELECT %s FROM usage_counters WHERE org_id = ? AND period_stamp = ?`, column),
		orgID,
		stamp,
	).Scan(&usage).Error
	return usage, err
}

func (s *Service) ensureCounter(ctx context.Context, orgID snowflake.ID, p period) error {
	counter := &quotadomain.UsageCounter{
		ID:          s.genID.Generate(),
		OrgID:       orgID,
		PeriodStamp: p.stamp,
		PeriodStart: p.start,
		PeriodEnd:   p.end,
		UpdatedAt:   s.clock.Now(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "org_id"}, {Name: "period_stamp"}},
			DoNothing: true,
		}).
		Create(counter).Error
}

func (s *Service) findOverride(ctx context.Context, orgID, userID snowflake.ID) (*quotadomain.UserQuotaOverride, error) {
	if userID == 0 {
		return nil, nil
	}
	var override quotadomain.UserQuotaOverride
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND user_id = ?", orgID, userID).
		First(&override).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &override, nil
}

func (s *Service) loadQuota(ctx context.Context, orgID snowflake.ID) (quotadomain.OrganizationQuota, quotadomain.QuotaTier, error) {
	var orgQuota quotadomain.OrganizationQuota
	err := s.db.WithContext(ctx).Where("org_id = ?", orgID).First(&orgQuota).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return orgQuota, quotadomain.QuotaTier{}, quotadomain.ErrQuotaNotConfigured
		}
		return orgQuota, quotadomain.QuotaTier{}, err
	}

	var tier quotadomain.QuotaTier
	err = s.db.WithContext(ctx).Where("id = ?", orgQuota.TierID).First(&tier).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return orgQuota, tier, quotadomain.ErrTierNotFound
		}
		return orgQuota, tier, err
	}
	return orgQuota, tier, nil
}

// effectiveLimit resolves user override over organization limit over tier
// default. Overrides replace the organization value outright.
func effectiveLimit(
	quotaType quotadomain.QuotaType,
	orgQuota quotadomain.OrganizationQuota,
	tier quotadomain.QuotaTier,
	override *quotadomain.UserQuotaOverride,
) int64 {
	switch quotaType {
	case quotadomain.QuotaTokens:
		if override != nil && override.TokenLimitOverride != nil {
			return *override.TokenLimitOverride
		}
		if orgQuota.MonthlyTokenLimit > 0 {
			return orgQuota.MonthlyTokenLimit
		}
		return tier.MaxTokensPerPeriod
	case quotadomain.QuotaRequests:
		if override != nil && override.RequestLimitOverride != nil {
			return *override.RequestLimitOverride
		}
		if orgQuota.MonthlyRequestLimit > 0 {
			return orgQuota.MonthlyRequestLimit
		}
		return tier.MaxRequestsPerPeriod
	case quotadomain.QuotaDecisions:
		return tier.MaxDecisionsPerPeriod
	default:
		return 0
	}
}

func counterColumn(quotaType quotadomain.QuotaType) (string, error) {
	switch quotaType {
	case quotadomain.QuotaTokens:
		return "tokens_used", nil
	case quotadomain.QuotaRequests:
		return "requests_used", nil
	case quotadomain.QuotaDecisions:
		return "decisions_used", nil
	default:
		return "", quotadomain.ErrInvalidQuotaType
	}
}

type period struct {
	start time.Time
	end   time.Time
	stamp string
}

// periodFor computes the UTC billing period containing now. The reset day is
// clamped to the month's last day; a mid-period reset-day change takes
// effect at the next natural boundary.
func (s *Service) periodFor(now time.Time, resetDay int) period {
	if resetDay < 1 {
		resetDay = s.defaultResetDay
	}
	if resetDay < 1 {
		resetDay = 1
	}

	now = now.UTC()
	year, month, _ := now.Date()

	start := boundaryFor(year, month, resetDay)
	if now.Before(start) {
		prev := start.AddDate(0, -1, 0)
		start = boundaryFor(prev.Year(), prev.Month(), resetDay)
	}
	nextMonth := start.AddDate(0, 1, 0)
	end := boundaryFor(nextMonth.Year(), nextMonth.Month(), resetDay)

	return period{
		start: start,
		end:   end,
		stamp: start.Format("2006-01"),
	}
}

func boundaryFor(year int, month time.Month, day int) time.Time {
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
	if day > last {
		day = last
	}
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func (s *Service) emitQuotaExceeded(
	orgID snowflake.ID,
	quotaType quotadomain.QuotaType,
	usage, limit int64,
	tier quotadomain.QuotaTier,
	stamp string,
) {
	if s.outbox == nil {
		return
	}
	payload := events.QuotaExceededPayload{
		OrgID:        orgID.String(),
		QuotaType:    string(quotaType),
		CurrentUsage: usage,
		Limit:        limit,
		TierName:     tier.Name,
	}
	event := events.Event{
		OrgID:   orgID,
		Type:    events.EventQuotaExceeded,
		Payload: payload.ToMap(),
		// One exceeded notification per (org, period, quota type).
		IdempotencyKey: fmt.Sprintf("%s:%s:%s:%s", events.EventQuotaExceeded, orgID, stamp, quotaType),
	}
	if err := s.outbox.Enqueue(context.Background(), event); err != nil {
		s.log.Warn("failed to enqueue quota exceeded event", zap.Error(err))
	}
}

func (s *Service) emitQuotaOverage(
	orgID snowflake.ID,
	quotaType quotadomain.QuotaType,
	usage, limit int64,
	tier quotadomain.QuotaTier,
) {
	if s.outbox == nil {
		return
	}
	payload := events.QuotaExceededPayload{
		OrgID:        orgID.String(),
		QuotaType:    string(quotaType),
		CurrentUsage: usage,
		Limit:        limit,
		TierName:     tier.Name,
		OverageRate:  tier.OverageRate,
	}
	event := events.Event{
		OrgID:          orgID,
		Type:           events.EventQuotaOverage,
		Payload:        payload.ToMap(),
		IdempotencyKey: uuid.NewString(),
	}
	if err := s.outbox.Enqueue(context.Background(), event); err != nil {
		s.log.Warn("failed to enqueue quota overage event", zap.Error(err))
	}
}
