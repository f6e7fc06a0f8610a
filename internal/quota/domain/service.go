package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
)

// QuotaType selects which counter an admission check consumes.
type QuotaType string

const (
	QuotaRequests  QuotaType = "requests"
	QuotaTokens    QuotaType = "tokens"
	QuotaDecisions QuotaType = "decisions"
)

// DenyReason is the machine-parseable admission outcome.
type DenyReason string

const (
	DenyGlobalDisabled DenyReason = "global_ai_disabled"
	DenyOrgDisabled    DenyReason = "org_ai_disabled"
	DenyQuotaExceeded  DenyReason = "quota_exceeded"
)

// Decision is the admission-control verdict. Denials are expected business
// outcomes, not defects, so they travel as a tagged result rather than an
// error; Err converts to the typed error form for callers that prefer it.
type Decision struct {
	Allowed      bool
	Reason       DenyReason
	Overage      bool
	QuotaType    QuotaType
	CurrentUsage int64
	Limit        int64
	TierName     string
	OrgID        snowflake.ID
}

func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	switch d.Reason {
	case DenyGlobalDisabled:
		return &AIDisabledError{Global: true, OrgID: d.OrgID}
	case DenyOrgDisabled:
		return &AIDisabledError{OrgID: d.OrgID}
	default:
		return &QuotaExceededError{
			QuotaType:    d.QuotaType,
			CurrentUsage: d.CurrentUsage,
			Limit:        d.Limit,
			TierName:     d.TierName,
			OrgID:        d.OrgID,
		}
	}
}

// QuotaStatus is the caller-facing usage snapshot.
type QuotaStatus struct {
	OrgID         string    `json:"org_id"`
	TierName      string    `json:"tier_name"`
	TokensUsed    int64     `json:"tokens_used"`
	TokenLimit    int64     `json:"token_limit"`
	RequestsUsed  int64     `json:"requests_used"`
	RequestLimit  int64     `json:"request_limit"`
	DecisionsUsed int64     `json:"decisions_used"`
	DecisionLimit int64     `json:"decision_limit"`
	PeriodStart   time.Time `json:"period_start"`
	PeriodEnd     time.Time `json:"period_end"`
	AllowOverage  bool      `json:"allow_overage"`
}

type CreateTierRequest struct {
	Name                  string  `json:"name"`
	MaxTokensPerPeriod    int64   `json:"max_tokens_per_period"`
	MaxRequestsPerPeriod  int64   `json:"max_requests_per_period"`
	MaxDecisionsPerPeriod int64   `json:"max_decisions_per_period"`
	MaxCostPerPeriod      float64 `json:"max_cost_per_period"`
	AllowOverage          bool    `json:"allow_overage"`
	OverageRate           float64 `json:"overage_rate"`
	AlertThresholdPct     int     `json:"alert_threshold_pct"`
}

type UpdateTierRequest struct {
	ID                    string   `json:"id"`
	MaxTokensPerPeriod    *int64   `json:"max_tokens_per_period,omitempty"`
	MaxRequestsPerPeriod  *int64   `json:"max_requests_per_period,omitempty"`
	MaxDecisionsPerPeriod *int64   `json:"max_decisions_per_period,omitempty"`
	MaxCostPerPeriod      *float64 `json:"max_cost_per_period,omitempty"`
	AllowOverage          *bool    `json:"allow_overage,omitempty"`
	OverageRate           *float64 `json:"overage_rate,omitempty"`
	AlertThresholdPct     *int     `json:"alert_threshold_pct,omitempty"`
}

type UpsertOrganizationQuotaRequest struct {
	TierID              string `json:"tier_id"`
	MonthlyTokenLimit   int64  `json:"monthly_token_limit"`
	MonthlyRequestLimit int64  `json:"monthly_request_limit"`
	ResetDayOfMonth     int    `json:"reset_day_of_month"`
	IsAIEnabled         *bool  `json:"is_ai_enabled,omitempty"`
}

type UpsertUserOverrideRequest struct {
	UserID               string `json:"user_id"`
	TokenLimitOverride   *int64 `json:"token_limit_override,omitempty"`
	RequestLimitOverride *int64 `json:"request_limit_override,omitempty"`
	AIEnabledOverride    *bool  `json:"ai_enabled_override,omitempty"`
}

// Service is the quota enforcer plus its administrative surface. The
// organization is taken from the request context; authorization of admin
// calls happens in the excluded layer above.
type Service interface {
	Validate(ctx context.Context, userID snowflake.ID, quotaType QuotaType, amount int64) (Decision, error)
	Status(ctx context.Context) (QuotaStatus, error)

	CreateTier(ctx context.Context, req CreateTierRequest) (*QuotaTier, error)
	UpdateTier(ctx context.Context, req UpdateTierRequest) (*QuotaTier, error)
	ListTiers(ctx context.Context) ([]QuotaTier, error)
	DeleteTier(ctx context.Context, id string) error

	UpsertOrganizationQuota(ctx context.Context, req UpsertOrganizationQuotaRequest) (*OrganizationQuota, error)
	UpsertUserOverride(ctx context.Context, req UpsertUserOverrideRequest) (*UserQuotaOverride, error)
	DeleteUserOverride(ctx context.Context, userID string) error

	ResetStaleCounters(ctx context.Context, batchSize int) (int, error)
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidUser         = errors.New("invalid_user")
	ErrInvalidQuotaType    = errors.New("invalid_quota_type")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidTier         = errors.New("invalid_tier")
	ErrTierNotFound        = errors.New("tier_not_found")
	ErrTierInUse           = errors.New("tier_in_use")
	ErrQuotaNotConfigured  = errors.New("quota_not_configured")
	ErrOverrideNotFound    = errors.New("override_not_found")
)

// AIDisabledError reports that admission was refused by a kill switch.
type AIDisabledError struct {
	Global bool
	OrgID  snowflake.ID
}

func (e *AIDisabledError) Error() string {
	if e.Global {
		return "ai features are disabled platform-wide"
	}
	return fmt.Sprintf("ai features are disabled for organization %s", e.OrgID)
}

// QuotaExceededError carries enough detail for the caller to render an
// upgrade prompt without another round-trip.
type QuotaExceededError struct {
	QuotaType    QuotaType
	CurrentUsage int64
	Limit        int64
	TierName     string
	OrgID        snowflake.ID
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("%s quota exceeded for organization %s: %d of %d used on tier %q",
		e.QuotaType, e.OrgID, e.CurrentUsage, e.Limit, e.TierName)
}
