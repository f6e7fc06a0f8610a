// Package domain contains persistence models for AI quota enforcement.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// QuotaTier is an immutable limit template created by platform operators.
// Organizations reference tiers; tenants never mutate them.
type QuotaTier struct {
	ID                    snowflake.ID `json:"id" gorm:"primaryKey"`
	Name                  string       `json:"name" gorm:"type:text;not null;uniqueIndex"`
	MaxTokensPerPeriod    int64        `json:"max_tokens_per_period" gorm:"not null"`
	MaxRequestsPerPeriod  int64        `json:"max_requests_per_period" gorm:"not null"`
	MaxDecisionsPerPeriod int64        `json:"max_decisions_per_period" gorm:"not null"`
	MaxCostPerPeriod      float64      `json:"max_cost_per_period" gorm:"not null"`
	AllowOverage          bool         `json:"allow_overage" gorm:"not null;default:false"`
	OverageRate           float64      `json:"overage_rate" gorm:"not null;default:0"`
	AlertThresholdPct     int          `json:"alert_threshold_pct" gorm:"not null;default:80"`
	CreatedAt             time.Time    `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt             time.Time    `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (QuotaTier) TableName() string { return "quota_tiers" }

// OrganizationQuota holds one organization's enforced limits. A zero limit
// falls back to the tier's per-period maximum.
type OrganizationQuota struct {
	ID                  snowflake.ID `json:"id" gorm:"primaryKey"`
	OrgID               snowflake.ID `json:"organization_id" gorm:"not null;uniqueIndex"`
	TierID              snowflake.ID `json:"tier_id" gorm:"not null"`
	MonthlyTokenLimit   int64        `json:"monthly_token_limit" gorm:"not null;default:0"`
	MonthlyRequestLimit int64        `json:"monthly_request_limit" gorm:"not null;default:0"`
	ResetDayOfMonth     int          `json:"reset_day_of_month" gorm:"not null;default:1"`
	IsAIEnabled         bool         `json:"is_ai_enabled" gorm:"not null;default:true"`
	CreatedAt           time.Time    `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt           time.Time    `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (OrganizationQuota) TableName() string { return "organization_quotas" }

// UserQuotaOverride replaces (never adds to) the organization limit for one
// user. At most one row per (org, user).
type UserQuotaOverride struct {
	ID                   snowflake.ID `json:"id" gorm:"primaryKey"`
	OrgID                snowflake.ID `json:"organization_id" gorm:"not null;uniqueIndex:ux_user_quota_override,priority:1"`
	UserID               snowflake.ID `json:"user_id" gorm:"not null;uniqueIndex:ux_user_quota_override,priority:2"`
	TokenLimitOverride   *int64       `json:"token_limit_override,omitempty" gorm:""`
	RequestLimitOverride *int64       `json:"request_limit_override,omitempty" gorm:""`
	AIEnabledOverride    *bool        `json:"ai_enabled_override,omitempty" gorm:""`
	CreatedAt            time.Time    `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt            time.Time    `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UserQuotaOverride) TableName() string { return "user_quota_overrides" }

// UsageCounter accumulates running totals for one (organization, period).
// PeriodStamp identifies the boundary that opened the period (UTC), so a
// stale row simply stops matching once the period rolls over.
type UsageCounter struct {
	ID            snowflake.ID `json:"id" gorm:"primaryKey"`
	OrgID         snowflake.ID `json:"organization_id" gorm:"not null;uniqueIndex:ux_usage_counter_period,priority:1"`
	PeriodStamp   string       `json:"period_stamp" gorm:"type:text;not null;uniqueIndex:ux_usage_counter_period,priority:2"`
	PeriodStart   time.Time    `json:"period_start" gorm:"not null"`
	PeriodEnd     time.Time    `json:"period_end" gorm:"not null"`
	TokensUsed    int64        `json:"tokens_used" gorm:"not null;default:0"`
	RequestsUsed  int64        `json:"requests_used" gorm:"not null;default:0"`
	DecisionsUsed int64        `json:"decisions_used" gorm:"not null;default:0"`
	UpdatedAt     time.Time    `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsageCounter) TableName() string { return "usage_counters" }
