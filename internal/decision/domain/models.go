// Package domain contains the decision audit log model and the approval
// state machine contract.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Status is the approval state of a logged decision.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusApplied  Status = "applied"
	StatusExpired  Status = "expired"
)

// Terminal reports whether no further transition may leave the status.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusApplied, StatusExpired:
		return true
	default:
		return false
	}
}

// AIDecisionLog is the append-only audit record of one AI execution attempt,
// allowed or denied. Only the status fields mutate after insert, and only
// through the approval state machine.
type AIDecisionLog struct {
	ID     snowflake.ID `json:"id" gorm:"primaryKey"`
	OrgID  snowflake.ID `json:"organization_id" gorm:"not null;index"`
	UserID snowflake.ID `json:"user_id" gorm:"not null"`

	AgentType    string `json:"agent_type" gorm:"type:text;not null"`
	DecisionType string `json:"decision_type" gorm:"type:text;not null"`
	EntityType   string `json:"entity_type,omitempty" gorm:"type:text"`
	EntityID     string `json:"entity_id,omitempty" gorm:"type:text"`

	InputContext datatypes.JSONMap `json:"input_context,omitempty" gorm:"type:jsonb"`
	OutputData   datatypes.JSONMap `json:"output_data,omitempty" gorm:"type:jsonb"`

	ModelName        string  `json:"model_name,omitempty" gorm:"type:text"`
	PromptTokens     int64   `json:"prompt_tokens" gorm:"not null;default:0"`
	CompletionTokens int64   `json:"completion_tokens" gorm:"not null;default:0"`
	ConfidenceScore  float64 `json:"confidence_score" gorm:"not null;default:0"`
	CostUSD          float64 `json:"cost_usd" gorm:"not null;default:0"`

	Status           Status  `json:"status" gorm:"type:text;not null;index"`
	RequiresApproval bool    `json:"requires_approval" gorm:"not null;default:false"`
	RejectionReason  *string `json:"rejection_reason,omitempty" gorm:"type:text"`

	ApprovedBy *snowflake.ID `json:"approved_by,omitempty" gorm:""`
	ApprovedAt *time.Time    `json:"approved_at,omitempty" gorm:""`
	AppliedAt  *time.Time    `json:"applied_at,omitempty" gorm:""`
	ExpiresAt  *time.Time    `json:"expires_at,omitempty" gorm:"index"`

	CorrelationID string    `json:"correlation_id" gorm:"type:text;not null;index"`
	CreatedAt     time.Time `json:"created_at" gorm:"not null;index;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (AIDecisionLog) TableName() string { return "ai_decision_logs" }
