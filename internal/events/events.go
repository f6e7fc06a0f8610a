// Package events implements the transactional outbox: domain events are
// written in the same transaction as the state change that produced them and
// delivered asynchronously, at least once, with bounded retries and a
// dead-letter store.
package events

import (
	"github.com/bwmarrin/snowflake"
)

// Event types emitted by the governance pipeline.
const (
	EventQuotaExceeded           = "quota.exceeded"
	EventQuotaOverage            = "quota.overage"
	EventDecisionPendingApproval = "decision.pending_approval"
	EventDecisionExpired         = "decision.expired"
	EventDecisionApplied         = "decision.applied"
	EventDecisionRejected        = "decision.rejected"
)

// Event is a domain event to be enqueued on the outbox. IdempotencyKey is
// globally unique per logical event; enqueueing the same key twice is a
// no-op.
type Event struct {
	OrgID          snowflake.ID
	Type           string
	Payload        map[string]any
	IdempotencyKey string
}

// QuotaExceededPayload notifies the billing/notification collaborator that an
// organization hit its limit.
type QuotaExceededPayload struct {
	OrgID        string  `json:"org_id"`
	QuotaType    string  `json:"quota_type"`
	CurrentUsage int64   `json:"current_usage"`
	Limit        int64   `json:"limit"`
	TierName     string  `json:"tier_name"`
	OverageRate  float64 `json:"overage_rate,omitempty"`
}

func (p QuotaExceededPayload) ToMap() map[string]any {
	out := map[string]any{
		"org_id":        p.OrgID,
		"quota_type":    p.QuotaType,
		"current_usage": p.CurrentUsage,
		"limit":         p.Limit,
		"tier_name":     p.TierName,
	}
	if p.OverageRate > 0 {
		out["overage_rate"] = p.OverageRate
	}
	return out
}

// DecisionPayload accompanies approval life-cycle events.
type DecisionPayload struct {
	DecisionID    string `json:"decision_id"`
	OrgID         string `json:"org_id"`
	DecisionType  string `json:"decision_type"`
	AgentType     string `json:"agent_type"`
	Status        string `json:"status"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func (p DecisionPayload) ToMap() map[string]any {
	out := map[string]any{
		"decision_id":   p.DecisionID,
		"org_id":        p.OrgID,
		"decision_type": p.DecisionType,
		"agent_type":    p.AgentType,
		"status":        p.Status,
	}
	if p.CorrelationID != "" {
		out["correlation_id"] = p.CorrelationID
	}
	return out
}
