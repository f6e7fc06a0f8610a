package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/User159951/intellipm/pkg/db/pagination"
	"github.com/bwmarrin/snowflake"
)

// RecordRequest is the raw, unredacted input to the audit log. Free-text and
// payload fields are scrubbed before persistence.
type RecordRequest struct {
	UserID           snowflake.ID
	AgentType        string
	DecisionType     string
	EntityType       string
	EntityID         string
	InputContext     map[string]any
	OutputData       map[string]any
	ModelName        string
	PromptTokens     int64
	CompletionTokens int64
	ConfidenceScore  float64
	CostUSD          float64
	RequiresApproval bool
	CorrelationID    string

	// Denied set records an admission denial rather than an execution.
	Denied       bool
	DeniedReason string
}

// ListFilter narrows the decision listing.
type ListFilter struct {
	Status       Status
	AgentType    string
	DecisionType string
}

// Service records AI decisions and drives the approval state machine.
type Service interface {
	// Record persists the audit row. Failures are swallowed and reported as
	// a zero id; governance logging must never break the feature it
	// observes.
	Record(ctx context.Context, req RecordRequest) snowflake.ID

	Get(ctx context.Context, id snowflake.ID) (*AIDecisionLog, error)
	List(ctx context.Context, filter ListFilter, p pagination.Pagination) ([]AIDecisionLog, *pagination.PageInfo, error)

	Approve(ctx context.Context, id, approverID snowflake.ID) error
	Reject(ctx context.Context, id, approverID snowflake.ID, reason string) error

	// Apply executes the deferred action for an approved decision. On
	// action failure the decision stays Approved so it can be retried
	// without re-approval.
	Apply(ctx context.Context, id snowflake.ID, action func(context.Context) error) error

	// ExpirePending transitions overdue Pending decisions to Expired.
	// Idempotent and safe to run from concurrent workers.
	ExpirePending(ctx context.Context, batchSize int) (int, error)
}

var (
	ErrDecisionNotFound = errors.New("decision_not_found")
	ErrMissingApprover  = errors.New("missing_approver")
	ErrMissingReason    = errors.New("missing_reason")
)

// InvalidTransitionError reports an approval state machine transition whose
// precondition no longer holds, typically because a concurrent actor got
// there first.
type InvalidTransitionError struct {
	DecisionID snowflake.ID
	From       Status
	To         Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("decision %s cannot transition from %s to %s", e.DecisionID, e.From, e.To)
}

// DecisionNotApprovedError is the fail-fast guard on execution: the deferred
// action never runs unless the decision is in Approved state.
type DecisionNotApprovedError struct {
	DecisionID   snowflake.ID
	DecisionType string
	Status       Status
	OrgID        snowflake.ID
}

func (e *DecisionNotApprovedError) Error() string {
	return fmt.Sprintf("decision %s (%s) is %s, not approved; refusing to execute",
		e.DecisionID, e.DecisionType, e.Status)
}
