// Package pipeline is the inbound surface of the governance subsystem: every
// AI-agent feature funnels through the governed executor, which runs the
// admission check, invokes the model, and writes the audit trail.
package pipeline

import (
	"context"

	"github.com/User159951/intellipm/internal/agent"
	"github.com/User159951/intellipm/internal/clock"
	decisiondomain "github.com/User159951/intellipm/internal/decision/domain"
	quotadomain "github.com/User159951/intellipm/internal/quota/domain"
	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const tracerName = "github.com/User159951/intellipm/internal/pipeline"

// ExecuteRequest describes one governed AI execution.
type ExecuteRequest struct {
	UserID       snowflake.ID
	AgentType    string
	DecisionType string
	EntityType   string
	EntityID     string

	SystemPrompt string
	Prompt       string
	MaxTokens    int64

	// EstimatedTokens is consumed from the token quota before invocation;
	// actual usage is trued up afterwards. Zero falls back to MaxTokens.
	EstimatedTokens int64

	RequiresApproval bool
	InputContext     map[string]any
}

// ExecuteResult carries the completion and its audit handle.
type ExecuteResult struct {
	DecisionID    snowflake.ID
	CorrelationID string
	Completion    agent.Completion
	Decision      quotadomain.Decision
}

type ExecutorParam struct {
	fx.In

	Log       *zap.Logger
	Clock     clock.Clock
	Quota     quotadomain.Service
	Decisions decisiondomain.Service
	Invoker   agent.Invoker
}

// Executor is the governed execution pipeline.
type Executor struct {
	log       *zap.Logger
	clock     clock.Clock
	quota     quotadomain.Service
	decisions decisiondomain.Service
	invoker   agent.Invoker
	tracer    trace.Tracer
}

func NewExecutor(p ExecutorParam) *Executor {
	return &Executor{
		log:       p.Log.Named("pipeline"),
		clock:     p.Clock,
		quota:     p.Quota,
		decisions: p.Decisions,
		invoker:   p.Invoker,
		tracer:    otel.Tracer(tracerName),
	}
}

// ValidateAIExecution runs the layered admission check and consumes the
// requested amount on success. Denials are logged to the audit trail and
// surfaced as typed errors.
func (e *Executor) ValidateAIExecution(
	ctx context.Context,
	userID snowflake.ID,
	quotaType quotadomain.QuotaType,
	amount int64,
) error {
	decision, err := e.quota.Validate(ctx, userID, quotaType, amount)
	if err != nil {
		return err
	}
	if decision.Allowed {
		return nil
	}

	// Denied attempts are part of the audit trail too.
	e.decisions.Record(ctx, decisiondomain.RecordRequest{
		UserID:       userID,
		AgentType:    "admission",
		DecisionType: "validate_" + string(quotaType),
		Denied:       true,
		DeniedReason: string(decision.Reason),
	})
	return decision.Err()
}

// Execute runs the full governed path: admission, model invocation, token
// true-up, audit record.
func (e *Executor) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	ctx, span := e.tracer.Start(ctx, "pipeline.execute", trace.WithAttributes(
		attribute.String("agent_type", req.AgentType),
		attribute.String("decision_type", req.DecisionType),
	))
	defer span.End()

	correlationID := ulid.Make().String()
	span.SetAttributes(attribute.String("correlation_id", correlationID))

	estimate := req.EstimatedTokens
	if estimate <= 0 {
		estimate = req.MaxTokens
	}
	if estimate <= 0 {
		estimate = 1024
	}

	requestDecision, err := e.quota.Validate(ctx, req.UserID, quotadomain.QuotaRequests, 1)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return ExecuteResult{}, err
	}
	if !requestDecision.Allowed {
		return e.denied(ctx, span, req, correlationID, requestDecision)
	}

	tokenDecision, err := e.quota.Validate(ctx, req.UserID, quotadomain.QuotaTokens, estimate)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return ExecuteResult{}, err
	}
	if !tokenDecision.Allowed {
		return e.denied(ctx, span, req, correlationID, tokenDecision)
	}

	completion, err := e.invoker.Invoke(ctx, agent.Request{
		AgentType:    req.AgentType,
		SystemPrompt: req.SystemPrompt,
		Prompt:       req.Prompt,
		MaxTokens:    req.MaxTokens,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ExecuteResult{}, err
	}

	e.trueUpTokens(ctx, req.UserID, estimate, completion)

	decisionID := e.decisions.Record(ctx, decisiondomain.RecordRequest{
		UserID:           req.UserID,
		AgentType:        req.AgentType,
		DecisionType:     req.DecisionType,
		EntityType:       req.EntityType,
		EntityID:         req.EntityID,
		InputContext:     req.InputContext,
		OutputData:       map[string]any{"completion": completion.Text},
		ModelName:        completion.Model,
		PromptTokens:     completion.PromptTokens,
		CompletionTokens: completion.CompletionTokens,
		RequiresApproval: req.RequiresApproval,
		CorrelationID:    correlationID,
	})

	span.SetAttributes(
		attribute.Int64("prompt_tokens", completion.PromptTokens),
		attribute.Int64("completion_tokens", completion.CompletionTokens),
	)

	return ExecuteResult{
		DecisionID:    decisionID,
		CorrelationID: correlationID,
		Completion:    completion,
		Decision:      tokenDecision,
	}, nil
}

// LogAIExecution records an execution performed outside the pipeline, for
// example a cached or batched completion. Returns zero when logging failed;
// the caller proceeds either way.
func (e *Executor) LogAIExecution(ctx context.Context, req decisiondomain.RecordRequest) snowflake.ID {
	if decision, err := e.quota.Validate(ctx, req.UserID, quotadomain.QuotaDecisions, 1); err != nil {
		e.log.Warn("decision quota check failed", zap.Error(err))
	} else if !decision.Allowed {
		e.log.Warn("decision quota denied; recording anyway",
			zap.String("reason", string(decision.Reason)),
		)
	}
	return e.decisions.Record(ctx, req)
}

// GetQuotaStatus reports current usage for the organization in context.
func (e *Executor) GetQuotaStatus(ctx context.Context) (quotadomain.QuotaStatus, error) {
	return e.quota.Status(ctx)
}

func (e *Executor) denied(
	ctx context.Context,
	span trace.Span,
	req ExecuteRequest,
	correlationID string,
	decision quotadomain.Decision,
) (ExecuteResult, error) {
	span.SetAttributes(attribute.String("deny_reason", string(decision.Reason)))

	decisionID := e.decisions.Record(ctx, decisiondomain.RecordRequest{
		UserID:        req.UserID,
		AgentType:     req.AgentType,
		DecisionType:  req.DecisionType,
		EntityType:    req.EntityType,
		EntityID:      req.EntityID,
		InputContext:  req.InputContext,
		CorrelationID: correlationID,
		Denied:        true,
		DeniedReason:  string(decision.Reason),
	})

	return ExecuteResult{
		DecisionID:    decisionID,
		CorrelationID: correlationID,
		Decision:      decision,
	}, decision.Err()
}

// trueUpTokens reconciles the pre-consumed estimate with actual usage. Extra
// consumption past the estimate is charged best-effort; a denial at this
// point cannot un-run the model, so it is logged and the usage stands as
// overage.
func (e *Executor) trueUpTokens(ctx context.Context, userID snowflake.ID, estimate int64, completion agent.Completion) {
	actual := completion.PromptTokens + completion.CompletionTokens
	extra := actual - estimate
	if extra <= 0 {
		return
	}

	decision, err := e.quota.Validate(ctx, userID, quotadomain.QuotaTokens, extra)
	if err != nil {
		e.log.Warn("token true-up failed", zap.Error(err))
		return
	}
	if !decision.Allowed {
		e.log.Warn("token usage exceeded estimate past the limit",
			zap.Int64("estimate", estimate),
			zap.Int64("actual", actual),
		)
	}
}
