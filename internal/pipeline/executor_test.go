package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/User159951/intellipm/internal/agent"
	"github.com/User159951/intellipm/internal/clock"
	"github.com/User159951/intellipm/internal/config"
	decisiondomain "github.com/User159951/intellipm/internal/decision/domain"
	decisionservice "github.com/User159951/intellipm/internal/decision/service"
	"github.com/User159951/intellipm/internal/events"
	"github.com/User159951/intellipm/internal/killswitch"
	"github.com/User159951/intellipm/internal/orgcontext"
	quotadomain "github.com/User159951/intellipm/internal/quota/domain"
	quotaservice "github.com/User159951/intellipm/internal/quota/service"
	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	executor *Executor
	invoker  *agent.StaticInvoker
	registry killswitch.Registry
	db       *gorm.DB
	genID    *snowflake.Node
	orgID    snowflake.ID
	userID   snowflake.ID
}

func newFixture(t *testing.T, tier quotadomain.QuotaTier) *fixture {
	t.Helper()

	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)

	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, gdb.AutoMigrate(
		&quotadomain.QuotaTier{},
		&quotadomain.OrganizationQuota{},
		&quotadomain.UserQuotaOverride{},
		&quotadomain.UsageCounter{},
		&killswitch.PlatformSetting{},
		&decisiondomain.AIDecisionLog{},
		&events.OutboxMessage{},
	))

	node, err := snowflake.NewNode(4)
	require.NoError(t, err)

	clk := clock.NewFakeClock(time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC))
	log := zap.NewNop()
	cfg := config.Config{Governance: config.Governance{
		ApprovalExpiryWindow: 48 * time.Hour,
		DefaultResetDay:      1,
	}}
	registry := killswitch.NewRegistry(gdb, log, nil)
	outbox := events.NewOutbox(gdb, log, node, clk)

	quota := quotaservice.NewService(quotaservice.ServiceParam{
		DB:       gdb,
		Log:      log,
		GenID:    node,
		Clock:    clk,
		Cfg:      cfg,
		Registry: registry,
		Outbox:   outbox,
	})
	decisions := decisionservice.NewService(decisionservice.ServiceParam{
		DB:     gdb,
		Log:    log,
		GenID:  node,
		Clock:  clk,
		Cfg:    cfg,
		Outbox: outbox,
	})

	invoker := &agent.StaticInvoker{Completion: agent.Completion{
		Text:             "plan: split the epic into three stories",
		Model:            "claude-sonnet-4-5",
		PromptTokens:     120,
		CompletionTokens: 80,
	}}

	executor := NewExecutor(ExecutorParam{
		Log:       log,
		Clock:     clk,
		Quota:     quota,
		Decisions: decisions,
		Invoker:   invoker,
	})

	f := &fixture{
		executor: executor,
		invoker:  invoker,
		registry: registry,
		db:       gdb,
		genID:    node,
		orgID:    node.Generate(),
		userID:   node.Generate(),
	}

	tier.ID = node.Generate()
	if tier.Name == "" {
		tier.Name = "pro"
	}
	require.NoError(t, gdb.Create(&tier).Error)
	require.NoError(t, gdb.Create(&quotadomain.OrganizationQuota{
		ID:              node.Generate(),
		OrgID:           f.orgID,
		TierID:          tier.ID,
		ResetDayOfMonth: 1,
		IsAIEnabled:     true,
	}).Error)

	return f
}

func (f *fixture) ctx() context.Context {
	return orgcontext.WithOrgID(context.Background(), f.orgID)
}

func TestExecuteHappyPath(t *testing.T) {
	f := newFixture(t, quotadomain.QuotaTier{
		MaxTokensPerPeriod:   10_000,
		MaxRequestsPerPeriod: 100,
	})

	result, err := f.executor.Execute(f.ctx(), ExecuteRequest{
		UserID:          f.userID,
		AgentType:       "task_planner",
		DecisionType:    "plan_epic",
		Prompt:          "break down the migration epic",
		EstimatedTokens: 500,
	})
	require.NoError(t, err)
	require.NotZero(t, result.DecisionID)
	assert.NotEmpty(t, result.CorrelationID)
	assert.Equal(t, "plan: split the epic into three stories", result.Completion.Text)
	require.Len(t, f.invoker.Calls, 1)

	var row decisiondomain.AIDecisionLog
	require.NoError(t, f.db.First(&row, "id = ?", result.DecisionID).Error)
	assert.Equal(t, decisiondomain.StatusApplied, row.Status)
	assert.Equal(t, result.CorrelationID, row.CorrelationID)
	assert.Equal(t, int64(120), row.PromptTokens)

	// One request and the token estimate were consumed; actual usage was
	// below the estimate so no true-up happened.
	var counter quotadomain.UsageCounter
	require.NoError(t, f.db.First(&counter).Error)
	assert.Equal(t, int64(1), counter.RequestsUsed)
	assert.Equal(t, int64(500), counter.TokensUsed)
}

func TestExecuteTrueUpBeyondEstimate(t *testing.T) {
	f := newFixture(t, quotadomain.QuotaTier{
		MaxTokensPerPeriod:   10_000,
		MaxRequestsPerPeriod: 100,
	})

	_, err := f.executor.Execute(f.ctx(), ExecuteRequest{
		UserID:          f.userID,
		AgentType:       "task_planner",
		DecisionType:    "plan_epic",
		Prompt:          "break down the migration epic",
		EstimatedTokens: 50, // actual usage is 200
	})
	require.NoError(t, err)

	var counter quotadomain.UsageCounter
	require.NoError(t, f.db.First(&counter).Error)
	assert.Equal(t, int64(200), counter.TokensUsed)
}

func TestExecuteDeniedByQuota(t *testing.T) {
	f := newFixture(t, quotadomain.QuotaTier{
		MaxTokensPerPeriod:   100,
		MaxRequestsPerPeriod: 100,
	})

	result, err := f.executor.Execute(f.ctx(), ExecuteRequest{
		UserID:          f.userID,
		AgentType:       "task_planner",
		DecisionType:    "plan_epic",
		Prompt:          "break down the migration epic",
		EstimatedTokens: 500,
	})

	var quotaErr *quotadomain.QuotaExceededError
	require.ErrorAs(t, err, &quotaErr)
	assert.Equal(t, quotadomain.QuotaTokens, quotaErr.QuotaType)
	assert.Empty(t, f.invoker.Calls)

	// The denial itself is on the audit trail.
	require.NotZero(t, result.DecisionID)
	var row decisiondomain.AIDecisionLog
	require.NoError(t, f.db.First(&row, "id = ?", result.DecisionID).Error)
	assert.Equal(t, decisiondomain.StatusRejected, row.Status)
	require.NotNil(t, row.RejectionReason)
	assert.Equal(t, string(quotadomain.DenyQuotaExceeded), *row.RejectionReason)
}

func TestExecuteDeniedByKillSwitch(t *testing.T) {
	f := newFixture(t, quotadomain.QuotaTier{
		MaxTokensPerPeriod:   10_000,
		MaxRequestsPerPeriod: 100,
	})
	require.NoError(t, f.registry.SetGlobal(context.Background(), false))

	_, err := f.executor.Execute(f.ctx(), ExecuteRequest{
		UserID:       f.userID,
		AgentType:    "task_planner",
		DecisionType: "plan_epic",
		Prompt:       "break down the migration epic",
	})

	var disabledErr *quotadomain.AIDisabledError
	require.ErrorAs(t, err, &disabledErr)
	assert.True(t, disabledErr.Global)
	assert.Empty(t, f.invoker.Calls)
}

func TestValidateAIExecutionRecordsDenial(t *testing.T) {
	f := newFixture(t, quotadomain.QuotaTier{
		MaxTokensPerPeriod:   10,
		MaxRequestsPerPeriod: 100,
	})

	require.NoError(t, f.executor.ValidateAIExecution(f.ctx(), f.userID, quotadomain.QuotaRequests, 1))

	err := f.executor.ValidateAIExecution(f.ctx(), f.userID, quotadomain.QuotaTokens, 100)
	var quotaErr *quotadomain.QuotaExceededError
	require.ErrorAs(t, err, &quotaErr)

	var count int64
	require.NoError(t, f.db.Model(&decisiondomain.AIDecisionLog{}).
		Where("status = ?", decisiondomain.StatusRejected).
		Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestGetQuotaStatus(t *testing.T) {
	f := newFixture(t, quotadomain.QuotaTier{
		MaxTokensPerPeriod:   10_000,
		MaxRequestsPerPeriod: 100,
	})

	_, err := f.executor.Execute(f.ctx(), ExecuteRequest{
		UserID:          f.userID,
		AgentType:       "task_planner",
		DecisionType:    "plan_epic",
		Prompt:          "break down the migration epic",
		EstimatedTokens: 500,
	})
	require.NoError(t, err)

	status, err := f.executor.GetQuotaStatus(f.ctx())
	require.NoError(t, err)
	assert.Equal(t, int64(500), status.TokensUsed)
	assert.Equal(t, int64(1), status.RequestsUsed)
	assert.Equal(t, "pro", status.TierName)
}
