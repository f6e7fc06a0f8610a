package scheduler

import (
	"context"
	"testing"
	"time"

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
	sched    *Scheduler
	db       *gorm.DB
	clock    *clock.FakeClock
	registry *events.Registry
	decision decisiondomain.Service
	genID    *snowflake.Node
	orgID    snowflake.ID
}

func newFixture(t *testing.T) *fixture {
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
		&events.DeadLetterMessage{},
	))

	node, err := snowflake.NewNode(5)
	require.NoError(t, err)

	clk := clock.NewFakeClock(time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC))
	log := zap.NewNop()
	cfg := config.Config{Governance: config.Governance{
		ApprovalExpiryWindow: 48 * time.Hour,
		DefaultResetDay:      1,
	}}

	registry := events.NewRegistry()
	outbox := events.NewOutbox(gdb, log, node, clk)
	dispatcher := events.NewDispatcher(gdb, log, events.DispatcherConfig{
		BatchSize:   10,
		MaxAttempts: 3,
	}, node, clk, registry, nil)

	ksRegistry := killswitch.NewRegistry(gdb, log, nil)
	quota := quotaservice.NewService(quotaservice.ServiceParam{
		DB:       gdb,
		Log:      log,
		GenID:    node,
		Clock:    clk,
		Cfg:      cfg,
		Registry: ksRegistry,
		Outbox:   outbox,
	})
	decision := decisionservice.NewService(decisionservice.ServiceParam{
		DB:     gdb,
		Log:    log,
		GenID:  node,
		Clock:  clk,
		Cfg:    cfg,
		Outbox: outbox,
	})

	sched, err := New(Params{
		Log:         log,
		Clock:       clk,
		Dispatcher:  dispatcher,
		DecisionSvc: decision,
		QuotaSvc:    quota,
	})
	require.NoError(t, err)

	return &fixture{
		sched:    sched,
		db:       gdb,
		clock:    clk,
		registry: registry,
		decision: decision,
		genID:    node,
		orgID:    node.Generate(),
	}
}

func TestRunOnceDrainsOutboxAndSweepsApprovals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	delivered := 0
	f.registry.Register(events.EventDecisionPendingApproval, func(context.Context, events.Delivery) error {
		delivered++
		return nil
	})
	f.registry.Register(events.EventDecisionExpired, func(context.Context, events.Delivery) error {
		delivered++
		return nil
	})

	orgCtx := orgcontext.WithOrgID(ctx, f.orgID)
	id := f.decision.Record(orgCtx, decisiondomain.RecordRequest{
		UserID:           f.genID.Generate(),
		AgentType:        "task_planner",
		DecisionType:     "reassign_task",
		RequiresApproval: true,
	})
	require.NotZero(t, id)

	require.NoError(t, f.sched.RunOnce(ctx))
	assert.Equal(t, 1, delivered) // pending_approval dispatched

	// 49 hours later the sweep expires the decision and the resulting event
	// is dispatched in the same run.
	f.clock.Advance(49 * time.Hour)
	require.NoError(t, f.sched.RunOnce(ctx))
	assert.Equal(t, 2, delivered)

	row, err := f.decision.Get(orgCtx, id)
	require.NoError(t, err)
	assert.Equal(t, decisiondomain.StatusExpired, row.Status)

	var pending int64
	require.NoError(t, f.db.Model(&events.OutboxMessage{}).Count(&pending).Error)
	assert.Equal(t, int64(0), pending)
}

func TestJobFiltering(t *testing.T) {
	f := newFixture(t)
	f.sched.cfg.EnabledJobs = []string{"dispatch_outbox"}

	assert.True(t, f.sched.isJobEnabled("dispatch_outbox"))
	assert.False(t, f.sched.isJobEnabled("expire_decisions"))

	f.sched.cfg.EnabledJobs = nil
	assert.True(t, f.sched.isJobEnabled("expire_decisions"))
}

func TestJitteredIntervalBounds(t *testing.T) {
	f := newFixture(t)
	f.sched.cfg.RunInterval = time.Minute
	f.sched.cfg.JitterPct = 0.2

	for i := 0; i < 50; i++ {
		interval := f.sched.jitteredInterval()
		assert.GreaterOrEqual(t, interval, 48*time.Second)
		assert.LessOrEqual(t, interval, 72*time.Second)
	}
}
