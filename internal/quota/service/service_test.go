package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/User159951/intellipm/internal/clock"
	"github.com/User159951/intellipm/internal/config"
	"github.com/User159951/intellipm/internal/events"
	"github.com/User159951/intellipm/internal/killswitch"
	"github.com/User159951/intellipm/internal/orgcontext"
	quotadomain "github.com/User159951/intellipm/internal/quota/domain"
	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	svc      quotadomain.Service
	db       *gorm.DB
	clock    *clock.FakeClock
	registry killswitch.Registry
	genID    *snowflake.Node
	orgID    snowflake.ID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)

	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	// Serialize access so concurrent callers contend on the conditional
	// update instead of on sqlite's file lock.
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, gdb.AutoMigrate(
		&quotadomain.QuotaTier{},
		&quotadomain.OrganizationQuota{},
		&quotadomain.UserQuotaOverride{},
		&quotadomain.UsageCounter{},
		&killswitch.PlatformSetting{},
		&events.OutboxMessage{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	clk := clock.NewFakeClock(time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC))
	log := zap.NewNop()
	registry := killswitch.NewRegistry(gdb, log, nil)
	outbox := events.NewOutbox(gdb, log, node, clk)

	svc := NewService(ServiceParam{
		DB:       gdb,
		Log:      log,
		GenID:    node,
		Clock:    clk,
		Cfg:      config.Config{Governance: config.Governance{DefaultResetDay: 1}},
		Registry: registry,
		Outbox:   outbox,
	})

	return &fixture{
		svc:      svc,
		db:       gdb,
		clock:    clk,
		registry: registry,
		genID:    node,
		orgID:    node.Generate(),
	}
}

func (f *fixture) seed(t *testing.T, tier quotadomain.QuotaTier, quota quotadomain.OrganizationQuota) (snowflake.ID, snowflake.ID) {
	t.Helper()

	tier.ID = f.genID.Generate()
	if tier.Name == "" {
		tier.Name = "pro"
	}
	require.NoError(t, f.db.Create(&tier).Error)

	quota.ID = f.genID.Generate()
	quota.OrgID = f.orgID
	quota.TierID = tier.ID
	if quota.ResetDayOfMonth == 0 {
		quota.ResetDayOfMonth = 1
	}
	require.NoError(t, f.db.Create(&quota).Error)

	return tier.ID, quota.ID
}

func (f *fixture) ctx() context.Context {
	return orgcontext.WithOrgID(context.Background(), f.orgID)
}

func (f *fixture) usage(t *testing.T, column string) int64 {
	t.Helper()
	var usage int64
	err := f.db.Raw("SELECT COALESCE(SUM(" + column + "), 0) FROM usage_counters").Scan(&usage).Error
	require.NoError(t, err)
	return usage
}

func TestValidateAllowsWithinLimit(t *testing.T) {
	f := newFixture(t)
	f.seed(t,
		quotadomain.QuotaTier{MaxTokensPerPeriod: 1000, MaxRequestsPerPeriod: 100},
		quotadomain.OrganizationQuota{IsAIEnabled: true},
	)

	decision, err := f.svc.Validate(f.ctx(), 0, quotadomain.QuotaTokens, 400)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.False(t, decision.Overage)
	assert.Equal(t, int64(400), decision.CurrentUsage)
	assert.Equal(t, int64(1000), decision.Limit)
	assert.Equal(t, "pro", decision.TierName)
	assert.NoError(t, decision.Err())
	assert.Equal(t, int64(400), f.usage(t, "tokens_used"))
}

func TestValidateDeniesWhenLimitWouldBeExceeded(t *testing.T) {
	f := newFixture(t)
	f.seed(t,
		quotadomain.QuotaTier{MaxTokensPerPeriod: 1000},
		quotadomain.OrganizationQuota{IsAIEnabled: true},
	)

	decision, err := f.svc.Validate(f.ctx(), 0, quotadomain.QuotaTokens, 950)
	require.NoError(t, err)
	require.True(t, decision.Allowed)

	// 950 of 1000 used; a 100-token request must be refused outright, not
	// partially granted.
	decision, err = f.svc.Validate(f.ctx(), 0, quotadomain.QuotaTokens, 100)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, quotadomain.DenyQuotaExceeded, decision.Reason)
	assert.Equal(t, int64(950), decision.CurrentUsage)
	assert.Equal(t, int64(950), f.usage(t, "tokens_used"))

	var quotaErr *quotadomain.QuotaExceededError
	require.ErrorAs(t, decision.Err(), &quotaErr)
	assert.Equal(t, int64(1000), quotaErr.Limit)
	assert.Equal(t, "pro", quotaErr.TierName)

	// A smaller request that still fits goes through.
	decision, err = f.svc.Validate(f.ctx(), 0, quotadomain.QuotaTokens, 50)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, int64(1000), f.usage(t, "tokens_used"))
}

func TestValidateDenialEmitsSingleExceededEvent(t *testing.T) {
	f := newFixture(t)
	f.seed(t,
		quotadomain.QuotaTier{MaxTokensPerPeriod: 100},
		quotadomain.OrganizationQuota{IsAIEnabled: true},
	)

	for i := 0; i < 3; i++ {
		decision, err := f.svc.Validate(f.ctx(), 0, quotadomain.QuotaTokens, 200)
		require.NoError(t, err)
		require.False(t, decision.Allowed)
	}

	var count int64
	require.NoError(t, f.db.Model(&events.OutboxMessage{}).
		Where("event_type = ?", events.EventQuotaExceeded).
		Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestValidateGlobalKillSwitch(t *testing.T) {
	f := newFixture(t)
	f.seed(t,
		quotadomain.QuotaTier{MaxTokensPerPeriod: 1000},
		quotadomain.OrganizationQuota{IsAIEnabled: true},
	)

	require.NoError(t, f.registry.SetGlobal(context.Background(), false))

	decision, err := f.svc.Validate(f.ctx(), 0, quotadomain.QuotaTokens, 1)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, quotadomain.DenyGlobalDisabled, decision.Reason)

	var disabledErr *quotadomain.AIDisabledError
	require.ErrorAs(t, decision.Err(), &disabledErr)
	assert.True(t, disabledErr.Global)

	// Counter untouched; re-enabling restores admission.
	assert.Equal(t, int64(0), f.usage(t, "tokens_used"))
	require.NoError(t, f.registry.SetGlobal(context.Background(), true))

	decision, err = f.svc.Validate(f.ctx(), 0, quotadomain.QuotaTokens, 1)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestValidateOrgDisabled(t *testing.T) {
	f := newFixture(t)
	f.seed(t,
		quotadomain.QuotaTier{MaxTokensPerPeriod: 1000},
		quotadomain.OrganizationQuota{IsAIEnabled: false},
	)

	decision, err := f.svc.Validate(f.ctx(), 0, quotadomain.QuotaTokens, 1)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, quotadomain.DenyOrgDisabled, decision.Reason)

	var disabledErr *quotadomain.AIDisabledError
	require.ErrorAs(t, decision.Err(), &disabledErr)
	assert.False(t, disabledErr.Global)
	assert.Equal(t, f.orgID, disabledErr.OrgID)
}

func TestValidateUserOverrideReplacesOrgLimit(t *testing.T) {
	f := newFixture(t)
	f.seed(t,
		quotadomain.QuotaTier{MaxTokensPerPeriod: 1_000_000},
		quotadomain.OrganizationQuota{IsAIEnabled: true, MonthlyTokenLimit: 1_000_000},
	)

	userID := f.genID.Generate()
	limit := int64(100)
	require.NoError(t, f.db.Create(&quotadomain.UserQuotaOverride{
		ID:                 f.genID.Generate(),
		OrgID:              f.orgID,
		UserID:             userID,
		TokenLimitOverride: &limit,
	}).Error)

	// The override replaces the org limit outright.
	decision, err := f.svc.Validate(f.ctx(), userID, quotadomain.QuotaTokens, 150)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, int64(100), decision.Limit)

	// Another user without an override keeps the org limit.
	decision, err = f.svc.Validate(f.ctx(), f.genID.Generate(), quotadomain.QuotaTokens, 150)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestValidateUserOverrideEnableFlag(t *testing.T) {
	f := newFixture(t)
	f.seed(t,
		quotadomain.QuotaTier{MaxTokensPerPeriod: 1000},
		quotadomain.OrganizationQuota{IsAIEnabled: false},
	)

	userID := f.genID.Generate()
	enabled := true
	require.NoError(t, f.db.Create(&quotadomain.UserQuotaOverride{
		ID:                f.genID.Generate(),
		OrgID:             f.orgID,
		UserID:            userID,
		AIEnabledOverride: &enabled,
	}).Error)

	decision, err := f.svc.Validate(f.ctx(), userID, quotadomain.QuotaTokens, 1)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	// The per-user flag never bypasses the global switch.
	require.NoError(t, f.registry.SetGlobal(context.Background(), false))
	decision, err = f.svc.Validate(f.ctx(), userID, quotadomain.QuotaTokens, 1)
	require.NoError(t, err)
	assert.Equal(t, quotadomain.DenyGlobalDisabled, decision.Reason)
}

func TestValidateConcurrentCallersNeverExceedLimit(t *testing.T) {
	f := newFixture(t)
	f.seed(t,
		quotadomain.QuotaTier{MaxRequestsPerPeriod: 10},
		quotadomain.OrganizationQuota{IsAIEnabled: true},
	)

	const callers = 50
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decision, err := f.svc.Validate(f.ctx(), 0, quotadomain.QuotaRequests, 1)
			if err != nil {
				return
			}
			if decision.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, allowed)
	assert.Equal(t, int64(10), f.usage(t, "requests_used"))
}

func TestValidatePeriodRollover(t *testing.T) {
	f := newFixture(t)
	f.seed(t,
		quotadomain.QuotaTier{MaxTokensPerPeriod: 100},
		quotadomain.OrganizationQuota{IsAIEnabled: true, ResetDayOfMonth: 1},
	)

	decision, err := f.svc.Validate(f.ctx(), 0, quotadomain.QuotaTokens, 100)
	require.NoError(t, err)
	require.True(t, decision.Allowed)

	decision, err = f.svc.Validate(f.ctx(), 0, quotadomain.QuotaTokens, 1)
	require.NoError(t, err)
	require.False(t, decision.Allowed)

	// Cross into April: usage restarts from zero without any reset job.
	f.clock.Advance(30 * 24 * time.Hour)

	decision, err = f.svc.Validate(f.ctx(), 0, quotadomain.QuotaTokens, 1)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, int64(1), decision.CurrentUsage)

	var counters int64
	require.NoError(t, f.db.Model(&quotadomain.UsageCounter{}).Count(&counters).Error)
	assert.Equal(t, int64(2), counters)
}

func TestValidateOverageTier(t *testing.T) {
	f := newFixture(t)
	f.seed(t,
		quotadomain.QuotaTier{
			Name:               "enterprise",
			MaxTokensPerPeriod: 100,
			AllowOverage:       true,
			OverageRate:        0.02,
		},
		quotadomain.OrganizationQuota{IsAIEnabled: true},
	)

	decision, err := f.svc.Validate(f.ctx(), 0, quotadomain.QuotaTokens, 150)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.True(t, decision.Overage)
	assert.Equal(t, int64(150), decision.CurrentUsage)

	var count int64
	require.NoError(t, f.db.Model(&events.OutboxMessage{}).
		Where("event_type = ?", events.EventQuotaOverage).
		Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestValidateMissingConfiguration(t *testing.T) {
	f := newFixture(t)

	// An organization with no quota row is treated as not enabled rather
	// than as an internal error.
	decision, err := f.svc.Validate(f.ctx(), 0, quotadomain.QuotaTokens, 1)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, quotadomain.DenyOrgDisabled, decision.Reason)

	_, err = f.svc.Validate(context.Background(), 0, quotadomain.QuotaTokens, 1)
	assert.ErrorIs(t, err, quotadomain.ErrInvalidOrganization)

	_, err = f.svc.Validate(f.ctx(), 0, quotadomain.QuotaTokens, 0)
	assert.ErrorIs(t, err, quotadomain.ErrInvalidAmount)

	_, err = f.svc.Validate(f.ctx(), 0, quotadomain.QuotaType("bogus"), 1)
	assert.ErrorIs(t, err, quotadomain.ErrInvalidQuotaType)
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	f.seed(t,
		quotadomain.QuotaTier{MaxTokensPerPeriod: 1000, MaxRequestsPerPeriod: 100},
		quotadomain.OrganizationQuota{IsAIEnabled: true},
	)

	_, err := f.svc.Validate(f.ctx(), 0, quotadomain.QuotaTokens, 250)
	require.NoError(t, err)

	status, err := f.svc.Status(f.ctx())
	require.NoError(t, err)
	assert.Equal(t, int64(250), status.TokensUsed)
	assert.Equal(t, int64(1000), status.TokenLimit)
	assert.Equal(t, int64(100), status.RequestLimit)
	assert.Equal(t, "pro", status.TierName)
	assert.Equal(t, time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC), status.PeriodStart)
	assert.Equal(t, time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC), status.PeriodEnd)
}

func TestPeriodFor(t *testing.T) {
	f := newFixture(t)
	svc := f.svc.(*Service)

	tests := []struct {
		name      string
		now       time.Time
		resetDay  int
		wantStart time.Time
		wantEnd   time.Time
		wantStamp string
	}{
		{
			name:      "mid period",
			now:       time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC),
			resetDay:  1,
			wantStart: time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC),
			wantStamp: "2026-03",
		},
		{
			name:      "before this month's boundary",
			now:       time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC),
			resetDay:  15,
			wantStart: time.Date(2026, time.February, 15, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2026, time.March, 15, 0, 0, 0, 0, time.UTC),
			wantStamp: "2026-02",
		},
		{
			name:      "reset day clamped to short month",
			now:       time.Date(2026, time.February, 28, 12, 0, 0, 0, time.UTC),
			resetDay:  31,
			wantStart: time.Date(2026, time.February, 28, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2026, time.March, 31, 0, 0, 0, 0, time.UTC),
			wantStamp: "2026-02",
		},
		{
			name:      "zero reset day falls back to default",
			now:       time.Date(2026, time.March, 10, 0, 0, 0, 0, time.UTC),
			resetDay:  0,
			wantStart: time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC),
			wantStamp: "2026-03",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := svc.periodFor(tt.now, tt.resetDay)
			assert.Equal(t, tt.wantStart, p.start)
			assert.Equal(t, tt.wantEnd, p.end)
			assert.Equal(t, tt.wantStamp, p.stamp)
		})
	}
}

func TestResetStaleCounters(t *testing.T) {
	f := newFixture(t)
	f.seed(t,
		quotadomain.QuotaTier{MaxTokensPerPeriod: 1000},
		quotadomain.OrganizationQuota{IsAIEnabled: true},
	)

	_, err := f.svc.Validate(f.ctx(), 0, quotadomain.QuotaTokens, 10)
	require.NoError(t, err)

	removed, err := f.svc.ResetStaleCounters(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	f.clock.Advance(40 * 24 * time.Hour)

	removed, err = f.svc.ResetStaleCounters(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}
