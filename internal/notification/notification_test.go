package notification

import (
	"context"
	"testing"
	"time"

	"github.com/User159951/intellipm/internal/clock"
	"github.com/User159951/intellipm/internal/events"
	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	svc        *Service
	outbox     *events.Outbox
	dispatcher *events.Dispatcher
	clk        *clock.FakeClock
	db         *gorm.DB
	orgID      snowflake.ID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)

	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, gdb.AutoMigrate(
		&events.OutboxMessage{},
		&events.DeadLetterMessage{},
		&Notification{},
	))

	node, err := snowflake.NewNode(7)
	require.NoError(t, err)

	clk := clock.NewFakeClock(time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	registry := events.NewRegistry()
	svc := NewService(gdb, log, node, clk)
	svc.RegisterConsumers(registry)

	outbox := events.NewOutbox(gdb, log, node, clk)
	dispatcher := events.NewDispatcher(gdb, log, events.DispatcherConfig{
		BatchSize: 10,
		LeaseTTL:  time.Minute,
	}, node, clk, registry, nil)

	return &fixture{
		svc:        svc,
		outbox:     outbox,
		dispatcher: dispatcher,
		clk:        clk,
		db:         gdb,
		orgID:      node.Generate(),
	}
}

func TestGovernanceEventsBecomeNotifications(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.outbox.Enqueue(ctx, events.Event{
		OrgID: f.orgID,
		Type:  events.EventQuotaExceeded,
		Payload: events.QuotaExceededPayload{
			OrgID:     f.orgID.String(),
			QuotaType: "tokens",
			Limit:     1000,
		}.ToMap(),
		IdempotencyKey: "exceeded-1",
	}))

	processed, err := f.dispatcher.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, processed)

	var rows []Notification
	require.NoError(t, f.db.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, events.EventQuotaExceeded, rows[0].EventType)
	assert.Equal(t, "tokens quota limit reached", rows[0].Title)
	assert.Equal(t, f.orgID, rows[0].OrgID)

	// The outbox row is gone after successful delivery.
	var pending int64
	require.NoError(t, f.db.Model(&events.OutboxMessage{}).Count(&pending).Error)
	assert.Zero(t, pending)
}

func TestRedeliveryDoesNotDuplicateFeedEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	delivery := events.Delivery{
		MessageID:      "1",
		OrgID:          f.orgID.String(),
		EventType:      events.EventDecisionExpired,
		Payload:        map[string]any{"decision_type": "close_stale_tasks"},
		IdempotencyKey: "decision.expired:42",
	}
	require.NoError(t, f.svc.consume(ctx, delivery))
	require.NoError(t, f.svc.consume(ctx, delivery))

	var count int64
	require.NoError(t, f.db.Model(&Notification{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestListAndMarkRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i, key := range []string{"a", "b", "c"} {
		f.clk.Advance(time.Duration(i+1) * time.Second)
		require.NoError(t, f.svc.consume(ctx, events.Delivery{
			OrgID:          f.orgID.String(),
			EventType:      events.EventDecisionApplied,
			Payload:        map[string]any{"decision_type": "plan_sprint"},
			IdempotencyKey: key,
		}))
	}

	resp, err := f.svc.List(ctx, ListRequest{OrgID: f.orgID, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, resp.Notifications, 2)
	assert.True(t, resp.HasMore)

	rest, err := f.svc.List(ctx, ListRequest{OrgID: f.orgID, PageSize: 2, PageToken: resp.NextPageToken})
	require.NoError(t, err)
	require.Len(t, rest.Notifications, 1)

	require.NoError(t, f.svc.MarkRead(ctx, f.orgID, resp.Notifications[0].ID))

	unread, err := f.svc.List(ctx, ListRequest{OrgID: f.orgID, UnreadOnly: true, PageSize: 10})
	require.NoError(t, err)
	assert.Len(t, unread.Notifications, 2)
}
