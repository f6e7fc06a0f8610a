package main

import (
	"github.com/User159951/intellipm/internal/agent"
	"github.com/User159951/intellipm/internal/clock"
	"github.com/User159951/intellipm/internal/config"
	"github.com/User159951/intellipm/internal/decision"
	"github.com/User159951/intellipm/internal/events"
	"github.com/User159951/intellipm/internal/killswitch"
	"github.com/User159951/intellipm/internal/logger"
	"github.com/User159951/intellipm/internal/migration"
	"github.com/User159951/intellipm/internal/notification"
	"github.com/User159951/intellipm/internal/observability"
	"github.com/User159951/intellipm/internal/pipeline"
	"github.com/User159951/intellipm/internal/quota"
	"github.com/User159951/intellipm/internal/scheduler"
	"github.com/User159951/intellipm/internal/server"
	"github.com/User159951/intellipm/pkg/db"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure.
		config.Module,
		logger.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Governance domains.
		events.Module,
		killswitch.Module,
		quota.Module,
		decision.Module,
		agent.Module,
		pipeline.Module,
		notification.Module,
		scheduler.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
