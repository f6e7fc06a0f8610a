package migration

import (
	"github.com/User159951/intellipm/internal/config"
	decisiondomain "github.com/User159951/intellipm/internal/decision/domain"
	"github.com/User159951/intellipm/internal/events"
	"github.com/User159951/intellipm/internal/killswitch"
	"github.com/User159951/intellipm/internal/notification"
	quotadomain "github.com/User159951/intellipm/internal/quota/domain"
	"github.com/User159951/intellipm/internal/seed"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType == "postgres" {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			if err := RunMigrations(sqlDB); err != nil {
				return err
			}
		} else {
			// sqlite and mysql development setups derive the schema from
			// the models.
			if err := conn.AutoMigrate(
				&quotadomain.QuotaTier{},
				&quotadomain.OrganizationQuota{},
				&quotadomain.UserQuotaOverride{},
				&quotadomain.UsageCounter{},
				&killswitch.PlatformSetting{},
				&decisiondomain.AIDecisionLog{},
				&events.OutboxMessage{},
				&events.DeadLetterMessage{},
				&notification.Notification{},
			); err != nil {
				return err
			}
		}

		return seed.EnsureDefaultTiers(conn)
	}),
)
