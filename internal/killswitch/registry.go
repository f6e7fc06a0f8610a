// Package killswitch gates AI features globally and per organization. Reads
// are cached; writes invalidate explicitly (and fan the invalidation out to
// sibling instances over Redis when configured) so an operator flipping the
// switch never waits on TTL expiry.
package killswitch

import (
	"context"
	"errors"
	"time"

	"github.com/User159951/intellipm/internal/cache"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	globalCacheTTL = 30 * time.Second
	orgCacheTTL    = 30 * time.Second

	globalCacheKey = "global"
)

// Registry exposes the layered enable flags consulted on every admission
// check.
type Registry interface {
	GlobalEnabled(ctx context.Context) (bool, error)
	OrgEnabled(ctx context.Context, orgID snowflake.ID) (bool, error)

	SetGlobal(ctx context.Context, enabled bool) error
	SetOrgEnabled(ctx context.Context, orgID snowflake.ID, enabled bool) error

	Invalidate(orgID snowflake.ID)
	InvalidateGlobal()

	// HandleInvalidation applies a fanout message received from a sibling
	// instance.
	HandleInvalidation(key string)
}

// Fanout broadcasts invalidations to other instances. Nil-safe no-op when
// running single-instance.
type Fanout interface {
	Broadcast(ctx context.Context, key string) error
}

type registry struct {
	db     *gorm.DB
	log    *zap.Logger
	flags  cache.Cache[string, bool]
	fanout Fanout
	clock  func() time.Time
}

func NewRegistry(db *gorm.DB, log *zap.Logger, fanout Fanout) Registry {
	return &registry{
		db:     db,
		log:    log.Named("killswitch"),
		flags:  cache.NewTTLCache[string, bool](),
		fanout: fanout,
		clock:  func() time.Time { return time.Now().UTC() },
	}
}

func (r *registry) GlobalEnabled(ctx context.Context) (bool, error) {
	if enabled, ok := r.flags.Get(globalCacheKey); ok {
		return enabled, nil
	}

	var setting PlatformSetting
	err := r.db.WithContext(ctx).First(&setting, "key = ?", globalAIEnabledKey).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// No explicit setting means the platform ships enabled.
			r.flags.Set(globalCacheKey, true, globalCacheTTL)
			return true, nil
		}
		return false, err
	}

	enabled := setting.Value == "true"
	r.flags.Set(globalCacheKey, enabled, globalCacheTTL)
	return enabled, nil
}

func (r *registry) OrgEnabled(ctx context.Context, orgID snowflake.ID) (bool, error) {
	if orgID == 0 {
		return false, nil
	}
	key := orgCacheKey(orgID)
	if enabled, ok := r.flags.Get(key); ok {
		return enabled, nil
	}

	var enabled bool
	err := r.db.WithContext(ctx).Raw(
		`SELECT is_ai_enabled FROM organization_quotas WHERE org_id = ?`,
		orgID,
	).Scan(&enabled).Error
	if err != nil {
		return false, err
	}

	r.flags.Set(key, enabled, orgCacheTTL)
	return enabled, nil
}

func (r *registry) SetGlobal(ctx context.Context, enabled bool) error {
	value := "false"
	if enabled {
		value = "true"
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.Assignments(map[string]any{"value": value, "updated_at": r.clock()}),
		}).
		Create(&PlatformSetting{Key: globalAIEnabledKey, Value: value, UpdatedAt: r.clock()}).Error
	if err != nil {
		return err
	}

	r.InvalidateGlobal()
	r.broadcast(ctx, globalCacheKey)
	r.log.Info("global ai kill switch updated", zap.Bool("enabled", enabled))
	return nil
}

func (r *registry) SetOrgEnabled(ctx context.Context, orgID snowflake.ID, enabled bool) error {
	res := r.db.WithContext(ctx).Exec(
		`UPDATE organization_quotas SET is_ai_enabled = ?, updated_at = ? WHERE org_id = ?`,
		enabled, r.clock(), orgID,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}

	r.Invalidate(orgID)
	r.broadcast(ctx, orgID.String())
	r.log.Info("organization ai flag updated",
		zap.String("org_id", orgID.String()),
		zap.Bool("enabled", enabled),
	)
	return nil
}

func (r *registry) Invalidate(orgID snowflake.ID) {
	r.flags.Delete(orgCacheKey(orgID))
}

func (r *registry) InvalidateGlobal() {
	r.flags.Delete(globalCacheKey)
}

func (r *registry) HandleInvalidation(key string) {
	if key == globalCacheKey {
		r.InvalidateGlobal()
		return
	}
	if parsed, err := snowflake.ParseString(key); err == nil {
		r.Invalidate(parsed)
	}
}

func (r *registry) broadcast(ctx context.Context, key string) {
	if r.fanout == nil {
		return
	}
	if err := r.fanout.Broadcast(ctx, key); err != nil {
		r.log.Warn("kill switch invalidation broadcast failed", zap.Error(err))
	}
}

func orgCacheKey(orgID snowflake.ID) string {
	return "org:" + orgID.String()
}
