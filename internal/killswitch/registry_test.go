package killswitch

import (
	"context"
	"testing"

	quotadomain "github.com/User159951/intellipm/internal/quota/domain"
	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type recordingFanout struct {
	keys []string
}

func (f *recordingFanout) Broadcast(_ context.Context, key string) error {
	f.keys = append(f.keys, key)
	return nil
}

func newTestRegistry(t *testing.T, fanout Fanout) (Registry, *gorm.DB, *snowflake.Node) {
	t.Helper()

	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)

	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, gdb.AutoMigrate(&PlatformSetting{}, &quotadomain.OrganizationQuota{}))

	node, err := snowflake.NewNode(8)
	require.NoError(t, err)

	return NewRegistry(gdb, zap.NewNop(), fanout), gdb, node
}

func TestGlobalDefaultsToEnabled(t *testing.T) {
	registry, _, _ := newTestRegistry(t, nil)

	enabled, err := registry.GlobalEnabled(context.Background())
	require.NoError(t, err)
	assert.True(t, enabled)
}

func TestSetGlobalTakesEffectImmediately(t *testing.T) {
	registry, _, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	// Prime the cache, then flip the switch.
	enabled, err := registry.GlobalEnabled(ctx)
	require.NoError(t, err)
	require.True(t, enabled)

	require.NoError(t, registry.SetGlobal(ctx, false))
	enabled, err = registry.GlobalEnabled(ctx)
	require.NoError(t, err)
	assert.False(t, enabled)

	require.NoError(t, registry.SetGlobal(ctx, true))
	enabled, err = registry.GlobalEnabled(ctx)
	require.NoError(t, err)
	assert.True(t, enabled)
}

func TestOrgFlagReadsAndInvalidates(t *testing.T) {
	registry, gdb, node := newTestRegistry(t, nil)
	ctx := context.Background()
	orgID := node.Generate()

	require.NoError(t, gdb.Create(&quotadomain.OrganizationQuota{
		ID:          node.Generate(),
		OrgID:       orgID,
		TierID:      node.Generate(),
		IsAIEnabled: true,
	}).Error)

	enabled, err := registry.OrgEnabled(ctx, orgID)
	require.NoError(t, err)
	require.True(t, enabled)

	require.NoError(t, registry.SetOrgEnabled(ctx, orgID, false))
	enabled, err = registry.OrgEnabled(ctx, orgID)
	require.NoError(t, err)
	assert.False(t, enabled)
}

func TestSetOrgEnabledUnknownOrg(t *testing.T) {
	registry, _, node := newTestRegistry(t, nil)

	err := registry.SetOrgEnabled(context.Background(), node.Generate(), false)
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestOrgWithoutQuotaRowIsDisabled(t *testing.T) {
	registry, _, node := newTestRegistry(t, nil)

	enabled, err := registry.OrgEnabled(context.Background(), node.Generate())
	require.NoError(t, err)
	assert.False(t, enabled)
}

func TestWritesBroadcastInvalidations(t *testing.T) {
	fanout := &recordingFanout{}
	registry, gdb, node := newTestRegistry(t, fanout)
	ctx := context.Background()
	orgID := node.Generate()

	require.NoError(t, gdb.Create(&quotadomain.OrganizationQuota{
		ID:          node.Generate(),
		OrgID:       orgID,
		TierID:      node.Generate(),
		IsAIEnabled: true,
	}).Error)

	require.NoError(t, registry.SetGlobal(ctx, false))
	require.NoError(t, registry.SetOrgEnabled(ctx, orgID, false))

	require.Equal(t, []string{"global", orgID.String()}, fanout.keys)
}

func TestHandleInvalidationDropsCachedFlags(t *testing.T) {
	registry, gdb, node := newTestRegistry(t, nil)
	ctx := context.Background()
	orgID := node.Generate()

	require.NoError(t, gdb.Create(&quotadomain.OrganizationQuota{
		ID:          node.Generate(),
		OrgID:       orgID,
		TierID:      node.Generate(),
		IsAIEnabled: true,
	}).Error)

	enabled, err := registry.OrgEnabled(ctx, orgID)
	require.NoError(t, err)
	require.True(t, enabled)

	// A sibling instance flipped the flag; we only see the fanout message.
	require.NoError(t, gdb.Exec(
		`UPDATE organization_quotas SET is_ai_enabled = ? WHERE org_id = ?`, false, orgID,
	).Error)

	// Cached value still served until the invalidation arrives.
	enabled, err = registry.OrgEnabled(ctx, orgID)
	require.NoError(t, err)
	require.True(t, enabled)

	registry.HandleInvalidation(orgID.String())
	enabled, err = registry.OrgEnabled(ctx, orgID)
	require.NoError(t, err)
	assert.False(t, enabled)
}
