package moderation

import (
	"context"
	"testing"

	"github.com/bluesky-social/warden/models"
	"github.com/bluesky-social/warden/moderation/audit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (f *testFixture) group(t *testing.T, name string, mods ...func(*models.Group)) *models.Group {
	t.Helper()
	g := &models.Group{Name: name}
	for _, m := range mods {
		m(g)
	}
	require.NoError(t, f.DB.Create(g).Error)
	return g
}

func (f *testFixture) memberships(t *testing.T, accountID uint64) []uint64 {
	t.Helper()
	var ids []uint64
	require.NoError(t, f.DB.Model(&models.GroupMembership{}).Where("account_id = ?", accountID).Order("group_id").Pluck("group_id", &ids).Error)
	return ids
}

func TestAddRemoveGroup(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := engineTestFixture(t)

	mod := f.moderator(t)
	user := f.account(t)
	g := f.group(t, "translators")

	require.NoError(t, f.Engine.AddGroup(ctx, mod.ID, user.ID, g.ID))
	// adding twice is harmless
	require.NoError(t, f.Engine.AddGroup(ctx, mod.ID, user.ID, g.ID))
	assert.Equal([]uint64{g.ID}, f.memberships(t, user.ID))

	require.NoError(t, f.Engine.SetPrimaryGroup(ctx, mod.ID, user.ID, &g.ID))
	require.NotNil(t, f.reload(t, user).PrimaryGroupID)

	require.NoError(t, f.Engine.RemoveGroup(ctx, mod.ID, user.ID, g.ID))
	assert.Empty(f.memberships(t, user.ID))
	assert.Nil(f.reload(t, user).PrimaryGroupID)

	assert.Equal([]string{
		string(audit.KindAddToGroup),
		string(audit.KindAddToGroup),
		string(audit.KindChangePrimaryGroup),
		string(audit.KindRemoveFromGroup),
	}, f.auditKinds(t, user.ID))
}

func TestAutomaticGroup(t *testing.T) {
	ctx := context.Background()
	f := engineTestFixture(t)

	admin := f.admin(t)
	user := f.account(t)
	auto := f.group(t, "trust_level_1", func(g *models.Group) { g.Automatic = true })
	require.NoError(t, f.DB.Create(&models.GroupMembership{GroupID: auto.ID, AccountID: user.ID}).Error)

	err := f.Engine.AddGroup(ctx, admin.ID, user.ID, auto.ID)
	assert.ErrorIs(t, err, ErrAutomaticGroup)
	assert.Equal(t, 422, StatusCode(err))
	assert.Equal(t, []uint64{auto.ID}, f.memberships(t, user.ID))

	err = f.Engine.RemoveGroup(ctx, admin.ID, user.ID, auto.ID)
	assert.ErrorIs(t, err, ErrAutomaticGroup)
	assert.Equal(t, []uint64{auto.ID}, f.memberships(t, user.ID))

	assert.Empty(t, f.auditKinds(t, user.ID))
}

func TestGroupNotFound(t *testing.T) {
	ctx := context.Background()
	f := engineTestFixture(t)

	mod := f.moderator(t)
	user := f.account(t)

	err := f.Engine.AddGroup(ctx, mod.ID, user.ID, 999)
	assert.ErrorIs(t, err, ErrGroupNotFound)
	assert.Equal(t, 404, StatusCode(err))
}

func TestStaffOnlyGroup(t *testing.T) {
	ctx := context.Background()
	f := engineTestFixture(t)

	admin := f.admin(t)
	mod := f.moderator(t)
	user := f.account(t)
	staff := f.group(t, "staff", func(g *models.Group) { g.StaffOnly = true })

	assert.ErrorIs(t, f.Engine.AddGroup(ctx, mod.ID, user.ID, staff.ID), ErrUnauthorized)
	assert.NoError(t, f.Engine.AddGroup(ctx, admin.ID, user.ID, staff.ID))
}

func TestSetPrimaryGroup(t *testing.T) {
	ctx := context.Background()
	f := engineTestFixture(t)

	mod := f.moderator(t)
	user := f.account(t)
	g := f.group(t, "designers")

	err := f.Engine.SetPrimaryGroup(ctx, mod.ID, user.ID, &g.ID)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Nil(t, f.reload(t, user).PrimaryGroupID)

	require.NoError(t, f.Engine.AddGroup(ctx, mod.ID, user.ID, g.ID))
	require.NoError(t, f.Engine.SetPrimaryGroup(ctx, mod.ID, user.ID, &g.ID))
	assert.Equal(t, g.ID, *f.reload(t, user).PrimaryGroupID)

	// clearing is always allowed
	require.NoError(t, f.Engine.SetPrimaryGroup(ctx, mod.ID, user.ID, nil))
	assert.Nil(t, f.reload(t, user).PrimaryGroupID)
}
