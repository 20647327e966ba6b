package moderation

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bluesky-social/warden/models"
	"github.com/bluesky-social/warden/moderation/audit"
	"github.com/bluesky-social/warden/notifs"
	"github.com/bluesky-social/warden/tasks"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// returns the token delivered to the requesting admin for requestID
func confirmationToken(t *testing.T, f *testFixture, requestID string) string {
	t.Helper()
	for _, n := range f.Confirmations.Sent() {
		if n.Payload["request_id"] == requestID {
			tok, ok := n.Payload["token"].(string)
			require.True(t, ok)
			return tok
		}
	}
	t.Fatalf("no confirmation sent for %s", requestID)
	return ""
}

func TestGrantAdminTwoStep(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := engineTestFixture(t)

	admin := f.admin(t)
	user := f.account(t)

	req, err := f.Engine.GrantAdmin(ctx, admin.ID, user.ID)
	require.NoError(t, err)
	assert.True(req.Accepted)
	assert.NotEmpty(req.RequestID)
	assert.True(f.Clock.Now().Add(3 * time.Hour).Equal(req.ExpiresAt))
	assert.False(f.reload(t, user).Admin)
	assert.Equal([]string{string(audit.KindRequestAdmin)}, f.auditKinds(t, user.ID))

	sent := f.Confirmations.Sent()
	require.Len(t, sent, 1)
	assert.Equal(notifs.KindAdminConfirmation, sent[0].Kind)
	assert.Equal(admin.ID, sent[0].TargetID)

	// staff are told a request exists, without the token
	requested := f.notifications(t, notifs.KindAdminRequested)
	require.Len(t, requested, 1)
	assert.Equal(req.RequestID, requested[0].Payload["request_id"])
	assert.NotContains(requested[0].Payload, "token")
	assert.Empty(f.notifications(t, notifs.KindAdminConfirmation))

	var conf models.AdminConfirmation
	require.NoError(t, f.DB.Where("request_id = ?", req.RequestID).First(&conf).Error)
	tok := confirmationToken(t, f, req.RequestID)
	assert.NotContains(conf.TokenHash, tok)

	err = f.Engine.ConfirmAdminGrant(ctx, req.RequestID, "wrong")
	assert.ErrorIs(err, ErrConfirmationInvalid)
	assert.ErrorIs(err, ErrInvalidAccess)
	assert.False(f.reload(t, user).Admin)

	require.NoError(t, f.Engine.ConfirmAdminGrant(ctx, req.RequestID, tok))
	assert.True(f.reload(t, user).Admin)
	assert.Equal([]string{string(audit.KindRequestAdmin), string(audit.KindGrantAdmin)}, f.auditKinds(t, user.ID))

	// a confirmation can only be used once
	assert.ErrorIs(f.Engine.ConfirmAdminGrant(ctx, req.RequestID, tok), ErrConfirmationInvalid)
}

func TestGrantAdminExpiry(t *testing.T) {
	ctx := context.Background()
	f := engineTestFixture(t)

	admin := f.admin(t)
	user := f.account(t)

	req, err := f.Engine.GrantAdmin(ctx, admin.ID, user.ID)
	require.NoError(t, err)
	tok := confirmationToken(t, f, req.RequestID)

	f.Clock.Advance(3*time.Hour + time.Second)
	assert.ErrorIs(t, f.Engine.ConfirmAdminGrant(ctx, req.RequestID, tok), ErrConfirmationInvalid)
	assert.False(t, f.reload(t, user).Admin)
}

func TestGrantAdminSupersedes(t *testing.T) {
	ctx := context.Background()
	f := engineTestFixture(t)

	admin := f.admin(t)
	user := f.account(t)

	first, err := f.Engine.GrantAdmin(ctx, admin.ID, user.ID)
	require.NoError(t, err)
	second, err := f.Engine.GrantAdmin(ctx, admin.ID, user.ID)
	require.NoError(t, err)

	assert.ErrorIs(t, f.Engine.ConfirmAdminGrant(ctx, first.RequestID, confirmationToken(t, f, first.RequestID)), ErrConfirmationInvalid)
	assert.NoError(t, f.Engine.ConfirmAdminGrant(ctx, second.RequestID, confirmationToken(t, f, second.RequestID)))
}

func TestGrantAdminRequesterDemoted(t *testing.T) {
	ctx := context.Background()
	f := engineTestFixture(t)

	a1 := f.admin(t)
	a2 := f.admin(t)
	user := f.account(t)

	req, err := f.Engine.GrantAdmin(ctx, a1.ID, user.ID)
	require.NoError(t, err)
	require.NoError(t, f.Engine.RevokeAdmin(ctx, a2.ID, a1.ID))

	err = f.Engine.ConfirmAdminGrant(ctx, req.RequestID, confirmationToken(t, f, req.RequestID))
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.False(t, f.reload(t, user).Admin)
}

func TestGrantAdminGuard(t *testing.T) {
	ctx := context.Background()
	f := engineTestFixture(t)

	admin := f.admin(t)
	mod := f.moderator(t)
	other := f.admin(t)
	inactive := f.account(t, func(a *models.Account) { a.Active = false })

	_, err := f.Engine.GrantAdmin(ctx, mod.ID, inactive.ID)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.Engine.GrantAdmin(ctx, admin.ID, other.ID)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.Engine.GrantAdmin(ctx, admin.ID, inactive.ID)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Empty(t, f.Confirmations.Sent())
	assert.Empty(t, f.notifications(t, notifs.KindAdminRequested))
}

func TestGrantAdminTokenNotPersisted(t *testing.T) {
	ctx := context.Background()
	f := engineTestFixture(t)
	f.Engine.Notifier = notifs.NewQueueDispatcher(tasks.NewGormstore(f.DB))

	admin := f.admin(t)
	user := f.account(t)

	req, err := f.Engine.GrantAdmin(ctx, admin.ID, user.ID)
	require.NoError(t, err)
	tok := confirmationToken(t, f, req.RequestID)

	var queued []tasks.Task
	require.NoError(t, f.DB.Find(&queued).Error)
	require.Len(t, queued, 1)
	for _, task := range queued {
		assert.NotContains(t, string(task.Payload), tok)
	}

	var records []models.AuditRecord
	require.NoError(t, f.DB.Find(&records).Error)
	require.NotEmpty(t, records)
	for _, rec := range records {
		assert.NotContains(t, rec.Details, tok)
		assert.NotContains(t, fmt.Sprint(rec.Context), tok)
	}
}

func TestGrantAdminUndelivered(t *testing.T) {
	ctx := context.Background()
	f := engineTestFixture(t)
	f.Confirmations.err = errors.New("terminal closed")

	admin := f.admin(t)
	user := f.account(t)

	_, err := f.Engine.GrantAdmin(ctx, admin.ID, user.ID)
	assert.ErrorContains(t, err, "terminal closed")

	var conf models.AdminConfirmation
	require.NoError(t, f.DB.Where("account_id = ?", user.ID).First(&conf).Error)
	assert.NotNil(t, conf.RevokedAt)
	assert.False(t, f.reload(t, user).Admin)
	assert.Empty(t, f.notifications(t, notifs.KindAdminRequested))

	f.Engine.Confirmations = nil
	_, err = f.Engine.GrantAdmin(ctx, admin.ID, user.ID)
	assert.ErrorIs(t, err, ErrNoConfirmationChannel)
}

func TestRevokeAdmin(t *testing.T) {
	ctx := context.Background()
	f := engineTestFixture(t)

	admin := f.admin(t)
	other := f.admin(t)
	user := f.account(t)

	assert.ErrorIs(t, f.Engine.RevokeAdmin(ctx, admin.ID, admin.ID), ErrUnauthorized)
	assert.ErrorIs(t, f.Engine.RevokeAdmin(ctx, admin.ID, user.ID), ErrUnauthorized)

	require.NoError(t, f.Engine.RevokeAdmin(ctx, admin.ID, other.ID))
	assert.False(t, f.reload(t, other).Admin)
	assert.Equal(t, []string{string(audit.KindRevokeAdmin)}, f.auditKinds(t, other.ID))
}

func TestModeration(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := engineTestFixture(t)

	admin := f.admin(t)
	mod := f.moderator(t)
	user := f.account(t)

	assert.ErrorIs(f.Engine.GrantModeration(ctx, mod.ID, user.ID), ErrUnauthorized)
	assert.ErrorIs(f.Engine.GrantModeration(ctx, admin.ID, mod.ID), ErrUnauthorized)
	assert.ErrorIs(f.Engine.RevokeModeration(ctx, admin.ID, user.ID), ErrUnauthorized)

	require.NoError(t, f.Engine.GrantModeration(ctx, admin.ID, user.ID))
	assert.True(f.reload(t, user).Moderator)
	require.NoError(t, f.Engine.RevokeModeration(ctx, admin.ID, user.ID))
	assert.False(f.reload(t, user).Moderator)

	assert.Equal([]string{
		string(audit.KindGrantModeration),
		string(audit.KindRevokeModeration),
	}, f.auditKinds(t, user.ID))
}

func TestConfirmationTokenHash(t *testing.T) {
	tok, hash, err := newConfirmationToken()
	require.NoError(t, err)
	assert.NoError(t, verifyToken(hash, tok))
	assert.ErrorIs(t, verifyToken(hash, tok+"x"), errTokenMismatch)
	assert.ErrorIs(t, verifyToken("garbage", tok), errTokenMismatch)
}
