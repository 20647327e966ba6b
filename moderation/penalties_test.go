package moderation

import (
	"context"
	"testing"
	"time"

	"github.com/bluesky-social/warden/events"
	"github.com/bluesky-social/warden/models"
	"github.com/bluesky-social/warden/moderation/audit"
	"github.com/bluesky-social/warden/notifs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSuspend(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := engineTestFixture(t)

	mod := f.moderator(t)
	user := f.account(t)
	require.NoError(t, f.DB.Create(&models.SessionToken{AccountID: user.ID, TokenHash: "abc"}).Error)
	evts := f.subscribe(t, user.ID)

	now := f.Clock.Now()
	until := now.Add(7 * 24 * time.Hour)
	res, err := f.Engine.Suspend(ctx, mod.ID, user.ID, SuspendParams{
		Until:   &until,
		Reason:  "spamming",
		Message: "please stop",
	})
	require.NoError(t, err)
	assert.Equal("spamming", res.Reason)
	assert.Equal("spamming\n\nplease stop", res.FullReason)
	assert.True(until.Equal(res.SuspendedTill))
	assert.True(now.Equal(res.SuspendedAt))

	got := f.reload(t, user)
	require.NotNil(t, got.SuspendedAt)
	assert.WithinDuration(now, *got.SuspendedAt, time.Second)
	assert.WithinDuration(until, *got.SuspendedTill, time.Second)

	var sessions int64
	require.NoError(t, f.DB.Model(&models.SessionToken{}).Where("account_id = ?", user.ID).Count(&sessions).Error)
	assert.Zero(sessions)

	assert.Equal([]string{string(audit.KindSuspend)}, f.auditKinds(t, user.ID))

	sent := f.notifications(t, notifs.KindAccountSuspended)
	require.Len(t, sent, 1)
	assert.Equal(user.ID, sent[0].TargetID)
	assert.EqualValues(res.AuditRecordID, sent[0].Payload["audit_record_id"])

	assert.Equal(events.KindUserLoggedOut, nextEvent(t, evts).Kind)
	evt := nextEvent(t, evts)
	assert.Equal(events.KindUserSuspended, evt.Kind)
	assert.Equal(mod.ID, evt.ActorID)
	assert.Equal("spamming", evt.Data["reason"])
	assert.Equal("please stop", evt.Data["message"])
}

func TestSuspendWithoutMessageSkipsNotification(t *testing.T) {
	ctx := context.Background()
	f := engineTestFixture(t)

	mod := f.moderator(t)
	user := f.account(t)

	_, err := f.Engine.Suspend(ctx, mod.ID, user.ID, SuspendParams{
		Until:  ptr(f.Clock.Now().Add(time.Hour)),
		Reason: "spamming",
	})
	require.NoError(t, err)
	assert.Empty(t, f.notifications(t, notifs.KindAccountSuspended))
}

func TestSuspendValidation(t *testing.T) {
	ctx := context.Background()
	f := engineTestFixture(t)

	mod := f.moderator(t)
	user := f.account(t)
	until := f.Clock.Now().Add(time.Hour)

	cases := []struct {
		name   string
		params SuspendParams
	}{
		{"no until", SuspendParams{Reason: "spam"}},
		{"no reason", SuspendParams{Until: &until}},
		{"blank reason", SuspendParams{Until: &until, Reason: "   "}},
		{"until in the past", SuspendParams{Until: ptr(f.Clock.Now().Add(-time.Hour)), Reason: "spam"}},
		{"bad post action", SuspendParams{Until: &until, Reason: "spam", PostID: 1, PostAction: "burn"}},
		{"edit without text", SuspendParams{Until: &until, Reason: "spam", PostID: 1, PostAction: "edit"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.Engine.Suspend(ctx, mod.ID, user.ID, tc.params)
			assert.ErrorIs(t, err, ErrValidation)
			assert.Equal(t, 422, StatusCode(err))
		})
	}

	assert.Nil(t, f.reload(t, user).SuspendedAt)
	assert.Empty(t, f.auditKinds(t, user.ID))
}

func TestSuspendConflict(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := engineTestFixture(t)

	m := f.moderator(t)
	n := f.admin(t)
	user := f.account(t)

	first := f.Clock.Now()
	_, err := f.Engine.Suspend(ctx, m.ID, user.ID, SuspendParams{
		Until:  ptr(first.Add(24 * time.Hour)),
		Reason: "spam",
	})
	require.NoError(t, err)

	f.Clock.Advance(5 * time.Minute)
	_, err = f.Engine.Suspend(ctx, n.ID, user.ID, SuspendParams{
		Until:  ptr(f.Clock.Now().Add(48 * time.Hour)),
		Reason: "spam2",
	})
	assert.ErrorIs(err, ErrConflict)
	assert.Equal(409, StatusCode(err))
	assert.Contains(err.Error(), m.Username)
	assert.Contains(err.Error(), "5 minutes ago")

	got := f.reload(t, user)
	assert.WithinDuration(first, *got.SuspendedAt, time.Second)
	assert.WithinDuration(first.Add(24*time.Hour), *got.SuspendedTill, time.Second)
	assert.Equal([]string{string(audit.KindSuspend)}, f.auditKinds(t, user.ID))
}

func TestSuspendWithoutStartTime(t *testing.T) {
	ctx := context.Background()
	f := engineTestFixture(t)

	m := f.moderator(t)
	till := f.Clock.Now().Add(time.Hour)
	user := f.account(t, func(a *models.Account) { a.SuspendedTill = &till })

	_, err := f.Engine.Suspend(ctx, m.ID, user.ID, SuspendParams{
		Until:  ptr(f.Clock.Now().Add(48 * time.Hour)),
		Reason: "spam",
	})
	assert.ErrorIs(t, err, ErrConflict)
	assert.Contains(t, err.Error(), "already suspended by staff now")
	assert.Empty(t, f.auditKinds(t, user.ID))
}

func TestPenaltyRowHoldsKey(t *testing.T) {
	for _, kind := range []models.PenaltyKind{models.PenaltySuspension, models.PenaltySilence} {
		t.Run(string(kind), func(t *testing.T) {
			assert := assert.New(t)
			ctx := context.Background()
			f := engineTestFixture(t)

			m := f.moderator(t)
			n := f.moderator(t)
			user := f.account(t)

			// the account columns say nothing, but the penalty is still active
			require.NoError(t, f.DB.Create(&models.Penalty{
				AccountID: user.ID,
				Kind:      kind,
				ActorID:   m.ID,
				Reason:    "earlier",
				CreatedAt: f.Clock.Now().Add(-2 * time.Hour),
				ActiveKey: ptr(models.PenaltyActiveKey(kind, user.ID)),
			}).Error)

			var err error
			if kind == models.PenaltySuspension {
				_, err = f.Engine.Suspend(ctx, n.ID, user.ID, SuspendParams{
					Until:  ptr(f.Clock.Now().Add(time.Hour)),
					Reason: "spam",
				})
			} else {
				_, err = f.Engine.Silence(ctx, n.ID, user.ID, SilenceParams{Reason: "spam"})
			}
			assert.ErrorIs(err, ErrConflict)
			assert.Equal(409, StatusCode(err))
			assert.Contains(err.Error(), "by "+m.Username)
			assert.Contains(err.Error(), "2 hours ago")

			got := f.reload(t, user)
			assert.Nil(got.SuspendedAt)
			assert.Nil(got.SilencedAt)
			assert.Empty(f.auditKinds(t, user.ID))
		})
	}
}

func TestSuspendUnauthorized(t *testing.T) {
	ctx := context.Background()
	f := engineTestFixture(t)

	mod := f.moderator(t)
	other := f.moderator(t)
	regular := f.account(t)
	user := f.account(t)
	until := f.Clock.Now().Add(time.Hour)

	for _, actor := range []uint64{other.ID, regular.ID} {
		_, err := f.Engine.Suspend(ctx, actor, mod.ID, SuspendParams{Until: &until, Reason: "spam"})
		assert.ErrorIs(t, err, ErrUnauthorized)
	}
	_, err := f.Engine.Suspend(ctx, regular.ID, user.ID, SuspendParams{Until: &until, Reason: "spam"})
	assert.ErrorIs(t, err, ErrUnauthorized)

	assert.Empty(t, f.auditKinds(t, mod.ID))
	assert.Empty(t, f.auditKinds(t, user.ID))
	assert.Nil(t, f.reload(t, user).SuspendedAt)
}

func TestUnsuspendThenSuspend(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := engineTestFixture(t)

	mod := f.moderator(t)
	user := f.account(t)

	_, err := f.Engine.Suspend(ctx, mod.ID, user.ID, SuspendParams{
		Until:  ptr(f.Clock.Now().Add(24 * time.Hour)),
		Reason: "spam",
	})
	require.NoError(t, err)

	f.Clock.Advance(time.Hour)
	require.NoError(t, f.Engine.Unsuspend(ctx, mod.ID, user.ID))
	got := f.reload(t, user)
	assert.Nil(got.SuspendedAt)
	assert.Nil(got.SuspendedTill)

	var active int64
	require.NoError(t, f.DB.Model(&models.Penalty{}).Where("active_key IS NOT NULL").Count(&active).Error)
	assert.Zero(active)

	f.Clock.Advance(time.Hour)
	now := f.Clock.Now()
	res, err := f.Engine.Suspend(ctx, mod.ID, user.ID, SuspendParams{
		Until:  ptr(now.Add(24 * time.Hour)),
		Reason: "again",
	})
	require.NoError(t, err)
	assert.True(now.Equal(res.SuspendedAt))
	assert.WithinDuration(now, *f.reload(t, user).SuspendedAt, time.Second)

	assert.Equal([]string{
		string(audit.KindSuspend),
		string(audit.KindUnsuspend),
		string(audit.KindSuspend),
	}, f.auditKinds(t, user.ID))
}

func TestUnsuspendNotSuspended(t *testing.T) {
	ctx := context.Background()
	f := engineTestFixture(t)

	mod := f.moderator(t)
	user := f.account(t)
	evts := f.subscribe(t, user.ID)

	require.NoError(t, f.Engine.Unsuspend(ctx, mod.ID, user.ID))
	assert.Equal(t, []string{string(audit.KindUnsuspend)}, f.auditKinds(t, user.ID))
	assert.Equal(t, events.KindUserUnsuspended, nextEvent(t, evts).Kind)
}

func TestSuspendAfterExpiry(t *testing.T) {
	ctx := context.Background()
	f := engineTestFixture(t)

	mod := f.moderator(t)
	user := f.account(t)

	_, err := f.Engine.Suspend(ctx, mod.ID, user.ID, SuspendParams{
		Until:  ptr(f.Clock.Now().Add(time.Hour)),
		Reason: "cool off",
	})
	require.NoError(t, err)

	// the first suspension ran out without being lifted
	f.Clock.Advance(2 * time.Hour)
	_, err = f.Engine.Suspend(ctx, mod.ID, user.ID, SuspendParams{
		Until:  ptr(f.Clock.Now().Add(time.Hour)),
		Reason: "again",
	})
	require.NoError(t, err)

	var pens []models.Penalty
	require.NoError(t, f.DB.Where("account_id = ?", user.ID).Order("id").Find(&pens).Error)
	require.Len(t, pens, 2)
	assert.Nil(t, pens[0].ActiveKey)
	assert.NotNil(t, pens[1].ActiveKey)
}

func TestDoubleSilence(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := engineTestFixture(t)

	m := f.moderator(t)
	n := f.moderator(t)
	user := f.account(t)

	first := f.Clock.Now()
	res, err := f.Engine.Silence(ctx, m.ID, user.ID, SilenceParams{Reason: "spam"})
	require.NoError(t, err)
	assert.True(res.Silenced)
	assert.Nil(res.SilencedTill)
	assert.Equal(m.ID, res.SilencedBy)

	f.Clock.Advance(3 * time.Hour)
	_, err = f.Engine.Silence(ctx, n.ID, user.ID, SilenceParams{Reason: "spam2"})
	assert.ErrorIs(err, ErrConflict)
	assert.Contains(err.Error(), m.Username)
	assert.Contains(err.Error(), "3 hours ago")

	got := f.reload(t, user)
	require.NotNil(t, got.SilencedAt)
	assert.WithinDuration(first, *got.SilencedAt, time.Second)
	assert.Nil(got.SilencedTill)
	assert.Equal([]string{string(audit.KindSilence)}, f.auditKinds(t, user.ID))

	var pen models.Penalty
	require.NoError(t, f.DB.Where("account_id = ? AND kind = ?", user.ID, models.PenaltySilence).First(&pen).Error)
	assert.Equal("spam", pen.Reason)
	assert.Equal(m.ID, pen.ActorID)
}

func TestSilenceNotifiesAndUnsilence(t *testing.T) {
	ctx := context.Background()
	f := engineTestFixture(t)

	mod := f.moderator(t)
	user := f.account(t)

	until := f.Clock.Now().Add(time.Hour)
	res, err := f.Engine.Silence(ctx, mod.ID, user.ID, SilenceParams{Until: &until, Reason: "flame war"})
	require.NoError(t, err)

	sent := f.notifications(t, notifs.KindAccountSilenced)
	require.Len(t, sent, 1)
	assert.EqualValues(t, res.AuditRecordID, sent[0].Payload["audit_record_id"])

	require.NoError(t, f.Engine.Unsilence(ctx, mod.ID, user.ID))
	got := f.reload(t, user)
	assert.Nil(t, got.SilencedAt)
	assert.Nil(t, got.SilencedTill)

	_, err = f.Engine.Silence(ctx, mod.ID, user.ID, SilenceParams{Reason: "again"})
	assert.NoError(t, err)
}

func TestSuspendPostCascade(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := engineTestFixture(t)

	mod := f.moderator(t)
	user := f.account(t)
	post := f.post(t, user, "buy cheap things")
	reply := f.post(t, user, "really cheap")
	require.NoError(t, f.DB.Model(reply).Update("reply_to_post_id", post.ID).Error)

	_, err := f.Engine.Suspend(ctx, mod.ID, user.ID, SuspendParams{
		Until:      ptr(f.Clock.Now().Add(time.Hour)),
		Reason:     "spam",
		PostID:     post.ID,
		PostAction: "delete-with-replies",
	})
	require.NoError(t, err)

	var live int64
	require.NoError(t, f.DB.Model(&models.Post{}).Where("account_id = ?", user.ID).Count(&live).Error)
	assert.Zero(live)
}

func TestSilencePostCascadeDenied(t *testing.T) {
	ctx := context.Background()
	f := engineTestFixture(t)

	mod := f.moderator(t)
	user := f.account(t)
	post := f.post(t, user, "already gone")
	require.NoError(t, f.DB.Delete(post).Error)

	// the post is already deleted, so the delete sub-check is denied and
	// skipped; the silence itself still applies
	res, err := f.Engine.Silence(ctx, mod.ID, user.ID, SilenceParams{
		Reason:     "spam",
		PostID:     post.ID,
		PostAction: "delete",
	})
	require.NoError(t, err)
	assert.True(t, res.Silenced)
	assert.NotNil(t, f.reload(t, user).SilencedAt)
	assert.NotContains(t, f.auditKinds(t, user.ID), string(audit.KindDeletePost))
}

func TestDeletePenaltyHistory(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := engineTestFixture(t)

	admin := f.admin(t)
	mod := f.moderator(t)
	user := f.account(t)

	_, err := f.Engine.Suspend(ctx, mod.ID, user.ID, SuspendParams{Until: ptr(f.Clock.Now().Add(time.Hour)), Reason: "spam"})
	require.NoError(t, err)
	require.NoError(t, f.Engine.Unsuspend(ctx, mod.ID, user.ID))
	_, err = f.Engine.Silence(ctx, mod.ID, user.ID, SilenceParams{Reason: "spam"})
	require.NoError(t, err)
	require.NoError(t, f.Engine.LogOut(ctx, mod.ID, user.ID))

	_, err = f.Engine.DeletePenaltyHistory(ctx, mod.ID, user.ID)
	assert.ErrorIs(err, ErrUnauthorized)

	n, err := f.Engine.DeletePenaltyHistory(ctx, admin.ID, user.ID)
	require.NoError(t, err)
	assert.EqualValues(3, n)

	want := []string{
		string(audit.KindRemovedSuspend),
		string(audit.KindRemovedUnsuspend),
		string(audit.KindRemovedSilence),
		string(audit.KindLogOut),
		string(audit.KindDeletePenaltyHistory),
	}
	assert.Equal(want, f.auditKinds(t, user.ID))

	n, err = f.Engine.DeletePenaltyHistory(ctx, admin.ID, user.ID)
	require.NoError(t, err)
	assert.Zero(n)
	assert.Equal(append(want, string(audit.KindDeletePenaltyHistory)), f.auditKinds(t, user.ID))
}
