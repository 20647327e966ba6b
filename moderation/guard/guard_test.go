package guard

import (
	"errors"
	"testing"
	"time"

	"github.com/bluesky-social/warden/models"

	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func deletedAt() gorm.DeletedAt {
	return gorm.DeletedAt{Time: time.Now(), Valid: true}
}

func TestAuthorize(t *testing.T) {
	var g Guard

	admin := &models.Account{ID: 1, Username: "admin", Admin: true, Active: true}
	admin2 := &models.Account{ID: 2, Username: "admin2", Admin: true, Active: true}
	mod := &models.Account{ID: 3, Username: "mod", Moderator: true, Active: true}
	mod2 := &models.Account{ID: 4, Username: "mod2", Moderator: true, Active: true}
	user := &models.Account{ID: 5, Username: "user", Active: true}
	user2 := &models.Account{ID: 6, Username: "user2", Active: true}
	inactive := &models.Account{ID: 7, Username: "inactive"}
	staffGroup := &models.Group{ID: 1, Name: "staff", StaffOnly: true}
	openGroup := &models.Group{ID: 2, Name: "readers"}
	post := &models.Post{ID: 1, AccountID: user.ID}

	testCases := []struct {
		name    string
		req     Request
		allowed bool
	}{
		{"no actor", Request{Action: ActionSuspend, Target: user}, false},
		{"regular user", Request{Action: ActionApprove, Actor: user, Target: user2}, false},

		{"mod suspends user", Request{Action: ActionSuspend, Actor: mod, Target: user}, true},
		{"mod suspends mod", Request{Action: ActionSuspend, Actor: mod, Target: mod2}, false},
		{"mod suspends admin", Request{Action: ActionSilence, Actor: mod, Target: admin}, false},
		{"admin suspends mod", Request{Action: ActionSuspend, Actor: admin, Target: mod}, true},
		{"admin suspends admin", Request{Action: ActionSuspend, Actor: admin, Target: admin2}, false},
		{"admin suspends self", Request{Action: ActionSuspend, Actor: admin, Target: admin}, false},

		{"mod destroys user", Request{Action: ActionDestroy, Actor: mod, Target: user}, true},
		{"admin destroys admin", Request{Action: ActionDestroy, Actor: admin, Target: admin2}, false},

		{"admin revokes admin", Request{Action: ActionRevokeAdmin, Actor: admin, Target: admin2}, true},
		{"admin revokes self", Request{Action: ActionRevokeAdmin, Actor: admin, Target: admin}, false},
		{"revoke non-admin", Request{Action: ActionRevokeAdmin, Actor: admin, Target: user}, false},
		{"mod revokes admin", Request{Action: ActionRevokeAdmin, Actor: mod, Target: admin}, false},

		{"grant admin", Request{Action: ActionGrantAdmin, Actor: admin, Target: user}, true},
		{"grant admin inactive", Request{Action: ActionGrantAdmin, Actor: admin, Target: inactive}, false},
		{"grant admin twice", Request{Action: ActionGrantAdmin, Actor: admin, Target: admin2}, false},

		{"grant moderation", Request{Action: ActionGrantModeration, Actor: admin, Target: user}, true},
		{"grant moderation to mod", Request{Action: ActionGrantModeration, Actor: admin, Target: mod}, false},
		{"revoke moderation", Request{Action: ActionRevokeModeration, Actor: admin, Target: mod}, true},
		{"revoke moderation from user", Request{Action: ActionRevokeModeration, Actor: admin, Target: user}, false},

		{"mod edits open group", Request{Action: ActionEditGroup, Actor: mod, Target: user, Group: openGroup}, true},
		{"mod edits staff group", Request{Action: ActionEditGroup, Actor: mod, Target: user, Group: staffGroup}, false},
		{"admin edits staff group", Request{Action: ActionEditGroup, Actor: admin, Target: user, Group: staffGroup}, true},

		{"admin trust level on mod", Request{Action: ActionChangeTrustLevel, Actor: admin, Target: mod}, true},
		{"mod trust level on mod", Request{Action: ActionChangeTrustLevel, Actor: mod, Target: mod2}, false},

		{"disable 2fa", Request{Action: ActionDisableSecondFactor, Actor: admin, Target: user}, true},
		{"disable own 2fa", Request{Action: ActionDisableSecondFactor, Actor: admin, Target: admin}, false},

		{"merge", Request{Action: ActionMerge, Actor: admin, Target: user, MergeInto: user2}, true},
		{"merge without target", Request{Action: ActionMerge, Actor: admin, Target: user}, false},
		{"merge into self", Request{Action: ActionMerge, Actor: admin, Target: user, MergeInto: user}, false},
		{"merge staff", Request{Action: ActionMerge, Actor: admin, Target: mod, MergeInto: user}, false},
		{"merge into staff", Request{Action: ActionMerge, Actor: admin, Target: user, MergeInto: mod}, false},
		{"mod merges", Request{Action: ActionMerge, Actor: mod, Target: user, MergeInto: user2}, false},

		{"mod bulk destroy", Request{Action: ActionBulkDestroySameIP, Actor: mod}, false},
		{"admin bulk destroy", Request{Action: ActionBulkDestroySameIP, Actor: admin}, true},
		{"mod inspects same ip", Request{Action: ActionInspectSameIP, Actor: mod}, true},

		{"mod deactivates mod", Request{Action: ActionDeactivate, Actor: mod, Target: mod2}, true},
		{"mod deactivates admin", Request{Action: ActionDeactivate, Actor: mod, Target: admin}, false},
		{"mod logs out self", Request{Action: ActionLogOut, Actor: mod, Target: mod}, false},

		{"delete post", Request{Action: ActionDeletePost, Actor: mod, Target: user, Post: post}, true},
		{"delete deleted post", Request{Action: ActionDeletePost, Actor: mod, Target: user, Post: &models.Post{DeletedAt: deletedAt()}}, false},
		{"edit without post", Request{Action: ActionEditPost, Actor: mod, Target: user}, false},

		{"unknown action", Request{Action: Action("launch_rockets"), Actor: admin}, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := g.Authorize(tc.req)
			if tc.allowed {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrDenied)
			var d *Denial
			if assert.True(t, errors.As(err, &d)) {
				assert.Equal(t, tc.req.Action, d.Action)
				assert.NotEmpty(t, d.Reason)
			}
		})
	}
}
