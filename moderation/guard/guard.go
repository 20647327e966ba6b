package guard

import (
	"errors"
	"fmt"

	"github.com/bluesky-social/warden/models"
)

// ErrDenied is matched by every Denial returned from Authorize.
var ErrDenied = errors.New("not permitted")

type Action string

const (
	ActionSuspend              = Action("suspend")
	ActionUnsuspend            = Action("unsuspend")
	ActionSilence              = Action("silence")
	ActionUnsilence            = Action("unsilence")
	ActionRevokeAdmin          = Action("revoke_admin")
	ActionGrantAdmin           = Action("grant_admin")
	ActionRevokeModeration     = Action("revoke_moderation")
	ActionGrantModeration      = Action("grant_moderation")
	ActionEditGroup            = Action("edit_group")
	ActionPrimaryGroup         = Action("primary_group")
	ActionChangeTrustLevel     = Action("change_trust_level")
	ActionLockTrustLevel       = Action("lock_trust_level")
	ActionDisableSecondFactor  = Action("disable_second_factor")
	ActionResetBounceScore     = Action("reset_bounce_score")
	ActionAnonymize            = Action("anonymize")
	ActionMerge                = Action("merge")
	ActionDestroy              = Action("destroy")
	ActionDeleteAllPosts       = Action("delete_all_posts")
	ActionApprove              = Action("approve")
	ActionActivate             = Action("activate")
	ActionDeactivate           = Action("deactivate")
	ActionLogOut               = Action("log_out")
	ActionBulkDestroySameIP    = Action("bulk_destroy_same_ip")
	ActionDeletePenaltyHistory = Action("delete_penalty_history")
	ActionDeleteSSORecord      = Action("delete_sso_record")
	ActionDeletePost           = Action("delete_post")
	ActionEditPost             = Action("edit_post")
	ActionInspectSameIP        = Action("inspect_same_ip")
)

// Denial is returned when an action is not permitted. Reason is safe to show
// to the operator.
type Denial struct {
	Action Action
	Reason string
}

func (d *Denial) Error() string {
	return fmt.Sprintf("%s not permitted: %s", d.Action, d.Reason)
}

func (d *Denial) Unwrap() error {
	return ErrDenied
}

// Request describes one authorization question. Which of the optional
// fields are consulted depends on Action.
type Request struct {
	Action Action
	Actor  *models.Account
	Target *models.Account

	Group     *models.Group
	MergeInto *models.Account
	Post      *models.Post
}

// Guard holds the authorization rules for moderation actions. It has no
// state; the zero value is ready to use.
type Guard struct{}

func deny(action Action, format string, args ...any) error {
	return &Denial{Action: action, Reason: fmt.Sprintf(format, args...)}
}

func (g Guard) Authorize(req Request) error {
	actor := req.Actor
	if actor == nil {
		return deny(req.Action, "no acting account")
	}
	if !actor.IsStaff() {
		return deny(req.Action, "%s is not a staff member", actor.Username)
	}

	switch req.Action {
	case ActionSuspend, ActionUnsuspend, ActionSilence, ActionUnsilence, ActionAnonymize, ActionDeleteAllPosts:
		return g.outranks(req)
	case ActionDestroy:
		if err := g.outranks(req); err != nil {
			return err
		}
		if req.Target.Admin {
			return deny(req.Action, "admin accounts can not be deleted")
		}
		return nil
	case ActionRevokeAdmin:
		if err := g.requireAdmin(req); err != nil {
			return err
		}
		if err := g.notSelf(req); err != nil {
			return err
		}
		if !req.Target.Admin {
			return deny(req.Action, "%s is not an admin", req.Target.Username)
		}
		return nil
	case ActionGrantAdmin:
		if err := g.requireAdmin(req); err != nil {
			return err
		}
		if req.Target.Admin {
			return deny(req.Action, "%s is already an admin", req.Target.Username)
		}
		if !req.Target.Active {
			return deny(req.Action, "%s is not activated", req.Target.Username)
		}
		return nil
	case ActionRevokeModeration:
		if err := g.requireAdmin(req); err != nil {
			return err
		}
		if !req.Target.Moderator {
			return deny(req.Action, "%s is not a moderator", req.Target.Username)
		}
		return nil
	case ActionGrantModeration:
		if err := g.requireAdmin(req); err != nil {
			return err
		}
		if req.Target.Admin {
			return deny(req.Action, "%s is already an admin", req.Target.Username)
		}
		if req.Target.Moderator {
			return deny(req.Action, "%s is already a moderator", req.Target.Username)
		}
		return nil
	case ActionEditGroup, ActionPrimaryGroup:
		if req.Group != nil && req.Group.StaffOnly && !actor.Admin {
			return deny(req.Action, "only admins can edit membership of %s", req.Group.Name)
		}
		return nil
	case ActionChangeTrustLevel, ActionLockTrustLevel:
		if actor.Admin {
			return nil
		}
		return g.outranks(req)
	case ActionDisableSecondFactor:
		if err := g.requireAdmin(req); err != nil {
			return err
		}
		return g.notSelf(req)
	case ActionMerge:
		if err := g.requireAdmin(req); err != nil {
			return err
		}
		if req.MergeInto == nil {
			return deny(req.Action, "no merge target")
		}
		if req.Target.ID == req.MergeInto.ID {
			return deny(req.Action, "can not merge an account into itself")
		}
		if req.Target.IsStaff() {
			return deny(req.Action, "%s is a staff account", req.Target.Username)
		}
		if req.MergeInto.IsStaff() {
			return deny(req.Action, "can not merge into staff account %s", req.MergeInto.Username)
		}
		return nil
	case ActionBulkDestroySameIP, ActionDeletePenaltyHistory, ActionDeleteSSORecord:
		return g.requireAdmin(req)
	case ActionApprove, ActionActivate, ActionResetBounceScore, ActionInspectSameIP:
		return nil
	case ActionDeactivate, ActionLogOut:
		if err := g.notSelf(req); err != nil {
			return err
		}
		if req.Target.Rank() > actor.Rank() {
			return deny(req.Action, "%s outranks %s", req.Target.Username, actor.Username)
		}
		return nil
	case ActionDeletePost:
		if req.Post == nil {
			return deny(req.Action, "no post")
		}
		if req.Post.DeletedAt.Valid {
			return deny(req.Action, "post %d is already deleted", req.Post.ID)
		}
		return nil
	case ActionEditPost:
		if req.Post == nil {
			return deny(req.Action, "no post")
		}
		return nil
	}
	return deny(req.Action, "unknown action")
}

func (g Guard) requireAdmin(req Request) error {
	if !req.Actor.Admin {
		return deny(req.Action, "%s is not an admin", req.Actor.Username)
	}
	return nil
}

func (g Guard) notSelf(req Request) error {
	if req.Target != nil && req.Target.ID == req.Actor.ID {
		return deny(req.Action, "can not be applied to your own account")
	}
	return nil
}

func (g Guard) outranks(req Request) error {
	if err := g.notSelf(req); err != nil {
		return err
	}
	if req.Target.Rank() >= req.Actor.Rank() {
		return deny(req.Action, "%s does not outrank %s", req.Actor.Username, req.Target.Username)
	}
	return nil
}
