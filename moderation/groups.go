package moderation

import (
	"context"
	"errors"
	"fmt"

	"github.com/bluesky-social/warden/events"
	"github.com/bluesky-social/warden/models"
	"github.com/bluesky-social/warden/moderation/audit"
	"github.com/bluesky-social/warden/moderation/guard"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (e *Engine) getGroup(ctx context.Context, groupID uint64) (*models.Group, error) {
	var g models.Group
	if err := e.db.WithContext(ctx).First(&g, groupID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrGroupNotFound, groupID)
		}
		return nil, err
	}
	return &g, nil
}

// loads and checks everything needed to edit one membership
func (e *Engine) prepareGroupEdit(ctx context.Context, actorID, accountID, groupID uint64) (*models.Group, error) {
	actor, target, err := e.actorAndTarget(ctx, actorID, accountID)
	if err != nil {
		return nil, err
	}
	group, err := e.getGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if err := e.authorize(ctx, guard.Request{Action: guard.ActionEditGroup, Actor: actor, Target: target, Group: group}); err != nil {
		return nil, err
	}
	if group.Automatic {
		return nil, fmt.Errorf("%w (%s)", ErrAutomaticGroup, group.Name)
	}
	return group, nil
}

func (e *Engine) AddGroup(ctx context.Context, actorID, accountID, groupID uint64) (err error) {
	ctx, span := tracer.Start(ctx, "AddGroup")
	defer func() { e.finish(span, "add_group", err) }()

	group, err := e.prepareGroupEdit(ctx, actorID, accountID, groupID)
	if err != nil {
		return err
	}

	err = e.transact(ctx, func(tx *gorm.DB, al *audit.Logger) error {
		gm := models.GroupMembership{GroupID: groupID, AccountID: accountID, CreatedAt: e.now()}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&gm).Error; err != nil {
			return err
		}
		_, err := al.Record(ctx, actorID, accountID, audit.KindAddToGroup, audit.Details{
			Context: map[string]any{"group_id": groupID, "group": group.Name},
		})
		return err
	})
	if err != nil {
		return err
	}

	e.purgeCache(ctx, accountID)
	e.publish(ctx, events.KindGroupsChanged, accountID, actorID, map[string]any{"added": group.Name})
	return nil
}

// RemoveGroup removes the account from the group, and clears the account's
// primary group if it was this one.
func (e *Engine) RemoveGroup(ctx context.Context, actorID, accountID, groupID uint64) (err error) {
	ctx, span := tracer.Start(ctx, "RemoveGroup")
	defer func() { e.finish(span, "remove_group", err) }()

	group, err := e.prepareGroupEdit(ctx, actorID, accountID, groupID)
	if err != nil {
		return err
	}

	err = e.transact(ctx, func(tx *gorm.DB, al *audit.Logger) error {
		if err := tx.Where("group_id = ? AND account_id = ?", groupID, accountID).Delete(&models.GroupMembership{}).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.Account{}).
			Where("id = ? AND primary_group_id = ?", accountID, groupID).
			Update("primary_group_id", nil).Error; err != nil {
			return err
		}
		_, err := al.Record(ctx, actorID, accountID, audit.KindRemoveFromGroup, audit.Details{
			Context: map[string]any{"group_id": groupID, "group": group.Name},
		})
		return err
	})
	if err != nil {
		return err
	}

	e.purgeCache(ctx, accountID)
	e.publish(ctx, events.KindGroupsChanged, accountID, actorID, map[string]any{"removed": group.Name})
	return nil
}

// SetPrimaryGroup sets the account's primary group to one it already belongs
// to. A nil groupID clears it.
func (e *Engine) SetPrimaryGroup(ctx context.Context, actorID, accountID uint64, groupID *uint64) (err error) {
	ctx, span := tracer.Start(ctx, "SetPrimaryGroup")
	defer func() { e.finish(span, "primary_group", err) }()

	actor, target, err := e.actorAndTarget(ctx, actorID, accountID)
	if err != nil {
		return err
	}

	var group *models.Group
	if groupID != nil {
		group, err = e.getGroup(ctx, *groupID)
		if err != nil {
			return err
		}
	}
	if err := e.authorize(ctx, guard.Request{Action: guard.ActionPrimaryGroup, Actor: actor, Target: target, Group: group}); err != nil {
		return err
	}

	if group != nil {
		var n int64
		if err := e.db.WithContext(ctx).Model(&models.GroupMembership{}).
			Where("group_id = ? AND account_id = ?", group.ID, accountID).
			Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: %s is not a member of %s", ErrValidation, target.Username, group.Name)
		}
	}

	err = e.transact(ctx, func(tx *gorm.DB, al *audit.Logger) error {
		if err := tx.Model(&models.Account{}).Where("id = ?", accountID).Update("primary_group_id", groupID).Error; err != nil {
			return err
		}
		_, err := al.Record(ctx, actorID, accountID, audit.KindChangePrimaryGroup, audit.Details{
			Context: map[string]any{
				"previous": target.PrimaryGroupID,
				"new":      groupID,
			},
		})
		return err
	})
	if err != nil {
		return err
	}

	e.purgeCache(ctx, accountID)
	e.publish(ctx, events.KindGroupsChanged, accountID, actorID, map[string]any{"primary_group_id": groupID})
	return nil
}
