package moderation

import (
	"context"
	"fmt"
	"strings"

	"github.com/bluesky-social/warden/events"
	"github.com/bluesky-social/warden/models"
	"github.com/bluesky-social/warden/moderation/audit"
	"github.com/bluesky-social/warden/moderation/guard"

	"gorm.io/gorm"
)

const MaxTrustLevel = 4

// SetTrustLevel changes the account's trust level.
//
// If the account has no manual lock yet, attempting the change may lock it
// first: levels 0 to 2 are locked when the account already meets the criteria
// for the next level (so automatic promotion would undo the change), and level
// 3 is locked when the account has lost level 3 eligibility. The lock is
// committed on its own, before and independently of the level change.
func (e *Engine) SetTrustLevel(ctx context.Context, actorID, accountID uint64, level int) (_ *AccountSummary, err error) {
	ctx, span := tracer.Start(ctx, "SetTrustLevel")
	defer func() { e.finish(span, "trust_level", err) }()

	actor, target, err := e.actorAndTarget(ctx, actorID, accountID)
	if err != nil {
		return nil, err
	}
	if err := e.authorize(ctx, guard.Request{Action: guard.ActionChangeTrustLevel, Actor: actor, Target: target}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAccess, err)
	}

	if target.ManualLockedTrustLevel == nil && e.shouldAutoLock(ctx, target, level) {
		err := e.transact(ctx, func(tx *gorm.DB, al *audit.Logger) error {
			if err := tx.Model(&models.Account{}).Where("id = ?", accountID).Update("manual_locked_trust_level", level).Error; err != nil {
				return err
			}
			_, err := al.Record(ctx, actorID, accountID, audit.KindLockTrustLevel, audit.Details{
				Context: map[string]any{"level": level, "automatic": true},
			})
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("locking trust level: %w", err)
		}
		e.purgeCache(ctx, accountID)
	}

	if level < 0 || level > MaxTrustLevel {
		return nil, fmt.Errorf("%w: trust level must be between 0 and %d", ErrValidation, MaxTrustLevel)
	}

	err = e.transact(ctx, func(tx *gorm.DB, al *audit.Logger) error {
		if err := tx.Model(&models.Account{}).Where("id = ?", accountID).Update("trust_level", level).Error; err != nil {
			return err
		}
		_, err := al.Record(ctx, actorID, accountID, audit.KindChangeTrustLevel, audit.Details{
			Context: map[string]any{
				"previous": target.TrustLevel,
				"new":      level,
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	e.purgeCache(ctx, accountID)
	e.publish(ctx, events.KindTrustLevelChanged, accountID, actorID, map[string]any{
		"previous": target.TrustLevel,
		"new":      level,
	})
	return e.AccountSummary(ctx, accountID)
}

// predicate failures count as "do not lock"
func (e *Engine) shouldAutoLock(ctx context.Context, acct *models.Account, level int) bool {
	var (
		ok  bool
		err error
	)
	switch level {
	case 0, 1, 2:
		ok, err = e.Promotion.MetCriteria(ctx, acct, level+1)
	case 3:
		ok, err = e.Promotion.LostTL3(ctx, acct)
	default:
		return false
	}
	if err != nil {
		e.Logger.Warn("promotion check failed, not locking trust level", "account", acct.ID, "level", level, "err", err)
		return false
	}
	return ok
}

// LockTrustLevel pins the account to its current trust level ("true") or
// releases the pin ("false"), then asks Promotion to recompute the level.
func (e *Engine) LockTrustLevel(ctx context.Context, actorID, accountID uint64, locked string) (err error) {
	ctx, span := tracer.Start(ctx, "LockTrustLevel")
	defer func() { e.finish(span, "trust_level_lock", err) }()

	actor, target, err := e.actorAndTarget(ctx, actorID, accountID)
	if err != nil {
		return err
	}
	if err := e.authorize(ctx, guard.Request{Action: guard.ActionLockTrustLevel, Actor: actor, Target: target}); err != nil {
		return err
	}

	var lock bool
	switch strings.ToLower(strings.TrimSpace(locked)) {
	case "true":
		lock = true
	case "false":
		lock = false
	default:
		return fmt.Errorf("%w: locked must be true or false, got %q", ErrValidation, locked)
	}

	var (
		value any
		kind  = audit.KindUnlockTrustLevel
	)
	if lock {
		value = target.TrustLevel
		kind = audit.KindLockTrustLevel
	}
	err = e.transact(ctx, func(tx *gorm.DB, al *audit.Logger) error {
		if err := tx.Model(&models.Account{}).Where("id = ?", accountID).Update("manual_locked_trust_level", value).Error; err != nil {
			return err
		}
		_, err := al.Record(ctx, actorID, accountID, kind, audit.Details{
			Context: map[string]any{"level": target.TrustLevel},
		})
		return err
	})
	if err != nil {
		return err
	}

	e.purgeCache(ctx, accountID)

	updated, err := e.getAccount(ctx, e.db, accountID)
	if err != nil {
		e.Logger.Error("failed to reload account for promotion", "account", accountID, "err", err)
		return nil
	}
	if err := e.Promotion.Recalculate(ctx, updated, actorID); err != nil {
		postCommitErrors.WithLabelValues("promotion").Inc()
		e.Logger.Error("trust level recalculation failed", "account", accountID, "err", err)
	}
	return nil
}
