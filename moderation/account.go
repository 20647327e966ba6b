package moderation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bluesky-social/warden/events"
	"github.com/bluesky-social/warden/models"
	"github.com/bluesky-social/warden/moderation/audit"
	"github.com/bluesky-social/warden/moderation/guard"
	"github.com/bluesky-social/warden/notifs"

	"gorm.io/gorm"
)

// DisableSecondFactor removes all of the account's second factor credentials
// and security keys together. It is an error if there is nothing to remove.
func (e *Engine) DisableSecondFactor(ctx context.Context, actorID, accountID uint64) (err error) {
	ctx, span := tracer.Start(ctx, "DisableSecondFactor")
	defer func() { e.finish(span, "disable_second_factor", err) }()

	actor, target, err := e.actorAndTarget(ctx, actorID, accountID)
	if err != nil {
		return err
	}
	if err := e.authorize(ctx, guard.Request{Action: guard.ActionDisableSecondFactor, Actor: actor, Target: target}); err != nil {
		return err
	}

	var factors, keys int64
	err = e.transact(ctx, func(tx *gorm.DB, al *audit.Logger) error {
		f := tx.Where("account_id = ?", accountID).Delete(&models.SecondFactor{})
		if f.Error != nil {
			return f.Error
		}
		k := tx.Where("account_id = ?", accountID).Delete(&models.SecurityKey{})
		if k.Error != nil {
			return k.Error
		}
		factors, keys = f.RowsAffected, k.RowsAffected
		if factors == 0 && keys == 0 {
			return fmt.Errorf("%w: %s has no second factor credentials or security keys", ErrInvalidParameters, target.Username)
		}
		_, err := al.Record(ctx, actorID, accountID, audit.KindDisableSecondFactor, audit.Details{
			Context: map[string]any{"second_factors": factors, "security_keys": keys},
		})
		return err
	})
	if err != nil {
		return err
	}

	e.purgeCache(ctx, accountID)
	e.notify(ctx, notifs.KindSecondFactorDisabled, accountID, map[string]any{
		"second_factors": factors,
		"security_keys":  keys,
	})
	return nil
}

// ResetBounceScore zeroes the email bounce score. Accounts without a stats
// row are left alone.
func (e *Engine) ResetBounceScore(ctx context.Context, actorID, accountID uint64) (err error) {
	ctx, span := tracer.Start(ctx, "ResetBounceScore")
	defer func() { e.finish(span, "reset_bounce_score", err) }()

	actor, target, err := e.actorAndTarget(ctx, actorID, accountID)
	if err != nil {
		return err
	}
	if err := e.authorize(ctx, guard.Request{Action: guard.ActionResetBounceScore, Actor: actor, Target: target}); err != nil {
		return err
	}

	var stat models.AccountStat
	if err := e.db.WithContext(ctx).First(&stat, "account_id = ?", accountID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}

	return e.transact(ctx, func(tx *gorm.DB, al *audit.Logger) error {
		if err := tx.Model(&models.AccountStat{}).Where("account_id = ?", accountID).Updates(map[string]any{
			"bounce_score":             0,
			"reset_bounce_score_after": nil,
		}).Error; err != nil {
			return err
		}
		_, err := al.Record(ctx, actorID, accountID, audit.KindResetBounceScore, audit.Details{
			Context: map[string]any{"previous": stat.BounceScore},
		})
		return err
	})
}

// Activate marks the account active, first making sure it has an unexpired
// email verification token.
func (e *Engine) Activate(ctx context.Context, actorID, accountID uint64) (err error) {
	ctx, span := tracer.Start(ctx, "Activate")
	defer func() { e.finish(span, "activate", err) }()

	actor, target, err := e.actorAndTarget(ctx, actorID, accountID)
	if err != nil {
		return err
	}
	if err := e.authorize(ctx, guard.Request{Action: guard.ActionActivate, Actor: actor, Target: target}); err != nil {
		return err
	}

	now := e.now()
	err = e.transact(ctx, func(tx *gorm.DB, al *audit.Logger) error {
		var toks []models.EmailToken
		if err := tx.Where("account_id = ?", accountID).Find(&toks).Error; err != nil {
			return err
		}
		created := false
		if !anyActiveToken(toks, now, e.Config) {
			tok, err := randomToken()
			if err != nil {
				return err
			}
			et := models.EmailToken{AccountID: accountID, Email: target.Email, Token: tok, CreatedAt: now}
			if err := tx.Create(&et).Error; err != nil {
				return fmt.Errorf("creating email token: %w", err)
			}
			created = true
		}

		if err := tx.Model(&models.Account{}).Where("id = ?", accountID).Update("active", true).Error; err != nil {
			return err
		}
		_, err := al.Record(ctx, actorID, accountID, audit.KindActivate, audit.Details{
			Context: map[string]any{"email_token_created": created},
		})
		return err
	})
	if err != nil {
		return err
	}

	e.purgeCache(ctx, accountID)
	e.publish(ctx, events.KindUserActivated, accountID, actorID, nil)
	return nil
}

func anyActiveToken(toks []models.EmailToken, now time.Time, cfg EngineConfig) bool {
	for i := range toks {
		if toks[i].IsActive(now, cfg.EmailTokenValidity) {
			return true
		}
	}
	return false
}

// Deactivate clears the active flag and tells the account's connected
// clients to refresh.
func (e *Engine) Deactivate(ctx context.Context, actorID, accountID uint64, reason string) (err error) {
	ctx, span := tracer.Start(ctx, "Deactivate")
	defer func() { e.finish(span, "deactivate", err) }()

	actor, target, err := e.actorAndTarget(ctx, actorID, accountID)
	if err != nil {
		return err
	}
	if err := e.authorize(ctx, guard.Request{Action: guard.ActionDeactivate, Actor: actor, Target: target}); err != nil {
		return err
	}

	err = e.transact(ctx, func(tx *gorm.DB, al *audit.Logger) error {
		if err := tx.Model(&models.Account{}).Where("id = ?", accountID).Update("active", false).Error; err != nil {
			return err
		}
		_, err := al.Record(ctx, actorID, accountID, audit.KindDeactivate, audit.Details{Summary: reason})
		return err
	})
	if err != nil {
		return err
	}

	e.purgeCache(ctx, accountID)
	e.publish(ctx, events.KindUserDeactivated, accountID, actorID, nil)
	e.publish(ctx, events.KindClientRefresh, accountID, actorID, nil)
	return nil
}

// LogOut revokes every session token of the account.
func (e *Engine) LogOut(ctx context.Context, actorID, accountID uint64) (err error) {
	ctx, span := tracer.Start(ctx, "LogOut")
	defer func() { e.finish(span, "log_out", err) }()

	actor, target, err := e.actorAndTarget(ctx, actorID, accountID)
	if err != nil {
		return err
	}
	if err := e.authorize(ctx, guard.Request{Action: guard.ActionLogOut, Actor: actor, Target: target}); err != nil {
		return err
	}

	err = e.transact(ctx, func(tx *gorm.DB, al *audit.Logger) error {
		res := tx.Where("account_id = ?", accountID).Delete(&models.SessionToken{})
		if res.Error != nil {
			return res.Error
		}
		_, err := al.Record(ctx, actorID, accountID, audit.KindLogOut, audit.Details{
			Context: map[string]any{"sessions": res.RowsAffected},
		})
		return err
	})
	if err != nil {
		return err
	}

	e.publish(ctx, events.KindUserLoggedOut, accountID, actorID, nil)
	return nil
}

// Approve resolves the account's pending review item, creating one if there
// is none, and marks the account approved.
func (e *Engine) Approve(ctx context.Context, actorID, accountID uint64) (err error) {
	ctx, span := tracer.Start(ctx, "Approve")
	defer func() { e.finish(span, "approve", err) }()

	actor, target, err := e.actorAndTarget(ctx, actorID, accountID)
	if err != nil {
		return err
	}
	return e.approve(ctx, actor, target)
}

func (e *Engine) approve(ctx context.Context, actor, target *models.Account) error {
	if err := e.authorize(ctx, guard.Request{Action: guard.ActionApprove, Actor: actor, Target: target}); err != nil {
		return err
	}

	now := e.now()
	err := e.transact(ctx, func(tx *gorm.DB, al *audit.Logger) error {
		rv := models.Reviewable{TargetAccountID: target.ID}
		if err := tx.Where(&rv).Attrs(models.Reviewable{
			Status:      models.ReviewablePending,
			CreatedByID: actor.ID,
		}).FirstOrCreate(&rv).Error; err != nil {
			return fmt.Errorf("loading reviewable: %w", err)
		}
		if err := tx.Model(&models.Reviewable{}).Where("id = ?", rv.ID).Updates(map[string]any{
			"status":         models.ReviewableApproved,
			"resolved_by_id": actor.ID,
		}).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.Account{}).Where("id = ?", target.ID).Updates(map[string]any{
			"approved":       true,
			"approved_by_id": actor.ID,
			"approved_at":    now,
		}).Error; err != nil {
			return err
		}
		_, err := al.Record(ctx, actor.ID, target.ID, audit.KindApprove, audit.Details{
			Context: map[string]any{"reviewable_id": rv.ID},
		})
		return err
	})
	if err != nil {
		return err
	}

	e.purgeCache(ctx, target.ID)
	e.publish(ctx, events.KindUserApproved, target.ID, actor.ID, nil)
	return nil
}

type BulkResult struct {
	Approved []uint64          `json:"approved"`
	Failed   map[uint64]string `json:"failed,omitempty"`
}

// ApproveBulk approves each account independently; one failure does not stop
// the rest.
func (e *Engine) ApproveBulk(ctx context.Context, actorID uint64, accountIDs []uint64) (_ *BulkResult, err error) {
	ctx, span := tracer.Start(ctx, "ApproveBulk")
	defer func() { e.finish(span, "approve_bulk", err) }()

	actor, err := e.getAccount(ctx, e.db, actorID)
	if err != nil {
		return nil, fmt.Errorf("loading actor: %w", err)
	}

	res := &BulkResult{Failed: map[uint64]string{}}
	for _, id := range accountIDs {
		target, err := e.getAccount(ctx, e.db, id)
		if err == nil {
			err = e.approve(ctx, actor, target)
		}
		if err != nil {
			e.Logger.Warn("bulk approve failed for account", "account", id, "err", err)
			res.Failed[id] = err.Error()
			continue
		}
		res.Approved = append(res.Approved, id)
	}
	return res, nil
}
