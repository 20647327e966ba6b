package cascade

import (
	"context"
	"errors"
	"fmt"

	"github.com/bluesky-social/warden/models"
	"github.com/bluesky-social/warden/moderation/audit"

	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type DestroyOptions struct {
	BlockEmail      bool   `json:"block_email"`
	BlockURLs       bool   `json:"block_urls"`
	BlockIP         bool   `json:"block_ip"`
	DeleteAsSpammer bool   `json:"delete_as_spammer"`
	DeletePosts     bool   `json:"delete_posts"`
	Context         string `json:"context,omitempty"`
}

// Destroy removes an account and everything hanging off it, in one
// transaction. Returns a snapshot of the account as it was, or nil if the
// account was already gone (so a replayed task is a no-op).
func (e *Executor) Destroy(ctx context.Context, actorID, accountID uint64, opts DestroyOptions) (*models.Account, error) {
	ctx, span := tracer.Start(ctx, "Destroy")
	defer span.End()
	span.SetAttributes(attribute.Int64("account", int64(accountID)))

	var snapshot *models.Account
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var acct models.Account
		if err := tx.First(&acct, accountID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}

		var postCount int64
		if err := tx.Model(&models.Post{}).Where("account_id = ?", accountID).Count(&postCount).Error; err != nil {
			return err
		}
		if postCount > 0 && !opts.DeletePosts {
			return &PostsExistError{Count: postCount}
		}

		var blockedURLs []string
		if opts.BlockURLs {
			var raws []string
			if err := tx.Unscoped().Model(&models.Post{}).Where("account_id = ?", accountID).Pluck("raw", &raws).Error; err != nil {
				return err
			}
			blockedURLs = extractURLs(append(raws, acct.Website)...)
		}

		if opts.DeletePosts && postCount > 0 {
			var ids []uint64
			if err := tx.Model(&models.Post{}).Where("account_id = ?", accountID).Pluck("id", &ids).Error; err != nil {
				return err
			}
			if err := softDeletePosts(tx, actorID, ids, e.now()); err != nil {
				return err
			}
		}

		if opts.BlockEmail && acct.Email != "" {
			if err := screen(tx, models.ScreenEmail, acct.Email, actorID); err != nil {
				return err
			}
		}
		if opts.BlockIP {
			for _, ip := range []string{acct.IPAddress, acct.RegistrationIPAddress} {
				if ip == "" {
					continue
				}
				if err := screen(tx, models.ScreenIP, ip, actorID); err != nil {
					return err
				}
			}
		}
		for _, u := range blockedURLs {
			if err := screen(tx, models.ScreenURL, u, actorID); err != nil {
				return err
			}
		}

		if err := deleteAccountRecords(tx, accountID); err != nil {
			return err
		}
		if err := tx.Delete(&models.Account{}, accountID).Error; err != nil {
			return fmt.Errorf("deleting account row: %w", err)
		}

		_, err := e.audit.Tx(tx).Record(ctx, actorID, accountID, audit.KindDelete, audit.Details{
			Summary: opts.Context,
			Context: map[string]any{
				"username":          acct.Username,
				"email":             acct.Email,
				"ip_address":        acct.IPAddress,
				"delete_as_spammer": opts.DeleteAsSpammer,
				"posts_deleted":     opts.DeletePosts && postCount > 0,
				"blocked_email":     opts.BlockEmail,
				"blocked_ip":        opts.BlockIP,
				"blocked_urls":      len(blockedURLs),
			},
		})
		if err != nil {
			return err
		}
		snapshot = &acct
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

func screen(tx *gorm.DB, kind models.ScreeningKind, value string, actorID uint64) error {
	s := models.Screening{Kind: kind, Value: value, ActorID: actorID}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&s).Error; err != nil {
		return fmt.Errorf("blocking %s %q: %w", kind, value, err)
	}
	return nil
}

// removes credentials, memberships and other rows owned by the account.
// Posts (soft deleted) and audit history are kept.
func deleteAccountRecords(tx *gorm.DB, accountID uint64) error {
	owned := []any{
		&models.SessionToken{},
		&models.SecondFactor{},
		&models.SecurityKey{},
		&models.EmailToken{},
		&models.GroupMembership{},
		&models.AccountStat{},
		&models.SSORecord{},
		&models.AdminConfirmation{},
		&models.Penalty{},
	}
	for _, m := range owned {
		if err := tx.Where("account_id = ?", accountID).Delete(m).Error; err != nil {
			return fmt.Errorf("deleting %T rows: %w", m, err)
		}
	}
	if err := tx.Where("target_account_id = ?", accountID).Delete(&models.Reviewable{}).Error; err != nil {
		return fmt.Errorf("deleting reviewables: %w", err)
	}
	return nil
}
