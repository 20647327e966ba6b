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

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AdminGrantRequest is returned by GrantAdmin. Accepted means a confirmation
// was requested, not that the account is an admin.
type AdminGrantRequest struct {
	Accepted  bool      `json:"accepted"`
	RequestID string    `json:"request_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (e *Engine) RevokeAdmin(ctx context.Context, actorID, accountID uint64) (err error) {
	ctx, span := tracer.Start(ctx, "RevokeAdmin")
	defer func() { e.finish(span, "revoke_admin", err) }()

	return e.setRole(ctx, actorID, accountID, guard.ActionRevokeAdmin, "admin", false, audit.KindRevokeAdmin)
}

func (e *Engine) RevokeModeration(ctx context.Context, actorID, accountID uint64) (err error) {
	ctx, span := tracer.Start(ctx, "RevokeModeration")
	defer func() { e.finish(span, "revoke_moderation", err) }()

	return e.setRole(ctx, actorID, accountID, guard.ActionRevokeModeration, "moderator", false, audit.KindRevokeModeration)
}

func (e *Engine) GrantModeration(ctx context.Context, actorID, accountID uint64) (err error) {
	ctx, span := tracer.Start(ctx, "GrantModeration")
	defer func() { e.finish(span, "grant_moderation", err) }()

	return e.setRole(ctx, actorID, accountID, guard.ActionGrantModeration, "moderator", true, audit.KindGrantModeration)
}

func (e *Engine) setRole(ctx context.Context, actorID, accountID uint64, action guard.Action, column string, value bool, kind audit.Kind) error {
	actor, target, err := e.actorAndTarget(ctx, actorID, accountID)
	if err != nil {
		return err
	}
	if err := e.authorize(ctx, guard.Request{Action: action, Actor: actor, Target: target}); err != nil {
		return err
	}

	err = e.transact(ctx, func(tx *gorm.DB, al *audit.Logger) error {
		if err := tx.Model(&models.Account{}).Where("id = ?", accountID).Update(column, value).Error; err != nil {
			return err
		}
		_, err := al.Record(ctx, actorID, accountID, kind, audit.Details{})
		return err
	})
	if err != nil {
		return err
	}

	e.purgeCache(ctx, accountID)
	e.publish(ctx, events.KindRolesChanged, accountID, actorID, map[string]any{column: value})
	return nil
}

// GrantAdmin starts the two step admin elevation. A confirmation token is
// sent to the requesting admin through Confirmations; the account
// only becomes an admin once ConfirmAdminGrant is called with that token
// before the request expires. Older pending requests for the same account
// are revoked.
func (e *Engine) GrantAdmin(ctx context.Context, actorID, accountID uint64) (_ *AdminGrantRequest, err error) {
	ctx, span := tracer.Start(ctx, "GrantAdmin")
	defer func() { e.finish(span, "grant_admin", err) }()

	actor, target, err := e.actorAndTarget(ctx, actorID, accountID)
	if err != nil {
		return nil, err
	}
	if err := e.authorize(ctx, guard.Request{Action: guard.ActionGrantAdmin, Actor: actor, Target: target}); err != nil {
		return nil, err
	}
	if e.Confirmations == nil {
		return nil, ErrNoConfirmationChannel
	}

	token, hash, err := newConfirmationToken()
	if err != nil {
		return nil, fmt.Errorf("generating confirmation token: %w", err)
	}
	now := e.now()
	conf := models.AdminConfirmation{
		RequestID:     uuid.NewString(),
		AccountID:     accountID,
		RequestedByID: actorID,
		TokenHash:     hash,
		CreatedAt:     now,
		ExpiresAt:     now.Add(e.Config.AdminConfirmationTTL),
	}

	err = e.transact(ctx, func(tx *gorm.DB, al *audit.Logger) error {
		if err := tx.Model(&models.AdminConfirmation{}).
			Where("account_id = ? AND confirmed_at IS NULL AND revoked_at IS NULL", accountID).
			Update("revoked_at", now).Error; err != nil {
			return err
		}
		if err := tx.Create(&conf).Error; err != nil {
			return fmt.Errorf("creating admin confirmation: %w", err)
		}
		_, err := al.Record(ctx, actorID, accountID, audit.KindRequestAdmin, audit.Details{
			Context: map[string]any{
				"request_id": conf.RequestID,
				"expires_at": conf.ExpiresAt,
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	err = e.Confirmations.Send(ctx, &notifs.Notification{
		Kind:     notifs.KindAdminConfirmation,
		TargetID: actorID,
		Payload: map[string]any{
			"request_id": conf.RequestID,
			"token":      token,
			"account_id": accountID,
			"username":   target.Username,
			"expires_at": conf.ExpiresAt,
		},
	})
	if err != nil {
		// nobody holds the token, so the request can never be confirmed
		if rerr := e.db.WithContext(ctx).Model(&models.AdminConfirmation{}).
			Where("id = ?", conf.ID).
			Update("revoked_at", now).Error; rerr != nil {
			e.Logger.Error("failed to revoke undelivered admin confirmation", "request", conf.RequestID, "err", rerr)
		}
		return nil, fmt.Errorf("delivering admin confirmation: %w", err)
	}

	e.notify(ctx, notifs.KindAdminRequested, actorID, map[string]any{
		"request_id": conf.RequestID,
		"account_id": accountID,
		"username":   target.Username,
		"expires_at": conf.ExpiresAt,
	})

	return &AdminGrantRequest{
		Accepted:  true,
		RequestID: conf.RequestID,
		ExpiresAt: conf.ExpiresAt,
	}, nil
}

// ConfirmAdminGrant completes a pending admin grant. The requesting admin is
// authorized again, so a grant requested by someone who has since lost admin
// does not go through.
func (e *Engine) ConfirmAdminGrant(ctx context.Context, requestID, token string) (err error) {
	ctx, span := tracer.Start(ctx, "ConfirmAdminGrant")
	defer func() { e.finish(span, "confirm_admin_grant", err) }()

	var conf models.AdminConfirmation
	if err := e.db.WithContext(ctx).Where("request_id = ?", requestID).First(&conf).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrConfirmationInvalid
		}
		return err
	}

	now := e.now()
	if conf.ConfirmedAt != nil || conf.RevokedAt != nil || !now.Before(conf.ExpiresAt) {
		return ErrConfirmationInvalid
	}
	if err := verifyToken(conf.TokenHash, token); err != nil {
		if errors.Is(err, errTokenMismatch) {
			return ErrConfirmationInvalid
		}
		return err
	}

	actor, target, err := e.actorAndTarget(ctx, conf.RequestedByID, conf.AccountID)
	if err != nil {
		return err
	}
	if err := e.authorize(ctx, guard.Request{Action: guard.ActionGrantAdmin, Actor: actor, Target: target}); err != nil {
		return err
	}

	err = e.transact(ctx, func(tx *gorm.DB, al *audit.Logger) error {
		res := tx.Model(&models.AdminConfirmation{}).
			Where("id = ? AND confirmed_at IS NULL AND revoked_at IS NULL", conf.ID).
			Update("confirmed_at", now)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConfirmationInvalid
		}
		if err := tx.Model(&models.Account{}).Where("id = ?", target.ID).Update("admin", true).Error; err != nil {
			return err
		}
		_, err := al.Record(ctx, actor.ID, target.ID, audit.KindGrantAdmin, audit.Details{
			Context: map[string]any{"request_id": conf.RequestID},
		})
		return err
	})
	if err != nil {
		return err
	}

	e.purgeCache(ctx, target.ID)
	e.publish(ctx, events.KindRolesChanged, target.ID, actor.ID, map[string]any{"admin": true})
	return nil
}
