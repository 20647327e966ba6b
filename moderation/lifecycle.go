package moderation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/bluesky-social/warden/events"
	"github.com/bluesky-social/warden/models"
	"github.com/bluesky-social/warden/moderation/audit"
	"github.com/bluesky-social/warden/moderation/cascade"
	"github.com/bluesky-social/warden/moderation/guard"
	"github.com/bluesky-social/warden/tasks"

	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

type DestroyOptions = cascade.DestroyOptions

type AnonymizeOptions = cascade.AnonymizeOptions

type DestroyResult struct {
	Deleted   bool            `json:"deleted"`
	Scheduled bool            `json:"scheduled,omitempty"`
	TaskID    uint64          `json:"task_id,omitempty"`
	Account   *models.Account `json:"account,omitempty"`
}

type MergeResult struct {
	Accepted bool   `json:"accepted"`
	TaskID   uint64 `json:"task_id"`
}

type AnonymizeResult struct {
	Success bool            `json:"success"`
	Handle  string          `json:"username,omitempty"`
	Account *models.Account `json:"account,omitempty"`
}

// Destroy deletes an account. Unless opts.DeletePosts is set, an account with
// posts is refused with a *PostsExistError. Accounts with no more posts than
// Config.InlineDestroyMaxPosts are destroyed before returning; larger ones
// are handed to the task queue and the result reports Scheduled.
func (e *Engine) Destroy(ctx context.Context, actorID, accountID uint64, opts DestroyOptions) (_ *DestroyResult, err error) {
	ctx, span := tracer.Start(ctx, "Destroy")
	defer func() { e.finish(span, "destroy", err) }()
	span.SetAttributes(attribute.Int64("account", int64(accountID)))

	actor, target, err := e.actorAndTarget(ctx, actorID, accountID)
	if err != nil {
		return nil, err
	}
	if err := e.authorize(ctx, guard.Request{Action: guard.ActionDestroy, Actor: actor, Target: target}); err != nil {
		return nil, err
	}

	var posts int64
	if err := e.db.WithContext(ctx).Model(&models.Post{}).Where("account_id = ?", accountID).Count(&posts).Error; err != nil {
		return nil, err
	}
	if posts > 0 && !opts.DeletePosts {
		return nil, &PostsExistError{Count: posts}
	}

	if posts <= e.Config.InlineDestroyMaxPosts {
		acct, err := e.Cascade.Destroy(ctx, actorID, accountID, opts)
		if err != nil {
			if errors.Is(err, ErrPostsExist) {
				return nil, err
			}
			e.Logger.Error("account destroy failed", "account", accountID, "err", err)
			return &DestroyResult{Deleted: false, Account: target}, nil
		}
		if acct != nil {
			e.afterDestroy(ctx, actorID, acct, opts)
		}
		return &DestroyResult{Deleted: true}, nil
	}

	t, err := e.scheduleDestroy(ctx, actorID, accountID, opts)
	if err != nil {
		return nil, err
	}
	if _, err := e.audit.Record(ctx, actorID, accountID, audit.KindDeleteRequested, audit.Details{
		Summary: opts.Context,
		Context: map[string]any{"task_id": t.ID, "posts": posts},
	}); err != nil {
		return nil, err
	}
	return &DestroyResult{Scheduled: true, TaskID: t.ID, Account: target}, nil
}

func (e *Engine) scheduleDestroy(ctx context.Context, actorID, accountID uint64, opts DestroyOptions) (*tasks.Task, error) {
	t, err := tasks.NewTask(TaskDestroyAccount, fmt.Sprintf("destroy:%d", accountID), actorID, accountID, &DestroyTask{
		AccountID: accountID,
		ActorID:   actorID,
		Options:   opts,
	})
	if err != nil {
		return nil, err
	}
	if err := e.Tasks.Submit(ctx, t); err != nil {
		return nil, fmt.Errorf("scheduling account deletion: %w", err)
	}
	return t, nil
}

func (e *Engine) afterDestroy(ctx context.Context, actorID uint64, acct *models.Account, opts DestroyOptions) {
	e.purgeCache(ctx, acct.ID)
	e.publish(ctx, events.KindUserDestroyed, acct.ID, actorID, map[string]any{
		"username":          acct.Username,
		"delete_as_spammer": opts.DeleteAsSpammer,
		"context":           opts.Context,
	})
	if opts.DeleteAsSpammer {
		if err := e.Counters.Increment(ctx, "moderation-destroy", "spammer"); err != nil {
			e.Logger.Warn("failed to count spammer deletion", "err", err)
		}
		if err := e.Counters.IncrementDistinct(ctx, "moderation-destroy", "spammer-actors", strconv.FormatUint(actorID, 10)); err != nil {
			e.Logger.Warn("failed to count spammer deletion", "err", err)
		}
	}
}

// Merge schedules moving the source account's content into the account
// named by targetUsername, after which the source is destroyed. It returns
// once the task is queued.
func (e *Engine) Merge(ctx context.Context, actorID, sourceID uint64, targetUsername string) (_ *MergeResult, err error) {
	ctx, span := tracer.Start(ctx, "Merge")
	defer func() { e.finish(span, "merge", err) }()

	targetUsername = strings.TrimSpace(targetUsername)
	if targetUsername == "" {
		return nil, fmt.Errorf("%w: no merge target given", ErrAccountNotFound)
	}

	actor, source, err := e.actorAndTarget(ctx, actorID, sourceID)
	if err != nil {
		return nil, err
	}
	into, err := e.getAccountByUsername(ctx, targetUsername)
	if err != nil {
		return nil, err
	}
	if err := e.authorize(ctx, guard.Request{Action: guard.ActionMerge, Actor: actor, Target: source, MergeInto: into}); err != nil {
		return nil, err
	}

	t, err := tasks.NewTask(TaskMergeAccount, fmt.Sprintf("merge:%d:%d", source.ID, into.ID), actorID, source.ID, &MergeTask{
		SourceID: source.ID,
		TargetID: into.ID,
		ActorID:  actorID,
	})
	if err != nil {
		return nil, err
	}
	if err := e.Tasks.Submit(ctx, t); err != nil {
		return nil, fmt.Errorf("scheduling merge: %w", err)
	}
	if _, err := e.audit.Record(ctx, actorID, source.ID, audit.KindMergeRequested, audit.Details{
		Context: map[string]any{
			"task_id":         t.ID,
			"target_id":       into.ID,
			"target_username": into.Username,
		},
	}); err != nil {
		return nil, err
	}

	return &MergeResult{Accepted: true, TaskID: t.ID}, nil
}

// Anonymize irreversibly scrubs the account's personal details. If the
// scrub fails the result has Success false and the account as it was.
func (e *Engine) Anonymize(ctx context.Context, actorID, accountID uint64, opts AnonymizeOptions) (_ *AnonymizeResult, err error) {
	ctx, span := tracer.Start(ctx, "Anonymize")
	defer func() { e.finish(span, "anonymize", err) }()

	actor, target, err := e.actorAndTarget(ctx, actorID, accountID)
	if err != nil {
		return nil, err
	}
	if err := e.authorize(ctx, guard.Request{Action: guard.ActionAnonymize, Actor: actor, Target: target}); err != nil {
		return nil, err
	}
	if opts.AnonymizeIP != "" && net.ParseIP(opts.AnonymizeIP) == nil {
		return nil, fmt.Errorf("%w: %q is not an IP address", ErrValidation, opts.AnonymizeIP)
	}

	acct, err := e.Cascade.Anonymize(ctx, actorID, accountID, opts)
	if err != nil {
		e.Logger.Error("anonymize failed", "account", accountID, "err", err)
		return &AnonymizeResult{Success: false, Account: target}, nil
	}

	e.purgeCache(ctx, accountID)
	e.publish(ctx, events.KindUserAnonymized, accountID, actorID, map[string]any{"username": acct.Username})
	return &AnonymizeResult{Success: true, Handle: acct.Username, Account: acct}, nil
}

// DeletePostsBatch deletes the next batch of the account's posts, returning
// how many were deleted. Zero means nothing is left.
func (e *Engine) DeletePostsBatch(ctx context.Context, actorID, accountID uint64) (_ int, err error) {
	ctx, span := tracer.Start(ctx, "DeletePostsBatch")
	defer func() { e.finish(span, "delete_posts_batch", err) }()

	actor, target, err := e.actorAndTarget(ctx, actorID, accountID)
	if err != nil {
		return 0, err
	}
	if err := e.authorize(ctx, guard.Request{Action: guard.ActionDeleteAllPosts, Actor: actor, Target: target}); err != nil {
		return 0, err
	}

	n, err := e.Cascade.DeletePostsBatch(ctx, actorID, accountID, e.Config.DeletePostsBatchSize)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.purgeCache(ctx, accountID)
	}
	return n, nil
}

// DeleteSSORecord unlinks the account from its single sign-on identity.
func (e *Engine) DeleteSSORecord(ctx context.Context, actorID, accountID uint64) (err error) {
	ctx, span := tracer.Start(ctx, "DeleteSSORecord")
	defer func() { e.finish(span, "delete_sso_record", err) }()

	actor, target, err := e.actorAndTarget(ctx, actorID, accountID)
	if err != nil {
		return err
	}
	if err := e.authorize(ctx, guard.Request{Action: guard.ActionDeleteSSORecord, Actor: actor, Target: target}); err != nil {
		return err
	}

	return e.transact(ctx, func(tx *gorm.DB, al *audit.Logger) error {
		var rec models.SSORecord
		if err := tx.Where("account_id = ?", accountID).First(&rec).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s has no single sign-on record", ErrNotFound, target.Username)
			}
			return err
		}
		if err := tx.Delete(&rec).Error; err != nil {
			return err
		}
		_, err := al.Record(ctx, actorID, accountID, audit.KindDeleteSSORecord, audit.Details{
			Context: map[string]any{
				"external_id":    rec.ExternalID,
				"external_email": rec.ExternalEmail,
			},
		})
		return err
	})
}
