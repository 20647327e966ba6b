package cascade

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bluesky-social/warden/models"
	"github.com/bluesky-social/warden/moderation/audit"
	"github.com/bluesky-social/warden/moderation/guard"

	"gorm.io/gorm"
)

type PostAction string

const (
	PostActionDelete        = PostAction("delete")
	PostActionDeleteReplies = PostAction("delete-with-replies")
	PostActionEdit          = PostAction("edit")
)

var ErrUnknownPostAction = errors.New("unknown post action")

func ParsePostAction(s string) (PostAction, error) {
	switch PostAction(s) {
	case PostActionDelete, PostActionDeleteReplies, PostActionEdit:
		return PostAction(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPostAction, s)
}

// PerformPostAction applies a content action using the operator's authority.
// The action has its own authorization check; a denial, or any other
// failure, is logged and skipped. Returns whether the action was applied.
func (e *Executor) PerformPostAction(ctx context.Context, actor *models.Account, postID uint64, action PostAction, editRaw string) bool {
	ctx, span := tracer.Start(ctx, "PerformPostAction")
	defer span.End()

	log := e.Logger.With("post", postID, "action", action, "actor", actor.ID)

	var post models.Post
	if err := e.db.WithContext(ctx).Unscoped().First(&post, postID).Error; err != nil {
		log.Warn("skipping post action, post not loaded", "err", err)
		return false
	}

	check := guard.ActionDeletePost
	if action == PostActionEdit {
		check = guard.ActionEditPost
	}
	if err := e.Guard.Authorize(guard.Request{Action: check, Actor: actor, Post: &post}); err != nil {
		log.Info("skipping post action", "reason", err)
		return false
	}

	var err error
	switch action {
	case PostActionDelete:
		err = e.deletePosts(ctx, actor.ID, &post, false)
	case PostActionDeleteReplies:
		err = e.deletePosts(ctx, actor.ID, &post, true)
	case PostActionEdit:
		err = e.editPost(ctx, actor.ID, &post, editRaw)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownPostAction, action)
	}
	if err != nil {
		log.Error("post action failed", "err", err)
		return false
	}
	return true
}

func (e *Executor) deletePosts(ctx context.Context, actorID uint64, post *models.Post, withReplies bool) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ids := []uint64{post.ID}
		if withReplies {
			var replies []uint64
			if err := tx.Model(&models.Post{}).Where("reply_to_post_id = ?", post.ID).Pluck("id", &replies).Error; err != nil {
				return err
			}
			ids = append(ids, replies...)
		}
		if err := softDeletePosts(tx, actorID, ids, e.now()); err != nil {
			return err
		}
		_, err := e.audit.Tx(tx).Record(ctx, actorID, post.AccountID, audit.KindDeletePost, audit.Details{
			Context: map[string]any{
				"post_id":      post.ID,
				"with_replies": withReplies,
				"deleted":      len(ids),
			},
		})
		return err
	})
}

func (e *Executor) editPost(ctx context.Context, actorID uint64, post *models.Post, raw string) error {
	if raw == "" {
		return fmt.Errorf("no replacement text for post %d", post.ID)
	}
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Post{}).Where("id = ?", post.ID).Update("raw", raw).Error; err != nil {
			return err
		}
		_, err := e.audit.Tx(tx).Record(ctx, actorID, post.AccountID, audit.KindEditPost, audit.Details{
			Context: map[string]any{"post_id": post.ID},
		})
		return err
	})
}

// soft deletes live posts by id, recording who deleted them
func softDeletePosts(tx *gorm.DB, actorID uint64, ids []uint64, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return tx.Model(&models.Post{}).
		Where("id IN ?", ids).
		Updates(map[string]any{
			"deleted_at":    now,
			"deleted_by_id": actorID,
		}).Error
}

// DeletePostsBatch deletes up to batch of the account's live posts, returning
// how many were deleted.
func (e *Executor) DeletePostsBatch(ctx context.Context, actorID, accountID uint64, batch int) (int, error) {
	ctx, span := tracer.Start(ctx, "DeletePostsBatch")
	defer span.End()

	deleted := 0
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []uint64
		if err := tx.Model(&models.Post{}).Where("account_id = ?", accountID).Order("id ASC").Limit(batch).Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := softDeletePosts(tx, actorID, ids, e.now()); err != nil {
			return err
		}
		deleted = len(ids)
		_, err := e.audit.Tx(tx).Record(ctx, actorID, accountID, audit.KindDeletePostsBatch, audit.Details{
			Context: map[string]any{"deleted": deleted},
		})
		return err
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}
