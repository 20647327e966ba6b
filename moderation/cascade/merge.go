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

// Merge reassigns the source account's posts and group memberships to the
// target, then destroys the source. If the source no longer exists the merge
// already happened, and this is a no-op. A source already marked merged with
// nothing left to move means an earlier attempt committed and only the destroy
// is retried.
func (e *Executor) Merge(ctx context.Context, actorID, sourceID, targetID uint64) error {
	ctx, span := tracer.Start(ctx, "Merge")
	defer span.End()
	span.SetAttributes(attribute.Int64("source", int64(sourceID)), attribute.Int64("target", int64(targetID)))

	var source models.Account
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&source, sourceID).Error; err != nil {
			return err
		}
		var target models.Account
		if err := tx.First(&target, targetID).Error; err != nil {
			return fmt.Errorf("loading merge target: %w", err)
		}

		moved := tx.Unscoped().Model(&models.Post{}).Where("account_id = ?", sourceID).Update("account_id", targetID)
		if moved.Error != nil {
			return fmt.Errorf("reassigning posts: %w", moved.Error)
		}

		var memberships []models.GroupMembership
		if err := tx.Where("account_id = ?", sourceID).Find(&memberships).Error; err != nil {
			return err
		}
		for _, m := range memberships {
			gm := models.GroupMembership{GroupID: m.GroupID, AccountID: targetID}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&gm).Error; err != nil {
				return fmt.Errorf("copying group membership: %w", err)
			}
		}
		if err := tx.Where("account_id = ?", sourceID).Delete(&models.GroupMembership{}).Error; err != nil {
			return err
		}

		if source.Merged && moved.RowsAffected == 0 && len(memberships) == 0 {
			e.Logger.Info("merge already recorded, retrying source destroy", "source", sourceID, "target", targetID)
			return nil
		}

		if err := tx.Model(&models.Account{}).Where("id = ?", sourceID).Update("merged", true).Error; err != nil {
			return err
		}

		_, err := e.audit.Tx(tx).Record(ctx, actorID, targetID, audit.KindMerge, audit.Details{
			Summary: fmt.Sprintf("merged %s into %s", source.Username, target.Username),
			Context: map[string]any{
				"source_id":       sourceID,
				"source_username": source.Username,
				"posts_moved":     moved.RowsAffected,
				"groups_moved":    len(memberships),
			},
		})
		return err
	})
	if errors.Is(err, gorm.ErrRecordNotFound) && source.ID == 0 {
		e.Logger.Info("merge source already gone", "source", sourceID, "target", targetID)
		return nil
	}
	if err != nil {
		return err
	}

	_, err = e.Destroy(ctx, actorID, sourceID, DestroyOptions{
		DeletePosts: true,
		Context:     fmt.Sprintf("merged into account %d", targetID),
	})
	return err
}
