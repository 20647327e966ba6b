package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/bluesky-social/warden/models"

	"gorm.io/gorm"
)

type Kind string

const (
	KindSuspend              = Kind("suspend_user")
	KindUnsuspend            = Kind("unsuspend_user")
	KindSilence              = Kind("silence_user")
	KindUnsilence            = Kind("unsilence_user")
	KindRemovedSuspend       = Kind("removed_suspend_user")
	KindRemovedUnsuspend     = Kind("removed_unsuspend_user")
	KindRemovedSilence       = Kind("removed_silence_user")
	KindRemovedUnsilence     = Kind("removed_unsilence_user")
	KindRevokeAdmin          = Kind("revoke_admin")
	KindRequestAdmin         = Kind("request_admin_grant")
	KindGrantAdmin           = Kind("grant_admin")
	KindRevokeModeration     = Kind("revoke_moderation")
	KindGrantModeration      = Kind("grant_moderation")
	KindAddToGroup           = Kind("add_user_to_group")
	KindRemoveFromGroup      = Kind("remove_user_from_group")
	KindChangePrimaryGroup   = Kind("change_primary_group")
	KindChangeTrustLevel     = Kind("change_trust_level")
	KindLockTrustLevel       = Kind("lock_trust_level")
	KindUnlockTrustLevel     = Kind("unlock_trust_level")
	KindDisableSecondFactor  = Kind("disable_second_factor_auth")
	KindResetBounceScore     = Kind("reset_bounce_score")
	KindAnonymize            = Kind("anonymize_user")
	KindMergeRequested       = Kind("merge_user_requested")
	KindMerge                = Kind("merge_user")
	KindDelete               = Kind("delete_user")
	KindDeleteRequested      = Kind("delete_user_requested")
	KindApprove              = Kind("approve_user")
	KindActivate             = Kind("activate_user")
	KindDeactivate           = Kind("deactivate_user")
	KindLogOut               = Kind("log_out_user")
	KindDeletePenaltyHistory = Kind("delete_penalty_history")
	KindDeletePost           = Kind("delete_post")
	KindEditPost             = Kind("edit_post")
	KindDeletePostsBatch     = Kind("delete_posts_batch")
	KindDeleteSSORecord      = Kind("delete_sso_record")
	KindBulkDestroyRequested = Kind("bulk_destroy_same_ip")
	KindTaskFailed           = Kind("task_failed")
)

// penalty kinds and their re-tagged counterparts. Re-tagged rows stay in the
// history but are ignored by trust level scoring.
var removedKinds = map[Kind]Kind{
	KindSuspend:   KindRemovedSuspend,
	KindUnsuspend: KindRemovedUnsuspend,
	KindSilence:   KindRemovedSilence,
	KindUnsilence: KindRemovedUnsilence,
}

// RemovedKind returns the re-tagged kind for a penalty kind, or false if the
// kind is not part of penalty history.
func RemovedKind(k Kind) (Kind, bool) {
	r, ok := removedKinds[k]
	return r, ok
}

type Details struct {
	// human readable, eg the full suspension reason
	Summary string
	Context map[string]any
}

// Logger appends audit records. A Logger bound to a transaction with Tx
// writes inside that transaction, so the record commits or rolls back with
// the mutation it describes.
type Logger struct {
	db  *gorm.DB
	now func() time.Time
}

func NewLogger(db *gorm.DB) *Logger {
	return &Logger{
		db:  db,
		now: time.Now,
	}
}

// WithClock returns a copy of the logger which timestamps records using now.
func (l *Logger) WithClock(now func() time.Time) *Logger {
	return &Logger{db: l.db, now: now}
}

func (l *Logger) Tx(tx *gorm.DB) *Logger {
	return &Logger{db: tx, now: l.now}
}

func (l *Logger) Record(ctx context.Context, actorID, targetID uint64, kind Kind, details Details) (*models.AuditRecord, error) {
	rec := &models.AuditRecord{
		Kind:            string(kind),
		ActorID:         actorID,
		TargetAccountID: targetID,
		CreatedAt:       l.now().UTC(),
		Details:         details.Summary,
		Context:         details.Context,
	}
	if err := l.db.WithContext(ctx).Create(rec).Error; err != nil {
		return nil, fmt.Errorf("recording %s audit entry: %w", kind, err)
	}
	return rec, nil
}

// History returns audit records about an account, newest first. A limit of
// zero or less returns everything.
func (l *Logger) History(ctx context.Context, targetID uint64, limit int) ([]models.AuditRecord, error) {
	var recs []models.AuditRecord
	q := l.db.WithContext(ctx).Where("target_account_id = ?", targetID).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

// RetagPenalties moves every suspend and silence record about targetID to its
// "removed" kind in a single statement. Already re-tagged rows do not match
// the filter, so repeated calls are no-ops.
func (l *Logger) RetagPenalties(ctx context.Context, targetID uint64) (int64, error) {
	expr := "CASE kind"
	args := []any{}
	from := []string{}
	for _, k := range []Kind{KindSuspend, KindUnsuspend, KindSilence, KindUnsilence} {
		expr += " WHEN ? THEN ?"
		args = append(args, string(k), string(removedKinds[k]))
		from = append(from, string(k))
	}
	expr += " ELSE kind END"

	res := l.db.WithContext(ctx).Model(&models.AuditRecord{}).
		Where("target_account_id = ? AND kind IN ?", targetID, from).
		Update("kind", gorm.Expr(expr, args...))
	if res.Error != nil {
		return 0, fmt.Errorf("re-tagging penalty history: %w", res.Error)
	}
	return res.RowsAffected, nil
}
