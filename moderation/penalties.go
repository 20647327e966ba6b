package moderation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bluesky-social/warden/events"
	"github.com/bluesky-social/warden/models"
	"github.com/bluesky-social/warden/moderation/audit"
	"github.com/bluesky-social/warden/moderation/cascade"
	"github.com/bluesky-social/warden/moderation/guard"
	"github.com/bluesky-social/warden/notifs"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

type SuspendParams struct {
	Until   *time.Time
	Reason  string
	Message string

	// optional content action on the post that prompted the suspension
	PostID     uint64
	PostAction string
	PostEdit   string
}

type SuspendResult struct {
	Reason        string    `json:"suspend_reason"`
	FullReason    string    `json:"full_suspend_reason"`
	SuspendedTill time.Time `json:"suspended_till"`
	SuspendedAt   time.Time `json:"suspended_at"`
	AuditRecordID uint64    `json:"audit_record_id"`
}

type SilenceParams struct {
	// nil silences indefinitely
	Until   *time.Time
	Reason  string
	Message string

	PostID     uint64
	PostAction string
	PostEdit   string
}

type SilenceResult struct {
	Silenced      bool       `json:"silenced"`
	Reason        string     `json:"silence_reason"`
	SilencedTill  *time.Time `json:"silenced_till"`
	SilencedAt    time.Time  `json:"silenced_at"`
	SilencedBy    uint64     `json:"silenced_by"`
	AuditRecordID uint64     `json:"audit_record_id"`
}

// fields shared by suspend and silence
type penaltyRequest struct {
	kind       models.PenaltyKind
	until      *time.Time
	reason     string
	message    string
	postID     uint64
	postAction cascade.PostAction
	postEdit   string
}

func (p *penaltyRequest) fullReason() string {
	if p.message == "" {
		return p.reason
	}
	return p.reason + "\n\n" + p.message
}

func (e *Engine) Suspend(ctx context.Context, actorID, accountID uint64, params SuspendParams) (_ *SuspendResult, err error) {
	ctx, span := tracer.Start(ctx, "Suspend")
	defer func() { e.finish(span, "suspend", err) }()
	span.SetAttributes(attribute.Int64("account", int64(accountID)))

	actor, target, err := e.actorAndTarget(ctx, actorID, accountID)
	if err != nil {
		return nil, err
	}
	if err := e.authorize(ctx, guard.Request{Action: guard.ActionSuspend, Actor: actor, Target: target}); err != nil {
		return nil, err
	}

	now := e.now()
	if target.IsSuspended(now) {
		return nil, e.alreadyPenalized(ctx, target, models.PenaltySuspension, target.SuspendedAt, now)
	}

	if params.Until == nil {
		return nil, fmt.Errorf("%w: suspend_until is required", ErrValidation)
	}
	if !params.Until.After(now) {
		return nil, fmt.Errorf("%w: suspend_until must be in the future", ErrValidation)
	}
	req, err := newPenaltyRequest(models.PenaltySuspension, params.Until, params.Reason, params.Message, params.PostID, params.PostAction, params.PostEdit)
	if err != nil {
		return nil, err
	}

	rec, err := e.applyPenalty(ctx, actor, target, req, now)
	if err != nil {
		return nil, err
	}

	e.purgeCache(ctx, accountID)
	if req.message != "" {
		e.notify(ctx, notifs.KindAccountSuspended, accountID, map[string]any{
			"audit_record_id": rec.ID,
			"reason":          req.reason,
			"message":         req.message,
			"suspended_till":  req.until,
		})
	}
	e.publish(ctx, events.KindUserLoggedOut, accountID, actorID, nil)
	e.publish(ctx, events.KindUserSuspended, accountID, actorID, map[string]any{
		"reason":         req.reason,
		"message":        req.message,
		"post_id":        req.postID,
		"suspended_till": req.until,
		"suspended_at":   now,
	})
	e.runPostAction(ctx, actor, req)

	return &SuspendResult{
		Reason:        req.reason,
		FullReason:    req.fullReason(),
		SuspendedTill: *req.until,
		SuspendedAt:   now,
		AuditRecordID: rec.ID,
	}, nil
}

func (e *Engine) Silence(ctx context.Context, actorID, accountID uint64, params SilenceParams) (_ *SilenceResult, err error) {
	ctx, span := tracer.Start(ctx, "Silence")
	defer func() { e.finish(span, "silence", err) }()
	span.SetAttributes(attribute.Int64("account", int64(accountID)))

	actor, target, err := e.actorAndTarget(ctx, actorID, accountID)
	if err != nil {
		return nil, err
	}
	if err := e.authorize(ctx, guard.Request{Action: guard.ActionSilence, Actor: actor, Target: target}); err != nil {
		return nil, err
	}

	now := e.now()
	if target.IsSilenced(now) {
		return nil, e.alreadyPenalized(ctx, target, models.PenaltySilence, target.SilencedAt, now)
	}

	if params.Until != nil && !params.Until.After(now) {
		return nil, fmt.Errorf("%w: silenced_till must be in the future", ErrValidation)
	}
	req, err := newPenaltyRequest(models.PenaltySilence, params.Until, params.Reason, params.Message, params.PostID, params.PostAction, params.PostEdit)
	if err != nil {
		return nil, err
	}

	rec, err := e.applyPenalty(ctx, actor, target, req, now)
	if err != nil {
		return nil, err
	}

	e.purgeCache(ctx, accountID)
	e.notify(ctx, notifs.KindAccountSilenced, accountID, map[string]any{
		"audit_record_id": rec.ID,
		"reason":          req.reason,
		"message":         req.message,
		"silenced_till":   req.until,
	})
	e.publish(ctx, events.KindUserSilenced, accountID, actorID, map[string]any{
		"reason":        req.reason,
		"message":       req.message,
		"post_id":       req.postID,
		"silenced_till": req.until,
		"silenced_at":   now,
	})
	e.runPostAction(ctx, actor, req)

	return &SilenceResult{
		Silenced:      true,
		Reason:        req.reason,
		SilencedTill:  req.until,
		SilencedAt:    now,
		SilencedBy:    actorID,
		AuditRecordID: rec.ID,
	}, nil
}

func newPenaltyRequest(kind models.PenaltyKind, until *time.Time, reason, message string, postID uint64, postAction, postEdit string) (*penaltyRequest, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: reason is required", ErrValidation)
	}
	req := &penaltyRequest{
		kind:    kind,
		until:   until,
		reason:  reason,
		message: strings.TrimSpace(message),
		postID:  postID,
	}
	if postID != 0 && postAction != "" {
		pa, err := cascade.ParsePostAction(postAction)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrValidation, err)
		}
		if pa == cascade.PostActionEdit && strings.TrimSpace(postEdit) == "" {
			return nil, fmt.Errorf("%w: post_edit is required to edit a post", ErrValidation)
		}
		req.postAction = pa
		req.postEdit = postEdit
	}
	return req, nil
}

// alreadyPenalized builds the conflict error naming who applied the existing
// penalty and how long ago. The active penalty row is preferred over the
// account columns, which may be missing a start time.
func (e *Engine) alreadyPenalized(ctx context.Context, target *models.Account, kind models.PenaltyKind, startedAt *time.Time, now time.Time) error {
	by := "staff"
	since := now
	if startedAt != nil {
		since = *startedAt
	}
	var active models.Penalty
	err := e.db.WithContext(ctx).Where("active_key = ?", models.PenaltyActiveKey(kind, target.ID)).First(&active).Error
	if err == nil {
		since = active.CreatedAt
		if m, err := e.getAccount(ctx, e.db, active.ActorID); err == nil {
			by = m.Username
		}
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		e.Logger.Warn("failed to load active penalty", "account", target.ID, "kind", kind, "err", err)
	}

	verb := "suspended"
	if kind == models.PenaltySilence {
		verb = "silenced"
	}
	return fmt.Errorf("%w: %s was already %s by %s %s", ErrConflict, target.Username, verb, by, humanize.RelTime(since, now, "ago", "from now"))
}

var errPenaltyActive = errors.New("penalty already active")

// applyPenalty commits the account state change, the penalty row, and the
// audit record together.
func (e *Engine) applyPenalty(ctx context.Context, actor, target *models.Account, req *penaltyRequest, now time.Time) (*models.AuditRecord, error) {
	key := models.PenaltyActiveKey(req.kind, target.ID)

	var rec *models.AuditRecord
	err := e.transact(ctx, func(tx *gorm.DB, al *audit.Logger) error {
		// a penalty that ran out on its own still holds the key
		if err := tx.Model(&models.Penalty{}).
			Where("active_key = ? AND expires_at IS NOT NULL AND expires_at <= ?", key, now).
			Update("active_key", nil).Error; err != nil {
			return err
		}

		pen := models.Penalty{
			AccountID: target.ID,
			Kind:      req.kind,
			ActorID:   actor.ID,
			Reason:    req.reason,
			Message:   req.message,
			CreatedAt: now,
			ExpiresAt: req.until,
			ActiveKey: &key,
		}
		if err := tx.Create(&pen).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return errPenaltyActive
			}
			return fmt.Errorf("recording penalty: %w", err)
		}

		var (
			fields map[string]any
			kind   audit.Kind
		)
		switch req.kind {
		case models.PenaltySuspension:
			fields = map[string]any{"suspended_at": now, "suspended_till": req.until}
			kind = audit.KindSuspend
		case models.PenaltySilence:
			fields = map[string]any{"silenced_at": now, "silenced_till": req.until}
			kind = audit.KindSilence
		}
		if err := tx.Model(&models.Account{}).Where("id = ?", target.ID).Updates(fields).Error; err != nil {
			return err
		}

		if req.kind == models.PenaltySuspension {
			if err := tx.Where("account_id = ?", target.ID).Delete(&models.SessionToken{}).Error; err != nil {
				return fmt.Errorf("revoking sessions: %w", err)
			}
		}

		details := map[string]any{
			"penalty_id": pen.ID,
			"until":      req.until,
		}
		if req.postID != 0 {
			details["post_id"] = req.postID
			details["post_action"] = string(req.postAction)
		}
		var err error
		rec, err = al.Record(ctx, actor.ID, target.ID, kind, audit.Details{
			Summary: req.fullReason(),
			Context: details,
		})
		return err
	})
	if errors.Is(err, errPenaltyActive) {
		// raced with another moderator, or the account columns were cleared
		// while the penalty row still holds the key
		return nil, e.alreadyPenalized(ctx, target, req.kind, nil, now)
	} else if err != nil {
		return nil, err
	}
	return rec, nil
}

func (e *Engine) runPostAction(ctx context.Context, actor *models.Account, req *penaltyRequest) {
	if req.postID == 0 || req.postAction == "" {
		return
	}
	e.Cascade.PerformPostAction(ctx, actor, req.postID, req.postAction, req.postEdit)
}

func (e *Engine) Unsuspend(ctx context.Context, actorID, accountID uint64) (err error) {
	ctx, span := tracer.Start(ctx, "Unsuspend")
	defer func() { e.finish(span, "unsuspend", err) }()

	if err := e.liftPenalty(ctx, actorID, accountID, models.PenaltySuspension); err != nil {
		return err
	}
	e.purgeCache(ctx, accountID)
	e.publish(ctx, events.KindUserUnsuspended, accountID, actorID, nil)
	return nil
}

func (e *Engine) Unsilence(ctx context.Context, actorID, accountID uint64) (err error) {
	ctx, span := tracer.Start(ctx, "Unsilence")
	defer func() { e.finish(span, "unsilence", err) }()

	if err := e.liftPenalty(ctx, actorID, accountID, models.PenaltySilence); err != nil {
		return err
	}
	e.purgeCache(ctx, accountID)
	e.publish(ctx, events.KindUserUnsilenced, accountID, actorID, nil)
	return nil
}

// liftPenalty clears the penalty fields whether or not the account is
// currently penalized, and always writes the audit record.
func (e *Engine) liftPenalty(ctx context.Context, actorID, accountID uint64, kind models.PenaltyKind) error {
	actor, target, err := e.actorAndTarget(ctx, actorID, accountID)
	if err != nil {
		return err
	}

	action, auditKind := guard.ActionUnsuspend, audit.KindUnsuspend
	fields := map[string]any{"suspended_at": nil, "suspended_till": nil}
	if kind == models.PenaltySilence {
		action, auditKind = guard.ActionUnsilence, audit.KindUnsilence
		fields = map[string]any{"silenced_at": nil, "silenced_till": nil}
	}
	if err := e.authorize(ctx, guard.Request{Action: action, Actor: actor, Target: target}); err != nil {
		return err
	}

	now := e.now()
	return e.transact(ctx, func(tx *gorm.DB, al *audit.Logger) error {
		if err := tx.Model(&models.Account{}).Where("id = ?", accountID).Updates(fields).Error; err != nil {
			return err
		}
		lifted := tx.Model(&models.Penalty{}).
			Where("active_key = ?", models.PenaltyActiveKey(kind, accountID)).
			Updates(map[string]any{"active_key": nil, "lifted_at": now})
		if lifted.Error != nil {
			return lifted.Error
		}
		_, err := al.Record(ctx, actorID, accountID, auditKind, audit.Details{
			Context: map[string]any{"lifted": lifted.RowsAffected},
		})
		return err
	})
}

// DeletePenaltyHistory re-tags the account's suspension and silence audit
// records so trust level scoring ignores them. Returns the number of rows
// re-tagged.
func (e *Engine) DeletePenaltyHistory(ctx context.Context, actorID, accountID uint64) (_ int64, err error) {
	ctx, span := tracer.Start(ctx, "DeletePenaltyHistory")
	defer func() { e.finish(span, "delete_penalty_history", err) }()

	actor, target, err := e.actorAndTarget(ctx, actorID, accountID)
	if err != nil {
		return 0, err
	}
	if err := e.authorize(ctx, guard.Request{Action: guard.ActionDeletePenaltyHistory, Actor: actor, Target: target}); err != nil {
		return 0, err
	}

	var n int64
	err = e.transact(ctx, func(tx *gorm.DB, al *audit.Logger) error {
		var err error
		n, err = al.RetagPenalties(ctx, accountID)
		if err != nil {
			return err
		}
		_, err = al.Record(ctx, actorID, accountID, audit.KindDeletePenaltyHistory, audit.Details{
			Context: map[string]any{"retagged": n},
		})
		return err
	})
	if err != nil {
		return 0, err
	}
	e.purgeCache(ctx, accountID)
	return n, nil
}
