package moderation

import (
	"context"
	"errors"
	"fmt"

	"github.com/bluesky-social/warden/events"
	"github.com/bluesky-social/warden/moderation/audit"
	"github.com/bluesky-social/warden/notifs"
	"github.com/bluesky-social/warden/tasks"
)

const (
	TaskDestroyAccount = "destroy_account"
	TaskMergeAccount   = "merge_account"
)

// DestroyTask is the payload of a deferred account deletion.
type DestroyTask struct {
	AccountID uint64         `json:"account_id"`
	ActorID   uint64         `json:"actor_id"`
	Options   DestroyOptions `json:"options"`
}

type MergeTask struct {
	SourceID uint64 `json:"source_id"`
	TargetID uint64 `json:"target_id"`
	ActorID  uint64 `json:"actor_id"`
}

// RegisterHandlers wires the engine's deferred work into the runner. Final
// task failures are reported through OnTaskFailure.
func (e *Engine) RegisterHandlers(r *tasks.Runner) {
	r.Handle(TaskDestroyAccount, e.handleDestroy)
	r.Handle(TaskMergeAccount, e.handleMerge)
	r.OnFailure = e.OnTaskFailure
}

func (e *Engine) handleDestroy(ctx context.Context, t *tasks.Task) error {
	var p DestroyTask
	if err := t.Decode(&p); err != nil {
		return tasks.Permanent(err)
	}

	acct, err := e.Cascade.Destroy(ctx, p.ActorID, p.AccountID, p.Options)
	if err != nil {
		// new posts showed up after scheduling; retrying will not help
		if errors.Is(err, ErrPostsExist) {
			return tasks.Permanent(err)
		}
		return err
	}
	if acct == nil {
		e.Logger.Info("account already destroyed", "account", p.AccountID, "task", t.ID)
		return nil
	}
	e.afterDestroy(ctx, p.ActorID, acct, p.Options)
	return nil
}

func (e *Engine) handleMerge(ctx context.Context, t *tasks.Task) error {
	var p MergeTask
	if err := t.Decode(&p); err != nil {
		return tasks.Permanent(err)
	}

	if err := e.Cascade.Merge(ctx, p.ActorID, p.SourceID, p.TargetID); err != nil {
		return err
	}

	e.purgeCache(ctx, p.SourceID)
	e.purgeCache(ctx, p.TargetID)
	e.publish(ctx, events.KindUserMerged, p.SourceID, p.ActorID, map[string]any{"target_id": p.TargetID})
	e.publish(ctx, events.KindUserDestroyed, p.SourceID, p.ActorID, map[string]any{"merged_into": p.TargetID})
	return nil
}

// OnTaskFailure records a task that will not be retried in the target
// account's history, and tells the operator who requested it.
func (e *Engine) OnTaskFailure(ctx context.Context, t *tasks.Task, cause error) {
	_, err := e.audit.Record(ctx, t.ActorID, t.AccountID, audit.KindTaskFailed, audit.Details{
		Summary: cause.Error(),
		Context: map[string]any{
			"task_id": t.ID,
			"kind":    t.Kind,
			"retries": t.RetryCount,
		},
	})
	if err != nil {
		e.Logger.Error("failed to record task failure", "task", t.ID, "kind", t.Kind, "err", err)
	}

	// a failed notification is not reported with another notification
	if t.Kind == notifs.TaskKind || t.ActorID == 0 {
		return
	}
	e.notify(ctx, notifs.KindTaskFailed, t.ActorID, map[string]any{
		"task_id":    t.ID,
		"kind":       t.Kind,
		"account_id": t.AccountID,
		"error":      fmt.Sprint(cause),
	})
}
