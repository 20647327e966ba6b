package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
)

// Task is a unit of deferred work. The payload carries everything a handler
// needs to replay the work, so handlers must be idempotent: a task claimed by
// a worker that never reports back is claimed again once its lease runs out,
// and that counts as a failed attempt.
type Task struct {
	ID        uint64 `gorm:"column:id;primarykey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	Kind      string `gorm:"column:kind;index;not null"`
	ActorID   uint64 `gorm:"column:actor_id"`
	AccountID uint64 `gorm:"column:account_id;index"`
	Payload   []byte `gorm:"column:payload"`

	State      string     `gorm:"column:state;index"`
	RetryCount int        `gorm:"column:retry_count;default:0"`
	RetryAfter *time.Time `gorm:"column:retry_after"`
	LastError  string     `gorm:"column:last_error"`

	// DedupeKey, when set, prevents a second copy of the same work from being
	// queued while the first is pending. ActiveKey holds it until the task
	// reaches a terminal state.
	DedupeKey string  `gorm:"column:dedupe_key;index"`
	ActiveKey *string `gorm:"column:active_key;uniqueIndex"`

	// Deduped is set by Submit when nothing new was queued and the task now
	// describes the pending copy instead.
	Deduped bool `gorm:"-" json:"-"`
}

func (Task) TableName() string {
	return "task"
}

var (
	// StateEnqueued is the state of a task waiting to run (including retries)
	StateEnqueued = "enqueued"
	// StateInProgress is the state of a task claimed by a worker
	StateInProgress = "in_progress"
	// StateComplete is the state of a task whose handler succeeded
	StateComplete = "complete"
	// StateFailed is the state of a task which exhausted its retries
	StateFailed = "failed"
)

var ErrTaskNotFound = errors.New("task not found")

// errLeaseExpired is recorded on tasks reclaimed from a worker that went away
var errLeaseExpired = errors.New("claim expired before the task finished")

var tracer = otel.Tracer("tasks")

// Submitter is the only capability producers of deferred work depend on.
type Submitter interface {
	Submit(ctx context.Context, t *Task) error
}

// Store holds tasks and hands them out to a Runner.
type Store interface {
	Submitter

	// ClaimNext marks the oldest runnable task as in progress and returns it,
	// or nil if nothing is runnable at now. Tasks left in progress since
	// before staleBefore are runnable again; reclaiming one increments its
	// RetryCount. A zero staleBefore never reclaims.
	ClaimNext(ctx context.Context, now, staleBefore time.Time) (*Task, error)
	Complete(ctx context.Context, t *Task) error
	Retry(ctx context.Context, t *Task, cause error, after time.Time) error
	Fail(ctx context.Context, t *Task, cause error) error

	GetTask(ctx context.Context, id uint64) (*Task, error)
}

// NewTask builds a task with a JSON encoded payload.
func NewTask(kind, dedupeKey string, actorID, accountID uint64, payload any) (*Task, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", kind, err)
	}
	return &Task{
		Kind:      kind,
		DedupeKey: dedupeKey,
		ActorID:   actorID,
		AccountID: accountID,
		Payload:   b,
	}, nil
}

func (t *Task) Decode(v any) error {
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", t.Kind, err)
	}
	return nil
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

func computeExponentialBackoff(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt)) * 10 * time.Second
}
