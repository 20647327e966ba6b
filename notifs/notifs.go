package notifs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/bluesky-social/warden/tasks"
)

type Kind string

const (
	KindAccountSuspended     = Kind("account-suspended")
	KindAccountSilenced      = Kind("account-silenced")
	KindSecondFactorDisabled = Kind("second-factor-disabled")

	// carries the admin grant token; only ever sent directly to the
	// requesting admin, never queued
	KindAdminConfirmation = Kind("admin-confirmation")

	// operator facing
	KindAdminRequested = Kind("admin-requested")
	KindTaskFailed     = Kind("task-failed")
)

// IsOperatorKind reports whether notifications of this kind go to staff rather
// than to the account they are about.
func IsOperatorKind(k Kind) bool {
	return k == KindAdminRequested || k == KindTaskFailed
}

// payload keys whose values grant access and must not be stored or shared
var sensitiveKeys = map[string]bool{
	"token": true,
}

var ErrSensitivePayload = errors.New("notification payload carries a secret")

// Redact returns a copy of payload with secret values masked.
func Redact(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if sensitiveKeys[k] {
			v = "[redacted]"
		}
		out[k] = v
	}
	return out
}

func hasSecrets(payload map[string]any) bool {
	for k := range payload {
		if sensitiveKeys[k] {
			return true
		}
	}
	return false
}

// TaskKind is the deferred task kind used to deliver notifications.
const TaskKind = "send_notification"

// Dispatcher enqueues outbound notifications. Enqueue must only be called once
// the change being announced has been committed; delivery is asynchronous.
type Dispatcher interface {
	Enqueue(ctx context.Context, kind Kind, targetID uint64, payload map[string]any) error
}

type Notification struct {
	Kind     Kind           `json:"kind"`
	TargetID uint64         `json:"target_id"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// QueueDispatcher hands notifications to the deferred task queue.
type QueueDispatcher struct {
	Tasks tasks.Submitter
}

func NewQueueDispatcher(sub tasks.Submitter) *QueueDispatcher {
	return &QueueDispatcher{Tasks: sub}
}

// Enqueue persists the notification as a task. Payloads carrying secrets are
// rejected, since task rows outlive delivery.
func (d *QueueDispatcher) Enqueue(ctx context.Context, kind Kind, targetID uint64, payload map[string]any) error {
	if hasSecrets(payload) {
		return fmt.Errorf("enqueueing %s notification: %w", kind, ErrSensitivePayload)
	}
	t, err := tasks.NewTask(TaskKind, "", 0, targetID, Notification{
		Kind:     kind,
		TargetID: targetID,
		Payload:  payload,
	})
	if err != nil {
		return err
	}
	if err := d.Tasks.Submit(ctx, t); err != nil {
		return fmt.Errorf("enqueueing %s notification: %w", kind, err)
	}
	notificationsEnqueued.WithLabelValues(string(kind)).Inc()
	return nil
}

// Sender delivers a single notification.
type Sender interface {
	Send(ctx context.Context, n *Notification) error
}

// Deliverer is the task handler for notification tasks. Account facing
// notifications go to Mailer; operator facing ones go to Operators when it is
// configured, and to Mailer otherwise.
type Deliverer struct {
	Mailer    Sender
	Operators Sender
}

func (d *Deliverer) HandleTask(ctx context.Context, t *tasks.Task) error {
	var n Notification
	if err := t.Decode(&n); err != nil {
		return tasks.Permanent(err)
	}

	s := d.Mailer
	if IsOperatorKind(n.Kind) && d.Operators != nil {
		s = d.Operators
	}
	if s == nil {
		return tasks.Permanent(fmt.Errorf("no sender configured for %s notifications", n.Kind))
	}
	if err := s.Send(ctx, &n); err != nil {
		notificationsDelivered.WithLabelValues(string(n.Kind), "error").Inc()
		return err
	}
	notificationsDelivered.WithLabelValues(string(n.Kind), "ok").Inc()
	return nil
}

// LogSender writes notifications to a structured log. Used when no outbound
// transport is configured.
type LogSender struct {
	Logger *slog.Logger
}

func (s *LogSender) Send(ctx context.Context, n *Notification) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification", "kind", n.Kind, "target", n.TargetID, "payload", Redact(n.Payload))
	return nil
}

// WriterSender writes each notification, secrets included, as a JSON line.
// The CLI uses it to hand admin confirmations straight to the operator's
// terminal.
type WriterSender struct {
	W io.Writer

	lk sync.Mutex
}

func (s *WriterSender) Send(ctx context.Context, n *Notification) error {
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	s.lk.Lock()
	defer s.lk.Unlock()
	_, err = fmt.Fprintf(s.W, "%s\n", b)
	return err
}
