package notifs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bluesky-social/warden/tasks"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	sent []Notification
	err  error
}

func (s *recordingSender) Send(ctx context.Context, n *Notification) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, *n)
	return nil
}

func TestQueueDispatcher(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	store := tasks.NewMemstore()
	d := NewQueueDispatcher(store)

	require.NoError(t, d.Enqueue(ctx, KindAccountSuspended, 42, map[string]any{"reason": "spam"}))

	queued := store.Tasks(TaskKind)
	require.Len(t, queued, 1)
	assert.EqualValues(42, queued[0].AccountID)

	var n Notification
	require.NoError(t, queued[0].Decode(&n))
	assert.Equal(KindAccountSuspended, n.Kind)
	assert.Equal("spam", n.Payload["reason"])
}

func TestQueueDispatcherRejectsSecrets(t *testing.T) {
	ctx := context.Background()
	store := tasks.NewMemstore()
	d := NewQueueDispatcher(store)

	err := d.Enqueue(ctx, KindAdminConfirmation, 3, map[string]any{"request_id": "r", "token": "s3cret"})
	assert.ErrorIs(t, err, ErrSensitivePayload)
	assert.Empty(t, store.Tasks(TaskKind))
}

func TestRedact(t *testing.T) {
	assert := assert.New(t)

	in := map[string]any{"token": "s3cret", "request_id": "r"}
	out := Redact(in)
	assert.Equal("[redacted]", out["token"])
	assert.Equal("r", out["request_id"])
	assert.Equal("s3cret", in["token"])
	assert.Nil(Redact(nil))

	assert.False(IsOperatorKind(KindAdminConfirmation))
	assert.True(IsOperatorKind(KindAdminRequested))
}

func TestDelivererRouting(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	store := tasks.NewMemstore()
	mailer := &recordingSender{}
	ops := &recordingSender{}

	runner := tasks.NewRunner(store, nil)
	runner.Handle(TaskKind, (&Deliverer{Mailer: mailer, Operators: ops}).HandleTask)

	d := NewQueueDispatcher(store)
	require.NoError(t, d.Enqueue(ctx, KindAccountSilenced, 1, nil))
	require.NoError(t, d.Enqueue(ctx, KindTaskFailed, 2, map[string]any{"task_id": 9}))

	n, err := runner.RunPending(ctx)
	require.NoError(t, err)
	assert.Equal(2, n)

	require.Len(t, mailer.sent, 1)
	assert.Equal(KindAccountSilenced, mailer.sent[0].Kind)
	require.Len(t, ops.sent, 1)
	assert.Equal(KindTaskFailed, ops.sent[0].Kind)
}

func TestDelivererErrors(t *testing.T) {
	ctx := context.Background()

	task, err := tasks.NewTask(TaskKind, "", 0, 1, Notification{Kind: KindAdminRequested, TargetID: 1})
	require.NoError(t, err)

	// operator kinds fall back to the mailer
	mailer := &recordingSender{}
	require.NoError(t, (&Deliverer{Mailer: mailer}).HandleTask(ctx, task))
	assert.Len(t, mailer.sent, 1)

	err = (&Deliverer{}).HandleTask(ctx, task)
	assert.True(t, tasks.IsPermanent(err))

	// transport errors are retryable
	err = (&Deliverer{Mailer: &recordingSender{err: errors.New("smtp down")}}).HandleTask(ctx, task)
	assert.Error(t, err)
	assert.False(t, tasks.IsPermanent(err))

	bad := &tasks.Task{Kind: TaskKind, Payload: []byte("{")}
	assert.True(t, tasks.IsPermanent((&Deliverer{Mailer: mailer}).HandleTask(ctx, bad)))
}

func TestSlackSender(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	var got SlackWebhookBody
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(http.MethodPost, r.Method)
		assert.Equal("application/json", r.Header.Get("Content-Type"))
		assert.NoError(json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(status)
		_, _ = w.Write([]byte("no_text"))
	}))
	defer srv.Close()

	s := NewSlackSender(srv.URL)
	s.Client = srv.Client()

	err := s.Send(ctx, &Notification{
		Kind:     KindTaskFailed,
		TargetID: 77,
		Payload:  map[string]any{"kind": "destroy_account", "error": "account has 3 posts"},
	})
	require.NoError(t, err)
	assert.Contains(got.Text, "`task-failed`")
	assert.Contains(got.Text, "Account: `77`")
	assert.Contains(got.Text, "error: `account has 3 posts`\nkind: `destroy_account`")

	err = s.Send(ctx, &Notification{
		Kind:     KindAdminConfirmation,
		TargetID: 5,
		Payload:  map[string]any{"token": "s3cret"},
	})
	require.NoError(t, err)
	assert.NotContains(got.Text, "s3cret")
	assert.Contains(got.Text, "token: `[redacted]`")

	status = http.StatusBadRequest
	err = s.Send(ctx, &Notification{Kind: KindTaskFailed})
	assert.ErrorContains(err, "400 no_text")
}

func TestLogSender(t *testing.T) {
	assert.NoError(t, (&LogSender{}).Send(context.Background(), &Notification{Kind: KindAccountSuspended}))
	assert.NoError(t, (&NullDispatcher{}).Enqueue(context.Background(), KindAccountSuspended, 1, nil))

	var buf bytes.Buffer
	s := &LogSender{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}
	require.NoError(t, s.Send(context.Background(), &Notification{
		Kind:     KindAdminConfirmation,
		TargetID: 5,
		Payload:  map[string]any{"token": "s3cret", "request_id": "r"},
	}))
	assert.NotContains(t, buf.String(), "s3cret")
	assert.Contains(t, buf.String(), "[redacted]")
}

func TestWriterSender(t *testing.T) {
	var buf bytes.Buffer
	s := &WriterSender{W: &buf}
	require.NoError(t, s.Send(context.Background(), &Notification{
		Kind:     KindAdminConfirmation,
		TargetID: 5,
		Payload:  map[string]any{"token": "s3cret"},
	}))

	var n Notification
	require.NoError(t, json.Unmarshal(buf.Bytes(), &n))
	assert.Equal(t, KindAdminConfirmation, n.Kind)
	assert.EqualValues(t, 5, n.TargetID)
	assert.Equal(t, "s3cret", n.Payload["token"])
}
