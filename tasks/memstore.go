package tasks

import (
	"context"
	"sync"
	"time"
)

// Memstore is a simple in-memory implementation of the task Store interface
type Memstore struct {
	lk     sync.Mutex
	tasks  []*Task
	nextID uint64
}

func NewMemstore() *Memstore {
	return &Memstore{
		nextID: 1,
	}
}

func (s *Memstore) Submit(ctx context.Context, t *Task) error {
	s.lk.Lock()
	defer s.lk.Unlock()

	if t.DedupeKey != "" {
		for _, existing := range s.tasks {
			if existing.ActiveKey != nil && *existing.ActiveKey == t.DedupeKey {
				*t = *existing
				t.Deduped = true
				return nil
			}
		}
		k := t.DedupeKey
		t.ActiveKey = &k
	}

	now := time.Now()
	t.ID = s.nextID
	s.nextID++
	t.State = StateEnqueued
	t.CreatedAt = now
	t.UpdatedAt = now

	cp := *t
	s.tasks = append(s.tasks, &cp)
	tasksSubmitted.WithLabelValues(t.Kind).Inc()
	return nil
}

func (s *Memstore) ClaimNext(ctx context.Context, now, staleBefore time.Time) (*Task, error) {
	s.lk.Lock()
	defer s.lk.Unlock()

	for _, t := range s.tasks {
		switch t.State {
		case StateEnqueued:
			if t.RetryAfter != nil && t.RetryAfter.After(now) {
				continue
			}
		case StateInProgress:
			if staleBefore.IsZero() || !t.UpdatedAt.Before(staleBefore) {
				continue
			}
			t.RetryCount++
			t.LastError = errLeaseExpired.Error()
		default:
			continue
		}
		t.State = StateInProgress
		t.UpdatedAt = now
		cp := *t
		return &cp, nil
	}
	return nil, nil
}

func (s *Memstore) update(id uint64, fn func(t *Task)) error {
	s.lk.Lock()
	defer s.lk.Unlock()

	for _, t := range s.tasks {
		if t.ID == id {
			fn(t)
			t.UpdatedAt = time.Now()
			return nil
		}
	}
	return ErrTaskNotFound
}

func (s *Memstore) Complete(ctx context.Context, t *Task) error {
	t.State = StateComplete
	t.ActiveKey = nil
	t.RetryAfter = nil
	return s.update(t.ID, func(st *Task) {
		st.State = StateComplete
		st.ActiveKey = nil
		st.RetryAfter = nil
	})
}

func (s *Memstore) Retry(ctx context.Context, t *Task, cause error, after time.Time) error {
	t.State = StateEnqueued
	t.RetryCount++
	t.RetryAfter = &after
	t.LastError = cause.Error()
	return s.update(t.ID, func(st *Task) {
		st.State = t.State
		st.RetryCount = t.RetryCount
		st.RetryAfter = &after
		st.LastError = t.LastError
	})
}

func (s *Memstore) Fail(ctx context.Context, t *Task, cause error) error {
	t.State = StateFailed
	t.ActiveKey = nil
	t.RetryAfter = nil
	t.LastError = cause.Error()
	return s.update(t.ID, func(st *Task) {
		st.State = StateFailed
		st.ActiveKey = nil
		st.RetryAfter = nil
		st.LastError = t.LastError
	})
}

func (s *Memstore) GetTask(ctx context.Context, id uint64) (*Task, error) {
	s.lk.Lock()
	defer s.lk.Unlock()

	for _, t := range s.tasks {
		if t.ID == id {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrTaskNotFound
}

// Tasks returns a snapshot of every task, in submission order. Optionally
// filtered by kind.
func (s *Memstore) Tasks(kind string) []Task {
	s.lk.Lock()
	defer s.lk.Unlock()

	out := []Task{}
	for _, t := range s.tasks {
		if kind == "" || t.Kind == kind {
			out = append(out, *t)
		}
	}
	return out
}
