package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Gormstore is a gorm-backed implementation of the task Store interface
type Gormstore struct {
	db *gorm.DB
}

func NewGormstore(db *gorm.DB) *Gormstore {
	return &Gormstore{
		db: db,
	}
}

func (s *Gormstore) Migrate() error {
	return s.db.AutoMigrate(&Task{})
}

func (s *Gormstore) Submit(ctx context.Context, t *Task) error {
	t.State = StateEnqueued
	if t.DedupeKey != "" {
		k := t.DedupeKey
		t.ActiveKey = &k
	}
	if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// same work is already pending; point the caller at it
			var existing Task
			if err := s.db.WithContext(ctx).Where("active_key = ?", t.DedupeKey).First(&existing).Error; err != nil {
				return fmt.Errorf("loading duplicate task %q: %w", t.DedupeKey, err)
			}
			*t = existing
			t.Deduped = true
			return nil
		}
		return err
	}
	tasksSubmitted.WithLabelValues(t.Kind).Inc()
	return nil
}

func (s *Gormstore) ClaimNext(ctx context.Context, now, staleBefore time.Time) (*Task, error) {
	// a few attempts, in case another worker claims the same row first
	for i := 0; i < 3; i++ {
		q := s.db.WithContext(ctx).
			Where("state = ? AND (retry_after IS NULL OR retry_after <= ?)", StateEnqueued, now)
		if !staleBefore.IsZero() {
			q = q.Or("state = ? AND updated_at < ?", StateInProgress, staleBefore)
		}
		var t Task
		err := q.Order("id ASC").First(&t).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		} else if err != nil {
			return nil, err
		}

		upd := map[string]any{"state": StateInProgress, "updated_at": now}
		if t.State == StateInProgress {
			upd["retry_count"] = t.RetryCount + 1
			upd["last_error"] = errLeaseExpired.Error()
		}
		// retry_count guards against a concurrent claim of the same row
		res := s.db.WithContext(ctx).Model(&Task{}).
			Where("id = ? AND state = ? AND retry_count = ?", t.ID, t.State, t.RetryCount).
			Updates(upd)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 1 {
			if t.State == StateInProgress {
				t.RetryCount++
				t.LastError = errLeaseExpired.Error()
			}
			t.State = StateInProgress
			t.UpdatedAt = now
			return &t, nil
		}
	}
	return nil, nil
}

func (s *Gormstore) Complete(ctx context.Context, t *Task) error {
	t.State = StateComplete
	t.ActiveKey = nil
	t.RetryAfter = nil
	return s.db.WithContext(ctx).Model(&Task{}).Where("id = ?", t.ID).Updates(map[string]any{
		"state":       t.State,
		"active_key":  nil,
		"retry_after": nil,
	}).Error
}

func (s *Gormstore) Retry(ctx context.Context, t *Task, cause error, after time.Time) error {
	t.State = StateEnqueued
	t.RetryCount++
	t.RetryAfter = &after
	t.LastError = cause.Error()
	return s.db.WithContext(ctx).Model(&Task{}).Where("id = ?", t.ID).Updates(map[string]any{
		"state":       t.State,
		"retry_count": t.RetryCount,
		"retry_after": after,
		"last_error":  t.LastError,
	}).Error
}

func (s *Gormstore) Fail(ctx context.Context, t *Task, cause error) error {
	t.State = StateFailed
	t.ActiveKey = nil
	t.RetryAfter = nil
	t.LastError = cause.Error()
	return s.db.WithContext(ctx).Model(&Task{}).Where("id = ?", t.ID).Updates(map[string]any{
		"state":       t.State,
		"active_key":  nil,
		"retry_after": nil,
		"last_error":  t.LastError,
	}).Error
}

func (s *Gormstore) GetTask(ctx context.Context, id uint64) (*Task, error) {
	var t Task
	if err := s.db.WithContext(ctx).First(&t, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return &t, nil
}
