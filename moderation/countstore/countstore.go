package countstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	PeriodTotal = "total"
	PeriodDay   = "day"
	PeriodHour  = "hour"
)

// CountStore keeps per-period counters. The moderation engine uses them as
// circuit breakers on bulk destructive actions.
type CountStore interface {
	GetCount(ctx context.Context, name, val, period string) (int, error)
	Increment(ctx context.Context, name, val string) error
	GetCountDistinct(ctx context.Context, name, bucket, period string) (int, error)
	IncrementDistinct(ctx context.Context, name, bucket, val string) error
}

func periodBucket(name, val, period string, now time.Time) string {
	switch period {
	case PeriodTotal:
		return fmt.Sprintf("%s/%s", name, val)
	case PeriodDay:
		t := now.UTC().Format(time.DateOnly)
		return fmt.Sprintf("%s/%s/%s", name, val, t)
	case PeriodHour:
		t := now.UTC().Format(time.RFC3339)[0:13]
		return fmt.Sprintf("%s/%s/%s", name, val, t)
	default:
		slog.Warn("unhandled counter period", "period", period)
		return fmt.Sprintf("%s/%s", name, val)
	}
}

// QuotaExceeded reports whether the counter for the period has reached limit.
// A limit of zero or less disables the check.
func QuotaExceeded(ctx context.Context, cs CountStore, name, val, period string, limit int) (bool, error) {
	if limit <= 0 {
		return false, nil
	}
	c, err := cs.GetCount(ctx, name, val, period)
	if err != nil {
		return false, err
	}
	return c >= limit, nil
}
