package moderation

import (
	"context"
	"fmt"
	"net"

	"github.com/bluesky-social/warden/models"
	"github.com/bluesky-social/warden/moderation/audit"
	"github.com/bluesky-social/warden/moderation/countstore"
	"github.com/bluesky-social/warden/moderation/guard"

	"gorm.io/gorm"
)

type SameIPQuery struct {
	IP        string
	ExcludeID uint64
	// one of created, username, trust_level, last_seen
	Order string
	Limit int
}

var sameIPOrders = map[string]string{
	"created":     "created_at",
	"username":    "username",
	"trust_level": "trust_level",
	"last_seen":   "last_seen_at",
}

// fixed options for accounts deleted by IP
var sameIPDestroyOptions = DestroyOptions{
	BlockEmail:      true,
	BlockURLs:       true,
	BlockIP:         true,
	DeleteAsSpammer: true,
	DeletePosts:     true,
}

// non-staff accounts other than excludeID last seen at, or registered from, ip
func sameIPScope(ip string, excludeID uint64) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Model(&models.Account{}).
			Where("ip_address = ? OR registration_ip_address = ?", ip, ip).
			Where("id <> ? AND admin = ? AND moderator = ?", excludeID, false, false)
	}
}

func (e *Engine) CountOtherAccountsWithSameIP(ctx context.Context, actorID uint64, ip string, excludeID uint64) (_ int64, err error) {
	ctx, span := tracer.Start(ctx, "CountOtherAccountsWithSameIP")
	defer func() { e.finish(span, "count_same_ip", err) }()

	actor, err := e.getAccount(ctx, e.db, actorID)
	if err != nil {
		return 0, fmt.Errorf("loading actor: %w", err)
	}
	if err := e.authorize(ctx, guard.Request{Action: guard.ActionInspectSameIP, Actor: actor}); err != nil {
		return 0, err
	}
	if net.ParseIP(ip) == nil {
		return 0, fmt.Errorf("%w: %q is not an IP address", ErrValidation, ip)
	}

	var n int64
	if err := e.db.WithContext(ctx).Scopes(sameIPScope(ip, excludeID)).Count(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}

// DeleteOtherAccountsWithSameIP schedules deletion of up to
// Config.SameIPDeleteLimit accounts sharing the IP address, each with the
// same fixed options. Accounts the guard protects are skipped. Returns the
// number of deletions scheduled.
func (e *Engine) DeleteOtherAccountsWithSameIP(ctx context.Context, actorID uint64, q SameIPQuery) (_ int, err error) {
	ctx, span := tracer.Start(ctx, "DeleteOtherAccountsWithSameIP")
	defer func() { e.finish(span, "delete_same_ip", err) }()

	actor, err := e.getAccount(ctx, e.db, actorID)
	if err != nil {
		return 0, fmt.Errorf("loading actor: %w", err)
	}
	if err := e.authorize(ctx, guard.Request{Action: guard.ActionBulkDestroySameIP, Actor: actor}); err != nil {
		return 0, err
	}

	if net.ParseIP(q.IP) == nil {
		return 0, fmt.Errorf("%w: %q is not an IP address", ErrValidation, q.IP)
	}
	if q.Order == "" {
		q.Order = "created"
	}
	col, ok := sameIPOrders[q.Order]
	if !ok {
		return 0, fmt.Errorf("%w: unknown order %q", ErrValidation, q.Order)
	}
	limit := e.Config.SameIPDeleteLimit
	if q.Limit > 0 && q.Limit < limit {
		limit = q.Limit
	}

	var targets []models.Account
	if err := e.db.WithContext(ctx).Scopes(sameIPScope(q.IP, q.ExcludeID)).Order(col).Limit(limit).Find(&targets).Error; err != nil {
		return 0, err
	}

	opts := sameIPDestroyOptions
	opts.Context = fmt.Sprintf("same ip address %s", q.IP)

	scheduled := 0
	for i := range targets {
		target := &targets[i]
		if err := e.Guard.Authorize(guard.Request{Action: guard.ActionDestroy, Actor: actor, Target: target}); err != nil {
			e.Logger.Info("skipping same ip account", "account", target.ID, "reason", err)
			continue
		}

		over, err := countstore.QuotaExceeded(ctx, e.Counters, "moderation-quota", "bulk-destroy", countstore.PeriodDay, e.Config.QuotaBulkDestroyDay)
		if err != nil {
			e.Logger.Warn("failed to read bulk destroy quota", "err", err)
		} else if over {
			quotaTrips.WithLabelValues("bulk-destroy").Inc()
			e.Logger.Warn("daily bulk destroy quota reached, stopping", "ip", q.IP, "scheduled", scheduled)
			break
		}

		t, err := e.scheduleDestroy(ctx, actorID, target.ID, opts)
		if err != nil {
			return scheduled, err
		}
		scheduled++
		if t.Deduped {
			// already pending, and already counted when first queued
			continue
		}
		if err := e.Counters.Increment(ctx, "moderation-quota", "bulk-destroy"); err != nil {
			e.Logger.Warn("failed to count bulk destroy", "err", err)
		}
	}

	if _, err := e.audit.Record(ctx, actorID, q.ExcludeID, audit.KindBulkDestroyRequested, audit.Details{
		Summary: opts.Context,
		Context: map[string]any{
			"ip":        q.IP,
			"matched":   len(targets),
			"scheduled": scheduled,
		},
	}); err != nil {
		return scheduled, err
	}
	return scheduled, nil
}
