package moderation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bluesky-social/warden/events"
	"github.com/bluesky-social/warden/models"
	"github.com/bluesky-social/warden/moderation/audit"
	"github.com/bluesky-social/warden/moderation/cachestore"
	"github.com/bluesky-social/warden/moderation/cascade"
	"github.com/bluesky-social/warden/moderation/countstore"
	"github.com/bluesky-social/warden/moderation/guard"
	"github.com/bluesky-social/warden/notifs"
	"github.com/bluesky-social/warden/tasks"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("moderation")

type EngineConfig struct {
	// how long a requested admin grant stays confirmable
	AdminConfirmationTTL time.Duration
	// age after which an unconfirmed email token no longer counts as active
	EmailTokenValidity time.Duration
	// maximum accounts destroyed per same-IP bulk deletion
	SameIPDeleteLimit int
	// maximum posts deleted per DeletePostsBatch call
	DeletePostsBatchSize int
	// destroy runs inline when it would delete at most this many posts;
	// anything larger is handed to the task queue
	InlineDestroyMaxPosts int64
	// circuit breaker on bulk-scheduled account deletions per day; zero disables
	QuotaBulkDestroyDay int
	// TTL of cached account summaries
	SummaryCacheTTL time.Duration
}

func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		AdminConfirmationTTL:  3 * time.Hour,
		EmailTokenValidity:    48 * time.Hour,
		SameIPDeleteLimit:     50,
		DeletePostsBatchSize:  100,
		InlineDestroyMaxPosts: 0,
		QuotaBulkDestroyDay:   500,
		SummaryCacheTTL:       10 * time.Minute,
	}
}

// Promotion is the external trust level predicate. The engine only asks
// questions of it and triggers recalculation.
type Promotion interface {
	// MetCriteria reports whether the account meets the requirements for the
	// given trust level (1, 2 or 3)
	MetCriteria(ctx context.Context, acct *models.Account, level int) (bool, error)
	// LostTL3 reports whether the account no longer qualifies for level 3
	LostTL3(ctx context.Context, acct *models.Account) (bool, error)
	Recalculate(ctx context.Context, acct *models.Account, actorID uint64) error
}

// NoPromotion never reports criteria as met, and recalculation does nothing.
type NoPromotion struct{}

func (NoPromotion) MetCriteria(ctx context.Context, acct *models.Account, level int) (bool, error) {
	return false, nil
}

func (NoPromotion) LostTL3(ctx context.Context, acct *models.Account) (bool, error) {
	return false, nil
}

func (NoPromotion) Recalculate(ctx context.Context, acct *models.Account, actorID uint64) error {
	return nil
}

// Engine applies moderation state transitions to accounts. Each operation
// loads the accounts involved, consults the guard, validates preconditions,
// commits the change together with its audit record, and then runs the
// best-effort steps: cache purge, notifications, events and cascades.
type Engine struct {
	Logger    *slog.Logger
	Guard     guard.Guard
	Promotion Promotion
	Notifier  notifs.Dispatcher
	Events    events.Publisher
	Tasks     tasks.Submitter
	Cascade   *cascade.Executor
	Cache     cachestore.CacheStore
	Counters  countstore.CountStore
	Config    EngineConfig

	// Confirmations delivers admin grant tokens synchronously to the
	// requesting admin. Tokens never go through Notifier, whose payloads are
	// persisted. GrantAdmin fails while this is nil.
	Confirmations notifs.Sender

	db    *gorm.DB
	audit *audit.Logger
	now   func() time.Time
}

func NewEngine(db *gorm.DB, submitter tasks.Submitter, config *EngineConfig) *Engine {
	if config == nil {
		config = DefaultEngineConfig()
	}
	al := audit.NewLogger(db)
	return &Engine{
		Logger:    slog.Default().With("system", "moderation"),
		Promotion: NoPromotion{},
		Notifier:  notifs.NewQueueDispatcher(submitter),
		Events:    events.MultiPublisher{},
		Tasks:     submitter,
		Cascade:   cascade.NewExecutor(db, al),
		Cache:     cachestore.NewMemCacheStore(10_000, config.SummaryCacheTTL),
		Counters:  countstore.NewMemCountStore(),
		Config:    *config,
		db:        db,
		audit:     al,
		now:       time.Now,
	}
}

// SetClock replaces the engine's time source, including for audit records and
// cascades.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
	e.audit = e.audit.WithClock(now)
	e.Cascade.WithClock(now)
}

func MigrateDatabase(db *gorm.DB) error {
	if err := db.AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("migrating moderation tables: %w", err)
	}
	if err := tasks.NewGormstore(db).Migrate(); err != nil {
		return fmt.Errorf("migrating task table: %w", err)
	}
	return nil
}

func (e *Engine) finish(span trace.Span, action string, err error) {
	transitionsCount.WithLabelValues(action, errorKind(err)).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (e *Engine) getAccount(ctx context.Context, db *gorm.DB, accountID uint64) (*models.Account, error) {
	var acct models.Account
	if err := db.WithContext(ctx).First(&acct, accountID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrAccountNotFound, accountID)
		}
		return nil, err
	}
	return &acct, nil
}

func (e *Engine) getAccountByUsername(ctx context.Context, username string) (*models.Account, error) {
	var acct models.Account
	if err := e.db.WithContext(ctx).Where("username = ?", username).First(&acct).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %q", ErrAccountNotFound, username)
		}
		return nil, err
	}
	return &acct, nil
}

// loads the acting account and the target account
func (e *Engine) actorAndTarget(ctx context.Context, actorID, accountID uint64) (*models.Account, *models.Account, error) {
	actor, err := e.getAccount(ctx, e.db, actorID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading actor: %w", err)
	}
	target, err := e.getAccount(ctx, e.db, accountID)
	if err != nil {
		return nil, nil, err
	}
	return actor, target, nil
}

func (e *Engine) authorize(ctx context.Context, req guard.Request) error {
	if err := e.Guard.Authorize(req); err != nil {
		e.Logger.Info("moderation action denied", "action", req.Action, "actor", req.Actor.ID, "reason", err)
		return err
	}
	return nil
}

// transact runs fn in a database transaction, with an audit logger bound to
// the same transaction.
func (e *Engine) transact(ctx context.Context, fn func(tx *gorm.DB, al *audit.Logger) error) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(tx, e.audit.Tx(tx))
	})
}

const summaryCacheName = "account-summary"

func (e *Engine) summaries() *cachestore.Typed[AccountSummary] {
	return cachestore.NewTyped[AccountSummary](e.Cache, summaryCacheName, e.Logger)
}

// post-commit: drop any cached summary of the account
func (e *Engine) purgeCache(ctx context.Context, accountID uint64) {
	if err := e.summaries().Purge(ctx, accountID); err != nil {
		postCommitErrors.WithLabelValues("cache").Inc()
		e.Logger.Error("failed to purge account cache", "account", accountID, "err", err)
	}
}

// post-commit: publish an event. Failures are logged, never returned.
func (e *Engine) publish(ctx context.Context, kind events.Kind, accountID, actorID uint64, data map[string]any) {
	evt := &events.Event{
		Kind:      kind,
		AccountID: accountID,
		ActorID:   actorID,
		Time:      e.now().UTC(),
		Data:      data,
	}
	if err := e.Events.Publish(ctx, evt); err != nil {
		postCommitErrors.WithLabelValues("event").Inc()
		e.Logger.Error("failed to emit event", "kind", kind, "account", accountID, "err", err)
	}
}

// post-commit: enqueue a notification. Failures are logged, never returned.
func (e *Engine) notify(ctx context.Context, kind notifs.Kind, targetID uint64, payload map[string]any) {
	if err := e.Notifier.Enqueue(ctx, kind, targetID, payload); err != nil {
		postCommitErrors.WithLabelValues("notification").Inc()
		e.Logger.Error("failed to enqueue notification", "kind", kind, "target", targetID, "err", err)
	}
}

// AccountSummary is the cached read model of an account's moderation state.
type AccountSummary struct {
	ID                     uint64     `json:"id"`
	Username               string     `json:"username"`
	Admin                  bool       `json:"admin"`
	Moderator              bool       `json:"moderator"`
	TrustLevel             int        `json:"trust_level"`
	ManualLockedTrustLevel *int       `json:"manual_locked_trust_level,omitempty"`
	SuspendedAt            *time.Time `json:"suspended_at,omitempty"`
	SuspendedTill          *time.Time `json:"suspended_till,omitempty"`
	SilencedAt             *time.Time `json:"silenced_at,omitempty"`
	SilencedTill           *time.Time `json:"silenced_till,omitempty"`
	Active                 bool       `json:"active"`
	Approved               bool       `json:"approved"`
	Anonymized             bool       `json:"anonymized"`
	Merged                 bool       `json:"merged"`
	PrimaryGroupID         *uint64    `json:"primary_group_id,omitempty"`
	PostCount              int64      `json:"post_count"`
}

func (e *Engine) AccountSummary(ctx context.Context, accountID uint64) (*AccountSummary, error) {
	ctx, span := tracer.Start(ctx, "AccountSummary")
	defer span.End()

	return e.summaries().Fetch(ctx, accountID, func(ctx context.Context) (*AccountSummary, error) {
		return e.loadSummary(ctx, accountID)
	})
}

func (e *Engine) loadSummary(ctx context.Context, accountID uint64) (*AccountSummary, error) {
	acct, err := e.getAccount(ctx, e.db, accountID)
	if err != nil {
		return nil, err
	}
	sum := AccountSummary{
		ID:                     acct.ID,
		Username:               acct.Username,
		Admin:                  acct.Admin,
		Moderator:              acct.Moderator,
		TrustLevel:             acct.TrustLevel,
		ManualLockedTrustLevel: acct.ManualLockedTrustLevel,
		SuspendedAt:            acct.SuspendedAt,
		SuspendedTill:          acct.SuspendedTill,
		SilencedAt:             acct.SilencedAt,
		SilencedTill:           acct.SilencedTill,
		Active:                 acct.Active,
		Approved:               acct.Approved,
		Anonymized:             acct.Anonymized,
		Merged:                 acct.Merged,
		PrimaryGroupID:         acct.PrimaryGroupID,
	}
	if err := e.db.WithContext(ctx).Model(&models.Post{}).Where("account_id = ?", accountID).Count(&sum.PostCount).Error; err != nil {
		return nil, err
	}
	return &sum, nil
}

// History lists audit records about the account, newest first.
func (e *Engine) History(ctx context.Context, accountID uint64, limit int) ([]models.AuditRecord, error) {
	return e.audit.History(ctx, accountID, limit)
}
