package moderation

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/bluesky-social/warden/events"
	"github.com/bluesky-social/warden/models"
	"github.com/bluesky-social/warden/notifs"
	"github.com/bluesky-social/warden/tasks"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type testClock struct {
	lk  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.lk.Lock()
	defer c.lk.Unlock()
	c.now = c.now.Add(d)
}

type fakePromotion struct {
	// levels whose criteria are reported as met
	Met          map[int]bool
	LostTL3Flag  bool
	Recalculated []uint64
}

func (p *fakePromotion) MetCriteria(ctx context.Context, acct *models.Account, level int) (bool, error) {
	return p.Met[level], nil
}

func (p *fakePromotion) LostTL3(ctx context.Context, acct *models.Account) (bool, error) {
	return p.LostTL3Flag, nil
}

func (p *fakePromotion) Recalculate(ctx context.Context, acct *models.Account, actorID uint64) error {
	p.Recalculated = append(p.Recalculated, acct.ID)
	return nil
}

// confirmationInbox stands in for the admin's terminal
type confirmationInbox struct {
	lk   sync.Mutex
	sent []notifs.Notification
	err  error
}

func (c *confirmationInbox) Send(ctx context.Context, n *notifs.Notification) error {
	c.lk.Lock()
	defer c.lk.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, *n)
	return nil
}

func (c *confirmationInbox) Sent() []notifs.Notification {
	c.lk.Lock()
	defer c.lk.Unlock()
	return append([]notifs.Notification(nil), c.sent...)
}

type testFixture struct {
	Engine        *Engine
	DB            *gorm.DB
	Tasks         *tasks.Memstore
	Runner        *tasks.Runner
	Events        *events.EventManager
	Clock         *testClock
	Promotion     *fakePromotion
	Confirmations *confirmationInbox

	faker *gofakeit.Faker
	seq   int
}

func engineTestFixture(t *testing.T) *testFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		SkipDefaultTransaction: true,
		TranslateError:         true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// every connection to :memory: is a separate database
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, MigrateDatabase(db))

	store := tasks.NewMemstore()
	em := events.NewEventManager()
	go em.Run()
	t.Cleanup(em.Shutdown)

	clock := &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	promo := &fakePromotion{Met: map[int]bool{}}
	inbox := &confirmationInbox{}
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	eng := NewEngine(db, store, nil)
	eng.Logger = quiet
	eng.Events = em
	eng.Promotion = promo
	eng.Confirmations = inbox
	eng.SetClock(clock.Now)
	eng.Cascade.Logger = quiet

	runner := tasks.NewRunner(store, &tasks.RunnerConfig{
		Parallelism:    1,
		TasksPerSecond: 1000,
		MaxRetries:     0,
		PollInterval:   time.Millisecond,
		ClaimTimeout:   time.Hour,
	})
	runner.Logger = quiet
	eng.RegisterHandlers(runner)

	return &testFixture{
		Engine:        eng,
		DB:            db,
		Tasks:         store,
		Runner:        runner,
		Events:        em,
		Clock:         clock,
		Promotion:     promo,
		Confirmations: inbox,
		faker:         gofakeit.New(42),
	}
}

// account inserts a regular, active account; mods adjust it before insert
func (f *testFixture) account(t *testing.T, mods ...func(*models.Account)) *models.Account {
	t.Helper()
	f.seq++
	acct := &models.Account{
		Username:              fmt.Sprintf("%s%d", f.faker.Username(), f.seq),
		Email:                 f.faker.Email(),
		Name:                  f.faker.Name(),
		Bio:                   f.faker.Sentence(8),
		Website:               f.faker.URL(),
		IPAddress:             f.faker.IPv4Address(),
		RegistrationIPAddress: f.faker.IPv4Address(),
		TrustLevel:            1,
		Active:                true,
	}
	for _, m := range mods {
		m(acct)
	}
	require.NoError(t, f.DB.Create(acct).Error)
	return acct
}

func (f *testFixture) admin(t *testing.T) *models.Account {
	return f.account(t, func(a *models.Account) { a.Admin = true })
}

func (f *testFixture) moderator(t *testing.T) *models.Account {
	return f.account(t, func(a *models.Account) { a.Moderator = true })
}

func (f *testFixture) post(t *testing.T, author *models.Account, raw string) *models.Post {
	t.Helper()
	p := &models.Post{AccountID: author.ID, Raw: raw}
	require.NoError(t, f.DB.Create(p).Error)
	return p
}

func (f *testFixture) reload(t *testing.T, acct *models.Account) *models.Account {
	t.Helper()
	var out models.Account
	require.NoError(t, f.DB.First(&out, acct.ID).Error)
	return &out
}

func (f *testFixture) auditKinds(t *testing.T, accountID uint64) []string {
	t.Helper()
	var kinds []string
	require.NoError(t, f.DB.Model(&models.AuditRecord{}).Where("target_account_id = ?", accountID).Order("id ASC").Pluck("kind", &kinds).Error)
	return kinds
}

func (f *testFixture) notifications(t *testing.T, kind notifs.Kind) []notifs.Notification {
	t.Helper()
	var out []notifs.Notification
	for _, task := range f.Tasks.Tasks(notifs.TaskKind) {
		var n notifs.Notification
		require.NoError(t, task.Decode(&n))
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

func (f *testFixture) subscribe(t *testing.T, accountID uint64) <-chan *events.Event {
	t.Helper()
	ch, cancel, err := f.Events.Subscribe(context.Background(), events.ForAccount(accountID))
	require.NoError(t, err)
	t.Cleanup(cancel)
	return ch
}

// nextEvent waits briefly for the next event on ch
func nextEvent(t *testing.T, ch <-chan *events.Event) *events.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func ptr[T any](v T) *T {
	return &v
}
