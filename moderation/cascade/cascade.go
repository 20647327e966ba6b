package cascade

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/bluesky-social/warden/moderation/audit"
	"github.com/bluesky-social/warden/moderation/guard"

	petname "github.com/dustinkirkland/golang-petname"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("cascade")

var ErrPostsExist = errors.New("account has posts")

// PostsExistError is returned when an account can not be destroyed without
// also deleting its posts.
type PostsExistError struct {
	Count int64
}

func (e *PostsExistError) Error() string {
	return fmt.Sprintf("account has %d posts; delete them first", e.Count)
}

func (e *PostsExistError) Unwrap() error {
	return ErrPostsExist
}

// Executor performs the secondary side effects of moderation transitions:
// content actions attached to a penalty, and the heavy account cascades
// (destroy, merge, anonymize) run from deferred tasks.
type Executor struct {
	Logger *slog.Logger
	Guard  guard.Guard

	// generates pseudonymous usernames for anonymized accounts
	NewHandle func() string

	db    *gorm.DB
	audit *audit.Logger
	now   func() time.Time
}

func NewExecutor(db *gorm.DB, al *audit.Logger) *Executor {
	return &Executor{
		Logger:    slog.Default().With("system", "cascade"),
		NewHandle: defaultHandle,
		db:        db,
		audit:     al,
		now:       time.Now,
	}
}

// WithClock sets the time source used for deletion and audit timestamps.
func (e *Executor) WithClock(now func() time.Time) *Executor {
	e.now = now
	e.audit = e.audit.WithClock(now)
	return e
}

func defaultHandle() string {
	return fmt.Sprintf("anon-%s-%04d", petname.Generate(2, "-"), rand.IntN(10_000))
}
