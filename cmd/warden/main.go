package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	_ "github.com/joho/godotenv/autoload"
	_ "go.uber.org/automaxprocs"

	"github.com/bluesky-social/warden/events"
	"github.com/bluesky-social/warden/moderation"
	"github.com/bluesky-social/warden/moderation/cachestore"
	"github.com/bluesky-social/warden/moderation/countstore"
	"github.com/bluesky-social/warden/notifs"
	"github.com/bluesky-social/warden/tasks"
	"github.com/bluesky-social/warden/util/cliutil"

	"github.com/carlmjohnson/versioninfo"
	"github.com/urfave/cli/v2"
	"gorm.io/gorm"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting process", "err", err.Error(), "status", moderation.StatusCode(err))
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "warden",
		Usage:   "account moderation engine",
		Version: versioninfo.Short(),
	}
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (eg: warn, info, debug)",
			EnvVars: []string{"WARDEN_LOG_LEVEL", "GO_LOG_LEVEL", "LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "db-url",
			Usage:   "database connection string for the account store",
			Value:   "sqlite://data/warden/warden.sqlite",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:    "max-db-conn",
			Usage:   "limit on size of database connection pool",
			Value:   40,
			EnvVars: []string{"MAX_DB_CONNECTIONS"},
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "redis connection string for shared caches, counters and events (eg, redis://localhost:6379/0); in-process if not set",
			EnvVars: []string{"WARDEN_REDIS_URL"},
		},
		&cli.StringFlag{
			Name:    "events-prefix",
			Usage:   "prefix of redis pub/sub channels events are published on",
			Value:   "warden",
			EnvVars: []string{"WARDEN_EVENTS_PREFIX"},
		},
		&cli.DurationFlag{
			Name:    "admin-confirmation-ttl",
			Usage:   "how long a requested admin grant can be confirmed",
			Value:   moderation.DefaultEngineConfig().AdminConfirmationTTL,
			EnvVars: []string{"WARDEN_ADMIN_CONFIRMATION_TTL"},
		},
		&cli.IntFlag{
			Name:    "same-ip-delete-limit",
			Usage:   "maximum accounts deleted by one same-IP bulk deletion",
			Value:   moderation.DefaultEngineConfig().SameIPDeleteLimit,
			EnvVars: []string{"WARDEN_SAME_IP_DELETE_LIMIT"},
		},
		&cli.IntFlag{
			Name:    "quota-bulk-destroy-day",
			Usage:   "circuit breaker on bulk scheduled account deletions per day (0 disables)",
			Value:   moderation.DefaultEngineConfig().QuotaBulkDestroyDay,
			EnvVars: []string{"WARDEN_QUOTA_BULK_DESTROY_DAY"},
		},
		&cli.Int64Flag{
			Name:    "inline-destroy-max-posts",
			Usage:   "destroy accounts inline when they have at most this many posts; larger ones go to the task queue",
			Value:   moderation.DefaultEngineConfig().InlineDestroyMaxPosts,
			EnvVars: []string{"WARDEN_INLINE_DESTROY_MAX_POSTS"},
		},
	}
	app.Commands = []*cli.Command{
		cmdServe,
		cmdMigrate,
		cmdAccount,
		cmdConfirmAdmin,
		cmdSameIP,
	}
	return app.Run(args)
}

var cmdMigrate = &cli.Command{
	Name:  "migrate",
	Usage: "create or update database tables",
	Action: func(cctx *cli.Context) error {
		logger := cliutil.ConfigLogger(cctx, os.Stderr)
		db, err := openDatabase(cctx)
		if err != nil {
			return err
		}
		if err := moderation.MigrateDatabase(db); err != nil {
			return err
		}
		logger.Info("database migrated")
		return nil
	},
}

func openDatabase(cctx *cli.Context) (*gorm.DB, error) {
	dburl := cctx.String("db-url")
	maxConn := cctx.Int("max-db-conn")
	slog.Debug("configuring database", "maxConn", maxConn)
	return cliutil.SetupDatabase(dburl, maxConn)
}

// setupEngine wires an engine to the configured database and, when a redis
// URL is given, the shared cache, counters and event channel. Deferred work
// goes to the database task queue, where the serve daemon picks it up.
func setupEngine(cctx *cli.Context, db *gorm.DB, local events.Publisher) (*moderation.Engine, *tasks.Gormstore, error) {
	store := tasks.NewGormstore(db)

	config := moderation.DefaultEngineConfig()
	config.AdminConfirmationTTL = cctx.Duration("admin-confirmation-ttl")
	config.SameIPDeleteLimit = cctx.Int("same-ip-delete-limit")
	config.QuotaBulkDestroyDay = cctx.Int("quota-bulk-destroy-day")
	config.InlineDestroyMaxPosts = cctx.Int64("inline-destroy-max-posts")

	eng := moderation.NewEngine(db, store, config)
	// admin grant tokens go to the invoking operator's terminal only
	eng.Confirmations = &notifs.WriterSender{W: os.Stderr}

	pubs := events.MultiPublisher{}
	if local != nil {
		pubs = append(pubs, local)
	}

	if redisURL := cctx.String("redis-url"); redisURL != "" {
		cache, err := cachestore.NewRedisCacheStore(redisURL, cachestore.RedisCacheOptions{TTL: config.SummaryCacheTTL})
		if err != nil {
			return nil, nil, fmt.Errorf("setting up summary cache: %w", err)
		}
		counters, err := countstore.NewRedisCountStore(redisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("setting up quota counters: %w", err)
		}
		rp, err := events.NewRedisPublisher(redisURL, cctx.String("events-prefix"))
		if err != nil {
			return nil, nil, fmt.Errorf("setting up event publisher: %w", err)
		}
		eng.Cache = cache
		eng.Counters = counters
		pubs = append(pubs, rp)
	} else if config.QuotaBulkDestroyDay > 0 {
		slog.Warn("no redis-url configured; bulk destroy quota counters are per process and reset on every run", "quota", config.QuotaBulkDestroyDay)
	}
	eng.Events = pubs

	return eng, store, nil
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func parseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%w: %q is not an account id", moderation.ErrValidation, s)
	}
	return id, nil
}
