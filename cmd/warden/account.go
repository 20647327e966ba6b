package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bluesky-social/warden/moderation"
	"github.com/bluesky-social/warden/util/cliutil"

	"github.com/urfave/cli/v2"
)

var actorFlag = &cli.Uint64Flag{
	Name:     "actor",
	Usage:    "account id of the staff member performing the action",
	Required: true,
	EnvVars:  []string{"WARDEN_ACTOR"},
}

var penaltyFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "until",
		Usage: "end of the penalty, as an RFC 3339 timestamp",
	},
	&cli.DurationFlag{
		Name:  "for",
		Usage: "length of the penalty, starting now (alternative to --until)",
	},
	&cli.StringFlag{
		Name:     "reason",
		Usage:    "reason shown to staff and, with --message, to the account",
		Required: true,
	},
	&cli.StringFlag{
		Name:  "message",
		Usage: "message sent to the account",
	},
	&cli.Uint64Flag{
		Name:  "post-id",
		Usage: "post to act on together with the penalty",
	},
	&cli.StringFlag{
		Name:  "post-action",
		Usage: "what to do with --post-id: delete, delete-with-replies, or edit",
	},
	&cli.StringFlag{
		Name:  "post-edit",
		Usage: "replacement text for --post-action edit",
	},
}

var cmdAccount = &cli.Command{
	Name:  "account",
	Usage: "apply moderation actions to a single account",
	Flags: []cli.Flag{actorFlag},
	Subcommands: []*cli.Command{
		{
			Name:      "show",
			Usage:     "print the moderation summary of an account",
			ArgsUsage: "<account-id>",
			Action: withAccount(func(ctx context.Context, eng *moderation.Engine, cctx *cli.Context, actorID, accountID uint64) (any, error) {
				return eng.AccountSummary(ctx, accountID)
			}),
		},
		{
			Name:      "history",
			Usage:     "print audit records about an account, newest first",
			ArgsUsage: "<account-id>",
			Flags: []cli.Flag{
				&cli.IntFlag{Name: "limit", Value: 50},
			},
			Action: withAccount(func(ctx context.Context, eng *moderation.Engine, cctx *cli.Context, actorID, accountID uint64) (any, error) {
				return eng.History(ctx, accountID, cctx.Int("limit"))
			}),
		},
		{
			Name:      "suspend",
			Usage:     "suspend an account until a given time",
			ArgsUsage: "<account-id>",
			Flags:     penaltyFlags,
			Action: withAccount(func(ctx context.Context, eng *moderation.Engine, cctx *cli.Context, actorID, accountID uint64) (any, error) {
				until, err := parseUntil(cctx)
				if err != nil {
					return nil, err
				}
				return eng.Suspend(ctx, actorID, accountID, moderation.SuspendParams{
					Until:      until,
					Reason:     cctx.String("reason"),
					Message:    cctx.String("message"),
					PostID:     cctx.Uint64("post-id"),
					PostAction: cctx.String("post-action"),
					PostEdit:   cctx.String("post-edit"),
				})
			}),
		},
		{
			Name:      "unsuspend",
			ArgsUsage: "<account-id>",
			Action: withAccount(func(ctx context.Context, eng *moderation.Engine, cctx *cli.Context, actorID, accountID uint64) (any, error) {
				return nil, eng.Unsuspend(ctx, actorID, accountID)
			}),
		},
		{
			Name:      "silence",
			Usage:     "silence an account, indefinitely unless --until or --for is given",
			ArgsUsage: "<account-id>",
			Flags:     penaltyFlags,
			Action: withAccount(func(ctx context.Context, eng *moderation.Engine, cctx *cli.Context, actorID, accountID uint64) (any, error) {
				until, err := parseUntil(cctx)
				if err != nil {
					return nil, err
				}
				return eng.Silence(ctx, actorID, accountID, moderation.SilenceParams{
					Until:      until,
					Reason:     cctx.String("reason"),
					Message:    cctx.String("message"),
					PostID:     cctx.Uint64("post-id"),
					PostAction: cctx.String("post-action"),
					PostEdit:   cctx.String("post-edit"),
				})
			}),
		},
		{
			Name:      "unsilence",
			ArgsUsage: "<account-id>",
			Action: withAccount(func(ctx context.Context, eng *moderation.Engine, cctx *cli.Context, actorID, accountID uint64) (any, error) {
				return nil, eng.Unsilence(ctx, actorID, accountID)
			}),
		},
		{
			Name:      "delete-penalty-history",
			Usage:     "exclude past suspensions and silences from trust level scoring",
			ArgsUsage: "<account-id>",
			Action: withAccount(func(ctx context.Context, eng *moderation.Engine, cctx *cli.Context, actorID, accountID uint64) (any, error) {
				n, err := eng.DeletePenaltyHistory(ctx, actorID, accountID)
				if err != nil {
					return nil, err
				}
				return map[string]any{"success": true, "records": n}, nil
			}),
		},
		{
			Name:      "grant-admin",
			Usage:     "request an admin grant; it takes effect once confirmed with confirm-admin",
			ArgsUsage: "<account-id>",
			Action: withAccount(func(ctx context.Context, eng *moderation.Engine, cctx *cli.Context, actorID, accountID uint64) (any, error) {
				return eng.GrantAdmin(ctx, actorID, accountID)
			}),
		},
		{
			Name:      "revoke-admin",
			ArgsUsage: "<account-id>",
			Action: withAccount(func(ctx context.Context, eng *moderation.Engine, cctx *cli.Context, actorID, accountID uint64) (any, error) {
				return nil, eng.RevokeAdmin(ctx, actorID, accountID)
			}),
		},
		{
			Name:      "grant-moderation",
			ArgsUsage: "<account-id>",
			Action: withAccount(func(ctx context.Context, eng *moderation.Engine, cctx *cli.Context, actorID, accountID uint64) (any, error) {
				return nil, eng.GrantModeration(ctx, actorID, accountID)
			}),
		},
		{
			Name:      "revoke-moderation",
			ArgsUsage: "<account-id>",
			Action: withAccount(func(ctx context.Context, eng *moderation.Engine, cctx *cli.Context, actorID, accountID uint64) (any, error) {
				return nil, eng.RevokeModeration(ctx, actorID, accountID)
			}),
		},
		{
			Name:      "add-group",
			ArgsUsage: "<account-id>",
			Flags:     []cli.Flag{&cli.Uint64Flag{Name: "group", Required: true}},
			Action: withAccount(func(ctx context.Context, eng *moderation.Engine, cctx *cli.Context, actorID, accountID uint64) (any, error) {
				return nil, eng.AddGroup(ctx, actorID, accountID, cctx.Uint64("group"))
			}),
		},
		{
			Name:      "remove-group",
			ArgsUsage: "<account-id>",
			Flags:     []cli.Flag{&cli.Uint64Flag{Name: "group", Required: true}},
			Action: withAccount(func(ctx context.Context, eng *moderation.Engine, cctx *cli.Context, actorID, accountID uint64) (any, error) {
				return nil, eng.RemoveGroup(ctx, actorID, accountID, cctx.Uint64("group"))
			}),
		},
		{
			Name:      "primary-group",
			Usage:     "set the account's primary group; omit --group to clear it",
			ArgsUsage: "<account-id>",
			Flags:     []cli.Flag{&cli.Uint64Flag{Name: "group"}},
			Action: withAccount(func(ctx context.Context, eng *moderation.Engine, cctx *cli.Context, actorID, accountID uint64) (any, error) {
				var group *uint64
				if cctx.IsSet("group") {
					g := cctx.Uint64("group")
					group = &g
				}
				return nil, eng.SetPrimaryGroup(ctx, actorID, accountID, group)
			}),
		},
		{
			Name:      "trust-level",
			ArgsUsage: "<account-id>",
			Flags:     []cli.Flag{&cli.IntFlag{Name: "level", Required: true}},
			Action: withAccount(func(ctx context.Context, eng *moderation.Engine, cctx *cli.Context, actorID, accountID uint64) (any, error) {
				return eng.SetTrustLevel(ctx, actorID, accountID, cctx.Int("level"))
			}),
		},
		{
			Name:      "lock-trust-level",
			Usage:     "pin (true) or release (false) the account's trust level",
			ArgsUsage: "<account-id>",
			Flags:     []cli.Flag{&cli.StringFlag{Name: "locked", Required: true}},
			Action: withAccount(func(ctx context.Context, eng *moderation.Engine, cctx *cli.Context, actorID, accountID uint64) (any, error) {
				return nil, eng.LockTrustLevel(ctx, actorID, accountID, cctx.String("locked"))
			}),
		},
		{
			Name:      "disable-second-factor",
			ArgsUsage: "<account-id>",
			Action: withAccount(func(ctx context.Context, eng *moderation.Engine, cctx *cli.Context, actorID, accountID uint64) (any, error) {
				return nil, eng.DisableSecondFactor(ctx, actorID, accountID)
			}),
		},
		{
			Name:      "reset-bounce-score",
			ArgsUsage: "<account-id>",
			Action: withAccount(func(ctx context.Context, eng *moderation.Engine, cctx *cli.Context, actorID, accountID uint64) (any, error) {
				return nil, eng.ResetBounceScore(ctx, actorID, accountID)
			}),
		},
		{
			Name:      "activate",
			ArgsUsage: "<account-id>",
			Action: withAccount(func(ctx context.Context, eng *moderation.Engine, cctx *cli.Context, actorID, accountID uint64) (any, error) {
				return nil, eng.Activate(ctx, actorID, accountID)
			}),
		},
		{
			Name:      "deactivate",
			ArgsUsage: "<account-id>",
			Flags:     []cli.Flag{&cli.StringFlag{Name: "reason"}},
			Action: withAccount(func(ctx context.Context, eng *moderation.Engine, cctx *cli.Context, actorID, accountID uint64) (any, error) {
				return nil, eng.Deactivate(ctx, actorID, accountID, cctx.String("reason"))
			}),
		},
		{
			Name:      "log-out",
			Usage:     "end every session of the account",
			ArgsUsage: "<account-id>",
			Action: withAccount(func(ctx context.Context, eng *moderation.Engine, cctx *cli.Context, actorID, accountID uint64) (any, error) {
				return nil, eng.LogOut(ctx, actorID, accountID)
			}),
		},
		{
			Name:      "approve",
			Usage:     "approve one or more accounts",
			ArgsUsage: "<account-id>...",
			Action:    runApprove,
		},
		{
			Name:      "destroy",
			Usage:     "delete an account",
			ArgsUsage: "<account-id>",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "block-email"},
				&cli.BoolFlag{Name: "block-urls"},
				&cli.BoolFlag{Name: "block-ip"},
				&cli.BoolFlag{Name: "spammer", Usage: "record the deletion as a spammer deletion"},
				&cli.BoolFlag{Name: "delete-posts", Usage: "also delete the account's posts; required if it has any"},
				&cli.StringFlag{Name: "context", Usage: "free text recorded with the deletion"},
			},
			Action: withAccount(func(ctx context.Context, eng *moderation.Engine, cctx *cli.Context, actorID, accountID uint64) (any, error) {
				return eng.Destroy(ctx, actorID, accountID, moderation.DestroyOptions{
					BlockEmail:      cctx.Bool("block-email"),
					BlockURLs:       cctx.Bool("block-urls"),
					BlockIP:         cctx.Bool("block-ip"),
					DeleteAsSpammer: cctx.Bool("spammer"),
					DeletePosts:     cctx.Bool("delete-posts"),
					Context:         cctx.String("context"),
				})
			}),
		},
		{
			Name:      "merge",
			Usage:     "move an account's content into another account, then delete it",
			ArgsUsage: "<account-id>",
			Flags:     []cli.Flag{&cli.StringFlag{Name: "into", Usage: "username of the account to merge into", Required: true}},
			Action: withAccount(func(ctx context.Context, eng *moderation.Engine, cctx *cli.Context, actorID, accountID uint64) (any, error) {
				return eng.Merge(ctx, actorID, accountID, cctx.String("into"))
			}),
		},
		{
			Name:      "anonymize",
			ArgsUsage: "<account-id>",
			Flags:     []cli.Flag{&cli.StringFlag{Name: "anonymize-ip", Usage: "IP address recorded in place of the account's real ones"}},
			Action: withAccount(func(ctx context.Context, eng *moderation.Engine, cctx *cli.Context, actorID, accountID uint64) (any, error) {
				return eng.Anonymize(ctx, actorID, accountID, moderation.AnonymizeOptions{
					AnonymizeIP: cctx.String("anonymize-ip"),
				})
			}),
		},
		{
			Name:      "delete-posts",
			Usage:     "delete the next batch of the account's posts",
			ArgsUsage: "<account-id>",
			Action: withAccount(func(ctx context.Context, eng *moderation.Engine, cctx *cli.Context, actorID, accountID uint64) (any, error) {
				n, err := eng.DeletePostsBatch(ctx, actorID, accountID)
				if err != nil {
					return nil, err
				}
				return map[string]any{"posts_deleted": n}, nil
			}),
		},
		{
			Name:      "delete-sso",
			Usage:     "unlink the account from its single sign-on identity",
			ArgsUsage: "<account-id>",
			Action: withAccount(func(ctx context.Context, eng *moderation.Engine, cctx *cli.Context, actorID, accountID uint64) (any, error) {
				return nil, eng.DeleteSSORecord(ctx, actorID, accountID)
			}),
		},
	},
}

var cmdConfirmAdmin = &cli.Command{
	Name:      "confirm-admin",
	Usage:     "complete a pending admin grant with the token sent to the requesting admin",
	ArgsUsage: "<request-id> <token>",
	Action: func(cctx *cli.Context) error {
		cliutil.ConfigLogger(cctx, os.Stderr)
		if cctx.Args().Len() != 2 {
			return fmt.Errorf("%w: expected <request-id> <token>", moderation.ErrValidation)
		}
		eng, err := cliEngine(cctx)
		if err != nil {
			return err
		}
		if err := eng.ConfirmAdminGrant(cctx.Context, cctx.Args().Get(0), cctx.Args().Get(1)); err != nil {
			return err
		}
		return printJSON(map[string]any{"success": true})
	},
}

var cmdSameIP = &cli.Command{
	Name:  "same-ip",
	Usage: "inspect or delete accounts sharing an IP address",
	Flags: []cli.Flag{
		actorFlag,
		&cli.StringFlag{Name: "ip", Required: true},
		&cli.Uint64Flag{Name: "exclude", Usage: "account id to leave out, usually the one being viewed"},
	},
	Subcommands: []*cli.Command{
		{
			Name: "count",
			Action: func(cctx *cli.Context) error {
				cliutil.ConfigLogger(cctx, os.Stderr)
				eng, err := cliEngine(cctx)
				if err != nil {
					return err
				}
				n, err := eng.CountOtherAccountsWithSameIP(cctx.Context, cctx.Uint64("actor"), cctx.String("ip"), cctx.Uint64("exclude"))
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"count": n})
			},
		},
		{
			Name:  "delete",
			Usage: "schedule deletion of the matching accounts, blocking their emails, IPs and URLs",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "order", Value: "created", Usage: "created, username, trust_level or last_seen"},
				&cli.IntFlag{Name: "limit"},
			},
			Action: func(cctx *cli.Context) error {
				cliutil.ConfigLogger(cctx, os.Stderr)
				eng, err := cliEngine(cctx)
				if err != nil {
					return err
				}
				n, err := eng.DeleteOtherAccountsWithSameIP(cctx.Context, cctx.Uint64("actor"), moderation.SameIPQuery{
					IP:        cctx.String("ip"),
					ExcludeID: cctx.Uint64("exclude"),
					Order:     cctx.String("order"),
					Limit:     cctx.Int("limit"),
				})
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"scheduled": n})
			},
		},
	},
}

type accountAction func(ctx context.Context, eng *moderation.Engine, cctx *cli.Context, actorID, accountID uint64) (any, error)

// withAccount adapts an engine call on a single account to a subcommand
// taking the account id as its argument. A nil result prints a bare success.
func withAccount(fn accountAction) cli.ActionFunc {
	return func(cctx *cli.Context) error {
		cliutil.ConfigLogger(cctx, os.Stderr)
		if cctx.Args().Len() != 1 {
			return fmt.Errorf("%w: expected a single account id", moderation.ErrValidation)
		}
		accountID, err := parseID(cctx.Args().First())
		if err != nil {
			return err
		}
		eng, err := cliEngine(cctx)
		if err != nil {
			return err
		}

		out, err := fn(cctx.Context, eng, cctx, cctx.Uint64("actor"), accountID)
		if err != nil {
			return err
		}
		if out == nil {
			out = map[string]any{"success": true}
		}
		return printJSON(out)
	}
}

func runApprove(cctx *cli.Context) error {
	cliutil.ConfigLogger(cctx, os.Stderr)
	if cctx.Args().Len() == 0 {
		return fmt.Errorf("%w: expected at least one account id", moderation.ErrValidation)
	}
	ids := make([]uint64, 0, cctx.Args().Len())
	for _, s := range cctx.Args().Slice() {
		id, err := parseID(s)
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}
	eng, err := cliEngine(cctx)
	if err != nil {
		return err
	}

	if len(ids) == 1 {
		if err := eng.Approve(cctx.Context, cctx.Uint64("actor"), ids[0]); err != nil {
			return err
		}
		return printJSON(map[string]any{"success": true})
	}
	res, err := eng.ApproveBulk(cctx.Context, cctx.Uint64("actor"), ids)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func cliEngine(cctx *cli.Context) (*moderation.Engine, error) {
	db, err := openDatabase(cctx)
	if err != nil {
		return nil, err
	}
	eng, _, err := setupEngine(cctx, db, nil)
	return eng, err
}

// parseUntil reads --until or --for; neither given means no end time
func parseUntil(cctx *cli.Context) (*time.Time, error) {
	switch {
	case cctx.IsSet("until") && cctx.IsSet("for"):
		return nil, fmt.Errorf("%w: give only one of --until and --for", moderation.ErrValidation)
	case cctx.IsSet("until"):
		t, err := time.Parse(time.RFC3339, strings.TrimSpace(cctx.String("until")))
		if err != nil {
			return nil, fmt.Errorf("%w: --until: %w", moderation.ErrValidation, err)
		}
		return &t, nil
	case cctx.IsSet("for"):
		t := time.Now().Add(cctx.Duration("for"))
		return &t, nil
	}
	return nil, nil
}
