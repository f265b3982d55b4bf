package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/and161185/livechat/internal/admin"
	"github.com/and161185/livechat/internal/app"
	"github.com/and161185/livechat/internal/config"
	"github.com/and161185/livechat/internal/errs"
	"github.com/and161185/livechat/internal/migrate"
	"github.com/and161185/livechat/internal/model"
	"go.uber.org/zap"
)

func migrateCmd(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	if cfg.Store.Driver != config.DriverPostgres {
		return fmt.Errorf("migrate needs store.driver=%s, have %q", config.DriverPostgres, cfg.Store.Driver)
	}
	ver, err := migrate.Up(ctx, cfg.Store.DSN, log)
	if err != nil {
		return err
	}
	fmt.Printf("schema at version %d\n", ver)
	return nil
}

// boolFlag parses an optional true/false flag value into a pointer.
func boolFlag(name, v string) (*bool, error) {
	if v == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, fmt.Errorf("-%s: %w", name, errs.ErrInvalidInput)
	}
	return &b, nil
}

func (c *cli) admin(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return need("ban|unban|role|invite|invites|revoke|settings|purge|clear|delete-user|backup|stats")
	}
	sub, rest := args[0], args[1:]

	fs := flag.NewFlagSet("admin "+sub, flag.ContinueOnError)
	var yes yesFlag
	fs.Var(&yes, "yes", "confirm a destructive operation (repeat for each confirmation)")
	reason := fs.String("reason", "", "ban reason")
	room := fs.String("room", "", "room id")
	open := fs.String("open", "", "registration open (true|false)")
	inviteOnly := fs.String("invite-only", "", "require invite codes (true|false)")
	maintenance := fs.String("maintenance", "", "maintenance mode (true|false)")
	out := fs.String("o", "-", "backup file ('-'=stdout)")
	format := fs.String("format", string(admin.FormatJSON), "backup format (json|yaml)")
	passphrase := fs.String("passphrase", "", "seal the backup with a passphrase")
	digests := fs.Bool("digests", false, "keep credential digests in the backup")
	if err := fs.Parse(rest); err != nil {
		return err
	}
	pos := fs.Args()
	arg := func(i int) string {
		if i < len(pos) {
			return pos[i]
		}
		return ""
	}

	return c.attached(ctx, func(a *app.App, me model.Identity) error {
		svc := a.Admin
		switch sub {
		case "ban":
			if arg(0) == "" {
				return need("<user>")
			}
			return svc.Ban(ctx, arg(0), *reason)
		case "unban":
			if arg(0) == "" {
				return need("<user>")
			}
			return svc.Unban(ctx, arg(0))
		case "role":
			if arg(0) == "" || arg(1) == "" {
				return need("<user> <member|mod|admin|owner>")
			}
			return svc.SetRole(ctx, arg(0), model.Role(strings.ToLower(arg(1))))
		case "invite":
			code, err := svc.CreateInviteCode(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.out, code.Code)
			return nil
		case "invites":
			codes, err := svc.ListInviteCodes(ctx)
			if err != nil {
				return err
			}
			for _, ic := range codes {
				state := "unused"
				if ic.Used {
					state = "used by " + ic.UsedBy
				}
				fmt.Fprintf(c.out, "%s  %s  %s\n", ic.Code, time.UnixMilli(ic.CreatedAt).Format(time.DateTime), state)
			}
			return nil
		case "revoke":
			if arg(0) == "" {
				return need("<code>")
			}
			return svc.RevokeInviteCode(ctx, arg(0))
		case "settings":
			var p admin.SettingsPatch
			var err error
			if p.RegistrationOpen, err = boolFlag("open", *open); err != nil {
				return err
			}
			if p.RequireInviteCode, err = boolFlag("invite-only", *inviteOnly); err != nil {
				return err
			}
			if p.MaintenanceMode, err = boolFlag("maintenance", *maintenance); err != nil {
				return err
			}
			if p == (admin.SettingsPatch{}) {
				c.printJSON(a.Settings())
				return nil
			}
			return svc.UpdateSettings(ctx, p)
		case "purge":
			return c.destroy(ctx, svc, admin.OpDeleteAllMessages, "", "Delete ALL messages of "+a.Tenant().ID+"?", int(yes))
		case "clear":
			if *room == "" {
				return need("-room")
			}
			return c.destroy(ctx, svc, admin.OpClearRoomMessages, *room, "Delete all messages of "+*room+"?", int(yes))
		case "delete-user":
			if arg(0) == "" {
				return need("<user>")
			}
			return c.destroy(ctx, svc, admin.OpDeleteIdentity, arg(0), "Delete identity "+arg(0)+"?", int(yes))
		case "backup":
			return c.backup(ctx, a, *out, admin.ExportOptions{
				Format:         admin.Format(*format),
				Passphrase:     *passphrase,
				IncludeDigests: *digests,
			})
		case "stats":
			st, err := a.Stats()
			if err != nil {
				return err
			}
			c.printJSON(st)
			return nil
		}
		return fmt.Errorf("admin %q: %w", sub, errs.ErrInvalidInput)
	})
}

// destroy runs a confirmed destructive operation.
func (c *cli) destroy(ctx context.Context, svc *admin.Service, op admin.Op, target, prompt string, yes int) error {
	t, err := svc.Prepare(op, target)
	if err != nil {
		return err
	}
	if !c.confirm(prompt, admin.Required(op), yes) {
		return fmt.Errorf("%s: %w", op, errs.ErrNotConfirmed)
	}
	for i, n := 0, admin.Required(op); i < n; i++ {
		t.Confirm()
	}
	switch op {
	case admin.OpDeleteAllMessages:
		err = svc.DeleteAllMessages(ctx, t)
	case admin.OpClearRoomMessages:
		err = svc.ClearRoomMessages(ctx, t)
	case admin.OpDeleteIdentity:
		err = svc.DeleteIdentity(ctx, t)
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, "done")
	return nil
}

func (c *cli) backup(ctx context.Context, a *app.App, path string, opt admin.ExportOptions) error {
	var w io.Writer = c.out
	if path != "-" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	return a.ExportBackup(ctx, w, opt)
}
