package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/and161185/livechat/internal/app"
	"github.com/and161185/livechat/internal/chat"
	"github.com/and161185/livechat/internal/errs"
	"github.com/and161185/livechat/internal/livesync"
	"github.com/and161185/livechat/internal/model"
	"github.com/and161185/livechat/internal/session"
	"github.com/and161185/livechat/internal/social"
	"github.com/and161185/livechat/internal/tui"
	"go.uber.org/zap"
)

func need(what string) error { return fmt.Errorf("need %s: %w", what, errs.ErrInvalidInput) }

func (c *cli) tenants() error {
	current := c.tenantID()
	for _, t := range c.cfg.Tenants {
		mark := " "
		if t.ID == current {
			mark = "*"
		}
		fmt.Fprintf(c.out, "%s %-12s %-20s %s\n", mark, t.ID, t.Name, t.Description)
	}
	return nil
}

func (c *cli) use(args []string) error {
	if len(args) != 1 {
		return need("<tenant>")
	}
	if _, ok := c.cfg.Tenant(args[0]); !ok {
		return fmt.Errorf("tenant %q: %w", args[0], errs.ErrNotFound)
	}
	if err := c.local.SaveTenant(args[0]); err != nil {
		return err
	}
	fmt.Fprintln(c.out, "ok")
	return nil
}

func (c *cli) register(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("register", flag.ContinueOnError)
	var r session.Registration
	fs.StringVar(&r.Username, "u", "", "username")
	fs.StringVar(&r.Email, "email", "", "email address")
	fs.StringVar(&r.Secret, "p", "", "secret")
	fs.StringVar(&r.SecretConfirm, "confirm", "", "secret again (default: -p)")
	fs.StringVar(&r.Origin, "origin", "", "where you are from")
	fs.StringVar(&r.Color, "color", "", "display color")
	fs.StringVar(&r.InviteCode, "invite", "", "invite code")
	fs.BoolVar(&r.AcceptedTerms, "accept", false, "accept the terms of use")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if r.SecretConfirm == "" {
		r.SecretConfirm = r.Secret
	}
	return c.withApp(ctx, func(a *app.App) error {
		id, err := a.Session.Register(ctx, r)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "registered %s (%s)\n", id.Username, id.Role)
		return nil
	})
}

func (c *cli) login(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	u := fs.String("u", "", "username")
	p := fs.String("p", "", "secret")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return c.withApp(ctx, func(a *app.App) error {
		if _, ok := a.Session.Current(); ok {
			if err := a.Session.Logout(ctx); err != nil {
				return err
			}
		}
		id, err := a.Session.Login(ctx, *u, *p)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "logged in as %s (%s)\n", id.Username, id.Role)
		return nil
	})
}

func (c *cli) whoami(ctx context.Context) error {
	return c.attached(ctx, func(a *app.App, me model.Identity) error {
		me.Digest = ""
		c.printJSON(me)
		return nil
	})
}

func (c *cli) profile(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("profile", flag.ContinueOnError)
	color := fs.String("color", "", "display color")
	origin := fs.String("origin", "", "where you are from")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var p session.ProfileUpdate
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "color":
			p.Color = color
		case "origin":
			p.Origin = origin
		}
	})
	return c.attached(ctx, func(a *app.App, _ model.Identity) error {
		return a.Session.UpdateProfile(ctx, p)
	})
}

func (c *cli) status(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return need("online|away|busy|invisible")
	}
	return c.attached(ctx, func(a *app.App, _ model.Identity) error {
		return a.Session.SetStatus(ctx, args[0])
	})
}

func (c *cli) rooms(ctx context.Context) error {
	return c.attached(ctx, func(a *app.App, me model.Identity) error {
		for _, r := range a.Rooms() {
			name := r.Icon + r.Name
			if r.Type == model.RoomDM {
				name = "@" + chat.DMPeer(r, me.ID)
			}
			fmt.Fprintf(c.out, "%-32s %-8s %s\n", r.ID, r.Type, name)
		}
		return nil
	})
}

func (c *cli) room(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return need("create|update|delete|join|leave")
	}
	sub, rest := args[0], args[1:]
	fs := flag.NewFlagSet("room "+sub, flag.ContinueOnError)
	id := fs.String("id", "", "room id")
	name := fs.String("name", "", "room name")
	desc := fs.String("desc", "", "description")
	typ := fs.String("type", model.RoomChannel, "channel|group")
	icon := fs.String("icon", "", "icon")
	private := fs.Bool("private", false, "members only")
	members := fs.String("members", "", "comma separated member ids")
	if err := fs.Parse(rest); err != nil {
		return err
	}
	if sub != "create" && *id == "" {
		return need("-id")
	}

	return c.attached(ctx, func(a *app.App, _ model.Identity) error {
		switch sub {
		case "create":
			spec := chat.RoomSpec{Name: *name, Description: *desc, Type: *typ, Icon: *icon, Private: *private}
			if *members != "" {
				spec.Members = strings.Split(*members, ",")
			}
			r, err := a.Chat.CreateRoom(ctx, spec)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.out, r.ID)
			return nil
		case "update":
			var p chat.RoomPatch
			fs.Visit(func(f *flag.Flag) {
				switch f.Name {
				case "name":
					p.Name = name
				case "desc":
					p.Description = desc
				case "icon":
					p.Icon = icon
				case "private":
					p.Private = private
				}
			})
			return a.Chat.UpdateRoom(ctx, *id, p)
		case "delete":
			return a.Chat.DeleteRoom(ctx, *id)
		case "join":
			return a.Chat.JoinRoom(ctx, *id)
		case "leave":
			return a.Chat.LeaveRoom(ctx, *id)
		}
		return fmt.Errorf("room %q: %w", sub, errs.ErrInvalidInput)
	})
}

func (c *cli) dm(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return need("<user>")
	}
	return c.attached(ctx, func(a *app.App, _ model.Identity) error {
		r, err := a.Chat.OpenDM(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(c.out, r.ID)
		return nil
	})
}

// roomArgs parses -room, -id and the remaining words as text.
func roomArgs(name string, args []string, wantID bool) (room, id, text string, err error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	r := fs.String("room", "", "room id")
	m := fs.String("id", "", "message id")
	if err := fs.Parse(args); err != nil {
		return "", "", "", err
	}
	if *r == "" {
		return "", "", "", need("-room")
	}
	if wantID && *m == "" {
		return "", "", "", need("-id")
	}
	return *r, *m, strings.Join(fs.Args(), " "), nil
}

func (c *cli) read(ctx context.Context, args []string) error {
	room, _, _, err := roomArgs("read", args, false)
	if err != nil {
		return err
	}
	return c.attached(ctx, func(a *app.App, _ model.Identity) error {
		if err := a.SelectRoom(ctx, room); err != nil {
			return err
		}
		if err := waitUntil(ctx, func() bool {
			st, _ := a.Room.State()
			return st != livesync.Loading
		}); err != nil {
			return err
		}
		if _, err := a.Room.State(); err != nil {
			return err
		}
		for _, l := range a.Room.Lines() {
			if l.Header {
				fmt.Fprintf(c.out, "\n%s  %s\n", l.Author, l.Time().Format(time.DateTime))
			}
			edited := ""
			if l.Edited {
				edited = " (edited)"
			}
			fmt.Fprintf(c.out, "  [%s] %s%s\n", l.ID, l.Text, edited)
		}
		return nil
	})
}

func (c *cli) send(ctx context.Context, args []string) error {
	room, _, text, err := roomArgs("send", args, false)
	if err != nil {
		return err
	}
	return c.attached(ctx, func(a *app.App, _ model.Identity) error {
		id, err := a.Chat.Send(ctx, room, text)
		if err != nil {
			return err
		}
		fmt.Fprintln(c.out, id)
		return nil
	})
}

func (c *cli) edit(ctx context.Context, args []string) error {
	room, id, text, err := roomArgs("edit", args, true)
	if err != nil {
		return err
	}
	return c.attached(ctx, func(a *app.App, _ model.Identity) error {
		return a.Chat.Edit(ctx, room, id, text)
	})
}

func (c *cli) rm(ctx context.Context, args []string) error {
	room, id, _, err := roomArgs("rm", args, true)
	if err != nil {
		return err
	}
	return c.attached(ctx, func(a *app.App, _ model.Identity) error {
		return a.Chat.Delete(ctx, room, id)
	})
}

func (c *cli) watch(ctx context.Context, args []string) error {
	room, _, _, err := roomArgs("watch", args, false)
	if err != nil {
		return err
	}
	return c.attached(ctx, func(a *app.App, me model.Identity) error {
		title := room
		for _, r := range a.Rooms() {
			if r.ID == room {
				title = r.Icon + r.Name
				if r.Type == model.RoomDM {
					title = "@" + chat.DMPeer(r, me.ID)
				}
			}
		}
		hbCtx, stop := context.WithCancel(ctx)
		defer stop()
		go c.heartbeat(hbCtx, a)
		return tui.Run(ctx, a, room, title)
	})
}

// heartbeat keeps presence fresh while the screen is open.
func (c *cli) heartbeat(ctx context.Context, a *app.App) {
	t := time.NewTicker(30 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := a.Session.Heartbeat(ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.log.Warn("heartbeat", zap.Error(err))
			}
		}
	}
}

func (c *cli) friends(ctx context.Context, args []string) error {
	sub := "list"
	if len(args) > 0 {
		sub = args[0]
	}
	arg := ""
	if len(args) > 1 {
		arg = strings.Join(args[1:], " ")
	}
	if sub != "list" && arg == "" {
		return need("<user>")
	}
	return c.attached(ctx, func(a *app.App, _ model.Identity) error {
		switch sub {
		case "list":
			circle := a.Friends()
			for _, group := range []struct {
				title string
				edges []model.FriendEdge
			}{{"friends", circle.Friends}, {"incoming", circle.Incoming}, {"outgoing", circle.Outgoing}} {
				fmt.Fprintf(c.out, "%s:\n", group.title)
				for _, e := range group.edges {
					fmt.Fprintf(c.out, "  %s\n", e.Peer)
				}
			}
			return nil
		case "add":
			return a.Social.SendRequest(ctx, arg)
		case "accept":
			return a.Social.Accept(ctx, arg)
		case "reject":
			return a.Social.Reject(ctx, arg)
		case "remove":
			return a.Social.Unfriend(ctx, arg)
		case "search":
			found, err := a.SearchUsers(arg)
			if err != nil {
				return err
			}
			for _, u := range found {
				fmt.Fprintf(c.out, "%s  %s\n", u.ID, u.Origin)
			}
			return nil
		}
		return fmt.Errorf("friends %q: %w", sub, errs.ErrInvalidInput)
	})
}

func (c *cli) forum(ctx context.Context, args []string) error {
	sub := "list"
	if len(args) > 0 {
		sub = args[0]
	}
	var rest []string
	if len(args) > 1 {
		rest = args[1:]
	}
	return c.attached(ctx, func(a *app.App, me model.Identity) error {
		switch sub {
		case "list":
			for _, p := range a.Posts() {
				liked := ""
				if p.Likes[me.ID] {
					liked = " (liked)"
				}
				fmt.Fprintf(c.out, "[%s] %s: %s  ♥%d%s\n", p.ID, p.AuthorName, p.Text, len(p.Likes), liked)
				for _, cm := range social.Comments(p) {
					fmt.Fprintf(c.out, "    %s: %s\n", cm.AuthorName, cm.Text)
				}
			}
			return nil
		case "post":
			id, err := a.Social.CreatePost(ctx, strings.Join(rest, " "))
			if err != nil {
				return err
			}
			fmt.Fprintln(c.out, id)
			return nil
		case "like":
			if len(rest) != 1 {
				return need("<post>")
			}
			liked, err := a.Social.ToggleLike(ctx, rest[0])
			if err != nil {
				return err
			}
			if liked {
				fmt.Fprintln(c.out, "liked")
			} else {
				fmt.Fprintln(c.out, "unliked")
			}
			return nil
		case "comment":
			if len(rest) < 2 {
				return need("<post> <text>")
			}
			_, err := a.Social.Comment(ctx, rest[0], strings.Join(rest[1:], " "))
			return err
		case "rm":
			if len(rest) != 1 {
				return need("<post>")
			}
			return a.Social.DeletePost(ctx, rest[0])
		}
		return fmt.Errorf("forum %q: %w", sub, errs.ErrInvalidInput)
	})
}

func (c *cli) notifications(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("notifications", flag.ContinueOnError)
	read := fs.String("read", "", "mark a notification read")
	purge := fs.Bool("clear", false, "delete all notifications")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return c.attached(ctx, func(a *app.App, _ model.Identity) error {
		switch {
		case *purge:
			return a.Social.ClearNotifications(ctx)
		case *read != "":
			return a.Social.MarkRead(ctx, *read)
		}
		for _, n := range a.Notifications() {
			mark := " "
			if !n.Read {
				mark = "•"
			}
			fmt.Fprintf(c.out, "%s [%s] %s from %s\n", mark, n.ID, n.Type, n.FromName)
		}
		return nil
	})
}

func (c *cli) pushCmd(ctx context.Context, args []string) error {
	if len(args) != 1 || args[0] != "enable" {
		return need("enable")
	}
	return c.attached(ctx, func(a *app.App, _ model.Identity) error {
		tok, err := a.EnablePush(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(c.out, tok)
		return nil
	})
}
