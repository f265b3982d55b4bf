// Command chat is a terminal client for livechat tenants.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/and161185/livechat/internal/app"
	"github.com/and161185/livechat/internal/auth"
	"github.com/and161185/livechat/internal/config"
	"github.com/and161185/livechat/internal/errs"
	"github.com/and161185/livechat/internal/localstate"
	"github.com/and161185/livechat/internal/metrics"
	"github.com/and161185/livechat/internal/model"
	"github.com/and161185/livechat/internal/push"
	"go.uber.org/zap"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// cli carries what every subcommand needs.
type cli struct {
	cfg     *config.Config
	backend app.Backend
	auth    *auth.Provider
	local   *localstate.Dir
	metrics *metrics.Metrics
	push    push.Gateway
	log     *zap.Logger
	tenant  string

	out io.Writer
	in  *bufio.Reader
}

func usage() {
	fmt.Fprintf(os.Stderr, `chat CLI
Usage:
  chat [-config file] [-tenant id] [-debug] <cmd> [args]

Commands:
  version
  tenants                                      list configured tenants
  use <tenant>                                 remember the tenant to open
  register  -u <name> -email <addr> -p <secret> -origin <place> -accept [-invite CODE] [-color #hex]
  login     -u <name> -p <secret>
  logout
  whoami
  profile   [-color #hex] [-origin place]
  status    online|away|busy|invisible
  rooms
  room      create|update|delete|join|leave ...
  dm        <user>
  read      -room <id>
  send      -room <id> <text>
  edit      -room <id> -id <msg> <text>
  rm        -room <id> -id <msg>
  watch     -room <id>                         interactive room screen
  friends   list|add|accept|reject|remove|search ...
  forum     list|post|like|comment|rm ...
  notifications [-read id] [-clear]
  push      enable
  admin     ban|unban|role|invite|invites|revoke|settings|purge|clear|delete-user|backup|stats ...
  migrate                                      apply the postgres schema
`)
	os.Exit(2)
}

// main loads configuration, opens the storage backend and dispatches subcommands.
func main() {
	cfgFile := flag.String("config", "", "config file (default: livechat.yaml in . or the config dir)")
	tenant := flag.String("tenant", "", "tenant id (default: last used)")
	debug := flag.Bool("debug", false, "verbose development logging")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd := flag.Arg(0)
	if cmd == "version" {
		fmt.Printf("chat %s (%s)\n", version, buildDate)
		return
	}

	logger, err := newLogger(*debug)
	if err != nil {
		fail(err)
	}
	defer func() { _ = logger.Sync() }()

	dir := localstate.DefaultDir()
	cfg, err := config.Load(*cfgFile, dir)
	if err != nil {
		fail(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cmd == "migrate" {
		if err := migrateCmd(ctx, cfg, logger); err != nil {
			fail(err)
		}
		return
	}

	key, err := cfg.SigningKey(dir)
	if err != nil {
		fail(err)
	}
	backend, err := app.OpenBackend(ctx, cfg, logger)
	if err != nil {
		fail(err)
	}
	defer backend.Close()

	c := &cli{
		cfg:     cfg,
		backend: backend,
		auth:    auth.NewProvider(key, cfg.Auth.SessionTTL),
		local:   localstate.New(dir),
		log:     logger,
		tenant:  *tenant,
		out:     os.Stdout,
		in:      bufio.NewReader(os.Stdin),
	}
	c.push = push.NewDesktop(c.local, "")
	if cfg.Metrics.Addr != "" {
		c.metrics = metrics.New()
		go func() {
			if err := c.metrics.Serve(ctx, cfg.Metrics.Addr, logger); err != nil {
				logger.Error("metrics server", zap.Error(err))
			}
		}()
	}

	if err := c.run(ctx, flag.Args()); err != nil {
		fail(err)
	}
}

// newLogger builds the stderr logger: production at warn level, or a
// development logger with -debug.
func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}

// run executes one subcommand. Interactive commands run until ctx is done;
// the others are bounded by a 30s timeout.
func (c *cli) run(ctx context.Context, args []string) error {
	cmd, rest := args[0], args[1:]
	if cmd != "watch" {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
	}

	switch cmd {
	case "tenants":
		return c.tenants()
	case "use":
		return c.use(rest)
	case "register":
		return c.register(ctx, rest)
	case "login":
		return c.login(ctx, rest)
	case "logout":
		return c.withApp(ctx, func(a *app.App) error { return a.Session.Logout(ctx) })
	case "whoami":
		return c.whoami(ctx)
	case "profile":
		return c.profile(ctx, rest)
	case "status":
		return c.status(ctx, rest)
	case "rooms":
		return c.rooms(ctx)
	case "room":
		return c.room(ctx, rest)
	case "dm":
		return c.dm(ctx, rest)
	case "read":
		return c.read(ctx, rest)
	case "send":
		return c.send(ctx, rest)
	case "edit":
		return c.edit(ctx, rest)
	case "rm":
		return c.rm(ctx, rest)
	case "watch":
		return c.watch(ctx, rest)
	case "friends":
		return c.friends(ctx, rest)
	case "forum":
		return c.forum(ctx, rest)
	case "notifications":
		return c.notifications(ctx, rest)
	case "push":
		return c.pushCmd(ctx, rest)
	case "admin":
		return c.admin(ctx, rest)
	}
	return fmt.Errorf("unknown command %q: %w", cmd, errs.ErrInvalidInput)
}

// tenantID resolves the tenant to open: -tenant, then the remembered one,
// then the first configured.
func (c *cli) tenantID() string {
	if c.tenant != "" {
		return c.tenant
	}
	if t, err := c.local.LoadTenant(); err == nil {
		if _, ok := c.cfg.Tenant(t); ok {
			return t
		}
	}
	return c.cfg.Tenants[0].ID
}

func (c *cli) open(ctx context.Context) (*app.App, error) {
	a, err := app.Open(ctx, app.Deps{
		Config:  c.cfg,
		Backend: c.backend,
		Auth:    c.auth,
		Local:   c.local,
		Metrics: c.metrics,
		Push:    c.push,
		Logger:  c.log,
	}, c.tenantID())
	if err != nil {
		return nil, err
	}
	if err := a.WaitReady(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

// withApp opens the tenant, runs fn and closes it again.
func (c *cli) withApp(ctx context.Context, fn func(a *app.App) error) error {
	a, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

// attached is withApp for commands that need a signed-in identity.
func (c *cli) attached(ctx context.Context, fn func(a *app.App, me model.Identity) error) error {
	return c.withApp(ctx, func(a *app.App) error {
		me, err := a.Session.RequireAttached()
		if err != nil {
			return errors.New("not logged in (run: chat login -u NAME -p SECRET)")
		}
		return fn(a, me)
	})
}

// waitUntil polls cond until it holds or ctx is done.
func waitUntil(ctx context.Context, cond func() bool) error {
	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

// confirm asks for n confirmations. Each -yes given on the command line
// counts as one.
func (c *cli) confirm(prompt string, n int, yes int) bool {
	for i := 0; i < n; i++ {
		if yes > 0 {
			yes--
			continue
		}
		fmt.Fprintf(c.out, "%s [%d/%d] type 'yes' to continue: ", prompt, i+1, n)
		line, err := c.in.ReadString('\n')
		if err != nil || strings.TrimSpace(line) != "yes" {
			return false
		}
	}
	return true
}

// yesFlag counts how often -yes was given.
type yesFlag int

func (y *yesFlag) String() string   { return fmt.Sprint(int(*y)) }
func (y *yesFlag) IsBoolFlag() bool { return true }
func (y *yesFlag) Set(string) error {
	*y++
	return nil
}

func (c *cli) printJSON(v any) {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
