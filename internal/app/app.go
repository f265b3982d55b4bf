// Package app composes one tenant session: store access, the acting identity,
// the live projections the front-end renders and the services mutating them.
package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/and161185/livechat/internal/admin"
	"github.com/and161185/livechat/internal/auth"
	"github.com/and161185/livechat/internal/chat"
	"github.com/and161185/livechat/internal/config"
	"github.com/and161185/livechat/internal/errs"
	"github.com/and161185/livechat/internal/livesync"
	"github.com/and161185/livechat/internal/localstate"
	"github.com/and161185/livechat/internal/metrics"
	"github.com/and161185/livechat/internal/model"
	"github.com/and161185/livechat/internal/push"
	"github.com/and161185/livechat/internal/session"
	"github.com/and161185/livechat/internal/social"
	"github.com/and161185/livechat/internal/store"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Topic names a projection that changed.
type Topic string

const (
	TopicUsers         Topic = "users"
	TopicSettings      Topic = "settings"
	TopicRooms         Topic = "rooms"
	TopicMessages      Topic = "messages"
	TopicFriends       Topic = "friends"
	TopicForum         Topic = "forum"
	TopicNotifications Topic = "notifications"
	TopicSession       Topic = "session"
)

// Registry slots. Detach closes them in the order of detachOrder.
const (
	slotUsers         = "users"
	slotSettings      = "settings"
	slotRooms         = "rooms"
	slotFriends       = "friends"
	slotForum         = "forum"
	slotNotifications = "notifications"
	slotIdentity      = "identity"
)

var detachOrder = []string{slotRooms, chat.SlotMessages, slotFriends, slotForum, slotNotifications, slotIdentity}

// Deps are the process-wide collaborators shared by every tenant session.
type Deps struct {
	Config  *config.Config
	Backend Backend
	Auth    *auth.Provider
	Local   *localstate.Dir
	// Metrics is optional.
	Metrics *metrics.Metrics
	// Push delivers desktop notifications. Optional.
	Push   push.Gateway
	Logger *zap.Logger
}

// App is one open tenant.
type App struct {
	deps   Deps
	log    *zap.Logger
	tenant model.Tenant
	auth   auth.Session
	st     store.Store
	reg    *livesync.Registry
	opt    livesync.Options

	Session *session.Manager
	Chat    *chat.Service
	Social  *social.Service
	Admin   *admin.Service
	Room    *chat.RoomView

	registrar *push.Registrar
	notifier  *push.Notifier

	mu       sync.Mutex
	closed   bool
	users    livesync.View[model.Identity]
	settings livesync.Doc[model.ServerSettings]
	rooms    livesync.View[model.Room]
	friends  livesync.View[model.FriendEdge]
	posts    livesync.View[model.ForumPost]
	notes    livesync.View[model.Notification]
	onChange func(Topic)
}

// Open signs in to tenantID, resumes the remembered identity if any and
// starts the tenant-wide subscriptions. The selection is remembered locally.
func Open(ctx context.Context, deps Deps, tenantID string) (*App, error) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	cfg := deps.Config
	tenant, ok := cfg.Tenant(tenantID)
	if !ok {
		return nil, fmt.Errorf("tenant %q: %w", tenantID, errs.ErrNotFound)
	}
	sess, err := deps.Auth.SignIn(ctx, tenant.ID)
	if err != nil {
		return nil, fmt.Errorf("sign in: %w", err)
	}
	if _, err := deps.Auth.Verify(sess.Token, tenant.ID); err != nil {
		return nil, fmt.Errorf("sign in: %w", err)
	}
	raw, err := deps.Backend.Open(ctx, tenant.ID)
	if err != nil {
		return nil, err
	}
	if err := deps.Local.SaveTenant(tenant.ID); err != nil {
		deps.Logger.Warn("remember tenant", zap.Error(err))
	}

	log := deps.Logger.With(zap.String("tenant", tenant.ID))
	var rec store.Recorder
	opt := livesync.Options{MaxBackoff: cfg.Subscriber.MaxBackoff, Logger: log}
	if deps.Metrics != nil {
		rec = deps.Metrics
		opt.Observer = deps.Metrics
	}
	st := store.WithTimeout(raw, cfg.Store.Timeout, rec)

	a := &App{
		deps:      deps,
		log:       log,
		tenant:    tenant,
		auth:      sess,
		st:        st,
		reg:       livesync.NewRegistry(),
		opt:       opt,
		registrar: push.NewRegistrar(st),
	}
	a.settings.Value = model.DefaultSettings()
	a.Session = session.New(session.Config{
		Tenant:  tenant.ID,
		Store:   st,
		Markers: deps.Local,
		Limiter: deps.Backend.Limiter(tenant.ID),
		Logger:  log,
	})
	a.Chat = chat.NewService(chat.Config{
		Store:     st,
		Actor:     a.Session,
		SendRate:  rate.Limit(cfg.Chat.SendRate),
		SendBurst: cfg.Chat.SendBurst,
		Logger:    log,
	})
	a.Social = social.NewService(social.Config{Store: st, Actor: a.Session, Logger: log})
	a.Admin = admin.NewService(admin.Config{Store: st, Actor: a.Session, Logger: log})
	a.Room = chat.NewRoomView(st, a.reg, opt, cfg.Chat.Window, cfg.Chat.GroupGap)
	a.Room.OnChange(func() { a.changed(TopicMessages) })
	if deps.Push != nil {
		a.notifier = push.NewNotifier(deps.Push, log)
	}

	a.Session.OnAttach(func(model.Identity) { a.attached(ctx) })
	a.Session.OnDetach(a.detached)

	a.subscribeTenant(ctx)
	if _, err := a.Session.Resume(ctx); err != nil {
		log.Info("session not resumed", zap.Error(err))
	}
	return a, nil
}

// Tenant returns the open tenant.
func (a *App) Tenant() model.Tenant { return a.tenant }

// AuthSession returns the anonymous store session.
func (a *App) AuthSession() auth.Session { return a.auth }

// Store returns the tenant store.
func (a *App) Store() store.Store { return a.st }

// OnChange sets the function called after a projection changes. It runs on
// the delivering goroutine and must not block.
func (a *App) OnChange(fn func(Topic)) {
	a.mu.Lock()
	a.onChange = fn
	a.mu.Unlock()
}

func (a *App) changed(t Topic) {
	a.mu.Lock()
	fn := a.onChange
	a.mu.Unlock()
	if fn != nil {
		fn(t)
	}
}

// Close tears every subscription down and releases the tenant store. The
// identity stays remembered for the next Open.
func (a *App) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	a.reg.Close(detachOrder...)
	a.reg.CloseAll()
	return a.st.Close()
}

func (a *App) subscribeTenant(ctx context.Context) {
	a.reg.Swap(slotUsers, func() livesync.Canceler {
		return livesync.Subscribe(ctx, a.st, "users", a.opt, model.DecodeIdentity, func(v livesync.View[model.Identity]) {
			a.mu.Lock()
			a.users = v
			a.mu.Unlock()
			a.changed(TopicUsers)
		})
	})
	a.reg.Swap(slotSettings, func() livesync.Canceler {
		return livesync.Watch(ctx, a.st, "settings", a.opt, livesync.JSON[model.ServerSettings], func(d livesync.Doc[model.ServerSettings]) {
			if !d.Exists {
				d.Value = model.DefaultSettings()
			}
			a.mu.Lock()
			a.settings = d
			a.mu.Unlock()
			a.changed(TopicSettings)
		})
	})
}

// attached opens the identity-scoped subscriptions.
func (a *App) attached(ctx context.Context) {
	me, err := a.Session.RequireAttached()
	if err != nil {
		return
	}
	a.reg.Swap(slotRooms, func() livesync.Canceler {
		return livesync.Subscribe(ctx, a.st, "rooms", a.opt, chat.DecodeRoom, func(v livesync.View[model.Room]) {
			a.mu.Lock()
			a.rooms = v
			a.mu.Unlock()
			a.changed(TopicRooms)
		})
	})
	a.reg.Swap(slotFriends, func() livesync.Canceler {
		return livesync.Subscribe(ctx, a.st, store.Join("friends", me.ID), a.opt, social.DecodeEdge, func(v livesync.View[model.FriendEdge]) {
			a.mu.Lock()
			a.friends = v
			a.mu.Unlock()
			a.changed(TopicFriends)
		})
	})
	forum := a.opt
	forum.OrderBy, forum.Desc = "timestamp", true
	a.reg.Swap(slotForum, func() livesync.Canceler {
		return livesync.Subscribe(ctx, a.st, social.ForumPath, forum, social.DecodePost, func(v livesync.View[model.ForumPost]) {
			a.mu.Lock()
			a.posts = v
			a.mu.Unlock()
			a.changed(TopicForum)
		})
	})
	a.reg.Swap(slotNotifications, func() livesync.Canceler {
		return livesync.Subscribe(ctx, a.st, store.Join("notifications", me.ID), forum, social.DecodeNotification, func(v livesync.View[model.Notification]) {
			a.mu.Lock()
			a.notes = v
			n := a.notifier
			a.mu.Unlock()
			if n != nil && v.State == livesync.Live {
				n.Handle(v.Values())
			}
			a.changed(TopicNotifications)
		})
	})
	a.reg.Swap(slotIdentity, func() livesync.Canceler {
		h, err := a.Session.Watch(ctx, a.opt)
		if err != nil {
			a.log.Warn("watch identity", zap.Error(err))
			return nil
		}
		return h
	})
	a.changed(TopicSession)
}

// detached closes the identity-scoped subscriptions and forgets their data.
func (a *App) detached() {
	a.reg.Close(detachOrder...)
	a.Room.Close()

	a.mu.Lock()
	a.rooms = livesync.View[model.Room]{}
	a.friends = livesync.View[model.FriendEdge]{}
	a.posts = livesync.View[model.ForumPost]{}
	a.notes = livesync.View[model.Notification]{}
	n := a.notifier
	a.mu.Unlock()
	if n != nil {
		n.Reset()
	}
	a.changed(TopicSession)
}

// SelectRoom switches the message view to roomID after checking it is visible.
func (a *App) SelectRoom(ctx context.Context, roomID string) error {
	me, err := a.Session.RequireAttached()
	if err != nil {
		return err
	}
	room, ok := a.room(roomID)
	if !ok {
		return fmt.Errorf("room %q: %w", roomID, errs.ErrNotFound)
	}
	if !chat.CanSee(room, me) {
		return fmt.Errorf("room %q: %w", roomID, errs.ErrUnauthorized)
	}
	a.Room.Select(ctx, roomID)
	return nil
}

// EnablePush asks the gateway for a device token and registers it for the
// attached identity.
func (a *App) EnablePush(ctx context.Context) (string, error) {
	me, err := a.Session.RequireAttached()
	if err != nil {
		return "", err
	}
	gw := a.deps.Push
	if gw == nil {
		gw = push.Disabled{}
	}
	return push.Enable(ctx, gw, a.registrar, me.ID)
}

// WaitReady blocks until the projections of the current session left the
// Loading state and returns their subscription errors.
func (a *App) WaitReady(ctx context.Context) error {
	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	for {
		_, attached := a.Session.Current()
		a.mu.Lock()
		states := []livesync.State{a.users.State, a.settings.State}
		err := errors.Join(a.users.Err, a.settings.Err)
		if attached {
			states = append(states, a.rooms.State, a.friends.State, a.posts.State, a.notes.State)
			err = errors.Join(err, a.rooms.Err, a.friends.Err, a.posts.Err, a.notes.Err)
		}
		a.mu.Unlock()
		if !slices.Contains(states, livesync.Loading) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}
