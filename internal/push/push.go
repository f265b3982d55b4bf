// Package push connects the client to a notification gateway: it registers the
// device token of the attached identity and renders already formed
// notifications in the foreground.
package push

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/and161185/livechat/internal/errs"
	"github.com/and161185/livechat/internal/model"
	"github.com/and161185/livechat/internal/store"
	"github.com/gen2brain/beeep"
	"go.uber.org/zap"
)

// ErrDenied is returned by RequestPermission when notifications are refused.
var ErrDenied = errors.New("push permission denied")

// Payload is an already formed notification.
type Payload struct {
	Title string
	Body  string
}

// Gateway is the push notification collaborator.
type Gateway interface {
	// RequestPermission asks for permission and returns the device token.
	RequestPermission(ctx context.Context) (string, error)
	// Deliver renders a foreground notification.
	Deliver(p Payload) error
	// Platform names the gateway in stored token records.
	Platform() string
}

// TokenSource yields the stable device token. Implemented by localstate.Dir.
type TokenSource interface {
	DeviceToken() (string, error)
}

// Desktop renders notifications with the operating system notifier.
type Desktop struct {
	tokens TokenSource
	icon   string
	notify func(title, body, icon string) error
}

var _ Gateway = (*Desktop)(nil)

// NewDesktop returns a desktop gateway. icon may be empty.
func NewDesktop(tokens TokenSource, icon string) *Desktop {
	return &Desktop{tokens: tokens, icon: icon, notify: func(title, body, icon string) error {
		return beeep.Notify(title, body, icon)
	}}
}

// RequestPermission implements Gateway. Desktop notifications need no grant.
func (d *Desktop) RequestPermission(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return d.tokens.DeviceToken()
}

// Deliver implements Gateway.
func (d *Desktop) Deliver(p Payload) error { return d.notify(p.Title, p.Body, d.icon) }

// Platform implements Gateway.
func (d *Desktop) Platform() string { return "desktop" }

// Disabled refuses permission and drops every notification.
type Disabled struct{}

var _ Gateway = Disabled{}

// RequestPermission implements Gateway.
func (Disabled) RequestPermission(context.Context) (string, error) { return "", ErrDenied }

// Deliver implements Gateway.
func (Disabled) Deliver(Payload) error { return nil }

// Platform implements Gateway.
func (Disabled) Platform() string { return "none" }

// Registrar persists device tokens under fcmTokens/<identity>.
type Registrar struct {
	st  store.Store
	now func() time.Time
}

// NewRegistrar returns a Registrar writing to st.
func NewRegistrar(st store.Store) *Registrar {
	return &Registrar{st: st, now: time.Now}
}

// SaveToken stores token for identityID.
func (r *Registrar) SaveToken(ctx context.Context, identityID, token, platform string) error {
	if identityID == "" || token == "" {
		return fmt.Errorf("identity and token required: %w", errs.ErrInvalidInput)
	}
	return r.st.Set(ctx, store.Join("fcmTokens", identityID), model.PushToken{
		Token: token, UpdatedAt: r.now().UnixMilli(), Platform: platform,
	})
}

// RemoveToken deletes the token of identityID.
func (r *Registrar) RemoveToken(ctx context.Context, identityID string) error {
	return r.st.Remove(ctx, store.Join("fcmTokens", identityID))
}

// Enable asks gw for permission and stores the resulting token for identityID.
func Enable(ctx context.Context, gw Gateway, r *Registrar, identityID string) (string, error) {
	token, err := gw.RequestPermission(ctx)
	if err != nil {
		return "", err
	}
	if err := r.SaveToken(ctx, identityID, token, gw.Platform()); err != nil {
		return "", err
	}
	return token, nil
}

// Render turns a notification into a payload.
func Render(n model.Notification) Payload {
	switch n.Type {
	case model.NotifyFriendRequest:
		return Payload{Title: "Friend request", Body: n.FromName + " wants to be your friend"}
	case model.NotifyFriendAccept:
		return Payload{Title: "Friend request accepted", Body: n.FromName + " accepted your friend request"}
	}
	return Payload{Title: "Notification", Body: n.FromName}
}

// Notifier delivers each unread notification once.
type Notifier struct {
	gw  Gateway
	log *zap.Logger

	mu   sync.Mutex
	seen map[string]bool
}

// NewNotifier returns a Notifier delivering through gw.
func NewNotifier(gw Gateway, log *zap.Logger) *Notifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{gw: gw, log: log, seen: map[string]bool{}}
}

// Handle delivers the unread items of ns that were not delivered before and
// returns how many were delivered. Delivery failures are logged and retried on
// the next call.
func (n *Notifier) Handle(ns []model.Notification) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	sent := 0
	for _, it := range ns {
		if it.Read || n.seen[it.ID] {
			continue
		}
		if err := n.gw.Deliver(Render(it)); err != nil {
			n.log.Warn("deliver notification", zap.String("id", it.ID), zap.Error(err))
			continue
		}
		n.seen[it.ID] = true
		sent++
	}
	return sent
}

// Reset forgets what was delivered, for a new identity.
func (n *Notifier) Reset() {
	n.mu.Lock()
	n.seen = map[string]bool{}
	n.mu.Unlock()
}
