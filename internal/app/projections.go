package app

import (
	"context"
	"fmt"
	"io"

	"github.com/and161185/livechat/internal/admin"
	"github.com/and161185/livechat/internal/chat"
	"github.com/and161185/livechat/internal/errs"
	"github.com/and161185/livechat/internal/livesync"
	"github.com/and161185/livechat/internal/model"
	"github.com/and161185/livechat/internal/social"
)

// Users returns the users projection.
func (a *App) Users() []model.Identity {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.users.Values()
}

// User looks an identity up in the users projection by id.
func (a *App) User(id string) (model.Identity, bool) {
	key := model.UsernameKey(id)
	for _, u := range a.Users() {
		if u.ID == key {
			return u, true
		}
	}
	return model.Identity{}, false
}

// Settings returns the tenant settings, defaults when none are stored.
func (a *App) Settings() model.ServerSettings {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.settings.Value
}

// Rooms returns the rooms the attached identity can see, channels first.
func (a *App) Rooms() []model.Room {
	me, ok := a.Session.Current()
	if !ok {
		return nil
	}
	a.mu.Lock()
	rooms := a.rooms.Values()
	a.mu.Unlock()
	return chat.VisibleRooms(rooms, me)
}

func (a *App) room(id string) (model.Room, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, it := range a.rooms.Items {
		if it.Key == id {
			return it.Value, true
		}
	}
	return model.Room{}, false
}

// Members returns the live member identities of roomID.
func (a *App) Members(roomID string) ([]model.Identity, error) {
	room, ok := a.room(roomID)
	if !ok {
		return nil, fmt.Errorf("room %q: %w", roomID, errs.ErrNotFound)
	}
	return chat.Members(room, a.Users()), nil
}

// RoomsState reports the freshness of the rooms projection.
func (a *App) RoomsState() (livesync.State, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rooms.State, a.rooms.Err
}

// Friends partitions the friend edges of the attached identity.
func (a *App) Friends() social.Circle {
	me, ok := a.Session.Current()
	if !ok {
		return social.Circle{}
	}
	a.mu.Lock()
	edges := a.friends.Values()
	a.mu.Unlock()
	return social.Partition(edges, me.ID)
}

// SearchUsers finds identities the attached identity could befriend.
func (a *App) SearchUsers(query string) ([]model.Identity, error) {
	me, err := a.Session.RequireAttached()
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	edges := a.friends.Values()
	a.mu.Unlock()
	return social.SearchUsers(a.Users(), edges, me.ID, query)
}

// Posts returns the forum, newest first.
func (a *App) Posts() []model.ForumPost {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.posts.Values()
}

// Notifications returns the notifications of the attached identity, newest first.
func (a *App) Notifications() []model.Notification {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.notes.Values()
}

// Stats summarizes the tenant from the live projections.
func (a *App) Stats() (admin.Stats, error) {
	if _, err := a.Session.RequireAdmin(); err != nil {
		return admin.Stats{}, err
	}
	a.mu.Lock()
	rooms, posts := len(a.rooms.Items), len(a.posts.Items)
	a.mu.Unlock()
	return admin.Summarize(a.Users(), rooms, posts), nil
}

// ExportBackup writes a backup of the whole tenant to w.
func (a *App) ExportBackup(ctx context.Context, w io.Writer, opt admin.ExportOptions) error {
	b, err := a.Admin.Collect(ctx, a.tenant.ID)
	if err != nil {
		return err
	}
	return a.Admin.ExportBackup(w, b, opt)
}
