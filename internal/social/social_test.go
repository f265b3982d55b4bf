package social

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/and161185/livechat/internal/errs"
	"github.com/and161185/livechat/internal/model"
	"github.com/and161185/livechat/internal/store"
	"github.com/and161185/livechat/internal/store/memstore"
	"github.com/stretchr/testify/require"
)

type fakeActor struct{ id *model.Identity }

var _ Actor = fakeActor{}

func (a fakeActor) RequireAttached() (model.Identity, error) {
	if a.id == nil {
		return model.Identity{}, errs.ErrUnauthorized
	}
	return *a.id, nil
}

func as(id string, role model.Role) fakeActor {
	return fakeActor{id: &model.Identity{ID: id, Username: strings.ToUpper(id[:1]) + id[1:], Role: role}}
}

// failingStore fails Update on one path.
type failingStore struct {
	*memstore.Store
	failPath string
}

func (f *failingStore) Update(ctx context.Context, path string, fields map[string]any) error {
	if path == f.failPath {
		return errs.ErrRemoteUnavailable
	}
	return f.Store.Update(ctx, path, fields)
}

func newStore(t *testing.T, users ...string) *memstore.Store {
	t.Helper()
	st := memstore.New(nil)
	t.Cleanup(func() { _ = st.Close() })
	for _, u := range users {
		require.NoError(t, st.Set(context.Background(), store.Join("users", u), model.Identity{ID: u, Username: u}))
	}
	return st
}

func svc(st store.Store, a Actor) *Service {
	fixed := time.UnixMilli(1_000)
	return NewService(Config{Store: st, Actor: a, Now: func() time.Time { return fixed }})
}

func edge(t *testing.T, st store.Store, owner, peer string) (model.FriendEdge, bool) {
	t.Helper()
	snap, err := st.Get(context.Background(), store.Join("friends", owner, peer))
	if errors.Is(err, errs.ErrNotFound) {
		return model.FriendEdge{}, false
	}
	require.NoError(t, err)
	e, err := DecodeEdge(peer, snap.Value)
	require.NoError(t, err)
	return e, true
}

func TestFriends_AcceptIsSymmetric(t *testing.T) {
	t.Parallel()
	st := newStore(t, "ada", "bob")
	ctx := context.Background()

	require.NoError(t, svc(st, as("ada", model.RoleMember)).SendRequest(ctx, "Bob"))
	for _, pair := range [][2]string{{"ada", "bob"}, {"bob", "ada"}} {
		e, ok := edge(t, st, pair[0], pair[1])
		require.True(t, ok)
		require.Equal(t, model.FriendPending, e.Status)
		require.Equal(t, "ada", e.FromID)
	}
	snap, err := st.Get(ctx, "notifications/bob")
	require.NoError(t, err)
	require.Len(t, snap.Children, 1)

	require.ErrorIs(t, svc(st, as("ada", model.RoleMember)).SendRequest(ctx, "bob"), errs.ErrConflict)
	require.ErrorIs(t, svc(st, as("ada", model.RoleMember)).Accept(ctx, "bob"), errs.ErrConflict, "own request")

	require.NoError(t, svc(st, as("bob", model.RoleMember)).Accept(ctx, "ada"))
	for _, pair := range [][2]string{{"ada", "bob"}, {"bob", "ada"}} {
		e, ok := edge(t, st, pair[0], pair[1])
		require.True(t, ok)
		require.Equal(t, model.FriendAccepted, e.Status)
	}
	require.NoError(t, svc(st, as("bob", model.RoleMember)).Accept(ctx, "ada"), "accepting twice")
}

func TestFriends_RejectRemovesBothSides(t *testing.T) {
	t.Parallel()
	st := newStore(t, "ada", "bob")
	ctx := context.Background()

	require.NoError(t, svc(st, as("ada", model.RoleMember)).SendRequest(ctx, "bob"))
	require.NoError(t, svc(st, as("bob", model.RoleMember)).Reject(ctx, "ada"))
	_, ok := edge(t, st, "ada", "bob")
	require.False(t, ok)
	_, ok = edge(t, st, "bob", "ada")
	require.False(t, ok)
	require.NoError(t, svc(st, as("bob", model.RoleMember)).Reject(ctx, "ada"), "reject is idempotent")
}

func TestFriends_AcceptCompensatesPartialFailure(t *testing.T) {
	t.Parallel()
	mem := newStore(t, "ada", "bob")
	ctx := context.Background()
	require.NoError(t, svc(mem, as("ada", model.RoleMember)).SendRequest(ctx, "bob"))

	fs := &failingStore{Store: mem, failPath: "friends/ada/bob"}
	err := svc(fs, as("bob", model.RoleMember)).Accept(ctx, "ada")
	require.ErrorIs(t, err, errs.ErrRemoteUnavailable)

	mine, _ := edge(t, mem, "bob", "ada")
	theirs, _ := edge(t, mem, "ada", "bob")
	require.Equal(t, model.FriendPending, mine.Status, "first write not reverted")
	require.Equal(t, model.FriendPending, theirs.Status)
}

func TestFriends_Validation(t *testing.T) {
	t.Parallel()
	st := newStore(t, "ada")
	ctx := context.Background()

	require.ErrorIs(t, svc(st, as("ada", model.RoleMember)).SendRequest(ctx, "ADA"), errs.ErrInvalidInput)
	require.ErrorIs(t, svc(st, as("ada", model.RoleMember)).SendRequest(ctx, "ghost"), errs.ErrNotFound)
	require.ErrorIs(t, svc(st, fakeActor{}).SendRequest(ctx, "ada"), errs.ErrUnauthorized)
	require.ErrorIs(t, svc(st, as("ada", model.RoleMember)).Accept(ctx, "ghost"), errs.ErrNotFound)
}

func TestPartitionAndSearch(t *testing.T) {
	t.Parallel()

	edges := []model.FriendEdge{
		{Peer: "zed", Status: model.FriendAccepted, FromID: "ada"},
		{Peer: "bob", Status: model.FriendPending, FromID: "bob"},
		{Peer: "eve", Status: model.FriendPending, FromID: "ada"},
	}
	c := Partition(edges, "ada")
	require.Len(t, c.Friends, 1)
	require.Equal(t, "bob", c.Incoming[0].Peer)
	require.Equal(t, "eve", c.Outgoing[0].Peer)

	users := []model.Identity{
		{ID: "ada", Username: "Ada"},
		{ID: "adam", Username: "Adam"},
		{ID: "madeline", Username: "Madeline"},
		{ID: "badguy", Username: "BADguy", Banned: true},
		{ID: "bob", Username: "bob"},
	}
	_, err := SearchUsers(users, edges, "ada", "a")
	require.ErrorIs(t, err, errs.ErrInvalidInput)

	got, err := SearchUsers(users, edges, "ada", "AD")
	require.NoError(t, err)
	var ids []string
	for _, u := range got {
		ids = append(ids, u.ID)
	}
	require.Equal(t, []string{"adam", "madeline"}, ids)
}

func TestForum_PostLikeCommentDelete(t *testing.T) {
	t.Parallel()
	st := newStore(t)
	ctx := context.Background()
	ada := svc(st, as("ada", model.RoleMember))

	_, err := ada.CreatePost(ctx, " ")
	require.ErrorIs(t, err, errs.ErrInvalidInput)
	_, err = ada.CreatePost(ctx, strings.Repeat("x", MaxPostLen+1))
	require.ErrorIs(t, err, errs.ErrInvalidInput)

	id, err := ada.CreatePost(ctx, "hello forum")
	require.NoError(t, err)

	liked, err := svc(st, as("bob", model.RoleMember)).ToggleLike(ctx, id)
	require.NoError(t, err)
	require.True(t, liked)

	_, err = svc(st, as("bob", model.RoleMember)).Comment(ctx, id, "first")
	require.NoError(t, err)
	_, err = ada.Comment(ctx, id, "second")
	require.NoError(t, err)

	snap, err := st.Get(ctx, "forum/"+id)
	require.NoError(t, err)
	p, err := DecodePost(id, snap.Value)
	require.NoError(t, err)
	require.Equal(t, "hello forum", p.Text)
	require.True(t, p.Likes["bob"])
	cs := Comments(p)
	require.Len(t, cs, 2)
	require.Equal(t, "first", cs[0].Text)
	require.NotEmpty(t, cs[0].ID)

	liked, err = svc(st, as("bob", model.RoleMember)).ToggleLike(ctx, id)
	require.NoError(t, err)
	require.False(t, liked)

	require.ErrorIs(t, svc(st, as("bob", model.RoleMember)).DeletePost(ctx, id), errs.ErrUnauthorized)
	require.NoError(t, svc(st, as("mo", model.RoleMod)).DeletePost(ctx, id))
	_, err = ada.Comment(ctx, id, "late")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestNotifications_MarkReadAndClear(t *testing.T) {
	t.Parallel()
	st := newStore(t, "ada", "bob")
	ctx := context.Background()
	require.NoError(t, svc(st, as("ada", model.RoleMember)).SendRequest(ctx, "bob"))

	bob := svc(st, as("bob", model.RoleMember))
	snap, err := st.Get(ctx, "notifications/bob")
	require.NoError(t, err)
	key := snap.Children[0].Key
	n, err := DecodeNotification(key, snap.Children[0].Value)
	require.NoError(t, err)
	require.Equal(t, model.NotifyFriendRequest, n.Type)
	require.Len(t, Unread([]model.Notification{n}), 1)

	require.NoError(t, bob.MarkRead(ctx, key))
	require.ErrorIs(t, bob.MarkRead(ctx, "missing"), errs.ErrNotFound)
	snap, _ = st.Get(ctx, "notifications/bob/"+key)
	n, _ = DecodeNotification(key, snap.Value)
	require.True(t, n.Read)

	require.NoError(t, bob.ClearNotifications(ctx))
	_, err = st.Get(ctx, "notifications/bob")
	require.ErrorIs(t, err, errs.ErrNotFound)
}
