package admin

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/and161185/livechat/internal/codec"
	"github.com/and161185/livechat/internal/crypto/backupseal"
	"github.com/and161185/livechat/internal/errs"
	"github.com/and161185/livechat/internal/model"
	"github.com/and161185/livechat/internal/store"
	"github.com/and161185/livechat/internal/store/memstore"
	"github.com/stretchr/testify/require"
)

type fakeActor struct{ id *model.Identity }

var _ Actor = fakeActor{}

func (a fakeActor) RequireAdmin() (model.Identity, error) {
	if a.id == nil || !a.id.Role.IsAdmin() {
		return model.Identity{}, errs.ErrUnauthorized
	}
	return *a.id, nil
}

func actor(id string, role model.Role) fakeActor {
	return fakeActor{id: &model.Identity{ID: id, Username: id, Role: role}}
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func seeded(t *testing.T) *memstore.Store {
	t.Helper()
	st := memstore.New(nil)
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()
	for _, id := range []model.Identity{
		{ID: "root", Username: "root", Role: model.RoleOwner, Digest: "$argon2id$secret"},
		{ID: "adm", Username: "adm", Role: model.RoleAdmin},
		{ID: "ada", Username: "Ada", Role: model.RoleMember, Email: "ada@example.com", Online: true},
		{ID: "bob", Username: "bob", Role: model.RoleMember},
	} {
		require.NoError(t, st.Set(ctx, store.Join("users", id.ID), id))
	}
	require.NoError(t, st.Set(ctx, "rooms/general", model.Room{Name: "general", Type: model.RoomChannel}))
	require.NoError(t, st.Set(ctx, "rooms/random", model.Room{Name: "random", Type: model.RoomChannel}))
	require.NoError(t, st.Set(ctx, "msgs/general/m1", model.Message{RoomID: "general", Author: "ada", Text: "hi", TS: 1}))
	require.NoError(t, st.Set(ctx, "msgs/random/m1", model.Message{RoomID: "random", Author: "bob", Text: "yo", TS: 2}))
	return st
}

func identity(t *testing.T, st store.Store, key string) model.Identity {
	t.Helper()
	snap, err := st.Get(context.Background(), store.Join("users", key))
	require.NoError(t, err)
	id, err := model.DecodeIdentity(key, snap.Value)
	require.NoError(t, err)
	return id
}

func TestFailClosed_NoIdentityNoWrites(t *testing.T) {
	t.Parallel()
	st := seeded(t)
	ctx := context.Background()
	before := st.Writes()
	yes := true

	for _, a := range []fakeActor{{}, actor("ada", model.RoleMember), actor("mo", model.RoleMod)} {
		s := NewService(Config{Store: st, Actor: a})
		require.ErrorIs(t, s.Ban(ctx, "bob", "x"), errs.ErrUnauthorized)
		require.ErrorIs(t, s.Unban(ctx, "bob"), errs.ErrUnauthorized)
		require.ErrorIs(t, s.SetRole(ctx, "bob", model.RoleAdmin), errs.ErrUnauthorized)
		_, err := s.CreateInviteCode(ctx)
		require.ErrorIs(t, err, errs.ErrUnauthorized)
		_, err = s.ListInviteCodes(ctx)
		require.ErrorIs(t, err, errs.ErrUnauthorized)
		require.ErrorIs(t, s.RevokeInviteCode(ctx, "X"), errs.ErrUnauthorized)
		require.ErrorIs(t, s.UpdateSettings(ctx, SettingsPatch{MaintenanceMode: &yes}), errs.ErrUnauthorized)
		_, err = s.Prepare(OpDeleteAllMessages, "")
		require.ErrorIs(t, err, errs.ErrUnauthorized)
		require.ErrorIs(t, s.DeleteAllMessages(ctx, nil), errs.ErrUnauthorized)
		require.ErrorIs(t, s.ClearRoomMessages(ctx, nil), errs.ErrUnauthorized)
		require.ErrorIs(t, s.DeleteIdentity(ctx, nil), errs.ErrUnauthorized)
		_, err = s.Collect(ctx, "t1")
		require.ErrorIs(t, err, errs.ErrUnauthorized)
		require.ErrorIs(t, s.ExportBackup(&bytes.Buffer{}, Backup{}, ExportOptions{}), errs.ErrUnauthorized)
		_, err = s.Stats(ctx)
		require.ErrorIs(t, err, errs.ErrUnauthorized)
	}
	require.Equal(t, before, st.Writes())
}

func TestBanUnban(t *testing.T) {
	t.Parallel()
	st := seeded(t)
	ctx := context.Background()
	adm := NewService(Config{Store: st, Actor: actor("adm", model.RoleAdmin)})

	require.ErrorIs(t, adm.Ban(ctx, "ADM", "x"), errs.ErrSelfBan)
	require.ErrorIs(t, adm.Ban(ctx, "root", "x"), errs.ErrUnauthorized)
	require.ErrorIs(t, adm.Ban(ctx, "ghost", "x"), errs.ErrNotFound)

	require.NoError(t, st.Set(ctx, "online/ada", model.Presence{TS: 1, User: "ada"}))
	require.NoError(t, adm.Ban(ctx, "Ada", " spam "))
	id := identity(t, st, "ada")
	require.True(t, id.Banned)
	require.Equal(t, "spam", id.BanReason)
	require.Equal(t, "adm", id.BannedBy)
	require.NotZero(t, id.BannedAt)
	_, err := st.Get(ctx, "online/ada")
	require.ErrorIs(t, err, errs.ErrNotFound)

	require.NoError(t, adm.Unban(ctx, "ada"))
	id = identity(t, st, "ada")
	require.False(t, id.Banned)
	require.Empty(t, id.BanReason)
	require.Empty(t, id.BannedBy)
	require.Zero(t, id.BannedAt)
}

func TestSetRole_OwnerRulesAndLastAdmin(t *testing.T) {
	t.Parallel()
	st := seeded(t)
	ctx := context.Background()
	adm := NewService(Config{Store: st, Actor: actor("adm", model.RoleAdmin)})
	root := NewService(Config{Store: st, Actor: actor("root", model.RoleOwner)})

	require.ErrorIs(t, adm.SetRole(ctx, "bob", "god"), errs.ErrInvalidInput)
	require.ErrorIs(t, adm.SetRole(ctx, "bob", model.RoleOwner), errs.ErrUnauthorized)
	require.ErrorIs(t, adm.SetRole(ctx, "root", model.RoleMember), errs.ErrUnauthorized)

	require.NoError(t, adm.SetRole(ctx, "bob", model.RoleMod))
	require.Equal(t, model.RoleMod, identity(t, st, "bob").Role)

	require.NoError(t, root.SetRole(ctx, "adm", model.RoleMember))
	require.ErrorIs(t, root.SetRole(ctx, "root", model.RoleMember), errs.ErrLastAdmin)
	require.ErrorIs(t, root.SetRole(ctx, "root", model.RoleMember), errs.ErrConflict)
	require.Equal(t, model.RoleOwner, identity(t, st, "root").Role)
}

func TestSetRole_DemoteBannedAdmin(t *testing.T) {
	t.Parallel()
	st := seeded(t)
	ctx := context.Background()
	root := NewService(Config{Store: st, Actor: actor("root", model.RoleOwner)})

	require.NoError(t, root.Ban(ctx, "adm", "rogue"))
	require.NoError(t, root.SetRole(ctx, "adm", model.RoleMember))
	require.Equal(t, model.RoleMember, identity(t, st, "adm").Role)

	tk, err := root.Prepare(OpDeleteIdentity, "adm")
	require.NoError(t, err)
	tk.Confirm()
	require.NoError(t, root.DeleteIdentity(ctx, tk))
	_, err = st.Get(ctx, "users/adm")
	require.ErrorIs(t, err, errs.ErrNotFound)

	require.ErrorIs(t, root.SetRole(ctx, "root", model.RoleMember), errs.ErrLastAdmin)
}

func TestSetRole_ClearsLegacyFlag(t *testing.T) {
	t.Parallel()
	st := seeded(t)
	ctx := context.Background()
	require.NoError(t, st.Set(ctx, "users/old", map[string]any{"username": "old", "isAdmin": true}))

	root := NewService(Config{Store: st, Actor: actor("root", model.RoleOwner)})
	require.NoError(t, root.SetRole(ctx, "old", model.RoleMember))
	snap, err := st.Get(ctx, "users/old")
	require.NoError(t, err)
	require.Nil(t, codec.Field(snap.Value, "isAdmin"))
	require.Equal(t, model.RoleMember, identity(t, st, "old").Role)
}

func TestInviteCodes(t *testing.T) {
	t.Parallel()
	st := seeded(t)
	ctx := context.Background()
	c := &clock{t: time.UnixMilli(10)}
	adm := NewService(Config{Store: st, Actor: actor("adm", model.RoleAdmin), Now: c.now})

	first, err := adm.CreateInviteCode(ctx)
	require.NoError(t, err)
	require.Len(t, first.Code, 8)
	c.t = time.UnixMilli(20)
	second, err := adm.CreateInviteCode(ctx)
	require.NoError(t, err)

	codes, err := adm.ListInviteCodes(ctx)
	require.NoError(t, err)
	require.Len(t, codes, 2)
	require.Equal(t, second.Code, codes[0].Code)
	require.False(t, codes[0].Used)
	require.Equal(t, "adm", codes[0].CreatedBy)

	require.NoError(t, adm.RevokeInviteCode(ctx, strings.ToLower(first.Code)))
	require.ErrorIs(t, adm.RevokeInviteCode(ctx, first.Code), errs.ErrNotFound)
}

func TestUpdateSettings_MergesOverDefaults(t *testing.T) {
	t.Parallel()
	st := seeded(t)
	ctx := context.Background()
	adm := NewService(Config{Store: st, Actor: actor("adm", model.RoleAdmin)})
	yes, no := true, false

	require.ErrorIs(t, adm.UpdateSettings(ctx, SettingsPatch{}), errs.ErrInvalidInput)
	require.NoError(t, adm.UpdateSettings(ctx, SettingsPatch{RequireInviteCode: &yes}))

	var s model.ServerSettings
	snap, err := st.Get(ctx, "settings")
	require.NoError(t, err)
	require.NoError(t, codec.Unmarshal(snap.Value, &s))
	require.Equal(t, model.ServerSettings{RegistrationOpen: true, RequireInviteCode: true}, s)

	require.NoError(t, adm.UpdateSettings(ctx, SettingsPatch{RegistrationOpen: &no, MaintenanceMode: &yes}))
	snap, _ = st.Get(ctx, "settings")
	require.NoError(t, codec.Unmarshal(snap.Value, &s))
	require.Equal(t, model.ServerSettings{RequireInviteCode: true, MaintenanceMode: true}, s)
}

func TestDeleteAllMessages_NeedsTwoConfirmations(t *testing.T) {
	t.Parallel()
	st := seeded(t)
	ctx := context.Background()
	adm := NewService(Config{Store: st, Actor: actor("adm", model.RoleAdmin)})

	before := st.Writes()
	require.ErrorIs(t, adm.DeleteAllMessages(ctx, nil), errs.ErrNotConfirmed)
	tk, err := adm.Prepare(OpDeleteAllMessages, "ignored")
	require.NoError(t, err)
	require.Equal(t, 1, tk.Confirm())
	require.ErrorIs(t, adm.DeleteAllMessages(ctx, tk), errs.ErrNotConfirmed)
	require.Equal(t, before, st.Writes())

	require.Equal(t, 0, tk.Confirm())
	other := NewService(Config{Store: st, Actor: actor("root", model.RoleOwner)})
	require.ErrorIs(t, other.DeleteAllMessages(ctx, tk), errs.ErrNotConfirmed, "ticket of another admin")
	require.ErrorIs(t, adm.ClearRoomMessages(ctx, tk), errs.ErrNotConfirmed, "ticket for another op")

	require.NoError(t, adm.DeleteAllMessages(ctx, tk))
	_, err = st.Get(ctx, "msgs")
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.ErrorIs(t, adm.DeleteAllMessages(ctx, tk), errs.ErrNotConfirmed, "ticket reuse")
}

func TestClearRoomMessages_TicketExpires(t *testing.T) {
	t.Parallel()
	st := seeded(t)
	ctx := context.Background()
	c := &clock{t: time.Unix(0, 0)}
	adm := NewService(Config{Store: st, Actor: actor("adm", model.RoleAdmin), Now: c.now, TicketTTL: time.Minute})

	_, err := adm.Prepare(OpClearRoomMessages, "")
	require.ErrorIs(t, err, errs.ErrInvalidInput)

	tk, err := adm.Prepare(OpClearRoomMessages, "general")
	require.NoError(t, err)
	tk.Confirm()
	c.t = c.t.Add(2 * time.Minute)
	require.ErrorIs(t, adm.ClearRoomMessages(ctx, tk), errs.ErrNotConfirmed)

	tk, _ = adm.Prepare(OpClearRoomMessages, "general")
	tk.Confirm()
	require.NoError(t, adm.ClearRoomMessages(ctx, tk))
	_, err = st.Get(ctx, "msgs/general")
	require.ErrorIs(t, err, errs.ErrNotFound)
	_, err = st.Get(ctx, "msgs/random/m1")
	require.NoError(t, err)
}

func TestDeleteIdentity_PurgesAndProtectsAdmins(t *testing.T) {
	t.Parallel()
	st := seeded(t)
	ctx := context.Background()
	adm := NewService(Config{Store: st, Actor: actor("adm", model.RoleAdmin)})

	tk, err := adm.Prepare(OpDeleteIdentity, "root")
	require.NoError(t, err)
	tk.Confirm()
	require.ErrorIs(t, adm.DeleteIdentity(ctx, tk), errs.ErrProtectedIdentity)

	emailPath := "emails/" + model.EmailKey("ada@example.com")
	for path, v := range map[string]any{
		"usernames/ada":        map[string]any{"uid": "ada"},
		emailPath:              map[string]any{"uid": "ada"},
		"friends/ada/bob":      model.FriendEdge{Status: model.FriendAccepted, FromID: "ada"},
		"friends/bob/ada":      model.FriendEdge{Status: model.FriendAccepted, FromID: "ada"},
		"notifications/ada/n1": model.Notification{Type: model.NotifyFriendAccept},
		"fcmTokens/ada":        model.PushToken{Token: "tok"},
		"online/ada":           model.Presence{TS: 1, User: "ada"},
	} {
		require.NoError(t, st.Set(ctx, path, v))
	}

	tk, err = adm.Prepare(OpDeleteIdentity, "ADA")
	require.NoError(t, err)
	require.ErrorIs(t, adm.DeleteIdentity(ctx, tk), errs.ErrNotConfirmed)
	tk.Confirm()
	require.NoError(t, adm.DeleteIdentity(ctx, tk))

	for _, p := range []string{"users/ada", "usernames/ada", emailPath,
		"friends/ada", "friends/bob/ada", "notifications/ada", "fcmTokens/ada", "online/ada"} {
		_, err := st.Get(ctx, p)
		require.ErrorIs(t, err, errs.ErrNotFound, p)
	}
	_, err = st.Get(ctx, "users/bob")
	require.NoError(t, err)
}

func TestBackup_CollectExportDecode(t *testing.T) {
	t.Parallel()
	st := seeded(t)
	ctx := context.Background()
	adm := NewService(Config{Store: st, Actor: actor("adm", model.RoleAdmin)})

	_, err := adm.CreateInviteCode(ctx)
	require.NoError(t, err)
	b, err := adm.Collect(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, b.Users, 4)
	require.Len(t, b.Rooms, 2)
	require.Equal(t, "hi", b.Messages["general"]["m1"].Text)
	require.Len(t, b.InviteCodes, 1)
	require.True(t, b.Settings.RegistrationOpen)

	for _, f := range []Format{FormatJSON, FormatYAML} {
		var buf bytes.Buffer
		require.NoError(t, adm.ExportBackup(&buf, b, ExportOptions{Format: f}))
		require.NotContains(t, buf.String(), "argon2id", "digests must be redacted")

		got, err := Decode(buf.Bytes(), "")
		require.NoError(t, err, f)
		require.Equal(t, BackupVersion, got.Version)
		require.Equal(t, "t1", got.Tenant)
		require.Equal(t, "adm", got.ExportedBy)
		require.Len(t, got.Users, 4)
		require.Equal(t, "yo", got.Messages["random"]["m1"].Text)
	}
	_, err = Encode(b, "xml")
	require.ErrorIs(t, err, errs.ErrInvalidInput)

	var sealed bytes.Buffer
	require.NoError(t, adm.ExportBackup(&sealed, b, ExportOptions{Format: FormatJSON, Passphrase: "correct horse", IncludeDigests: true}))
	require.True(t, backupseal.IsSealed(sealed.Bytes()))
	_, err = Decode(sealed.Bytes(), "wrong")
	require.ErrorIs(t, err, backupseal.ErrWrongPassphrase)
	got, err := Decode(sealed.Bytes(), "correct horse")
	require.NoError(t, err)
	var digest string
	for _, u := range got.Users {
		if u.ID == "root" {
			digest = u.Digest
		}
	}
	require.Equal(t, "$argon2id$secret", digest)
}

func TestStats(t *testing.T) {
	t.Parallel()
	st := seeded(t)
	ctx := context.Background()
	require.NoError(t, st.Set(ctx, "forum/p1", model.ForumPost{Text: "x"}))

	s, err := NewService(Config{Store: st, Actor: actor("adm", model.RoleAdmin)}).Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, Stats{Users: 4, Online: 1, Admins: 2, Rooms: 2, Posts: 1}, s)
}
