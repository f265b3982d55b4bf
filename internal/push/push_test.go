package push

import (
	"context"
	"errors"
	"testing"

	"github.com/and161185/livechat/internal/codec"
	"github.com/and161185/livechat/internal/localstate"
	"github.com/and161185/livechat/internal/model"
	"github.com/and161185/livechat/internal/store/memstore"
	"github.com/stretchr/testify/require"
)

type fakeGateway struct {
	token   string
	denied  bool
	fail    bool
	payload []Payload
}

var _ Gateway = (*fakeGateway)(nil)

func (g *fakeGateway) RequestPermission(context.Context) (string, error) {
	if g.denied {
		return "", ErrDenied
	}
	return g.token, nil
}

func (g *fakeGateway) Deliver(p Payload) error {
	if g.fail {
		return errors.New("no display")
	}
	g.payload = append(g.payload, p)
	return nil
}

func (g *fakeGateway) Platform() string { return "test" }

func TestEnable_SavesToken(t *testing.T) {
	t.Parallel()
	st := memstore.New(nil)
	defer st.Close()
	ctx := context.Background()
	r := NewRegistrar(st)

	_, err := Enable(ctx, &fakeGateway{denied: true}, r, "ada")
	require.ErrorIs(t, err, ErrDenied)
	require.Zero(t, st.Writes())

	tok, err := Enable(ctx, &fakeGateway{token: "tok-1"}, r, "ada")
	require.NoError(t, err)
	require.Equal(t, "tok-1", tok)

	snap, err := st.Get(ctx, "fcmTokens/ada")
	require.NoError(t, err)
	var pt model.PushToken
	require.NoError(t, codec.Unmarshal(snap.Value, &pt))
	require.Equal(t, "tok-1", pt.Token)
	require.Equal(t, "test", pt.Platform)
	require.NotZero(t, pt.UpdatedAt)

	require.NoError(t, r.RemoveToken(ctx, "ada"))
	_, err = Enable(ctx, Disabled{}, r, "ada")
	require.ErrorIs(t, err, ErrDenied)
}

func TestDesktop_TokenAndDeliver(t *testing.T) {
	t.Parallel()
	d := NewDesktop(localstate.New(t.TempDir()), "")
	var got []string
	d.notify = func(title, body, _ string) error {
		got = append(got, title+"|"+body)
		return nil
	}

	a, err := d.RequestPermission(context.Background())
	require.NoError(t, err)
	b, err := d.RequestPermission(context.Background())
	require.NoError(t, err)
	require.Equal(t, a, b)

	require.NoError(t, d.Deliver(Payload{Title: "t", Body: "b"}))
	require.Equal(t, []string{"t|b"}, got)
}

func TestNotifier_DeliversUnreadOnce(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{}
	n := NewNotifier(gw, nil)

	ns := []model.Notification{
		{ID: "1", Type: model.NotifyFriendRequest, FromName: "Ada"},
		{ID: "2", Type: model.NotifyFriendAccept, FromName: "Bob", Read: true},
	}
	require.Equal(t, 1, n.Handle(ns))
	require.Equal(t, 0, n.Handle(ns))
	require.Equal(t, "Friend request", gw.payload[0].Title)
	require.Contains(t, gw.payload[0].Body, "Ada")

	gw.fail = true
	ns = append(ns, model.Notification{ID: "3", Type: model.NotifyFriendAccept, FromName: "Eve"})
	require.Equal(t, 0, n.Handle(ns))
	gw.fail = false
	require.Equal(t, 1, n.Handle(ns), "failed delivery is retried")

	n.Reset()
	require.Equal(t, 2, n.Handle(ns))
}
