package social

import (
	"context"

	"github.com/and161185/livechat/internal/model"
	"github.com/and161185/livechat/internal/store"
)

// MarkRead flags one notification of the attached identity as read.
func (s *Service) MarkRead(ctx context.Context, id string) error {
	me, err := s.actor.RequireAttached()
	if err != nil {
		return err
	}
	if _, err := s.st.Get(ctx, store.Join("notifications", me.ID, id)); err != nil {
		return err
	}
	return s.st.Update(ctx, store.Join("notifications", me.ID, id), map[string]any{"read": true})
}

// ClearNotifications deletes every notification of the attached identity.
func (s *Service) ClearNotifications(ctx context.Context) error {
	me, err := s.actor.RequireAttached()
	if err != nil {
		return err
	}
	return s.st.Remove(ctx, store.Join("notifications", me.ID))
}

// Unread filters the unread notifications.
func Unread(ns []model.Notification) []model.Notification {
	var out []model.Notification
	for _, n := range ns {
		if !n.Read {
			out = append(out, n)
		}
	}
	return out
}
