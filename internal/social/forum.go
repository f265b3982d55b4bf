package social

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/and161185/livechat/internal/errs"
	"github.com/and161185/livechat/internal/model"
	"github.com/and161185/livechat/internal/store"
)

// ForumPath is the collection holding forum posts.
const ForumPath = "forum"

// Text limits for forum content.
const (
	MaxPostLen    = 2000
	MaxCommentLen = 1000
)

func cleanText(text string, max int) (string, error) {
	t := strings.TrimSpace(text)
	if t == "" {
		return "", fmt.Errorf("empty text: %w", errs.ErrInvalidInput)
	}
	if utf8.RuneCountInString(t) > max {
		return "", fmt.Errorf("text longer than %d characters: %w", max, errs.ErrInvalidInput)
	}
	return t, nil
}

func (s *Service) post(ctx context.Context, id string) (model.ForumPost, error) {
	snap, err := s.st.Get(ctx, store.Join(ForumPath, id))
	if err != nil {
		return model.ForumPost{}, err
	}
	if snap.Value == nil {
		return model.ForumPost{}, fmt.Errorf("post %q: %w", id, errs.ErrNotFound)
	}
	return DecodePost(id, snap.Value)
}

// CreatePost publishes text and returns the post id.
func (s *Service) CreatePost(ctx context.Context, text string) (string, error) {
	t, err := cleanText(text, MaxPostLen)
	if err != nil {
		return "", err
	}
	me, err := s.actor.RequireAttached()
	if err != nil {
		return "", err
	}
	return s.st.Push(ctx, ForumPath, model.ForumPost{
		AuthorID: me.ID, AuthorName: me.Username, Text: t, Timestamp: s.ms(),
	})
}

// ToggleLike likes the post, or takes the like back. It reports the new state.
func (s *Service) ToggleLike(ctx context.Context, postID string) (bool, error) {
	me, err := s.actor.RequireAttached()
	if err != nil {
		return false, err
	}
	p, err := s.post(ctx, postID)
	if err != nil {
		return false, err
	}
	liked := !p.Likes[me.ID]
	var v any
	if liked {
		v = true
	}
	if err := s.st.Update(ctx, store.Join(ForumPath, postID), map[string]any{"likes/" + me.ID: v}); err != nil {
		return false, err
	}
	return liked, nil
}

// Comment appends a reply to a post and returns its key.
func (s *Service) Comment(ctx context.Context, postID, text string) (string, error) {
	t, err := cleanText(text, MaxCommentLen)
	if err != nil {
		return "", err
	}
	me, err := s.actor.RequireAttached()
	if err != nil {
		return "", err
	}
	if _, err := s.post(ctx, postID); err != nil {
		return "", err
	}
	key, err := store.NewKey()
	if err != nil {
		return "", err
	}
	c := model.Comment{AuthorID: me.ID, AuthorName: me.Username, Text: t, Timestamp: s.ms()}
	if err := s.st.Update(ctx, store.Join(ForumPath, postID), map[string]any{"comments/" + key: c}); err != nil {
		return "", err
	}
	return key, nil
}

// DeletePost removes a post with its likes and comments. Only the author or a
// moderator may do so.
func (s *Service) DeletePost(ctx context.Context, postID string) error {
	me, err := s.actor.RequireAttached()
	if err != nil {
		return err
	}
	p, err := s.post(ctx, postID)
	if err != nil {
		return err
	}
	if p.AuthorID != me.ID && !me.Role.IsModerator() {
		return fmt.Errorf("post %q: %w", postID, errs.ErrUnauthorized)
	}
	return s.st.Remove(ctx, store.Join(ForumPath, postID))
}

// Comments returns the replies of p in ascending time order.
func Comments(p model.ForumPost) []model.Comment {
	out := make([]model.Comment, 0, len(p.Comments))
	for _, c := range p.Comments {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b model.Comment) int {
		if c := cmp.Compare(a.Timestamp, b.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}
