// Package social implements friendships, the tenant forum and in-app
// notifications.
package social

import (
	"time"

	"github.com/and161185/livechat/internal/codec"
	"github.com/and161185/livechat/internal/model"
	"github.com/and161185/livechat/internal/store"
	"go.uber.org/zap"
)

// Actor resolves the identity performing an operation.
type Actor interface {
	RequireAttached() (model.Identity, error)
}

// Config wires a Service.
type Config struct {
	Store  store.Store
	Actor  Actor
	Logger *zap.Logger
	Now    func() time.Time
}

// Service performs social mutations for the attached identity.
type Service struct {
	st    store.Store
	actor Actor
	log   *zap.Logger
	now   func() time.Time
}

// NewService constructs a Service.
func NewService(cfg Config) *Service {
	s := &Service{st: cfg.Store, actor: cfg.Actor, log: cfg.Logger, now: cfg.Now}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *Service) ms() int64 { return s.now().UnixMilli() }

// DecodeEdge decodes friends/<me>/<peer>.
func DecodeEdge(key string, raw []byte) (model.FriendEdge, error) {
	var e model.FriendEdge
	if err := codec.Unmarshal(raw, &e); err != nil {
		return model.FriendEdge{}, err
	}
	e.Peer = key
	return e, nil
}

// DecodePost decodes forum/<id>.
func DecodePost(key string, raw []byte) (model.ForumPost, error) {
	var p model.ForumPost
	if err := codec.Unmarshal(raw, &p); err != nil {
		return model.ForumPost{}, err
	}
	p.ID = key
	for k, c := range p.Comments {
		c.ID = k
		p.Comments[k] = c
	}
	return p, nil
}

// DecodeNotification decodes notifications/<me>/<id>.
func DecodeNotification(key string, raw []byte) (model.Notification, error) {
	var n model.Notification
	if err := codec.Unmarshal(raw, &n); err != nil {
		return model.Notification{}, err
	}
	n.ID = key
	return n, nil
}
