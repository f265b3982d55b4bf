package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/and161185/livechat/internal/errs"
	"github.com/and161185/livechat/internal/model"
	"github.com/and161185/livechat/internal/store"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Limits on user supplied text.
const (
	MaxMessageLen  = 4000
	MaxRoomNameLen = 64
)

// Actor resolves the identity performing an operation. Implemented by
// session.Manager.
type Actor interface {
	RequireAttached() (model.Identity, error)
	RequireAdmin() (model.Identity, error)
}

// Config wires a Service.
type Config struct {
	Store store.Store
	Actor Actor
	// SendRate and SendBurst throttle outgoing messages. Zero disables throttling.
	SendRate  rate.Limit
	SendBurst int
	Logger    *zap.Logger
	Now       func() time.Time
}

// Service performs message and room mutations on behalf of the attached identity.
type Service struct {
	st    store.Store
	actor Actor
	lim   *rate.Limiter
	log   *zap.Logger
	now   func() time.Time

	mu     sync.Mutex
	lastTS int64
}

// NewService constructs a Service.
func NewService(cfg Config) *Service {
	s := &Service{st: cfg.Store, actor: cfg.Actor, log: cfg.Logger, now: cfg.Now}
	if cfg.SendRate > 0 {
		burst := cfg.SendBurst
		if burst <= 0 {
			burst = 1
		}
		s.lim = rate.NewLimiter(cfg.SendRate, burst)
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// stamp returns a millisecond timestamp strictly greater than the previous one.
func (s *Service) stamp() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.now().UnixMilli()
	if ts <= s.lastTS {
		ts = s.lastTS + 1
	}
	s.lastTS = ts
	return ts
}

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

func (s *Service) room(ctx context.Context, roomID string) (model.Room, error) {
	snap, err := s.st.Get(ctx, store.Join("rooms", roomID))
	if err != nil {
		return model.Room{}, err
	}
	if snap.Value == nil {
		return model.Room{}, fmt.Errorf("room %q: %w", roomID, errs.ErrNotFound)
	}
	return DecodeRoom(roomID, snap.Value)
}

// Send posts text to roomID and returns the new message id.
func (s *Service) Send(ctx context.Context, roomID, text string) (string, error) {
	t, err := cleanText(text, MaxMessageLen)
	if err != nil {
		return "", err
	}
	me, err := s.actor.RequireAttached()
	if err != nil {
		return "", err
	}
	if s.lim != nil && !s.lim.Allow() {
		return "", fmt.Errorf("sending too fast: %w", errs.ErrRateLimited)
	}
	room, err := s.room(ctx, roomID)
	if err != nil {
		return "", err
	}
	if !CanSee(room, me) {
		return "", fmt.Errorf("room %q: %w", roomID, errs.ErrUnauthorized)
	}

	msg := model.Message{RoomID: roomID, Author: me.Username, Text: t, TS: s.stamp()}
	key, err := s.st.Push(ctx, store.Join("msgs", roomID), msg)
	if err != nil {
		return "", err
	}
	if err := s.st.Update(ctx, store.Join("rooms", roomID), map[string]any{"lastMessageAt": msg.TS}); err != nil {
		return key, err
	}
	s.log.Debug("message sent", zap.String("room", roomID), zap.String("key", key))
	return key, nil
}

// message loads a message and checks that me may change it.
func (s *Service) message(ctx context.Context, me model.Identity, roomID, msgID string) (model.Message, error) {
	snap, err := s.st.Get(ctx, store.Join("msgs", roomID, msgID))
	if err != nil {
		return model.Message{}, err
	}
	m, err := model.DecodeMessage(roomID, msgID, snap.Value)
	if err != nil {
		return model.Message{}, err
	}
	if !CanModify(m, me) {
		return model.Message{}, fmt.Errorf("message %s/%s: %w", roomID, msgID, errs.ErrUnauthorized)
	}
	return m, nil
}

// CanModify reports whether id may edit or delete m.
func CanModify(m model.Message, id model.Identity) bool {
	return model.UsernameKey(m.Author) == model.UsernameKey(id.Username) || id.Role.IsModerator()
}

// Edit replaces the text of a message and marks it edited.
func (s *Service) Edit(ctx context.Context, roomID, msgID, text string) error {
	t, err := cleanText(text, MaxMessageLen)
	if err != nil {
		return err
	}
	me, err := s.actor.RequireAttached()
	if err != nil {
		return err
	}
	if _, err := s.message(ctx, me, roomID, msgID); err != nil {
		return err
	}
	return s.st.Update(ctx, store.Join("msgs", roomID, msgID), map[string]any{
		"text": t, "edited": true, "editedAt": s.now().UnixMilli(),
	})
}

// Delete removes a message outright.
func (s *Service) Delete(ctx context.Context, roomID, msgID string) error {
	me, err := s.actor.RequireAttached()
	if err != nil {
		return err
	}
	if _, err := s.message(ctx, me, roomID, msgID); err != nil {
		return err
	}
	return s.st.Remove(ctx, store.Join("msgs", roomID, msgID))
}

// RoomSpec describes a room to create.
type RoomSpec struct {
	Name        string
	Description string
	Type        string
	Icon        string
	Private     bool
	Members     []string
}

// CreateRoom creates a channel or group. Admin only.
func (s *Service) CreateRoom(ctx context.Context, spec RoomSpec) (model.Room, error) {
	me, err := s.actor.RequireAdmin()
	if err != nil {
		return model.Room{}, err
	}
	name, err := cleanText(spec.Name, MaxRoomNameLen)
	if err != nil {
		return model.Room{}, fmt.Errorf("name: %w", err)
	}
	typ := spec.Type
	if typ == "" {
		typ = model.RoomChannel
	}
	if typ != model.RoomChannel && typ != model.RoomGroup {
		return model.Room{}, fmt.Errorf("room type %q: %w", typ, errs.ErrInvalidInput)
	}
	icon := spec.Icon
	if icon == "" {
		icon = "#"
	}
	room := model.Room{
		Name:        name,
		Description: strings.TrimSpace(spec.Description),
		Type:        typ,
		Icon:        icon,
		Private:     spec.Private,
		CreatedBy:   me.ID,
		CreatedAt:   s.now().UnixMilli(),
	}
	if typ == model.RoomGroup || spec.Private || len(spec.Members) > 0 {
		room.Members = map[string]bool{me.ID: true}
		for _, m := range spec.Members {
			if k := model.UsernameKey(m); k != "" {
				room.Members[k] = true
			}
		}
	}
	key, err := s.st.Push(ctx, "rooms", room)
	if err != nil {
		return model.Room{}, err
	}
	room.ID = key
	s.log.Info("room created", zap.String("room", key), zap.String("type", typ))
	return room, nil
}

// RoomPatch changes room attributes. Nil fields are kept.
type RoomPatch struct {
	Name        *string
	Description *string
	Icon        *string
	Private     *bool
}

// UpdateRoom merges patch into the room. Admin only.
func (s *Service) UpdateRoom(ctx context.Context, roomID string, patch RoomPatch) error {
	if _, err := s.actor.RequireAdmin(); err != nil {
		return err
	}
	fields := map[string]any{}
	if patch.Name != nil {
		name, err := cleanText(*patch.Name, MaxRoomNameLen)
		if err != nil {
			return fmt.Errorf("name: %w", err)
		}
		fields["name"] = name
	}
	if patch.Description != nil {
		fields["description"] = strings.TrimSpace(*patch.Description)
	}
	if patch.Icon != nil {
		fields["icon"] = *patch.Icon
	}
	if patch.Private != nil {
		fields["private"] = *patch.Private
	}
	if len(fields) == 0 {
		return fmt.Errorf("nothing to update: %w", errs.ErrInvalidInput)
	}
	room, err := s.room(ctx, roomID)
	if err != nil {
		return err
	}
	if room.Type == model.RoomDM {
		return fmt.Errorf("direct conversations cannot be edited: %w", errs.ErrInvalidInput)
	}
	return s.st.Update(ctx, store.Join("rooms", roomID), fields)
}

// DeleteRoom removes a room and its messages. Admin only. Messages go first so
// that a failure leaves the room in place and the call can be retried.
func (s *Service) DeleteRoom(ctx context.Context, roomID string) error {
	if _, err := s.actor.RequireAdmin(); err != nil {
		return err
	}
	if _, err := s.room(ctx, roomID); err != nil {
		return err
	}
	if err := s.st.Remove(ctx, store.Join("msgs", roomID)); err != nil {
		return fmt.Errorf("remove messages: %w", err)
	}
	if err := s.st.Remove(ctx, store.Join("rooms", roomID)); err != nil {
		return fmt.Errorf("remove room: %w", err)
	}
	s.log.Info("room deleted", zap.String("room", roomID))
	return nil
}

// OpenDM returns the direct conversation with peer, creating it on first use.
func (s *Service) OpenDM(ctx context.Context, peer string) (model.Room, error) {
	me, err := s.actor.RequireAttached()
	if err != nil {
		return model.Room{}, err
	}
	pk := model.UsernameKey(peer)
	if pk == "" {
		return model.Room{}, fmt.Errorf("peer required: %w", errs.ErrInvalidInput)
	}
	if pk == me.ID {
		return model.Room{}, fmt.Errorf("cannot message yourself: %w", errs.ErrInvalidInput)
	}
	psnap, err := s.st.Get(ctx, store.Join("users", pk))
	if err != nil {
		return model.Room{}, err
	}
	other, err := model.DecodeIdentity(pk, psnap.Value)
	if err != nil {
		return model.Room{}, err
	}

	id := DMRoomID(me.ID, pk)
	room, err := s.room(ctx, id)
	if err == nil {
		return room, nil
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return model.Room{}, err
	}
	room = model.Room{
		Name:      me.Username + ", " + other.Username,
		Type:      model.RoomDM,
		Icon:      "@",
		Private:   true,
		Members:   map[string]bool{me.ID: true, pk: true},
		CreatedBy: me.ID,
		CreatedAt: s.now().UnixMilli(),
	}
	if err := s.st.Set(ctx, store.Join("rooms", id), room); err != nil {
		return model.Room{}, err
	}
	room.ID = id
	return room, nil
}

// JoinRoom adds the attached identity to a room. Private rooms need an admin.
func (s *Service) JoinRoom(ctx context.Context, roomID string) error {
	me, err := s.actor.RequireAttached()
	if err != nil {
		return err
	}
	room, err := s.room(ctx, roomID)
	if err != nil {
		return err
	}
	if room.Type == model.RoomDM || (room.Private && !me.Role.IsAdmin()) {
		return fmt.Errorf("room %q is private: %w", roomID, errs.ErrUnauthorized)
	}
	return s.st.Update(ctx, store.Join("rooms", roomID), map[string]any{"members/" + me.ID: true})
}

// LeaveRoom removes the attached identity from a room.
func (s *Service) LeaveRoom(ctx context.Context, roomID string) error {
	me, err := s.actor.RequireAttached()
	if err != nil {
		return err
	}
	room, err := s.room(ctx, roomID)
	if err != nil {
		return err
	}
	if room.Type == model.RoomDM {
		return fmt.Errorf("cannot leave a direct conversation: %w", errs.ErrInvalidInput)
	}
	if !room.HasMember(me.ID) {
		return nil
	}
	return s.st.Update(ctx, store.Join("rooms", roomID), map[string]any{"members/" + me.ID: nil})
}
