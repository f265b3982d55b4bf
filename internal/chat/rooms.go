package chat

import (
	"cmp"
	"slices"
	"strings"

	"github.com/and161185/livechat/internal/codec"
	"github.com/and161185/livechat/internal/model"
)

// DecodeRoom decodes a rooms/<key> record.
func DecodeRoom(key string, raw []byte) (model.Room, error) {
	var r model.Room
	if err := codec.Unmarshal(raw, &r); err != nil {
		return model.Room{}, err
	}
	r.ID = key
	return r, nil
}

// DMRoomID returns the deterministic id of the direct conversation between a and b.
func DMRoomID(a, b string) string {
	a, b = model.UsernameKey(a), model.UsernameKey(b)
	if b < a {
		a, b = b, a
	}
	return "dm_" + a + "_" + b
}

// CanSee reports whether id may list and read room.
func CanSee(room model.Room, id model.Identity) bool {
	if room.Type == model.RoomDM {
		return room.HasMember(id.ID)
	}
	return !room.Private || room.HasMember(id.ID) || id.Role.IsAdmin()
}

// VisibleRooms filters rooms down to those id may see: channels first, then
// groups, then direct conversations by latest activity.
func VisibleRooms(rooms []model.Room, id model.Identity) []model.Room {
	out := make([]model.Room, 0, len(rooms))
	for _, r := range rooms {
		if CanSee(r, id) {
			out = append(out, r)
		}
	}
	rank := map[string]int{model.RoomChannel: 0, model.RoomGroup: 1, model.RoomDM: 2}
	slices.SortStableFunc(out, func(a, b model.Room) int {
		if c := cmp.Compare(rank[a.Type], rank[b.Type]); c != 0 {
			return c
		}
		if a.Type == model.RoomDM {
			return cmp.Compare(b.LastMessageAt, a.LastMessageAt)
		}
		return cmp.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
	})
	return out
}

// Members resolves the identities that belong to room. Open rooms include every
// identity that is not banned. Online identities sort first, then by username.
func Members(room model.Room, users []model.Identity) []model.Identity {
	open := room.Type == model.RoomChannel && !room.Private
	out := make([]model.Identity, 0, len(room.Members))
	for _, u := range users {
		if u.Banned {
			continue
		}
		if open || room.HasMember(u.ID) {
			out = append(out, u)
		}
	}
	slices.SortStableFunc(out, func(a, b model.Identity) int {
		if a.Online != b.Online {
			if a.Online {
				return -1
			}
			return 1
		}
		return cmp.Compare(model.UsernameKey(a.Username), model.UsernameKey(b.Username))
	})
	return out
}

// DMPeer returns the other participant of a direct conversation.
func DMPeer(room model.Room, me string) string {
	for id := range room.Members {
		if id != me {
			return id
		}
	}
	return me
}
