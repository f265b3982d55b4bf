package model

import "github.com/and161185/livechat/internal/codec"

// DecodeIdentity decodes a users/<key> record and normalizes older shapes:
// the boolean isAdmin flag maps to RoleAdmin, a missing role to RoleMember,
// and a missing id to the record key.
func DecodeIdentity(key string, raw []byte) (Identity, error) {
	var id Identity
	if err := codec.Unmarshal(raw, &id); err != nil {
		return Identity{}, err
	}
	if id.ID == "" {
		id.ID = key
	}
	if id.Username == "" {
		id.Username = key
	}
	switch {
	case id.Role.Valid():
	case id.LegacyAdmin:
		id.Role = RoleAdmin
	default:
		id.Role = RoleMember
	}
	id.LegacyAdmin = false
	return id, nil
}

// DecodeMessage decodes a message record keyed by key inside roomID.
func DecodeMessage(roomID, key string, raw []byte) (Message, error) {
	var m Message
	if err := codec.Unmarshal(raw, &m); err != nil {
		return Message{}, err
	}
	m.ID = key
	if m.RoomID == "" {
		m.RoomID = roomID
	}
	return m, nil
}
