// Package model defines the tenant-scoped entities mirrored from the realtime store.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Role is the privilege level of an identity.
type Role string

const (
	RoleMember Role = "member"
	RoleMod    Role = "mod"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleMember, RoleMod, RoleAdmin, RoleOwner:
		return true
	}
	return false
}

// IsAdmin reports whether r carries administrative privileges.
func (r Role) IsAdmin() bool { return r == RoleAdmin || r == RoleOwner }

// IsModerator reports whether r may moderate content.
func (r Role) IsModerator() bool { return r == RoleMod || r.IsAdmin() }

// Presence status values an identity may choose.
const (
	StatusOnline    = "online"
	StatusAway      = "away"
	StatusBusy      = "busy"
	StatusInvisible = "invisible"
)

// ValidStatus reports whether s is a selectable presence status.
func ValidStatus(s string) bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy, StatusInvisible:
		return true
	}
	return false
}

// Identity is an application-level account inside one tenant.
// Timestamps are Unix milliseconds.
type Identity struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Digest    string `json:"passwordHash,omitempty"`
	Email     string `json:"email,omitempty"`
	Role      Role   `json:"role"`
	Banned    bool   `json:"banned,omitempty"`
	BanReason string `json:"banReason,omitempty"`
	BannedBy  string `json:"bannedBy,omitempty"`
	BannedAt  int64  `json:"bannedAt,omitempty"`
	Color     string `json:"color,omitempty"`
	Origin    string `json:"origin,omitempty"`
	Status    string `json:"status,omitempty"`
	CreatedAt int64  `json:"createdAt"`
	LastSeen  int64  `json:"lastSeen,omitempty"`
	Online    bool   `json:"online,omitempty"`

	// LegacyAdmin is the boolean privilege flag of older records. Read only.
	LegacyAdmin bool `json:"isAdmin,omitempty"`
}

// UsernameKey normalizes a username into its case-insensitive store key.
func UsernameKey(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// EmailKey is the key of the emails/<key> uniqueness index. The address is
// hashed so the index does not expose it.
func EmailKey(email string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(email))))
	return hex.EncodeToString(sum[:])
}

// Room types.
const (
	RoomChannel = "channel"
	RoomGroup   = "group"
	RoomDM      = "dm"
)

// Room is a conversation container. Members maps identity ids to true.
type Room struct {
	ID            string          `json:"-"`
	Name          string          `json:"name"`
	Description   string          `json:"description,omitempty"`
	Type          string          `json:"type"`
	Icon          string          `json:"icon,omitempty"`
	Private       bool            `json:"private,omitempty"`
	Members       map[string]bool `json:"members,omitempty"`
	CreatedBy     string          `json:"createdBy"`
	CreatedAt     int64           `json:"createdAt"`
	LastMessageAt int64           `json:"lastMessageAt,omitempty"`
}

// HasMember reports whether id belongs to the room's member set.
func (r Room) HasMember(id string) bool { return r.Members[id] }

// Message is a single chat line stored under msgs/<roomId>/<id>.
type Message struct {
	ID       string `json:"-"`
	RoomID   string `json:"roomId"`
	Author   string `json:"user"`
	Text     string `json:"text"`
	TS       int64  `json:"ts"`
	Edited   bool   `json:"edited,omitempty"`
	EditedAt int64  `json:"editedAt,omitempty"`
}

// Time returns the message timestamp.
func (m Message) Time() time.Time { return time.UnixMilli(m.TS) }

// Friend edge statuses.
const (
	FriendPending  = "pending"
	FriendAccepted = "accepted"
)

// FriendEdge is one side of a mirrored friendship stored under friends/<me>/<peer>.
type FriendEdge struct {
	Peer      string `json:"-"`
	Status    string `json:"status"`
	FromID    string `json:"fromId"`
	Timestamp int64  `json:"timestamp"`
}

// Comment is a forum reply.
type Comment struct {
	ID         string `json:"-"`
	AuthorID   string `json:"authorId"`
	AuthorName string `json:"authorName"`
	Text       string `json:"content"`
	Timestamp  int64  `json:"timestamp"`
}

// ForumPost is a top-level forum entry. Comments are keyed by their push key.
type ForumPost struct {
	ID         string             `json:"-"`
	AuthorID   string             `json:"authorId"`
	AuthorName string             `json:"authorName"`
	Text       string             `json:"content"`
	Timestamp  int64              `json:"timestamp"`
	Likes      map[string]bool    `json:"likes,omitempty"`
	Comments   map[string]Comment `json:"comments,omitempty"`
}

// InviteCode is a single-use registration code.
type InviteCode struct {
	Code      string `json:"-"`
	CreatedBy string `json:"createdBy"`
	CreatedAt int64  `json:"createdAt"`
	Used      bool   `json:"used"`
	UsedBy    string `json:"usedBy,omitempty"`
	UsedAt    int64  `json:"usedAt,omitempty"`
}

// ServerSettings is the per-tenant singleton stored at "settings".
type ServerSettings struct {
	RegistrationOpen  bool `json:"registrationOpen"`
	RequireInviteCode bool `json:"requireInviteCode"`
	MaintenanceMode   bool `json:"maintenanceMode"`
}

// DefaultSettings apply when a tenant has never stored settings.
func DefaultSettings() ServerSettings {
	return ServerSettings{RegistrationOpen: true}
}

// Notification kinds.
const (
	NotifyFriendRequest = "friend_request"
	NotifyFriendAccept  = "friend_accept"
)

// Notification is an in-app notice stored under notifications/<id>/<key>.
type Notification struct {
	ID        string `json:"-"`
	Type      string `json:"type"`
	FromID    string `json:"fromId"`
	FromName  string `json:"fromName"`
	Timestamp int64  `json:"timestamp"`
	Read      bool   `json:"read"`
}

// Presence is the record at online/<id>.
type Presence struct {
	TS   int64  `json:"ts"`
	User string `json:"user"`
}

// PushToken is the record at fcmTokens/<id>.
type PushToken struct {
	Token     string `json:"token"`
	UpdatedAt int64  `json:"updatedAt"`
	Platform  string `json:"platform"`
}

// Tenant describes a selectable server.
type Tenant struct {
	ID          string `mapstructure:"id"`
	Name        string `mapstructure:"name"`
	Description string `mapstructure:"description"`
	Color       string `mapstructure:"color"`
}
