package models

import (
	"encoding/json"
	"time"
)

type Role string

const (
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
	RoleMember    Role = "member"
)

type ParticipantStatus string

const (
	ParticipantActive  ParticipantStatus = "active"
	ParticipantMuted   ParticipantStatus = "muted"
	ParticipantLeft    ParticipantStatus = "left"
	ParticipantRemoved ParticipantStatus = "removed"
)

// Permission is a bitset of per-conversation capabilities. On the wire it is
// an object of booleans.
type Permission uint8

const (
	PermSendMessages Permission = 1 << iota
	PermSendFiles
	PermInviteMembers
	PermRemoveMembers
	PermEditConversation
	PermDeleteMessages
	PermPinMessages
)

var permissionKeys = []struct {
	bit Permission
	key string
}{
	{PermSendMessages, "can_send_messages"},
	{PermSendFiles, "can_send_files"},
	{PermInviteMembers, "can_invite_members"},
	{PermRemoveMembers, "can_remove_members"},
	{PermEditConversation, "can_edit_conversation"},
	{PermDeleteMessages, "can_delete_messages"},
	{PermPinMessages, "can_pin_messages"},
}

func (p Permission) Has(q Permission) bool { return p&q == q }

func (p Permission) MarshalJSON() ([]byte, error) {
	m := make(map[string]bool, len(permissionKeys))
	for _, pk := range permissionKeys {
		m[pk.key] = p.Has(pk.bit)
	}
	return json.Marshal(m)
}

func (p *Permission) UnmarshalJSON(b []byte) error {
	var m map[string]bool
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	var out Permission
	for _, pk := range permissionKeys {
		if m[pk.key] {
			out |= pk.bit
		}
	}
	*p = out
	return nil
}

type NotificationSettings struct {
	MessageNotifications bool `json:"message_notifications"`
	MentionNotifications bool `json:"mention_notifications"`
	SoundNotifications   bool `json:"sound_notifications"`
	EmailNotifications   bool `json:"email_notifications"`
}

type PrivacySettings struct {
	ShowOnlineStatus bool `json:"show_online_status"`
	ShowReadReceipts bool `json:"show_read_receipts"`
	ShowTypingStatus bool `json:"show_typing_status"`
}

type ParticipantSettings struct {
	Notifications NotificationSettings `json:"notifications"`
	Privacy       PrivacySettings      `json:"privacy"`
}

type ParticipantStats struct {
	TotalMessagesSent int        `json:"total_messages_sent"`
	LastMessageAt     *time.Time `json:"last_message_at,omitempty"`
	LastSeenAt        time.Time  `json:"last_seen_at"`
	UnreadCount       int        `json:"unread_count"`
}

// Participant is a user's membership record in one conversation. It is
// soft-transitioned to left/removed, never deleted.
type Participant struct {
	ID             string              `json:"_id"`
	ConversationID string              `json:"conversation_id"`
	User           UserSummary         `json:"user_id"`
	Role           Role                `json:"role"`
	Permissions    Permission          `json:"permissions"`
	Status         ParticipantStatus   `json:"status"`
	Settings       ParticipantSettings `json:"settings"`
	Stats          ParticipantStats    `json:"stats"`
	JoinedAt       time.Time           `json:"joined_at"`
	InvitedBy      string              `json:"invited_by,omitempty"`
	LeftAt         *time.Time          `json:"left_at,omitempty"`
	LeftReason     string              `json:"left_reason,omitempty"`
}

func (p *Participant) Can(perm Permission) bool {
	return p.Status == ParticipantActive && p.Permissions.Has(perm)
}

func (p *Participant) IsActive() bool {
	return p.Status == ParticipantActive || p.Status == ParticipantMuted
}
