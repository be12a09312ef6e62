package models

import "time"

type ConversationType string

const (
	ConversationProject ConversationType = "project"
	ConversationDirect  ConversationType = "direct"
)

type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "active"
	ConversationArchived ConversationStatus = "archived"
	ConversationDeleted  ConversationStatus = "deleted"
)

type Avatar struct {
	URL        string    `json:"url"`
	Filename   string    `json:"filename,omitempty"`
	Mimetype   string    `json:"mimetype,omitempty"`
	Size       int64     `json:"size,omitempty"`
	UploadedAt time.Time `json:"uploadedAt,omitempty"`
}

// UserSummary is the denormalized user record the backend embeds in
// conversations, messages and participants.
type UserSummary struct {
	ID       string `json:"_id"`
	Name     string `json:"name"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Avatar   Avatar `json:"avatar"`
}

type ProjectRef struct {
	ID          string `json:"_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type ConversationSettings struct {
	AllowMemberInvite    bool `json:"allow_member_invite"`
	AllowFileSharing     bool `json:"allow_file_sharing"`
	AllowMessageEdit     bool `json:"allow_message_edit"`
	AllowMessageDelete   bool `json:"allow_message_delete"`
	MessageRetentionDays int  `json:"message_retention_days"`
}

type ConversationStats struct {
	TotalMessages     int        `json:"total_messages"`
	TotalParticipants int        `json:"total_participants"`
	LastMessageAt     *time.Time `json:"last_message_at,omitempty"`
	LastMessageBy     string     `json:"last_message_by,omitempty"`
}

// Conversation is a chat room, either scoped to a project or direct between
// two users. Lifecycle transitions are owned by the server.
type Conversation struct {
	ID              string               `json:"_id"`
	Type            ConversationType     `json:"type"`
	Project         *ProjectRef          `json:"project_id,omitempty"`
	Name            string               `json:"name"`
	Description     string               `json:"description,omitempty"`
	Avatar          Avatar               `json:"avatar"`
	CreatedBy       UserSummary          `json:"created_by"`
	Settings        ConversationSettings `json:"settings"`
	Status          ConversationStatus   `json:"status"`
	Stats           ConversationStats    `json:"stats"`
	UserRole        string               `json:"userRole,omitempty"`
	UserPermissions *Permission          `json:"userPermissions,omitempty"`
	UnreadCount     int                  `json:"unreadCount,omitempty"`
	CreatedAt       time.Time            `json:"createdAt"`
	UpdatedAt       time.Time            `json:"updatedAt"`
}

func (c *Conversation) IsProject() bool { return c.Type == ConversationProject }
func (c *Conversation) IsDirect() bool  { return c.Type == ConversationDirect }

// Title prefers the linked project name for project conversations.
func (c *Conversation) Title() string {
	if c.IsProject() && c.Project != nil && c.Project.Name != "" {
		return c.Project.Name
	}
	return c.Name
}

type ConversationPagination struct {
	CurrentPage        int  `json:"currentPage"`
	TotalPages         int  `json:"totalPages"`
	TotalConversations int  `json:"totalConversations"`
	HasNext            bool `json:"hasNext"`
	HasPrev            bool `json:"hasPrev"`
}

type ConversationPage struct {
	Conversations []Conversation         `json:"conversations"`
	Pagination    ConversationPagination `json:"pagination"`
}
