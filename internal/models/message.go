package models

import "time"

type MessageType string

const (
	MessageText         MessageType = "text"
	MessageImage        MessageType = "image"
	MessageFile         MessageType = "file"
	MessageSystem       MessageType = "system"
	MessageAnnouncement MessageType = "announcement"
)

type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusDeleted   MessageStatus = "deleted"
)

type Attachment struct {
	Filename     string    `json:"filename" validate:"required"`
	OriginalName string    `json:"original_name" validate:"required"`
	URL          string    `json:"url" validate:"required,url"`
	Mimetype     string    `json:"mimetype" validate:"required"`
	Size         int64     `json:"size" validate:"gte=0"`
	UploadedAt   time.Time `json:"uploaded_at,omitempty"`
}

type ReplyRef struct {
	ID       string `json:"_id"`
	Content  string `json:"content"`
	SenderID string `json:"sender_id"`
}

type Reaction struct {
	UserID    string    `json:"user_id"`
	Emoji     string    `json:"emoji"`
	ReactedAt time.Time `json:"reacted_at"`
}

type ReadReceipt struct {
	UserID string    `json:"user_id"`
	ReadAt time.Time `json:"read_at"`
}

type Mention struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Position int    `json:"position"`
}

type MessageMetadata struct {
	IsEdited  bool       `json:"is_edited"`
	EditedAt  *time.Time `json:"edited_at,omitempty"`
	EditCount int        `json:"edit_count"`
	IsPinned  bool       `json:"is_pinned"`
	PinnedBy  string     `json:"pinned_by,omitempty"`
	PinnedAt  *time.Time `json:"pinned_at,omitempty"`
}

// Message is immutable apart from the edit and delete transitions and the
// reaction/read-receipt sets.
type Message struct {
	ID             string          `json:"_id"`
	ConversationID string          `json:"conversation_id"`
	Sender         UserSummary     `json:"sender_id"`
	Content        string          `json:"content"`
	Type           MessageType     `json:"message_type"`
	Attachments    []Attachment    `json:"attachments"`
	ReplyTo        *ReplyRef       `json:"reply_to,omitempty"`
	Status         MessageStatus   `json:"status"`
	ReadBy         []ReadReceipt   `json:"read_by"`
	Reactions      []Reaction      `json:"reactions"`
	Mentions       []Mention       `json:"mentions"`
	Metadata       MessageMetadata `json:"metadata"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

func (m *Message) IsDeleted() bool { return m.Status == StatusDeleted }

// HasReaction reports whether user already reacted with emoji.
func (m *Message) HasReaction(userID, emoji string) bool {
	for _, r := range m.Reactions {
		if r.UserID == userID && r.Emoji == emoji {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no slices or pointers with m.
func (m *Message) Clone() Message {
	out := *m
	out.Attachments = append([]Attachment(nil), m.Attachments...)
	out.ReadBy = append([]ReadReceipt(nil), m.ReadBy...)
	out.Reactions = append([]Reaction(nil), m.Reactions...)
	out.Mentions = append([]Mention(nil), m.Mentions...)
	if m.ReplyTo != nil {
		r := *m.ReplyTo
		out.ReplyTo = &r
	}
	if m.Metadata.EditedAt != nil {
		t := *m.Metadata.EditedAt
		out.Metadata.EditedAt = &t
	}
	if m.Metadata.PinnedAt != nil {
		t := *m.Metadata.PinnedAt
		out.Metadata.PinnedAt = &t
	}
	return out
}

type MessagePagination struct {
	CurrentPage int  `json:"currentPage"`
	HasMore     bool `json:"hasMore"`
}

type MessagePage struct {
	Messages   []Message         `json:"messages"`
	Pagination MessagePagination `json:"pagination"`
}

// SendMessageRequest is the body of POST /api/chat/conversations/:id/messages.
type SendMessageRequest struct {
	Content     string       `json:"content" validate:"required,max=5000"`
	Type        MessageType  `json:"message_type,omitempty" validate:"omitempty,oneof=text image file system announcement"`
	ReplyTo     string       `json:"reply_to,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty" validate:"omitempty,dive"`
}
