package realtime

import (
	"time"

	"github.com/TPCP-Project/tpcp-chat/internal/models"
)

// Outbound events.
const (
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventSendMessage       = "send_message"
	EventTyping            = "typing"
	EventStopTyping        = "stop_typing"
	EventAddReaction       = "add_reaction"
	EventRemoveReaction    = "remove_reaction"
	EventMarkAsRead        = "mark_as_read"
)

// Inbound events.
const (
	EventNewMessage         = "new_message"
	EventUserTyping         = "user_typing"
	EventUserStopTyping     = "user_stop_typing"
	EventReactionAdded      = "reaction_added"
	EventReactionRemoved    = "reaction_removed"
	EventJoinedConversation = "joined_conversation"
	EventLeftConversation   = "left_conversation"
	EventMessageRead        = "message_read"
	EventMessageDeleted     = "message_deleted"
	EventError              = "error"

	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"
	EventAuthError    = "auth_error"
)

type RoomPayload struct {
	ConversationID string `json:"conversationId"`
}

type NewMessagePayload struct {
	ConversationID string         `json:"conversationId"`
	Message        models.Message `json:"message"`
}

// UserEventPayload carries typing and membership events.
type UserEventPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	UserName       string `json:"userName,omitempty"`
}

type ReactionPayload struct {
	ConversationID string `json:"conversationId,omitempty"`
	MessageID      string `json:"messageId"`
	Emoji          string `json:"emoji"`
	UserID         string `json:"userId,omitempty"`
	UserName       string `json:"userName,omitempty"`
}

type ReadPayload struct {
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	UserID         string    `json:"userId,omitempty"`
	UserName       string    `json:"userName,omitempty"`
	ReadAt         time.Time `json:"readAt,omitempty"`
}

type MessageDeletedPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

type SendMessagePayload struct {
	ConversationID string              `json:"conversationId"`
	Content        string              `json:"content"`
	MessageType    models.MessageType  `json:"messageType,omitempty"`
	ReplyTo        string              `json:"replyTo,omitempty"`
	Attachments    []models.Attachment `json:"attachments,omitempty"`
}

type ConnectPayload struct {
	SID string `json:"sid"`
}

type DisconnectPayload struct {
	Reason string `json:"reason"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}
