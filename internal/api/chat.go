package api

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/TPCP-Project/tpcp-chat/internal/models"
)

type ListOptions struct {
	Type  models.ConversationType
	Page  int
	Limit int
}

func (o ListOptions) values() url.Values {
	q := url.Values{}
	if o.Type != "" {
		q.Set("type", string(o.Type))
	}
	if o.Page > 0 {
		q.Set("page", strconv.Itoa(o.Page))
	}
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	return q
}

// HistoryOptions pages backwards through a conversation. Before is a
// message id cursor.
type HistoryOptions struct {
	Page   int
	Limit  int
	Before string
}

func (o HistoryOptions) values() url.Values {
	q := url.Values{}
	if o.Page > 0 {
		q.Set("page", strconv.Itoa(o.Page))
	}
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Before != "" {
		q.Set("before", o.Before)
	}
	return q
}

func conversationPath(id string, rest ...string) string {
	p := "/api/chat/conversations/" + url.PathEscape(id)
	for _, r := range rest {
		p += "/" + r
	}
	return p
}

func messagePath(id string, rest ...string) string {
	p := "/api/chat/messages/" + url.PathEscape(id)
	for _, r := range rest {
		p += "/" + r
	}
	return p
}

func (c *Client) ListConversations(ctx context.Context, opts ListOptions) (*models.ConversationPage, error) {
	var out models.ConversationPage
	if err := c.do(ctx, http.MethodGet, "/api/chat/conversations", opts.values(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var out models.Conversation
	if err := c.do(ctx, http.MethodGet, conversationPath(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetMessages(ctx context.Context, conversationID string, opts HistoryOptions) (*models.MessagePage, error) {
	var out models.MessagePage
	if err := c.do(ctx, http.MethodGet, conversationPath(conversationID, "messages"), opts.values(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SendMessage(ctx context.Context, conversationID string, req models.SendMessageRequest) (*models.Message, error) {
	var out models.Message
	if err := c.do(ctx, http.MethodPost, conversationPath(conversationID, "messages"), nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) EditMessage(ctx context.Context, messageID, content string) (*models.Message, error) {
	var out models.Message
	body := map[string]string{"content": content}
	if err := c.do(ctx, http.MethodPut, messagePath(messageID), nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	return c.do(ctx, http.MethodDelete, messagePath(messageID), nil, nil, nil)
}

func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	return c.do(ctx, http.MethodPut, conversationPath(conversationID, "read"), nil, nil, nil)
}

func (c *Client) AddReaction(ctx context.Context, messageID, emoji string) (*models.Message, error) {
	var out models.Message
	if err := c.do(ctx, http.MethodPost, messagePath(messageID, "reactions"), nil, map[string]string{"emoji": emoji}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RemoveReaction(ctx context.Context, messageID, emoji string) (*models.Message, error) {
	var out models.Message
	if err := c.do(ctx, http.MethodDelete, messagePath(messageID, "reactions"), nil, map[string]string{"emoji": emoji}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetParticipants(ctx context.Context, conversationID string) ([]models.Participant, error) {
	var out struct {
		Participants []models.Participant `json:"participants"`
	}
	if err := c.do(ctx, http.MethodGet, conversationPath(conversationID, "participants"), nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Participants, nil
}

func (c *Client) LeaveConversation(ctx context.Context, conversationID string) error {
	return c.do(ctx, http.MethodDelete, conversationPath(conversationID, "leave"), nil, nil, nil)
}

// GetOrCreateDirect returns the direct conversation with targetUserID,
// creating it on first use.
func (c *Client) GetOrCreateDirect(ctx context.Context, targetUserID string) (*models.Conversation, error) {
	var out models.Conversation
	body := map[string]string{"targetUserId": targetUserID}
	if err := c.do(ctx, http.MethodPost, "/api/chat/direct", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type CreateProjectConversationRequest struct {
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

func (c *Client) CreateProjectConversation(ctx context.Context, projectID string, req CreateProjectConversationRequest) (*models.Conversation, error) {
	var out models.Conversation
	path := "/api/chat/project/" + url.PathEscape(projectID) + "/conversation"
	if err := c.do(ctx, http.MethodPost, path, nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
