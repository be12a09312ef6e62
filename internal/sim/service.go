package sim

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/TPCP-Project/tpcp-chat/internal/auth"
	"github.com/TPCP-Project/tpcp-chat/internal/models"
	"github.com/TPCP-Project/tpcp-chat/internal/realtime"
	"github.com/TPCP-Project/tpcp-chat/internal/utils"
)

var (
	ErrForbidden  = errors.New("forbidden")
	ErrBadRequest = errors.New("bad request")
)

const memberPerms = models.PermSendMessages | models.PermSendFiles

const adminPerms = memberPerms | models.PermInviteMembers | models.PermRemoveMembers |
	models.PermEditConversation | models.PermDeleteMessages | models.PermPinMessages

func newParticipant(conversationID string, user models.UserSummary, role models.Role, now time.Time) models.Participant {
	perms := memberPerms
	if role == models.RoleAdmin {
		perms = adminPerms
	}
	return models.Participant{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		User:           user,
		Role:           role,
		Permissions:    perms,
		Status:         models.ParticipantActive,
		JoinedAt:       now,
		Stats:          models.ParticipantStats{LastSeenAt: now},
	}
}

func defaultSettings() models.ConversationSettings {
	return models.ConversationSettings{
		AllowMemberInvite:  true,
		AllowFileSharing:   true,
		AllowMessageEdit:   true,
		AllowMessageDelete: true,
	}
}

// CreateProjectConversation creates a project conversation owned by the
// caller. memberIDs join as plain members.
func (s *Server) CreateProjectConversation(ctx context.Context, caller auth.Identity, projectID, name, description string, memberIDs ...string) (*models.Conversation, error) {
	if strings.TrimSpace(name) == "" {
		name = "Project " + projectID
	}
	now := utils.NowUTC()
	owner := summary(caller)
	c := &models.Conversation{
		ID:          uuid.NewString(),
		Type:        models.ConversationProject,
		Project:     &models.ProjectRef{ID: projectID, Name: name, Description: description},
		Name:        name,
		Description: description,
		CreatedBy:   owner,
		Settings:    defaultSettings(),
		Status:      models.ConversationActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	members := []models.Participant{newParticipant(c.ID, owner, models.RoleAdmin, now)}
	for _, id := range memberIDs {
		if id == "" || id == caller.UserID {
			continue
		}
		members = append(members, newParticipant(c.ID, models.UserSummary{ID: id, Name: id, Username: id}, models.RoleMember, now))
	}
	c.Stats.TotalParticipants = len(members)
	if err := s.store.CreateConversation(ctx, c, members); err != nil {
		return nil, err
	}
	return c, nil
}

// GetOrCreateDirect returns the direct conversation between the caller and
// target, creating it on first use.
func (s *Server) GetOrCreateDirect(ctx context.Context, caller auth.Identity, target string) (*models.Conversation, error) {
	if target == "" || target == caller.UserID {
		return nil, fmt.Errorf("%w: invalid target user", ErrBadRequest)
	}
	c, err := s.store.FindDirect(ctx, caller.UserID, target)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	now := utils.NowUTC()
	me := summary(caller)
	other := models.UserSummary{ID: target, Name: target, Username: target}
	c = &models.Conversation{
		ID:        uuid.NewString(),
		Type:      models.ConversationDirect,
		Name:      other.Name,
		CreatedBy: me,
		Settings:  defaultSettings(),
		Status:    models.ConversationActive,
		Stats:     models.ConversationStats{TotalParticipants: 2},
		CreatedAt: now,
		UpdatedAt: now,
	}
	members := []models.Participant{
		newParticipant(c.ID, me, models.RoleMember, now),
		newParticipant(c.ID, other, models.RoleMember, now),
	}
	if err := s.store.CreateConversation(ctx, c, members); err != nil {
		return nil, err
	}
	return c, nil
}

// AddMember adds userID to a conversation and tells the room.
func (s *Server) AddMember(ctx context.Context, conversationID, userID, name string) error {
	if name == "" {
		name = userID
	}
	p := newParticipant(conversationID, models.UserSummary{ID: userID, Name: name, Username: userID}, models.RoleMember, utils.NowUTC())
	if err := s.store.AddParticipant(ctx, p); err != nil {
		return err
	}
	s.hub.Broadcast(conversationID, "", realtime.EventJoinedConversation, realtime.UserEventPayload{
		ConversationID: conversationID, UserID: userID, UserName: name,
	})
	return nil
}

func (s *Server) requireMember(ctx context.Context, conversationID, userID string) (*models.Participant, error) {
	if _, err := s.store.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	return s.store.Participant(ctx, conversationID, userID)
}

// SendMessage stores a message, broadcasts new_message to the whole room,
// sender included, and publishes it downstream.
func (s *Server) SendMessage(ctx context.Context, caller auth.Identity, conversationID string, req models.SendMessageRequest) (*models.Message, error) {
	req.Content = strings.TrimSpace(req.Content)
	if req.Type == "" {
		req.Type = models.MessageText
	}
	if err := utils.Validate(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	p, err := s.requireMember(ctx, conversationID, caller.UserID)
	if err != nil {
		return nil, err
	}
	if !p.Can(models.PermSendMessages) {
		return nil, fmt.Errorf("%w: cannot send messages", ErrForbidden)
	}
	now := utils.NowUTC()
	m := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Sender:         summary(caller),
		Content:        req.Content,
		Type:           req.Type,
		Attachments:    req.Attachments,
		Status:         models.StatusSent,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if req.ReplyTo != "" {
		if orig, err := s.store.GetMessage(ctx, req.ReplyTo); err == nil {
			m.ReplyTo = &models.ReplyRef{ID: orig.ID, Content: orig.Content, SenderID: orig.Sender.ID}
		}
	}
	if err := s.store.SaveMessage(ctx, m); err != nil {
		return nil, err
	}
	_ = s.store.UpdateParticipant(ctx, conversationID, caller.UserID, func(p *models.Participant) {
		p.Stats.TotalMessagesSent++
		p.Stats.LastMessageAt = &now
	})

	s.hub.Broadcast(conversationID, "", realtime.EventNewMessage, realtime.NewMessagePayload{
		ConversationID: conversationID, Message: *m,
	})
	pctx, cancel := context.WithTimeout(s.ctx, 3*time.Second)
	defer cancel()
	if err := s.pub.PublishMessageSent(pctx, m); err != nil {
		s.log.Warn("publish message.sent failed", zap.String("message_id", m.ID), zap.Error(err))
	}
	return m, nil
}

func (s *Server) EditMessage(ctx context.Context, caller auth.Identity, messageID, content string) (*models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("%w: content is required", ErrBadRequest)
	}
	return s.store.UpdateMessage(ctx, messageID, func(m *models.Message) error {
		if m.Sender.ID != caller.UserID {
			return fmt.Errorf("%w: only the sender can edit", ErrForbidden)
		}
		if m.IsDeleted() {
			return fmt.Errorf("%w: message deleted", ErrBadRequest)
		}
		now := utils.NowUTC()
		m.Content = content
		m.Metadata.IsEdited = true
		m.Metadata.EditedAt = &now
		m.Metadata.EditCount++
		m.UpdatedAt = now
		return nil
	})
}

// DeleteMessage soft-deletes; the sender or a participant holding the
// delete permission may do it.
func (s *Server) DeleteMessage(ctx context.Context, caller auth.Identity, messageID string) (*models.Message, error) {
	orig, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	p, err := s.requireMember(ctx, orig.ConversationID, caller.UserID)
	if err != nil {
		return nil, err
	}
	if orig.Sender.ID != caller.UserID && !p.Can(models.PermDeleteMessages) {
		return nil, fmt.Errorf("%w: cannot delete this message", ErrForbidden)
	}
	m, err := s.store.UpdateMessage(ctx, messageID, func(m *models.Message) error {
		m.Status = models.StatusDeleted
		m.UpdatedAt = utils.NowUTC()
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.hub.Broadcast(m.ConversationID, "", realtime.EventMessageDeleted, realtime.MessageDeletedPayload{
		ConversationID: m.ConversationID, MessageID: m.ID,
	})
	return m, nil
}

// React adds or removes the caller's emoji and broadcasts the change when
// the set actually changed.
func (s *Server) React(ctx context.Context, caller auth.Identity, messageID, emoji string, add bool) (*models.Message, error) {
	if emoji == "" {
		return nil, fmt.Errorf("%w: emoji is required", ErrBadRequest)
	}
	orig, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireMember(ctx, orig.ConversationID, caller.UserID); err != nil {
		return nil, err
	}
	changed := false
	m, err := s.store.UpdateMessage(ctx, messageID, func(m *models.Message) error {
		has := m.HasReaction(caller.UserID, emoji)
		switch {
		case add && !has:
			m.Reactions = append(m.Reactions, models.Reaction{UserID: caller.UserID, Emoji: emoji, ReactedAt: utils.NowUTC()})
			changed = true
		case !add && has:
			out := m.Reactions[:0]
			for _, r := range m.Reactions {
				if r.UserID != caller.UserID || r.Emoji != emoji {
					out = append(out, r)
				}
			}
			m.Reactions = out
			changed = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		event := realtime.EventReactionAdded
		if !add {
			event = realtime.EventReactionRemoved
		}
		s.hub.Broadcast(m.ConversationID, "", event, realtime.ReactionPayload{
			ConversationID: m.ConversationID,
			MessageID:      m.ID,
			Emoji:          emoji,
			UserID:         caller.UserID,
			UserName:       summary(caller).Name,
		})
	}
	return m, nil
}

// MarkRead records a read receipt on messageID, or on the newest message
// when messageID is empty, and resets the caller's unread count.
func (s *Server) MarkRead(ctx context.Context, caller auth.Identity, conversationID, messageID, exceptSID string) error {
	if _, err := s.requireMember(ctx, conversationID, caller.UserID); err != nil {
		return err
	}
	now := utils.NowUTC()
	_ = s.store.UpdateParticipant(ctx, conversationID, caller.UserID, func(p *models.Participant) {
		p.Stats.UnreadCount = 0
		p.Stats.LastSeenAt = now
	})
	if messageID == "" {
		last, _, err := s.store.Messages(ctx, conversationID, "", 1)
		if err != nil || len(last) == 0 {
			return err
		}
		messageID = last[0].ID
	}
	changed := false
	_, err := s.store.UpdateMessage(ctx, messageID, func(m *models.Message) error {
		if m.ConversationID != conversationID {
			return fmt.Errorf("%w: message not in conversation", ErrBadRequest)
		}
		if m.Sender.ID == caller.UserID {
			return nil
		}
		for _, r := range m.ReadBy {
			if r.UserID == caller.UserID {
				return nil
			}
		}
		m.ReadBy = append(m.ReadBy, models.ReadReceipt{UserID: caller.UserID, ReadAt: now})
		if !m.IsDeleted() {
			m.Status = models.StatusRead
		}
		changed = true
		return nil
	})
	if err != nil {
		return err
	}
	if changed {
		s.hub.Broadcast(conversationID, exceptSID, realtime.EventMessageRead, realtime.ReadPayload{
			ConversationID: conversationID,
			MessageID:      messageID,
			UserID:         caller.UserID,
			UserName:       summary(caller).Name,
			ReadAt:         now,
		})
	}
	return nil
}

// LeaveConversation marks the caller's membership left and tells the room.
func (s *Server) LeaveConversation(ctx context.Context, caller auth.Identity, conversationID string) error {
	if _, err := s.requireMember(ctx, conversationID, caller.UserID); err != nil {
		return err
	}
	now := utils.NowUTC()
	err := s.store.UpdateParticipant(ctx, conversationID, caller.UserID, func(p *models.Participant) {
		p.Status = models.ParticipantLeft
		p.LeftAt = &now
		p.LeftReason = "left"
	})
	if err != nil {
		return err
	}
	s.hub.Broadcast(conversationID, "", realtime.EventLeftConversation, realtime.UserEventPayload{
		ConversationID: conversationID, UserID: caller.UserID, UserName: summary(caller).Name,
	})
	return nil
}
