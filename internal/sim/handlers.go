package sim

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/TPCP-Project/tpcp-chat/internal/models"
)

func (s *Server) registerREST(api fiber.Router) {
	chat := api.Group("/chat")
	chat.Get("/conversations", s.listConversations)
	chat.Get("/conversations/:id", s.getConversation)
	chat.Get("/conversations/:id/messages", s.listMessages)
	chat.Post("/conversations/:id/messages", s.sendMessage)
	chat.Put("/conversations/:id/read", s.markRead)
	chat.Get("/conversations/:id/participants", s.listParticipants)
	chat.Delete("/conversations/:id/leave", s.leaveConversation)
	chat.Put("/messages/:id", s.editMessage)
	chat.Delete("/messages/:id", s.deleteMessage)
	chat.Post("/messages/:id/reactions", s.addReaction)
	chat.Delete("/messages/:id/reactions", s.removeReaction)
	chat.Post("/direct", s.directConversation)
	chat.Post("/project/:projectId/conversation", s.createProjectConversation)

	api.Get("/users/:id/presence", s.getPresence)
}

// fail maps domain errors onto HTTP statuses.
func fail(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return jsonError(c, fiber.StatusNotFound, "Not found")
	case errors.Is(err, ErrNotParticipant):
		return jsonError(c, fiber.StatusForbidden, "You are not a participant of this conversation")
	case errors.Is(err, ErrForbidden):
		return jsonError(c, fiber.StatusForbidden, err.Error())
	case errors.Is(err, ErrBadRequest):
		return jsonError(c, fiber.StatusBadRequest, err.Error())
	}
	return jsonError(c, fiber.StatusInternalServerError, err.Error())
}

func queryInt(c *fiber.Ctx, key string, def int) int {
	if v, err := strconv.Atoi(c.Query(key)); err == nil && v > 0 {
		return v
	}
	return def
}

func (s *Server) listConversations(c *fiber.Ctx) error {
	q := ListQuery{
		UserID: identity(c).UserID,
		Type:   models.ConversationType(c.Query("type")),
		Page:   queryInt(c, "page", 1),
		Limit:  queryInt(c, "limit", 20),
	}
	convs, total, err := s.store.ListConversations(c.UserContext(), q)
	if err != nil {
		return fail(c, err)
	}
	if search := c.Query("search"); search != "" {
		filtered := convs[:0]
		for i := range convs {
			if matchesQuery(&convs[i], search) {
				filtered = append(filtered, convs[i])
			}
		}
		convs = filtered
	}
	if convs == nil {
		convs = []models.Conversation{}
	}
	pages := (total + q.Limit - 1) / q.Limit
	return jsonOK(c, fiber.StatusOK, models.ConversationPage{
		Conversations: convs,
		Pagination: models.ConversationPagination{
			CurrentPage:        q.Page,
			TotalPages:         pages,
			TotalConversations: total,
			HasNext:            q.Page < pages,
			HasPrev:            q.Page > 1,
		},
	}, "")
}

func (s *Server) getConversation(c *fiber.Ctx) error {
	id := c.Params("id")
	p, err := s.requireMember(c.UserContext(), id, identity(c).UserID)
	if err != nil {
		return fail(c, err)
	}
	conv, err := s.store.GetConversation(c.UserContext(), id)
	if err != nil {
		return fail(c, err)
	}
	conv.UserRole = string(p.Role)
	perms := p.Permissions
	conv.UserPermissions = &perms
	return jsonOK(c, fiber.StatusOK, conv, "")
}

func (s *Server) listMessages(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, err := s.requireMember(c.UserContext(), id, identity(c).UserID); err != nil {
		return fail(c, err)
	}
	limit := queryInt(c, "limit", 50)
	msgs, more, err := s.store.Messages(c.UserContext(), id, c.Query("before"), limit)
	if err != nil {
		return fail(c, err)
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	return jsonOK(c, fiber.StatusOK, models.MessagePage{
		Messages:   msgs,
		Pagination: models.MessagePagination{CurrentPage: queryInt(c, "page", 1), HasMore: more},
	}, "")
}

func (s *Server) sendMessage(c *fiber.Ctx) error {
	var req models.SendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "Invalid request body")
	}
	m, err := s.SendMessage(c.UserContext(), identity(c), c.Params("id"), req)
	if err != nil {
		return fail(c, err)
	}
	return jsonOK(c, fiber.StatusCreated, m, "Message sent")
}

func (s *Server) markRead(c *fiber.Ctx) error {
	if err := s.MarkRead(c.UserContext(), identity(c), c.Params("id"), "", ""); err != nil {
		return fail(c, err)
	}
	return jsonOK(c, fiber.StatusOK, nil, "Conversation marked as read")
}

func (s *Server) listParticipants(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, err := s.requireMember(c.UserContext(), id, identity(c).UserID); err != nil {
		return fail(c, err)
	}
	ps, err := s.store.Participants(c.UserContext(), id)
	if err != nil {
		return fail(c, err)
	}
	if ps == nil {
		ps = []models.Participant{}
	}
	return jsonOK(c, fiber.StatusOK, fiber.Map{"participants": ps}, "")
}

func (s *Server) leaveConversation(c *fiber.Ctx) error {
	if err := s.LeaveConversation(c.UserContext(), identity(c), c.Params("id")); err != nil {
		return fail(c, err)
	}
	return jsonOK(c, fiber.StatusOK, nil, "Left conversation")
}

func (s *Server) editMessage(c *fiber.Ctx) error {
	var body struct {
		Content string `json:"content"`
	}
	if err := c.BodyParser(&body); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "Invalid request body")
	}
	m, err := s.EditMessage(c.UserContext(), identity(c), c.Params("id"), body.Content)
	if err != nil {
		return fail(c, err)
	}
	return jsonOK(c, fiber.StatusOK, m, "Message updated")
}

func (s *Server) deleteMessage(c *fiber.Ctx) error {
	if _, err := s.DeleteMessage(c.UserContext(), identity(c), c.Params("id")); err != nil {
		return fail(c, err)
	}
	return jsonOK(c, fiber.StatusOK, nil, "Message deleted")
}

type reactionBody struct {
	Emoji string `json:"emoji"`
}

func (s *Server) addReaction(c *fiber.Ctx) error {
	return s.reaction(c, true)
}

func (s *Server) removeReaction(c *fiber.Ctx) error {
	return s.reaction(c, false)
}

func (s *Server) reaction(c *fiber.Ctx, add bool) error {
	var body reactionBody
	if err := c.BodyParser(&body); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "Invalid request body")
	}
	m, err := s.React(c.UserContext(), identity(c), c.Params("id"), body.Emoji, add)
	if err != nil {
		return fail(c, err)
	}
	return jsonOK(c, fiber.StatusOK, m, "")
}

func (s *Server) directConversation(c *fiber.Ctx) error {
	var body struct {
		TargetUserID string `json:"targetUserId"`
	}
	if err := c.BodyParser(&body); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "Invalid request body")
	}
	conv, err := s.GetOrCreateDirect(c.UserContext(), identity(c), body.TargetUserID)
	if err != nil {
		return fail(c, err)
	}
	return jsonOK(c, fiber.StatusOK, conv, "")
}

func (s *Server) createProjectConversation(c *fiber.Ctx) error {
	var body struct {
		Name        string   `json:"name"`
		Description string   `json:"description"`
		MemberIDs   []string `json:"memberIds"`
	}
	if err := c.BodyParser(&body); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "Invalid request body")
	}
	conv, err := s.CreateProjectConversation(c.UserContext(), identity(c), c.Params("projectId"), body.Name, body.Description, body.MemberIDs...)
	if err != nil {
		return fail(c, err)
	}
	return jsonOK(c, fiber.StatusCreated, conv, "Conversation created")
}

func (s *Server) getPresence(c *fiber.Ctx) error {
	info, err := s.presence.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	return jsonOK(c, fiber.StatusOK, info, "")
}
