package sim

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/TPCP-Project/tpcp-chat/internal/auth"
	"github.com/TPCP-Project/tpcp-chat/internal/models"
)

const localsIdentity = "identity"

func jsonOK(c *fiber.Ctx, status int, data any, message string) error {
	body := fiber.Map{"success": true, "data": data}
	if message != "" {
		body["message"] = message
	}
	return c.Status(status).JSON(body)
}

func jsonError(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(fiber.Map{"success": false, "message": msg})
}

func (s *Server) authenticate(c *fiber.Ctx, allowQuery bool) (auth.Identity, error) {
	tok, err := auth.ParseBearerToken(c.Get(fiber.HeaderAuthorization))
	if err != nil && allowQuery {
		if q := c.Query("token"); q != "" {
			tok, err = q, nil
		}
	}
	if err != nil {
		return auth.Identity{}, err
	}
	return s.jwt.Identify(tok)
}

// authRequired validates the bearer token and stores the caller.
func (s *Server) authRequired(c *fiber.Ctx) error {
	id, err := s.authenticate(c, false)
	if err != nil {
		return jsonError(c, fiber.StatusUnauthorized, "Unauthorized: "+err.Error())
	}
	c.Locals(localsIdentity, id)
	return c.Next()
}

// wsUpgrade rejects unauthenticated upgrades with 401 before the handshake.
func (s *Server) wsUpgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	id, err := s.authenticate(c, true)
	if err != nil {
		return jsonError(c, fiber.StatusUnauthorized, "Unauthorized: "+err.Error())
	}
	c.Locals(localsIdentity, id)
	return c.Next()
}

func identity(c *fiber.Ctx) auth.Identity {
	id, _ := c.Locals(localsIdentity).(auth.Identity)
	return id
}

func summary(id auth.Identity) models.UserSummary {
	name := id.Name
	if name == "" {
		name = id.UserID
	}
	return models.UserSummary{ID: id.UserID, Name: name, Username: id.UserID}
}
