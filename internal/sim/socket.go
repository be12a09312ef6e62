package sim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/TPCP-Project/tpcp-chat/internal/auth"
	"github.com/TPCP-Project/tpcp-chat/internal/models"
	"github.com/TPCP-Project/tpcp-chat/internal/realtime"
)

const maxFrameSize = 64 * 1024

type wsPeer struct {
	conn    *websocket.Conn
	sid     string
	id      auth.Identity
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	limiter *rate.Limiter
}

func (p *wsPeer) SID() string      { return p.sid }
func (p *wsPeer) UserID() string   { return p.id.UserID }
func (p *wsPeer) UserName() string { return summary(p.id).Name }

func (p *wsPeer) deliver(b []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- b:
		return true
	default:
		// slow consumer
		return false
	}
}

func (p *wsPeer) close() { p.once.Do(func() { close(p.done) }) }

func (s *Server) newLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(s.opts.RateLimitRPS), 2*s.opts.RateLimitRPS)
}

func (s *Server) handleSocket(conn *websocket.Conn) {
	id, _ := conn.Locals(localsIdentity).(auth.Identity)
	p := &wsPeer{
		conn:    conn,
		sid:     uuid.NewString(),
		id:      id,
		send:    make(chan []byte, 256),
		done:    make(chan struct{}),
		limiter: s.newLimiter(),
	}
	log := s.log.With(zap.String("sid", p.sid), zap.String("user_id", id.UserID), zap.String("transport", "websocket"))

	s.connectPeer(p)
	defer s.disconnectPeer(p)
	s.hub.SendTo(p, realtime.EventConnect, realtime.ConnectPayload{SID: p.sid})

	go s.writePump(p, log)

	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	})
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("socket read", zap.Error(err))
			}
			break
		}
		if mt != websocket.TextMessage {
			continue
		}
		var env realtime.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			s.hub.SendTo(p, realtime.EventError, realtime.ErrorPayload{Message: "malformed frame", Code: "bad_frame"})
			continue
		}
		s.inbound(p, p.limiter, env)
	}
	p.close()
}

func (s *Server) writePump(p *wsPeer, log *zap.Logger) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()
	for {
		select {
		case b := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				log.Debug("socket write", zap.Error(err))
				p.close()
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.close()
				return
			}
		case <-p.done:
			_ = p.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}

func (s *Server) connectPeer(p peer) {
	s.hub.Register(p)
	if err := s.presence.Online(s.ctx, p.UserID(), p.SID()); err != nil {
		s.log.Warn("presence online", zap.String("user_id", p.UserID()), zap.Error(err))
	}
}

func (s *Server) disconnectPeer(p peer) {
	p.close()
	s.hub.Unregister(p)
	if err := s.presence.Offline(context.Background(), p.UserID(), p.SID()); err != nil {
		s.log.Warn("presence offline", zap.String("user_id", p.UserID()), zap.Error(err))
	}
}

func peerIdentity(p peer) auth.Identity {
	return auth.Identity{UserID: p.UserID(), Name: p.UserName()}
}

// inbound applies the per-session rate limit and dispatches one event.
func (s *Server) inbound(p peer, lim *rate.Limiter, env realtime.Envelope) {
	if !lim.Allow() {
		s.hub.SendTo(p, realtime.EventError, realtime.ErrorPayload{Message: "rate limit exceeded", Code: "rate_limited"})
		return
	}
	if err := s.dispatch(s.ctx, p, env); err != nil {
		s.hub.SendTo(p, realtime.EventError, errorPayload(err))
	}
}

func errorPayload(err error) realtime.ErrorPayload {
	code := "internal"
	switch {
	case errors.Is(err, ErrNotFound):
		code = "not_found"
	case errors.Is(err, ErrNotParticipant), errors.Is(err, ErrForbidden):
		code = "forbidden"
	case errors.Is(err, ErrBadRequest):
		code = "bad_request"
	}
	return realtime.ErrorPayload{Message: err.Error(), Code: code}
}

func (s *Server) dispatch(ctx context.Context, p peer, env realtime.Envelope) error {
	ident := peerIdentity(p)
	switch env.Type {
	case realtime.EventJoinConversation, realtime.EventLeaveConversation,
		realtime.EventTyping, realtime.EventStopTyping:
		var rp realtime.RoomPayload
		if err := env.Decode(&rp); err != nil || rp.ConversationID == "" {
			return ErrBadRequest
		}
		return s.roomEvent(ctx, p, env.Type, rp.ConversationID)

	case realtime.EventSendMessage:
		var sp realtime.SendMessagePayload
		if err := env.Decode(&sp); err != nil {
			return ErrBadRequest
		}
		_, err := s.SendMessage(ctx, ident, sp.ConversationID, models.SendMessageRequest{
			Content:     sp.Content,
			Type:        sp.MessageType,
			ReplyTo:     sp.ReplyTo,
			Attachments: sp.Attachments,
		})
		return err

	case realtime.EventAddReaction, realtime.EventRemoveReaction:
		var rp realtime.ReactionPayload
		if err := env.Decode(&rp); err != nil {
			return ErrBadRequest
		}
		_, err := s.React(ctx, ident, rp.MessageID, rp.Emoji, env.Type == realtime.EventAddReaction)
		return err

	case realtime.EventMarkAsRead:
		var rp realtime.ReadPayload
		if err := env.Decode(&rp); err != nil {
			return ErrBadRequest
		}
		return s.MarkRead(ctx, ident, rp.ConversationID, rp.MessageID, p.SID())
	}
	return fmt.Errorf("%w: unknown event %q", ErrBadRequest, env.Type)
}

func (s *Server) roomEvent(ctx context.Context, p peer, event, room string) error {
	user := realtime.UserEventPayload{ConversationID: room, UserID: p.UserID(), UserName: p.UserName()}
	switch event {
	case realtime.EventJoinConversation:
		if _, err := s.requireMember(ctx, room, p.UserID()); err != nil {
			return err
		}
		if s.hub.Join(room, p) {
			s.hub.Broadcast(room, p.SID(), realtime.EventJoinedConversation, user)
		}
	case realtime.EventLeaveConversation:
		if s.hub.Leave(room, p) {
			s.hub.Broadcast(room, p.SID(), realtime.EventLeftConversation, user)
		}
	case realtime.EventTyping, realtime.EventStopTyping:
		if !s.hub.InRoom(room, p.SID()) {
			return nil
		}
		out := realtime.EventUserTyping
		if event == realtime.EventStopTyping {
			out = realtime.EventUserStopTyping
		}
		s.hub.Broadcast(room, p.SID(), out, user)
	}
	return nil
}
