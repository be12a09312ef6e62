package sim

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/TPCP-Project/tpcp-chat/internal/auth"
	"github.com/TPCP-Project/tpcp-chat/internal/realtime"
)

const maxPollQueue = 1024

// pollPeer buffers frames between long-poll requests.
type pollPeer struct {
	sid     string
	id      auth.Identity
	limiter *rate.Limiter

	mu       sync.Mutex
	queue    [][]byte
	lastSeen time.Time
	wake     chan struct{}
	done     chan struct{}
	once     sync.Once
}

func (p *pollPeer) SID() string      { return p.sid }
func (p *pollPeer) UserID() string   { return p.id.UserID }
func (p *pollPeer) UserName() string { return summary(p.id).Name }

func (p *pollPeer) deliver(b []byte) bool {
	p.mu.Lock()
	select {
	case <-p.done:
		p.mu.Unlock()
		return false
	default:
	}
	if len(p.queue) >= maxPollQueue {
		p.mu.Unlock()
		return false
	}
	p.queue = append(p.queue, b)
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return true
}

func (p *pollPeer) close() { p.once.Do(func() { close(p.done) }) }

func (p *pollPeer) take() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.queue
	p.queue = nil
	p.lastSeen = time.Now()
	return out
}

// wait returns queued frames, blocking up to timeout for the first one.
// ok is false once the session is closed.
func (p *pollPeer) wait(timeout time.Duration) (frames [][]byte, ok bool) {
	if f := p.take(); len(f) > 0 {
		return f, true
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-p.wake:
		return p.take(), true
	case <-t.C:
		return p.take(), true
	case <-p.done:
		return nil, false
	}
}

func (p *pollPeer) idleSince() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeen
}

type pollSessions struct {
	srv *Server

	mu       sync.Mutex
	sessions map[string]*pollPeer
}

func newPollSessions(s *Server) *pollSessions {
	return &pollSessions{srv: s, sessions: make(map[string]*pollPeer)}
}

func (ps *pollSessions) create(id auth.Identity) *pollPeer {
	p := &pollPeer{
		sid:      uuid.NewString(),
		id:       id,
		limiter:  ps.srv.newLimiter(),
		lastSeen: time.Now(),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	ps.mu.Lock()
	ps.sessions[p.sid] = p
	ps.mu.Unlock()
	return p
}

// get returns the session sid if it belongs to userID.
func (ps *pollSessions) get(sid, userID string) (*pollPeer, bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	p, ok := ps.sessions[sid]
	if !ok || p.id.UserID != userID {
		return nil, false
	}
	return p, true
}

func (ps *pollSessions) remove(sid string) (*pollPeer, bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	p, ok := ps.sessions[sid]
	delete(ps.sessions, sid)
	return p, ok
}

// reap ends sessions nobody has polled for longer than idle.
func (ps *pollSessions) reap(idle time.Duration) {
	cutoff := time.Now().Add(-idle)
	ps.mu.Lock()
	var stale []*pollPeer
	for sid, p := range ps.sessions {
		if p.idleSince().Before(cutoff) {
			stale = append(stale, p)
			delete(ps.sessions, sid)
		}
	}
	ps.mu.Unlock()
	for _, p := range stale {
		ps.srv.log.Debug("reaping idle poll session", zap.String("sid", p.sid))
		ps.srv.disconnectPeer(p)
	}
}

func (ps *pollSessions) closeAll() {
	ps.mu.Lock()
	all := ps.sessions
	ps.sessions = make(map[string]*pollPeer)
	ps.mu.Unlock()
	for _, p := range all {
		ps.srv.disconnectPeer(p)
	}
}

func (s *Server) pollHandshake(c *fiber.Ctx) error {
	s.polls.reap(2*s.opts.PollTimeout + 10*time.Second)
	p := s.polls.create(identity(c))
	s.connectPeer(p)
	return c.JSON(realtime.ConnectPayload{SID: p.sid})
}

func (s *Server) pollSession(c *fiber.Ctx) (*pollPeer, error) {
	p, ok := s.polls.get(c.Query("sid"), identity(c).UserID)
	if !ok {
		return nil, jsonError(c, fiber.StatusNotFound, "unknown session")
	}
	return p, nil
}

func (s *Server) pollReceive(c *fiber.Ctx) error {
	p, err := s.pollSession(c)
	if p == nil {
		return err
	}
	frames, ok := p.wait(s.opts.PollTimeout)
	if !ok {
		return jsonError(c, fiber.StatusNotFound, "session closed")
	}
	if len(frames) == 0 {
		return c.SendStatus(fiber.StatusNoContent)
	}
	var buf bytes.Buffer
	buf.WriteByte('[')
	buf.Write(bytes.Join(frames, []byte{','}))
	buf.WriteByte(']')
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Send(buf.Bytes())
}

func (s *Server) pollEmit(c *fiber.Ctx) error {
	p, err := s.pollSession(c)
	if p == nil {
		return err
	}
	var env realtime.Envelope
	if err := json.Unmarshal(c.Body(), &env); err != nil || env.Type == "" {
		return jsonError(c, fiber.StatusBadRequest, "malformed frame")
	}
	s.inbound(p, p.limiter, env)
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) pollClose(c *fiber.Ctx) error {
	sid := c.Query("sid")
	if p, ok := s.polls.get(sid, identity(c).UserID); ok {
		s.polls.remove(sid)
		s.disconnectPeer(p)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
