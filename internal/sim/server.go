// Package sim is a development backend speaking the chat REST and
// real-time contract. It backs the end-to-end tests and local runs.
package sim

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/TPCP-Project/tpcp-chat/internal/auth"
	"github.com/TPCP-Project/tpcp-chat/internal/logger"
	"github.com/TPCP-Project/tpcp-chat/internal/utils"
)

type Options struct {
	JWTSecret string
	// RateLimitRPS bounds inbound socket events per session; burst is twice
	// the rate.
	RateLimitRPS int
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	PollTimeout  time.Duration

	Store     Store
	Redis     *RedisPresence
	Publisher Publisher
}

func (o *Options) defaults() {
	if o.RateLimitRPS <= 0 {
		o.RateLimitRPS = 20
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = o.PongWait / 2
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = 25 * time.Second
	}
	if o.Store == nil {
		o.Store = NewMemoryStore()
	}
	if o.Publisher == nil {
		o.Publisher = nopPublisher{}
	}
}

type Server struct {
	opts     Options
	log      *zap.Logger
	jwt      *auth.HS256
	app      *fiber.App
	hub      *Hub
	store    Store
	presence Presence
	pub      Publisher
	polls    *pollSessions
	origin   string

	ctx    context.Context
	cancel context.CancelFunc
}

func New(opts Options, log *zap.Logger) (*Server, error) {
	opts.defaults()
	jv, err := auth.NewHS256(opts.JWTSecret)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:   opts,
		log:    logger.OrNop(log).Named("sim"),
		jwt:    jv,
		hub:    NewHub(),
		store:  opts.Store,
		pub:    opts.Publisher,
		origin: uuid.NewString(),
		ctx:    ctx,
		cancel: cancel,
	}
	s.polls = newPollSessions(s)
	if opts.Redis != nil {
		s.presence = opts.Redis
		s.hub.relay = func(room, except string, b []byte) {
			msg := fanoutMsg{Origin: s.origin, Room: room, Except: except, Frame: b}
			if err := opts.Redis.Publish(s.ctx, msg); err != nil {
				s.log.Warn("room fanout publish failed", zap.String("conversation_id", room), zap.Error(err))
			}
		}
		go opts.Redis.Relay(ctx, s.origin, func(m fanoutMsg) {
			s.hub.deliverLocal(m.Room, m.Except, m.Frame)
		}, s.log)
	} else {
		s.presence = localPresence{hub: s.hub}
	}
	s.app = s.routes()
	return s, nil
}

func (s *Server) routes() *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          s.errorHandler,
	})
	app.Use(recover.New())
	app.Use(requestLogger(s.log))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "time": utils.RFC3339(utils.NowUTC())})
	})

	app.Use("/ws", s.wsUpgrade)
	app.Get("/ws", websocket.New(s.handleSocket))

	poll := app.Group("/poll", s.authRequired)
	poll.Post("/handshake", s.pollHandshake)
	poll.Get("/", s.pollReceive)
	poll.Post("/emit", s.pollEmit)
	poll.Delete("/", s.pollClose)

	s.registerREST(app.Group("/api", s.authRequired))
	return app
}

// App exposes the fiber app, e.g. for app.Test in handler tests.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) Store() Store { return s.store }

func (s *Server) Listen(addr string) error { return s.app.Listen(addr) }

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error { return s.app.Listener(ln) }

// IssueToken mints an HS256 token the server accepts.
func (s *Server) IssueToken(userID, name string, ttl time.Duration) (string, error) {
	var extra map[string]any
	if name != "" {
		extra = map[string]any{"name": name}
	}
	return s.jwt.Issue(userID, ttl, extra)
}

// Shutdown closes every session and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	s.hub.CloseAll()
	s.polls.closeAll()
	err := s.app.ShutdownWithContext(ctx)
	if cerr := s.pub.Close(); cerr != nil {
		s.log.Warn("publisher close", zap.Error(cerr))
	}
	if cerr := s.store.Close(ctx); cerr != nil {
		err = errors.Join(err, cerr)
	}
	return err
}

func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	return jsonError(c, code, err.Error())
}

func requestLogger(log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		fields := []zap.Field{
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", c.Response().StatusCode()),
			zap.Duration("latency", time.Since(start)),
		}
		if rid := c.Get("X-Request-ID"); rid != "" {
			fields = append(fields, zap.String("request_id", rid))
		}
		if err != nil {
			log.Warn("http request error", append(fields, zap.Error(err))...)
			return err
		}
		log.Debug("http request", fields...)
		return nil
	}
}
