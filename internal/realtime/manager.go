package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/TPCP-Project/tpcp-chat/internal/auth"
	"github.com/TPCP-Project/tpcp-chat/internal/logger"
	"github.com/TPCP-Project/tpcp-chat/internal/metrics"
)

const statusTopic = "realtime.status"

type Config struct {
	URL string
	// Transports in preference order; defaults to websocket then polling.
	Transports  []string
	MaxAttempts int
	BaseDelay   time.Duration
	WebSocket   WebSocketOptions
}

type Option func(*Manager)

// WithDialers replaces the transports built from Config.Transports.
func WithDialers(d ...Dialer) Option {
	return func(m *Manager) { m.dialers = d }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithHTTPClient sets the client used by the polling transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(m *Manager) { m.httpClient = hc }
}

// Manager owns the single real-time connection of a signed-in session.
// Construct one per session and share it by reference.
type Manager struct {
	cfg        Config
	log        *zap.Logger
	metrics    *metrics.Metrics
	dialers    []Dialer
	httpClient *http.Client
	bus        *Bus

	connectMu sync.Mutex

	mu      sync.Mutex
	state   State
	conn    Conn
	session *Session
	token   string
	rooms   map[string]int
	gen     uint64
	cancel  context.CancelFunc
	lastErr error
	outbox  []publication
}

type publication struct {
	topic string
	v     any
}

func NewManager(cfg Config, log *zap.Logger, opts ...Option) *Manager {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxAttempts < 0 {
		cfg.MaxAttempts = 0
	}
	if len(cfg.Transports) == 0 {
		cfg.Transports = []string{TransportWebSocket, TransportPolling}
	}
	m := &Manager{
		cfg:   cfg,
		log:   logger.OrNop(log),
		bus:   NewBus(),
		rooms: make(map[string]int),
	}
	for _, o := range opts {
		o(m)
	}
	if m.dialers == nil {
		for _, name := range cfg.Transports {
			switch name {
			case TransportWebSocket:
				m.dialers = append(m.dialers, NewWebSocketDialer(cfg.WebSocket, m.log))
			case TransportPolling:
				m.dialers = append(m.dialers, NewPollingDialer(m.httpClient, m.log))
			default:
				m.log.Warn("unknown transport ignored", zap.String("transport", name))
			}
		}
	}
	return m
}

// Connect establishes the connection, or returns the live session if one
// exists. Token pre-check failures return before any network activity.
func (m *Manager) Connect(ctx context.Context, token string) (*Session, error) {
	token = strings.TrimSpace(token)
	if _, err := auth.Precheck(token, time.Now()); err != nil {
		m.log.Warn("token rejected before connect", zap.Error(err))
		return nil, err
	}
	if len(m.dialers) == 0 {
		return nil, ErrNoTransports
	}

	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.Lock()
	if m.state == StateConnected && m.conn != nil {
		s := m.session
		m.unlock()
		return s, nil
	}
	// a fresh connect supersedes any reconnect loop or dead connection
	m.teardownLocked()
	life, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.token = token
	m.setStateLocked(Status{State: StateConnecting})
	m.unlock()

	// stop waiting if either the caller gives up or Disconnect is called
	dialCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-life.Done():
			stop()
		case <-dialCtx.Done():
		}
	}()

	var (
		conn    Conn
		name    string
		attempt int
	)
	op := func() error {
		attempt++
		c, n, err := m.dialAny(dialCtx, token)
		if err != nil {
			if errors.Is(err, ErrAuthRejected) {
				return backoff.Permanent(err)
			}
			if dialCtx.Err() != nil {
				return backoff.Permanent(dialCtx.Err())
			}
			return err
		}
		conn, name = c, n
		return nil
	}
	notify := func(err error, d time.Duration) {
		m.log.Warn("connect attempt failed", zap.Int("attempt", attempt), zap.Duration("retry_in", d), zap.Error(err))
		m.bus.Publish(EventConnectError, mustRaw(ErrorPayload{Message: err.Error()}))
	}
	err := backoff.RetryNotify(op, backoff.WithContext(m.newBackOff(), dialCtx), notify)

	m.mu.Lock()
	if err != nil {
		defer m.unlock()
		switch {
		case errors.Is(err, ErrAuthRejected):
			m.log.Error("real-time authentication rejected", zap.Error(err))
			m.failLocked(ErrAuthRejected)
			m.publishLocked(EventAuthError, mustRaw(ErrorPayload{Message: err.Error()}))
			return nil, err
		case life.Err() != nil:
			// Disconnect won the race
			return nil, ErrConnClosed
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			m.failLocked(err)
			return nil, err
		default:
			m.log.Error("giving up on real-time connection", zap.Int("attempts", attempt), zap.Error(err))
			m.failLocked(ErrReconnectExhausted)
			return nil, fmt.Errorf("%w: %v", ErrReconnectExhausted, err)
		}
	}
	if life.Err() != nil {
		m.unlock()
		_ = conn.Close()
		return nil, ErrConnClosed
	}
	sess, rooms := m.installLocked(life, conn, name)
	m.unlock()
	m.rejoin(life, conn, rooms)
	return sess, nil
}

func (m *Manager) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = m.cfg.BaseDelay << 10
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(m.cfg.MaxAttempts))
}

// dialAny tries each transport in order. Auth rejection stops the walk.
func (m *Manager) dialAny(ctx context.Context, token string) (Conn, string, error) {
	var errs []error
	for _, d := range m.dialers {
		c, err := d.Dial(ctx, m.cfg.URL, token)
		if err == nil {
			return c, d.Name(), nil
		}
		m.log.Debug("transport failed", zap.String("transport", d.Name()), zap.Error(err))
		if errors.Is(err, ErrAuthRejected) {
			return nil, "", err
		}
		errs = append(errs, fmt.Errorf("%s: %w", d.Name(), err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, "", errors.Join(errs...)
}

// installLocked promotes conn to the live connection and starts its read
// loop. It returns the rooms to re-join.
func (m *Manager) installLocked(life context.Context, conn Conn, name string) (*Session, []string) {
	m.gen++
	gen := m.gen
	m.conn = conn
	m.session = &Session{ID: conn.ID(), Transport: name, ConnectedAt: time.Now()}
	m.lastErr = nil
	m.setStateLocked(Status{State: StateConnected, Transport: name})
	m.publishLocked(EventConnect, mustRaw(ConnectPayload{SID: conn.ID()}))
	m.log.Info("real-time connected", zap.String("transport", name), zap.String("sid", conn.ID()))

	rooms := make([]string, 0, len(m.rooms))
	for room := range m.rooms {
		rooms = append(rooms, room)
	}
	go m.readLoop(life, gen, conn)
	return m.session, rooms
}

func (m *Manager) rejoin(ctx context.Context, conn Conn, rooms []string) {
	for _, room := range rooms {
		env, _ := NewEnvelope(EventJoinConversation, RoomPayload{ConversationID: room})
		if err := conn.Send(ctx, env); err != nil {
			m.log.Warn("rejoin failed", zap.String("conversation_id", room), zap.Error(err))
			return
		}
	}
}

func (m *Manager) readLoop(life context.Context, gen uint64, conn Conn) {
	for {
		env, err := conn.Receive()
		if err != nil {
			m.connectionLost(life, gen, err)
			return
		}
		m.metrics.Inbound(env.Type)
		switch env.Type {
		case EventAuthError:
			m.authRejected(gen, env)
			return
		case EventDisconnect:
			m.connectionLost(life, gen, ErrServerDisconnect)
			return
		case EventConnect:
			continue
		}
		m.bus.Publish(env.Type, env.Payload)
	}
}

func (m *Manager) authRejected(gen uint64, env Envelope) {
	m.mu.Lock()
	defer m.unlock()
	if gen != m.gen {
		return
	}
	m.log.Error("real-time authentication rejected", zap.String("reason", errorMessage(env)))
	m.teardownLocked()
	m.failLocked(ErrAuthRejected)
	m.publishLocked(EventAuthError, env.Payload)
}

func (m *Manager) connectionLost(life context.Context, gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen || life.Err() != nil {
		m.unlock()
		return
	}
	m.gen++
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.session = nil
	m.log.Warn("real-time connection lost", zap.Error(cause))
	m.publishLocked(EventDisconnect, mustRaw(DisconnectPayload{Reason: cause.Error()}))
	if m.cfg.MaxAttempts == 0 {
		m.failLocked(ErrReconnectExhausted)
		m.unlock()
		return
	}
	m.lastErr = cause
	m.setStateLocked(Status{State: StateReconnecting, Err: cause})
	token := m.token
	m.unlock()

	go m.reconnectLoop(life, token)
}

// reconnectLoop waits BaseDelay*2^(n-1) before attempt n, n = 1..MaxAttempts.
func (m *Manager) reconnectLoop(life context.Context, token string) {
	b := m.newBackOff()
	for attempt := 1; ; attempt++ {
		d := b.NextBackOff()

		m.mu.Lock()
		if life.Err() != nil {
			m.unlock()
			return
		}
		if d == backoff.Stop {
			m.log.Error("giving up on real-time connection", zap.Int("attempts", attempt-1))
			m.failLocked(ErrReconnectExhausted)
			m.unlock()
			return
		}
		m.setStateLocked(Status{State: StateReconnecting, Attempt: attempt, Err: m.lastErr})
		m.unlock()

		t := time.NewTimer(d)
		select {
		case <-life.Done():
			t.Stop()
			return
		case <-t.C:
		}

		m.metrics.ReconnectAttempt()
		conn, name, err := m.dialAny(life, token)

		m.mu.Lock()
		if life.Err() != nil {
			m.unlock()
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err == nil {
			_, rooms := m.installLocked(life, conn, name)
			m.unlock()
			m.log.Info("real-time reconnected", zap.Int("attempt", attempt))
			m.rejoin(life, conn, rooms)
			return
		}
		if errors.Is(err, ErrAuthRejected) {
			m.log.Error("real-time authentication rejected", zap.Error(err))
			m.failLocked(ErrAuthRejected)
			m.publishLocked(EventAuthError, mustRaw(ErrorPayload{Message: err.Error()}))
			m.unlock()
			return
		}
		m.lastErr = err
		m.publishLocked(EventConnectError, mustRaw(ErrorPayload{Message: err.Error()}))
		m.unlock()
		m.log.Warn("reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
	}
}

// failLocked moves to Failed. No automatic attempt follows until Connect.
func (m *Manager) failLocked(err error) {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.gen++
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.session = nil
	m.lastErr = err
	m.setStateLocked(Status{State: StateFailed, Err: err})
}

func (m *Manager) teardownLocked() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.gen++
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.session = nil
}

// Disconnect tears the connection down without triggering reconnection and
// forgets every joined room.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.unlock()
	m.rooms = make(map[string]int)
	if m.state == StateIdle || m.state == StateClosed {
		return
	}
	m.teardownLocked()
	m.lastErr = nil
	m.setStateLocked(Status{State: StateClosed})
	m.log.Info("real-time disconnected")
}

func (m *Manager) setStateLocked(s Status) {
	m.state = s.State
	m.metrics.SetState(int(s.State))
	m.publishLocked(statusTopic, s)
}

// publishLocked defers delivery until unlock so handlers may call back
// into the Manager.
func (m *Manager) publishLocked(topic string, v any) {
	m.outbox = append(m.outbox, publication{topic: topic, v: v})
}

func (m *Manager) unlock() {
	out := m.outbox
	m.outbox = nil
	m.mu.Unlock()
	for _, p := range out {
		m.bus.Publish(p.topic, p.v)
	}
}

func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnected && m.conn != nil
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns the live session or nil.
func (m *Manager) Session() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Err returns the error behind the last Failed or Reconnecting state.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// OnStatus registers fn for every state transition.
func (m *Manager) OnStatus(fn func(Status)) *Subscription {
	return m.bus.subscribe(statusTopic, func(v any) {
		if s, ok := v.(Status); ok {
			fn(s)
		}
	})
}

func (m *Manager) Subscribe(event string, h Handler) *Subscription {
	return m.bus.Subscribe(event, h)
}

// Emit sends one event. It fails with ErrNotConnected unless live.
func (m *Manager) Emit(ctx context.Context, event string, payload any) error {
	env, err := NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	m.mu.Lock()
	conn := m.conn
	live := m.state == StateConnected
	m.mu.Unlock()
	if !live || conn == nil {
		return ErrNotConnected
	}
	if err := conn.Send(ctx, env); err != nil {
		if errors.Is(err, ErrConnClosed) {
			return ErrNotConnected
		}
		return err
	}
	return nil
}

// Join takes a reference on a room. join_conversation is emitted on the
// first reference; rooms held while offline are joined on (re)connect.
func (m *Manager) Join(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	m.rooms[conversationID]++
	first := m.rooms[conversationID] == 1
	m.mu.Unlock()
	if !first {
		return nil
	}
	return m.Emit(ctx, EventJoinConversation, RoomPayload{ConversationID: conversationID})
}

// Leave drops a reference. leave_conversation is emitted when the last one
// goes. Leaving a room that is not held is a no-op.
func (m *Manager) Leave(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	n, ok := m.rooms[conversationID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if n > 1 {
		m.rooms[conversationID] = n - 1
		m.mu.Unlock()
		return nil
	}
	delete(m.rooms, conversationID)
	m.mu.Unlock()
	return m.Emit(ctx, EventLeaveConversation, RoomPayload{ConversationID: conversationID})
}

// Rooms returns the rooms currently held.
func (m *Manager) Rooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.rooms))
	for r := range m.rooms {
		out = append(out, r)
	}
	return out
}
