package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TPCP-Project/tpcp-chat/internal/auth"
)

type fakeConn struct {
	id     string
	in     chan Envelope
	lost   chan error
	closed chan struct{}
	once   sync.Once

	mu   sync.Mutex
	sent []Envelope
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{
		id:     id,
		in:     make(chan Envelope, 16),
		lost:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(_ context.Context, env Envelope) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	c.mu.Lock()
	c.sent = append(c.sent, env)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Receive() (Envelope, error) {
	select {
	case env := <-c.in:
		return env, nil
	case err := <-c.lost:
		return Envelope{}, err
	case <-c.closed:
		return Envelope{}, ErrConnClosed
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) sentTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	for i, e := range c.sent {
		out[i] = e.Type
	}
	return out
}

func (c *fakeConn) push(t *testing.T, event string, payload any) {
	t.Helper()
	env, err := NewEnvelope(event, payload)
	require.NoError(t, err)
	c.in <- env
}

// fakeDialer answers each Dial with the next scripted result; once the
// script runs out it repeats the last entry.
type fakeDialer struct {
	name string

	mu     sync.Mutex
	script []func() (Conn, error)
	dials  int
	tokens []string
	conns  []*fakeConn
}

func (d *fakeDialer) Name() string { return d.name }

func (d *fakeDialer) Dial(ctx context.Context, _, token string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.dials
	d.dials++
	d.tokens = append(d.tokens, token)
	if i >= len(d.script) {
		i = len(d.script) - 1
	}
	c, err := d.script[i]()
	if fc, ok := c.(*fakeConn); ok {
		d.conns = append(d.conns, fc)
	}
	return c, err
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func succeed(id string) func() (Conn, error) {
	return func() (Conn, error) { return newFakeConn(id), nil }
}

func fail(err error) func() (Conn, error) {
	return func() (Conn, error) { return nil, err }
}

var errRefused = errors.New("connection refused")

func newTestManager(max int, dialers ...Dialer) *Manager {
	return NewManager(Config{URL: "http://chat.test", MaxAttempts: max, BaseDelay: time.Millisecond}, nil, WithDialers(dialers...))
}

func TestConnectRejectsBadTokensWithoutDialing(t *testing.T) {
	h, err := auth.NewHS256("k")
	require.NoError(t, err)
	expired, err := h.Issue("u1", -time.Minute, nil)
	require.NoError(t, err)

	tests := []struct {
		name string
		tok  string
		want error
	}{
		{"empty", "", ErrEmptyToken},
		{"blank", "  ", ErrEmptyToken},
		{"expired", expired, ErrTokenExpired},
		{"malformed", "x.y.z", ErrMalformedToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDialer{name: "websocket", script: []func() (Conn, error){succeed("s1")}}
			m := newTestManager(5, d)
			sess, err := m.Connect(context.Background(), tt.tok)
			assert.Nil(t, sess)
			assert.ErrorIs(t, err, tt.want)
			assert.Zero(t, d.Dials())
			assert.Equal(t, StateIdle, m.State())
		})
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	d := &fakeDialer{name: "websocket", script: []func() (Conn, error){succeed("s1")}}
	m := newTestManager(5, d)

	s1, err := m.Connect(context.Background(), "opaque-token")
	require.NoError(t, err)
	s2, err := m.Connect(context.Background(), "opaque-token")
	require.NoError(t, err)

	assert.Same(t, s1, s2)
	assert.Equal(t, 1, d.Dials())
	assert.True(t, m.Connected())
	assert.Equal(t, "websocket", s1.Transport)
	m.Disconnect()
}

func TestConnectDialsTrimmedToken(t *testing.T) {
	d := &fakeDialer{name: "websocket", script: []func() (Conn, error){succeed("s1")}}
	m := newTestManager(5, d)

	_, err := m.Connect(context.Background(), "  opaque-token\n")
	require.NoError(t, err)
	defer m.Disconnect()

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Equal(t, []string{"opaque-token"}, d.tokens)
}

func TestBackOffDoublesUntilBudgetIsSpent(t *testing.T) {
	m := NewManager(Config{URL: "http://chat.test", MaxAttempts: 5, BaseDelay: time.Second}, nil)
	b := m.newBackOff()

	var got []time.Duration
	for i := 0; i < 6; i++ {
		got = append(got, b.NextBackOff())
	}
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, backoff.Stop,
	}, got)

	b.Reset()
	assert.Equal(t, time.Second, b.NextBackOff(), "reset starts the schedule over")
}

func TestConnectFallsBackToPolling(t *testing.T) {
	ws := &fakeDialer{name: "websocket", script: []func() (Conn, error){fail(errRefused)}}
	poll := &fakeDialer{name: "polling", script: []func() (Conn, error){succeed("p1")}}
	m := newTestManager(5, ws, poll)

	sess, err := m.Connect(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, "polling", sess.Transport)
	assert.Equal(t, "p1", sess.ID)
	assert.Equal(t, 1, ws.Dials())
	m.Disconnect()
}

func TestConnectAuthRejectionIsTerminal(t *testing.T) {
	ws := &fakeDialer{name: "websocket", script: []func() (Conn, error){fail(fmt.Errorf("%w: http 401", ErrAuthRejected))}}
	poll := &fakeDialer{name: "polling", script: []func() (Conn, error){succeed("p1")}}
	m := newTestManager(5, ws, poll)

	var authErrors int
	m.Subscribe(EventAuthError, func(json.RawMessage) { authErrors++ })

	_, err := m.Connect(context.Background(), "tok")
	require.ErrorIs(t, err, ErrAuthRejected)
	assert.Equal(t, 1, ws.Dials())
	assert.Zero(t, poll.Dials(), "auth rejection must not fall through to the next transport")
	assert.Equal(t, StateFailed, m.State())
	assert.Equal(t, 1, authErrors)
}

func TestConnectExhaustsInitialBudget(t *testing.T) {
	d := &fakeDialer{name: "websocket", script: []func() (Conn, error){fail(errRefused)}}
	m := newTestManager(3, d)

	_, err := m.Connect(context.Background(), "tok")
	require.ErrorIs(t, err, ErrReconnectExhausted)
	assert.Equal(t, 4, d.Dials())
	assert.Equal(t, StateFailed, m.State())
}

func TestConnectHonoursContext(t *testing.T) {
	d := &fakeDialer{name: "websocket", script: []func() (Conn, error){fail(errRefused)}}
	m := NewManager(Config{MaxAttempts: 5, BaseDelay: time.Hour}, nil, WithDialers(d))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Connect(ctx, "tok")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, d.Dials())
}

func TestEmitRequiresLiveConnection(t *testing.T) {
	d := &fakeDialer{name: "websocket", script: []func() (Conn, error){succeed("s1")}}
	m := newTestManager(5, d)

	err := m.Emit(context.Background(), EventTyping, RoomPayload{ConversationID: "c1"})
	require.ErrorIs(t, err, ErrNotConnected)

	_, err = m.Connect(context.Background(), "tok")
	require.NoError(t, err)
	require.NoError(t, m.Emit(context.Background(), EventTyping, RoomPayload{ConversationID: "c1"}))
	assert.Equal(t, []string{EventTyping}, d.conn(0).sentTypes())

	m.Disconnect()
	require.ErrorIs(t, m.Emit(context.Background(), EventTyping, nil), ErrNotConnected)
}

func TestJoinLeaveAreReferenceCounted(t *testing.T) {
	d := &fakeDialer{name: "websocket", script: []func() (Conn, error){succeed("s1")}}
	m := newTestManager(5, d)
	_, err := m.Connect(context.Background(), "tok")
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, m.Join(ctx, "c1"))
	require.NoError(t, m.Join(ctx, "c1"))
	require.NoError(t, m.Leave(ctx, "c1"))
	assert.Equal(t, []string{EventJoinConversation}, d.conn(0).sentTypes())

	require.NoError(t, m.Leave(ctx, "c1"))
	require.NoError(t, m.Leave(ctx, "c1"))
	assert.Equal(t, []string{EventJoinConversation, EventLeaveConversation}, d.conn(0).sentTypes())
	assert.Empty(t, m.Rooms())
	m.Disconnect()
}

func TestInboundEventsReachSubscribers(t *testing.T) {
	d := &fakeDialer{name: "websocket", script: []func() (Conn, error){succeed("s1")}}
	m := newTestManager(5, d)
	_, err := m.Connect(context.Background(), "tok")
	require.NoError(t, err)

	got := make(chan UserEventPayload, 1)
	sub := On(m, EventUserTyping, func(p UserEventPayload) { got <- p })
	defer sub.Unsubscribe()

	d.conn(0).push(t, EventUserTyping, UserEventPayload{ConversationID: "c1", UserID: "u2", UserName: "Bo"})
	select {
	case p := <-got:
		assert.Equal(t, "u2", p.UserID)
		assert.Equal(t, "c1", p.ConversationID)
	case <-time.After(time.Second):
		t.Fatal("user_typing not delivered")
	}
	m.Disconnect()
}

func TestReconnectRejoinsHeldRooms(t *testing.T) {
	d := &fakeDialer{name: "websocket", script: []func() (Conn, error){
		succeed("s1"), fail(errRefused), succeed("s2"),
	}}
	m := newTestManager(5, d)

	var mu sync.Mutex
	var states []State
	m.OnStatus(func(s Status) {
		mu.Lock()
		states = append(states, s.State)
		mu.Unlock()
	})

	_, err := m.Connect(context.Background(), "tok")
	require.NoError(t, err)
	require.NoError(t, m.Join(context.Background(), "c1"))

	d.conn(0).lost <- errors.New("read: connection reset")

	require.Eventually(t, func() bool {
		return d.conn(1) != nil && m.Connected()
	}, time.Second, time.Millisecond)
	assert.Equal(t, 3, d.Dials())
	require.Eventually(t, func() bool {
		return len(d.conn(1).sentTypes()) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, []string{EventJoinConversation}, d.conn(1).sentTypes())
	assert.Equal(t, "s2", m.Session().ID)

	mu.Lock()
	assert.Contains(t, states, StateReconnecting)
	assert.Equal(t, StateConnected, states[len(states)-1])
	mu.Unlock()
	m.Disconnect()
}

func TestServerDisconnectTriggersReconnect(t *testing.T) {
	d := &fakeDialer{name: "websocket", script: []func() (Conn, error){succeed("s1"), succeed("s2")}}
	m := newTestManager(5, d)
	_, err := m.Connect(context.Background(), "tok")
	require.NoError(t, err)

	d.conn(0).push(t, EventDisconnect, DisconnectPayload{Reason: "server shutdown"})
	require.Eventually(t, func() bool { return d.Dials() == 2 && m.Connected() }, time.Second, time.Millisecond)
	m.Disconnect()
}

func TestReconnectStopsAfterMaxAttempts(t *testing.T) {
	d := &fakeDialer{name: "websocket", script: []func() (Conn, error){succeed("s1"), fail(errRefused)}}
	m := newTestManager(3, d)
	_, err := m.Connect(context.Background(), "tok")
	require.NoError(t, err)

	d.conn(0).lost <- errors.New("eof")
	require.Eventually(t, func() bool { return m.State() == StateFailed }, time.Second, time.Millisecond)
	assert.ErrorIs(t, m.Err(), ErrReconnectExhausted)
	assert.Equal(t, 1+3, d.Dials())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1+3, d.Dials(), "no automatic attempt after exhaustion")

	// an explicit connect starts over
	d.mu.Lock()
	d.script = append(d.script, succeed("s3"))
	d.mu.Unlock()
	_, err = m.Connect(context.Background(), "tok")
	require.NoError(t, err)
	assert.True(t, m.Connected())
	m.Disconnect()
}

func TestAuthErrorEnvelopeIsTerminal(t *testing.T) {
	d := &fakeDialer{name: "websocket", script: []func() (Conn, error){succeed("s1"), succeed("s2")}}
	m := newTestManager(5, d)
	_, err := m.Connect(context.Background(), "tok")
	require.NoError(t, err)

	d.conn(0).push(t, EventAuthError, ErrorPayload{Message: "token revoked"})
	require.Eventually(t, func() bool { return m.State() == StateFailed }, time.Second, time.Millisecond)
	assert.ErrorIs(t, m.Err(), ErrAuthRejected)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.Dials())
	assert.True(t, d.conn(0).isClosed())
}

func TestDisconnectNeverReconnects(t *testing.T) {
	d := &fakeDialer{name: "websocket", script: []func() (Conn, error){succeed("s1"), succeed("s2")}}
	m := newTestManager(5, d)
	_, err := m.Connect(context.Background(), "tok")
	require.NoError(t, err)
	require.NoError(t, m.Join(context.Background(), "c1"))

	m.Disconnect()
	assert.Equal(t, StateClosed, m.State())
	assert.False(t, m.Connected())
	assert.Empty(t, m.Rooms())
	assert.True(t, d.conn(0).isClosed())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.Dials())
}
