package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestURLSchemes(t *testing.T) {
	u, err := wsURL("http://host:4000")
	require.NoError(t, err)
	assert.Equal(t, "ws://host:4000", u)
	u, err = wsURL("https://host")
	require.NoError(t, err)
	assert.Equal(t, "wss://host", u)
	u, err = wsURL("host:9000")
	require.NoError(t, err)
	assert.Equal(t, "ws://host:9000", u)

	h, err := httpURL("wss://host/")
	require.NoError(t, err)
	assert.Equal(t, "https://host", h)
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// echoServer greets with greeting, then echoes every envelope back.
func echoServer(t *testing.T, greeting Envelope) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "good" || r.Header.Get("Authorization") != "Bearer good" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		b, _ := json.Marshal(greeting)
		_ = ws.WriteMessage(websocket.TextMessage, b)
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			_ = ws.WriteMessage(websocket.TextMessage, []byte("{garbage"))
			_ = ws.WriteMessage(websocket.TextMessage, data)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWebSocketDialAndEcho(t *testing.T) {
	srv := echoServer(t, Envelope{Type: EventConnect, Payload: mustRaw(ConnectPayload{SID: "sid-1"})})
	d := NewWebSocketDialer(WebSocketOptions{PingInterval: 50 * time.Millisecond, PongWait: time.Second}, nil)

	conn, err := d.Dial(context.Background(), srv.URL, "good")
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "sid-1", conn.ID())

	env, _ := NewEnvelope(EventTyping, RoomPayload{ConversationID: "c1"})
	require.NoError(t, conn.Send(context.Background(), env))

	got, err := conn.Receive()
	require.NoError(t, err)
	assert.Equal(t, EventTyping, got.Type)
	var p RoomPayload
	require.NoError(t, got.Decode(&p))
	assert.Equal(t, "c1", p.ConversationID)

	require.NoError(t, conn.Close())
	_, err = conn.Receive()
	assert.ErrorIs(t, err, ErrConnClosed)
	assert.ErrorIs(t, conn.Send(context.Background(), env), ErrConnClosed)
}

func TestWebSocketAuthRejection(t *testing.T) {
	srv := echoServer(t, Envelope{Type: EventConnect})
	d := NewWebSocketDialer(WebSocketOptions{}, nil)
	_, err := d.Dial(context.Background(), srv.URL, "bad")
	assert.ErrorIs(t, err, ErrAuthRejected)

	srv2 := echoServer(t, Envelope{Type: EventAuthError, Payload: mustRaw(ErrorPayload{Message: "expired"})})
	_, err = d.Dial(context.Background(), srv2.URL, "good")
	assert.ErrorIs(t, err, ErrAuthRejected)
	assert.Contains(t, err.Error(), "expired")
}

// silentServer upgrades and never greets.
func silentServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWebSocketGreetingHonoursContext(t *testing.T) {
	srv := silentServer(t)
	d := NewWebSocketDialer(WebSocketOptions{PongWait: 5 * time.Second}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	c, err := d.Dial(ctx, srv.URL, "good")
	assert.Nil(t, c)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	ctx2, cancel2 := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel2()
	}()
	start = time.Now()
	_, err = d.Dial(ctx2, srv.URL, "good")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 2*time.Second)
}

// pollServer is a minimal long-poll endpoint holding one session.
type pollServer struct {
	mu      sync.Mutex
	pending []Envelope
	emitted []Envelope
	closed  bool
}

func (p *pollServer) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/poll/handshake", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_ = json.NewEncoder(w).Encode(ConnectPayload{SID: "poll-1"})
	})
	mux.HandleFunc("/poll/emit", func(w http.ResponseWriter, r *http.Request) {
		var env Envelope
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&env))
		p.mu.Lock()
		p.emitted = append(p.emitted, env)
		p.pending = append(p.pending, env)
		p.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/poll", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "poll-1", r.URL.Query().Get("sid"))
		if r.Method == http.MethodDelete {
			p.mu.Lock()
			p.closed = true
			p.mu.Unlock()
			return
		}
		deadline := time.Now().Add(200 * time.Millisecond)
		for time.Now().Before(deadline) {
			p.mu.Lock()
			batch := p.pending
			p.pending = nil
			p.mu.Unlock()
			if len(batch) > 0 {
				_ = json.NewEncoder(w).Encode(batch)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func TestPollingRoundTrip(t *testing.T) {
	ps := &pollServer{}
	srv := httptest.NewServer(ps.handler(t))
	defer srv.Close()

	d := NewPollingDialer(nil, nil)
	_, err := d.Dial(context.Background(), srv.URL, "bad")
	require.ErrorIs(t, err, ErrAuthRejected)

	conn, err := d.Dial(context.Background(), srv.URL, "good")
	require.NoError(t, err)
	assert.Equal(t, "poll-1", conn.ID())

	for _, ev := range []string{EventJoinConversation, EventTyping} {
		env, _ := NewEnvelope(ev, RoomPayload{ConversationID: "c1"})
		require.NoError(t, conn.Send(context.Background(), env))
	}
	first, err := conn.Receive()
	require.NoError(t, err)
	second, err := conn.Receive()
	require.NoError(t, err)
	assert.Equal(t, EventJoinConversation, first.Type)
	assert.Equal(t, EventTyping, second.Type)

	require.NoError(t, conn.Close())
	ps.mu.Lock()
	assert.True(t, ps.closed)
	ps.mu.Unlock()
	_, err = conn.Receive()
	assert.ErrorIs(t, err, ErrConnClosed)
}
