package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/TPCP-Project/tpcp-chat/internal/logger"
)

const TransportWebSocket = "websocket"

type WebSocketOptions struct {
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
}

func (o *WebSocketOptions) defaults() {
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = o.PongWait * 9 / 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 64 * 1024
	}
}

// WebSocketDialer connects to GET {base}/ws.
type WebSocketDialer struct {
	opts   WebSocketOptions
	dialer *websocket.Dialer
	log    *zap.Logger
}

func NewWebSocketDialer(opts WebSocketOptions, log *zap.Logger) *WebSocketDialer {
	opts.defaults()
	d := *websocket.DefaultDialer
	return &WebSocketDialer{opts: opts, dialer: &d, log: logger.OrNop(log)}
}

func (d *WebSocketDialer) Name() string { return TransportWebSocket }

func (d *WebSocketDialer) Dial(ctx context.Context, baseURL, token string) (Conn, error) {
	base, err := wsURL(baseURL)
	if err != nil {
		return nil, err
	}
	u := strings.TrimRight(base, "/") + "/ws?token=" + url.QueryEscape(token)
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+token)

	ws, resp, err := d.dialer.DialContext(ctx, u, hdr)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: http %d", ErrAuthRejected, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	// the first frame is either connect{sid} or auth_error
	deadline := time.Now().Add(d.opts.PongWait)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = ws.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	_, data, err := ws.ReadMessage()
	if !stop() {
		// ctx ended while waiting; the socket is already closed
		return nil, fmt.Errorf("websocket handshake: %w", ctx.Err())
	}
	if err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("websocket handshake: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("websocket handshake: %w", err)
	}
	switch env.Type {
	case EventConnect:
	case EventAuthError:
		_ = ws.Close()
		return nil, fmt.Errorf("%w: %s", ErrAuthRejected, errorMessage(env))
	default:
		_ = ws.Close()
		return nil, fmt.Errorf("websocket handshake: unexpected %q", env.Type)
	}
	var hello ConnectPayload
	_ = env.Decode(&hello)

	c := &wsConn{
		ws:   ws,
		id:   hello.SID,
		opts: d.opts,
		send: make(chan []byte, 256),
		done: make(chan struct{}),
		log:  d.log.With(zap.String("transport", TransportWebSocket), zap.String("sid", hello.SID)),
	}
	ws.SetReadLimit(d.opts.MaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(d.opts.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(d.opts.PongWait))
	})
	go c.writePump()
	return c, nil
}

type wsConn struct {
	ws   *websocket.Conn
	id   string
	opts WebSocketOptions
	send chan []byte
	done chan struct{}
	once sync.Once
	log  *zap.Logger
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(ctx context.Context, env Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- b:
		return nil
	case <-c.done:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive skips malformed frames.
func (c *wsConn) Receive() (Envelope, error) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return Envelope{}, ErrConnClosed
			default:
			}
			return Envelope{}, err
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			c.log.Debug("dropping malformed frame", zap.Int("bytes", len(data)))
			continue
		}
		return env, nil
	}
}

// writePump writes messages from send channel to websocket.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debug("write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			// ping to keep connection alive
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) Close() error {
	c.once.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.WriteWait))
		_ = c.ws.Close()
	})
	return nil
}

func errorMessage(env Envelope) string {
	var p ErrorPayload
	if err := env.Decode(&p); err != nil || p.Message == "" {
		return env.Type
	}
	return p.Message
}
