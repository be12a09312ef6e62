package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/TPCP-Project/tpcp-chat/internal/logger"
)

const TransportPolling = "polling"

// PollingDialer is the HTTP long-polling fallback:
//
//	POST {base}/poll/handshake      -> {"sid": "..."}
//	GET  {base}/poll?sid=           -> []Envelope, or 204 when idle
//	POST {base}/poll/emit?sid=      <- Envelope
//	DELETE {base}/poll?sid=         closes the session
type PollingDialer struct {
	http *http.Client
	log  *zap.Logger
}

func NewPollingDialer(hc *http.Client, log *zap.Logger) *PollingDialer {
	if hc == nil {
		hc = &http.Client{}
	}
	return &PollingDialer{http: hc, log: logger.OrNop(log)}
}

func (d *PollingDialer) Name() string { return TransportPolling }

func (d *PollingDialer) Dial(ctx context.Context, baseURL, token string) (Conn, error) {
	base, err := httpURL(baseURL)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/poll/handshake", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := d.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("polling handshake: %w", err)
	}
	defer resp.Body.Close()
	if err := statusError(resp); err != nil {
		return nil, fmt.Errorf("polling handshake: %w", err)
	}
	var hello ConnectPayload
	if err := json.NewDecoder(resp.Body).Decode(&hello); err != nil || hello.SID == "" {
		return nil, fmt.Errorf("polling handshake: missing sid")
	}

	pctx, cancel := context.WithCancel(context.Background())
	return &pollConn{
		base:   base,
		token:  token,
		sid:    hello.SID,
		http:   d.http,
		ctx:    pctx,
		cancel: cancel,
		log:    d.log.With(zap.String("transport", TransportPolling), zap.String("sid", hello.SID)),
	}, nil
}

func statusError(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: http %d", ErrAuthRejected, resp.StatusCode)
	case resp.StatusCode >= 300:
		return fmt.Errorf("http %d", resp.StatusCode)
	}
	return nil
}

type pollConn struct {
	base   string
	token  string
	sid    string
	http   *http.Client
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	log    *zap.Logger

	// only touched by the Receive goroutine
	queue []Envelope
}

func (c *pollConn) ID() string { return c.sid }

func (c *pollConn) endpoint(path string) string {
	return c.base + path + "?sid=" + url.QueryEscape(c.sid)
}

func (c *pollConn) Send(ctx context.Context, env Envelope) error {
	if c.ctx.Err() != nil {
		return ErrConnClosed
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/poll/emit"), bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return statusError(resp)
}

func (c *pollConn) Receive() (Envelope, error) {
	for len(c.queue) == 0 {
		batch, err := c.poll()
		if err != nil {
			if c.ctx.Err() != nil {
				return Envelope{}, ErrConnClosed
			}
			return Envelope{}, err
		}
		c.queue = batch
	}
	env := c.queue[0]
	c.queue = c.queue[1:]
	return env, nil
}

func (c *pollConn) poll() ([]Envelope, error) {
	req, err := http.NewRequestWithContext(c.ctx, http.MethodGet, c.endpoint("/poll"), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if err := statusError(resp); err != nil {
		return nil, err
	}
	var batch []Envelope
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return nil, fmt.Errorf("decode poll batch: %w", err)
	}
	out := batch[:0]
	for _, env := range batch {
		if env.Type != "" {
			out = append(out, env)
		}
	}
	return out, nil
}

func (c *pollConn) Close() error {
	c.once.Do(func() {
		c.cancel()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.endpoint("/poll"), nil)
		if err != nil {
			return
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		if resp, err := c.http.Do(req); err == nil {
			resp.Body.Close()
		} else {
			c.log.Debug("close poll session", zap.Error(err))
		}
	})
	return nil
}
