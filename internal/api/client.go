package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/TPCP-Project/tpcp-chat/internal/logger"
	"github.com/TPCP-Project/tpcp-chat/internal/metrics"
)

type Config struct {
	BaseURL string
	Token   string
	// RetryMaxElapsed bounds retries of idempotent GETs. Zero disables retry.
	RetryMaxElapsed time.Duration
	BreakerFailures uint32
	BreakerInterval time.Duration
	BreakerTimeout  time.Duration
	// HTTPClient defaults to a client without a timeout; callers bound
	// requests through ctx.
	HTTPClient *http.Client
}

// Client is a typed wrapper over the /api/chat REST endpoints.
type Client struct {
	base    string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
	log     *zap.Logger
	metrics *metrics.Metrics
	retry   time.Duration

	mu    sync.RWMutex
	token string
}

func New(cfg Config, log *zap.Logger, m *metrics.Metrics) *Client {
	log = logger.OrNop(log)
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	maxFailures := cfg.BreakerFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	st := gobreaker.Settings{
		Name:        "chat-api",
		MaxRequests: 1,
		Interval:    cfg.BreakerInterval,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Info("circuit breaker state", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	return &Client{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		http:    hc,
		cb:      gobreaker.NewCircuitBreaker(st),
		log:     log,
		metrics: m,
		retry:   cfg.RetryMaxElapsed,
		token:   cfg.Token,
	}
}

// SetToken replaces the bearer token used for subsequent calls.
func (c *Client) SetToken(tok string) {
	c.mu.Lock()
	c.token = tok
	c.mu.Unlock()
}

func (c *Client) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

type envelope struct {
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

type rawResponse struct {
	status int
	body   []byte
}

// do sends one request and decodes the envelope's data into out (if non-nil).
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	tok := c.bearer()
	if tok == "" {
		return ErrNoToken
	}
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var payload []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		payload = b
	}

	attempt := func() (*rawResponse, error) {
		res, err := c.cb.Execute(func() (interface{}, error) {
			r, err := c.roundTrip(ctx, method, u, tok, payload)
			if err != nil {
				return nil, err
			}
			if r.status >= 500 {
				return r, decodeError(r.status, r.body)
			}
			return r, nil
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, backoff.Permanent(fmt.Errorf("%w: %v", ErrCircuitOpen, err))
		}
		if err != nil {
			return nil, err
		}
		return res.(*rawResponse), nil
	}

	var res *rawResponse
	var err error
	if method == http.MethodGet && c.retry > 0 {
		b := backoff.NewExponentialBackOff()
		b.MaxElapsedTime = c.retry
		err = backoff.Retry(func() error {
			r, aerr := attempt()
			if aerr != nil {
				return aerr
			}
			res = r
			return nil
		}, backoff.WithContext(b, ctx))
	} else {
		res, err = attempt()
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
	}
	if err != nil {
		c.metrics.APIRequest(method, outcome(err))
		c.log.Debug("api request failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
		return err
	}
	if res.status >= 400 {
		c.metrics.APIRequest(method, "error")
		return decodeError(res.status, res.body)
	}
	c.metrics.APIRequest(method, "ok")

	if out == nil || len(res.body) == 0 {
		return nil
	}
	var env envelope
	if err := json.Unmarshal(res.body, &env); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode %s %s data: %w", method, path, err)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method, u, tok string, payload []byte) (*rawResponse, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &rawResponse{status: resp.StatusCode, body: b}, nil
}

func outcome(err error) string {
	switch {
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
