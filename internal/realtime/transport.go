package realtime

import (
	"context"
	"net/url"
	"strings"
)

// Conn is one established transport session.
type Conn interface {
	// ID is the server-assigned session id.
	ID() string
	// Send queues env for delivery in order.
	Send(ctx context.Context, env Envelope) error
	// Receive blocks until the next inbound envelope or a terminal error.
	// Only one goroutine may call it.
	Receive() (Envelope, error)
	Close() error
}

// Dialer opens a Conn and completes the handshake. An authentication
// rejection must wrap ErrAuthRejected.
type Dialer interface {
	Name() string
	Dial(ctx context.Context, baseURL, token string) (Conn, error)
}

func wsURL(base string) (string, error) {
	if !strings.Contains(base, "://") {
		base = "ws://" + base
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String(), nil
}

func httpURL(base string) (string, error) {
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	return strings.TrimRight(u.String(), "/"), nil
}
