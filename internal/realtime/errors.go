package realtime

import (
	"errors"

	"github.com/TPCP-Project/tpcp-chat/internal/auth"
)

var (
	ErrEmptyToken     = auth.ErrEmptyToken
	ErrMalformedToken = auth.ErrMalformedToken
	ErrTokenExpired   = auth.ErrTokenExpired

	ErrNotConnected       = errors.New("realtime: not connected")
	ErrAuthRejected       = errors.New("realtime: authentication rejected")
	ErrReconnectExhausted = errors.New("realtime: reconnect attempts exhausted")
	ErrNoTransports       = errors.New("realtime: no transports configured")
	ErrConnClosed         = errors.New("realtime: connection closed")
	ErrServerDisconnect   = errors.New("realtime: server closed the session")
)
