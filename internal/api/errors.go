package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrCircuitOpen = errors.New("api: circuit open")
	ErrNoToken     = errors.New("api: no bearer token")
)

// Error is a non-2xx response from the chat API.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api: %d %s", e.StatusCode, e.Message)
}

// Temporary reports whether the request may succeed if repeated.
func (e *Error) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// StatusCode extracts the HTTP status from err, or 0 if err is not an *Error.
func StatusCode(err error) int {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.StatusCode
	}
	return 0
}

// decodeError builds an *Error from a failed response body, preferring the
// body's "message", then its "error", then the HTTP status text.
func decodeError(status int, body []byte) *Error {
	var b struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	_ = json.Unmarshal(body, &b)
	msg := strings.TrimSpace(b.Message)
	if msg == "" {
		msg = strings.TrimSpace(b.Error)
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &Error{StatusCode: status, Message: msg}
}
