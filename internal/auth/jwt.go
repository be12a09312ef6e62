package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// HS256 signs and validates the tokens the simulator accepts.
type HS256 struct {
	secret []byte
}

func NewHS256(secret string) (*HS256, error) {
	if secret == "" {
		return nil, errors.New("hs256 secret required")
	}
	return &HS256{secret: []byte(secret)}, nil
}

func ParseBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header empty")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return "", errors.New("invalid authorization header format")
	}
	return parts[1], nil
}

// Validate returns the subject (user id) on success
func (h *HS256) Validate(tokenStr string) (string, error) {
	id, err := h.Identify(tokenStr)
	return id.UserID, err
}

// Identity is the caller named by a verified token.
type Identity struct {
	UserID string
	Name   string
}

// Identify verifies tokenStr and returns the user id and, when present, the
// name claim.
func (h *HS256) Identify(tokenStr string) (Identity, error) {
	if tokenStr == "" {
		return Identity{}, ErrEmptyToken
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	tok, err := parser.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		return h.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrTokenExpired
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok || !tok.Valid {
		return Identity{}, ErrInvalidToken
	}
	id, err := UserID(claims)
	if err != nil {
		return Identity{}, err
	}
	name, _ := GetStringClaim(claims, "name")
	return Identity{UserID: id, Name: name}, nil
}

// Issue mints a token for userID valid for ttl. Extra claims are merged in.
func (h *HS256) Issue(userID string, ttl time.Duration, extra map[string]any) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	for k, v := range extra {
		claims[k] = v
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(h.secret)
}
