package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// LooksLikeJWT reports whether tok has the three dot-separated segments of a
// compact JWS. Anything else is treated as an opaque bearer token.
func LooksLikeJWT(tok string) bool {
	return strings.Count(tok, ".") == 2
}

// Precheck validates a bearer token before any network activity. The
// signature is not verified; only the shape and the exp claim are checked.
// Opaque tokens pass with nil claims.
func Precheck(tok string, now time.Time) (jwt.MapClaims, error) {
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return nil, ErrEmptyToken
	}
	if !LooksLikeJWT(tok) {
		return nil, nil
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if exp != nil && !now.Before(exp.Time) {
		return nil, ErrTokenExpired
	}
	return claims, nil
}

// Helper to get string claim safely
func GetStringClaim(claims jwt.MapClaims, key string) (string, bool) {
	if v, ok := claims[key]; ok {
		if s, ok := v.(string); ok {
			return s, true
		}
	}
	return "", false
}

// UserID tries the common user id claim keys.
func UserID(claims jwt.MapClaims) (string, error) {
	for _, k := range []string{"sub", "user_id", "userId", "id"} {
		if v, ok := GetStringClaim(claims, k); ok && v != "" {
			return v, nil
		}
	}
	return "", ErrMissingSubject
}
