package jwt

import (
	"fmt"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

const defaultSecret = "toolgate-secret-change-me"

var secret = []byte(defaultSecret)

// SetSecret configures the JWT signing secret (call on startup).
func SetSecret(s string) {
	if s != "" {
		secret = []byte(s)
	}
}

// StateClaims is the payload carried across OAuth redirects. The state is
// signed, not encrypted; it travels only through provider redirects and the
// caller's own browser.
type StateClaims struct {
	Payload map[string]string `json:"payload"`
	jwtlib.RegisteredClaims
}

// SignState creates a signed state token carrying the given payload.
func SignState(payload map[string]string, ttl time.Duration) (string, error) {
	claims := StateClaims{
		Payload: payload,
		RegisteredClaims: jwtlib.RegisteredClaims{
			ExpiresAt: jwtlib.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwtlib.NewNumericDate(time.Now()),
		},
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ParseState validates a state token and returns its payload.
func ParseState(tokenStr string) (map[string]string, error) {
	token, err := jwtlib.ParseWithClaims(tokenStr, &StateClaims{}, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*StateClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid state token")
	}
	if claims.Payload == nil {
		return map[string]string{}, nil
	}
	return claims.Payload, nil
}
