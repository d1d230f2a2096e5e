package sessions

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// shareTokenTTL bounds how long a share link stays valid.
const shareTokenTTL = 90 * 24 * time.Hour

type shareClaims struct {
	SessionID string `json:"session_id"`
	jwt.RegisteredClaims
}

// mintShareToken signs a share capability token for a session. The token is
// self-describing: resolving it needs no server-side lookup table beyond the
// shared flag on the session's metadata.
func mintShareToken(key []byte, sessionID string) (string, error) {
	now := time.Now()
	claims := shareClaims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(shareTokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign share token: %w", err)
	}
	return signed, nil
}

// verifyShareToken checks signature and expiry and returns the session id.
func verifyShareToken(key []byte, token string) (string, error) {
	var claims shareClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return key, nil
	})
	if err != nil || !parsed.Valid || claims.SessionID == "" {
		return "", ErrShareInvalid
	}
	return claims.SessionID, nil
}
