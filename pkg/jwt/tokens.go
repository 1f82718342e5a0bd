package jwt

import (
	"errors"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

const issuer = "peep"

// Claims defines JWT payload. Actor is recorded as the trigger of executions.
type Claims struct {
	Actor string `json:"actor"`
	jwtlib.RegisteredClaims
}

// GenerateToken issues a signed JWT for actor with provided secret and ttl.
func GenerateToken(actor, secret string, ttl time.Duration) (string, error) {
	if actor == "" {
		return "", errors.New("jwt: actor required")
	}
	now := time.Now()
	claims := Claims{
		Actor: actor,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    issuer,
			Subject:   actor,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// Parse validates and extracts claims from token.
func Parse(token string, secret string) (*Claims, error) {
	parsed, err := jwtlib.ParseWithClaims(token, &Claims{}, func(t *jwtlib.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Name}), jwtlib.WithIssuer(issuer))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Actor == "" {
		return nil, jwtlib.ErrTokenInvalidClaims
	}
	return claims, nil
}
