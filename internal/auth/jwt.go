package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RoleCallLeg is the only role allowed on the call-leg websocket
const RoleCallLeg = "call_leg"

var (
	ErrInvalidRole = errors.New("token role is not allowed")
	ErrEmptySecret = errors.New("jwt secret is empty")
)

// CallClaims represents the claims in a call-leg token
type CallClaims struct {
	CallID string `json:"call_id,omitempty"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and validates call-leg tokens with a shared HMAC secret
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer creates an issuer. ttl defaults to one hour.
func NewTokenIssuer(secret string, ttl time.Duration) (*TokenIssuer, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// GenerateCallToken issues a token for one call. An empty callID lets the
// call leg announce its own id in the start event.
func (i *TokenIssuer) GenerateCallToken(callID string) (string, time.Time, error) {
	now := i.now()
	expiresAt := now.Add(i.ttl)
	claims := &CallClaims{
		CallID: callID,
		Role:   RoleCallLeg,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign call token: %w", err)
	}
	return signed, expiresAt, nil
}

// ValidateToken validates a call-leg token and returns the claims
func (i *TokenIssuer) ValidateToken(tokenString string) (*CallClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CallClaims{}, func(token *jwt.Token) (interface{}, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(i.now))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*CallClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.Role != RoleCallLeg {
		return nil, ErrInvalidRole
	}
	return claims, nil
}
