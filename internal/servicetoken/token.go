// Package servicetoken issues and checks the HS256 bearer tokens the LMS
// presents to the ledger on both transports.
package servicetoken

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// Audience is the only audience the ledger accepts.
	Audience = "ledger"

	DefaultIssuer   = "lms"
	DefaultLifetime = time.Minute

	bearerPrefix = "bearer "
)

var (
	ErrMissingToken  = errors.New("service token is missing")
	ErrInvalidToken  = errors.New("service token is invalid")
	ErrInvalidConfig = errors.New("invalid service token config")
)

// Claims identifies the calling service.
type Claims struct {
	Service string `json:"svc"`
	jwt.RegisteredClaims
}

// Issuer mints short-lived tokens for outgoing calls.
type Issuer struct {
	key      []byte
	issuer   string
	service  string
	lifetime time.Duration
	now      func() time.Time
}

// NewIssuer validates the signing configuration.
func NewIssuer(key string, issuer string, service string, lifetime time.Duration) (*Issuer, error) {
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("%w: signing key is empty", ErrInvalidConfig)
	}
	if strings.TrimSpace(issuer) == "" {
		issuer = DefaultIssuer
	}
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	return &Issuer{key: []byte(key), issuer: issuer, service: service, lifetime: lifetime, now: time.Now}, nil
}

// Mint returns a signed token valid for the issuer's lifetime.
func (issuer *Issuer) Mint() (string, error) {
	now := issuer.now().UTC()
	claims := Claims{
		Service: issuer.service,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   issuer.service,
			Issuer:    issuer.issuer,
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(now.Add(issuer.lifetime)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(issuer.key)
	if err != nil {
		return "", fmt.Errorf("sign service token: %w", err)
	}
	return signed, nil
}

// Verifier checks incoming tokens.
type Verifier struct {
	key    []byte
	issuer string
	now    func() time.Time
}

// NewVerifier validates the verification configuration.
func NewVerifier(key string, issuer string) (*Verifier, error) {
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("%w: signing key is empty", ErrInvalidConfig)
	}
	if strings.TrimSpace(issuer) == "" {
		issuer = DefaultIssuer
	}
	return &Verifier{key: []byte(key), issuer: issuer, now: time.Now}, nil
}

// Verify parses raw, which may carry a "Bearer " prefix.
func (verifier *Verifier) Verify(raw string) (*Claims, error) {
	token := strings.TrimSpace(raw)
	if len(token) >= len(bearerPrefix) && strings.EqualFold(token[:len(bearerPrefix)], bearerPrefix) {
		token = strings.TrimSpace(token[len(bearerPrefix):])
	}
	if token == "" {
		return nil, ErrMissingToken
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(parsed *jwt.Token) (any, error) {
		return verifier.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(verifier.issuer),
		jwt.WithAudience(Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(verifier.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return claims, nil
}
