package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL defines the fallback validity period for issued tokens.
const DefaultTokenTTL = 15 * time.Minute

// VerifierConfig bundles the configuration required to build a Verifier.
type VerifierConfig struct {
	Secret   string
	Issuer   string
	TokenTTL time.Duration
	Clock    func() time.Time
}

// Claims represents the verified claims carried by room tokens. Room binds
// the token to exactly one room key; UserID is optional.
type Claims struct {
	Room   string `json:"room"`
	UserID string `json:"uid,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates room-scoped bearer tokens. Issuing lives here too so
// operators and tests can mint tokens with the same key material, but the
// serving path only ever verifies.
type Verifier struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewVerifier constructs a Verifier when provided with the required configuration.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	if cfg.Secret == "" {
		return nil, errors.New("auth: secret must be provided")
	}

	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	now := time.Now
	if cfg.Clock != nil {
		now = cfg.Clock
	}

	return &Verifier{
		secret: []byte(cfg.Secret),
		issuer: cfg.Issuer,
		ttl:    ttl,
		now:    now,
	}, nil
}

// Issue mints a signed token bound to the given room.
func (v *Verifier) Issue(room, userID string) (string, error) {
	if room == "" {
		return "", errors.New("auth: room is required")
	}

	now := v.now()
	claims := &Claims{
		Room:   room,
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(v.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a signed token, returning its claims.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, errors.New("auth: token string is empty")
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
	)

	var claims Claims
	_, err := parser.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("auth: parse token: %w", err)
	}

	if v.issuer != "" && claims.Issuer != v.issuer {
		return nil, errors.New("auth: invalid issuer")
	}

	if claims.Room == "" {
		return nil, errors.New("auth: missing room claim")
	}

	return &claims, nil
}
