package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultTokenTTL = 5 * time.Minute

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingSessionClaim  = errors.New("session claim must be provided")
	errMissingActorClaim    = errors.New("actor claim must be provided")
)

// tokenClaims binds a session handle to the actor that opened it. The token
// does not authenticate the actor; it only prevents one session's handle from
// being replayed under a different name.
type tokenClaims struct {
	Actor string `json:"actor"`
	jwt.RegisteredClaims
}

// TokenManagerConfig configures the session token signer.
type TokenManagerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenManager signs and validates session handle tokens.
type TokenManager struct {
	config TokenManagerConfig
	clock  func() time.Time
}

// NewTokenManager constructs a TokenManager with sane defaults.
func NewTokenManager(cfg TokenManagerConfig) *TokenManager {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenManager{
		config: TokenManagerConfig{
			SigningSecret: cfg.SigningSecret,
			Issuer:        cfg.Issuer,
			Audience:      cfg.Audience,
			TokenTTL:      ttl,
			Clock:         clock,
		},
		clock: clock,
	}
}

// TokenTTL exposes the configured token lifetime.
func (m *TokenManager) TokenTTL() time.Duration {
	return m.config.TokenTTL
}

// IssueSessionToken produces a signed token for the session id and actor pair.
func (m *TokenManager) IssueSessionToken(sessionID, actor string) (string, error) {
	if len(m.config.SigningSecret) == 0 {
		return "", errMissingSigningSecret
	}
	if sessionID == "" {
		return "", errMissingSessionClaim
	}
	if actor == "" {
		return "", errMissingActorClaim
	}

	now := m.clock().UTC()
	claims := tokenClaims{
		Actor: actor,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sessionID,
			Issuer:    m.config.Issuer,
			Audience:  []string{m.config.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.config.TokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.config.SigningSecret)
}

// ValidateSessionToken ensures the token is well formed and returns the bound
// session id and actor name.
func (m *TokenManager) ValidateSessionToken(tokenString string) (string, string, error) {
	if len(m.config.SigningSecret) == 0 {
		return "", "", errMissingSigningSecret
	}

	claims := &tokenClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return m.config.SigningSecret, nil
		},
		jwt.WithAudience(m.config.Audience),
		jwt.WithIssuer(m.config.Issuer),
		jwt.WithTimeFunc(m.clock),
	)
	if err != nil {
		return "", "", err
	}
	if claims.Subject == "" {
		return "", "", errMissingSessionClaim
	}
	if claims.Actor == "" {
		return "", "", errMissingActorClaim
	}
	return claims.Subject, claims.Actor, nil
}
