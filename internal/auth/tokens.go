package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pagelift/coedit/backend/internal/collab"
)

const (
	defaultTokenTTL = 12 * time.Hour
	bearerPrefix    = "Bearer "
)

var (
	ErrMissingSigningSecret = errors.New("auth: signing secret required")
	ErrMissingIssuer        = errors.New("auth: issuer required")
	ErrMissingToken         = errors.New("auth: token required")
	ErrInvalidToken         = errors.New("auth: invalid token")
	ErrExpiredToken         = errors.New("auth: token expired")
)

// Collaborator is the resolved identity carried by a session token.
type Collaborator struct {
	UserID      collab.UserID
	DisplayName collab.DisplayName
}

type sessionClaims struct {
	DisplayName string `json:"display_name"`
	jwt.RegisteredClaims
}

// TokenServiceConfig configures collaborator token issue and validation.
type TokenServiceConfig struct {
	SigningSecret []byte
	Issuer        string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenService issues and validates HS256 collaborator session tokens.
// The token subject is the collaborator's user id; the display name
// rides along so the collaboration core never needs an identity lookup.
type TokenService struct {
	signingSecret []byte
	issuer        string
	tokenTTL      time.Duration
	clock         func() time.Time
}

// NewTokenService validates the configuration and returns a TokenService.
func NewTokenService(cfg TokenServiceConfig) (*TokenService, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingIssuer
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenService{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		tokenTTL:      ttl,
		clock:         clock,
	}, nil
}

// Issue produces a signed session token and its expiry in seconds.
func (s *TokenService) Issue(collaborator Collaborator) (string, int64, error) {
	if collaborator.UserID == "" {
		return "", 0, fmt.Errorf("%w: user id required", ErrInvalidToken)
	}

	now := s.clock().UTC()
	expiresAt := now.Add(s.tokenTTL)

	claims := sessionClaims{
		DisplayName: collaborator.DisplayName.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   collaborator.UserID.String(),
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingSecret)
	if err != nil {
		return "", 0, err
	}
	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// Validate parses a session token and returns the collaborator it names.
func (s *TokenService) Validate(tokenString string) (Collaborator, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return Collaborator{}, ErrMissingToken
	}

	claims := &sessionClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidToken, t.Method.Alg())
			}
			return s.signingSecret, nil
		},
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(s.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Collaborator{}, ErrExpiredToken
		}
		return Collaborator{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return Collaborator{}, ErrInvalidToken
	}

	userID, err := collab.NewUserID(claims.Subject)
	if err != nil {
		return Collaborator{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	displayName := collab.DisplayName(strings.TrimSpace(claims.DisplayName))
	if displayName == "" {
		displayName = collab.DisplayName(userID.String())
	}
	return Collaborator{UserID: userID, DisplayName: displayName}, nil
}

// ValidateRequest reads the bearer token from the Authorization header.
func (s *TokenService) ValidateRequest(r *http.Request) (Collaborator, error) {
	if r == nil {
		return Collaborator{}, ErrMissingToken
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, bearerPrefix) {
		return Collaborator{}, ErrMissingToken
	}
	return s.Validate(strings.TrimPrefix(header, bearerPrefix))
}
