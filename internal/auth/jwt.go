// Package auth validates the bearer tokens that identify the acting
// participant on every request.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token type constants for the typ claim.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Token expiration durations.
const (
	AccessTokenExpiry  = 15 * time.Minute
	RefreshTokenExpiry = 7 * 24 * time.Hour
)

// Issuer is stamped into every token and required on validation.
const Issuer = "livestage"

// Default leeway for token validation.
const DefaultLeeway = 30 * time.Second

// ErrInvalidToken is returned when token validation fails.
var ErrInvalidToken = errors.New("invalid token")

// ErrExpiredToken is returned when the token has expired.
var ErrExpiredToken = errors.New("token has expired")

// ErrEmptyParticipantID is returned when a token is requested without a subject.
var ErrEmptyParticipantID = errors.New("participant id cannot be empty")

// ErrWrongTokenType is returned when a refresh token is presented where an
// access token is required.
var ErrWrongTokenType = errors.New("wrong token type")

// Claims carries the participant identity. The subject is the participant id
// used in session rosters.
type Claims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"` // display name, informational only
	Type string `json:"typ"`
}

// ParticipantID returns the acting participant.
func (c *Claims) ParticipantID() string {
	return c.Subject
}

// JWTService handles JWT token operations.
// Supports dual-key rotation: tokens are signed with currentSecret,
// but can be validated with either currentSecret or previousSecret.
type JWTService struct {
	currentSecret  []byte
	previousSecret []byte
	leeway         time.Duration
	now            func() time.Time
}

// NewJWTService creates a new JWTService with the given secret.
func NewJWTService(secret string) *JWTService {
	return NewJWTServiceWithRotationAndLeeway(secret, "", DefaultLeeway)
}

// NewJWTServiceWithLeeway creates a new JWTService with custom leeway.
func NewJWTServiceWithLeeway(secret string, leeway time.Duration) *JWTService {
	return NewJWTServiceWithRotationAndLeeway(secret, "", leeway)
}

// NewJWTServiceWithRotation creates a JWTService that still accepts tokens
// signed with previousSecret. Pass "" when no rotation is in progress.
func NewJWTServiceWithRotation(currentSecret, previousSecret string) *JWTService {
	return NewJWTServiceWithRotationAndLeeway(currentSecret, previousSecret, DefaultLeeway)
}

// NewJWTServiceWithRotationAndLeeway creates a new JWTService with dual-key support and custom leeway.
func NewJWTServiceWithRotationAndLeeway(currentSecret, previousSecret string, leeway time.Duration) *JWTService {
	svc := &JWTService{
		currentSecret: []byte(currentSecret),
		leeway:        leeway,
		now:           time.Now,
	}
	if previousSecret != "" {
		svc.previousSecret = []byte(previousSecret)
	}
	return svc
}

func (s *JWTService) sign(participantID, name, typ string, ttl time.Duration) (string, error) {
	if participantID == "" {
		return "", ErrEmptyParticipantID
	}

	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   participantID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Name: name,
		Type: typ,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.currentSecret)
}

// GenerateAccessToken creates a 15 minute access token for participantID.
func (s *JWTService) GenerateAccessToken(participantID, name string) (string, error) {
	return s.sign(participantID, name, TokenTypeAccess, AccessTokenExpiry)
}

// GenerateRefreshToken creates a 7 day refresh token for participantID.
func (s *JWTService) GenerateRefreshToken(participantID string) (string, error) {
	return s.sign(participantID, "", TokenTypeRefresh, RefreshTokenExpiry)
}

// ValidateToken parses and validates a JWT token, returning the claims if valid.
// The current secret is tried first, then the previous one if configured.
func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	secrets := [][]byte{s.currentSecret}
	if s.previousSecret != nil {
		secrets = append(secrets, s.previousSecret)
	}

	expired := false
	for _, secret := range secrets {
		claims, err := s.parse(tokenString, secret)
		if err == nil {
			return claims, nil
		}
		expired = expired || errors.Is(err, jwt.ErrTokenExpired)
	}

	if expired {
		return nil, ErrExpiredToken
	}
	return nil, ErrInvalidToken
}

// ValidateAccessToken is ValidateToken restricted to access tokens.
func (s *JWTService) ValidateAccessToken(tokenString string) (*Claims, error) {
	claims, err := s.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Type != TokenTypeAccess {
		return nil, ErrWrongTokenType
	}
	return claims, nil
}

func (s *JWTService) parse(tokenString string, secret []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, ErrInvalidToken
		}
		return secret, nil
	},
		jwt.WithLeeway(s.leeway),
		jwt.WithIssuer(Issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
