package livekit

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/livekit/protocol/auth"

	"github.com/onnwee/livestage/internal/stream"
)

// Token expiry configuration
const (
	DefaultTokenExpiry = 5 * time.Minute
	MinTokenExpiry     = 1 * time.Minute
	MaxTokenExpiry     = 15 * time.Minute
)

var (
	// ErrInvalidExpiry is returned when token expiry is outside valid bounds.
	ErrInvalidExpiry = errors.New("token expiry must be between 1 and 15 minutes")

	// ErrMissingAPIKey is returned when API key is empty.
	ErrMissingAPIKey = errors.New("livekit API key is required")

	// ErrMissingAPISecret is returned when API secret is empty.
	ErrMissingAPISecret = errors.New("livekit API secret is required")

	// ErrMissingRoomName is returned when room name is empty.
	ErrMissingRoomName = errors.New("room name is required")

	// ErrMissingIdentity is returned when identity is empty.
	ErrMissingIdentity = errors.New("participant identity is required")
)

// TokenService issues LiveKit access tokens whose publish grants follow the
// holder's stage in the session.
type TokenService struct {
	apiKey    string
	apiSecret string
}

// NewTokenService creates a new TokenService with the given API credentials.
func NewTokenService(apiKey, apiSecret string) (*TokenService, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	if apiSecret == "" {
		return nil, ErrMissingAPISecret
	}

	return &TokenService{
		apiKey:    apiKey,
		apiSecret: apiSecret,
	}, nil
}

// TokenRequest represents the parameters for generating a LiveKit access token.
type TokenRequest struct {
	RoomName    string             // Required: LiveKit room name
	Identity    string             // Required: participant identity
	Expiry      time.Duration      // Token expiry (defaults to DefaultTokenExpiry if zero)
	Permissions stream.Permissions // Publish rights; the zero value is subscribe-only
	Metadata    map[string]any     // Optional: attached to the participant as JSON
}

// TokenResponse represents the generated token with expiry information.
type TokenResponse struct {
	Token       string             `json:"token"`
	ExpiresAt   time.Time          `json:"expires_at"`
	RoomName    string             `json:"room_name"`
	Permissions stream.Permissions `json:"permissions"`
}

// GenerateToken creates a new LiveKit access token with the specified parameters.
func (s *TokenService) GenerateToken(req *TokenRequest) (*TokenResponse, error) {
	if req.RoomName == "" {
		return nil, ErrMissingRoomName
	}
	if req.Identity == "" {
		return nil, ErrMissingIdentity
	}

	expiry := req.Expiry
	if expiry == 0 {
		expiry = DefaultTokenExpiry
	}
	if expiry < MinTokenExpiry || expiry > MaxTokenExpiry {
		return nil, ErrInvalidExpiry
	}
	expiresAt := time.Now().Add(expiry)

	sources := TrackSources(req.Permissions)
	grant := &auth.VideoGrant{
		RoomJoin: true,
		Room:     req.RoomName,
	}
	grant.SetCanSubscribe(true)
	grant.SetCanPublishData(true)
	grant.SetCanPublish(len(sources) > 0)
	grant.SetCanPublishSources(sources)

	at := auth.NewAccessToken(s.apiKey, s.apiSecret)
	at.SetIdentity(req.Identity)
	at.AddGrant(grant)
	at.SetValidFor(expiry)

	if len(req.Metadata) > 0 {
		at.SetMetadata(formatMetadata(req.Metadata))
	}

	token, err := at.ToJWT()
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	return &TokenResponse{
		Token:       token,
		ExpiresAt:   expiresAt.UTC(),
		RoomName:    req.RoomName,
		Permissions: req.Permissions,
	}, nil
}

// SessionToken issues a token for identity scoped to what the session
// currently lets it publish.
func (s *TokenService) SessionToken(session *stream.Session, identity string, expiry time.Duration) (*TokenResponse, error) {
	p, _ := session.Roster.Find(identity)
	return s.GenerateToken(&TokenRequest{
		RoomName:    RoomName(session.ID),
		Identity:    identity,
		Expiry:      expiry,
		Permissions: stream.PermissionsFor(session, identity),
		Metadata: map[string]any{
			"stream_id":    session.ID,
			"display_role": p.Stage.DisplayRole(),
			"stream_role":  p.Stage.StreamRole(),
		},
	})
}

// formatMetadata converts a metadata map to a JSON string for the token.
func formatMetadata(metadata map[string]any) string {
	data, err := json.Marshal(metadata)
	if err != nil {
		return "{}"
	}
	return string(data)
}
