// Package livekit adapts live-session role decisions to a LiveKit server:
// role-scoped join tokens, permission updates for connected participants,
// track revocation and room teardown.
package livekit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/twitchtv/twirp"

	"github.com/onnwee/livestage/internal/stream"
)

var (
	// ErrRoomServiceNotConfigured is returned when room service operations are attempted without proper configuration.
	ErrRoomServiceNotConfigured = errors.New("livekit room service not configured")
)

// roomClient is the subset of lksdk.RoomServiceClient used here.
type roomClient interface {
	UpdateParticipant(ctx context.Context, req *livekit.UpdateParticipantRequest) (*livekit.ParticipantInfo, error)
	GetParticipant(ctx context.Context, req *livekit.RoomParticipantIdentity) (*livekit.ParticipantInfo, error)
	MutePublishedTrack(ctx context.Context, req *livekit.MuteRoomTrackRequest) (*livekit.MuteRoomTrackResponse, error)
	DeleteRoom(ctx context.Context, req *livekit.DeleteRoomRequest) (*livekit.DeleteRoomResponse, error)
	UpdateRoomMetadata(ctx context.Context, req *livekit.UpdateRoomMetadataRequest) (*livekit.Room, error)
}

// RoomName is the LiveKit room backing a session.
func RoomName(sessionID string) string {
	return "livestage-" + sessionID
}

// RoomService applies committed session changes to LiveKit.
type RoomService struct {
	roomClient roomClient
	logger     *slog.Logger
}

// NewRoomService creates a new RoomService with the given configuration.
// Returns nil if apiKey, apiSecret, or url is empty (room control will not be available).
func NewRoomService(url, apiKey, apiSecret string, logger *slog.Logger) *RoomService {
	if url == "" || apiKey == "" || apiSecret == "" {
		return nil
	}
	return newRoomService(lksdk.NewRoomServiceClient(url, apiKey, apiSecret), logger)
}

func newRoomService(client roomClient, logger *slog.Logger) *RoomService {
	if logger == nil {
		logger = slog.Default()
	}
	return &RoomService{roomClient: client, logger: logger}
}

// isNotFound reports whether LiveKit answered that the room or participant
// does not exist, which for teardown and revocation means there is nothing to do.
func isNotFound(err error) bool {
	var terr twirp.Error
	return errors.As(err, &terr) && terr.Code() == twirp.NotFound
}

// ParticipantPermission maps publish rights onto a LiveKit permission.
func ParticipantPermission(perms stream.Permissions) *livekit.ParticipantPermission {
	sources := TrackSources(perms)
	return &livekit.ParticipantPermission{
		CanSubscribe:      true,
		CanPublishData:    true,
		CanPublish:        len(sources) > 0,
		CanPublishSources: sources,
	}
}

// TrackSources lists the track sources perms allows.
func TrackSources(perms stream.Permissions) []livekit.TrackSource {
	var sources []livekit.TrackSource
	if perms.Camera {
		sources = append(sources, livekit.TrackSource_CAMERA)
	}
	if perms.Mic {
		sources = append(sources, livekit.TrackSource_MICROPHONE)
	}
	if perms.Screen {
		sources = append(sources, livekit.TrackSource_SCREEN_SHARE, livekit.TrackSource_SCREEN_SHARE_AUDIO)
	}
	return sources
}

// SyncPermissions pushes new publish rights to a connected participant.
func (s *RoomService) SyncPermissions(ctx context.Context, session *stream.Session, participantID string, perms stream.Permissions) error {
	if s.roomClient == nil {
		return ErrRoomServiceNotConfigured
	}

	_, err := s.roomClient.UpdateParticipant(ctx, &livekit.UpdateParticipantRequest{
		Room:       RoomName(session.ID),
		Identity:   participantID,
		Permission: ParticipantPermission(perms),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to update participant permission: %w", err)
	}
	return nil
}

// OnRoleRevoked drops every publish right of participantID and mutes any
// track it still has published.
func (s *RoomService) OnRoleRevoked(ctx context.Context, session *stream.Session, participantID string) error {
	if s.roomClient == nil {
		return ErrRoomServiceNotConfigured
	}
	room := RoomName(session.ID)

	info, err := s.roomClient.UpdateParticipant(ctx, &livekit.UpdateParticipantRequest{
		Room:       room,
		Identity:   participantID,
		Permission: ParticipantPermission(stream.Permissions{}),
	})
	if isNotFound(err) {
		// Not connected, so nothing is published.
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to revoke participant permission: %w", err)
	}

	if info == nil {
		if info, err = s.roomClient.GetParticipant(ctx, &livekit.RoomParticipantIdentity{Room: room, Identity: participantID}); err != nil {
			if isNotFound(err) {
				return nil
			}
			return fmt.Errorf("failed to get participant: %w", err)
		}
	}

	var errs []error
	for _, track := range info.GetTracks() {
		if track.GetMuted() {
			continue
		}
		_, err := s.roomClient.MutePublishedTrack(ctx, &livekit.MuteRoomTrackRequest{
			Room:     room,
			Identity: participantID,
			TrackSid: track.GetSid(),
			Muted:    true,
		})
		if err != nil && !isNotFound(err) {
			errs = append(errs, fmt.Errorf("failed to mute track %s: %w", track.GetSid(), err))
		}
	}
	return errors.Join(errs...)
}

// OnSessionEnded deletes the LiveKit room, disconnecting all participants.
func (s *RoomService) OnSessionEnded(ctx context.Context, session *stream.Session) error {
	if s.roomClient == nil {
		return ErrRoomServiceNotConfigured
	}

	_, err := s.roomClient.DeleteRoom(ctx, &livekit.DeleteRoomRequest{Room: RoomName(session.ID)})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete room: %w", err)
	}
	s.logger.Info("livekit room deleted", slog.String("stream_id", session.ID))
	return nil
}

// RoomMetadata is the JSON stored on the LiveKit room so connected clients
// can render lock and presenter state without a separate fetch.
type RoomMetadata struct {
	Status      stream.Status `json:"status"`
	PresenterID string        `json:"presenter_id,omitempty"`
	CoHostID    string        `json:"cohost_id,omitempty"`
	Version     int64         `json:"version"`
}

// SyncRoomState writes session-level state into the room metadata.
func (s *RoomService) SyncRoomState(ctx context.Context, session *stream.Session) error {
	if s.roomClient == nil {
		return ErrRoomServiceNotConfigured
	}

	meta := RoomMetadata{
		Status:      session.Status,
		PresenterID: session.PresenterID,
		Version:     session.Version,
	}
	if co, ok := session.Roster.AcceptedCoHost(); ok {
		meta.CoHostID = co.ID
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal room metadata: %w", err)
	}

	_, err = s.roomClient.UpdateRoomMetadata(ctx, &livekit.UpdateRoomMetadataRequest{
		Room:     RoomName(session.ID),
		Metadata: string(data),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to update room metadata: %w", err)
	}
	return nil
}
