package stream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// DisplayRole is the coarse, display-oriented role of a participant.
type DisplayRole string

// Display roles.
const (
	DisplayRoleHost        DisplayRole = "host"
	DisplayRoleParticipant DisplayRole = "participant"
)

// StreamRole authorizes media publishing.
type StreamRole string

// Stream roles.
const (
	StreamRoleHost     StreamRole = "host"
	StreamRoleCoHost   StreamRole = "co-host"
	StreamRoleAudience StreamRole = "audience"
)

// InvitationStatus is only meaningful when the stream role is co-host.
// The empty value is the null status.
type InvitationStatus string

// Invitation statuses.
const (
	InvitationNone     InvitationStatus = ""
	InvitationPending  InvitationStatus = "pending"
	InvitationAccepted InvitationStatus = "accepted"
)

// Stage is the closed set of legal (stream role, invitation status) pairs.
// Modelling the pair as one value makes states such as audience+accepted
// unrepresentable.
type Stage int

// Stages. The zero value is StageAudience.
const (
	StageAudience Stage = iota
	StageCoHostPending
	StageCoHostAccepted
	StageHost
)

// StreamRole returns the stream role carried by the stage.
func (s Stage) StreamRole() StreamRole {
	switch s {
	case StageHost:
		return StreamRoleHost
	case StageCoHostPending, StageCoHostAccepted:
		return StreamRoleCoHost
	default:
		return StreamRoleAudience
	}
}

// InvitationStatus returns the invitation status carried by the stage.
func (s Stage) InvitationStatus() InvitationStatus {
	switch s {
	case StageCoHostPending:
		return InvitationPending
	case StageCoHostAccepted:
		return InvitationAccepted
	default:
		return InvitationNone
	}
}

// DisplayRole returns the display role for the stage.
func (s Stage) DisplayRole() DisplayRole {
	if s == StageHost {
		return DisplayRoleHost
	}
	return DisplayRoleParticipant
}

// OnStage reports whether the stage grants publish rights (host or accepted co-host).
func (s Stage) OnStage() bool {
	return s == StageHost || s == StageCoHostAccepted
}

// IsCoHost reports whether the stage holds the co-host slot, pending or accepted.
func (s Stage) IsCoHost() bool {
	return s == StageCoHostPending || s == StageCoHostAccepted
}

func (s Stage) String() string {
	if inv := s.InvitationStatus(); inv != InvitationNone {
		return string(s.StreamRole()) + "/" + string(inv)
	}
	return string(s.StreamRole())
}

// StageFrom converts the persisted (stream role, invitation status) pair into a Stage.
// Illegal combinations are rejected.
func StageFrom(role StreamRole, inv InvitationStatus) (Stage, error) {
	switch role {
	case StreamRoleHost:
		if inv == InvitationNone {
			return StageHost, nil
		}
	case StreamRoleAudience:
		if inv == InvitationNone {
			return StageAudience, nil
		}
	case StreamRoleCoHost:
		switch inv {
		case InvitationPending:
			return StageCoHostPending, nil
		case InvitationAccepted:
			return StageCoHostAccepted, nil
		}
	}
	return StageAudience, fmt.Errorf("%w: stream_role=%q invitation_status=%q", ErrInvalidStage, role, inv)
}

// Participant is one person's presence record within a session.
type Participant struct {
	ID       string
	Stage    Stage
	JoinedAt time.Time
}

// participantRecord is the persisted shape of a Participant.
type participantRecord struct {
	ID               string            `json:"id" cbor:"id"`
	DisplayRole      DisplayRole       `json:"display_role" cbor:"display_role"`
	StreamRole       StreamRole        `json:"stream_role" cbor:"stream_role"`
	InvitationStatus *InvitationStatus `json:"invitation_status" cbor:"invitation_status"`
	JoinedAt         time.Time         `json:"joined_at" cbor:"joined_at"`
}

func (p Participant) record() participantRecord {
	rec := participantRecord{
		ID:          p.ID,
		DisplayRole: p.Stage.DisplayRole(),
		StreamRole:  p.Stage.StreamRole(),
		JoinedAt:    p.JoinedAt,
	}
	if inv := p.Stage.InvitationStatus(); inv != InvitationNone {
		rec.InvitationStatus = &inv
	}
	return rec
}

func (p *Participant) fromRecord(rec participantRecord) error {
	inv := InvitationNone
	if rec.InvitationStatus != nil {
		inv = *rec.InvitationStatus
	}
	stage, err := StageFrom(rec.StreamRole, inv)
	if err != nil {
		return fmt.Errorf("participant %s: %w", rec.ID, err)
	}
	p.ID = rec.ID
	p.Stage = stage
	p.JoinedAt = rec.JoinedAt
	return nil
}

// MarshalJSON encodes the participant using the persisted field layout.
func (p Participant) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.record())
}

// UnmarshalJSON decodes the persisted layout, rejecting illegal role combinations.
func (p *Participant) UnmarshalJSON(data []byte) error {
	var rec participantRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	return p.fromRecord(rec)
}

// MarshalCBOR encodes the participant for binary feed frames.
func (p Participant) MarshalCBOR() ([]byte, error) {
	return cborMode.Marshal(p.record())
}

// UnmarshalCBOR decodes a binary feed frame participant.
func (p *Participant) UnmarshalCBOR(data []byte) error {
	var rec participantRecord
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return err
	}
	return p.fromRecord(rec)
}

// Roster is the ordered participant list of a session.
// It is always rewritten as a whole.
type Roster []Participant

// Clone returns an independent copy of the roster.
func (r Roster) Clone() Roster {
	if r == nil {
		return nil
	}
	out := make(Roster, len(r))
	copy(out, r)
	return out
}

// Index returns the position of the participant with the given id, or -1.
func (r Roster) Index(id string) int {
	for i := range r {
		if r[i].ID == id {
			return i
		}
	}
	return -1
}

// Find returns the participant with the given id.
func (r Roster) Find(id string) (Participant, bool) {
	if i := r.Index(id); i >= 0 {
		return r[i], true
	}
	return Participant{}, false
}

// StageOf returns the stage of the participant, or StageAudience when absent.
func (r Roster) StageOf(id string) Stage {
	p, _ := r.Find(id)
	return p.Stage
}

// CoHost returns the participant currently holding the co-host slot (pending or accepted).
func (r Roster) CoHost() (Participant, bool) {
	for _, p := range r {
		if p.Stage.IsCoHost() {
			return p, true
		}
	}
	return Participant{}, false
}

// Equal reports whether both rosters hold the same participants in the same order.
func (r Roster) Equal(o Roster) bool {
	if len(r) != len(o) {
		return false
	}
	for i := range r {
		if r[i].ID != o[i].ID || r[i].Stage != o[i].Stage || !r[i].JoinedAt.Equal(o[i].JoinedAt) {
			return false
		}
	}
	return true
}

// AcceptedCoHost returns the accepted co-host, if any.
func (r Roster) AcceptedCoHost() (Participant, bool) {
	for _, p := range r {
		if p.Stage == StageCoHostAccepted {
			return p, true
		}
	}
	return Participant{}, false
}
