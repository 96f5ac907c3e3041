package stream

// Permissions is what the RTC provider lets a participant publish.
type Permissions struct {
	Camera bool `json:"camera"`
	Mic    bool `json:"mic"`
	// Screen is true only while the participant holds the presenter slot.
	Screen bool `json:"screen"`
	// Present reports whether the participant may claim the presenter slot.
	Present bool `json:"present"`
}

// Any reports whether at least one publish right is granted.
func (p Permissions) Any() bool {
	return p.Camera || p.Mic || p.Screen || p.Present
}

// PermissionsFor derives the publish rights of id from the session snapshot.
// Nobody may publish once the session has ended.
func PermissionsFor(s *Session, id string) Permissions {
	if s == nil || s.IsEnded() || id == "" {
		return Permissions{}
	}
	if !s.Roster.StageOf(id).OnStage() {
		return Permissions{}
	}
	return Permissions{
		Camera:  s.StreamKind == StreamKindVideoChat,
		Mic:     s.StreamKind != StreamKindChatOnly,
		Screen:  s.StreamKind != StreamKindChatOnly && s.PresenterID == id,
		Present: s.StreamKind != StreamKindChatOnly,
	}
}

// CanPublishCamera reports whether id may publish a camera track.
func CanPublishCamera(s *Session, id string) bool {
	return PermissionsFor(s, id).Camera
}

// CanPublishMic reports whether id may publish a microphone track.
func CanPublishMic(s *Session, id string) bool {
	return PermissionsFor(s, id).Mic
}

// CanPublishScreen reports whether id currently holds the presenter slot.
func CanPublishScreen(s *Session, id string) bool {
	return PermissionsFor(s, id).Screen
}
