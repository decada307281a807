package domain

import (
	"encoding/json"
	"errors"
)

var (
	ErrBindFailed       = errors.New("relay bind failed")
	ErrDuplicatePort    = errors.New("duplicate session port")
	ErrSessionNotFound  = errors.New("session not found")
	ErrHandshakeInvalid = errors.New("invalid relay handshake")
	ErrPeerWriteFailed  = errors.New("peer write failed")
)

// Session is a hosted group addressed by the port of its relay.
// Participants are ordered by join time and include the host only once it connects.
type Session struct {
	Port         uint16
	Host         User
	Participants []User
}

type sessionJSON struct {
	Port        uint16   `json:"port"`
	HostingUser string   `json:"hosting_user"`
	JoinedUsers []string `json:"joined_users"`
}

func (s Session) MarshalJSON() ([]byte, error) {
	return json.Marshal(sessionJSON{
		Port:        s.Port,
		HostingUser: s.Host.Name,
		JoinedUsers: s.ParticipantNames(),
	})
}

// Clone returns a copy that shares no memory with s.
func (s Session) Clone() Session {
	out := s
	out.Participants = make([]User, len(s.Participants))
	copy(out.Participants, s.Participants)
	return out
}

// ParticipantNames keeps the join order.
func (s Session) ParticipantNames() []string {
	names := make([]string, 0, len(s.Participants))
	for _, p := range s.Participants {
		names = append(names, p.Name)
	}
	return names
}
