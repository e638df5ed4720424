package domain

type Role string

const (
	RoleAudience   Role = "audience"
	RoleHandRaised Role = "handRaised"
	RoleSpeaker    Role = "speaker"
	RoleHost       Role = "host"
)

// Member is one live connection's presence in a room.
// No transport or lifecycle logic here.
type Member struct {
	SessionID  string   `json:"sid"`
	User       Identity `json:"user"`
	JoinedAtMs int64    `json:"joinedAtMs"`
	// Node is the server process holding the connection; set by the store.
	Node string `json:"node,omitempty"`
}

func NewMember(sid string, user Identity, joinedAtMs int64) *Member {
	return &Member{SessionID: sid, User: user, JoinedAtMs: joinedAtMs}
}
