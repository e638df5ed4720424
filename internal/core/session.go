package core

import "github.com/dkeye/WatchRoom/internal/domain"

// Frame is one serialized JSON message on a client connection.
type Frame []byte

type SessionID string

// SignalConnection is the outbound half of a client transport.
// The adapter owns it and must Close() it.
type SignalConnection interface {
	// TrySend never blocks; a full buffer is reported as an error.
	TrySend(Frame) error
	Close()
}

// MemberSession pairs a connected member with its transport.
type MemberSession interface {
	SID() SessionID
	Meta() *domain.Member
	Signal() SignalConnection
}

type memberSession struct {
	meta *domain.Member
	conn SignalConnection
}

func NewMemberSession(meta *domain.Member, conn SignalConnection) MemberSession {
	return &memberSession{meta: meta, conn: conn}
}

func (m *memberSession) SID() SessionID           { return SessionID(m.meta.SessionID) }
func (m *memberSession) Meta() *domain.Member     { return m.meta }
func (m *memberSession) Signal() SignalConnection { return m.conn }
