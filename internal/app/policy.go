package app

import (
	"fmt"

	"github.com/dkeye/WatchRoom/internal/core"
	"github.com/dkeye/WatchRoom/internal/domain"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickMember
)

// ParseBackpressure maps the ws.slow_consumer setting to an action.
func ParseBackpressure(s string) (BackpressureAction, error) {
	switch s {
	case "", "kick":
		return KickMember, nil
	case "drop":
		return DropFrame, nil
	default:
		return NoAction, fmt.Errorf("slow consumer action %q: want kick or drop", s)
	}
}

// Policy decides what happens to a session whose outbound buffer is full.
type Policy interface {
	OnBackPressure(room domain.RoomID, member core.MemberSession) BackpressureAction
}

// SimplePolicy applies one action to every slow consumer. The zero value
// kicks: a client that misses room frames must rejoin for a fresh snapshot.
// DropFrame leaves recovery to the client's next syncCheck.
type SimplePolicy struct {
	Action BackpressureAction
}

func (p SimplePolicy) OnBackPressure(domain.RoomID, core.MemberSession) BackpressureAction {
	if p.Action == NoAction {
		return KickMember
	}
	return p.Action
}
