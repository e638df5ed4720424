package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/WatchRoom/internal/core"
	"github.com/dkeye/WatchRoom/internal/domain"
)

type sessionEntry struct {
	Room    domain.RoomID
	Session core.MemberSession
	Cancel  context.CancelFunc
	Token   string
}

// Registry is the process-local index of live sessions. It is never shared
// across processes; room membership itself lives in the store.
type Registry struct {
	mu       sync.RWMutex
	sessions map[core.SessionID]*sessionEntry
	rooms    map[domain.RoomID]map[core.SessionID]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[core.SessionID]*sessionEntry),
		rooms:    make(map[domain.RoomID]map[core.SessionID]struct{}),
	}
}

// Snap is a copy of one registry entry, safe to use without the lock.
type Snap struct {
	SID     core.SessionID
	Room    domain.RoomID
	Session core.MemberSession
	Token   string
}

func (e *sessionEntry) snap(sid core.SessionID) Snap {
	return Snap{SID: sid, Room: e.Room, Session: e.Session, Token: e.Token}
}

func (r *Registry) Bind(sid core.SessionID, sess core.MemberSession, cancel context.CancelFunc, token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sid] = &sessionEntry{Session: sess, Cancel: cancel, Token: token}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("user", string(sess.Meta().User.ID)).Msg("bound session")
}

func (r *Registry) Get(sid core.SessionID) (Snap, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sid]
	if !ok {
		return Snap{}, false
	}
	return e.snap(sid), true
}

func (r *Registry) SetToken(sid core.SessionID, token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[sid]; ok {
		e.Token = token
	}
}

// Unbind forgets the session and returns the room it was attached to.
func (r *Registry) Unbind(sid core.SessionID) (domain.RoomID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok {
		return "", false
	}
	r.detach(sid, e)
	delete(r.sessions, sid)
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("unbind session")
	return e.Room, true
}

func (r *Registry) RoomOf(sid core.SessionID) (domain.RoomID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sid]
	if !ok || e.Room == "" {
		return "", false
	}
	return e.Room, true
}

func (r *Registry) SetRoom(sid core.SessionID, room domain.RoomID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok {
		return false
	}
	r.detach(sid, e)
	e.Room = room
	set, ok := r.rooms[room]
	if !ok {
		set = make(map[core.SessionID]struct{})
		r.rooms[room] = set
	}
	set[sid] = struct{}{}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("room", string(room)).Msg("updated room")
	return true
}

// ClearRoom detaches the session from its room and returns that room.
func (r *Registry) ClearRoom(sid core.SessionID) (domain.RoomID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok || e.Room == "" {
		return "", false
	}
	room := e.Room
	r.detach(sid, e)
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("room", string(room)).Msg("removed room association")
	return room, true
}

func (r *Registry) detach(sid core.SessionID, e *sessionEntry) {
	if e.Room == "" {
		return
	}
	if set, ok := r.rooms[e.Room]; ok {
		delete(set, sid)
		if len(set) == 0 {
			delete(r.rooms, e.Room)
		}
	}
	e.Room = ""
}

func (r *Registry) MembersOfRoom(room domain.RoomID) []Snap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.rooms[room]
	out := make([]Snap, 0, len(set))
	for sid := range set {
		if e, ok := r.sessions[sid]; ok {
			out = append(out, e.snap(sid))
		}
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Cancel tears down the session's transport. The adapter reports the
// disconnect once its pumps exit.
func (r *Registry) Cancel(sid core.SessionID) bool {
	r.mu.RLock()
	e, ok := r.sessions[sid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("canceled session")
	return true
}

// All lists every bound session.
func (r *Registry) All() []Snap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snap, 0, len(r.sessions))
	for sid, e := range r.sessions {
		out = append(out, e.snap(sid))
	}
	return out
}
