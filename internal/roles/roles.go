// Package roles is the Role & Permission State Machine. Every transition is
// expressed as a store mutation whose authorization step runs inside the same
// atomic section as the change itself.
//
//	audience   --raiseHand-->  handRaised
//	handRaised --lowerHand-->  audience
//	handRaised --promote---->  speaker    (host only)
//	speaker    --demote----->  audience   (host only)
package roles

import (
	"github.com/dkeye/WatchRoom/internal/domain"
)

func RaiseHand(actor domain.UserID) domain.Mutation {
	return domain.EnqueueHand{User: actor}
}

// LowerHand is a no-op for identities that are not queued.
func LowerHand(actor domain.UserID) domain.Mutation {
	return domain.DequeueHand{User: actor}
}

// Promote moves target from the hand queue into speakers. The target must be
// queued and a speaker slot must be free.
func Promote(actor, target domain.UserID) domain.Mutation {
	return domain.Seq{
		domain.RequireHost{Actor: actor, Reason: domain.ErrForbidden},
		domain.DequeueHand{User: target, Strict: true},
		domain.AddSpeaker{User: target},
	}
}

func Demote(actor, target domain.UserID) domain.Mutation {
	return domain.Seq{
		domain.RequireHost{Actor: actor, Reason: domain.ErrForbidden},
		domain.RemoveSpeaker{User: target, Strict: true},
	}
}

// Cleanup strips transient role state of an identity that left the room.
// The host seat is kept: it is sticky to the identity.
func Cleanup(user domain.UserID) domain.Mutation {
	return domain.Seq{
		domain.DequeueHand{User: user},
		domain.RemoveSpeaker{User: user},
	}
}

// Departed is the cleanup for an identity whose last session left the room.
// It is nil when the identity holds no transient role.
func Departed(st domain.RoomState, user domain.UserID) domain.Mutation {
	if !st.IsQueued(user) && !st.IsSpeaker(user) {
		return nil
	}
	return Cleanup(user)
}

// ClaimHost seats the first joiner of a room as host, guest or not, so no
// room that has members stays without one.
func ClaimHost(id domain.Identity) domain.Mutation {
	return domain.SetHost{User: id.ID, IfVacant: true}
}

// CanPublish reports whether a role may announce audio/video.
func CanPublish(r domain.Role) bool {
	return r == domain.RoleHost || r == domain.RoleSpeaker
}

// Changed lists identities whose role differs between two room versions.
func Changed(prev, next domain.RoomState) map[domain.UserID]domain.Role {
	out := make(map[domain.UserID]domain.Role)
	seen := func(u domain.UserID) {
		if u == "" {
			return
		}
		if r := next.RoleOf(u); r != prev.RoleOf(u) {
			out[u] = r
		}
	}
	for _, s := range []domain.RoomState{prev, next} {
		seen(s.HostID)
		for _, u := range s.Speakers {
			seen(u)
		}
		for _, u := range s.HandQueue {
			seen(u)
		}
	}
	return out
}
