package core

import (
	"context"

	"github.com/dkeye/WatchRoom/internal/domain"
)

// Departure reports what removing one presence entry did.
type Departure struct {
	// Member is the removed entry; Found is false when it was already gone.
	Member domain.Member
	Found  bool
	// Members is the live roster size afterwards.
	Members int
	// Last is set when the identity has no other live session in the room.
	Last bool
	// Prev and Next bracket the state change applied for the last session.
	// They are equal when nothing was applied.
	Prev, Next domain.RoomState
	Applied    bool
}

// OnLastSession builds the change applied when an identity's last session in
// a room departs. A nil result applies nothing.
type OnLastSession func(st domain.RoomState, user domain.UserID) domain.Mutation

// RoomStore is the single source of truth for room state, presence and the
// short chat backlog. Infrastructure failures wrap domain.ErrStoreUnavailable;
// mutation rejections are returned unchanged and leave the room untouched.
type RoomStore interface {
	// GetRoom returns the room, creating a default record when absent.
	GetRoom(ctx context.Context, id domain.RoomID) (domain.RoomState, error)
	// Apply runs m under the per-room write discipline.
	Apply(ctx context.Context, id domain.RoomID, m domain.Mutation) (domain.RoomState, error)
	// Transition is Apply that also returns the state m was applied to, read
	// inside the same atomic section.
	Transition(ctx context.Context, id domain.RoomID, m domain.Mutation) (prev, next domain.RoomState, err error)

	// AddMember records a live session and returns the live roster size.
	AddMember(ctx context.Context, id domain.RoomID, m domain.Member) (int, error)
	RemoveMember(ctx context.Context, id domain.RoomID, sid string) (int, error)
	// Depart removes sid and, when it was its identity's last live session,
	// applies onLast atomically with the removal.
	Depart(ctx context.Context, id domain.RoomID, sid string, onLast OnLastSession) (Departure, error)
	// Members lists live sessions only.
	Members(ctx context.Context, id domain.RoomID) ([]domain.Member, error)
	// Stale lists presence entries whose server process stopped heartbeating.
	Stale(ctx context.Context, id domain.RoomID) ([]domain.Member, error)

	AppendChat(ctx context.Context, msg domain.ChatMessage) error
	RecentChat(ctx context.Context, id domain.RoomID, n int) ([]domain.ChatMessage, error)
}
