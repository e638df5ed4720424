package core

import (
	"context"
	"encoding/json"

	"github.com/dkeye/WatchRoom/internal/domain"
)

// Envelope is a room-scoped frame crossing process boundaries.
type Envelope struct {
	Room    domain.RoomID   `json:"room"`
	Origin  string          `json:"origin"`
	To      domain.UserID   `json:"to,omitempty"`
	Exclude SessionID       `json:"exclude,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Bus carries envelopes between server processes.
type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe delivers every envelope to fn until ctx is done. It returns
	// once the subscription is live; delivery happens on a bus goroutine.
	Subscribe(ctx context.Context, fn func(Envelope)) error
	// Watch starts delivery of a room's envelopes to this node; Unwatch
	// stops it. Both are reference counted per room, one call per local
	// session, so a node only hears rooms it has sessions in.
	Watch(ctx context.Context, room domain.RoomID) error
	Unwatch(ctx context.Context, room domain.RoomID)
	Close() error
}
