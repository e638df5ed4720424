// Package bus carries room envelopes between server processes so a broadcast
// reaches sockets attached to any node.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/WatchRoom/internal/core"
	"github.com/dkeye/WatchRoom/internal/domain"
)

func relayErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrRelayUnavailable, op, err)
}

// refs counts watchers per room.
type refs map[domain.RoomID]int

// inc reports whether room went from unwatched to watched.
func (r refs) inc(room domain.RoomID) bool {
	r[room]++
	return r[room] == 1
}

// dec reports whether the last watcher of room went away.
func (r refs) dec(room domain.RoomID) bool {
	n, ok := r[room]
	if !ok {
		return false
	}
	if n <= 1 {
		delete(r, room)
		return true
	}
	r[room] = n - 1
	return false
}

func decode(raw []byte) (core.Envelope, bool) {
	var env core.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		log.Warn().Err(err).Str("module", "bus").Msg("dropping malformed envelope")
		return env, false
	}
	return env, true
}

// Local fans envelopes out inside one process. Several orchestrators sharing
// a Local behave like separate nodes on a real bus.
type Local struct {
	mu     sync.RWMutex
	next   int
	subs   map[int]func(core.Envelope)
	closed bool
}

func NewLocal() *Local {
	return &Local{subs: make(map[int]func(core.Envelope))}
}

func (l *Local) Publish(_ context.Context, env core.Envelope) error {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return relayErr("publish", fmt.Errorf("bus closed"))
	}
	fns := make([]func(core.Envelope), 0, len(l.subs))
	for _, fn := range l.subs {
		fns = append(fns, fn)
	}
	l.mu.RUnlock()

	for _, fn := range fns {
		fn(env)
	}
	return nil
}

func (l *Local) Subscribe(ctx context.Context, fn func(core.Envelope)) error {
	l.mu.Lock()
	id := l.next
	l.next++
	l.subs[id] = fn
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
	}()
	return nil
}

// Watch is a no-op: a Local delivers every room.
func (l *Local) Watch(context.Context, domain.RoomID) error { return nil }

func (l *Local) Unwatch(context.Context, domain.RoomID) {}

func (l *Local) Close() error {
	l.mu.Lock()
	l.closed = true
	l.subs = make(map[int]func(core.Envelope))
	l.mu.Unlock()
	return nil
}
