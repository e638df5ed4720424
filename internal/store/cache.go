package store

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/WatchRoom/internal/core"
	"github.com/dkeye/WatchRoom/internal/domain"
)

type cacheEntry struct {
	state domain.RoomState
	at    time.Time
}

// Cached serves GetRoom from process memory for at most ttl. Writes always go
// to the inner store; a committed write refreshes the cached copy.
type Cached struct {
	core.RoomStore
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[domain.RoomID]cacheEntry
}

func NewCached(inner core.RoomStore, ttl time.Duration) *Cached {
	return &Cached{RoomStore: inner, ttl: ttl, now: time.Now, entries: make(map[domain.RoomID]cacheEntry)}
}

func (c *Cached) GetRoom(ctx context.Context, id domain.RoomID) (domain.RoomState, error) {
	c.mu.Lock()
	e, ok := c.entries[id]
	c.mu.Unlock()
	if ok && c.now().Sub(e.at) < c.ttl {
		return e.state.Clone(), nil
	}
	st, err := c.RoomStore.GetRoom(ctx, id)
	if err != nil {
		return domain.RoomState{}, err
	}
	c.put(st)
	return st, nil
}

func (c *Cached) Apply(ctx context.Context, id domain.RoomID, m domain.Mutation) (domain.RoomState, error) {
	st, err := c.RoomStore.Apply(ctx, id, m)
	if err != nil {
		return st, err
	}
	c.put(st)
	return st, nil
}

func (c *Cached) Transition(ctx context.Context, id domain.RoomID, m domain.Mutation) (domain.RoomState, domain.RoomState, error) {
	prev, next, err := c.RoomStore.Transition(ctx, id, m)
	if err != nil {
		return prev, next, err
	}
	c.put(next)
	return prev, next, nil
}

func (c *Cached) Depart(ctx context.Context, id domain.RoomID, sid string, onLast core.OnLastSession) (core.Departure, error) {
	d, err := c.RoomStore.Depart(ctx, id, sid, onLast)
	if err == nil && d.Applied {
		c.put(d.Next)
	}
	return d, err
}

func (c *Cached) put(st domain.RoomState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[st.ID]; ok && e.state.Version > st.Version {
		return
	}
	c.entries[st.ID] = cacheEntry{state: st.Clone(), at: c.now()}
}
